package manifest

import (
	"bytes"
	"crypto"
	"fmt"
	"os"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
)

// GenerateKey creates a fresh 2048-bit RSA OpenPGP entity, self-signed for
// name/email. Ported from Archive-Hasher.go's generateGPGKey.
func GenerateKey(name, email string) (*openpgp.Entity, error) {
	cfg := &packet.Config{RSABits: 2048, DefaultHash: crypto.SHA256}
	entity, err := openpgp.NewEntity(name, "anacsync audit manifest", email, cfg)
	if err != nil {
		return nil, err
	}
	for _, id := range entity.Identities {
		if err := id.SelfSignature.SignUserId(id.UserId.Id, entity.PrimaryKey, entity.PrivateKey, cfg); err != nil {
			return nil, err
		}
	}
	return entity, nil
}

// LoadKey reads an armored private key from path.
func LoadKey(path string) (*openpgp.Entity, error) {
	keyData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: read gpg key: %w", err)
	}
	block, err := armor.Decode(bytes.NewReader(keyData))
	if err != nil {
		return nil, fmt.Errorf("manifest: decode gpg key: %w", err)
	}
	entity, err := openpgp.ReadEntity(packet.NewReader(block.Body))
	if err != nil {
		return nil, fmt.Errorf("manifest: read gpg entity: %w", err)
	}
	return entity, nil
}

// Sign produces an armored detached signature over data.
func Sign(entity *openpgp.Entity, data []byte) (string, error) {
	var buf bytes.Buffer
	w, err := armor.Encode(&buf, openpgp.SignatureType, nil)
	if err != nil {
		return "", err
	}
	if err := openpgp.DetachSign(w, entity, bytes.NewReader(data), nil); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// KeyID formats entity's primary key ID the way Archive-Hasher.go does.
func KeyID(entity *openpgp.Entity) string {
	return fmt.Sprintf("0x%X", entity.PrimaryKey.KeyId)
}
