// Package manifest implements the Audit Manifest tool: a per-file,
// multi-algorithm integrity manifest over a sorted subtree, optionally GPG
// signed and optionally archived into rolling tar.zst bundles. Adapted from
// Archive-Hasher/Archive-Hasher.go's directory hasher, changed from one
// aggregate hash per whole directory to one hash set per file so the
// manifest can be cross-checked against individual anacsync sidecars.
package manifest

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/cloudflare/circl/xof/k12"
	"github.com/jzelinskie/whirlpool"
	"github.com/spaolacci/murmur3"
	"github.com/zeebo/xxh3"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/ripemd160"
	"golang.org/x/crypto/sha3"
	"lukechampine.com/blake3"
)

// FileHashes is the full multi-algorithm hash set for one file.
type FileHashes struct {
	SHA256         string `json:"sha256"`
	SHA512         string `json:"sha512"`
	Blake3         string `json:"blake3"`
	Blake2b        string `json:"blake2b"`
	SHA3_256       string `json:"sha3_256"`
	KangarooTwelve string `json:"kangaroo12"`
	Whirlpool      string `json:"whirlpool"`
	RIPEMD160      string `json:"ripemd160"`
	XXH3           string `json:"xxh3"`
	XXHash64       string `json:"xxhash64"`
	Murmur3        string `json:"murmur3"`
}

// Entry is one file's record in the manifest.
type Entry struct {
	Path    string     `json:"path"`
	Size    int64      `json:"size"`
	ModTime string     `json:"mod_time"`
	Hashes  FileHashes `json:"hashes"`
}

// Manifest is the full audit manifest for one root directory.
type Manifest struct {
	Root         string  `json:"root"`
	GeneratedAt  string  `json:"generated_at"`
	TotalFiles   int     `json:"total_files"`
	TotalSize    int64   `json:"total_size"`
	Files        []Entry `json:"files"`
	GPGKeyID     string  `json:"gpg_key_id,omitempty"`
	GPGSignature string  `json:"gpg_signature,omitempty"`
}

// hashFile computes every supported algorithm's digest for path. All but
// xxh3 share one streaming pass through io.MultiWriter; xxh3 is computed
// from a second read of the whole file into memory.
func hashFile(path string) (FileHashes, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return FileHashes{}, 0, err
	}
	defer f.Close()

	sha256H := sha256.New()
	sha512H := sha512.New()
	blake3H := blake3.New(32, nil)
	blake2bH, _ := blake2b.New256(nil)
	sha3H := sha3.New256()
	k12H := k12.NewDraft10(nil)
	whirlpoolH := whirlpool.New()
	ripemd160H := ripemd160.New()
	xxh64H := xxhash.New()
	murmur3H := murmur3.New128()

	mw := io.MultiWriter(sha256H, sha512H, blake3H, blake2bH, sha3H, k12H, whirlpoolH, ripemd160H, xxh64H, murmur3H)
	n, err := io.Copy(mw, f)
	if err != nil {
		return FileHashes{}, n, err
	}

	k12Out := make([]byte, 32)
	_, _ = k12H.Read(k12Out)

	data, err := os.ReadFile(path)
	var xxh3Hash string
	if err == nil {
		xxh3Hash = hex.EncodeToString(uint64ToBytes(xxh3.Hash(data)))
	}

	return FileHashes{
		SHA256:         hex.EncodeToString(sha256H.Sum(nil)),
		SHA512:         hex.EncodeToString(sha512H.Sum(nil)),
		Blake3:         hex.EncodeToString(blake3H.Sum(nil)),
		Blake2b:        hex.EncodeToString(blake2bH.Sum(nil)),
		SHA3_256:       hex.EncodeToString(sha3H.Sum(nil)),
		KangarooTwelve: hex.EncodeToString(k12Out),
		Whirlpool:      hex.EncodeToString(whirlpoolH.Sum(nil)),
		RIPEMD160:      hex.EncodeToString(ripemd160H.Sum(nil)),
		XXH3:           xxh3Hash,
		XXHash64:       hex.EncodeToString(xxh64H.Sum(nil)),
		Murmur3:        hex.EncodeToString(murmur3H.Sum(nil)),
	}, n, nil
}

func uint64ToBytes(v uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[7-i] = byte(v >> (8 * i))
	}
	return b
}

// Build walks root and hashes every regular file under it, per the
// extensions allow-list (nil means every file).
func Build(root string, extensions map[string]bool, bundler *Bundler) (Manifest, error) {
	m := Manifest{Root: root, GeneratedAt: time.Now().UTC().Format("2006-01-02T15:04:05.000000Z")}

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if extensions != nil && !extensions[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		hashes, size, err := hashFile(path)
		if err != nil {
			return fmt.Errorf("manifest: hash %s: %w", path, err)
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			rel = path
		}
		m.Files = append(m.Files, Entry{
			Path:    filepath.ToSlash(rel),
			Size:    size,
			ModTime: info.ModTime().UTC().Format("2006-01-02T15:04:05.000000Z"),
			Hashes:  hashes,
		})
		m.TotalFiles++
		m.TotalSize += size
		if bundler != nil {
			_ = bundler.AddFile(path, filepath.ToSlash(rel))
		}
		return nil
	})
	if err != nil {
		return m, err
	}
	return m, nil
}

// SignManifest signs m.Files with the private key at gpgKeyPath and fills in
// GPGKeyID/GPGSignature. The signature covers the file list only, so it
// stays valid even if GeneratedAt or the signature fields themselves change.
func SignManifest(m *Manifest, gpgKeyPath string) error {
	entity, err := LoadKey(gpgKeyPath)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(m.Files)
	if err != nil {
		return fmt.Errorf("manifest: marshal files for signing: %w", err)
	}
	sig, err := Sign(entity, payload)
	if err != nil {
		return fmt.Errorf("manifest: sign: %w", err)
	}
	m.GPGKeyID = KeyID(entity)
	m.GPGSignature = sig
	return nil
}
