package manifest

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

// Bundler streams sorted files into rolling tar.zst archives, rotating to a
// new archive once the current one would exceed targetBytes. Adapted from
// Archive-Hasher's companion download-crates Bundler for the Audit Manifest
// tool's optional archival step.
type Bundler struct {
	enabled     bool
	outDir      string
	targetBytes int64

	mu           sync.Mutex
	currentIdx   int
	currentBytes int64
	tw           *tar.Writer
	zw           *zstd.Encoder
	outFile      *os.File
}

// NewBundler returns a no-op Bundler if enabled is false, otherwise one that
// rotates to a fresh bundle-NNNN.tar.zst under outDir every targetGB.
func NewBundler(enabled bool, outDir string, targetGB int64) (*Bundler, error) {
	if !enabled {
		return &Bundler{enabled: false}, nil
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, err
	}
	b := &Bundler{enabled: true, outDir: outDir, targetBytes: targetGB * (1 << 30)}
	if err := b.rotateLocked(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Bundler) rotateLocked() error {
	if !b.enabled {
		return nil
	}
	if b.tw != nil {
		b.tw.Close()
	}
	if b.zw != nil {
		b.zw.Close()
	}
	if b.outFile != nil {
		b.outFile.Close()
	}

	name := fmt.Sprintf("bundle-%04d.tar.zst", b.currentIdx)
	path := filepath.Join(b.outDir, name)
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	zw, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		f.Close()
		return err
	}
	b.outFile = f
	b.zw = zw
	b.tw = tar.NewWriter(zw)
	b.currentBytes = 0
	b.currentIdx++
	return nil
}

// AddFile appends filePath to the current bundle under headerName, rotating
// first if the addition would exceed the target bundle size.
func (b *Bundler) AddFile(filePath, headerName string) error {
	if !b.enabled {
		return nil
	}
	fi, err := os.Stat(filePath)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.currentBytes+fi.Size() > b.targetBytes {
		if err := b.rotateLocked(); err != nil {
			return err
		}
	}
	f, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer f.Close()

	hdr := &tar.Header{
		Name:    headerName,
		Mode:    0o644,
		Size:    fi.Size(),
		ModTime: time.Unix(0, 0),
	}
	if err := b.tw.WriteHeader(hdr); err != nil {
		return err
	}
	n, err := io.Copy(b.tw, f)
	if err != nil {
		return err
	}
	b.currentBytes += n
	return nil
}

// Close flushes and closes whatever archive is currently open.
func (b *Bundler) Close() error {
	if !b.enabled {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tw != nil {
		if err := b.tw.Close(); err != nil {
			return err
		}
	}
	if b.zw != nil {
		if err := b.zw.Close(); err != nil {
			return err
		}
	}
	if b.outFile != nil {
		return b.outFile.Close()
	}
	return nil
}
