package fetchengine

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/APTlantis/anacsync/internal/config"
	"github.com/APTlantis/anacsync/internal/httpx"
)

// S4ShortConn is the Short Connections strategy: identical sequencing to
// S1 but every chunk is fetched over its own connection (Connection: close)
// at a much smaller chunk size, for hosts that kill long-lived keep-alives.
// Ported from strategies.py's S4ShortConnStrategy.
type S4ShortConn struct{}

func (S4ShortConn) Name() string { return "s4_shortconn" }

func (s S4ShortConn) Fetch(ctx context.Context, t *httpx.Transport, dest string, meta Meta, cfg config.Downloader, onProgress ProgressFunc) Result {
	start := time.Now()
	pr, err := t.Probe(ctx, meta.URL)
	if err != nil {
		return Result{Strategy: s.Name(), Error: err.Error(), Duration: time.Since(start)}
	}
	contentLength := meta.ContentLength
	if pr.ContentLength != nil {
		contentLength = pr.ContentLength
	}
	if res, ok := shortCircuit(dest, contentLength); ok {
		res.Duration = time.Since(start)
		return res
	}

	part := partPath(dest)
	offset := int64(0)
	if info, err := os.Stat(part); err == nil {
		offset = info.Size() - cfg.OverlapBytes
		if offset < 0 {
			offset = 0
		}
	}

	f, err := os.OpenFile(part, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return Result{Strategy: s.Name(), Error: err.Error(), Duration: time.Since(start)}
	}
	defer f.Close()
	if err := f.Truncate(offset); err != nil {
		return Result{Strategy: s.Name(), Error: err.Error(), Duration: time.Since(start)}
	}
	if _, err := f.Seek(offset, 0); err != nil {
		return Result{Strategy: s.Name(), Error: err.Error(), Duration: time.Since(start)}
	}

	chunkBytes := cfg.SnailChunksKB * 1024
	if chunkBytes <= 0 {
		chunkBytes = 64 * 1024
	}
	closeHeader := map[string]string{"Connection": "close"}

	total := offset
	for contentLength == nil || total < *contentLength {
		if err := ctx.Err(); err != nil {
			return Result{Strategy: s.Name(), Error: err.Error(), BytesWritten: total, Duration: time.Since(start)}
		}
		end := total + chunkBytes - 1
		if contentLength != nil && end > *contentLength-1 {
			end = *contentLength - 1
		}

		rr, err := t.GetRange(ctx, meta.URL, total, end, closeHeader)
		if err != nil {
			return Result{Strategy: s.Name(), Error: err.Error(), BytesWritten: total, Duration: time.Since(start)}
		}
		n, werr := streamToFile(f, rr.Body, chunkBytes, onProgress)
		rr.Body.Close()
		if werr != nil {
			return Result{Strategy: s.Name(), Error: werr.Error(), BytesWritten: total, Duration: time.Since(start)}
		}
		if n == 0 {
			break
		}
		total += n
		if !rr.Partial {
			break
		}
		if contentLength == nil {
			break
		}
		if err := sleepShort(ctx); err != nil {
			return Result{Strategy: s.Name(), Error: err.Error(), BytesWritten: total, Duration: time.Since(start)}
		}
	}

	if contentLength != nil && total != *contentLength {
		return Result{Strategy: s.Name(), Error: fmt.Sprintf("incomplete transfer: got %d want %d", total, *contentLength), BytesWritten: total, Duration: time.Since(start)}
	}

	sum, err := finalize(part, dest, meta, s.Name(), nil)
	if err != nil {
		return Result{Strategy: s.Name(), Error: err.Error(), BytesWritten: total, Duration: time.Since(start)}
	}
	if !verifyAgainstExpected(sum, nil) {
		discardIntegrityFailure(dest)
		return Result{Strategy: s.Name(), Error: "integrity mismatch", BytesWritten: total, Duration: time.Since(start)}
	}
	return Result{OK: true, Strategy: s.Name(), BytesWritten: total, Duration: time.Since(start)}
}

// sleepShort is S4's fixed 20ms pause between chunk requests; S1 issues its
// chunk requests back to back with no pause.
func sleepShort(ctx context.Context) error {
	select {
	case <-time.After(20 * time.Millisecond):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
