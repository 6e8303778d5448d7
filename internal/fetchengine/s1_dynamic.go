package fetchengine

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/APTlantis/anacsync/internal/config"
	"github.com/APTlantis/anacsync/internal/httpx"
)

// S1Dynamic is the Dynamic Range Streaming strategy: sequential range
// requests with a size-tiered chunk, resuming from an existing .part minus
// overlap_bytes. Ported from strategies.py's S1DynamicStrategy.
type S1Dynamic struct{}

func (S1Dynamic) Name() string { return "s1_dynamic" }

func (s S1Dynamic) Fetch(ctx context.Context, t *httpx.Transport, dest string, meta Meta, cfg config.Downloader, onProgress ProgressFunc) Result {
	start := time.Now()
	if res, ok := shortCircuit(dest, meta.ContentLength); ok {
		res.Duration = time.Since(start)
		return res
	}
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

	total := offset
	var chunkBytes int64 = 2 * 1024 * 1024
	if contentLength != nil {
		chunkBytes = chunkSizeBytes(*contentLength, cfg.DynamicChunksMB)
	}

	for contentLength == nil || total < *contentLength {
		if err := ctx.Err(); err != nil {
			return Result{Strategy: s.Name(), Error: err.Error(), BytesWritten: total, Duration: time.Since(start)}
		}
		end := int64(-1)
		if contentLength != nil {
			end = total + chunkBytes - 1
			if end > *contentLength-1 {
				end = *contentLength - 1
			}
		} else {
			end = total + chunkBytes - 1
		}

		rr, err := t.GetRange(ctx, meta.URL, total, end, nil)
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
			// Server ignored the Range header and sent the full body:
			// spec.md §7 "range not supported" degrades S1 to full-body.
			break
		}
		if contentLength == nil {
			break
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
