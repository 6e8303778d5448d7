package fetchengine

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/APTlantis/anacsync/internal/config"
	"github.com/APTlantis/anacsync/internal/httpx"
)

// S5TailFirst fetches the last min(1 MiB, content_length) bytes first into a
// pre-allocated part file, then fills [0, tail_start) using S1's chunk-size
// policy. Useful for formats whose integrity can be judged from a trailing
// index (zip central directory, etc.) before the bulk of the body arrives.
// Ported from strategies.py's S5TailFirstStrategy.
type S5TailFirst struct{}

func (S5TailFirst) Name() string { return "s5_tailfirst" }

const tailFirstMaxBytes = 1024 * 1024

func (s S5TailFirst) Fetch(ctx context.Context, t *httpx.Transport, dest string, meta Meta, cfg config.Downloader, onProgress ProgressFunc) Result {
	start := time.Now()
	pr, err := t.Probe(ctx, meta.URL)
	if err != nil {
		return Result{Strategy: s.Name(), Error: err.Error(), Duration: time.Since(start)}
	}
	contentLength := meta.ContentLength
	if pr.ContentLength != nil {
		contentLength = pr.ContentLength
	}
	if contentLength == nil {
		return Result{Strategy: s.Name(), Error: "content_length unknown, S5 requires it", Duration: time.Since(start)}
	}
	if res, ok := shortCircuit(dest, contentLength); ok {
		res.Duration = time.Since(start)
		return res
	}

	tailBytes := int64(tailFirstMaxBytes)
	if tailBytes > *contentLength {
		tailBytes = *contentLength
	}
	tailStart := *contentLength - tailBytes

	part := partPath(dest)
	f, err := os.OpenFile(part, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return Result{Strategy: s.Name(), Error: err.Error(), Duration: time.Since(start)}
	}
	defer f.Close()

	preExistingSize := int64(0)
	if info, err := f.Stat(); err == nil {
		preExistingSize = info.Size()
	}
	if preExistingSize < *contentLength {
		if err := f.Truncate(*contentLength); err != nil {
			return Result{Strategy: s.Name(), Error: err.Error(), Duration: time.Since(start)}
		}
	}

	var total int64

	// The part file is recreated on open (O_TRUNC), so preExistingSize is 0
	// here and the tail is always fetched; bytes left in a .part by an
	// earlier attempt are never reused. The size is taken before the
	// Truncate above, which makes the sparse file report the target size.
	if preExistingSize <= tailStart {
		rr, err := t.GetRange(ctx, meta.URL, tailStart, *contentLength-1, nil)
		if err != nil {
			return Result{Strategy: s.Name(), Error: err.Error(), Duration: time.Since(start)}
		}
		if !rr.Partial {
			rr.Body.Close()
			return Result{Strategy: s.Name(), Error: "server does not support range requests", Duration: time.Since(start)}
		}
		if _, err := f.Seek(tailStart, 0); err != nil {
			rr.Body.Close()
			return Result{Strategy: s.Name(), Error: err.Error(), Duration: time.Since(start)}
		}
		n, werr := streamToFile(f, rr.Body, tailBytes, onProgress)
		rr.Body.Close()
		if werr != nil {
			return Result{Strategy: s.Name(), Error: werr.Error(), BytesWritten: n, Duration: time.Since(start)}
		}
		total += n
	} else {
		total += tailBytes
	}

	chunkBytes := chunkSizeBytes(*contentLength, cfg.DynamicChunksMB)
	var head int64
	for head < tailStart {
		if err := ctx.Err(); err != nil {
			return Result{Strategy: s.Name(), Error: err.Error(), BytesWritten: total, Duration: time.Since(start)}
		}
		end := head + chunkBytes - 1
		if end > tailStart-1 {
			end = tailStart - 1
		}
		rr, err := t.GetRange(ctx, meta.URL, head, end, nil)
		if err != nil {
			return Result{Strategy: s.Name(), Error: err.Error(), BytesWritten: total, Duration: time.Since(start)}
		}
		if !rr.Partial {
			rr.Body.Close()
			return Result{Strategy: s.Name(), Error: "server does not support range requests", BytesWritten: total, Duration: time.Since(start)}
		}
		if _, err := f.Seek(head, 0); err != nil {
			rr.Body.Close()
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
		head += n
		total += n
	}

	if total != *contentLength {
		return Result{Strategy: s.Name(), Error: fmt.Sprintf("incomplete transfer: wrote %d want %d", total, *contentLength), BytesWritten: total, Duration: time.Since(start)}
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
