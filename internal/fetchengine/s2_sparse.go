package fetchengine

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/APTlantis/anacsync/internal/config"
	"github.com/APTlantis/anacsync/internal/httpx"
	"github.com/APTlantis/anacsync/internal/model"
)

// S2Sparse is the Sparse Segments With Bitmap strategy: a fixed-size
// segment grid fetched in a deliberately non-linear order (first, last,
// middle, then ascending) to surface a broken response early. Requires a
// known content_length. Ported from strategies.py's S2SparseStrategy.
type S2Sparse struct{}

func (S2Sparse) Name() string { return "s2_sparse" }

// segmentOrder returns segment indices in the order spec.md §4.6 mandates:
// 0, then n-1, then n/2, then the remaining indices ascending.
func segmentOrder(n int) []int {
	if n <= 0 {
		return nil
	}
	seen := make(map[int]bool, n)
	order := make([]int, 0, n)
	add := func(i int) {
		if i >= 0 && i < n && !seen[i] {
			seen[i] = true
			order = append(order, i)
		}
	}
	add(0)
	add(n - 1)
	add(n / 2)
	for i := 0; i < n; i++ {
		add(i)
	}
	return order
}

func newBitmap(n int) string { return strings.Repeat("0", n) }

func setBit(bitmap string, i int) string {
	b := []byte(bitmap)
	b[i] = '1'
	return string(b)
}

func allOnes(bitmap string) bool {
	return !strings.Contains(bitmap, "0")
}

func (s S2Sparse) Fetch(ctx context.Context, t *httpx.Transport, dest string, meta Meta, cfg config.Downloader, onProgress ProgressFunc) Result {
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
		return Result{Strategy: s.Name(), Error: "content_length unknown, S2 requires it", Duration: time.Since(start)}
	}
	if res, ok := shortCircuit(dest, contentLength); ok {
		res.Duration = time.Since(start)
		return res
	}

	segSize := cfg.SparseSegmentMB * 1024 * 1024
	if segSize <= 0 {
		segSize = 4 * 1024 * 1024
	}
	numSegments := int((*contentLength + segSize - 1) / segSize)

	bitmap := newBitmap(numSegments)
	if sc, ok := readSidecar(dest); ok && sc.Segments != nil && sc.Segments.Size == segSize && len(sc.Segments.Bitmap) == numSegments {
		bitmap = sc.Segments.Bitmap
	}

	part := partPath(dest)
	f, err := os.OpenFile(part, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return Result{Strategy: s.Name(), Error: err.Error(), Duration: time.Since(start)}
	}
	defer f.Close()
	if info, _ := f.Stat(); info == nil || info.Size() < *contentLength {
		if err := f.Truncate(*contentLength); err != nil {
			return Result{Strategy: s.Name(), Error: err.Error(), Duration: time.Since(start)}
		}
	}

	var total int64
	persist := func() {
		_ = writeSidecarSegments(dest, meta, bitmap, segSize, *contentLength)
	}

	for _, i := range segmentOrder(numSegments) {
		if bitmap[i] == '1' {
			continue
		}
		if err := ctx.Err(); err != nil {
			persist()
			return Result{Strategy: s.Name(), Error: err.Error(), BytesWritten: total, Duration: time.Since(start)}
		}
		segStart := int64(i) * segSize
		segEnd := segStart + segSize - 1
		if segEnd > *contentLength-1 {
			segEnd = *contentLength - 1
		}

		rr, err := t.GetRange(ctx, meta.URL, segStart, segEnd, nil)
		if err != nil {
			persist()
			return Result{Strategy: s.Name(), Error: err.Error(), BytesWritten: total, Duration: time.Since(start)}
		}
		if !rr.Partial {
			rr.Body.Close()
			persist()
			return Result{Strategy: s.Name(), Error: "server does not support range requests", BytesWritten: total, Duration: time.Since(start)}
		}
		if _, err := f.Seek(segStart, 0); err != nil {
			rr.Body.Close()
			persist()
			return Result{Strategy: s.Name(), Error: err.Error(), BytesWritten: total, Duration: time.Since(start)}
		}
		n, werr := streamToFile(f, rr.Body, segSize, onProgress)
		rr.Body.Close()
		if werr != nil {
			persist()
			return Result{Strategy: s.Name(), Error: werr.Error(), BytesWritten: total, Duration: time.Since(start)}
		}
		total += n
		bitmap = setBit(bitmap, i)
		persist()
	}

	if !allOnes(bitmap) {
		return Result{Strategy: s.Name(), Error: "incomplete: bitmap not all ones", BytesWritten: total, Duration: time.Since(start)}
	}

	finalBitmap := bitmap
	_, err = finalize(part, dest, meta, s.Name(), func(sc *model.Sidecar) {
		sc.Segments = &model.Segments{Size: segSize, Bitmap: finalBitmap}
	})
	if err != nil {
		return Result{Strategy: s.Name(), Error: err.Error(), BytesWritten: total, Duration: time.Since(start)}
	}
	return Result{OK: true, Strategy: s.Name(), BytesWritten: total, Duration: time.Since(start)}
}

// writeSidecarSegments persists an in-progress bitmap to the sidecar between
// segment fetches, so an interrupted S2 attempt (or a subsequent strategy in
// the cascade) can resume from where it left off.
func writeSidecarSegments(dest string, meta Meta, bitmap string, segSize, contentLength int64) error {
	sc, ok := readSidecar(dest)
	if !ok {
		sc = &model.Sidecar{
			URL:         meta.URL,
			DatasetSlug: meta.DatasetSlug,
		}
	}
	sc.ContentLength = &contentLength
	sc.Segments = &model.Segments{Size: segSize, Bitmap: bitmap}
	return writeSidecar(dest, *sc)
}
