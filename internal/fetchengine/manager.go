package fetchengine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/APTlantis/anacsync/internal/anacutil"
	"github.com/APTlantis/anacsync/internal/config"
	"github.com/APTlantis/anacsync/internal/httpx"
	"github.com/APTlantis/anacsync/internal/metrics"
	"github.com/APTlantis/anacsync/internal/model"
	"github.com/APTlantis/anacsync/internal/state"
)

// registry maps a strategy name (as it appears in Downloader.Strategies) to
// its implementation. Ported from downloader/manager.py's STRATEGY_REGISTRY.
var registry = map[string]Strategy{
	"s1_dynamic":   S1Dynamic{},
	"s2_sparse":    S2Sparse{},
	"s3_curl":      S3Curl{},
	"s4_shortconn": S4ShortConn{},
	"s5_tailfirst": S5TailFirst{},
}

// Manager runs the strategy cascade for each PlanItem and records every
// attempt to the download history table.
type Manager struct {
	transport *httpx.Transport
	cfg       config.Downloader
	history   *state.Table[model.DownloadHistory]
}

// New builds a Manager over the given transport, downloader config, and
// history table.
func New(transport *httpx.Transport, cfg config.Downloader, history *state.Table[model.DownloadHistory]) *Manager {
	return &Manager{transport: transport, cfg: cfg, history: history}
}

// PlanStats aggregates the outcome of a RunPlan call.
type PlanStats struct {
	Total         int
	Succeeded     int
	Failed        int
	TotalBytes    int64
	ByStrategy    map[string]int
	FailedItems   []model.PlanItem
	Errors        []string
}

func newPlanStats() PlanStats {
	return PlanStats{ByStrategy: make(map[string]int)}
}

// RunPlan attempts every item in items in order, stopping early only on
// context cancellation.
func (m *Manager) RunPlan(ctx context.Context, items []model.PlanItem) (PlanStats, error) {
	stats := newPlanStats()
	for _, item := range items {
		stats.Total++
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		res := m.RunItem(ctx, item)
		if res.OK {
			stats.Succeeded++
			stats.TotalBytes += res.BytesWritten
			stats.ByStrategy[res.Strategy]++
		} else {
			stats.Failed++
			stats.FailedItems = append(stats.FailedItems, item)
			stats.Errors = append(stats.Errors, fmt.Sprintf("%s: %s", item.ResourceURL, res.Error))
		}
	}
	return stats, nil
}

// RunItem cascades through cfg.Strategies in order for one PlanItem, moving
// to the next strategy when the current one fails outright, exhausts its
// retries, or stalls for switch_after_seconds_without_progress with no byte
// progress. Every attempt is appended to the history table regardless of
// outcome.
func (m *Manager) RunItem(ctx context.Context, item model.PlanItem) Result {
	meta := Meta{
		URL:           item.ResourceURL,
		DatasetSlug:   item.DatasetSlug,
		ContentLength: item.Size,
		ETag:          item.ETag,
	}
	if item.ResourceName != nil {
		meta.ResourceName = *item.ResourceName
	}

	var last Result
	for _, name := range m.cfg.Strategies {
		strat, ok := registry[name]
		if !ok {
			continue
		}
		if name == "s3_curl" && !m.cfg.EnableCurl {
			continue
		}

		res := m.attemptWithRetries(ctx, strat, item.DestPath, meta)
		last = res
		m.logAttempt(item, res)
		if res.OK {
			return res
		}
		if ctx.Err() != nil {
			return res
		}
	}
	return last
}

// attemptWithRetries runs one strategy up to RetriesPerStrategy times,
// stopping an individual attempt early if it goes
// switch_after_seconds_without_progress without writing a byte.
func (m *Manager) attemptWithRetries(ctx context.Context, strat Strategy, dest string, meta Meta) Result {
	retries := m.cfg.RetriesPerStrategy
	if retries <= 0 {
		retries = 1
	}
	var last Result
	for attempt := 0; attempt < retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return Result{Strategy: strat.Name(), Error: err.Error()}
		}
		res := m.attemptOnce(ctx, strat, dest, meta)
		last = res
		metrics.StrategyAttempts.WithLabelValues(strat.Name(), resultLabel(res.OK)).Inc()
		if res.OK {
			return res
		}
		if attempt < retries-1 {
			_ = anacutil.SleepWithJitter(ctx, 500, 500)
		}
	}
	return last
}

func resultLabel(ok bool) string {
	if ok {
		return "ok"
	}
	return "fail"
}

// progressTracker records the wall-clock time of the last byte written by a
// strategy, so attemptOnce can cancel a stalled attempt based on time since
// last progress rather than time since the attempt started. This is a
// deliberate deviation from strategies.py's literal
// "time since attempt start" check — see DESIGN.md.
type progressTracker struct {
	mu       sync.Mutex
	lastByte time.Time
	total    int64
}

func (p *progressTracker) onProgress(n int64) {
	p.mu.Lock()
	p.lastByte = time.Now()
	atomic.AddInt64(&p.total, n)
	p.mu.Unlock()
}

func (p *progressTracker) sinceLastByte() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lastByte.IsZero() {
		return 0
	}
	return time.Since(p.lastByte)
}

// attemptOnce runs strat.Fetch in its own goroutine and races it against a
// stall watchdog so a connection that stops producing bytes for
// switch_after_seconds_without_progress seconds is abandoned even though the
// underlying read has not itself timed out.
func (m *Manager) attemptOnce(ctx context.Context, strat Strategy, dest string, meta Meta) Result {
	stallLimit := time.Duration(m.cfg.SwitchAfterSecondsWithoutProgress) * time.Second
	if stallLimit <= 0 {
		stallLimit = 300 * time.Second
	}

	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	tracker := &progressTracker{lastByte: time.Now()}
	resultCh := make(chan Result, 1)
	go func() {
		resultCh <- strat.Fetch(attemptCtx, m.transport, dest, meta, m.cfg, tracker.onProgress)
	}()

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case res := <-resultCh:
			return res
		case <-ticker.C:
			if tracker.sinceLastByte() > stallLimit {
				cancel()
				<-resultCh
				return Result{Strategy: strat.Name(), Error: "stalled: no byte progress within switch_after_seconds_without_progress"}
			}
		case <-ctx.Done():
			cancel()
			<-resultCh
			return Result{Strategy: strat.Name(), Error: ctx.Err().Error()}
		}
	}
}

func (m *Manager) logAttempt(item model.PlanItem, res Result) {
	rec := model.DownloadHistory{
		ResourceURL: item.ResourceURL,
		Strategy:    res.Strategy,
		Start:       anacutil.Timestamp(),
		End:         anacutil.Timestamp(),
		Bytes:       res.BytesWritten,
		OK:          res.OK,
		DestPath:    item.DestPath,
		DurationMS:  res.Duration.Milliseconds(),
	}
	if res.Error != "" {
		errCopy := res.Error
		rec.Error = &errCopy
	}
	_ = m.history.Append(rec)
}

// RetryFailedDownloads re-runs RunPlan over the subset of a prior RunPlan
// result that failed. Supplemented from manager.py's retry_failed_downloads.
func (m *Manager) RetryFailedDownloads(ctx context.Context, prior PlanStats) (PlanStats, error) {
	return m.RunPlan(ctx, prior.FailedItems)
}
