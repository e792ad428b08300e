package backend

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"stemtube/internal/metrics"
)

// DefaultConcurrency is the batch pool size when none is configured.
const DefaultConcurrency = 5

// WorkItem is one remote item selected for download.
type WorkItem struct {
	ID             string  `json:"id"`
	URL            string  `json:"url" validate:"required"`
	Title          string  `json:"title,omitempty"`
	Uploader       string  `json:"uploader,omitempty"`
	Duration       float64 `json:"duration,omitempty"`
	Position       int     `json:"position,omitempty"`
	OutputTemplate string  `json:"outputTemplate,omitempty"`
}

// Label is the title, falling back to the URL.
func (w WorkItem) Label() string {
	if w.Title != "" {
		return w.Title
	}
	return w.URL
}

// ItemState is the lifecycle state of a WorkItem within one batch.
type ItemState string

const (
	ItemPending   ItemState = "pending"
	ItemRunning   ItemState = "running"
	ItemSucceeded ItemState = "succeeded"
	ItemFailed    ItemState = "failed"
	ItemCancelled ItemState = "cancelled"
)

var itemTransitions = map[ItemState][]ItemState{
	ItemPending: {ItemRunning, ItemCancelled},
	ItemRunning: {ItemSucceeded, ItemFailed},
}

// Terminal reports whether no further transition is allowed.
func (s ItemState) Terminal() bool {
	return len(itemTransitions[s]) == 0
}

func canTransition(from, to ItemState) bool {
	for _, s := range itemTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ItemResult is the terminal outcome of one WorkItem.
type ItemResult struct {
	Item      WorkItem  `json:"item"`
	State     ItemState `json:"state"`
	Artifacts []string  `json:"artifacts,omitempty"`
	Err       *JobError `json:"error,omitempty"`
}

// Reason is the failure or cancellation message, empty on success.
func (r ItemResult) Reason() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Message
}

// BatchResult groups item outcomes. Every input item appears in exactly one
// list. Err is set when the batch as a whole could not run.
type BatchResult struct {
	Succeeded []ItemResult `json:"succeeded"`
	Failed    []ItemResult `json:"failed"`
	Cancelled []ItemResult `json:"cancelled"`
	Err       *JobError    `json:"error,omitempty"`
}

// Total is the number of items accounted for.
func (r BatchResult) Total() int {
	return len(r.Succeeded) + len(r.Failed) + len(r.Cancelled)
}

// ItemFunc downloads one item and returns the files it produced.
type ItemFunc func(token *CancellationToken, item WorkItem) ([]string, error)

// BatchProgressFunc is called after every item completes. completed counts
// succeeded plus failed items and strictly increases across calls; calls
// never overlap.
type BatchProgressFunc func(completed, total int, label string)

// BatchOptions wires a BatchDownloader.
type BatchOptions struct {
	Network    NetworkChecker
	OnProgress BatchProgressFunc
	Logger     *slog.Logger
}

// BatchSnapshot is a point-in-time view of a running batch.
type BatchSnapshot struct {
	Completed int    `json:"completed"`
	Total     int    `json:"total"`
	Running   int    `json:"running"`
	// Label names the most recently completed item.
	Label     string `json:"label"`
}

// BatchDownloader runs work items through a fixed-size pool.
type BatchDownloader struct {
	network    NetworkChecker
	onProgress BatchProgressFunc
	logger     *slog.Logger

	total      atomic.Int64
	completed  atomic.Int64
	running    atomic.Int64
	maxRunning atomic.Int64
	label      atomic.Value

	// progressMu orders completion counts with their callbacks.
	progressMu sync.Mutex

	mu     sync.Mutex
	states []ItemState
}

// NewBatchDownloader creates a downloader for one batch run.
func NewBatchDownloader(opts BatchOptions) *BatchDownloader {
	if opts.Logger == nil {
		opts.Logger = Logger
	}
	b := &BatchDownloader{
		network:    opts.Network,
		onProgress: opts.OnProgress,
		logger:     opts.Logger,
	}
	b.label.Store("")
	return b
}

// Snapshot is safe to call from any goroutine while Run is active.
func (b *BatchDownloader) Snapshot() BatchSnapshot {
	return BatchSnapshot{
		Completed: int(b.completed.Load()),
		Total:     int(b.total.Load()),
		Running:   int(b.running.Load()),
		Label:     b.label.Load().(string),
	}
}

// MaxConcurrent is the highest number of items seen running at once.
func (b *BatchDownloader) MaxConcurrent() int {
	return int(b.maxRunning.Load())
}

// Run downloads items with at most k running at once. It returns after
// every dispatched item has finished or been killed.
func (b *BatchDownloader) Run(items []WorkItem, k int, download ItemFunc, token *CancellationToken) BatchResult {
	switch {
	case len(items) == 0:
		return BatchResult{Err: newJobError(KindInvalidInput, "no items to download", nil)}
	case k < 1:
		return BatchResult{Err: newJobError(KindInvalidInput, fmt.Sprintf("concurrency must be at least 1, got %d", k), nil)}
	case download == nil:
		return BatchResult{Err: newJobError(KindInvalidInput, "no download function", nil)}
	}
	if token == nil {
		token = NewCancellationToken()
	}

	b.total.Store(int64(len(items)))
	b.completed.Store(0)
	b.mu.Lock()
	b.states = make([]ItemState, len(items))
	for i := range b.states {
		b.states[i] = ItemPending
	}
	b.mu.Unlock()

	results := make([]ItemResult, len(items))
	for i, it := range items {
		results[i] = ItemResult{Item: it, State: ItemPending}
	}

	if token.Stopped() {
		return b.collect(results, nil)
	}

	if b.network != nil {
		ctx, cancel := token.Context(context.Background())
		err := b.network.Check(ctx)
		cancel()
		if err != nil {
			if token.Stopped() {
				return b.collect(results, nil)
			}
			je := AsJobError(err, KindNoNetwork)
			b.logger.Error("batch aborted, network unavailable", "error", err)
			for i := range results {
				b.setState(i, ItemRunning)
				b.setState(i, ItemFailed)
				results[i].State = ItemFailed
				results[i].Err = &JobError{Kind: je.Kind, Item: items[i].Label(), Message: je.Message, Err: je}
				metrics.BatchItems.WithLabelValues(string(ItemFailed)).Inc()
			}
			return b.collect(results, je)
		}
	}

	b.logger.Info("batch started", "items", len(items), "concurrency", k)

	var g errgroup.Group
	g.SetLimit(k)
	for i := range items {
		if token.Stopped() {
			break
		}
		g.Go(func() error {
			if token.Stopped() {
				return nil
			}
			b.runItem(i, items[i], download, token, &results[i])
			return nil
		})
	}
	_ = g.Wait()

	return b.collect(results, nil)
}

func (b *BatchDownloader) runItem(i int, item WorkItem, download ItemFunc, token *CancellationToken, res *ItemResult) {
	if !b.setState(i, ItemRunning) {
		return
	}
	res.State = ItemRunning
	n := b.running.Add(1)
	for {
		peak := b.maxRunning.Load()
		if n <= peak || b.maxRunning.CompareAndSwap(peak, n) {
			break
		}
	}

	artifacts, err := download(token, item)
	b.running.Add(-1)

	if err != nil {
		je := itemError(err, item)
		b.setState(i, ItemFailed)
		res.State = ItemFailed
		res.Err = je
		if je.Kind == KindCancelled {
			b.logger.Info("item stopped", "item", item.Label())
		} else {
			b.logger.Warn("item failed", "item", item.Label(), "kind", je.Kind, "error", je.Message)
		}
	} else {
		b.setState(i, ItemSucceeded)
		res.State = ItemSucceeded
		res.Artifacts = artifacts
		b.logger.Info("item complete", "item", item.Label(), "artifacts", artifacts)
	}
	metrics.BatchItems.WithLabelValues(string(res.State)).Inc()

	b.progressMu.Lock()
	defer b.progressMu.Unlock()
	done := b.completed.Add(1)
	b.label.Store(item.Label())
	if b.onProgress != nil {
		b.onProgress(int(done), int(b.total.Load()), item.Label())
	}
}

// setState applies a transition if the table allows it.
func (b *BatchDownloader) setState(i int, to ItemState) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !canTransition(b.states[i], to) {
		b.logger.Debug("rejected item transition", "index", i, "from", b.states[i], "to", to)
		return false
	}
	b.states[i] = to
	return true
}

// collect marks still-pending items cancelled and groups the results.
func (b *BatchDownloader) collect(results []ItemResult, batchErr *JobError) BatchResult {
	out := BatchResult{Err: batchErr}
	for i := range results {
		r := results[i]
		if r.State == ItemPending && b.setState(i, ItemCancelled) {
			r.State = ItemCancelled
			r.Err = &JobError{Kind: KindCancelled, Item: r.Item.Label(), Message: "stopped before start", Err: ErrCancelled}
			metrics.BatchItems.WithLabelValues(string(ItemCancelled)).Inc()
		}
		switch r.State {
		case ItemSucceeded:
			out.Succeeded = append(out.Succeeded, r)
		case ItemFailed:
			out.Failed = append(out.Failed, r)
		default:
			out.Cancelled = append(out.Cancelled, r)
		}
	}
	b.logger.Info("batch finished",
		"succeeded", len(out.Succeeded),
		"failed", len(out.Failed),
		"cancelled", len(out.Cancelled))
	return out
}

// itemError classifies a download failure. Stage failures from the shared
// exec primitive are reported as item failures.
func itemError(err error, item WorkItem) *JobError {
	je := AsJobError(err, KindItemFailed)
	out := *je
	if out.Kind == KindStageFailed {
		out.Kind = KindItemFailed
	}
	out.Item = item.Label()
	if out.Err == nil {
		out.Err = je
	}
	return &out
}
