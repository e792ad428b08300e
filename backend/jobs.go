package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"stemtube/internal/metrics"
)

// Submission is refused with these when the manager is busy.
var (
	ErrPipelineBusy  = errors.New("a vocal removal job is already running")
	ErrOutputDirBusy = errors.New("another job is writing to this output directory")
	ErrJobNotFound   = errors.New("job not found")
)

// JobStatus is the lifecycle state of a submitted job.
type JobStatus string

const (
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// JobResult is the terminal outcome of a job. Exactly one of Pipeline and
// Batch is set.
type JobResult struct {
	JobID    string          `json:"jobId"`
	Kind     JobKind         `json:"kind"`
	Status   JobStatus       `json:"status"`
	Pipeline *PipelineResult `json:"pipeline,omitempty"`
	Batch    *BatchResult    `json:"batch,omitempty"`
	Error    *JobError       `json:"error,omitempty"`
}

// Event types sent to the event callback.
const (
	EventSubmitted    = "submitted"
	EventProgress     = "progress"
	EventItemProgress = "item_progress"
	EventStopping     = "stopping"
	EventCompleted    = "completed"
)

// JobEvent is emitted to listeners for progress updates
type JobEvent struct {
	Type      string     `json:"type"`
	JobID     string     `json:"jobId"`
	Kind      JobKind    `json:"kind"`
	Label     string     `json:"label,omitempty"`
	Percent   float64    `json:"percent"`
	Completed int        `json:"completed,omitempty"`
	Total     int        `json:"total,omitempty"`
	ItemID    string     `json:"itemId,omitempty"`
	Status    JobStatus  `json:"status,omitempty"`
	Result    *JobResult `json:"result,omitempty"`
}

// JobEventCallback receives every JobEvent.
type JobEventCallback func(event JobEvent)

// JobSnapshot is a point-in-time view of a job.
type JobSnapshot struct {
	Job        *Job       `json:"job"`
	Status     JobStatus  `json:"status"`
	Label      string     `json:"label"`
	Percent    float64    `json:"percent"`
	Completed  int        `json:"completed,omitempty"`
	Total      int        `json:"total,omitempty"`
	Stopping   bool       `json:"stopping"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt time.Time  `json:"finishedAt,omitempty"`
	Result     *JobResult `json:"result,omitempty"`
}

// JobHandle is returned by the Submit calls.
type JobHandle struct {
	job      *Job
	token    *CancellationToken
	done     chan struct{}
	stopOnce sync.Once
	onStop   func()

	mu         sync.RWMutex
	status     JobStatus
	label      string
	percent    float64
	completed  int
	total      int
	startedAt  time.Time
	finishedAt time.Time
	result     *JobResult
}

func newJobHandle(job *Job, now time.Time) *JobHandle {
	return &JobHandle{
		job:       job,
		token:     NewCancellationToken(),
		done:      make(chan struct{}),
		status:    JobRunning,
		label:     "Starting",
		startedAt: now,
	}
}

// ID is the job id.
func (h *JobHandle) ID() string { return h.job.ID }

// Job returns the submitted job.
func (h *JobHandle) Job() *Job { return h.job }

// RequestStop asks the job to stop. It returns at once; Done is closed
// when every process has been terminated. Safe to call repeatedly and
// after completion.
func (h *JobHandle) RequestStop() {
	h.stopOnce.Do(func() {
		select {
		case <-h.done:
			return
		default:
		}
		h.token.Stop()
		if h.onStop != nil {
			h.onStop()
		}
	})
}

// Stopping reports that a stop was requested and the job has not finished.
func (h *JobHandle) Stopping() bool {
	select {
	case <-h.done:
		return false
	default:
		return h.token.Stopped()
	}
}

// Done is closed when the job reaches a terminal state.
func (h *JobHandle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the job finishes.
func (h *JobHandle) Wait() JobResult {
	<-h.done
	h.mu.RLock()
	defer h.mu.RUnlock()
	return *h.result
}

// Snapshot returns the current state.
func (h *JobHandle) Snapshot() JobSnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return JobSnapshot{
		Job:        h.job,
		Status:     h.status,
		Label:      h.label,
		Percent:    h.percent,
		Completed:  h.completed,
		Total:      h.total,
		Stopping:   h.status == JobRunning && h.token.Stopped(),
		StartedAt:  h.startedAt,
		FinishedAt: h.finishedAt,
		Result:     h.result,
	}
}

func (h *JobHandle) update(label string, percent float64, completed, total int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if label != "" {
		h.label = label
	}
	if percent > h.percent {
		h.percent = percent
	}
	if completed > h.completed {
		h.completed = completed
	}
	if total > 0 {
		h.total = total
	}
}

func (h *JobHandle) finish(result JobResult, at time.Time) {
	h.mu.Lock()
	h.status = result.Status
	h.result = &result
	h.finishedAt = at
	if result.Status == JobSucceeded {
		h.percent = 100
	}
	h.mu.Unlock()
	close(h.done)
}

// StageBuilder returns the stages for a pipeline job.
type StageBuilder func(job *Job) ([]Stage, error)

// ItemFuncBuilder returns the per-item download function for a batch job.
// onProgress reports per-item download percentages.
type ItemFuncBuilder func(job *Job, onProgress func(item WorkItem, percent float64)) (ItemFunc, error)

// ManagerOptions wires a JobManager.
type ManagerOptions struct {
	Supervisor *Supervisor
	Network    NetworkChecker
	History    *History
	Titles     TitleFetcher
	// CookiesBrowser is passed to yt-dlp as --cookies-from-browser.
	CookiesBrowser string
	TempRoot       string
	// ItemTimeout bounds each batch download. Zero means no limit.
	ItemTimeout time.Duration
	Clock       Clock
	Logger      *slog.Logger

	// Overrides for the default vocal remover stages and yt-dlp downloader.
	BuildStages   StageBuilder
	BuildItemFunc ItemFuncBuilder
}

// JobManager accepts jobs and runs each on its own goroutine.
type JobManager struct {
	opts ManagerOptions

	mu             sync.RWMutex
	jobs           map[string]*JobHandle
	order          []string
	activePipeline string
	outputDirs     map[string]string
	onEvent        JobEventCallback

	wg sync.WaitGroup
}

// NewJobManager creates a job manager.
func NewJobManager(opts ManagerOptions) *JobManager {
	if opts.Logger == nil {
		opts.Logger = Logger
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock
	}
	if opts.TempRoot == "" {
		opts.TempRoot = filepath.Join(os.TempDir(), "stemtube")
	}
	if opts.Supervisor == nil {
		opts.Supervisor = NewSupervisor(SupervisorOptions{
			Network:  opts.Network,
			Clock:    opts.Clock,
			TempRoot: opts.TempRoot,
			Logger:   opts.Logger,
		})
	}
	m := &JobManager{
		opts:       opts,
		jobs:       make(map[string]*JobHandle),
		outputDirs: make(map[string]string),
	}
	if m.opts.BuildStages == nil {
		m.opts.BuildStages = func(job *Job) ([]Stage, error) {
			return BuildVocalRemoverStages(job, VocalRemoverOptions{
				Titles:         opts.Titles,
				CookiesBrowser: opts.CookiesBrowser,
			})
		}
	}
	if m.opts.BuildItemFunc == nil {
		m.opts.BuildItemFunc = m.defaultItemFunc
	}
	return m
}

// SetEventCallback sets the callback for job events
func (m *JobManager) SetEventCallback(cb JobEventCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEvent = cb
}

// emit sends an event to the callback
func (m *JobManager) emit(event JobEvent) {
	m.mu.RLock()
	cb := m.onEvent
	m.mu.RUnlock()

	if cb != nil {
		cb(event)
	}
}

// SubmitPipelineJob starts a vocal removal job and returns immediately.
func (m *JobManager) SubmitPipelineJob(source SourceDescriptor, outputDir string, format FormatSelection, flags FeatureFlags) (*JobHandle, error) {
	switch {
	case source.IsRemote():
		if err := ValidateMediaURL(source.URL); err != nil {
			return nil, err
		}
	case source.LocalPath == "":
		return nil, invalidInput("no source file or URL given")
	}
	if err := ValidateOutputDirectory(outputDir); err != nil {
		return nil, err
	}

	job := NewJob(JobKindPipeline, source, outputDir, format, flags)
	stages, err := m.opts.BuildStages(job)
	if err != nil {
		return nil, err
	}

	h, err := m.register(job)
	if err != nil {
		return nil, err
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		jc := NewJobContext(job, m.opts.Logger, m.opts.Clock)
		res := m.opts.Supervisor.Run(jc, stages, func(label string, percent float64) {
			h.update(label, percent, 0, 0)
			m.emit(JobEvent{Type: EventProgress, JobID: job.ID, Kind: job.Kind, Label: label, Percent: percent})
		}, h.token)

		result := JobResult{
			JobID:    job.ID,
			Kind:     job.Kind,
			Status:   JobStatus(res.Status),
			Pipeline: &res,
			Error:    res.Err,
		}
		m.complete(h, result, jc.Title())
	}()

	return h, nil
}

// SubmitBatchJob starts a batch download and returns immediately. A
// concurrency of zero uses DefaultConcurrency.
func (m *JobManager) SubmitBatchJob(items []WorkItem, concurrency int, format FormatSelection, outputDir string) (*JobHandle, error) {
	if len(items) == 0 {
		return nil, invalidInput("no items selected")
	}
	if concurrency < 0 {
		return nil, invalidInput(fmt.Sprintf("concurrency must be at least 1, got %d", concurrency))
	}
	if concurrency == 0 {
		concurrency = DefaultConcurrency
	}
	for _, it := range items {
		if err := ValidateMediaURL(it.URL); err != nil {
			je := AsJobError(err, KindInvalidInput)
			je.Item = it.Label()
			return nil, je
		}
	}
	if err := ValidateOutputDirectory(outputDir); err != nil {
		return nil, err
	}

	job := NewJob(JobKindBatch, SourceDescriptor{Items: items}, outputDir, format, FeatureFlags{})
	itemFn, err := m.opts.BuildItemFunc(job, func(item WorkItem, percent float64) {
		m.emit(JobEvent{Type: EventItemProgress, JobID: job.ID, Kind: job.Kind, ItemID: item.ID, Label: item.Label(), Percent: percent})
	})
	if err != nil {
		return nil, err
	}

	h, err := m.register(job)
	if err != nil {
		return nil, err
	}
	h.update("", 0, 0, len(items))

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		bd := NewBatchDownloader(BatchOptions{
			Network: m.opts.Network,
			Logger:  m.opts.Logger.With("job", job.ID),
			OnProgress: func(completed, total int, label string) {
				percent := float64(completed) / float64(total) * 100
				h.update(label, percent, completed, total)
				m.emit(JobEvent{
					Type: EventProgress, JobID: job.ID, Kind: job.Kind,
					Label: label, Percent: percent, Completed: completed, Total: total,
				})
			},
		})
		res := bd.Run(items, concurrency, itemFn, h.token)
		m.complete(h, batchJobResult(job, res, h.token.Stopped()), fmt.Sprintf("%d items", len(items)))
	}()

	return h, nil
}

func batchJobResult(job *Job, res BatchResult, stopped bool) JobResult {
	result := JobResult{JobID: job.ID, Kind: job.Kind, Batch: &res, Error: res.Err}
	switch {
	case res.Err != nil:
		result.Status = JobFailed
	case stopped:
		result.Status = JobCancelled
		result.Error = newJobError(KindCancelled, "stopped by user", ErrCancelled)
	case len(res.Succeeded) == 0 && len(res.Failed) > 0:
		result.Status = JobFailed
		result.Error = newJobError(KindItemFailed, fmt.Sprintf("all %d items failed", len(res.Failed)), ErrItemFailed)
	default:
		result.Status = JobSucceeded
	}
	return result
}

func (m *JobManager) defaultItemFunc(job *Job, onProgress func(WorkItem, float64)) (ItemFunc, error) {
	preset, err := LookupQuality(job.Format.VideoQuality)
	if err != nil {
		return nil, err
	}
	d := &ItemDownloader{
		Runner:         m.opts.Supervisor.Runner(),
		Preset:         preset,
		OutputDir:      job.OutputDir,
		TempRoot:       m.opts.TempRoot,
		CookiesBrowser: m.opts.CookiesBrowser,
		Timeout:        m.opts.ItemTimeout,
		OnProgress:     onProgress,
	}
	return d.Download, nil
}

// register enforces one pipeline job at a time and one job per output
// directory.
func (m *JobManager) register(job *Job) (*JobHandle, error) {
	dirKey := outputDirKey(job.OutputDir)

	m.mu.Lock()
	if job.Kind == JobKindPipeline && m.activePipeline != "" {
		m.mu.Unlock()
		return nil, ErrPipelineBusy
	}
	if other, ok := m.outputDirs[dirKey]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w (job %s)", ErrOutputDirBusy, other)
	}

	h := newJobHandle(job, m.opts.Clock.Now())
	h.onStop = func() {
		m.opts.Logger.Info("stop requested", "job", job.ID)
		m.emit(JobEvent{Type: EventStopping, JobID: job.ID, Kind: job.Kind, Status: JobRunning})
	}
	m.jobs[job.ID] = h
	m.order = append(m.order, job.ID)
	m.outputDirs[dirKey] = job.ID
	if job.Kind == JobKindPipeline {
		m.activePipeline = job.ID
	}
	m.mu.Unlock()

	metrics.JobsSubmitted.WithLabelValues(string(job.Kind)).Inc()
	metrics.ActiveJobs.Inc()
	m.opts.Logger.Info("job submitted", "job", job.ID, "kind", job.Kind, "source", job.Source.Display(), "output", job.OutputDir)
	m.emit(JobEvent{Type: EventSubmitted, JobID: job.ID, Kind: job.Kind, Status: JobRunning})
	return h, nil
}

func (m *JobManager) complete(h *JobHandle, result JobResult, title string) {
	job := h.job

	m.mu.Lock()
	if m.activePipeline == job.ID {
		m.activePipeline = ""
	}
	delete(m.outputDirs, outputDirKey(job.OutputDir))
	m.mu.Unlock()

	if m.opts.History != nil {
		if err := m.opts.History.RecordCompleted(job, title, result); err != nil {
			m.opts.Logger.Warn("failed to record history", "job", job.ID, "error", err)
		}
	}

	metrics.ActiveJobs.Dec()
	metrics.JobsFinished.WithLabelValues(string(job.Kind), string(result.Status)).Inc()

	h.finish(result, m.opts.Clock.Now())
	m.opts.Logger.Info("job finished", "job", job.ID, "kind", job.Kind, "status", result.Status)
	m.emit(JobEvent{Type: EventCompleted, JobID: job.ID, Kind: job.Kind, Status: result.Status, Percent: h.Snapshot().Percent, Result: &result})
}

func outputDirKey(dir string) string {
	if abs, err := filepath.Abs(dir); err == nil {
		return abs
	}
	return filepath.Clean(dir)
}

// Get returns the handle for id.
func (m *JobManager) Get(id string) (*JobHandle, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.jobs[id]
	return h, ok
}

// Stop requests a stop of job id.
func (m *JobManager) Stop(id string) error {
	h, ok := m.Get(id)
	if !ok {
		return ErrJobNotFound
	}
	h.RequestStop()
	return nil
}

// List returns snapshots of all jobs, newest first.
func (m *JobManager) List() []JobSnapshot {
	m.mu.RLock()
	handles := make([]*JobHandle, 0, len(m.order))
	for _, id := range m.order {
		handles = append(handles, m.jobs[id])
	}
	m.mu.RUnlock()

	out := make([]JobSnapshot, 0, len(handles))
	for _, h := range handles {
		out = append(out, h.Snapshot())
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out
}

// Shutdown stops every running job and waits for them to unwind or for ctx
// to expire.
func (m *JobManager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	handles := make([]*JobHandle, 0, len(m.jobs))
	for _, h := range m.jobs {
		handles = append(handles, h)
	}
	m.mu.RUnlock()

	for _, h := range handles {
		h.RequestStop()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
