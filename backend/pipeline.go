package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"stemtube/internal/metrics"
)

// ProgressFunc receives a label and a percentage in [0, 100]. It is called
// from the worker goroutine.
type ProgressFunc func(label string, percent float64)

// StageFunc performs one stage. It returns the paths it produced; when the
// stage declares Outputs the discovered files are used instead.
type StageFunc func(sc *StageContext) ([]string, error)

// Stage is one step of a pipeline.
type Stage struct {
	Name  string
	Label string // shown in progress updates; defaults to Name
	// Weight is the share of total progress. Weights are normalized.
	Weight float64
	// Timeout bounds the whole stage. Zero means no limit.
	Timeout time.Duration
	// Expected drives the within-stage progress estimate.
	Expected     time.Duration
	NeedsNetwork bool
	// Tools are checked lazily before the stage runs.
	Tools []string
	// Outputs are doublestar patterns, relative to the stage work dir, that
	// must each match at least one file after a successful run.
	Outputs []string
	// Final stages have their artifacts published to the output directory.
	Final bool
	Skip  func(jc *JobContext) bool
	Run   StageFunc
}

func (s Stage) label() string {
	if s.Label != "" {
		return s.Label
	}
	return s.Name
}

// PipelineStatus is the terminal state of a pipeline run.
type PipelineStatus string

const (
	PipelineSucceeded PipelineStatus = "succeeded"
	PipelineFailed    PipelineStatus = "failed"
	PipelineCancelled PipelineStatus = "cancelled"
)

// PipelineResult is what Run returns. Err is set unless Status is
// PipelineSucceeded.
type PipelineResult struct {
	Status        PipelineStatus `json:"status"`
	ArtifactPaths []string       `json:"artifactPaths,omitempty"`
	StagesRun     []string       `json:"stagesRun,omitempty"`
	Err           *JobError      `json:"error,omitempty"`
	Duration      time.Duration  `json:"duration"`
}

// Success reports whether every stage completed.
func (r PipelineResult) Success() bool {
	return r.Status == PipelineSucceeded
}

// SupervisorOptions wires a Supervisor.
type SupervisorOptions struct {
	Launcher     Launcher
	Tools        ToolLookup
	Network      NetworkChecker
	Remediate    RemediateFunc
	Clock        Clock
	PollInterval time.Duration
	// TempRoot holds per-job work directories. Defaults to os.TempDir()/stemtube.
	TempRoot string
	Logger   *slog.Logger
}

// Supervisor runs an ordered list of stages for one job at a time.
type Supervisor struct {
	runner    *ToolRunner
	tools     ToolLookup
	network   NetworkChecker
	remediate RemediateFunc
	clock     Clock
	tempRoot  string
	logger    *slog.Logger
}

// NewSupervisor creates a supervisor. A nil Launcher means real processes.
func NewSupervisor(opts SupervisorOptions) *Supervisor {
	if opts.Logger == nil {
		opts.Logger = Logger
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock
	}
	if opts.Launcher == nil {
		opts.Launcher = NewExecLauncher(opts.Logger)
	}
	if opts.TempRoot == "" {
		opts.TempRoot = filepath.Join(os.TempDir(), "stemtube")
	}
	watcher := NewProcessWatcher(opts.Clock, opts.PollInterval)
	return &Supervisor{
		runner:    NewToolRunner(opts.Launcher, opts.Tools, watcher, opts.Logger),
		tools:     opts.Tools,
		network:   opts.Network,
		remediate: opts.Remediate,
		clock:     opts.Clock,
		tempRoot:  opts.TempRoot,
		logger:    opts.Logger,
	}
}

// Runner exposes the exec primitive so batch items share it.
func (s *Supervisor) Runner() *ToolRunner {
	return s.runner
}

// Run executes stages in order. It stops at the first failure, honours the
// token between and during stages, and always removes its temp directory.
func (s *Supervisor) Run(jc *JobContext, stages []Stage, onProgress ProgressFunc, token *CancellationToken) PipelineResult {
	started := s.clock.Now()
	if token == nil {
		token = NewCancellationToken()
	}
	logger := jc.Logger
	progress := newProgressEmitter(onProgress)

	finish := func(r PipelineResult) PipelineResult {
		r.Duration = s.clock.Now().Sub(started)
		switch r.Status {
		case PipelineSucceeded:
			logger.Info("pipeline complete", "artifacts", r.ArtifactPaths, "duration", r.Duration)
		case PipelineCancelled:
			logger.Info("pipeline cancelled", "stages_run", r.StagesRun)
		default:
			logger.Error("pipeline failed", "error", r.Err, "stages_run", r.StagesRun)
		}
		return r
	}

	weights, err := normalizeWeights(stages)
	if err != nil {
		return finish(failedResult(newJobError(KindInvalidInput, err.Error(), err), nil))
	}
	if jc.Job.OutputDir == "" {
		return finish(failedResult(newJobError(KindInvalidInput, "output directory is required", nil), nil))
	}
	if token.Stopped() {
		return finish(cancelledResult(nil))
	}

	if err := os.MkdirAll(s.tempRoot, 0755); err != nil {
		return finish(failedResult(newJobError(KindStageFailed, "failed to create temp directory", err), nil))
	}
	jobTemp, err := os.MkdirTemp(s.tempRoot, "job-"+jc.Job.ID+"-")
	if err != nil {
		return finish(failedResult(newJobError(KindStageFailed, "failed to create temp directory", err), nil))
	}
	defer func() {
		if err := os.RemoveAll(jobTemp); err != nil {
			logger.Warn("failed to remove temp directory", "path", jobTemp, "error", err)
		}
	}()

	run := &pipelineRun{
		sup:        s,
		jc:         jc,
		token:      token,
		progress:   progress,
		jobTemp:    jobTemp,
		remediated: make(map[string]bool),
	}

	var completed float64
	var ran, finals, last []string

	for i := range stages {
		st := stages[i]
		w := weights[i]

		if token.Stopped() {
			return finish(cancelledResult(ran))
		}

		if st.Skip != nil && st.Skip(jc) {
			logger.Debug("stage skipped", "stage", st.Name)
			completed += w
			progress.emit(st.label()+" (skipped)", completed*100)
			continue
		}

		logger.Info("stage started", "stage", st.Name)
		stageStart := s.clock.Now()
		paths, jerr := run.stage(&st, completed, w)
		metrics.StageDuration.WithLabelValues(st.Name).Observe(s.clock.Now().Sub(stageStart).Seconds())
		ran = append(ran, st.Name)

		if jerr != nil {
			if jerr.Stage == "" {
				jerr.Stage = st.Name
			}
			if jerr.Kind == KindCancelled || (token.Stopped() && jerr.Kind != KindTimedOut) {
				return finish(cancelledResult(ran))
			}
			metrics.StageFailures.WithLabelValues(st.Name, string(jerr.Kind)).Inc()
			return finish(failedResult(jerr, ran))
		}

		jc.SetArtifacts(st.Name, paths)
		last = paths
		if st.Final {
			finals = append(finals, paths...)
		}
		completed += w
		progress.emit(st.label(), completed*100)
		logger.Info("stage complete", "stage", st.Name, "artifacts", paths)
	}

	if len(finals) == 0 {
		finals = last
	}

	published, err := publishArtifacts(finals, jobTemp, jc.Job.OutputDir)
	if err != nil {
		return finish(failedResult(newJobError(KindStageFailed, "failed to move outputs into place", err), ran))
	}

	progress.emit("Complete", 100)
	return finish(PipelineResult{Status: PipelineSucceeded, ArtifactPaths: published, StagesRun: ran})
}

// pipelineRun carries the state of one Run call.
type pipelineRun struct {
	sup        *Supervisor
	jc         *JobContext
	token      *CancellationToken
	progress   *progressEmitter
	jobTemp    string
	remediated map[string]bool
}

func (r *pipelineRun) stage(st *Stage, base, weight float64) ([]string, *JobError) {
	label := st.label()
	r.progress.emit(label, base*100)

	ctx, cancel := r.token.Context(context.Background())
	defer cancel()

	if st.NeedsNetwork && r.sup.network != nil {
		if err := r.sup.network.Check(ctx); err != nil {
			if r.token.Stopped() {
				return nil, newJobError(KindCancelled, "", ErrCancelled)
			}
			return nil, AsJobError(err, KindNoNetwork)
		}
	}

	for _, tool := range st.Tools {
		if err := r.ensureTool(ctx, tool); err != nil {
			return nil, AsJobError(err, KindPrerequisiteMissing)
		}
	}

	paths, lastTool, err := r.attempt(st, base, weight)
	if je := AsJobError(err, KindStageFailed); je != nil && je.Kind == KindPrerequisiteMissing {
		tool := lastTool
		if tool == "" {
			tool = toolFromError(je, st.Tools)
		}
		if tool != "" && r.sup.tools != nil && !r.remediated[tool] {
			r.sup.tools.Forget(tool)
			if rerr := r.ensureTool(ctx, tool); rerr == nil {
				r.jc.Logger.Info("retrying stage once after tool check", "stage", st.Name, "tool", tool)
				paths, _, err = r.attempt(st, base, weight)
			}
		}
	}
	if err != nil {
		return nil, AsJobError(err, KindStageFailed)
	}
	return paths, nil
}

// attempt runs the stage once in a fresh work directory. It also returns
// the last tool the stage tried to execute.
func (r *pipelineRun) attempt(st *Stage, base, weight float64) ([]string, string, error) {
	workDir, err := os.MkdirTemp(r.jobTemp, st.Name+"-")
	if err != nil {
		return nil, "", newJobError(KindStageFailed, "failed to create stage directory", err)
	}

	sc := &StageContext{
		Job:     r.jc,
		Stage:   st,
		WorkDir: workDir,
		run:     r,
		started: r.sup.clock.Now(),
		base:    base,
		weight:  weight,
	}

	paths, err := st.Run(sc)
	if err != nil {
		return nil, sc.lastTool, err
	}
	if r.token.Stopped() {
		return nil, sc.lastTool, newJobError(KindCancelled, "", ErrCancelled)
	}

	if len(st.Outputs) > 0 {
		found, derr := DiscoverInDir(workDir, st.Outputs)
		if derr != nil {
			return nil, sc.lastTool, &JobError{
				Kind:        KindStageFailed,
				Stage:       st.Name,
				Message:     derr.Error(),
				Diagnostics: ListDir(os.DirFS(workDir)),
				Err:         derr,
			}
		}
		return found, sc.lastTool, nil
	}

	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return nil, sc.lastTool, &JobError{
				Kind:        KindStageFailed,
				Stage:       st.Name,
				Message:     fmt.Sprintf("%v: %s", ErrOutputNotFound, p),
				Diagnostics: ListDir(os.DirFS(workDir)),
				Err:         ErrOutputNotFound,
			}
		}
	}
	return paths, sc.lastTool, nil
}

// ensureTool resolves tool, running the remediation hook at most once per
// tool per job when it is missing.
func (r *pipelineRun) ensureTool(ctx context.Context, tool string) error {
	tools := r.sup.tools
	if tools == nil {
		return nil
	}
	_, err := tools.Resolve(tool)
	if err == nil {
		return nil
	}
	if r.sup.remediate == nil || r.remediated[tool] {
		return err
	}

	r.remediated[tool] = true
	r.jc.Logger.Warn("required tool missing, attempting remediation", "tool", tool)
	if rerr := r.sup.remediate(ctx, tool); rerr != nil {
		r.jc.Logger.Error("remediation failed", "tool", tool, "error", rerr)
		je := AsJobError(err, KindPrerequisiteMissing)
		je.Diagnostics = append(je.Diagnostics, "install failed: "+rerr.Error())
		return je
	}
	tools.Forget(tool)
	_, err = tools.Resolve(tool)
	return err
}

// StageContext is handed to a StageFunc.
type StageContext struct {
	Job     *JobContext
	Stage   *Stage
	WorkDir string

	run      *pipelineRun
	started  time.Time
	base     float64
	weight   float64
	lastTool string
}

// Exec runs one tool under supervision and returns its finished handle.
func (sc *StageContext) Exec(cmd ToolCommand) (ProcessHandle, error) {
	sc.lastTool = cmd.Tool
	if cmd.Dir == "" {
		cmd.Dir = sc.WorkDir
	}
	h, err := sc.run.sup.runner.Run(cmd, sc.run.token, WatchOptions{
		Timeout:  sc.Stage.Timeout,
		Expected: sc.Stage.Expected,
		Since:    sc.started,
		OnTick:   sc.Progress,
	})
	var je *JobError
	if errors.As(err, &je) && je.Stage == "" {
		je.Stage = sc.Stage.Name
	}
	return h, err
}

// Progress reports the fraction of this stage that is done.
func (sc *StageContext) Progress(fraction float64) {
	if fraction < 0 {
		fraction = 0
	}
	if fraction > maxStageFraction {
		fraction = maxStageFraction
	}
	sc.run.progress.emit(sc.Stage.label(), (sc.base+sc.weight*fraction)*100)
}

// Context is cancelled by the job token and bounded by the stage timeout.
// Library calls that block use it.
func (sc *StageContext) Context() (context.Context, context.CancelFunc) {
	ctx, cancel := sc.run.token.Context(context.Background())
	if sc.Stage.Timeout <= 0 {
		return ctx, cancel
	}
	tctx, tcancel := context.WithTimeout(ctx, sc.Stage.Timeout)
	return tctx, func() {
		tcancel()
		cancel()
	}
}

// Stopped reports whether the job has been asked to stop.
func (sc *StageContext) Stopped() bool {
	return sc.run.token.Stopped()
}

// Logger is scoped to the job and stage.
func (sc *StageContext) Logger() *slog.Logger {
	return sc.Job.Logger.With("stage", sc.Stage.Name)
}

// progressEmitter clamps reported percentages so they never decrease.
type progressEmitter struct {
	mu   sync.Mutex
	fn   ProgressFunc
	last float64
}

func newProgressEmitter(fn ProgressFunc) *progressEmitter {
	return &progressEmitter{fn: fn}
}

func (p *progressEmitter) emit(label string, percent float64) {
	if percent > 100 {
		percent = 100
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if percent < p.last {
		percent = p.last
	}
	p.last = percent
	if p.fn != nil {
		p.fn(label, math.Round(percent*10)/10)
	}
}

// normalizeWeights scales weights to sum to 1.
func normalizeWeights(stages []Stage) ([]float64, error) {
	if len(stages) == 0 {
		return nil, errors.New("pipeline has no stages")
	}
	var sum float64
	for _, s := range stages {
		if s.Weight < 0 || math.IsNaN(s.Weight) {
			return nil, fmt.Errorf("stage %q has invalid weight %v", s.Name, s.Weight)
		}
		if s.Run == nil {
			return nil, fmt.Errorf("stage %q has no run function", s.Name)
		}
		sum += s.Weight
	}
	if sum <= 0 {
		return nil, errors.New("stage weights sum to zero")
	}
	out := make([]float64, len(stages))
	for i, s := range stages {
		out[i] = s.Weight / sum
	}
	return out, nil
}

// publishArtifacts moves artifacts that live in the job temp dir into
// outputDir. Paths outside the temp dir (such as a local source file) are
// returned unchanged.
func publishArtifacts(paths []string, jobTemp, outputDir string) ([]string, error) {
	out := make([]string, 0, len(paths))
	prefix := filepath.Clean(jobTemp) + string(os.PathSeparator)
	for _, p := range paths {
		if !strings.HasPrefix(filepath.Clean(p), prefix) {
			out = append(out, p)
			continue
		}
		dst, err := publishFile(p, outputDir)
		if err != nil {
			return out, err
		}
		out = append(out, dst)
	}
	return out, nil
}

// toolFromError guesses which tool a PrerequisiteMissing error refers to.
func toolFromError(je *JobError, tools []string) string {
	msg := je.Message
	for _, t := range tools {
		if strings.HasPrefix(msg, t+" ") {
			return t
		}
	}
	return ""
}

func failedResult(je *JobError, ran []string) PipelineResult {
	return PipelineResult{Status: PipelineFailed, Err: je, StagesRun: ran}
}

func cancelledResult(ran []string) PipelineResult {
	return PipelineResult{
		Status:    PipelineCancelled,
		StagesRun: ran,
		Err:       newJobError(KindCancelled, "stopped by user", ErrCancelled),
	}
}
