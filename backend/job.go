package backend

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// JobKind distinguishes the two orchestrators.
type JobKind string

const (
	JobKindPipeline JobKind = "pipeline"
	JobKindBatch    JobKind = "batch"
)

// SourceDescriptor names what a job works on. When both URL and LocalPath
// are set the URL wins.
type SourceDescriptor struct {
	LocalPath string     `json:"localPath,omitempty"`
	URL       string     `json:"url,omitempty"`
	Items     []WorkItem `json:"items,omitempty"`
}

// IsRemote reports whether the source will be downloaded.
func (s SourceDescriptor) IsRemote() bool {
	return strings.TrimSpace(s.URL) != ""
}

// Display returns a short human label for logs and history.
func (s SourceDescriptor) Display() string {
	switch {
	case s.IsRemote():
		return strings.TrimSpace(s.URL)
	case s.LocalPath != "":
		return s.LocalPath
	case len(s.Items) > 0:
		return s.Items[0].Title
	}
	return ""
}

// FormatSelection is the requested output format.
type FormatSelection struct {
	AudioFormat  string `json:"audioFormat,omitempty"`  // wav, mp3, flac, m4a, ogg
	VideoQuality string `json:"videoQuality,omitempty"` // audio, best, 1080p, 720p, 480p, 360p
	Model        string `json:"model,omitempty"`        // demucs model name
}

// FeatureFlags toggles optional behaviour.
type FeatureFlags struct {
	ProduceVideo        bool `json:"produceVideo"`
	KeepVocals          bool `json:"keepVocals"`
	EnhancedSuppression bool `json:"enhancedSuppression"`
	LimitPlaylist       bool `json:"limitPlaylist"`
	PlaylistLimit       int  `json:"playlistLimit,omitempty"`
}

// Job is one unit of work requested by the caller.
type Job struct {
	ID        string           `json:"id"`
	Kind      JobKind          `json:"kind"`
	Source    SourceDescriptor `json:"source"`
	OutputDir string           `json:"outputDir"`
	Format    FormatSelection  `json:"format"`
	Flags     FeatureFlags     `json:"flags"`
	CreatedAt time.Time        `json:"createdAt"`
}

// NewJob assigns an id and creation time.
func NewJob(kind JobKind, source SourceDescriptor, outputDir string, format FormatSelection, flags FeatureFlags) *Job {
	return &Job{
		ID:        uuid.New().String(),
		Kind:      kind,
		Source:    source,
		OutputDir: outputDir,
		Format:    format,
		Flags:     flags,
		CreatedAt: time.Now(),
	}
}

// JobContext is the per-run state threaded through every stage. Stages
// read earlier results from it instead of shared globals.
type JobContext struct {
	Job    *Job
	Logger *slog.Logger
	Clock  Clock

	mu        sync.Mutex
	media     *MediaInfo
	title     string
	stem      string
	timestamp string
	artifacts map[string][]string
}

// NewJobContext creates the context for one run of job.
func NewJobContext(job *Job, logger *slog.Logger, clock Clock) *JobContext {
	if logger == nil {
		logger = Logger
	}
	if clock == nil {
		clock = SystemClock
	}
	return &JobContext{
		Job:       job,
		Logger:    logger.With("job", job.ID),
		Clock:     clock,
		timestamp: clock.Now().Format("20060102_150405"),
		artifacts: make(map[string][]string),
	}
}

// SetArtifacts records what a stage produced.
func (jc *JobContext) SetArtifacts(stage string, paths []string) {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	jc.artifacts[stage] = append([]string(nil), paths...)
}

// Artifacts returns what a stage produced, or nil.
func (jc *JobContext) Artifacts(stage string) []string {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	return append([]string(nil), jc.artifacts[stage]...)
}

// FirstArtifact returns the first artifact of the first listed stage that
// produced any.
func (jc *JobContext) FirstArtifact(stages ...string) string {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	for _, s := range stages {
		if a := jc.artifacts[s]; len(a) > 0 {
			return a[0]
		}
	}
	return ""
}

// SetMedia stores the probe result.
func (jc *JobContext) SetMedia(info *MediaInfo) {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	jc.media = info
}

// Media returns the probe result, nil before the probe stage ran.
func (jc *JobContext) Media() *MediaInfo {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	return jc.media
}

// SetTitle sets the display title and derives the output file stem.
func (jc *JobContext) SetTitle(title string) {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	jc.title = title
	jc.stem = SanitizeFileName(title)
}

// Title returns the display title of the source.
func (jc *JobContext) Title() string {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	return jc.title
}

// Stem is the sanitized base name used for output files.
func (jc *JobContext) Stem() string {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	if jc.stem == "" {
		return "output"
	}
	return jc.stem
}

// Timestamp is fixed at context creation so all outputs of one run share it.
func (jc *JobContext) Timestamp() string {
	return jc.timestamp
}
