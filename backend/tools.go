package backend

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
)

// External tools the pipelines depend on.
const (
	ToolFFmpeg  = "ffmpeg"
	ToolFFprobe = "ffprobe"
	ToolYtDlp   = "yt-dlp"
	ToolDemucs  = "demucs"
)

// AllTools lists every tool used by the vocal remover and the converter.
var AllTools = []string{ToolYtDlp, ToolFFmpeg, ToolFFprobe, ToolDemucs}

// ToolResolver finds tool binaries: configured overrides first, then the
// bundled bin directory, then PATH. Successful lookups are cached.
type ToolResolver struct {
	mu        sync.Mutex
	overrides map[string]string
	binDir    string
	cache     map[string]string
	lookPath  func(string) (string, error)
}

// NewToolResolver creates a resolver. binDir may be empty.
func NewToolResolver(binDir string, overrides map[string]string) *ToolResolver {
	o := make(map[string]string, len(overrides))
	for k, v := range overrides {
		if v != "" {
			o[k] = v
		}
	}
	return &ToolResolver{
		overrides: o,
		binDir:    binDir,
		cache:     make(map[string]string),
		lookPath:  exec.LookPath,
	}
}

// Resolve returns the executable path for tool or a PrerequisiteMissing
// JobError.
func (r *ToolResolver) Resolve(tool string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.cache[tool]; ok {
		return p, nil
	}

	if p, ok := r.overrides[tool]; ok {
		if !fileExists(p) {
			return "", &JobError{
				Kind:    KindPrerequisiteMissing,
				Message: fmt.Sprintf("%s not found at configured path %s", tool, p),
			}
		}
		r.cache[tool] = p
		return p, nil
	}

	if r.binDir != "" {
		name := tool
		if runtime.GOOS == "windows" {
			name += ".exe"
		}
		bundled := filepath.Join(r.binDir, name)
		if fileExists(bundled) {
			r.cache[tool] = bundled
			return bundled, nil
		}
	}

	p, err := r.lookPath(tool)
	if err != nil {
		return "", &JobError{
			Kind:    KindPrerequisiteMissing,
			Message: fmt.Sprintf("%s not found in PATH", tool),
			Err:     err,
		}
	}
	r.cache[tool] = p
	return p, nil
}

// Forget drops a cached lookup so the next Resolve searches again.
func (r *ToolResolver) Forget(tool string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, tool)
}

// DependencyStatus reports whether one tool is available.
type DependencyStatus struct {
	Tool      string `json:"tool"`
	Path      string `json:"path,omitempty"`
	Available bool   `json:"available"`
	Error     string `json:"error,omitempty"`
}

// CheckDependencies resolves each tool and reports the outcome.
func (r *ToolResolver) CheckDependencies(tools ...string) []DependencyStatus {
	if len(tools) == 0 {
		tools = AllTools
	}
	out := make([]DependencyStatus, 0, len(tools))
	for _, t := range tools {
		p, err := r.Resolve(t)
		st := DependencyStatus{Tool: t, Path: p, Available: err == nil}
		if err != nil {
			st.Error = err.Error()
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tool < out[j].Tool })
	return out
}

// RemediateFunc tries to make a missing tool available, e.g. by installing
// it. It is called at most once per tool per job.
type RemediateFunc func(ctx context.Context, tool string) error

// pipPackages maps tools to the Python packages that provide them.
var pipPackages = map[string]string{
	ToolDemucs: "demucs",
	ToolYtDlp:  "yt-dlp",
}

// PipRemediation installs Python-distributed tools with
// "<python> -m pip install --user --upgrade <pkg>".
func PipRemediation(python string) RemediateFunc {
	if python == "" {
		python = "python3"
		if runtime.GOOS == "windows" {
			python = "python"
		}
	}
	return func(ctx context.Context, tool string) error {
		pkg, ok := pipPackages[tool]
		if !ok {
			return fmt.Errorf("no automatic install available for %s", tool)
		}
		Logger.Info("installing missing tool", "tool", tool, "package", pkg)
		cmd := exec.CommandContext(ctx, python, "-m", "pip", "install", "--user", "--upgrade", pkg)
		out, err := cmd.CombinedOutput()
		if err != nil {
			return &ToolError{
				Command:  python,
				Args:     cmd.Args[1:],
				ExitCode: exitCodeOf(cmd),
				Tail:     lastLines(string(out), DefaultTailLines),
				Err:      err,
			}
		}
		return nil
	}
}

func exitCodeOf(cmd *exec.Cmd) int {
	if cmd.ProcessState == nil {
		return -1
	}
	return cmd.ProcessState.ExitCode()
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
