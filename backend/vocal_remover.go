package backend

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Demucs models offered to callers, best quality first.
var DemucsModels = []string{"htdemucs_ft", "htdemucs", "htdemucs_6s"}

// DefaultDemucsModel is used when the request leaves the model empty.
const DefaultDemucsModel = "htdemucs_ft"

// Stage names of the vocal remover pipeline.
const (
	StageResolve  = "resolve"
	StageDownload = "download"
	StageProbe    = "probe"
	StageSeparate = "separate"
	StageEnhance  = "enhance"
	StageConvert  = "convert"
	StageMux      = "mux"
)

// TitleFetcher looks up a display title for a URL.
type TitleFetcher interface {
	VideoTitle(ctx context.Context, rawURL string) (string, error)
}

// VocalRemoverOptions configures BuildVocalRemoverStages.
type VocalRemoverOptions struct {
	Titles         TitleFetcher
	CookiesBrowser string
}

// DemucsArgs separates input into vocals and no_vocals under outDir.
func DemucsArgs(input, outDir, model string, enhanced bool) []string {
	args := []string{
		"--two-stems=vocals",
		"-n", model,
		"--device", "cpu",
		"--float32",
		"--mp3",
		"--mp3-bitrate", "320",
	}
	if enhanced {
		args = append(args, "--clip-mode", "rescale", "--shifts", "10")
	}
	return append(args, "-o", outDir, input)
}

// demucs draws a tqdm bar: " 42%|████      | 12.0/28.5"
var demucsPercent = regexp.MustCompile(`(\d{1,3})%\|`)

func parseDemucsProgress(line string) (float64, bool) {
	m := demucsPercent.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	p, err := strconv.Atoi(m[1])
	if err != nil || p > 100 {
		return 0, false
	}
	return float64(p) / 100, true
}

func lookupModel(name string) (string, error) {
	if name == "" {
		return DefaultDemucsModel, nil
	}
	for _, m := range DemucsModels {
		if m == name {
			return m, nil
		}
	}
	return "", invalidInput(fmt.Sprintf("unknown separation model %q (use %s)", name, strings.Join(DemucsModels, ", ")))
}

// BuildVocalRemoverStages returns resolve, download, probe, separate,
// enhance, convert and mux for job.
func BuildVocalRemoverStages(job *Job, opts VocalRemoverOptions) ([]Stage, error) {
	format, err := LookupOutputFormat(job.Format.AudioFormat)
	if err != nil {
		return nil, err
	}
	model, err := lookupModel(job.Format.Model)
	if err != nil {
		return nil, err
	}
	flags := job.Flags

	return []Stage{
		{
			Name:    StageResolve,
			Label:   "Checking source",
			Weight:  0.02,
			Timeout: 30 * time.Second,
			Run:     resolveSource(opts.Titles),
		},
		{
			Name:         StageDownload,
			Label:        "Downloading",
			Weight:       0.25,
			Timeout:      15 * time.Minute,
			Expected:     2 * time.Minute,
			NeedsNetwork: true,
			Tools:        []string{ToolYtDlp},
			Skip:         func(jc *JobContext) bool { return !jc.Job.Source.IsRemote() },
			Run:          downloadSource(flags.ProduceVideo, opts.CookiesBrowser),
		},
		{
			Name:     StageProbe,
			Label:    "Analyzing media",
			Weight:   0.03,
			Timeout:  60 * time.Second,
			Expected: 5 * time.Second,
			Tools:    []string{ToolFFprobe},
			Run:      probeSource,
		},
		{
			Name:     StageSeparate,
			Label:    "Separating vocals",
			Weight:   0.50,
			Timeout:  60 * time.Minute,
			Expected: 10 * time.Minute,
			Tools:    []string{ToolDemucs},
			Outputs:  []string{"**/no_vocals.{wav,mp3}", "**/vocals.{wav,mp3}"},
			Run:      separate(model, flags.EnhancedSuppression),
		},
		{
			Name:     StageEnhance,
			Label:    "Suppressing vocal bleed",
			Weight:   0.05,
			Timeout:  5 * time.Minute,
			Expected: 30 * time.Second,
			Tools:    []string{ToolFFmpeg},
			Skip:     func(jc *JobContext) bool { return !jc.Job.Flags.EnhancedSuppression },
			Run:      enhance,
		},
		{
			Name:     StageConvert,
			Label:    "Converting",
			Weight:   0.10,
			Timeout:  5 * time.Minute,
			Expected: 30 * time.Second,
			Tools:    []string{ToolFFmpeg},
			Final:    true,
			Run:      convert(format, flags.KeepVocals),
		},
		{
			Name:     StageMux,
			Label:    "Creating video",
			Weight:   0.05,
			Timeout:  5 * time.Minute,
			Expected: 30 * time.Second,
			Tools:    []string{ToolFFmpeg},
			Final:    true,
			Skip: func(jc *JobContext) bool {
				media := jc.Media()
				return !jc.Job.Flags.ProduceVideo || media == nil || !media.HasVideo
			},
			Run: mux,
		},
	}, nil
}

// sourcePath is the downloaded file, or the local file when nothing was
// downloaded.
func sourcePath(jc *JobContext) string {
	return jc.FirstArtifact(StageDownload, StageResolve)
}

func resolveSource(titles TitleFetcher) StageFunc {
	return func(sc *StageContext) ([]string, error) {
		src := sc.Job.Job.Source
		if src.IsRemote() {
			rawURL := strings.TrimSpace(src.URL)
			if err := ValidateMediaURL(rawURL); err != nil {
				return nil, err
			}
			if titles != nil {
				ctx, cancel := sc.Context()
				title, err := titles.VideoTitle(ctx, rawURL)
				cancel()
				if err != nil {
					sc.Logger().Debug("title lookup failed, using downloaded file name", "error", err)
				} else if title != "" {
					sc.Job.SetTitle(title)
				}
			}
			return nil, nil
		}

		if err := ValidateLocalSource(src.LocalPath); err != nil {
			return nil, err
		}
		abs, err := filepath.Abs(src.LocalPath)
		if err != nil {
			return nil, invalidInput(fmt.Sprintf("invalid source path: %v", err))
		}
		base := filepath.Base(abs)
		sc.Job.SetTitle(strings.TrimSuffix(base, filepath.Ext(base)))
		return []string{abs}, nil
	}
}

func downloadSource(video bool, cookiesBrowser string) StageFunc {
	return func(sc *StageContext) ([]string, error) {
		preset := sourceAudioPreset
		if video {
			preset = sourceVideoPreset
		}
		cookies := ""
		if cookiesBrowser != "" {
			var err error
			if cookies, err = resolveCookiesBrowser(cookiesBrowser); err != nil {
				sc.Logger().Warn("ignoring browser cookies", "browser", cookiesBrowser, "error", err)
				cookies = ""
			}
		}

		_, err := sc.Exec(ToolCommand{
			Tool: ToolYtDlp,
			Args: BuildYtDlpArgs(strings.TrimSpace(sc.Job.Job.Source.URL), sc.WorkDir, sourceOutputTemplate, preset, cookies),
			OnLine: func(line string) {
				if p, _, ok := ParseYtDlpProgress(line); ok {
					sc.Progress(p / 100)
				}
			},
		})
		if err != nil {
			return nil, err
		}

		best, err := LargestFile(os.DirFS(sc.WorkDir), "**/*")
		if err != nil {
			return nil, &JobError{
				Kind:        KindStageFailed,
				Message:     err.Error(),
				Diagnostics: ListDir(os.DirFS(sc.WorkDir)),
				Err:         err,
			}
		}
		path := filepath.Join(sc.WorkDir, filepath.FromSlash(best))
		if sc.Job.Title() == "" {
			base := filepath.Base(path)
			sc.Job.SetTitle(strings.TrimSuffix(base, filepath.Ext(base)))
		}
		return []string{path}, nil
	}
}

func probeSource(sc *StageContext) ([]string, error) {
	src := sourcePath(sc.Job)
	h, err := sc.Exec(ToolCommand{
		Tool:          ToolFFprobe,
		Args:          ProbeArgs(src),
		CaptureStdout: true,
	})
	if err != nil {
		return nil, err
	}
	info, err := ParseProbeOutput(h.Stdout())
	if err != nil {
		return nil, newJobError(KindStageFailed, "", err)
	}
	if !info.HasAudio {
		return nil, newJobError(KindStageFailed, "source has no audio stream", nil)
	}
	sc.Job.SetMedia(info)
	sc.Logger().Info("source probed",
		"duration", FormatDuration(info.Duration),
		"audio", info.AudioCodec,
		"video", info.HasVideo)
	return nil, nil
}

func separate(model string, enhanced bool) StageFunc {
	return func(sc *StageContext) ([]string, error) {
		_, err := sc.Exec(ToolCommand{
			Tool: ToolDemucs,
			Args: DemucsArgs(sourcePath(sc.Job), sc.WorkDir, model, enhanced),
			OnLine: func(line string) {
				if f, ok := parseDemucsProgress(line); ok {
					sc.Progress(f)
				}
			},
		})
		return nil, err
	}
}

// stemArtifact picks the separated file whose base name (without
// extension) is name.
func stemArtifact(paths []string, name string) string {
	for _, p := range paths {
		base := filepath.Base(p)
		if strings.TrimSuffix(base, filepath.Ext(base)) == name {
			return p
		}
	}
	return ""
}

func instrumentalPath(jc *JobContext) string {
	if p := jc.FirstArtifact(StageEnhance); p != "" {
		return p
	}
	return stemArtifact(jc.Artifacts(StageSeparate), "no_vocals")
}

// enhance filters the instrumental. A filter failure falls back to the
// unfiltered track; stops and timeouts still end the job.
func enhance(sc *StageContext) ([]string, error) {
	input := stemArtifact(sc.Job.Artifacts(StageSeparate), "no_vocals")
	base := filepath.Base(input)
	output := filepath.Join(sc.WorkDir, strings.TrimSuffix(base, filepath.Ext(base))+"_enhanced"+filepath.Ext(base))

	media := sc.Job.Media()
	var duration float64
	if media != nil {
		duration = media.Duration
	}
	_, err := sc.Exec(ToolCommand{
		Tool:   ToolFFmpeg,
		Args:   SuppressVocalsArgs(input, output),
		OnLine: ffmpegProgress(duration, sc.Progress),
	})
	if err != nil {
		je := AsJobError(err, KindStageFailed)
		if je.Kind != KindStageFailed {
			return nil, err
		}
		sc.Logger().Warn("vocal suppression failed, using unfiltered instrumental", "error", je.Message)
		return []string{input}, nil
	}
	return []string{output}, nil
}

func convert(format OutputFormat, keepVocals bool) StageFunc {
	return func(sc *StageContext) ([]string, error) {
		jc := sc.Job
		var duration float64
		if media := jc.Media(); media != nil {
			duration = media.Duration
		}

		type task struct{ role, input string }
		tasks := []task{{role: "instrumental", input: instrumentalPath(jc)}}
		if keepVocals {
			tasks = append(tasks, task{role: "vocals", input: stemArtifact(jc.Artifacts(StageSeparate), "vocals")})
		}

		var out []string
		for i, j := range tasks {
			if j.input == "" {
				return nil, newJobError(KindStageFailed, fmt.Sprintf("no %s track to convert", j.role), ErrOutputNotFound)
			}
			output := filepath.Join(sc.WorkDir, OutputName(jc.Stem(), j.role, jc.Timestamp(), format.Extension))
			share := 1 / float64(len(tasks))
			offset := float64(i) * share
			_, err := sc.Exec(ToolCommand{
				Tool: ToolFFmpeg,
				Args: ConvertArgs(j.input, output, format),
				OnLine: ffmpegProgress(duration, func(f float64) {
					sc.Progress(offset + f*share)
				}),
			})
			if err != nil {
				return nil, err
			}
			out = append(out, output)
		}
		return out, nil
	}
}

func mux(sc *StageContext) ([]string, error) {
	jc := sc.Job
	video := sourcePath(jc)
	audio := jc.FirstArtifact(StageConvert)
	output := filepath.Join(sc.WorkDir, OutputName(jc.Stem(), "instrumental_video", jc.Timestamp(), ".mp4"))

	var duration float64
	if media := jc.Media(); media != nil {
		duration = media.Duration
	}
	_, err := sc.Exec(ToolCommand{
		Tool:   ToolFFmpeg,
		Args:   MergeArgs(video, audio, output),
		OnLine: ffmpegProgress(duration, sc.Progress),
	})
	if err != nil {
		return nil, err
	}
	return []string{output}, nil
}
