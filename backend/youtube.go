package backend

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/wader/goutubedl"
	"gopkg.in/ini.v1"
)

// YouTube URL patterns
var (
	youtubeRegex      = regexp.MustCompile(`(?:youtube\.com/watch\?v=|youtu\.be/|youtube\.com/embed/|youtube\.com/v/|youtube\.com/shorts/)([a-zA-Z0-9_-]{11})`)
	youtubeMusicRegex = regexp.MustCompile(`music\.youtube\.com/watch\?v=([a-zA-Z0-9_-]{11})`)
	playlistRegex     = regexp.MustCompile(`[?&]list=([a-zA-Z0-9_-]+)`)
	videoIDRegex      = regexp.MustCompile(`^[a-zA-Z0-9_-]{11}$`)
)

// ParseYouTubeURL extracts video ID from various YouTube URL formats
// Supports: youtube.com, youtu.be, music.youtube.com, shorts
func ParseYouTubeURL(rawURL string) (string, error) {
	rawURL = strings.TrimSpace(rawURL)

	if rawURL == "" {
		return "", fmt.Errorf("empty URL")
	}

	if matches := youtubeMusicRegex.FindStringSubmatch(rawURL); len(matches) > 1 {
		return matches[1], nil
	}
	if matches := youtubeRegex.FindStringSubmatch(rawURL); len(matches) > 1 {
		return matches[1], nil
	}

	parsedURL, err := url.Parse(rawURL)
	if err == nil {
		if v := parsedURL.Query().Get("v"); len(v) == 11 {
			return v, nil
		}
	}

	// Already a bare video ID
	if videoIDRegex.MatchString(rawURL) {
		return rawURL, nil
	}

	return "", fmt.Errorf("could not extract video ID from URL: %s", rawURL)
}

// IsPlaylistURL checks if URL contains a playlist
func IsPlaylistURL(rawURL string) bool {
	return playlistRegex.MatchString(rawURL)
}

// ExtractPlaylistID extracts playlist ID from URL
func ExtractPlaylistID(rawURL string) string {
	if matches := playlistRegex.FindStringSubmatch(rawURL); len(matches) > 1 {
		return matches[1]
	}
	return ""
}

// QualityPreset maps a user-facing quality to a yt-dlp format selector.
type QualityPreset struct {
	Name      string `json:"name"`
	Format    string `json:"format"`
	AudioOnly bool   `json:"audioOnly"`
	Subfolder string `json:"subfolder"`
}

// QualityPresets are the converter's download choices.
var QualityPresets = map[string]QualityPreset{
	"audio": {Name: "audio", Format: "bestaudio/best", AudioOnly: true, Subfolder: "Music"},
	"best":  {Name: "best", Format: "bestvideo[ext=mp4]+bestaudio[ext=m4a]/best[ext=mp4]/best", Subfolder: "Videos"},
	"1080p": {Name: "1080p", Format: heightFormat(1080), Subfolder: "Videos"},
	"720p":  {Name: "720p", Format: heightFormat(720), Subfolder: "Videos"},
	"480p":  {Name: "480p", Format: heightFormat(480), Subfolder: "Videos"},
	"360p":  {Name: "360p", Format: heightFormat(360), Subfolder: "Videos"},
}

func heightFormat(h int) string {
	return fmt.Sprintf("bestvideo[height<=%d][ext=mp4]+bestaudio[ext=m4a]/best[height<=%d][ext=mp4]/best[height<=%d]", h, h, h)
}

// Presets used to fetch the vocal remover's source.
var (
	sourceVideoPreset = QualityPreset{Name: "source-video", Format: "bestvideo[ext=mp4]+bestaudio[ext=m4a]/bestvideo+bestaudio/best"}
	sourceAudioPreset = QualityPreset{Name: "source-audio", Format: "bestaudio/best", AudioOnly: true}
)

// LookupQuality returns the preset for name, defaulting to "best".
func LookupQuality(name string) (QualityPreset, error) {
	if name == "" {
		name = "best"
	}
	p, ok := QualityPresets[strings.ToLower(name)]
	if !ok {
		return QualityPreset{}, invalidInput(fmt.Sprintf("unknown quality %q", name))
	}
	return p, nil
}

// DefaultOutputTemplate names batch downloads after uploader and title.
const DefaultOutputTemplate = "%(uploader)s - %(title)s.%(ext)s"

// sourceOutputTemplate names the vocal remover's downloaded source.
const sourceOutputTemplate = "%(title)s.%(ext)s"

// BuildYtDlpArgs builds the download command line for one URL.
func BuildYtDlpArgs(rawURL, outputDir, template string, preset QualityPreset, cookiesBrowser string) []string {
	if template == "" {
		template = DefaultOutputTemplate
	}
	args := []string{
		"--newline",
		"--no-playlist",
		"--no-mtime",
		"-f", preset.Format,
	}
	if preset.AudioOnly {
		args = append(args, "-x", "--audio-format", "mp3", "--audio-quality", "0")
	} else {
		args = append(args, "--merge-output-format", "mp4")
	}
	if cookiesBrowser != "" {
		args = append(args, "--cookies-from-browser", cookiesBrowser)
	}
	args = append(args, "-o", filepath.Join(outputDir, template), "--", rawURL)
	return args
}

var (
	ytdlpPercent = regexp.MustCompile(`^\[download\]\s+([0-9]+(?:\.[0-9]+)?)%`)
	ytdlpETA     = regexp.MustCompile(`\bETA\s+([0-9:]+)`)
)

// ParseYtDlpProgress reads a "[download]  42.0% of ... ETA 00:10" line.
func ParseYtDlpProgress(line string) (percent float64, eta string, ok bool) {
	m := ytdlpPercent.FindStringSubmatch(strings.TrimSpace(line))
	if m == nil {
		return 0, "", false
	}
	p, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, "", false
	}
	if e := ytdlpETA.FindStringSubmatch(line); e != nil {
		eta = e[1]
	}
	return p, eta, true
}

// PlaylistInfo contains playlist metadata and the entries as work items.
type PlaylistInfo struct {
	ID     string     `json:"id"`
	Title  string     `json:"title"`
	Author string     `json:"author"`
	Items  []WorkItem `json:"items"`
}

// YouTubeClient fetches metadata through goutubedl.
type YouTubeClient struct {
	logger *slog.Logger
}

var ytdlpPathOnce sync.Once

// NewYouTubeClient points goutubedl at the resolved yt-dlp binary.
func NewYouTubeClient(tools ToolLookup, logger *slog.Logger) *YouTubeClient {
	if logger == nil {
		logger = Logger
	}
	if tools != nil {
		if p, err := tools.Resolve(ToolYtDlp); err == nil {
			ytdlpPathOnce.Do(func() { goutubedl.Path = p })
		}
	}
	return &YouTubeClient{logger: logger}
}

// ListPlaylist returns the playlist entries; limit > 0 stops after that
// many entries.
func (c *YouTubeClient) ListPlaylist(ctx context.Context, rawURL string, limit int) (*PlaylistInfo, error) {
	if err := ValidateYouTubeURL(rawURL); err != nil {
		return nil, err
	}
	playlistID := ExtractPlaylistID(rawURL)
	if playlistID == "" {
		return nil, invalidInput("URL does not contain a playlist")
	}
	canonicalURL := fmt.Sprintf("https://www.youtube.com/playlist?list=%s", playlistID)

	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	opts := goutubedl.Options{Type: goutubedl.TypePlaylist}
	if limit > 0 {
		opts.PlaylistEnd = uint(limit)
	}
	result, err := goutubedl.New(ctx, canonicalURL, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch playlist: %w", err)
	}

	info := &PlaylistInfo{
		ID:     playlistID,
		Title:  result.Info.Title,
		Author: result.Info.Uploader,
	}
	for i, entry := range result.Info.Entries {
		if entry.ID == "" {
			continue
		}
		info.Items = append(info.Items, WorkItem{
			ID:       entry.ID,
			URL:      fmt.Sprintf("https://www.youtube.com/watch?v=%s", entry.ID),
			Title:    entry.Title,
			Uploader: strings.TrimSuffix(firstNonEmpty(entry.Channel, entry.Uploader), " - Topic"),
			Duration: entry.Duration,
			Position: i + 1,
		})
	}

	if len(info.Items) == 0 {
		return nil, fmt.Errorf("playlist is empty or unavailable")
	}
	c.logger.Info("playlist listed", "playlist", playlistID, "entries", len(info.Items))
	return info, nil
}

// VideoTitle fetches the title of a single video.
func (c *YouTubeClient) VideoTitle(ctx context.Context, rawURL string) (string, error) {
	result, err := goutubedl.New(ctx, rawURL, goutubedl.Options{Type: goutubedl.TypeSingle})
	if err != nil {
		return "", fmt.Errorf("failed to fetch metadata: %w", err)
	}
	return result.Info.Title, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// ItemDownloader downloads one WorkItem with yt-dlp into its own temp
// directory and moves the result into the output directory.
type ItemDownloader struct {
	Runner         *ToolRunner
	Preset         QualityPreset
	OutputDir      string
	TempRoot       string
	CookiesBrowser string
	Timeout        time.Duration
	// OnProgress receives per-item download percentages.
	OnProgress func(item WorkItem, percent float64)
}

// Download implements ItemFunc.
func (d *ItemDownloader) Download(token *CancellationToken, item WorkItem) ([]string, error) {
	if err := ValidateMediaURL(item.URL); err != nil {
		return nil, err
	}

	tempRoot := d.TempRoot
	if tempRoot == "" {
		tempRoot = filepath.Join(os.TempDir(), "stemtube")
	}
	if err := os.MkdirAll(tempRoot, 0755); err != nil {
		return nil, fmt.Errorf("failed to create temp directory: %w", err)
	}
	workDir, err := os.MkdirTemp(tempRoot, "item-")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp directory: %w", err)
	}
	defer os.RemoveAll(workDir)

	cookies := ""
	if d.CookiesBrowser != "" {
		if cookies, err = resolveCookiesBrowser(d.CookiesBrowser); err != nil {
			return nil, fmt.Errorf("failed to resolve browser cookies: %w", err)
		}
	}

	cmd := ToolCommand{
		Tool: ToolYtDlp,
		Args: BuildYtDlpArgs(item.URL, workDir, item.OutputTemplate, d.Preset, cookies),
		Dir:  workDir,
	}
	if d.OnProgress != nil {
		cmd.OnLine = func(line string) {
			if p, _, ok := ParseYtDlpProgress(line); ok {
				d.OnProgress(item, p)
			}
		}
	}

	if _, err := d.Runner.Run(cmd, token, WatchOptions{Timeout: d.Timeout}); err != nil {
		return nil, err
	}

	best, err := LargestFile(os.DirFS(workDir), "**/*")
	if err != nil {
		return nil, &JobError{
			Kind:        KindItemFailed,
			Item:        item.Title,
			Message:     err.Error(),
			Diagnostics: ListDir(os.DirFS(workDir)),
			Err:         err,
		}
	}

	dest, err := publishFile(filepath.Join(workDir, filepath.FromSlash(best)), filepath.Join(d.OutputDir, d.Preset.Subfolder))
	if err != nil {
		return nil, err
	}
	return []string{dest}, nil
}

// resolveCookiesBrowser maps a browser name to yt-dlp's
// --cookies-from-browser value. LibreWolf is read as a Firefox profile.
func resolveCookiesBrowser(browser string) (string, error) {
	if browser == "librewolf" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		profilePath, err := librewolfProfilePath(filepath.Join(home, ".librewolf"))
		if err != nil {
			return "", fmt.Errorf("failed to find librewolf profile: %w", err)
		}
		return fmt.Sprintf("firefox:%s", profilePath), nil
	}
	return browser, nil
}

// librewolfProfilePath finds the default profile under librewolfDir using
// profiles.ini, falling back to the first *.default-default directory.
func librewolfProfilePath(librewolfDir string) (string, error) {
	profilesIni := filepath.Join(librewolfDir, "profiles.ini")

	cfg, err := ini.Load(profilesIni)
	if err == nil {
		// Install* sections first (newer format)
		for _, section := range cfg.Sections() {
			if strings.HasPrefix(section.Name(), "Install") {
				if path := section.Key("Default").String(); path != "" {
					fullPath := filepath.Join(librewolfDir, path)
					if _, err := os.Stat(fullPath); err == nil {
						return fullPath, nil
					}
				}
			}
		}
		for _, section := range cfg.Sections() {
			if strings.HasPrefix(section.Name(), "Profile") && section.Key("Default").String() == "1" {
				if path := section.Key("Path").String(); path != "" {
					fullPath := filepath.Join(librewolfDir, path)
					if _, err := os.Stat(fullPath); err == nil {
						return fullPath, nil
					}
				}
			}
		}
	}

	entries, err := os.ReadDir(librewolfDir)
	if err != nil {
		return "", fmt.Errorf("librewolf directory not found: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() && strings.HasSuffix(entry.Name(), ".default-default") {
			return filepath.Join(librewolfDir, entry.Name()), nil
		}
	}
	return "", fmt.Errorf("no librewolf profile found in %s", librewolfDir)
}
