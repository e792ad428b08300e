package backend

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// FFmpeg / ffprobe argument builders and output parsing. Execution goes
// through the supervised ToolRunner.

// OutputFormat describes one audio container the converter can produce.
type OutputFormat struct {
	Name      string   `json:"name"`
	Extension string   `json:"extension"`
	Codec     []string `json:"codec"`
}

// OutputFormats is the supported conversion table.
var OutputFormats = map[string]OutputFormat{
	"wav":  {Name: "wav", Extension: ".wav", Codec: []string{"-c:a", "pcm_s16le"}},
	"mp3":  {Name: "mp3", Extension: ".mp3", Codec: []string{"-c:a", "libmp3lame", "-q:a", "2"}},
	"flac": {Name: "flac", Extension: ".flac", Codec: []string{"-c:a", "flac"}},
	"m4a":  {Name: "m4a", Extension: ".m4a", Codec: []string{"-c:a", "aac", "-b:a", "192k"}},
	"ogg":  {Name: "ogg", Extension: ".ogg", Codec: []string{"-c:a", "libvorbis", "-q:a", "5"}},
}

// DefaultAudioFormat is used when the request leaves the format empty.
const DefaultAudioFormat = "mp3"

// LookupOutputFormat returns the format entry or an InvalidInput error.
func LookupOutputFormat(name string) (OutputFormat, error) {
	if name == "" {
		name = DefaultAudioFormat
	}
	f, ok := OutputFormats[strings.ToLower(name)]
	if !ok {
		return OutputFormat{}, newJobError(KindInvalidInput,
			fmt.Sprintf("unsupported output format %q (use %s)", name, strings.Join(OutputFormatNames(), ", ")), nil)
	}
	return f, nil
}

// OutputFormatNames lists the supported format names, sorted.
func OutputFormatNames() []string {
	names := make([]string, 0, len(OutputFormats))
	for n := range OutputFormats {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ConvertArgs converts input into the given format.
func ConvertArgs(input, output string, format OutputFormat) []string {
	args := []string{"-y", "-hide_banner", "-i", input, "-vn"}
	args = append(args, format.Codec...)
	return append(args, output)
}

// SuppressionFilter removes residual vocal bleed from a separated
// instrumental.
const SuppressionFilter = "highpass=f=100,lowpass=f=15000,afftdn=nf=-25"

// SuppressVocalsArgs applies SuppressionFilter and resamples to 44.1 kHz.
func SuppressVocalsArgs(input, output string) []string {
	return []string{
		"-y", "-hide_banner",
		"-i", input,
		"-af", SuppressionFilter,
		"-ar", "44100",
		"-b:a", "320k",
		output,
	}
}

// MergeArgs puts audio under the video stream of videoPath, copying the
// video and stopping at the shorter input.
func MergeArgs(videoPath, audioPath, output string) []string {
	return []string{
		"-y", "-hide_banner",
		"-i", videoPath,
		"-i", audioPath,
		"-map", "0:v:0",
		"-map", "1:a:0",
		"-c:v", "copy",
		"-c:a", "aac",
		"-b:a", "192k",
		"-shortest",
		output,
	}
}

// ProbeArgs asks ffprobe for format and stream info as JSON.
func ProbeArgs(input string) []string {
	return []string{
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		input,
	}
}

// MediaInfo contains media file information from ffprobe
type MediaInfo struct {
	Duration    float64     `json:"duration"`
	VideoCodec  string      `json:"videoCodec"`
	AudioCodec  string      `json:"audioCodec"`
	Width       int         `json:"width"`
	Height      int         `json:"height"`
	Bitrate     int64       `json:"bitrate"`
	FrameRate   float64     `json:"frameRate"`
	SampleRate  int         `json:"sampleRate"`
	Channels    int         `json:"channels"`
	Format      string      `json:"format"`
	HasVideo    bool        `json:"hasVideo"`
	HasAudio    bool        `json:"hasAudio"`
	VideoStream *StreamInfo `json:"videoStream,omitempty"`
	AudioStream *StreamInfo `json:"audioStream,omitempty"`
}

// StreamInfo contains detailed stream information
type StreamInfo struct {
	Index      int     `json:"index"`
	CodecName  string  `json:"codecName"`
	CodecLong  string  `json:"codecLong"`
	Profile    string  `json:"profile,omitempty"`
	BitRate    int64   `json:"bitRate,omitempty"`
	Duration   float64 `json:"duration,omitempty"`
	Width      int     `json:"width,omitempty"`
	Height     int     `json:"height,omitempty"`
	FrameRate  float64 `json:"frameRate,omitempty"`
	SampleRate int     `json:"sampleRate,omitempty"`
	Channels   int     `json:"channels,omitempty"`
}

// ParseProbeOutput decodes ffprobe JSON. Cover-art streams (attached
// pictures) are not counted as video.
func ParseProbeOutput(data []byte) (*MediaInfo, error) {
	var probeData struct {
		Streams []struct {
			Index         int    `json:"index"`
			CodecName     string `json:"codec_name"`
			CodecLongName string `json:"codec_long_name"`
			CodecType     string `json:"codec_type"`
			Profile       string `json:"profile"`
			Width         int    `json:"width"`
			Height        int    `json:"height"`
			SampleRate    string `json:"sample_rate"`
			Channels      int    `json:"channels"`
			BitRate       string `json:"bit_rate"`
			Duration      string `json:"duration"`
			AvgFrameRate  string `json:"avg_frame_rate"`
			Disposition   struct {
				AttachedPic int `json:"attached_pic"`
			} `json:"disposition"`
		} `json:"streams"`
		Format struct {
			FormatName string `json:"format_name"`
			Duration   string `json:"duration"`
			BitRate    string `json:"bit_rate"`
		} `json:"format"`
	}

	if err := json.Unmarshal(data, &probeData); err != nil {
		return nil, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}

	info := &MediaInfo{Format: probeData.Format.FormatName}
	if d, err := strconv.ParseFloat(probeData.Format.Duration, 64); err == nil {
		info.Duration = d
	}
	if br, err := strconv.ParseInt(probeData.Format.BitRate, 10, 64); err == nil {
		info.Bitrate = br
	}

	for _, stream := range probeData.Streams {
		switch stream.CodecType {
		case "video":
			if stream.Disposition.AttachedPic == 1 || info.HasVideo {
				continue
			}
			info.HasVideo = true
			info.VideoCodec = stream.CodecName
			info.Width = stream.Width
			info.Height = stream.Height
			info.FrameRate = parseFrameRate(stream.AvgFrameRate)
			info.VideoStream = &StreamInfo{
				Index:     stream.Index,
				CodecName: stream.CodecName,
				CodecLong: stream.CodecLongName,
				Profile:   stream.Profile,
				Width:     stream.Width,
				Height:    stream.Height,
				FrameRate: info.FrameRate,
			}
			if br, err := strconv.ParseInt(stream.BitRate, 10, 64); err == nil {
				info.VideoStream.BitRate = br
			}
		case "audio":
			if info.HasAudio {
				continue
			}
			info.HasAudio = true
			info.AudioCodec = stream.CodecName
			info.Channels = stream.Channels
			if sr, err := strconv.Atoi(stream.SampleRate); err == nil {
				info.SampleRate = sr
			}
			info.AudioStream = &StreamInfo{
				Index:      stream.Index,
				CodecName:  stream.CodecName,
				CodecLong:  stream.CodecLongName,
				Profile:    stream.Profile,
				SampleRate: info.SampleRate,
				Channels:   stream.Channels,
			}
			if br, err := strconv.ParseInt(stream.BitRate, 10, 64); err == nil {
				info.AudioStream.BitRate = br
			}
			if d, err := strconv.ParseFloat(stream.Duration, 64); err == nil {
				info.AudioStream.Duration = d
			}
		}
	}

	return info, nil
}

func parseFrameRate(fpsStr string) float64 {
	// Format: "30/1" or "30000/1001"
	parts := strings.Split(fpsStr, "/")
	if len(parts) != 2 {
		return 0
	}

	num, err1 := strconv.ParseFloat(parts[0], 64)
	den, err2 := strconv.ParseFloat(parts[1], 64)
	if err1 != nil || err2 != nil || den == 0 {
		return 0
	}

	return num / den
}

// FFmpeg reports progress like "time=00:01:23.45"
var ffmpegTimeRegex = regexp.MustCompile(`time=(\d+):(\d+):(\d+)(?:\.(\d+))?`)

// ParseFFmpegTime extracts the position in seconds from an ffmpeg status
// line.
func ParseFFmpegTime(line string) (float64, bool) {
	m := ffmpegTimeRegex.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	hours, _ := strconv.Atoi(m[1])
	mins, _ := strconv.Atoi(m[2])
	secs, _ := strconv.Atoi(m[3])
	t := float64(hours*3600 + mins*60 + secs)
	if m[4] != "" {
		if frac, err := strconv.ParseFloat("0."+m[4], 64); err == nil {
			t += frac
		}
	}
	return t, true
}

// ffmpegProgress turns ffmpeg status lines into stage fractions when the
// total duration is known.
func ffmpegProgress(totalDuration float64, report func(float64)) func(string) {
	return func(line string) {
		if totalDuration <= 0 {
			return
		}
		if t, ok := ParseFFmpegTime(line); ok {
			report(t / totalDuration)
		}
	}
}

// FormatDuration formats seconds as m:ss or h:mm:ss
func FormatDuration(seconds float64) string {
	h := int(seconds) / 3600
	m := (int(seconds) % 3600) / 60
	s := int(seconds) % 60

	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}

// FormatFileSize formats bytes into human readable format
func FormatFileSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
