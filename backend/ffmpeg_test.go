package backend

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupOutputFormat(t *testing.T) {
	f, err := LookupOutputFormat("")
	require.NoError(t, err)
	assert.Equal(t, "mp3", f.Name)

	f, err = LookupOutputFormat("FLAC")
	require.NoError(t, err)
	assert.Equal(t, ".flac", f.Extension)

	_, err = LookupOutputFormat("aiff")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestOutputFormatNames(t *testing.T) {
	assert.Equal(t, []string{"flac", "m4a", "mp3", "ogg", "wav"}, OutputFormatNames())
}

func TestConvertArgs(t *testing.T) {
	args := ConvertArgs("in.wav", "out.mp3", OutputFormats["mp3"])
	assert.Equal(t, []string{
		"-y", "-hide_banner", "-i", "in.wav", "-vn",
		"-c:a", "libmp3lame", "-q:a", "2",
		"out.mp3",
	}, args)
}

func TestSuppressVocalsArgs(t *testing.T) {
	args := SuppressVocalsArgs("no_vocals.wav", "no_vocals_enhanced.wav")
	assert.Contains(t, args, SuppressionFilter)
	assert.Equal(t, "no_vocals_enhanced.wav", args[len(args)-1])
}

func TestMergeArgs(t *testing.T) {
	args := MergeArgs("video.mp4", "inst.mp3", "out.mp4")
	assert.Equal(t, []string{
		"-y", "-hide_banner",
		"-i", "video.mp4",
		"-i", "inst.mp3",
		"-map", "0:v:0",
		"-map", "1:a:0",
		"-c:v", "copy",
		"-c:a", "aac",
		"-b:a", "192k",
		"-shortest",
		"out.mp4",
	}, args)
}

const probeJSON = `{
  "streams": [
    {"index": 0, "codec_name": "mjpeg", "codec_type": "video", "width": 500, "height": 500,
     "avg_frame_rate": "0/0", "disposition": {"attached_pic": 1}},
    {"index": 1, "codec_name": "h264", "codec_long_name": "H.264", "codec_type": "video",
     "profile": "High", "width": 1920, "height": 1080, "avg_frame_rate": "30000/1001",
     "bit_rate": "4000000", "disposition": {"attached_pic": 0}},
    {"index": 2, "codec_name": "aac", "codec_type": "audio", "sample_rate": "44100",
     "channels": 2, "bit_rate": "128000", "duration": "213.5"}
  ],
  "format": {"format_name": "mov,mp4,m4a", "duration": "213.5", "bit_rate": "4128000"}
}`

func TestParseProbeOutput(t *testing.T) {
	info, err := ParseProbeOutput([]byte(probeJSON))
	require.NoError(t, err)

	assert.True(t, info.HasVideo)
	assert.True(t, info.HasAudio)
	assert.Equal(t, "h264", info.VideoCodec)
	assert.Equal(t, 1920, info.Width)
	assert.InDelta(t, 29.97, info.FrameRate, 0.01)
	assert.Equal(t, "aac", info.AudioCodec)
	assert.Equal(t, 44100, info.SampleRate)
	assert.Equal(t, 2, info.Channels)
	assert.InDelta(t, 213.5, info.Duration, 0.001)
	assert.Equal(t, int64(4128000), info.Bitrate)
	require.NotNil(t, info.VideoStream)
	assert.Equal(t, 1, info.VideoStream.Index)
	require.NotNil(t, info.AudioStream)
	assert.Equal(t, int64(128000), info.AudioStream.BitRate)
}

func TestParseProbeOutput_CoverArtOnly(t *testing.T) {
	data := `{"streams": [
	  {"index": 0, "codec_name": "mp3", "codec_type": "audio", "sample_rate": "48000", "channels": 2},
	  {"index": 1, "codec_name": "png", "codec_type": "video", "disposition": {"attached_pic": 1}}
	], "format": {"format_name": "mp3", "duration": "60"}}`

	info, err := ParseProbeOutput([]byte(data))
	require.NoError(t, err)
	assert.False(t, info.HasVideo, "cover art is not a video stream")
	assert.True(t, info.HasAudio)
}

func TestParseProbeOutput_Invalid(t *testing.T) {
	_, err := ParseProbeOutput([]byte("not json"))
	assert.Error(t, err)
}

func TestParseFrameRate(t *testing.T) {
	tests := []struct {
		input    string
		expected float64
	}{
		{"30/1", 30.0},
		{"60/1", 60.0},
		{"24000/1001", 23.976},
		{"30000/1001", 29.97},
		{"0/0", 0.0},
		{"invalid", 0.0},
		{"", 0.0},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.InDelta(t, tt.expected, parseFrameRate(tt.input), 0.01)
		})
	}
}

func TestParseFFmpegTime(t *testing.T) {
	secs, ok := ParseFFmpegTime("size=  1024kB time=00:01:23.50 bitrate= 128.0kbits/s")
	require.True(t, ok)
	assert.InDelta(t, 83.5, secs, 0.001)

	secs, ok = ParseFFmpegTime("time=01:00:00")
	require.True(t, ok)
	assert.InDelta(t, 3600, secs, 0.001)

	_, ok = ParseFFmpegTime("Stream mapping:")
	assert.False(t, ok)
}

func TestFFmpegProgress(t *testing.T) {
	var got []float64
	onLine := ffmpegProgress(100, func(f float64) { got = append(got, f) })
	onLine("time=00:00:25.00")
	onLine("noise")
	onLine("time=00:00:50.00")
	assert.Equal(t, []float64{0.25, 0.5}, got)

	got = nil
	ffmpegProgress(0, func(f float64) { got = append(got, f) })("time=00:00:25.00")
	assert.Empty(t, got, "unknown duration reports nothing")
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		seconds  float64
		expected string
	}{
		{0, "0:00"},
		{30, "0:30"},
		{60, "1:00"},
		{90, "1:30"},
		{3600, "1:00:00"},
		{3661, "1:01:01"},
		{213, "3:33"},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%.0fs", tt.seconds), func(t *testing.T) {
			assert.Equal(t, tt.expected, FormatDuration(tt.seconds))
		})
	}
}

func TestFormatFileSize(t *testing.T) {
	tests := []struct {
		bytes    int64
		expected string
	}{
		{0, "0 B"},
		{100, "100 B"},
		{1024, "1.0 KB"},
		{1536, "1.5 KB"},
		{1048576, "1.0 MB"},
		{1073741824, "1.0 GB"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, FormatFileSize(tt.bytes))
		})
	}
}
