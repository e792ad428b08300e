package backend

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	cfg := DefaultConfig()
	assert.Equal(t, filepath.Join(home, "StemTube"), cfg.OutputDirectory)
	assert.Equal(t, DefaultAudioFormat, cfg.AudioFormat)
	assert.Equal(t, DefaultDemucsModel, cfg.DemucsModel)
	assert.Equal(t, DefaultConcurrency, cfg.ConcurrentDownloads)
	require.NoError(t, cfg.Validate())

	cfg.AudioFormat = "aiff"
	assert.Equal(t, DefaultAudioFormat, DefaultConfig().AudioFormat, "defaults must not be shared")
}

func TestLoadConfigFrom_MissingFile(t *testing.T) {
	cfg, err := LoadConfigFrom(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfigFrom_OverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"audioFormat": "flac", "concurrentDownloads": 5}`), 0o644))

	cfg, err := LoadConfigFrom(path)
	require.NoError(t, err)
	assert.Equal(t, "flac", cfg.AudioFormat)
	assert.Equal(t, 5, cfg.ConcurrentDownloads)
	assert.Equal(t, DefaultDemucsModel, cfg.DemucsModel)
}

func TestLoadConfigFrom_Malformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"audioFormat": `), 0o644))

	_, err := LoadConfigFrom(path)
	assert.ErrorContains(t, err, "failed to parse")
}

func TestLoadConfigWithEnv(t *testing.T) {
	out := t.TempDir()
	t.Setenv("STEMTUBE_OUTPUT_DIR", out)
	t.Setenv("STEMTUBE_AUDIO_FORMAT", "wav")
	t.Setenv("STEMTUBE_CONCURRENT_DOWNLOADS", "7")
	t.Setenv("STEMTUBE_KEEP_VOCALS", "true")
	t.Setenv("STEMTUBE_TOOL_PATHS", "ffmpeg:/opt/ffmpeg/bin/ffmpeg")

	cfg, err := LoadConfigWithEnv(filepath.Join(t.TempDir(), "config.json"))
	require.NoError(t, err)
	assert.Equal(t, out, cfg.OutputDirectory)
	assert.Equal(t, "wav", cfg.AudioFormat)
	assert.Equal(t, 7, cfg.ConcurrentDownloads)
	assert.True(t, cfg.KeepVocals)
	assert.Equal(t, map[string]string{"ffmpeg": "/opt/ffmpeg/bin/ffmpeg"}, cfg.ToolPaths)
}

func TestLoadConfigWithEnv_Invalid(t *testing.T) {
	tests := []struct {
		name, key, value string
	}{
		{"unknown format", "STEMTUBE_AUDIO_FORMAT", "aiff"},
		{"too many workers", "STEMTUBE_CONCURRENT_DOWNLOADS", "64"},
		{"system output dir", "STEMTUBE_OUTPUT_DIR", "/etc/stemtube"},
		{"not a number", "STEMTUBE_PLAYLIST_LIMIT", "lots"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := LoadConfigWithEnv(filepath.Join(t.TempDir(), "config.json"))
			assert.Error(t, err)
		})
	}
}

func TestConfigValidate(t *testing.T) {
	valid := func() *Config {
		cfg := DefaultConfig()
		cfg.OutputDirectory = t.TempDir()
		return cfg
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		modify func(c *Config)
	}{
		{"bad model", func(c *Config) { c.DemucsModel = "spleeter" }},
		{"bad quality", func(c *Config) { c.VideoQuality = "4k" }},
		{"zero workers", func(c *Config) { c.ConcurrentDownloads = 0 }},
		{"negative limit", func(c *Config) { c.PlaylistLimit = -1 }},
		{"bad browser", func(c *Config) { c.CookiesBrowser = "netscape" }},
		{"bad probe url", func(c *Config) { c.ProbeURL = "not a url" }},
		{"no listen addr", func(c *Config) { c.ListenAddr = "" }},
		{"bad log level", func(c *Config) { c.LogLevel = "trace" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.modify(cfg)
			assert.ErrorContains(t, cfg.Validate(), "invalid config")
		})
	}
}

func TestSaveConfigTo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")
	cfg := DefaultConfig()
	cfg.OutputDirectory = t.TempDir()
	cfg.AudioFormat = "ogg"
	cfg.ToolPaths = map[string]string{"demucs": "/opt/demucs"}

	require.NoError(t, SaveConfigTo(path, cfg))
	loaded, err := LoadConfigFrom(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)

	cfg.AudioFormat = "aiff"
	assert.Error(t, SaveConfigTo(path, cfg))
	loaded, err = LoadConfigFrom(path)
	require.NoError(t, err)
	assert.Equal(t, "ogg", loaded.AudioFormat, "invalid config must not be written")
}
