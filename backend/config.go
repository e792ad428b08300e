package backend

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
)

// Application configuration and settings

type Config struct {
	OutputDirectory     string `json:"outputDirectory" envconfig:"OUTPUT_DIR"`
	VideoQuality        string `json:"videoQuality" envconfig:"VIDEO_QUALITY" validate:"oneof=audio best 1080p 720p 480p 360p"`
	AudioFormat         string `json:"audioFormat" envconfig:"AUDIO_FORMAT" validate:"oneof=wav mp3 flac m4a ogg"`
	DemucsModel         string `json:"demucsModel" envconfig:"DEMUCS_MODEL" validate:"oneof=htdemucs_ft htdemucs htdemucs_6s"`
	ConcurrentDownloads int    `json:"concurrentDownloads" envconfig:"CONCURRENT_DOWNLOADS" validate:"min=1,max=16"`
	ProduceVideo        bool   `json:"produceVideo" envconfig:"PRODUCE_VIDEO"`
	KeepVocals          bool   `json:"keepVocals" envconfig:"KEEP_VOCALS"`
	EnhancedSuppression bool   `json:"enhancedSuppression" envconfig:"ENHANCED_SUPPRESSION"`
	LimitPlaylist       bool   `json:"limitPlaylist" envconfig:"LIMIT_PLAYLIST"`
	PlaylistLimit       int    `json:"playlistLimit" envconfig:"PLAYLIST_LIMIT" validate:"min=0"`
	CookiesBrowser      string `json:"cookiesBrowser" envconfig:"COOKIES_BROWSER" validate:"omitempty,oneof=firefox chrome chromium brave opera edge librewolf"`
	AutoInstall         bool   `json:"autoInstall" envconfig:"AUTO_INSTALL"` // pip-install missing demucs / yt-dlp
	PythonPath          string `json:"pythonPath,omitempty" envconfig:"PYTHON"`
	ProxyURL            string `json:"proxyUrl,omitempty" envconfig:"PROXY_URL"`
	ProbeURL            string `json:"probeUrl" envconfig:"PROBE_URL" validate:"omitempty,url"`
	ListenAddr          string `json:"listenAddr" envconfig:"LISTEN_ADDR" validate:"required"`
	LogLevel            string `json:"logLevel" envconfig:"LOG_LEVEL" validate:"omitempty,oneof=debug info warn error"`
	LogFile             string `json:"logFile,omitempty" envconfig:"LOG_FILE"`

	// ToolPaths overrides binary lookup, e.g. {"ffmpeg": "/opt/ffmpeg/bin/ffmpeg"}
	ToolPaths map[string]string `json:"toolPaths,omitempty" envconfig:"TOOL_PATHS"`
}

// EnvPrefix prefixes every environment override, e.g. STEMTUBE_OUTPUT_DIR.
const EnvPrefix = "STEMTUBE"

var defaultConfig = Config{
	OutputDirectory:     "",
	VideoQuality:        "best",
	AudioFormat:         DefaultAudioFormat,
	DemucsModel:         DefaultDemucsModel,
	ConcurrentDownloads: DefaultConcurrency,
	PlaylistLimit:       50,
	ProbeURL:            DefaultProbeURL,
	ListenAddr:          "127.0.0.1:8080",
	LogLevel:            "info",
}

// DefaultConfig returns a fresh copy of the defaults.
func DefaultConfig() *Config {
	cfg := defaultConfig
	cfg.OutputDirectory = GetDefaultOutputDirectory()
	return &cfg
}

var configValidator = validator.New()

// Validate checks field constraints and the output directory.
func (c *Config) Validate() error {
	if err := configValidator.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.OutputDirectory != "" {
		if err := ValidateOutputDirectory(c.OutputDirectory); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
	}
	return nil
}

// GetConfigPath returns the path to the config file
func GetConfigPath() string {
	configDir, err := os.UserConfigDir()
	if err != nil {
		configDir = os.TempDir()
	}
	return filepath.Join(configDir, "stemtube", "config.json")
}

// GetDataPath returns the path to app data directory
func GetDataPath() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".stemtube")
}

// GetBinPath returns the path to bundled binaries
func GetBinPath() string {
	return filepath.Join(GetDataPath(), "bin")
}

// LoadConfigFrom reads path over the defaults. A missing file yields the
// defaults.
func LoadConfigFrom(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return config, nil
}

// LoadConfigWithEnv loads path, applies STEMTUBE_* overrides and validates
// the result.
func LoadConfigWithEnv(path string) (*Config, error) {
	config, err := LoadConfigFrom(path)
	if err != nil {
		return nil, err
	}
	if err := envconfig.Process(EnvPrefix, config); err != nil {
		return nil, fmt.Errorf("failed to process environment variables: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// SaveConfigTo validates config and writes it to path.
func SaveConfigTo(path string, config *Config) error {
	if err := config.Validate(); err != nil {
		return err
	}

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// GetDefaultOutputDirectory returns default output path
func GetDefaultOutputDirectory() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, "StemTube")
}
