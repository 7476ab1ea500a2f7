package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/viper"

	"github.com/lanternops/deskrelay/internal/logging"
)

var log = logging.L("config")

// Config holds the server's startup configuration. Fields map to the CLI
// flags of the same name (with underscores) and to DESKRELAY_-prefixed
// environment variables.
type Config struct {
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`

	CaptureQueueCap   int `mapstructure:"capture_queue_cap"`
	ProcessedQueueCap int `mapstructure:"processed_queue_cap"`

	FrameRate         int     `mapstructure:"frame_rate"`
	Quality           float64 `mapstructure:"quality"`
	HighDefinition    bool    `mapstructure:"high_definition"`
	AntiAliasing      bool    `mapstructure:"anti_aliasing"`
	HighScaleQuality  bool    `mapstructure:"high_scale_quality"`
	SyntheticCapture  bool    `mapstructure:"synthetic_capture"`
	ParallelismDegree int     `mapstructure:"parallelism_degree"`

	// Logging configuration
	LogLevel      string `mapstructure:"log_level"`
	LogFormat     string `mapstructure:"log_format"`
	LogFile       string `mapstructure:"log_file"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups"`

	// Diagnostics sidecar (optional observer, see internal/diagnostics).
	DiagnosticsEnabled        bool   `mapstructure:"diagnostics_enabled"`
	DiagnosticsIntervalSecond int    `mapstructure:"diagnostics_interval_seconds"`
	DiagnosticsProvider       string `mapstructure:"diagnostics_provider"` // "", "local", "s3"
	DiagnosticsLocalPath      string `mapstructure:"diagnostics_local_path"`
	DiagnosticsS3Bucket       string `mapstructure:"diagnostics_s3_bucket"`
	DiagnosticsS3Region       string `mapstructure:"diagnostics_s3_region"`
}

// Default returns a Config with every field set to its documented default.
func Default() *Config {
	return &Config{
		Port:              5900,
		CaptureQueueCap:   120,
		ProcessedQueueCap: 120,

		FrameRate:         30,
		Quality:           0.85,
		ParallelismDegree: runtime.NumCPU(),

		LogLevel:      "info",
		LogFormat:     "text",
		LogMaxSizeMB:  50,
		LogMaxBackups: 3,

		DiagnosticsIntervalSecond: 30,
		DiagnosticsProvider:       "local",
		DiagnosticsLocalPath:      filepath.Join(dataDir(), "diagnostics"),
	}
}

// Load reads configuration from cfgFile (or the default search path),
// applies environment overrides, and validates. Fatal validation errors
// abort startup; warnings are logged and the (corrected) config is returned.
func Load(cfgFile string) (*Config, error) {
	cfg := Default()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("deskrelay")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(configDir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("DESKRELAY")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, err
	}

	result := cfg.ValidateTiered()
	for _, err := range result.Warnings {
		log.Warn("config validation", "error", err)
	}
	if result.HasFatals() {
		for _, err := range result.Fatals {
			log.Error("config validation fatal", "error", err)
		}
		return nil, fmt.Errorf("config has fatal validation errors: %v", result.Fatals[0])
	}

	return cfg, nil
}

// Save writes cfg to the platform default config path.
func Save(cfg *Config) error {
	return SaveTo(cfg, "")
}

// SaveTo writes cfg as YAML to cfgFile, or the platform default if empty.
func SaveTo(cfg *Config, cfgFile string) error {
	viper.Set("port", cfg.Port)
	viper.Set("capture_queue_cap", cfg.CaptureQueueCap)
	viper.Set("processed_queue_cap", cfg.ProcessedQueueCap)
	viper.Set("frame_rate", cfg.FrameRate)
	viper.Set("quality", cfg.Quality)
	viper.Set("log_level", cfg.LogLevel)
	viper.Set("log_format", cfg.LogFormat)

	var cfgPath string
	if cfgFile != "" {
		cfgPath = cfgFile
		dir := filepath.Dir(cfgPath)
		if dir != "." {
			if err := os.MkdirAll(dir, 0700); err != nil {
				return err
			}
		}
	} else {
		cfgPath = filepath.Join(configDir(), "deskrelay.yaml")
		if err := os.MkdirAll(configDir(), 0700); err != nil {
			return err
		}
	}

	if err := viper.WriteConfigAs(cfgPath); err != nil {
		return err
	}

	// Restrict config file to owner-only access (may contain a password).
	return os.Chmod(cfgPath, 0600)
}

func dataDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "DeskRelay", "data")
	case "darwin":
		return "/Library/Application Support/DeskRelay/data"
	default:
		return "/var/lib/deskrelay"
	}
}

func configDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "DeskRelay")
	case "darwin":
		return "/Library/Application Support/DeskRelay"
	default:
		return "/etc/deskrelay"
	}
}
