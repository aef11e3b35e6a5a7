package commands

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"

	"github.com/stakeboard/stakeboard/internal/config"
	"github.com/stakeboard/stakeboard/internal/logging"
)

// Global CLI flags
var (
	// ConfigPath overrides the configuration file location
	ConfigPath string

	// OutputFormat controls output format: "" (auto), "json", "plain"
	OutputFormat string

	// AssumeYes skips transaction confirmation prompts
	AssumeYes bool
)

// Version information (set at build time)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func configPath() string {
	if ConfigPath != "" {
		return ConfigPath
	}
	return config.DefaultConfigPath()
}

// loadConfig loads the configuration and installs the configured logger.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath())
	if err != nil {
		return nil, err
	}
	if err := configureLogging(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func configureLogging(cfg *config.Config) error {
	return logging.Configure(logOutput, cfg.Log.Format, cfg.Log.Level)
}

func jsonOutput() bool {
	return strings.EqualFold(OutputFormat, "json")
}

func validateOutputFormat() error {
	switch strings.ToLower(OutputFormat) {
	case "", "json", "plain":
		return nil
	default:
		return fmt.Errorf("unknown output format %q (want json or plain)", OutputFormat)
	}
}

// GetVersion returns the version string
func GetVersion() string {
	if Version != "dev" {
		return Version
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "" && info.Main.Version != "(devel)" {
			return info.Main.Version
		}
	}
	return "dev"
}

// GetCommit returns the git commit
func GetCommit() string {
	if Commit != "unknown" {
		return Commit
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range info.Settings {
			if setting.Key == "vcs.revision" {
				if len(setting.Value) > 8 {
					return setting.Value[:8]
				}
				return setting.Value
			}
		}
	}
	return "unknown"
}

// GetGoVersion returns the Go version
func GetGoVersion() string {
	return runtime.Version()
}
