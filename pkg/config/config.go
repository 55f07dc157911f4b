// Package config loads the tool configuration from testenv.toml and TESTENV_* variables.
package config

import (
	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigtoml"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

// Config describes all configuration options
type Config struct {
	Script   string `default:"envs.star" usage:"Name of the configuration script to look for"`
	StateDir string `default:".testenv" usage:"Directory for caches, stamps and the run journal (relative to the project root)"`
	Log      struct {
		Level string `default:"info"`
		JSON  bool   `default:"false" usage:"Output JSONND instead of pretty console messages"`
	}
	Journal struct {
		Disable bool `default:"false" usage:"Don't record runs in the journal"`
		Limit   int  `default:"20" usage:"Default number of entries shown by the history command"`
	}
}

var logLevels = map[string]zerolog.Level{
	"debug":   zerolog.DebugLevel,
	"info":    zerolog.InfoLevel,
	"warn":    zerolog.WarnLevel,
	"warning": zerolog.WarnLevel,
	"error":   zerolog.ErrorLevel,
	"fatal":   zerolog.FatalLevel,
}

// Loader initializes an empty config object and returns a new Loader for this object.
// Flags are left to cobra, the loader only considers testenv.toml and the environment.
func Loader() (*Config, *aconfig.Loader) {
	cfg := Config{}
	return &cfg, aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "TESTENV",
		SkipFlags: true,
		Files:     []string{"testenv.toml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".toml": aconfigtoml.New(),
		},
	})
}

// Validate verifies that all config fields have valid values
func (cfg *Config) Validate() error {
	_, ok := logLevels[cfg.Log.Level]
	if !ok {
		return eris.Errorf(`invalid value for log.level: %s`, cfg.Log.Level)
	}

	if cfg.Script == "" {
		return eris.New("script must not be empty")
	}

	if cfg.StateDir == "" {
		return eris.New("statedir must not be empty")
	}

	if cfg.Journal.Limit < 0 {
		return eris.Errorf("invalid value for journal.limit: %d", cfg.Journal.Limit)
	}

	return nil
}

// LogLevel converts the .Log.Level field to a zerolog.Level
func (cfg *Config) LogLevel() zerolog.Level {
	return logLevels[cfg.Log.Level]
}
