// Package config implements the layered configuration loader shared by
// cmd/ingestor, cmd/processor, and cmd/delivery: a .env file, then
// config.base.yaml, then config.{environment}.yaml, then
// config.{environment}.local.yaml, then environment variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Loader merges configuration files into a single viper instance.
type Loader struct {
	configPath string
	viper      *viper.Viper
}

// NewLoader creates a Loader rooted at configPath (a directory containing
// config.base.yaml and friends).
func NewLoader(configPath string) *Loader {
	return &Loader{configPath: configPath, viper: viper.New()}
}

// LoadEnvironment loads .env.{environment} (or plain .env for "development"
// or ""), then layers config.base.yaml -> config.{environment}.yaml ->
// config.{environment}.local.yaml on top of each other via viper, finally
// letting environment variables override any key (AutomaticEnv, "." -> "_").
func (l *Loader) LoadEnvironment(environment string) error {
	envFile := fmt.Sprintf(".env.%s", environment)
	if environment == "" || environment == "development" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("loading env file %s: %w", envFile, err)
		}
	}

	l.viper.SetConfigType("yaml")
	l.viper.AutomaticEnv()
	l.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	base := filepath.Join(l.configPath, "config.base.yaml")
	if err := l.loadConfigFile(base); err != nil {
		return fmt.Errorf("loading base config: %w", err)
	}

	envConfig := filepath.Join(l.configPath, fmt.Sprintf("config.%s.yaml", environment))
	if _, err := os.Stat(envConfig); err == nil {
		if err := l.loadConfigFile(envConfig); err != nil {
			return fmt.Errorf("loading environment config: %w", err)
		}
	}

	localConfig := filepath.Join(l.configPath, fmt.Sprintf("config.%s.local.yaml", environment))
	if _, err := os.Stat(localConfig); err == nil {
		if err := l.loadConfigFile(localConfig); err != nil {
			return fmt.Errorf("loading local config: %w", err)
		}
	}

	return nil
}

// loadConfigFile reads filename, expands ${VAR} references against the
// process environment, and merges it into the viper instance. A "_base" key
// at the top level names another file in the same directory to load first,
// matching the teacher's layering convention.
func (l *Loader) loadConfigFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}

	expanded := os.ExpandEnv(string(data))

	var raw map[string]interface{}
	if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
		return err
	}

	if base, ok := raw["_base"].(string); ok {
		basePath := filepath.Join(l.configPath, base)
		if err := l.loadConfigFile(basePath); err != nil {
			return fmt.Errorf("loading base config %s: %w", base, err)
		}
		delete(raw, "_base")
	}

	return l.viper.MergeConfigMap(raw)
}

// Unmarshal decodes the fully merged configuration into rawVal.
func (l *Loader) Unmarshal(rawVal interface{}) error {
	return l.viper.Unmarshal(rawVal)
}

// IsSet reports whether key has a value set anywhere in the layered config.
func (l *Loader) IsSet(key string) bool { return l.viper.IsSet(key) }

// GetString returns a string configuration value.
func (l *Loader) GetString(key string) string { return l.viper.GetString(key) }

// Load is the convenience entrypoint used by cmd/ main functions: resolve
// the environment (defaulting to $ENVIRONMENT, then "development"), load the
// layered config, and unmarshal it into a Settings value.
func Load(configPath, environment string) (*Settings, error) {
	if environment == "" {
		environment = os.Getenv("ENVIRONMENT")
	}
	if environment == "" {
		environment = "development"
	}

	loader := NewLoader(configPath)
	if err := loader.LoadEnvironment(environment); err != nil {
		return nil, err
	}

	settings := DefaultSettings()
	if err := loader.Unmarshal(settings); err != nil {
		return nil, fmt.Errorf("unmarshaling settings: %w", err)
	}
	settings.Environment = environment

	if err := settings.Validate(); err != nil {
		return nil, err
	}

	return settings, nil
}
