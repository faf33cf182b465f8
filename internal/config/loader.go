package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const (
	userConfigDir  = ".config/paymcp"
	configFileName = "config.yaml"
)

// GetDefaultConfigPathOrPanic returns ~/.config/paymcp.
func GetDefaultConfigPathOrPanic() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		panic(fmt.Errorf("could not determine user config directory: %w", err))
	}

	return filepath.Join(homeDir, userConfigDir)
}

// ConfigFilePath returns the config.yaml path inside configPath.
func ConfigFilePath(configPath string) string {
	return filepath.Join(configPath, configFileName)
}

// LoadConfig loads config.yaml from configPath. Values in the file are
// layered over GetDefaultConfig; a missing file yields the defaults.
func LoadConfig(configPath string) (Config, error) {
	return LoadConfigFile(ConfigFilePath(configPath))
}

// LoadConfigFile loads a single YAML file over the defaults.
func LoadConfigFile(path string) (Config, error) {
	config := GetDefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return config, nil
		}
		return Config{}, fmt.Errorf("error reading config from %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return Config{}, &ConfigurationError{
			Field:     path,
			ErrorType: ErrorTypeParse,
			Message:   "malformed YAML",
			Details:   err.Error(),
		}
	}
	return config, nil
}
