package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	apiclient "github.com/42yash/pyk8s-labs/pkg/api/client"
	"github.com/42yash/pyk8s-labs/pkg/config"
)

type cliConfig struct {
	APIBaseURL  string `yaml:"api_base_url"`
	AccessToken string `yaml:"access_token,omitempty"`
	Email       string `yaml:"email,omitempty"`
}

func loadConfig() (cliConfig, error) {
	cfg := cliConfig{}
	path, err := configPath()
	if err != nil {
		return cfg, err
	}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return cfg, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cliConfig{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	cfg.APIBaseURL = config.GetString("LAB_API_URL", cfg.APIBaseURL)
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = apiclient.DefaultBaseURL
	}
	return cfg, nil
}

func saveConfig(cfg cliConfig) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func configPath() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "pyk8s-lab", "config.yaml"), nil
}

// session returns a client and the stored token, failing when not logged in.
func session() (*apiclient.Client, string, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, "", err
	}
	token := strings.TrimSpace(cfg.AccessToken)
	if token == "" {
		return nil, "", errors.New("please login first using 'lab login'")
	}
	client, err := apiclient.New(cfg.APIBaseURL)
	if err != nil {
		return nil, "", err
	}
	return client, token, nil
}
