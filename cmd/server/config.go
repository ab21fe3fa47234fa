package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const apiBaseURLEnv = "LEXCHAT_API_BASE_URL"

type config struct {
	Port       string `yaml:"port"`
	APIBaseURL string `yaml:"apiBaseURL"`
	DBPath     string `yaml:"dbPath"`
	LogLevel   string `yaml:"logLevel"`
	LogMode    string `yaml:"logMode"`
}

func defaultConfig() config {
	return config{
		Port:       "8080",
		APIBaseURL: "http://localhost:8081",
		LogLevel:   "info",
		LogMode:    "text",
	}
}

// loadConfig reads the YAML file at path over the defaults. A missing file leaves the defaults in
// place. LEXCHAT_API_BASE_URL, when set, wins over the file.
func loadConfig(path string) (config, error) {
	cfg := defaultConfig()

	f, err := os.Open(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return config{}, fmt.Errorf("error opening config file: %w", err)
	default:
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return config{}, fmt.Errorf("error decoding config file: %w", err)
		}
	}

	if v := os.Getenv(apiBaseURLEnv); v != "" {
		cfg.APIBaseURL = v
	}
	if cfg.APIBaseURL == "" {
		return config{}, errors.New("apiBaseURL is required")
	}
	if cfg.Port == "" {
		cfg.Port = defaultConfig().Port
	}

	return cfg, nil
}

func (c config) logger(w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(c.LogMode) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log mode %q", c.LogMode)
	}
}
