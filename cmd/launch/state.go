package main

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	apiclient "github.com/splax/launchpad/pkg/api/client"
)

const (
	configFile     = "config.json"
	linkMarkerFile = "link-callback"
	projectsFile   = "projects.json"
	projectsMaxAge = 5 * time.Minute
)

type cliConfig struct {
	APIBaseURL   string `json:"api_base_url"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// stateDir holds the CLI's config, link marker and project cache.
type stateDir struct {
	root string
}

func defaultStateDir() (stateDir, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return stateDir{}, err
	}
	return stateDir{root: filepath.Join(base, "launch")}, nil
}

func (s stateDir) path(name string) string {
	return filepath.Join(s.root, name)
}

func (s stateDir) loadConfig(defaultAPI string) (cliConfig, error) {
	var cfg cliConfig
	if err := s.readJSON(configFile, &cfg); err != nil && !errors.Is(err, os.ErrNotExist) {
		return cliConfig{}, err
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = defaultAPI
	}
	return cfg, nil
}

func (s stateDir) saveConfig(cfg cliConfig) error {
	return s.writeJSON(configFile, cfg)
}

// markLinked records that the account-link flow just completed.
func (s stateDir) markLinked() error {
	if err := os.MkdirAll(s.root, 0o700); err != nil {
		return err
	}
	return os.WriteFile(s.path(linkMarkerFile), []byte(time.Now().UTC().Format(time.RFC3339)), 0o600)
}

// Consume reports and clears the link marker so it is honoured once.
func (s stateDir) Consume() (bool, error) {
	err := os.Remove(s.path(linkMarkerFile))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}

type projectCache struct {
	FetchedAt time.Time                  `json:"fetched_at"`
	Projects  []apiclient.StatusDocument `json:"projects"`
}

// cachedProjects returns the cached list when it is younger than maxAge.
func (s stateDir) cachedProjects(now time.Time, maxAge time.Duration) ([]apiclient.StatusDocument, bool) {
	var cache projectCache
	if err := s.readJSON(projectsFile, &cache); err != nil {
		return nil, false
	}
	if now.Sub(cache.FetchedAt) > maxAge {
		return nil, false
	}
	return cache.Projects, true
}

func (s stateDir) storeProjects(now time.Time, projects []apiclient.StatusDocument) error {
	return s.writeJSON(projectsFile, projectCache{FetchedAt: now, Projects: projects})
}

// invalidateProjects drops the cached list so the next read refetches.
func (s stateDir) invalidateProjects() error {
	if err := os.Remove(s.path(projectsFile)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (s stateDir) readJSON(name string, v any) error {
	data, err := os.ReadFile(s.path(name))
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func (s stateDir) writeJSON(name string, v any) error {
	if err := os.MkdirAll(s.root, 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path(name), data, 0o600)
}
