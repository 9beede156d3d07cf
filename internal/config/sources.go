package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"projectsync/internal/model"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type sourcesFile struct {
	Sources []model.Source `yaml:"sources"`
}

// Validation collects hard errors and soft warnings for the sources file
type Validation struct {
	Errors   []string
	Warnings []string
}

func (v Validation) Err() error {
	if len(v.Errors) == 0 {
		return nil
	}
	return errors.New("invalid sources: " + strings.Join(v.Errors, "; "))
}

// LoadSources reads source descriptors from a YAML file, fills defaults and validates them
func LoadSources(path string) ([]model.Source, Validation, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, Validation{}, fmt.Errorf("error reading sources file: %w", err)
	}
	return ParseSources(b)
}

// ParseSources decodes and normalizes YAML source descriptors
func ParseSources(b []byte) ([]model.Source, Validation, error) {
	var f sourcesFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, Validation{}, fmt.Errorf("error parsing sources file: %w", err)
	}

	v := NormalizeAndValidate(f.Sources)
	if err := v.Err(); err != nil {
		return nil, v, err
	}
	return f.Sources, v, nil
}

// NormalizeAndValidate fills per-source defaults in place and reports problems
func NormalizeAndValidate(sources []model.Source) Validation {
	var v Validation
	seen := map[string]bool{}

	for i := range sources {
		s := &sources[i]
		s.Code = strings.ToLower(strings.TrimSpace(s.Code))
		s.Strategy = strings.ToLower(strings.TrimSpace(s.Strategy))
		s.BaseURL = strings.TrimRight(strings.TrimSpace(s.BaseURL), "/")

		if s.Code == "" {
			v.Errors = append(v.Errors, fmt.Sprintf("sources[%d]: code is required", i))
			continue
		}
		if seen[s.Code] {
			v.Errors = append(v.Errors, fmt.Sprintf("%s: duplicate source code", s.Code))
		}
		seen[s.Code] = true

		if s.Strategy == "" {
			s.Strategy = s.Code
		}
		if s.Name == "" {
			s.Name = strings.ToUpper(s.Code)
		}
		if _, err := url.ParseRequestURI(s.BaseURL); err != nil || s.BaseURL == "" {
			v.Errors = append(v.Errors, fmt.Sprintf("%s: base_url %q is not a valid URL", s.Code, s.BaseURL))
		}
		if s.Endpoint == "" {
			v.Errors = append(v.Errors, fmt.Sprintf("%s: endpoint is required", s.Code))
		} else if !s.ItemMode() && !strings.Contains(s.Endpoint, "{offset}") {
			v.Warnings = append(v.Warnings, fmt.Sprintf("%s: list endpoint has no {offset} placeholder", s.Code))
		}

		if s.RateLimit <= 0 {
			s.RateLimit = 2
		}
		if s.Timeout <= 0 {
			s.Timeout = 30 * time.Second
		}
		if s.RetryAttempts <= 0 {
			s.RetryAttempts = 3
		}
		if s.RetryBackoff <= 0 {
			s.RetryBackoff = 2 * time.Second
		}
		if s.RateLimitCooldown <= 0 {
			s.RateLimitCooldown = 60 * time.Second
		}
		if s.EmbeddedScriptID == "" {
			s.EmbeddedScriptID = "__NEXT_DATA__"
		}
		if s.PageURL == "" {
			v.Warnings = append(v.Warnings, fmt.Sprintf("%s: no page_url, embedded page fallback disabled", s.Code))
		}
		if s.ChunkSize < 0 {
			v.Errors = append(v.Errors, fmt.Sprintf("%s: chunk_size must be positive", s.Code))
		}
	}

	return v
}
