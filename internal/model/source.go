package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Source is the static descriptor of an external data system.
// It is immutable for the lifetime of a job.
type Source struct {
	Code               string            `yaml:"code" json:"code"`
	Name               string            `yaml:"name" json:"name"`
	Strategy           string            `yaml:"strategy" json:"strategy"`
	BaseURL            string            `yaml:"base_url" json:"base_url"`
	Endpoint           string            `yaml:"endpoint" json:"endpoint"`
	AlternateEndpoints []string          `yaml:"alternate_endpoints" json:"alternate_endpoints,omitempty"`
	PageURL            string            `yaml:"page_url" json:"page_url,omitempty"`
	EmbeddedScriptID   string            `yaml:"embedded_script_id" json:"embedded_script_id,omitempty"`
	HealthURL          string            `yaml:"health_url" json:"health_url,omitempty"`
	RateLimit          float64           `yaml:"rate_limit" json:"rate_limit"`
	Timeout            time.Duration     `yaml:"timeout" json:"timeout"`
	RetryAttempts      int               `yaml:"retry_attempts" json:"retry_attempts"`
	RetryBackoff       time.Duration     `yaml:"retry_backoff" json:"retry_backoff"`
	RateLimitCooldown  time.Duration     `yaml:"rate_limit_cooldown" json:"rate_limit_cooldown"`
	Headers            map[string]string `yaml:"headers" json:"-"`
	Credentials        []string          `yaml:"credentials" json:"-"`
	ChunkSize          int               `yaml:"chunk_size" json:"chunk_size"`
	FreshnessWindow    time.Duration     `yaml:"freshness_window" json:"freshness_window"`
	RuntimeBudget      time.Duration     `yaml:"runtime_budget" json:"runtime_budget"`
}

// ItemMode reports whether the endpoint addresses a single record by id
func (s Source) ItemMode() bool {
	return strings.Contains(s.Endpoint, "{id}")
}

// ValidateRange checks a job range against how the source addresses records.
// List-mode positions start at 1.
func (s Source) ValidateRange(start, end int64) error {
	if !s.ItemMode() && start < 1 {
		return fmt.Errorf("%w: %s addresses records by position starting at 1, got [%d, %d]", ErrInvalidRange, s.Code, start, end)
	}
	return nil
}

// ListOffset is the zero-based offset of a 1-based list position
func ListOffset(position int64) int64 {
	return max(position-1, 0)
}

// ExpandEndpoint substitutes the {id}, {limit} and {offset} placeholders of a pattern
func ExpandEndpoint(pattern string, id, limit, offset int64) string {
	return strings.NewReplacer(
		"{id}", strconv.FormatInt(id, 10),
		"{limit}", strconv.FormatInt(limit, 10),
		"{offset}", strconv.FormatInt(offset, 10),
	).Replace(pattern)
}
