// Package level provides a minimum-severity gate for pipelines.
package level

import (
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/rhizomatics/logship/core"
)

func init() {
	core.RegisterFilterPlugin("level", NewFilterFromConfig)
}

var severityRank = map[string]int{
	"DEBUG":    0,
	"INFO":     1,
	"WARNING":  2,
	"ERROR":    3,
	"CRITICAL": 4,
}

// Config represents level filter configuration.
type Config struct {
	MinLevel string `yaml:"min_level"` // lowest severity the pipeline keeps
}

func (c *Config) applyDefaults() {
	c.MinLevel = strings.ToUpper(c.MinLevel)
}

// Validate checks the configuration after defaults have been applied.
func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.MinLevel,
			validation.Required.Error("min_level is required"),
			validation.In("DEBUG", "INFO", "WARNING", "ERROR", "CRITICAL").
				Error("min_level must be one of DEBUG, INFO, WARNING, ERROR, CRITICAL"),
		),
	)
}

// Filter drops events below a configured severity.
type Filter struct {
	minRank int
}

// NewFilterFromConfig creates a level filter from raw configuration.
func NewFilterFromConfig(config map[string]any) (any, error) {
	var cfg Config
	if err := core.GetPluginConfig(config, &cfg); err != nil {
		return nil, core.NewConfigurationError(err)
	}
	return NewFilter(cfg)
}

// NewFilter creates a new level filter.
func NewFilter(cfg Config) (*Filter, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, core.NewConfigurationError(err)
	}
	return &Filter{minRank: severityRank[cfg.MinLevel]}, nil
}

// Process keeps an event when its severity meets the configured minimum.
// Levels outside the table rank as INFO, matching the exporters' mapping.
func (f *Filter) Process(event *core.LogEvent) bool {
	return rank(event.Level) >= f.minRank
}

func rank(level string) int {
	if r, ok := severityRank[strings.ToUpper(level)]; ok {
		return r
	}
	return severityRank["INFO"]
}
