// Package regex provides pattern-based include/exclude gating for pipelines.
package regex

import (
	"fmt"
	"regexp"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/rhizomatics/logship/core"
)

func init() {
	core.RegisterFilterPlugin("regex", NewFilterFromConfig)
}

const (
	ModeInclude = "include"
	ModeExclude = "exclude"

	FieldMessage = "message"
	FieldLevel   = "level"
	FieldAll     = "all"
)

// Config represents regex filter configuration.
type Config struct {
	Patterns []string `yaml:"patterns"`        // RE2 patterns, any match counts
	Mode     string   `yaml:"mode,omitempty"`  // include keeps matches, exclude drops them
	Field    string   `yaml:"field,omitempty"` // text to match: message, level or all
}

func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = ModeInclude
	}
	if c.Field == "" {
		c.Field = FieldMessage
	}
}

// Validate checks the configuration after defaults have been applied.
func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Patterns,
			validation.Required.Error("at least one pattern is required"),
		),
		validation.Field(&c.Mode,
			validation.In(ModeInclude, ModeExclude).Error("mode must be include or exclude"),
		),
		validation.Field(&c.Field,
			validation.In(FieldMessage, FieldLevel, FieldAll).Error("field must be message, level or all"),
		),
	)
}

// Filter keeps or drops events by matching regular expressions against
// event text.
type Filter struct {
	patterns []*regexp.Regexp
	exclude  bool
	field    string
}

// NewFilterFromConfig creates a regex filter from raw configuration.
func NewFilterFromConfig(config map[string]any) (any, error) {
	var cfg Config
	if err := core.GetPluginConfig(config, &cfg); err != nil {
		return nil, core.NewConfigurationError(err)
	}
	return NewFilter(cfg)
}

// NewFilter creates a new regex filter. Patterns that do not compile
// abort construction.
func NewFilter(cfg Config) (*Filter, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, core.NewConfigurationError(err)
	}

	patterns := make([]*regexp.Regexp, 0, len(cfg.Patterns))
	for _, pattern := range cfg.Patterns {
		compiled, err := regexp.Compile(pattern)
		if err != nil {
			return nil, core.NewConfigurationError(fmt.Errorf("invalid pattern %q: %w", pattern, err))
		}
		patterns = append(patterns, compiled)
	}

	return &Filter{
		patterns: patterns,
		exclude:  cfg.Mode == ModeExclude,
		field:    cfg.Field,
	}, nil
}

// Process keeps an event when the match result agrees with the mode.
func (f *Filter) Process(event *core.LogEvent) bool {
	text := f.text(event)
	matched := false
	for _, pattern := range f.patterns {
		if pattern.MatchString(text) {
			matched = true
			break
		}
	}
	if f.exclude {
		return !matched
	}
	return matched
}

func (f *Filter) text(event *core.LogEvent) string {
	switch f.field {
	case FieldLevel:
		return event.Level
	case FieldAll:
		return event.Level + " " + strings.Join(event.Message, " ")
	default:
		return strings.Join(event.Message, " ")
	}
}
