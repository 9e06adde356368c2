// Package sloginput bridges in-process log/slog records into the engine, so
// an application embedding the agent can ship its own logs without an
// intermediate transport.
package sloginput

import (
	"context"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/rhizomatics/logship/core"
)

func init() {
	core.RegisterInputPlugin("slog", NewInputFromConfig)
}

const defaultQueueSize = 1024

var levelByName = map[string]slog.Level{
	"DEBUG":    slog.LevelDebug,
	"INFO":     slog.LevelInfo,
	"WARNING":  slog.LevelWarn,
	"ERROR":    slog.LevelError,
	"CRITICAL": slog.LevelError + 4,
}

// Config represents slog input configuration.
type Config struct {
	MinLevel   string `yaml:"min_level,omitempty"`   // lowest level forwarded, default DEBUG
	SetDefault *bool  `yaml:"set_default,omitempty"` // install as the process default logger
	QueueSize  int    `yaml:"queue_size,omitempty"`  // handler-side buffer, default 1024
}

func (c *Config) applyDefaults() {
	c.MinLevel = strings.ToUpper(c.MinLevel)
	if c.MinLevel == "" {
		c.MinLevel = "DEBUG"
	}
	if c.SetDefault == nil {
		setDefault := true
		c.SetDefault = &setDefault
	}
	if c.QueueSize == 0 {
		c.QueueSize = defaultQueueSize
	}
}

// Validate checks the configuration after defaults have been applied.
func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.MinLevel,
			validation.In("DEBUG", "INFO", "WARNING", "ERROR", "CRITICAL").
				Error("min_level must be one of DEBUG, INFO, WARNING, ERROR, CRITICAL"),
		),
		validation.Field(&c.QueueSize,
			validation.Min(1).Error("queue_size must be positive"),
		),
	)
}

// Input owns the slog handler and a forwarder goroutine. Handle never blocks
// the logging caller: records are queued and a saturated queue drops rather
// than stalls.
type Input struct {
	config   Config
	minLevel slog.Level
	name     string
	eventCh  chan<- *core.LogEvent
	queue    chan *core.LogEvent
	done     chan struct{}
	wg       sync.WaitGroup
	previous *slog.Logger
	stopped  bool
}

// NewInputFromConfig creates a slog input from raw configuration.
func NewInputFromConfig(config map[string]any) (any, error) {
	var cfg Config
	if err := core.GetPluginConfig(config, &cfg); err != nil {
		return nil, core.NewConfigurationError(err)
	}
	return NewInput(cfg)
}

// NewInput creates a new slog input plugin.
func NewInput(cfg Config) (*Input, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, core.NewConfigurationError(err)
	}
	return &Input{
		config:   cfg,
		minLevel: levelByName[cfg.MinLevel],
		queue:    make(chan *core.LogEvent, cfg.QueueSize),
		done:     make(chan struct{}),
	}, nil
}

// SetName assigns the instance name stamped on produced events.
func (s *Input) SetName(name string) {
	s.name = name
}

// SetEventChannel sets the channel to send events to.
func (s *Input) SetEventChannel(ch chan<- *core.LogEvent) {
	s.eventCh = ch
}

// Handler returns the bridge as a slog.Handler for applications that wire
// their own logger instead of the process default.
func (s *Input) Handler() slog.Handler {
	return &handler{input: s}
}

// Start launches the forwarder and, unless disabled, installs the bridge as
// the process default logger.
func (s *Input) Start() error {
	if *s.config.SetDefault {
		s.previous = slog.Default()
		slog.SetDefault(slog.New(s.Handler()))
	}
	s.wg.Add(1)
	go s.forward()
	return nil
}

// Stop restores the previous default logger and drains what the queue
// already holds.
func (s *Input) Stop() error {
	if s.stopped {
		return nil
	}
	s.stopped = true

	if s.previous != nil {
		slog.SetDefault(s.previous)
	}
	close(s.done)
	s.wg.Wait()
	return nil
}

func (s *Input) forward() {
	defer s.wg.Done()
	for {
		select {
		case event := <-s.queue:
			select {
			case s.eventCh <- event:
			case <-s.done:
				return
			}
		case <-s.done:
			for {
				select {
				case event := <-s.queue:
					select {
					case s.eventCh <- event:
					default:
						return
					}
				default:
					return
				}
			}
		}
	}
}

// enqueue hands a record to the forwarder. Dropping on a full queue keeps
// the caller's log call from ever blocking on the pipeline.
func (s *Input) enqueue(event *core.LogEvent) {
	select {
	case s.queue <- event:
	default:
	}
}

// handler renders slog records into LogEvents. Group names qualify attribute
// keys; an "error" attribute becomes the event's exception.
type handler struct {
	input  *Input
	attrs  []slog.Attr
	groups []string
}

func (h *handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.input.minLevel
}

func (h *handler) Handle(_ context.Context, r slog.Record) error {
	timestamp := r.Time
	if timestamp.IsZero() {
		timestamp = time.Now()
	}
	event := &core.LogEvent{
		Level:     levelName(r.Level),
		Timestamp: timestamp,
		Origin:    h.input.name,
	}

	fields := make([]string, 0, r.NumAttrs()+len(h.attrs))
	appendAttr := func(a slog.Attr) {
		if a.Key == "" {
			return
		}
		value := a.Value.Resolve()
		if a.Key == "error" && event.Exception == "" {
			if err, ok := value.Any().(error); ok {
				event.Exception = err.Error()
				return
			}
		}
		fields = append(fields, a.Key+"="+value.String())
	}

	for _, a := range h.attrs {
		appendAttr(a)
	}
	r.Attrs(func(a slog.Attr) bool {
		appendAttr(h.qualified(a))
		return true
	})

	msg := r.Message
	if len(fields) > 0 {
		msg += " " + strings.Join(fields, " ")
	}
	event.Message = []string{msg}

	if r.PC != 0 {
		frames := runtime.CallersFrames([]uintptr{r.PC})
		frame, _ := frames.Next()
		if frame.File != "" {
			event.Source = &core.SourceRef{Path: frame.File, Line: frame.Line}
		}
	}

	h.input.enqueue(event)
	return nil
}

// WithAttrs stores the attributes qualified with the groups open right now,
// per the handler contract.
func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	h2 := *h
	h2.attrs = make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	h2.attrs = append(h2.attrs, h.attrs...)
	for _, a := range attrs {
		a.Key = h.qualifiedKey(a.Key)
		h2.attrs = append(h2.attrs, a)
	}
	return &h2
}

func (h *handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	h2 := *h
	h2.groups = make([]string, 0, len(h.groups)+1)
	h2.groups = append(h2.groups, h.groups...)
	h2.groups = append(h2.groups, name)
	return &h2
}

func (h *handler) qualified(a slog.Attr) slog.Attr {
	a.Key = h.qualifiedKey(a.Key)
	return a
}

func (h *handler) qualifiedKey(key string) string {
	if len(h.groups) == 0 || key == "" {
		return key
	}
	return strings.Join(h.groups, ".") + "." + key
}

func levelName(level slog.Level) string {
	switch {
	case level < slog.LevelInfo:
		return "DEBUG"
	case level < slog.LevelWarn:
		return "INFO"
	case level < slog.LevelError:
		return "WARNING"
	case level < slog.LevelError+4:
		return "ERROR"
	default:
		return "CRITICAL"
	}
}
