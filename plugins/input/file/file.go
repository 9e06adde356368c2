// Package fileinput tails a JSON-lines log file.
package fileinput

import (
	"bufio"
	"errors"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/rhizomatics/logship/core"
)

func init() {
	core.RegisterInputPlugin("file", NewInputFromConfig)
}

// Where to begin reading an existing file.
const (
	StartAtBeginning = "beginning"
	StartAtEnd       = "end"
)

const defaultPollInterval = 1.0

// Config represents file input configuration.
type Config struct {
	Path         string  `yaml:"path"`                    // file to tail (required)
	StartAt      string  `yaml:"start_at,omitempty"`      // beginning or end
	PollInterval float64 `yaml:"poll_interval,omitempty"` // seconds between EOF polls
}

func (c *Config) applyDefaults() {
	if c.StartAt == "" {
		c.StartAt = StartAtBeginning
	}
	if c.PollInterval == 0 {
		c.PollInterval = defaultPollInterval
	}
}

// Validate checks the configuration after defaults have been applied.
func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Path, validation.Required.Error("path is required")),
		validation.Field(&c.StartAt,
			validation.In(StartAtBeginning, StartAtEnd).Error("start_at must be beginning or end"),
		),
		validation.Field(&c.PollInterval,
			validation.Min(0.0).Exclusive().Error("poll_interval must be positive"),
		),
	)
}

func (c Config) pollInterval() time.Duration {
	return time.Duration(c.PollInterval * float64(time.Second))
}

// Input tails one file and forwards each complete line as a LogEvent. Lines
// in the shared JSON event shape are parsed; anything else becomes a plain
// INFO event. Truncation rewinds to the start of the file.
type Input struct {
	config  Config
	name    string
	file    *os.File
	eventCh chan<- *core.LogEvent
	stopCh  chan struct{}
	wg      sync.WaitGroup
	stopped bool
}

// NewInputFromConfig creates a file input from raw configuration.
func NewInputFromConfig(config map[string]any) (any, error) {
	var cfg Config
	if err := core.GetPluginConfig(config, &cfg); err != nil {
		return nil, core.NewConfigurationError(err)
	}
	return NewInput(cfg)
}

// NewInput creates a new file input plugin.
func NewInput(cfg Config) (*Input, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, core.NewConfigurationError(err)
	}
	return &Input{
		config: cfg,
		stopCh: make(chan struct{}),
	}, nil
}

// SetName assigns the instance name stamped on produced events.
func (f *Input) SetName(name string) {
	f.name = name
}

// SetEventChannel sets the channel to send events to.
func (f *Input) SetEventChannel(ch chan<- *core.LogEvent) {
	f.eventCh = ch
}

// Start opens the file and begins tailing it.
func (f *Input) Start() error {
	file, err := os.Open(f.config.Path)
	if err != nil {
		return err
	}
	if f.config.StartAt == StartAtEnd {
		if _, err := file.Seek(0, io.SeekEnd); err != nil {
			_ = file.Close()
			return err
		}
	}
	f.file = file

	f.wg.Add(1)
	go f.tail()
	log.Printf("[FILE] Tailing %s from the %s", f.config.Path, f.config.StartAt)
	return nil
}

// Stop halts tailing and closes the file.
func (f *Input) Stop() error {
	if f.stopped {
		return nil
	}
	f.stopped = true

	close(f.stopCh)
	f.wg.Wait()
	var err error
	if f.file != nil {
		err = f.file.Close()
	}
	log.Printf("[FILE] Stopped tailing %s", f.config.Path)
	return err
}

// tail reads complete lines, sleeping at EOF until more data is appended. A
// partial line without a newline is held back until its newline arrives.
func (f *Input) tail() {
	defer f.wg.Done()

	reader := bufio.NewReader(f.file)
	pending := ""
	for {
		chunk, err := reader.ReadString('\n')
		pending += chunk

		if err == nil {
			f.emit(pending)
			pending = ""
			continue
		}
		if !errors.Is(err, io.EOF) {
			log.Printf("[FILE] Read error on %s: %v", f.config.Path, err)
			return
		}

		select {
		case <-f.stopCh:
			return
		case <-time.After(f.config.pollInterval()):
		}

		if f.truncated(reader) {
			if _, err := f.file.Seek(0, io.SeekStart); err != nil {
				log.Printf("[FILE] Seek error on %s: %v", f.config.Path, err)
				return
			}
			reader.Reset(f.file)
			pending = ""
			log.Printf("[FILE] %s was truncated, restarting from the top", f.config.Path)
		}
	}
}

// truncated reports whether the file has shrunk below the position already
// read, which signals rotation-in-place. A growing file never stats smaller
// than a prior read offset.
func (f *Input) truncated(reader *bufio.Reader) bool {
	info, err := os.Stat(f.config.Path)
	if err != nil {
		return false
	}
	pos, err := f.file.Seek(0, io.SeekCurrent)
	if err != nil {
		return false
	}
	return info.Size() < pos-int64(reader.Buffered())
}

func (f *Input) emit(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	event := f.parseLine(line)
	select {
	case f.eventCh <- event:
	case <-f.stopCh:
	}
}

// parseLine decodes one JSON event line, falling back to a plain INFO event
// carrying the raw line.
func (f *Input) parseLine(line string) *core.LogEvent {
	event, err := core.ParseEvent([]byte(line))
	if err != nil {
		event = core.NewLogEvent("INFO", line)
	}
	event.Origin = f.name
	return event
}
