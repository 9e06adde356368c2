// Package kafkainput consumes log events from a Kafka topic.
package kafkainput

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl/plain"

	"github.com/rhizomatics/logship/core"
	"github.com/rhizomatics/logship/pkg/tlsconfig"
)

func init() {
	core.RegisterInputPlugin("kafka", NewInputFromConfig)
}

const defaultMaxBytes = 10 * 1024 * 1024

// Config represents Kafka input configuration.
type Config struct {
	Brokers     []string         `yaml:"brokers"`
	Topic       string           `yaml:"topic"`
	GroupID     string           `yaml:"group_id,omitempty"`     // enables committed offsets
	StartOffset string           `yaml:"start_offset,omitempty"` // earliest, latest or a number
	MinBytes    int              `yaml:"min_bytes,omitempty"`
	MaxBytes    int              `yaml:"max_bytes,omitempty"`
	ClientID    string           `yaml:"client_id,omitempty"`
	Username    string           `yaml:"username,omitempty"` // SASL/PLAIN credentials
	Password    string           `yaml:"password,omitempty"`
	TLS         tlsconfig.Config `yaml:"tls,omitempty"`
}

// Validate checks the configuration.
func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Brokers, validation.Required.Error("at least one broker is required")),
		validation.Field(&c.Topic, validation.Required.Error("topic is required")),
		validation.Field(&c.MinBytes, validation.Min(0)),
		validation.Field(&c.MaxBytes, validation.Min(0)),
	)
}

// Input consumes messages from one topic and forwards each as a LogEvent.
// Message values in the shared JSON event shape are parsed; anything else
// becomes a plain INFO event carrying the raw value.
type Input struct {
	name    string
	topic   string
	groupID string
	brokers []string
	eventCh chan<- *core.LogEvent
	reader  *kafka.Reader

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped bool
}

// NewInputFromConfig creates a Kafka input from raw configuration.
func NewInputFromConfig(config map[string]any) (any, error) {
	var cfg Config
	if err := core.GetPluginConfig(config, &cfg); err != nil {
		return nil, core.NewConfigurationError(err)
	}
	return NewInput(cfg)
}

// NewInput creates a new Kafka input plugin.
func NewInput(cfg Config) (*Input, error) {
	if err := cfg.Validate(); err != nil {
		return nil, core.NewConfigurationError(err)
	}
	if err := cfg.TLS.Validate(); err != nil {
		return nil, core.NewConfigurationError(err)
	}
	startOffset, err := parseStartOffset(cfg.StartOffset)
	if err != nil {
		return nil, core.NewConfigurationError(err)
	}
	// Consumer groups only support the first/last sentinels; absolute
	// offsets require a plain partition reader.
	if cfg.GroupID != "" && startOffset != kafka.FirstOffset && startOffset != kafka.LastOffset {
		return nil, core.NewConfigurationError(fmt.Errorf("a numeric start_offset cannot be combined with group_id"))
	}

	minBytes := cfg.MinBytes
	if minBytes <= 0 {
		minBytes = 1
	}
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}

	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	if cfg.ClientID != "" {
		dialer.ClientID = cfg.ClientID
	}
	if cfg.TLS.Enabled {
		tlsConfig, err := cfg.TLS.ClientConfig()
		if err != nil {
			return nil, core.NewConfigurationError(err)
		}
		dialer.TLS = tlsConfig
	}
	if cfg.Username != "" && cfg.Password != "" {
		dialer.SASLMechanism = plain.Mechanism{
			Username: cfg.Username,
			Password: cfg.Password,
		}
	}

	readerCfg := kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: minBytes,
		MaxBytes: maxBytes,
		Dialer:   dialer,
	}
	if cfg.GroupID != "" {
		readerCfg.StartOffset = startOffset
	}

	reader := kafka.NewReader(readerCfg)
	if cfg.GroupID == "" {
		if err := reader.SetOffset(startOffset); err != nil {
			_ = reader.Close()
			return nil, core.NewConfigurationError(err)
		}
	}

	return &Input{
		topic:   cfg.Topic,
		groupID: cfg.GroupID,
		brokers: cfg.Brokers,
		reader:  reader,
	}, nil
}

// SetName assigns the instance name stamped on produced events.
func (k *Input) SetName(name string) {
	k.name = name
}

// SetEventChannel sets the channel to send events to.
func (k *Input) SetEventChannel(ch chan<- *core.LogEvent) {
	k.eventCh = ch
}

// Start launches the background consume loop.
func (k *Input) Start() error {
	if k.ctx != nil {
		return fmt.Errorf("kafka input already started")
	}
	k.ctx, k.cancel = context.WithCancel(context.Background())
	k.wg.Add(1)
	go k.consumeLoop()

	log.Printf("[KAFKA] Input started (topic=%s, brokers=%v, group=%s)", k.topic, k.brokers, k.groupID)
	return nil
}

// Stop cancels consumption and waits for the loop to finish.
func (k *Input) Stop() error {
	if k.stopped {
		return nil
	}
	k.stopped = true

	if k.cancel != nil {
		k.cancel()
	}
	k.wg.Wait()
	if err := k.reader.Close(); err != nil {
		log.Printf("[KAFKA] Close error: %v", err)
	}
	log.Printf("[KAFKA] Input stopped")
	return nil
}

func (k *Input) consumeLoop() {
	defer k.wg.Done()

	for {
		msg, err := k.reader.FetchMessage(k.ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || k.ctx.Err() != nil {
				return
			}
			log.Printf("[KAFKA] Fetch error: %v", err)
			select {
			case <-time.After(time.Second):
			case <-k.ctx.Done():
				return
			}
			continue
		}

		event := k.buildEvent(msg)
		select {
		case k.eventCh <- event:
		case <-k.ctx.Done():
			return
		}

		if k.groupID != "" {
			if err := k.reader.CommitMessages(k.ctx, msg); err != nil {
				if k.ctx.Err() != nil {
					return
				}
				log.Printf("[KAFKA] Commit error: %v", err)
			}
		}
	}
}

// buildEvent parses the message value as a JSON event, falling back to a
// plain INFO line. A "level" message header overrides the fallback level.
func (k *Input) buildEvent(msg kafka.Message) *core.LogEvent {
	event, err := core.ParseEvent(msg.Value)
	if err != nil {
		level := "INFO"
		for _, header := range msg.Headers {
			if strings.EqualFold(header.Key, "level") {
				level = string(header.Value)
			}
		}
		event = core.NewLogEvent(level, string(msg.Value))
	}
	event.Origin = k.name
	return event
}

func parseStartOffset(raw string) (int64, error) {
	if raw == "" {
		return kafka.LastOffset, nil
	}
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "earliest", "first", "beginning":
		return kafka.FirstOffset, nil
	case "latest", "last", "end":
		return kafka.LastOffset, nil
	}
	offset, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid start_offset %q", raw)
	}
	return offset, nil
}
