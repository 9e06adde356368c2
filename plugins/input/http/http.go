// Package httpinput accepts log events over HTTP POST.
package httpinput

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/rhizomatics/logship/core"
	"github.com/rhizomatics/logship/pkg/auth"
	"github.com/rhizomatics/logship/pkg/tlsconfig"
)

func init() {
	core.RegisterInputPlugin("http", NewInputFromConfig)
}

const (
	defaultPort     = 8080
	shutdownTimeout = 5 * time.Second
)

// Config represents HTTP input configuration.
type Config struct {
	Port    int              `yaml:"port,omitempty"`     // listen port, default 8080
	APIKeys []auth.Key       `yaml:"api_keys,omitempty"` // accepted keys; empty disables auth
	TLS     tlsconfig.Config `yaml:"tls,omitempty"`      // serve HTTPS when enabled
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = defaultPort
	}
}

// Validate checks the configuration after defaults have been applied.
func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Port,
			validation.Min(1).Error("port must be between 1 and 65535"),
			validation.Max(65535).Error("port must be between 1 and 65535"),
		),
	)
}

// Input receives events as JSON over POST /events. Payloads are a single
// event object or an array of them, in the shared event shape. When API keys
// are configured every request except GET /health must carry a valid
// X-API-Key header.
type Input struct {
	config    Config
	name      string
	keyring   *auth.Keyring
	tlsConfig *tls.Config
	server    *http.Server
	listener  net.Listener
	eventCh   chan<- *core.LogEvent
	stopCh    chan struct{}
	wg        sync.WaitGroup

	mu      sync.Mutex
	stopped bool
}

// NewInputFromConfig creates an HTTP input from raw configuration.
func NewInputFromConfig(config map[string]any) (any, error) {
	var cfg Config
	if err := core.GetPluginConfig(config, &cfg); err != nil {
		return nil, core.NewConfigurationError(err)
	}
	return NewInput(cfg)
}

// NewInput creates a new HTTP input plugin.
func NewInput(cfg Config) (*Input, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, core.NewConfigurationError(err)
	}
	keyring, err := auth.NewKeyring(cfg.APIKeys...)
	if err != nil {
		return nil, core.NewConfigurationError(err)
	}
	if err := cfg.TLS.Validate(); err != nil {
		return nil, core.NewConfigurationError(err)
	}
	tlsConfig, err := cfg.TLS.ServerConfig()
	if err != nil {
		return nil, core.NewConfigurationError(err)
	}

	return &Input{
		config:    cfg,
		keyring:   keyring,
		tlsConfig: tlsConfig,
		stopCh:    make(chan struct{}),
	}, nil
}

// SetName assigns the instance name stamped on produced events.
func (i *Input) SetName(name string) {
	i.name = name
}

// SetEventChannel sets the channel to send events to.
func (i *Input) SetEventChannel(ch chan<- *core.LogEvent) {
	i.eventCh = ch
}

// routes assembles the endpoint mux wrapped with API-key enforcement.
func (i *Input) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/events", i.handleEvents)
	mux.HandleFunc("/health", i.handleHealth)
	return i.keyring.Middleware(mux)
}

// Start binds the listener and serves in the background. A bind failure is
// returned synchronously so engine setup fails loudly.
func (i *Input) Start() error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", i.config.Port))
	if err != nil {
		return fmt.Errorf("http input listen: %w", err)
	}
	if i.tlsConfig != nil {
		listener = tls.NewListener(listener, i.tlsConfig)
	}
	i.listener = listener
	i.server = &http.Server{
		Handler:           i.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	i.wg.Add(1)
	go func() {
		defer i.wg.Done()
		if err := i.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Printf("[HTTP] Server error: %v", err)
		}
	}()

	scheme := "http"
	if i.tlsConfig != nil {
		scheme = "https"
	}
	log.Printf("[HTTP] Input listening on %s (%s)", listener.Addr(), scheme)
	return nil
}

// Stop shuts the server down gracefully so in-flight requests finish before
// the engine closes the event channel.
func (i *Input) Stop() error {
	i.mu.Lock()
	if i.stopped {
		i.mu.Unlock()
		return nil
	}
	i.stopped = true
	i.mu.Unlock()

	close(i.stopCh)
	if i.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := i.server.Shutdown(ctx); err != nil {
			_ = i.server.Close()
		}
	}
	i.wg.Wait()
	log.Printf("[HTTP] Input stopped")
	return nil
}

// Addr reports the bound listen address, available after Start.
func (i *Input) Addr() string {
	if i.listener == nil {
		return ""
	}
	return i.listener.Addr().String()
}

func (i *Input) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	defer func() {
		_ = r.Body.Close()
	}()

	events, err := i.parsePayload(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	for _, event := range events {
		event.Origin = i.name
		select {
		case i.eventCh <- event:
		case <-i.stopCh:
			writeError(w, http.StatusServiceUnavailable, "shutting down")
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	fmt.Fprintf(w, `{"accepted":%d}`, len(events))
}

func (i *Input) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// parsePayload decodes a single event object or an array of them. A payload
// with any invalid element is rejected whole.
func (i *Input) parsePayload(body []byte) ([]*core.LogEvent, error) {
	trimmed := firstByte(body)
	if trimmed == '[' {
		var raw []json.RawMessage
		if err := json.Unmarshal(body, &raw); err != nil {
			return nil, fmt.Errorf("invalid event array: %w", err)
		}
		events := make([]*core.LogEvent, 0, len(raw))
		for idx, item := range raw {
			event, err := core.ParseEvent(item)
			if err != nil {
				return nil, fmt.Errorf("event %d: %w", idx, err)
			}
			events = append(events, event)
		}
		if len(events) == 0 {
			return nil, fmt.Errorf("empty event array")
		}
		return events, nil
	}

	event, err := core.ParseEvent(body)
	if err != nil {
		return nil, err
	}
	return []*core.LogEvent{event}, nil
}

// firstByte returns the first non-whitespace byte, or 0 for a blank payload.
func firstByte(body []byte) byte {
	for _, b := range body {
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		}
		return b
	}
	return 0
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error":%q}`, message)
}
