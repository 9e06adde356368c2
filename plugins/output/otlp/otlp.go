package otlp

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"

	"github.com/rhizomatics/logship/core"
	otlplog "github.com/rhizomatics/logship/pkg/otlp"
)

func init() {
	core.RegisterOutputPlugin("otlp", NewOutputFromConfig)
}

// Encodings accepted by the `encoding` option.
const (
	EncodingJSON     = "json"
	EncodingProtobuf = "protobuf"
)

const (
	defaultPort          = 4318
	defaultPath          = "/v1/logs"
	defaultServiceName   = "logship"
	defaultBatchMaxSize  = 20
	defaultFlushInterval = 120.0
	defaultTimeout       = 10.0

	contentTypeJSON     = "application/json"
	contentTypeProtobuf = "application/x-protobuf"

	// scopeName identifies this agent in the instrumentation scope.
	scopeName = "logship"

	// sourceMarker identifies events emitted by this module's own code so
	// they are never fed back into the pipeline.
	sourceMarker = "logship/plugins/output/otlp"

	// maxErrorBodyBytes caps how much of an error response lands in logs.
	maxErrorBodyBytes = 200

	rfc3339Micro = "2006-01-02T15:04:05.000000Z07:00"
)

// Config represents OTLP output configuration.
type Config struct {
	Host               string  `yaml:"host"`                          // collector host (required)
	Port               int     `yaml:"port,omitempty"`                // collector port, default 4318
	UseTLS             bool    `yaml:"use_tls,omitempty"`             // https scheme
	VerifyTLS          *bool   `yaml:"verify_tls,omitempty"`          // certificate verification, default true
	Path               string  `yaml:"path,omitempty"`                // export path, default /v1/logs
	Encoding           string  `yaml:"encoding,omitempty"`            // json or protobuf
	ServiceName        string  `yaml:"service_name,omitempty"`        // resource service.name
	ResourceAttributes string  `yaml:"resource_attributes,omitempty"` // "key=value,key2=value2"
	Headers            string  `yaml:"headers,omitempty"`             // extra request headers, "key=value,…"
	BearerToken        string  `yaml:"bearer_token,omitempty"`        // Authorization: Bearer …
	BatchMaxSize       int     `yaml:"batch_max_size,omitempty"`      // eager flush threshold
	FlushInterval      float64 `yaml:"flush_interval,omitempty"`      // seconds between periodic flushes
	Timeout            float64 `yaml:"timeout,omitempty"`             // per-request timeout in seconds
	ValidateConnection bool    `yaml:"validate_connection,omitempty"` // probe the collector at setup
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = defaultPort
	}
	if c.Path == "" {
		c.Path = defaultPath
	}
	if c.Encoding == "" {
		c.Encoding = EncodingJSON
	}
	if c.ServiceName == "" {
		c.ServiceName = defaultServiceName
	}
	if c.BatchMaxSize == 0 {
		c.BatchMaxSize = defaultBatchMaxSize
	}
	if c.FlushInterval == 0 {
		c.FlushInterval = defaultFlushInterval
	}
	if c.Timeout == 0 {
		c.Timeout = defaultTimeout
	}
	if c.VerifyTLS == nil {
		verify := true
		c.VerifyTLS = &verify
	}
}

// Validate checks the configuration after defaults have been applied.
func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Host, validation.Required.Error("host is required")),
		validation.Field(&c.Port,
			validation.Min(1).Error("port must be between 1 and 65535"),
			validation.Max(65535).Error("port must be between 1 and 65535"),
		),
		validation.Field(&c.Encoding,
			validation.In(EncodingJSON, EncodingProtobuf).Error("encoding must be json or protobuf"),
		),
		validation.Field(&c.BatchMaxSize,
			validation.Min(1).Error("batch_max_size must be between 1 and 10000"),
			validation.Max(10000).Error("batch_max_size must be between 1 and 10000"),
		),
		validation.Field(&c.FlushInterval,
			validation.Min(0.0).Exclusive().Error("flush_interval must be positive"),
		),
		validation.Field(&c.Timeout,
			validation.Min(0.0).Exclusive().Error("timeout must be positive"),
		),
	)
}

func (c Config) flushInterval() time.Duration {
	return time.Duration(c.FlushInterval * float64(time.Second))
}

func (c Config) timeout() time.Duration {
	return time.Duration(c.Timeout * float64(time.Second))
}

// Output ships batched log records to an OTLP/HTTP collector. Failed batches
// are dropped after being counted as posting errors; there is no bound on how
// large a retried backlog could otherwise grow.
type Output struct {
	name     string
	config   Config
	url      string
	headers  map[string]string
	resource otlplog.Resource
	scope    otlplog.InstrumentationScope
	client   *http.Client
	buffer   *core.Buffer[otlplog.LogRecord]
	signal   core.FlushSignal
	stats    *core.Stats
}

// NewOutputFromConfig creates an OTLP output from raw configuration.
func NewOutputFromConfig(name string, config map[string]any, metrics *core.ExporterMetrics) (core.Exporter, error) {
	var cfg Config
	if err := core.GetPluginConfig(config, &cfg); err != nil {
		return nil, core.NewConfigurationError(err)
	}
	return NewOutput(name, cfg, metrics)
}

// NewOutput creates a new OTLP output plugin.
func NewOutput(name string, cfg Config, metrics *core.ExporterMetrics) (*Output, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, core.NewConfigurationError(err)
	}

	headers, err := otlplog.ParseHeaders(cfg.Headers)
	if err != nil {
		return nil, core.NewConfigurationError(fmt.Errorf("invalid headers: %w", err))
	}
	userAttrs, err := otlplog.ParseResourceAttributes(cfg.ResourceAttributes)
	if err != nil {
		return nil, core.NewConfigurationError(fmt.Errorf("invalid resource attributes: %w", err))
	}

	resource := otlplog.Resource{Attributes: append([]otlplog.KeyValue{
		otlplog.String("service.name", cfg.ServiceName),
		otlplog.String("service.version", core.Version),
		otlplog.String("service.instance.id", uuid.NewString()),
	}, userAttrs...)}

	scheme := "http"
	client := &http.Client{Timeout: cfg.timeout()}
	if cfg.UseTLS {
		scheme = "https"
		if !*cfg.VerifyTLS {
			client.Transport = &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, // #nosec G402 - disabled via verify_tls
			}
			log.Printf("[OTLP] WARNING: TLS certificate verification disabled for %s", cfg.Host)
		}
	}
	if cfg.BearerToken != "" && !cfg.UseTLS {
		log.Printf("[OTLP] WARNING: bearer token configured without TLS, credentials travel in plain text")
	}

	output := &Output{
		name:     name,
		config:   cfg,
		url:      fmt.Sprintf("%s://%s%s", scheme, net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)), cfg.Path),
		headers:  headers,
		resource: resource,
		scope:    otlplog.InstrumentationScope{Name: scopeName, Version: core.Version},
		client:   client,
		buffer:   core.NewBuffer[otlplog.LogRecord](cfg.BatchMaxSize),
		signal:   core.NewFlushSignal(),
		stats:    core.NewStats(metrics),
	}

	if cfg.ValidateConnection {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.timeout())
		defer cancel()
		if err := output.Probe(ctx); err != nil {
			return nil, core.NewConfigurationError(fmt.Errorf("connectivity probe failed for %s: %w", output.url, err))
		}
		log.Printf("[OTLP] Collector %s is reachable", output.url)
	}
	return output, nil
}

// Name returns the exporter instance name.
func (o *Output) Name() string {
	return o.name
}

// HandleEvent transforms one event into a log record and buffers it. Events
// produced by this module's own code are discarded without counting.
func (o *Output) HandleEvent(event *core.LogEvent) {
	if isOwnEvent(event) {
		return
	}
	o.stats.Event()

	record, err := o.buildRecord(event)
	if err != nil {
		formatErr := core.NewFormatError(err)
		o.stats.FormatError(formatErr)
		log.Printf("[OTLP] Dropping event: %v", formatErr)
		return
	}

	n, reached := o.buffer.Append(record)
	o.stats.Buffered(n)
	if reached {
		o.signal.Request()
	}
}

func isOwnEvent(event *core.LogEvent) bool {
	if strings.Contains(event.Origin, sourceMarker) {
		return true
	}
	return event.Source != nil && strings.Contains(event.Source.Path, sourceMarker)
}

// buildRecord maps one event to an OTLP log record. Attribute order is fixed
// and absent fields are omitted rather than rendered empty.
func (o *Output) buildRecord(event *core.LogEvent) (otlplog.LogRecord, error) {
	if event == nil {
		return otlplog.LogRecord{}, errors.New("nil event")
	}

	timestamp := event.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now()
	}
	severity := otlplog.MapSeverity(event.Level)

	record := otlplog.LogRecord{
		TimeUnixNano:         uint64(timestamp.UnixNano()),
		ObservedTimeUnixNano: uint64(time.Now().UnixNano()),
		SeverityNumber:       severity.Number,
		SeverityText:         severity.Text,
		Body:                 otlplog.AnyValue{StringValue: strings.Join(event.Message, "\n")},
	}
	if event.Source != nil {
		if event.Source.Path != "" {
			record.Attributes = append(record.Attributes, otlplog.String("code.file.path", event.Source.Path))
		}
		if event.Source.Line != 0 {
			record.Attributes = append(record.Attributes, otlplog.String("code.line.number", strconv.Itoa(event.Source.Line)))
		}
	}
	if event.Name != "" {
		record.Attributes = append(record.Attributes, otlplog.String("logger.name", event.Name))
	}
	if event.Exception != "" {
		record.Attributes = append(record.Attributes, otlplog.String("exception.stacktrace", event.Exception))
	}
	if event.Count > 0 {
		record.Attributes = append(record.Attributes, otlplog.String("exception.count", strconv.Itoa(event.Count)))
	}
	if !event.FirstOccurred.IsZero() {
		record.Attributes = append(record.Attributes, otlplog.String("exception.first_occurred", event.FirstOccurred.Format(rfc3339Micro)))
	}
	return record, nil
}

// Flush drains the buffer and posts the batch. A failed batch is dropped,
// counted and returned for logging; it is never retried.
func (o *Output) Flush(ctx context.Context) error {
	records := o.buffer.Drain()
	o.stats.Buffered(o.buffer.Len())
	if len(records) == 0 {
		return nil
	}

	body, contentType, err := o.encodePayload(records)
	if err != nil {
		postingErr := core.NewPostingError(err)
		o.stats.PostingError(postingErr)
		return postingErr
	}

	sendCtx, cancel := context.WithTimeout(ctx, o.config.timeout())
	defer cancel()
	if err := o.post(sendCtx, body, contentType); err != nil {
		postingErr := core.NewPostingError(err)
		o.stats.PostingError(postingErr)
		return postingErr
	}

	o.stats.Sent(len(records))
	log.Printf("[OTLP] Sent %d record(s) to %s", len(records), o.url)
	return nil
}

func (o *Output) encodePayload(records []otlplog.LogRecord) ([]byte, string, error) {
	request := otlplog.ExportLogsRequest{
		ResourceLogs: []otlplog.ResourceLogs{{
			Resource: o.resource,
			ScopeLogs: []otlplog.ScopeLogs{{
				Scope:      o.scope,
				LogRecords: records,
			}},
		}},
	}
	if o.config.Encoding == EncodingProtobuf {
		return otlplog.Encode(request), contentTypeProtobuf, nil
	}
	body, err := json.Marshal(request)
	if err != nil {
		return nil, "", err
	}
	return body, contentTypeJSON, nil
}

func (o *Output) post(ctx context.Context, body []byte, contentType string) error {
	req, err := o.newRequest(ctx, body, contentType)
	if err != nil {
		return err
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusBadRequest {
		preview, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return fmt.Errorf("collector returned status %d: %s", resp.StatusCode, preview)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (o *Output) newRequest(ctx context.Context, body []byte, contentType string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	for key, value := range o.headers {
		req.Header.Set(key, value)
	}
	if o.config.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+o.config.BearerToken)
	}
	return req, nil
}

// Probe checks that the collector accepts an empty export. Any status below
// 500 counts as reachable; 4xx means the endpoint is there but picky.
func (o *Output) Probe(ctx context.Context) error {
	body, err := json.Marshal(otlplog.ExportLogsRequest{ResourceLogs: []otlplog.ResourceLogs{}})
	if err != nil {
		return err
	}
	req, err := o.newRequest(ctx, body, contentTypeJSON)
	if err != nil {
		return err
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("collector returned status %d", resp.StatusCode)
	}
	return nil
}

// FlushRequests delivers eager flush requests to the engine's flush loop.
func (o *Output) FlushRequests() <-chan struct{} {
	return o.signal
}

// FlushInterval returns the periodic flush period.
func (o *Output) FlushInterval() time.Duration {
	return o.config.flushInterval()
}

// Close releases idle transport connections. Safe to call more than once.
func (o *Output) Close() error {
	o.client.CloseIdleConnections()
	return nil
}

// Stats returns the exporter counters.
func (o *Output) Stats() core.StatsSnapshot {
	return o.stats.Snapshot(o.buffer.Len())
}
