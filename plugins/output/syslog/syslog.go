package syslog

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/rhizomatics/logship/core"
	syslogfmt "github.com/rhizomatics/logship/pkg/syslog"
	"github.com/rhizomatics/logship/pkg/tlsconfig"
)

func init() {
	core.RegisterOutputPlugin("syslog", NewOutputFromConfig)
}

// Protocols accepted by the `protocol` option.
const (
	ProtocolUDP = "udp"
	ProtocolTCP = "tcp"
)

const (
	defaultPort          = 514
	defaultAppName       = "logship"
	defaultFacility      = "local0"
	defaultBatchMaxSize  = 20
	defaultFlushInterval = 120.0
	defaultTimeout       = 10.0

	// sdID names the structured-data block carrying event attributes.
	sdID = "opentelemetry"

	// sourceMarker identifies events emitted by this module's own code so
	// they are never fed back into the pipeline.
	sourceMarker = "logship/plugins/output/syslog"
)

// Config represents syslog output configuration.
type Config struct {
	Host               string           `yaml:"host"`                          // receiver host (required)
	Port               int              `yaml:"port,omitempty"`                // receiver port, default 514
	Protocol           string           `yaml:"protocol,omitempty"`            // udp or tcp
	UseTLS             bool             `yaml:"use_tls,omitempty"`             // TLS over TCP
	TLS                tlsconfig.Config `yaml:"tls,omitempty"`                 // CA / client certificate material
	AppName            string           `yaml:"app_name,omitempty"`            // APP-NAME field, default logship
	Hostname           string           `yaml:"hostname,omitempty"`            // HOSTNAME field, default "-"
	Facility           string           `yaml:"facility,omitempty"`            // named facility, default local0
	BatchMaxSize       int              `yaml:"batch_max_size,omitempty"`      // eager flush threshold
	FlushInterval      float64          `yaml:"flush_interval,omitempty"`      // seconds between periodic flushes
	Timeout            float64          `yaml:"timeout,omitempty"`             // per-operation timeout in seconds
	ValidateConnection bool             `yaml:"validate_connection,omitempty"` // probe the receiver at setup
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = defaultPort
	}
	if c.Protocol == "" {
		c.Protocol = ProtocolUDP
	}
	if c.AppName == "" {
		c.AppName = defaultAppName
	}
	if c.Hostname == "" {
		c.Hostname = syslogfmt.NilValue
	}
	if c.Facility == "" {
		c.Facility = defaultFacility
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
}

// Validate checks the configuration after defaults have been applied.
func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Host, validation.Required.Error("host is required")),
		validation.Field(&c.Port,
			validation.Min(1).Error("port must be between 1 and 65535"),
			validation.Max(65535).Error("port must be between 1 and 65535"),
		),
		validation.Field(&c.Protocol,
			validation.In(ProtocolUDP, ProtocolTCP).Error("protocol must be udp or tcp"),
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

// message is one formatted RFC 5424 line. The sent flag survives a failed
// flush so the retry sends the same bytes instead of re-rendering.
type message struct {
	line []byte
	sent bool
}

// Output ships formatted syslog lines over UDP or TCP (optionally TLS). A
// failed flush keeps its unsent messages in progress and retries them next
// cycle before draining anything new, so the retry backlog never exceeds one
// drained batch.
type Output struct {
	name      string
	config    Config
	addr      string
	facility  int
	tlsConfig *tls.Config
	buffer    *core.Buffer[*message]
	signal    core.FlushSignal
	stats     *core.Stats

	// Connections are owned by the flush goroutine; Close runs only after
	// the engine has stopped that goroutine. The mutex guards inProgress
	// and the sent flags, which Stats reads concurrently.
	mu         sync.Mutex
	udpConn    net.Conn
	tcpConn    net.Conn
	inProgress []*message
	closed     bool
}

// NewOutputFromConfig creates a syslog output from raw configuration.
func NewOutputFromConfig(name string, config map[string]any, metrics *core.ExporterMetrics) (core.Exporter, error) {
	var cfg Config
	if err := core.GetPluginConfig(config, &cfg); err != nil {
		return nil, core.NewConfigurationError(err)
	}
	return NewOutput(name, cfg, metrics)
}

// NewOutput creates a new syslog output plugin.
func NewOutput(name string, cfg Config, metrics *core.ExporterMetrics) (*Output, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, core.NewConfigurationError(err)
	}
	facility, err := syslogfmt.Facility(cfg.Facility)
	if err != nil {
		return nil, core.NewConfigurationError(err)
	}
	if cfg.UseTLS && cfg.Protocol != ProtocolTCP {
		return nil, core.NewConfigurationError(errors.New("use_tls requires protocol tcp"))
	}

	var tlsCfg *tls.Config
	if cfg.UseTLS {
		material := cfg.TLS
		material.Enabled = true
		if err := material.Validate(); err != nil {
			return nil, core.NewConfigurationError(err)
		}
		tlsCfg, err = material.ClientConfig()
		if err != nil {
			return nil, core.NewConfigurationError(err)
		}
	}

	output := &Output{
		name:      name,
		config:    cfg,
		addr:      net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		facility:  facility,
		tlsConfig: tlsCfg,
		buffer:    core.NewBuffer[*message](cfg.BatchMaxSize),
		signal:    core.NewFlushSignal(),
		stats:     core.NewStats(metrics),
	}

	if cfg.ValidateConnection {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.timeout())
		defer cancel()
		if err := output.Probe(ctx); err != nil {
			return nil, core.NewConfigurationError(fmt.Errorf("connectivity probe failed for %s/%s: %w", cfg.Protocol, output.addr, err))
		}
		log.Printf("[SYSLOG] Receiver %s/%s is reachable", cfg.Protocol, output.addr)
	}
	return output, nil
}

// Name returns the exporter instance name.
func (o *Output) Name() string {
	return o.name
}

// HandleEvent formats one event into an RFC 5424 line and buffers it. Events
// produced by this module's own code are discarded without counting.
func (o *Output) HandleEvent(event *core.LogEvent) {
	if isOwnEvent(event) {
		return
	}
	o.stats.Event()

	line, err := o.buildMessage(event)
	if err != nil {
		formatErr := core.NewFormatError(err)
		o.stats.FormatError(formatErr)
		log.Printf("[SYSLOG] Dropping event: %v", formatErr)
		return
	}

	_, reached := o.buffer.Append(&message{line: line})
	o.stats.Buffered(o.buffered())
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

// buildMessage renders one event as an RFC 5424 line. Message lines join
// with a single space; an empty message renders the NILVALUE.
func (o *Output) buildMessage(event *core.LogEvent) ([]byte, error) {
	if event == nil {
		return nil, errors.New("nil event")
	}

	timestamp := event.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now()
	}
	pri := syslogfmt.PRI(o.facility, syslogfmt.SeverityCode(event.Level))

	msg := strings.Join(event.Message, " ")
	if msg == "" {
		msg = syslogfmt.NilValue
	}

	line := syslogfmt.Line(pri, syslogfmt.Timestamp(timestamp), o.config.Hostname, o.config.AppName, o.structuredData(event), msg)
	return line, nil
}

// structuredData carries the same attribute set and order as the OTLP
// record transform, minus the message itself.
func (o *Output) structuredData(event *core.LogEvent) string {
	var params []syslogfmt.SDParam
	if event.Source != nil {
		if event.Source.Path != "" {
			params = append(params, syslogfmt.SDParam{Key: "code.file.path", Value: event.Source.Path})
		}
		if event.Source.Line != 0 {
			params = append(params, syslogfmt.SDParam{Key: "code.line.number", Value: strconv.Itoa(event.Source.Line)})
		}
	}
	if event.Name != "" {
		params = append(params, syslogfmt.SDParam{Key: "logger.name", Value: event.Name})
	}
	if event.Exception != "" {
		params = append(params, syslogfmt.SDParam{Key: "exception.stacktrace", Value: event.Exception})
	}
	if event.Count > 0 {
		params = append(params, syslogfmt.SDParam{Key: "exception.count", Value: strconv.Itoa(event.Count)})
	}
	if !event.FirstOccurred.IsZero() {
		params = append(params, syslogfmt.SDParam{Key: "exception.first_occurred", Value: syslogfmt.Timestamp(event.FirstOccurred)})
	}
	return syslogfmt.StructuredData(sdID, params)
}

// Flush first finishes any messages a previous cycle failed to deliver, then
// drains and sends the fresh batch. Unsent messages stay in progress for the
// next cycle; messages already sent are never sent twice.
func (o *Output) Flush(ctx context.Context) error {
	delivered, err := o.sendPending(ctx)
	if err == nil {
		o.setPending(o.buffer.Drain())
		var fresh int
		fresh, err = o.sendPending(ctx)
		delivered += fresh
	}
	o.stats.Buffered(o.buffered())
	if err != nil {
		postingErr := core.NewPostingError(err)
		o.stats.PostingError(postingErr)
		return postingErr
	}
	if delivered > 0 {
		o.stats.Sent(delivered)
		log.Printf("[SYSLOG] Sent %d message(s) to %s/%s", delivered, o.config.Protocol, o.addr)
	}
	return nil
}

// sendPending sends every unsent in-progress message, marking each one as it
// goes. On error the list is kept so the remainder is retried next cycle.
func (o *Output) sendPending(ctx context.Context) (int, error) {
	o.mu.Lock()
	pending := o.inProgress
	o.mu.Unlock()

	sent := 0
	for _, msg := range pending {
		if msg.sent {
			continue
		}
		if err := o.send(ctx, msg.line); err != nil {
			return sent, err
		}
		o.mu.Lock()
		msg.sent = true
		o.mu.Unlock()
		sent++
	}
	o.setPending(nil)
	return sent, nil
}

func (o *Output) setPending(msgs []*message) {
	o.mu.Lock()
	o.inProgress = msgs
	o.mu.Unlock()
}

// buffered counts records still awaiting delivery: the fresh buffer plus the
// unsent part of the in-progress list.
func (o *Output) buffered() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := o.buffer.Len()
	for _, msg := range o.inProgress {
		if !msg.sent {
			n++
		}
	}
	return n
}

func (o *Output) send(ctx context.Context, line []byte) error {
	if o.config.Protocol == ProtocolTCP {
		return o.sendTCP(ctx, line)
	}
	return o.sendUDP(line)
}

// sendUDP writes one datagram per line on a lazily opened socket. A failed
// write discards the socket so the next flush re-creates it.
func (o *Output) sendUDP(line []byte) error {
	if o.udpConn == nil {
		conn, err := net.Dial("udp", o.addr)
		if err != nil {
			return fmt.Errorf("udp dial %s: %w", o.addr, err)
		}
		o.udpConn = conn
	}
	_ = o.udpConn.SetWriteDeadline(time.Now().Add(o.config.timeout()))
	if _, err := o.udpConn.Write(line); err != nil {
		_ = o.udpConn.Close()
		o.udpConn = nil
		return fmt.Errorf("udp write %s: %w", o.addr, err)
	}
	return nil
}

// sendTCP writes one octet-counted frame per line on a lazily established
// connection, reused across flushes. A failed write closes the connection;
// the next flush reconnects and resends the same in-progress batch.
func (o *Output) sendTCP(ctx context.Context, line []byte) error {
	conn, err := o.tcpConnection(ctx)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(o.config.timeout()))
	if _, err := conn.Write(syslogfmt.OctetFrame(line)); err != nil {
		o.dropTCP()
		return fmt.Errorf("tcp write %s: %w", o.addr, err)
	}
	return nil
}

func (o *Output) tcpConnection(ctx context.Context) (net.Conn, error) {
	if o.tcpConn != nil {
		return o.tcpConn, nil
	}
	conn, err := o.dialTCP(ctx)
	if err != nil {
		return nil, fmt.Errorf("tcp dial %s: %w", o.addr, err)
	}
	o.tcpConn = conn
	return conn, nil
}

func (o *Output) dialTCP(ctx context.Context) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: o.config.timeout()}
	if o.tlsConfig != nil {
		tlsDialer := &tls.Dialer{NetDialer: dialer, Config: o.tlsConfig}
		return tlsDialer.DialContext(ctx, "tcp", o.addr)
	}
	return dialer.DialContext(ctx, "tcp", o.addr)
}

func (o *Output) dropTCP() {
	if o.tcpConn != nil {
		_ = o.tcpConn.Close()
		o.tcpConn = nil
	}
}

// Probe dials the receiver and closes the connection. TCP proves the
// endpoint accepts connections; UDP only proves the address resolves and a
// socket can be opened.
func (o *Output) Probe(ctx context.Context) error {
	if o.config.Protocol == ProtocolTCP {
		conn, err := o.dialTCP(ctx)
		if err != nil {
			return err
		}
		return conn.Close()
	}

	conn, err := net.Dial("udp", o.addr)
	if err != nil {
		return err
	}
	return conn.Close()
}

// FlushRequests delivers eager flush requests to the engine's flush loop.
func (o *Output) FlushRequests() <-chan struct{} {
	return o.signal
}

// FlushInterval returns the periodic flush period.
func (o *Output) FlushInterval() time.Duration {
	return o.config.flushInterval()
}

// Close releases the transport connections. Safe to call more than once.
func (o *Output) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil
	}
	o.closed = true

	o.dropTCP()
	if o.udpConn != nil {
		_ = o.udpConn.Close()
		o.udpConn = nil
	}
	return nil
}

// Stats returns the exporter counters.
func (o *Output) Stats() core.StatsSnapshot {
	return o.stats.Snapshot(o.buffered())
}
