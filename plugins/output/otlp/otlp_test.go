package otlp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rhizomatics/logship/core"
	otlplog "github.com/rhizomatics/logship/pkg/otlp"
)

// capturingServer records every request body and header it receives.
type capturingServer struct {
	server *httptest.Server
	status int

	mu       sync.Mutex
	bodies   [][]byte
	headers  []http.Header
	respBody string
}

func newCapturingServer(t *testing.T, status int) *capturingServer {
	t.Helper()
	cs := &capturingServer{status: status}
	cs.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("failed to read request body: %v", err)
		}
		cs.mu.Lock()
		cs.bodies = append(cs.bodies, body)
		cs.headers = append(cs.headers, r.Header.Clone())
		respBody := cs.respBody
		cs.mu.Unlock()

		w.WriteHeader(cs.status)
		if respBody != "" {
			_, _ = w.Write([]byte(respBody))
		}
	}))
	t.Cleanup(cs.server.Close)
	return cs
}

func (cs *capturingServer) requestCount() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return len(cs.bodies)
}

func (cs *capturingServer) lastBody() []byte {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if len(cs.bodies) == 0 {
		return nil
	}
	return cs.bodies[len(cs.bodies)-1]
}

func (cs *capturingServer) lastHeaders() http.Header {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if len(cs.headers) == 0 {
		return nil
	}
	return cs.headers[len(cs.headers)-1]
}

func serverConfig(t *testing.T, cs *capturingServer) Config {
	t.Helper()
	parsed, err := url.Parse(cs.server.URL)
	if err != nil {
		t.Fatalf("failed to parse test server URL: %v", err)
	}
	host, portStr, err := net.SplitHostPort(parsed.Host)
	if err != nil {
		t.Fatalf("failed to split test server host: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("failed to parse test server port: %v", err)
	}
	return Config{Host: host, Port: port, ServiceName: "logship-test"}
}

func newTestOutput(t *testing.T, cfg Config) *Output {
	t.Helper()
	output, err := NewOutput("otlp", cfg, nil)
	if err != nil {
		t.Fatalf("NewOutput failed: %v", err)
	}
	return output
}

func TestNewOutputConfig(t *testing.T) {
	tests := []struct {
		name        string
		config      Config
		expectError bool
	}{
		{
			name:        "valid minimal config",
			config:      Config{Host: "collector.internal"},
			expectError: false,
		},
		{
			name:        "missing host",
			config:      Config{},
			expectError: true,
		},
		{
			name:        "unknown encoding",
			config:      Config{Host: "collector.internal", Encoding: "msgpack"},
			expectError: true,
		},
		{
			name:        "port out of range",
			config:      Config{Host: "collector.internal", Port: 70000},
			expectError: true,
		},
		{
			name:        "batch size out of range",
			config:      Config{Host: "collector.internal", BatchMaxSize: 20000},
			expectError: true,
		},
		{
			name:        "negative flush interval",
			config:      Config{Host: "collector.internal", FlushInterval: -1},
			expectError: true,
		},
		{
			name:        "negative timeout",
			config:      Config{Host: "collector.internal", Timeout: -1},
			expectError: true,
		},
		{
			name:        "malformed resource attributes",
			config:      Config{Host: "collector.internal", ResourceAttributes: "bad"},
			expectError: true,
		},
		{
			name:        "empty resource attribute key",
			config:      Config{Host: "collector.internal", ResourceAttributes: "=v"},
			expectError: true,
		},
		{
			name:        "malformed headers",
			config:      Config{Host: "collector.internal", Headers: "broken"},
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			output, err := NewOutput("otlp", tt.config, nil)
			if tt.expectError {
				var confErr *core.ConfigurationError
				if !errors.As(err, &confErr) {
					t.Errorf("expected a configuration error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if output.config.Port != defaultPort {
				t.Errorf("expected default port %d, got %d", defaultPort, output.config.Port)
			}
			if output.config.Path != defaultPath {
				t.Errorf("expected default path %s, got %s", defaultPath, output.config.Path)
			}
			if output.config.Encoding != EncodingJSON {
				t.Errorf("expected default encoding json, got %s", output.config.Encoding)
			}
			if output.config.BatchMaxSize != defaultBatchMaxSize {
				t.Errorf("expected default batch size %d, got %d", defaultBatchMaxSize, output.config.BatchMaxSize)
			}
			if output.FlushInterval() != 120*time.Second {
				t.Errorf("expected default flush interval 120s, got %v", output.FlushInterval())
			}
			if !strings.HasPrefix(output.url, "http://collector.internal:4318/v1/logs") {
				t.Errorf("unexpected URL %s", output.url)
			}
		})
	}
}

func TestNewOutputFromConfigMap(t *testing.T) {
	exporter, err := NewOutputFromConfig("collector", map[string]any{
		"host":           "collector.internal",
		"port":           4319,
		"encoding":       "protobuf",
		"batch_max_size": 50,
	}, nil)
	if err != nil {
		t.Fatalf("NewOutputFromConfig failed: %v", err)
	}
	if exporter.Name() != "collector" {
		t.Errorf("expected name 'collector', got %s", exporter.Name())
	}
	output := exporter.(*Output)
	if output.config.Port != 4319 || output.config.Encoding != EncodingProtobuf {
		t.Errorf("unexpected parsed config: %+v", output.config)
	}
}

func TestFlushSendsJSONEnvelope(t *testing.T) {
	cs := newCapturingServer(t, http.StatusOK)
	output := newTestOutput(t, serverConfig(t, cs))

	event := &core.LogEvent{
		Name:          "payments.worker",
		Message:       []string{"first line", "second line"},
		Level:         "error",
		Source:        &core.SourceRef{Path: "/srv/app/worker.py", Line: 42},
		Timestamp:     time.Unix(1771491792, 500000000),
		Exception:     "Traceback: boom",
		Count:         3,
		FirstOccurred: time.Date(2026, 2, 19, 9, 0, 0, 123456000, time.UTC),
	}
	output.HandleEvent(event)

	if err := output.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if cs.requestCount() != 1 {
		t.Fatalf("expected 1 request, got %d", cs.requestCount())
	}
	if ct := cs.lastHeaders().Get("Content-Type"); ct != contentTypeJSON {
		t.Errorf("expected Content-Type %s, got %s", contentTypeJSON, ct)
	}

	var request otlplog.ExportLogsRequest
	if err := json.Unmarshal(cs.lastBody(), &request); err != nil {
		t.Fatalf("failed to decode envelope: %v", err)
	}
	if len(request.ResourceLogs) != 1 {
		t.Fatalf("expected 1 resourceLogs entry, got %d", len(request.ResourceLogs))
	}

	resource := request.ResourceLogs[0].Resource
	resourceKeys := make(map[string]string)
	for _, attr := range resource.Attributes {
		resourceKeys[attr.Key] = attr.Value.StringValue
	}
	if resourceKeys["service.name"] != "logship-test" {
		t.Errorf("expected service.name logship-test, got %q", resourceKeys["service.name"])
	}
	if resourceKeys["service.version"] != core.Version {
		t.Errorf("expected service.version %s, got %q", core.Version, resourceKeys["service.version"])
	}
	if resourceKeys["service.instance.id"] == "" {
		t.Error("expected a service.instance.id resource attribute")
	}

	scopeLogs := request.ResourceLogs[0].ScopeLogs
	if len(scopeLogs) != 1 {
		t.Fatalf("expected 1 scopeLogs entry, got %d", len(scopeLogs))
	}
	if scopeLogs[0].Scope.Name != scopeName || scopeLogs[0].Scope.Version != core.Version {
		t.Errorf("unexpected scope: %+v", scopeLogs[0].Scope)
	}

	records := scopeLogs[0].LogRecords
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	record := records[0]
	if record.TimeUnixNano != uint64(event.Timestamp.UnixNano()) {
		t.Errorf("unexpected timeUnixNano %d", record.TimeUnixNano)
	}
	if record.ObservedTimeUnixNano == 0 {
		t.Error("expected observedTimeUnixNano to be set")
	}
	if record.SeverityNumber != 17 || record.SeverityText != "ERROR" {
		t.Errorf("expected severity 17/ERROR, got %d/%s", record.SeverityNumber, record.SeverityText)
	}
	if record.Body.StringValue != "first line\nsecond line" {
		t.Errorf("expected newline-joined body, got %q", record.Body.StringValue)
	}

	wantAttrs := [][2]string{
		{"code.file.path", "/srv/app/worker.py"},
		{"code.line.number", "42"},
		{"logger.name", "payments.worker"},
		{"exception.stacktrace", "Traceback: boom"},
		{"exception.count", "3"},
		{"exception.first_occurred", "2026-02-19T09:00:00.123456Z"},
	}
	if len(record.Attributes) != len(wantAttrs) {
		t.Fatalf("expected %d attributes, got %d: %+v", len(wantAttrs), len(record.Attributes), record.Attributes)
	}
	for i, want := range wantAttrs {
		if record.Attributes[i].Key != want[0] || record.Attributes[i].Value.StringValue != want[1] {
			t.Errorf("attribute %d: expected %s=%s, got %s=%s",
				i, want[0], want[1], record.Attributes[i].Key, record.Attributes[i].Value.StringValue)
		}
	}

	snap := output.Stats()
	if snap.EventCount != 1 || snap.SentCount != 1 {
		t.Errorf("expected event/sent counts 1/1, got %d/%d", snap.EventCount, snap.SentCount)
	}
}

func TestFlushSendsProtobuf(t *testing.T) {
	cs := newCapturingServer(t, http.StatusOK)
	cfg := serverConfig(t, cs)
	cfg.Encoding = EncodingProtobuf
	output := newTestOutput(t, cfg)

	output.HandleEvent(core.NewLogEvent("ERROR", "hello"))
	if err := output.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	if ct := cs.lastHeaders().Get("Content-Type"); ct != contentTypeProtobuf {
		t.Errorf("expected Content-Type %s, got %s", contentTypeProtobuf, ct)
	}
	body := cs.lastBody()
	if !bytes.Contains(body, []byte("hello")) {
		t.Error("expected the body text in the protobuf payload")
	}
	if !bytes.Contains(body, []byte("ERROR")) {
		t.Error("expected the severity text in the protobuf payload")
	}
	if !bytes.Contains(body, []byte("logship-test")) {
		t.Error("expected the service name in the protobuf payload")
	}
}

func TestFlushErrorDropsBatch(t *testing.T) {
	cs := newCapturingServer(t, http.StatusServiceUnavailable)
	cs.respBody = strings.Repeat("A", 250) + "END"
	output := newTestOutput(t, serverConfig(t, cs))

	output.HandleEvent(core.NewLogEvent("INFO", "doomed"))
	err := output.Flush(context.Background())

	var postingErr *core.PostingError
	if !errors.As(err, &postingErr) {
		t.Fatalf("expected a posting error, got %v", err)
	}
	if !strings.Contains(err.Error(), "503") {
		t.Errorf("expected the status code in the error, got %q", err.Error())
	}
	if strings.Contains(err.Error(), "END") {
		t.Error("expected the response body to be truncated to 200 bytes")
	}

	snap := output.Stats()
	if snap.PostingErrorCount != 1 {
		t.Errorf("expected 1 posting error, got %d", snap.PostingErrorCount)
	}
	if snap.BufferedCount != 0 {
		t.Errorf("expected the failed batch to be dropped, got %d buffered", snap.BufferedCount)
	}

	// The batch is gone: the next flush has nothing to send.
	if err := output.Flush(context.Background()); err != nil {
		t.Fatalf("empty flush failed: %v", err)
	}
	if cs.requestCount() != 1 {
		t.Errorf("expected no second request, got %d", cs.requestCount())
	}
}

func TestFlushEmptyBufferSendsNothing(t *testing.T) {
	cs := newCapturingServer(t, http.StatusOK)
	output := newTestOutput(t, serverConfig(t, cs))

	if err := output.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if cs.requestCount() != 0 {
		t.Errorf("expected no requests for an empty buffer, got %d", cs.requestCount())
	}
}

func TestBatchThresholdRequestsEagerFlush(t *testing.T) {
	cfg := Config{Host: "collector.internal", BatchMaxSize: 3}
	output := newTestOutput(t, cfg)

	output.HandleEvent(core.NewLogEvent("INFO", "one"))
	output.HandleEvent(core.NewLogEvent("INFO", "two"))
	select {
	case <-output.FlushRequests():
		t.Fatal("expected no flush request below the threshold")
	default:
	}

	output.HandleEvent(core.NewLogEvent("INFO", "three"))
	select {
	case <-output.FlushRequests():
	case <-time.After(100 * time.Millisecond):
		t.Fatal("expected a flush request at the threshold")
	}
}

func TestHandleEventDiscardsOwnEvents(t *testing.T) {
	output := newTestOutput(t, Config{Host: "collector.internal"})

	fromOwnFile := core.NewLogEvent("ERROR", "feedback")
	fromOwnFile.Source = &core.SourceRef{Path: "/go/src/logship/plugins/output/otlp/otlp.go", Line: 10}
	output.HandleEvent(fromOwnFile)

	fromOwnOrigin := core.NewLogEvent("ERROR", "feedback")
	fromOwnOrigin.Origin = "logship/plugins/output/otlp"
	output.HandleEvent(fromOwnOrigin)

	snap := output.Stats()
	if snap.EventCount != 0 {
		t.Errorf("expected no counted events, got %d", snap.EventCount)
	}
	if snap.BufferedCount != 0 {
		t.Errorf("expected nothing buffered, got %d", snap.BufferedCount)
	}
}

func TestHandleEventUnknownLevelDefaultsToInfo(t *testing.T) {
	cs := newCapturingServer(t, http.StatusOK)
	output := newTestOutput(t, serverConfig(t, cs))

	output.HandleEvent(core.NewLogEvent("shouting"))
	if err := output.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	var request otlplog.ExportLogsRequest
	if err := json.Unmarshal(cs.lastBody(), &request); err != nil {
		t.Fatalf("failed to decode envelope: %v", err)
	}
	record := request.ResourceLogs[0].ScopeLogs[0].LogRecords[0]
	if record.SeverityNumber != 9 || record.SeverityText != "INFO" {
		t.Errorf("expected default severity 9/INFO, got %d/%s", record.SeverityNumber, record.SeverityText)
	}
	if record.Body.StringValue != "" {
		t.Errorf("expected empty body for an empty message list, got %q", record.Body.StringValue)
	}
	if len(record.Attributes) != 0 {
		t.Errorf("expected no attributes, got %+v", record.Attributes)
	}
}

func TestHeadersAndBearerToken(t *testing.T) {
	cs := newCapturingServer(t, http.StatusOK)
	cfg := serverConfig(t, cs)
	cfg.Headers = "x-tenant=alpha, x-shard = 7"
	cfg.BearerToken = "s3cr3t"
	output := newTestOutput(t, cfg)

	output.HandleEvent(core.NewLogEvent("INFO", "x"))
	if err := output.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	headers := cs.lastHeaders()
	if got := headers.Get("X-Tenant"); got != "alpha" {
		t.Errorf("expected X-Tenant alpha, got %q", got)
	}
	if got := headers.Get("X-Shard"); got != "7" {
		t.Errorf("expected X-Shard 7, got %q", got)
	}
	if got := headers.Get("Authorization"); got != "Bearer s3cr3t" {
		t.Errorf("expected bearer auth header, got %q", got)
	}
}

func TestProbe(t *testing.T) {
	t.Run("reachable on 4xx", func(t *testing.T) {
		cs := newCapturingServer(t, http.StatusNotFound)
		output := newTestOutput(t, serverConfig(t, cs))
		if err := output.Probe(context.Background()); err != nil {
			t.Errorf("expected 404 to count as reachable, got %v", err)
		}
	})

	t.Run("unreachable on 5xx", func(t *testing.T) {
		cs := newCapturingServer(t, http.StatusInternalServerError)
		output := newTestOutput(t, serverConfig(t, cs))
		if err := output.Probe(context.Background()); err == nil {
			t.Error("expected 500 to fail the probe")
		}
	})

	t.Run("validate_connection aborts setup", func(t *testing.T) {
		cs := newCapturingServer(t, http.StatusInternalServerError)
		cfg := serverConfig(t, cs)
		cfg.ValidateConnection = true
		_, err := NewOutput("otlp", cfg, nil)
		var confErr *core.ConfigurationError
		if !errors.As(err, &confErr) {
			t.Errorf("expected a configuration error, got %v", err)
		}
	})

	t.Run("probe sends empty envelope", func(t *testing.T) {
		cs := newCapturingServer(t, http.StatusOK)
		output := newTestOutput(t, serverConfig(t, cs))
		if err := output.Probe(context.Background()); err != nil {
			t.Fatalf("Probe failed: %v", err)
		}
		if got := string(cs.lastBody()); got != `{"resourceLogs":[]}` {
			t.Errorf("unexpected probe body: %s", got)
		}
	})
}

func TestCloseIsIdempotent(t *testing.T) {
	output := newTestOutput(t, Config{Host: "collector.internal"})
	if err := output.Close(); err != nil {
		t.Errorf("first Close failed: %v", err)
	}
	if err := output.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
}
