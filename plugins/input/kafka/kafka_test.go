package kafkainput

import (
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/rhizomatics/logship/core"
)

func TestParseStartOffsetKeywords(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected int64
	}{
		{name: "default empty", input: "", expected: kafka.LastOffset},
		{name: "latest keyword", input: "latest", expected: kafka.LastOffset},
		{name: "earliest keyword", input: "earliest", expected: kafka.FirstOffset},
		{name: "mixed case", input: "BeGiNnInG", expected: kafka.FirstOffset},
		{name: "numeric", input: "42", expected: 42},
	}

	for _, tt := range tests {
		result, err := parseStartOffset(tt.input)
		if err != nil {
			t.Fatalf("%s: expected no error, got %v", tt.name, err)
		}
		if result != tt.expected {
			t.Errorf("%s: expected %d, got %d", tt.name, tt.expected, result)
		}
	}
}

func TestParseStartOffsetInvalid(t *testing.T) {
	if _, err := parseStartOffset("not-a-number"); err == nil {
		t.Fatal("Expected an error for an invalid offset, got nil")
	}
}

func TestBuildEventFromJSONValue(t *testing.T) {
	input := &Input{name: "topic-reader"}
	msg := kafka.Message{
		Topic: "logs",
		Value: []byte(`{
			"name": "billing",
			"message": ["charge failed", "card declined"],
			"level": "ERROR",
			"timestamp": 1771491792.5,
			"exception": "Traceback ...",
			"count": 2
		}`),
	}

	event := input.buildEvent(msg)
	if event.Origin != "topic-reader" {
		t.Errorf("Expected origin 'topic-reader', got %q", event.Origin)
	}
	if event.Name != "billing" {
		t.Errorf("Expected name 'billing', got %q", event.Name)
	}
	if event.Level != "ERROR" {
		t.Errorf("Expected level ERROR, got %q", event.Level)
	}
	if len(event.Message) != 2 || event.Message[0] != "charge failed" {
		t.Errorf("Unexpected message lines: %v", event.Message)
	}
	want := time.Unix(1771491792, 500000000)
	if !event.Timestamp.Equal(want) {
		t.Errorf("Expected timestamp %v, got %v", want, event.Timestamp)
	}
	if event.Exception != "Traceback ..." {
		t.Errorf("Expected the exception to carry over, got %q", event.Exception)
	}
	if event.Count != 2 {
		t.Errorf("Expected count 2, got %d", event.Count)
	}
}

func TestBuildEventPlainTextFallback(t *testing.T) {
	input := &Input{name: "topic-reader"}

	t.Run("defaults to info", func(t *testing.T) {
		event := input.buildEvent(kafka.Message{Value: []byte("service failed")})
		if event.Level != "INFO" {
			t.Errorf("Expected level INFO, got %q", event.Level)
		}
		if len(event.Message) != 1 || event.Message[0] != "service failed" {
			t.Errorf("Expected the raw value as the message, got %v", event.Message)
		}
		if event.Origin != "topic-reader" {
			t.Errorf("Expected origin 'topic-reader', got %q", event.Origin)
		}
		if event.Timestamp.IsZero() {
			t.Error("Expected a timestamp on the fallback event")
		}
	})

	t.Run("level header override", func(t *testing.T) {
		event := input.buildEvent(kafka.Message{
			Value:   []byte("service failed"),
			Headers: []kafka.Header{{Key: "Level", Value: []byte("ERROR")}},
		})
		if event.Level != "ERROR" {
			t.Errorf("Expected level ERROR from the header, got %q", event.Level)
		}
	})
}

func TestNewInputFromConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		config map[string]any
	}{
		{name: "missing brokers", config: map[string]any{"topic": "logs"}},
		{name: "missing topic", config: map[string]any{"brokers": []string{"localhost:9092"}}},
		{
			name: "invalid start offset",
			config: map[string]any{
				"brokers":      []string{"localhost:9092"},
				"topic":        "logs",
				"start_offset": "not-a-number",
			},
		},
		{
			name: "numeric offset with group",
			config: map[string]any{
				"brokers":      []string{"localhost:9092"},
				"topic":        "logs",
				"group_id":     "logship",
				"start_offset": "42",
			},
		},
		{
			name: "cert without key",
			config: map[string]any{
				"brokers": []string{"localhost:9092"},
				"topic":   "logs",
				"tls":     map[string]any{"enabled": true, "cert_file": "client.pem"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewInputFromConfig(tt.config)
			if err == nil {
				t.Fatal("Expected an error, got nil")
			}
			var confErr *core.ConfigurationError
			if !errors.As(err, &confErr) {
				t.Errorf("Expected a ConfigurationError, got %T", err)
			}
		})
	}
}

func TestNewInputFromConfigSuccess(t *testing.T) {
	plugin, err := NewInputFromConfig(map[string]any{
		"brokers":      []string{"localhost:9092"},
		"topic":        "logs",
		"group_id":     "logship",
		"start_offset": "earliest",
	})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	input, ok := plugin.(*Input)
	if !ok {
		t.Fatalf("Expected *Input, got %T", plugin)
	}
	defer func() { _ = input.reader.Close() }()

	if input.topic != "logs" {
		t.Errorf("Expected topic 'logs', got %s", input.topic)
	}
	if input.groupID != "logship" {
		t.Errorf("Expected group 'logship', got %s", input.groupID)
	}
	if len(input.brokers) != 1 || input.brokers[0] != "localhost:9092" {
		t.Errorf("Unexpected brokers slice: %v", input.brokers)
	}
	if input.reader == nil {
		t.Fatal("Expected the reader to be initialized")
	}
}

func TestNewInputNumericOffsetWithoutGroup(t *testing.T) {
	plugin, err := NewInputFromConfig(map[string]any{
		"brokers":      []string{"localhost:9092"},
		"topic":        "logs",
		"start_offset": "42",
	})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	input := plugin.(*Input)
	defer func() { _ = input.reader.Close() }()

	if offset := input.reader.Offset(); offset != 42 {
		t.Errorf("Expected the reader positioned at offset 42, got %d", offset)
	}
}
