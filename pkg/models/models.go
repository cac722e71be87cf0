package models

import (
	"bytes"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
)

// Outcome is the verdict of a single result as understood by ResultsDB.
// Values coming from a producer are forwarded untouched, so the constants
// below are the ones this service derives itself, not an exhaustive set.
type Outcome string

// Constants for result outcomes
const (
	OutcomePassed          Outcome = "PASSED"
	OutcomeInfo            Outcome = "INFO"
	OutcomeFailed          Outcome = "FAILED"
	OutcomeNeedsInspection Outcome = "NEEDS_INSPECTION"
	OutcomeError           Outcome = "ERROR"
)

// TestCase identifies the check a result reports on.
type TestCase struct {
	Name   string `json:"name"`    // Dotted hierarchical name, e.g. "<team>.<job>.<executor>"
	RefURL string `json:"ref_url"` // Where the test case itself is described
}

// Group ties related results together (usually one CI run).
type Group struct {
	UUID        string `json:"uuid"`
	RefURL      string `json:"ref_url"`
	Description string `json:"description,omitempty"` // Set when the group should be found again by lookup
}

// Result is the body of a single POST /results call.
type Result struct {
	// TestCase is either a TestCase, a producer supplied object, or a plain name string.
	TestCase any            `json:"testcase"`
	Groups   []Group        `json:"groups"`
	Outcome  Outcome        `json:"outcome"`
	RefURL   string         `json:"ref_url"`
	Note     string         `json:"note"`
	Data     map[string]any `json:"data"`
}

// Message is one event received from the bus. It is treated as read-only
// while the pipeline works on it.
type Message struct {
	Topic   string         `json:"topic"`
	Headers map[string]any `json:"headers"`
	Body    MessageBody    `json:"body"`
}

// MessageBody carries the producer specific payload under "msg".
type MessageBody struct {
	Msg map[string]any `json:"msg"`
}

// ID returns the bus message identifier, or "" when the header is missing.
func (m *Message) ID() string {
	if m == nil || m.Headers == nil {
		return ""
	}
	if id, ok := m.Headers["message-id"].(string); ok {
		return id
	}
	return ""
}

// ProcessingRecord is the journal entry written after a message went through the pipeline.
type ProcessingRecord struct {
	MessageID   string    `json:"message_id"`
	Topic       string    `json:"topic"`
	Schema      string    `json:"schema,omitempty"`
	Success     bool      `json:"success"`
	Error       string    `json:"error,omitempty"`
	ArchiveKey  string    `json:"archive_key,omitempty"` // Object key of the archived raw message, if any
	ProcessedAt time.Time `json:"processed_at"`
}

// DecodeMessage parses a full envelope ({"topic", "headers", "body": {"msg"}}).
// Numbers are kept as json.Number so IDs and counters round-trip unchanged.
func DecodeMessage(data []byte) (*Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var msg Message
	if err := dec.Decode(&msg); err != nil {
		return nil, fmt.Errorf("failed to decode message envelope: %w", err)
	}
	return &msg, nil
}

// NewMessage builds a Message from a bus delivery. Payloads that already are
// a full envelope are decoded as such; anything else becomes body.msg and the
// delivery headers become the message headers.
func NewMessage(topic string, headers map[string]any, payload []byte) (*Message, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode message payload: %w", err)
	}

	_, hasHeaders := raw["headers"]
	_, hasBody := raw["body"]
	if hasHeaders && hasBody {
		msg, err := DecodeMessage(payload)
		if err != nil {
			return nil, err
		}
		if msg.Topic == "" {
			msg.Topic = topic
		}
		return msg, nil
	}

	if headers == nil {
		headers = map[string]any{}
	}
	return &Message{
		Topic:   topic,
		Headers: headers,
		Body:    MessageBody{Msg: raw},
	}, nil
}

// CloneData deep-copies a decoded JSON object so results never share maps
// or slices with the message they were derived from.
func CloneData(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = CloneValue(v)
	}
	return out
}

// CloneValue deep-copies any decoded JSON value.
func CloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneData(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = CloneValue(item)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}
