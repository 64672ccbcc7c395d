package router

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrMalformedMessage the message does not carry a device ID
var ErrMalformedMessage = errors.New("malformed message")

// MessageKind classification of an inbound message
type MessageKind int

const (
	// KindReading a sensor reading
	KindReading MessageKind = iota
	// KindBoot device boot, requesting its model and the catalog
	KindBoot
	// KindModelChange device requesting a new fruit variety
	KindModelChange
)

// Command leading tokens
const (
	CommandBoot        = "MR"
	CommandModelChange = "MC"
)

// String toString function
func (k MessageKind) String() string {
	switch k {
	case KindBoot:
		return "boot"
	case KindModelChange:
		return "model_change"
	default:
		return "reading"
	}
}

// ParsedMessage an inbound message split into its fields
type ParsedMessage struct {
	Kind MessageKind
	// DeviceID the last field of the message
	DeviceID string
	// Raw the message as received
	Raw string
	// Tokens the comma separated fields, trimmed
	Tokens []string
}

// ParseMessage classify a raw message by its leading field. The last field is
// always the device ID.
func ParseMessage(raw string) (ParsedMessage, error) {
	if strings.TrimSpace(raw) == "" {
		return ParsedMessage{}, fmt.Errorf("%w: empty message", ErrMalformedMessage)
	}
	tokens := strings.Split(raw, ",")
	for idx, token := range tokens {
		tokens[idx] = strings.TrimSpace(token)
	}
	deviceID := tokens[len(tokens)-1]
	if deviceID == "" {
		return ParsedMessage{}, fmt.Errorf("%w: no device ID in '%s'", ErrMalformedMessage, raw)
	}
	result := ParsedMessage{Kind: KindReading, DeviceID: deviceID, Raw: raw, Tokens: tokens}
	switch tokens[0] {
	case CommandBoot:
		result.Kind = KindBoot
	case CommandModelChange:
		result.Kind = KindModelChange
	}
	return result, nil
}

// InboundMessage a message queued for processing
type InboundMessage struct {
	Topic    string
	Payload  string
	Received time.Time
}

// TaskKey messages of the same device share a key, so they are processed in
// arrival order by the same worker
func (m InboundMessage) TaskKey() string {
	tokens := strings.Split(m.Payload, ",")
	return strings.TrimSpace(tokens[len(tokens)-1])
}
