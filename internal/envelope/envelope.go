// Package envelope builds the JSON body posted to the webhook.
package envelope

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/lsm/hookbridge/internal/broker"
)

// Payload encodings.
const (
	EncodingUTF8   = "utf-8"
	EncodingBase64 = "base64"
)

// Envelope wraps a record for delivery. Message holds the payload as text
// when it is valid UTF-8, otherwise its standard base64 encoding.
type Envelope struct {
	Message   string `json:"message"`
	Encoding  string `json:"encoding"`
	Topic     string `json:"topic"`
	Partition int32  `json:"partition"`
	Offset    int64  `json:"offset"`
	Timestamp int64  `json:"timestamp"`
}

// New builds the envelope for msg.
func New(msg broker.Message) Envelope {
	env := Envelope{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Timestamp: msg.Timestamp,
	}
	if utf8.Valid(msg.Payload) {
		env.Message = string(msg.Payload)
		env.Encoding = EncodingUTF8
	} else {
		env.Message = base64.StdEncoding.EncodeToString(msg.Payload)
		env.Encoding = EncodingBase64
	}
	return env
}

// Payload returns the original record bytes.
func (e Envelope) Payload() ([]byte, error) {
	switch e.Encoding {
	case EncodingUTF8, "":
		return []byte(e.Message), nil
	case EncodingBase64:
		b, err := base64.StdEncoding.DecodeString(e.Message)
		if err != nil {
			return nil, fmt.Errorf("decode base64 message: %w", err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown encoding %q", e.Encoding)
	}
}

// Marshal returns the wire form of the envelope.
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal parses a wire-form envelope.
func Unmarshal(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("parse envelope: %w", err)
	}
	return e, nil
}
