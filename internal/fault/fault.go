// Package fault classifies bridge failures and maps them to log records and exit codes.
package fault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Kind identifies a class of failure.
type Kind string

const (
	KindConfig                Kind = "ConfigError"
	KindBrokerTransport       Kind = "BrokerTransportError"
	KindBrokerUnreachable     Kind = "BrokerUnreachable"
	KindWebhookRetriable      Kind = "WebhookRetriable"
	KindWebhookPermanent      Kind = "WebhookPermanent"
	KindDeadLetterUnavailable Kind = "DeadLetterUnavailable"
	KindShutdownRequested     Kind = "ShutdownRequested"
	KindInvariantViolation    Kind = "InvariantViolation"
)

// Process exit codes.
const (
	ExitOK          = 0
	ExitFailure     = 1
	ExitConfig      = 64
	ExitUnavailable = 69
	ExitInternal    = 70
)

// Error is a classified failure tied to a message position when one is known.
// Partition and Offset are -1 when not applicable.
type Error struct {
	Kind      Kind
	Topic     string
	Partition int32
	Offset    int64
	Attempt   int
	Detail    string
	Err       error
}

// New creates an Error that is not tied to a message.
func New(kind Kind, detail string, err error) *Error {
	return &Error{Kind: kind, Partition: -1, Offset: -1, Detail: detail, Err: err}
}

// At creates an Error for the given message position.
func At(kind Kind, topic string, partition int32, offset int64, attempt int, detail string, err error) *Error {
	return &Error{
		Kind:      kind,
		Topic:     topic,
		Partition: partition,
		Offset:    offset,
		Attempt:   attempt,
		Detail:    detail,
		Err:       err,
	}
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Topic != "" {
		msg += fmt.Sprintf(" %s[%d]@%d", e.Topic, e.Partition, e.Offset)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of the first *Error in err's chain.
// Context cancellation maps to KindShutdownRequested.
func KindOf(err error) (Kind, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind, true
	}
	if errors.Is(err, context.Canceled) {
		return KindShutdownRequested, true
	}
	return "", false
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// ExitCode maps an error returned by the supervisor to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	kind, ok := KindOf(err)
	if !ok {
		return ExitFailure
	}
	switch kind {
	case KindShutdownRequested:
		return ExitOK
	case KindConfig:
		return ExitConfig
	case KindBrokerUnreachable:
		return ExitUnavailable
	case KindInvariantViolation:
		return ExitInternal
	default:
		return ExitFailure
	}
}

// Log writes one structured record for err with the standard fault fields.
func Log(logger *slog.Logger, msg string, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	var fe *Error
	if !errors.As(err, &fe) {
		logger.Error(msg, "kind", "Unclassified", "detail", errString(err))
		return
	}
	level := slog.LevelError
	switch fe.Kind {
	case KindWebhookRetriable, KindBrokerTransport:
		level = slog.LevelWarn
	case KindShutdownRequested:
		level = slog.LevelInfo
	}
	detail := fe.Detail
	if fe.Err != nil {
		if detail != "" {
			detail += ": "
		}
		detail += fe.Err.Error()
	}
	logger.Log(context.Background(), level, msg,
		"kind", string(fe.Kind),
		"topic", fe.Topic,
		"partition", fe.Partition,
		"offset", fe.Offset,
		"attempt", fe.Attempt,
		"detail", detail,
	)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
