package forwarder

import "time"

// Kind classifies a forwarding attempt.
type Kind int

const (
	Success Kind = iota
	Retriable
	Permanent
)

func (k Kind) String() string {
	switch k {
	case Success:
		return "success"
	case Retriable:
		return "retriable"
	case Permanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Outcome is the classified result of one POST.
type Outcome struct {
	Kind       Kind
	Status     int           // HTTP status, 0 when no response was received
	Reason     string        // empty on success
	RetryAfter time.Duration // receiver's Retry-After hint, if any
	Latency    time.Duration
}
