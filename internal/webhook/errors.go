package webhook

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownEventType = errors.New("unknown event type")
	ErrMalformedField   = errors.New("malformed field")
)

type ErrorKind int

const (
	KindUnknownEventType ErrorKind = iota + 1
	KindMalformed
)

// NormalizationError describes why a payload could not become an Event. It
// never carries payload values, only the event type and a field path, so it is
// safe to log.
type NormalizationError struct {
	Kind      ErrorKind
	EventType string
	Field     string
	Reason    string
}

func (e *NormalizationError) Error() string {
	switch e.Kind {
	case KindUnknownEventType:
		return fmt.Sprintf("unknown event type %q", e.EventType)
	default:
		if e.Reason != "" {
			return fmt.Sprintf("malformed field %s: %s", e.Field, e.Reason)
		}
		return "malformed field " + e.Field
	}
}

func (e *NormalizationError) Is(target error) bool {
	switch target {
	case ErrUnknownEventType:
		return e.Kind == KindUnknownEventType
	case ErrMalformedField:
		return e.Kind == KindMalformed
	default:
		return false
	}
}

func malformed(eventType, field, reason string) *NormalizationError {
	return &NormalizationError{Kind: KindMalformed, EventType: eventType, Field: field, Reason: reason}
}
