package pwapush

import (
	"errors"
	"fmt"
	"net/http"
)

// Status classifies the result of one delivery attempt.
type Status int

const (
	// Failed means the push service did not accept the message.
	Failed Status = iota
	// Delivered means the push service accepted the message (201 Created).
	Delivered
	// Expired means the subscription is gone (404 or 410) and the caller
	// should delete it.
	Expired
)

func (s Status) String() string {
	switch s {
	case Delivered:
		return "Delivered"
	case Expired:
		return "Expired"
	default:
		return "Failed"
	}
}

// Outcome is the result of delivering to a single subscription.
type Outcome struct {
	Status Status
	// StatusCode is the push service response code, or 0 when no response
	// was received.
	StatusCode int
	// Reason describes a Failed outcome.
	Reason string
	// Err is the underlying cause of a Failed outcome.
	Err error
}

// String returns the summary line reported back to callers.
func (o Outcome) String() string {
	switch o.Status {
	case Delivered:
		return "Delivered"
	case Expired:
		return "Subscription expired - removed"
	default:
		return "Failed: " + o.Reason
	}
}

func delivered(code int) Outcome {
	return Outcome{Status: Delivered, StatusCode: code}
}

func expired(code int) Outcome {
	return Outcome{Status: Expired, StatusCode: code}
}

func failed(reason string, err error) Outcome {
	return Outcome{Status: Failed, Reason: reason, Err: err}
}

// classify maps a push service response to an outcome.
func classify(code int, body []byte) Outcome {
	switch code {
	case http.StatusCreated:
		return delivered(code)
	case http.StatusNotFound, http.StatusGone:
		return expired(code)
	}
	o := failed(fmt.Sprintf("HTTP %d: %s", code, body), fmt.Errorf("%w: HTTP %d", ErrPushService, code))
	o.StatusCode = code
	return o
}

// retryable reports whether the failure says something about the push
// service's health rather than about this one message.
func (o Outcome) retryable() bool {
	if o.Status != Failed {
		return false
	}
	if errors.Is(o.Err, ErrTransport) {
		return true
	}
	return o.StatusCode == http.StatusTooManyRequests || o.StatusCode >= 500
}
