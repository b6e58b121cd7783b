package protocol

import (
	"fmt"
	"time"
)

// Problem type identifiers carried in the "type" member of an RFC 7807
// problem object.
const (
	TypeRegistrationFailed = "RegistrationFailed"
	TypeLaneOverflow       = "LaneOverflow"
	TypeRateLimited        = "RateLimited"
	TypeHeartbeatMissed    = "HeartbeatMissed"
	TypeDeviceKeyUnknown   = "DeviceKeyUnknown"
	TypeMalformedFrame     = "MalformedFrame"
	TypeInternal           = "Internal"
	TypeReconnectExhausted = "ReconnectExhausted"
	TypeHandlerError       = "HandlerError"
)

// Problem is an RFC 7807-shaped error envelope.
type Problem struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Validate checks the structural invariants of a problem object.
func (p *Problem) Validate() error {
	if p.Type == "" || p.Title == "" {
		return malformed("problem type and title are required")
	}
	if p.Status < 100 || p.Status > 599 {
		return malformed("problem status %d is not an HTTP-style code", p.Status)
	}
	return nil
}

// Error implements the error interface so a Problem can travel as an error
// value.
func (p *Problem) Error() string {
	if p.Detail != "" {
		return fmt.Sprintf("%s (%d): %s", p.Title, p.Status, p.Detail)
	}
	return fmt.Sprintf("%s (%d)", p.Title, p.Status)
}

// ProblemError wraps a Problem as a Go error for code that needs both the
// error chain and the wire shape.
type ProblemError struct {
	Problem Problem
}

func (e *ProblemError) Error() string { return e.Problem.Error() }

// AsProblem extracts the Problem from an error if it carries one, falling
// back to a generic Internal problem so the wire never leaks raw error text
// from unclassified failures.
func AsProblem(err error) Problem {
	if pe, ok := err.(*ProblemError); ok {
		return pe.Problem
	}
	if p, ok := err.(*Problem); ok {
		return *p
	}
	return Problem{Type: TypeInternal, Title: "Internal error", Status: 500}
}

// Canned problems for the failure modes the supervisor emits.

func ProblemRegistrationFailed() Problem {
	return Problem{Type: TypeRegistrationFailed, Title: "Registration failed", Status: 401}
}

func ProblemLaneOverflow(lane Lane, evictedID string) Problem {
	return Problem{
		Type:   TypeLaneOverflow,
		Title:  "Lane overflow",
		Status: 507,
		Detail: fmt.Sprintf("lane %q is full; evicted oldest message %q", lane, evictedID),
	}
}

func ProblemRateLimited() Problem {
	return Problem{Type: TypeRateLimited, Title: "Rate limit exceeded", Status: 429}
}

func ProblemHeartbeatMissed() Problem {
	return Problem{Type: TypeHeartbeatMissed, Title: "Heartbeat missed", Status: 408}
}

func ProblemInternal() Problem {
	return Problem{Type: TypeInternal, Title: "Internal error", Status: 500}
}

// NewErrorFrame builds an error frame for the given problem, stamped with
// the current time.
func NewErrorFrame(requestID string, p Problem) *ErrorFrame {
	return &ErrorFrame{
		RequestID: requestID,
		Problem:   p,
		Timestamp: time.Now().UnixMilli(),
	}
}
