// Package proto defines the wire message envelope exchanged over a tunnel
// connection and the request/response model shared by client and server.
package proto

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType discriminates envelope payloads.
type MessageType string

const (
	TypeRequest  MessageType = "request"
	TypeResponse MessageType = "response"
	TypePing     MessageType = "ping"
	TypePong     MessageType = "pong"
	TypeClose    MessageType = "close"
)

// Reserved header keys carried inside the envelope header map.
const (
	HeaderTimeoutMillis = "Conduit-Timeout-Ms"
	HeaderErrorCode     = "Conduit-Error"
	HeaderRetryAfterMs  = "Conduit-Retry-After-Ms"
)

// Envelope is the single frame type used in both directions. Payload marshals
// as standard base64 under the payloadBase64 key.
type Envelope struct {
	Type          MessageType       `json:"type"`
	RequestID     string            `json:"requestId,omitempty"`
	CorrelationID string            `json:"correlationId,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	Payload       []byte            `json:"payloadBase64,omitempty"`
	StatusCode    int               `json:"statusCode,omitempty"`
}

// Validate rejects envelopes with an unknown type or a missing request id on
// request/response frames.
func (e *Envelope) Validate() error {
	switch e.Type {
	case TypeRequest, TypeResponse:
		if e.RequestID == "" {
			return fmt.Errorf("%s envelope missing requestId", e.Type)
		}
	case TypePing, TypePong, TypeClose:
	default:
		return fmt.Errorf("unknown envelope type %q", e.Type)
	}
	return nil
}

func (e *Envelope) Marshal() ([]byte, error) { return json.Marshal(e) }

// ParseEnvelope decodes and validates a wire frame.
func ParseEnvelope(b []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, err
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

// Priority orders requests in the client queue.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// Request is a unit of forwarded work. It is immutable once enqueued except
// for Retries, which only the queue may bump.
type Request struct {
	ID            string
	Tenant        string
	Priority      Priority
	CreatedAt     time.Time
	Timeout       time.Duration
	Headers       map[string]string
	Payload       []byte
	Retries       int
	CorrelationID string
}

// Expired reports whether the request's own timeout elapsed.
func (r *Request) Expired(now time.Time) bool {
	return r.Timeout > 0 && now.After(r.CreatedAt.Add(r.Timeout))
}

// Envelope renders the request as a wire frame. The timeout rides in a
// reserved header so the server can bound its backend call.
func (r *Request) Envelope() *Envelope {
	h := make(map[string]string, len(r.Headers)+1)
	for k, v := range r.Headers {
		h[k] = v
	}
	if r.Timeout > 0 {
		h[HeaderTimeoutMillis] = fmt.Sprintf("%d", r.Timeout.Milliseconds())
	}
	return &Envelope{
		Type:          TypeRequest,
		RequestID:     r.ID,
		CorrelationID: r.CorrelationID,
		Headers:       h,
		Payload:       r.Payload,
	}
}

// Response pairs with exactly one Request by id. Created once, immutable.
type Response struct {
	RequestID     string
	StatusCode    int
	Headers       map[string]string
	Payload       []byte
	Latency       time.Duration
	ReceivedAt    time.Time
	CorrelationID string
}

// Envelope renders the response as a wire frame.
func (r *Response) Envelope() *Envelope {
	return &Envelope{
		Type:          TypeResponse,
		RequestID:     r.RequestID,
		CorrelationID: r.CorrelationID,
		Headers:       r.Headers,
		Payload:       r.Payload,
		StatusCode:    r.StatusCode,
	}
}

// ResponseFromEnvelope builds the client-side response record for a matched
// response frame. Latency and ReceivedAt are stamped by the caller's clock.
func ResponseFromEnvelope(env *Envelope, sentAt, now time.Time) *Response {
	return &Response{
		RequestID:     env.RequestID,
		StatusCode:    env.StatusCode,
		Headers:       env.Headers,
		Payload:       env.Payload,
		Latency:       now.Sub(sentAt),
		ReceivedAt:    now,
		CorrelationID: env.CorrelationID,
	}
}
