package proto

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestEnvelopeWireFieldNames(t *testing.T) {
	env := &Envelope{
		Type:          TypeRequest,
		RequestID:     "req-1",
		CorrelationID: "corr-1",
		Headers:       map[string]string{"X-Test": "1"},
		Payload:       []byte("hello"),
		StatusCode:    200,
	}
	b, err := env.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	s := string(b)
	for _, field := range []string{`"type"`, `"requestId"`, `"correlationId"`, `"headers"`, `"payloadBase64"`, `"statusCode"`} {
		if !strings.Contains(s, field) {
			t.Errorf("wire frame missing %s: %s", field, s)
		}
	}

	got, err := ParseEnvelope(b)
	if err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}
	if string(got.Payload) != "hello" {
		t.Errorf("payload round trip = %q", got.Payload)
	}
}

func TestParseEnvelopeRejectsUnknownType(t *testing.T) {
	b, _ := json.Marshal(map[string]any{"type": "telemetry", "requestId": "x"})
	if _, err := ParseEnvelope(b); err == nil {
		t.Error("unknown type must be rejected")
	}
}

func TestParseEnvelopeRequiresRequestID(t *testing.T) {
	b, _ := json.Marshal(map[string]any{"type": "response"})
	if _, err := ParseEnvelope(b); err == nil {
		t.Error("response without requestId must be rejected")
	}
	b, _ = json.Marshal(map[string]any{"type": "ping"})
	if _, err := ParseEnvelope(b); err != nil {
		t.Errorf("ping without requestId should parse: %v", err)
	}
}

func TestRequestEnvelopeCarriesTimeoutHeader(t *testing.T) {
	req := &Request{
		ID:      "r1",
		Timeout: 1500 * time.Millisecond,
		Headers: map[string]string{"X-App": "v"},
	}
	env := req.Envelope()
	if env.Headers[HeaderTimeoutMillis] != "1500" {
		t.Errorf("timeout header = %q", env.Headers[HeaderTimeoutMillis])
	}
	if env.Headers["X-App"] != "v" {
		t.Error("application headers must be preserved")
	}
	if req.Headers[HeaderTimeoutMillis] != "" {
		t.Error("original request headers must not be mutated")
	}
}

func TestRequestExpired(t *testing.T) {
	now := time.Now()
	req := &Request{CreatedAt: now, Timeout: time.Second}
	if req.Expired(now.Add(500 * time.Millisecond)) {
		t.Error("not expired before deadline")
	}
	if !req.Expired(now.Add(2 * time.Second)) {
		t.Error("expired after deadline")
	}
	noTimeout := &Request{CreatedAt: now}
	if noTimeout.Expired(now.Add(time.Hour)) {
		t.Error("zero timeout never expires")
	}
}

func TestResponseFromEnvelope(t *testing.T) {
	sent := time.Now()
	recv := sent.Add(40 * time.Millisecond)
	env := &Envelope{Type: TypeResponse, RequestID: "r1", CorrelationID: "c1", StatusCode: 204}
	resp := ResponseFromEnvelope(env, sent, recv)
	if resp.Latency != 40*time.Millisecond {
		t.Errorf("latency = %v", resp.Latency)
	}
	if resp.RequestID != "r1" || resp.CorrelationID != "c1" || resp.StatusCode != 204 {
		t.Errorf("unexpected response: %+v", resp)
	}
}
