package tunnelerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestRetryable(t *testing.T) {
	cases := []struct {
		err  *Error
		want bool
	}{
		{Network(CodeDialFailed, "dial", nil), true},
		{Server(CodeBackendFailed, "backend", nil), true},
		{Auth(CodeAuthRejected, "bad token", nil), false},
		{Config(CodeInvalidConfig, "bad config", nil), false},
		{Protocol(CodeBadEnvelope, "bad frame", nil), false},
		{Unknown("boom", nil), false},
	}
	for _, c := range cases {
		if got := c.err.Retryable(); got != c.want {
			t.Errorf("Retryable(%s) = %v, want %v", c.err.Category, got, c.want)
		}
	}
}

func TestCodeOfThroughWrapping(t *testing.T) {
	base := Server(CodeBreakerOpen, "breaker open", nil)
	wrapped := fmt.Errorf("forward failed: %w", base)

	if CodeOf(wrapped) != CodeBreakerOpen {
		t.Errorf("CodeOf = %q, want %q", CodeOf(wrapped), CodeBreakerOpen)
	}
	if CategoryOf(wrapped) != CategoryServer {
		t.Errorf("CategoryOf = %q, want %q", CategoryOf(wrapped), CategoryServer)
	}
	if !HasCode(wrapped, CodeBreakerOpen) {
		t.Error("HasCode should see through fmt.Errorf wrapping")
	}
}

func TestUnwrapCause(t *testing.T) {
	cause := errors.New("connection refused")
	e := Network(CodeDialFailed, "dial ws", cause)
	if !errors.Is(e, cause) {
		t.Error("errors.Is should find the cause")
	}
}

func TestWithContextDoesNotMutate(t *testing.T) {
	e := Server(CodeRateLimited, "limited", nil)
	e2 := e.WithContext("tenant", "acme")
	if len(e.Context) != 0 {
		t.Error("original error context mutated")
	}
	if e2.Context["tenant"] != "acme" {
		t.Error("copy missing context entry")
	}
}

func TestQueueTimeoutAndBreakerOpenAreDistinct(t *testing.T) {
	qt := Server(CodeQueueTimeout, "timed out in queue", nil)
	bo := Server(CodeBreakerOpen, "breaker open", nil)
	if CodeOf(qt) == CodeOf(bo) {
		t.Error("queue timeout and breaker open must carry distinct codes")
	}
}

func TestNonTaxonomyErrors(t *testing.T) {
	plain := errors.New("plain")
	if IsRetryable(plain) {
		t.Error("plain errors must not be retryable")
	}
	if CategoryOf(plain) != CategoryUnknown {
		t.Error("plain errors classify as unknown")
	}
}
