package resilience

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"testing"
)

func TestSentinelErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"ErrCircuitOpen", ErrCircuitOpen},
		{"ErrMaxRetriesExceeded", ErrMaxRetriesExceeded},
		{"ErrNonRetryable", ErrNonRetryable},
		{"ErrTimeout", ErrTimeout},
		{"ErrValidation", ErrValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err == nil {
				t.Errorf("%s is nil", tt.name)
			}
			if tt.err.Error() == "" {
				t.Errorf("%s has empty message", tt.name)
			}
		})
	}
}

type statusErr int

func (e statusErr) Error() string   { return fmt.Sprintf("status %d", int(e)) }
func (e statusErr) StatusCode() int { return int(e) }

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		code int
		want Kind
	}{
		{408, KindTimeout},
		{504, KindTimeout},
		{429, KindRateLimit},
		{500, KindServer},
		{502, KindServer},
		{503, KindServer},
		{400, KindClient},
		{401, KindClient},
		{404, KindClient},
		{422, KindClient},
		{501, KindUnknown},
		{200, KindUnknown},
	}

	for _, tt := range tests {
		if got := ClassifyStatus(tt.code); got != tt.want {
			t.Errorf("ClassifyStatus(%d) = %s, want %s", tt.code, got, tt.want)
		}
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindUnknown},
		{"validation", fmt.Errorf("bad param: %w", ErrValidation), KindValidation},
		{"circuit", ErrCircuitOpen, KindCircuit},
		{"timeout sentinel", ErrTimeout, KindTimeout},
		{"deadline", context.DeadlineExceeded, KindTimeout},
		{"status 503", fmt.Errorf("call: %w", statusErr(503)), KindServer},
		{"status 429", statusErr(429), KindRateLimit},
		{"status 404", statusErr(404), KindClient},
		{"net timeout", &net.OpError{Op: "dial", Err: timeoutErr{}}, KindTimeout},
		{"conn reset", fmt.Errorf("read: %w", syscall.ECONNRESET), KindNetwork},
		{"conn refused", &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, KindNetwork},
		{"unexpected eof", io.ErrUnexpectedEOF, KindNetwork},
		{"dns", &net.DNSError{Err: "no such host", Name: "x"}, KindNetwork},
		{"plain", errors.New("boom"), KindUnknown},
		{"operation error", &OperationError{Kind: KindServer, Terminal: ErrMaxRetriesExceeded}, KindServer},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestKind_Retryable(t *testing.T) {
	retryable := map[Kind]bool{
		KindTimeout:    true,
		KindRateLimit:  true,
		KindServer:     true,
		KindNetwork:    true,
		KindClient:     false,
		KindValidation: false,
		KindCircuit:    false,
		KindUnknown:    false,
	}
	for k, want := range retryable {
		if got := k.Retryable(); got != want {
			t.Errorf("%s.Retryable() = %v, want %v", k, got, want)
		}
	}
}

func TestOperationError_Unwrap(t *testing.T) {
	cause := statusErr(503)
	err := error(&OperationError{
		Op:       "send_email",
		JobID:    "j1",
		Attempts: 3,
		Kind:     KindServer,
		Terminal: ErrMaxRetriesExceeded,
		Err:      cause,
	})

	if !errors.Is(err, ErrMaxRetriesExceeded) {
		t.Error("errors.Is(err, ErrMaxRetriesExceeded) = false")
	}
	if !errors.Is(err, cause) {
		t.Error("errors.Is(err, cause) = false")
	}

	var sc StatusCoder
	if !errors.As(err, &sc) || sc.StatusCode() != 503 {
		t.Error("errors.As did not reach the status code of the cause")
	}

	want := `resilience: max retries exceeded: operation "send_email" after 3 attempt(s): status 503`
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}

	bare := &OperationError{Op: "x", Terminal: ErrCircuitOpen}
	if len(bare.Unwrap()) != 1 {
		t.Errorf("Unwrap() of causeless error = %v, want only the sentinel", bare.Unwrap())
	}
}
