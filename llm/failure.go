package llm

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/m4xw311/iabuilder/errors"
)

// FailureKind classifies why a Send failed.
type FailureKind int

const (
	// FailureTransient covers throttling, overload and network hiccups.
	FailureTransient FailureKind = iota
	// FailureAuth covers rejected or missing credentials.
	FailureAuth
	// FailurePermanent covers requests the backend will never accept.
	FailurePermanent
	// FailureMalformedToolCall means the model tried to call a tool but the
	// call could not be decoded.
	FailureMalformedToolCall
)

func (k FailureKind) String() string {
	switch k {
	case FailureTransient:
		return "transient"
	case FailureAuth:
		return "auth"
	case FailurePermanent:
		return "permanent"
	case FailureMalformedToolCall:
		return "malformed_tool_call"
	}
	return "unknown"
}

// Failure is the error type every adapter returns from Send.
type Failure struct {
	Kind       FailureKind
	Backend    string
	StatusCode int
	Message    string
	// Raw holds the undecodable model output for malformed tool calls.
	Raw        string
	Err        error
	retryAfter time.Duration
}

func (f *Failure) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s failure", f.Backend, f.Kind)
	if f.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", f.StatusCode)
	}
	if f.Message != "" {
		b.WriteString(": ")
		b.WriteString(f.Message)
	}
	if f.Err != nil {
		b.WriteString(": ")
		b.WriteString(f.Err.Error())
	}
	return b.String()
}

func (f *Failure) Unwrap() error { return f.Err }

// Retryable reports whether repeating the same request may succeed.
func (f *Failure) Retryable() bool { return f.Kind == FailureTransient }

// RetryAfter is the backend's suggested delay, zero when none was given.
func (f *Failure) RetryAfter() time.Duration { return f.retryAfter }

// IsRetryable reports whether err is a transient Failure.
func IsRetryable(err error) bool {
	var f *Failure
	return errors.As(err, &f) && f.Retryable()
}

// IsKind reports whether err is a Failure of the given kind.
func IsKind(err error, kind FailureKind) bool {
	var f *Failure
	return errors.As(err, &f) && f.Kind == kind
}

func malformed(backend, raw string, err error) *Failure {
	return &Failure{
		Kind:    FailureMalformedToolCall,
		Backend: backend,
		Message: "model emitted a tool call that could not be parsed",
		Raw:     raw,
		Err:     err,
	}
}

// classifyStatus maps an HTTP status to a failure kind.
func classifyStatus(status int) FailureKind {
	switch {
	case status == http.StatusTooManyRequests,
		status == http.StatusRequestTimeout,
		status == 529, // overloaded
		status >= 500:
		return FailureTransient
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return FailureAuth
	}
	return FailurePermanent
}

// httpFailure builds a Failure from an SDK error that exposed its HTTP
// response.
func httpFailure(backend string, status int, resp *http.Response, err error) *Failure {
	f := &Failure{
		Kind:       classifyStatus(status),
		Backend:    backend,
		StatusCode: status,
		Err:        err,
	}
	if resp != nil {
		f.retryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	}
	return f
}

// transportFailure classifies errors raised before any HTTP status was
// available.
func transportFailure(backend string, err error) *Failure {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &Failure{Kind: FailurePermanent, Backend: backend, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return &Failure{Kind: FailureTransient, Backend: backend, Err: err}
	}
	msg := strings.ToLower(err.Error())
	for _, hint := range []string{"connection reset", "connection refused", "timeout", "rate limit", "overloaded"} {
		if strings.Contains(msg, hint) {
			return &Failure{Kind: FailureTransient, Backend: backend, Err: err}
		}
	}
	return &Failure{Kind: FailurePermanent, Backend: backend, Err: err}
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
		return time.Duration(secs * float64(time.Second))
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
