package backend

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies why a stage, item or job did not succeed.
type ErrorKind string

const (
	KindNoNetwork           ErrorKind = "no_network"
	KindPrerequisiteMissing ErrorKind = "prerequisite_missing"
	KindTimedOut            ErrorKind = "timed_out"
	KindStageFailed         ErrorKind = "stage_failed"
	KindItemFailed          ErrorKind = "item_failed"
	KindCancelled           ErrorKind = "cancelled"
	KindInvalidInput        ErrorKind = "invalid_input"
)

// Sentinels for errors.Is checks against a *JobError.
var (
	ErrNoNetwork           = errors.New("no network connection")
	ErrPrerequisiteMissing = errors.New("required tool not found")
	ErrTimedOut            = errors.New("timed out")
	ErrStageFailed         = errors.New("stage failed")
	ErrItemFailed          = errors.New("item failed")
	ErrCancelled           = errors.New("cancelled")
	ErrInvalidInput        = errors.New("invalid input")
)

var kindSentinels = map[ErrorKind]error{
	KindNoNetwork:           ErrNoNetwork,
	KindPrerequisiteMissing: ErrPrerequisiteMissing,
	KindTimedOut:            ErrTimedOut,
	KindStageFailed:         ErrStageFailed,
	KindItemFailed:          ErrItemFailed,
	KindCancelled:           ErrCancelled,
	KindInvalidInput:        ErrInvalidInput,
}

// JobError is the structured failure carried by pipeline and batch results.
// Callers switch on Kind; Diagnostics holds the captured tool output excerpt.
type JobError struct {
	Kind        ErrorKind `json:"kind"`
	Stage       string    `json:"stage,omitempty"`
	Item        string    `json:"item,omitempty"`
	ExitCode    int       `json:"exitCode,omitempty"`
	Message     string    `json:"message"`
	Diagnostics []string  `json:"diagnostics,omitempty"`
	Err         error     `json:"-"`
}

func (e *JobError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Stage != "" {
		fmt.Fprintf(&b, " [stage %s]", e.Stage)
	}
	if e.Item != "" {
		fmt.Fprintf(&b, " [item %s]", e.Item)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.ExitCode != 0 {
		fmt.Fprintf(&b, " (exit code %d)", e.ExitCode)
	}
	return b.String()
}

func (e *JobError) Unwrap() error {
	return e.Err
}

// Is reports a match against the sentinel for the error's kind.
func (e *JobError) Is(target error) bool {
	if s, ok := kindSentinels[e.Kind]; ok && s == target {
		return true
	}
	return false
}

// newJobError builds a JobError and fills Message from err when empty.
func newJobError(kind ErrorKind, msg string, err error) *JobError {
	if msg == "" && err != nil {
		msg = err.Error()
	}
	return &JobError{Kind: kind, Message: msg, Err: err}
}

// AsJobError extracts a *JobError from err. Plain errors become kind fallback.
func AsJobError(err error, fallback ErrorKind) *JobError {
	if err == nil {
		return nil
	}
	var je *JobError
	if errors.As(err, &je) {
		return je
	}
	for kind, sentinel := range kindSentinels {
		if errors.Is(err, sentinel) {
			return newJobError(kind, err.Error(), err)
		}
	}
	return newJobError(fallback, err.Error(), err)
}

// IsCancelled reports whether err represents a user-requested stop.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}

// ToolError describes a failed external tool invocation.
type ToolError struct {
	Command  string
	Args     []string
	ExitCode int
	Tail     []string
	Err      error
}

func (e *ToolError) Error() string {
	msg := fmt.Sprintf("%s exited with code %d", e.Command, e.ExitCode)
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if n := len(e.Tail); n > 0 {
		msg += "\n" + strings.Join(e.Tail, "\n")
	}
	return msg
}

func (e *ToolError) Unwrap() error {
	return e.Err
}

// networkMarkers are substrings that tools print when the failure was a
// connectivity problem rather than a bad input.
var networkMarkers = []string{
	"network is unreachable",
	"connection refused",
	"connection reset",
	"temporary failure in name resolution",
	"name or service not known",
	"no route to host",
	"unable to download webpage",
	"failed to resolve",
	"timed out",
	"getaddrinfo failed",
}

// looksLikeNetworkFailure scans captured output for connectivity errors.
func looksLikeNetworkFailure(lines []string) bool {
	for _, line := range lines {
		l := strings.ToLower(line)
		for _, m := range networkMarkers {
			if strings.Contains(l, m) {
				return true
			}
		}
	}
	return false
}
