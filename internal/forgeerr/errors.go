// Package forgeerr defines the machine-readable error taxonomy shared by
// every core component: a struct carrying a stable Kind plus human detail,
// rather than ad hoc fmt.Errorf strings at component boundaries.
package forgeerr

import "fmt"

// Kind is a stable, machine-readable error tag.
type Kind string

const (
	InvalidInput      Kind = "INVALID_INPUT"
	PluginNotFound    Kind = "PLUGIN_NOT_FOUND"
	ToolNotFound      Kind = "TOOL_NOT_FOUND"
	InvalidPlugin     Kind = "INVALID_PLUGIN"
	PipelineNotFound  Kind = "PIPELINE_NOT_FOUND"
	PipelineNodeError Kind = "PIPELINE_NODE_FAILED"
	VideoOpenFailed   Kind = "VIDEO_OPEN_FAILED"
	FrameDecodeFailed Kind = "FRAME_DECODE_FAILED"
	JSONUnsafe        Kind = "JSON_UNSAFE"
	JobNotFound       Kind = "JOB_NOT_FOUND"
	JobTerminal       Kind = "JOB_TERMINAL"
	Protocol          Kind = "PROTOCOL"
	Backpressure      Kind = "BACKPRESSURE"
	Timeout           Kind = "TIMEOUT"
	Cancelled         Kind = "CANCELLED"
	Internal          Kind = "INTERNAL"
)

// Error is the concrete error type carried across every core boundary.
type Error struct {
	Kind    Kind
	Message string
	// Field/Reason narrow an InvalidPlugin or InvalidInput violation to a
	// specific struct field: {name, field, reason}.
	Field  string
	Reason string
	cause  error
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s (field=%s)", e.Kind, e.Message, e.Field)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds a Kind-tagged error.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap tags an underlying error with a Kind, preserving it for errors.Is/As.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// WithField attaches the violated field/reason to an InvalidPlugin or
// InvalidInput error.
func (e *Error) WithField(field, reason string) *Error {
	e.Field = field
	e.Reason = reason
	return e
}

// Is reports whether target carries the same Kind — lets callers write
// errors.Is(err, forgeerr.New(forgeerr.PluginNotFound, "")).
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return other.Kind == e.Kind
}

// KindOf extracts the Kind from err, defaulting to Internal when err isn't
// a *Error — used by the (out-of-core) HTTP boundary to pick a status code.
func KindOf(err error) Kind {
	var e *Error
	if as(err, &e) {
		return e.Kind
	}
	return Internal
}

func as(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
