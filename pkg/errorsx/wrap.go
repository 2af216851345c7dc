package errorsx

import (
	"context"
	"errors"
	"log/slog"
)

// ReasonedError pairs an error with the reason code logged for it.
type ReasonedError struct {
	Err    error
	Reason ReasonCode
}

func (e ReasonedError) Error() string {
	if e.Err == nil {
		return string(e.Reason)
	}
	return e.Err.Error()
}

func (e ReasonedError) Unwrap() error {
	return e.Err
}

// Wrap tags err with reason. An error that already carries a reason keeps
// it, so the code assigned closest to the engine wins.
func Wrap(err error, reason ReasonCode) error {
	if err == nil {
		return nil
	}
	if _, ok := find(err); ok {
		return err
	}
	return ReasonedError{Err: err, Reason: reason}
}

// New returns a reasoned error with the given message.
func New(reason ReasonCode, msg string) error {
	return ReasonedError{Err: errors.New(msg), Reason: reason}
}

// Reason returns the code attached to err, or ReasonUnknown.
func Reason(err error) ReasonCode {
	if re, ok := find(err); ok {
		return re.Reason
	}
	return ReasonUnknown
}

func HasReason(err error, reason ReasonCode) bool {
	return Reason(err) == reason
}

// IsCanceled reports whether err comes from a cancelled or expired context.
// Such errors are routine during barge-in and teardown.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Level picks the log level for err: debug for cancellation, warn otherwise.
func Level(err error) slog.Level {
	if IsCanceled(err) {
		return slog.LevelDebug
	}
	return slog.LevelWarn
}

// Attrs returns the reason_code and error attributes every failure log
// line carries.
func Attrs(err error) []any {
	if err == nil {
		return nil
	}
	return []any{
		slog.String("reason_code", string(Reason(err))),
		slog.String("error", err.Error()),
	}
}

func find(err error) (ReasonedError, bool) {
	if err == nil {
		return ReasonedError{}, false
	}
	var re ReasonedError
	if errors.As(err, &re) {
		return re, true
	}
	return ReasonedError{}, false
}
