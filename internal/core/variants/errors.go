package variants

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/multierr"
)

var (
	ErrCanceled          = errors.New("operation canceled")
	ErrInvalidBytes      = errors.New("variant bytes must not be empty")
	ErrCorruptRecord     = errors.New("corrupt sync record")
	ErrNotSupported      = errors.New("operation not supported")
	ErrContentsNotCached = errors.New("variant contents are not cached")
	ErrContainer         = errors.New("containers have no contents")
)

// Code classifies failures crossing the sync core boundary.
type Code int

const (
	CodeUnknown Code = iota
	CodeCanceled
	CodeInvalidArgument
	CodeStore
	CodeFilesystem
	CodeRemote
	CodeCorrupt
	CodeContent
	CodeNotSupported
)

var codeNames = map[Code]string{
	CodeUnknown:         "unknown",
	CodeCanceled:        "canceled",
	CodeInvalidArgument: "invalid argument",
	CodeStore:           "store",
	CodeFilesystem:      "filesystem",
	CodeRemote:          "remote",
	CodeCorrupt:         "corrupt",
	CodeContent:         "content",
	CodeNotSupported:    "not supported",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return "unknown"
}

// Error is the uniform failure type of the sync core. Store, filesystem and
// remote failures are wrapped into it at every boundary.
type Error struct {
	Code     Code
	Message  string
	Resource string
	Cause    error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Message)
	if e.Resource != "" {
		b.WriteString(" [")
		b.WriteString(e.Resource)
		b.WriteString("]")
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a coded error.
func NewError(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// WithResource records the resource path the error concerns.
func (e *Error) WithResource(p string) *Error {
	e.Resource = p
	return e
}

// Wrap translates err into the uniform failure type. Nil stays nil,
// cancellations and errors that already are *Error pass through unchanged.
func Wrap(err error, code Code, message string) error {
	if err == nil {
		return nil
	}
	if IsCanceled(err) {
		return err
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return NewError(code, message, err)
}

// CodeOf returns the code of the first *Error in err's chain.
func CodeOf(err error) Code {
	if err == nil {
		return CodeUnknown
	}
	if IsCanceled(err) {
		return CodeCanceled
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// CheckCanceled returns a cancellation error once ctx is done.
func CheckCanceled(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrCanceled, err)
	}
	return nil
}

// IsCanceled reports whether err stems from cancellation.
func IsCanceled(err error) bool {
	return errors.Is(err, ErrCanceled) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// RefreshError aggregates per-resource outcomes of a batch refresh.
type RefreshError struct {
	Subscriber string
	Total      int
	Failed     int
	Canceled   int
	errs       error
}

// NewRefreshError collects failed and canceled outcomes. It returns nil when
// both lists are empty. Cancellations come first in the chain.
func NewRefreshError(subscriber string, total int, failed, canceled []error) error {
	if len(failed) == 0 && len(canceled) == 0 {
		return nil
	}
	var all error
	for _, err := range canceled {
		all = multierr.Append(all, err)
	}
	for _, err := range failed {
		all = multierr.Append(all, err)
	}
	return &RefreshError{
		Subscriber: subscriber,
		Total:      total,
		Failed:     len(failed),
		Canceled:   len(canceled),
		errs:       all,
	}
}

// Succeeded is the number of resources that refreshed cleanly.
func (e *RefreshError) Succeeded() int {
	return e.Total - e.Failed - e.Canceled
}

// IsCanceled reports whether any resource was canceled.
func (e *RefreshError) IsCanceled() bool {
	return e.Canceled > 0
}

func (e *RefreshError) Error() string {
	head := "refresh failed"
	if e.IsCanceled() {
		head = "refresh canceled"
	}
	return fmt.Sprintf("%s: %s: %d of %d resources refreshed, %d failed, %d canceled: %v",
		head, e.Subscriber, e.Succeeded(), e.Total, e.Failed, e.Canceled, e.errs)
}

func (e *RefreshError) Unwrap() []error {
	return multierr.Errors(e.errs)
}
