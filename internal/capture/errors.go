package capture

import (
	"errors"
	"fmt"
)

// Sentinels of the capture error taxonomy. Concrete error types below unwrap to them.
var (
	ErrPermissionDenied   = errors.New("camera permission denied")
	ErrAborted            = errors.New("image acquisition aborted")
	ErrUnsupportedMode    = errors.New("unsupported acquisition mode")
	ErrPreprocess         = errors.New("image preprocessing failed")
	ErrRecognitionService = errors.New("recognition service failed")
	ErrNoFieldFound       = errors.New("no valid field found")
	ErrValidation         = errors.New("value does not match grammar")
	ErrVehicleNotFound    = errors.New("no vehicle found for plate")
)

// ErrorKind is the reason carried by a Failed workflow state.
type ErrorKind string

const (
	KindNone               ErrorKind = ""
	KindPermissionDenied   ErrorKind = "permission_denied"
	KindPreprocess         ErrorKind = "preprocess_error"
	KindRecognitionService ErrorKind = "recognition_service_error"
	KindNoFieldFound       ErrorKind = "no_field_found"
	KindValidation         ErrorKind = "validation_error"
)

// Retryable reports whether the user may re-trigger acquisition without an explicit reset.
func (k ErrorKind) Retryable() bool {
	return k == KindRecognitionService
}

// KindOf classifies err into the taxonomy. Unknown errors count as service failures
// so that they stay recoverable.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrPermissionDenied):
		return KindPermissionDenied
	case errors.Is(err, ErrPreprocess):
		return KindPreprocess
	case errors.Is(err, ErrNoFieldFound):
		return KindNoFieldFound
	case errors.Is(err, ErrValidation):
		return KindValidation
	default:
		return KindRecognitionService
	}
}

// PreprocessError reports an unreadable or corrupt source image.
type PreprocessError struct {
	Path string
	Err  error
}

func (e *PreprocessError) Error() string {
	return fmt.Sprintf("preprocess %s: %v", e.Path, e.Err)
}

func (e *PreprocessError) Unwrap() []error { return []error{ErrPreprocess, e.Err} }

// RecognitionError reports a network or service failure of the OCR backend.
type RecognitionError struct {
	Backend string
	Timeout bool
	Err     error
}

func (e *RecognitionError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("recognition %s: timed out: %v", e.Backend, e.Err)
	}
	return fmt.Sprintf("recognition %s: %v", e.Backend, e.Err)
}

func (e *RecognitionError) Unwrap() []error { return []error{ErrRecognitionService, e.Err} }

// ValidationError reports a value that fails its grammar.
type ValidationError struct {
	Grammar Grammar
	Value   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%q is not a valid %s", e.Value, e.Grammar)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }
