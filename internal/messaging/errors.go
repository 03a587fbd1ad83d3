package messaging

import "errors"

var (
	// ErrValidation marks a malformed send or list request. Nothing is
	// persisted.
	ErrValidation = errors.New("validation failed")
	// ErrAttachmentUploadFailed means the attachment store rejected or failed
	// the upload. No message exists for the attempt.
	ErrAttachmentUploadFailed = errors.New("attachment upload failed")
	// ErrStorageUnavailable means the message store could not complete the
	// operation. Callers may retry.
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// ValidationError carries the reason a request was rejected.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func invalid(reason string) error {
	return &ValidationError{Reason: reason}
}
