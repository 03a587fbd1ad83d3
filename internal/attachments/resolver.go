// Package attachments turns raw attachment bytes into a stable URL stored
// alongside a message. Binary payloads never reach the message store.
package attachments

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

var (
	ErrEmpty           = errors.New("attachment is empty")
	ErrTooLarge        = errors.New("attachment exceeds size limit")
	ErrUnsupportedType = errors.New("attachment type not supported")
)

// Upload is a raw attachment as received from the sender.
type Upload struct {
	Filename string
	Data     []byte
}

// Resolver stores an upload and returns its reference URL.
type Resolver interface {
	Resolve(ctx context.Context, upload Upload) (string, error)
	// Discard removes an object created by Resolve. Used when the message it
	// belonged to could not be stored.
	Discard(ctx context.Context, url string) error
}

// Inspected is an upload whose content type has been sniffed.
type Inspected struct {
	MIME      string
	Extension string
}

// Inspect checks size and sniffs the content type. Only images are accepted.
func Inspect(upload Upload, maxBytes int64) (Inspected, error) {
	if len(upload.Data) == 0 {
		return Inspected{}, ErrEmpty
	}
	if maxBytes > 0 && int64(len(upload.Data)) > maxBytes {
		return Inspected{}, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(upload.Data))
	}
	detected := mimetype.Detect(upload.Data)
	if !strings.HasPrefix(detected.String(), "image/") {
		return Inspected{}, fmt.Errorf("%w: %s", ErrUnsupportedType, detected.String())
	}
	return Inspected{MIME: detected.String(), Extension: detected.Extension()}, nil
}

// IsRejection reports whether err comes from validating the upload itself
// rather than from the backing store.
func IsRejection(err error) bool {
	return errors.Is(err, ErrEmpty) || errors.Is(err, ErrTooLarge) || errors.Is(err, ErrUnsupportedType)
}
