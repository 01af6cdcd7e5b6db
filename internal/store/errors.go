package store

import "errors"

// transientError marks a storage failure that is expected to succeed on
// retry without any change to caller-supplied input. Backends wrap errors
// they classify as transient; the retry layer keys off IsTransient.
type transientError struct {
	err error
}

func (e *transientError) Error() string {
	return "transient: " + e.err.Error()
}

func (e *transientError) Unwrap() error {
	return e.err
}

// MarkTransient wraps err so IsTransient reports true for it. Returns nil
// for a nil error.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err (or anything it wraps) was marked
// transient by a storage backend.
func IsTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}
