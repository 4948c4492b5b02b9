package domain

import (
	"errors"
	"fmt"
)

// sentinel errors for the query surface
var (
	ErrNotFound       = errors.New("not found")
	ErrFeedExists     = errors.New("feed already exists")
	ErrSearchDisabled = errors.New("search not enabled")
)

// error kinds recorded in fetch records
const (
	KindTransport   = "transport"
	KindParse       = "parse"
	KindUnsupported = "unsupported"
	KindStorage     = "storage"
)

// TransportError is a network-level fetch failure, retryable via backoff
type TransportError struct {
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error for %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ParseError is a document-level failure. Unsupported distinguishes a format
// the parser does not handle from a malformed document that may self-correct.
type ParseError struct {
	URL         string
	Unsupported bool
	Err         error
}

func (e *ParseError) Error() string {
	if e.Unsupported {
		return fmt.Sprintf("unsupported feed format for %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("parse error for %s: %v", e.URL, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// StorageError is a durable-store failure; the enclosing transaction is
// rolled back so prior state stays intact
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error in %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// ErrorKind classifies an error for fetch-record bookkeeping
func ErrorKind(err error) string {
	var tErr *TransportError
	var pErr *ParseError
	var sErr *StorageError
	switch {
	case errors.As(err, &pErr):
		if pErr.Unsupported {
			return KindUnsupported
		}
		return KindParse
	case errors.As(err, &tErr):
		return KindTransport
	case errors.As(err, &sErr):
		return KindStorage
	default:
		return KindTransport
	}
}
