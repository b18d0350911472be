package types

import (
	"errors"
	"fmt"
	"net"
	"syscall"
)

// ErrorKind classifies pipeline failures
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindChunking
	KindTransient
	KindPermanent
	KindCacheWrite
	KindCacheConsistency
)

func (k ErrorKind) String() string {
	switch k {
	case KindChunking:
		return "chunking"
	case KindTransient:
		return "generation_transient"
	case KindPermanent:
		return "generation_permanent"
	case KindCacheWrite:
		return "cache_write"
	case KindCacheConsistency:
		return "cache_consistency"
	}
	return "unknown"
}

// PipelineError carries a kind and the failing operation
type PipelineError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *PipelineError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// NewError wraps err with a kind
func NewError(kind ErrorKind, op string, err error) error {
	return &PipelineError{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the first PipelineError in the chain
func KindOf(err error) ErrorKind {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindUnknown
}

// IsTransient reports whether err is worth retrying.
// Unclassified connection resets and network timeouts count as transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindTransient:
		return true
	case KindPermanent, KindChunking:
		return false
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
