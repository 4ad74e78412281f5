// Package apperr holds the error taxonomy shared by every charging-service component.
package apperr

import "errors"

var (
	ErrValidation          = errors.New("validation failed")
	ErrStateConflict       = errors.New("state conflict")
	ErrResourceUnavailable = errors.New("resource unavailable")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrGateway             = errors.New("external gateway error")
	ErrNotFound            = errors.New("not found")
)

// Kind names an error class.
type Kind string

const (
	KindValidation          Kind = "VALIDATION"
	KindStateConflict       Kind = "STATE_CONFLICT"
	KindResourceUnavailable Kind = "RESOURCE_UNAVAILABLE"
	KindInsufficientFunds   Kind = "INSUFFICIENT_FUNDS"
	KindGateway             Kind = "EXTERNAL_GATEWAY_ERROR"
	KindNotFound            Kind = "NOT_FOUND"
	KindInternal            Kind = "INTERNAL"
)

var kinds = []struct {
	err  error
	kind Kind
}{
	{ErrValidation, KindValidation},
	{ErrStateConflict, KindStateConflict},
	{ErrResourceUnavailable, KindResourceUnavailable},
	{ErrInsufficientFunds, KindInsufficientFunds},
	{ErrGateway, KindGateway},
	{ErrNotFound, KindNotFound},
}

// KindOf classifies err. Unknown errors are internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindInternal
}

// New returns an error that wraps base with msg.
func New(base error, msg string) error {
	return &wrapped{base: base, msg: msg}
}

type wrapped struct {
	base error
	msg  string
}

func (w *wrapped) Error() string { return w.base.Error() + ": " + w.msg }

func (w *wrapped) Unwrap() error { return w.base }
