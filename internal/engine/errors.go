package engine

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// Kind classifies an escrow failure.
type Kind string

const (
	KindInvalidAddress               Kind = "InvalidAddress"
	KindInvalidAmount                Kind = "InvalidAmount"
	KindPolicyNotSet                 Kind = "PolicyNotSet"
	KindRecipientNotAllowed          Kind = "RecipientNotAllowed"
	KindExceedsMaxPerIntent          Kind = "ExceedsMaxPerIntent"
	KindBadSignature                 Kind = "BadSignature"
	KindNonceAlreadyUsed             Kind = "NonceAlreadyUsed"
	KindIntentExpired                Kind = "IntentExpired"
	KindInsufficientAvailableBalance Kind = "InsufficientAvailableBalance"
	KindIntentAlreadyExists          Kind = "IntentAlreadyExists"
	KindIntentNotFound               Kind = "IntentNotFound"
	KindNotOwner                     Kind = "NotOwner"
	KindNotRecipient                 Kind = "NotRecipient"
	KindAlreadyClaimed               Kind = "AlreadyClaimed"
	KindNotClaimed                   Kind = "NotClaimed"
	KindAlreadyFinalized             Kind = "AlreadyFinalized"
	KindAlreadyCanceled              Kind = "AlreadyCanceled"
	KindTimelockNotElapsed           Kind = "TimelockNotElapsed"
	KindDisputeWindowClosed          Kind = "DisputeWindowClosed"
	KindIntentIsDisputed             Kind = "IntentIsDisputed"
	KindNotDisputed                  Kind = "NotDisputed"
	KindTransferFailed               Kind = "TransferFailed"
	KindReentrantCall                Kind = "ReentrantCall"
)

// Code renders the kind in snake_case, as used in API error envelopes.
func (k Kind) Code() string {
	var b strings.Builder
	for i, r := range string(k) {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			r = unicode.ToLower(r)
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Error is returned for every rejected escrow operation.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so the ErrXxx sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of an escrow error, or "" for anything else.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

var (
	ErrInvalidAddress               = &Error{Kind: KindInvalidAddress}
	ErrInvalidAmount                = &Error{Kind: KindInvalidAmount}
	ErrPolicyNotSet                 = &Error{Kind: KindPolicyNotSet}
	ErrRecipientNotAllowed          = &Error{Kind: KindRecipientNotAllowed}
	ErrExceedsMaxPerIntent          = &Error{Kind: KindExceedsMaxPerIntent}
	ErrBadSignature                 = &Error{Kind: KindBadSignature}
	ErrNonceAlreadyUsed             = &Error{Kind: KindNonceAlreadyUsed}
	ErrIntentExpired                = &Error{Kind: KindIntentExpired}
	ErrInsufficientAvailableBalance = &Error{Kind: KindInsufficientAvailableBalance}
	ErrIntentAlreadyExists          = &Error{Kind: KindIntentAlreadyExists}
	ErrIntentNotFound               = &Error{Kind: KindIntentNotFound}
	ErrNotOwner                     = &Error{Kind: KindNotOwner}
	ErrNotRecipient                 = &Error{Kind: KindNotRecipient}
	ErrAlreadyClaimed               = &Error{Kind: KindAlreadyClaimed}
	ErrNotClaimed                   = &Error{Kind: KindNotClaimed}
	ErrAlreadyFinalized             = &Error{Kind: KindAlreadyFinalized}
	ErrAlreadyCanceled              = &Error{Kind: KindAlreadyCanceled}
	ErrTimelockNotElapsed           = &Error{Kind: KindTimelockNotElapsed}
	ErrDisputeWindowClosed          = &Error{Kind: KindDisputeWindowClosed}
	ErrIntentIsDisputed             = &Error{Kind: KindIntentIsDisputed}
	ErrNotDisputed                  = &Error{Kind: KindNotDisputed}
	ErrTransferFailed               = &Error{Kind: KindTransferFailed}
	ErrReentrantCall                = &Error{Kind: KindReentrantCall}
)
