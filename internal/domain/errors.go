package domain

import (
	"errors"
	"fmt"
	"time"

	"bidhub/pkg/money"
)

var (
	ErrAuctionNotFound   = errors.New("auction not found")
	ErrVersionConflict   = errors.New("auction version conflict")
	ErrTryAgain          = errors.New("auction is busy, try again")
	ErrStoreUnavailable  = errors.New("auction store unavailable")
	ErrNotDue            = errors.New("auction is not due for closing")
	ErrInvalidTransition = errors.New("invalid auction status transition")
	ErrInvalidAuction    = errors.New("invalid auction")
	ErrLockTimeout       = errors.New("timed out waiting for auction lock")
	ErrCacheMiss         = errors.New("auction snapshot not cached")
)

// ErrorCode is a stable, client-facing error identifier.
type ErrorCode string

const (
	CodeNotFound          ErrorCode = "NotFound"
	CodeConflict          ErrorCode = "Conflict"
	CodeUnavailable       ErrorCode = "Unavailable"
	CodeValidation        ErrorCode = "ValidationError"
	CodeInvalidTransition ErrorCode = "InvalidTransition"
	CodeInternalError     ErrorCode = "InternalServerError"
)

// Error wraps a cause with a stable code.
type Error struct {
	Code    ErrorCode
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.cause
}

func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

func WrapError(err error, code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message, cause: err}
}

// CodeOf maps an error to its code. Sentinels are recognised through wrapping.
func CodeOf(err error) ErrorCode {
	var domainErr *Error
	if errors.As(err, &domainErr) {
		return domainErr.Code
	}

	switch {
	case errors.Is(err, ErrAuctionNotFound):
		return CodeNotFound
	case errors.Is(err, ErrVersionConflict), errors.Is(err, ErrTryAgain), errors.Is(err, ErrLockTimeout):
		return CodeConflict
	case errors.Is(err, ErrStoreUnavailable):
		return CodeUnavailable
	case errors.Is(err, ErrInvalidAuction):
		return CodeValidation
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrNotDue):
		return CodeInvalidTransition
	default:
		return CodeInternalError
	}
}

// IsRetryable reports whether the caller may safely resubmit.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTryAgain) || errors.Is(err, ErrStoreUnavailable) || errors.Is(err, ErrLockTimeout)
}

type RejectReason string

const (
	RejectAuctionNotActive RejectReason = "auction_not_active"
	RejectSelfBid          RejectReason = "self_bid"
	RejectInvalidAmount    RejectReason = "invalid_amount"
	RejectBidTooLow        RejectReason = "bid_too_low"
	RejectInvalidBidder    RejectReason = "invalid_bidder"
)

// Rejection is an expected validation outcome, not a failure.
type Rejection struct {
	Reason        RejectReason
	Message       string
	CurrentPrice  money.Amount
	MinimumAmount money.Amount
	Status        AuctionStatus
	EndTime       time.Time
}

func (r *Rejection) String() string {
	return string(r.Reason) + ": " + r.Message
}
