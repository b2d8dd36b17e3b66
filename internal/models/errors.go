package models

import (
	"context"
	"errors"
	"strings"
)

var (
	ErrValidation      = errors.New("validation error")
	ErrNotFound        = errors.New("not found")
	ErrStateConflict   = errors.New("state conflict")
	ErrExpired         = errors.New("expired")
	ErrExternalAdapter = errors.New("external adapter error")
	ErrLiquidity       = errors.New("no liquidity")
	ErrTimeout         = errors.New("timeout")
	ErrConfiguration   = errors.New("configuration error")
)

// Classify maps an execution failure to the swap status it leaves the record in.
// failed means the attempt is over; in_review means an operator can still recover it.
func Classify(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return SwapStatusFailed
	case errors.Is(err, ErrLiquidity), errors.Is(err, ErrConfiguration):
		return SwapStatusInReview
	}

	lower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lower, "insufficient funds"),
		strings.Contains(lower, "insufficient balance"),
		strings.Contains(lower, "reverted"),
		strings.Contains(lower, "timeout"),
		strings.Contains(lower, "deadline exceeded"):
		return SwapStatusFailed
	case strings.Contains(lower, "no route"),
		strings.Contains(lower, "sdk unavailable"),
		strings.Contains(lower, "credentials"),
		strings.Contains(lower, "not configured"):
		return SwapStatusInReview
	}
	return SwapStatusInReview
}
