package provider

import (
	"errors"
	"fmt"
	"time"
)

// Code classifies a provider failure.
type Code string

const (
	CodeFlood          Code = "flood"
	CodeSlowMode       Code = "slow_mode"
	CodeWriteForbidden Code = "write_forbidden"
	CodeBanned         Code = "banned"
	CodeAdminRequired  Code = "admin_required"
	CodeMessageTooLong Code = "message_too_long"
	CodeInvalidPeer    Code = "invalid_peer"
	CodePrivate        Code = "private"
	CodeTopicClosed    Code = "topic_closed"
	CodeUnauthorized   Code = "unauthorized"
	CodeTransient      Code = "transient"
	CodeUnsupported    Code = "unsupported"
	CodeOther          Code = "other"
)

// Error is the single error type provider implementations return.
type Error struct {
	Code Code
	// RetryAfter is the provider-mandated wait for CodeFlood and CodeSlowMode.
	RetryAfter time.Duration
	Detail     string
	Err        error
}

func (e *Error) Error() string {
	msg := string(e.Code)
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(" (retry after %s)", e.RetryAfter)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds an *Error with a detail message.
func NewError(code Code, detail string) *Error { return &Error{Code: code, Detail: detail} }

// Flood builds a throttle error carrying the required wait.
func Flood(wait time.Duration) *Error { return &Error{Code: CodeFlood, RetryAfter: wait} }

// SlowMode builds a slow-mode error carrying the chat interval.
func SlowMode(wait time.Duration) *Error { return &Error{Code: CodeSlowMode, RetryAfter: wait} }

// Wrap tags err with code, keeping it reachable through errors.Unwrap.
func Wrap(code Code, err error) *Error { return &Error{Code: code, Err: err} }

// CodeOf returns the provider code of err, CodeOther for foreign errors and ""
// for nil.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return CodeOther
}

// RetryAfterOf returns the mandated wait carried by err, or zero.
func RetryAfterOf(err error) time.Duration {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.RetryAfter
	}
	return 0
}

// IsUnauthorized reports whether err means the credential was rejected.
func IsUnauthorized(err error) bool { return CodeOf(err) == CodeUnauthorized }
