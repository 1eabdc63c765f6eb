package domain

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownSource         = errors.New("unknown source")
	ErrUnknownTool           = errors.New("unknown tool")
	ErrSourceDisabled        = errors.New("source is disabled")
	ErrConnectionUnavailable = errors.New("connection unavailable")
	ErrDuplicateSource       = errors.New("source already registered")
	ErrInvalidSourceID       = errors.New("invalid source id")
	ErrMethodNotFound        = errors.New("method not found")
	ErrMalformedResponse     = errors.New("malformed response")
	ErrRequestTimeout        = errors.New("request timed out")
	ErrPeerGaveUp            = errors.New("peer reconnection abandoned")
)

type ErrorCode string

const (
	CodeInvalidArgument  ErrorCode = "INVALID_ARGUMENT"
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeAlreadyExists    ErrorCode = "ALREADY_EXISTS"
	CodeUnavailable      ErrorCode = "UNAVAILABLE"
	CodeFailedPrecond    ErrorCode = "FAILED_PRECONDITION"
	CodeInternal         ErrorCode = "INTERNAL"
	CodeDeadlineExceeded ErrorCode = "DEADLINE_EXCEEDED"
	CodeUpstream         ErrorCode = "UPSTREAM"
)

type Error struct {
	Code    ErrorCode
	Op      string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if e.Op == "" {
		if msg == "" {
			return string(e.Code)
		}
		return fmt.Sprintf("%s: %s", e.Code, msg)
	}
	if msg == "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Code, msg)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

func E(code ErrorCode, op, msg string, cause error) *Error {
	if msg == "" && cause != nil {
		msg = cause.Error()
	}
	return &Error{
		Code:    code,
		Op:      op,
		Message: msg,
		Cause:   cause,
	}
}

func Wrap(code ErrorCode, op string, err error) *Error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		if existing.Op != "" || op == "" {
			return existing
		}
		return &Error{
			Code:    existing.Code,
			Op:      op,
			Message: existing.Message,
			Cause:   existing.Cause,
		}
	}
	return E(code, op, "", err)
}

// CodeFrom classifies err by its domain code, falling back to the sentinel it
// wraps.
func CodeFrom(err error) (ErrorCode, bool) {
	if err == nil {
		return "", false
	}
	var domainErr *Error
	if errors.As(err, &domainErr) && domainErr.Code != "" {
		return domainErr.Code, true
	}
	var upstream *UpstreamError
	switch {
	case errors.Is(err, ErrInvalidSourceID), errors.Is(err, ErrMethodNotFound):
		return CodeInvalidArgument, true
	case errors.Is(err, ErrUnknownSource), errors.Is(err, ErrUnknownTool):
		return CodeNotFound, true
	case errors.Is(err, ErrDuplicateSource):
		return CodeAlreadyExists, true
	case errors.Is(err, ErrSourceDisabled):
		return CodeFailedPrecond, true
	case errors.Is(err, ErrConnectionUnavailable), errors.Is(err, ErrPeerGaveUp):
		return CodeUnavailable, true
	case errors.Is(err, ErrRequestTimeout):
		return CodeDeadlineExceeded, true
	case errors.As(err, &upstream), errors.Is(err, ErrMalformedResponse):
		return CodeUpstream, true
	default:
		return "", false
	}
}

// UpstreamError carries the message an upstream source reported for a failed
// request.
type UpstreamError struct {
	SourceID string
	Message  string
	Code     int64
}

func (e *UpstreamError) Error() string {
	if e == nil {
		return ""
	}
	if e.SourceID == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.SourceID, e.Message)
}
