// =============================================================================
// ERROR TAXONOMY - THE CLOSED SET OF BROKER ERROR CODES
// =============================================================================
//
// Every error that crosses the wire carries one of the codes below. Clients
// dispatch on the code, not the message, so the set is closed and each code
// has a fixed retry class:
//
//   TRANSIENT   retry after refreshing metadata or waiting
//               (NOT_LEADER, INSUFFICIENT_REPLICAS, REBALANCE_IN_PROGRESS)
//   RESYNC      client state is stale; rejoin or reset before retrying
//               (OFFSET_OUT_OF_RANGE, STALE_GENERATION, ILLEGAL_GENERATION,
//                UNKNOWN_MEMBER, FENCED_EPOCH)
//   FATAL       retrying cannot help
//               (TOPIC_NOT_FOUND, PARTITION_NOT_FOUND, GROUP_NOT_FOUND,
//                INVALID_CONFIGURATION, RECORD_TOO_LARGE)
//
// =============================================================================

package broker

import (
	"errors"
	"fmt"
)

// ErrorCode identifies a broker failure class on the wire.
type ErrorCode string

const (
	// ErrCodeNone means success. Never wrapped in a BrokerError.
	ErrCodeNone ErrorCode = "NONE"

	// Transient - retry after metadata refresh or backoff.
	ErrCodeNotLeader            ErrorCode = "NOT_LEADER"
	ErrCodeInsufficientReplicas ErrorCode = "INSUFFICIENT_REPLICAS"
	ErrCodeRebalanceInProgress  ErrorCode = "REBALANCE_IN_PROGRESS"

	// Resync - client must rejoin, reset, or refresh before retrying.
	ErrCodeOffsetOutOfRange  ErrorCode = "OFFSET_OUT_OF_RANGE"
	ErrCodeStaleGeneration   ErrorCode = "STALE_GENERATION"
	ErrCodeIllegalGeneration ErrorCode = "ILLEGAL_GENERATION"
	ErrCodeUnknownMember     ErrorCode = "UNKNOWN_MEMBER"
	ErrCodeFencedEpoch       ErrorCode = "FENCED_EPOCH"

	// Fatal - the request can never succeed as issued.
	ErrCodeTopicNotFound        ErrorCode = "TOPIC_NOT_FOUND"
	ErrCodePartitionNotFound    ErrorCode = "PARTITION_NOT_FOUND"
	ErrCodeGroupNotFound        ErrorCode = "GROUP_NOT_FOUND"
	ErrCodeTopicExists          ErrorCode = "TOPIC_EXISTS"
	ErrCodeInvalidConfiguration ErrorCode = "INVALID_CONFIGURATION"
	ErrCodeRecordTooLarge       ErrorCode = "RECORD_TOO_LARGE"
	ErrCodeInvalidRequest       ErrorCode = "INVALID_REQUEST"
	ErrCodeBrokerClosed         ErrorCode = "BROKER_CLOSED"
)

// BrokerError pairs an ErrorCode with a human-readable message. It is the
// only error type the API layer serializes.
type BrokerError struct {
	Code    ErrorCode
	Message string
	Err     error // wrapped cause, not serialized
}

func (e *BrokerError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return string(e.Code)
}

func (e *BrokerError) Unwrap() error {
	return e.Err
}

// Is matches two BrokerErrors by code, so errors.Is works against the
// sentinel values below regardless of message.
func (e *BrokerError) Is(target error) bool {
	var other *BrokerError
	if !errors.As(target, &other) {
		return false
	}
	return e.Code == other.Code
}

// NewBrokerError builds a coded error with a formatted message.
func NewBrokerError(code ErrorCode, format string, args ...any) *BrokerError {
	return &BrokerError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapBrokerError attaches a code to an underlying cause.
func WrapBrokerError(code ErrorCode, err error, format string, args ...any) *BrokerError {
	return &BrokerError{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// Sentinel values for errors.Is dispatch.
var (
	ErrNotLeader            = &BrokerError{Code: ErrCodeNotLeader}
	ErrInsufficientReplicas = &BrokerError{Code: ErrCodeInsufficientReplicas}
	ErrRebalanceInProgress  = &BrokerError{Code: ErrCodeRebalanceInProgress}
	ErrOffsetOutOfRange     = &BrokerError{Code: ErrCodeOffsetOutOfRange}
	ErrStaleGeneration      = &BrokerError{Code: ErrCodeStaleGeneration}
	ErrIllegalGeneration    = &BrokerError{Code: ErrCodeIllegalGeneration}
	ErrUnknownMember        = &BrokerError{Code: ErrCodeUnknownMember}
	ErrFencedEpoch          = &BrokerError{Code: ErrCodeFencedEpoch}
	ErrTopicNotFound        = &BrokerError{Code: ErrCodeTopicNotFound}
	ErrPartitionNotFound    = &BrokerError{Code: ErrCodePartitionNotFound}
	ErrGroupNotFound        = &BrokerError{Code: ErrCodeGroupNotFound}
	ErrTopicExists          = &BrokerError{Code: ErrCodeTopicExists}
	ErrInvalidConfiguration = &BrokerError{Code: ErrCodeInvalidConfiguration}
	ErrRecordTooLarge       = &BrokerError{Code: ErrCodeRecordTooLarge}
	ErrInvalidRequest       = &BrokerError{Code: ErrCodeInvalidRequest}
	ErrBrokerClosed         = &BrokerError{Code: ErrCodeBrokerClosed}
)

// CodeOf extracts the ErrorCode from any error chain. Non-broker errors map
// to INVALID_REQUEST so the wire never sees an unknown code.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ErrCodeNone
	}
	var be *BrokerError
	if errors.As(err, &be) {
		return be.Code
	}
	return ErrCodeInvalidRequest
}

// IsTransient reports whether the client should retry the same request
// after a backoff or metadata refresh.
func IsTransient(err error) bool {
	switch CodeOf(err) {
	case ErrCodeNotLeader, ErrCodeInsufficientReplicas, ErrCodeRebalanceInProgress:
		return true
	}
	return false
}

// IsResync reports whether the client holds stale state (generation, epoch,
// or position) and must resynchronize before retrying.
func IsResync(err error) bool {
	switch CodeOf(err) {
	case ErrCodeOffsetOutOfRange, ErrCodeStaleGeneration, ErrCodeIllegalGeneration,
		ErrCodeUnknownMember, ErrCodeFencedEpoch:
		return true
	}
	return false
}

// IsFatal reports whether retrying the request can never succeed.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	return !IsTransient(err) && !IsResync(err)
}
