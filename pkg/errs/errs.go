// Package errs defines the error taxonomy enforced across the node:
// validation, payment, routing, storage and network errors, each with
// a retriability class fixed by its category.
package errs

import (
	"errors"
	"fmt"
)

// Category groups errors by their propagation policy.
type Category int

const (
	CategoryValidation Category = iota
	CategoryPayment
	CategoryRouting
	CategoryStorage
	CategoryNetwork
)

func (c Category) String() string {
	switch c {
	case CategoryValidation:
		return "validation"
	case CategoryPayment:
		return "payment"
	case CategoryRouting:
		return "routing"
	case CategoryStorage:
		return "storage"
	case CategoryNetwork:
		return "network"
	default:
		return "unknown"
	}
}

// TypedError is a category-tagged error with a stable code used for
// logging and for callers that need to switch on error identity
// without string matching.
type TypedError struct {
	Category Category
	Code     string
	Message  string
	Wrapped  error
	// Retriable marks errors that the caller may retry without
	// violating the invariant the error reports on.
	Retriable bool
}

func (e *TypedError) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *TypedError) Unwrap() error { return e.Wrapped }

func newErr(cat Category, code, msg string, retriable bool) *TypedError {
	return &TypedError{Category: cat, Code: code, Message: msg, Retriable: retriable}
}

func wrapErr(cat Category, code, msg string, err error, retriable bool) *TypedError {
	return &TypedError{Category: cat, Code: code, Message: msg, Wrapped: err, Retriable: retriable}
}

// Validation errors (client-caused, non-retriable unless noted).
var (
	ErrRecordKeyMismatch        = newErr(CategoryValidation, "RecordKeyMismatch", "record key does not match derived key", false)
	ErrInvalidRecord            = newErr(CategoryValidation, "InvalidRecord", "record failed to deserialize", false)
	ErrInvalidRecordHeader      = newErr(CategoryValidation, "InvalidRecordHeader", "record header failed to deserialize", false)
	ErrOversizedChunk           = newErr(CategoryValidation, "OversizedChunk", "chunk exceeds maximum size", false)
	ErrScratchpadTooBig         = newErr(CategoryValidation, "ScratchpadTooBig", "scratchpad exceeds configured maximum size", false)
	ErrInvalidScratchpadSig     = newErr(CategoryValidation, "InvalidScratchpadSignature", "scratchpad signature does not verify", false)
	ErrInvalidPointerSig        = newErr(CategoryValidation, "InvalidPointerSignature", "pointer signature does not verify", false)
	ErrEmptyGraphEntry          = newErr(CategoryValidation, "EmptyGraphEntry", "no graph entries matched the record key", false)
	ErrIgnoringOutdatedScratch  = newErr(CategoryValidation, "IgnoringOutdatedScratchpadPut", "incoming scratchpad counter not greater than stored", true)
	ErrPointerPermissionDenied  = newErr(CategoryValidation, "PointerPermissionDenied", "previous owner does not match stored owner", false)
	ErrNotResponsible           = newErr(CategoryValidation, "NotResponsible", "local node is not in the close group for this key", true)
	ErrUnexpectedRecordPayment  = newErr(CategoryValidation, "UnexpectedRecordWithPayment", "replicated record unexpectedly carried a payment header", false)
)

// OversizedChunkErr builds a chunk-size error carrying the observed and max sizes.
func OversizedChunkErr(size, max int) *TypedError {
	return newErr(CategoryValidation, "OversizedChunk", fmt.Sprintf("chunk size %d exceeds max %d", size, max), false)
}

// ScratchpadTooBigErr builds a scratchpad-size error carrying the observed size.
func ScratchpadTooBigErr(size, max int) *TypedError {
	return newErr(CategoryValidation, "ScratchpadTooBig", fmt.Sprintf("scratchpad size %d exceeds max %d", size, max), false)
}

// Payment errors (client-caused; PaymentVerificationFailed retries once internally before surfacing).
var (
	ErrNoPayment                = newErr(CategoryPayment, "NoPayment", "first-time placement requires payment", false)
	ErrPaymentNotMadeToUs       = newErr(CategoryPayment, "PaymentNotMadeToOurNode", "payment proof does not credit this node", false)
	ErrPaymentWrongDataType     = newErr(CategoryPayment, "PaymentMadeToIncorrectDataType", "payment quote's data type does not match record kind", false)
	ErrQuoteExpired             = newErr(CategoryPayment, "QuoteExpired", "payment quote has expired", true)
)

// PaymentQuoteOutOfRangeErr builds the payee-out-of-range payment error.
func PaymentQuoteOutOfRangeErr(payees []string) *TypedError {
	return newErr(CategoryPayment, "PaymentQuoteOutOfRange", fmt.Sprintf("payees out of range: %v", payees), false)
}

// PaymentVerificationFailedErr builds the terminal (post-retry) payment verification error.
func PaymentVerificationFailedErr(err error) *TypedError {
	return wrapErr(CategoryPayment, "PaymentVerificationFailed", "on-chain payment verification failed", err, false)
}

// Routing errors (transient).
var (
	ErrNoBootstrapPeersFound = newErr(CategoryRouting, "NoBootstrapPeersFound", "no bootstrap peers could be reached", true)
	ErrDialFailed            = newErr(CategoryRouting, "DialFailed", "dial attempt failed", true)
	ErrQueryTimeout          = newErr(CategoryRouting, "QueryTimeout", "query exceeded its timeout", true)
	ErrInsufficientPeers     = newErr(CategoryRouting, "InsufficientPeers", "fewer than K peers supplied", false)
)

// NotEnoughPeersErr builds the routing error reporting found/required counts.
func NotEnoughPeersErr(found, required int) *TypedError {
	return newErr(CategoryRouting, "NotEnoughPeers", fmt.Sprintf("found %d peers, required %d", found, required), true)
}

// Storage errors (local; fatal to the operation, never to the node).
var (
	ErrLocalSwarmError           = newErr(CategoryStorage, "LocalSwarmError", "local swarm operation failed", false)
	ErrRecordSerializationFailed = newErr(CategoryStorage, "RecordSerializationFailed", "record failed to serialize", false)
	ErrDiskFull                  = newErr(CategoryStorage, "DiskFull", "local store is out of disk space", false)
)

// Network errors (transient).
var (
	ErrRecordNotFound = newErr(CategoryNetwork, "RecordNotFound", "record not found on the network", true)
)

// RecordNotEnoughCopiesErr reports a get-record result with too few verified copies.
func RecordNotEnoughCopiesErr() *TypedError {
	return newErr(CategoryNetwork, "RecordNotEnoughCopies", "fewer than the required quorum of peers returned the record", true)
}

// ReturnedRecordDoesNotMatchErr reports a verification mismatch for the named key.
func ReturnedRecordDoesNotMatchErr(key string) *TypedError {
	return newErr(CategoryNetwork, "ReturnedRecordDoesNotMatch", fmt.Sprintf("returned record for %s does not match the record put", key), false)
}

// FailedToVerifyRecordWasStoredErr reports that put-record verification could not confirm storage.
func FailedToVerifyRecordWasStoredErr(key string) *TypedError {
	return newErr(CategoryNetwork, "FailedToVerifyRecordWasStored", fmt.Sprintf("could not verify record %s was stored", key), true)
}

// IsRetriable reports whether err (or a TypedError it wraps) is marked retriable.
func IsRetriable(err error) bool {
	var te *TypedError
	if errors.As(err, &te) {
		return te.Retriable
	}
	return false
}

// Is reports whether err is, or wraps, target (by code and category).
func Is(err error, target *TypedError) bool {
	var te *TypedError
	if !errors.As(err, &te) {
		return false
	}
	return te.Category == target.Category && te.Code == target.Code
}
