package exchange

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthenticationFailed is returned when signing inputs are missing or unusable.
	ErrAuthenticationFailed = errors.New("authentication failed")
	// ErrExchangeRejected matches any *RejectedError.
	ErrExchangeRejected = errors.New("exchange rejected request")
	// ErrNetwork matches any *NetworkError.
	ErrNetwork = errors.New("network error")
	// ErrInvalidOrder is returned before submission for malformed order requests.
	ErrInvalidOrder = errors.New("invalid order")
	// ErrQuoteAssetMissing is returned when the balance list has no quote-currency entry.
	ErrQuoteAssetMissing = errors.New("quote asset missing from balance response")
)

// RejectedError is a non-2xx reply from the exchange.
type RejectedError struct {
	Status  int
	Code    int
	Message string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("exchange rejected (status %d, code %d): %s", e.Status, e.Code, e.Message)
}

func (e *RejectedError) Is(target error) bool {
	return target == ErrExchangeRejected
}

// NetworkError wraps a transport failure. Callers may retry; the client never does.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

func (e *NetworkError) Is(target error) bool {
	return target == ErrNetwork
}
