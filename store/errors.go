package store

import "errors"

// Sentinel errors for the store package.
var (
	// ErrNotFound is returned when a referenced entity cannot be found.
	ErrNotFound = errors.New("store: not found")

	// ErrInvalidID is returned when an invalid ID is provided.
	ErrInvalidID = errors.New("store: invalid id")

	// ErrNotConnected is returned when operations are attempted before Connect().
	ErrNotConnected = errors.New("store: not connected")

	// ErrAlreadyConnected is returned when Connect() is called twice.
	ErrAlreadyConnected = errors.New("store: already connected")

	// ErrInvalidWindow is returned when a selection window is empty or inverted.
	ErrInvalidWindow = errors.New("store: invalid window")

	// ErrWatermarkRegression is returned when a watermark write would move
	// the watermark backwards. The watermark is monotone by contract.
	ErrWatermarkRegression = errors.New("store: watermark regression")

	// ErrTransactionFailed is returned when a database transaction fails.
	// The atomic operation did not complete and no changes were made.
	ErrTransactionFailed = errors.New("store: transaction failed")
)

// Error checking helpers.

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsNotConnected(err error) bool {
	return errors.Is(err, ErrNotConnected)
}
