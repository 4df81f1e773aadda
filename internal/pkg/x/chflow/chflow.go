// Package chflow provides context-aware helpers for sending to and receiving
// from Go channels, so channel operations always respect cancellation.
package chflow

import "context"

// Receive waits for a value from ch or for ctx to be canceled. It returns the
// value (zero value on cancellation) and whether the receive succeeded.
func Receive[T any](ctx context.Context, ch <-chan T) (T, bool) {
	var data T
	select {
	case <-ctx.Done():
		return data, false
	case data, ok := <-ch:
		return data, ok
	}
}

// Send delivers data to ch unless ctx is canceled first. It reports whether
// the value was sent.
func Send[T any](ctx context.Context, ch chan<- T, data T) bool {
	select {
	case <-ctx.Done():
		return false
	case ch <- data:
		return true
	}
}
