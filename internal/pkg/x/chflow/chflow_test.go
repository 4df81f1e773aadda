package chflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReceive(t *testing.T) {
	t.Run("should receive a buffered value", func(t *testing.T) {
		ch := make(chan int, 1)
		ch <- 42

		value, ok := Receive(t.Context(), ch)

		assert.True(t, ok)
		assert.Equal(t, 42, value)
	})

	t.Run("should fail when the context is canceled", func(t *testing.T) {
		ch := make(chan int)
		ctx, cancel := context.WithCancel(t.Context())
		cancel()

		value, ok := Receive(ctx, ch)

		assert.False(t, ok)
		assert.Zero(t, value)
	})

	t.Run("should fail when the channel is closed", func(t *testing.T) {
		ch := make(chan string)
		close(ch)

		value, ok := Receive(t.Context(), ch)

		assert.False(t, ok)
		assert.Empty(t, value)
	})
}

func TestSend(t *testing.T) {
	t.Run("should deliver to a buffered channel", func(t *testing.T) {
		ch := make(chan int, 1)

		ok := Send(t.Context(), ch, 42)

		assert.True(t, ok)
		assert.Equal(t, 42, <-ch)
	})

	t.Run("should fail when the context is canceled", func(t *testing.T) {
		ch := make(chan int)
		ctx, cancel := context.WithCancel(t.Context())
		cancel()

		ok := Send(ctx, ch, 42)

		assert.False(t, ok)
		select {
		case <-ch:
			t.Fatal("no value should have been sent")
		default:
		}
	})

	t.Run("should pair with a concurrent receiver", func(t *testing.T) {
		ch := make(chan int)

		received := make(chan int, 1)
		go func() {
			value, _ := Receive(t.Context(), ch)
			received <- value
		}()

		ok := Send(t.Context(), ch, 99)

		assert.True(t, ok)
		assert.Equal(t, 99, <-received)
	})
}
