package logger

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// resetLogger clears the global state so each subtest starts fresh.
func resetLogger() {
	logger = nil
	initOnce = sync.Once{}
}

func TestInit(t *testing.T) {
	t.Run("should initialize with the default level", func(t *testing.T) {
		resetLogger()

		err := Init()

		require.NoError(t, err)
		assert.NotNil(t, logger)
	})

	t.Run("should initialize with a custom level", func(t *testing.T) {
		resetLogger()

		err := Init(WithLevel("debug"))

		require.NoError(t, err)
		assert.NotNil(t, logger)
	})

	t.Run("should fail on an unknown level", func(t *testing.T) {
		resetLogger()

		err := Init(WithLevel("chatty"))

		assert.Error(t, err)
		assert.Nil(t, logger)
	})

	t.Run("should initialize only once", func(t *testing.T) {
		resetLogger()

		require.NoError(t, Init(WithLevel("debug")))
		first := logger

		require.NoError(t, Init(WithLevel("error")))

		assert.Equal(t, first, logger)
	})
}

func TestLogHelpers(t *testing.T) {
	resetLogger()
	require.NoError(t, Init(WithLevel("debug")))

	t.Run("should log at every level without panicking", func(t *testing.T) {
		ctx := t.Context()

		assert.NotPanics(t, func() {
			Debug(ctx, "debug message", "key", "value")
			Info(ctx, "info message", "key", "value")
			Warn(ctx, "warn message", "key", "value")
			Error(ctx, "error message", "key", "value")
		})
	})

	t.Run("should tolerate odd key value pairs", func(t *testing.T) {
		assert.NotPanics(t, func() {
			Info(t.Context(), "message", "dangling")
		})
	})
}

func TestSync(t *testing.T) {
	t.Run("should flush after initialization", func(t *testing.T) {
		resetLogger()
		require.NoError(t, Init())

		assert.NotPanics(t, func() {
			Sync()
		})
	})
}
