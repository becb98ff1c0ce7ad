package observability

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShutdownManager_ReverseOrder(t *testing.T) {
	sm := NewShutdownManager(NewLogger(ErrorLevel, &bytes.Buffer{}), time.Second)

	var order []string
	for _, name := range []string{"database", "engine", "scheduler"} {
		name := name
		sm.Register(name, func(ctx context.Context) error {
			order = append(order, name)
			return nil
		})
	}
	sm.Register("ignored", nil)

	require.NoError(t, sm.Shutdown(context.Background()))
	assert.Equal(t, []string{"scheduler", "engine", "database"}, order)

	// only once
	require.NoError(t, sm.Shutdown(context.Background()))
	assert.Len(t, order, 3)
}

func TestShutdownManager_JoinsErrors(t *testing.T) {
	var buf bytes.Buffer
	sm := NewShutdownManager(NewLogger(ErrorLevel, &buf), time.Second)

	closeErr := errors.New("close failed")
	ran := false
	sm.Register("database", func(ctx context.Context) error {
		ran = true
		return nil
	})
	sm.Register("watcher", func(ctx context.Context) error { return closeErr })

	err := sm.Shutdown(context.Background())
	assert.ErrorIs(t, err, closeErr)
	assert.Contains(t, err.Error(), "watcher")
	assert.True(t, ran, "a failing step does not stop the rest")
	assert.Contains(t, buf.String(), "shutdown step failed")
}

func TestShutdownManager_Timeout(t *testing.T) {
	sm := NewShutdownManager(NewLogger(ErrorLevel, &bytes.Buffer{}), 20*time.Millisecond)

	ran := false
	sm.Register("database", func(ctx context.Context) error {
		ran = true
		return nil
	})
	sm.Register("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	err := sm.Shutdown(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "database: shutdown timeout reached")
	assert.False(t, ran)
}

func TestShutdownManager_IgnoresParentCancellation(t *testing.T) {
	sm := NewShutdownManager(nil, 0)
	assert.Equal(t, 30*time.Second, sm.timeout)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ran := false
	sm.Register("database", func(ctx context.Context) error {
		ran = true
		return ctx.Err()
	})
	assert.NoError(t, sm.Shutdown(ctx))
	assert.True(t, ran)
}

func TestSignalContext(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	ctx, stop := SignalContext(parent)
	defer stop()

	cancel()
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("signal context did not follow its parent")
	}
}
