package runner

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestActivityWriter verifies writes pass through and move the activity
// timestamp forward.
func TestActivityWriter(t *testing.T) {
	var buf bytes.Buffer
	aw := newActivityWriter(&buf)
	first := aw.Last()

	time.Sleep(10 * time.Millisecond)
	n, err := aw.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "hello", buf.String())
	assert.True(t, aw.Last().After(first))
}

// TestWatchOutput_FiresOnSilence verifies the watchdog cancels once the
// writer goes quiet past the limit.
func TestWatchOutput_FiresOnSilence(t *testing.T) {
	aw := newActivityWriter(bytes.NewBuffer(nil))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dog := watchOutput(aw, 50*time.Millisecond, cancel)
	defer dog.Stop()

	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("watchdog never fired")
	}
	assert.True(t, dog.Stalled())
}

// TestWatchOutput_WritesPushDeadline verifies steady output keeps the
// watchdog from firing.
func TestWatchOutput_WritesPushDeadline(t *testing.T) {
	aw := newActivityWriter(bytes.NewBuffer(nil))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dog := watchOutput(aw, 500*time.Millisecond, cancel)
	defer dog.Stop()

	for i := 0; i < 6; i++ {
		time.Sleep(50 * time.Millisecond)
		_, err := aw.Write([]byte("tick\n"))
		require.NoError(t, err)
	}

	assert.NoError(t, ctx.Err())
	assert.False(t, dog.Stalled())
}

// TestWatchOutput_StopAndDisable verifies Stop ends the watch and a zero
// limit never starts one.
func TestWatchOutput_StopAndDisable(t *testing.T) {
	aw := newActivityWriter(bytes.NewBuffer(nil))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dog := watchOutput(aw, 30*time.Millisecond, cancel)
	dog.Stop()
	dog.Stop() // idempotent

	time.Sleep(100 * time.Millisecond)
	assert.NoError(t, ctx.Err())
	assert.False(t, dog.Stalled())

	off := watchOutput(aw, 0, cancel)
	off.Stop()
	assert.False(t, off.Stalled())
}
