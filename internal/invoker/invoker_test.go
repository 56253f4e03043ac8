package invoker

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunSuccess(t *testing.T) {
	inv := New(time.Second, nil)

	res, err := inv.Run(context.Background(), Request{
		Argv:    []string{"sh", "-c", "exit 0"},
		Timeout: 5 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.False(t, res.TimedOut)
	assert.Greater(t, res.WallTime, time.Duration(0))
}

func TestRunNonZeroExitIsNotAnError(t *testing.T) {
	inv := New(time.Second, nil)

	res, err := inv.Run(context.Background(), Request{
		Argv:    []string{"sh", "-c", "echo bad input >&2; exit 3"},
		Timeout: 5 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Contains(t, res.StderrTail, "bad input")
}

func TestRunCapturesStderrTail(t *testing.T) {
	inv := New(time.Second, nil)

	// Write well past the ring buffer size; only the tail survives
	res, err := inv.Run(context.Background(), Request{
		Argv: []string{"sh", "-c",
			`i=0; while [ $i -lt 2000 ]; do echo "line $i" >&2; i=$((i+1)); done; echo "last line" >&2`},
		Timeout: 10 * time.Second,
	})
	require.NoError(t, err)
	assert.LessOrEqual(t, len(res.StderrTail), stderrTailSize)
	assert.True(t, strings.HasSuffix(strings.TrimSpace(res.StderrTail), "last line"))
	assert.NotContains(t, res.StderrTail, "line 0\n")
}

func TestRunTimeout(t *testing.T) {
	inv := New(100*time.Millisecond, nil)

	start := time.Now()
	res, err := inv.Run(context.Background(), Request{
		Argv:    []string{"sleep", "30"},
		Timeout: 200 * time.Millisecond,
	})
	require.ErrorIs(t, err, ErrTimeout)
	assert.True(t, res.TimedOut)
	assert.Less(t, time.Since(start), 5*time.Second, "the kill must not wait out the sleep")
}

func TestRunContextCancellation(t *testing.T) {
	inv := New(100*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	_, err := inv.Run(ctx, Request{
		Argv:    []string{"sleep", "30"},
		Timeout: time.Minute,
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestRunMissingBinary(t *testing.T) {
	inv := New(time.Second, nil)

	_, err := inv.Run(context.Background(), Request{
		Argv:    []string{"definitely-not-a-real-binary-name"},
		Timeout: time.Second,
	})
	require.Error(t, err)
}

func TestRunEmptyArgv(t *testing.T) {
	inv := New(time.Second, nil)
	_, err := inv.Run(context.Background(), Request{})
	require.Error(t, err)
}

func TestRingBufferKeepsTail(t *testing.T) {
	rb := newRingBuffer(8)

	rb.Write([]byte("abc"))
	assert.Equal(t, "abc", rb.String())

	rb.Write([]byte("defgh"))
	assert.Equal(t, "abcdefgh", rb.String())

	rb.Write([]byte("XY"))
	assert.Equal(t, "cdefghXY", rb.String())

	// A single write larger than the buffer keeps only its tail
	rb2 := newRingBuffer(4)
	rb2.Write([]byte("0123456789"))
	assert.Equal(t, "6789", rb2.String())
}
