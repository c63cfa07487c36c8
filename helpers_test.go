package nanokernel

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testTimeout = 5 * time.Second
	timeoutPoll = time.Millisecond
)

// newTestKernel creates a kernel with the real-time clock disabled, which is
// shut down at the end of the test.
func newTestKernel(t *testing.T, opts ...Option) *Kernel {
	t.Helper()
	k, err := New(append([]Option{WithTickPeriod(0)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		assert.NoError(t, k.Shutdown(ctx))
	})
	return k
}

// runKernel runs k in the background, returning a channel receiving the
// result of Run.
func runKernel(t *testing.T, k *Kernel) <-chan error {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- k.Run(context.Background()) }()
	require.Eventually(t, func() bool { return k.State() != StateAwake }, testTimeout, timeoutPoll)
	return errCh
}

// waitRun waits for the result of Run.
func waitRun(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for Run to return")
		return nil
	}
}

// waitClosed waits for ch to be closed.
func waitClosed(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for channel to close")
	}
}

// announceUntil announces one tick at a time until ch is closed.
func announceUntil(t *testing.T, k *Kernel, ch <-chan struct{}) {
	t.Helper()
	require.Eventually(t, func() bool {
		select {
		case <-ch:
			return true
		default:
		}
		assert.NoError(t, k.Announce(1))
		return false
	}, testTimeout, timeoutPoll)
}

// recorder collects labels from contexts, in the order they ran.
type recorder struct {
	mu     sync.Mutex
	labels []string
}

func (x *recorder) add(label string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.labels = append(x.labels, label)
}

func (x *recorder) get() []string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return append([]string(nil), x.labels...)
}

// requirePanicIs runs fn, and requires that it panics with an error matching
// target.
func requirePanicIs(t *testing.T, target error, fn func()) {
	t.Helper()
	var r any
	func() {
		defer func() { r = recover() }()
		fn()
	}()
	err, ok := r.(error)
	require.Truef(t, ok, "expected a panic with an error, got %#v", r)
	require.ErrorIs(t, err, target)
}

// syncBuffer is a bytes.Buffer safe for concurrent writes.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (x *syncBuffer) Write(p []byte) (int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.buf.Write(p)
}

func (x *syncBuffer) String() string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.buf.String()
}

var errTest = errors.New("test error")
