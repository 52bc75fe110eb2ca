package concurrency

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuard_Execute(t *testing.T) {
	g := NewGuard()

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- g.Execute(func() error {
			close(started)
			<-release
			return nil
		})
	}()

	<-started
	assert.True(t, g.Busy())
	err := g.Execute(func() error { return nil })
	assert.ErrorIs(t, err, ErrBusy)

	close(release)
	require.NoError(t, <-done)
	assert.False(t, g.Busy())

	taskErr := errors.New("task failed")
	assert.ErrorIs(t, g.Execute(func() error { return taskErr }), taskErr)
}

func TestSerialQueue_RunsInOrder(t *testing.T) {
	q := NewSerialQueue()

	var mu sync.Mutex
	var order []int
	for i := 0; i < 100; i++ {
		i := i
		q.Dispatch(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}
	q.Close()

	require.Len(t, order, 100)
	for i, v := range order {
		assert.Equal(t, i, v)
	}
}

func TestSerialQueue_DoesNotRunInline(t *testing.T) {
	q := NewSerialQueue()
	defer q.Close()

	block := make(chan struct{})
	ran := make(chan struct{})
	q.Dispatch(func() { <-block })
	q.Dispatch(func() { close(ran) })

	// Dispatch returned while the worker is blocked on the first function.
	select {
	case <-ran:
		t.Fatal("second function ran before the first finished")
	case <-time.After(20 * time.Millisecond):
	}

	close(block)
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("queued function never ran")
	}
}

func TestSerialQueue_DropsAfterClose(t *testing.T) {
	q := NewSerialQueue()
	q.Close()
	q.Close()

	called := false
	q.Dispatch(func() { called = true })
	assert.False(t, called)
}
