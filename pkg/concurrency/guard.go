package concurrency

import (
	"errors"
	"sync/atomic"
)

var ErrBusy = errors.New("busy: another request is in progress")

// Guard lets exactly one task run at a time; concurrent callers are turned
// away with ErrBusy instead of queueing.
type Guard struct {
	busy atomic.Bool
}

func NewGuard() *Guard {
	return &Guard{}
}

func (g *Guard) Execute(task func() error) error {
	if !g.busy.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer g.busy.Store(false)
	return task()
}

// Busy reports whether a task is currently running.
func (g *Guard) Busy() bool {
	return g.busy.Load()
}
