package pool

import (
	"sync"
	"sync/atomic"
)

// Flag is a one-shot cancellation flag. Set may be called from any goroutine
// and any number of times.
type Flag struct {
	set  atomic.Bool
	once sync.Once
	done chan struct{}
}

func NewFlag() *Flag {
	return &Flag{done: make(chan struct{})}
}

// Set raises the flag.
func (f *Flag) Set() {
	f.once.Do(func() {
		f.set.Store(true)
		close(f.done)
	})
}

func (f *Flag) IsSet() bool {
	return f.set.Load()
}

// Done is closed once the flag is set.
func (f *Flag) Done() <-chan struct{} {
	return f.done
}
