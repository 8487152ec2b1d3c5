package core

import "sync"

// Invoker spawns and tracks the goroutines of the system so that
// shutdown can wait for every one of them to drain.
type Invoker interface {
	// Run f on its own goroutine.
	Spawn(f func())

	// Block until every spawned routine returned.
	Stop()
}

type defaultInvoker struct {
	group *sync.WaitGroup
}

func NewInvoker() Invoker {
	return &defaultInvoker{group: &sync.WaitGroup{}}
}

func (i *defaultInvoker) Spawn(f func()) {
	i.group.Add(1)
	go func() {
		defer i.group.Done()
		f()
	}()
}

func (i *defaultInvoker) Stop() {
	i.group.Wait()
}
