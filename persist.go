package liveobjects

import (
	"sync"

	"github.com/drpcorg/liveobjects/protocol"
	"github.com/drpcorg/liveobjects/utils"
)

// pendingWrite is a store write prepared under the engine lock.
type pendingWrite struct {
	states []protocol.ObjectState
	reset  bool
	// flushed marks a flush point instead of a write
	flushed chan struct{}
}

// writer persists pending writes on its own goroutine, in queue order.
// Queueing never waits for the store.
type writer struct {
	store StateStore
	log   utils.Logger

	lock   sync.Mutex
	queue  []*pendingWrite
	closed bool

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

func newWriter(store StateStore, log utils.Logger) *writer {
	w := &writer{
		store: store,
		log:   log,
		wake:  make(chan struct{}, 1),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go w.run()
	return w
}

// push reports false once the writer is closed.
func (w *writer) push(pw *pendingWrite) bool {
	w.lock.Lock()
	if w.closed {
		w.lock.Unlock()
		return false
	}
	w.queue = append(w.queue, pw)
	w.lock.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
	return true
}

func (w *writer) enqueue(pw *pendingWrite) {
	if !w.push(pw) {
		w.log.Warn("store write after close dropped", "states", len(pw.states))
	}
}

// flush waits for everything queued before it.
func (w *writer) flush() {
	flushed := make(chan struct{})
	if !w.push(&pendingWrite{flushed: flushed}) {
		<-w.done
		return
	}
	select {
	case <-flushed:
	case <-w.done:
	}
}

// close writes out the queue and stops the goroutine.
func (w *writer) close() {
	w.lock.Lock()
	if !w.closed {
		w.closed = true
		close(w.stop)
	}
	w.lock.Unlock()
	<-w.done
}

func (w *writer) run() {
	defer close(w.done)
	for {
		select {
		case <-w.wake:
			w.drain()
		case <-w.stop:
			w.drain()
			return
		}
	}
}

func (w *writer) drain() {
	for {
		w.lock.Lock()
		queue := w.queue
		w.queue = nil
		w.lock.Unlock()
		if len(queue) == 0 {
			return
		}
		for _, pw := range queue {
			w.write(pw)
		}
	}
}

func (w *writer) write(pw *pendingWrite) {
	if pw.flushed != nil {
		close(pw.flushed)
		return
	}
	var err error
	if pw.reset {
		err = w.store.Replace(pw.states)
	} else {
		err = w.store.Put(pw.states)
	}
	if err != nil {
		w.log.Error("cannot persist object states", "states", len(pw.states), "reset", pw.reset, "err", err)
	}
}
