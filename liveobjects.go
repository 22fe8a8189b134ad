// Package liveobjects keeps a client's replica of a channel's object graph
// in step with the channel.
//
// An Objects engine consumes the channel's ATTACHED, OBJECT and
// OBJECT_SYNC messages in the order the transport received them. Snapshot
// pages are accumulated and committed atomically; live operations that
// arrive while a snapshot is in flight are replayed after the commit.
// Readers block in GetRoot until the first sync has completed.
package liveobjects

import (
	"context"
	"sync"

	"github.com/drpcorg/liveobjects/objects"
	"github.com/drpcorg/liveobjects/protocol"
	"github.com/drpcorg/liveobjects/utils"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

type Objects struct {
	// lock guards everything below and is shared with the pool's objects
	lock sync.RWMutex
	pool *objects.Pool
	seq  *syncSequence

	synced     chan struct{}
	isSynced   bool
	attached   bool
	hasObjects bool
	closed     chan struct{}

	// writer is nil without a store
	writer *writer

	log     utils.Logger
	metrics *metrics
}

func New(opts Options) *Objects {
	opts.SetDefaults()
	o := &Objects{
		synced:  make(chan struct{}),
		closed:  make(chan struct{}),
		log:     opts.Logger,
		metrics: newMetrics(),
	}
	o.pool = objects.NewPool(&o.lock, o.log)
	o.metrics.poolSize.Set(1)
	if opts.Store != nil {
		o.writer = newWriter(opts.Store, o.log)
	}
	if opts.Registerer != nil {
		if err := opts.Registerer.Register(o.metrics); err != nil {
			o.log.Warn("cannot register metrics", "err", err)
		}
	}
	return o
}

// OnChannelAttached handles the channel (re)attaching. Without prior
// objects the registry restarts from an empty root and the engine counts
// as synced; otherwise an OBJECT_SYNC is expected and nothing changes.
func (o *Objects) OnChannelAttached(hasObjects bool) {
	o.lock.Lock()
	o.log.Debug("channel attached", "hasObjects", hasObjects)
	o.attached = true
	o.hasObjects = hasObjects
	if hasObjects {
		o.lock.Unlock()
		return
	}
	if o.seq != nil {
		o.log.Info("attach discards sync sequence", "sequence", o.seq.id, "buffered", len(o.seq.buffered))
		o.seq = nil
	}
	o.pool = objects.NewPool(&o.lock, o.log)
	o.metrics.poolSize.Set(float64(o.pool.Len()))
	o.signalSynced()
	o.unlockAndPersist(o.exportAll())
}

// HasObjectsOnAttach reports the flag of the last attach, if any.
func (o *Objects) HasObjectsOnAttach() (hasObjects bool, attached bool) {
	o.lock.RLock()
	defer o.lock.RUnlock()
	return o.hasObjects, o.attached
}

// HandleObjectSyncMessages takes one OBJECT_SYNC page. channelSerial is
// the page's sync cursor, empty for a single-page sync.
func (o *Objects) HandleObjectSyncMessages(msgs []protocol.ObjectMessage, channelSerial string) {
	o.lock.Lock()
	o.unlockAndPersist(o.applySyncPage(msgs, channelSerial))
}

// HandleObjectMessages takes the live operations of one OBJECT message.
func (o *Objects) HandleObjectMessages(msgs []protocol.ObjectMessage) {
	o.lock.Lock()
	o.unlockAndPersist(o.applyLiveUpdate(msgs))
}

// HandleProtocolMessage dispatches a decoded channel message. A closed
// engine refuses it with ErrClosed.
func (o *Objects) HandleProtocolMessage(pm *protocol.ProtocolMessage) error {
	if o.isClosed() {
		return ErrClosed
	}
	switch pm.Action {
	case protocol.MessageAttached:
		o.OnChannelAttached(pm.HasObjects())
	case protocol.MessageObject:
		o.HandleObjectMessages(pm.State)
	case protocol.MessageObjectSync:
		o.HandleObjectSyncMessages(pm.State, pm.ChannelSerial)
	default:
		return errors.Wrapf(ErrUnsupportedAction, "action %d", pm.Action)
	}
	return nil
}

// GetRoot returns the root map, waiting for the first completed sync.
// Every waiter is released by the same completion.
func (o *Objects) GetRoot(ctx context.Context) (*objects.Map, error) {
	if o.isClosed() {
		return nil, ErrClosed
	}
	o.lock.RLock()
	synced := o.synced
	o.lock.RUnlock()
	select {
	case <-synced:
	case <-o.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	o.lock.RLock()
	defer o.lock.RUnlock()
	return o.pool.Root(), nil
}

func (o *Objects) IsSynced() bool {
	o.lock.RLock()
	defer o.lock.RUnlock()
	return o.isSynced
}

// HasSyncSequence reports whether a multi-page sync is in progress.
func (o *Objects) HasSyncSequence() bool {
	o.lock.RLock()
	defer o.lock.RUnlock()
	return o.seq != nil
}

// Object looks an object up by id without creating it.
func (o *Objects) Object(id string) (objects.Object, bool) {
	o.lock.RLock()
	defer o.lock.RUnlock()
	return o.pool.Get(id)
}

// States exports the current registry ordered by object id.
func (o *Objects) States() []protocol.ObjectState {
	o.lock.RLock()
	defer o.lock.RUnlock()
	return o.pool.States()
}

func (o *Objects) Collector() prometheus.Collector {
	return o.metrics
}

// Flush waits until every change made so far has reached the store.
func (o *Objects) Flush() {
	if o.writer != nil {
		o.writer.flush()
	}
}

// Close releases GetRoot waiters with ErrClosed and writes out pending
// store writes.
func (o *Objects) Close() {
	o.lock.Lock()
	select {
	case <-o.closed:
	default:
		close(o.closed)
	}
	o.lock.Unlock()
	if o.writer != nil {
		o.writer.close()
	}
}

func (o *Objects) isClosed() bool {
	select {
	case <-o.closed:
		return true
	default:
		return false
	}
}

func (o *Objects) signalSynced() {
	if o.isSynced {
		return
	}
	o.isSynced = true
	close(o.synced)
	o.log.Debug("objects synced")
}

func (o *Objects) exportAll() *pendingWrite {
	if o.writer == nil {
		return nil
	}
	return &pendingWrite{states: o.pool.States(), reset: true}
}

// unlockAndPersist queues w for the store and releases lock. Queueing
// under lock keeps store writes in the order of the changes.
func (o *Objects) unlockAndPersist(w *pendingWrite) {
	if w != nil && o.writer != nil {
		o.writer.enqueue(w)
	}
	o.lock.Unlock()
}
