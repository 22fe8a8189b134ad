package liveobjects

import (
	"github.com/drpcorg/liveobjects/objects"
	"github.com/drpcorg/liveobjects/protocol"
	"github.com/drpcorg/liveobjects/utils"
)

// syncSequence accumulates the pages of one multi-page OBJECT_SYNC.
type syncSequence struct {
	id       string
	states   []protocol.ObjectState
	buffered []protocol.ObjectMessage
}

func pageStates(msgs []protocol.ObjectMessage) (states []protocol.ObjectState) {
	for _, msg := range msgs {
		if msg.Object != nil {
			states = append(states, *msg.Object)
		}
	}
	return
}

// applySyncPage runs under lock.
func (o *Objects) applySyncPage(msgs []protocol.ObjectMessage, channelSerial string) *pendingWrite {
	o.metrics.syncPages.Inc()
	if channelSerial == "" {
		// the whole snapshot is in this page
		if o.seq != nil {
			o.log.Info("single-page sync replaces sync sequence", "sequence", o.seq.id, "buffered", len(o.seq.buffered))
		}
		o.seq = nil
		return o.commit(pageStates(msgs), nil)
	}
	cursor, err := protocol.ParseSyncCursor(channelSerial)
	if err != nil {
		o.metrics.syncDropped.Inc()
		o.log.Error("sync page dropped", "channelSerial", channelSerial, "err", err)
		return nil
	}
	switch {
	case o.seq == nil:
		o.log.Debug("sync sequence started", "sequence", cursor.SequenceID)
		o.seq = &syncSequence{id: cursor.SequenceID}
	case o.seq.id != cursor.SequenceID:
		o.log.Info("sync sequence restarted", "sequence", cursor.SequenceID, "previous", o.seq.id,
			"discardedStates", len(o.seq.states), "discardedBuffered", len(o.seq.buffered))
		o.metrics.syncRestarts.Inc()
		o.seq = &syncSequence{id: cursor.SequenceID}
	}
	o.seq.states = append(o.seq.states, pageStates(msgs)...)
	if !cursor.IsEndOfSequence() {
		return nil
	}
	seq := o.seq
	o.seq = nil
	return o.commit(seq.states, seq.buffered)
}

// commit applies a complete snapshot, replays buffered operations and
// signals sync completion.
func (o *Objects) commit(states []protocol.ObjectState, buffered []protocol.ObjectMessage) *pendingWrite {
	o.pool.ApplySnapshot(states)
	o.metrics.syncCommits.Inc()
	o.log.Debug("sync committed", "states", len(states), "buffered", len(buffered))
	for _, msg := range buffered {
		o.applyOperation(msg)
	}
	o.metrics.poolSize.Set(float64(o.pool.Len()))
	o.signalSynced()
	return o.exportAll()
}

// applyLiveUpdate runs under lock.
func (o *Objects) applyLiveUpdate(msgs []protocol.ObjectMessage) *pendingWrite {
	if o.seq != nil {
		o.seq.buffered = append(o.seq.buffered, msgs...)
		o.metrics.bufferedOps.Add(float64(len(msgs)))
		o.log.Debug("live operations buffered", "sequence", o.seq.id, "count", len(msgs))
		return nil
	}
	dirty := make(map[string]struct{})
	for _, msg := range msgs {
		for _, id := range o.applyOperation(msg) {
			dirty[id] = struct{}{}
		}
	}
	o.metrics.poolSize.Set(float64(o.pool.Len()))
	return o.exportDirty(dirty)
}

// applyOperation returns the ids of objects the operation may have changed.
// A stale entry update still moves the site serial, so only unsupported
// operations change nothing.
func (o *Objects) applyOperation(msg protocol.ObjectMessage) (changed []string) {
	outcome := o.pool.Apply(msg)
	o.metrics.operation(outcome)
	if outcome == objects.OutcomeUnsupported {
		return nil
	}
	op := msg.Operation
	changed = append(changed, op.ObjectID)
	if op.MapOp != nil && op.MapOp.Data != nil && op.MapOp.Data.IsReference() {
		changed = append(changed, op.MapOp.Data.ObjectID)
	}
	if op.Map != nil {
		for _, entry := range op.Map.Entries {
			if entry.Data.IsReference() {
				changed = append(changed, entry.Data.ObjectID)
			}
		}
	}
	return
}

func (o *Objects) exportDirty(dirty map[string]struct{}) *pendingWrite {
	if o.writer == nil || len(dirty) == 0 {
		return nil
	}
	w := &pendingWrite{}
	for _, id := range utils.SortedKeys(dirty) {
		if state, ok := o.pool.State(id); ok {
			w.states = append(w.states, state)
		}
	}
	return w
}
