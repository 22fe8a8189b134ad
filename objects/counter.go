package objects

import "github.com/drpcorg/liveobjects/protocol"

// Counter is a number changed by commutative increments.
type Counter struct {
	envelope
	value float64
}

func newCounter(id string, pool *Pool) *Counter {
	return &Counter{envelope: newEnvelope(id, pool)}
}

func (c *Counter) Kind() Kind {
	return KindCounter
}

// Value is 0 for a deleted counter.
func (c *Counter) Value() float64 {
	c.pool.lock.RLock()
	defer c.pool.lock.RUnlock()
	if c.tombstoned {
		return 0
	}
	return c.value
}

func (c *Counter) apply(msg protocol.ObjectMessage) Outcome {
	if !c.gate(msg) {
		return OutcomeStale
	}
	op := msg.Operation
	switch op.Action {
	case protocol.ActionCounterCreate:
		if c.createMerged {
			c.pool.log.Debug("counter create already merged", "objectId", c.id)
			return OutcomeNoop
		}
		c.mergeInitialValue(op)
		return OutcomeApplied
	case protocol.ActionCounterInc:
		c.value += op.CounterOp.Amount
		return OutcomeApplied
	case protocol.ActionObjectDelete:
		c.tombstoned = true
		return OutcomeApplied
	}
	return OutcomeNoop
}

func (c *Counter) mergeInitialValue(op *protocol.ObjectOperation) {
	c.value += op.Counter.Value()
	c.createMerged = true
}

func (c *Counter) replaceData(state protocol.ObjectState) {
	c.replaceEnvelope(state)
	c.value = state.Counter.Value()
	if state.CreateOp != nil {
		c.mergeInitialValue(state.CreateOp)
	}
}

func (c *Counter) state() protocol.ObjectState {
	st := c.exportEnvelope(KindCounter)
	st.Counter = &protocol.ObjectsCounter{Count: protocol.Float(c.value)}
	return st
}
