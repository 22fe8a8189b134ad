package objects

import (
	"sync"

	"github.com/drpcorg/liveobjects/protocol"
	"github.com/drpcorg/liveobjects/utils"
)

// Pool owns every object of a channel, keyed by id. It always holds the
// root map. Pool methods do not lock; the caller serialises them.
type Pool struct {
	lock    *sync.RWMutex
	log     utils.Logger
	objects map[string]Object
	root    *Map
}

// NewPool creates a pool with an empty root. Read accessors of its objects
// take lock for reading; a nil lock gets a private one.
func NewPool(lock *sync.RWMutex, log utils.Logger) *Pool {
	if lock == nil {
		lock = &sync.RWMutex{}
	}
	p := &Pool{
		lock:    lock,
		log:     log,
		objects: make(map[string]Object),
	}
	p.root = newMap(RootObjectID, p)
	p.objects[RootObjectID] = p.root
	return p
}

func (p *Pool) Root() *Map {
	return p.root
}

func (p *Pool) Get(id string) (Object, bool) {
	obj, ok := p.objects[id]
	return obj, ok
}

func (p *Pool) Len() int {
	return len(p.objects)
}

func (p *Pool) IDs() []string {
	return utils.SortedKeys(p.objects)
}

// CreateZeroValue returns the object under id, creating an empty one of the
// given kind if there is none. An existing object is never replaced.
func (p *Pool) CreateZeroValue(id string, kind Kind) Object {
	if obj, ok := p.objects[id]; ok {
		return obj
	}
	var obj Object
	if kind == KindCounter {
		obj = newCounter(id, p)
	} else {
		obj = newMap(id, p)
	}
	p.objects[id] = obj
	p.log.Debug("zero-value object created", "objectId", id, "kind", kind.String())
	return obj
}

// CreateZeroValueFor is CreateZeroValue with the kind taken from the id.
func (p *Pool) CreateZeroValueFor(id string) (Object, error) {
	if obj, ok := p.objects[id]; ok {
		return obj, nil
	}
	kind, err := KindOf(id)
	if err != nil {
		return nil, err
	}
	return p.CreateZeroValue(id, kind), nil
}

// referenced makes sure a map value pointing at id has a target.
func (p *Pool) referenced(id string) {
	if _, err := p.CreateZeroValueFor(id); err != nil {
		p.log.Warn("cannot create referenced object", "objectId", id, "err", err)
	}
}

// ApplySnapshot replaces the data of every object named in states, keeping
// object identity. Objects absent from states are retained as they are.
func (p *Pool) ApplySnapshot(states []protocol.ObjectState) {
	for _, state := range states {
		obj, ok := p.objects[state.ObjectID]
		if ok {
			if obj.env().tombstoned {
				p.log.Debug("snapshot skips tombstoned object", "objectId", state.ObjectID)
				continue
			}
			if kind, known := stateKind(state); known && kind != obj.Kind() {
				p.log.Warn("snapshot state kind mismatch", "objectId", state.ObjectID,
					"kind", obj.Kind().String(), "state", kind.String())
				continue
			}
			obj.replaceData(state)
			continue
		}
		kind, known := stateKind(state)
		if !known {
			p.log.Warn("snapshot state of unknown kind", "objectId", state.ObjectID)
			continue
		}
		obj = p.CreateZeroValue(state.ObjectID, kind)
		obj.replaceData(state)
	}
}

func stateKind(state protocol.ObjectState) (Kind, bool) {
	switch {
	case state.Counter != nil:
		return KindCounter, true
	case state.Map != nil:
		return KindMap, true
	case state.CreateOp != nil && state.CreateOp.Action == protocol.ActionCounterCreate:
		return KindCounter, true
	case state.CreateOp != nil && state.CreateOp.Action == protocol.ActionMapCreate:
		return KindMap, true
	}
	kind, err := KindOf(state.ObjectID)
	return kind, err == nil
}

// Apply merges one live operation message into the pool.
func (p *Pool) Apply(msg protocol.ObjectMessage) Outcome {
	op := msg.Operation
	if op == nil {
		p.log.Warn("object message without operation", "id", msg.ID)
		return OutcomeUnsupported
	}
	if !op.Action.Known() {
		p.log.Warn("unsupported object operation action", "action", int(op.Action), "objectId", op.ObjectID)
		return OutcomeUnsupported
	}
	if msg.SiteCode == "" {
		p.log.Warn("object operation without site code", "objectId", op.ObjectID, "serial", msg.Serial)
		return OutcomeUnsupported
	}
	if !wellFormed(op) {
		p.log.Warn("malformed object operation", "action", op.Action.String(), "objectId", op.ObjectID)
		return OutcomeUnsupported
	}
	obj, err := p.CreateZeroValueFor(op.ObjectID)
	if err != nil {
		p.log.Warn("cannot create object for operation", "objectId", op.ObjectID, "err", err)
		return OutcomeUnsupported
	}
	if !actionFits(op.Action, obj.Kind()) {
		p.log.Warn("operation does not fit object kind", "action", op.Action.String(),
			"objectId", op.ObjectID, "kind", obj.Kind().String())
		return OutcomeUnsupported
	}
	outcome := obj.apply(msg)
	p.log.Debug("object operation", "action", op.Action.String(), "objectId", op.ObjectID,
		"serial", msg.Serial, "site", msg.SiteCode, "outcome", outcome.String())
	return outcome
}

func wellFormed(op *protocol.ObjectOperation) bool {
	switch op.Action {
	case protocol.ActionMapSet, protocol.ActionMapRemove:
		return op.MapOp != nil
	case protocol.ActionCounterInc:
		return op.CounterOp != nil
	}
	return true
}

func actionFits(action protocol.Action, kind Kind) bool {
	switch action {
	case protocol.ActionMapCreate, protocol.ActionMapSet, protocol.ActionMapRemove:
		return kind == KindMap
	case protocol.ActionCounterCreate, protocol.ActionCounterInc:
		return kind == KindCounter
	}
	return true
}

// States exports every object, ordered by id.
func (p *Pool) States() []protocol.ObjectState {
	states := make([]protocol.ObjectState, 0, len(p.objects))
	for _, id := range p.IDs() {
		states = append(states, p.objects[id].state())
	}
	return states
}

// State exports one object.
func (p *Pool) State(id string) (protocol.ObjectState, bool) {
	obj, ok := p.objects[id]
	if !ok {
		return protocol.ObjectState{}, false
	}
	return obj.state(), true
}
