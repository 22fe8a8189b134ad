// Package objects holds the replicated object graph: LWW maps, counters
// and the pool that owns them.
//
// Objects reference each other by id only; the Pool is the single owner of
// every object and resolves references on read. Mutations (apply, snapshot
// replacement) run with the pool lock held for writing by the caller; the
// exported read accessors of Map and Counter take it for reading.
package objects

import (
	"bytes"
	"errors"
	"strings"

	"github.com/drpcorg/liveobjects/protocol"
)

const RootObjectID = "root"

type Kind byte

const (
	KindMap     Kind = 'M'
	KindCounter Kind = 'C'
)

func (k Kind) String() string {
	switch k {
	case KindMap:
		return "map"
	case KindCounter:
		return "counter"
	}
	return "unknown"
}

var ErrUnknownObjectKind = errors.New("objects: object id has no known type prefix")

// KindOf derives the kind of an object from its id, e.g. "map:abc@1".
func KindOf(objectID string) (Kind, error) {
	if objectID == RootObjectID {
		return KindMap, nil
	}
	prefix, _, ok := strings.Cut(objectID, ":")
	if ok {
		switch prefix {
		case "map":
			return KindMap, nil
		case "counter":
			return KindCounter, nil
		}
	}
	return 0, ErrUnknownObjectKind
}

// Outcome of applying one operation.
type Outcome int

const (
	OutcomeApplied Outcome = iota
	// the serial gate passed but the operation changed no data
	OutcomeNoop
	OutcomeStale
	OutcomeUnsupported
)

func (o Outcome) String() string {
	return [...]string{"applied", "noop", "stale", "unsupported"}[o]
}

// Object is either a *Map or a *Counter.
type Object interface {
	ObjectID() string
	Kind() Kind
	IsTombstoned() bool
	SiteSerials() map[string]string
	CreateMerged() bool

	env() *envelope
	apply(msg protocol.ObjectMessage) Outcome
	replaceData(state protocol.ObjectState)
	state() protocol.ObjectState
}

// envelope is the state shared by all object kinds.
type envelope struct {
	id           string
	pool         *Pool
	siteSerials  map[string]string
	tombstoned   bool
	createMerged bool
}

func newEnvelope(id string, pool *Pool) envelope {
	return envelope{id: id, pool: pool, siteSerials: make(map[string]string)}
}

func (e *envelope) env() *envelope {
	return e
}

func (e *envelope) ObjectID() string {
	return e.id
}

func (e *envelope) IsTombstoned() bool {
	e.pool.lock.RLock()
	defer e.pool.lock.RUnlock()
	return e.tombstoned
}

func (e *envelope) SiteSerials() map[string]string {
	e.pool.lock.RLock()
	defer e.pool.lock.RUnlock()
	return copySerials(e.siteSerials)
}

func (e *envelope) CreateMerged() bool {
	e.pool.lock.RLock()
	defer e.pool.lock.RUnlock()
	return e.createMerged
}

// gate is the object-level LWW check; on success the site serial advances
// whatever the operation turns out to do.
func (e *envelope) gate(msg protocol.ObjectMessage) bool {
	if !Supersedes(msg.Serial, e.siteSerials[msg.SiteCode]) {
		return false
	}
	e.siteSerials[msg.SiteCode] = msg.Serial
	return true
}

func (e *envelope) replaceEnvelope(state protocol.ObjectState) {
	e.siteSerials = copySerials(state.SiteTimeserials)
	e.tombstoned = state.Tombstone
	e.createMerged = false
}

func (e *envelope) exportEnvelope(kind Kind) protocol.ObjectState {
	st := protocol.ObjectState{
		ObjectID:        e.id,
		SiteTimeserials: copySerials(e.siteSerials),
		Tombstone:       e.tombstoned,
	}
	if e.createMerged {
		// the initial value is already folded into the payload; an empty
		// create op keeps the latch set on import
		st.CreateOp = &protocol.ObjectOperation{ObjectID: e.id}
		if kind == KindMap {
			st.CreateOp.Action = protocol.ActionMapCreate
			st.CreateOp.Map = &protocol.ObjectsMap{Semantics: protocol.MapSemanticsLWW}
		} else {
			st.CreateOp.Action = protocol.ActionCounterCreate
			st.CreateOp.Counter = &protocol.ObjectsCounter{}
		}
	}
	return st
}

func copySerials(src map[string]string) map[string]string {
	dst := make(map[string]string, len(src))
	for site, serial := range src {
		dst[site] = serial
	}
	return dst
}

// Value is a resolved map value: either primitive data or a live object.
type Value struct {
	Data   protocol.ObjectData
	Object Object
}

func (v Value) Map() (*Map, bool) {
	m, ok := v.Object.(*Map)
	return m, ok
}

func (v Value) Counter() (*Counter, bool) {
	c, ok := v.Object.(*Counter)
	return c, ok
}

func (v Value) String() (string, bool) {
	if v.Data.String == nil {
		return "", false
	}
	return *v.Data.String, true
}

func (v Value) Number() (float64, bool) {
	if v.Data.Number == nil {
		return 0, false
	}
	return *v.Data.Number, true
}

func (v Value) Bool() (bool, bool) {
	if v.Data.Boolean == nil {
		return false, false
	}
	return *v.Data.Boolean, true
}

// Bytes returns a copy of the stored bytes.
func (v Value) Bytes() ([]byte, bool) {
	return bytes.Clone(v.Data.Bytes), v.Data.Bytes != nil
}

func (v Value) JSON() (any, bool) {
	return v.Data.JSON, v.Data.JSON != nil
}
