package objects

import (
	"bytes"

	"github.com/drpcorg/liveobjects/protocol"
	"github.com/drpcorg/liveobjects/utils"
)

// MapEntry is the per-key LWW register of a Map.
type MapEntry struct {
	Serial     string
	Tombstoned bool
	Data       protocol.ObjectData
}

// Map is a last-writer-wins map; every key is ordered by its own serial.
type Map struct {
	envelope
	entries map[string]*MapEntry
}

type MapItem struct {
	Key   string
	Value Value
}

func newMap(id string, pool *Pool) *Map {
	return &Map{
		envelope: newEnvelope(id, pool),
		entries:  make(map[string]*MapEntry),
	}
}

func (m *Map) Kind() Kind {
	return KindMap
}

// Get returns the value under key. Tombstoned entries, references to
// missing or deleted objects and empty data read as absent.
func (m *Map) Get(key string) (Value, bool) {
	m.pool.lock.RLock()
	defer m.pool.lock.RUnlock()
	if m.tombstoned {
		return Value{}, false
	}
	return m.get(key)
}

func (m *Map) get(key string) (Value, bool) {
	e, ok := m.entries[key]
	if !ok || e.Tombstoned {
		return Value{}, false
	}
	if e.Data.IsReference() {
		obj, ok := m.pool.objects[e.Data.ObjectID]
		if !ok || obj.env().tombstoned {
			return Value{}, false
		}
		return Value{Object: obj}, true
	}
	if e.Data.IsEmpty() {
		return Value{}, false
	}
	return Value{Data: e.Data}, true
}

// Entries lists the readable entries ordered by key.
func (m *Map) Entries() (items []MapItem) {
	m.pool.lock.RLock()
	defer m.pool.lock.RUnlock()
	if m.tombstoned {
		return nil
	}
	for _, key := range utils.SortedKeys(m.entries) {
		if v, ok := m.get(key); ok {
			items = append(items, MapItem{Key: key, Value: v})
		}
	}
	return
}

func (m *Map) Keys() (keys []string) {
	for _, item := range m.Entries() {
		keys = append(keys, item.Key)
	}
	return
}

func (m *Map) Values() (values []Value) {
	for _, item := range m.Entries() {
		values = append(values, item.Value)
	}
	return
}

func (m *Map) Size() int {
	return len(m.Entries())
}

// Entry returns a copy of the raw register under key, tombstoned or not.
func (m *Map) Entry(key string) (MapEntry, bool) {
	m.pool.lock.RLock()
	defer m.pool.lock.RUnlock()
	e, ok := m.entries[key]
	if !ok {
		return MapEntry{}, false
	}
	entry := *e
	entry.Data.Bytes = bytes.Clone(e.Data.Bytes)
	return entry, true
}

func (m *Map) apply(msg protocol.ObjectMessage) Outcome {
	if !m.gate(msg) {
		return OutcomeStale
	}
	op := msg.Operation
	switch op.Action {
	case protocol.ActionMapCreate:
		return m.applyCreate(op)
	case protocol.ActionMapSet:
		data := protocol.ObjectData{}
		if op.MapOp.Data != nil {
			data = *op.MapOp.Data
		}
		return m.applySet(op.MapOp.Key, msg.Serial, data)
	case protocol.ActionMapRemove:
		return m.applyRemove(op.MapOp.Key, msg.Serial)
	case protocol.ActionObjectDelete:
		m.tombstoned = true
		return OutcomeApplied
	}
	return OutcomeNoop
}

func (m *Map) applyCreate(op *protocol.ObjectOperation) Outcome {
	if m.createMerged {
		m.pool.log.Debug("map create already merged", "objectId", m.id)
		return OutcomeNoop
	}
	m.mergeInitialValue(op)
	return OutcomeApplied
}

// mergeInitialValue applies the entries of a create op, each with its own
// serial.
func (m *Map) mergeInitialValue(op *protocol.ObjectOperation) {
	if op.Map != nil {
		for _, key := range utils.SortedKeys(op.Map.Entries) {
			entry := op.Map.Entries[key]
			if entry.Tombstone {
				m.applyRemove(key, entry.Timeserial)
			} else {
				m.applySet(key, entry.Timeserial, entry.Data)
			}
		}
	}
	m.createMerged = true
}

func (m *Map) applySet(key, serial string, data protocol.ObjectData) Outcome {
	e, ok := m.entries[key]
	if ok && !Supersedes(serial, e.Serial) {
		m.pool.log.Debug("map set discarded", "objectId", m.id, "key", key, "serial", serial, "entrySerial", e.Serial)
		return OutcomeStale
	}
	if !ok {
		e = &MapEntry{}
		m.entries[key] = e
	}
	e.Data = data
	e.Serial = serial
	e.Tombstoned = false
	if data.IsReference() {
		m.pool.referenced(data.ObjectID)
	}
	return OutcomeApplied
}

func (m *Map) applyRemove(key, serial string) Outcome {
	e, ok := m.entries[key]
	if ok && !Supersedes(serial, e.Serial) {
		m.pool.log.Debug("map remove discarded", "objectId", m.id, "key", key, "serial", serial, "entrySerial", e.Serial)
		return OutcomeStale
	}
	if !ok {
		e = &MapEntry{}
		m.entries[key] = e
	}
	e.Data = protocol.ObjectData{}
	e.Serial = serial
	e.Tombstoned = true
	return OutcomeApplied
}

func (m *Map) replaceData(state protocol.ObjectState) {
	m.replaceEnvelope(state)
	m.entries = make(map[string]*MapEntry)
	if state.Map != nil {
		for key, entry := range state.Map.Entries {
			m.entries[key] = &MapEntry{
				Serial:     entry.Timeserial,
				Tombstoned: entry.Tombstone,
				Data:       entry.Data,
			}
			if !entry.Tombstone && entry.Data.IsReference() {
				m.pool.referenced(entry.Data.ObjectID)
			}
		}
	}
	if state.CreateOp != nil {
		m.mergeInitialValue(state.CreateOp)
	}
}

func (m *Map) state() protocol.ObjectState {
	st := m.exportEnvelope(KindMap)
	st.Map = &protocol.ObjectsMap{Semantics: protocol.MapSemanticsLWW}
	if len(m.entries) > 0 {
		st.Map.Entries = make(map[string]protocol.MapEntry, len(m.entries))
	}
	for key, e := range m.entries {
		st.Map.Entries[key] = protocol.MapEntry{
			Tombstone:  e.Tombstoned,
			Timeserial: e.Serial,
			Data:       e.Data,
		}
	}
	return st
}
