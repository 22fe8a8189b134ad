/*
Package protocol implements the object message wire model shared by the
channel transport and the object engine.

# Messages

An ObjectMessage carries either an operation (a live update, delivered in
OBJECT protocol messages) or an object state (a full-state record, delivered
in OBJECT_SYNC protocol messages). Serials are opaque strings ordered
lexicographically; the empty string stands for "no serial".

# Formats

Two wire formats are supported, see Format:

  - FormatJSON (text): bytes travel base64-encoded, numbers as JSON numbers.
  - FormatMsgpack (binary): bytes travel as msgpack bin, numbers as float64.

In both formats a structured (object/array) string payload is stringified and
tagged with encoding "json", and a plain string travels verbatim.

# Sync cursors

An OBJECT_SYNC channel serial has the form

	<sequenceId>:<cursor>

where an empty cursor marks the last page of the sequence.
*/
package protocol

// Action is the wire value of ObjectOperation.action. Unknown values are
// preserved so the engine can log and skip them.
type Action int

const (
	ActionMapCreate     Action = 0
	ActionMapSet        Action = 1
	ActionMapRemove     Action = 2
	ActionCounterCreate Action = 3
	ActionCounterInc    Action = 4
	ActionObjectDelete  Action = 5
)

var actionNames = []string{"MAP_CREATE", "MAP_SET", "MAP_REMOVE", "COUNTER_CREATE", "COUNTER_INC", "OBJECT_DELETE"}

func (a Action) Known() bool {
	return a >= ActionMapCreate && a <= ActionObjectDelete
}

func (a Action) String() string {
	if !a.Known() {
		return "UNKNOWN"
	}
	return actionNames[a]
}

// MapSemantics of ObjectsMap; only LWW exists.
type MapSemantics int

const MapSemanticsLWW MapSemantics = 0

// ObjectMessage is an entry of the state array of OBJECT and OBJECT_SYNC
// protocol messages. Timestamps are milliseconds since the epoch.
type ObjectMessage struct {
	ID              string           `json:"id,omitempty" msgpack:"id,omitempty"`
	ClientID        string           `json:"clientId,omitempty" msgpack:"clientId,omitempty"`
	ConnectionID    string           `json:"connectionId,omitempty" msgpack:"connectionId,omitempty"`
	Extras          map[string]any   `json:"extras,omitempty" msgpack:"extras,omitempty"`
	Timestamp       int64            `json:"timestamp,omitempty" msgpack:"timestamp,omitempty"`
	Operation       *ObjectOperation `json:"operation,omitempty" msgpack:"operation,omitempty"`
	Object          *ObjectState     `json:"object,omitempty" msgpack:"object,omitempty"`
	Serial          string           `json:"serial,omitempty" msgpack:"serial,omitempty"`
	SiteCode        string           `json:"siteCode,omitempty" msgpack:"siteCode,omitempty"`
	SerialTimestamp int64            `json:"serialTimestamp,omitempty" msgpack:"serialTimestamp,omitempty"`
}

// ObjectOperation is a single mutation of one object.
// Nonce and InitialValue are only meaningful on outbound operations.
type ObjectOperation struct {
	Action       Action          `json:"action" msgpack:"action"`
	ObjectID     string          `json:"objectId" msgpack:"objectId"`
	MapOp        *MapOp          `json:"mapOp,omitempty" msgpack:"mapOp,omitempty"`
	CounterOp    *CounterOp      `json:"counterOp,omitempty" msgpack:"counterOp,omitempty"`
	Map          *ObjectsMap     `json:"map,omitempty" msgpack:"map,omitempty"`
	Counter      *ObjectsCounter `json:"counter,omitempty" msgpack:"counter,omitempty"`
	Nonce        string          `json:"nonce,omitempty" msgpack:"nonce,omitempty"`
	InitialValue string          `json:"initialValue,omitempty" msgpack:"initialValue,omitempty"`
}

type MapOp struct {
	Key  string      `json:"key" msgpack:"key"`
	Data *ObjectData `json:"data,omitempty" msgpack:"data,omitempty"`
}

type CounterOp struct {
	Amount float64 `json:"amount" msgpack:"amount"`
}

// MapEntry is a map entry as carried by ObjectsMap.
type MapEntry struct {
	Tombstone       bool       `json:"tombstone,omitempty" msgpack:"tombstone,omitempty"`
	Timeserial      string     `json:"timeserial,omitempty" msgpack:"timeserial,omitempty"`
	Data            ObjectData `json:"data" msgpack:"data"`
	SerialTimestamp int64      `json:"serialTimestamp,omitempty" msgpack:"serialTimestamp,omitempty"`
}

type ObjectsMap struct {
	Semantics MapSemantics        `json:"semantics" msgpack:"semantics"`
	Entries   map[string]MapEntry `json:"entries,omitempty" msgpack:"entries,omitempty"`
}

type ObjectsCounter struct {
	Count *float64 `json:"count,omitempty" msgpack:"count,omitempty"`
}

// ObjectState is a full-state record of one object.
type ObjectState struct {
	ObjectID        string            `json:"objectId" msgpack:"objectId"`
	SiteTimeserials map[string]string `json:"siteTimeserials" msgpack:"siteTimeserials"`
	Tombstone       bool              `json:"tombstone" msgpack:"tombstone"`
	CreateOp        *ObjectOperation  `json:"createOp,omitempty" msgpack:"createOp,omitempty"`
	Map             *ObjectsMap       `json:"map,omitempty" msgpack:"map,omitempty"`
	Counter         *ObjectsCounter   `json:"counter,omitempty" msgpack:"counter,omitempty"`
}

// Value returns the counter value, 0 when absent.
func (c *ObjectsCounter) Value() float64 {
	if c == nil || c.Count == nil {
		return 0
	}
	return *c.Count
}

func Float(f float64) *float64 {
	return &f
}

// Inbound drops the fields that must not be read on received operations.
func (op *ObjectOperation) Inbound() {
	op.Nonce = ""
	op.InitialValue = ""
}
