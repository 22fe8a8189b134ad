package channel

import (
	"github.com/drpcorg/liveobjects/objects"
	"github.com/drpcorg/liveobjects/protocol"
	"github.com/google/uuid"
)

// NewObjectID returns a fresh id whose prefix carries kind.
func NewObjectID(kind objects.Kind) string {
	return kind.String() + ":" + uuid.NewString()
}

func MapCreate(objectID string, entries map[string]protocol.ObjectData) protocol.ObjectOperation {
	m := &protocol.ObjectsMap{Semantics: protocol.MapSemanticsLWW}
	if len(entries) > 0 {
		m.Entries = make(map[string]protocol.MapEntry, len(entries))
		for key, data := range entries {
			m.Entries[key] = protocol.MapEntry{Data: data}
		}
	}
	return protocol.ObjectOperation{
		Action:   protocol.ActionMapCreate,
		ObjectID: objectID,
		Map:      m,
		Nonce:    uuid.NewString(),
	}
}

func MapSet(objectID, key string, data protocol.ObjectData) protocol.ObjectOperation {
	return protocol.ObjectOperation{
		Action:   protocol.ActionMapSet,
		ObjectID: objectID,
		MapOp:    &protocol.MapOp{Key: key, Data: &data},
	}
}

func MapRemove(objectID, key string) protocol.ObjectOperation {
	return protocol.ObjectOperation{
		Action:   protocol.ActionMapRemove,
		ObjectID: objectID,
		MapOp:    &protocol.MapOp{Key: key},
	}
}

func CounterCreate(objectID string, count float64) protocol.ObjectOperation {
	return protocol.ObjectOperation{
		Action:   protocol.ActionCounterCreate,
		ObjectID: objectID,
		Counter:  &protocol.ObjectsCounter{Count: protocol.Float(count)},
		Nonce:    uuid.NewString(),
	}
}

func CounterInc(objectID string, amount float64) protocol.ObjectOperation {
	return protocol.ObjectOperation{
		Action:    protocol.ActionCounterInc,
		ObjectID:  objectID,
		CounterOp: &protocol.CounterOp{Amount: amount},
	}
}

func Delete(objectID string) protocol.ObjectOperation {
	return protocol.ObjectOperation{
		Action:   protocol.ActionObjectDelete,
		ObjectID: objectID,
	}
}
