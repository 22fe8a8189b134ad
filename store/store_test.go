package store

import (
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/cockroachdb/pebble/vfs"
	"github.com/drpcorg/liveobjects/protocol"
	"github.com/drpcorg/liveobjects/utils"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func memStore(t *testing.T) *Store {
	s, err := Open("mem", Options{FS: vfs.NewMem(), Logger: utils.NewDefaultLogger(slog.LevelError)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func rootState(entries map[string]protocol.MapEntry) protocol.ObjectState {
	return protocol.ObjectState{
		ObjectID:        "root",
		SiteTimeserials: map[string]string{"site1": "ts1"},
		Map:             &protocol.ObjectsMap{Semantics: protocol.MapSemanticsLWW, Entries: entries},
	}
}

func TestStore_ReplaceAndLoad(t *testing.T) {
	s := memStore(t)
	states := []protocol.ObjectState{
		{
			ObjectID:        "counter:c@1",
			SiteTimeserials: map[string]string{"site1": "ts2"},
			Counter:         &protocol.ObjectsCounter{Count: protocol.Float(3)},
		},
		rootState(map[string]protocol.MapEntry{
			"name": {Timeserial: "ts1", Data: protocol.ObjectData{String: protocol.String("alice")}},
			"blob": {Timeserial: "ts1", Data: protocol.ObjectData{Bytes: []byte{1, 2}}},
			"c":    {Timeserial: "ts1", Data: protocol.ObjectData{ObjectID: "counter:c@1"}},
		}),
	}
	require.NoError(t, s.Replace(states))

	loaded, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, states, loaded)

	root, err := s.Get("root")
	require.NoError(t, err)
	assert.Equal(t, "alice", *root.Map.Entries["name"].Data.String)
	assert.Equal(t, []byte{1, 2}, root.Map.Entries["blob"].Data.Bytes)

	// a replacement drops objects it does not name
	require.NoError(t, s.Replace(states[1:]))
	_, err = s.Get("counter:c@1")
	assert.ErrorIs(t, err, ErrNotFound)
	loaded, err = s.Load()
	require.NoError(t, err)
	assert.Len(t, loaded, 1)
}

func TestStore_Put(t *testing.T) {
	s := memStore(t)
	require.NoError(t, s.Put(nil))
	require.NoError(t, s.Put([]protocol.ObjectState{rootState(nil)}))
	updated := rootState(map[string]protocol.MapEntry{
		"k": {Timeserial: "ts2", Tombstone: true},
	})
	require.NoError(t, s.Put([]protocol.ObjectState{updated}))

	root, err := s.Get("root")
	require.NoError(t, err)
	assert.True(t, root.Map.Entries["k"].Tombstone)

	expected := `
# HELP liveobjects_store_batches_total Batches committed to the store
# TYPE liveobjects_store_batches_total counter
liveobjects_store_batches_total 2
`
	assert.NoError(t, testutil.CollectAndCompare(s.Collector(), strings.NewReader(expected),
		"liveobjects_store_batches_total"))
}

func TestStore_Closed(t *testing.T) {
	s, err := Open("mem", Options{FS: vfs.NewMem()})
	require.NoError(t, err)
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Put([]protocol.ObjectState{rootState(nil)}), ErrClosed)
	_, err = s.Load()
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.Close(), ErrClosed)
}

func TestStore_CloseWhileCollecting(t *testing.T) {
	s, err := Open("mem", Options{FS: vfs.NewMem(), Logger: utils.NewDefaultLogger(slog.LevelError)})
	require.NoError(t, err)
	require.NoError(t, s.Put([]protocol.ObjectState{rootState(nil)}))
	c := s.Collector()
	assert.Equal(t, 6, testutil.CollectAndCount(c))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				testutil.CollectAndCount(c)
				_, _ = s.Get("root")
			}
		}()
	}
	require.NoError(t, s.Close())
	wg.Wait()

	assert.Equal(t, 0, testutil.CollectAndCount(c))
	_, err = s.Get("root")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.Put([]protocol.ObjectState{rootState(nil)}), ErrClosed)
}
