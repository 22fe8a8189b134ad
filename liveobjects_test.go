package liveobjects

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/pebble/vfs"
	"github.com/drpcorg/liveobjects/objects"
	"github.com/drpcorg/liveobjects/protocol"
	"github.com/drpcorg/liveobjects/store"
	"github.com/drpcorg/liveobjects/utils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLog = utils.NewDefaultLogger(slog.LevelError)

func testObjects() *Objects {
	return New(Options{Logger: testLog})
}

func strData(s string) *protocol.ObjectData {
	return &protocol.ObjectData{String: protocol.String(s)}
}

func setOp(objectID, key string, data *protocol.ObjectData, serial string) protocol.ObjectMessage {
	return protocol.ObjectMessage{
		Serial:   serial,
		SiteCode: "site1",
		Operation: &protocol.ObjectOperation{
			Action:   protocol.ActionMapSet,
			ObjectID: objectID,
			MapOp:    &protocol.MapOp{Key: key, Data: data},
		},
	}
}

func mapState(objectID string, entries map[string]protocol.MapEntry) protocol.ObjectMessage {
	return protocol.ObjectMessage{Object: &protocol.ObjectState{
		ObjectID:        objectID,
		SiteTimeserials: map[string]string{"site1": "ts1"},
		Map:             &protocol.ObjectsMap{Entries: entries},
	}}
}

func entry(serial, value string) protocol.MapEntry {
	return protocol.MapEntry{Timeserial: serial, Data: *strData(value)}
}

func rootMap(t *testing.T, o *Objects) *objects.Map {
	obj, ok := o.Object(objects.RootObjectID)
	require.True(t, ok)
	return obj.(*objects.Map)
}

func valueOf(t *testing.T, m *objects.Map, key string) string {
	v, ok := m.Get(key)
	if !ok {
		return ""
	}
	s, ok := v.String()
	assert.True(t, ok)
	return s
}

func TestObjects_GetRootWaitsForAttach(t *testing.T) {
	o := testObjects()
	assert.False(t, o.IsSynced())
	_, attached := o.HasObjectsOnAttach()
	assert.False(t, attached)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := o.GetRoot(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	roots := make(chan *objects.Map, 3)
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			root, err := o.GetRoot(context.Background())
			assert.NoError(t, err)
			roots <- root
		}()
	}

	o.OnChannelAttached(true)
	assert.False(t, o.IsSynced())

	o.OnChannelAttached(false)
	wg.Wait()
	close(roots)
	expected := rootMap(t, o)
	for root := range roots {
		assert.Same(t, expected, root)
		assert.Equal(t, 0, root.Size())
	}
	hasObjects, attached := o.HasObjectsOnAttach()
	assert.True(t, attached)
	assert.False(t, hasObjects)
	assert.True(t, o.IsSynced())
}

func TestObjects_AttachWithoutObjectsResets(t *testing.T) {
	o := testObjects()
	o.HandleObjectSyncMessages([]protocol.ObjectMessage{
		mapState("root", map[string]protocol.MapEntry{"k": entry("ts1", "v")}),
	}, "")
	before := rootMap(t, o)
	assert.Equal(t, "v", valueOf(t, before, "k"))

	o.HandleObjectSyncMessages([]protocol.ObjectMessage{mapState("map:x@1", nil)}, "seq:1")
	assert.True(t, o.HasSyncSequence())

	o.OnChannelAttached(false)
	assert.False(t, o.HasSyncSequence())
	root, err := o.GetRoot(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, before, root)
	assert.Equal(t, 0, root.Size())
	_, ok := o.Object("map:x@1")
	assert.False(t, ok)
}

func TestObjects_MultiPageSync(t *testing.T) {
	o := testObjects()
	o.OnChannelAttached(true)

	o.HandleObjectSyncMessages([]protocol.ObjectMessage{
		mapState("root", map[string]protocol.MapEntry{"k": entry("ts1", "snapshot")}),
		mapState("map:x@1", nil),
	}, "abc:1")
	assert.False(t, o.IsSynced())
	assert.True(t, o.HasSyncSequence())
	_, ok := o.Object("map:x@1")
	assert.False(t, ok)

	// arrives mid-sync, must land on top of the snapshot
	o.HandleObjectMessages([]protocol.ObjectMessage{setOp("root", "k", strData("live"), "ts5")})
	assert.Equal(t, "", valueOf(t, rootMap(t, o), "k"))

	o.HandleObjectSyncMessages([]protocol.ObjectMessage{mapState("map:y@1", nil)}, "abc:")
	assert.True(t, o.IsSynced())
	assert.False(t, o.HasSyncSequence())
	for _, id := range []string{"map:x@1", "map:y@1"} {
		_, ok := o.Object(id)
		assert.True(t, ok, id)
	}
	root, err := o.GetRoot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "live", valueOf(t, root, "k"))
}

func TestObjects_SequenceRestart(t *testing.T) {
	o := testObjects()
	o.HandleObjectSyncMessages([]protocol.ObjectMessage{mapState("map:x@1", nil)}, "abc:1")
	o.HandleObjectMessages([]protocol.ObjectMessage{setOp("root", "k", strData("stale"), "ts5")})

	o.HandleObjectSyncMessages([]protocol.ObjectMessage{mapState("map:y@1", nil)}, "def:1")
	assert.True(t, o.HasSyncSequence())
	o.HandleObjectSyncMessages(nil, "def:")

	_, ok := o.Object("map:x@1")
	assert.False(t, ok)
	_, ok = o.Object("map:y@1")
	assert.True(t, ok)
	_, ok = rootMap(t, o).Get("k")
	assert.False(t, ok)
	assert.Equal(t, 1.0, testutil.ToFloat64(o.metrics.syncRestarts))
}

func TestObjects_MalformedCursorKeepsSequence(t *testing.T) {
	o := testObjects()
	o.HandleObjectSyncMessages([]protocol.ObjectMessage{mapState("map:x@1", nil)}, "abc:1")
	o.HandleObjectSyncMessages([]protocol.ObjectMessage{mapState("map:bad@1", nil)}, "no-colon")
	o.HandleObjectSyncMessages([]protocol.ObjectMessage{mapState("map:bad@2", nil)}, ":2")
	assert.True(t, o.HasSyncSequence())
	o.HandleObjectSyncMessages(nil, "abc:")

	assert.True(t, o.IsSynced())
	_, ok := o.Object("map:x@1")
	assert.True(t, ok)
	_, ok = o.Object("map:bad@1")
	assert.False(t, ok)
	assert.Equal(t, 2.0, testutil.ToFloat64(o.metrics.syncDropped))
}

func TestObjects_SinglePageSyncKeepsIdentity(t *testing.T) {
	o := testObjects()
	o.HandleObjectSyncMessages([]protocol.ObjectMessage{
		mapState("root", map[string]protocol.MapEntry{
			"child": {Timeserial: "ts1", Data: protocol.ObjectData{ObjectID: "map:child@1"}},
		}),
	}, "")
	assert.True(t, o.IsSynced())
	root := rootMap(t, o)
	child, ok := o.Object("map:child@1")
	require.True(t, ok)

	o.HandleObjectSyncMessages([]protocol.ObjectMessage{
		mapState("map:child@1", map[string]protocol.MapEntry{"a": entry("ts2", "b")}),
	}, "")
	assert.Same(t, root, rootMap(t, o))
	after, _ := o.Object("map:child@1")
	assert.Same(t, child, after)
	assert.Equal(t, "b", valueOf(t, after.(*objects.Map), "a"))
}

func TestObjects_LiveUpdates(t *testing.T) {
	o := testObjects()
	o.OnChannelAttached(false)
	msg := setOp("root", "k", strData("v1"), "ts1")
	o.HandleObjectMessages([]protocol.ObjectMessage{
		msg,
		msg,
		setOp("root", "counter", &protocol.ObjectData{ObjectID: "counter:c@1"}, "ts2"),
		{SiteCode: "site1", Serial: "ts3"},
	})
	root, err := o.GetRoot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "v1", valueOf(t, root, "k"))
	v, ok := root.Get("counter")
	require.True(t, ok)
	_, ok = v.Counter()
	assert.True(t, ok)

	expected := `
# HELP liveobjects_operations_total Live operations applied, by outcome
# TYPE liveobjects_operations_total counter
liveobjects_operations_total{outcome="applied"} 2
liveobjects_operations_total{outcome="stale"} 1
liveobjects_operations_total{outcome="unsupported"} 1
# HELP liveobjects_pool_objects Objects in the registry, root included
# TYPE liveobjects_pool_objects gauge
liveobjects_pool_objects 2
`
	assert.NoError(t, testutil.CollectAndCompare(o.Collector(), strings.NewReader(expected),
		"liveobjects_operations_total", "liveobjects_pool_objects"))
}

func TestObjects_HandleProtocolMessage(t *testing.T) {
	o := testObjects()
	raw := `{"action":20,"channelSerial":"seq1:","state":[` +
		`{"object":{"objectId":"root","siteTimeserials":{"site1":"ts1"},"tombstone":false,` +
		`"map":{"semantics":0,"entries":{"k":{"timeserial":"ts1","data":{"string":"v"}}}}}}]}`
	pm, err := protocol.Decode(protocol.FormatJSON, []byte(raw))
	require.NoError(t, err)
	require.NoError(t, o.HandleProtocolMessage(pm))
	assert.True(t, o.IsSynced())
	assert.Equal(t, "v", valueOf(t, rootMap(t, o), "k"))

	require.NoError(t, o.HandleProtocolMessage(&protocol.ProtocolMessage{
		Action: protocol.MessageObject,
		State:  []protocol.ObjectMessage{setOp("root", "k", strData("w"), "ts2")},
	}))
	assert.Equal(t, "w", valueOf(t, rootMap(t, o), "k"))

	require.NoError(t, o.HandleProtocolMessage(&protocol.ProtocolMessage{
		Action: protocol.MessageAttached,
		Flags:  protocol.FlagHasObjects,
	}))
	hasObjects, _ := o.HasObjectsOnAttach()
	assert.True(t, hasObjects)

	err = o.HandleProtocolMessage(&protocol.ProtocolMessage{Action: 4})
	assert.ErrorIs(t, err, ErrUnsupportedAction)
}

func TestObjects_Close(t *testing.T) {
	o := testObjects()
	done := make(chan error)
	go func() {
		_, err := o.GetRoot(context.Background())
		done <- err
	}()
	o.Close()
	assert.ErrorIs(t, <-done, ErrClosed)
	o.Close()

	err := o.HandleProtocolMessage(&protocol.ProtocolMessage{Action: protocol.MessageAttached})
	assert.ErrorIs(t, err, ErrClosed)
	assert.False(t, o.IsSynced())
}

func TestObjects_Registerer(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	o := New(Options{Logger: testLog, Registerer: reg})
	o.HandleObjectSyncMessages(nil, "")
	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "liveobjects_sync_commits_total")
	assert.Contains(t, names, "liveobjects_sync_pages_total")
}

func TestObjects_Store(t *testing.T) {
	st, err := store.Open("mem", store.Options{FS: vfs.NewMem(), Logger: testLog})
	require.NoError(t, err)
	defer st.Close()
	o := New(Options{Logger: testLog, Store: st})

	o.HandleObjectSyncMessages([]protocol.ObjectMessage{
		mapState("root", map[string]protocol.MapEntry{"k": entry("ts1", "v")}),
		mapState("map:x@1", nil),
	}, "")
	o.Flush()
	states, err := st.Load()
	require.NoError(t, err)
	assert.Equal(t, o.States(), states)

	o.HandleObjectMessages([]protocol.ObjectMessage{
		setOp("map:x@1", "ref", &protocol.ObjectData{ObjectID: "counter:c@1"}, "ts2"),
	})
	o.Flush()
	counter, err := st.Get("counter:c@1")
	require.NoError(t, err)
	assert.Equal(t, 0.0, counter.Counter.Value())
	x, err := st.Get("map:x@1")
	require.NoError(t, err)
	assert.Equal(t, "counter:c@1", x.Map.Entries["ref"].Data.ObjectID)

	o.OnChannelAttached(false)
	o.Close()
	states, err = st.Load()
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, objects.RootObjectID, states[0].ObjectID)
}

func counterOp(action protocol.Action, objectID string, amount float64, serial string) protocol.ObjectMessage {
	op := &protocol.ObjectOperation{Action: action, ObjectID: objectID}
	if action == protocol.ActionCounterInc {
		op.CounterOp = &protocol.CounterOp{Amount: amount}
	}
	return protocol.ObjectMessage{Serial: serial, SiteCode: "site1", Operation: op}
}

func counterState(objectID string, count float64) protocol.ObjectMessage {
	return protocol.ObjectMessage{Object: &protocol.ObjectState{
		ObjectID:        objectID,
		SiteTimeserials: map[string]string{"site1": "ts1"},
		Counter:         &protocol.ObjectsCounter{Count: protocol.Float(count)},
	}}
}

func TestObjects_BufferedOperationsReplayInOrder(t *testing.T) {
	o := testObjects()
	o.OnChannelAttached(true)
	o.HandleObjectSyncMessages([]protocol.ObjectMessage{
		counterState("counter:c@1", 10),
		counterState("counter:d@1", 7),
	}, "seq:1")

	// out of order, the 100 would apply and the 2 would be stale
	o.HandleObjectMessages([]protocol.ObjectMessage{
		counterOp(protocol.ActionCounterInc, "counter:c@1", 2, "ts2"),
		counterOp(protocol.ActionCounterInc, "counter:c@1", 3, "ts3"),
	})
	o.HandleObjectMessages([]protocol.ObjectMessage{
		counterOp(protocol.ActionCounterInc, "counter:c@1", 100, "ts2"),
		counterOp(protocol.ActionObjectDelete, "counter:d@1", 0, "ts4"),
	})
	assert.Equal(t, 4.0, testutil.ToFloat64(o.metrics.bufferedOps))
	assert.Equal(t, 0, testutil.CollectAndCount(o.metrics.operations))

	o.HandleObjectSyncMessages([]protocol.ObjectMessage{
		mapState("root", map[string]protocol.MapEntry{
			"c": {Timeserial: "ts1", Data: protocol.ObjectData{ObjectID: "counter:c@1"}},
			"d": {Timeserial: "ts1", Data: protocol.ObjectData{ObjectID: "counter:d@1"}},
		}),
	}, "seq:")
	require.True(t, o.IsSynced())

	c, ok := o.Object("counter:c@1")
	require.True(t, ok)
	assert.Equal(t, 15.0, c.(*objects.Counter).Value())
	assert.Equal(t, map[string]string{"site1": "ts3"}, c.SiteSerials())
	d, ok := o.Object("counter:d@1")
	require.True(t, ok)
	assert.True(t, d.IsTombstoned())
	_, ok = rootMap(t, o).Get("d")
	assert.False(t, ok)

	assert.Equal(t, 3.0, testutil.ToFloat64(o.metrics.operations.WithLabelValues("applied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.metrics.operations.WithLabelValues("stale")))
}

// slowStore records writes and takes delay over each of them.
type slowStore struct {
	delay time.Duration

	lock   sync.Mutex
	writes []string
}

func (s *slowStore) record(kind string, states []protocol.ObjectState) {
	time.Sleep(s.delay)
	s.lock.Lock()
	defer s.lock.Unlock()
	ids := make([]string, 0, len(states))
	for _, st := range states {
		ids = append(ids, st.ObjectID)
	}
	s.writes = append(s.writes, kind+" "+strings.Join(ids, ","))
}

func (s *slowStore) Replace(states []protocol.ObjectState) error {
	s.record("replace", states)
	return nil
}

func (s *slowStore) Put(states []protocol.ObjectState) error {
	s.record("put", states)
	return nil
}

func (s *slowStore) Writes() []string {
	s.lock.Lock()
	defer s.lock.Unlock()
	return append([]string(nil), s.writes...)
}

func TestObjects_SlowStoreDoesNotBlockReaders(t *testing.T) {
	st := &slowStore{delay: 200 * time.Millisecond}
	o := New(Options{Logger: testLog, Store: st})

	start := time.Now()
	o.OnChannelAttached(false)
	done := make(chan struct{})
	go func() {
		defer close(done)
		o.HandleObjectMessages([]protocol.ObjectMessage{setOp("root", "k", strData("v1"), "ts1")})
		o.HandleObjectMessages([]protocol.ObjectMessage{
			setOp("root", "child", &protocol.ObjectData{ObjectID: "map:child@1"}, "ts2"),
		})
	}()
	<-done
	assert.True(t, o.IsSynced())
	root, err := o.GetRoot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "v1", valueOf(t, root, "k"))
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	o.Flush()
	assert.Equal(t, []string{"replace root", "put root", "put map:child@1,root"}, st.Writes())

	o.HandleObjectMessages([]protocol.ObjectMessage{setOp("root", "k", strData("v2"), "ts3")})
	o.Close()
	assert.Len(t, st.Writes(), 4)
}
