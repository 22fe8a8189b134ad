// Package store mirrors a replica's committed object states into pebble.
//
// Each object is one key, 'O' followed by the object id; the value is the
// msgpack form of its protocol.ObjectState. A registry replacement is a
// range delete plus the new states in one batch.
package store

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/drpcorg/liveobjects/protocol"
	"github.com/drpcorg/liveobjects/utils"
	perrors "github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

var (
	ErrNotFound = errors.New("store: object not found")
	ErrClosed   = errors.New("store: closed")
)

type Options struct {
	// FS overrides the filesystem, e.g. vfs.NewMem() in tests.
	FS     vfs.FS
	Logger utils.Logger
}

func (o *Options) SetDefaults() {
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(slog.LevelInfo)
	}
}

type Store struct {
	// lock guards db against Close; pebble serialises the rest
	lock sync.RWMutex
	db   *pebble.DB
	log  utils.Logger

	batches atomic.Uint64
	written atomic.Uint64
	resets  atomic.Uint64
}

func Open(path string, opts Options) (*Store, error) {
	opts.SetDefaults()
	popts := &pebble.Options{}
	if opts.FS != nil {
		popts.FS = opts.FS
	}
	db, err := pebble.Open(path, popts)
	if err != nil {
		return nil, perrors.Wrapf(err, "store: open %s", path)
	}
	opts.Logger.Debug("store opened", "path", path)
	return &Store{db: db, log: opts.Logger}, nil
}

func OKey(objectID string) []byte {
	key := make([]byte, 0, len(objectID)+1)
	key = append(key, 'O')
	return append(key, objectID...)
}

var (
	objectsLo = []byte{'O'}
	objectsHi = []byte{'O' + 1}
)

// Replace drops every stored object and writes states in one batch.
func (s *Store) Replace(states []protocol.ObjectState) error {
	return s.commit(states, true)
}

// Put writes states over whatever is stored under their ids.
func (s *Store) Put(states []protocol.ObjectState) error {
	if len(states) == 0 {
		return nil
	}
	return s.commit(states, false)
}

func (s *Store) commit(states []protocol.ObjectState, reset bool) error {
	s.lock.RLock()
	defer s.lock.RUnlock()
	if s.db == nil {
		return ErrClosed
	}
	batch := s.db.NewBatch()
	defer batch.Close()
	if reset {
		if err := batch.DeleteRange(objectsLo, objectsHi, nil); err != nil {
			return perrors.Wrap(err, "store: range delete")
		}
	}
	for _, state := range states {
		val, err := msgpack.Marshal(state)
		if err != nil {
			return perrors.Wrapf(err, "store: encode %s", state.ObjectID)
		}
		if err := batch.Set(OKey(state.ObjectID), val, nil); err != nil {
			return perrors.Wrapf(err, "store: set %s", state.ObjectID)
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return perrors.Wrap(err, "store: commit")
	}
	s.batches.Add(1)
	s.written.Add(uint64(len(states)))
	if reset {
		s.resets.Add(1)
	}
	s.log.Debug("store batch committed", "states", len(states), "reset", reset)
	return nil
}

func (s *Store) Get(objectID string) (state protocol.ObjectState, err error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	if s.db == nil {
		return state, ErrClosed
	}
	val, clo, err := s.db.Get(OKey(objectID))
	if errors.Is(err, pebble.ErrNotFound) {
		return state, ErrNotFound
	} else if err != nil {
		return state, perrors.Wrapf(err, "store: get %s", objectID)
	}
	defer clo.Close()
	if err = msgpack.Unmarshal(val, &state); err != nil {
		return state, perrors.Wrapf(err, "store: decode %s", objectID)
	}
	return state, nil
}

// Load reads back every stored state ordered by object id.
func (s *Store) Load() (states []protocol.ObjectState, err error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	if s.db == nil {
		return nil, ErrClosed
	}
	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: objectsLo,
		UpperBound: objectsHi,
	})
	if err != nil {
		return nil, perrors.Wrap(err, "store: iterate")
	}
	defer it.Close()
	for it.First(); it.Valid(); it.Next() {
		var state protocol.ObjectState
		if err := msgpack.Unmarshal(it.Value(), &state); err != nil {
			return nil, perrors.Wrapf(err, "store: decode %s", it.Key()[1:])
		}
		states = append(states, state)
	}
	return states, it.Error()
}

func (s *Store) Close() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.db == nil {
		return ErrClosed
	}
	err := s.db.Close()
	s.db = nil
	return err
}
