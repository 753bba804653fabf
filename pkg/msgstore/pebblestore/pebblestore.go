// Package pebblestore is a persistent msgstore backed by pebble.
//
// Key layout, all integers big endian:
//
//	g<group>                 registry marker
//	s<group>                 last allocated entity id
//	m<group><entity>         JSON encoded message
//	t<group><ts><entity>     timestamp index, empty value
//
// The timestamp is stored as UnixNano with the sign bit flipped so that
// keys sort in time order.
package pebblestore

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"go.uber.org/zap"

	"github.com/juanpablocruz/ngchs/pkg/eventbus"
	"github.com/juanpablocruz/ngchs/pkg/model"
	"github.com/juanpablocruz/ngchs/pkg/msgstore"
)

const (
	prefixGroup byte = 'g'
	prefixSeq   byte = 's'
	prefixMsg   byte = 'm'
	prefixTime  byte = 't'
)

// Store is a msgstore.Store persisted in a pebble database.
type Store struct {
	db     *pebble.DB
	bus    *eventbus.Bus
	logger *zap.Logger
	fs     vfs.FS
	ro     bool

	mu   sync.Mutex
	regs map[model.ContactID]*registry
}

var _ msgstore.GroupStore = (*Store)(nil)

type Option func(*Store)

// WithFS overrides the filesystem, vfs.NewMem() in tests.
func WithFS(fs vfs.FS) Option { return func(s *Store) { s.fs = fs } }

// WithBus sets the bus change notifications are dispatched on.
func WithBus(b *eventbus.Bus) Option { return func(s *Store) { s.bus = b } }

// WithReadOnly opens the database without write access. EnsureGroup on
// a group that does not exist yet fails.
func WithReadOnly() Option { return func(s *Store) { s.ro = true } }

func WithLogger(l *zap.Logger) Option { return func(s *Store) { s.logger = l } }

// Open opens or creates the database in dir.
func Open(dir string, opts ...Option) (*Store, error) {
	s := &Store{logger: zap.NewNop(), regs: make(map[model.ContactID]*registry)}
	for _, o := range opts {
		o(s)
	}
	po := &pebble.Options{ReadOnly: s.ro}
	if s.fs != nil {
		po.FS = s.fs
	}
	db, err := pebble.Open(dir, po)
	if err != nil {
		return nil, fmt.Errorf("pebblestore: open %s: %w", dir, err)
	}
	s.db = db
	s.logger.Info("pebblestore.opened", zap.String("dir", dir))
	return s, nil
}

func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("pebblestore: close: %w", err)
	}
	s.logger.Info("pebblestore.closed")
	return nil
}

// EnsureGroup returns the registry of group, creating it.
func (s *Store) EnsureGroup(group model.ContactID) (msgstore.Registry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.regs[group]; ok {
		return r, nil
	}
	if err := s.db.Set(groupKey(group), nil, pebble.Sync); err != nil {
		return nil, fmt.Errorf("pebblestore: ensure group %d: %w", group, err)
	}
	return s.loadLocked(group)
}

func (s *Store) Registry(group model.ContactID) (msgstore.Registry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.regs[group]; ok {
		return r, true
	}
	ok, err := s.has(groupKey(group))
	if err != nil {
		s.logger.Error("pebblestore.lookup_group_failed", zap.Uint64("group", uint64(group)), zap.Error(err))
		return nil, false
	}
	if !ok {
		return nil, false
	}
	r, err := s.loadLocked(group)
	if err != nil {
		s.logger.Error("pebblestore.load_group_failed", zap.Uint64("group", uint64(group)), zap.Error(err))
		return nil, false
	}
	return r, true
}

// Groups lists the groups that have a registry.
func (s *Store) Groups() ([]model.ContactID, error) {
	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{prefixGroup},
		UpperBound: []byte{prefixGroup + 1},
	})
	if err != nil {
		return nil, err
	}
	defer it.Close()
	var out []model.ContactID
	for it.First(); it.Valid(); it.Next() {
		k := it.Key()
		if len(k) != 9 {
			continue
		}
		out = append(out, model.ContactID(binary.BigEndian.Uint64(k[1:])))
	}
	return out, it.Error()
}

func (s *Store) loadLocked(group model.ContactID) (*registry, error) {
	r := &registry{s: s, group: group}
	v, closer, err := s.db.Get(seqKey(group))
	switch {
	case errors.Is(err, pebble.ErrNotFound):
	case err != nil:
		return nil, err
	default:
		if len(v) == 8 {
			r.next = model.EntityID(binary.BigEndian.Uint64(v))
		}
		closer.Close()
	}
	s.regs[group] = r
	return r, nil
}

func (s *Store) has(key []byte) (bool, error) {
	_, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	closer.Close()
	return true, nil
}

type registry struct {
	s     *Store
	group model.ContactID

	mu   sync.Mutex
	next model.EntityID
}

func (r *registry) Group() model.ContactID { return r.group }

func (r *registry) Create(m *model.Message) (model.EntityID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.next + 1
	m.ID = id
	val, err := json.Marshal(m)
	if err != nil {
		return 0, fmt.Errorf("pebblestore: encode message: %w", err)
	}
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], uint64(id))

	b := r.s.db.NewBatch()
	defer b.Close()
	if err := b.Set(msgKey(r.group, id), val, nil); err != nil {
		return 0, fmt.Errorf("pebblestore: set message: %w", err)
	}
	if err := b.Set(timeKey(r.group, m.Timestamp, id), nil, nil); err != nil {
		return 0, fmt.Errorf("pebblestore: set timestamp index: %w", err)
	}
	if err := b.Set(seqKey(r.group), seq[:], nil); err != nil {
		return 0, fmt.Errorf("pebblestore: set sequence: %w", err)
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return 0, fmt.Errorf("pebblestore: create message: %w", err)
	}
	r.next = id
	return id, nil
}

func (r *registry) Get(id model.EntityID) (*model.Message, error) {
	v, closer, err := r.s.db.Get(msgKey(r.group, id))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, fmt.Errorf("get %d: %w", id, msgstore.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("pebblestore: get %d: %w", id, err)
	}
	defer closer.Close()
	return decode(v)
}

func (r *registry) Update(m *model.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	old, err := r.Get(m.ID)
	if err != nil {
		return fmt.Errorf("update: %w", err)
	}
	val, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("pebblestore: encode message: %w", err)
	}
	b := r.s.db.NewBatch()
	defer b.Close()
	if err := b.Set(msgKey(r.group, m.ID), val, nil); err != nil {
		return fmt.Errorf("pebblestore: set message %d: %w", m.ID, err)
	}
	if !old.Timestamp.Equal(m.Timestamp) {
		if err := b.Delete(timeKey(r.group, old.Timestamp, m.ID), nil); err != nil {
			return fmt.Errorf("pebblestore: drop timestamp index %d: %w", m.ID, err)
		}
		if err := b.Set(timeKey(r.group, m.Timestamp, m.ID), nil, nil); err != nil {
			return fmt.Errorf("pebblestore: set timestamp index %d: %w", m.ID, err)
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("pebblestore: update message %d: %w", m.ID, err)
	}
	return nil
}

func (r *registry) Descending(fn func(*model.Message) bool) error {
	lower := groupPrefix(prefixTime, r.group)
	it, err := r.s.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: groupPrefix(prefixTime, r.group+1),
	})
	if err != nil {
		return fmt.Errorf("pebblestore: iterate: %w", err)
	}
	defer it.Close()
	for it.Last(); it.Valid(); it.Prev() {
		k := it.Key()
		if len(k) != len(lower)+16 {
			continue
		}
		id := model.EntityID(binary.BigEndian.Uint64(k[len(k)-8:]))
		m, err := r.Get(id)
		if err != nil {
			// index entry without a message; skip it
			r.s.logger.Warn("pebblestore.dangling_index", zap.Uint64("group", uint64(r.group)), zap.Uint64("id", uint64(id)), zap.Error(err))
			continue
		}
		if !fn(m) {
			return nil
		}
	}
	return it.Error()
}

func (r *registry) Notify(kind eventbus.Kind, id model.EntityID) {
	msgstore.Emit(r.s.bus, kind, r.group, id)
}

func decode(v []byte) (*model.Message, error) {
	var m model.Message
	if err := json.Unmarshal(v, &m); err != nil {
		return nil, fmt.Errorf("pebblestore: decode message: %w", err)
	}
	return &m, nil
}

func groupPrefix(p byte, group model.ContactID) []byte {
	k := make([]byte, 9, 25)
	k[0] = p
	binary.BigEndian.PutUint64(k[1:], uint64(group))
	return k
}

func groupKey(group model.ContactID) []byte { return groupPrefix(prefixGroup, group) }
func seqKey(group model.ContactID) []byte   { return groupPrefix(prefixSeq, group) }

func msgKey(group model.ContactID, id model.EntityID) []byte {
	return binary.BigEndian.AppendUint64(groupPrefix(prefixMsg, group), uint64(id))
}

func timeKey(group model.ContactID, ts time.Time, id model.EntityID) []byte {
	k := groupPrefix(prefixTime, group)
	k = binary.BigEndian.AppendUint64(k, uint64(ts.UnixNano())^(1<<63))
	return binary.BigEndian.AppendUint64(k, uint64(id))
}
