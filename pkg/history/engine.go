// Package history implements NGC history sync: it asks peers that join a
// group for their recent messages, answers such requests from the local
// message store at a paced rate, and merges replayed messages into local
// history without duplicating them.
//
// The Engine owns no goroutines. The host feeds it events and calls Tick,
// which returns how long the host may wait before the next call.
package history

import (
	"math/rand"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/juanpablocruz/ngchs/pkg/contact"
	"github.com/juanpablocruz/ngchs/pkg/eventbus"
	"github.com/juanpablocruz/ngchs/pkg/metrics"
	"github.com/juanpablocruz/ngchs/pkg/model"
	"github.com/juanpablocruz/ngchs/pkg/msgstore"
	"github.com/juanpablocruz/ngchs/pkg/ngc"
	"github.com/juanpablocruz/ngchs/pkg/transport"
)

// Sender is the transport primitive the engine sends with.
type Sender interface {
	SendGroupPacket(group, peer uint32, private bool, data []byte) error
}

type Opt func(*Engine)

func WithLogger(l *zap.Logger) Opt { return func(e *Engine) { e.logger = l } }

func WithClock(c clockwork.Clock) Opt { return func(e *Engine) { e.clock = c } }

func WithMetrics(m *metrics.Metrics) Opt { return func(e *Engine) { e.metrics = m } }

func WithConfig(c Config) Opt { return func(e *Engine) { e.cfg = c } }

type Engine struct {
	mu sync.Mutex

	cfg      Config
	sender   Sender
	contacts contact.Directory
	store    msgstore.Store

	clock   clockwork.Clock
	rng     *rand.Rand
	logger  *zap.Logger
	metrics *metrics.Metrics

	requests map[model.ContactID]*requestEntry
	syncs    map[model.ContactID]*syncEntry

	subs []*eventbus.Subscription
}

// Stats is a point in time view of the schedulers.
type Stats struct {
	Requests int // peers awaiting a request
	Syncs    int // peers being sent history
	Pending  int // messages queued for those peers
}

func New(sender Sender, contacts contact.Directory, store msgstore.Store, opts ...Opt) *Engine {
	e := &Engine{
		cfg:      DefaultConfig(),
		sender:   sender,
		contacts: contacts,
		store:    store,
		clock:    clockwork.NewRealClock(),
		logger:   zap.NewNop(),
		requests: make(map[model.ContactID]*requestEntry),
		syncs:    make(map[model.ContactID]*syncEntry),
	}
	for _, o := range opts {
		o(e)
	}
	seed := e.cfg.Seed
	if seed == 0 {
		seed = e.clock.Now().UnixNano()
	}
	e.rng = rand.New(rand.NewSource(seed))
	return e
}

// Attach subscribes the engine to peer joins on tbus and to decoded
// protocol events on pbus.
func (e *Engine) Attach(tbus, pbus *eventbus.Bus) {
	e.subs = append(e.subs,
		tbus.Subscribe(e, transport.KindPeerJoin),
		pbus.Subscribe(e, ngc.KindRequest, ngc.KindSyncMessage),
	)
}

func (e *Engine) Detach() {
	for _, s := range e.subs {
		s.Unsubscribe()
	}
	e.subs = nil
}

func (e *Engine) OnEvent(ev eventbus.Event) bool {
	switch ev := ev.(type) {
	case transport.PeerJoinEvent:
		e.onPeerJoin(ev.Group, ev.Peer)
		return false
	case ngc.RequestEvent:
		e.onRequest(ev)
		return true
	case ngc.SyncMessageEvent:
		return e.onSyncMessage(ev)
	}
	return false
}

// Tick advances every scheduling entry by delta and sends what is due.
// It returns the longest the host may wait before ticking again.
func (e *Engine) Tick(delta time.Duration) time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()

	hint := e.cfg.NextRequestMin
	hint = min(hint, e.tickRequests(delta))
	hint = min(hint, e.tickSyncs(delta))
	if hint < 0 {
		hint = 0
	}
	st := e.statsLocked()
	e.metrics.Queues(st.Requests, st.Syncs, st.Pending)
	return hint
}

// Forget drops the scheduling state kept for c.
func (e *Engine) Forget(c model.ContactID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.requests, c)
	delete(e.syncs, c)
}

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.statsLocked()
}

func (e *Engine) statsLocked() Stats {
	st := Stats{Requests: len(e.requests), Syncs: len(e.syncs)}
	for _, s := range e.syncs {
		st.Pending += len(s.pending)
	}
	return st
}

// jitter returns a duration uniformly drawn from [base, base+add).
func (e *Engine) jitter(base, add time.Duration) time.Duration {
	if add <= 0 {
		return base
	}
	return base + time.Duration(e.rng.Float64()*float64(add))
}

// sortedKeys makes tick order, and so rng consumption, deterministic.
func sortedKeys[V any](m map[model.ContactID]V) []model.ContactID {
	keys := make([]model.ContactID, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func contactField(c model.ContactID) zap.Field { return zap.Uint64("contact", uint64(c)) }
