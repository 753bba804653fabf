package transport

import (
	"context"
	"math/rand"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juanpablocruz/ngchs/pkg/eventbus"
	"github.com/juanpablocruz/ngchs/pkg/model"
)

type ChaosConfig struct {
	// Probabilities [0..1]
	Loss    float64 // drop packet
	Dup     float64 // duplicate once
	Reorder float64 // add extra delay to cause reordering

	// Latency model
	BaseDelay time.Duration // fixed base latency
	Jitter    time.Duration // +/- jitter uniformly
	MaxQueue  int           // cap inbound queue to avoid memory blowups

	// Link toggle
	Up bool

	// Seed (optional). If 0, uses time.Now().UnixNano()
	Seed int64
}

// ChaosEP wraps an EndpointIF so that custom packets and group messages,
// both outbound and inbound, pass through a loss/dup/latency model.
// Membership events are never dropped or delayed.
type ChaosEP struct {
	under EndpointIF

	in     chan eventbus.Event
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	up atomic.Bool

	cfgMu sync.RWMutex
	cfg   ChaosConfig

	rngMu sync.Mutex
	rng   *rand.Rand
}

var _ EndpointIF = (*ChaosEP)(nil)

func WrapChaos(under EndpointIF, cfg ChaosConfig) *ChaosEP {
	if cfg.MaxQueue <= 0 {
		cfg.MaxQueue = 1024
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	cep := &ChaosEP{
		under: under,
		in:    make(chan eventbus.Event, cfg.MaxQueue),
		cfg:   cfg,
		rng:   rand.New(rand.NewSource(cfg.Seed)),
	}
	cep.up.Store(cfg.Up)

	cep.ctx, cep.cancel = context.WithCancel(context.Background())
	cep.wg.Add(1)
	go cep.pumpRecv()
	return cep
}

func (c *ChaosEP) Close() {
	c.cancel()
	c.under.Close()
	c.wg.Wait()
}

func (c *ChaosEP) Key() model.PublicKey              { return c.under.Key() }
func (c *ChaosEP) Join(group uint32) (uint32, error) { return c.under.Join(group) }
func (c *ChaosEP) Leave(group uint32) error          { return c.under.Leave(group) }

func (c *ChaosEP) Recv(ctx context.Context) (eventbus.Event, bool) {
	select {
	case <-ctx.Done():
		return nil, false
	case <-c.ctx.Done():
		return nil, false
	case ev := <-c.in:
		return ev, true
	}
}

func (c *ChaosEP) SendGroupPacket(group, peer uint32, private bool, data []byte) error {
	frame := slices.Clone(data)
	return c.send(func() error { return c.under.SendGroupPacket(group, peer, private, frame) })
}

func (c *ChaosEP) SendGroupMessage(group, messageID uint32, text string) error {
	return c.send(func() error { return c.under.SendGroupMessage(group, messageID, text) })
}

func (c *ChaosEP) send(do func() error) error {
	if !c.up.Load() {
		// pretend link is down: behave like an I/O error
		return ErrLinkDown
	}
	cfg := c.getCfg()

	if c.roll() < cfg.Loss {
		return nil
	}

	deliver := func(extraDelay time.Duration) error {
		delay := c.delayWithJitter(cfg) + extraDelay
		if delay <= 0 {
			return do()
		}
		time.AfterFunc(delay, func() { _ = do() })
		return nil
	}

	err := deliver(0)
	if c.roll() < cfg.Dup {
		_ = deliver(c.delayWithJitter(cfg))
	}
	return err
}

func (c *ChaosEP) pumpRecv() {
	defer c.wg.Done()
	for {
		ev, ok := c.under.Recv(c.ctx)
		if !ok {
			return
		}
		switch ev.(type) {
		case PacketEvent, MessageEvent:
		default:
			c.push(ev)
			continue
		}
		cfg := c.getCfg()
		if c.roll() < cfg.Loss || !c.up.Load() {
			continue
		}

		extra := time.Duration(0)
		// reorder: add extra random delay
		if c.roll() < cfg.Reorder {
			extra = c.delayWithJitter(cfg)
		}
		delay := c.delayWithJitter(cfg) + extra
		if delay <= 0 {
			c.push(ev)
			continue
		}
		time.AfterFunc(delay, func() { c.push(ev) })
	}
}

func (c *ChaosEP) push(ev eventbus.Event) {
	select {
	case <-c.ctx.Done():
	case c.in <- ev:
	default:
		// drop if receiver queue full
	}
}

// --- controls ---

func (c *ChaosEP) SetUp(up bool)        { c.up.Store(up) }
func (c *ChaosEP) SetLoss(p float64)    { c.cfgMu.Lock(); c.cfg.Loss = clamp01(p); c.cfgMu.Unlock() }
func (c *ChaosEP) SetDup(p float64)     { c.cfgMu.Lock(); c.cfg.Dup = clamp01(p); c.cfgMu.Unlock() }
func (c *ChaosEP) SetReorder(p float64) { c.cfgMu.Lock(); c.cfg.Reorder = clamp01(p); c.cfgMu.Unlock() }
func (c *ChaosEP) SetBaseDelay(d time.Duration) {
	c.cfgMu.Lock()
	c.cfg.BaseDelay = d
	c.cfgMu.Unlock()
}
func (c *ChaosEP) SetJitter(d time.Duration) { c.cfgMu.Lock(); c.cfg.Jitter = d; c.cfgMu.Unlock() }
func (c *ChaosEP) GetConfig() ChaosConfig {
	cfg := c.getCfg()
	cfg.Up = c.up.Load()
	return cfg
}

func (c *ChaosEP) getCfg() ChaosConfig { c.cfgMu.RLock(); defer c.cfgMu.RUnlock(); return c.cfg }

func (c *ChaosEP) delayWithJitter(cfg ChaosConfig) time.Duration {
	if cfg.Jitter <= 0 {
		return cfg.BaseDelay
	}
	c.rngMu.Lock()
	defer c.rngMu.Unlock()
	// uniform in [-Jitter, +Jitter]
	j := time.Duration(c.rng.Int63n(int64(cfg.Jitter)*2)) - cfg.Jitter
	return cfg.BaseDelay + j
}

func (c *ChaosEP) roll() float64 {
	c.rngMu.Lock()
	x := c.rng.Float64()
	c.rngMu.Unlock()
	return x
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
