package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math/rand"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/juanpablocruz/ngchs/internal/config"
	"github.com/juanpablocruz/ngchs/pkg/eventbus"
	"github.com/juanpablocruz/ngchs/pkg/metrics"
	"github.com/juanpablocruz/ngchs/pkg/model"
	"github.com/juanpablocruz/ngchs/pkg/msgstore/pebblestore"
	"github.com/juanpablocruz/ngchs/pkg/node"
	"github.com/juanpablocruz/ngchs/pkg/transport"
)

var errDirInUse = errors.New("holds a database from an earlier run, pick a fresh --data-dir")

type peer struct {
	name   string
	ep     *transport.ChaosEP
	node   *node.Node
	events chan node.Event
	store  *pebblestore.Store

	mu     sync.Mutex
	joined bool
	seq    int
}

// msgKey identifies a message across peers.
type msgKey struct {
	sender model.PublicKey
	mid    uint32
}

type simulation struct {
	cfg    config.Config
	logger *zap.Logger
	peers  []*peer
	tele   *telemetry

	rngMu sync.Mutex
	rng   *rand.Rand

	mu          sync.Mutex
	begin       time.Time
	quietAt     time.Time
	convergedAt time.Time

	samplesF *os.File
	samples  *csv.Writer
}

func newSimulation(cfg config.Config, reg prometheus.Registerer, logger *zap.Logger) (*simulation, error) {
	seed := cfg.History.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	s := &simulation{cfg: cfg, logger: logger, rng: rand.New(rand.NewSource(seed))}

	var err error
	s.tele, err = newTelemetry(filepath.Join(cfg.Sim.OutDir, "events.csv"), cfg.Sim.PrintEvents)
	if err != nil {
		return nil, err
	}
	s.samplesF, err = os.Create(filepath.Join(cfg.Sim.OutDir, "history.csv"))
	if err != nil {
		s.close()
		return nil, err
	}
	s.samples = csv.NewWriter(s.samplesF)
	header := []string{"t_seconds"}
	for i := range cfg.Sim.Peers {
		header = append(header, peerName(i))
	}
	_ = s.samples.Write(append(header, "converged"))

	sw := transport.NewSwitch()
	for i := range cfg.Sim.Peers {
		p, err := s.newPeer(sw, i, reg)
		if err != nil {
			s.close()
			return nil, err
		}
		s.peers = append(s.peers, p)
	}
	return s, nil
}

func peerName(i int) string { return fmt.Sprintf("P%02d", i) }

func (s *simulation) newPeer(sw *transport.Switch, i int, reg prometheus.Registerer) (*peer, error) {
	cfg := s.cfg
	name := peerName(i)
	var key model.PublicKey
	copy(key[:], bytes.Repeat([]byte{byte(0xA0 + i)}, len(key)))

	raw, err := sw.Listen(key, name)
	if err != nil {
		return nil, err
	}
	p := &peer{
		name: name,
		ep: transport.WrapChaos(raw, transport.ChaosConfig{
			Loss:      cfg.Sim.Loss,
			Dup:       cfg.Sim.Dup,
			Reorder:   cfg.Sim.Reorder,
			BaseDelay: cfg.Sim.Delay,
			Jitter:    cfg.Sim.Jitter,
			Up:        true,
			Seed:      s.int63(),
		}),
		events: make(chan node.Event, 1024),
	}

	m := metrics.New(name)
	if err := m.Register(reg); err != nil {
		p.ep.Close()
		return nil, err
	}
	hc := cfg.History
	if hc.Seed != 0 {
		hc.Seed += int64(i)
	}
	opts := []node.NodeOption{
		node.WithLogger(s.logger),
		node.WithHistory(hc),
		node.WithTickBounds(cfg.Node.MinTick, cfg.Node.MaxTick),
		node.WithMetrics(m),
		node.WithEvents(p.events),
	}
	if cfg.Store.Dir != "" {
		dir := filepath.Join(cfg.Store.Dir, name)
		if err := requireEmptyDir(dir); err != nil {
			p.ep.Close()
			return nil, err
		}
		bus := eventbus.New(eventbus.WithLogger(s.logger))
		p.store, err = pebblestore.Open(dir,
			pebblestore.WithBus(bus), pebblestore.WithLogger(s.logger.With(zap.String("node", name))))
		if err != nil {
			p.ep.Close()
			return nil, err
		}
		opts = append(opts, node.WithStore(p.store, bus))
	}
	p.node = node.New(name, p.ep, opts...)
	return p, nil
}

// requireEmptyDir rejects a database left by an earlier run. Contact ids
// are allocated per process, so stored messages would point at the wrong
// peers.
func requireEmptyDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("data dir %s: %w", dir, err)
	}
	if len(entries) > 0 {
		return fmt.Errorf("data dir %s: %w", dir, errDirInUse)
	}
	return nil
}

func (s *simulation) int63() int64 {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return s.rng.Int63()
}

// expSleep draws from an exponential distribution with the given mean.
func (s *simulation) expSleep(mean time.Duration) time.Duration {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return time.Duration(s.rng.ExpFloat64() * float64(mean))
}

func (s *simulation) intn(n int) int {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return s.rng.Intn(n)
}

func (s *simulation) start() error {
	s.mu.Lock()
	s.begin = time.Now()
	s.mu.Unlock()
	for _, p := range s.peers {
		p.node.Start()
		if err := p.join(s.cfg.Sim.Group); err != nil {
			return err
		}
	}
	return nil
}

func (s *simulation) runAll(ctx context.Context, g *errgroup.Group) {
	active := max(s.cfg.Sim.Duration-s.cfg.Sim.QuiesceLast, 0)
	wctx, stopWriters := context.WithTimeout(ctx, active)
	g.Go(func() error {
		defer stopWriters()
		<-wctx.Done()
		s.mu.Lock()
		s.quietAt = time.Now()
		s.mu.Unlock()
		s.logger.Info("sim.writers_stopped")
		return nil
	})

	for _, p := range s.peers {
		g.Go(func() error { s.tele.forward(ctx, p.events); return nil })
		g.Go(func() error { s.writer(wctx, p); return nil })
	}
	if s.cfg.Sim.ChurnPeriod > 0 && s.cfg.Sim.RejoinDelay > 0 {
		g.Go(func() error { return s.churn(ctx, wctx) })
	}
	g.Go(func() error { s.sampler(ctx); return nil })
}

func (s *simulation) writer(ctx context.Context, p *peer) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.expSleep(s.cfg.Sim.WriteInterval)):
			if err := p.say(s.cfg.Sim.Group); err != nil {
				s.logger.Warn("sim.say_failed", zap.String("node", p.name), zap.Error(err))
			}
		}
	}
}

// churn makes one random peer leave the group and come back, until wctx
// ends. Every peer is back in the group when it returns.
func (s *simulation) churn(ctx, wctx context.Context) error {
	defer func() {
		for _, p := range s.peers {
			if err := p.join(s.cfg.Sim.Group); err != nil {
				s.logger.Warn("sim.rejoin_failed", zap.String("node", p.name), zap.Error(err))
			}
		}
	}()
	for {
		select {
		case <-wctx.Done():
			return nil
		case <-time.After(s.expSleep(s.cfg.Sim.ChurnPeriod)):
		}
		p := s.peers[s.intn(len(s.peers))]
		if err := p.leave(s.cfg.Sim.Group); err != nil {
			return err
		}
		s.logger.Info("sim.peer_left", zap.String("node", p.name))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.cfg.Sim.RejoinDelay):
		}
		if err := p.join(s.cfg.Sim.Group); err != nil {
			return err
		}
		s.logger.Info("sim.peer_rejoined", zap.String("node", p.name))
	}
}

func (s *simulation) sampler(ctx context.Context) {
	t := time.NewTicker(s.cfg.Sim.SampleEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		s.mu.Lock()
		elapsed := time.Since(s.begin)
		quiet := !s.quietAt.IsZero()
		s.mu.Unlock()

		row := []string{fmt.Sprintf("%.3f", elapsed.Seconds())}
		views := make([]map[msgKey]int, 0, len(s.peers))
		for _, p := range s.peers {
			h, ok := p.history(s.cfg.Sim.Group)
			if !ok {
				row = append(row, "-")
				continue
			}
			views = append(views, h)
			row = append(row, strconv.Itoa(total(h)))
		}
		conv := len(views) == len(s.peers) && sameKeys(views)
		_ = s.samples.Write(append(row, strconv.FormatBool(conv)))

		if conv && quiet {
			s.mu.Lock()
			if s.convergedAt.IsZero() {
				s.convergedAt = time.Now()
				s.logger.Info("sim.converged", zap.Duration("after_quiet", s.convergedAt.Sub(s.quietAt)))
			}
			s.mu.Unlock()
		}
	}
}

func (s *simulation) stop() {
	for _, p := range s.peers {
		p.node.Stop()
	}
}

func (s *simulation) close() {
	s.stop()
	for _, p := range s.peers {
		p.ep.Close()
		if p.store != nil {
			if err := p.store.Close(); err != nil {
				s.logger.Warn("sim.store_close_failed", zap.String("node", p.name), zap.Error(err))
			}
		}
	}
	if s.samples != nil {
		s.samples.Flush()
		_ = s.samplesF.Close()
	}
	if s.tele != nil {
		s.tele.close()
	}
}

// report writes the outcome of the run to w and to summary.txt.
func (s *simulation) report(w io.Writer) error {
	f, err := os.Create(filepath.Join(s.cfg.Sim.OutDir, "summary.txt"))
	if err != nil {
		return err
	}
	defer f.Close()
	out := io.MultiWriter(w, f)

	union := map[msgKey]bool{}
	views := make([]map[msgKey]int, len(s.peers))
	for i, p := range s.peers {
		h, _ := p.history(s.cfg.Sim.Group)
		views[i] = h
		for k := range h {
			union[k] = true
		}
	}

	fmt.Fprintf(out, "peers=%d duration=%s loss=%.2f dup=%.2f churn=%s\n",
		len(s.peers), s.cfg.Sim.Duration, s.cfg.Sim.Loss, s.cfg.Sim.Dup, s.cfg.Sim.ChurnPeriod)
	fmt.Fprintf(out, "distinct messages: %d\n", len(union))
	for i, p := range s.peers {
		h := views[i]
		fmt.Fprintf(out, "  %s stored=%d distinct=%d duplicates=%d missing=%d\n",
			p.name, total(h), len(h), total(h)-len(h), len(union)-len(h))
	}

	s.mu.Lock()
	quiet, conv := s.quietAt, s.convergedAt
	s.mu.Unlock()
	switch {
	case conv.IsZero():
		fmt.Fprintln(out, "converged: no")
	case quiet.IsZero():
		fmt.Fprintln(out, "converged: yes")
	default:
		fmt.Fprintf(out, "converged: yes, %s after writers stopped\n", conv.Sub(quiet).Round(time.Millisecond))
	}
	s.tele.summary(out)
	return nil
}

func (p *peer) join(group uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.joined {
		return nil
	}
	if err := p.node.Join(group); err != nil {
		return err
	}
	p.joined = true
	return nil
}

func (p *peer) leave(group uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.joined {
		return nil
	}
	if err := p.node.Leave(group); err != nil {
		return err
	}
	p.joined = false
	return nil
}

func (p *peer) say(group uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.joined {
		return nil
	}
	p.seq++
	_, err := p.node.Say(group, fmt.Sprintf("%s says #%d", p.name, p.seq))
	return err
}

// history counts the stored copies of each message.
func (p *peer) history(group uint32) (map[msgKey]int, bool) {
	reg, ok := p.node.Registry(group)
	if !ok {
		return nil, false
	}
	out := map[msgKey]int{}
	_ = reg.Descending(func(m *model.Message) bool {
		key, _ := p.node.Contacts.PublicKey(m.From)
		out[msgKey{sender: key, mid: m.MessageID}]++
		return true
	})
	return out, true
}

func total(h map[msgKey]int) int {
	n := 0
	for _, c := range h {
		n += c
	}
	return n
}

func sameKeys(views []map[msgKey]int) bool {
	if len(views) == 0 {
		return false
	}
	for _, v := range views[1:] {
		if len(v) != len(views[0]) {
			return false
		}
		for k := range v {
			if _, ok := views[0][k]; !ok {
				return false
			}
		}
	}
	return true
}

func sortedTypes(m map[node.EventType]int64) []node.EventType {
	out := make([]node.EventType, 0, len(m))
	for t := range m {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}
