package main

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/juanpablocruz/ngchs/pkg/node"
)

// telemetry tallies node events and keeps a CSV trace of them.
type telemetry struct {
	mu sync.Mutex

	byType map[node.EventType]int64
	byNode map[string]map[node.EventType]int64

	// store changes split by construct/update
	constructs int64
	updates    int64
	warns      []string

	echo bool
	f     *os.File
	w     *csv.Writer
}

func newTelemetry(path string, echo bool) (*telemetry, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	t := &telemetry{
		byType: make(map[node.EventType]int64),
		byNode: make(map[string]map[node.EventType]int64),
		echo:   echo,
		f:      f,
		w:      csv.NewWriter(f),
	}
	_ = t.w.Write([]string{"time", "node", "type", "fields"})
	return t, nil
}

// forward drains ch until ctx ends.
func (t *telemetry) forward(ctx context.Context, ch <-chan node.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-ch:
			t.handle(e)
		}
	}
}

func (t *telemetry) handle(e node.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byType[e.Type]++
	per, ok := t.byNode[e.Node]
	if !ok {
		per = make(map[node.EventType]int64)
		t.byNode[e.Node] = per
	}
	per[e.Type]++

	switch e.Type {
	case node.EventStored:
		if e.Fields["change"] == "update" {
			t.updates++
		} else {
			t.constructs++
		}
	case node.EventWarn:
		if len(t.warns) < 20 {
			t.warns = append(t.warns, fmt.Sprintf("%s %v", e.Node, e.Fields))
		}
	}

	fields := fmt.Sprint(e.Fields)
	_ = t.w.Write([]string{e.Time.Format(time.RFC3339Nano), e.Node, string(e.Type), fields})
	if t.echo {
		fmt.Printf("%s %-4s %-10s %s\n", e.Time.Format(time.RFC3339Nano), e.Node, e.Type, fields)
	}
}

func (t *telemetry) summary(w io.Writer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(w, "store changes: construct=%d update=%d\n", t.constructs, t.updates)
	fmt.Fprintln(w, "events:")
	for _, et := range sortedTypes(t.byType) {
		fmt.Fprintf(w, "  %-10s %d\n", et, t.byType[et])
	}
	nodes := make([]string, 0, len(t.byNode))
	for n := range t.byNode {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)
	for _, n := range nodes {
		per := t.byNode[n]
		fmt.Fprintf(w, "  %s joins=%d live=%d said=%d stored=%d\n",
			n, per[node.EventPeerJoin], per[node.EventLive], per[node.EventSay], per[node.EventStored])
	}
	for _, s := range t.warns {
		fmt.Fprintf(w, "warn: %s\n", s)
	}
}

func (t *telemetry) close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.w.Flush()
	_ = t.f.Close()
}
