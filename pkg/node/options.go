package node

import (
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/juanpablocruz/ngchs/pkg/eventbus"
	"github.com/juanpablocruz/ngchs/pkg/history"
	"github.com/juanpablocruz/ngchs/pkg/metrics"
	"github.com/juanpablocruz/ngchs/pkg/msgstore"
)

// NodeOption configures a Node in New.
type NodeOption func(*Node)

// WithStore sets the message store. changes must be the bus the store
// notifies on; the node listens there for EventStored.
func WithStore(s msgstore.GroupStore, changes *eventbus.Bus) NodeOption {
	return func(n *Node) { n.Store = s; n.Changes = changes }
}

func WithHistory(c history.Config) NodeOption {
	return func(n *Node) { n.historyCfg = c }
}

// WithTickBounds clamps how long the tick loop sleeps between engine ticks.
func WithTickBounds(min, max time.Duration) NodeOption {
	return func(n *Node) { n.MinTick = min; n.MaxTick = max }
}

func WithEvents(ch chan Event) NodeOption {
	return func(n *Node) { n.Events = ch }
}

func WithClock(c clockwork.Clock) NodeOption {
	return func(n *Node) { n.Clock = c }
}

func WithLogger(l *zap.Logger) NodeOption {
	return func(n *Node) { n.logger = l }
}

func WithMetrics(m *metrics.Metrics) NodeOption {
	return func(n *Node) { n.Metrics = m }
}
