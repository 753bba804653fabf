package node

import "time"

type EventType string

const (
	EventJoin     EventType = "join"
	EventLeave    EventType = "leave"
	EventPeerJoin EventType = "peer_join"
	EventPeerExit EventType = "peer_exit"
	EventSay      EventType = "say"
	EventLive     EventType = "live"
	EventStored   EventType = "stored"
	EventWarn     EventType = "warn"
)

type Event struct {
	Time   time.Time
	Node   string
	Type   EventType
	Fields map[string]any
}
