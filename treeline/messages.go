package treeline

import (
	"fmt"
)

// streaming modes
// the numeric values are part of the wire contract and must not change
type StreamMode int

const (
	StreamModeStream StreamMode = 0
	StreamModeOnce   StreamMode = 1
	StreamModePoll   StreamMode = 2
)

func (self StreamMode) String() string {
	switch self {
	case StreamModeStream:
		return "STREAM"
	case StreamModeOnce:
		return "ONCE"
	case StreamModePoll:
		return "POLL"
	default:
		return fmt.Sprintf("mode(%d)", int(self))
	}
}

type SubscriptionSpec struct {
	Path              Path
	Mode              SubscriptionMode
	SampleInterval    int64
	SuppressRedundant bool
	HeartbeatInterval int64
}

type SubscriptionList struct {
	Prefix        Path
	Subscriptions []SubscriptionSpec
	Mode          StreamMode
	UseAliases    bool
	// transport priority hint; carried, not interpreted by the engine
	Qos uint32
}

type AliasDefinition struct {
	Alias Path
	// empty undefines the alias
	Path Path
}

type HeartbeatRequest struct {
	// session-wide maximum silence. 0 demands an immediate response
	IntervalNanos int64
}

// one inbound request on a subscribe stream. Exactly one of the
// variant fields is set
type SessionRequest struct {
	Subscribe *SubscriptionList
	Poll      bool
	Heartbeat *HeartbeatRequest
	Aliases   []AliasDefinition
	// proxy-chain metadata is informational pass-through and must not
	// alter engine behavior
	Proxies []string
}

type UpdateEntry struct {
	Path  Path
	Value *Value
}

type Notification struct {
	Ts     int64
	Prefix Path
	// set instead of Prefix for sessions that negotiated aliases
	Alias   string
	Updates []UpdateEntry
	Deletes []Path
}

// one outbound message on a subscribe stream. Exactly one of the
// variant fields is set. Messages are FIFO relative to enqueue order,
// so an external batcher can number them without gaps
type StreamMessage struct {
	Notification *Notification
	// all subscribed values have been sent at least once
	Sync      bool
	Heartbeat bool
	// terminal; the session closes after this message
	Error *Error
}

type ModelInfo struct {
	Name         string
	Organization string
	Version      string
	Data         []byte
}
