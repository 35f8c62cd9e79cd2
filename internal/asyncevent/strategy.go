package asyncevent

import "fmt"

// QueueType identifies a logical queue lane.
type QueueType string

const (
	// QueueRegular carries mutation-driven envelopes on the low-latency lane.
	QueueRegular QueueType = "regular"
	// QueueUtility carries administrative and bulk envelopes.
	QueueUtility QueueType = "utility"
	// QueueIndex carries pre-built index operation messages.
	QueueIndex QueueType = "index"
)

// QueueTypes lists every lane in processing priority order.
var QueueTypes = []QueueType{QueueRegular, QueueIndex, QueueUtility}

// Valid reports whether q is a known lane.
func (q QueueType) Valid() bool {
	switch q {
	case QueueRegular, QueueUtility, QueueIndex:
		return true
	}
	return false
}

// Strategy is the caller-selected indexing policy.
type Strategy string

const (
	// StrategyAsync enqueues on the regular lane and returns immediately.
	StrategyAsync Strategy = "async"
	// StrategySync enqueues on the regular lane and returns a handle that completes
	// once the index write is confirmed.
	StrategySync Strategy = "sync"
	// StrategyBulk enqueues on the utility lane and returns immediately.
	StrategyBulk Strategy = "bulk"
)

// DeliveryMode is whether the caller receives a completion signal.
type DeliveryMode string

const (
	ModeFireAndForget DeliveryMode = "fire_and_forget"
	ModeTracked       DeliveryMode = "tracked"
)

// Capabilities describes what a queue backend supports.
type Capabilities struct {
	// Tracking is true when consumers can signal completion back to producers.
	Tracking bool
}

// Route is the outcome of strategy selection.
type Route struct {
	Queue QueueType
	Mode  DeliveryMode
	// Degraded is set when a tracked route fell back to fire-and-forget because the
	// backend cannot signal completion.
	Degraded bool
}

// Select maps an operation kind and caller strategy to a queue lane and delivery
// mode. requested is only consulted for KindIndexOperation. It never fails because
// of missing backend capabilities; it degrades instead.
func Select(kind Kind, strategy Strategy, requested QueueType, caps Capabilities) (Route, error) {
	var route Route

	switch kind {
	case KindInitializeIndex:
		return Route{Queue: QueueUtility, Mode: ModeFireAndForget}, nil
	case KindDeleteEdge, KindEntityDelete, KindDeIndexOldVersion:
		// Deletes are never skipped or held for latency.
		return Route{Queue: QueueRegular, Mode: ModeFireAndForget}, nil
	case KindIndexOperation:
		if !requested.Valid() {
			return Route{}, fmt.Errorf("unknown queue type %q", requested)
		}
		return Route{Queue: requested, Mode: ModeFireAndForget}, nil
	case KindEntityIndexUpdate, KindNewEdge:
		switch strategy {
		case StrategyAsync, "":
			route = Route{Queue: QueueRegular, Mode: ModeFireAndForget}
		case StrategySync:
			route = Route{Queue: QueueRegular, Mode: ModeTracked}
		case StrategyBulk:
			route = Route{Queue: QueueUtility, Mode: ModeFireAndForget}
		default:
			return Route{}, fmt.Errorf("unknown indexing strategy %q", strategy)
		}
	default:
		return Route{}, fmt.Errorf("unknown event kind %q", kind)
	}

	if route.Mode == ModeTracked && !caps.Tracking {
		route.Mode = ModeFireAndForget
		route.Degraded = true
	}
	return route, nil
}
