package node

import (
	"time"

	"github.com/rs/zerolog"
)

// An Option mutates node configuration prior to construction completing.
type Option func(*Node)

// WithLogger overrides the default console logger.
func WithLogger(log zerolog.Logger) Option {
	return func(n *Node) { n.log = log }
}

// WithBucketSize sets the per-bucket contact capacity (the Kademlia k).
// Also the size of lookup result sets.
func WithBucketSize(k int) Option {
	return func(n *Node) {
		if k > 0 {
			n.bucketSize = k
		}
	}
}

// WithAlpha sets the lookup parallelism: how many find-queries are in
// flight per lookup round.
func WithAlpha(a int) Option {
	return func(n *Node) {
		if a > 0 {
			n.alpha = a
		}
	}
}

// WithRelayFanout sets how many relays an indirect dispatch forwards
// through in parallel.
func WithRelayFanout(r int) Option {
	return func(n *Node) {
		if r > 0 {
			n.relayFanout = r
		}
	}
}

// WithHopLimit sets the hop budget stamped onto outgoing frames.
func WithHopLimit(h uint8) Option {
	return func(n *Node) { n.hopLimit = h }
}

// WithMissLimit sets the consecutive-failure count at which a contact is
// evicted from the routing table.
func WithMissLimit(m int) Option {
	return func(n *Node) {
		if m > 0 {
			n.missLimit = m
		}
	}
}

// WithRequestTimeout bounds each request/reply exchange (ping, find-node).
func WithRequestTimeout(d time.Duration) Option {
	return func(n *Node) {
		if d > 0 {
			n.requestTimeout = d
		}
	}
}

// WithSignaling sets the rendezvous endpoints used by Bootstrap, tried in
// the order given.
func WithSignaling(endpoints ...string) Option {
	return func(n *Node) { n.signalingEndpoints = endpoints }
}

// WithSeenCacheSize sets how many recent message UUIDs are remembered for
// duplicate suppression.
func WithSeenCacheSize(sz int) Option {
	return func(n *Node) {
		if sz > 0 {
			n.seenCacheSize = sz
		}
	}
}

// WithMaintenanceInterval sets how often bucket refresh and liveness
// probing run. Zero disables periodic maintenance.
func WithMaintenanceInterval(d time.Duration) Option {
	return func(n *Node) { n.maintenanceInterval = d }
}

// WithSubscriberTTL sets how long a remote subscriber entry lives without a
// renewing announce.
func WithSubscriberTTL(d time.Duration) Option {
	return func(n *Node) {
		if d > 0 {
			n.subscriberTTL = d
		}
	}
}

// WithAdvertiseAddr overrides the dial address the node embeds in outgoing
// contact records. Needed when the bind address is not reachable as-is
// (e.g. behind a port mapping).
func WithAdvertiseAddr(addr string) Option {
	return func(n *Node) { n.advertise = addr }
}

// WithInboxBuffer sets the capacity of the direct-message inbox channel.
func WithInboxBuffer(sz int) Option {
	return func(n *Node) {
		if sz > 0 {
			n.inboxBuffer = sz
		}
	}
}

// WithWorkers sets how many handlers drain inbound frames concurrently.
// Must be at least 2 so a blocked handler cannot starve its own reply.
func WithWorkers(w int) Option {
	return func(n *Node) {
		if w >= 2 {
			n.workers = w
		}
	}
}

// WithTransportOptions forwards options to the underlying transport.
func WithTransportOptions(opts ...transportOption) Option {
	return func(n *Node) { n.transportOpts = append(n.transportOpts, opts...) }
}
