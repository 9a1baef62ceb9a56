/*
Package node ties the overlay together: one Node owns an identity, a
routing table, a transport, and a topic registry, and runs the inbound
dispatcher plus periodic maintenance.

Lifecycle is New -> Start -> (Bootstrap) -> use -> Stop. A node started
without bootstrapping simply waits to be found, which is how the first node
of a network comes up.
*/
package node

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/p2pweave/weave"
	"github.com/p2pweave/weave/identity"
	"github.com/p2pweave/weave/internal/expiring"
	"github.com/p2pweave/weave/protocol"
	"github.com/p2pweave/weave/protocol/mt"
	"github.com/p2pweave/weave/routing"
	"github.com/p2pweave/weave/signaling"
	"github.com/p2pweave/weave/transport"
	"github.com/rs/zerolog"
)

type transportOption = transport.Option

const (
	DefaultAlpha               = 3
	DefaultRelayFanout         = 3
	DefaultHopLimit            = 16
	DefaultRequestTimeout      = 3 * time.Second
	DefaultSeenCacheSize       = 4096
	DefaultMaintenanceInterval = time.Minute
	DefaultSubscriberTTL       = 15 * time.Minute
	DefaultInboxBuffer         = 64
	DefaultWorkers             = 8
)

// A Delivery is one direct (non-topic) message received by this node.
type Delivery struct {
	From    weave.NodeID
	Payload []byte
}

// Node is a single overlay peer.
type Node struct {
	log zerolog.Logger
	id  identity.Identity

	bind      string
	advertise string

	bucketSize          int
	alpha               int
	relayFanout         int
	missLimit           int
	hopLimit            uint8
	requestTimeout      time.Duration
	maintenanceInterval time.Duration
	subscriberTTL       time.Duration
	seenCacheSize       int
	inboxBuffer         int
	workers             int
	signalingEndpoints  []string
	transportOpts       []transport.Option

	table  *routing.Table
	tr     *transport.Transport
	signal *signaling.Client
	seen   *lru.Cache[uuid.UUID, bool]

	// uuid -> chan *protocol.Frame for request/reply correlation
	pending sync.Map

	inbox chan Delivery

	topicMu sync.Mutex
	topics  map[weave.Address]*Topic
	// per-topic remote subscriber registries, kept even for topics this
	// node is not itself subscribed to (nodes near a topic address act as
	// rendezvous points)
	subscribers map[weave.Address]*expiring.Table[weave.NodeID, weave.Contact]

	mu      sync.Mutex
	running bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// New builds a node that will listen on bind. The node does not touch the
// network until Start.
func New(id identity.Identity, bind string, opts ...Option) *Node {
	n := &Node{
		id:   id,
		bind: bind,

		bucketSize:          routing.DefaultBucketSize,
		alpha:               DefaultAlpha,
		relayFanout:         DefaultRelayFanout,
		missLimit:           routing.DefaultMissLimit,
		hopLimit:            DefaultHopLimit,
		requestTimeout:      DefaultRequestTimeout,
		maintenanceInterval: DefaultMaintenanceInterval,
		subscriberTTL:       DefaultSubscriberTTL,
		seenCacheSize:       DefaultSeenCacheSize,
		inboxBuffer:         DefaultInboxBuffer,
		workers:             DefaultWorkers,

		topics:      make(map[weave.Address]*Topic),
		subscribers: make(map[weave.Address]*expiring.Table[weave.NodeID, weave.Contact]),
	}

	// default logger; replaceable via WithLogger
	n.log = zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: "15:04:05",
	}).With().
		Str("node", id.NodeID().Short()).
		Timestamp().
		Logger().Level(zerolog.InfoLevel)

	for _, opt := range opts {
		opt(n)
	}

	return n
}

// ID returns the node's identifier.
func (n *Node) ID() weave.NodeID {
	return n.id.NodeID()
}

// Addr returns the dial address the node advertises. Only meaningful after
// Start.
func (n *Node) Addr() string {
	return n.advertise
}

// Contact returns the node's own contact record.
func (n *Node) Contact() weave.Contact {
	return weave.Contact{ID: n.id.NodeID(), Addr: n.advertise}
}

// Inbox returns the stream of direct messages addressed to this node.
func (n *Node) Inbox() <-chan Delivery {
	return n.inbox
}

// Start binds the transport and spins up the inbound dispatcher and the
// maintenance loop.
func (n *Node) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.running {
		return ErrAlreadyRunning
	}

	tr, err := transport.New(n.bind, n.log, n.transportOpts...)
	if err != nil {
		return err
	}
	n.tr = tr
	if n.advertise == "" {
		n.advertise = tr.Addr()
	}
	n.log = n.log.With().Str("address", n.advertise).Logger()

	n.seen, err = lru.New[uuid.UUID, bool](n.seenCacheSize)
	if err != nil {
		tr.Close()
		return err
	}

	n.table = routing.NewTable(n.id.NodeID(), n.bucketSize, n.missLimit, n.probe)
	n.inbox = make(chan Delivery, n.inboxBuffer)
	if len(n.signalingEndpoints) > 0 {
		n.signal = signaling.NewClient(n.signalingEndpoints, n.log)
	}
	n.done = make(chan struct{})
	n.running = true

	n.wg.Add(1)
	go n.dispatchLoop()
	if n.maintenanceInterval > 0 {
		n.wg.Add(1)
		go n.maintenanceLoop()
	}

	n.log.Info().Msg("node online")
	return nil
}

// Bootstrap joins an existing network: fetch a seed list from signaling,
// ping the seeds, then look up our own id to populate the routing table.
// Also registers this node's contact record with the signaling servers.
// Fails if no seed could be reached; a caller standing up the very first
// node of a network skips Bootstrap entirely.
func (n *Node) Bootstrap(ctx context.Context) error {
	if !n.isRunning() {
		return ErrNotRunning
	}
	if n.signal == nil {
		return signaling.ErrNoEndpoints
	}

	seeds, err := n.signal.Fetch(ctx)
	if err != nil {
		return err
	}
	if err := n.signal.Register(ctx, n.Contact()); err != nil {
		n.log.Warn().Err(err).Msg("could not register with signaling")
	}

	reached := 0
	for _, seed := range seeds {
		if seed.ID == n.id.NodeID() {
			continue
		}
		if err := n.Ping(ctx, seed); err != nil {
			n.log.Debug().Str("seed", seed.ID.Short()).Err(err).Msg("seed unreachable")
			continue
		}
		reached++
	}
	if reached == 0 {
		return ErrNoSeeds
	}

	// self-lookup fills the buckets nearest to us
	n.Lookup(ctx, n.id.NodeID())
	n.log.Info().Int("seeds reached", reached).Int("contacts", n.table.Len()).Msg("bootstrapped")
	return nil
}

// Stop tears the node down: transport first so the dispatcher drains, then
// the helper goroutines. Safe to call more than once.
func (n *Node) Stop() {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return
	}
	n.running = false
	close(n.done)
	n.mu.Unlock()

	n.tr.Close()
	n.wg.Wait()
	if n.signal != nil {
		n.signal.Close()
	}
	close(n.inbox)

	n.topicMu.Lock()
	for _, t := range n.topics {
		t.close()
	}
	n.topics = make(map[weave.Address]*Topic)
	n.topicMu.Unlock()

	n.log.Info().Msg("node stopped")
}

func (n *Node) isRunning() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.running
}

// probe checks liveness of a contact on behalf of the routing table.
// Runs on the table's insert path, so it gets its own deadline.
func (n *Node) probe(c weave.Contact) bool {
	ctx, cancel := context.WithTimeout(context.Background(), n.requestTimeout)
	defer cancel()
	return n.Ping(ctx, c) == nil
}

// frame assembles and signs an outgoing frame originated by this node.
func (n *Node) frame(typ mt.MessageType, dest weave.Address, payload []byte) *protocol.Frame {
	f := protocol.New(typ, n.id.NodeID(), dest, n.hopLimit, payload)
	f.Sign(n.id)
	return f
}

// reply assembles and signs a frame answering a request, echoing the
// request's uuid so the requester's await can correlate it.
func (n *Node) reply(typ mt.MessageType, req *protocol.Frame, payload []byte) *protocol.Frame {
	f := protocol.New(typ, n.id.NodeID(), req.Origin, n.hopLimit, payload)
	f.UUID = req.UUID
	f.Sign(n.id)
	return f
}

// send writes one frame to a contact, converting network failure into a
// liveness signal against that contact. A frame the wire cannot carry is
// the sender's error, not the peer's, and never counts as a miss.
func (n *Node) send(c weave.Contact, f *protocol.Frame) error {
	if err := f.CheckLimits(); err != nil {
		return err
	}
	if err := n.tr.Send(c.Addr, f); err != nil {
		if evicted := n.table.MarkSuspect(c.ID); evicted {
			n.log.Debug().Str("peer", c.ID.Short()).Msg("contact evicted after repeated misses")
		}
		return err
	}
	return nil
}
