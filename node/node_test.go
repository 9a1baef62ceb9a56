/*
Tests for the node package.

These spin up real nodes on loopback and exercise discovery, messaging, and
pubsub end to end.
*/
package node_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Pallinder/go-randomdata"
	"github.com/p2pweave/weave"
	"github.com/p2pweave/weave/identity"
	. "github.com/p2pweave/weave/internal/testsupport"
	"github.com/p2pweave/weave/node"
	"github.com/p2pweave/weave/protocol"
	"github.com/p2pweave/weave/routing"
	"github.com/p2pweave/weave/signaling"
	"github.com/rs/zerolog"
)

// startNode builds and starts a throwaway node on loopback with fast
// timeouts and periodic maintenance disabled, so tests stay deterministic.
func startNode(t *testing.T, opts ...node.Option) *node.Node {
	t.Helper()
	id, err := identity.Generate()
	if err != nil {
		t.Fatal(err)
	}
	opts = append([]node.Option{
		node.WithLogger(zerolog.Nop()),
		node.WithRequestTimeout(time.Second),
		node.WithMaintenanceInterval(0),
	}, opts...)
	n := node.New(id, "127.0.0.1:0", opts...)
	if err := n.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(n.Stop)
	return n
}

// connect introduces a to b via a ping.
func connect(t *testing.T, a, b *node.Node) {
	t.Helper()
	if err := a.Ping(t.Context(), b.Contact()); err != nil {
		t.Fatalf("ping %s -> %s: %v", a.ID().Short(), b.ID().Short(), err)
	}
}

// expectDelivery pulls one direct message off a node's inbox.
func expectDelivery(t *testing.T, n *node.Node, within time.Duration) node.Delivery {
	t.Helper()
	select {
	case d := <-n.Inbox():
		return d
	case <-time.After(within):
		t.Fatal("timed out waiting for a delivery")
	}
	return node.Delivery{}
}

func TestStartStop(t *testing.T) {
	id, err := identity.Generate()
	if err != nil {
		t.Fatal(err)
	}
	n := node.New(id, "127.0.0.1:0", node.WithLogger(zerolog.Nop()))
	if err := n.Start(); err != nil {
		t.Fatal(err)
	}
	if err := n.Start(); err != node.ErrAlreadyRunning {
		t.Fatal(ExpectedActual(node.ErrAlreadyRunning, err))
	}
	n.Stop()
	n.Stop() // idempotent
	if err := n.Ping(t.Context(), weave.Contact{ID: weave.RandomAddress(), Addr: "127.0.0.1:1"}); err != node.ErrNotRunning {
		t.Fatal(ExpectedActual(node.ErrNotRunning, err))
	}
}

func TestPingTeachesBothSides(t *testing.T) {
	a := startNode(t)
	b := startNode(t)
	connect(t, a, b)

	// the ping payload carries a's contact record, so b can now find a
	results := b.Lookup(t.Context(), a.ID())
	found := false
	for _, c := range results {
		if c.ID == a.ID() {
			found = true
		}
	}
	if !found {
		t.Fatal("b never learned a's contact from the ping")
	}
}

func TestLookupConvergence(t *testing.T) {
	// a hub-and-spoke network: everyone knows only the hub at first
	hub := startNode(t)
	spokes := make([]*node.Node, 5)
	for i := range spokes {
		spokes[i] = startNode(t)
		connect(t, spokes[i], hub)
	}

	// a lookup from one spoke must discover another spoke through the hub
	target := spokes[3]
	results := spokes[0].Lookup(t.Context(), target.ID())
	if len(results) == 0 {
		t.Fatal("lookup returned nothing")
	}
	for _, c := range results {
		if c.ID == target.ID() {
			return
		}
	}
	t.Fatal("lookup failed to discover the target spoke")
}

func TestDirectMessage(t *testing.T) {
	a := startNode(t)
	b := startNode(t)
	connect(t, a, b)

	payload := []byte(randomdata.Paragraph())
	if err := a.Send(t.Context(), b.ID(), payload); err != nil {
		t.Fatal(err)
	}
	d := expectDelivery(t, b, 3*time.Second)
	if d.From != a.ID() {
		t.Fatal(ExpectedActual(a.ID().Short(), d.From.Short()))
	}
	if string(d.Payload) != string(payload) {
		t.Fatal("payload mangled in transit")
	}
}

func TestOversizedSendLeavesTableIntact(t *testing.T) {
	a := startNode(t)
	b := startNode(t)
	connect(t, a, b)

	// repeat past the miss threshold
	big := make([]byte, protocol.MaxPayloadLen+1)
	for range routing.DefaultMissLimit {
		if err := a.Send(t.Context(), b.ID(), big); !errors.Is(err, protocol.ErrPayloadTooLarge) {
			t.Fatal(ExpectedActual(protocol.ErrPayloadTooLarge, err))
		}
	}

	topic, err := a.Subscribe(t.Context(), randomdata.SillyName())
	if err != nil {
		t.Fatal(err)
	}
	if err := topic.Broadcast(t.Context(), big); !errors.Is(err, protocol.ErrPayloadTooLarge) {
		t.Fatal(ExpectedActual(protocol.ErrPayloadTooLarge, err))
	}

	// b must still be directly routable
	payload := []byte("sized to fit")
	if err := a.Send(t.Context(), b.ID(), payload); err != nil {
		t.Fatalf("send after oversized attempts: %v", err)
	}
	d := expectDelivery(t, b, 3*time.Second)
	if d.From != a.ID() {
		t.Fatal(ExpectedActual(a.ID().Short(), d.From.Short()))
	}
	if string(d.Payload) != string(payload) {
		t.Fatal("payload mangled in transit")
	}
}

func TestRelayedMessage(t *testing.T) {
	// a -> b -> c: a has never met c, so the frame must relay through b
	a := startNode(t)
	b := startNode(t)
	c := startNode(t)
	connect(t, a, b)
	connect(t, b, c)

	if err := a.Send(t.Context(), c.ID(), []byte("through the grapevine")); err != nil {
		t.Fatal(err)
	}
	d := expectDelivery(t, c, 3*time.Second)
	if d.From != a.ID() {
		t.Fatal(ExpectedActual(a.ID().Short(), d.From.Short()))
	}
}

func TestHopBudget(t *testing.T) {
	t.Run("no relays and no budget fails the dispatch", func(t *testing.T) {
		a := startNode(t, node.WithHopLimit(0))
		if err := a.Send(t.Context(), weave.RandomAddress(), []byte("x")); !errors.Is(err, node.ErrDispatchExhausted) {
			t.Fatal(ExpectedActual(node.ErrDispatchExhausted, err))
		}
	})

	t.Run("exhausted budget is dropped silently mid-path", func(t *testing.T) {
		// a's budget of 1 is spent on the hop to b; b must drop, so d
		// never hears anything and a gets no failure notice
		a := startNode(t, node.WithHopLimit(1))
		b := startNode(t)
		d := startNode(t)
		connect(t, a, b)
		connect(t, b, d)

		if err := a.Send(t.Context(), d.ID(), []byte("too far")); err != nil {
			t.Fatal(err)
		}
		select {
		case <-d.Inbox():
			t.Fatal("frame outran its hop budget")
		case <-time.After(700 * time.Millisecond):
		}
	})
}

func TestSubscribeBroadcast(t *testing.T) {
	n1 := startNode(t)
	n2 := startNode(t)
	n3 := startNode(t)
	for _, pair := range [][2]*node.Node{{n1, n2}, {n2, n3}, {n3, n1}} {
		connect(t, pair[0], pair[1])
	}

	topicName := "orders/" + randomdata.Noun()
	sub2, err := n2.Subscribe(t.Context(), topicName)
	if err != nil {
		t.Fatal(err)
	}
	sub3, err := n3.Subscribe(t.Context(), topicName)
	if err != nil {
		t.Fatal(err)
	}

	payload := []byte(randomdata.Paragraph())
	if err := sub3.Broadcast(t.Context(), payload); err != nil && !errors.Is(err, node.ErrPartialDelivery) {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	m, err := sub2.Next(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if m.From != n3.ID() {
		t.Fatal(ExpectedActual(n3.ID().Short(), m.From.Short()))
	}
	if string(m.Payload) != string(payload) {
		t.Fatal("payload mangled in transit")
	}

	t.Run("no duplicate delivery across fan-out paths", func(t *testing.T) {
		time.Sleep(500 * time.Millisecond)
		if m, ok := sub2.TryNext(); ok {
			t.Fatalf("unexpected duplicate from %s", m.From.Short())
		}
	})

	t.Run("broadcaster does not hear itself", func(t *testing.T) {
		if m, ok := sub3.TryNext(); ok {
			t.Fatalf("broadcaster received its own message from %s", m.From.Short())
		}
	})

	t.Run("re-subscribing returns the same handle", func(t *testing.T) {
		again, err := n2.Subscribe(t.Context(), topicName)
		if err != nil {
			t.Fatal(err)
		}
		if again != sub2 {
			t.Fatal("second subscribe produced a second registration")
		}
	})
}

func TestUnsubscribe(t *testing.T) {
	n1 := startNode(t)
	sub, err := n1.Subscribe(t.Context(), "ephemeral")
	if err != nil {
		t.Fatal(err)
	}
	sub.Unsubscribe()

	if _, err := sub.Next(t.Context()); err != node.ErrTopicClosed {
		t.Fatal(ExpectedActual(node.ErrTopicClosed, err))
	}
	if err := sub.Broadcast(t.Context(), []byte("x")); err != node.ErrTopicClosed {
		t.Fatal(ExpectedActual(node.ErrTopicClosed, err))
	}

	t.Run("a fresh subscribe works after unsubscribing", func(t *testing.T) {
		again, err := n1.Subscribe(t.Context(), "ephemeral")
		if err != nil {
			t.Fatal(err)
		}
		if again == sub {
			t.Fatal("stale handle returned after unsubscribe")
		}
	})
}

func TestBootstrap(t *testing.T) {
	sigAddr := RandomLocalhostAddr()
	srv := signaling.NewServer(sigAddr, time.Minute, zerolog.Nop())
	if err := srv.Start(); err != nil {
		t.Fatal(err)
	}
	defer srv.Stop()
	endpoint := "http://" + sigAddr

	// the first node finds an empty registry: no seeds is an error it
	// reports, but its own registration still goes through
	first := startNode(t, node.WithSignaling(endpoint))
	if err := first.Bootstrap(t.Context()); !errors.Is(err, node.ErrNoSeeds) {
		t.Fatal(ExpectedActual(node.ErrNoSeeds, err))
	}

	// the second node must find the first through signaling
	second := startNode(t, node.WithSignaling(endpoint))
	if err := second.Bootstrap(t.Context()); err != nil {
		t.Fatal(err)
	}
	if err := second.Send(t.Context(), first.ID(), []byte("found you")); err != nil {
		t.Fatal(err)
	}
	d := expectDelivery(t, first, 3*time.Second)
	if d.From != second.ID() {
		t.Fatal(ExpectedActual(second.ID().Short(), d.From.Short()))
	}

	t.Run("bootstrap without endpoints is refused", func(t *testing.T) {
		lone := startNode(t)
		if err := lone.Bootstrap(t.Context()); !errors.Is(err, signaling.ErrNoEndpoints) {
			t.Fatal(ExpectedActual(signaling.ErrNoEndpoints, err))
		}
	})
}
