/*
Weave peer instance.
Functionally a wrapper around the node.Node type: starts a peer, bootstraps
it off the given signaling endpoint, and tails a topic to stdout.

Companion to the rendezvous implementation in rendezvous/main.go.
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/p2pweave/weave/identity"
	"github.com/p2pweave/weave/node"
	"github.com/rs/zerolog"
)

func main() {
	bind := flag.String("bind", "127.0.0.1:0", "address to listen on")
	signalEP := flag.String("signaling", "http://127.0.0.1:8080", "rendezvous endpoint")
	topicName := flag.String("topic", "lobby", "topic to subscribe to and tail")
	flag.Parse()

	id, err := identity.Generate()
	if err != nil {
		panic(err)
	}

	n := node.New(id, *bind,
		node.WithLogger(zerolog.New(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
		}).With().
			Str("node", id.NodeID().Short()).
			Timestamp().
			Logger().Level(zerolog.DebugLevel)),
		node.WithSignaling(*signalEP),
	)
	if err := n.Start(); err != nil {
		panic(err)
	}
	if err := n.Bootstrap(context.Background()); err != nil {
		// the very first peer of a network finds an empty seed list;
		// that is fine, it just waits to be found
		if !errors.Is(err, node.ErrNoSeeds) {
			panic(err)
		}
		fmt.Println("no seeds yet; running as the first peer")
	}

	sub, err := n.Subscribe(context.Background(), *topicName)
	if err != nil {
		panic(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	fmt.Printf("tailing topic %q (%s). Send a SIGINT to kill the program\n", *topicName, sub.Address().Short())

	for {
		m, err := sub.Next(ctx)
		if err != nil {
			break
		}
		fmt.Printf("[%s] %s\n", m.From.Short(), m.Payload)
	}

	fmt.Println("Cleaning up....")
	n.Stop()
}
