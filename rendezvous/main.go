/*
Standalone signaling (rendezvous) server.
Functionally a wrapper around the signaling.Server type.

Companion to the peer implementation in weaved/main.go.
*/
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/p2pweave/weave/signaling"
	"github.com/rs/zerolog"
)

func main() {
	bind := flag.String("bind", "127.0.0.1:8080", "address to serve the peer registry on")
	ttl := flag.Duration("ttl", 10*time.Minute, "registration lifetime without renewal")
	flag.Parse()

	srv := signaling.NewServer(*bind, *ttl, zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: "15:04:05",
	}).With().
		Timestamp().
		Logger().Level(zerolog.DebugLevel))

	if err := srv.Start(); err != nil {
		panic(err)
	}
	fmt.Println("Send a SIGINT to kill the program")

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt)
	<-done

	fmt.Println("SIGINT captured. Cleaning up....")
	srv.Stop()
}
