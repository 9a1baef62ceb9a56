/*
Package signaling implements the rendezvous service new nodes use to find
their first peers: a small HTTP API where running nodes register their
contact records and joiners fetch a seed list. The service is not part of
the overlay; once a node has bootstrapped it no longer needs signaling.
*/
package signaling

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humago"
	"github.com/p2pweave/weave"
	"github.com/p2pweave/weave/internal/expiring"
	"github.com/rs/zerolog"
)

const (
	// EPPeers is the peer registry endpoint.
	EPPeers = "/peers"

	apiName    = "weave-signaling"
	apiVersion = "1.0.0"

	// DefaultRegistrationTTL is how long a registration lives without
	// renewal.
	DefaultRegistrationTTL = 10 * time.Minute
)

// A PeerRecord is the wire form of a contact record.
type PeerRecord struct {
	ID   string `json:"id" required:"true" doc:"base58-encoded node id"`
	Addr string `json:"addr" required:"true" example:"203.0.113.7:4800" doc:"host:port the node listens on"`
}

// Request for POST /peers. Registers (or renews) one contact record.
type RegisterReq struct {
	Body PeerRecord
}

// Response for POST /peers.
type RespRegister struct {
	Body struct {
		TTLSeconds int `json:"ttl_seconds" doc:"seconds until the registration expires without renewal"`
	}
}

// Response for GET /peers.
type RespPeers struct {
	Body struct {
		Peers []PeerRecord `json:"peers"`
	}
}

// Server is a standalone signaling service.
type Server struct {
	log  zerolog.Logger
	addr string
	ttl  time.Duration

	mux  *http.ServeMux
	api  huma.API
	http http.Server

	peers expiring.Table[string, PeerRecord]
}

// NewServer builds a signaling server bound to addr. ttl <= 0 uses
// DefaultRegistrationTTL.
func NewServer(addr string, ttl time.Duration, log zerolog.Logger) *Server {
	if ttl <= 0 {
		ttl = DefaultRegistrationTTL
	}
	s := &Server{
		log:  log.With().Str("component", "signaling").Str("address", addr).Logger(),
		addr: addr,
		ttl:  ttl,
		mux:  http.NewServeMux(),
	}
	s.api = humago.New(s.mux, huma.DefaultConfig(apiName, apiVersion))
	s.buildEndpoints()
	return s
}

func (s *Server) buildEndpoints() {
	huma.Register(s.api, huma.Operation{
		OperationID: "register-peer",
		Method:      http.MethodPost,
		Path:        EPPeers,
		Summary:     "Register or renew a contact record",
	}, func(ctx context.Context, req *RegisterReq) (*RespRegister, error) {
		if _, err := weave.AddressFromString(req.Body.ID); err != nil {
			return nil, huma.Error422UnprocessableEntity("bad node id", err)
		}
		if req.Body.Addr == "" {
			return nil, huma.Error422UnprocessableEntity("empty dial address")
		}
		s.peers.Store(req.Body.ID, req.Body, s.ttl)
		s.log.Debug().Str("id", req.Body.ID).Str("addr", req.Body.Addr).Msg("peer registered")

		resp := &RespRegister{}
		resp.Body.TTLSeconds = int(s.ttl.Seconds())
		return resp, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "list-peers",
		Method:      http.MethodGet,
		Path:        EPPeers,
		Summary:     "Fetch the current seed list",
	}, func(ctx context.Context, _ *struct{}) (*RespPeers, error) {
		resp := &RespPeers{}
		resp.Body.Peers = s.peers.Snapshot()
		return resp, nil
	})
}

// Start spins up the http listener. Includes a small delay so the server is
// ready by the time this returns.
func (s *Server) Start() error {
	s.log.Info().Msg("listening...")
	s.http = http.Server{
		Addr:    s.addr,
		Handler: s.mux,
	}
	go s.http.ListenAndServe()
	time.Sleep(600 * time.Millisecond)
	return nil
}

// Stop closes the http server.
func (s *Server) Stop() {
	err := s.http.Close()
	s.log.Info().AnErr("close error", err).Msg("killed http server")
}
