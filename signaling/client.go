package signaling

import (
	"context"
	"errors"
	"fmt"

	"github.com/p2pweave/weave"
	"github.com/rs/zerolog"
	"resty.dev/v3"
)

//#region errors

var (
	ErrNoEndpoints = errors.New("no signaling endpoints configured")
	ErrAllFailed   = errors.New("every signaling endpoint failed")
)

//#endregion errors

// Client talks to one or more signaling servers. Endpoints are tried in the
// order given; a fetch stops at the first endpoint that answers.
type Client struct {
	log       zerolog.Logger
	rc        *resty.Client
	endpoints []string
}

// NewClient builds a client over the given endpoint base URLs
// (e.g. "http://203.0.113.7:8080").
func NewClient(endpoints []string, log zerolog.Logger) *Client {
	return &Client{
		log:       log.With().Str("component", "signaling client").Logger(),
		rc:        resty.New(),
		endpoints: endpoints,
	}
}

// Fetch retrieves a seed list. Endpoints are tried once each, in order; the
// first successful response wins. Malformed records are skipped, not fatal.
func (c *Client) Fetch(ctx context.Context) ([]weave.Contact, error) {
	if len(c.endpoints) == 0 {
		return nil, ErrNoEndpoints
	}
	var errs []error
	for _, ep := range c.endpoints {
		var body RespPeers
		resp, err := c.rc.R().
			SetContext(ctx).
			SetResult(&body.Body).
			Get(ep + EPPeers)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ep, err))
			continue
		}
		if resp.IsError() {
			errs = append(errs, fmt.Errorf("%s: %s", ep, resp.Status()))
			continue
		}

		contacts := make([]weave.Contact, 0, len(body.Body.Peers))
		for _, p := range body.Body.Peers {
			id, err := weave.AddressFromString(p.ID)
			if err != nil {
				c.log.Warn().Str("id", p.ID).Err(err).Msg("skipping malformed seed record")
				continue
			}
			contacts = append(contacts, weave.Contact{ID: id, Addr: p.Addr})
		}
		c.log.Debug().Str("endpoint", ep).Int("seeds", len(contacts)).Msg("fetched seed list")
		return contacts, nil
	}
	return nil, errors.Join(append([]error{ErrAllFailed}, errs...)...)
}

// Register announces the local contact record to every endpoint. Failures
// are aggregated; registration succeeds if at least one endpoint accepted.
func (c *Client) Register(ctx context.Context, self weave.Contact) error {
	if len(c.endpoints) == 0 {
		return ErrNoEndpoints
	}
	var errs []error
	accepted := 0
	for _, ep := range c.endpoints {
		resp, err := c.rc.R().
			SetContext(ctx).
			SetBody(PeerRecord{ID: self.ID.String(), Addr: self.Addr}).
			Post(ep + EPPeers)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ep, err))
			continue
		}
		if resp.IsError() {
			errs = append(errs, fmt.Errorf("%s: %s", ep, resp.Status()))
			continue
		}
		accepted++
	}
	if accepted == 0 {
		return errors.Join(append([]error{ErrAllFailed}, errs...)...)
	}
	return nil
}

// Close releases the underlying rest client.
func (c *Client) Close() {
	c.rc.Close()
}
