package node

import (
	"context"
	"sync"

	"github.com/p2pweave/weave"
	"golang.org/x/sync/errgroup"
)

// maxLookupRounds caps a lookup that keeps discovering marginally closer
// contacts. A healthy network converges in far fewer rounds.
const maxLookupRounds = 16

// Lookup runs the iterative search: query the alpha closest known contacts
// to the target in parallel, fold their answers into the candidate
// frontier, and repeat while rounds keep producing closer candidates.
// Returns up to bucketSize of the closest contacts that actually answered.
func (n *Node) Lookup(ctx context.Context, target weave.Address) []weave.Contact {
	self := n.id.NodeID()

	var mu sync.Mutex
	candidates := make(map[weave.NodeID]weave.Contact)
	queried := make(map[weave.NodeID]bool)
	responded := make(map[weave.NodeID]weave.Contact)

	for _, c := range n.table.Closest(target, n.bucketSize) {
		candidates[c.ID] = c
	}

	// frontier returns the closest unqueried candidates, at most alpha
	frontier := func() []weave.Contact {
		mu.Lock()
		defer mu.Unlock()
		out := make([]weave.Contact, 0, len(candidates))
		for id, c := range candidates {
			if !queried[id] {
				out = append(out, c)
			}
		}
		weave.SortByDistance(out, target)
		if len(out) > n.alpha {
			out = out[:n.alpha]
		}
		return out
	}

	closest := func() (weave.Address, bool) {
		mu.Lock()
		defer mu.Unlock()
		best, found := weave.Address{}, false
		for id := range responded {
			if !found || weave.CompareDistance(id, best, target) < 0 {
				best, found = id, true
			}
		}
		return best, found
	}

	prevBest, prevFound := weave.Address{}, false
	for round := 0; round < maxLookupRounds; round++ {
		batch := frontier()
		if len(batch) == 0 {
			break
		}
		if ctx.Err() != nil {
			break
		}

		eg, qctx := errgroup.WithContext(ctx)
		for _, c := range batch {
			mu.Lock()
			queried[c.ID] = true
			mu.Unlock()
			eg.Go(func() error {
				found, err := n.findNode(qctx, c, target)
				if err != nil {
					// a silent contact is a liveness miss already
					// recorded by findNode; it simply drops out of
					// the result set
					return nil
				}
				mu.Lock()
				responded[c.ID] = c
				for _, d := range found {
					if d.ID == self {
						continue
					}
					if _, ok := candidates[d.ID]; !ok {
						candidates[d.ID] = d
					}
				}
				mu.Unlock()
				return nil
			})
		}
		eg.Wait()

		best, found := closest()
		if found && prevFound && weave.CompareDistance(best, prevBest, target) >= 0 {
			// the round produced nothing closer
			break
		}
		prevBest, prevFound = best, found
	}

	n.table.Touch(weave.BucketIndex(self, target))

	out := make([]weave.Contact, 0, len(responded))
	mu.Lock()
	for _, c := range responded {
		out = append(out, c)
	}
	mu.Unlock()
	weave.SortByDistance(out, target)
	if len(out) > n.bucketSize {
		out = out[:n.bucketSize]
	}
	return out
}
