package node

import (
	"context"
	"time"
)

// maxBucketRefreshPerCycle bounds how many stale buckets a single
// maintenance pass will look up, so a freshly started node does not burst
// 256 lookups at once.
const maxBucketRefreshPerCycle = 3

// maintenanceLoop periodically refreshes stale buckets, probes eviction
// candidates, re-announces local topics, and renews the signaling
// registration.
func (n *Node) maintenanceLoop() {
	defer n.wg.Done()
	ticker := time.NewTicker(n.maintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.done:
			return
		case <-ticker.C:
			n.maintain()
		}
	}
}

// maintain runs one maintenance pass.
func (n *Node) maintain() {
	ctx, cancel := context.WithTimeout(context.Background(), n.maintenanceInterval)
	defer cancel()
	start := time.Now()

	// refresh buckets no lookup has touched lately by searching for a
	// random address that belongs in them
	stale := n.table.StaleBuckets(n.maintenanceInterval * 4)
	if len(stale) > maxBucketRefreshPerCycle {
		stale = stale[:maxBucketRefreshPerCycle]
	}
	for _, bucket := range stale {
		n.Lookup(ctx, n.table.RandomAddressInBucket(bucket))
	}

	// probe each bucket's eviction candidate; Ping handles the miss
	// accounting on failure
	for _, c := range n.table.Oldest() {
		if ctx.Err() != nil {
			break
		}
		n.Ping(ctx, c)
	}

	// keep our subscriptions visible to the nodes around each topic
	for _, addr := range n.localTopics() {
		if ctx.Err() != nil {
			break
		}
		n.announce(ctx, addr)
	}

	// keep our seed record fresh for joiners
	if n.signal != nil {
		if err := n.signal.Register(ctx, n.Contact()); err != nil {
			n.log.Debug().Err(err).Msg("signaling renewal failed")
		}
	}

	n.log.Debug().
		Int("stale buckets", len(stale)).
		Int("contacts", n.table.Len()).
		Dur("took", time.Since(start)).
		Msg("maintenance pass complete")
}
