// Package discovery implements a timeout-enforcing command API over an
// underlying Kademlia DHT: bootstrap, peer lookup and neighborhood queries
// with per-peer failure tracking and banning.
package discovery

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pipeops/particle-plumber/pkg/metrics"
	"github.com/sirupsen/logrus"
)

// Config bounds query latency and ban behavior.
type Config struct {
	QueryTimeout      time.Duration
	BanCooldown       time.Duration
	PeerFailThreshold int
}

func DefaultConfig() Config {
	return Config{
		QueryTimeout:      10 * time.Second,
		BanCooldown:       2 * time.Minute,
		PeerFailThreshold: 3,
	}
}

// DHT is the off-the-shelf Kademlia collaborator this Behaviour coordinates.
// Queries are blocking from the DHT's point of view; the Behaviour runs them
// on goroutines and keys their results back to pending state by query id.
type DHT interface {
	AddContact(addr string)
	HasKnownPeers() bool
	Bootstrap(ctx context.Context) error
	LocalAddresses(peerID string) []string
	GetClosestPeers(ctx context.Context, peerID string) ([]string, error)
	LocalClosestPeers(key string, count int) []string
}

// LookupResult is the outcome of a DiscoverPeer/LocalLookup command.
type LookupResult struct {
	Addresses []string
	Err       error
}

// NeighborhoodResult is the outcome of a Neighborhood/RemoteNeighborhood command.
type NeighborhoodResult struct {
	Peers []string
	Err   error
}

type queryKind int

const (
	queryPeer queryKind = iota
	queryNeighborhood
	queryBootstrap
)

type pendingQuery struct {
	kind              queryKind
	peerID            string
	replyNeighborhood chan NeighborhoodResult
	replyBootstrap    chan error
}

type pendingPeerWaiter struct {
	reply   chan LookupResult
	created time.Time
}

type failedPeer struct {
	count int
	ban   *time.Time
}

// command is the internal representation of every Command API call; the run
// loop is the sole owner of all Behaviour state.
type command interface{ isCommand() }

type cmdAddContact struct{ addr string }
type cmdBootstrap struct{ reply chan error }
type cmdLocalLookup struct {
	peerID string
	reply  chan LookupResult
}
type cmdDiscoverPeer struct {
	peerID string
	reply  chan LookupResult
}
type cmdNeighborhood struct {
	key   string
	count int
	reply chan NeighborhoodResult
}
type cmdRemoteNeighborhood struct {
	key   string
	reply chan NeighborhoodResult
}
type cmdPeerDiscovered struct{ peerID string }
type cmdBootstrapFailed struct {
	queryID string
	err     error
}

func (cmdAddContact) isCommand()         {}
func (cmdBootstrap) isCommand()          {}
func (cmdLocalLookup) isCommand()        {}
func (cmdDiscoverPeer) isCommand()       {}
func (cmdNeighborhood) isCommand()       {}
func (cmdRemoteNeighborhood) isCommand() {}
func (cmdPeerDiscovered) isCommand()     {}
func (cmdBootstrapFailed) isCommand()    {}

type queryResult struct {
	queryID      string
	peers        []string
	err          error
	numRemaining *int // set for bootstrap queries only
}

// Behaviour is the pollable Discovery state machine.
type Behaviour struct {
	dht     DHT
	config  Config
	log     *logrus.Entry
	metrics *metrics.DiscoveryMetrics

	commands chan command
	results  chan queryResult

	queries      map[string]pendingQuery
	pendingPeers map[string][]pendingPeerWaiter
	failedPeers  map[string]failedPeer

	ctx    context.Context
	cancel context.CancelFunc
}

// New starts the Behaviour's run loop and returns immediately. m may be nil,
// in which case metrics recording is a no-op.
func New(ctx context.Context, d DHT, cfg Config, log *logrus.Entry, m *metrics.DiscoveryMetrics) *Behaviour {
	runCtx, cancel := context.WithCancel(ctx)
	b := &Behaviour{
		dht:          d,
		config:       cfg,
		log:          log.WithField("component", "discovery"),
		metrics:      m,
		commands:     make(chan command, 64),
		results:      make(chan queryResult, 64),
		queries:      make(map[string]pendingQuery),
		pendingPeers: make(map[string][]pendingPeerWaiter),
		failedPeers:  make(map[string]failedPeer),
		ctx:          runCtx,
		cancel:       cancel,
	}
	go b.run()
	return b
}

// Close stops the run loop.
func (b *Behaviour) Close() { b.cancel() }

func (b *Behaviour) run() {
	wake := b.nextWakeTimer()
	defer wake.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case cmd := <-b.commands:
			b.handleCommand(cmd)
		case res := <-b.results:
			b.handleQueryResult(res)
		case <-wake.C:
			wake.Reset(b.sweep())
		}
	}
}

func (b *Behaviour) nextWakeTimer() *time.Timer {
	return time.NewTimer(b.nextWakeDuration())
}

// nextWakeDuration is the base interval used only when no entry is pending:
// min(query_timeout, ban_cooldown) per spec.md §4.6. Once entries exist,
// sweep shrinks the wake duration to the earliest deadline among them.
func (b *Behaviour) nextWakeDuration() time.Duration {
	d := b.config.QueryTimeout
	if b.config.BanCooldown < d {
		d = b.config.BanCooldown
	}
	if d <= 0 {
		d = time.Second
	}
	return d
}

// ---- Command API (spec.md §7) ----

// AddContact inserts address(es) into the DHT routing table.
func (b *Behaviour) AddContact(addr string) {
	select {
	case b.commands <- cmdAddContact{addr: addr}:
	case <-b.ctx.Done():
	}
}

// Bootstrap kicks off DHT bootstrap; replies NoKnownPeers immediately if
// there is nothing to bootstrap from, else resolves on bootstrap completion.
func (b *Behaviour) Bootstrap(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case b.commands <- cmdBootstrap{reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	case <-b.ctx.Done():
		return b.ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LocalLookup synchronously returns locally known addresses; never errors.
func (b *Behaviour) LocalLookup(ctx context.Context, peerID string) []string {
	reply := make(chan LookupResult, 1)
	select {
	case b.commands <- cmdLocalLookup{peerID: peerID, reply: reply}:
	case <-ctx.Done():
		return nil
	case <-b.ctx.Done():
		return nil
	}
	select {
	case res := <-reply:
		return res.Addresses
	case <-ctx.Done():
		return nil
	}
}

// DiscoverPeer resolves a peer's addresses, deduplicating concurrent lookups
// of the same peer into a single outstanding DHT query.
func (b *Behaviour) DiscoverPeer(ctx context.Context, peerID string) ([]string, error) {
	reply := make(chan LookupResult, 1)
	select {
	case b.commands <- cmdDiscoverPeer{peerID: peerID, reply: reply}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.ctx.Done():
		return nil, b.ctx.Err()
	}
	select {
	case res := <-reply:
		return res.Addresses, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Neighborhood is a local-only query: closest known peers to key, truncated
// to count.
func (b *Behaviour) Neighborhood(ctx context.Context, key string, count int) []string {
	reply := make(chan NeighborhoodResult, 1)
	select {
	case b.commands <- cmdNeighborhood{key: key, count: count, reply: reply}:
	case <-ctx.Done():
		return nil
	case <-b.ctx.Done():
		return nil
	}
	select {
	case res := <-reply:
		return res.Peers
	case <-ctx.Done():
		return nil
	}
}

// RemoteNeighborhood issues a get_closest_peers query against the DHT.
func (b *Behaviour) RemoteNeighborhood(ctx context.Context, key string) ([]string, error) {
	reply := make(chan NeighborhoodResult, 1)
	select {
	case b.commands <- cmdRemoteNeighborhood{key: key, reply: reply}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.ctx.Done():
		return nil, b.ctx.Err()
	}
	select {
	case res := <-reply:
		return res.Peers, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// NotifyPeerDiscovered feeds a RoutingUpdated/RoutablePeer/PendingRoutablePeer
// notification from the underlying DHT back into the Behaviour.
func (b *Behaviour) NotifyPeerDiscovered(peerID string) {
	select {
	case b.commands <- cmdPeerDiscovered{peerID: peerID}:
	case <-b.ctx.Done():
	}
}

// ---- command handling (run loop only) ----

func (b *Behaviour) handleCommand(c command) {
	switch cmd := c.(type) {
	case cmdAddContact:
		b.dht.AddContact(cmd.addr)

	case cmdBootstrap:
		if !b.dht.HasKnownPeers() {
			cmd.reply <- ErrNoKnownPeers
			return
		}
		queryID := uuid.NewString()
		b.queries[queryID] = pendingQuery{kind: queryBootstrap, replyBootstrap: cmd.reply}
		b.metrics.IncQueriesStarted()
		go b.runBootstrapQuery(queryID)

	case cmdLocalLookup:
		cmd.reply <- LookupResult{Addresses: b.dht.LocalAddresses(cmd.peerID)}

	case cmdDiscoverPeer:
		b.discoverPeer(cmd.peerID, cmd.reply)

	case cmdNeighborhood:
		peers := b.dht.LocalClosestPeers(cmd.key, cmd.count)
		cmd.reply <- NeighborhoodResult{Peers: peers}

	case cmdRemoteNeighborhood:
		queryID := uuid.NewString()
		b.queries[queryID] = pendingQuery{kind: queryNeighborhood, replyNeighborhood: cmd.reply}
		b.metrics.IncQueriesStarted()
		go b.runClosestPeersQuery(queryID, cmd.key)

	case cmdPeerDiscovered:
		b.peerDiscovered(cmd.peerID)

	case cmdBootstrapFailed:
		if q, ok := b.queries[cmd.queryID]; ok && q.replyBootstrap != nil {
			q.replyBootstrap <- cmd.err
			delete(b.queries, cmd.queryID)
		}
	}
}

func (b *Behaviour) discoverPeer(peerID string, reply chan LookupResult) {
	if local := b.dht.LocalAddresses(peerID); len(local) > 0 {
		reply <- LookupResult{Addresses: local}
		return
	}
	if fp := b.failedPeers[peerID]; fp.ban != nil {
		reply <- LookupResult{Err: ErrPeerBanned}
		return
	}

	wasEmpty := len(b.pendingPeers[peerID]) == 0
	b.pendingPeers[peerID] = append(b.pendingPeers[peerID], pendingPeerWaiter{reply: reply, created: time.Now()})

	if wasEmpty {
		queryID := uuid.NewString()
		b.queries[queryID] = pendingQuery{kind: queryPeer, peerID: peerID}
		b.metrics.IncQueriesStarted()
		go b.runClosestPeersQuery(queryID, peerID)
	}
}

func (b *Behaviour) runClosestPeersQuery(queryID, key string) {
	peers, err := b.dht.GetClosestPeers(b.ctx, key)
	select {
	case b.results <- queryResult{queryID: queryID, peers: peers, err: err}:
	case <-b.ctx.Done():
	}
}

func (b *Behaviour) runBootstrapQuery(queryID string) {
	// The Go DHT client's Bootstrap call blocks until its final bucket scan
	// completes, which is the Go analogue of num_remaining reaching zero.
	err := b.dht.Bootstrap(b.ctx)
	if err != nil {
		select {
		case b.commands <- cmdBootstrapFailed{queryID: queryID, err: err}:
		case <-b.ctx.Done():
		}
		return
	}
	remaining := 0
	select {
	case b.results <- queryResult{queryID: queryID, numRemaining: &remaining}:
	case <-b.ctx.Done():
	}
}

func (b *Behaviour) handleQueryResult(res queryResult) {
	q, ok := b.queries[res.queryID]
	if !ok {
		return
	}
	delete(b.queries, res.queryID)

	switch q.kind {
	case queryPeer:
		local := b.dht.LocalAddresses(q.peerID)
		if len(local) > 0 {
			b.resolvePendingPeer(q.peerID, LookupResult{Addresses: local})
		}
		// else: let waiters time out via the periodic sweep; more addresses
		// may still arrive through a later discovery notification.

	case queryNeighborhood:
		if q.replyNeighborhood == nil {
			return
		}
		if len(res.peers) > 0 {
			q.replyNeighborhood <- NeighborhoodResult{Peers: res.peers}
			return
		}
		if res.err != nil {
			q.replyNeighborhood <- NeighborhoodResult{Err: ErrQueryTimedOut}
			return
		}
		q.replyNeighborhood <- NeighborhoodResult{Err: ErrNoPeersFound}

	case queryBootstrap:
		if res.numRemaining != nil && *res.numRemaining == 0 && q.replyBootstrap != nil {
			q.replyBootstrap <- nil
		}
	}
}

func (b *Behaviour) resolvePendingPeer(peerID string, result LookupResult) {
	for _, w := range b.pendingPeers[peerID] {
		w.reply <- result
	}
	delete(b.pendingPeers, peerID)
}

func (b *Behaviour) peerDiscovered(peerID string) {
	if _, ok := b.pendingPeers[peerID]; ok {
		b.resolvePendingPeer(peerID, LookupResult{Addresses: b.dht.LocalAddresses(peerID)})
	}
	delete(b.failedPeers, peerID) // implicit unban on any success
}

// sweep enforces per-pending-peer timeouts and ban lifecycle, run on every
// wake-timer fire. It returns the duration to the next wake: min(query_timeout,
// ban_cooldown) shrunk to the earliest remaining deadline across every
// surviving pending-peer waiter and active ban, mirroring the original
// Kademlia behaviour's has_timed_out (original_source/crates/kademlia/src/
// behaviour.rs) so the §8 bound of 2×query_timeout for every waiter is tight
// rather than slack by up to one base wake period (spec.md §4.6).
func (b *Behaviour) sweep() time.Duration {
	now := time.Now()
	twiceTimeout := 2 * b.config.QueryTimeout
	next := b.nextWakeDuration()

	for peerID, waiters := range b.pendingPeers {
		var remaining []pendingPeerWaiter
		expiredCount := 0
		for _, w := range waiters {
			if now.Sub(w.created) >= twiceTimeout {
				w.reply <- LookupResult{Err: ErrPeerTimedOut}
				b.metrics.IncQueriesTimedOut()
				expiredCount++
			} else {
				remaining = append(remaining, w)
				if d := twiceTimeout - now.Sub(w.created); d < next {
					next = d
				}
			}
		}
		if expiredCount > 0 {
			fp := b.failedPeers[peerID]
			fp.count++
			b.failedPeers[peerID] = fp
		}
		if len(remaining) == 0 {
			delete(b.pendingPeers, peerID)
		} else {
			b.pendingPeers[peerID] = remaining
		}
	}

	for peerID, fp := range b.failedPeers {
		switch {
		case fp.ban != nil && now.Sub(*fp.ban) >= b.config.BanCooldown:
			delete(b.failedPeers, peerID)
		case fp.ban == nil && fp.count >= b.config.PeerFailThreshold:
			banAt := now
			fp.ban = &banAt
			b.failedPeers[peerID] = fp
			b.metrics.IncPeersBanned()
			if d := b.config.BanCooldown; d < next {
				next = d
			}
		case fp.ban != nil:
			if d := b.config.BanCooldown - now.Sub(*fp.ban); d < next {
				next = d
			}
		}
	}

	if next <= 0 {
		next = time.Millisecond
	}
	return next
}
