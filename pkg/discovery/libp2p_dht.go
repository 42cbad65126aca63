package discovery

import (
	"context"

	dht "github.com/libp2p/go-libp2p-kad-dht"
	kbucket "github.com/libp2p/go-libp2p-kbucket"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
)

// LibP2PDHT adapts a running *dht.IpfsDHT to the DHT collaborator interface.
type LibP2PDHT struct {
	ipfsDHT *dht.IpfsDHT
}

// NewLibP2PDHT wraps an already-constructed Kademlia DHT node.
func NewLibP2PDHT(d *dht.IpfsDHT) *LibP2PDHT {
	return &LibP2PDHT{ipfsDHT: d}
}

func (l *LibP2PDHT) AddContact(addr string) {
	info, err := peer.AddrInfoFromString(addr)
	if err != nil {
		return
	}
	l.ipfsDHT.Host().Peerstore().AddAddrs(info.ID, info.Addrs, peerstore.PermanentAddrTTL)
}

func (l *LibP2PDHT) HasKnownPeers() bool {
	return len(l.ipfsDHT.Host().Peerstore().PeersWithAddrs()) > 0
}

func (l *LibP2PDHT) Bootstrap(ctx context.Context) error {
	return l.ipfsDHT.Bootstrap(ctx)
}

func (l *LibP2PDHT) LocalAddresses(peerID string) []string {
	id, err := peer.Decode(peerID)
	if err != nil {
		return nil
	}
	addrs := l.ipfsDHT.Host().Peerstore().Addrs(id)
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.String())
	}
	return out
}

func (l *LibP2PDHT) GetClosestPeers(ctx context.Context, peerID string) ([]string, error) {
	id, err := peer.Decode(peerID)
	if err != nil {
		return nil, err
	}
	peers, err := l.ipfsDHT.GetClosestPeers(ctx, string(id))
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(peers))
	for _, p := range peers {
		out = append(out, p.String())
	}
	return out, nil
}

func (l *LibP2PDHT) LocalClosestPeers(key string, count int) []string {
	rt := l.ipfsDHT.RoutingTable()
	if rt == nil {
		return nil
	}
	peers := rt.NearestPeers(kbucket.ConvertKey(key), count)
	out := make([]string, 0, len(peers))
	for _, p := range peers {
		out = append(out, p.String())
	}
	return out
}
