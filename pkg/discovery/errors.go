package discovery

import "errors"

// Errors surfaced by the Command API (spec.md §7).
var (
	ErrNoKnownPeers = errors.New("discovery: no known peers to bootstrap from")
	ErrPeerBanned   = errors.New("discovery: peer is banned")
	ErrPeerTimedOut = errors.New("discovery: peer discovery timed out")
	ErrNoPeersFound = errors.New("discovery: no peers found")
	ErrQueryTimedOut = errors.New("discovery: query timed out")
)
