// Package network defines the authenticated transport and sync
// collaborators the engine consumes, and supplies in-process reference
// implementations for tests and single-process demos.
package network

import (
	"encoding/binary"
	"sync"

	"github.com/ac-dcz/flexible-hbbft/config"
	"github.com/ac-dcz/flexible-hbbft/messages"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/bloomfilter/v2"
)

// Filter is the authenticated point-to-point transport the core sends
// through; wire authentication and actual network I/O are out of scope for
// this repo and left to the caller's deployment.
type Filter interface {
	Send(to config.NodeId, msg *messages.ConsensusMessage) error
	Broadcast(msg *messages.ConsensusMessage) error
	Inbox() <-chan *messages.ConsensusMessage
}

// LocalFilter is an in-process reference Filter: it fans every Broadcast out
// to every registered peer's inbox and delivers direct Sends to a single
// peer, de-duplicating replays of a message digest with a Bloom filter, the
// same anti-replay role the teacher's transaction pool gives its own
// known-hash filter.
type LocalFilter struct {
	self  config.NodeId
	mu    sync.Mutex
	peers map[config.NodeId]chan *messages.ConsensusMessage
	seen  *bloomfilter.Filter
	inbox chan *messages.ConsensusMessage
}

// NewLocalFilterSet builds one interconnected LocalFilter per member of
// committee, keyed by NodeId.
func NewLocalFilterSet(committee config.Committee) (map[config.NodeId]*LocalFilter, error) {
	peers := make(map[config.NodeId]chan *messages.ConsensusMessage, committee.Size())
	filters := make(map[config.NodeId]*LocalFilter, committee.Size())

	for _, m := range committee.Members {
		peers[m.Id] = make(chan *messages.ConsensusMessage, 4096)
	}
	for _, m := range committee.Members {
		seen, err := bloomfilter.New(1<<20, 7)
		if err != nil {
			return nil, err
		}
		filters[m.Id] = &LocalFilter{
			self:  m.Id,
			peers: peers,
			seen:  seen,
			inbox: peers[m.Id],
		}
	}
	return filters, nil
}

func digestOf(to config.NodeId, msg *messages.ConsensusMessage) (bloomfilter.Hash, error) {
	data, err := rlp.EncodeToBytes(msg)
	if err != nil {
		return 0, err
	}
	hash := ethcrypto.Keccak256(to.Bytes(), data)
	return bloomfilter.Hash(binary.BigEndian.Uint64(hash[:8])), nil
}

// Send delivers msg to a single peer's inbox, dropping it silently if it has
// already been sent to that peer.
func (f *LocalFilter) Send(to config.NodeId, msg *messages.ConsensusMessage) error {
	ch, ok := f.peers[to]
	if !ok {
		return nil
	}
	fp, err := digestOf(to, msg)
	if err != nil {
		return err
	}
	f.mu.Lock()
	dup := f.seen.Contains(fp)
	if !dup {
		f.seen.Add(fp)
	}
	f.mu.Unlock()
	if dup {
		return nil
	}
	ch <- msg
	return nil
}

// Broadcast fans msg out to every committee member's inbox, including self.
func (f *LocalFilter) Broadcast(msg *messages.ConsensusMessage) error {
	for to := range f.peers {
		if err := f.Send(to, msg); err != nil {
			return err
		}
	}
	return nil
}

// Inbox is the channel the core's controller loop selects on.
func (f *LocalFilter) Inbox() <-chan *messages.ConsensusMessage { return f.inbox }
