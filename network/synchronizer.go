package network

import (
	"errors"

	"github.com/ac-dcz/flexible-hbbft/config"
	"github.com/ac-dcz/flexible-hbbft/messages"
	"github.com/ac-dcz/flexible-hbbft/store"
)

// ErrSyncPending is returned by BlockRequest when the block was not found
// locally and a SyncRequest has been dispatched; the caller should treat
// this the same as the original's Option::None and retry once a SyncReply
// restarts process_rbc_output.
var ErrSyncPending = errors.New("network: sync request pending")

// Synchronizer resolves a committed (epoch, height) to its block, fetching
// it from the network's store-on-demand path when not held locally —
// mirroring light.OdrBackend's Retrieve pattern (light/odr_util.go) but
// for consensus blocks instead of chain headers/state.
type Synchronizer struct {
	self      config.NodeId
	committee config.Committee
	store     store.Store
	filter    Filter
}

// NewSynchronizer builds a Synchronizer over store, issuing SyncRequest
// messages through filter when a block isn't held locally.
func NewSynchronizer(self config.NodeId, committee config.Committee, st store.Store, filter Filter) *Synchronizer {
	return &Synchronizer{self: self, committee: committee, store: st, filter: filter}
}

// BlockRequest returns the block at (epoch, height) if locally available.
// Otherwise it broadcasts a SyncRequest and returns ErrSyncPending; the
// caller must retry once the corresponding SyncReply has been stored.
func (s *Synchronizer) BlockRequest(epoch, height uint64) (*messages.Block, error) {
	block, err := s.store.Read(epoch, height)
	if err == nil {
		return block, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	msg := &messages.ConsensusMessage{
		Kind: messages.KindSyncRequest,
		SyncRequest: &messages.SyncRequest{
			Epoch:  epoch,
			Height: height,
			Sender: s.self,
		},
	}
	if broadcastErr := s.filter.Broadcast(msg); broadcastErr != nil {
		return nil, broadcastErr
	}
	return nil, ErrSyncPending
}

// HandleSyncRequest answers req by sending a SyncReply if the requested
// block is locally available; a miss is silently ignored, exactly as the
// original core only replies when it actually holds the block.
func (s *Synchronizer) HandleSyncRequest(req *messages.SyncRequest) error {
	block, err := s.store.Read(req.Epoch, req.Height)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	reply := &messages.ConsensusMessage{Kind: messages.KindSyncReply, SyncReply: block}
	return s.filter.Send(req.Sender, reply)
}

// HandleSyncReply persists a block delivered in response to our own
// SyncRequest so a subsequent BlockRequest for the same rank succeeds.
func (s *Synchronizer) HandleSyncReply(block *messages.Block) error {
	return s.store.Write(block.Epoch, block.Height, block)
}
