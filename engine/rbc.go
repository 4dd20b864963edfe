// Bracha-style reliable broadcast: VAL, ECHO, READY and the delivery
// handler that feeds PREPARE and, eventually, the commit buffer.
package engine

import (
	"context"
	"errors"

	"github.com/ac-dcz/flexible-hbbft/config"
	"github.com/ac-dcz/flexible-hbbft/messages"
	"github.com/ac-dcz/flexible-hbbft/network"
)

// ErrUnexpectedAuthor is raised when a block's author does not match the
// committee index it was broadcast at.
var ErrUnexpectedAuthor = errors.New("engine: block author does not match height")

// handleRBCVal processes an inbound VAL(block): verifies author/signature/
// payload, stores it, and starts this node's ECHO vote. Subsequent VALs for
// an already-stored (epoch, height) are silently ignored.
func (c *Controller) handleRBCVal(ctx context.Context, block *messages.Block) error {
	key := rankKey{block.Epoch, block.Height}
	if c.buffers[key] {
		return nil
	}
	if c.committee.Id(block.Author) != int(block.Height) {
		return ErrUnexpectedAuthor
	}
	if err := block.Verify(); err != nil {
		return err
	}
	if c.params.Exp > 0 && !c.mempool.Verify(nil, block.Payload) {
		return nil
	}

	c.buffers[key] = true
	if err := c.store.Write(block.Epoch, block.Height, block); err != nil {
		return err
	}

	digest, err := block.Digest()
	if err != nil {
		return err
	}
	echo := &messages.EchoVote{Author: c.self, Epoch: block.Epoch, Height: block.Height, Digest: digest}
	if err := echo.Sign(c.sigSvc); err != nil {
		return err
	}
	if err := c.filter.Broadcast(&messages.ConsensusMessage{Kind: messages.KindRBCEcho, Echo: echo}); err != nil {
		return err
	}
	return c.handleRBCEcho(ctx, echo)
}

// handleRBCEcho processes an inbound ECHO vote. On reaching quorum it
// records the ECHO quorum proof, marks this node READY, broadcasts READY, and
// starts PREPARE(PRE_ONE, OPT).
func (c *Controller) handleRBCEcho(ctx context.Context, vote *messages.EchoVote) error {
	if err := c.requireMember(vote.Author); err != nil {
		return err
	}
	if err := vote.Verify(); err != nil {
		return err
	}
	proof, _, err := c.agg.AddEchoVote(vote.Author, vote.Epoch, vote.Height, vote.Signature)
	if err != nil {
		return err
	}
	if proof == nil {
		return nil
	}
	c.rbcProofs[rbcProofKey{vote.Epoch, vote.Height, messages.RBCEcho}] = proof

	key := rankKey{vote.Epoch, vote.Height}
	c.rbcReady[key] = true

	ready := &messages.ReadyVote{Author: c.self, Epoch: vote.Epoch, Height: vote.Height, Digest: vote.Digest}
	if err := ready.Sign(c.sigSvc); err != nil {
		return err
	}
	if err := c.filter.Broadcast(&messages.ConsensusMessage{Kind: messages.KindRBCReady, Ready: ready}); err != nil {
		return err
	}
	if err := c.invokePrepare(ctx, vote.Epoch, vote.Height, messages.Opt); err != nil {
		return err
	}
	return c.handleRBCReady(ctx, ready)
}

// handleRBCReady processes an inbound READY vote. It can fire twice: the
// random_coin_threshold amplification crossing (broadcast READY if this
// node hasn't yet) and the quorum_threshold delivery crossing
// (process_rbc_output).
func (c *Controller) handleRBCReady(ctx context.Context, vote *messages.ReadyVote) error {
	if err := c.requireMember(vote.Author); err != nil {
		return err
	}
	if err := vote.Verify(); err != nil {
		return err
	}
	key := rankKey{vote.Epoch, vote.Height}
	alreadyReady := c.rbcReady[key]

	proof, final, err := c.agg.AddReadyVote(vote.Author, vote.Epoch, vote.Height, vote.Signature)
	if err != nil {
		return err
	}
	if proof == nil {
		return nil
	}

	if !final {
		if !alreadyReady {
			c.rbcReady[key] = true
			ready := &messages.ReadyVote{Author: c.self, Epoch: vote.Epoch, Height: vote.Height, Digest: vote.Digest}
			if err := ready.Sign(c.sigSvc); err != nil {
				return err
			}
			if err := c.filter.Broadcast(&messages.ConsensusMessage{Kind: messages.KindRBCReady, Ready: ready}); err != nil {
				return err
			}
			if err := c.invokePrepare(ctx, vote.Epoch, vote.Height, messages.Opt); err != nil {
				return err
			}
			return c.handleRBCReady(ctx, ready)
		}
		return nil
	}

	c.rbcProofs[rbcProofKey{vote.Epoch, vote.Height, messages.RBCReady}] = proof
	return c.processRBCOutput(ctx, vote.Epoch, vote.Height)
}

// processRBCOutput fetches the delivered block (requesting a sync if it
// isn't held locally yet), buffers it for commit, and — once
// quorum_threshold heights of this epoch have delivered — advances the
// epoch and invokes the fallback window.
func (c *Controller) processRBCOutput(ctx context.Context, epoch, height uint64) error {
	outputs, ok := c.rbcEpochOutputs[epoch]
	if !ok {
		outputs = make(map[uint64]bool)
		c.rbcEpochOutputs[epoch] = outputs
	}
	if outputs[height] {
		return nil
	}

	block, err := c.sync.BlockRequest(epoch, height)
	if errors.Is(err, network.ErrSyncPending) {
		return nil
	}
	if err != nil {
		return err
	}

	outputs[height] = true
	c.markDelivered(epoch, len(outputs))
	c.commitor.BufferBlock(epoch, height, c.committee, block.Payload)

	var delivered config.Stake
	for h := range outputs {
		if int(h) < c.committee.Size() {
			delivered += c.committee.Members[h].Stake
		}
	}
	if delivered >= c.committee.QuorumThreshold() {
		if err := c.rbcAdvance(ctx, epoch+1); err != nil {
			return err
		}
		return c.fallback(ctx, epoch+1)
	}
	return nil
}
