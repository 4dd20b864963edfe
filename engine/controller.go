package engine

import (
	"context"
	"time"

	"github.com/ac-dcz/flexible-hbbft/messages"
)

// Run is the controller's single event loop. It generates the node's first
// proposal (a bootstrap failure here is fatal, matching the original's
// panic-on-first-proposal behavior), then services inbound messages and
// commit-stream cleanups one at a time until ctx is canceled.
func (c *Controller) Run(ctx context.Context) error {
	if err := c.generateRBCProposal(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			close(c.done)
			return ctx.Err()

		case msg := <-c.inbound:
			if c.selfHght < c.params.Fault {
				// Demoted nodes below the fault floor don't participate;
				// they still serve sync replies below.
				if msg.Kind == messages.KindSyncRequest {
					c.dispatch(ctx, msg)
				}
				continue
			}
			c.dispatch(ctx, msg)

		case out := <-c.commits:
			c.mempool.Cleanup(out.Payload, out.Epoch, out.Height)
			c.cleanup(out.Epoch, out.Height)
		}
	}
}

func (c *Controller) dispatch(ctx context.Context, msg *messages.ConsensusMessage) {
	var err error
	switch msg.Kind {
	case messages.KindRBCVal:
		err = c.handleRBCVal(ctx, msg.Block)
	case messages.KindRBCEcho:
		err = c.handleRBCEcho(ctx, msg.Echo)
	case messages.KindRBCReady:
		err = c.handleRBCReady(ctx, msg.Ready)
	case messages.KindPrepare:
		err = c.handlePrepare(ctx, msg.Prepare)
	case messages.KindABAVal:
		err = c.handleABAVal(ctx, msg.ABAVal)
	case messages.KindABAMux:
		err = c.handleABAMux(ctx, msg.ABAVal)
	case messages.KindABACoinShare:
		err = c.handleABAShare(ctx, msg.CoinShare)
	case messages.KindABAOutput:
		err = c.handleABAOutput(ctx, msg.Output)
	case messages.KindSyncRequest:
		err = c.sync.HandleSyncRequest(msg.SyncRequest)
	case messages.KindSyncReply:
		err = c.handleSyncReply(ctx, msg.SyncReply)
	case messages.KindLoopBack:
		err = c.handleRBCVal(ctx, msg.Block)
	}
	if err != nil {
		c.log.WithError(err).Warn("dropping message after handler error")
	}
}

func (c *Controller) handleSyncReply(ctx context.Context, block *messages.Block) error {
	if err := c.sync.HandleSyncReply(block); err != nil {
		return err
	}
	return c.processRBCOutput(ctx, block.Epoch, block.Height)
}

// cleanup purges every per-instance map at or below rank(epoch, height),
// except aba_ends and prepare_flags (and rbc_epoch_outputs), which are
// retained so late messages for already-finished instances remain no-ops
// rather than restarting them.
func (c *Controller) cleanup(epoch, height uint64) {
	bound := rank(epoch, height, c.committee)
	c.agg.Cleanup(epoch, height)

	for k := range c.buffers {
		if rank(k.epoch, k.height, c.committee) <= bound {
			delete(c.buffers, k)
		}
	}
	for k := range c.rbcReady {
		if rank(k.epoch, k.height, c.committee) <= bound {
			delete(c.rbcReady, k)
		}
	}
	for k := range c.rbcProofs {
		if rank(k.epoch, k.height, c.committee) <= bound {
			delete(c.rbcProofs, k)
		}
	}
	for k := range c.abaValues {
		if rank(k.epoch, k.height, c.committee) <= bound {
			delete(c.abaValues, k)
			delete(c.abaValuesFlag, k)
		}
	}
	for k := range c.abaMuxValues {
		if rank(k.epoch, k.height, c.committee) <= bound {
			delete(c.abaMuxValues, k)
			delete(c.abaMuxFlags, k)
		}
	}
	for k := range c.abaOutputs {
		if rank(k.epoch, k.height, c.committee) <= bound {
			delete(c.abaOutputs, k)
		}
	}
}

// generateRBCProposal draws a payload batch, forms and signs this node's
// block at (epoch, selfHght), broadcasts it, applies it locally, then rate
// limits further proposals by min_block_delay.
func (c *Controller) generateRBCProposal(ctx context.Context) error {
	if c.selfHght < c.params.Fault {
		return nil
	}
	digests, err := c.mempool.Get(c.params.MaxPayloadSize)
	if err != nil {
		return err
	}
	block := &messages.Block{
		Author:  c.self,
		Epoch:   c.epoch.Load(),
		Height:  c.selfHght,
		Payload: digests,
	}
	if _, err := block.Sign(c.sigSvc); err != nil {
		return err
	}

	msg := &messages.ConsensusMessage{Kind: messages.KindRBCVal, Block: block}
	if err := c.filter.Broadcast(msg); err != nil {
		return err
	}
	if err := c.handleRBCVal(ctx, block); err != nil {
		return err
	}

	delay := time.Duration(c.params.MinBlockDelay) * time.Millisecond
	select {
	case <-time.After(delay):
	case <-ctx.Done():
	}
	return nil
}

// rbcAdvance moves to a new epoch and kicks off that epoch's proposal, the
// same "start the next proposal" step spec.md §4.2's delivery handler
// performs once quorum_threshold heights have delivered.
func (c *Controller) rbcAdvance(ctx context.Context, epoch uint64) error {
	if epoch <= c.epoch.Load() {
		return nil
	}
	c.epoch.Store(epoch)
	return c.generateRBCProposal(ctx)
}
