// Two-phase PREPARE classifier: PRE_ONE decides fast-commit vs. ambiguous,
// PRE_TWO decides fast-exclude vs. needs-ABA.
package engine

import (
	"context"

	"github.com/ac-dcz/flexible-hbbft/messages"
)

// invokePrepare starts this node's PRE_ONE vote for (epoch, height), gated
// so it only happens once per instance whether triggered by RBC delivery or
// by the fallback window.
func (c *Controller) invokePrepare(ctx context.Context, epoch, height uint64, val messages.Value) error {
	key := rankKey{epoch, height}
	if c.prepareFlags[key] {
		return nil
	}
	c.prepareFlags[key] = true

	vote := &messages.Prepare{Author: c.self, Epoch: epoch, Height: height, Phase: messages.PreOne, Val: val}
	if err := vote.Sign(c.sigSvc); err != nil {
		return err
	}
	if err := c.filter.Broadcast(&messages.ConsensusMessage{Kind: messages.KindPrepare, Prepare: vote}); err != nil {
		return err
	}
	return c.handlePrepareVote(ctx, vote)
}

// handlePrepare is the wire-message entry point for an inbound Prepare.
func (c *Controller) handlePrepare(ctx context.Context, vote *messages.Prepare) error {
	return c.handlePrepareVote(ctx, vote)
}

func (c *Controller) handlePrepareVote(ctx context.Context, vote *messages.Prepare) error {
	if err := c.requireMember(vote.Author); err != nil {
		return err
	}
	if err := vote.Verify(); err != nil {
		return err
	}
	outcome, err := c.agg.AddPrepareVote(vote.Author, vote.Epoch, vote.Height, vote.Phase, vote.Val)
	if err != nil {
		return err
	}
	if outcome == nil {
		return nil
	}

	if vote.Phase == messages.PreOne {
		if outcome.Val == messages.Opt && outcome.Flag {
			return c.processRBCOutput(ctx, vote.Epoch, vote.Height)
		}
		// (OPT,false) or (PES,false): start PRE_TWO with outcome.Val.
		return c.broadcastPrepare(ctx, vote.Epoch, vote.Height, messages.PreTwo, outcome.Val)
	}

	// PRE_TWO.
	if outcome.Val == messages.Pes && outcome.Flag {
		c.commitor.FilterBlock(vote.Epoch, vote.Height, c.committee)
		return nil
	}
	return c.startABA(ctx, vote.Epoch, vote.Height, 0, outcome.Val)
}

func (c *Controller) broadcastPrepare(ctx context.Context, epoch, height uint64, phase messages.Phase, val messages.Value) error {
	vote := &messages.Prepare{Author: c.self, Epoch: epoch, Height: height, Phase: phase, Val: val}
	if err := vote.Sign(c.sigSvc); err != nil {
		return err
	}
	if err := c.filter.Broadcast(&messages.ConsensusMessage{Kind: messages.KindPrepare, Prepare: vote}); err != nil {
		return err
	}
	return c.handlePrepareVote(ctx, vote)
}
