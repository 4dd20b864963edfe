// Asynchronous binary agreement: VAL/MUX sub-phases per round, the
// threshold-signed common coin, and termination amplification.
package engine

import (
	"context"

	"github.com/ac-dcz/flexible-hbbft/config"
	"github.com/ac-dcz/flexible-hbbft/messages"
)

func (c *Controller) stakeSum(set map[config.NodeId]bool) config.Stake {
	var sum config.Stake
	for id := range set {
		sum += c.committee.StakeOf(id)
	}
	return sum
}

// startABA broadcasts and locally applies this node's VAL vote for the given
// round of ABA(epoch, height): round 0 with the PREPARE-derived starting
// value, or a later round with the value carried over from the coin.
func (c *Controller) startABA(ctx context.Context, epoch, height, round uint64, val messages.Value) error {
	vote := &messages.ABAVal{Author: c.self, Epoch: epoch, Height: height, Round: round, Val: val, Phase: messages.ValPhase}
	if err := vote.Sign(c.sigSvc); err != nil {
		return err
	}
	if err := c.filter.Broadcast(&messages.ConsensusMessage{Kind: messages.KindABAVal, ABAVal: vote}); err != nil {
		return err
	}
	return c.handleABAVal(ctx, vote)
}

// handleABAVal processes an inbound VAL-phase ABAVal: records the author,
// echoes once under Bracha amplification at random_coin_threshold, and
// broadcasts MUX the first time any value passes quorum_threshold.
func (c *Controller) handleABAVal(ctx context.Context, vote *messages.ABAVal) error {
	if err := c.requireMember(vote.Author); err != nil {
		return err
	}
	if err := vote.Verify(); err != nil {
		return err
	}
	key := abaKey{vote.Epoch, vote.Height, vote.Round}
	pair := c.abaValues[key]
	idx := valueIndex(vote.Val)
	if pair[idx] == nil {
		pair[idx] = make(map[config.NodeId]bool)
	}
	if pair[idx][vote.Author] {
		return nil
	}
	pair[idx][vote.Author] = true
	c.abaValues[key] = pair

	coinThreshold := c.committee.RandomCoinThreshold()
	quorumThreshold := c.committee.QuorumThreshold()
	nums := c.stakeSum(pair[idx])

	if nums >= coinThreshold && !pair[idx][c.self] {
		echo := &messages.ABAVal{Author: c.self, Epoch: vote.Epoch, Height: vote.Height, Round: vote.Round, Val: vote.Val, Phase: messages.ValPhase}
		if err := echo.Sign(c.sigSvc); err != nil {
			return err
		}
		if err := c.filter.Broadcast(&messages.ConsensusMessage{Kind: messages.KindABAVal, ABAVal: echo}); err != nil {
			return err
		}
		pair[idx][c.self] = true
		c.abaValues[key] = pair
		nums = c.stakeSum(pair[idx])
	}

	if nums < quorumThreshold {
		return nil
	}
	flags := c.abaValuesFlag[key]
	if flags[idx] {
		return nil
	}
	firstOverall := !flags[0] && !flags[1]
	flags[idx] = true
	c.abaValuesFlag[key] = flags
	if !firstOverall {
		return nil
	}
	return c.broadcastABAMux(ctx, vote.Epoch, vote.Height, vote.Round, vote.Val)
}

func (c *Controller) broadcastABAMux(ctx context.Context, epoch, height, round uint64, val messages.Value) error {
	mux := &messages.ABAVal{Author: c.self, Epoch: epoch, Height: height, Round: round, Val: val, Phase: messages.MuxPhase}
	if err := mux.Sign(c.sigSvc); err != nil {
		return err
	}
	if err := c.filter.Broadcast(&messages.ConsensusMessage{Kind: messages.KindABAMux, ABAVal: mux}); err != nil {
		return err
	}
	return c.handleABAMux(ctx, mux)
}

// handleABAMux processes an inbound MUX-phase ABAVal, setting mux_flags per
// the classification table once mux votes across both values reach
// quorum_threshold, and broadcasting this node's coin share the first time
// any mux_flag is set.
func (c *Controller) handleABAMux(ctx context.Context, vote *messages.ABAVal) error {
	if err := c.requireMember(vote.Author); err != nil {
		return err
	}
	if err := vote.Verify(); err != nil {
		return err
	}
	key := abaKey{vote.Epoch, vote.Height, vote.Round}
	pair := c.abaMuxValues[key]
	idx := valueIndex(vote.Val)
	if pair[idx] == nil {
		pair[idx] = make(map[config.NodeId]bool)
	}
	if pair[idx][vote.Author] {
		return nil
	}
	pair[idx][vote.Author] = true
	c.abaMuxValues[key] = pair

	muxFlags := c.abaMuxFlags[key]
	if muxFlags[0] || muxFlags[1] {
		return nil
	}

	optStake := c.stakeSum(pair[valueIndex(messages.Opt)])
	pesStake := c.stakeSum(pair[valueIndex(messages.Pes)])
	quorumThreshold := c.committee.QuorumThreshold()
	if optStake+pesStake < quorumThreshold {
		return nil
	}

	valueFlags := c.abaValuesFlag[key]
	switch {
	case valueFlags[valueIndex(messages.Opt)] && valueFlags[valueIndex(messages.Pes)]:
		muxFlags[valueIndex(messages.Opt)] = optStake > 0
		muxFlags[valueIndex(messages.Pes)] = pesStake > 0
	case valueFlags[valueIndex(messages.Opt)]:
		muxFlags[valueIndex(messages.Opt)] = optStake >= quorumThreshold
	default:
		muxFlags[valueIndex(messages.Pes)] = pesStake >= quorumThreshold
	}
	c.abaMuxFlags[key] = muxFlags

	if muxFlags[0] || muxFlags[1] {
		return c.broadcastCoinShare(ctx, vote.Epoch, vote.Height, vote.Round)
	}
	return nil
}

func (c *Controller) broadcastCoinShare(ctx context.Context, epoch, height, round uint64) error {
	share := &messages.RandomnessShare{Author: c.self, Epoch: epoch, Height: height, Round: round}
	sig, err := c.threshold.Sign(share.CoinSeed())
	if err != nil {
		return err
	}
	share.Share = sig
	if err := share.Sign(c.sigSvc); err != nil {
		return err
	}
	if err := c.filter.Broadcast(&messages.ConsensusMessage{Kind: messages.KindABACoinShare, CoinShare: share}); err != nil {
		return err
	}
	return c.handleABAShare(ctx, share)
}

// handleABAShare processes an inbound coin share, combining into the common
// coin once random_coin_threshold shares are gathered and transitioning to
// either a decided output or the next round's carried value.
func (c *Controller) handleABAShare(ctx context.Context, share *messages.RandomnessShare) error {
	if err := c.requireMember(share.Author); err != nil {
		return err
	}
	if err := share.Verify(); err != nil {
		return err
	}
	coin, ready, err := c.agg.AddCoinShare(share.Author, share.Epoch, share.Height, share.Round, share.Share, share.CoinSeed(), c.threshold)
	if err != nil {
		return err
	}
	if !ready {
		return nil
	}

	key := abaKey{share.Epoch, share.Height, share.Round}
	muxFlags := c.abaMuxFlags[key]
	coinVal := messages.Value(coin)

	var carry messages.Value
	switch {
	case muxFlags[valueIndex(coinVal)] && !muxFlags[valueIndex(otherValue(coinVal))]:
		return c.processABAOutput(ctx, share.Epoch, share.Height, share.Round, coinVal)
	case muxFlags[valueIndex(otherValue(coinVal))] && !muxFlags[valueIndex(coinVal)]:
		carry = otherValue(coinVal)
	default:
		carry = coinVal
	}
	return c.abaAdvanceRound(ctx, share.Epoch, share.Height, share.Round+1, carry)
}

// processABAOutput idempotently terminates ABA(epoch, height): it ensures
// this node has broadcast its own ABAOutput, sets aba_ends, and commits or
// excludes the block according to val.
func (c *Controller) processABAOutput(ctx context.Context, epoch, height, round uint64, val messages.Value) error {
	rkey := rankKey{epoch, height}
	if c.abaEnds[rkey] {
		return nil
	}

	key := abaKey{epoch, height, round}
	outputs := c.abaOutputs[key]
	if outputs == nil {
		outputs = make(map[config.NodeId]bool)
		c.abaOutputs[key] = outputs
	}
	if !outputs[c.self] {
		out := &messages.ABAOutput{Author: c.self, Epoch: epoch, Height: height, Round: round, Val: val}
		if err := out.Sign(c.sigSvc); err != nil {
			return err
		}
		if err := c.filter.Broadcast(&messages.ConsensusMessage{Kind: messages.KindABAOutput, Output: out}); err != nil {
			return err
		}
		outputs[c.self] = true
	}
	c.abaEnds[rkey] = true

	if val == messages.Opt {
		return c.processRBCOutput(ctx, epoch, height)
	}
	c.commitor.FilterBlock(epoch, height, c.committee)
	return nil
}

// abaAdvanceRound broadcasts the carried value into the next round's VAL
// sub-phase, unless the instance has already terminated.
func (c *Controller) abaAdvanceRound(ctx context.Context, epoch, height, round uint64, val messages.Value) error {
	if c.abaEnds[rankKey{epoch, height}] {
		return nil
	}
	return c.startABA(ctx, epoch, height, round, val)
}

// handleABAOutput processes an inbound ABAOutput: records the author and,
// once random_coin_threshold distinct authors have reported, ensures this
// node has output too before terminating the instance.
func (c *Controller) handleABAOutput(ctx context.Context, out *messages.ABAOutput) error {
	if err := c.requireMember(out.Author); err != nil {
		return err
	}
	if err := out.Verify(); err != nil {
		return err
	}
	key := abaKey{out.Epoch, out.Height, out.Round}
	outputs := c.abaOutputs[key]
	if outputs == nil {
		outputs = make(map[config.NodeId]bool)
		c.abaOutputs[key] = outputs
	}
	if outputs[out.Author] {
		return nil
	}
	outputs[out.Author] = true

	if c.stakeSum(outputs) < c.committee.RandomCoinThreshold() {
		return nil
	}
	if !outputs[c.self] {
		self := &messages.ABAOutput{Author: c.self, Epoch: out.Epoch, Height: out.Height, Round: out.Round, Val: out.Val}
		if err := self.Sign(c.sigSvc); err != nil {
			return err
		}
		if err := c.filter.Broadcast(&messages.ConsensusMessage{Kind: messages.KindABAOutput, Output: self}); err != nil {
			return err
		}
		outputs[c.self] = true
	}
	return c.processABAOutput(ctx, out.Epoch, out.Height, out.Round, out.Val)
}
