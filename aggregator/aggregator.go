// Package aggregator accumulates per-(epoch, height[, round, phase]) votes
// and signature shares into quorum proofs, firing each threshold crossing
// exactly once.
package aggregator

import (
	"errors"

	"github.com/ac-dcz/flexible-hbbft/config"
	ourcrypto "github.com/ac-dcz/flexible-hbbft/crypto"
	"github.com/ac-dcz/flexible-hbbft/messages"
	mapset "github.com/deckarep/golang-set/v2"
)

// ErrAuthorityReuse is raised when the same author casts a second vote into
// an aggregator that has already recorded one from it.
var ErrAuthorityReuse = errors.New("aggregator: author already voted")

type rbcKey struct{ epoch, height uint64 }
type abaKey struct{ epoch, height, round uint64 }
type prepareKey struct {
	epoch, height uint64
	phase         messages.Phase
}

// rbcProofMaker accumulates ECHO or READY votes for one (epoch, height),
// enforcing one vote per author and firing once per threshold crossing
// requested of it.
type rbcProofMaker struct {
	tag      messages.RBCTag
	used     mapset.Set[config.NodeId]
	votes    []messages.AuthorSig
	weight   config.Stake
	quorum   config.Stake
	coin     config.Stake
	quorumFired bool
	coinFired   bool
}

func newRBCProofMaker(tag messages.RBCTag, quorum, coin config.Stake) *rbcProofMaker {
	return &rbcProofMaker{
		tag:    tag,
		used:   mapset.NewSet[config.NodeId](),
		quorum: quorum,
		coin:   coin,
	}
}

// append records a vote and returns a proof for every threshold it newly
// crosses: READY aggregators can fire twice (coin threshold, then quorum);
// ECHO aggregators only have a quorum threshold and fire once. final reports
// whether the returned proof is the quorum/delivery crossing, as opposed to
// READY's earlier amplification crossing.
func (m *rbcProofMaker) append(author config.NodeId, stake config.Stake, sig []byte, epoch, height uint64) (proof *messages.RBCProof, final bool, err error) {
	if m.used.Contains(author) {
		return nil, false, ErrAuthorityReuse
	}
	m.used.Add(author)
	m.votes = append(m.votes, messages.AuthorSig{Author: author, Signature: sig})
	m.weight += stake

	if m.tag == messages.RBCReady && !m.coinFired && m.weight >= m.coin && m.weight < m.quorum {
		m.coinFired = true
		return m.snapshot(epoch, height), false, nil
	}
	if !m.quorumFired && m.weight >= m.quorum {
		m.quorumFired = true
		m.coinFired = true
		return m.snapshot(epoch, height), true, nil
	}
	return nil, false, nil
}

func (m *rbcProofMaker) snapshot(epoch, height uint64) *messages.RBCProof {
	votes := make([]messages.AuthorSig, len(m.votes))
	copy(votes, m.votes)
	return &messages.RBCProof{Epoch: epoch, Height: height, Tag: m.tag, Votes: votes}
}

// prepareMaker accumulates PRE_ONE or PRE_TWO votes for one (epoch, height),
// classifying the outcome once total stake reaches quorum.
type prepareMaker struct {
	used   mapset.Set[config.NodeId]
	optnum config.Stake
	pesnum config.Stake
	total  config.Stake
	quorum config.Stake
	fired  bool
}

func newPrepareMaker(quorum config.Stake) *prepareMaker {
	return &prepareMaker{used: mapset.NewSet[config.NodeId](), quorum: quorum}
}

// PrepareOutcome is the classified decision a prepareMaker emits once, the
// instant total observed stake reaches quorum.
type PrepareOutcome struct {
	Val  messages.Value
	Flag bool
}

func (m *prepareMaker) append(author config.NodeId, stake config.Stake, val messages.Value, phase messages.Phase) (*PrepareOutcome, error) {
	if m.used.Contains(author) {
		return nil, ErrAuthorityReuse
	}
	m.used.Add(author)
	if val == messages.Opt {
		m.optnum += stake
	} else {
		m.pesnum += stake
	}
	m.total += stake

	if m.fired || m.total < m.quorum {
		return nil, nil
	}
	m.fired = true

	if phase == messages.PreOne {
		switch {
		case m.optnum >= m.quorum:
			return &PrepareOutcome{Val: messages.Opt, Flag: true}, nil
		case m.optnum > 0:
			return &PrepareOutcome{Val: messages.Opt, Flag: false}, nil
		default:
			return &PrepareOutcome{Val: messages.Pes, Flag: false}, nil
		}
	}
	switch {
	case m.pesnum >= m.quorum:
		return &PrepareOutcome{Val: messages.Pes, Flag: true}, nil
	case m.pesnum > 0:
		return &PrepareOutcome{Val: messages.Pes, Flag: false}, nil
	default:
		return &PrepareOutcome{Val: messages.Opt, Flag: false}, nil
	}
}

// randomCoinMaker accumulates signature shares for one (epoch, height,
// round), combining them into the common coin once the random-coin
// threshold of distinct authors is reached.
type randomCoinMaker struct {
	used      mapset.Set[config.NodeId]
	shares    [][]byte
	weight    config.Stake
	threshold config.Stake
	fired     bool
}

func newRandomCoinMaker(threshold config.Stake) *randomCoinMaker {
	return &randomCoinMaker{used: mapset.NewSet[config.NodeId](), threshold: threshold}
}

func (m *randomCoinMaker) append(author config.NodeId, stake config.Stake, share []byte, seed []byte, combine *ourcrypto.ThresholdService) (coin uint64, ready bool, err error) {
	if m.used.Contains(author) {
		return 0, false, ErrAuthorityReuse
	}
	m.used.Add(author)
	m.shares = append(m.shares, share)
	m.weight += stake

	if m.fired || m.weight < m.threshold {
		return 0, false, nil
	}
	m.fired = true

	sig, err := combine.Recover(seed, m.shares)
	if err != nil {
		// Combine failure leaves the aggregator sealed: later shares, if
		// any arrive, are rejected by ErrAuthorityReuse or ignored by the
		// caller since fired is already true.
		return 0, false, nil
	}
	return ourcrypto.Coin(sig), true, nil
}

// Aggregator holds every live sub-aggregator for a running node. Entries are
// created lazily on first relevant vote and dropped in bulk by Cleanup.
type Aggregator struct {
	committee config.Committee

	echo    map[rbcKey]*rbcProofMaker
	ready   map[rbcKey]*rbcProofMaker
	prepare map[prepareKey]*prepareMaker
	coin    map[abaKey]*randomCoinMaker
}

// New builds an empty Aggregator for committee.
func New(committee config.Committee) *Aggregator {
	return &Aggregator{
		committee: committee,
		echo:      make(map[rbcKey]*rbcProofMaker),
		ready:     make(map[rbcKey]*rbcProofMaker),
		prepare:   make(map[prepareKey]*prepareMaker),
		coin:      make(map[abaKey]*randomCoinMaker),
	}
}

// AddEchoVote records an ECHO vote, returning a quorum RBCProof the first
// time (epoch, height) reaches quorum_threshold. final is always true for
// ECHO since it has only the one threshold.
func (a *Aggregator) AddEchoVote(author config.NodeId, epoch, height uint64, sig []byte) (proof *messages.RBCProof, final bool, err error) {
	key := rbcKey{epoch, height}
	m, ok := a.echo[key]
	if !ok {
		m = newRBCProofMaker(messages.RBCEcho, a.committee.QuorumThreshold(), a.committee.RandomCoinThreshold())
		a.echo[key] = m
	}
	return m.append(author, a.committee.StakeOf(author), sig, epoch, height)
}

// AddReadyVote records a READY vote, returning an RBCProof on both the
// amplification crossing (random_coin_threshold, final=false) and the
// delivery crossing (quorum_threshold, final=true).
func (a *Aggregator) AddReadyVote(author config.NodeId, epoch, height uint64, sig []byte) (proof *messages.RBCProof, final bool, err error) {
	key := rbcKey{epoch, height}
	m, ok := a.ready[key]
	if !ok {
		m = newRBCProofMaker(messages.RBCReady, a.committee.QuorumThreshold(), a.committee.RandomCoinThreshold())
		a.ready[key] = m
	}
	return m.append(author, a.committee.StakeOf(author), sig, epoch, height)
}

// AddPrepareVote records a PREPARE vote, returning the classified outcome
// the instant total stake reaches quorum_threshold.
func (a *Aggregator) AddPrepareVote(author config.NodeId, epoch, height uint64, phase messages.Phase, val messages.Value) (*PrepareOutcome, error) {
	key := prepareKey{epoch, height, phase}
	m, ok := a.prepare[key]
	if !ok {
		m = newPrepareMaker(a.committee.QuorumThreshold())
		a.prepare[key] = m
	}
	return m.append(author, a.committee.StakeOf(author), val, phase)
}

// AddCoinShare records a threshold-signature share, combining into the
// common coin once random_coin_threshold distinct authors have contributed.
func (a *Aggregator) AddCoinShare(author config.NodeId, epoch, height, round uint64, share, seed []byte, combine *ourcrypto.ThresholdService) (coin uint64, ready bool, err error) {
	key := abaKey{epoch, height, round}
	m, ok := a.coin[key]
	if !ok {
		m = newRandomCoinMaker(a.committee.RandomCoinThreshold())
		a.coin[key] = m
	}
	return m.append(author, a.committee.StakeOf(author), share, seed, combine)
}

// Cleanup drops every aggregator entry whose rank is at most rank(epoch,
// height), the same rank-bounded purge the epoch controller applies to its
// own per-instance state maps.
func (a *Aggregator) Cleanup(epoch, height uint64) {
	bound := config.Rank(epoch, height, a.committee)
	for k := range a.echo {
		if config.Rank(k.epoch, k.height, a.committee) <= bound {
			delete(a.echo, k)
		}
	}
	for k := range a.ready {
		if config.Rank(k.epoch, k.height, a.committee) <= bound {
			delete(a.ready, k)
		}
	}
	for k := range a.prepare {
		if config.Rank(k.epoch, k.height, a.committee) <= bound {
			delete(a.prepare, k)
		}
	}
	for k := range a.coin {
		if config.Rank(k.epoch, k.height, a.committee) <= bound {
			delete(a.coin, k)
		}
	}
}
