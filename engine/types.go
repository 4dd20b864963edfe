// Package engine is the per-node consensus controller: it drives N parallel
// RBC instances per epoch, the two-phase PREPARE classifier, and per-height
// ABA fallback, serializing every handler through a single goroutine.
package engine

import (
	"sync"
	"sync/atomic"

	"github.com/ac-dcz/flexible-hbbft/aggregator"
	"github.com/ac-dcz/flexible-hbbft/commit"
	"github.com/ac-dcz/flexible-hbbft/config"
	ourcrypto "github.com/ac-dcz/flexible-hbbft/crypto"
	"github.com/ac-dcz/flexible-hbbft/mempool"
	"github.com/ac-dcz/flexible-hbbft/messages"
	"github.com/ac-dcz/flexible-hbbft/network"
	"github.com/ac-dcz/flexible-hbbft/store"
	"github.com/sirupsen/logrus"
)

type rankKey struct{ epoch, height uint64 }
type abaKey struct{ epoch, height, round uint64 }
type rbcProofKey struct {
	epoch, height uint64
	tag           messages.RBCTag
}

// Controller owns every piece of per-instance mutable state and services
// exactly one inbound message at a time, matching the cooperative
// single-threaded scheduling model of the original actor.
type Controller struct {
	self      config.NodeId
	committee config.Committee
	params    config.Parameters

	store     store.Store
	sigSvc    *ourcrypto.SignatureService
	threshold *ourcrypto.ThresholdService
	mempool   mempool.Driver
	sync      *network.Synchronizer
	filter    network.Filter
	agg       *aggregator.Aggregator
	commitor  *commit.Commitor
	log       *logrus.Entry

	inbound chan *messages.ConsensusMessage
	commits <-chan commit.Output
	done    chan struct{}
	wg      sync.WaitGroup

	epoch    atomic.Uint64 // read from the RPC status goroutine; written only by Run's loop
	selfHght uint64        // this node's own proposing height == its committee index

	// deliveredMu guards deliveredCount, the only other piece of state a
	// diagnostics goroutine reads concurrently with Run's loop.
	deliveredMu    sync.Mutex
	deliveredCount map[uint64]int

	buffers         map[rankKey]bool
	rbcProofs       map[rbcProofKey]*messages.RBCProof
	rbcReady        map[rankKey]bool
	rbcEpochOutputs map[uint64]map[uint64]bool
	prepareFlags    map[rankKey]bool
	abaValues       map[abaKey][2]map[config.NodeId]bool
	abaValuesFlag   map[abaKey][2]bool
	abaMuxValues    map[abaKey][2]map[config.NodeId]bool
	abaMuxFlags     map[abaKey][2]bool
	abaOutputs      map[abaKey]map[config.NodeId]bool
	abaEnds         map[rankKey]bool
}

// New builds a Controller for self within committee. commitBuffer capacity
// must exceed params.Fallback (epochs), matching spec.md §4.6's requirement
// that MAX_BLOCK_BUFFER strictly exceed the fallback window's worst-case
// rank span.
func New(
	self config.NodeId,
	committee config.Committee,
	params config.Parameters,
	st store.Store,
	sigSvc *ourcrypto.SignatureService,
	threshold *ourcrypto.ThresholdService,
	mp mempool.Driver,
	synchronizer *network.Synchronizer,
	filter network.Filter,
	commitBuffer int,
) *Controller {
	commitor := commit.NewCommitor(commitBuffer)
	c := &Controller{
		self:      self,
		committee: committee,
		params:    params,
		store:     st,
		sigSvc:    sigSvc,
		threshold: threshold,
		mempool:   mp,
		sync:      synchronizer,
		filter:    filter,
		agg:       aggregator.New(committee),
		commitor:  commitor,
		log:       logrus.WithField("node", self.Hex()),

		inbound: make(chan *messages.ConsensusMessage, 4096),
		commits: commitor.Output(),
		done:    make(chan struct{}),

		selfHght: uint64(committee.Id(self)),

		buffers:         make(map[rankKey]bool),
		rbcProofs:       make(map[rbcProofKey]*messages.RBCProof),
		rbcReady:        make(map[rankKey]bool),
		rbcEpochOutputs: make(map[uint64]map[uint64]bool),
		prepareFlags:    make(map[rankKey]bool),
		abaValues:       make(map[abaKey][2]map[config.NodeId]bool),
		abaValuesFlag:   make(map[abaKey][2]bool),
		abaMuxValues:    make(map[abaKey][2]map[config.NodeId]bool),
		abaMuxFlags:     make(map[abaKey][2]bool),
		abaOutputs:      make(map[abaKey]map[config.NodeId]bool),
		abaEnds:         make(map[rankKey]bool),
		deliveredCount:  make(map[uint64]int),
	}
	return c
}

// Deliver enqueues an inbound message for the controller's single dispatch
// loop, the network filter's side of the inbox channel.
func (c *Controller) Deliver(msg *messages.ConsensusMessage) {
	c.inbound <- msg
}

// Commits exposes the controller's commit-stream output.
func (c *Controller) Commits() <-chan commit.Output { return c.commits }

// Epoch reports the controller's current epoch, for status reporting.
func (c *Controller) Epoch() uint64 { return c.epoch.Load() }

// SelfHeight reports this node's own proposing height (its committee index).
func (c *Controller) SelfHeight() uint64 { return c.selfHght }

// CommitteeSize reports the number of parallel RBC instances per epoch.
func (c *Controller) CommitteeSize() int { return c.committee.Size() }

// DeliveredCount reports how many heights of epoch have delivered their RBC
// output so far, for status reporting.
func (c *Controller) DeliveredCount(epoch uint64) int {
	c.deliveredMu.Lock()
	defer c.deliveredMu.Unlock()
	return c.deliveredCount[epoch]
}

func (c *Controller) markDelivered(epoch uint64, n int) {
	c.deliveredMu.Lock()
	c.deliveredCount[epoch] = n
	c.deliveredMu.Unlock()
}

// HighWaterRank reports the commit buffer's next-expected drain rank.
func (c *Controller) HighWaterRank() uint64 { return c.commitor.HighWaterRank() }

// requireMember rejects a vote/message whose claimed author is not a
// committee member, per spec.md §7's UnknownAuthor error kind.
func (c *Controller) requireMember(author config.NodeId) error {
	if c.committee.Id(author) == -1 {
		return messages.ErrUnknownAuthor
	}
	return nil
}

func rank(e, h uint64, committee config.Committee) uint64 { return config.Rank(e, h, committee) }

func valueIndex(v messages.Value) int { return int(v) }

func otherValue(v messages.Value) messages.Value {
	if v == messages.Opt {
		return messages.Pes
	}
	return messages.Opt
}
