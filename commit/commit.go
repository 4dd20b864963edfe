// Package commit implements the bounded ring buffer that turns sealed RBC
// outcomes into a strictly rank-ordered commit stream.
package commit

import (
	"sync"

	"github.com/ac-dcz/flexible-hbbft/config"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"
)

// Output is one emitted commit-stream entry: the payload digests of a
// committed block, or an empty Payload for an excluded rank.
type Output struct {
	Payload []common.Hash
	Epoch   uint64
	Height  uint64
}

type slot struct {
	settled bool
	rank    uint64
	output  Output
}

// Commitor is the bounded ring described in spec.md §4.6: buffer_block
// deposits a delivered block, filter_block marks a rank excluded, and the
// buffer drains strictly-increasing ranks to both a Go channel and an
// event.Feed as soon as they are settled.
type Commitor struct {
	mu       sync.Mutex
	capacity uint64
	slots    []slot
	next     uint64 // next rank to drain, in absolute rank space
	out      chan Output
	feed     event.Feed
}

// NewCommitor builds a Commitor with the given ring capacity. capacity must
// exceed the controller's fallback window, per spec.md §4.6.
func NewCommitor(capacity int) *Commitor {
	return &Commitor{
		capacity: uint64(capacity),
		slots:    make([]slot, capacity),
		out:      make(chan Output, capacity),
	}
}

// Output exposes the drained commit-stream channel.
func (c *Commitor) Output() <-chan Output { return c.out }

// HighWaterRank reports the next rank the buffer expects to drain, i.e. one
// past the highest rank emitted so far.
func (c *Commitor) HighWaterRank() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.next
}

// Subscribe registers ch to receive every drained Output via the
// underlying event.Feed, for consumers that prefer the feed/subscription
// idiom over reading the channel directly.
func (c *Commitor) Subscribe(ch chan<- Output) event.Subscription {
	return c.feed.Subscribe(ch)
}

// BufferBlock deposits a delivered block's payload at its rank.
func (c *Commitor) BufferBlock(epoch, height uint64, committee config.Committee, payload []common.Hash) {
	c.settle(epoch, height, committee, payload)
}

// FilterBlock marks (epoch, height) as excluded, draining an empty payload
// at its rank.
func (c *Commitor) FilterBlock(epoch, height uint64, committee config.Committee) {
	c.settle(epoch, height, committee, nil)
}

func (c *Commitor) settle(epoch, height uint64, committee config.Committee, payload []common.Hash) {
	rank := config.Rank(epoch, height, committee)
	idx := rank % c.capacity

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.slots[idx].settled && c.slots[idx].rank == rank {
		return // already settled; idempotent under duplicate delivery/exclusion
	}
	c.slots[idx] = slot{
		settled: true,
		rank:    rank,
		output:  Output{Payload: payload, Epoch: epoch, Height: height},
	}
	c.drain(rank)
}

// drain emits every settled slot starting at c.next, in rank order, stopping
// at the first unsettled slot.
func (c *Commitor) drain(highWater uint64) {
	for c.next <= highWater {
		idx := c.next % c.capacity
		s := c.slots[idx]
		if !s.settled || s.rank != c.next {
			return
		}
		c.out <- s.output
		c.feed.Send(s.output)
		c.next++
	}
}
