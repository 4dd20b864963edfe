package commit

import (
	"testing"
	"time"

	"github.com/ac-dcz/flexible-hbbft/config"
	"github.com/ethereum/go-ethereum/common"
)

func testCommittee(n int) config.Committee {
	members := make([]config.Member, n)
	for i := 0; i < n; i++ {
		members[i] = config.Member{Id: config.NodeId{byte(i + 1)}, Stake: 1}
	}
	return config.Committee{Members: members}
}

func recv(t *testing.T, c *Commitor) Output {
	t.Helper()
	select {
	case out := <-c.Output():
		return out
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for commit output")
		return Output{}
	}
}

func TestDrainsInRankOrderAcrossEpochs(t *testing.T) {
	committee := testCommittee(4) // N=4, rank(e,h) = e*4 + h
	c := NewCommitor(16)

	d0 := common.BytesToHash([]byte("h0"))
	d1 := common.BytesToHash([]byte("h1"))
	d2 := common.BytesToHash([]byte("h2"))
	d3 := common.BytesToHash([]byte("h3"))

	// Deliver out of order within epoch 0, then one from epoch 1.
	c.BufferBlock(0, 2, committee, []common.Hash{d2})
	c.BufferBlock(0, 0, committee, []common.Hash{d0})
	c.BufferBlock(1, 0, committee, []common.Hash{d3}) // rank 4, must wait

	if got := recv(t, c); got.Height != 0 || got.Epoch != 0 {
		t.Fatalf("first drain = %+v, want (epoch 0, height 0)", got)
	}

	// height 1 still missing: nothing more should drain yet.
	select {
	case out := <-c.Output():
		t.Fatalf("drained %+v before height 1 settled", out)
	case <-time.After(50 * time.Millisecond):
	}

	// Settle the rest of epoch 0 (height 3 excluded, rank 3) so rank 4 can follow.
	c.FilterBlock(0, 3, committee)
	c.BufferBlock(0, 1, committee, []common.Hash{d1})

	if got := recv(t, c); got.Height != 1 {
		t.Fatalf("second drain = %+v, want height 1", got)
	}
	if got := recv(t, c); got.Height != 2 {
		t.Fatalf("third drain = %+v, want height 2", got)
	}
	if got := recv(t, c); got.Epoch != 0 || got.Height != 3 {
		t.Fatalf("fourth drain = %+v, want (epoch 0, height 3)", got)
	}
	if got := recv(t, c); got.Epoch != 1 || got.Height != 0 {
		t.Fatalf("fifth drain = %+v, want (epoch 1, height 0)", got)
	}
}

func TestFilterBlockEmitsEmptyPayload(t *testing.T) {
	committee := testCommittee(4)
	c := NewCommitor(16)

	c.FilterBlock(0, 0, committee)
	out := recv(t, c)
	if out.Payload != nil {
		t.Fatalf("filtered rank carried payload %v, want nil", out.Payload)
	}
	if out.Epoch != 0 || out.Height != 0 {
		t.Fatalf("filtered output = %+v, want (0,0)", out)
	}
}

func TestDuplicateSettlementIsIdempotent(t *testing.T) {
	committee := testCommittee(4)
	c := NewCommitor(16)

	digest := common.BytesToHash([]byte("dup"))
	c.BufferBlock(0, 0, committee, []common.Hash{digest})
	recv(t, c)

	// A second settlement of the already-drained rank must not enqueue again.
	c.BufferBlock(0, 0, committee, []common.Hash{digest})
	c.FilterBlock(0, 0, committee)

	select {
	case out := <-c.Output():
		t.Fatalf("duplicate settlement re-emitted %+v", out)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHighWaterRankAdvances(t *testing.T) {
	committee := testCommittee(4)
	c := NewCommitor(16)

	if got := c.HighWaterRank(); got != 0 {
		t.Fatalf("HighWaterRank() = %d before any commits, want 0", got)
	}
	c.BufferBlock(0, 0, committee, []common.Hash{common.BytesToHash([]byte("x"))})
	recv(t, c)
	if got := c.HighWaterRank(); got != 1 {
		t.Fatalf("HighWaterRank() = %d after rank 0 settled, want 1", got)
	}
}

func TestSubscribeReceivesDrainedOutputs(t *testing.T) {
	committee := testCommittee(4)
	c := NewCommitor(16)

	ch := make(chan Output, 4)
	sub := c.Subscribe(ch)
	defer sub.Unsubscribe()

	c.BufferBlock(0, 0, committee, []common.Hash{common.BytesToHash([]byte("y"))})
	recv(t, c) // drain the channel output too, since it's buffered to capacity

	select {
	case out := <-ch:
		if out.Height != 0 {
			t.Fatalf("feed output = %+v, want height 0", out)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event.Feed subscription delivery")
	}
}
