package config

import "testing"

func testCommittee(n int) Committee {
	members := make([]Member, n)
	for i := 0; i < n; i++ {
		members[i] = Member{Id: NodeId{byte(i + 1)}, Stake: 1}
	}
	return Committee{Members: members}
}

func TestThresholdsEqualStake(t *testing.T) {
	tests := []struct {
		n              int
		wantQuorum     Stake
		wantRandomCoin Stake
	}{
		{n: 4, wantQuorum: 3, wantRandomCoin: 2},
		{n: 7, wantQuorum: 5, wantRandomCoin: 3},
		{n: 10, wantQuorum: 7, wantRandomCoin: 4},
	}
	for _, tt := range tests {
		c := testCommittee(tt.n)
		if got := c.QuorumThreshold(); got != tt.wantQuorum {
			t.Errorf("n=%d: QuorumThreshold() = %d, want %d", tt.n, got, tt.wantQuorum)
		}
		if got := c.RandomCoinThreshold(); got != tt.wantRandomCoin {
			t.Errorf("n=%d: RandomCoinThreshold() = %d, want %d", tt.n, got, tt.wantRandomCoin)
		}
	}
}

func TestRankIsTotalOrder(t *testing.T) {
	c := testCommittee(4)
	if got := Rank(0, 0, c); got != 0 {
		t.Fatalf("Rank(0,0) = %d, want 0", got)
	}
	if got := Rank(0, 3, c); got != 3 {
		t.Fatalf("Rank(0,3) = %d, want 3", got)
	}
	if got := Rank(1, 0, c); got != 4 {
		t.Fatalf("Rank(1,0) = %d, want 4", got)
	}
	if Rank(1, 0, c) <= Rank(0, 3, c) {
		t.Fatalf("rank must strictly increase across epoch boundaries")
	}
}

func TestCommitteeIdAndStakeOf(t *testing.T) {
	c := testCommittee(4)
	for i, m := range c.Members {
		if got := c.Id(m.Id); got != i {
			t.Errorf("Id(%v) = %d, want %d", m.Id, got, i)
		}
		if got := c.StakeOf(m.Id); got != 1 {
			t.Errorf("StakeOf(%v) = %d, want 1", m.Id, got)
		}
	}
	unknown := NodeId{0xff}
	if got := c.Id(unknown); got != -1 {
		t.Errorf("Id(unknown) = %d, want -1", got)
	}
	if got := c.StakeOf(unknown); got != 0 {
		t.Errorf("StakeOf(unknown) = %d, want 0", got)
	}
}
