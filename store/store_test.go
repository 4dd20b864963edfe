package store

import (
	"path/filepath"
	"testing"

	"github.com/ac-dcz/flexible-hbbft/config"
	"github.com/ac-dcz/flexible-hbbft/messages"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func testCommittee(n int) config.Committee {
	members := make([]config.Member, n)
	for i := 0; i < n; i++ {
		members[i] = config.Member{Id: config.NodeId{byte(i + 1)}, Stake: 1}
	}
	return config.Committee{Members: members}
}

func testBlock(author config.NodeId, epoch, height uint64) *messages.Block {
	return &messages.Block{
		Author:  author,
		Epoch:   epoch,
		Height:  height,
		Payload: []common.Hash{common.BytesToHash([]byte("payload"))},
	}
}

func TestRankKeyDistinguishesRanks(t *testing.T) {
	committee := testCommittee(4)
	a := RankKey(0, 0, committee)
	b := RankKey(0, 1, committee)
	c := RankKey(1, 0, committee)
	if string(a) == string(b) || string(b) == string(c) || string(a) == string(c) {
		t.Fatalf("RankKey collided across distinct (epoch,height) pairs")
	}
}

func runStoreRoundTrip(t *testing.T, s Store, committee config.Committee) {
	t.Helper()
	block := testBlock(committee.Members[0].Id, 2, 1)
	require.NoError(t, s.Write(2, 1, block))

	got, err := s.Read(2, 1)
	require.NoError(t, err)
	require.Equal(t, block.Epoch, got.Epoch)
	require.Equal(t, block.Height, got.Height)
	require.Equal(t, block.Author, got.Author)
	require.Equal(t, block.Payload, got.Payload)

	_, err = s.Read(9, 9)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	committee := testCommittee(4)
	s := NewMemory(committee)
	defer s.Close()
	runStoreRoundTrip(t, s, committee)
}

func TestLevelDBStoreRoundTrip(t *testing.T) {
	committee := testCommittee(4)
	dir := t.TempDir()
	s, err := OpenLevelDB(filepath.Join(dir, "blocks"), committee)
	if err != nil {
		t.Fatalf("OpenLevelDB: %v", err)
	}
	defer s.Close()
	runStoreRoundTrip(t, s, committee)
}
