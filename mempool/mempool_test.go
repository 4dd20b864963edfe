package mempool

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestSubmitThenGetAndVerify(t *testing.T) {
	m, err := NewInMemory(1024, 1<<20)
	if err != nil {
		t.Fatalf("NewInMemory: %v", err)
	}

	d1 := common.BytesToHash([]byte("payload-1"))
	d2 := common.BytesToHash([]byte("payload-2"))
	m.Submit(d1, []byte("hello"))
	m.Submit(d2, []byte("world"))

	digests, err := m.Get(1 << 20)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(digests) != 2 {
		t.Fatalf("Get returned %d digests, want 2", len(digests))
	}

	block := common.BytesToHash([]byte("block"))
	if !m.Verify(&block, []common.Hash{d1, d2}) {
		t.Fatalf("Verify should accept digests that were submitted")
	}

	unknown := common.BytesToHash([]byte("never-submitted"))
	if m.Verify(&block, []common.Hash{d1, unknown}) {
		t.Fatalf("Verify should reject a payload containing an unknown digest")
	}
}

func TestGetRespectsMaxBytes(t *testing.T) {
	m, err := NewInMemory(1024, 1<<20)
	if err != nil {
		t.Fatalf("NewInMemory: %v", err)
	}
	for i := 0; i < 10; i++ {
		m.Submit(common.BytesToHash([]byte{byte(i)}), []byte("x"))
	}

	digests, err := m.Get(3 * m.avgSize)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(digests) > 3 {
		t.Fatalf("Get(%d bytes) returned %d digests, want at most 3", 3*m.avgSize, len(digests))
	}
}

func TestCleanupDropsDigests(t *testing.T) {
	m, err := NewInMemory(1024, 1<<20)
	if err != nil {
		t.Fatalf("NewInMemory: %v", err)
	}
	d := common.BytesToHash([]byte("payload"))
	m.Submit(d, []byte("data"))

	block := common.BytesToHash([]byte("block"))
	if !m.Verify(&block, []common.Hash{d}) {
		t.Fatalf("Verify should accept the submitted digest before Cleanup")
	}

	m.Cleanup([]common.Hash{d}, 0, 0)

	if m.Verify(&block, []common.Hash{d}) {
		t.Fatalf("Verify should reject a digest dropped by Cleanup")
	}
}
