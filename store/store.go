// Package store persists delivered blocks keyed by their rank.
package store

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/ac-dcz/flexible-hbbft/config"
	"github.com/ac-dcz/flexible-hbbft/messages"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/golang/snappy"
	"github.com/syndtr/goleveldb/leveldb"
)

// ErrNotFound is returned when no block is stored at the requested rank.
var ErrNotFound = errors.New("store: not found")

// Store persists and retrieves encoded blocks by their 8-byte little-endian
// rank key, exactly as spec.md §6's store layout prescribes.
type Store interface {
	Write(epoch, height uint64, block *messages.Block) error
	Read(epoch, height uint64) (*messages.Block, error)
	Close() error
}

// RankKey returns the 8-byte little-endian encoding of rank(epoch, height).
func RankKey(epoch, height uint64, committee config.Committee) []byte {
	key := make([]byte, 8)
	binary.LittleEndian.PutUint64(key, config.Rank(epoch, height, committee))
	return key
}

// LevelDB is the persistent Store backing a production node: RLP-encoded
// blocks, snappy-compressed before they hit disk, in a goleveldb database —
// the same storage stack the teacher uses for chain data.
type LevelDB struct {
	db        *leveldb.DB
	committee config.Committee
	mu        sync.Mutex
}

// OpenLevelDB opens (creating if absent) a LevelDB-backed Store at path.
func OpenLevelDB(path string, committee config.Committee) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &LevelDB{db: db, committee: committee}, nil
}

// Write RLP-encodes and snappy-compresses block, then writes it under
// rank(epoch, height)'s key.
func (s *LevelDB) Write(epoch, height uint64, block *messages.Block) error {
	data, err := rlp.EncodeToBytes(block)
	if err != nil {
		return err
	}
	compressed := snappy.Encode(nil, data)

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Put(RankKey(epoch, height, s.committee), compressed, nil)
}

// Read fetches and decodes the block at rank(epoch, height), or ErrNotFound.
func (s *LevelDB) Read(epoch, height uint64) (*messages.Block, error) {
	s.mu.Lock()
	compressed, err := s.db.Get(RankKey(epoch, height, s.committee), nil)
	s.mu.Unlock()
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	data, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, err
	}
	var block messages.Block
	if err := rlp.DecodeBytes(data, &block); err != nil {
		return nil, err
	}
	return &block, nil
}

// Close releases the underlying database handle.
func (s *LevelDB) Close() error { return s.db.Close() }

// Memory is an in-memory Store used by tests and single-process demos where
// durability across restarts is not required.
type Memory struct {
	mu        sync.Mutex
	committee config.Committee
	blocks    map[string]*messages.Block
}

// NewMemory builds an empty Memory store for committee.
func NewMemory(committee config.Committee) *Memory {
	return &Memory{committee: committee, blocks: make(map[string]*messages.Block)}
}

// Write stores block under rank(epoch, height).
func (s *Memory) Write(epoch, height uint64, block *messages.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks[string(RankKey(epoch, height, s.committee))] = block
	return nil
}

// Read fetches the block at rank(epoch, height), or ErrNotFound.
func (s *Memory) Read(epoch, height uint64) (*messages.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	block, ok := s.blocks[string(RankKey(epoch, height, s.committee))]
	if !ok {
		return nil, ErrNotFound
	}
	return block, nil
}

// Close is a no-op for Memory.
func (s *Memory) Close() error { return nil }
