// Package config holds the committee membership and tunable parameters the
// consensus engine is configured with.
package config

import (
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/naoina/toml"
	"gopkg.in/yaml.v3"
)

// Stake is a non-negative integer share of a node's voting weight.
type Stake = uint64

// NodeId is the stable committee-member identifier. It is the 20-byte
// address derived from a node's secp256k1 verifying key.
type NodeId = common.Address

// Parameters are the tunable knobs listed in the external-interfaces table:
// payload bound, proposal rate limit, fallback lookahead and the no-propose
// floor.
type Parameters struct {
	MaxPayloadSize int    `toml:"max_payload_size"`
	MinBlockDelay  uint64 `toml:"min_block_delay"` // milliseconds
	Fallback       uint64 `toml:"fallback"`        // epochs
	Fault          uint64 `toml:"fault"`           // committee-id floor
	Exp            int    `toml:"exp"`             // >0 enables mempool.Verify on inbound VAL
}

// DefaultParameters mirror the teacher's pattern of shipping sane config
// defaults (cmd/berith/config.go) rather than forcing every field.
func DefaultParameters() Parameters {
	return Parameters{
		MaxPayloadSize: 500_000,
		MinBlockDelay:  100,
		Fallback:       3,
		Fault:          0,
		Exp:            0,
	}
}

// LoadParameters reads Parameters from a TOML file the same way
// cmd/berith/config.go reads the node's TOML config, using naoina/toml so
// struct-tag keys round-trip byte for byte.
func LoadParameters(path string) (Parameters, error) {
	params := DefaultParameters()
	f, err := os.Open(path)
	if err != nil {
		return params, err
	}
	defer f.Close()

	if err := toml.NewDecoder(f).Decode(&params); err != nil {
		return params, err
	}
	return params, nil
}

// Member describes one committee participant: its stable id, voting weight
// and the public key material used to verify its signatures and threshold
// coin shares.
type Member struct {
	Id          NodeId `yaml:"id"`
	Stake       Stake  `yaml:"stake"`
	VerifyKey   []byte `yaml:"verify_key"`   // secp256k1 compressed public key
	ThresholdPK []byte `yaml:"threshold_pk"` // BLS (bn256) public-key share
}

// Committee is the immutable membership for a run of the protocol: a fixed
// ordered list of members (height == index), their stakes, and the
// thresholds derived from total stake.
type Committee struct {
	Members []Member `yaml:"members"`
}

// CommitteeFile is the on-disk shape loaded via YAML — the analogue of the
// teacher's genesis file, but for committee membership rather than chain
// genesis state.
type CommitteeFile struct {
	Committee Committee `yaml:"committee"`
}

// LoadCommittee reads a Committee from a YAML descriptor.
func LoadCommittee(path string) (Committee, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Committee{}, err
	}
	var cf CommitteeFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return Committee{}, err
	}
	return cf.Committee, nil
}

// Size returns N, the committee size.
func (c Committee) Size() int { return len(c.Members) }

// TotalStake sums every member's stake.
func (c Committee) TotalStake() Stake {
	var total Stake
	for _, m := range c.Members {
		total += m.Stake
	}
	return total
}

// Id returns the committee index (height) of a node, or -1 if the node is
// not a member.
func (c Committee) Id(node NodeId) int {
	for i, m := range c.Members {
		if m.Id == node {
			return i
		}
	}
	return -1
}

// StakeOf returns the voting weight of a node, 0 if unknown.
func (c Committee) StakeOf(node NodeId) Stake {
	if i := c.Id(node); i >= 0 {
		return c.Members[i].Stake
	}
	return 0
}

// QuorumThreshold is the stake-weighted equivalent of 2f+1 of N: strictly
// more than two thirds of total stake.
func (c Committee) QuorumThreshold() Stake {
	total := c.TotalStake()
	return total - (total-1)/3
}

// RandomCoinThreshold is the stake-weighted equivalent of f+1 of N: the
// Bracha amplification / coin-share threshold.
func (c Committee) RandomCoinThreshold() Stake {
	total := c.TotalStake()
	return (total-1)/3 + 1
}

// Rank gives the total order over (epoch, height): e*N + h.
func Rank(epoch, height uint64, committee Committee) uint64 {
	return epoch*uint64(committee.Size()) + height
}
