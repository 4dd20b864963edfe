package crypto

import (
	"encoding/binary"
	"errors"

	"go.dedis.ch/kyber/v3/pairing/bn256"
	"go.dedis.ch/kyber/v3/share"
	"go.dedis.ch/kyber/v3/sign/tbls"
)

// ErrNotEnoughShares is returned when Recover is called with fewer partial
// signatures than the random-coin threshold requires.
var ErrNotEnoughShares = errors.New("crypto: not enough signature shares to recover")

var thresholdSuite = bn256.NewSuite()

// ThresholdKeys is the key material a trusted dealer hands out during
// committee setup: one private share per member plus the public polynomial
// everyone uses to recover and verify combined signatures. Distributed key
// generation is out of scope here; this mirrors how the teacher's genesis
// config pre-distributes validator key material rather than deriving it
// on-line.
type ThresholdKeys struct {
	Shares []*share.PriShare
	Public *share.PubPoly
}

// GenerateThresholdKeys runs a single-dealer Shamir split of a fresh secret
// over bn256's G2 group, producing n shares recoverable with any t of them —
// the local-testing analogue of threshold_crypto::SecretKeySet::random from
// the original implementation.
func GenerateThresholdKeys(n, t int) (*ThresholdKeys, error) {
	secret := thresholdSuite.G2().Scalar().Pick(thresholdSuite.RandomStream())
	priPoly := share.NewPriPoly(thresholdSuite.G2(), t, secret, thresholdSuite.RandomStream())
	pubPoly := priPoly.Commit(thresholdSuite.G2().Point().Base())
	return &ThresholdKeys{
		Shares: priPoly.Shares(n),
		Public: pubPoly,
	}, nil
}

// ThresholdService holds one committee member's private share of the common
// coin key and the public polynomial needed to recombine shares into a full
// signature.
type ThresholdService struct {
	share     *share.PriShare
	public    *share.PubPoly
	threshold int
	n         int
}

// NewThresholdService builds the service for a single member given its
// private share, the public polynomial, and the committee's
// random_coin_threshold / size.
func NewThresholdService(priShare *share.PriShare, public *share.PubPoly, threshold, n int) *ThresholdService {
	return &ThresholdService{share: priShare, public: public, threshold: threshold, n: n}
}

// Sign produces this member's partial signature over msg — the
// "RandomnessShare" payload broadcast once a node reaches MUX_PHASE
// agreement.
func (s *ThresholdService) Sign(msg []byte) ([]byte, error) {
	return tbls.Sign(thresholdSuite, s.share, msg)
}

// Recover combines random_coin_threshold partial signatures into the full
// threshold signature, failing if fewer than the threshold were supplied.
func (s *ThresholdService) Recover(msg []byte, shares [][]byte) ([]byte, error) {
	if len(shares) < s.threshold {
		return nil, ErrNotEnoughShares
	}
	return tbls.Recover(thresholdSuite, s.public, msg, shares, s.threshold, s.n)
}

// MarshalShare encodes one member's private share as [index:2][scalar...],
// the on-disk form distributed alongside a node's secp256k1 key at setup
// time (committee-wide distributed key generation is out of scope; see
// GenerateThresholdKeys).
func MarshalShare(s *share.PriShare) ([]byte, error) {
	scalarBytes, err := s.V.MarshalBinary()
	if err != nil {
		return nil, err
	}
	out := make([]byte, 2+len(scalarBytes))
	binary.BigEndian.PutUint16(out[:2], uint16(s.I))
	copy(out[2:], scalarBytes)
	return out, nil
}

// UnmarshalShare is the inverse of MarshalShare.
func UnmarshalShare(data []byte) (*share.PriShare, error) {
	if len(data) < 2 {
		return nil, errors.New("crypto: short share encoding")
	}
	scalar := thresholdSuite.G2().Scalar()
	if err := scalar.UnmarshalBinary(data[2:]); err != nil {
		return nil, err
	}
	return &share.PriShare{I: int(binary.BigEndian.Uint16(data[:2])), V: scalar}, nil
}

// Coin derives the common-coin bit from a recovered threshold signature:
// the big-endian uint64 formed from its first eight bytes, reduced mod 2.
// This is byte-for-byte what the original Rust core computes over the
// combined signature's serialized bytes.
func Coin(sig []byte) uint64 {
	if len(sig) < 8 {
		var padded [8]byte
		copy(padded[8-len(sig):], sig)
		return binary.BigEndian.Uint64(padded[:]) % 2
	}
	return binary.BigEndian.Uint64(sig[0:8]) % 2
}
