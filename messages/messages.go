// Package messages defines the wire types the engine exchanges — blocks,
// RBC votes, prepare votes, ABA votes and outputs, and the quorum proofs the
// aggregator assembles from them — together with their RLP encoding and
// canonical-digest signing rule.
package messages

import (
	"errors"

	"github.com/ac-dcz/flexible-hbbft/config"
	ourcrypto "github.com/ac-dcz/flexible-hbbft/crypto"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

// ErrUnknownAuthor is raised when a message's claimed author is not a
// committee member.
var ErrUnknownAuthor = errors.New("messages: unknown author")

// RBCTag discriminates an RBCProof's accumulated vote kind.
type RBCTag uint8

const (
	RBCEcho RBCTag = iota
	RBCReady
)

// Phase discriminates the two PREPARE rounds.
type Phase uint8

const (
	PreOne Phase = iota
	PreTwo
)

// ABAPhase discriminates an ABAVal's sub-phase.
type ABAPhase uint8

const (
	ValPhase ABAPhase = iota
	MuxPhase
)

// Value is the binary classification value carried by PREPARE and ABA
// messages. Pes is the zero value to match the original encoding, where
// PES=0 and OPT=1.
type Value uint8

const (
	Pes Value = iota
	Opt
)

// Block is a single author's proposal for (Epoch, Height). Height always
// equals the author's committee index.
type Block struct {
	Author    config.NodeId
	Epoch     uint64
	Height    uint64
	Payload   []common.Hash
	Signature []byte
}

func (b *Block) signingPayload() ([]byte, error) {
	return rlp.EncodeToBytes([]interface{}{b.Author, b.Epoch, b.Height, b.Payload})
}

// Digest is the canonical hash of every field but Signature.
func (b *Block) Digest() (common.Hash, error) {
	data, err := b.signingPayload()
	if err != nil {
		return common.Hash{}, err
	}
	return ethcrypto.Keccak256Hash(data), nil
}

// Sign fills in b.Signature using svc, and returns the digest signed.
func (b *Block) Sign(svc *ourcrypto.SignatureService) (common.Hash, error) {
	digest, err := b.Digest()
	if err != nil {
		return digest, err
	}
	sig, err := svc.Sign(digest)
	if err != nil {
		return digest, err
	}
	b.Signature = sig
	return digest, nil
}

// Verify checks the author's signature over the block's canonical digest.
func (b *Block) Verify() error {
	digest, err := b.Digest()
	if err != nil {
		return err
	}
	return ourcrypto.Verify(digest, b.Signature, b.Author)
}

// EchoVote is a committee member's ECHO acknowledgement of a block digest.
type EchoVote struct {
	Author    config.NodeId
	Epoch     uint64
	Height    uint64
	Digest    common.Hash
	Signature []byte
}

func (v *EchoVote) signingPayload() ([]byte, error) {
	return rlp.EncodeToBytes([]interface{}{v.Author, v.Epoch, v.Height, v.Digest})
}

func (v *EchoVote) signDigest() (common.Hash, error) {
	data, err := v.signingPayload()
	if err != nil {
		return common.Hash{}, err
	}
	return ethcrypto.Keccak256Hash(data), nil
}

// Sign fills in v.Signature using svc.
func (v *EchoVote) Sign(svc *ourcrypto.SignatureService) error {
	digest, err := v.signDigest()
	if err != nil {
		return err
	}
	sig, err := svc.Sign(digest)
	if err != nil {
		return err
	}
	v.Signature = sig
	return nil
}

// Verify checks the author's signature over the vote's canonical digest.
func (v *EchoVote) Verify() error {
	digest, err := v.signDigest()
	if err != nil {
		return err
	}
	return ourcrypto.Verify(digest, v.Signature, v.Author)
}

// ReadyVote is a committee member's READY acknowledgement of a block digest.
// It has the identical shape and verification rule as EchoVote but is a
// distinct wire type so the controller's dispatch switch stays exhaustive.
type ReadyVote struct {
	Author    config.NodeId
	Epoch     uint64
	Height    uint64
	Digest    common.Hash
	Signature []byte
}

func (v *ReadyVote) signingPayload() ([]byte, error) {
	return rlp.EncodeToBytes([]interface{}{v.Author, v.Epoch, v.Height, v.Digest})
}

func (v *ReadyVote) signDigest() (common.Hash, error) {
	data, err := v.signingPayload()
	if err != nil {
		return common.Hash{}, err
	}
	return ethcrypto.Keccak256Hash(data), nil
}

// Sign fills in v.Signature using svc.
func (v *ReadyVote) Sign(svc *ourcrypto.SignatureService) error {
	digest, err := v.signDigest()
	if err != nil {
		return err
	}
	sig, err := svc.Sign(digest)
	if err != nil {
		return err
	}
	v.Signature = sig
	return nil
}

// Verify checks the author's signature over the vote's canonical digest.
func (v *ReadyVote) Verify() error {
	digest, err := v.signDigest()
	if err != nil {
		return err
	}
	return ourcrypto.Verify(digest, v.Signature, v.Author)
}

// AuthorSig pairs a committee member with one of its votes, the unit an
// RBCProof accumulates.
type AuthorSig struct {
	Author    config.NodeId
	Signature []byte
}

// RBCProof is the quorum proof an aggregator assembles once enough ECHO or
// READY votes for (Epoch, Height) have been collected; its size equals the
// threshold that produced it.
type RBCProof struct {
	Epoch  uint64
	Height uint64
	Tag    RBCTag
	Votes  []AuthorSig
}

// Prepare carries one PRE_ONE/PRE_TWO vote for (Epoch, Height).
type Prepare struct {
	Author    config.NodeId
	Epoch     uint64
	Height    uint64
	Phase     Phase
	Val       Value
	Signature []byte
}

func (p *Prepare) signingPayload() ([]byte, error) {
	return rlp.EncodeToBytes([]interface{}{p.Author, p.Epoch, p.Height, uint8(p.Phase), uint8(p.Val)})
}

func (p *Prepare) signDigest() (common.Hash, error) {
	data, err := p.signingPayload()
	if err != nil {
		return common.Hash{}, err
	}
	return ethcrypto.Keccak256Hash(data), nil
}

// Sign fills in p.Signature using svc.
func (p *Prepare) Sign(svc *ourcrypto.SignatureService) error {
	digest, err := p.signDigest()
	if err != nil {
		return err
	}
	sig, err := svc.Sign(digest)
	if err != nil {
		return err
	}
	p.Signature = sig
	return nil
}

// Verify checks the author's signature over the vote's canonical digest.
func (p *Prepare) Verify() error {
	digest, err := p.signDigest()
	if err != nil {
		return err
	}
	return ourcrypto.Verify(digest, p.Signature, p.Author)
}

// ABAVal carries one VAL or MUX vote for ABA round Round of (Epoch, Height).
type ABAVal struct {
	Author    config.NodeId
	Epoch     uint64
	Height    uint64
	Round     uint64
	Val       Value
	Phase     ABAPhase
	Signature []byte
}

func (a *ABAVal) signingPayload() ([]byte, error) {
	return rlp.EncodeToBytes([]interface{}{a.Author, a.Epoch, a.Height, a.Round, uint8(a.Val), uint8(a.Phase)})
}

func (a *ABAVal) signDigest() (common.Hash, error) {
	data, err := a.signingPayload()
	if err != nil {
		return common.Hash{}, err
	}
	return ethcrypto.Keccak256Hash(data), nil
}

// Sign fills in a.Signature using svc.
func (a *ABAVal) Sign(svc *ourcrypto.SignatureService) error {
	digest, err := a.signDigest()
	if err != nil {
		return err
	}
	sig, err := svc.Sign(digest)
	if err != nil {
		return err
	}
	a.Signature = sig
	return nil
}

// Verify checks the author's signature over the vote's canonical digest.
func (a *ABAVal) Verify() error {
	digest, err := a.signDigest()
	if err != nil {
		return err
	}
	return ourcrypto.Verify(digest, a.Signature, a.Author)
}

// RandomnessShare is one node's partial signature contributing to the
// common coin for ABA round Round of (Epoch, Height).
type RandomnessShare struct {
	Author    config.NodeId
	Epoch     uint64
	Height    uint64
	Round     uint64
	Share     []byte // BLS (bn256) partial signature, tbls-encoded
	Signature []byte // author's secp256k1 signature over the share
}

func (r *RandomnessShare) signingPayload() ([]byte, error) {
	return rlp.EncodeToBytes([]interface{}{r.Author, r.Epoch, r.Height, r.Round, r.Share})
}

func (r *RandomnessShare) signDigest() (common.Hash, error) {
	data, err := r.signingPayload()
	if err != nil {
		return common.Hash{}, err
	}
	return ethcrypto.Keccak256Hash(data), nil
}

// CoinSeed is the message the threshold scheme signs over — fixed per round
// so every honest node's share is a partial signature over the same bytes.
func (r *RandomnessShare) CoinSeed() []byte {
	data, _ := rlp.EncodeToBytes([]interface{}{r.Epoch, r.Height, r.Round})
	return data
}

// Sign fills in r.Signature using svc (the author signature, not the
// threshold share — callers compute Share separately via
// crypto.ThresholdService.Sign).
func (r *RandomnessShare) Sign(svc *ourcrypto.SignatureService) error {
	digest, err := r.signDigest()
	if err != nil {
		return err
	}
	sig, err := svc.Sign(digest)
	if err != nil {
		return err
	}
	r.Signature = sig
	return nil
}

// Verify checks the author's signature over the share's canonical digest.
func (r *RandomnessShare) Verify() error {
	digest, err := r.signDigest()
	if err != nil {
		return err
	}
	return ourcrypto.Verify(digest, r.Signature, r.Author)
}

// ABAOutput announces a node's decided value for ABA round Round of
// (Epoch, Height).
type ABAOutput struct {
	Author    config.NodeId
	Epoch     uint64
	Height    uint64
	Round     uint64
	Val       Value
	Signature []byte
}

func (o *ABAOutput) signingPayload() ([]byte, error) {
	return rlp.EncodeToBytes([]interface{}{o.Author, o.Epoch, o.Height, o.Round, uint8(o.Val)})
}

func (o *ABAOutput) signDigest() (common.Hash, error) {
	data, err := o.signingPayload()
	if err != nil {
		return common.Hash{}, err
	}
	return ethcrypto.Keccak256Hash(data), nil
}

// Sign fills in o.Signature using svc.
func (o *ABAOutput) Sign(svc *ourcrypto.SignatureService) error {
	digest, err := o.signDigest()
	if err != nil {
		return err
	}
	sig, err := svc.Sign(digest)
	if err != nil {
		return err
	}
	o.Signature = sig
	return nil
}

// Verify checks the author's signature over the output's canonical digest.
func (o *ABAOutput) Verify() error {
	digest, err := o.signDigest()
	if err != nil {
		return err
	}
	return ourcrypto.Verify(digest, o.Signature, o.Author)
}

// MessageKind tags the variant carried by a ConsensusMessage.
type MessageKind uint8

const (
	KindRBCVal MessageKind = iota
	KindRBCEcho
	KindRBCReady
	KindABAVal
	KindABAMux
	KindABACoinShare
	KindABAOutput
	KindPrepare
	KindLoopBack
	KindSyncRequest
	KindSyncReply
)

// SyncRequest asks the recipient for the block at (Epoch, Height).
type SyncRequest struct {
	Epoch  uint64
	Height uint64
	Sender config.NodeId
}

// ConsensusMessage is the tagged union carried over the network filter; only
// the field matching Kind is populated.
type ConsensusMessage struct {
	Kind        MessageKind
	Block       *Block
	Echo        *EchoVote
	Ready       *ReadyVote
	ABAVal      *ABAVal // ABAPhase distinguishes VAL vs MUX within the struct itself
	CoinShare   *RandomnessShare
	Output      *ABAOutput
	Prepare     *Prepare
	SyncRequest *SyncRequest
	SyncReply   *Block
}
