package consensus

import (
	"context"
	"crypto/sha256"

	"github.com/terminal-bench/gridchain/internal/chain"
)

// ValidatorSet is the ordered authority roster. The active proposer is a
// pure function of block height and proposal round, so every participant
// computes the same rotation without any election protocol.
type ValidatorSet struct {
	Validators       []string // ordered authority ids
	RotationInterval uint64   // blocks per proposer turn
	Threshold        int      // distinct signatures required for finality
}

// ProposerAt returns the authority allowed to propose at the given height
// and round. Round 0 is the regular rotation slot; each quorum timeout at
// a height bumps the round, passing the slot to the next authority so a
// proposer with unreachable peers cannot stall the chain.
func (vs *ValidatorSet) ProposerAt(height, round uint64) string {
	if len(vs.Validators) == 0 {
		return ""
	}
	interval := vs.RotationInterval
	if interval == 0 {
		interval = 1
	}
	turn := height/interval + round
	return vs.Validators[turn%uint64(len(vs.Validators))]
}

// Contains reports whether id is a member of the authority set.
func (vs *ValidatorSet) Contains(id string) bool {
	for _, v := range vs.Validators {
		if v == id {
			return true
		}
	}
	return false
}

// Authority produces one validator's signature over a proposed block.
// Implementations may sign locally or relay to a remote validator; the
// signature scheme itself is opaque to the consensus engine.
type Authority interface {
	ID() string
	Sign(ctx context.Context, block *chain.Block) (chain.Signature, error)
}

// StaticSigner approves every sealed block it is handed. It stands in for
// a remote validator transport in single-process deployments and tests.
type StaticSigner struct {
	Validator string
}

func (s StaticSigner) ID() string { return s.Validator }

func (s StaticSigner) Sign(_ context.Context, block *chain.Block) (chain.Signature, error) {
	mac := sha256.Sum256([]byte(s.Validator + "|" + block.Hash))
	return chain.Signature{Validator: s.Validator, Sig: mac[:]}, nil
}
