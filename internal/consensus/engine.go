package consensus

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/terminal-bench/gridchain/internal/chain"
	"github.com/terminal-bench/gridchain/internal/ledger"
	"github.com/terminal-bench/gridchain/internal/matching"
	"github.com/terminal-bench/gridchain/internal/mempool"
)

var (
	ErrNotProposer      = errors.New("not the active proposer for this height")
	ErrProposalInFlight = errors.New("a proposal is already in flight")
	ErrQuorumTimeout    = errors.New("quorum not reached before timeout")
	ErrStateRoot        = errors.New("declared state root does not match replay")
	ErrBlockMismatch    = errors.New("block contents do not match replay")
	ErrHalted           = errors.New("block production halted")
)

// Phase is the engine's position in the per-height lifecycle.
type Phase string

const (
	PhaseIdle               Phase = "idle"
	PhaseProposing          Phase = "proposing"
	PhaseAwaitingSignatures Phase = "awaiting_signatures"
	PhaseFinalized          Phase = "finalized"
)

// Config bounds a single proposal attempt.
type Config struct {
	SignatureTimeout time.Duration
	MaxBlockBytes    int
	MaxBlockTxs      int
}

// Engine drives PoA block production for one validator identity: drain the
// mempool, run a matching epoch against cloned state, collect authority
// signatures, and commit on quorum. Staged state is discarded whenever the
// attempt fails, so a timed-out block costs nothing but the slot.
type Engine struct {
	self  string
	set   *ValidatorSet
	cfg   Config
	pool  *mempool.Pool
	led   *ledger.Ledger
	match *matching.Engine
	chain *chain.Chain
	peers []Authority

	mu         sync.Mutex
	phase      Phase
	round      uint64 // proposal round at the next height; bumps on quorum timeout
	inFlight   bool
	fatal      error
	onFinalize []func(*chain.Block, *matching.EpochResult)
}

// NewEngine wires a consensus engine for the given validator identity.
// peers must cover enough of the authority set to reach the quorum
// threshold, and usually includes the engine's own signer.
func NewEngine(self string, set *ValidatorSet, cfg Config, pool *mempool.Pool, led *ledger.Ledger, match *matching.Engine, c *chain.Chain, peers []Authority) *Engine {
	return &Engine{
		self:  self,
		set:   set,
		cfg:   cfg,
		pool:  pool,
		led:   led,
		match: match,
		chain: c,
		peers: peers,
		phase: PhaseIdle,
	}
}

// Phase returns the engine's current lifecycle phase.
func (e *Engine) Phase() Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase
}

// OnFinalize registers a callback invoked after every committed block.
// Callbacks run on the committing goroutine; keep them short.
func (e *Engine) OnFinalize(fn func(*chain.Block, *matching.EpochResult)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onFinalize = append(e.onFinalize, fn)
}

// UpdateValidators installs a new authority roster. Rosters only change
// between proposals, never while one is in flight.
func (e *Engine) UpdateValidators(set *ValidatorSet) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.inFlight {
		e.set = set
	}
}

// Validators returns the active authority roster.
func (e *Engine) Validators() *ValidatorSet {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.set
}

// Round returns the proposal round at the next height. It starts at zero,
// bumps on every quorum timeout, and resets when a block commits.
func (e *Engine) Round() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.round
}

// Ledger exposes the canonical ledger for read-only queries.
func (e *Engine) Ledger() *ledger.Ledger { return e.led }

// Chain exposes the canonical chain.
func (e *Engine) Chain() *chain.Chain { return e.chain }

func stateRootHex(led *ledger.Ledger) string {
	root := led.StateRoot()
	return hex.EncodeToString(root[:])
}

// ProposeNext drains the mempool and runs one full proposal attempt for
// the next height. On quorum the block is committed and returned; on
// timeout the drained transactions go back to the pool with their
// original priority, the round bumps so the slot passes to the next
// authority in rotation, and ErrQuorumTimeout is returned.
func (e *Engine) ProposeNext(ctx context.Context) (*chain.Block, error) {
	if err := e.begin(); err != nil {
		return nil, err
	}
	defer e.end()
	e.setPhase(PhaseProposing)

	tip := e.chain.Tip()
	height := tip.Height + 1
	round := e.Round()
	if proposer := e.set.ProposerAt(height, round); proposer != e.self {
		return nil, fmt.Errorf("height %d round %d belongs to %s: %w", height, round, proposer, ErrNotProposer)
	}

	txs := e.pool.Drain(e.cfg.MaxBlockBytes, e.cfg.MaxBlockTxs)
	now := time.Now().UTC()

	staged := e.led.Clone()
	st := e.match.Snapshot()
	result, err := e.match.RunEpoch(ctx, st, staged, now, txs)
	if err != nil {
		e.pool.Requeue(txs)
		return nil, err
	}

	block := &chain.Block{
		Height:     height,
		ParentHash: tip.Hash,
		Proposer:   e.self,
		Round:      round,
		Timestamp:  now,
		StateRoot:  stateRootHex(staged),
	}
	for _, tx := range result.Accepted {
		block.TxHashes = append(block.TxHashes, tx.Hash)
	}
	for _, trade := range result.Trades {
		if trade.Status == matching.SettlementSettled {
			block.TradeIDs = append(block.TradeIDs, trade.ID.String())
		}
	}
	block.Seal()

	e.setPhase(PhaseAwaitingSignatures)
	if err := e.collectSignatures(ctx, block); err != nil {
		e.pool.Requeue(txs)
		if errors.Is(err, ErrQuorumTimeout) {
			e.bumpRound()
		}
		return nil, err
	}

	if err := e.commit(block, st, result); err != nil {
		return nil, err
	}
	return block, nil
}

// Verify independently replays a candidate block from the canonical tip
// and checks that its declared contents and state root come out of the
// replay. txs must be the proposer's drained batch in its original order.
func (e *Engine) Verify(ctx context.Context, block *chain.Block, txs []*mempool.Tx) error {
	if block.Hash != block.HeaderHash() {
		return fmt.Errorf("block %d: %w", block.Height, chain.ErrHashChange)
	}
	tip := e.chain.Tip()
	if block.Height != tip.Height+1 {
		return fmt.Errorf("block %d on tip %d: %w", block.Height, tip.Height, chain.ErrBadHeight)
	}
	if block.ParentHash != tip.Hash {
		return fmt.Errorf("block %d: %w", block.Height, chain.ErrBadParent)
	}
	if proposer := e.set.ProposerAt(block.Height, block.Round); proposer != block.Proposer {
		return fmt.Errorf("block %d round %d proposed by %s, slot belongs to %s: %w",
			block.Height, block.Round, block.Proposer, proposer, ErrNotProposer)
	}

	staged := e.led.Clone()
	st := e.match.Snapshot()
	result, err := e.match.RunEpoch(ctx, st, staged, block.Timestamp, txs)
	if err != nil {
		return err
	}
	return e.checkReplay(block, staged, result)
}

// ApplyFinalized verifies and commits a block finalized elsewhere. It is
// idempotent for the current tip.
func (e *Engine) ApplyFinalized(ctx context.Context, block *chain.Block, txs []*mempool.Tx) error {
	if err := e.begin(); err != nil {
		return err
	}
	defer e.end()

	tip := e.chain.Tip()
	if block.Height <= tip.Height {
		err := e.chain.Append(block, e.set.Threshold) // idempotent or ErrFork
		if errors.Is(err, chain.ErrFork) {
			e.halt(err)
		}
		return err
	}

	staged := e.led.Clone()
	st := e.match.Snapshot()
	result, err := e.match.RunEpoch(ctx, st, staged, block.Timestamp, txs)
	if err != nil {
		return err
	}
	if err := e.checkReplay(block, staged, result); err != nil {
		return err
	}
	return e.commit(block, st, result)
}

// checkReplay compares a block's declared contents against a replayed
// epoch. Divergence here means validators no longer agree on state.
func (e *Engine) checkReplay(block *chain.Block, staged *ledger.Ledger, result *matching.EpochResult) error {
	if root := stateRootHex(staged); root != block.StateRoot {
		return fmt.Errorf("block %s declares %s, replay produced %s: %w",
			block.Hash, block.StateRoot, root, ErrStateRoot)
	}
	if len(result.Accepted) != len(block.TxHashes) {
		return fmt.Errorf("block %s: %w: accepted %d txs, declared %d",
			block.Hash, ErrBlockMismatch, len(result.Accepted), len(block.TxHashes))
	}
	for i, tx := range result.Accepted {
		if tx.Hash != block.TxHashes[i] {
			return fmt.Errorf("block %s: %w: tx %d", block.Hash, ErrBlockMismatch, i)
		}
	}
	var settled []string
	for _, trade := range result.Trades {
		if trade.Status == matching.SettlementSettled {
			settled = append(settled, trade.ID.String())
		}
	}
	if len(settled) != len(block.TradeIDs) {
		return fmt.Errorf("block %s: %w: settled %d trades, declared %d",
			block.Hash, ErrBlockMismatch, len(settled), len(block.TradeIDs))
	}
	for i, id := range settled {
		if id != block.TradeIDs[i] {
			return fmt.Errorf("block %s: %w: trade %d", block.Hash, ErrBlockMismatch, i)
		}
	}
	return nil
}

// collectSignatures fans the sealed block out to every authority and
// waits until the quorum threshold of distinct signatures arrives. Slow
// signers cannot stall finality once the threshold is met, and cannot
// extend the deadline by never answering.
func (e *Engine) collectSignatures(ctx context.Context, block *chain.Block) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.SignatureTimeout)
	defer cancel()

	sigs := make(chan chain.Signature, len(e.peers))
	for _, peer := range e.peers {
		go func(a Authority) {
			sig, err := a.Sign(ctx, block)
			if err != nil {
				return
			}
			select {
			case sigs <- sig:
			case <-ctx.Done():
			}
		}(peer)
	}

	seen := make(map[string]bool, len(e.peers))
	for {
		select {
		case sig := <-sigs:
			if seen[sig.Validator] || !e.set.Contains(sig.Validator) {
				continue
			}
			seen[sig.Validator] = true
			block.Signatures = append(block.Signatures, sig)
			if len(block.Signatures) >= e.set.Threshold {
				return nil
			}
		case <-ctx.Done():
			return fmt.Errorf("block %d has %d of %d signatures: %w",
				block.Height, len(block.Signatures), e.set.Threshold, ErrQuorumTimeout)
		}
	}
}

// commit appends the finalized block and publishes the staged state: the
// epoch's transitions replay onto the canonical ledger, whose root must
// land exactly on the block's declared one, and the staged market state
// becomes canonical. A fork or root divergence halts block production.
func (e *Engine) commit(block *chain.Block, st *matching.State, result *matching.EpochResult) error {
	if err := e.chain.Append(block, e.set.Threshold); err != nil {
		if errors.Is(err, chain.ErrFork) {
			e.halt(err)
		}
		return err
	}

	for _, t := range result.Transitions {
		if _, err := e.led.Apply(t); err != nil {
			err = fmt.Errorf("block %s transition %s: %w", block.Hash, t.Ref, err)
			e.halt(err)
			return err
		}
	}
	if root := stateRootHex(e.led); root != block.StateRoot {
		err := fmt.Errorf("block %s committed to root %s, declared %s: %w",
			block.Hash, root, block.StateRoot, ErrStateRoot)
		e.halt(err)
		return err
	}

	e.match.Commit(st)
	e.setPhase(PhaseFinalized)

	e.mu.Lock()
	e.round = 0
	callbacks := make([]func(*chain.Block, *matching.EpochResult), len(e.onFinalize))
	copy(callbacks, e.onFinalize)
	e.mu.Unlock()
	for _, fn := range callbacks {
		fn(block, result)
	}
	return nil
}

// begin takes the single in-flight proposal slot.
func (e *Engine) begin() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fatal != nil {
		return fmt.Errorf("%w: %v", ErrHalted, e.fatal)
	}
	if e.inFlight {
		return ErrProposalInFlight
	}
	e.inFlight = true
	return nil
}

func (e *Engine) end() {
	e.mu.Lock()
	e.inFlight = false
	e.phase = PhaseIdle
	e.mu.Unlock()
}

func (e *Engine) setPhase(phase Phase) {
	e.mu.Lock()
	e.phase = phase
	e.mu.Unlock()
}

func (e *Engine) bumpRound() {
	e.mu.Lock()
	e.round++
	e.mu.Unlock()
}

func (e *Engine) halt(err error) {
	e.mu.Lock()
	if e.fatal == nil {
		e.fatal = err
	}
	e.mu.Unlock()
}

// Halted returns the fatal error that stopped block production, if any.
func (e *Engine) Halted() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fatal
}
