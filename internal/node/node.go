package node

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/terminal-bench/gridchain/internal/chain"
	"github.com/terminal-bench/gridchain/internal/consensus"
	"github.com/terminal-bench/gridchain/internal/ledger"
	"github.com/terminal-bench/gridchain/internal/matching"
	"github.com/terminal-bench/gridchain/internal/mempool"
	"github.com/terminal-bench/gridchain/internal/metrics"
	"github.com/terminal-bench/gridchain/internal/registry"
	"github.com/terminal-bench/gridchain/internal/store"
	"github.com/terminal-bench/gridchain/pkg/circuit"
	"github.com/terminal-bench/gridchain/pkg/messaging"
	"github.com/terminal-bench/gridchain/pkg/orderbook"
)

// GenesisAccount funds one account at chain start.
type GenesisAccount struct {
	ID     string           `json:"id"`
	Funds  int64            `json:"funds"`
	Energy map[string]int64 `json:"energy,omitempty"`
}

// Config assembles one validator node.
type Config struct {
	Validator    string
	SlotInterval time.Duration
	Genesis      []GenesisAccount
}

// Node ties the consensus engine to its collaborators: the slot loop
// that proposes on this validator's turn, persistence of finalized
// blocks, event publication, and metrics export. Store, events, and
// metrics are all optional; a node runs standalone without them.
type Node struct {
	cfg      Config
	engine   *consensus.Engine
	pool     *mempool.Pool
	reg      *registry.Registry
	db       *store.Store
	events   *messaging.Client
	rec      *metrics.Recorder
	breakers *circuit.BreakerGroup
	logger   *log.Logger

	shutdown chan struct{}
	wg       sync.WaitGroup
	startMu  sync.Mutex
	started  bool
}

// New wires a node. engine, pool, and reg are required.
func New(cfg Config, engine *consensus.Engine, pool *mempool.Pool, reg *registry.Registry, db *store.Store, events *messaging.Client, rec *metrics.Recorder, logger *log.Logger) *Node {
	if rec == nil {
		rec = metrics.Noop()
	}
	if logger == nil {
		logger = log.Default()
	}
	n := &Node{
		cfg:    cfg,
		engine: engine,
		pool:   pool,
		reg:    reg,
		db:     db,
		events: events,
		rec:    rec,
		logger: logger,
		breakers: circuit.NewBreakerGroup(circuit.Config{
			MaxFailures: 5,
			Timeout:     10 * time.Second,
			HalfOpenMax: 2,
		}),
		shutdown: make(chan struct{}),
	}
	engine.OnFinalize(n.onFinalize)
	return n
}

// GenesisTransitions builds the deterministic minting transitions for a
// genesis allocation, sorted by account id.
func GenesisTransitions(accounts []GenesisAccount) []ledger.Transition {
	sorted := make([]GenesisAccount, len(accounts))
	copy(sorted, accounts)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	var out []ledger.Transition
	for _, acct := range sorted {
		ops := []ledger.Op{{Account: acct.ID, Kind: ledger.OpCredit, Amount: acct.Funds}}
		sources := make([]string, 0, len(acct.Energy))
		for source := range acct.Energy {
			sources = append(sources, source)
		}
		sort.Strings(sources)
		for _, source := range sources {
			ops = append(ops, ledger.Op{
				Account: acct.ID,
				Kind:    ledger.OpCreditEnergy,
				Amount:  acct.Energy[source],
				Source:  source,
			})
		}
		out = append(out, ledger.Transition{Ref: "genesis-" + acct.ID, Ops: ops, Mint: true})
	}
	return out
}

// Bootstrap prepares canonical state before the slot loop starts: with
// an empty store (or none) it applies the genesis allocation; otherwise
// it replays the stored transition log and rebuilds the chain from the
// stored blocks.
func Bootstrap(ctx context.Context, cfg Config, set *consensus.ValidatorSet, db *store.Store) (*ledger.Ledger, *chain.Chain, error) {
	led := ledger.New()

	var snap *store.Snapshot
	if db != nil {
		if err := db.InitSchema(ctx); err != nil {
			return nil, nil, err
		}
		loaded, err := db.LoadSnapshot(ctx)
		if err != nil {
			return nil, nil, err
		}
		if len(loaded.Blocks) > 0 {
			snap = loaded
		}
	}

	if snap == nil {
		genesis := GenesisTransitions(cfg.Genesis)
		for _, t := range genesis {
			if _, err := led.Apply(t); err != nil {
				return nil, nil, fmt.Errorf("genesis allocation %s: %w", t.Ref, err)
			}
		}
		c := chain.New(stateRootHex(led))
		if db != nil {
			if err := db.SaveBlock(ctx, c.Tip(), nil, genesis, led.Accounts()); err != nil {
				return nil, nil, fmt.Errorf("failed to persist genesis: %w", err)
			}
		}
		return led, c, nil
	}

	if err := snap.Replay(led); err != nil {
		return nil, nil, err
	}
	c := chain.New(snap.Blocks[0].StateRoot)
	for _, block := range snap.Blocks[1:] {
		if err := c.Append(block, set.Threshold); err != nil {
			return nil, nil, fmt.Errorf("failed to restore block %d: %w", block.Height, err)
		}
	}
	return led, c, nil
}

func stateRootHex(led *ledger.Ledger) string {
	root := led.StateRoot()
	return fmt.Sprintf("%x", root[:])
}

// Start launches the slot loop.
func (n *Node) Start() error {
	n.startMu.Lock()
	defer n.startMu.Unlock()
	if n.started {
		return errors.New("node already started")
	}
	n.started = true

	n.wg.Add(1)
	go n.slotLoop()
	return nil
}

// Stop halts the slot loop and flushes collaborators.
func (n *Node) Stop() {
	n.startMu.Lock()
	defer n.startMu.Unlock()
	if !n.started {
		return
	}
	close(n.shutdown)
	n.wg.Wait()
	n.rec.Close()
	n.started = false
}

func (n *Node) slotLoop() {
	defer n.wg.Done()

	ticker := time.NewTicker(n.cfg.SlotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.shutdown:
			return
		case <-ticker.C:
			if err := n.runSlot(); err != nil {
				if errors.Is(err, consensus.ErrHalted) {
					n.logger.Printf("block production halted: %v", err)
					return
				}
			}
		}
	}
}

// runSlot proposes if this validator owns the next height's slot.
func (n *Node) runSlot() error {
	n.engine.UpdateValidators(n.reg.Set())

	height := n.engine.Chain().Height() + 1
	if n.engine.Validators().ProposerAt(height, n.engine.Round()) != n.cfg.Validator {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.SlotInterval)
	defer cancel()

	_, err := n.engine.ProposeNext(ctx)
	switch {
	case err == nil:
		n.rec.MempoolOccupancy(n.pool.Len())
	case errors.Is(err, consensus.ErrQuorumTimeout):
		n.logger.Printf("height %d: %v", height, err)
		n.rec.ProposalTimedOut(height)
	case errors.Is(err, consensus.ErrNotProposer), errors.Is(err, consensus.ErrProposalInFlight):
		// Lost the slot between the check and the proposal. Harmless.
	default:
		n.logger.Printf("height %d: proposal failed: %v", height, err)
	}
	return err
}

// onFinalize persists and publishes every committed block. Failures
// here never unwind the block; they are logged and the breaker keeps a
// flapping collaborator from stalling the loop.
func (n *Node) onFinalize(block *chain.Block, result *matching.EpochResult) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	settled, failed := 0, 0
	for _, trade := range result.Trades {
		if trade.Status == matching.SettlementSettled {
			settled++
		} else {
			failed++
		}
	}
	n.rec.BlockFinalized(block, settled, failed, result.MatchTime)

	if n.db != nil {
		err := n.breakers.Execute(ctx, "store", func() error {
			return n.db.SaveBlock(ctx, block, result.Trades, result.Transitions, n.touchedAccounts(result))
		})
		if err != nil {
			n.logger.Printf("block %d: persist failed: %v", block.Height, err)
		}
	}

	if n.events != nil {
		n.publish(ctx, block, result)
	}
}

// touchedAccounts resolves the post-block state of every account the
// epoch's transitions mention.
func (n *Node) touchedAccounts(result *matching.EpochResult) []*ledger.Account {
	ids := make(map[string]struct{})
	for _, t := range result.Transitions {
		for _, op := range t.Ops {
			ids[op.Account] = struct{}{}
		}
	}

	sorted := make([]string, 0, len(ids))
	for id := range ids {
		sorted = append(sorted, id)
	}
	sort.Strings(sorted)

	accounts := make([]*ledger.Account, 0, len(sorted))
	for _, id := range sorted {
		if acct, ok := n.engine.Ledger().GetAccount(id); ok {
			accounts = append(accounts, acct)
		}
	}
	return accounts
}

// orderSubject maps an epoch order event to its messaging subject.
func orderSubject(kind matching.OrderEventKind) string {
	switch kind {
	case matching.OrderAccepted:
		return messaging.OrderAccepted
	case matching.OrderFilled:
		return messaging.OrderFilled
	case matching.OrderCancelled:
		return messaging.OrderCancelled
	case matching.OrderExpired:
		return messaging.OrderExpired
	default:
		return messaging.OrderRejected
	}
}

func (n *Node) publish(ctx context.Context, block *chain.Block, result *matching.EpochResult) {
	signers := make([]string, 0, len(block.Signatures))
	for _, sig := range block.Signatures {
		signers = append(signers, sig.Validator)
	}
	blockEvent, err := messaging.NewEnvelope(messaging.BlockFinalized, n.cfg.Validator, messaging.BlockData{
		Height:     block.Height,
		Hash:       block.Hash,
		ParentHash: block.ParentHash,
		Proposer:   block.Proposer,
		StateRoot:  block.StateRoot,
		TxCount:    len(block.TxHashes),
		TradeCount: len(block.TradeIDs),
		Signers:    signers,
		Timestamp:  block.Timestamp,
	})
	if err == nil {
		if err := n.events.PublishDurable(ctx, messaging.BlockFinalized, blockEvent); err != nil {
			n.logger.Printf("block %d: publish failed: %v", block.Height, err)
		}
	}

	for _, ev := range result.Orders {
		order := ev.Order
		event, err := messaging.NewEnvelope(orderSubject(ev.Kind), n.cfg.Validator, messaging.OrderData{
			OrderID:   order.ID,
			Owner:     order.Owner,
			Market:    orderbook.MarketKey(order.Source, order.Region),
			Side:      string(order.Side),
			Amount:    order.Amount.String(),
			Price:     order.Price.String(),
			Filled:    order.Filled.String(),
			Status:    string(order.Status),
			Reason:    ev.Reason,
			Timestamp: block.Timestamp,
		})
		if err == nil {
			n.events.Publish(ctx, event.Type, event)
		}
	}

	for _, trade := range result.Trades {
		subject := messaging.TradeSettled
		if trade.Status != matching.SettlementSettled {
			subject = messaging.TradeFailed
		}
		event, err := messaging.NewEnvelope(subject, n.cfg.Validator, messaging.TradeData{
			TradeID:     trade.ID,
			Market:      trade.Market,
			BuyOrderID:  trade.BuyOrderID,
			SellOrderID: trade.SellOrderID,
			Buyer:       trade.Buyer,
			Seller:      trade.Seller,
			Amount:      trade.Amount.String(),
			Price:       trade.Price.String(),
			Value:       trade.Value,
			GridFee:     trade.GridFee,
			Status:      string(trade.Status),
			BlockHeight: block.Height,
			Timestamp:   trade.Timestamp,
		})
		if err == nil {
			n.events.Publish(ctx, subject, event)
		}
	}

	for _, acct := range n.touchedAccounts(result) {
		event, err := messaging.NewEnvelope(messaging.AccountUpdated, n.cfg.Validator, messaging.AccountData{
			Account:     acct.ID,
			Total:       acct.Total,
			Available:   acct.Available,
			Locked:      acct.Locked,
			Nonce:       acct.Nonce,
			Sources:     acct.Sources,
			BlockHeight: block.Height,
		})
		if err == nil {
			n.events.Publish(ctx, messaging.AccountUpdated, event)
		}
	}
}
