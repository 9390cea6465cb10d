package consensus

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/gridchain/internal/chain"
	"github.com/terminal-bench/gridchain/internal/ledger"
	"github.com/terminal-bench/gridchain/internal/matching"
	"github.com/terminal-bench/gridchain/internal/mempool"
	"github.com/terminal-bench/gridchain/pkg/orderbook"
)

var testSet = &ValidatorSet{
	Validators:       []string{"auth-1", "auth-2", "auth-3"},
	RotationInterval: 1,
	Threshold:        2,
}

// stuckSigner never answers, standing in for an unreachable validator.
type stuckSigner struct{ id string }

func (s stuckSigner) ID() string { return s.id }

func (s stuckSigner) Sign(ctx context.Context, _ *chain.Block) (chain.Signature, error) {
	<-ctx.Done()
	return chain.Signature{}, ctx.Err()
}

type fixture struct {
	engine *Engine
	pool   *mempool.Pool
	led    *ledger.Ledger
	match  *matching.Engine
	chain  *chain.Chain
}

func newFixture(t *testing.T, self string, peers []Authority) *fixture {
	t.Helper()
	led := ledger.New()
	for _, account := range []string{"buyer", "seller"} {
		_, err := led.Apply(ledger.Transition{
			Ref:  "genesis-" + account,
			Ops:  []ledger.Op{{Account: account, Kind: ledger.OpCredit, Amount: 100_000}},
			Mint: true,
		})
		require.NoError(t, err)
	}
	_, err := led.Apply(ledger.Transition{
		Ref:  "genesis-energy",
		Ops:  []ledger.Op{{Account: "seller", Kind: ledger.OpCreditEnergy, Amount: 100_000, Source: "solar"}},
		Mint: true,
	})
	require.NoError(t, err)

	pool := mempool.New(mempool.Config{Capacity: 64, MinFeePrice: 1})
	match := matching.NewEngine(matching.Config{FeeBPS: 100, FeeSink: "grid-fees"})
	c := chain.New(stateRootHex(led))
	cfg := Config{SignatureTimeout: 200 * time.Millisecond, MaxBlockBytes: 1 << 20, MaxBlockTxs: 64}
	return &fixture{
		engine: NewEngine(self, testSet, cfg, pool, led, match, c, peers),
		pool:   pool,
		led:    led,
		match:  match,
		chain:  c,
	}
}

func allSigners() []Authority {
	return []Authority{
		StaticSigner{Validator: "auth-1"},
		StaticSigner{Validator: "auth-2"},
		StaticSigner{Validator: "auth-3"},
	}
}

func orderTx(hash, owner string, side orderbook.Side, price, amount int64) *mempool.Tx {
	id := uuid.NewSHA1(uuid.NameSpaceOID, []byte(hash))
	return &mempool.Tx{
		Hash:     hash,
		From:     owner,
		FeePrice: 2,
		Size:     120,
		Payload: matching.SubmitOrder{Order: &orderbook.Order{
			ID:     id,
			Owner:  owner,
			Side:   side,
			Amount: decimal.NewFromInt(amount),
			Price:  decimal.NewFromInt(price),
			Source: "solar",
			Region: "zone-1",
		}},
	}
}

func TestProposerRotation(t *testing.T) {
	t.Run("should advance round robin every interval", func(t *testing.T) {
		vs := &ValidatorSet{Validators: []string{"a", "b", "c"}, RotationInterval: 2, Threshold: 2}
		assert.Equal(t, "a", vs.ProposerAt(0, 0))
		assert.Equal(t, "a", vs.ProposerAt(1, 0))
		assert.Equal(t, "b", vs.ProposerAt(2, 0))
		assert.Equal(t, "c", vs.ProposerAt(4, 0))
		assert.Equal(t, "a", vs.ProposerAt(6, 0))
	})

	t.Run("should default a zero interval to one block", func(t *testing.T) {
		vs := &ValidatorSet{Validators: []string{"a", "b"}}
		assert.Equal(t, "a", vs.ProposerAt(0, 0))
		assert.Equal(t, "b", vs.ProposerAt(1, 0))
	})

	t.Run("should pass a timed-out slot to the next authority", func(t *testing.T) {
		vs := &ValidatorSet{Validators: []string{"a", "b", "c"}, RotationInterval: 1, Threshold: 2}
		assert.Equal(t, "b", vs.ProposerAt(1, 0))
		assert.Equal(t, "c", vs.ProposerAt(1, 1))
		assert.Equal(t, "a", vs.ProposerAt(1, 2))
		assert.Equal(t, "b", vs.ProposerAt(1, 3))
	})
}

func TestProposeNext(t *testing.T) {
	t.Run("should finalize a block and commit the settled trade", func(t *testing.T) {
		f := newFixture(t, "auth-2", allSigners()) // proposer at height 1
		require.NoError(t, f.pool.Admit(orderTx("s1", "seller", orderbook.SideSell, 100, 10)))
		require.NoError(t, f.pool.Admit(orderTx("b1", "buyer", orderbook.SideBuy, 100, 10)))

		block, err := f.engine.ProposeNext(context.Background())
		require.NoError(t, err)

		assert.Equal(t, uint64(1), f.chain.Height())
		assert.Equal(t, block.Hash, f.chain.Tip().Hash)
		assert.GreaterOrEqual(t, len(block.Signatures), testSet.Threshold)
		assert.Len(t, block.TxHashes, 2)
		assert.Len(t, block.TradeIDs, 1)
		assert.Equal(t, stateRootHex(f.led), block.StateRoot)
		assert.Equal(t, 0, f.pool.Len())

		buyer, _ := f.led.GetAccount("buyer")
		assert.Equal(t, int64(100_000-1010), buyer.Total)
		assert.Equal(t, int64(10_000), buyer.Sources["solar"])
	})

	t.Run("should refuse a slot belonging to another validator", func(t *testing.T) {
		f := newFixture(t, "auth-1", allSigners()) // height 1 belongs to auth-2
		_, err := f.engine.ProposeNext(context.Background())
		assert.ErrorIs(t, err, ErrNotProposer)
		assert.Equal(t, uint64(0), f.chain.Height())
	})

	t.Run("should finalize despite one unreachable validator", func(t *testing.T) {
		peers := []Authority{
			StaticSigner{Validator: "auth-1"},
			StaticSigner{Validator: "auth-2"},
			stuckSigner{id: "auth-3"},
		}
		f := newFixture(t, "auth-2", peers)

		start := time.Now()
		_, err := f.engine.ProposeNext(context.Background())
		require.NoError(t, err)
		assert.Less(t, time.Since(start), f.engine.cfg.SignatureTimeout,
			"quorum met by fast signers must not wait for the stuck one")
	})

	t.Run("should ignore duplicate and foreign signatures", func(t *testing.T) {
		peers := []Authority{
			StaticSigner{Validator: "auth-1"},
			StaticSigner{Validator: "auth-1"},
			StaticSigner{Validator: "intruder"},
			stuckSigner{id: "auth-3"},
		}
		f := newFixture(t, "auth-2", peers)
		_, err := f.engine.ProposeNext(context.Background())
		assert.ErrorIs(t, err, ErrQuorumTimeout, "one distinct valid signature is below threshold")
	})
}

func TestQuorumTimeout(t *testing.T) {
	t.Run("should requeue transactions and leave state untouched", func(t *testing.T) {
		// Finalize a resting buy first so canonical state has an open order.
		f := newFixture(t, "auth-2", allSigners())
		buy := orderTx("b1", "buyer", orderbook.SideBuy, 100, 10)
		require.NoError(t, f.pool.Admit(buy))
		_, err := f.engine.ProposeNext(context.Background())
		require.NoError(t, err)

		buyID := buy.Payload.(matching.SubmitOrder).Order.ID
		rootBefore := stateRootHex(f.led)

		// Height 2 belongs to auth-3; cripple the quorum for it.
		f.engine.self = "auth-3"
		f.engine.peers = []Authority{StaticSigner{Validator: "auth-3"}, stuckSigner{id: "auth-1"}, stuckSigner{id: "auth-2"}}
		f.engine.cfg.SignatureTimeout = 50 * time.Millisecond

		sell := orderTx("s1", "seller", orderbook.SideSell, 100, 10)
		require.NoError(t, f.pool.Admit(sell))
		_, err = f.engine.ProposeNext(context.Background())
		assert.ErrorIs(t, err, ErrQuorumTimeout)

		assert.Equal(t, uint64(1), f.chain.Height(), "height must not advance")
		assert.Equal(t, rootBefore, stateRootHex(f.led), "ledger must be untouched")
		assert.Equal(t, 1, f.pool.Len(), "drained transactions return to the pool")
		assert.True(t, f.pool.Contains("s1"))

		order, ok := f.match.Order(buyID)
		require.True(t, ok)
		assert.Equal(t, orderbook.StatusPending, order.Status)
		assert.True(t, order.Remaining().Equal(decimal.NewFromInt(10)),
			"resting order keeps its original remaining quantity")

		// The slot passed to the next authority; it retries the same batch.
		f.engine.self = testSet.ProposerAt(2, f.engine.Round())
		f.engine.peers = allSigners()
		block, err := f.engine.ProposeNext(context.Background())
		require.NoError(t, err)
		assert.Len(t, block.TradeIDs, 1)
	})

	t.Run("should advance the proposer when quorum times out", func(t *testing.T) {
		// Only auth-2's own signer answers, so it can never reach quorum.
		f := newFixture(t, "auth-2", []Authority{
			StaticSigner{Validator: "auth-2"},
			stuckSigner{id: "auth-1"},
			stuckSigner{id: "auth-3"},
		})
		f.engine.cfg.SignatureTimeout = 50 * time.Millisecond

		_, err := f.engine.ProposeNext(context.Background())
		require.ErrorIs(t, err, ErrQuorumTimeout)

		assert.Equal(t, uint64(1), f.engine.Round())
		assert.Equal(t, "auth-3", testSet.ProposerAt(1, f.engine.Round()),
			"the slot moves on instead of staying with the timed-out proposer")

		_, err = f.engine.ProposeNext(context.Background())
		assert.ErrorIs(t, err, ErrNotProposer, "the timed-out proposer no longer owns the slot")

		// The next authority finalizes at round 1 and the round resets.
		f.engine.self = "auth-3"
		f.engine.peers = allSigners()
		block, err := f.engine.ProposeNext(context.Background())
		require.NoError(t, err)
		assert.Equal(t, uint64(1), block.Round)
		assert.Equal(t, uint64(0), f.engine.Round())

		// An independent validator accepts the later-round block.
		follower := newFixture(t, "auth-1", allSigners())
		require.NoError(t, follower.engine.ApplyFinalized(context.Background(), block, nil))
		assert.Equal(t, block.Hash, follower.chain.Tip().Hash)
	})
}

func TestVerifyAndReplay(t *testing.T) {
	t.Run("should reproduce the declared state root on an independent validator", func(t *testing.T) {
		proposer := newFixture(t, "auth-2", allSigners())
		follower := newFixture(t, "auth-1", allSigners())

		txs := []*mempool.Tx{
			orderTx("s1", "seller", orderbook.SideSell, 95, 12),
			orderTx("b1", "buyer", orderbook.SideBuy, 100, 10),
		}
		for _, tx := range txs {
			require.NoError(t, proposer.pool.Admit(tx))
		}
		block, err := proposer.engine.ProposeNext(context.Background())
		require.NoError(t, err)

		require.NoError(t, follower.engine.Verify(context.Background(), block, txs))
		require.NoError(t, follower.engine.ApplyFinalized(context.Background(), block, txs))

		assert.Equal(t, proposer.chain.Tip().Hash, follower.chain.Tip().Hash)
		assert.Equal(t, stateRootHex(proposer.led), stateRootHex(follower.led))
	})

	t.Run("should reject a block whose root does not replay", func(t *testing.T) {
		proposer := newFixture(t, "auth-2", allSigners())
		follower := newFixture(t, "auth-1", allSigners())

		txs := []*mempool.Tx{orderTx("b1", "buyer", orderbook.SideBuy, 100, 10)}
		require.NoError(t, proposer.pool.Admit(txs[0]))
		block, err := proposer.engine.ProposeNext(context.Background())
		require.NoError(t, err)

		block.StateRoot = "forged"
		block.Seal()
		err = follower.engine.Verify(context.Background(), block, txs)
		assert.ErrorIs(t, err, ErrStateRoot)
	})

	t.Run("should reject a proposer outside its slot", func(t *testing.T) {
		proposer := newFixture(t, "auth-2", allSigners())
		follower := newFixture(t, "auth-1", allSigners())

		block, err := proposer.engine.ProposeNext(context.Background())
		require.NoError(t, err)

		block.Proposer = "auth-3"
		block.Seal()
		for i := range block.Signatures {
			block.Signatures[i].Sig = nil
		}
		err = follower.engine.Verify(context.Background(), block, nil)
		assert.ErrorIs(t, err, ErrNotProposer)
	})
}

func TestForkHalts(t *testing.T) {
	t.Run("should halt block production on a conflicting finalized block", func(t *testing.T) {
		f := newFixture(t, "auth-2", allSigners())
		genesis := f.chain.Tip()
		_, err := f.engine.ProposeNext(context.Background())
		require.NoError(t, err)

		rival := &chain.Block{
			Height:     1,
			ParentHash: genesis.Hash,
			Proposer:   "auth-2",
			Timestamp:  time.Now().UTC(),
			StateRoot:  "rival-root",
		}
		rival.Seal()
		for _, id := range testSet.Validators[:testSet.Threshold] {
			sig, _ := StaticSigner{Validator: id}.Sign(context.Background(), rival)
			rival.Signatures = append(rival.Signatures, sig)
		}

		err = f.engine.ApplyFinalized(context.Background(), rival, nil)
		assert.ErrorIs(t, err, chain.ErrFork)
		assert.ErrorIs(t, f.engine.Halted(), chain.ErrFork)

		f.engine.self = testSet.ProposerAt(2, 0)
		_, err = f.engine.ProposeNext(context.Background())
		assert.ErrorIs(t, err, ErrHalted)
	})
}
