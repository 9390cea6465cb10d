package node

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/gridchain/internal/consensus"
	"github.com/terminal-bench/gridchain/internal/ledger"
)

var testAlloc = []GenesisAccount{
	{ID: "wind-farm-7", Funds: 1_000, Energy: map[string]int64{"wind": 250_000}},
	{ID: "factory-3", Funds: 500_000},
	{ID: "solar-coop-1", Funds: 2_000, Energy: map[string]int64{"solar": 80_000, "wind": 1_000}},
}

func TestGenesisTransitions(t *testing.T) {
	t.Run("should mint deterministically in sorted order", func(t *testing.T) {
		a := GenesisTransitions(testAlloc)
		b := GenesisTransitions([]GenesisAccount{testAlloc[2], testAlloc[0], testAlloc[1]})
		require.Equal(t, a, b)

		require.Len(t, a, 3)
		assert.Equal(t, "genesis-factory-3", a[0].Ref)
		assert.Equal(t, "genesis-solar-coop-1", a[1].Ref)
		assert.Equal(t, "genesis-wind-farm-7", a[2].Ref)
		for _, tr := range a {
			assert.True(t, tr.Mint)
		}
	})

	t.Run("should produce identical ledgers on every validator", func(t *testing.T) {
		build := func() [32]byte {
			led := ledger.New()
			for _, tr := range GenesisTransitions(testAlloc) {
				_, err := led.Apply(tr)
				require.NoError(t, err)
			}
			return led.StateRoot()
		}
		assert.Equal(t, build(), build())
	})
}

func TestBootstrap(t *testing.T) {
	t.Run("should start a fresh chain from the genesis allocation", func(t *testing.T) {
		set := &consensus.ValidatorSet{Validators: []string{"auth-1"}, Threshold: 1}
		cfg := Config{Validator: "auth-1", Genesis: testAlloc}

		led, c, err := Bootstrap(context.Background(), cfg, set, nil)
		require.NoError(t, err)

		assert.Equal(t, uint64(0), c.Height())
		assert.Equal(t, stateRootHex(led), c.Tip().StateRoot)

		acct, ok := led.GetAccount("factory-3")
		require.True(t, ok)
		assert.Equal(t, int64(500_000), acct.Available)

		farm, ok := led.GetAccount("wind-farm-7")
		require.True(t, ok)
		assert.Equal(t, int64(250_000), farm.Sources["wind"])
	})
}
