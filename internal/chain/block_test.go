package chain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedBlock(c *Chain, sigs int) *Block {
	tip := c.Tip()
	b := &Block{
		Height:     tip.Height + 1,
		ParentHash: tip.Hash,
		Proposer:   "validator-1",
		Timestamp:  time.Now().UTC(),
		TxHashes:   []string{"tx-a", "tx-b"},
		StateRoot:  "root-after",
	}
	for i := 0; i < sigs; i++ {
		b.Signatures = append(b.Signatures, Signature{
			Validator: "validator-" + string(rune('1'+i)),
			Sig:       []byte{byte(i)},
		})
	}
	b.Seal()
	return b
}

func TestHeaderHash(t *testing.T) {
	t.Run("should not cover signatures", func(t *testing.T) {
		c := New("genesis-root")
		b := signedBlock(c, 1)
		before := b.HeaderHash()
		b.Signatures = append(b.Signatures, Signature{Validator: "validator-9"})
		assert.Equal(t, before, b.HeaderHash())
	})

	t.Run("should change with any header field", func(t *testing.T) {
		c := New("genesis-root")
		b := signedBlock(c, 1)
		before := b.HeaderHash()
		b.TxHashes = append(b.TxHashes, "tx-c")
		assert.NotEqual(t, before, b.HeaderHash())
	})
}

func TestAppend(t *testing.T) {
	t.Run("should extend the tip", func(t *testing.T) {
		c := New("genesis-root")
		b := signedBlock(c, 2)
		require.NoError(t, c.Append(b, 2))
		assert.Equal(t, uint64(1), c.Height())
		assert.Equal(t, b.Hash, c.Tip().Hash)
	})

	t.Run("should reject a block below quorum", func(t *testing.T) {
		c := New("genesis-root")
		b := signedBlock(c, 1)
		assert.ErrorIs(t, c.Append(b, 2), ErrNoQuorum)
		assert.Equal(t, uint64(0), c.Height())
	})

	t.Run("should reject a tampered block", func(t *testing.T) {
		c := New("genesis-root")
		b := signedBlock(c, 2)
		b.StateRoot = "forged"
		assert.ErrorIs(t, c.Append(b, 2), ErrHashChange)
	})

	t.Run("should be idempotent for the same finalized block", func(t *testing.T) {
		c := New("genesis-root")
		b := signedBlock(c, 2)
		require.NoError(t, c.Append(b, 2))
		require.NoError(t, c.Append(b, 2))
		assert.Equal(t, uint64(1), c.Height())
	})

	t.Run("should surface a fork at a finalized height", func(t *testing.T) {
		c := New("genesis-root")
		b := signedBlock(c, 2)
		require.NoError(t, c.Append(b, 2))

		rival := signedBlock(&Chain{blocks: []*Block{c.blocks[0]}}, 2)
		rival.StateRoot = "rival-root"
		rival.Seal()
		assert.ErrorIs(t, c.Append(rival, 2), ErrFork)
	})

	t.Run("should reject a height gap", func(t *testing.T) {
		c := New("genesis-root")
		b := signedBlock(c, 2)
		b.Height = 5
		b.Seal()
		assert.ErrorIs(t, c.Append(b, 2), ErrBadHeight)
	})

	t.Run("should reject a wrong parent hash", func(t *testing.T) {
		c := New("genesis-root")
		b := signedBlock(c, 2)
		b.ParentHash = "not-the-tip"
		b.Seal()
		assert.ErrorIs(t, c.Append(b, 2), ErrBadParent)
	})
}

func TestBlocks(t *testing.T) {
	t.Run("should return the finalized suffix", func(t *testing.T) {
		c := New("genesis-root")
		for i := 0; i < 3; i++ {
			require.NoError(t, c.Append(signedBlock(c, 1), 1))
		}

		got := c.Blocks(2)
		require.Len(t, got, 2)
		assert.Equal(t, uint64(2), got[0].Height)
		assert.Equal(t, uint64(3), got[1].Height)

		assert.Nil(t, c.Blocks(4))
	})
}

func TestGet(t *testing.T) {
	t.Run("should find genesis and reject unknown heights", func(t *testing.T) {
		c := New("genesis-root")
		g, err := c.Get(0)
		require.NoError(t, err)
		assert.Equal(t, "genesis-root", g.StateRoot)

		_, err = c.Get(7)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}
