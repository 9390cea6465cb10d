package chain

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrBadHeight  = errors.New("block height is not tip height + 1")
	ErrBadParent  = errors.New("block parent hash does not match tip")
	ErrFork       = errors.New("conflicting finalized block at existing height")
	ErrNotFound   = errors.New("block not found")
	ErrNoQuorum   = errors.New("block carries fewer signatures than the quorum threshold")
	ErrHashChange = errors.New("block content does not match its declared hash")
)

// Signature is one authority's approval of a block hash. The signature
// scheme itself is opaque to the chain.
type Signature struct {
	Validator string `json:"validator"`
	Sig       []byte `json:"sig"`
}

// Block is one finalized unit of the chain: the transactions the proposer
// drained, the trades the matching epoch produced from them, and the state
// root of the ledger after applying both. Immutable once finalized.
type Block struct {
	Height     uint64      `json:"height"`
	ParentHash string      `json:"parent_hash"`
	Hash       string      `json:"hash"`
	Proposer   string      `json:"proposer"`
	Round      uint64      `json:"round"` // proposal round at this height; >0 after quorum timeouts
	Timestamp  time.Time   `json:"timestamp"`
	TxHashes   []string    `json:"tx_hashes"`
	TradeIDs   []string    `json:"trade_ids"`
	StateRoot  string      `json:"state_root"`
	Signatures []Signature `json:"signatures"`
}

// HeaderHash computes the block's identity digest. Signatures are not part
// of it; they sign it.
func (b *Block) HeaderHash() string {
	h := sha256.New()
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], b.Height)
	h.Write(buf[:])
	h.Write([]byte(b.ParentHash))
	h.Write([]byte(b.Proposer))
	binary.BigEndian.PutUint64(buf[:], b.Round)
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], uint64(b.Timestamp.UnixNano()))
	h.Write(buf[:])
	for _, tx := range b.TxHashes {
		h.Write([]byte(tx))
	}
	for _, id := range b.TradeIDs {
		h.Write([]byte(id))
	}
	h.Write([]byte(b.StateRoot))
	return hex.EncodeToString(h.Sum(nil))
}

// Seal stamps the block with its header hash.
func (b *Block) Seal() {
	b.Hash = b.HeaderHash()
}

// SignedBy reports whether the named validator already signed.
func (b *Block) SignedBy(validator string) bool {
	for _, sig := range b.Signatures {
		if sig.Validator == validator {
			return true
		}
	}
	return false
}

// Chain is the canonical sequence of finalized blocks. Appends are
// serialized; readers get the tip without blocking appends in progress.
type Chain struct {
	blocks []*Block

	mu sync.RWMutex
}

// New creates a chain holding only the genesis block.
func New(genesisRoot string) *Chain {
	genesis := &Block{
		Height:    0,
		Timestamp: time.Unix(0, 0).UTC(),
		StateRoot: genesisRoot,
	}
	genesis.Seal()
	return &Chain{blocks: []*Block{genesis}}
}

// Tip returns the latest finalized block.
func (c *Chain) Tip() *Block {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.blocks[len(c.blocks)-1]
}

// Height returns the tip height.
func (c *Chain) Height() uint64 {
	return c.Tip().Height
}

// Get returns a finalized block by height.
func (c *Chain) Get(height uint64) (*Block, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if height >= uint64(len(c.blocks)) {
		return nil, fmt.Errorf("%w: height %d", ErrNotFound, height)
	}
	return c.blocks[height], nil
}

// Append finalizes a block onto the tip. A block at an already-finalized
// height with a different hash is a protocol violation (ErrFork): PoA
// assumes no malicious quorum, so forks are surfaced, never resolved.
func (c *Chain) Append(b *Block, quorum int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if b.Hash != b.HeaderHash() {
		return fmt.Errorf("%w: block %d", ErrHashChange, b.Height)
	}
	if len(b.Signatures) < quorum {
		return fmt.Errorf("%w: block %d has %d of %d", ErrNoQuorum, b.Height, len(b.Signatures), quorum)
	}

	tip := c.blocks[len(c.blocks)-1]
	if b.Height <= tip.Height {
		existing := c.blocks[b.Height]
		if existing.Hash == b.Hash {
			return nil // idempotent re-append of the same block
		}
		return fmt.Errorf("%w: height %d, existing %s, offered %s",
			ErrFork, b.Height, existing.Hash, b.Hash)
	}
	if b.Height != tip.Height+1 {
		return fmt.Errorf("%w: block %d on tip %d", ErrBadHeight, b.Height, tip.Height)
	}
	if b.ParentHash != tip.Hash {
		return fmt.Errorf("%w: block %d parent %s, tip %s", ErrBadParent, b.Height, b.ParentHash, tip.Hash)
	}

	c.blocks = append(c.blocks, b)
	return nil
}

// Blocks returns the finalized blocks from height from upward.
func (c *Chain) Blocks(from uint64) []*Block {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if from >= uint64(len(c.blocks)) {
		return nil
	}
	out := make([]*Block, len(c.blocks)-int(from))
	copy(out, c.blocks[from:])
	return out
}
