package mempool

import (
	"container/heap"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrDuplicate   = errors.New("transaction already admitted")
	ErrUnderpriced = errors.New("fee price below pool minimum")
	ErrFull        = errors.New("pool full and fee does not beat current minimum")
)

// Tx is a pending entry awaiting block inclusion: an order submission,
// cancellation, or balance transfer, already signature-checked at the
// boundary. Payload stays opaque to the pool; only fee, size, and hash
// matter here.
type Tx struct {
	Hash     string
	From     string
	Nonce    uint64
	FeePrice int64 // minor units per byte
	Size     int   // encoded size in bytes
	Payload  interface{}

	seq uint64 // admission order, breaks fee ties
}

// Fee returns the total fee the entry pays for inclusion.
func (tx *Tx) Fee() int64 {
	return tx.FeePrice * int64(tx.Size)
}

// Config bounds the pool.
type Config struct {
	Capacity    int
	MinFeePrice int64
}

// Pool is an admission-ordered buffer of pending transactions. Admission
// is concurrent-safe; Drain hands out a frozen batch so entries admitted
// mid-epoch never affect the epoch in progress.
type Pool struct {
	cfg     Config
	entries *txHeap
	byHash  map[string]*Tx
	nextSeq uint64

	mu sync.Mutex
}

// txHeap orders entries by descending fee price, ties by admission order.
type txHeap struct {
	txs []*txEntry
}

type txEntry struct {
	tx    *Tx
	index int
}

func (h *txHeap) Len() int { return len(h.txs) }

func (h *txHeap) Less(i, j int) bool {
	if h.txs[i].tx.FeePrice != h.txs[j].tx.FeePrice {
		return h.txs[i].tx.FeePrice > h.txs[j].tx.FeePrice
	}
	return h.txs[i].tx.seq < h.txs[j].tx.seq
}

func (h *txHeap) Swap(i, j int) {
	h.txs[i], h.txs[j] = h.txs[j], h.txs[i]
	h.txs[i].index = i
	h.txs[j].index = j
}

func (h *txHeap) Push(x interface{}) {
	entry := x.(*txEntry)
	entry.index = len(h.txs)
	h.txs = append(h.txs, entry)
}

func (h *txHeap) Pop() interface{} {
	old := h.txs
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	entry.index = -1
	h.txs = old[0 : n-1]
	return entry
}

// New creates a pool with the given bounds.
func New(cfg Config) *Pool {
	return &Pool{
		cfg:     cfg,
		entries: &txHeap{},
		byHash:  make(map[string]*Tx),
	}
}

// Admit adds a transaction to the pool. Admission is idempotent per hash.
// When the pool is full, the entry paying the lowest total fee is evicted
// if and only if the incoming total fee exceeds it; an entry paying as
// much as the incoming one is never evicted for it.
func (p *Pool) Admit(tx *Tx) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.byHash[tx.Hash]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicate, tx.Hash)
	}
	if tx.FeePrice < p.cfg.MinFeePrice {
		return fmt.Errorf("%w: tx %s pays %d, minimum %d", ErrUnderpriced, tx.Hash, tx.FeePrice, p.cfg.MinFeePrice)
	}

	if len(p.byHash) >= p.cfg.Capacity {
		lowest := p.lowestFee()
		if lowest == nil || tx.Fee() <= lowest.tx.Fee() {
			return fmt.Errorf("%w: tx %s pays %d", ErrFull, tx.Hash, tx.Fee())
		}
		heap.Remove(p.entries, lowest.index)
		delete(p.byHash, lowest.tx.Hash)
	}

	p.nextSeq++
	tx.seq = p.nextSeq
	p.byHash[tx.Hash] = tx
	heap.Push(p.entries, &txEntry{tx: tx})
	return nil
}

// lowestFee finds the entry that would be evicted first: the lowest total
// fee, ties broken against the latest arrival. The heap orders by fee
// price for draining, so the eviction candidate needs a scan.
// Caller holds p.mu.
func (p *Pool) lowestFee() *txEntry {
	var worst *txEntry
	for _, entry := range p.entries.txs {
		if worst == nil {
			worst = entry
			continue
		}
		if entry.tx.Fee() < worst.tx.Fee() ||
			(entry.tx.Fee() == worst.tx.Fee() && entry.tx.seq > worst.tx.seq) {
			worst = entry
		}
	}
	return worst
}

// Drain removes and returns up to maxCount entries, at most maxBytes in
// aggregate size, best fee first. The returned slice is a frozen batch.
func (p *Pool) Drain(maxBytes, maxCount int) []*Tx {
	p.mu.Lock()
	defer p.mu.Unlock()

	var batch []*Tx
	var bytes int
	for p.entries.Len() > 0 && len(batch) < maxCount {
		top := p.entries.txs[0]
		if bytes+top.tx.Size > maxBytes {
			break
		}
		heap.Pop(p.entries)
		delete(p.byHash, top.tx.Hash)
		bytes += top.tx.Size
		batch = append(batch, top.tx)
	}
	return batch
}

// Requeue returns entries from a failed block attempt to the pool. They
// keep their original admission sequence so a retried slot sees the same
// ordering; duplicates and capacity are not re-checked because the entries
// were already admitted once.
func (p *Pool) Requeue(txs []*Tx) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, tx := range txs {
		if _, exists := p.byHash[tx.Hash]; exists {
			continue
		}
		p.byHash[tx.Hash] = tx
		heap.Push(p.entries, &txEntry{tx: tx})
	}
}

// Len returns current occupancy.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byHash)
}

// Contains reports whether a hash is pending.
func (p *Pool) Contains(hash string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.byHash[hash]
	return ok
}
