package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/terminal-bench/gridchain/internal/chain"
	"github.com/terminal-bench/gridchain/internal/ledger"
	"github.com/terminal-bench/gridchain/internal/matching"
)

var ErrNotFound = errors.New("not found in store")

// Store persists finalized blocks, their trades, and the ledger
// transitions each block applied. The transition log is the replay
// source: applying every stored transition in height order onto an
// empty ledger reproduces the canonical account table.
type Store struct {
	db *sql.DB
}

// Open connects to Postgres and verifies the connection.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing connection, mainly for tests.
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// InitSchema creates the tables if they do not exist.
func (s *Store) InitSchema(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS blocks (
			height BIGINT PRIMARY KEY,
			hash TEXT NOT NULL UNIQUE,
			parent_hash TEXT NOT NULL,
			proposer TEXT NOT NULL,
			round BIGINT NOT NULL DEFAULT 0,
			state_root TEXT NOT NULL,
			tx_hashes JSONB NOT NULL,
			trade_ids JSONB NOT NULL,
			signatures JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS block_transitions (
			height BIGINT NOT NULL REFERENCES blocks(height),
			seq INT NOT NULL,
			ref TEXT NOT NULL,
			body JSONB NOT NULL,
			PRIMARY KEY (height, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS trades (
			id UUID PRIMARY KEY,
			block_height BIGINT NOT NULL REFERENCES blocks(height),
			market TEXT NOT NULL,
			buy_order UUID NOT NULL,
			sell_order UUID NOT NULL,
			buyer TEXT NOT NULL,
			seller TEXT NOT NULL,
			amount TEXT NOT NULL,
			price TEXT NOT NULL,
			value BIGINT NOT NULL,
			grid_fee BIGINT NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS accounts (
			id TEXT PRIMARY KEY,
			total BIGINT NOT NULL,
			available BIGINT NOT NULL,
			locked BIGINT NOT NULL,
			nonce BIGINT NOT NULL,
			sources JSONB NOT NULL,
			updated_height BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS participants (
			id UUID PRIMARY KEY,
			account TEXT NOT NULL UNIQUE,
			role TEXT NOT NULL,
			password_hash TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS api_keys (
			id UUID PRIMARY KEY,
			account TEXT NOT NULL,
			key_hash TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
	}
	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// DB exposes the underlying handle for collaborators sharing the pool.
func (s *Store) DB() *sql.DB { return s.db }

// SaveBlock records a finalized block, its trades, its transition log,
// and the accounts it touched, in one database transaction.
func (s *Store) SaveBlock(ctx context.Context, block *chain.Block, trades []*matching.Trade, transitions []ledger.Transition, accounts []*ledger.Account) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	txHashes, _ := json.Marshal(block.TxHashes)
	tradeIDs, _ := json.Marshal(block.TradeIDs)
	signatures, _ := json.Marshal(block.Signatures)
	_, err = tx.ExecContext(ctx,
		`INSERT INTO blocks (height, hash, parent_hash, proposer, round, state_root, tx_hashes, trade_ids, signatures, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (height) DO NOTHING`,
		block.Height, block.Hash, block.ParentHash, block.Proposer, block.Round, block.StateRoot,
		txHashes, tradeIDs, signatures, block.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to insert block %d: %w", block.Height, err)
	}

	for i, t := range transitions {
		body, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("failed to marshal transition %s: %w", t.Ref, err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO block_transitions (height, seq, ref, body) VALUES ($1, $2, $3, $4)
			 ON CONFLICT (height, seq) DO NOTHING`,
			block.Height, i, t.Ref, body,
		)
		if err != nil {
			return fmt.Errorf("failed to insert transition %s: %w", t.Ref, err)
		}
	}

	for _, trade := range trades {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO trades (id, block_height, market, buy_order, sell_order, buyer, seller, amount, price, value, grid_fee, status, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			 ON CONFLICT (id) DO NOTHING`,
			trade.ID, block.Height, trade.Market, trade.BuyOrderID, trade.SellOrderID,
			trade.Buyer, trade.Seller, trade.Amount.String(), trade.Price.String(),
			trade.Value, trade.GridFee, string(trade.Status), trade.Timestamp,
		)
		if err != nil {
			return fmt.Errorf("failed to insert trade %s: %w", trade.ID, err)
		}
	}

	for _, acct := range accounts {
		sources, _ := json.Marshal(acct.Sources)
		_, err = tx.ExecContext(ctx,
			`INSERT INTO accounts (id, total, available, locked, nonce, sources, updated_height)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (id) DO UPDATE SET
				total = EXCLUDED.total,
				available = EXCLUDED.available,
				locked = EXCLUDED.locked,
				nonce = EXCLUDED.nonce,
				sources = EXCLUDED.sources,
				updated_height = EXCLUDED.updated_height`,
			acct.ID, acct.Total, acct.Available, acct.Locked, acct.Nonce, sources, block.Height,
		)
		if err != nil {
			return fmt.Errorf("failed to upsert account %s: %w", acct.ID, err)
		}
	}

	return tx.Commit()
}

// Block loads one finalized block by height.
func (s *Store) Block(ctx context.Context, height uint64) (*chain.Block, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT height, hash, parent_hash, proposer, round, state_root, tx_hashes, trade_ids, signatures, created_at
		 FROM blocks WHERE height = $1`, height)
	block, err := scanBlock(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("block %d: %w", height, ErrNotFound)
	}
	return block, err
}

// Blocks loads finalized blocks from the given height upward.
func (s *Store) Blocks(ctx context.Context, from uint64) ([]*chain.Block, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT height, hash, parent_hash, proposer, round, state_root, tx_hashes, trade_ids, signatures, created_at
		 FROM blocks WHERE height >= $1 ORDER BY height`, from)
	if err != nil {
		return nil, fmt.Errorf("failed to query blocks: %w", err)
	}
	defer rows.Close()

	var blocks []*chain.Block
	for rows.Next() {
		block, err := scanBlock(rows)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, block)
	}
	return blocks, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanBlock(row rowScanner) (*chain.Block, error) {
	var (
		b                              chain.Block
		txHashes, tradeIDs, signatures []byte
		ts                             time.Time
	)
	err := row.Scan(&b.Height, &b.Hash, &b.ParentHash, &b.Proposer, &b.Round, &b.StateRoot,
		&txHashes, &tradeIDs, &signatures, &ts)
	if err != nil {
		return nil, err
	}
	b.Timestamp = ts.UTC()
	if err := json.Unmarshal(txHashes, &b.TxHashes); err != nil {
		return nil, fmt.Errorf("failed to decode tx hashes: %w", err)
	}
	if err := json.Unmarshal(tradeIDs, &b.TradeIDs); err != nil {
		return nil, fmt.Errorf("failed to decode trade ids: %w", err)
	}
	if err := json.Unmarshal(signatures, &b.Signatures); err != nil {
		return nil, fmt.Errorf("failed to decode signatures: %w", err)
	}
	return &b, nil
}

// Transitions loads the ledger transition log for one block.
func (s *Store) Transitions(ctx context.Context, height uint64) ([]ledger.Transition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT body FROM block_transitions WHERE height = $1 ORDER BY seq`, height)
	if err != nil {
		return nil, fmt.Errorf("failed to query transitions: %w", err)
	}
	defer rows.Close()

	var out []ledger.Transition
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var t ledger.Transition
		if err := json.Unmarshal(body, &t); err != nil {
			return nil, fmt.Errorf("failed to decode transition: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Trades loads the trades settled in one block.
func (s *Store) Trades(ctx context.Context, height uint64) ([]*matching.Trade, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, market, buy_order, sell_order, buyer, seller, amount, price, value, grid_fee, status, created_at
		 FROM trades WHERE block_height = $1 ORDER BY created_at, id`, height)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var trades []*matching.Trade
	for rows.Next() {
		var (
			t             matching.Trade
			id, buy, sell string
			amount, price string
			status        string
		)
		err := rows.Scan(&id, &t.Market, &buy, &sell, &t.Buyer, &t.Seller,
			&amount, &price, &t.Value, &t.GridFee, &status, &t.Timestamp)
		if err != nil {
			return nil, err
		}
		if t.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("failed to parse trade id: %w", err)
		}
		if t.BuyOrderID, err = uuid.Parse(buy); err != nil {
			return nil, fmt.Errorf("failed to parse buy order id: %w", err)
		}
		if t.SellOrderID, err = uuid.Parse(sell); err != nil {
			return nil, fmt.Errorf("failed to parse sell order id: %w", err)
		}
		if t.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("failed to parse trade amount: %w", err)
		}
		if t.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("failed to parse trade price: %w", err)
		}
		t.Status = matching.SettlementStatus(status)
		trades = append(trades, &t)
	}
	return trades, rows.Err()
}

// Snapshot is everything needed to rebuild node state after a restart.
type Snapshot struct {
	Blocks      []*chain.Block
	Transitions map[uint64][]ledger.Transition
	TipHeight   uint64
}

// LoadSnapshot pulls the block history and per-block transition logs.
// The two queries run concurrently on separate pool connections.
func (s *Store) LoadSnapshot(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{Transitions: make(map[uint64][]ledger.Transition)}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		blocks, err := s.Blocks(ctx, 0)
		if err != nil {
			return err
		}
		snap.Blocks = blocks
		return nil
	})
	g.Go(func() error {
		rows, err := s.db.QueryContext(ctx,
			`SELECT height, body FROM block_transitions ORDER BY height, seq`)
		if err != nil {
			return fmt.Errorf("failed to query transition log: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var (
				height uint64
				body   []byte
			)
			if err := rows.Scan(&height, &body); err != nil {
				return err
			}
			var t ledger.Transition
			if err := json.Unmarshal(body, &t); err != nil {
				return fmt.Errorf("failed to decode transition at height %d: %w", height, err)
			}
			snap.Transitions[height] = append(snap.Transitions[height], t)
		}
		return rows.Err()
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if n := len(snap.Blocks); n > 0 {
		snap.TipHeight = snap.Blocks[n-1].Height
	}
	return snap, nil
}

// Replay rebuilds the ledger by applying every stored transition in
// height order and checks each block's declared state root on the way.
func (snap *Snapshot) Replay(led *ledger.Ledger) error {
	for _, block := range snap.Blocks {
		for _, t := range snap.Transitions[block.Height] {
			if _, err := led.Apply(t); err != nil {
				return fmt.Errorf("replay of block %d transition %s: %w", block.Height, t.Ref, err)
			}
		}
		root := led.StateRoot()
		if got := fmt.Sprintf("%x", root[:]); got != block.StateRoot {
			return fmt.Errorf("replay of block %d produced root %s, stored %s", block.Height, got, block.StateRoot)
		}
	}
	return nil
}
