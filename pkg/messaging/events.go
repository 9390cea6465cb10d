package messaging

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Subjects published by the node.
const (
	// Order lifecycle
	OrderAccepted  = "order.accepted"
	OrderRejected  = "order.rejected"
	OrderFilled    = "order.filled"
	OrderCancelled = "order.cancelled"
	OrderExpired   = "order.expired"

	// Trade lifecycle
	TradeSettled = "trade.settled"
	TradeFailed  = "trade.failed"

	// Chain lifecycle
	BlockFinalized = "block.finalized"

	// Ledger
	AccountUpdated = "account.updated"
)

// Envelope is the wire frame common to every published event.
type Envelope struct {
	ID        uuid.UUID       `json:"id"`
	Type      string          `json:"type"`
	Source    string          `json:"source"` // publishing validator id
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// NewEnvelope wraps payload data into a publishable envelope.
func NewEnvelope(eventType, source string, data interface{}) (*Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s event: %w", eventType, err)
	}
	return &Envelope{
		ID:        uuid.New(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      raw,
	}, nil
}

// TradeData describes one settled or failed trade.
type TradeData struct {
	TradeID     uuid.UUID `json:"trade_id"`
	Market      string    `json:"market"`
	BuyOrderID  uuid.UUID `json:"buy_order_id"`
	SellOrderID uuid.UUID `json:"sell_order_id"`
	Buyer       string    `json:"buyer"`
	Seller      string    `json:"seller"`
	Amount      string    `json:"amount"` // kWh
	Price       string    `json:"price"`  // minor units per kWh
	Value       int64     `json:"value"`
	GridFee     int64     `json:"grid_fee"`
	Status      string    `json:"status"`
	BlockHeight uint64    `json:"block_height"`
	Timestamp   time.Time `json:"timestamp"`
}

// BlockData describes a finalized block header.
type BlockData struct {
	Height     uint64    `json:"height"`
	Hash       string    `json:"hash"`
	ParentHash string    `json:"parent_hash"`
	Proposer   string    `json:"proposer"`
	StateRoot  string    `json:"state_root"`
	TxCount    int       `json:"tx_count"`
	TradeCount int       `json:"trade_count"`
	Signers    []string  `json:"signers"`
	Timestamp  time.Time `json:"timestamp"`
}

// OrderData describes an order lifecycle change.
type OrderData struct {
	OrderID   uuid.UUID `json:"order_id"`
	Owner     string    `json:"owner"`
	Market    string    `json:"market"`
	Side      string    `json:"side"`
	Amount    string    `json:"amount"`
	Price     string    `json:"price"`
	Filled    string    `json:"filled"`
	Status    string    `json:"status"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// AccountData describes a post-block account snapshot.
type AccountData struct {
	Account     string           `json:"account"`
	Total       int64            `json:"total"`
	Available   int64            `json:"available"`
	Locked      int64            `json:"locked"`
	Nonce       uint64           `json:"nonce"`
	Sources     map[string]int64 `json:"sources,omitempty"`
	BlockHeight uint64           `json:"block_height"`
}
