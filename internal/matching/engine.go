package matching

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/terminal-bench/gridchain/internal/ledger"
	"github.com/terminal-bench/gridchain/internal/mempool"
	"github.com/terminal-bench/gridchain/pkg/orderbook"
)

// SettlementStatus is the lifecycle of a trade.
type SettlementStatus string

const (
	SettlementPending SettlementStatus = "pending"
	SettlementSettled SettlementStatus = "settled"
	SettlementFailed  SettlementStatus = "failed"
)

// Trade is the result of matching one bid against one ask. Immutable once
// created except for the settlement status transition.
type Trade struct {
	ID          uuid.UUID
	Market      string
	BuyOrderID  uuid.UUID
	SellOrderID uuid.UUID
	Buyer       string
	Seller      string
	Amount      decimal.Decimal // kWh
	Price       decimal.Decimal // minor units per kWh
	Value       int64           // minor units
	GridFee     int64           // minor units
	Status      SettlementStatus
	Timestamp   time.Time
}

// Transaction payloads carried through the mempool.

// SubmitOrder asks for admission of a new order to its market book.
type SubmitOrder struct {
	Order *orderbook.Order
}

// CancelOrder withdraws an open order and releases its held funds.
type CancelOrder struct {
	OrderID uuid.UUID
	Owner   string
}

// Transfer moves funds between two accounts outside of trading.
type Transfer struct {
	From   string
	To     string
	Amount int64
	Nonce  uint64
}

// TxFailure attributes a rejected transaction or failed trade to its id.
type TxFailure struct {
	Ref string
	Err error
}

// OrderEventKind names one order lifecycle change.
type OrderEventKind string

const (
	OrderAccepted  OrderEventKind = "accepted"
	OrderRejected  OrderEventKind = "rejected"
	OrderFilled    OrderEventKind = "filled"
	OrderCancelled OrderEventKind = "cancelled"
	OrderExpired   OrderEventKind = "expired"
)

// OrderEvent records one lifecycle change an epoch produced. The order
// is a copy frozen at the moment of the change; later fills in the same
// epoch do not mutate it.
type OrderEvent struct {
	Kind   OrderEventKind
	Order  *orderbook.Order
	Reason string // set for rejections
}

// Config sets the settlement fee policy.
type Config struct {
	FeeBPS  int64  // grid fee in basis points of trade value
	FeeSink string // account credited with grid fees
}

// State is the market-side state the consensus layer snapshots per block
// proposal: every market book plus the funds held per open order.
type State struct {
	books   map[string]*orderbook.Book
	markets map[uuid.UUID]string // order id -> market key
	locks   map[uuid.UUID]int64  // order id -> funds still held
}

// NewState creates empty market state.
func NewState() *State {
	return &State{
		books:   make(map[string]*orderbook.Book),
		markets: make(map[uuid.UUID]string),
		locks:   make(map[uuid.UUID]int64),
	}
}

// Clone deep-copies the state.
func (s *State) Clone() *State {
	cp := NewState()
	for key, book := range s.books {
		cp.books[key] = book.Clone()
	}
	for id, market := range s.markets {
		cp.markets[id] = market
	}
	for id, held := range s.locks {
		cp.locks[id] = held
	}
	return cp
}

// Book returns the book for a market key, if any.
func (s *State) Book(market string) (*orderbook.Book, bool) {
	book, ok := s.books[market]
	return book, ok
}

// FindOrder resolves an order by id across all markets.
func (s *State) FindOrder(id uuid.UUID) (*orderbook.Order, bool) {
	market, ok := s.markets[id]
	if !ok {
		return nil, false
	}
	return s.books[market].Get(id)
}

// EpochResult is everything one matching epoch produced: the trades, the
// transitions already applied to the staged ledger, the transactions that
// made it into the block, and attributable failures.
type EpochResult struct {
	Trades      []*Trade
	Transitions []ledger.Transition
	Accepted    []*mempool.Tx
	Failed      []TxFailure
	Orders      []OrderEvent
	MatchTime   time.Duration
}

// Engine turns drained transactions into trades and ledger transitions.
// It owns the canonical market state; proposals run against a snapshot
// that is committed only when the block finalizes.
type Engine struct {
	cfg   Config
	state *State

	mu sync.Mutex
}

// NewEngine creates a matching engine with the given fee policy.
func NewEngine(cfg Config) *Engine {
	return &Engine{cfg: cfg, state: NewState()}
}

// Snapshot returns a deep copy of the canonical market state.
func (e *Engine) Snapshot() *State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Clone()
}

// Commit replaces the canonical market state with a finalized epoch's.
func (e *Engine) Commit(st *State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = st
}

// Order resolves an order by id against canonical state.
func (e *Engine) Order(id uuid.UUID) (*orderbook.Order, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.FindOrder(id)
}

// Depth returns aggregated levels for a market from canonical state.
func (e *Engine) Depth(market string, levels int) ([]orderbook.PriceLevel, []orderbook.PriceLevel) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if book, ok := e.state.books[market]; ok {
		return book.Depth(levels)
	}
	return nil, nil
}

// Quote returns the best bid and ask levels and the live order count for
// a market from canonical state. A missing side is nil.
func (e *Engine) Quote(market string) (bid, ask *orderbook.PriceLevel, open int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	book, ok := e.state.books[market]
	if !ok {
		return nil, nil, 0
	}
	if price, qty, ok := book.BestBid(); ok {
		bid = &orderbook.PriceLevel{Price: price, Quantity: qty}
	}
	if price, qty, ok := book.BestAsk(); ok {
		ask = &orderbook.PriceLevel{Price: price, Quantity: qty}
	}
	return bid, ask, book.OpenOrders()
}

// moneyValue converts an energy amount at a price to minor units,
// rounding down so a sum of partial-fill values never exceeds the
// value of the whole quantity at the limit price.
func moneyValue(amount, price decimal.Decimal) int64 {
	return amount.Mul(price).Floor().IntPart()
}

// energyWh converts a kWh amount to whole Wh.
func energyWh(amount decimal.Decimal) int64 {
	return amount.Mul(decimal.NewFromInt(1000)).Round(0).IntPart()
}

// tradeID derives a trade identifier every validator computes identically
// when replaying the same block. The cumulative fill quantities make
// repeat fills of the same order pair distinct.
func tradeID(market string, fill orderbook.Fill) uuid.UUID {
	seed := fmt.Sprintf("%s|%s|%s|%s|%s",
		market, fill.BuyOrder.ID, fill.SellOrder.ID,
		fill.BuyOrder.Filled.String(), fill.SellOrder.Filled.String())
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(seed))
}

func (e *Engine) gridFee(value int64) int64 {
	return value * e.cfg.FeeBPS / 10_000
}

// worstCase is the most a buy order can cost for the given quantity:
// value at the limit price plus the grid fee on it. The hold rounds up
// while fill values round down, so settlement debits stay within it.
func (e *Engine) worstCase(order *orderbook.Order, amount decimal.Decimal) int64 {
	value := amount.Mul(order.Price).Ceil().IntPart()
	return value + e.gridFee(value)
}

// RunEpoch processes one drained batch in admission order against the
// staged ledger and market state: admit/cancel orders, purge expired ones,
// match every touched market, and settle the resulting trades atomically.
// The staged state is only published if the surrounding block finalizes.
// now is the proposing block's timestamp, not wall time: every validator
// replaying the block must purge the same expired orders.
func (e *Engine) RunEpoch(ctx context.Context, st *State, led *ledger.Ledger, now time.Time, txs []*mempool.Tx) (*EpochResult, error) {
	result := &EpochResult{}

	for _, tx := range txs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var err error
		switch payload := tx.Payload.(type) {
		case SubmitOrder:
			err = e.admitOrder(st, led, result, payload.Order)
		case CancelOrder:
			err = e.cancelOrder(st, led, result, payload)
		case Transfer:
			err = e.transfer(led, result, tx.Hash, payload)
		default:
			err = fmt.Errorf("unknown payload type %T", tx.Payload)
		}
		if err != nil {
			result.Failed = append(result.Failed, TxFailure{Ref: tx.Hash, Err: err})
			if payload, ok := tx.Payload.(SubmitOrder); ok {
				result.Orders = append(result.Orders, OrderEvent{
					Kind: OrderRejected, Order: payload.Order.Copy(), Reason: err.Error(),
				})
			}
			continue
		}
		result.Accepted = append(result.Accepted, tx)
	}

	e.releaseExpired(st, led, result, now)

	// Matching and settlement run market by market in sorted key order.
	// One account can be active in several markets at once, so the
	// settlement order against the shared ledger must be identical on
	// every validator; parallel per-market settlement would make failure
	// outcomes depend on scheduling.
	start := time.Now()
	markets := make([]string, 0, len(st.books))
	for market := range st.books {
		markets = append(markets, market)
	}
	sort.Strings(markets)
	for _, market := range markets {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		e.settleMarket(st, led, result, market, now)
	}
	result.MatchTime = time.Since(start)
	return result, nil
}

// admitOrder verifies the owner can cover the order's worst case, holds
// the funds for buys, and rests the order in its market book. The order
// is copied into the staged book: the submitted transaction must stay
// pristine for requeue and for replay on other validators.
func (e *Engine) admitOrder(st *State, led *ledger.Ledger, result *EpochResult, submitted *orderbook.Order) error {
	order := submitted.Copy()
	market := orderbook.MarketKey(order.Source, order.Region)
	book, ok := st.books[market]
	if !ok {
		book = orderbook.NewBook(market)
		st.books[market] = book
	}

	if order.Side == orderbook.SideBuy {
		hold := e.worstCase(order, order.Amount)
		t := ledger.Transition{
			Ref: "hold-" + order.ID.String(),
			Ops: []ledger.Op{{Account: order.Owner, Kind: ledger.OpLock, Amount: hold}},
		}
		if _, err := led.Apply(t); err != nil {
			return fmt.Errorf("order %s: %w", order.ID, err)
		}
		if _, err := book.Submit(order); err != nil {
			led.Apply(ledger.Transition{
				Ref: "unhold-" + order.ID.String(),
				Ops: []ledger.Op{{Account: order.Owner, Kind: ledger.OpUnlock, Amount: hold}},
			})
			return err
		}
		st.locks[order.ID] = hold
		result.Transitions = append(result.Transitions, t)
	} else {
		// Sellers deliver energy; check the sub-balance now, re-checked
		// again at settlement.
		acct, ok := led.GetAccount(order.Owner)
		if !ok || acct.Sources[order.Source] < energyWh(order.Amount) {
			return fmt.Errorf("order %s: %w: %s has insufficient %s energy",
				order.ID, ledger.ErrInsufficientFunds, order.Owner, order.Source)
		}
		if _, err := book.Submit(order); err != nil {
			return err
		}
	}

	st.markets[order.ID] = market
	result.Orders = append(result.Orders, OrderEvent{Kind: OrderAccepted, Order: order.Copy()})
	return nil
}

// cancelOrder withdraws an order and releases whatever is still held.
func (e *Engine) cancelOrder(st *State, led *ledger.Ledger, result *EpochResult, payload CancelOrder) error {
	market, ok := st.markets[payload.OrderID]
	if !ok {
		return fmt.Errorf("cancel %s: %w", payload.OrderID, orderbook.ErrNotFound)
	}
	if err := st.books[market].Cancel(payload.OrderID, payload.Owner); err != nil {
		return fmt.Errorf("cancel %s: %w", payload.OrderID, err)
	}
	e.releaseHold(st, led, result, payload.OrderID, payload.Owner)
	if order, ok := st.books[market].Get(payload.OrderID); ok {
		result.Orders = append(result.Orders, OrderEvent{Kind: OrderCancelled, Order: order.Copy()})
	}
	return nil
}

// transfer applies a plain balance movement with a nonce check.
func (e *Engine) transfer(led *ledger.Ledger, result *EpochResult, ref string, payload Transfer) error {
	t := ledger.Transition{
		Ref:   ref,
		Nonce: &ledger.NonceCheck{Account: payload.From, Expected: payload.Nonce},
		Ops: []ledger.Op{
			{Account: payload.From, Kind: ledger.OpDebit, Amount: payload.Amount},
			{Account: payload.To, Kind: ledger.OpCredit, Amount: payload.Amount},
		},
	}
	if _, err := led.Apply(t); err != nil {
		return fmt.Errorf("transfer %s: %w", ref, err)
	}
	result.Transitions = append(result.Transitions, t)
	return nil
}

// releaseExpired purges every timed-out order and releases its hold.
func (e *Engine) releaseExpired(st *State, led *ledger.Ledger, result *EpochResult, now time.Time) {
	keys := make([]string, 0, len(st.books))
	for key := range st.books {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		for _, order := range st.books[key].PurgeExpired(now) {
			e.releaseHold(st, led, result, order.ID, order.Owner)
			result.Orders = append(result.Orders, OrderEvent{Kind: OrderExpired, Order: order.Copy()})
		}
	}
}

// releaseHold unlocks the funds still held for an order, if any.
func (e *Engine) releaseHold(st *State, led *ledger.Ledger, result *EpochResult, orderID uuid.UUID, owner string) {
	held, ok := st.locks[orderID]
	if !ok || held == 0 {
		delete(st.locks, orderID)
		return
	}
	t := ledger.Transition{
		Ref: "release-" + orderID.String(),
		Ops: []ledger.Op{{Account: owner, Kind: ledger.OpUnlock, Amount: held}},
	}
	if _, err := led.Apply(t); err == nil {
		result.Transitions = append(result.Transitions, t)
	}
	delete(st.locks, orderID)
}

// settleMarket matches one market, settling every fill as it happens. A
// rejected transition is retried once; if it still fails, the trade is
// marked failed, the fill is unwound inside the book, and the pair sits
// out the rest of the epoch.
func (e *Engine) settleMarket(st *State, led *ledger.Ledger, result *EpochResult, market string, now time.Time) {
	book := st.books[market]
	var fullyFilledBuys []*orderbook.Order

	book.Match(now, func(fill orderbook.Fill) error {
		buy, sell := fill.BuyOrder, fill.SellOrder
		trade := &Trade{
			ID:          tradeID(market, fill),
			Market:      market,
			BuyOrderID:  buy.ID,
			SellOrderID: sell.ID,
			Buyer:       buy.Owner,
			Seller:      sell.Owner,
			Amount:      fill.Amount,
			Price:       fill.Price,
			Status:      SettlementPending,
			Timestamp:   fill.Timestamp,
		}
		trade.Value = moneyValue(fill.Amount, fill.Price)
		trade.GridFee = e.gridFee(trade.Value)

		t := e.settlementTransition(st, trade, buy, sell)
		var err error
		for attempt := 0; attempt < 2; attempt++ {
			if _, err = led.Apply(t); err == nil {
				break
			}
		}
		if err != nil {
			trade.Status = SettlementFailed
			result.Trades = append(result.Trades, trade)
			result.Failed = append(result.Failed, TxFailure{Ref: trade.ID.String(), Err: err})
			return err
		}

		trade.Status = SettlementSettled
		result.Trades = append(result.Trades, trade)
		result.Transitions = append(result.Transitions, t)
		result.Orders = append(result.Orders,
			OrderEvent{Kind: OrderFilled, Order: buy.Copy()},
			OrderEvent{Kind: OrderFilled, Order: sell.Copy()})

		st.locks[buy.ID] -= e.debitFor(st, trade, buy)
		if buy.Status == orderbook.StatusFilled {
			// Hold release must wait until matching finishes; the order is
			// retired right after this callback returns.
			fullyFilledBuys = append(fullyFilledBuys, buy)
		}
		return nil
	})

	// Return rounding surplus from better-than-limit executions.
	for _, buy := range fullyFilledBuys {
		e.releaseHold(st, led, result, buy.ID, buy.Owner)
	}
}

// debitFor is how much of the buyer's hold one trade consumed: the trade
// value plus fee, capped at what is still held.
func (e *Engine) debitFor(st *State, trade *Trade, buy *orderbook.Order) int64 {
	consumed := trade.Value + trade.GridFee
	if held := st.locks[buy.ID]; consumed > held {
		return held
	}
	return consumed
}

// settlementTransition moves money from the buyer's held funds to the
// seller and fee sink, and energy from the seller to the buyer.
func (e *Engine) settlementTransition(st *State, trade *Trade, buy, sell *orderbook.Order) ledger.Transition {
	wh := energyWh(trade.Amount)
	debit := e.debitFor(st, trade, buy)
	ops := []ledger.Op{
		{Account: trade.Buyer, Kind: ledger.OpDebitLocked, Amount: debit},
		{Account: trade.Seller, Kind: ledger.OpCredit, Amount: trade.Value},
		{Account: trade.Seller, Kind: ledger.OpDebitEnergy, Amount: wh, Source: sell.Source},
		{Account: trade.Buyer, Kind: ledger.OpCreditEnergy, Amount: wh, Source: sell.Source},
	}
	if fee := debit - trade.Value; fee > 0 {
		ops = append(ops, ledger.Op{Account: e.cfg.FeeSink, Kind: ledger.OpCredit, Amount: fee})
	}
	return ledger.Transition{Ref: "trade-" + trade.ID.String(), Ops: ops}
}
