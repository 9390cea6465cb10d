package orderbook

import (
	"container/heap"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Side represents order side
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Status represents the lifecycle state of an order. Transitions are
// monotone: an order never returns from a terminal state.
type Status string

const (
	StatusPending         Status = "pending"
	StatusPartiallyFilled Status = "partially_filled"
	StatusFilled          Status = "filled"
	StatusCancelled       Status = "cancelled"
	StatusExpired         Status = "expired"
)

// Terminal reports whether the status is terminal.
func (s Status) Terminal() bool {
	return s == StatusFilled || s == StatusCancelled || s == StatusExpired
}

var (
	ErrNotFound        = errors.New("order not found")
	ErrNotOwner        = errors.New("caller is not the order owner")
	ErrAlreadyTerminal = errors.New("order already in a terminal state")
	ErrDuplicateOrder  = errors.New("order already exists")
	ErrInvalidOrder    = errors.New("order amount and price must be positive")
)

// Order is a resting order in an energy market book.
type Order struct {
	ID        uuid.UUID
	Owner     string
	Side      Side
	Amount    decimal.Decimal // energy amount, kWh
	Price     decimal.Decimal // limit price per kWh
	Source    string          // energy source tag, e.g. "solar"
	Region    string          // grid region constraint
	Filled    decimal.Decimal
	Status    Status
	CreatedAt time.Time
	ExpiresAt *time.Time

	seq   uint64 // arrival sequence, fixes time priority
	index int    // heap position
}

// Remaining returns the unfilled quantity.
func (o *Order) Remaining() decimal.Decimal {
	return o.Amount.Sub(o.Filled)
}

// Expired reports whether the order is past its expiry at the given time.
func (o *Order) Expired(now time.Time) bool {
	return o.ExpiresAt != nil && now.After(*o.ExpiresAt)
}

// Copy returns an independent copy of the order. Callers that stage an
// order into cloned state must copy it first so a discarded proposal
// leaves the submitted order untouched.
func (o *Order) Copy() *Order {
	dup := *o
	return &dup
}

// Fill is one match between a bid and an ask. The price is always the
// resting (earlier-arrived) order's limit price.
type Fill struct {
	BuyOrder  *Order
	SellOrder *Order
	Amount    decimal.Decimal
	Price     decimal.Decimal
	Timestamp time.Time
}

// Book is a single-market limit order book with price-time priority.
// A market is one (energy source, grid region) pair; books never match
// across markets.
type Book struct {
	market  string
	bids    *orderHeap
	asks    *orderHeap
	orders  map[uuid.UUID]*Order
	archive map[uuid.UUID]*Order // terminal orders
	nextSeq uint64

	mu sync.Mutex
}

// MarketKey builds the book key for an energy source and grid region.
func MarketKey(source, region string) string {
	return source + "/" + region
}

// orderHeap implements heap.Interface over orders of one side.
type orderHeap struct {
	orders []*Order
	isAsk  bool // asks: min heap by price; bids: max heap
}

func (h *orderHeap) Len() int { return len(h.orders) }

func (h *orderHeap) Less(i, j int) bool {
	cmp := h.orders[i].Price.Cmp(h.orders[j].Price)
	if cmp == 0 {
		// Same price: earlier arrival wins on both sides.
		return h.orders[i].seq < h.orders[j].seq
	}
	if h.isAsk {
		return cmp < 0
	}
	return cmp > 0
}

func (h *orderHeap) Swap(i, j int) {
	h.orders[i], h.orders[j] = h.orders[j], h.orders[i]
	h.orders[i].index = i
	h.orders[j].index = j
}

func (h *orderHeap) Push(x interface{}) {
	n := len(h.orders)
	order := x.(*Order)
	order.index = n
	h.orders = append(h.orders, order)
}

func (h *orderHeap) Pop() interface{} {
	old := h.orders
	n := len(old)
	order := old[n-1]
	old[n-1] = nil
	order.index = -1
	h.orders = old[0 : n-1]
	return order
}

// NewBook creates an empty book for one market.
func NewBook(market string) *Book {
	return &Book{
		market:  market,
		bids:    &orderHeap{isAsk: false},
		asks:    &orderHeap{isAsk: true},
		orders:  make(map[uuid.UUID]*Order),
		archive: make(map[uuid.UUID]*Order),
	}
}

// Market returns the book's market key.
func (b *Book) Market() string { return b.market }

// Submit admits an order to the book and assigns its arrival sequence.
func (b *Book) Submit(order *Order) (uuid.UUID, error) {
	if order.Amount.Sign() <= 0 || order.Price.Sign() <= 0 {
		return uuid.Nil, fmt.Errorf("%w: order %s", ErrInvalidOrder, order.ID)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.orders[order.ID]; exists {
		return uuid.Nil, fmt.Errorf("%w: %s", ErrDuplicateOrder, order.ID)
	}
	if _, exists := b.archive[order.ID]; exists {
		return uuid.Nil, fmt.Errorf("%w: %s", ErrDuplicateOrder, order.ID)
	}

	b.nextSeq++
	order.seq = b.nextSeq
	order.Status = StatusPending
	order.Filled = decimal.Zero
	b.orders[order.ID] = order

	if order.Side == SideBuy {
		heap.Push(b.bids, order)
	} else {
		heap.Push(b.asks, order)
	}
	return order.ID, nil
}

// Cancel removes an open order. Only the owner may cancel; cancelling an
// order that already left pending/partially_filled fails with
// ErrAlreadyTerminal.
func (b *Book) Cancel(orderID uuid.UUID, owner string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	order, exists := b.orders[orderID]
	if !exists {
		if archived, ok := b.archive[orderID]; ok {
			if archived.Owner != owner {
				return fmt.Errorf("%w: order %s", ErrNotOwner, orderID)
			}
			return fmt.Errorf("%w: order %s is %s", ErrAlreadyTerminal, orderID, archived.Status)
		}
		return fmt.Errorf("%w: %s", ErrNotFound, orderID)
	}
	if order.Owner != owner {
		return fmt.Errorf("%w: order %s", ErrNotOwner, orderID)
	}

	order.Status = StatusCancelled
	b.retire(order)
	return nil
}

// retire moves an order out of the live book into the archive.
// Caller holds b.mu.
func (b *Book) retire(order *Order) {
	if order.index >= 0 {
		if order.Side == SideBuy {
			heap.Remove(b.bids, order.index)
		} else {
			heap.Remove(b.asks, order.index)
		}
	}
	delete(b.orders, order.ID)
	b.archive[order.ID] = order
}

// Match purges expired orders and matches crossing pairs until no bid
// price meets an ask price. Fills execute at the resting (earlier-arrived)
// order's price for min(remaining bid, remaining ask); partial fills keep
// their arrival rank.
//
// When settle is non-nil it runs for every fill before the fill is
// committed. If it returns an error the fill is unwound, restoring both
// orders to their pre-fill quantity and status, and the pair is excluded
// from the rest of this batch; both orders stay in the book for the next
// epoch. Only committed fills are returned.
func (b *Book) Match(now time.Time, settle func(Fill) error) []Fill {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.purgeExpired(now)

	var fills []Fill
	var parked []*Order // orders excluded after a failed settlement
	skip := make(map[uuid.UUID]bool)

	for b.bids.Len() > 0 && b.asks.Len() > 0 {
		bestBid := b.bids.orders[0]
		if skip[bestBid.ID] {
			parked = append(parked, heap.Pop(b.bids).(*Order))
			continue
		}
		bestAsk := b.asks.orders[0]
		if skip[bestAsk.ID] {
			parked = append(parked, heap.Pop(b.asks).(*Order))
			continue
		}

		if bestBid.Price.LessThan(bestAsk.Price) {
			break
		}

		amount := decimal.Min(bestBid.Remaining(), bestAsk.Remaining())

		// The earlier-arrived order was resting; it sets the price.
		price := bestBid.Price
		if bestAsk.seq < bestBid.seq {
			price = bestAsk.Price
		}

		fill := Fill{
			BuyOrder:  bestBid,
			SellOrder: bestAsk,
			Amount:    amount,
			Price:     price,
			Timestamp: now,
		}

		// Tentatively advance both orders so the settle callback sees the
		// post-fill book.
		preBid := b.advance(bestBid, amount)
		preAsk := b.advance(bestAsk, amount)

		if settle != nil {
			if err := settle(fill); err != nil {
				b.rewind(bestBid, preBid)
				b.rewind(bestAsk, preAsk)
				skip[bestBid.ID] = true
				skip[bestAsk.ID] = true
				continue
			}
		}

		fills = append(fills, fill)
		if bestBid.Remaining().IsZero() {
			b.retire(bestBid)
		}
		if bestAsk.Remaining().IsZero() {
			b.retire(bestAsk)
		}
	}

	// Skipped orders re-enter at their original rank.
	for _, order := range parked {
		if order.Side == SideBuy {
			heap.Push(b.bids, order)
		} else {
			heap.Push(b.asks, order)
		}
	}
	return fills
}

type fillState struct {
	filled decimal.Decimal
	status Status
}

// advance applies a fill amount to an order and returns its prior state.
// Caller holds b.mu.
func (b *Book) advance(order *Order, amount decimal.Decimal) fillState {
	prev := fillState{filled: order.Filled, status: order.Status}
	order.Filled = order.Filled.Add(amount)
	if order.Filled.GreaterThanOrEqual(order.Amount) {
		order.Status = StatusFilled
	} else {
		order.Status = StatusPartiallyFilled
	}
	return prev
}

// rewind undoes an uncommitted fill. Caller holds b.mu.
func (b *Book) rewind(order *Order, prev fillState) {
	order.Filled = prev.filled
	order.Status = prev.status
}

// purgeExpired marks and retires every order past its expiry.
// Caller holds b.mu.
func (b *Book) purgeExpired(now time.Time) []*Order {
	var expired []*Order
	for _, order := range b.orders {
		if order.Expired(now) {
			expired = append(expired, order)
		}
	}
	for _, order := range expired {
		order.Status = StatusExpired
		b.retire(order)
	}
	return expired
}

// PurgeExpired retires every order past its expiry and returns them, so
// the caller can release any funds held for them.
func (b *Book) PurgeExpired(now time.Time) []*Order {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.purgeExpired(now)
}

// Clone returns a deep copy of the book, preserving arrival ranks. Block
// proposal matches against a clone so a discarded proposal leaves the
// canonical book untouched.
func (b *Book) Clone() *Book {
	b.mu.Lock()
	defer b.mu.Unlock()

	cp := NewBook(b.market)
	cp.nextSeq = b.nextSeq
	for id, o := range b.archive {
		cp.archive[id] = o.Copy()
	}
	for _, o := range b.orders {
		dup := o.Copy()
		cp.orders[dup.ID] = dup
		if dup.Side == SideBuy {
			heap.Push(cp.bids, dup)
		} else {
			heap.Push(cp.asks, dup)
		}
	}
	return cp
}

// Get returns an order by ID, live or archived.
func (b *Book) Get(orderID uuid.UUID) (*Order, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if order, ok := b.orders[orderID]; ok {
		return order, true
	}
	order, ok := b.archive[orderID]
	return order, ok
}

// BestBid returns the highest live bid price and its remaining quantity.
func (b *Book) BestBid() (decimal.Decimal, decimal.Decimal, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.bids.Len() == 0 {
		return decimal.Zero, decimal.Zero, false
	}
	best := b.bids.orders[0]
	return best.Price, best.Remaining(), true
}

// BestAsk returns the lowest live ask price and its remaining quantity.
func (b *Book) BestAsk() (decimal.Decimal, decimal.Decimal, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.asks.Len() == 0 {
		return decimal.Zero, decimal.Zero, false
	}
	best := b.asks.orders[0]
	return best.Price, best.Remaining(), true
}

// OpenOrders returns the number of live orders.
func (b *Book) OpenOrders() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.orders)
}

// PriceLevel is an aggregated quantity at one price.
type PriceLevel struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// Depth returns up to maxLevels aggregated bid and ask levels, best first.
func (b *Book) Depth(maxLevels int) ([]PriceLevel, []PriceLevel) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return aggregateLevels(b.bids, maxLevels), aggregateLevels(b.asks, maxLevels)
}

func aggregateLevels(h *orderHeap, maxLevels int) []PriceLevel {
	byPrice := make(map[string]int)
	var levels []PriceLevel
	for _, order := range h.orders {
		remaining := order.Remaining()
		if remaining.IsZero() {
			continue
		}
		key := order.Price.String()
		if idx, ok := byPrice[key]; ok {
			levels[idx].Quantity = levels[idx].Quantity.Add(remaining)
			continue
		}
		byPrice[key] = len(levels)
		levels = append(levels, PriceLevel{Price: order.Price, Quantity: remaining})
	}

	// Best level first: descending prices for bids, ascending for asks.
	for i := 0; i < len(levels); i++ {
		for j := i + 1; j < len(levels); j++ {
			cmp := levels[i].Price.Cmp(levels[j].Price)
			better := cmp < 0
			if h.isAsk {
				better = cmp > 0
			}
			if better {
				levels[i], levels[j] = levels[j], levels[i]
			}
		}
	}
	if len(levels) > maxLevels {
		levels = levels[:maxLevels]
	}
	return levels
}
