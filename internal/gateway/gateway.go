package gateway

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/terminal-bench/gridchain/internal/auth"
	"github.com/terminal-bench/gridchain/internal/consensus"
	"github.com/terminal-bench/gridchain/internal/matching"
	"github.com/terminal-bench/gridchain/internal/mempool"
	"github.com/terminal-bench/gridchain/pkg/circuit"
	"github.com/terminal-bench/gridchain/pkg/messaging"
	"github.com/terminal-bench/gridchain/pkg/orderbook"
)

// Gateway is the HTTP/WebSocket surface in front of one validator
// node. Writes go into the mempool; reads come from canonical state,
// with finalized blocks served through a Redis read-through cache.
type Gateway struct {
	router    *gin.Engine
	engine    *consensus.Engine
	match     *matching.Engine
	pool      *mempool.Pool
	authSvc   *auth.Service
	cache     *redis.Client
	events    *messaging.Client
	breakers  *circuit.BreakerGroup
	wsClients map[uuid.UUID]*WSClient

	wsMu        sync.RWMutex
	rateLimiter *RateLimiter
}

// WSClient is one connected stream subscriber.
type WSClient struct {
	ID      uuid.UUID
	Account string
	Conn    *websocket.Conn
	Send    chan []byte
	Done    chan struct{}
}

// RateLimiter caps requests per client IP in a sliding window.
type RateLimiter struct {
	requests map[string][]time.Time
	mu       sync.Mutex
	limit    int
	window   time.Duration
}

// Config holds gateway settings.
type Config struct {
	RateLimitWindow time.Duration
	RateLimitMax    int
}

// New assembles the gateway. cache and events may be nil; the gateway
// then serves everything from canonical state without streaming.
func New(cfg Config, engine *consensus.Engine, match *matching.Engine, pool *mempool.Pool, authSvc *auth.Service, cache *redis.Client, events *messaging.Client) *Gateway {
	g := &Gateway{
		router:    gin.Default(),
		engine:    engine,
		match:     match,
		pool:      pool,
		authSvc:   authSvc,
		cache:     cache,
		events:    events,
		wsClients: make(map[uuid.UUID]*WSClient),
		breakers: circuit.NewBreakerGroup(circuit.Config{
			MaxFailures: 5,
			Timeout:     30 * time.Second,
			HalfOpenMax: 3,
		}),
		rateLimiter: &RateLimiter{
			requests: make(map[string][]time.Time),
			limit:    cfg.RateLimitMax,
			window:   cfg.RateLimitWindow,
		},
	}

	g.setupRoutes()
	g.subscribeEvents()
	return g
}

func (g *Gateway) setupRoutes() {
	g.router.Use(g.rateLimitMiddleware())

	g.router.GET("/health", g.healthCheck)

	v1 := g.router.Group("/api/v1")
	{
		v1.POST("/auth/register", g.register)
		v1.POST("/auth/login", g.login)
		v1.POST("/auth/keys", g.authMiddleware(), g.createAPIKey)

		v1.POST("/orders", g.authMiddleware(), g.submitOrder)
		v1.GET("/orders/:id", g.authMiddleware(), g.getOrder)
		v1.DELETE("/orders/:id", g.authMiddleware(), g.cancelOrder)

		v1.POST("/transactions", g.authMiddleware(), g.submitTransfer)

		v1.GET("/blocks", g.listBlocks)
		v1.GET("/blocks/:height", g.getBlock)
		v1.GET("/accounts/:id", g.authMiddleware(), g.getAccount)
		v1.GET("/market/:source/:region/depth", g.getDepth)

		v1.GET("/ws", g.authMiddleware(), g.handleWebSocket)
	}
}

// Start serves until the listener fails.
func (g *Gateway) Start(addr string) error {
	return g.router.Run(addr)
}

// Router exposes the handler for tests and custom servers.
func (g *Gateway) Router() http.Handler { return g.router }

// Middleware

func (g *Gateway) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if key := c.GetHeader("X-API-Key"); key != "" {
			apiKey, err := g.authSvc.VerifyAPIKey(c.Request.Context(), key)
			if err != nil {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid api key"})
				return
			}
			c.Set("account", apiKey.Account)
			c.Set("role", apiKey.Role)
			c.Next()
			return
		}

		token := c.GetHeader("Authorization")
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization"})
			return
		}
		claims, err := g.authSvc.VerifyToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set("account", claims.Account)
		c.Set("role", claims.Role)
		c.Next()
	}
}

func (g *Gateway) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !g.rateLimiter.Allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

// Handlers

func (g *Gateway) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":        "healthy",
		"height":        g.engine.Chain().Height(),
		"phase":         string(g.engine.Phase()),
		"state_version": g.engine.Ledger().Version(),
	})
}

type registerRequest struct {
	Account  string `json:"account" binding:"required"`
	Role     string `json:"role" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (g *Gateway) register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	participant, err := g.authSvc.Register(c.Request.Context(), req.Account, req.Role, req.Password)
	switch {
	case errors.Is(err, auth.ErrAccountExists):
		c.JSON(http.StatusConflict, gin.H{"error": "account already registered"})
	case errors.Is(err, auth.ErrInvalidRole):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid role"})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "registration failed"})
	default:
		c.JSON(http.StatusCreated, participant)
	}
}

type loginRequest struct {
	Account  string `json:"account" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (g *Gateway) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	token, err := g.authSvc.Login(c.Request.Context(), req.Account, req.Password)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token})
}

type createKeyRequest struct {
	Name string `json:"name" binding:"required"`
}

// createAPIKey issues a trading key for the authenticated account. The
// plain key appears in this response only; the server keeps its hash.
func (g *Gateway) createAPIKey(c *gin.Context) {
	var req createKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	account := c.MustGet("account").(string)
	key, err := g.authSvc.CreateAPIKey(c.Request.Context(), account, req.Name)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "key creation failed"})
		return
	}
	c.JSON(http.StatusCreated, key)
}

type submitOrderRequest struct {
	Side      string     `json:"side" binding:"required"`
	Amount    string     `json:"amount" binding:"required"` // kWh
	Price     string     `json:"price" binding:"required"`  // minor units per kWh
	Source    string     `json:"source" binding:"required"`
	Region    string     `json:"region" binding:"required"`
	FeePrice  int64      `json:"fee_price"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

func (g *Gateway) submitOrder(c *gin.Context) {
	var req submitOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	side := orderbook.Side(req.Side)
	if side != orderbook.SideBuy && side != orderbook.SideSell {
		c.JSON(http.StatusBadRequest, gin.H{"error": "side must be buy or sell"})
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil || amount.Sign() <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
		return
	}
	price, err := decimal.NewFromString(req.Price)
	if err != nil || price.Sign() <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid price"})
		return
	}

	account := c.MustGet("account").(string)
	order := &orderbook.Order{
		ID:        uuid.New(),
		Owner:     account,
		Side:      side,
		Amount:    amount,
		Price:     price,
		Source:    req.Source,
		Region:    req.Region,
		CreatedAt: time.Now().UTC(),
		ExpiresAt: req.ExpiresAt,
	}

	tx := g.buildTx(account, req.FeePrice, matching.SubmitOrder{Order: order})
	if err := g.pool.Admit(tx); err != nil {
		g.rejectTx(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"order_id": order.ID, "tx_hash": tx.Hash})
}

func (g *Gateway) cancelOrder(c *gin.Context) {
	orderID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid order id"})
		return
	}

	account := c.MustGet("account").(string)
	tx := g.buildTx(account, 0, matching.CancelOrder{OrderID: orderID, Owner: account})
	if err := g.pool.Admit(tx); err != nil {
		g.rejectTx(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"tx_hash": tx.Hash})
}

func (g *Gateway) getOrder(c *gin.Context) {
	orderID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid order id"})
		return
	}

	order, ok := g.match.Order(orderID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
		return
	}
	if order.Owner != c.MustGet("account").(string) {
		c.JSON(http.StatusForbidden, gin.H{"error": "not your order"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":     order.ID,
		"side":   string(order.Side),
		"amount": order.Amount.String(),
		"price":  order.Price.String(),
		"filled": order.Filled.String(),
		"status": string(order.Status),
		"market": orderbook.MarketKey(order.Source, order.Region),
	})
}

type transferRequest struct {
	To       string `json:"to" binding:"required"`
	Amount   int64  `json:"amount" binding:"required"`
	Nonce    uint64 `json:"nonce"`
	FeePrice int64  `json:"fee_price"`
}

func (g *Gateway) submitTransfer(c *gin.Context) {
	var req transferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if req.Amount <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "amount must be positive"})
		return
	}

	account := c.MustGet("account").(string)
	tx := g.buildTx(account, req.FeePrice, matching.Transfer{
		From:   account,
		To:     req.To,
		Amount: req.Amount,
		Nonce:  req.Nonce,
	})
	if err := g.pool.Admit(tx); err != nil {
		g.rejectTx(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"tx_hash": tx.Hash})
}

// listBlocks pages the chain from a starting height. Serving straight
// from canonical state keeps the listing consistent with the tip.
func (g *Gateway) listBlocks(c *gin.Context) {
	var from uint64
	if raw := c.Query("from"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid from height"})
			return
		}
		from = parsed
	}

	blocks := g.engine.Chain().Blocks(from)
	c.JSON(http.StatusOK, gin.H{"from": from, "count": len(blocks), "blocks": blocks})
}

func (g *Gateway) getBlock(c *gin.Context) {
	height, err := strconv.ParseUint(c.Param("height"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid height"})
		return
	}

	// Finalized blocks are immutable, so cache hits never go stale.
	cacheKey := "block:" + c.Param("height")
	if g.cache != nil {
		var cached []byte
		err := g.breakers.Execute(c.Request.Context(), "redis", func() error {
			var err error
			cached, err = g.cache.Get(c.Request.Context(), cacheKey).Bytes()
			return err
		})
		if err == nil {
			c.Data(http.StatusOK, "application/json", cached)
			return
		}
	}

	block, err := g.engine.Chain().Get(height)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "block not found"})
		return
	}

	body, err := json.Marshal(block)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to encode block"})
		return
	}
	if g.cache != nil && height < g.engine.Chain().Height() {
		g.breakers.Execute(c.Request.Context(), "redis", func() error {
			return g.cache.Set(c.Request.Context(), cacheKey, body, 0).Err()
		})
	}
	c.Data(http.StatusOK, "application/json", body)
}

func (g *Gateway) getAccount(c *gin.Context) {
	id := c.Param("id")
	acct, ok := g.engine.Ledger().GetAccount(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":        acct.ID,
		"total":     acct.Total,
		"available": acct.Available,
		"locked":    acct.Locked,
		"nonce":     acct.Nonce,
		"sources":   acct.Sources,
	})
}

func (g *Gateway) getDepth(c *gin.Context) {
	market := orderbook.MarketKey(c.Param("source"), c.Param("region"))
	levels := 10
	if raw := c.Query("levels"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			levels = n
		}
	}

	bids, asks := g.match.Depth(market, levels)
	bestBid, bestAsk, open := g.match.Quote(market)
	c.JSON(http.StatusOK, gin.H{
		"market":      market,
		"bids":        bids,
		"asks":        asks,
		"best_bid":    bestBid,
		"best_ask":    bestAsk,
		"open_orders": open,
	})
}

// buildTx wraps a payload into a mempool transaction. The hash covers
// the sender and the JSON payload, so resubmitting the same request is
// rejected as a duplicate.
func (g *Gateway) buildTx(from string, feePrice int64, payload interface{}) *mempool.Tx {
	if feePrice <= 0 {
		feePrice = 1
	}
	body, _ := json.Marshal(payload)
	sum := sha256.Sum256(append([]byte(from+"|"), body...))
	return &mempool.Tx{
		Hash:     hex.EncodeToString(sum[:]),
		From:     from,
		FeePrice: feePrice,
		Size:     len(body),
		Payload:  payload,
	}
}

func (g *Gateway) rejectTx(c *gin.Context, err error) {
	switch {
	case errors.Is(err, mempool.ErrDuplicate):
		c.JSON(http.StatusConflict, gin.H{"error": "duplicate transaction"})
	case errors.Is(err, mempool.ErrUnderpriced):
		c.JSON(http.StatusBadRequest, gin.H{"error": "fee below minimum"})
	case errors.Is(err, mempool.ErrFull):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "mempool full"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "admission failed"})
	}
}

// WebSocket handling

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (g *Gateway) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	client := &WSClient{
		ID:      uuid.New(),
		Account: c.MustGet("account").(string),
		Conn:    conn,
		Send:    make(chan []byte, 64),
		Done:    make(chan struct{}),
	}

	g.wsMu.Lock()
	g.wsClients[client.ID] = client
	g.wsMu.Unlock()

	go g.wsReadPump(client)
	go g.wsWritePump(client)
}

func (g *Gateway) wsReadPump(client *WSClient) {
	defer func() {
		g.wsMu.Lock()
		delete(g.wsClients, client.ID)
		g.wsMu.Unlock()
		close(client.Done)
		client.Conn.Close()
	}()

	for {
		if _, _, err := client.Conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (g *Gateway) wsWritePump(client *WSClient) {
	for {
		select {
		case message := <-client.Send:
			if err := client.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-client.Done:
			return
		}
	}
}

// subscribeEvents relays node events to connected websocket clients.
func (g *Gateway) subscribeEvents() {
	if g.events == nil {
		return
	}
	relay := func(msg *nats.Msg) { g.broadcast(msg.Data) }
	subjects := []string{
		messaging.BlockFinalized, messaging.TradeSettled, messaging.TradeFailed, messaging.AccountUpdated,
		messaging.OrderAccepted, messaging.OrderRejected, messaging.OrderFilled,
		messaging.OrderCancelled, messaging.OrderExpired,
	}
	for _, subject := range subjects {
		g.events.Subscribe(subject, relay)
	}
}

func (g *Gateway) broadcast(message []byte) {
	g.wsMu.RLock()
	defer g.wsMu.RUnlock()

	for _, client := range g.wsClients {
		select {
		case client.Send <- message:
		default:
			// Slow consumer; drop rather than block the relay.
		}
	}
}

// Allow reports whether another request fits in the window.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-rl.window)

	valid := make([]time.Time, 0)
	for _, t := range rl.requests[key] {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	if rl.limit > 0 && len(valid) >= rl.limit {
		return false
	}
	rl.requests[key] = append(valid, now)
	return true
}
