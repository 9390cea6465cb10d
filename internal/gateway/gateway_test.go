package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/gridchain/internal/auth"
	"github.com/terminal-bench/gridchain/internal/chain"
	"github.com/terminal-bench/gridchain/internal/consensus"
	"github.com/terminal-bench/gridchain/internal/ledger"
	"github.com/terminal-bench/gridchain/internal/matching"
	"github.com/terminal-bench/gridchain/internal/mempool"
)

const testSecret = "gateway-test-secret"

type fixture struct {
	gw   *Gateway
	pool *mempool.Pool
	led  *ledger.Ledger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	led := ledger.New()
	_, err := led.Apply(ledger.Transition{
		Ref:  "genesis-buyer",
		Ops:  []ledger.Op{{Account: "buyer", Kind: ledger.OpCredit, Amount: 100_000}},
		Mint: true,
	})
	require.NoError(t, err)

	root := led.StateRoot()
	c := chain.New(fmt.Sprintf("%x", root[:]))
	pool := mempool.New(mempool.Config{Capacity: 64, MinFeePrice: 1})
	match := matching.NewEngine(matching.Config{FeeBPS: 100, FeeSink: "grid-fees"})
	set := &consensus.ValidatorSet{Validators: []string{"auth-1"}, Threshold: 1}
	engine := consensus.NewEngine("auth-1", set, consensus.Config{
		SignatureTimeout: time.Second,
		MaxBlockBytes:    1 << 20,
		MaxBlockTxs:      64,
	}, pool, led, match, c, []consensus.Authority{consensus.StaticSigner{Validator: "auth-1"}})

	authSvc := auth.NewService(nil, testSecret, time.Hour)
	gw := New(Config{RateLimitWindow: time.Minute, RateLimitMax: 1000},
		engine, match, pool, authSvc, nil, nil)
	return &fixture{gw: gw, pool: pool, led: led}
}

func token(t *testing.T, account string) string {
	t.Helper()
	claims := &auth.Claims{
		Account: account,
		Role:    auth.RoleConsumer,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   account,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func (f *fixture) do(t *testing.T, method, path, bearer string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	f.gw.Router().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	t.Run("should report chain height", func(t *testing.T) {
		f := newFixture(t)
		rec := f.do(t, http.MethodGet, "/health", "", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var body map[string]interface{}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "healthy", body["status"])
		assert.Equal(t, float64(1), body["state_version"], "one genesis transition applied")
	})
}

func TestSubmitOrder(t *testing.T) {
	order := map[string]interface{}{
		"side":   "buy",
		"amount": "10",
		"price":  "95",
		"source": "solar",
		"region": "zone-1",
	}

	t.Run("should require authentication", func(t *testing.T) {
		f := newFixture(t)
		rec := f.do(t, http.MethodPost, "/api/v1/orders", "", order)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("should admit an order into the mempool", func(t *testing.T) {
		f := newFixture(t)
		rec := f.do(t, http.MethodPost, "/api/v1/orders", token(t, "buyer"), order)
		require.Equal(t, http.StatusAccepted, rec.Code)
		assert.Equal(t, 1, f.pool.Len())

		var body map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.NotEmpty(t, body["order_id"])
		assert.NotEmpty(t, body["tx_hash"])
	})

	t.Run("should reject an invalid side", func(t *testing.T) {
		f := newFixture(t)
		bad := map[string]interface{}{
			"side": "short", "amount": "10", "price": "95",
			"source": "solar", "region": "zone-1",
		}
		rec := f.do(t, http.MethodPost, "/api/v1/orders", token(t, "buyer"), bad)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("should reject a non-positive amount", func(t *testing.T) {
		f := newFixture(t)
		bad := map[string]interface{}{
			"side": "buy", "amount": "-1", "price": "95",
			"source": "solar", "region": "zone-1",
		}
		rec := f.do(t, http.MethodPost, "/api/v1/orders", token(t, "buyer"), bad)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestCancelOrder(t *testing.T) {
	t.Run("should admit a cancel and reject its duplicate", func(t *testing.T) {
		f := newFixture(t)
		orderID := uuid.New()
		path := "/api/v1/orders/" + orderID.String()

		rec := f.do(t, http.MethodDelete, path, token(t, "buyer"), nil)
		require.Equal(t, http.StatusAccepted, rec.Code)

		rec = f.do(t, http.MethodDelete, path, token(t, "buyer"), nil)
		assert.Equal(t, http.StatusConflict, rec.Code)
	})
}

func TestTransfer(t *testing.T) {
	t.Run("should admit a transfer", func(t *testing.T) {
		f := newFixture(t)
		rec := f.do(t, http.MethodPost, "/api/v1/transactions", token(t, "buyer"),
			map[string]interface{}{"to": "factory-3", "amount": 500, "nonce": 0})
		require.Equal(t, http.StatusAccepted, rec.Code)
		assert.Equal(t, 1, f.pool.Len())
	})

	t.Run("should reject a non-positive amount", func(t *testing.T) {
		f := newFixture(t)
		rec := f.do(t, http.MethodPost, "/api/v1/transactions", token(t, "buyer"),
			map[string]interface{}{"to": "factory-3", "amount": -5})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestReads(t *testing.T) {
	t.Run("should serve the genesis block", func(t *testing.T) {
		f := newFixture(t)
		rec := f.do(t, http.MethodGet, "/api/v1/blocks/0", "", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var block chain.Block
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &block))
		assert.Equal(t, uint64(0), block.Height)
	})

	t.Run("should 404 an unknown block", func(t *testing.T) {
		f := newFixture(t)
		rec := f.do(t, http.MethodGet, "/api/v1/blocks/99", "", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("should serve account balances", func(t *testing.T) {
		f := newFixture(t)
		rec := f.do(t, http.MethodGet, "/api/v1/accounts/buyer", token(t, "buyer"), nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var body map[string]interface{}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, float64(100_000), body["total"])
	})

	t.Run("should serve empty depth for a quiet market", func(t *testing.T) {
		f := newFixture(t)
		rec := f.do(t, http.MethodGet, "/api/v1/market/solar/zone-1/depth", "", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var body map[string]interface{}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Nil(t, body["best_bid"])
		assert.Nil(t, body["best_ask"])
		assert.Equal(t, float64(0), body["open_orders"])
	})

	t.Run("should list blocks from a starting height", func(t *testing.T) {
		f := newFixture(t)
		rec := f.do(t, http.MethodGet, "/api/v1/blocks?from=0", "", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var body struct {
			From   uint64        `json:"from"`
			Count  int           `json:"count"`
			Blocks []chain.Block `json:"blocks"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		require.Equal(t, 1, body.Count, "only genesis exists")
		assert.Equal(t, uint64(0), body.Blocks[0].Height)

		rec = f.do(t, http.MethodGet, "/api/v1/blocks?from=5", "", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, 0, body.Count)
	})
}

func TestAPIKeyAuth(t *testing.T) {
	t.Run("should issue a key for the authenticated account", func(t *testing.T) {
		f := newFixture(t)
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()
		f.gw.authSvc = auth.NewService(db, testSecret, time.Hour)

		mock.ExpectExec("INSERT INTO api_keys").
			WillReturnResult(sqlmock.NewResult(1, 1))

		rec := f.do(t, http.MethodPost, "/api/v1/auth/keys", token(t, "buyer"),
			map[string]interface{}{"name": "trading-bot"})
		require.Equal(t, http.StatusCreated, rec.Code)

		var body map[string]interface{}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.NotEmpty(t, body["key"])
		assert.Equal(t, "buyer", body["account"])
	})

	t.Run("should authenticate requests carrying a valid key", func(t *testing.T) {
		f := newFixture(t)
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()
		f.gw.authSvc = auth.NewService(db, testSecret, time.Hour)

		mock.ExpectQuery("FROM api_keys").
			WillReturnRows(sqlmock.NewRows([]string{"id", "account", "name", "created_at", "role"}).
				AddRow("key-1", "buyer", "trading-bot", time.Now().UTC(), auth.RoleConsumer))

		req := httptest.NewRequest(http.MethodGet, "/api/v1/accounts/buyer", nil)
		req.Header.Set("X-API-Key", "plain-key")
		rec := httptest.NewRecorder()
		f.gw.Router().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("should reject an unknown key", func(t *testing.T) {
		f := newFixture(t)
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()
		f.gw.authSvc = auth.NewService(db, testSecret, time.Hour)

		mock.ExpectQuery("FROM api_keys").
			WillReturnRows(sqlmock.NewRows([]string{"id", "account", "name", "created_at", "role"}))

		req := httptest.NewRequest(http.MethodGet, "/api/v1/accounts/buyer", nil)
		req.Header.Set("X-API-Key", "bogus")
		rec := httptest.NewRecorder()
		f.gw.Router().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}
