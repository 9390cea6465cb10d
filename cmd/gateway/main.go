package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/terminal-bench/gridchain/internal/auth"
	"github.com/terminal-bench/gridchain/internal/consensus"
	"github.com/terminal-bench/gridchain/internal/gateway"
	"github.com/terminal-bench/gridchain/internal/matching"
	"github.com/terminal-bench/gridchain/internal/mempool"
	"github.com/terminal-bench/gridchain/internal/metrics"
	"github.com/terminal-bench/gridchain/internal/node"
	"github.com/terminal-bench/gridchain/internal/registry"
	"github.com/terminal-bench/gridchain/internal/store"
	"github.com/terminal-bench/gridchain/pkg/messaging"
)

// The gateway binary runs a full validator node plus the HTTP and
// WebSocket surface in one process, so reads hit canonical state
// directly and writes land in the local mempool.

type Config struct {
	ListenAddr       string
	JWTSecret        string
	TokenTTL         time.Duration
	RateLimitWindow  time.Duration
	RateLimitMax     int
	RedisURL         string
	ValidatorID      string
	Validators       []string
	Threshold        int
	RotationInterval uint64
	SlotInterval     time.Duration
	SignatureTimeout time.Duration
	MaxBlockBytes    int
	MaxBlockTxs      int
	MempoolCapacity  int
	MinFeePrice      int64
	FeeBPS           int64
	FeeSink          string
	GenesisFile      string
	DatabaseURL      string
	NATSUrl          string
}

func loadConfig() *Config {
	return &Config{
		ListenAddr:       getEnv("LISTEN_ADDR", ":8080"),
		JWTSecret:        getEnv("JWT_SECRET", "dev-secret"),
		TokenTTL:         getEnvDuration("TOKEN_TTL", 24*time.Hour),
		RateLimitWindow:  getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		RateLimitMax:     getEnvInt("RATE_LIMIT_MAX", 600),
		RedisURL:         getEnv("REDIS_URL", ""),
		ValidatorID:      getEnv("VALIDATOR_ID", "authority-1"),
		Validators:       strings.Split(getEnv("VALIDATORS", "authority-1"), ","),
		Threshold:        getEnvInt("AUTHORITY_THRESHOLD", 1),
		RotationInterval: uint64(getEnvInt("ROTATION_INTERVAL", 1)),
		SlotInterval:     getEnvDuration("SLOT_INTERVAL", 2*time.Second),
		SignatureTimeout: getEnvDuration("SIGNATURE_TIMEOUT", time.Second),
		MaxBlockBytes:    getEnvInt("MAX_BLOCK_BYTES", 1<<20),
		MaxBlockTxs:      getEnvInt("MAX_BLOCK_TXS", 512),
		MempoolCapacity:  getEnvInt("MEMPOOL_CAPACITY", 4096),
		MinFeePrice:      int64(getEnvInt("MIN_FEE_PRICE", 1)),
		FeeBPS:           int64(getEnvInt("GRID_FEE_BPS", 100)),
		FeeSink:          getEnv("GRID_FEE_SINK", "grid-fees"),
		GenesisFile:      getEnv("GENESIS_FILE", ""),
		DatabaseURL:      getEnv("DATABASE_URL", ""),
		NATSUrl:          getEnv("NATS_URL", ""),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func main() {
	cfg := loadConfig()
	ctx := context.Background()

	var genesis []node.GenesisAccount
	if cfg.GenesisFile != "" {
		raw, err := os.ReadFile(cfg.GenesisFile)
		if err != nil {
			log.Fatalf("Failed to read genesis file: %v", err)
		}
		if err := json.Unmarshal(raw, &genesis); err != nil {
			log.Fatalf("Failed to parse genesis file: %v", err)
		}
	}

	reg := registry.NewStatic(&consensus.ValidatorSet{
		Validators:       cfg.Validators,
		RotationInterval: cfg.RotationInterval,
		Threshold:        cfg.Threshold,
	})

	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is required: the gateway stores participants there")
	}
	db, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	var events *messaging.Client
	if cfg.NATSUrl != "" {
		events, err = messaging.NewClient(messaging.Config{
			URL:            cfg.NATSUrl,
			Name:           "gridchain-gateway-" + cfg.ValidatorID,
			ReconnectWait:  time.Second,
			MaxReconnects:  60,
			ConnectTimeout: 10 * time.Second,
		})
		if err != nil {
			log.Fatalf("Failed to connect to NATS: %v", err)
		}
		defer events.Close()
	}

	var cache *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatalf("Failed to parse Redis URL: %v", err)
		}
		cache = redis.NewClient(opts)
		defer cache.Close()
	}

	nodeCfg := node.Config{
		Validator:    cfg.ValidatorID,
		SlotInterval: cfg.SlotInterval,
		Genesis:      genesis,
	}
	led, c, err := node.Bootstrap(ctx, nodeCfg, reg.Set(), db)
	if err != nil {
		log.Fatalf("Failed to bootstrap node state: %v", err)
	}

	pool := mempool.New(mempool.Config{
		Capacity:    cfg.MempoolCapacity,
		MinFeePrice: cfg.MinFeePrice,
	})
	match := matching.NewEngine(matching.Config{FeeBPS: cfg.FeeBPS, FeeSink: cfg.FeeSink})

	peers := make([]consensus.Authority, 0, len(cfg.Validators))
	for _, id := range cfg.Validators {
		peers = append(peers, consensus.StaticSigner{Validator: id})
	}
	engine := consensus.NewEngine(cfg.ValidatorID, reg.Set(), consensus.Config{
		SignatureTimeout: cfg.SignatureTimeout,
		MaxBlockBytes:    cfg.MaxBlockBytes,
		MaxBlockTxs:      cfg.MaxBlockTxs,
	}, pool, led, match, c, peers)

	n := node.New(nodeCfg, engine, pool, reg, db, events, metrics.Noop(), log.Default())
	if err := n.Start(); err != nil {
		log.Fatalf("Failed to start node: %v", err)
	}

	authSvc := auth.NewService(db.DB(), cfg.JWTSecret, cfg.TokenTTL)
	gw := gateway.New(gateway.Config{
		RateLimitWindow: cfg.RateLimitWindow,
		RateLimitMax:    cfg.RateLimitMax,
	}, engine, match, pool, authSvc, cache, events)

	go func() {
		if err := gw.Start(cfg.ListenAddr); err != nil {
			log.Fatalf("Gateway stopped: %v", err)
		}
	}()
	log.Printf("Gateway listening on %s", cfg.ListenAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("Shutting down...")
	n.Stop()
	log.Println("Gateway stopped")
}
