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

	"github.com/terminal-bench/gridchain/internal/consensus"
	"github.com/terminal-bench/gridchain/internal/matching"
	"github.com/terminal-bench/gridchain/internal/mempool"
	"github.com/terminal-bench/gridchain/internal/metrics"
	"github.com/terminal-bench/gridchain/internal/node"
	"github.com/terminal-bench/gridchain/internal/registry"
	"github.com/terminal-bench/gridchain/internal/store"
	"github.com/terminal-bench/gridchain/pkg/messaging"
)

type Config struct {
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
	EtcdEndpoints    []string
	EtcdPrefix       string
	InfluxURL        string
	InfluxToken      string
	InfluxOrg        string
	InfluxBucket     string
}

func loadConfig() *Config {
	return &Config{
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
		EtcdEndpoints:    splitNonEmpty(getEnv("ETCD_ENDPOINTS", "")),
		EtcdPrefix:       getEnv("ETCD_PREFIX", "/gridchain"),
		InfluxURL:        getEnv("INFLUX_URL", ""),
		InfluxToken:      getEnv("INFLUX_TOKEN", ""),
		InfluxOrg:        getEnv("INFLUX_ORG", "gridchain"),
		InfluxBucket:     getEnv("INFLUX_BUCKET", "node"),
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

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func loadGenesis(path string) ([]node.GenesisAccount, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var accounts []node.GenesisAccount
	if err := json.Unmarshal(raw, &accounts); err != nil {
		return nil, err
	}
	return accounts, nil
}

func main() {
	cfg := loadConfig()
	ctx := context.Background()

	genesis, err := loadGenesis(cfg.GenesisFile)
	if err != nil {
		log.Fatalf("Failed to load genesis file: %v", err)
	}

	staticSet := &consensus.ValidatorSet{
		Validators:       cfg.Validators,
		RotationInterval: cfg.RotationInterval,
		Threshold:        cfg.Threshold,
	}

	// Validator roster: etcd when configured, static otherwise
	var reg *registry.Registry
	if len(cfg.EtcdEndpoints) > 0 {
		reg, err = registry.NewEtcd(ctx, cfg.EtcdEndpoints, cfg.EtcdPrefix, staticSet)
		if err != nil {
			log.Fatalf("Failed to connect to etcd: %v", err)
		}
		defer reg.Close()
		if err := reg.Announce(ctx, cfg.ValidatorID); err != nil {
			log.Printf("Failed to announce validator: %v", err)
		}
		reg.Watch(ctx, func(set *consensus.ValidatorSet) {
			log.Printf("Validator roster updated: %d validators, threshold %d",
				len(set.Validators), set.Threshold)
		})
	} else {
		reg = registry.NewStatic(staticSet)
	}

	var db *store.Store
	if cfg.DatabaseURL != "" {
		db, err = store.Open(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to open database: %v", err)
		}
		defer db.Close()
	}

	var events *messaging.Client
	if cfg.NATSUrl != "" {
		events, err = messaging.NewClient(messaging.Config{
			URL:            cfg.NATSUrl,
			Name:           "gridchain-node-" + cfg.ValidatorID,
			ReconnectWait:  time.Second,
			MaxReconnects:  60,
			ConnectTimeout: 10 * time.Second,
		})
		if err != nil {
			log.Fatalf("Failed to connect to NATS: %v", err)
		}
		defer events.Close()
	}

	rec := metrics.Noop()
	if cfg.InfluxURL != "" {
		rec = metrics.New(cfg.InfluxURL, cfg.InfluxToken, cfg.InfluxOrg, cfg.InfluxBucket, cfg.ValidatorID)
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
	log.Printf("Node state ready at height %d", c.Height())

	pool := mempool.New(mempool.Config{
		Capacity:    cfg.MempoolCapacity,
		MinFeePrice: cfg.MinFeePrice,
	})
	match := matching.NewEngine(matching.Config{FeeBPS: cfg.FeeBPS, FeeSink: cfg.FeeSink})

	// In-process signers for every configured authority. Remote
	// validators would plug a transport-backed Authority here instead.
	peers := make([]consensus.Authority, 0, len(reg.Set().Validators))
	for _, id := range reg.Set().Validators {
		peers = append(peers, consensus.StaticSigner{Validator: id})
	}

	engine := consensus.NewEngine(cfg.ValidatorID, reg.Set(), consensus.Config{
		SignatureTimeout: cfg.SignatureTimeout,
		MaxBlockBytes:    cfg.MaxBlockBytes,
		MaxBlockTxs:      cfg.MaxBlockTxs,
	}, pool, led, match, c, peers)

	n := node.New(nodeCfg, engine, pool, reg, db, events, rec, log.Default())
	if err := n.Start(); err != nil {
		log.Fatalf("Failed to start node: %v", err)
	}
	log.Printf("Validator %s producing blocks every %s", cfg.ValidatorID, cfg.SlotInterval)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("Shutting down node...")
	n.Stop()

	if halted := engine.Halted(); halted != nil {
		log.Printf("Engine halted: %v", halted)
	}
	log.Println("Node stopped")
}
