package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/terminal-bench/gridchain/internal/consensus"
)

var ErrNoRoster = errors.New("no validator roster available")

const rosterKey = "roster"

// Registry resolves the authority roster. With etcd configured the
// roster lives at <prefix>/roster as a JSON document owned by the
// governance process; without it a static roster from configuration is
// used. The roster is only re-read between blocks, never mid-block.
type Registry struct {
	cli    *clientv3.Client
	prefix string

	mu      sync.RWMutex
	current *consensus.ValidatorSet
}

// NewStatic builds a registry that always serves the given roster.
func NewStatic(set *consensus.ValidatorSet) *Registry {
	return &Registry{current: set}
}

// NewEtcd connects to etcd and loads the roster, falling back to the
// static set when the key is absent.
func NewEtcd(ctx context.Context, endpoints []string, prefix string, fallback *consensus.ValidatorSet) (*Registry, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	r := &Registry{cli: cli, prefix: prefix, current: fallback}
	if err := r.Load(ctx); err != nil && !errors.Is(err, ErrNoRoster) {
		cli.Close()
		return nil, err
	}
	return r, nil
}

// Set returns the active roster.
func (r *Registry) Set() *consensus.ValidatorSet {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Load re-reads the roster document from etcd.
func (r *Registry) Load(ctx context.Context) error {
	if r.cli == nil {
		return nil
	}

	resp, err := r.cli.Get(ctx, r.prefix+"/"+rosterKey)
	if err != nil {
		return fmt.Errorf("failed to read roster: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return ErrNoRoster
	}

	set, err := decodeRoster(resp.Kvs[0].Value)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.current = set
	r.mu.Unlock()
	return nil
}

// Watch follows roster updates until ctx is cancelled. onChange runs on
// the watch goroutine after the new roster is installed.
func (r *Registry) Watch(ctx context.Context, onChange func(*consensus.ValidatorSet)) {
	if r.cli == nil {
		return
	}

	ch := r.cli.Watch(ctx, r.prefix+"/"+rosterKey)
	go func() {
		for resp := range ch {
			for _, ev := range resp.Events {
				if ev.Type != clientv3.EventTypePut {
					continue
				}
				set, err := decodeRoster(ev.Kv.Value)
				if err != nil {
					continue
				}
				r.mu.Lock()
				r.current = set
				r.mu.Unlock()
				if onChange != nil {
					onChange(set)
				}
			}
		}
	}()
}

// Announce registers this validator's presence under a keepalive lease
// so operators can see which authorities are online.
func (r *Registry) Announce(ctx context.Context, validatorID string) error {
	if r.cli == nil {
		return nil
	}

	lease, err := r.cli.Grant(ctx, 10)
	if err != nil {
		return fmt.Errorf("failed to grant lease: %w", err)
	}
	key := fmt.Sprintf("%s/validators/%s", r.prefix, validatorID)
	if _, err := r.cli.Put(ctx, key, time.Now().UTC().Format(time.RFC3339), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("failed to announce validator: %w", err)
	}
	keepalive, err := r.cli.KeepAlive(ctx, lease.ID)
	if err != nil {
		return fmt.Errorf("failed to keep lease alive: %w", err)
	}
	go func() {
		for range keepalive {
		}
	}()
	return nil
}

// Close releases the etcd connection.
func (r *Registry) Close() error {
	if r.cli == nil {
		return nil
	}
	return r.cli.Close()
}

type rosterDoc struct {
	Validators       []string `json:"validators"`
	RotationInterval uint64   `json:"rotation_interval"`
	Threshold        int      `json:"threshold"`
}

func decodeRoster(raw []byte) (*consensus.ValidatorSet, error) {
	var doc rosterDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode roster: %w", err)
	}
	if len(doc.Validators) == 0 || doc.Threshold <= 0 {
		return nil, fmt.Errorf("invalid roster: %d validators, threshold %d", len(doc.Validators), doc.Threshold)
	}
	return &consensus.ValidatorSet{
		Validators:       doc.Validators,
		RotationInterval: doc.RotationInterval,
		Threshold:        doc.Threshold,
	}, nil
}
