package ledger

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrNonceMismatch     = errors.New("nonce mismatch")
	ErrUnknownAccount    = errors.New("unknown account")
	ErrUnbalanced        = errors.New("transition does not net to zero")
	ErrInvalidOp         = errors.New("invalid operation")
)

// Account is an energy-market participant's balance record. Monetary
// amounts are int64 minor units; Sources holds per-energy-source
// sub-balances in Wh. Total = Available + Locked always holds.
type Account struct {
	ID        string
	Total     int64
	Available int64
	Locked    int64
	Nonce     uint64
	Sources   map[string]int64
}

func (a *Account) clone() *Account {
	cp := *a
	cp.Sources = make(map[string]int64, len(a.Sources))
	for k, v := range a.Sources {
		cp.Sources[k] = v
	}
	return &cp
}

// OpKind enumerates ledger operations.
type OpKind string

const (
	// OpCredit adds funds to Available (and Total).
	OpCredit OpKind = "credit"
	// OpDebit removes funds from Available (and Total).
	OpDebit OpKind = "debit"
	// OpLock moves funds Available -> Locked; Total unchanged.
	OpLock OpKind = "lock"
	// OpUnlock moves funds Locked -> Available; Total unchanged.
	OpUnlock OpKind = "unlock"
	// OpDebitLocked removes funds from Locked (and Total); used when a
	// previously locked amount settles.
	OpDebitLocked OpKind = "debit_locked"
	// OpCreditEnergy adds Wh to a source sub-balance.
	OpCreditEnergy OpKind = "credit_energy"
	// OpDebitEnergy removes Wh from a source sub-balance.
	OpDebitEnergy OpKind = "debit_energy"
)

// Op is a single mutation inside a transition.
type Op struct {
	Account string
	Kind    OpKind
	Amount  int64
	Source  string // energy source, for energy ops only
}

// NonceCheck pins a transition to an account's expected nonce. On success
// the account's nonce advances by one.
type NonceCheck struct {
	Account  string
	Expected uint64
}

// Transition is an atomic batch of operations. Monetary value and energy
// must each net to zero across the batch unless Mint is set (genesis
// funding, production credits).
type Transition struct {
	Ref   string // trade/tx id for diagnostics
	Nonce *NonceCheck
	Ops   []Op
	Mint  bool
}

// AccountDelta reports how one account changed under an applied transition.
type AccountDelta struct {
	Account        string
	AvailableDelta int64
	LockedDelta    int64
	Nonce          uint64
}

// Ledger is the authoritative account store. Application of transitions is
// serialized through a single writer lock; reads hand out copies and never
// expose internal state.
type Ledger struct {
	accounts map[string]*Account
	version  uint64 // bumps on every successful Apply

	mu sync.RWMutex
}

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{accounts: make(map[string]*Account)}
}

// GetAccount returns a copy of the account, or false if it was never
// referenced.
func (l *Ledger) GetAccount(id string) (*Account, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	acct, ok := l.accounts[id]
	if !ok {
		return nil, false
	}
	return acct.clone(), true
}

// Version returns the number of transitions applied so far. Readers can
// pair it with GetAccount to detect staleness without blocking the writer.
func (l *Ledger) Version() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.version
}

// Apply validates and applies a transition atomically: either every
// operation succeeds or the ledger is unchanged and a typed error names
// the offending account.
func (l *Ledger) Apply(t Transition) ([]AccountDelta, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	staged, err := l.stage(t)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(staged))
	for id := range staged {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	deltas := make([]AccountDelta, 0, len(staged))
	for _, id := range ids {
		acct := staged[id]
		delta := AccountDelta{Account: id, Nonce: acct.Nonce}
		if prev, existed := l.accounts[id]; existed {
			delta.AvailableDelta = acct.Available - prev.Available
			delta.LockedDelta = acct.Locked - prev.Locked
		} else {
			delta.AvailableDelta = acct.Available
			delta.LockedDelta = acct.Locked
		}
		deltas = append(deltas, delta)
		l.accounts[id] = acct
	}
	l.version++
	return deltas, nil
}

// stage runs the whole transition against copies of the touched accounts.
// Caller holds l.mu.
func (l *Ledger) stage(t Transition) (map[string]*Account, error) {
	staged := make(map[string]*Account)

	lookup := func(id string, create bool) (*Account, error) {
		if acct, ok := staged[id]; ok {
			return acct, nil
		}
		if acct, ok := l.accounts[id]; ok {
			cp := acct.clone()
			staged[id] = cp
			return cp, nil
		}
		if !create {
			return nil, fmt.Errorf("%w: %s (transition %s)", ErrUnknownAccount, id, t.Ref)
		}
		// Accounts come into existence on first credit or lock reference.
		acct := &Account{ID: id, Sources: make(map[string]int64)}
		staged[id] = acct
		return acct, nil
	}

	if t.Nonce != nil {
		acct, err := lookup(t.Nonce.Account, true)
		if err != nil {
			return nil, err
		}
		if acct.Nonce != t.Nonce.Expected {
			return nil, fmt.Errorf("%w: account %s expected %d, have %d (transition %s)",
				ErrNonceMismatch, t.Nonce.Account, t.Nonce.Expected, acct.Nonce, t.Ref)
		}
		acct.Nonce++
	}

	var moneyNet, energyNet int64
	for _, op := range t.Ops {
		if op.Amount < 0 {
			return nil, fmt.Errorf("%w: negative amount in transition %s", ErrInvalidOp, t.Ref)
		}
		switch op.Kind {
		case OpCredit:
			acct, err := lookup(op.Account, true)
			if err != nil {
				return nil, err
			}
			acct.Available += op.Amount
			acct.Total += op.Amount
			moneyNet += op.Amount
		case OpDebit:
			acct, err := lookup(op.Account, false)
			if err != nil {
				return nil, err
			}
			if acct.Available < op.Amount {
				return nil, fmt.Errorf("%w: account %s available %d < %d (transition %s)",
					ErrInsufficientFunds, op.Account, acct.Available, op.Amount, t.Ref)
			}
			acct.Available -= op.Amount
			acct.Total -= op.Amount
			moneyNet -= op.Amount
		case OpLock:
			acct, err := lookup(op.Account, false)
			if err != nil {
				return nil, err
			}
			if acct.Available < op.Amount {
				return nil, fmt.Errorf("%w: account %s available %d < lock %d (transition %s)",
					ErrInsufficientFunds, op.Account, acct.Available, op.Amount, t.Ref)
			}
			acct.Available -= op.Amount
			acct.Locked += op.Amount
		case OpUnlock:
			acct, err := lookup(op.Account, false)
			if err != nil {
				return nil, err
			}
			if acct.Locked < op.Amount {
				return nil, fmt.Errorf("%w: account %s locked %d < unlock %d (transition %s)",
					ErrInsufficientFunds, op.Account, acct.Locked, op.Amount, t.Ref)
			}
			acct.Locked -= op.Amount
			acct.Available += op.Amount
		case OpDebitLocked:
			acct, err := lookup(op.Account, false)
			if err != nil {
				return nil, err
			}
			if acct.Locked < op.Amount {
				return nil, fmt.Errorf("%w: account %s locked %d < %d (transition %s)",
					ErrInsufficientFunds, op.Account, acct.Locked, op.Amount, t.Ref)
			}
			acct.Locked -= op.Amount
			acct.Total -= op.Amount
			moneyNet -= op.Amount
		case OpCreditEnergy:
			acct, err := lookup(op.Account, true)
			if err != nil {
				return nil, err
			}
			acct.Sources[op.Source] += op.Amount
			energyNet += op.Amount
		case OpDebitEnergy:
			acct, err := lookup(op.Account, false)
			if err != nil {
				return nil, err
			}
			if acct.Sources[op.Source] < op.Amount {
				return nil, fmt.Errorf("%w: account %s %s %d Wh < %d Wh (transition %s)",
					ErrInsufficientFunds, op.Account, op.Source, acct.Sources[op.Source], op.Amount, t.Ref)
			}
			acct.Sources[op.Source] -= op.Amount
			energyNet -= op.Amount
		default:
			return nil, fmt.Errorf("%w: unknown op kind %q (transition %s)", ErrInvalidOp, op.Kind, t.Ref)
		}
	}

	if !t.Mint && (moneyNet != 0 || energyNet != 0) {
		return nil, fmt.Errorf("%w: money net %d, energy net %d (transition %s)",
			ErrUnbalanced, moneyNet, energyNet, t.Ref)
	}
	return staged, nil
}

// StateRoot computes a deterministic digest over the sorted account table.
// Two validators that applied the same blocks always agree on it.
func (l *Ledger) StateRoot() [32]byte {
	l.mu.RLock()
	defer l.mu.RUnlock()

	ids := make([]string, 0, len(l.accounts))
	for id := range l.accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	h := sha256.New()
	var buf [8]byte
	writeInt := func(v int64) {
		binary.BigEndian.PutUint64(buf[:], uint64(v))
		h.Write(buf[:])
	}
	for _, id := range ids {
		acct := l.accounts[id]
		h.Write([]byte(id))
		writeInt(acct.Total)
		writeInt(acct.Available)
		writeInt(acct.Locked)
		writeInt(int64(acct.Nonce))

		sources := make([]string, 0, len(acct.Sources))
		for s := range acct.Sources {
			sources = append(sources, s)
		}
		sort.Strings(sources)
		for _, s := range sources {
			h.Write([]byte(s))
			writeInt(acct.Sources[s])
		}
	}

	var root [32]byte
	copy(root[:], h.Sum(nil))
	return root
}

// Clone returns an independent copy of the ledger. Block proposal runs the
// matching epoch against a clone so a failed proposal never touches
// canonical state.
func (l *Ledger) Clone() *Ledger {
	l.mu.RLock()
	defer l.mu.RUnlock()

	cp := New()
	cp.version = l.version
	for id, acct := range l.accounts {
		cp.accounts[id] = acct.clone()
	}
	return cp
}

// Accounts returns copies of all accounts, sorted by ID. Used by the
// storage layer when persisting the table at a block boundary.
func (l *Ledger) Accounts() []*Account {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]*Account, 0, len(l.accounts))
	for _, acct := range l.accounts {
		out = append(out, acct.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
