// Package ledger tracks the remaining usage credits for one browser.
//
// The balance lives in a store.KV entry and is mirrored in memory. Each Ledger
// instance corresponds to one page load; several instances may share a key
// (several open tabs), so writes are compare-and-swap against the last value
// this instance observed.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/ashureev/beatdown/internal/store"
)

const (
	// StorageKey is the base key of the persisted balance.
	StorageKey = "beatdown_credits"
	// DefaultBalance is adopted and persisted when no balance is stored.
	DefaultBalance = 10
	// DefaultBonus is granted by a redemption.
	DefaultBonus = 50
	// DefaultRedemptionCode is the value of RedemptionParam that grants the bonus.
	DefaultRedemptionCode = "xyz"
	// RedemptionParam is the query parameter carrying the redemption code.
	RedemptionParam = "token"

	maxSwapAttempts = 8
)

var (
	// ErrMalformedBalance is matched by errors.Is for any non-numeric stored balance.
	ErrMalformedBalance = errors.New("malformed stored balance")
	// ErrNotInitialized is returned by Adjust before a successful Initialize.
	ErrNotInitialized = errors.New("ledger not initialized")
	// ErrContention is returned when other writers keep changing the balance
	// faster than this ledger can apply its delta.
	ErrContention = errors.New("balance changed concurrently too many times")
	// ErrInsufficientCredits is returned when a debit would take the stored
	// balance below zero, typically because another tab spent the last credit.
	ErrInsufficientCredits = errors.New("insufficient credits")
)

// MalformedBalanceError reports a stored balance that is not a decimal integer.
type MalformedBalanceError struct {
	Key   string
	Value string
	Err   error
}

func (e *MalformedBalanceError) Error() string {
	return fmt.Sprintf("malformed stored balance %q under %s: %v", e.Value, e.Key, e.Err)
}

// Is makes errors.Is(err, ErrMalformedBalance) hold.
func (e *MalformedBalanceError) Is(target error) bool {
	return target == ErrMalformedBalance
}

func (e *MalformedBalanceError) Unwrap() error {
	return e.Err
}

// Options configures a Ledger. Zero fields take the package defaults.
type Options struct {
	// Scope namespaces the key, typically the anonymous browser id.
	Scope          string
	InitialBalance int
	Bonus          int
	RedemptionCode string
}

func (o Options) withDefaults() Options {
	if o.InitialBalance == 0 {
		o.InitialBalance = DefaultBalance
	}
	if o.Bonus == 0 {
		o.Bonus = DefaultBonus
	}
	if o.RedemptionCode == "" {
		o.RedemptionCode = DefaultRedemptionCode
	}
	return o
}

// Ledger is the single source of truth for one browser's remaining credits.
type Ledger struct {
	kv     store.KV
	opts   Options
	key    string
	logger *slog.Logger

	mu          sync.Mutex
	balance     int
	initialized bool

	// mirror is balance readable without waiting on store I/O under mu.
	mirror atomic.Int64
}

// New creates a ledger over kv. Call Initialize before any Adjust.
func New(kv store.KV, opts Options, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	opts = opts.withDefaults()
	key := StorageKey
	if opts.Scope != "" {
		key = StorageKey + ":" + opts.Scope
	}
	return &Ledger{
		kv:     kv,
		opts:   opts,
		key:    key,
		logger: logger,
	}
}

// Key returns the storage key of the balance.
func (l *Ledger) Key() string {
	return l.key
}

// Bonus returns the credits granted per redemption.
func (l *Ledger) Bonus() int {
	return l.opts.Bonus
}

// Balance returns the in-memory balance. It is 0 until Initialize succeeds.
func (l *Ledger) Balance() int {
	return int(l.mirror.Load())
}

// setLocked updates the mirrored balance. l.mu must be held.
func (l *Ledger) setLocked(n int) {
	l.balance = n
	l.mirror.Store(int64(n))
}

// Initialize reads the stored balance, persisting the default when absent.
func (l *Ledger) Initialize(ctx context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for attempt := 0; attempt < maxSwapAttempts; attempt++ {
		stored, found, err := l.kv.Get(ctx, l.key)
		if err != nil {
			return 0, fmt.Errorf("read balance: %w", err)
		}
		if found {
			n, err := l.parse(stored)
			if err != nil {
				return 0, err
			}
			l.setLocked(n)
			l.initialized = true
			return l.balance, nil
		}

		written, err := l.kv.SetIfAbsent(ctx, l.key, strconv.Itoa(l.opts.InitialBalance))
		if err != nil {
			return 0, fmt.Errorf("persist default balance: %w", err)
		}
		if written {
			l.setLocked(l.opts.InitialBalance)
			l.initialized = true
			l.logger.Debug("Balance initialized to default", "key", l.key, "balance", l.balance)
			return l.balance, nil
		}
		// Another tab created it between our read and write; read it back.
	}

	return 0, ErrContention
}

// Adjust adds delta to the balance and persists the result. A debit that would
// take the balance below zero is refused with ErrInsufficientCredits and the
// mirror is left at the balance it was checked against. Credits have no bound.
func (l *Ledger) Adjust(ctx context.Context, delta int) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.initialized {
		return l.balance, ErrNotInitialized
	}

	expected := strconv.Itoa(l.balance)
	next := l.balance + delta

	for attempt := 0; attempt < maxSwapAttempts; attempt++ {
		if delta < 0 && next < 0 {
			return l.balance, ErrInsufficientCredits
		}

		swapped, err := l.kv.CompareAndSwap(ctx, l.key, expected, strconv.Itoa(next))
		if err != nil {
			return l.balance, fmt.Errorf("write balance: %w", err)
		}
		if swapped {
			l.setLocked(next)
			return l.balance, nil
		}

		stored, found, err := l.kv.Get(ctx, l.key)
		if err != nil {
			return l.balance, fmt.Errorf("reload balance: %w", err)
		}
		if !found {
			written, err := l.kv.SetIfAbsent(ctx, l.key, strconv.Itoa(next))
			if err != nil {
				return l.balance, fmt.Errorf("recreate balance: %w", err)
			}
			if written {
				l.setLocked(next)
				return l.balance, nil
			}
			continue
		}

		current, err := l.parse(stored)
		if err != nil {
			return l.balance, err
		}
		l.logger.Debug("Balance changed by another writer, reapplying",
			"key", l.key,
			"mirrored", l.balance,
			"stored", current,
			"delta", delta,
		)
		l.setLocked(current)
		expected = stored
		next = current + delta
	}

	return l.balance, ErrContention
}

// RedeemTopUp grants the bonus when u carries the redemption code and returns
// u without the redemption parameter. Any other URL is returned unchanged and
// nothing is granted.
func (l *Ledger) RedeemTopUp(ctx context.Context, u *url.URL) (bool, *url.URL, error) {
	if u == nil {
		return false, nil, nil
	}

	q := u.Query()
	if !q.Has(RedemptionParam) || q.Get(RedemptionParam) != l.opts.RedemptionCode {
		return false, u, nil
	}

	balance, err := l.Adjust(ctx, l.opts.Bonus)
	if err != nil {
		return false, u, fmt.Errorf("redeem top-up: %w", err)
	}

	q.Del(RedemptionParam)
	cleaned := *u
	cleaned.RawQuery = q.Encode()
	l.logger.Info("Top-up redeemed", "key", l.key, "bonus", l.opts.Bonus, "balance", balance)
	return true, &cleaned, nil
}

func (l *Ledger) parse(stored string) (int, error) {
	n, err := strconv.Atoi(stored)
	if err != nil {
		return 0, &MalformedBalanceError{Key: l.key, Value: stored, Err: err}
	}
	return n, nil
}
