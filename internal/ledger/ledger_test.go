package ledger

import (
	"context"
	"errors"
	"net/url"
	"testing"

	"github.com/ashureev/beatdown/internal/store"
)

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse %q: %v", raw, err)
	}
	return u
}

func TestInitializeFreshPersistsDefault(t *testing.T) {
	t.Parallel()
	kv := store.NewMemory()
	l := New(kv, Options{}, nil)

	balance, err := l.Initialize(context.Background())
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if balance != 10 || l.Balance() != 10 {
		t.Fatalf("expected balance 10, got %d/%d", balance, l.Balance())
	}

	stored, found, _ := kv.Get(context.Background(), StorageKey)
	if !found || stored != "10" {
		t.Fatalf("expected persisted \"10\", got %q found=%v", stored, found)
	}
}

func TestInitializeAdoptsStoredBalance(t *testing.T) {
	t.Parallel()
	kv := store.NewMemory()
	kv.Put(StorageKey, "3")
	l := New(kv, Options{}, nil)

	balance, err := l.Initialize(context.Background())
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if balance != 3 {
		t.Fatalf("expected stored balance 3, got %d", balance)
	}
	if kv.Writes() != 1 {
		t.Fatalf("Initialize must not write an existing balance, writes=%d", kv.Writes())
	}
}

func TestInitializeMalformedBalance(t *testing.T) {
	t.Parallel()
	kv := store.NewMemory()
	kv.Put(StorageKey, "lots")
	l := New(kv, Options{}, nil)

	_, err := l.Initialize(context.Background())
	if !errors.Is(err, ErrMalformedBalance) {
		t.Fatalf("expected ErrMalformedBalance, got %v", err)
	}
	var malformed *MalformedBalanceError
	if !errors.As(err, &malformed) || malformed.Value != "lots" {
		t.Fatalf("expected MalformedBalanceError carrying the value, got %#v", err)
	}
	if l.Balance() != 0 {
		t.Fatalf("expected zero balance after failed Initialize, got %d", l.Balance())
	}
	if _, err := l.Adjust(context.Background(), -1); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
}

func TestScopeNamespacesKey(t *testing.T) {
	t.Parallel()
	l := New(store.NewMemory(), Options{Scope: "anon_1"}, nil)
	if l.Key() != "beatdown_credits:anon_1" {
		t.Fatalf("unexpected key %q", l.Key())
	}
}

func TestAdjustWritesOncePerCall(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	kv := store.NewMemory()
	l := New(kv, Options{}, nil)
	if _, err := l.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	before := kv.Writes()

	for i := 0; i < 3; i++ {
		if _, err := l.Adjust(ctx, -1); err != nil {
			t.Fatalf("Adjust failed: %v", err)
		}
	}

	if got := kv.Writes() - before; got != 3 {
		t.Fatalf("expected 3 writes, got %d", got)
	}
	stored, _, _ := kv.Get(ctx, StorageKey)
	if l.Balance() != 7 || stored != "7" {
		t.Fatalf("expected memory and storage at 7, got %d/%q", l.Balance(), stored)
	}
}

func TestAdjustRefusesOverdraft(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	kv := store.NewMemory()
	kv.Put(StorageKey, "0")
	l := New(kv, Options{}, nil)
	if _, err := l.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	writes := kv.Writes()

	balance, err := l.Adjust(ctx, -1)
	if !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	if balance != 0 || kv.Writes() != writes {
		t.Fatalf("refused debit must not write, balance=%d writes=%d", balance, kv.Writes()-writes)
	}

	// Credits still apply to an empty balance.
	if balance, err := l.Adjust(ctx, 5); err != nil || balance != 5 {
		t.Fatalf("expected top-up to 5, got %d err=%v", balance, err)
	}
}

func TestAdjustLastCreditSpentByOtherTab(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	kv := store.NewMemory()
	kv.Put(StorageKey, "1")

	tabA := New(kv, Options{}, nil)
	tabB := New(kv, Options{}, nil)
	if _, err := tabA.Initialize(ctx); err != nil {
		t.Fatalf("Initialize tabA: %v", err)
	}
	if _, err := tabB.Initialize(ctx); err != nil {
		t.Fatalf("Initialize tabB: %v", err)
	}

	if _, err := tabB.Adjust(ctx, -1); err != nil {
		t.Fatalf("tabB Adjust: %v", err)
	}
	balance, err := tabA.Adjust(ctx, -1)
	if !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits for the stale tab, got %v", err)
	}
	if balance != 0 || tabA.Balance() != 0 {
		t.Fatalf("stale tab must refresh its mirror to 0, got %d/%d", balance, tabA.Balance())
	}
	stored, _, _ := kv.Get(ctx, StorageKey)
	if stored != "0" {
		t.Fatalf("stored balance must stay at 0, got %q", stored)
	}
}

// vanishingKV loses the first SetIfAbsent race to a writer whose entry is
// gone again by the time the balance is read back.
type vanishingKV struct {
	*store.MemoryStore
	lost bool
}

func (v *vanishingKV) SetIfAbsent(ctx context.Context, key, value string) (bool, error) {
	if !v.lost {
		v.lost = true
		return false, nil
	}
	return v.MemoryStore.SetIfAbsent(ctx, key, value)
}

func TestInitializeRetriesSeedWhenKeyVanishes(t *testing.T) {
	t.Parallel()
	kv := &vanishingKV{MemoryStore: store.NewMemory()}
	l := New(kv, Options{}, nil)

	balance, err := l.Initialize(context.Background())
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if balance != DefaultBalance {
		t.Fatalf("expected default balance, got %d", balance)
	}
	stored, found, _ := kv.Get(context.Background(), StorageKey)
	if !found || stored != "10" {
		t.Fatalf("expected seeded \"10\", got %q found=%v", stored, found)
	}
}

func TestAdjustAcrossTabsDoesNotClobber(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	kv := store.NewMemory()

	tab1 := New(kv, Options{}, nil)
	tab2 := New(kv, Options{}, nil)
	if _, err := tab1.Initialize(ctx); err != nil {
		t.Fatalf("Initialize tab1: %v", err)
	}
	if _, err := tab2.Initialize(ctx); err != nil {
		t.Fatalf("Initialize tab2: %v", err)
	}

	if _, err := tab1.Adjust(ctx, -1); err != nil {
		t.Fatalf("tab1 Adjust: %v", err)
	}
	balance, err := tab2.Adjust(ctx, -1)
	if err != nil {
		t.Fatalf("tab2 Adjust: %v", err)
	}

	if balance != 8 {
		t.Fatalf("expected both debits to land (8), got %d", balance)
	}
	stored, _, _ := kv.Get(ctx, StorageKey)
	if stored != "8" {
		t.Fatalf("expected stored 8, got %q", stored)
	}
}

func TestRedeemTopUp(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	kv := store.NewMemory()
	kv.Put(StorageKey, "10")

	// First load carries the signal.
	l := New(kv, Options{}, nil)
	if _, err := l.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	granted, cleaned, err := l.RedeemTopUp(ctx, mustParseURL(t, "https://beatdown.ai/?token=xyz"))
	if err != nil {
		t.Fatalf("RedeemTopUp failed: %v", err)
	}
	if !granted || l.Balance() != 60 {
		t.Fatalf("expected grant to 60, got granted=%v balance=%d", granted, l.Balance())
	}
	if cleaned.Query().Has(RedemptionParam) {
		t.Fatalf("expected token to be stripped, got %s", cleaned)
	}
	if cleaned.String() != "https://beatdown.ai/" {
		t.Fatalf("unexpected cleaned url %s", cleaned)
	}

	// A reload uses the cleaned URL and must not grant again.
	reload := New(kv, Options{}, nil)
	if _, err := reload.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	granted, _, err = reload.RedeemTopUp(ctx, cleaned)
	if err != nil || granted {
		t.Fatalf("expected no grant on reload, granted=%v err=%v", granted, err)
	}
	if reload.Balance() != 60 {
		t.Fatalf("expected balance to stay 60, got %d", reload.Balance())
	}
}

func TestRedeemTopUpKeepsOtherParams(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := New(store.NewMemory(), Options{}, nil)
	if _, err := l.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	_, cleaned, err := l.RedeemTopUp(ctx, mustParseURL(t, "/chat?ref=ao&token=xyz"))
	if err != nil {
		t.Fatalf("RedeemTopUp failed: %v", err)
	}
	if cleaned.String() != "/chat?ref=ao" {
		t.Fatalf("unexpected cleaned url %s", cleaned)
	}
}

func TestRedeemTopUpIgnoresOtherValues(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cases := []string{"/", "/?token=abc", "/?token=", "/?other=xyz"}
	for _, raw := range cases {
		l := New(store.NewMemory(), Options{}, nil)
		if _, err := l.Initialize(ctx); err != nil {
			t.Fatalf("Initialize failed: %v", err)
		}
		u := mustParseURL(t, raw)
		granted, got, err := l.RedeemTopUp(ctx, u)
		if err != nil || granted {
			t.Fatalf("%s: expected no grant, granted=%v err=%v", raw, granted, err)
		}
		if got.String() != u.String() {
			t.Fatalf("%s: url must be unchanged, got %s", raw, got)
		}
		if l.Balance() != 10 {
			t.Fatalf("%s: balance changed to %d", raw, l.Balance())
		}
	}
}

func TestRedeemTopUpCustomCode(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := New(store.NewMemory(), Options{RedemptionCode: "stripe-ok", Bonus: 25}, nil)
	if _, err := l.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	if granted, _, _ := l.RedeemTopUp(ctx, mustParseURL(t, "/?token=xyz")); granted {
		t.Fatal("default code must not be accepted when a custom code is configured")
	}
	granted, _, err := l.RedeemTopUp(ctx, mustParseURL(t, "/?token=stripe-ok"))
	if err != nil || !granted || l.Balance() != 35 {
		t.Fatalf("expected grant to 35, granted=%v balance=%d err=%v", granted, l.Balance(), err)
	}
}
