// Package memory is an in-process billing store. Each account has its own
// lock, held for the whole transaction; writes are buffered and applied
// atomically at commit.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/PortNumber53/creditmeter/backend/internal/billing"
	"github.com/PortNumber53/creditmeter/backend/internal/models"
)

// ErrUniqueViolation is returned at commit when a unique column would repeat.
var ErrUniqueViolation = errors.New("memory: unique constraint violated")

// Store implements billing.Store in memory.
type Store struct {
	mu sync.Mutex

	profiles   map[string]*models.BillingProfile
	byCustomer map[string]string
	bySub      map[string]string

	ledger    []models.CreditLedgerEntry
	byKey     map[string]int
	byEvent   map[string]int
	bySession map[string]int

	events  map[string]*models.ProviderEventRecord
	revenue map[string]*models.RevenueEvent

	locks map[string]chan struct{}

	nextProfileID int64
	nextLedgerID  int64
	nextRevenueID int64

	now func() time.Time
}

var _ billing.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		profiles:   make(map[string]*models.BillingProfile),
		byCustomer: make(map[string]string),
		bySub:      make(map[string]string),
		byKey:      make(map[string]int),
		byEvent:    make(map[string]int),
		bySession:  make(map[string]int),
		events:     make(map[string]*models.ProviderEventRecord),
		revenue:    make(map[string]*models.RevenueEvent),
		locks:      make(map[string]chan struct{}),
		now:        time.Now,
	}
}

// SetClock overrides the clock used for event staleness.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// WithinTx runs fn in a transaction. Any error from fn discards its writes.
func (s *Store) WithinTx(ctx context.Context, fn func(tx billing.Tx) error) error {
	tx := &memTx{
		store:   s,
		held:    make(map[string]bool),
		pending: make(map[string]*models.BillingProfile),
	}
	defer tx.release()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.commit()
}

// GetProfileByAccount returns a copy of the committed profile or nil.
func (s *Store) GetProfileByAccount(_ context.Context, accountID string) (*models.BillingProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.profiles[accountID].Clone(), nil
}

// ListLedger returns the newest entries of accountID first.
func (s *Store) ListLedger(_ context.Context, accountID string, limit int) ([]models.CreditLedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.CreditLedgerEntry
	for i := len(s.ledger) - 1; i >= 0; i-- {
		if s.ledger[i].AccountID != accountID {
			continue
		}
		out = append(out, s.ledger[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// BeginEvent claims eventID unless it is processed or freshly processing.
func (s *Store) BeginEvent(_ context.Context, eventID, eventType string, staleAfter time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	rec, ok := s.events[eventID]
	if !ok {
		s.events[eventID] = &models.ProviderEventRecord{
			EventID:   eventID,
			Type:      eventType,
			Status:    models.EventProcessing,
			Attempts:  1,
			CreatedAt: now,
			UpdatedAt: now,
		}
		return true, nil
	}

	switch rec.Status {
	case models.EventProcessed:
		return false, nil
	case models.EventProcessing:
		if now.Sub(rec.UpdatedAt) < staleAfter {
			return false, nil
		}
	}
	rec.Status = models.EventProcessing
	rec.Error = nil
	rec.Attempts++
	rec.UpdatedAt = now
	return true, nil
}

// CompleteEvent marks eventID processed.
func (s *Store) CompleteEvent(_ context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.events[eventID]
	if !ok {
		return fmt.Errorf("memory: event %s not claimed", eventID)
	}
	now := s.now().UTC()
	rec.Status = models.EventProcessed
	rec.Error = nil
	rec.ProcessedAt = &now
	rec.UpdatedAt = now
	return nil
}

// FailEvent marks eventID failed so a redelivery may claim it.
func (s *Store) FailEvent(_ context.Context, eventID, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.events[eventID]
	if !ok {
		return fmt.Errorf("memory: event %s not claimed", eventID)
	}
	rec.Status = models.EventFailed
	rec.Error = &message
	rec.UpdatedAt = s.now().UTC()
	return nil
}

// Event returns a copy of the dedupe record of eventID.
func (s *Store) Event(eventID string) (models.ProviderEventRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.events[eventID]
	if !ok {
		return models.ProviderEventRecord{}, false
	}
	return *rec, true
}

// RecordRevenue stores ev once per provider event id.
func (s *Store) RecordRevenue(_ context.Context, ev *models.RevenueEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.revenue[ev.ProviderEventID]; ok {
		return false, nil
	}
	s.nextRevenueID++
	ev.ID = s.nextRevenueID
	c := *ev
	s.revenue[ev.ProviderEventID] = &c
	return true, nil
}

// Revenue returns the recorded revenue events ordered by id.
func (s *Store) Revenue() []models.RevenueEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.RevenueEvent, 0, len(s.revenue))
	for _, ev := range s.revenue {
		out = append(out, *ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) accountLock(accountID string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[accountID]
	if !ok {
		l = make(chan struct{}, 1)
		s.locks[accountID] = l
	}
	return l
}

type memTx struct {
	store   *Store
	held    map[string]bool
	pending map[string]*models.BillingProfile
	entries []models.CreditLedgerEntry
}

func (t *memTx) lock(ctx context.Context, accountID string) error {
	if t.held[accountID] {
		return nil
	}
	l := t.store.accountLock(accountID)
	select {
	case l <- struct{}{}:
		t.held[accountID] = true
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// unlock releases a lock that guards no buffered write.
func (t *memTx) unlock(accountID string) {
	if !t.held[accountID] {
		return
	}
	if _, ok := t.pending[accountID]; ok {
		return
	}
	<-t.store.accountLock(accountID)
	delete(t.held, accountID)
}

func (t *memTx) release() {
	for accountID := range t.held {
		<-t.store.accountLock(accountID)
	}
	t.held = nil
}

// current returns the tx view of accountID. The account lock must be held.
func (t *memTx) current(accountID string) *models.BillingProfile {
	if p, ok := t.pending[accountID]; ok {
		return p.Clone()
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	return t.store.profiles[accountID].Clone()
}

func (t *memTx) LockProfileByAccount(ctx context.Context, accountID string) (*models.BillingProfile, error) {
	if err := t.lock(ctx, accountID); err != nil {
		return nil, err
	}
	return t.current(accountID), nil
}

func (t *memTx) LockProfileByCustomer(ctx context.Context, customerID string) (*models.BillingProfile, error) {
	return t.lockBy(ctx, func(p *models.BillingProfile) bool { return p.CustomerID() == customerID },
		func() (string, bool) {
			id, ok := t.store.byCustomer[customerID]
			return id, ok
		})
}

func (t *memTx) LockProfileBySubscription(ctx context.Context, subscriptionID string) (*models.BillingProfile, error) {
	return t.lockBy(ctx, func(p *models.BillingProfile) bool { return p.SubscriptionID() == subscriptionID },
		func() (string, bool) {
			id, ok := t.store.bySub[subscriptionID]
			return id, ok
		})
}

// lockBy resolves an account through a secondary key, locks it and checks the
// key still maps to it once locked.
func (t *memTx) lockBy(ctx context.Context, match func(*models.BillingProfile) bool, index func() (string, bool)) (*models.BillingProfile, error) {
	for _, p := range t.pending {
		if match(p) {
			return p.Clone(), nil
		}
	}
	t.store.mu.Lock()
	accountID, ok := index()
	t.store.mu.Unlock()
	if !ok {
		return nil, nil
	}
	wasHeld := t.held[accountID]
	p, err := t.LockProfileByAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if p == nil || !match(p) {
		// the key moved to another account while we waited
		if !wasHeld {
			t.unlock(accountID)
		}
		return nil, nil
	}
	return p, nil
}

func (t *memTx) InsertProfile(ctx context.Context, p *models.BillingProfile) (bool, error) {
	if err := t.lock(ctx, p.AccountID); err != nil {
		return false, err
	}
	if t.current(p.AccountID) != nil {
		return false, nil
	}
	t.store.mu.Lock()
	t.store.nextProfileID++
	p.ID = t.store.nextProfileID
	t.store.mu.Unlock()
	t.pending[p.AccountID] = p.Clone()
	return true, nil
}

func (t *memTx) UpdateProfile(_ context.Context, p *models.BillingProfile) error {
	if !t.held[p.AccountID] {
		return fmt.Errorf("memory: profile %s updated without lock", p.AccountID)
	}
	t.pending[p.AccountID] = p.Clone()
	return nil
}

func (t *memTx) LedgerByIdempotencyKey(_ context.Context, key string) (*models.CreditLedgerEntry, error) {
	return t.findEntry(key, func(e *models.CreditLedgerEntry) *string { return e.IdempotencyKey }, t.store.byKey)
}

func (t *memTx) LedgerByProviderEvent(_ context.Context, eventID string) (*models.CreditLedgerEntry, error) {
	return t.findEntry(eventID, func(e *models.CreditLedgerEntry) *string { return e.ProviderEventID }, t.store.byEvent)
}

func (t *memTx) LedgerByCheckoutSession(_ context.Context, sessionID string) (*models.CreditLedgerEntry, error) {
	return t.findEntry(sessionID, func(e *models.CreditLedgerEntry) *string { return e.ProviderCheckoutSessionID }, t.store.bySession)
}

func (t *memTx) findEntry(value string, field func(*models.CreditLedgerEntry) *string, index map[string]int) (*models.CreditLedgerEntry, error) {
	for i := range t.entries {
		if v := field(&t.entries[i]); v != nil && *v == value {
			e := t.entries[i]
			return &e, nil
		}
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	if i, ok := index[value]; ok {
		e := t.store.ledger[i]
		return &e, nil
	}
	return nil, nil
}

func (t *memTx) AppendLedger(_ context.Context, e *models.CreditLedgerEntry) error {
	if !t.held[e.AccountID] {
		return fmt.Errorf("memory: ledger entry for %s appended without lock", e.AccountID)
	}
	t.store.mu.Lock()
	t.store.nextLedgerID++
	e.ID = t.store.nextLedgerID
	t.store.mu.Unlock()
	t.entries = append(t.entries, *e)
	return nil
}

func (t *memTx) commit() error {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range t.entries {
		for _, u := range []struct {
			v     *string
			index map[string]int
		}{{e.IdempotencyKey, s.byKey}, {e.ProviderEventID, s.byEvent}, {e.ProviderCheckoutSessionID, s.bySession}} {
			if u.v == nil {
				continue
			}
			if _, ok := u.index[*u.v]; ok {
				return fmt.Errorf("%w: ledger %q", ErrUniqueViolation, *u.v)
			}
		}
	}
	for accountID, p := range t.pending {
		if id := p.CustomerID(); id != "" {
			if owner, ok := s.byCustomer[id]; ok && owner != accountID {
				return fmt.Errorf("%w: customer %q", ErrUniqueViolation, id)
			}
		}
		if id := p.SubscriptionID(); id != "" {
			if owner, ok := s.bySub[id]; ok && owner != accountID {
				return fmt.Errorf("%w: subscription %q", ErrUniqueViolation, id)
			}
		}
	}

	for accountID, p := range t.pending {
		if old := s.profiles[accountID]; old != nil {
			delete(s.byCustomer, old.CustomerID())
			delete(s.bySub, old.SubscriptionID())
		}
		s.profiles[accountID] = p
		if id := p.CustomerID(); id != "" {
			s.byCustomer[id] = accountID
		}
		if id := p.SubscriptionID(); id != "" {
			s.bySub[id] = accountID
		}
	}
	// ids were reserved in call order; keep the ledger ordered by id
	sort.Slice(t.entries, func(i, j int) bool { return t.entries[i].ID < t.entries[j].ID })
	for _, e := range t.entries {
		s.ledger = append(s.ledger, e)
		i := len(s.ledger) - 1
		if e.IdempotencyKey != nil {
			s.byKey[*e.IdempotencyKey] = i
		}
		if e.ProviderEventID != nil {
			s.byEvent[*e.ProviderEventID] = i
		}
		if e.ProviderCheckoutSessionID != nil {
			s.bySession[*e.ProviderCheckoutSessionID] = i
		}
	}
	return nil
}
