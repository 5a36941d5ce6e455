package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/imagegen/server/internal/model"
	"github.com/imagegen/server/internal/port/outbound"
)

// LedgerStore is an in-memory LedgerStorePort. Each account has its own
// mutex, and a transaction's writes are staged until fn returns nil.
type LedgerStore struct {
	mu sync.RWMutex

	accounts     map[uuid.UUID]*model.CreditAccount
	entries      map[uuid.UUID][]*model.LedgerEntry
	entryKeys    map[string]*model.LedgerEntry
	reservations map[uuid.UUID]*model.CreditReservation
	events       map[string]*model.BillingEventRecord

	locksMu sync.Mutex
	locks   map[uuid.UUID]*sync.Mutex
}

// NewLedgerStore creates an empty ledger store.
func NewLedgerStore() *LedgerStore {
	return &LedgerStore{
		accounts:     make(map[uuid.UUID]*model.CreditAccount),
		entries:      make(map[uuid.UUID][]*model.LedgerEntry),
		entryKeys:    make(map[string]*model.LedgerEntry),
		reservations: make(map[uuid.UUID]*model.CreditReservation),
		events:       make(map[string]*model.BillingEventRecord),
		locks:        make(map[uuid.UUID]*sync.Mutex),
	}
}

func (s *LedgerStore) GetAccount(_ context.Context, accountID uuid.UUID) (*model.CreditAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.accounts[accountID].Clone(), nil
}

func (s *LedgerStore) CreateAccount(_ context.Context, account *model.CreditAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.accounts[account.ID]; exists {
		return nil
	}
	stored := account.Clone()
	stored.CreditBalance = 0
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	stored.UpdatedAt = stored.CreatedAt
	s.accounts[account.ID] = stored
	return nil
}

func (s *LedgerStore) FindAccountByCustomerRef(_ context.Context, customerRef string) (*model.CreditAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, a := range s.accounts {
		if a.BillingCustomerRef != nil && *a.BillingCustomerRef == customerRef {
			return a.Clone(), nil
		}
	}
	return nil, nil
}

func (s *LedgerStore) GetReservation(_ context.Context, taskID uuid.UUID) (*model.CreditReservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if r, ok := s.reservations[taskID]; ok {
		out := *r
		return &out, nil
	}
	return nil, nil
}

func (s *LedgerStore) ListHeldReservations(_ context.Context, createdBefore time.Time, limit int) ([]*model.CreditReservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.CreditReservation
	for _, r := range s.reservations {
		if r.Status == "held" && r.CreatedAt.Before(createdBefore) {
			c := *r
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *LedgerStore) ListEntries(_ context.Context, accountID uuid.UUID, limit int) ([]*model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.entries[accountID]
	out := make([]*model.LedgerEntry, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		e := *entries[i]
		out = append(out, &e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *LedgerStore) ListAccountIDs(_ context.Context) ([]uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]uuid.UUID, 0, len(s.accounts))
	for id := range s.accounts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids, nil
}

// EventSeen implements BillingEventLogPort.
func (s *LedgerStore) EventSeen(_ context.Context, eventID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.events[eventID]
	return ok, nil
}

// RecordEvent implements BillingEventLogPort.
func (s *LedgerStore) RecordEvent(_ context.Context, record *model.BillingEventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.events[record.EventID]; ok {
		return outbound.ErrDuplicateEntry
	}
	out := *record
	s.events[record.EventID] = &out
	return nil
}

func (s *LedgerStore) InAccountTx(ctx context.Context, accountID uuid.UUID, fn func(tx outbound.LedgerTx) error) error {
	lock := s.accountLock(accountID)
	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	current := s.accounts[accountID].Clone()
	s.mu.RUnlock()
	if current == nil {
		return outbound.ErrAccountNotFound
	}

	tx := &ledgerTx{
		store:        s,
		account:      current,
		reservations: make(map[uuid.UUID]*model.CreditReservation),
		events:       make(map[string]*model.BillingEventRecord),
	}
	if err := fn(tx); err != nil {
		return err
	}
	return s.commit(tx)
}

// Entries returns every entry of an account, oldest first.
func (s *LedgerStore) Entries(accountID uuid.UUID) []*model.LedgerEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*model.LedgerEntry, 0, len(s.entries[accountID]))
	for _, e := range s.entries[accountID] {
		c := *e
		out = append(out, &c)
	}
	return out
}

func (s *LedgerStore) accountLock(accountID uuid.UUID) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	lock, ok := s.locks[accountID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[accountID] = lock
	}
	return lock
}

func (s *LedgerStore) commit(tx *ledgerTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range tx.entries {
		if e.IdempotencyKey != nil {
			if _, ok := s.entryKeys[*e.IdempotencyKey]; ok {
				return outbound.ErrDuplicateEntry
			}
		}
	}
	for id := range tx.events {
		if _, ok := s.events[id]; ok {
			return outbound.ErrDuplicateEntry
		}
	}

	accountID := tx.account.ID
	for _, e := range tx.entries {
		s.entries[accountID] = append(s.entries[accountID], e)
		if e.IdempotencyKey != nil {
			s.entryKeys[*e.IdempotencyKey] = e
		}
	}
	for id, r := range tx.reservations {
		s.reservations[id] = r
	}
	for id, ev := range tx.events {
		s.events[id] = ev
	}
	s.accounts[accountID] = tx.account.Clone()
	return nil
}

// ledgerTx stages writes for one InAccountTx call.
type ledgerTx struct {
	store        *LedgerStore
	account      *model.CreditAccount
	entries      []*model.LedgerEntry
	reservations map[uuid.UUID]*model.CreditReservation
	events       map[string]*model.BillingEventRecord
}

func (t *ledgerTx) Account() *model.CreditAccount { return t.account }

func (t *ledgerTx) AppendEntry(ctx context.Context, entry *model.LedgerEntry) error {
	if entry.AccountID != t.account.ID {
		return outbound.ErrAccountNotFound
	}
	if entry.IdempotencyKey != nil {
		existing, err := t.FindEntryByKey(ctx, *entry.IdempotencyKey)
		if err != nil {
			return err
		}
		if existing != nil {
			return outbound.ErrDuplicateEntry
		}
	}
	balance := t.account.CreditBalance + entry.Delta
	if balance < 0 {
		return outbound.ErrNegativeBalance
	}
	entry.BalanceAfter = balance
	stored := *entry
	t.entries = append(t.entries, &stored)
	t.account.CreditBalance = balance
	t.account.UpdatedAt = entry.CreatedAt
	return nil
}

func (t *ledgerTx) FindEntryByKey(_ context.Context, key string) (*model.LedgerEntry, error) {
	for _, e := range t.entries {
		if e.IdempotencyKey != nil && *e.IdempotencyKey == key {
			out := *e
			return &out, nil
		}
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	if e, ok := t.store.entryKeys[key]; ok {
		out := *e
		return &out, nil
	}
	return nil, nil
}

func (t *ledgerTx) SumEntries(_ context.Context) (int64, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()

	var sum int64
	for _, e := range t.store.entries[t.account.ID] {
		sum += e.Delta
	}
	for _, e := range t.entries {
		sum += e.Delta
	}
	return sum, nil
}

func (t *ledgerTx) SaveAccount(_ context.Context, account *model.CreditAccount) error {
	if account.ID != t.account.ID {
		return outbound.ErrAccountNotFound
	}
	balance := t.account.CreditBalance
	createdAt := t.account.CreatedAt
	t.account = account.Clone()
	t.account.CreditBalance = balance
	t.account.CreatedAt = createdAt
	return nil
}

func (t *ledgerTx) GetReservation(_ context.Context, taskID uuid.UUID) (*model.CreditReservation, error) {
	if r, ok := t.reservations[taskID]; ok {
		out := *r
		return &out, nil
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	if r, ok := t.store.reservations[taskID]; ok && r.AccountID == t.account.ID {
		out := *r
		return &out, nil
	}
	return nil, nil
}

func (t *ledgerTx) SaveReservation(_ context.Context, reservation *model.CreditReservation) error {
	if reservation.AccountID != t.account.ID {
		return outbound.ErrAccountNotFound
	}
	out := *reservation
	t.reservations[reservation.TaskID] = &out
	return nil
}

func (t *ledgerTx) EventSeen(_ context.Context, eventID string) (bool, error) {
	if _, ok := t.events[eventID]; ok {
		return true, nil
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	_, ok := t.store.events[eventID]
	return ok, nil
}

func (t *ledgerTx) RecordEvent(_ context.Context, record *model.BillingEventRecord) error {
	if _, ok := t.events[record.EventID]; ok {
		return outbound.ErrDuplicateEntry
	}
	out := *record
	t.events[record.EventID] = &out
	return nil
}

// Compile-time checks
var (
	_ outbound.LedgerStorePort     = (*LedgerStore)(nil)
	_ outbound.BillingEventLogPort = (*LedgerStore)(nil)
	_ outbound.LedgerTx            = (*ledgerTx)(nil)
)
