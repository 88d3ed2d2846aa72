package webhooks

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/mmdatafocus/fic_sync/ficapi"
	"github.com/mmdatafocus/fic_sync/models"
	"github.com/sirupsen/logrus"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func strPtr(s string) *string { return &s }

func timePtr(t time.Time) *time.Time { return &t }

// memStore is an in-memory SubscriptionStore keyed by remote id.
type memStore struct {
	mu     sync.Mutex
	nextId uint
	rows   map[string]*models.WebhookSubscription
}

func newMemStore(rows ...models.WebhookSubscription) *memStore {
	s := &memStore{rows: map[string]*models.WebhookSubscription{}}
	for i := range rows {
		r := rows[i]
		s.nextId++
		if r.ID == 0 {
			r.ID = s.nextId
		}
		s.rows[r.RemoteId] = &r
	}
	return s
}

func (s *memStore) Upsert(_ context.Context, sub *models.WebhookSubscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.rows[sub.RemoteId]
	if !ok {
		s.nextId++
		cp := *sub
		cp.ID = s.nextId
		sub.ID = cp.ID
		s.rows[sub.RemoteId] = &cp
		return nil
	}
	secret, method := existing.Secret, existing.VerificationMethod
	attempts, lastVerify := existing.VerificationAttempts, existing.LastVerificationAt
	id := existing.ID
	*existing = *sub
	existing.ID = id
	existing.VerificationAttempts, existing.LastVerificationAt = attempts, lastVerify
	if !sub.HasSecret() {
		existing.Secret = secret
	}
	if sub.VerificationMethod == "" {
		existing.VerificationMethod = method
	}
	sub.ID = id
	return nil
}

func (s *memStore) FindByRemoteId(_ context.Context, remoteId string) (*models.WebhookSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[remoteId]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (s *memStore) sorted(filter func(*models.WebhookSubscription) bool) []models.WebhookSubscription {
	var out []models.WebhookSubscription
	for _, r := range s.rows {
		if filter(r) {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *memStore) FindActiveByRoute(_ context.Context, accountId uint, group string) ([]models.WebhookSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sorted(func(r *models.WebhookSubscription) bool {
		if r.AccountId != accountId || !r.Active {
			return false
		}
		if r.EventGroup == group {
			return true
		}
		route, ok := ParseSinkURL(r.Sink)
		return ok && route.System == testSinks().System && route.AccountId == accountId && route.Group == group
	}), nil
}

func (s *memStore) ListByAccount(_ context.Context, accountId uint) ([]models.WebhookSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sorted(func(r *models.WebhookSubscription) bool { return r.AccountId == accountId }), nil
}

func (s *memStore) ListRenewable(_ context.Context, accountId uint) ([]models.WebhookSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sorted(func(r *models.WebhookSubscription) bool {
		if accountId != 0 && r.AccountId != accountId {
			return false
		}
		return r.Status == models.SubscriptionStatusActive || r.Status == models.SubscriptionStatusExpiring
	}), nil
}

func (s *memStore) DeleteByRemoteId(_ context.Context, remoteId string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, remoteId)
	return nil
}

func (s *memStore) MarkDeletedExcept(_ context.Context, accountId uint, keep []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keepSet := map[string]bool{}
	for _, k := range keep {
		keepSet[k] = true
	}
	n := 0
	for _, r := range s.rows {
		if r.AccountId != accountId || keepSet[r.RemoteId] || r.Status == models.SubscriptionStatusDeleted {
			continue
		}
		r.Status = models.SubscriptionStatusDeleted
		r.Active = false
		n++
	}
	return n, nil
}

func (s *memStore) ApplyRenewal(_ context.Context, id uint, remoteId string, secret *string, expiresAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, r := range s.rows {
		if r.ID != id {
			continue
		}
		delete(s.rows, key)
		r.RemoteId = remoteId
		r.ExpiresAt = expiresAt
		r.Status = models.SubscriptionStatusActive
		r.Active = true
		r.VerificationAttempts = 0
		if secret != nil && *secret != "" {
			r.Secret = secret
		}
		s.rows[remoteId] = r
		return nil
	}
	return fmt.Errorf("subscription %d not found", id)
}

func (s *memStore) ClaimVerificationAttempt(_ context.Context, id uint, maxAttempts int, spacing time.Duration, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rows {
		if r.ID != id {
			continue
		}
		if r.VerificationAttempts >= maxAttempts {
			return false, nil
		}
		if r.LastVerificationAt != nil && r.LastVerificationAt.After(now.Add(-spacing)) {
			return false, nil
		}
		r.VerificationAttempts++
		r.LastVerificationAt = timePtr(now)
		return true, nil
	}
	return false, nil
}

// memLedger mirrors the gorm ledger's dedup rules.
type memLedger struct {
	mu        sync.Mutex
	nextId    uint
	entries   map[uint]*models.EventLedgerEntry
	now       func() time.Time
	recordErr error
}

func newMemLedger() *memLedger {
	return &memLedger{entries: map[uint]*models.EventLedgerEntry{}, now: func() time.Time { return testNow }}
}

func ledgerKey(e *models.EventLedgerEntry) string {
	return fmt.Sprintf("%d|%s|%s|%s|%s", e.AccountId, e.EventType, e.ResourceCategory, e.ResourceId, e.EventId)
}

func (l *memLedger) Record(_ context.Context, entry *models.EventLedgerEntry) (RecordOutcome, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.recordErr != nil {
		return "", l.recordErr
	}
	for _, e := range l.entries {
		if ledgerKey(e) != ledgerKey(entry) {
			continue
		}
		entry.ID = e.ID
		outcome := decideRedelivery(e, l.now())
		if outcome == RecordRearmed {
			e.Status = models.LedgerStatusPending
			e.UpdatedAt = l.now()
		}
		return outcome, nil
	}
	l.nextId++
	cp := *entry
	cp.ID = l.nextId
	cp.Status = models.LedgerStatusPending
	cp.CreatedAt, cp.UpdatedAt = l.now(), l.now()
	l.entries[cp.ID] = &cp
	entry.ID = cp.ID
	entry.Status = cp.Status
	return RecordInserted, nil
}

func (l *memLedger) Get(_ context.Context, id uint) (*models.EventLedgerEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[id]
	if !ok {
		return nil, fmt.Errorf("ledger entry %d not found", id)
	}
	cp := *e
	return &cp, nil
}

func (l *memLedger) MarkProcessed(_ context.Context, id uint) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[id]
	if !ok || e.Status == models.LedgerStatusProcessed {
		return false, nil
	}
	e.Status = models.LedgerStatusProcessed
	e.Attempts++
	e.ProcessedAt = timePtr(l.now())
	return true, nil
}

func (l *memLedger) MarkFailed(_ context.Context, id uint, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[id]; ok && e.Status != models.LedgerStatusProcessed {
		e.Status = models.LedgerStatusFailed
		e.Attempts++
		e.LastError = strPtr(reason)
	}
	return nil
}

func (l *memLedger) List(_ context.Context, f LedgerFilter) ([]models.EventLedgerEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []models.EventLedgerEntry
	for _, e := range l.entries {
		if (f.AccountId == 0 || e.AccountId == f.AccountId) && (f.Status == "" || e.Status == f.Status) {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (l *memLedger) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

type recordingDispatcher struct {
	mu    sync.Mutex
	tasks []SyncTask
	err   error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, task SyncTask) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.tasks = append(d.tasks, task)
	return nil
}

// fakeRemote is one company's subscriptions and resources.
type fakeRemote struct {
	mu        sync.Mutex
	nextId    int
	subs      []ficapi.Subscription
	clients   map[string]*ficapi.Entity
	suppliers map[string]*ficapi.Entity
	documents map[string]*ficapi.IssuedDocument

	listErr   error
	createErr error
	deleteErr error
	verifyErr error
	fetchErr  error

	created  []ficapi.CreateSubscriptionRequest
	deleted  []string
	verified []string
}

func newFakeRemote(subs ...ficapi.Subscription) *fakeRemote {
	return &fakeRemote{
		nextId:    1000,
		subs:      subs,
		clients:   map[string]*ficapi.Entity{},
		suppliers: map[string]*ficapi.Entity{},
		documents: map[string]*ficapi.IssuedDocument{},
	}
}

func (r *fakeRemote) create(req ficapi.CreateSubscriptionRequest) (*ficapi.CreatedSubscription, error) {
	r.created = append(r.created, req)
	if r.createErr != nil {
		return nil, r.createErr
	}
	r.nextId++
	id := fmt.Sprintf("SUB%d", r.nextId)
	r.subs = append(r.subs, ficapi.Subscription{Id: id, Sink: req.Sink, Types: req.Types})
	return &ficapi.CreatedSubscription{
		Id:           id,
		Types:        append([]string(nil), req.Types...),
		Secret:       "secret-" + id,
		ExpiresAtRaw: testNow.Add(60 * 24 * time.Hour).Format(time.RFC3339),
	}, nil
}

func (r *fakeRemote) CreateSubscription(_ context.Context, req ficapi.CreateSubscriptionRequest) (*ficapi.CreatedSubscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.subs {
		if s.Sink == req.Sink && sameTypeSet(s.Types, req.Types) {
			return &ficapi.CreatedSubscription{Id: s.Id, Verified: s.Verified, Types: s.Types, Duplicate: true}, nil
		}
	}
	return r.create(req)
}

func (r *fakeRemote) CreateSubscriptionRaw(_ context.Context, req ficapi.CreateSubscriptionRequest) (*ficapi.CreatedSubscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.create(req)
}

func (r *fakeRemote) ListSubscriptions(_ context.Context) ([]ficapi.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listErr != nil {
		return nil, r.listErr
	}
	return append([]ficapi.Subscription(nil), r.subs...), nil
}

func (r *fakeRemote) DeleteSubscription(_ context.Context, remoteId string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted = append(r.deleted, remoteId)
	if r.deleteErr != nil {
		return r.deleteErr
	}
	for i, s := range r.subs {
		if s.Id == remoteId {
			r.subs = append(r.subs[:i], r.subs[i+1:]...)
			return nil
		}
	}
	return &ficapi.APIError{Kind: ficapi.ErrNotFound, Op: "delete_subscription", Status: 404}
}

func (r *fakeRemote) VerifySubscription(_ context.Context, remoteId string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.verified = append(r.verified, remoteId)
	return r.verifyErr
}

func (r *fakeRemote) GetClient(_ context.Context, id string) (*ficapi.Entity, error) {
	return r.entity(r.clients, id)
}

func (r *fakeRemote) GetSupplier(_ context.Context, id string) (*ficapi.Entity, error) {
	return r.entity(r.suppliers, id)
}

func (r *fakeRemote) entity(m map[string]*ficapi.Entity, id string) (*ficapi.Entity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fetchErr != nil {
		return nil, r.fetchErr
	}
	e, ok := m[id]
	if !ok {
		return nil, &ficapi.APIError{Kind: ficapi.ErrNotFound, Op: "get_entity", Status: 404}
	}
	return e, nil
}

func (r *fakeRemote) GetIssuedDocument(_ context.Context, id string) (*ficapi.IssuedDocument, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fetchErr != nil {
		return nil, r.fetchErr
	}
	d, ok := r.documents[id]
	if !ok {
		return nil, &ficapi.APIError{Kind: ficapi.ErrNotFound, Op: "get_issued_document", Status: 404}
	}
	return d, nil
}

func sameTypeSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := map[string]int{}
	for _, t := range a {
		seen[t]++
	}
	for _, t := range b {
		seen[t]--
		if seen[t] < 0 {
			return false
		}
	}
	return true
}

type fakeRemoteFactory struct {
	remotes map[uint]*fakeRemote
}

func (f *fakeRemoteFactory) ForAccount(account *models.TenantAccount) (Remote, error) {
	if !account.IsActive() {
		return nil, ErrAccountDisconnected
	}
	r, ok := f.remotes[account.ID]
	if !ok {
		return nil, fmt.Errorf("no fake remote for account %d", account.ID)
	}
	return r, nil
}

type memAccounts struct {
	accounts map[uint]*models.TenantAccount
}

func newMemAccounts(ids ...uint) *memAccounts {
	m := &memAccounts{accounts: map[uint]*models.TenantAccount{}}
	for _, id := range ids {
		m.accounts[id] = &models.TenantAccount{ID: id, Name: fmt.Sprintf("acct-%d", id), RemoteCompanyId: int64(id) * 10, Status: models.AccountStatusActive}
	}
	return m
}

func (m *memAccounts) Get(_ context.Context, id uint) (*models.TenantAccount, error) {
	a, ok := m.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *memAccounts) ListActive(_ context.Context) ([]models.TenantAccount, error) {
	var out []models.TenantAccount
	for _, a := range m.accounts {
		if a.IsActive() {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type memResources struct {
	mu    sync.Mutex
	snaps map[string]*models.SyncedResource
}

func newMemResources() *memResources {
	return &memResources{snaps: map[string]*models.SyncedResource{}}
}

func resourceKey(accountId uint, category models.ResourceCategory, remoteId string) string {
	return fmt.Sprintf("%d|%s|%s", accountId, category, remoteId)
}

func (m *memResources) Save(_ context.Context, snap *models.SyncedResource) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *snap
	m.snaps[resourceKey(snap.AccountId, snap.Category, snap.RemoteId)] = &cp
	return nil
}

func (m *memResources) MarkDeleted(_ context.Context, accountId uint, category models.ResourceCategory, remoteId string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := resourceKey(accountId, category, remoteId)
	snap, ok := m.snaps[key]
	if !ok {
		snap = &models.SyncedResource{AccountId: accountId, Category: category, RemoteId: remoteId}
		m.snaps[key] = snap
	}
	snap.Deleted = true
	return nil
}

func (m *memResources) get(accountId uint, category models.ResourceCategory, remoteId string) *models.SyncedResource {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snaps[resourceKey(accountId, category, remoteId)]
}

type memRuns struct {
	mu   sync.Mutex
	runs []models.SubscriptionReconcileRun
}

func (m *memRuns) RecordRun(_ context.Context, run *models.SubscriptionReconcileRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, *run)
	return nil
}

func testSinks() SinkConfig {
	return SinkConfig{PublicBaseURL: "https://hooks.example.com", System: "fic", VerificationMethod: "header", Mapping: "binary"}
}
