package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"purchase-service/internal/models"
	"purchase-service/internal/redisclient"
	"purchase-service/internal/store"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/mock"
	"github.com/stripe/stripe-go/v82"
)

const (
	testKey = "sk_test_123"
	liveKey = "sk_live_456"
)

// memStore is an in-memory stand-in for the Postgres store. One mutex plays the
// role of the row locks and unique constraints.
type memStore struct {
	mu sync.Mutex

	purchases map[string]models.Purchase
	legacy    map[string]models.Purchase
	views     map[string]map[string]models.BuyerPurchase
	targets   map[string]models.Target
	grants    map[string]models.AccessGrant
	library   map[string]models.LibraryItem
	credits   map[string]models.BundleSlotPurchase
	quotas    map[string]int
	claims    map[string]string
	processed map[string]models.ProcessedWebhookEvent
	logs      []models.WebhookEventLog

	recordCalls int
	createCalls int
	grantErr    error
}

func newMemStore() *memStore {
	return &memStore{
		purchases: map[string]models.Purchase{},
		legacy:    map[string]models.Purchase{},
		views:     map[string]map[string]models.BuyerPurchase{},
		targets:   map[string]models.Target{},
		grants:    map[string]models.AccessGrant{},
		library:   map[string]models.LibraryItem{},
		credits:   map[string]models.BundleSlotPurchase{},
		quotas:    map[string]int{},
		claims:    map[string]string{},
		processed: map[string]models.ProcessedWebhookEvent{},
	}
}

func grantKey(buyerKey, targetID string) string { return buyerKey + "|" + targetID }

func (m *memStore) RecordPurchase(_ context.Context, p *models.Purchase) (models.Purchase, store.RecordOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recordCalls++

	existing, ok := m.purchases[p.SessionID]
	if !ok {
		m.purchases[p.SessionID] = *p
		m.project(*p)
		return *p, store.OutcomeCreated, nil
	}
	merged, outcome := store.MergePurchase(existing, *p)
	m.purchases[p.SessionID] = merged
	m.project(merged)
	return merged, outcome, nil
}

func (m *memStore) project(p models.Purchase) {
	key := p.Buyer().Key()
	for k, rows := range m.views {
		if k != key {
			delete(rows, p.PurchaseID)
		}
	}
	if key != "" {
		if m.views[key] == nil {
			m.views[key] = map[string]models.BuyerPurchase{}
		}
		m.views[key][p.PurchaseID] = models.BuyerPurchase{
			BuyerKey: key, PurchaseID: p.PurchaseID, SessionID: p.SessionID,
			TargetID: p.TargetID, Status: p.Status, CreatedAt: p.CreatedAt,
		}
	}
	m.legacy[p.SessionID] = p
}

func (m *memStore) GetPurchaseBySession(_ context.Context, sessionID string) (*models.Purchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.purchases[sessionID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (m *memStore) GetLegacyPurchase(_ context.Context, sessionID string) (*models.Purchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.legacy[sessionID]
	if !ok {
		return nil, nil
	}
	p.PurchaseID = ""
	p.Environment = ""
	return &p, nil
}

func (m *memStore) find(match func(models.Purchase) bool) *models.Purchase {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.purchases {
		if p.Status == models.PurchaseStatusCompleted && match(p) {
			out := p
			return &out
		}
	}
	return nil
}

func (m *memStore) FindCompletedByBuyer(_ context.Context, uid, targetID string) (*models.Purchase, error) {
	return m.find(func(p models.Purchase) bool {
		return !p.Anonymous() && *p.BuyerUID == uid && p.TargetID == targetID
	}), nil
}

func (m *memStore) FindCompletedByEmail(_ context.Context, email, targetID string) (*models.Purchase, error) {
	return m.find(func(p models.Purchase) bool {
		return p.BuyerEmail == models.NormalizeEmail(email) && p.TargetID == targetID
	}), nil
}

func (m *memStore) FindRecentCompleted(_ context.Context, uid, email, targetID string, since time.Time) (*models.Purchase, error) {
	return m.find(func(p models.Purchase) bool {
		if p.TargetID != targetID || p.CompletedAt == nil || p.CompletedAt.Before(since) {
			return false
		}
		return (!p.Anonymous() && *p.BuyerUID == uid) || (email != "" && p.BuyerEmail == models.NormalizeEmail(email))
	}), nil
}

func (m *memStore) ListBuyerPurchases(_ context.Context, buyerKey string) ([]models.BuyerPurchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.BuyerPurchase
	for _, row := range m.views[buyerKey] {
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *memStore) RebuildViews(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.purchases[sessionID]
	if !ok {
		return fmt.Errorf("purchase %s: %w", sessionID, store.ErrNotFound)
	}
	m.project(p)
	return nil
}

func (m *memStore) MarkPurchaseFailed(_ context.Context, sessionID string) (*models.Purchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.purchases[sessionID]
	if !ok || p.Status != models.PurchaseStatusPending {
		return nil, nil
	}
	p.Status = models.PurchaseStatusFailed
	m.purchases[sessionID] = p
	m.project(p)
	return &p, nil
}

func (m *memStore) GetTarget(_ context.Context, targetID string) (*models.Target, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.targets[targetID]
	if !ok {
		return nil, fmt.Errorf("target %s: %w", targetID, store.ErrNotFound)
	}
	return &t, nil
}

func (m *memStore) GetGrant(_ context.Context, buyerKey, targetID string) (*models.AccessGrant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.grants[grantKey(buyerKey, targetID)]
	if !ok {
		return nil, nil
	}
	return &g, nil
}

func (m *memStore) CreateGrant(_ context.Context, grant *models.AccessGrant, item *models.LibraryItem) (models.AccessGrant, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createCalls++
	if m.grantErr != nil {
		return models.AccessGrant{}, false, m.grantErr
	}

	key := grantKey(grant.BuyerKey, grant.TargetID)
	existing, ok := m.grants[key]
	created := !ok
	if created {
		m.grants[key] = *grant
		existing = *grant
	}
	if item != nil {
		if _, ok := m.library[key]; !ok {
			m.library[key] = *item
		}
	}
	return existing, created, nil
}

func (m *memStore) ApplySlotCredit(_ context.Context, credit *models.BundleSlotPurchase) (bool, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.credits[credit.SessionID]; ok {
		return false, m.quotas[credit.CreatorUID], nil
	}
	m.credits[credit.SessionID] = *credit
	m.quotas[credit.CreatorUID] += credit.Slots
	return true, m.quotas[credit.CreatorUID], nil
}

func (m *memStore) GetQuota(_ context.Context, creatorUID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.quotas[creatorUID], nil
}

func (m *memStore) ClaimEmail(_ context.Context, email, uid string) (int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	email = models.NormalizeEmail(email)
	if owner, ok := m.claims[email]; ok && owner != uid {
		return 0, 0, fmt.Errorf("email already claimed: %w", store.ErrConflict)
	}
	m.claims[email] = uid

	grants := 0
	for key, g := range m.grants {
		if g.BuyerKey != "email:"+email {
			continue
		}
		delete(m.grants, key)
		owner := uid
		g.BuyerKey = "uid:" + uid
		g.BuyerUID = &owner
		m.grants[grantKey(g.BuyerKey, g.TargetID)] = g
		grants++
	}

	purchases := 0
	for id, p := range m.purchases {
		if p.Anonymous() && p.BuyerEmail == email {
			owner := uid
			p.BuyerUID = &owner
			m.purchases[id] = p
			m.project(p)
			purchases++
		}
	}
	return grants, purchases, nil
}

func (m *memStore) IsEventProcessed(_ context.Context, eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.processed[eventID]
	return ok, nil
}

func (m *memStore) MarkEventProcessed(_ context.Context, event *models.ProcessedWebhookEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.processed[event.EventID]; !ok {
		m.processed[event.EventID] = *event
	}
	return nil
}

func (m *memStore) InsertWebhookLog(_ context.Context, entry *models.WebhookEventLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, *entry)
	return nil
}

func (m *memStore) grantCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.grants)
}

func (m *memStore) purchaseCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.purchases)
}

// recordingPublisher keeps published events in memory
type recordingPublisher struct {
	mu        sync.Mutex
	completed []*models.PurchaseCompletedEvent
	failed    []*models.PurchaseFailedEvent
	granted   []*models.AccessGrantedEvent
	slots     []*models.SlotsGrantedEvent
	retries   []*models.GrantRetryRequestedEvent
}

func (p *recordingPublisher) PublishPurchaseCompleted(_ context.Context, e *models.PurchaseCompletedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.completed = append(p.completed, e)
	return nil
}

func (p *recordingPublisher) PublishPurchaseFailed(_ context.Context, e *models.PurchaseFailedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failed = append(p.failed, e)
	return nil
}

func (p *recordingPublisher) PublishAccessGranted(_ context.Context, e *models.AccessGrantedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.granted = append(p.granted, e)
	return nil
}

func (p *recordingPublisher) PublishSlotsGranted(_ context.Context, e *models.SlotsGrantedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.slots = append(p.slots, e)
	return nil
}

func (p *recordingPublisher) PublishGrantRetry(_ context.Context, e *models.GrantRetryRequestedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.retries = append(p.retries, e)
	return nil
}

// mockGateway is a testify mock of the processor API
type mockGateway struct {
	mock.Mock
}

func (g *mockGateway) GetSession(ctx context.Context, cred Credential, sessionID, connectedAccount string) (*stripe.CheckoutSession, error) {
	args := g.Called(ctx, cred, sessionID, connectedAccount)
	if s, ok := args.Get(0).(*stripe.CheckoutSession); ok {
		return s, args.Error(1)
	}
	return nil, args.Error(1)
}

func (g *mockGateway) CreateSession(ctx context.Context, cred Credential, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	args := g.Called(ctx, cred, params)
	if s, ok := args.Get(0).(*stripe.CheckoutSession); ok {
		return s, args.Error(1)
	}
	return nil, args.Error(1)
}

func newRedis(t *testing.T) (*redisclient.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return redisclient.Wrap(rdb), mr
}

// fixture wires the services the way main does, over in-memory collaborators
type fixture struct {
	store      *memStore
	events     *recordingPublisher
	gateway    *mockGateway
	redis      *redisclient.Client
	modes      *SessionModeResolver
	ledger     *Ledger
	grants     *AccessGrantService
	fulfiller  *Fulfiller
	identities *BuyerIdentityResolver
	reconciler *Reconciler
	dispatcher *WebhookDispatcher
}

const webhookSecret = "whsec_test_secret"

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		store:   newMemStore(),
		events:  &recordingPublisher{},
		gateway: &mockGateway{},
		modes:   NewSessionModeResolver(testKey, liveKey),
	}
	f.redis, _ = newRedis(t)
	f.ledger = NewLedger(f.store, f.modes, f.redis, 15*time.Minute)
	f.grants = NewAccessGrantService(f.store, f.ledger)
	f.fulfiller = NewFulfiller(f.ledger, f.grants, f.events)
	f.identities = NewBuyerIdentityResolver(nil)
	f.reconciler = NewReconciler(f.modes, f.gateway, f.identities, f.ledger, f.fulfiller, 2*time.Second)
	f.dispatcher = NewWebhookDispatcher(
		WebhookSecrets{EndpointPlatform: {webhookSecret}, EndpointConnect: {"whsec_connect"}},
		f.modes, f.identities, f.fulfiller, f.store, f.redis, 10*time.Second, time.Second,
	)

	f.store.targets["bundle_1"] = models.Target{
		ID: "bundle_1", Kind: models.TargetKindBundle, CreatorID: "creator_1",
		Title: "Starter bundle", Published: true, Price: 2999, Currency: "usd", ItemCount: 4,
	}
	return f
}

func paidSession(id string, meta map[string]string) *stripe.CheckoutSession {
	return &stripe.CheckoutSession{
		ID:            id,
		Livemode:      len(id) > 8 && id[:8] == liveSessionPrefix,
		PaymentStatus: stripe.CheckoutSessionPaymentStatusPaid,
		Status:        stripe.CheckoutSessionStatusComplete,
		AmountTotal:   2999,
		Currency:      stripe.CurrencyUSD,
		Metadata:      meta,
		PaymentIntent: &stripe.PaymentIntent{ID: "pi_" + id},
	}
}

func contentMeta(uid, targetID string) map[string]string {
	return map[string]string{
		models.MetaPurpose:   string(models.PurposeContent),
		models.MetaBuyerUID:  uid,
		models.MetaTargetID:  targetID,
		models.MetaCreatorID: "creator_1",
	}
}
