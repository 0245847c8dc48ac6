package billing

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
)

// MockGateway is a mock implementation of PaymentGateway.
type MockGateway struct {
	mock.Mock
}

func (m *MockGateway) EnsureCustomer(ctx context.Context, existingID, email, name string) (*GatewayCustomer, error) {
	args := m.Called(ctx, existingID, email, name)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*GatewayCustomer), args.Error(1)
}

func (m *MockGateway) CreateSubscription(ctx context.Context, customerID, priceID, paymentMethodID string) (*GatewaySubscription, error) {
	args := m.Called(ctx, customerID, priceID, paymentMethodID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*GatewaySubscription), args.Error(1)
}

func (m *MockGateway) GetSubscription(ctx context.Context, subscriptionID string) (*GatewaySubscription, error) {
	args := m.Called(ctx, subscriptionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*GatewaySubscription), args.Error(1)
}

func (m *MockGateway) SetCancelAtPeriodEnd(ctx context.Context, subscriptionID string, cancel bool) (*GatewaySubscription, error) {
	args := m.Called(ctx, subscriptionID, cancel)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*GatewaySubscription), args.Error(1)
}

func (m *MockGateway) CancelSubscription(ctx context.Context, subscriptionID string) (*GatewaySubscription, error) {
	args := m.Called(ctx, subscriptionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*GatewaySubscription), args.Error(1)
}

func (m *MockGateway) PauseSubscription(ctx context.Context, subscriptionID string) (*GatewaySubscription, error) {
	args := m.Called(ctx, subscriptionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*GatewaySubscription), args.Error(1)
}

func (m *MockGateway) ResumeSubscription(ctx context.Context, subscriptionID string) (*GatewaySubscription, error) {
	args := m.Called(ctx, subscriptionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*GatewaySubscription), args.Error(1)
}

func (m *MockGateway) AttachCoupon(ctx context.Context, subscriptionID, couponID string) (*GatewayCoupon, error) {
	args := m.Called(ctx, subscriptionID, couponID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*GatewayCoupon), args.Error(1)
}

func (m *MockGateway) GetPaymentMethod(ctx context.Context, paymentMethodID string) (*GatewayPaymentMethod, error) {
	args := m.Called(ctx, paymentMethodID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*GatewayPaymentMethod), args.Error(1)
}

func (m *MockGateway) ListPaymentMethods(ctx context.Context, customerID string) ([]GatewayPaymentMethod, error) {
	args := m.Called(ctx, customerID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]GatewayPaymentMethod), args.Error(1)
}

func (m *MockGateway) AttachPaymentMethod(ctx context.Context, customerID, paymentMethodID string) (*GatewayPaymentMethod, error) {
	args := m.Called(ctx, customerID, paymentMethodID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*GatewayPaymentMethod), args.Error(1)
}

func (m *MockGateway) SetDefaultPaymentMethod(ctx context.Context, customerID, paymentMethodID string) error {
	args := m.Called(ctx, customerID, paymentMethodID)
	return args.Error(0)
}

func (m *MockGateway) SetSubscriptionPaymentMethod(ctx context.Context, subscriptionID, paymentMethodID string) (*GatewaySubscription, error) {
	args := m.Called(ctx, subscriptionID, paymentMethodID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*GatewaySubscription), args.Error(1)
}

func (m *MockGateway) GetCoupon(ctx context.Context, couponID string) (*GatewayCoupon, error) {
	args := m.Called(ctx, couponID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*GatewayCoupon), args.Error(1)
}

func (m *MockGateway) GetPrice(ctx context.Context, priceID string) (*GatewayPrice, error) {
	args := m.Called(ctx, priceID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*GatewayPrice), args.Error(1)
}

func (m *MockGateway) ListPayments(ctx context.Context, customerID string) ([]Payment, error) {
	args := m.Called(ctx, customerID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]Payment), args.Error(1)
}

func (m *MockGateway) ListOpenCommitments(ctx context.Context, customerID string) ([]OpenCommitment, error) {
	args := m.Called(ctx, customerID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]OpenCommitment), args.Error(1)
}

// memStore is an in-memory Store used by tests that need real persistence
// semantics (upsert convergence, history scans) rather than expectations.
type memStore struct {
	mu   sync.Mutex
	rows map[string]*Subscription // keyed by ExternalSubscriptionID

	failWrites bool
}

func newMemStore(seed ...*Subscription) *memStore {
	s := &memStore{rows: make(map[string]*Subscription)}
	for _, sub := range seed {
		cp := *sub
		s.rows[cp.ExternalSubscriptionID] = &cp
	}
	return s
}

func (s *memStore) Insert(_ context.Context, sub *Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrites {
		return ErrStoreWrite
	}
	cp := *sub
	s.rows[cp.ExternalSubscriptionID] = &cp
	return nil
}

func (s *memStore) UpsertByExternalID(_ context.Context, sub *Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrites {
		return ErrStoreWrite
	}
	cp := *sub
	s.rows[cp.ExternalSubscriptionID] = &cp
	return nil
}

func (s *memStore) ApplyByExternalID(_ context.Context, externalID string, update SubscriptionUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrites {
		return ErrStoreWrite
	}
	row, ok := s.rows[externalID]
	if !ok {
		return ErrSubscriptionNotFound
	}
	if update.Status != nil {
		row.Status = *update.Status
	}
	if update.CancelAtPeriodEnd != nil {
		row.CancelAtPeriodEnd = *update.CancelAtPeriodEnd
	}
	if update.CurrentPeriodStart != nil {
		row.CurrentPeriodStart = *update.CurrentPeriodStart
	}
	if update.CurrentPeriodEnd != nil {
		row.CurrentPeriodEnd = *update.CurrentPeriodEnd
	}
	if update.PriceID != nil {
		row.PriceID = *update.PriceID
	}
	if update.PaymentMethodID != nil {
		row.PaymentMethodID = *update.PaymentMethodID
	}
	if update.OfferStatus != nil {
		row.OfferStatus = *update.OfferStatus
	}
	if update.LastPaymentAt != nil {
		row.LastPaymentAt = update.LastPaymentAt
	}
	row.UpdatedAt = update.UpdatedAt
	return nil
}

func (s *memStore) ByExternalID(_ context.Context, externalID string) (*Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[externalID]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	cp := *row
	return &cp, nil
}

func (s *memStore) LatestByOwner(ctx context.Context, ownerID uuid.UUID) (*Subscription, error) {
	rows, err := s.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrSubscriptionNotFound
	}
	cp := rows[0]
	return &cp, nil
}

func (s *memStore) ListByOwner(_ context.Context, ownerID uuid.UUID) ([]Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var rows []Subscription
	for _, row := range s.rows {
		if row.OwnerID == ownerID {
			rows = append(rows, *row)
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		return rows[i].CreatedAt.After(rows[j].CreatedAt)
	})
	return rows, nil
}

func (s *memStore) OwnerByExternalCustomerID(_ context.Context, externalCustomerID string) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.rows {
		if row.ExternalCustomerID == externalCustomerID {
			return row.OwnerID, nil
		}
	}
	return uuid.Nil, ErrSubscriptionNotFound
}

func (s *memStore) StatusCounts(_ context.Context) (map[Status]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	latest := make(map[uuid.UUID]*Subscription)
	for _, row := range s.rows {
		if row.IsSpecialOffer {
			continue
		}
		if cur, ok := latest[row.OwnerID]; !ok || row.CreatedAt.After(cur.CreatedAt) {
			latest[row.OwnerID] = row
		}
	}
	counts := make(map[Status]int64)
	for _, row := range latest {
		counts[row.Status]++
	}
	return counts, nil
}

// recordingNotifier captures notification calls and optionally fails them.
type recordingNotifier struct {
	mu       sync.Mutex
	expired  []uuid.UUID
	canceled []uuid.UUID
	err      error
}

func (n *recordingNotifier) OfferExpired(_ context.Context, ownerID uuid.UUID, _ *Subscription) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.expired = append(n.expired, ownerID)
	return n.err
}

func (n *recordingNotifier) SubscriptionCanceled(_ context.Context, ownerID uuid.UUID, _ *Subscription) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.canceled = append(n.canceled, ownerID)
	return n.err
}
