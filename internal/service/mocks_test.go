package service

import (
	"context"
	"errors"
	"sync"

	"github.com/classbook/backend/internal/domain"
	"github.com/classbook/backend/pkg/payment"
	"github.com/stretchr/testify/mock"
)

type mockAPI struct {
	mock.Mock
}

func (m *mockAPI) VerifySession(ctx context.Context, studentID, packageID int64) (*domain.VerifySessionResult, error) {
	args := m.Called(ctx, studentID, packageID)
	res, _ := args.Get(0).(*domain.VerifySessionResult)
	return res, args.Error(1)
}

func (m *mockAPI) ListSubscriptions(ctx context.Context, studentID int64) ([]domain.Subscription, error) {
	args := m.Called(ctx, studentID)
	subs, _ := args.Get(0).([]domain.Subscription)
	return subs, args.Error(1)
}

func (m *mockAPI) ListPackages(ctx context.Context, studentID int64) ([]domain.SubscriptionPackage, error) {
	args := m.Called(ctx, studentID)
	pkgs, _ := args.Get(0).([]domain.SubscriptionPackage)
	return pkgs, args.Error(1)
}

func (m *mockAPI) ListStudents(ctx context.Context) ([]domain.StudentSummary, error) {
	args := m.Called(ctx)
	students, _ := args.Get(0).([]domain.StudentSummary)
	return students, args.Error(1)
}

func (m *mockAPI) StudentDashboard(ctx context.Context, studentID int64) (domain.Dashboard, error) {
	args := m.Called(ctx, studentID)
	d, _ := args.Get(0).(domain.Dashboard)
	return d, args.Error(1)
}

func (m *mockAPI) Upgrade(ctx context.Context, subscriptionID, packageID int64) (*domain.PlanChangeResult, error) {
	args := m.Called(ctx, subscriptionID, packageID)
	res, _ := args.Get(0).(*domain.PlanChangeResult)
	return res, args.Error(1)
}

func (m *mockAPI) Downgrade(ctx context.Context, subscriptionID, packageID int64) (*domain.PlanChangeResult, error) {
	args := m.Called(ctx, subscriptionID, packageID)
	res, _ := args.Get(0).(*domain.PlanChangeResult)
	return res, args.Error(1)
}

func (m *mockAPI) Cancel(ctx context.Context, subscriptionID int64) error {
	return m.Called(ctx, subscriptionID).Error(0)
}

type mockGateway struct {
	mock.Mock
}

func (m *mockGateway) Deposit(ctx context.Context, req payment.DepositRequest) (*payment.Checkout, error) {
	args := m.Called(ctx, req)
	co, _ := args.Get(0).(*payment.Checkout)
	return co, args.Error(1)
}

func (m *mockGateway) Subscribe(ctx context.Context, studentID, packageID int64) (*payment.Checkout, error) {
	args := m.Called(ctx, studentID, packageID)
	co, _ := args.Get(0).(*payment.Checkout)
	return co, args.Error(1)
}

// fakeBridge accepts only the methods in supported and records every attempt.
type fakeBridge struct {
	mu        sync.Mutex
	supported map[OpenMethod]bool
	attempts  []OpenMethod
}

func (b *fakeBridge) Open(_ context.Context, _ string, method OpenMethod, _ string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts = append(b.attempts, method)
	if !b.supported[method] {
		return errors.New("unsupported")
	}
	return nil
}
