package payments

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/enclaved-org/enclaved/interfaces"
)

// MockClient mocks the PaymentClient interface.
type MockClient struct {
	mock.Mock
}

func (m *MockClient) GetBalance(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockClient) MakeInvoice(ctx context.Context, amountMsat int64, description string) (*interfaces.Invoice, error) {
	args := m.Called(ctx, amountMsat, description)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*interfaces.Invoice), args.Error(1)
}

func (m *MockClient) PayInvoice(ctx context.Context, invoice string) error {
	args := m.Called(ctx, invoice)
	return args.Error(0)
}

func (m *MockClient) LookupInvoice(ctx context.Context, paymentHash string) (*interfaces.Invoice, error) {
	args := m.Called(ctx, paymentHash)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*interfaces.Invoice), args.Error(1)
}

func (m *MockClient) AuthorizePubkey(ctx context.Context, pubkey interfaces.Pubkey) error {
	args := m.Called(ctx, pubkey)
	return args.Error(0)
}

func (m *MockClient) Close() error {
	args := m.Called()
	return args.Error(0)
}

// MockFactory mocks the PaymentClientFactory interface.
type MockFactory struct {
	mock.Mock
}

func (m *MockFactory) ClientFor(seckey []byte) (interfaces.PaymentClient, error) {
	args := m.Called(seckey)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(interfaces.PaymentClient), args.Error(1)
}

func (m *MockFactory) SetWallet(wallet interfaces.Pubkey) {
	m.Called(wallet)
}

func (m *MockFactory) WalletKnown() bool {
	args := m.Called()
	return args.Bool(0)
}

func (m *MockFactory) Close() error {
	args := m.Called()
	return args.Error(0)
}
