package database

import (
	"context"

	"github.com/stretchr/testify/mock"
)

type MockMessageStore struct {
	mock.Mock
}

func (m *MockMessageStore) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockMessageStore) CreateMessage(ctx context.Context, params CreateMessageParams) (Message, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(Message), args.Error(1)
}

func (m *MockMessageStore) GetMessage(ctx context.Context, id int) (Message, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(Message), args.Error(1)
}

func (m *MockMessageStore) SetMessageRead(ctx context.Context, id int) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockMessageStore) ListMessages(ctx context.Context, residenceId int) ([]Message, error) {
	args := m.Called(ctx, residenceId)
	if msgs, ok := args.Get(0).([]Message); ok {
		return msgs, args.Error(1)
	}
	return nil, args.Error(1)
}

type MockTenantDirectory struct {
	mock.Mock
}

func (m *MockTenantDirectory) IsActiveMember(ctx context.Context, residenceId, userId int) (bool, error) {
	args := m.Called(ctx, residenceId, userId)
	return args.Bool(0), args.Error(1)
}

func (m *MockTenantDirectory) GetUserResidence(ctx context.Context, userId int) (Membership, error) {
	args := m.Called(ctx, userId)
	return args.Get(0).(Membership), args.Error(1)
}

type MockProfileLookup struct {
	mock.Mock
}

func (m *MockProfileLookup) GetDisplayName(ctx context.Context, userId int) (string, error) {
	args := m.Called(ctx, userId)
	return args.String(0), args.Error(1)
}
