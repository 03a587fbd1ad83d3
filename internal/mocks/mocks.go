package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"dm-service/internal/attachments"
	"dm-service/internal/messaging"
	"dm-service/internal/models"
	"dm-service/internal/repositories"
)

type MessageRepositoryMock struct {
	mock.Mock
}

func (m *MessageRepositoryMock) Append(ctx context.Context, msg repositories.NewMessage) (models.Message, error) {
	args := m.Called(ctx, msg)
	var out models.Message
	if val := args.Get(0); val != nil {
		out = val.(models.Message)
	}
	return out, args.Error(1)
}

func (m *MessageRepositoryMock) ListConversation(ctx context.Context, userA, userB int64, opts repositories.ListOptions) ([]models.Message, error) {
	args := m.Called(ctx, userA, userB, opts)
	var msgs []models.Message
	if val := args.Get(0); val != nil {
		msgs = val.([]models.Message)
	}
	return msgs, args.Error(1)
}

type UserDirectoryMock struct {
	mock.Mock
}

func (m *UserDirectoryMock) ListUsersExcept(ctx context.Context, userID int64) ([]models.UserSummary, error) {
	args := m.Called(ctx, userID)
	var users []models.UserSummary
	if val := args.Get(0); val != nil {
		users = val.([]models.UserSummary)
	}
	return users, args.Error(1)
}

type ResolverMock struct {
	mock.Mock
}

func (m *ResolverMock) Resolve(ctx context.Context, upload attachments.Upload) (string, error) {
	args := m.Called(ctx, upload)
	return args.String(0), args.Error(1)
}

func (m *ResolverMock) Discard(ctx context.Context, url string) error {
	args := m.Called(ctx, url)
	return args.Error(0)
}

// LivePublisherMock stands in for the live delivery bus.
type LivePublisherMock struct {
	mock.Mock
}

func (m *LivePublisherMock) Publish(ctx context.Context, event models.LiveEvent) {
	m.Called(ctx, event)
}

type MessageServiceMock struct {
	mock.Mock
}

func (m *MessageServiceMock) SendMessage(ctx context.Context, req messaging.SendRequest) (models.Message, error) {
	args := m.Called(ctx, req)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *MessageServiceMock) ListMessages(ctx context.Context, userA, userB int64, page messaging.Page) (messaging.PageResult, error) {
	args := m.Called(ctx, userA, userB, page)
	var res messaging.PageResult
	if val := args.Get(0); val != nil {
		res = val.(messaging.PageResult)
	}
	return res, args.Error(1)
}

func (m *MessageServiceMock) ListConversationPartners(ctx context.Context, excluding int64) ([]models.UserSummary, error) {
	args := m.Called(ctx, excluding)
	var users []models.UserSummary
	if val := args.Get(0); val != nil {
		users = val.([]models.UserSummary)
	}
	return users, args.Error(1)
}

type TokenValidatorMock struct {
	mock.Mock
}

func (m *TokenValidatorMock) ValidateToken(ctx context.Context, token string) (int64, error) {
	args := m.Called(ctx, token)
	return args.Get(0).(int64), args.Error(1)
}

var _ repositories.MessageRepository = (*MessageRepositoryMock)(nil)
var _ repositories.UserDirectory = (*UserDirectoryMock)(nil)
var _ attachments.Resolver = (*ResolverMock)(nil)
var _ messaging.Publisher = (*LivePublisherMock)(nil)
