package mocks

import (
	"context"

	"github.com/dukex/dmflow/pkg/models"
	"github.com/stretchr/testify/mock"
)

// MockMessagingProvider is a mock implementation of providers.MessagingProvider.
type MockMessagingProvider struct {
	mock.Mock
}

func (m *MockMessagingProvider) SendText(ctx context.Context, accessToken, recipientID, text string, tag models.PolicyTag) (string, error) {
	args := m.Called(ctx, accessToken, recipientID, text, tag)

	return args.String(0), args.Error(1)
}

func (m *MockMessagingProvider) SendQuickReply(ctx context.Context, accessToken, recipientID, text string, options []models.QuickReplyOption, tag models.PolicyTag) (string, error) {
	args := m.Called(ctx, accessToken, recipientID, text, options, tag)

	return args.String(0), args.Error(1)
}

func (m *MockMessagingProvider) SendMedia(ctx context.Context, accessToken, recipientID, url, mediaType string, tag models.PolicyTag) (string, error) {
	args := m.Called(ctx, accessToken, recipientID, url, mediaType, tag)

	return args.String(0), args.Error(1)
}

func (m *MockMessagingProvider) ReplyToComment(ctx context.Context, accessToken, commentID, text string) (string, error) {
	args := m.Called(ctx, accessToken, commentID, text)

	return args.String(0), args.Error(1)
}

func (m *MockMessagingProvider) SendPrivateReply(ctx context.Context, accessToken, commentID, text string) (string, error) {
	args := m.Called(ctx, accessToken, commentID, text)

	return args.String(0), args.Error(1)
}

// MockCredentialProvider is a mock implementation of providers.CredentialProvider.
type MockCredentialProvider struct {
	mock.Mock
}

func (m *MockCredentialProvider) AccessToken(ctx context.Context, channelAccountID string) (string, error) {
	args := m.Called(ctx, channelAccountID)

	return args.String(0), args.Error(1)
}
