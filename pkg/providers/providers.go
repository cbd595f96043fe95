// Package providers defines the external collaborators the pipeline calls: the messaging
// provider API and the credential source.
package providers

import (
	"context"
	"errors"
	"fmt"

	"github.com/dukex/dmflow/pkg/models"
)

// ErrorKind classifies provider failures for dispatch retry decisions.
type ErrorKind string

const (
	ErrorKindRateLimited      ErrorKind = "rate_limited"
	ErrorKindInvalidRecipient ErrorKind = "invalid_recipient"
	ErrorKindOther            ErrorKind = "other"
)

// Error is the typed failure returned by a MessagingProvider.
type Error struct {
	Kind       ErrorKind
	StatusCode int
	Code       int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider error (%s, status %d, code %d): %s", e.Kind, e.StatusCode, e.Code, e.Message)
}

// KindOf returns the kind of a provider error, or ErrorKindOther for any other error.
func KindOf(err error) ErrorKind {
	var providerErr *Error
	if errors.As(err, &providerErr) {
		return providerErr.Kind
	}

	return ErrorKindOther
}

func IsRateLimited(err error) bool {
	return err != nil && KindOf(err) == ErrorKindRateLimited
}

// MessagingProvider sends messages through the third-party messaging API. Every call returns
// the provider-assigned message id.
type MessagingProvider interface {
	SendText(ctx context.Context, accessToken, recipientID, text string, tag models.PolicyTag) (string, error)
	SendQuickReply(ctx context.Context, accessToken, recipientID, text string, options []models.QuickReplyOption, tag models.PolicyTag) (string, error)
	SendMedia(ctx context.Context, accessToken, recipientID, url, mediaType string, tag models.PolicyTag) (string, error)
	ReplyToComment(ctx context.Context, accessToken, commentID, text string) (string, error)
	SendPrivateReply(ctx context.Context, accessToken, commentID, text string) (string, error)
}

// CredentialProvider returns a currently valid access token for a channel account.
// Tokens are fetched right before each call and never persisted by the pipeline.
type CredentialProvider interface {
	AccessToken(ctx context.Context, channelAccountID string) (string, error)
}
