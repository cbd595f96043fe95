// Package graph implements the messaging provider on top of the Graph messaging API.
package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dukex/dmflow/pkg/models"
	"github.com/dukex/dmflow/pkg/providers"
)

const (
	DefaultBaseURL = "https://graph.facebook.com/v19.0"
	defaultTimeout = 15 * time.Second
)

// Graph error codes that mean throttling or an unreachable recipient.
var (
	rateLimitCodes        = map[int]bool{4: true, 17: true, 32: true, 613: true}
	invalidRecipientCodes = map[int]bool{551: true}
	invalidRecipientSub   = map[int]bool{2018001: true, 2018108: true}
)

// Client is a MessagingProvider backed by the Graph HTTP API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a Graph API client. An empty baseURL uses DefaultBaseURL.
func NewClient(logger *slog.Logger, baseURL string, httpClient *http.Client) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger.With("module", "graph_provider"),
	}
}

type recipient struct {
	ID        string `json:"id,omitempty"`
	CommentID string `json:"comment_id,omitempty"`
}

type quickReply struct {
	ContentType string `json:"content_type"`
	Title       string `json:"title"`
	Payload     string `json:"payload"`
}

type attachment struct {
	Type    string            `json:"type"`
	Payload attachmentPayload `json:"payload"`
}

type attachmentPayload struct {
	URL string `json:"url"`
}

type message struct {
	Text         string       `json:"text,omitempty"`
	QuickReplies []quickReply `json:"quick_replies,omitempty"`
	Attachment   *attachment  `json:"attachment,omitempty"`
}

type sendRequest struct {
	Recipient     recipient `json:"recipient"`
	Message       message   `json:"message"`
	MessagingType string    `json:"messaging_type"`
	Tag           string    `json:"tag,omitempty"`
}

type sendResponse struct {
	RecipientID string `json:"recipient_id"`
	MessageID   string `json:"message_id"`
	ID          string `json:"id"`
}

type errorResponse struct {
	Error struct {
		Message      string `json:"message"`
		Type         string `json:"type"`
		Code         int    `json:"code"`
		ErrorSubcode int    `json:"error_subcode"`
	} `json:"error"`
}

func (c *Client) SendText(ctx context.Context, accessToken, recipientID, text string, tag models.PolicyTag) (string, error) {
	return c.send(ctx, accessToken, recipient{ID: recipientID}, message{Text: text}, tag)
}

// SendPrivateReply messages the author of a comment directly. The provider accepts one such
// reply per comment even when no messaging window is open.
func (c *Client) SendPrivateReply(ctx context.Context, accessToken, commentID, text string) (string, error) {
	return c.send(ctx, accessToken, recipient{CommentID: commentID}, message{Text: text}, models.PolicyTagNone)
}

func (c *Client) SendQuickReply(ctx context.Context, accessToken, recipientID, text string, options []models.QuickReplyOption, tag models.PolicyTag) (string, error) {
	replies := make([]quickReply, 0, len(options))
	for _, option := range options {
		replies = append(replies, quickReply{ContentType: "text", Title: option.Text, Payload: option.MatchKey()})
	}

	return c.send(ctx, accessToken, recipient{ID: recipientID}, message{Text: text, QuickReplies: replies}, tag)
}

func (c *Client) SendMedia(ctx context.Context, accessToken, recipientID, mediaURL, mediaType string, tag models.PolicyTag) (string, error) {
	if mediaType == "" {
		mediaType = "image"
	}

	return c.send(ctx, accessToken, recipient{ID: recipientID}, message{
		Attachment: &attachment{Type: mediaType, Payload: attachmentPayload{URL: mediaURL}},
	}, tag)
}

// ReplyToComment posts a public reply under a comment.
func (c *Client) ReplyToComment(ctx context.Context, accessToken, commentID, text string) (string, error) {
	var response sendResponse

	err := c.post(ctx, accessToken, "/"+url.PathEscape(commentID)+"/replies", map[string]string{"message": text}, &response)
	if err != nil {
		return "", err
	}

	return response.ID, nil
}

func (c *Client) send(ctx context.Context, accessToken string, to recipient, msg message, tag models.PolicyTag) (string, error) {
	request := sendRequest{
		Recipient:     to,
		Message:       msg,
		MessagingType: "RESPONSE",
	}

	if tag == models.PolicyTagHumanAgent {
		request.MessagingType = "MESSAGE_TAG"
		request.Tag = string(models.PolicyTagHumanAgent)
	}

	var response sendResponse

	err := c.post(ctx, accessToken, "/me/messages", request, &response)
	if err != nil {
		return "", err
	}

	return response.MessageID, nil
}

func (c *Client) post(ctx context.Context, accessToken, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := c.baseURL + path + "?access_token=" + url.QueryEscape(accessToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &providers.Error{Kind: providers.ErrorKindOther, Message: fmt.Sprintf("request failed: %v", err)}
	}

	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.logger.WarnContext(ctx, "failed to close response body", "error", err)
		}
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return classify(resp.StatusCode, respBody)
	}

	err = json.Unmarshal(respBody, out)
	if err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return nil
}

func classify(statusCode int, body []byte) *providers.Error {
	var parsed errorResponse

	_ = json.Unmarshal(body, &parsed)

	providerErr := &providers.Error{
		Kind:       providers.ErrorKindOther,
		StatusCode: statusCode,
		Code:       parsed.Error.Code,
		Message:    parsed.Error.Message,
	}

	if providerErr.Message == "" {
		providerErr.Message = strings.TrimSpace(string(body))
	}

	switch {
	case statusCode == http.StatusTooManyRequests || rateLimitCodes[parsed.Error.Code]:
		providerErr.Kind = providers.ErrorKindRateLimited
	case invalidRecipientCodes[parsed.Error.Code] || invalidRecipientSub[parsed.Error.ErrorSubcode]:
		providerErr.Kind = providers.ErrorKindInvalidRecipient
	}

	return providerErr
}
