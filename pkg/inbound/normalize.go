// Package inbound receives provider webhooks: it normalizes the delivery into events, stores them
// once each and processes them into conversations, replies and trigger activations.
package inbound

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dukex/dmflow/pkg/models"
)

var ErrMalformedPayload = errors.New("malformed webhook payload")

// Webhook is the provider delivery envelope.
type Webhook struct {
	Object string  `json:"object"`
	Entry  []Entry `json:"entry"`
}

type Entry struct {
	ID        string            `json:"id"`
	Time      int64             `json:"time"`
	Messaging []json.RawMessage `json:"messaging,omitempty"`
	Changes   []json.RawMessage `json:"changes,omitempty"`
}

type Party struct {
	ID       string `json:"id"`
	Username string `json:"username,omitempty"`
}

// Messaging is one item of entry[].messaging.
type Messaging struct {
	Sender    Party     `json:"sender"`
	Recipient Party     `json:"recipient"`
	Timestamp int64     `json:"timestamp"`
	Message   *Message  `json:"message,omitempty"`
	Postback  *Postback `json:"postback,omitempty"`
	Delivery  *Delivery `json:"delivery,omitempty"`
	Read      *struct{} `json:"read,omitempty"`
}

type Message struct {
	MID        string      `json:"mid"`
	Text       string      `json:"text,omitempty"`
	IsEcho     bool        `json:"is_echo,omitempty"`
	QuickReply *QuickReply `json:"quick_reply,omitempty"`
	ReplyTo    *ReplyTo    `json:"reply_to,omitempty"`
}

type QuickReply struct {
	Payload string `json:"payload"`
}

type ReplyTo struct {
	MID   string `json:"mid,omitempty"`
	Story *Story `json:"story,omitempty"`
}

type Story struct {
	ID  string `json:"id"`
	URL string `json:"url,omitempty"`
}

type Postback struct {
	MID     string `json:"mid"`
	Title   string `json:"title"`
	Payload string `json:"payload"`
}

type Delivery struct {
	MIDs      []string `json:"mids"`
	Watermark int64    `json:"watermark"`
}

// Change is one item of entry[].changes.
type Change struct {
	Field string      `json:"field"`
	Value ChangeValue `json:"value"`
}

type ChangeValue struct {
	ID        string `json:"id"`
	CommentID string `json:"comment_id,omitempty"`
	MediaID   string `json:"media_id,omitempty"`
	PostID    string `json:"post_id,omitempty"`
	ParentID  string `json:"parent_id,omitempty"`
	Text      string `json:"text,omitempty"`
	Message   string `json:"message,omitempty"`
	Verb      string `json:"verb,omitempty"`
	From      Party  `json:"from"`
	Media     *struct {
		ID string `json:"id"`
	} `json:"media,omitempty"`
	CreatedTime int64 `json:"created_time,omitempty"`
}

// Normalize splits a webhook body into one event per actionable item. Echoes of our own
// messages and read receipts yield nothing.
func Normalize(body []byte, receivedAt time.Time) ([]*models.InboundEvent, error) {
	var webhook Webhook

	err := json.Unmarshal(body, &webhook)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}

	if webhook.Entry == nil {
		return nil, fmt.Errorf("%w: no entries", ErrMalformedPayload)
	}

	var normalized []*models.InboundEvent

	for _, entry := range webhook.Entry {
		for _, raw := range entry.Messaging {
			event, err := normalizeMessaging(entry.ID, raw, receivedAt)
			if err != nil {
				return nil, err
			}

			if event != nil {
				normalized = append(normalized, event)
			}
		}

		for _, raw := range entry.Changes {
			event, err := normalizeChange(entry.ID, raw, receivedAt)
			if err != nil {
				return nil, err
			}

			if event != nil {
				normalized = append(normalized, event)
			}
		}
	}

	return normalized, nil
}

func normalizeMessaging(accountID string, raw json.RawMessage, receivedAt time.Time) (*models.InboundEvent, error) {
	var item Messaging

	err := json.Unmarshal(raw, &item)
	if err != nil {
		return nil, fmt.Errorf("%w: messaging item: %w", ErrMalformedPayload, err)
	}

	event := &models.InboundEvent{
		ExternalAccountID: accountID,
		RawPayload:        raw,
		ReceivedAt:        receivedAt,
	}

	switch {
	case item.Message != nil:
		if item.Message.IsEcho {
			return nil, nil
		}

		event.Kind = models.InboundKindMessage
		if item.Message.ReplyTo != nil && item.Message.ReplyTo.Story != nil {
			event.Kind = models.InboundKindStoryReply
		}

		event.ProviderEventID = item.Message.MID
	case item.Postback != nil:
		event.Kind = models.InboundKindMessage
		event.ProviderEventID = item.Postback.MID
	case item.Delivery != nil:
		event.Kind = models.InboundKindDelivery
	default:
		return nil, nil
	}

	if event.ProviderEventID == "" {
		event.ProviderEventID = bodyHash(string(event.Kind), raw)
	}

	return event, nil
}

func normalizeChange(accountID string, raw json.RawMessage, receivedAt time.Time) (*models.InboundEvent, error) {
	var change Change

	err := json.Unmarshal(raw, &change)
	if err != nil {
		return nil, fmt.Errorf("%w: change item: %w", ErrMalformedPayload, err)
	}

	event := &models.InboundEvent{
		ExternalAccountID: accountID,
		RawPayload:        raw,
		ReceivedAt:        receivedAt,
	}

	switch change.Field {
	case "comments", "feed":
		if change.Value.Verb != "" && change.Value.Verb != "add" {
			return nil, nil
		}

		event.Kind = models.InboundKindComment
	case "mentions":
		event.Kind = models.InboundKindMention
	default:
		return nil, nil
	}

	event.ProviderEventID = change.Value.commentID()
	if event.ProviderEventID == "" {
		event.ProviderEventID = bodyHash(string(event.Kind), raw)
	} else {
		event.ProviderEventID = string(event.Kind) + ":" + event.ProviderEventID
	}

	return event, nil
}

func (v ChangeValue) commentID() string {
	if v.CommentID != "" {
		return v.CommentID
	}

	return v.ID
}

func (v ChangeValue) text() string {
	if v.Text != "" {
		return v.Text
	}

	return v.Message
}

func (v ChangeValue) postID() string {
	switch {
	case v.Media != nil && v.Media.ID != "":
		return v.Media.ID
	case v.MediaID != "":
		return v.MediaID
	default:
		return v.PostID
	}
}

// bodyHash identifies items that carry no provider id, so a redelivered body dedupes.
func bodyHash(kind string, raw []byte) string {
	sum := sha256.Sum256(raw)

	return kind + ":" + hex.EncodeToString(sum[:])
}

// millis converts a provider timestamp, falling back when absent.
func millis(ms int64, fallback time.Time) time.Time {
	if ms <= 0 {
		return fallback
	}

	return time.UnixMilli(ms).UTC()
}
