package models

import "time"

// Provider API buckets.
const (
	APITypeMessages = "messages"
	APITypeComments = "comments"
)

// RateLimitWindow is the fixed-window counter for one (account, api type) pair.
type RateLimitWindow struct {
	ChannelAccountID string    `json:"channel_account_id"`
	APIType          string    `json:"api_type"`
	WindowStart      time.Time `json:"window_start"`
	RequestCount     int       `json:"request_count"`
	MaxRequests      int       `json:"max_requests"`
}

// RateLimitPolicy is the configured capacity per period for one api type.
type RateLimitPolicy struct {
	MaxRequests int
	Period      time.Duration
}

// Expired reports whether the window no longer covers now.
func (w RateLimitWindow) Expired(now time.Time, period time.Duration) bool {
	return !now.Before(w.WindowStart.Add(period))
}
