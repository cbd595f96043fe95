// Package credentials provides a token source for deployments where tokens are managed outside
// the pipeline and handed over as configuration.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var ErrNoToken = errors.New("no access token configured for channel account")

// Static serves tokens from a fixed map, with an optional fallback used for any account.
type Static struct {
	tokens   map[string]string
	fallback string
}

func NewStatic(tokens map[string]string, fallback string) *Static {
	return &Static{tokens: tokens, fallback: fallback}
}

// Parse reads "account=token" pairs separated by commas. A bare token becomes the fallback.
func Parse(spec string) (*Static, error) {
	tokens := make(map[string]string)

	var fallback string

	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		account, token, found := strings.Cut(entry, "=")
		if !found {
			fallback = entry

			continue
		}

		account, token = strings.TrimSpace(account), strings.TrimSpace(token)
		if account == "" || token == "" {
			return nil, fmt.Errorf("invalid access token entry %q", entry)
		}

		tokens[account] = token
	}

	return NewStatic(tokens, fallback), nil
}

func (s *Static) AccessToken(_ context.Context, channelAccountID string) (string, error) {
	if token, ok := s.tokens[channelAccountID]; ok {
		return token, nil
	}

	if s.fallback != "" {
		return s.fallback, nil
	}

	return "", fmt.Errorf("%w: %s", ErrNoToken, channelAccountID)
}
