// Package addtag provides the add_tag action: it tags the contact of the conversation.
package addtag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dukex/dmflow/pkg/persistence"
	"github.com/dukex/dmflow/pkg/protocol"
)

var ErrTagRequired = errors.New("add_tag: tag is required")

func NewActionFactory(contacts persistence.ContactRepository) *ActionFactory {
	return &ActionFactory{contacts: contacts}
}

type ActionFactory struct {
	contacts persistence.ContactRepository
}

func (*ActionFactory) ID() string {
	return "add_tag"
}

func (f *ActionFactory) Create(params map[string]any) (protocol.Action, error) {
	tag, _ := params["tag"].(string)

	tag = strings.TrimSpace(tag)
	if tag == "" {
		return nil, ErrTagRequired
	}

	return &Action{contacts: f.contacts, tag: tag}, nil
}

type Action struct {
	contacts persistence.ContactRepository
	tag      string
}

func (a *Action) Execute(ctx context.Context, input *protocol.ActionInput, logger *slog.Logger) error {
	conversation := input.Conversation
	if conversation == nil {
		return errors.New("add_tag: conversation not loaded")
	}

	err := a.contacts.AddTag(ctx, conversation.ChannelAccountID, conversation.ExternalUserID, a.tag, input.Now)
	if err != nil {
		return fmt.Errorf("add_tag %q: %w", a.tag, err)
	}

	logger.DebugContext(ctx, "contact tagged", "tag", a.tag, "conversation_id", conversation.ID)

	return nil
}
