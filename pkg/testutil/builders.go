// Package testutil provides test data builders shared by the package tests.
package testutil

import (
	"github.com/dukex/dmflow/pkg/models"
)

// CreateTestSpec returns a two node flow: one message, then end.
func CreateTestSpec() models.FlowSpec {
	return models.FlowSpec{
		Entry: "hello",
		Nodes: map[string]*models.Node{
			"hello": {Type: models.NodeTypeMessage, Text: "Hi!", Go: "done"},
			"done":  {Type: models.NodeTypeEnd},
		},
	}
}

// CreateTestFlow creates an active flow with default values that can be overridden.
// The ID is left empty for the store to assign.
func CreateTestFlow(overrides ...func(*models.Flow)) *models.Flow {
	flow := &models.Flow{
		TeamID:   "team-1",
		Name:     "welcome",
		IsActive: true,
		Spec:     CreateTestSpec(),
	}

	for _, override := range overrides {
		override(flow)
	}

	return flow
}

// WithSpec sets the flow graph.
func WithSpec(spec models.FlowSpec) func(*models.Flow) {
	return func(f *models.Flow) {
		f.Spec = spec
	}
}

// WithDraft leaves the flow unpublished.
func WithDraft() func(*models.Flow) {
	return func(f *models.Flow) {
		f.IsActive = false
	}
}

// CreateTestAccount creates an active channel account for external id page-1.
func CreateTestAccount() *models.ChannelAccount {
	return &models.ChannelAccount{
		TeamID:            "team-1",
		ExternalAccountID: "page-1",
		Name:              "shop",
		IsActive:          true,
	}
}

// CreateTestTrigger creates an active comment trigger over every post of the account.
func CreateTestTrigger(accountID, flowID string, overrides ...func(*models.Trigger)) *models.Trigger {
	trigger := &models.Trigger{
		TeamID:           "team-1",
		ChannelAccountID: accountID,
		TriggerType:      models.TriggerTypeComment,
		PostScope:        models.PostScope{Mode: models.PostScopeAll},
		FlowID:           flowID,
		IsActive:         true,
	}

	for _, override := range overrides {
		override(trigger)
	}

	return trigger
}

// WithKeywords sets the include keywords.
func WithKeywords(keywords ...string) func(*models.Trigger) {
	return func(t *models.Trigger) {
		t.Filters.IncludeKeywords = keywords
	}
}

// WithPublicReplies sets the public reply variants.
func WithPublicReplies(replies ...string) func(*models.Trigger) {
	return func(t *models.Trigger) {
		t.PublicReplies = replies
	}
}
