package models

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// NodeType tags the variant of a flow node.
type NodeType string

const (
	NodeTypeMessage    NodeType = "message"
	NodeTypeQuickReply NodeType = "quickReply"
	NodeTypeCondition  NodeType = "condition"
	NodeTypeAction     NodeType = "action"
	NodeTypeWait       NodeType = "wait"
	NodeTypeEnd        NodeType = "end"
)

var (
	ErrMissingEntry     = errors.New("flow spec has no entry node")
	ErrUnknownNodeType  = errors.New("unknown node type")
	ErrDanglingTarget   = errors.New("node target references a missing node")
	ErrMissingNodeField = errors.New("node is missing a required field")
)

// Flow is an authored conversation graph owned by a team.
type Flow struct {
	ID        string    `json:"id"`
	TeamID    string    `json:"team_id"`
	Name      string    `json:"name"`
	IsActive  bool      `json:"is_active"`
	Spec      FlowSpec  `json:"spec"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FlowSpec is the node graph: an entry id and the node map.
type FlowSpec struct {
	Entry string           `json:"entry"`
	Nodes map[string]*Node `json:"nodes"`
}

// QuickReplyOption is one button of a quickReply node. Payload defaults to Text when matching replies.
type QuickReplyOption struct {
	Text    string `json:"text"`
	Payload string `json:"payload,omitempty"`
	Go      string `json:"go"`
}

// MatchKey returns the payload used to correlate an inbound quick reply with this option.
func (o QuickReplyOption) MatchKey() string {
	if o.Payload != "" {
		return o.Payload
	}

	return o.Text
}

// Node is a tagged variant; only the fields of its Type are meaningful.
type Node struct {
	Type NodeType `json:"type"`

	// message, quickReply
	Text string `json:"text,omitempty"`

	// message (optional), action, wait
	Go string `json:"go,omitempty"`

	// quickReply
	Options []QuickReplyOption `json:"options,omitempty"`
	Default string             `json:"default,omitempty"`

	// condition
	Expr    string `json:"expr,omitempty"`
	TrueGo  string `json:"trueGo,omitempty"`
	FalseGo string `json:"falseGo,omitempty"`

	// action
	Name   string         `json:"name,omitempty"`
	Params map[string]any `json:"params,omitempty"`

	// wait
	DurationMs int64 `json:"durationMs,omitempty"`
}

// Targets lists every node id this node can transition to.
func (n *Node) Targets() []string {
	var targets []string

	switch n.Type {
	case NodeTypeMessage, NodeTypeAction, NodeTypeWait:
		if n.Go != "" {
			targets = append(targets, n.Go)
		}
	case NodeTypeQuickReply:
		for _, option := range n.Options {
			targets = append(targets, option.Go)
		}

		if n.Default != "" {
			targets = append(targets, n.Default)
		}
	case NodeTypeCondition:
		targets = append(targets, n.TrueGo, n.FalseGo)
	case NodeTypeEnd:
	}

	return targets
}

// Validate checks the per-variant required fields.
func (n *Node) Validate() error {
	switch n.Type {
	case NodeTypeMessage:
		if n.Text == "" {
			return fmt.Errorf("%w: message.text", ErrMissingNodeField)
		}
	case NodeTypeQuickReply:
		if n.Text == "" || len(n.Options) == 0 {
			return fmt.Errorf("%w: quickReply.text/options", ErrMissingNodeField)
		}

		for _, option := range n.Options {
			if option.Text == "" || option.Go == "" {
				return fmt.Errorf("%w: quickReply.options[].text/go", ErrMissingNodeField)
			}
		}
	case NodeTypeCondition:
		if n.Expr == "" || n.TrueGo == "" || n.FalseGo == "" {
			return fmt.Errorf("%w: condition.expr/trueGo/falseGo", ErrMissingNodeField)
		}
	case NodeTypeAction:
		if n.Name == "" || n.Go == "" {
			return fmt.Errorf("%w: action.name/go", ErrMissingNodeField)
		}
	case NodeTypeWait:
		if n.DurationMs <= 0 || n.Go == "" {
			return fmt.Errorf("%w: wait.durationMs/go", ErrMissingNodeField)
		}
	case NodeTypeEnd:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownNodeType, n.Type)
	}

	return nil
}

// Validate checks referential integrity of the whole graph. Cycles are allowed.
func (s *FlowSpec) Validate() error {
	if s.Entry == "" {
		return ErrMissingEntry
	}

	if _, ok := s.Nodes[s.Entry]; !ok {
		return fmt.Errorf("%w: entry %q", ErrDanglingTarget, s.Entry)
	}

	ids := make([]string, 0, len(s.Nodes))
	for id := range s.Nodes {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	for _, id := range ids {
		node := s.Nodes[id]
		if node == nil {
			return fmt.Errorf("%w: node %q is empty", ErrMissingNodeField, id)
		}

		if err := node.Validate(); err != nil {
			return fmt.Errorf("node %q: %w", id, err)
		}

		for _, target := range node.Targets() {
			if _, ok := s.Nodes[target]; !ok {
				return fmt.Errorf("node %q: %w: %q", id, ErrDanglingTarget, target)
			}
		}
	}

	return nil
}
