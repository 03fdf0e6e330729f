package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrUnknownNodeType = errors.New("flow: unknown node type")
	ErrInvalidFlow     = errors.New("flow: invalid definition")
	ErrFlowNotFound    = errors.New("flow: not found")
)

// Definition is one executable call flow: a named entry node and the
// graph reachable from it. Definitions are immutable after parsing.
type Definition struct {
	ID    string
	Entry string

	// VoicemailNode is where execution jumps when the far end is
	// classified as a machine; empty means hang up on detection.
	VoicemailNode string

	// handlesVerdict is set when the flow contains an activity node,
	// which then owns the machine-verdict routing instead of the
	// interpreter's VoicemailNode redirect.
	handlesVerdict bool

	nodes map[string]Node
}

// Node is one step of a flow. Execute returns the id of the next node,
// or "" to end the call.
type Node interface {
	ID() string
	Execute(ctx context.Context, rt *Runtime, s *Session) (next string, err error)

	// refs lists every node id this node can continue to.
	refs() []string
}

// Node returns the node with the given id.
func (d *Definition) Node(id string) (Node, bool) {
	n, ok := d.nodes[id]
	return n, ok
}

type rawDefinition struct {
	ID            string            `json:"id"`
	Entry         string            `json:"entry"`
	VoicemailNode string            `json:"voicemail_node,omitempty"`
	Nodes         []json.RawMessage `json:"nodes"`
}

type rawNode struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// ParseDefinition decodes and validates a flow document.
func ParseDefinition(data []byte) (*Definition, error) {
	var raw rawDefinition
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFlow, err)
	}
	if raw.Entry == "" {
		return nil, fmt.Errorf("%w: entry is required", ErrInvalidFlow)
	}
	if len(raw.Nodes) == 0 {
		return nil, fmt.Errorf("%w: no nodes", ErrInvalidFlow)
	}

	def := &Definition{
		ID:            raw.ID,
		Entry:         raw.Entry,
		VoicemailNode: raw.VoicemailNode,
		nodes:         make(map[string]Node, len(raw.Nodes)),
	}
	for _, msg := range raw.Nodes {
		node, err := decodeNode(msg)
		if err != nil {
			return nil, err
		}
		if node.ID() == "" {
			return nil, fmt.Errorf("%w: node without id", ErrInvalidFlow)
		}
		if _, dup := def.nodes[node.ID()]; dup {
			return nil, fmt.Errorf("%w: duplicate node id %q", ErrInvalidFlow, node.ID())
		}
		if _, ok := node.(*activityNode); ok {
			def.handlesVerdict = true
		}
		def.nodes[node.ID()] = node
	}

	if err := def.validate(); err != nil {
		return nil, err
	}
	return def, nil
}

func decodeNode(msg json.RawMessage) (Node, error) {
	var head rawNode
	if err := json.Unmarshal(msg, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFlow, err)
	}

	var (
		node Node
		err  error
	)
	switch head.Type {
	case "play":
		n := &playNode{}
		err = json.Unmarshal(msg, n)
		node = n
	case "gather":
		n := &gatherNode{}
		err = json.Unmarshal(msg, n)
		node = n
	case "dial":
		n := &dialNode{}
		err = json.Unmarshal(msg, n)
		node = n
	case "record":
		n := &recordNode{}
		err = json.Unmarshal(msg, n)
		node = n
	case "pause":
		n := &pauseNode{}
		err = json.Unmarshal(msg, n)
		node = n
	case "hangup":
		n := &hangupNode{}
		err = json.Unmarshal(msg, n)
		node = n
	case "activity":
		n := &activityNode{}
		err = json.Unmarshal(msg, n)
		node = n
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownNodeType, head.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: node %q: %v", ErrInvalidFlow, head.ID, err)
	}
	return node, nil
}

// validate rejects dangling references so a broken flow fails at load
// time, not mid-call.
func (d *Definition) validate() error {
	if _, ok := d.nodes[d.Entry]; !ok {
		return fmt.Errorf("%w: entry %q does not exist", ErrInvalidFlow, d.Entry)
	}
	if d.VoicemailNode != "" {
		if _, ok := d.nodes[d.VoicemailNode]; !ok {
			return fmt.Errorf("%w: voicemail_node %q does not exist", ErrInvalidFlow, d.VoicemailNode)
		}
	}
	for id, n := range d.nodes {
		for _, ref := range n.refs() {
			if ref == "" {
				continue
			}
			if _, ok := d.nodes[ref]; !ok {
				return fmt.Errorf("%w: node %q references unknown node %q", ErrInvalidFlow, id, ref)
			}
		}
	}
	return nil
}

// Provider resolves flow ids to definitions.
type Provider interface {
	GetFlow(ctx context.Context, flowID string) (*Definition, error)
}

// MemoryProvider is an in-memory Provider for tests and static setups.
type MemoryProvider struct {
	mu    sync.RWMutex
	flows map[string]*Definition
}

func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{flows: make(map[string]*Definition)}
}

func (p *MemoryProvider) Put(def *Definition) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flows[def.ID] = def
}

func (p *MemoryProvider) GetFlow(ctx context.Context, flowID string) (*Definition, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	def, ok := p.flows[flowID]
	if !ok {
		return nil, ErrFlowNotFound
	}
	return def, nil
}
