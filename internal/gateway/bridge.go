package gateway

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	. "github.com/openclaw/openclaw/internal/logging"
)

// DefaultInvokeTimeout bounds a node RPC round trip.
const DefaultInvokeTimeout = 10 * time.Second

// NodeDescriptor is a device node's self-description.
type NodeDescriptor struct {
	NodeID      string            `json:"nodeId"`
	Caps        []string          `json:"caps"`
	Permissions map[string]string `json:"permissions,omitempty"` // cap -> "granted"|"denied"|"undetermined"
	Foreground  bool              `json:"foreground"`
}

// HasCap reports whether the node published a capability.
func (d NodeDescriptor) HasCap(name string) bool {
	for _, c := range d.Caps {
		if c == name {
			return true
		}
	}
	return false
}

// NodeBridge routes node.invoke requests over peer-initiated connections.
type NodeBridge struct {
	server *Server

	mu      sync.Mutex
	nodes   map[string]*nodePeer
	pending map[string]chan Frame // frame id -> waiter
}

type nodePeer struct {
	desc   NodeDescriptor
	client *client
}

func newNodeBridge(s *Server) *NodeBridge {
	return &NodeBridge{
		server:  s,
		nodes:   make(map[string]*nodePeer),
		pending: make(map[string]chan Frame),
	}
}

func (b *NodeBridge) attach(desc NodeDescriptor, c *client) {
	b.mu.Lock()
	b.nodes[desc.NodeID] = &nodePeer{desc: desc, client: c}
	b.mu.Unlock()
	L_info("nodes: attached", "node", desc.NodeID, "caps", desc.Caps)
}

func (b *NodeBridge) detach(nodeID string) {
	b.mu.Lock()
	delete(b.nodes, nodeID)
	b.mu.Unlock()
	L_info("nodes: detached", "node", nodeID)
}

// List returns the descriptors of all attached nodes.
func (b *NodeBridge) List() []NodeDescriptor {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]NodeDescriptor, 0, len(b.nodes))
	for _, n := range b.nodes {
		out = append(out, n.desc)
	}
	return out
}

// Describe returns one node's descriptor.
func (b *NodeBridge) Describe(nodeID string) (NodeDescriptor, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, ok := b.nodes[nodeID]
	if !ok {
		return NodeDescriptor{}, false
	}
	return n.desc, true
}

// UpdateDescriptor refreshes a node's published state (scene phase,
// permissions) without reconnecting.
func (b *NodeBridge) UpdateDescriptor(desc NodeDescriptor) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n, ok := b.nodes[desc.NodeID]; ok {
		n.desc = desc
	}
}

// Invoke performs one node RPC round trip. On timeout the caller sees
// UNAVAILABLE.
func (b *NodeBridge) Invoke(nodeID, cmd string, paramsJSON json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = DefaultInvokeTimeout
	}

	b.mu.Lock()
	n, ok := b.nodes[nodeID]
	b.mu.Unlock()
	if !ok {
		return nil, &FrameError{Code: CodeUnavailable, Message: fmt.Sprintf("node %s not connected", nodeID)}
	}

	id := b.server.request(n.client, "node.invoke", map[string]any{
		"cmd":    cmd,
		"params": paramsJSON,
	})

	waiter := make(chan Frame, 1)
	b.mu.Lock()
	b.pending[id] = waiter
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pending, id)
		b.mu.Unlock()
	}()

	select {
	case frame := <-waiter:
		if frame.Error != nil {
			return nil, frame.Error
		}
		return frame.Result, nil
	case <-time.After(timeout):
		return nil, &FrameError{Code: CodeUnavailable, Message: fmt.Sprintf("node %s did not answer within %s", nodeID, timeout)}
	}
}

// resolve hands a peer's response frame to its waiting Invoke call.
func (b *NodeBridge) resolve(frame Frame) {
	b.mu.Lock()
	waiter := b.pending[frame.ID]
	b.mu.Unlock()
	if waiter != nil {
		select {
		case waiter <- frame:
		default:
		}
	}
}
