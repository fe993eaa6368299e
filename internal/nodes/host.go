// Package nodes invokes device-node capabilities over the gateway bridge,
// gated by capability presence, scene phase, OS permission status, and the
// exec policy engine for system.run.
package nodes

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/openclaw/openclaw/internal/bus"
	"github.com/openclaw/openclaw/internal/gateway"
	. "github.com/openclaw/openclaw/internal/logging"
	"github.com/openclaw/openclaw/internal/policy"
)

// Capability names.
const (
	CapSystemRun    = "system.run"
	CapLocationGet  = "location.get"
	CapScreenRecord = "screen.record"
)

// Error codes returned to callers.
const (
	CodeInvalidRequest            = "INVALID_REQUEST"
	CodeUnavailable               = "UNAVAILABLE"
	CodePermissionMissing         = "PERMISSION_MISSING"
	CodeNodeBackgroundUnavailable = "NODE_BACKGROUND_UNAVAILABLE"
	CodeCameraDisabled            = "CAMERA_DISABLED"
	CodeLocationDisabled          = "LOCATION_DISABLED"
	CodeLocationPermissionNeeded  = "LOCATION_PERMISSION_REQUIRED"
	CodeA2UIHostNotConfigured     = "A2UI_HOST_NOT_CONFIGURED"
	CodeA2UIHostUnavailable       = "A2UI_HOST_UNAVAILABLE"
)

// Error is a coded node invocation failure.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

// Host gates and executes node capability invocations.
type Host struct {
	bridge *gateway.NodeBridge
	policy *policy.Engine

	// capabilities requiring a foreground scene phase
	foregroundCaps map[string]bool
}

// NewHost creates a node host over the bridge. engine gates system.run.
func NewHost(bridge *gateway.NodeBridge, engine *policy.Engine) *Host {
	return &Host{
		bridge: bridge,
		policy: engine,
		foregroundCaps: map[string]bool{
			"canvas":        true,
			"camera":        true,
			"screen.record": true,
		},
	}
}

// List returns descriptors of all attached nodes.
func (h *Host) List() []gateway.NodeDescriptor {
	return h.bridge.List()
}

// Describe returns one node's descriptor.
func (h *Host) Describe(nodeID string) (gateway.NodeDescriptor, error) {
	desc, ok := h.bridge.Describe(nodeID)
	if !ok {
		return gateway.NodeDescriptor{}, &Error{Code: CodeUnavailable, Message: "node " + nodeID + " not connected"}
	}
	return desc, nil
}

// Invoke runs cmd on a node after the policy gates pass.
func (h *Host) Invoke(nodeID, cmd string, paramsJSON json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	desc, ok := h.bridge.Describe(nodeID)
	if !ok {
		return nil, &Error{Code: CodeUnavailable, Message: "node " + nodeID + " not connected"}
	}

	if cmd == "" {
		return nil, &Error{Code: CodeInvalidRequest, Message: "cmd is required"}
	}
	if !hasCapability(desc, cmd) {
		return nil, &Error{Code: CodeInvalidRequest, Message: fmt.Sprintf("node %s does not expose %s", nodeID, cmd)}
	}

	if err := h.gate(desc, cmd); err != nil {
		return nil, err
	}

	if capabilityOf(cmd) == CapSystemRun {
		if err := h.gateSystemRun(paramsJSON); err != nil {
			return nil, err
		}
	}

	result, err := h.bridge.Invoke(nodeID, cmd, paramsJSON, timeout)
	if err != nil {
		if fe, ok := err.(*gateway.FrameError); ok {
			return nil, &Error{Code: fe.Code, Message: fe.Message}
		}
		return nil, err
	}
	return result, nil
}

// gate applies the scene-phase and permission checks.
func (h *Host) gate(desc gateway.NodeDescriptor, cmd string) error {
	capName := capabilityOf(cmd)
	family := strings.SplitN(capName, ".", 2)[0]

	if (h.foregroundCaps[family] || h.foregroundCaps[capName]) && !desc.Foreground {
		return &Error{Code: CodeNodeBackgroundUnavailable, Message: capName + " requires the app in foreground"}
	}

	switch desc.Permissions[capName] {
	case "", "granted":
	case "denied":
		switch {
		case family == "camera":
			return &Error{Code: CodeCameraDisabled}
		case capName == CapLocationGet:
			return &Error{Code: CodeLocationDisabled}
		default:
			return &Error{Code: CodePermissionMissing, Message: capName}
		}
	case "undetermined":
		if capName == CapLocationGet {
			return &Error{Code: CodeLocationPermissionNeeded}
		}
		return &Error{Code: CodePermissionMissing, Message: capName}
	}
	return nil
}

// gateSystemRun routes a node shell command through the exec policy engine,
// exactly as local shell commands are.
func (h *Host) gateSystemRun(paramsJSON json.RawMessage) error {
	if h.policy == nil {
		return nil
	}
	var params struct {
		Command string   `json:"command"`
		Argv    []string `json:"argv"`
		Cwd     string   `json:"cwd"`
	}
	if err := json.Unmarshal(paramsJSON, &params); err != nil {
		return &Error{Code: CodeInvalidRequest, Message: "bad system.run params"}
	}
	if params.Command == "" && len(params.Argv) == 0 {
		return &Error{Code: CodeInvalidRequest, Message: "command or argv is required"}
	}

	decision := h.policy.Evaluate(policy.Request{
		Argv:    params.Argv,
		Command: params.Command,
		Cwd:     params.Cwd,
	})
	if !decision.Allowed {
		bus.PublishEventWithSource(bus.TopicExecDenied, map[string]any{
			"eventReason": decision.EventReason,
			"command":     params.Command,
		}, "nodes")
		L_info("nodes: system.run denied", "reason", decision.EventReason)
		msg := decision.ErrorMessage
		if msg == "" {
			msg = "command denied by policy"
		}
		return &Error{Code: CodePermissionMissing, Message: msg}
	}
	return nil
}

// hasCapability matches a command against the node's published caps. Family
// wildcards like "canvas.*" cover every command in the family.
func hasCapability(desc gateway.NodeDescriptor, cmd string) bool {
	if desc.HasCap(cmd) {
		return true
	}
	family := strings.SplitN(cmd, ".", 2)[0]
	return desc.HasCap(family + ".*")
}

// capabilityOf maps a command to the capability name used in permission maps.
func capabilityOf(cmd string) string {
	return cmd
}
