package nodes

import (
	"testing"

	"github.com/openclaw/openclaw/internal/gateway"
)

func TestGateForegroundCaps(t *testing.T) {
	h := NewHost(nil, nil)

	desc := gateway.NodeDescriptor{
		NodeID:     "phone",
		Caps:       []string{"canvas.*", "location.get"},
		Foreground: false,
	}

	err := h.gate(desc, "canvas.draw")
	nerr, ok := err.(*Error)
	if !ok || nerr.Code != CodeNodeBackgroundUnavailable {
		t.Errorf("background canvas err = %v", err)
	}

	// location.get works in background
	if err := h.gate(desc, "location.get"); err != nil {
		t.Errorf("location.get in background should pass the scene gate: %v", err)
	}
}

func TestGatePermissionCodes(t *testing.T) {
	h := NewHost(nil, nil)

	desc := gateway.NodeDescriptor{
		NodeID:     "phone",
		Foreground: true,
		Caps:       []string{"camera.*", "location.get", "screen.record"},
		Permissions: map[string]string{
			"camera.capture": "denied",
			"location.get":   "undetermined",
			"screen.record":  "denied",
		},
	}

	if err := h.gate(desc, "camera.capture"); err.(*Error).Code != CodeCameraDisabled {
		t.Errorf("camera denied -> %v", err)
	}
	if err := h.gate(desc, "location.get"); err.(*Error).Code != CodeLocationPermissionNeeded {
		t.Errorf("location undetermined -> %v", err)
	}
	if err := h.gate(desc, "screen.record"); err.(*Error).Code != CodePermissionMissing {
		t.Errorf("screen denied -> %v", err)
	}
}

func TestHasCapabilityWildcard(t *testing.T) {
	desc := gateway.NodeDescriptor{Caps: []string{"canvas.*", "system.run"}}
	if !hasCapability(desc, "canvas.draw") {
		t.Error("canvas.* should cover canvas.draw")
	}
	if !hasCapability(desc, "system.run") {
		t.Error("exact cap should match")
	}
	if hasCapability(desc, "camera.capture") {
		t.Error("unpublished cap must not match")
	}
}
