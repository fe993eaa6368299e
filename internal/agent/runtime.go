package agent

import (
	"sync"

	"github.com/openclaw/openclaw/internal/hooks"
)

var (
	runtimeMu     sync.RWMutex
	activeRuntime hooks.StreamFn
)

// RegisterRuntime installs the agent runtime StreamFn. Runtime plugins call
// this from an init hook; the last registration wins.
func RegisterRuntime(fn hooks.StreamFn) {
	runtimeMu.Lock()
	defer runtimeMu.Unlock()
	activeRuntime = fn
}

// ActiveRuntime returns the registered runtime, or nil.
func ActiveRuntime() hooks.StreamFn {
	runtimeMu.RLock()
	defer runtimeMu.RUnlock()
	return activeRuntime
}
