package hooks

import (
	"context"
	"fmt"

	"github.com/fyrsmithlabs/devgate/internal/logging"
	"go.uber.org/zap"
)

// HookType represents the runtime events devgate handles.
type HookType string

const (
	// HookStop is called when the agent tries to end the session.
	HookStop HookType = "stop"

	// HookPreToolUse is called before a tool runs and may deny it.
	HookPreToolUse HookType = "pre_tool_use"

	// HookPostToolUse is called after a tool returns.
	HookPostToolUse HookType = "post_tool_use"
)

// HookHandler handles a hook event. A nil response means allow.
type HookHandler func(ctx context.Context, in *Input) (*Response, error)

// HookManager manages hook handlers.
type HookManager struct {
	config   *Config
	handlers map[HookType][]HookHandler
	logger   *logging.Logger
}

// NewHookManager creates a new hook manager.
func NewHookManager(config *Config, logger *logging.Logger) *HookManager {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &HookManager{
		config:   config,
		handlers: make(map[HookType][]HookHandler),
		logger:   logger,
	}
}

// RegisterHandler registers a handler for a hook type.
func (h *HookManager) RegisterHandler(hookType HookType, handler HookHandler) {
	h.handlers[hookType] = append(h.handlers[hookType], handler)
}

// Execute runs the handlers for hookType in registration order and returns
// the first non-allow response. With no handlers the event is allowed.
func (h *HookManager) Execute(ctx context.Context, hookType HookType, in *Input) (*Response, error) {
	ctx = logging.WithHook(ctx, string(hookType))
	if in == nil {
		in = &Input{}
	}

	for _, handler := range h.handlers[hookType] {
		resp, err := handler(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("hook %s failed: %w", hookType, err)
		}
		if resp != nil && !resp.Allowed() {
			h.logger.Info(ctx, "hook denied",
				zap.String("tool", in.ToolName),
				zap.String("reason", resp.Reason))
			return resp, nil
		}
	}
	return Allow(), nil
}

// Config returns the hook configuration.
func (h *HookManager) Config() *Config {
	return h.config
}
