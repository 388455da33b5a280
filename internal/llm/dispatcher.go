package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/duskpine/vombat/internal/ratelimit"
)

// ErrToolLoopLimit is returned when the model keeps requesting tools past
// the configured depth.
var ErrToolLoopLimit = errors.New("tool loop depth exceeded")

// Dispatcher is the single entry point for completions. It resolves logical
// models, paces providers through the rate limiter, runs the tool loop and
// falls back to an alternate model when the primary fails.
type Dispatcher struct {
	registry *Registry
	limiter  *ratelimit.Manager
	maxDepth int
}

// NewDispatcher creates a dispatcher. maxDepth <= 0 defaults to 5.
func NewDispatcher(registry *Registry, limiter *ratelimit.Manager, maxDepth int) *Dispatcher {
	if maxDepth <= 0 {
		maxDepth = 5
	}
	return &Dispatcher{registry: registry, limiter: limiter, maxDepth: maxDepth}
}

// Complete runs a chat completion against the logical model, executing
// requested tools in parallel and re-invoking the model until it stops
// asking for them. Usage accumulates across the whole loop.
func (d *Dispatcher) Complete(ctx context.Context, modelID string, messages []Message, tools []Tool) (*ChatResponse, error) {
	resp, err := d.complete(ctx, modelID, messages, tools)
	if err == nil {
		return resp, nil
	}
	// Only transient provider failures are worth another model; fatal
	// errors (bad request, auth, tool loop overrun) surface directly.
	if errors.Is(err, ErrToolLoopLimit) || !IsTransient(err) {
		return nil, err
	}

	_, binding, rerr := d.registry.Resolve(modelID)
	if rerr != nil || binding.Fallback == "" {
		return nil, err
	}
	slog.Warn("model failed, trying fallback",
		"model", modelID, "fallback", binding.Fallback, "error", err)
	resp, ferr := d.complete(ctx, binding.Fallback, messages, tools)
	if ferr != nil {
		return nil, fmt.Errorf("fallback %q: %w (primary: %v)", binding.Fallback, ferr, err)
	}
	return resp, nil
}

func (d *Dispatcher) complete(ctx context.Context, modelID string, messages []Message, tools []Tool) (*ChatResponse, error) {
	provider, binding, err := d.registry.Resolve(modelID)
	if err != nil {
		return nil, err
	}

	byName := make(map[string]Tool, len(tools))
	for _, t := range tools {
		byName[t.Name] = t
	}
	req := ChatRequest{
		Messages: messages,
		Tools:    Definitions(tools),
		Model:    binding.Model,
		Options:  map[string]interface{}{},
	}
	if binding.Temperature > 0 {
		req.Options[OptTemperature] = binding.Temperature
	}
	if binding.MaxTokens > 0 {
		req.Options[OptMaxTokens] = binding.MaxTokens
	}

	total := &Usage{}
	for depth := 0; ; depth++ {
		if depth >= d.maxDepth {
			return nil, fmt.Errorf("model %q after %d rounds: %w", modelID, depth, ErrToolLoopLimit)
		}
		if d.limiter != nil {
			if err := d.limiter.Admit(ctx, "llm:"+provider.Name()); err != nil {
				return nil, err
			}
		}

		resp, err := provider.Chat(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", provider.Name(), err)
		}
		total.Add(resp.Usage)

		if len(resp.ToolCalls) == 0 {
			resp.Usage = total
			return resp, nil
		}

		results, err := d.executeTools(ctx, byName, resp.ToolCalls)
		if err != nil {
			return nil, err
		}
		req.Messages = append(req.Messages, Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		req.Messages = append(req.Messages, results...)
	}
}

// executeTools runs every requested call in parallel. A failed handler
// reports its error back to the model as the tool result instead of
// aborting the loop.
func (d *Dispatcher) executeTools(ctx context.Context, byName map[string]Tool, calls []ToolCall) ([]Message, error) {
	results := make([]Message, len(calls))
	g, gctx := errgroup.WithContext(ctx)
	for i, call := range calls {
		g.Go(func() error {
			var content string
			tool, ok := byName[call.Name]
			if !ok {
				content = fmt.Sprintf("error: unknown tool %q", call.Name)
			} else {
				out, err := tool.Handler(gctx, call.Arguments)
				if err != nil {
					slog.Warn("tool failed", "tool", call.Name, "error", err)
					content = "error: " + err.Error()
				} else {
					content = out
				}
			}
			results[i] = Message{
				Role:       "tool",
				Content:    content,
				ToolCallID: call.ID,
				ToolName:   call.Name,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
