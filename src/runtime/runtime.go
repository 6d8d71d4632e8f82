// Package runtime wraps a language-model provider behind the turn
// contract the session engine consumes: one utterance in, either
// spoken text or a structured end-of-call action out.
package runtime

import (
	"context"
	"os"

	"go.uber.org/zap"

	"github.com/voicewire-labs/voicewire/src/config"
	"github.com/voicewire-labs/voicewire/src/secrets"
	"github.com/voicewire-labs/voicewire/src/services"
	"github.com/voicewire-labs/voicewire/src/services/mock"
	"github.com/voicewire-labs/voicewire/src/services/openai"
)

// TurnResult is the outcome of one runtime turn. Exactly one of
// Output and Call is set.
type TurnResult struct {
	Output string
	Call   *services.FunctionCall
}

// Runtime drives one conversation turn through the configured
// language-model provider.
type Runtime struct {
	llm        services.LLMProvider
	forceHindi bool
}

func New(llm services.LLMProvider, forceHindi bool) *Runtime {
	return &Runtime{llm: llm, forceHindi: forceHindi}
}

// ForProvider builds a Runtime per configuration: "openai" (or any
// non-mock value when a key could resolve) uses the remote
// chat-completion adapter, otherwise the deterministic echo mock. The
// openai adapter itself degrades to echo when no key resolves at turn
// time, so choosing it without a key is still safe.
func ForProvider(cfg config.Config, store secrets.Store, log *zap.Logger) *Runtime {
	switch cfg.AIProvider {
	case "openai":
		return New(openai.NewLLM(openai.LLMConfig{Secrets: store, Logger: log}), cfg.ForceHindi)
	case "mock", "":
		// AI_PROVIDER unset but a key present still means openai, to
		// match how deployments have always been configured.
		if cfg.AIProvider == "" && os.Getenv("OPENAI_API_KEY") != "" {
			return New(openai.NewLLM(openai.LLMConfig{Secrets: store, Logger: log}), cfg.ForceHindi)
		}
		return New(mock.NewLLM(), cfg.ForceHindi)
	default:
		return New(mock.NewLLM(), cfg.ForceHindi)
	}
}

// Chat runs one turn. Text outputs may be prefixed when force-hindi
// debugging is on; function calls pass through untouched.
func (r *Runtime) Chat(ctx context.Context, input string, turn services.TurnContext) (TurnResult, error) {
	res, err := r.llm.Generate(ctx, input, turn)
	if err != nil {
		return TurnResult{}, err
	}
	if res.Type == services.ResultFunctionCall {
		return TurnResult{Call: res.Call}, nil
	}
	text := res.Text
	if r.forceHindi {
		text = "नमस्ते: " + text
	}
	return TurnResult{Output: text}, nil
}
