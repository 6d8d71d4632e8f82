// Package openai provides the remote chat-completion runtime adapter.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/voicewire-labs/voicewire/src/secrets"
	"github.com/voicewire-labs/voicewire/src/services"
)

const (
	defaultBaseURL = "https://api.openai.com"
	model          = "gpt-4o-mini"

	// historyWindow is how many trailing history entries go to the
	// model; the session keeps up to 16, the model sees the last 8.
	historyWindow = 8
)

// LLMConfig holds configuration for the OpenAI adapter.
type LLMConfig struct {
	Secrets secrets.Store
	BaseURL string // override for tests
	Client  *http.Client
	Logger  *zap.Logger
}

// LLM turns a user utterance plus turn context into either spoken
// text or an end_call function call. Every failure mode (missing key,
// network error, bad status, empty completion) degrades to echoing
// the input as text — a provider outage must never silence a call.
type LLM struct {
	cfg LLMConfig
	log *zap.Logger
}

func NewLLM(cfg LLMConfig) *LLM {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 60 * time.Second}
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &LLM{cfg: cfg, log: log}
}

func (l *LLM) Generate(ctx context.Context, input string, turn services.TurnContext) (services.LLMResult, error) {
	apiKey := secrets.Resolve(ctx, l.cfg.Secrets, "OPENAI_API_KEY")
	if apiKey == "" {
		return services.TextResult(input), nil
	}

	messages := []map[string]string{{"role": "system", "content": systemPrompt(turn)}}
	history := turn.History
	if len(history) > historyWindow {
		history = history[len(history)-historyWindow:]
	}
	for _, m := range history {
		role := "user"
		if m.Role == "assistant" {
			role = "assistant"
		}
		messages = append(messages, map[string]string{"role": role, "content": m.Content})
	}
	messages = append(messages, map[string]string{"role": "user", "content": input})

	body, err := json.Marshal(map[string]any{
		"model":             model,
		"messages":          messages,
		"tools":             endCallTool(turn.Language),
		"tool_choice":       "auto",
		"temperature":       0.6,
		"frequency_penalty": 0.2,
		"presence_penalty":  0.1,
		"max_tokens":        200,
	})
	if err != nil {
		return services.TextResult(input), err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.cfg.BaseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return services.TextResult(input), err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := l.cfg.Client.Do(req)
	if err != nil {
		l.log.Warn("completion request failed", zap.Error(err))
		return services.TextResult(input), nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		l.log.Warn("api error", zap.Int("status", resp.StatusCode), zap.ByteString("body", msg))
		return services.TextResult(input), nil
	}

	var completion struct {
		Choices []struct {
			FinishReason string `json:"finish_reason"`
			Message      struct {
				Content   string `json:"content"`
				ToolCalls []struct {
					Function struct {
						Name      string `json:"name"`
						Arguments string `json:"arguments"`
					} `json:"function"`
				} `json:"tool_calls"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&completion); err != nil {
		l.log.Warn("decode response failed", zap.Error(err))
		return services.TextResult(input), nil
	}
	if len(completion.Choices) == 0 {
		return services.TextResult(input), nil
	}

	choice := completion.Choices[0]
	if choice.FinishReason == "tool_calls" {
		for _, tc := range choice.Message.ToolCalls {
			if tc.Function.Name != "end_call" {
				continue
			}
			var args map[string]any
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				break // fall back to text
			}
			return services.CallResult("end_call", args), nil
		}
	}

	text := choice.Message.Content
	if text == "" {
		text = input
	}
	return services.TextResult(text), nil
}

// systemPrompt assembles the live-call persona. The shape is fixed:
// identity, locale, language policy, optional prompt context, then
// the standing goals/tone/compliance/style rules.
func systemPrompt(turn services.TurnContext) string {
	name := turn.AgentName
	if name == "" {
		name = "AI Agent"
	}
	locale := turn.Locale
	if locale == "" {
		locale = "en-IN"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, an AI voice agent speaking on a live phone call.\n", name)
	if turn.AgentDescription != "" {
		fmt.Fprintf(&b, "Persona: %s\n", turn.AgentDescription)
	}
	b.WriteString("Industry: customer service.\n")
	fmt.Fprintf(&b, "Locale: %s. Use natural, fluent language that matches this locale.\n", locale)

	if turn.Language == "hi" || strings.HasPrefix(locale, "hi") {
		b.WriteString("Language Policy:\n" +
			"- Always respond in fluent Hindi using Devanagari script.\n" +
			"- Do not switch to English except for unavoidable brand names or technical abbreviations.\n")
	} else {
		b.WriteString("Language Policy:\n- Respond in natural, fluent English.\n")
	}

	if turn.PromptText != "" {
		fmt.Fprintf(&b, "Agent Prompt Context:\n%s\n", turn.PromptText)
	}

	b.WriteString("Goals:\n" +
		"- Sound natural, warm, and human-like while staying efficient.\n" +
		"- Show emotional intelligence and empathy. Acknowledge feelings before solving problems.\n" +
		"- Use clear, polite, and professional language.\n" +
		"- Use industry-appropriate terminology, but avoid jargon the caller may not understand.\n" +
		"- Keep responses concise (1-3 sentences) unless more detail is explicitly requested.\n" +
		"- Ask one clear follow-up question at the end when appropriate to move the conversation forward.\n" +
		"Tone & Sentiment:\n" +
		"- If the caller is frustrated or upset, apologize briefly and reassure them you will help.\n" +
		"- If the caller is calm, keep a neutral and friendly tone.\n" +
		"- Never be sarcastic or dismissive.\n" +
		"Compliance & Safety:\n" +
		"- You are an automated AI system. Do not claim to be a human.\n" +
		"- If asked directly, clearly state you are an AI voice agent.\n" +
		"- Do not request or store extremely sensitive data (full credit card numbers, CVV, passwords, OTPs).\n" +
		"- If the caller tries to share such data, stop them and explain that for security reasons you cannot process it.\n" +
		"- Be culturally sensitive and avoid assumptions about religion, politics, gender, or ethnicity.\n" +
		"- For medical, legal, or financial advice, give only general guidance and recommend speaking to a qualified professional.\n" +
		"Style:\n" +
		"- Speak in short, well-structured sentences suitable for text-to-speech.\n" +
		"- Avoid spelling out URLs or long codes unless absolutely necessary.\n" +
		"- Do not include emojis.\n")

	return b.String()
}

func endCallTool(lang string) []map[string]any {
	desc := "The final message to speak before hanging up."
	if lang == "hi" {
		desc += " For Hindi users, use a polite Hindi closing thanking them for their time."
	}
	return []map[string]any{{
		"type": "function",
		"function": map[string]any{
			"name":        "end_call",
			"description": "End the call when the user says goodbye, wants to hang up, or the conversation is finished.",
			"parameters": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"message": map[string]any{
						"type":        "string",
						"description": desc,
					},
				},
				"required": []string{"message"},
			},
		},
	}}
}
