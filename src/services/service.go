// Package services defines the pluggable provider abstractions the
// session engine orchestrates: speech-to-text, text-to-speech, and
// the language-model runtime. Implementations are selected once at
// session start and fixed for the session's lifetime; every adapter
// must degrade rather than fail so a live call never goes dead-air.
package services

import "context"

// STTProvider converts carrier audio chunks into recognized text.
// Transcribe returns "" while no finalized transcript is available;
// interim results are never surfaced so a language-model turn cannot
// start on an incomplete utterance. Disconnect is idempotent.
type STTProvider interface {
	Transcribe(ctx context.Context, chunk []byte, sampleRate int) (string, error)
	Disconnect()
}

// TTSProvider converts text into carrier-native encoded audio. An
// empty payload (with or without an error) means synthesis failed or
// the provider is unconfigured; callers apply the fallback policy.
type TTSProvider interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// LLMProvider converts a user utterance plus conversation context
// into either spoken text or a structured end-of-call action.
type LLMProvider interface {
	Generate(ctx context.Context, input string, turn TurnContext) (LLMResult, error)
}

// Message is one conversation history entry.
type Message struct {
	Role    string // "user" or "assistant"
	Content string
}

// TurnContext carries the per-session state a runtime turn needs.
type TurnContext struct {
	CallID           string
	AgentID          int
	AgentName        string
	AgentDescription string
	History          []Message
	Locale           string // e.g. "en-IN", "hi-IN"
	Language         string // "en" or "hi"
	PromptText       string
}

// LLMResultType discriminates LLMResult.
type LLMResultType string

const (
	ResultText         LLMResultType = "text"
	ResultFunctionCall LLMResultType = "function_call"
)

// FunctionCall is a structured action requested by the model, e.g.
// end_call with a closing message.
type FunctionCall struct {
	Name      string
	Arguments map[string]any
}

// LLMResult is either spoken text or a function call.
type LLMResult struct {
	Type LLMResultType
	Text string
	Call *FunctionCall
}

// TextResult wraps plain text as an LLMResult.
func TextResult(text string) LLMResult {
	return LLMResult{Type: ResultText, Text: text}
}

// CallResult wraps a function call as an LLMResult.
func CallResult(name string, args map[string]any) LLMResult {
	return LLMResult{Type: ResultFunctionCall, Call: &FunctionCall{Name: name, Arguments: args}}
}
