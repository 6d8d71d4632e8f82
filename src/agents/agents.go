// Package agents defines the agent and prompt lookup contracts the
// session engine consumes at session start. Durable storage of agents
// and prompts is an external collaborator; the in-memory
// implementations here back tests and single-process deployments.
package agents

import (
	"context"
	"fmt"
	"sync"
)

// Agent is the configuration resolved for a call's agent.
type Agent struct {
	ID          int
	Name        string
	Description string
	Voice       string
	Language    string // "en" or "hi"
	PromptID    string
}

// Directory looks up agents by id. Read-only from the engine's side.
type Directory interface {
	GetByID(ctx context.Context, id int) (*Agent, error)
}

// PromptLibrary resolves the active content of a prompt. Read-only,
// fetched once per session.
type PromptLibrary interface {
	GetActiveContent(ctx context.Context, promptID string) (string, error)
}

// MemoryDirectory is a mutex-guarded in-memory Directory.
type MemoryDirectory struct {
	mu     sync.RWMutex
	byID   map[int]Agent
	nextID int
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{byID: make(map[int]Agent), nextID: 1}
}

func (d *MemoryDirectory) Add(a Agent) Agent {
	d.mu.Lock()
	defer d.mu.Unlock()
	if a.ID == 0 {
		a.ID = d.nextID
		d.nextID++
	}
	if a.Language == "" {
		a.Language = "en"
	}
	d.byID[a.ID] = a
	return a
}

func (d *MemoryDirectory) GetByID(ctx context.Context, id int) (*Agent, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.byID[id]
	if !ok {
		return nil, fmt.Errorf("agent %d not found", id)
	}
	return &a, nil
}

// MemoryPrompts is a mutex-guarded in-memory PromptLibrary.
type MemoryPrompts struct {
	mu      sync.RWMutex
	content map[string]string
}

func NewMemoryPrompts() *MemoryPrompts {
	return &MemoryPrompts{content: make(map[string]string)}
}

func (p *MemoryPrompts) Set(promptID, content string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.content[promptID] = content
}

func (p *MemoryPrompts) GetActiveContent(ctx context.Context, promptID string) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.content[promptID]
	if !ok {
		return "", fmt.Errorf("prompt %s not found", promptID)
	}
	return c, nil
}
