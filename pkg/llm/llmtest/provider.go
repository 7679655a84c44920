// Package llmtest provides a scripted LLMProvider for unit tests so the
// pipeline can be exercised without a live model server.
package llmtest

import (
	"context"
	"errors"
	"sync"

	"health-assistant-be/pkg/llm"
)

// ErrNoScript is returned when the provider runs out of scripted replies.
var ErrNoScript = errors.New("llmtest: no scripted response left")

// ScriptedProvider replays a fixed sequence of responses. A response of
// the form Err(...) makes the call fail instead.
type ScriptedProvider struct {
	mu        sync.Mutex
	responses []Response
	next      int

	// Prompts records every prompt/history sent, for assertions.
	Prompts []string
}

// Response is one scripted turn: either Text or Err.
type Response struct {
	Text string
	Err  error
}

// Text is a convenience constructor for a successful reply.
func Text(s string) Response { return Response{Text: s} }

// Fail is a convenience constructor for a failing call.
func Fail(err error) Response { return Response{Err: err} }

func NewScriptedProvider(responses ...Response) *ScriptedProvider {
	return &ScriptedProvider{responses: responses}
}

var _ llm.LLMProvider = (*ScriptedProvider)(nil)

func (p *ScriptedProvider) take(prompt string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Prompts = append(p.Prompts, prompt)
	if p.next >= len(p.responses) {
		return "", ErrNoScript
	}
	r := p.responses[p.next]
	p.next++
	if r.Err != nil {
		return "", r.Err
	}
	return r.Text, nil
}

// Calls returns how many times the provider has been invoked.
func (p *ScriptedProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Prompts)
}

func (p *ScriptedProvider) Chat(ctx context.Context, history []llm.Message, _ ...llm.Option) (string, error) {
	prompt := ""
	if len(history) > 0 {
		prompt = history[len(history)-1].Content
	}
	return p.take(prompt)
}

func (p *ScriptedProvider) Generate(ctx context.Context, prompt string, opts ...llm.Option) (string, error) {
	return p.take(prompt)
}

func (p *ScriptedProvider) ChatStream(ctx context.Context, history []llm.Message, onDelta func(string), opts ...llm.Option) (string, error) {
	out, err := p.Chat(ctx, history, opts...)
	if err != nil {
		return "", err
	}
	if onDelta != nil {
		onDelta(out)
	}
	return out, nil
}

// ConstProvider always answers with the same text. Useful when the test
// only cares that a call happened.
type ConstProvider struct {
	Reply string
}

var _ llm.LLMProvider = (*ConstProvider)(nil)

func (p *ConstProvider) Chat(ctx context.Context, history []llm.Message, _ ...llm.Option) (string, error) {
	return p.Reply, nil
}

func (p *ConstProvider) Generate(ctx context.Context, prompt string, _ ...llm.Option) (string, error) {
	return p.Reply, nil
}

func (p *ConstProvider) ChatStream(ctx context.Context, history []llm.Message, onDelta func(string), _ ...llm.Option) (string, error) {
	if onDelta != nil {
		onDelta(p.Reply)
	}
	return p.Reply, nil
}
