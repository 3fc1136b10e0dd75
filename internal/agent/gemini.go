package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// Reply is one model turn: plain text, tool calls, or both.
type Reply struct {
	Text  string
	Calls []ToolCall
}

// Chat is one model conversation with accumulated history.
type Chat interface {
	SendText(ctx context.Context, text string) (*Reply, error)
	SendToolResults(ctx context.Context, results []ToolResult) (*Reply, error)
}

// LLM opens chats primed with a session's history.
type LLM interface {
	NewChat(history []Turn) Chat
}

// GeminiLLM drives Google's Gemini API with function calling enabled.
type GeminiLLM struct {
	client  *genai.Client
	modelID string
	system  string
	tools   []*genai.Tool
}

func NewGeminiLLM(ctx context.Context, apiKey, modelID, systemPrompt string, tools []*genai.Tool) (*GeminiLLM, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("agent: gemini api key is required")
	}
	if strings.TrimSpace(modelID) == "" {
		modelID = "gemini-2.5-flash"
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("agent: create gemini client: %w", err)
	}
	return &GeminiLLM{client: client, modelID: modelID, system: systemPrompt, tools: tools}, nil
}

func (g *GeminiLLM) Close() error {
	return g.client.Close()
}

func (g *GeminiLLM) NewChat(history []Turn) Chat {
	model := g.client.GenerativeModel(g.modelID)
	model.SetTemperature(0.3)
	if g.system != "" {
		model.SystemInstruction = genai.NewUserContent(genai.Text(g.system))
	}
	model.Tools = g.tools

	cs := model.StartChat()
	for _, turn := range history {
		text := strings.TrimSpace(turn.Text)
		if text == "" {
			continue
		}
		cs.History = append(cs.History, &genai.Content{
			Role:  turn.Role,
			Parts: []genai.Part{genai.Text(text)},
		})
	}
	return &geminiChat{cs: cs}
}

type geminiChat struct {
	cs *genai.ChatSession
}

func (c *geminiChat) SendText(ctx context.Context, text string) (*Reply, error) {
	resp, err := c.cs.SendMessage(ctx, genai.Text(text))
	if err != nil {
		return nil, fmt.Errorf("agent: gemini completion: %w", err)
	}
	return toReply(resp)
}

func (c *geminiChat) SendToolResults(ctx context.Context, results []ToolResult) (*Reply, error) {
	parts := make([]genai.Part, 0, len(results))
	for _, r := range results {
		parts = append(parts, genai.FunctionResponse{Name: r.Name, Response: r.Response})
	}
	resp, err := c.cs.SendMessage(ctx, parts...)
	if err != nil {
		return nil, fmt.Errorf("agent: gemini tool turn: %w", err)
	}
	return toReply(resp)
}

func toReply(resp *genai.GenerateContentResponse) (*Reply, error) {
	if len(resp.Candidates) == 0 {
		return nil, errors.New("agent: gemini returned no candidates")
	}
	candidate := resp.Candidates[0]
	if candidate.Content == nil {
		return nil, errors.New("agent: gemini returned empty content")
	}

	reply := &Reply{}
	var text strings.Builder
	for _, part := range candidate.Content.Parts {
		switch p := part.(type) {
		case genai.Text:
			text.WriteString(string(p))
		case genai.FunctionCall:
			reply.Calls = append(reply.Calls, ToolCall{Name: p.Name, Args: p.Args})
		}
	}
	reply.Text = strings.TrimSpace(text.String())
	return reply, nil
}
