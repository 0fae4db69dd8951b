package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/chroniclehq/chronicle/internal/events"
	"github.com/chroniclehq/chronicle/internal/toolid"
)

// defaultOpenAIModel is used when a request leaves Model empty.
const defaultOpenAIModel = "gpt-4o"

// OpenAIConfig configures the OpenAI adapter.
type OpenAIConfig struct {
	Credentials  Credentials
	BaseURL      string
	DefaultModel string
	Tokens       *TokenSource
}

// OpenAI streams chat completions through the sashabaranov client. OpenAI
// tool-call ids live in a foreign namespace, so every id is run through the
// deterministic normalization before it leaves the adapter.
type OpenAI struct {
	cfg          OpenAIConfig
	defaultModel string
}

// NewOpenAI creates the adapter.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.Credentials.APIKey == "" && cfg.Credentials.OAuth == nil {
		return nil, errors.New("provider: openai credentials are required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = defaultOpenAIModel
	}
	return &OpenAI{cfg: cfg, defaultModel: cfg.DefaultModel}, nil
}

func (p *OpenAI) Name() string { return "openai" }

func (p *OpenAI) client(ctx context.Context) (*openai.Client, error) {
	key := p.cfg.Credentials.APIKey
	if p.cfg.Credentials.UsingOAuth() {
		access, err := p.cfg.Tokens.AccessToken(ctx)
		if err != nil {
			return nil, err
		}
		key = access
	}
	clientCfg := openai.DefaultConfig(key)
	if strings.TrimSpace(p.cfg.BaseURL) != "" {
		clientCfg.BaseURL = p.cfg.BaseURL
	}
	return openai.NewClientWithConfig(clientCfg), nil
}

func (p *OpenAI) model(requested string) string {
	if requested != "" {
		return requested
	}
	return p.defaultModel
}

func (p *OpenAI) Stream(ctx context.Context, req *Request) (<-chan StreamEvent, error) {
	client, err := p.client(ctx)
	if err != nil {
		return nil, err
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    p.model(req.Model),
		Messages: convertOpenAIMessages(req),
		Stream:   true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}
	if req.MaxTokens > 0 {
		chatReq.MaxCompletionTokens = req.MaxTokens
	}
	for _, def := range req.Tools {
		chatReq.Tools = append(chatReq.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  def.InputSchema,
			},
		})
	}

	stream, err := client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, wrapOpenAIError(err, chatReq.Model)
	}

	out := make(chan StreamEvent)
	go p.pump(ctx, stream, out, chatReq.Model)
	return out, nil
}

// openaiToolAccum assembles one tool call streamed across chunks.
type openaiToolAccum struct {
	id      string
	name    string
	args    strings.Builder
	started bool
}

func (p *OpenAI) pump(ctx context.Context, stream *openai.ChatCompletionStream, out chan<- StreamEvent, model string) {
	defer close(out)
	defer stream.Close()

	send := func(ev StreamEvent) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	accums := map[int]*openaiToolAccum{}
	var textAccum strings.Builder
	inText := false
	started := false
	var usage *events.TokenUsage
	stopReason := events.StopEndTurn

	flushTools := func() bool {
		for i := 0; i < len(accums); i++ {
			acc, ok := accums[i]
			if !ok || acc.id == "" || acc.name == "" {
				continue
			}
			args := acc.args.String()
			if args == "" {
				args = "{}"
			}
			call := &ToolCall{
				ID:    toolid.Normalize(acc.id),
				Name:  acc.name,
				Input: json.RawMessage(args),
			}
			if !send(StreamEvent{Kind: KindToolCallEnd, ToolCall: call}) {
				return false
			}
		}
		accums = map[int]*openaiToolAccum{}
		return true
	}
	endText := func() bool {
		if !inText {
			return true
		}
		inText = false
		return send(StreamEvent{Kind: KindTextEnd, Text: textAccum.String()})
	}

	for {
		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				if !endText() || !flushTools() {
					return
				}
				send(StreamEvent{Kind: KindDone, StopReason: stopReason, Usage: usage})
				return
			}
			send(StreamEvent{Kind: KindError, Err: wrapOpenAIError(err, model)})
			return
		}

		// Emit start only once the API has begun responding, so that
		// failures before any data remain retryable upstream.
		if !started {
			started = true
			if !send(StreamEvent{Kind: KindStart}) {
				return
			}
		}

		if response.Usage != nil {
			usage = &events.TokenUsage{
				InputTokens:  response.Usage.PromptTokens,
				OutputTokens: response.Usage.CompletionTokens,
			}
		}
		if len(response.Choices) == 0 {
			continue
		}
		choice := response.Choices[0]
		delta := choice.Delta

		if delta.Content != "" {
			if !inText {
				inText = true
				textAccum.Reset()
				if !send(StreamEvent{Kind: KindTextStart}) {
					return
				}
			}
			textAccum.WriteString(delta.Content)
			if !send(StreamEvent{Kind: KindTextDelta, Text: delta.Content}) {
				return
			}
		}

		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			acc, ok := accums[index]
			if !ok {
				acc = &openaiToolAccum{}
				accums[index] = acc
			}
			if tc.ID != "" {
				acc.id = tc.ID
			}
			if tc.Function.Name != "" {
				acc.name = tc.Function.Name
			}
			if !acc.started && acc.id != "" && acc.name != "" {
				acc.started = true
				if !endText() {
					return
				}
				if !send(StreamEvent{
					Kind:     KindToolCallStart,
					ToolCall: &ToolCall{ID: toolid.Normalize(acc.id), Name: acc.name},
				}) {
					return
				}
			}
			if tc.Function.Arguments != "" {
				acc.args.WriteString(tc.Function.Arguments)
				if !send(StreamEvent{
					Kind:       KindToolCallDelta,
					ToolCallID: toolid.Normalize(acc.id),
					ArgsChunk:  tc.Function.Arguments,
				}) {
					return
				}
			}
		}

		switch choice.FinishReason {
		case openai.FinishReasonToolCalls:
			stopReason = events.StopToolUse
			if !endText() || !flushTools() {
				return
			}
		case openai.FinishReasonLength:
			stopReason = events.StopMaxTokens
		case openai.FinishReasonStop:
			stopReason = events.StopEndTurn
		}
	}
}

func wrapOpenAIError(err error, model string) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &Error{
			Provider:   "openai",
			Model:      model,
			Status:     apiErr.HTTPStatusCode,
			Message:    apiErr.Message,
			RetryAfter: retryAfterMessage(apiErr.Message),
			Cause:      err,
		}
	}
	return &Error{Provider: "openai", Model: model, Cause: err}
}

// convertOpenAIMessages flattens the block-structured conversation into the
// chat-completions shape: system first, tool results as role "tool"
// messages, assistant tool calls inline.
func convertOpenAIMessages(req *Request) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)

	if len(req.System) > 0 {
		var sys strings.Builder
		for i, block := range req.System {
			if i > 0 {
				sys.WriteString("\n\n")
			}
			sys.WriteString(block.Text)
		}
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: sys.String(),
		})
	}

	for _, msg := range req.Messages {
		var text strings.Builder
		var calls []openai.ToolCall
		var results []openai.ChatCompletionMessage

		for _, block := range msg.Content {
			switch block.Type {
			case events.BlockText:
				text.WriteString(block.Text)
			case events.BlockToolUse:
				calls = append(calls, openai.ToolCall{
					ID:   block.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      block.Name,
						Arguments: string(block.Input),
					},
				})
			case events.BlockToolResult:
				results = append(results, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    block.Content,
					ToolCallID: block.ToolCallID,
				})
			}
		}

		if text.Len() > 0 || len(calls) > 0 {
			role := openai.ChatMessageRoleUser
			if msg.Role == "assistant" {
				role = openai.ChatMessageRoleAssistant
			}
			out = append(out, openai.ChatCompletionMessage{
				Role:      role,
				Content:   text.String(),
				ToolCalls: calls,
			})
		}
		out = append(out, results...)
	}
	return out
}
