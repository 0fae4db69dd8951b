package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/chroniclehq/chronicle/internal/events"
	"github.com/chroniclehq/chronicle/internal/toolid"
)

// defaultAnthropicModel is used when a request leaves Model empty.
const defaultAnthropicModel = "claude-sonnet-4-20250514"

// AnthropicConfig configures the Anthropic adapter.
type AnthropicConfig struct {
	Credentials  Credentials
	BaseURL      string
	DefaultModel string
	MaxTokens    int
	// Tokens holds the OAuth refresh machinery when Credentials.OAuth is
	// set.
	Tokens *TokenSource
}

// Anthropic streams Claude completions through the official SDK.
type Anthropic struct {
	client       anthropic.Client
	cfg          AnthropicConfig
	defaultModel string
}

// NewAnthropic creates the adapter.
func NewAnthropic(cfg AnthropicConfig) (*Anthropic, error) {
	if cfg.Credentials.APIKey == "" && cfg.Credentials.OAuth == nil {
		return nil, errors.New("provider: anthropic credentials are required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = defaultAnthropicModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 8192
	}

	var opts []option.RequestOption
	if cfg.Credentials.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.Credentials.APIKey))
	}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Anthropic{
		client:       anthropic.NewClient(opts...),
		cfg:          cfg,
		defaultModel: cfg.DefaultModel,
	}, nil
}

func (p *Anthropic) Name() string { return "anthropic" }

// Stream opens one completion stream and pumps SDK events into the tagged
// StreamEvent sequence. Tool-call ids from this API are already native.
func (p *Anthropic) Stream(ctx context.Context, req *Request) (<-chan StreamEvent, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	var callOpts []option.RequestOption
	if p.cfg.Credentials.UsingOAuth() {
		access, err := p.cfg.Tokens.AccessToken(ctx)
		if err != nil {
			return nil, err
		}
		callOpts = append(callOpts, option.WithAuthToken(access))
	}

	out := make(chan StreamEvent)
	go func() {
		defer close(out)
		stream := p.client.Messages.NewStreaming(ctx, params, callOpts...)
		p.pump(ctx, stream, out, p.model(req.Model))
	}()
	return out, nil
}

func (p *Anthropic) model(requested string) string {
	if requested != "" {
		return requested
	}
	return p.defaultModel
}

func (p *Anthropic) buildParams(req *Request) (anthropic.MessageNewParams, error) {
	messages, err := convertAnthropicMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.cfg.MaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model(req.Model)),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}

	for _, block := range req.System {
		param := anthropic.TextBlockParam{Text: block.Text}
		if block.Cache {
			param.CacheControl = anthropic.NewCacheControlEphemeralParam()
		}
		params.System = append(params.System, param)
	}

	for _, def := range req.Tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(def.InputSchema, &schema); err != nil {
			return anthropic.MessageNewParams{}, fmt.Errorf("provider: schema for tool %s: %w", def.Name, err)
		}
		tool := anthropic.ToolUnionParamOfTool(schema, def.Name)
		if tool.OfTool != nil {
			tool.OfTool.Description = anthropic.String(def.Description)
		}
		params.Tools = append(params.Tools, tool)
	}

	if req.Thinking {
		budget := int64(req.ThinkingBudget)
		if budget < 1024 {
			budget = 10000
		}
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(budget)
	}
	return params, nil
}

// anthropicStream is the subset of the SDK stream the pump consumes.
type anthropicStream interface {
	Next() bool
	Current() anthropic.MessageStreamEventUnion
	Err() error
}

func (p *Anthropic) pump(ctx context.Context, stream anthropicStream, out chan<- StreamEvent, model string) {
	send := func(ev StreamEvent) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	var (
		currentTool *ToolCall
		toolInput   strings.Builder
		textAccum   strings.Builder
		thinkAccum  strings.Builder
		inText      bool
		inThinking  bool
		started     bool
		signature   string
		usage       events.TokenUsage
		stopReason  string
	)

	for stream.Next() {
		// Emit start only once the API has begun responding, so that
		// failures before any data remain retryable upstream.
		if !started {
			started = true
			if !send(StreamEvent{Kind: KindStart}) {
				return
			}
		}
		event := stream.Current()
		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			usage.InputTokens = int(start.Message.Usage.InputTokens)
			usage.CacheReadInputTokens = int(start.Message.Usage.CacheReadInputTokens)
			usage.CacheCreationInputTokens = int(start.Message.Usage.CacheCreationInputTokens)

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			switch block.Type {
			case "text":
				inText = true
				textAccum.Reset()
				if !send(StreamEvent{Kind: KindTextStart}) {
					return
				}
			case "thinking":
				inThinking = true
				thinkAccum.Reset()
				signature = ""
				if !send(StreamEvent{Kind: KindThinkingStart}) {
					return
				}
			case "tool_use":
				toolUse := block.AsToolUse()
				currentTool = &ToolCall{ID: toolid.Normalize(toolUse.ID), Name: toolUse.Name}
				toolInput.Reset()
				if !send(StreamEvent{Kind: KindToolCallStart, ToolCall: currentTool}) {
					return
				}
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					textAccum.WriteString(delta.Text)
					if !send(StreamEvent{Kind: KindTextDelta, Text: delta.Text}) {
						return
					}
				}
			case "thinking_delta":
				if delta.Thinking != "" {
					thinkAccum.WriteString(delta.Thinking)
					if !send(StreamEvent{Kind: KindThinkingDelta, Text: delta.Thinking}) {
						return
					}
				}
			case "signature_delta":
				signature += delta.Signature
			case "input_json_delta":
				if delta.PartialJSON != "" && currentTool != nil {
					toolInput.WriteString(delta.PartialJSON)
					if !send(StreamEvent{Kind: KindToolCallDelta, ToolCallID: currentTool.ID, ArgsChunk: delta.PartialJSON}) {
						return
					}
				}
			}

		case "content_block_stop":
			switch {
			case inThinking:
				inThinking = false
				if !send(StreamEvent{Kind: KindThinkingEnd, Text: thinkAccum.String(), Signature: signature}) {
					return
				}
			case currentTool != nil:
				input := toolInput.String()
				if input == "" {
					input = "{}"
				}
				currentTool.Input = json.RawMessage(input)
				done := *currentTool
				currentTool = nil
				if !send(StreamEvent{Kind: KindToolCallEnd, ToolCall: &done}) {
					return
				}
			case inText:
				inText = false
				if !send(StreamEvent{Kind: KindTextEnd, Text: textAccum.String()}) {
					return
				}
			}

		case "message_delta":
			md := event.AsMessageDelta()
			if md.Usage.OutputTokens > 0 {
				usage.OutputTokens = int(md.Usage.OutputTokens)
			}
			if md.Delta.StopReason != "" {
				stopReason = mapAnthropicStop(string(md.Delta.StopReason))
			}

		case "message_stop":
			u := usage
			send(StreamEvent{Kind: KindDone, StopReason: stopReason, Usage: &u})
			return

		case "error":
			send(StreamEvent{Kind: KindError, Err: &Error{Provider: "anthropic", Model: model, Message: "stream error"}})
			return
		}
	}

	if err := stream.Err(); err != nil {
		send(StreamEvent{Kind: KindError, Err: wrapAnthropicError(err, model)})
	}
}

func mapAnthropicStop(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return events.StopEndTurn
	case "tool_use":
		return events.StopToolUse
	case "max_tokens":
		return events.StopMaxTokens
	}
	return reason
}

func wrapAnthropicError(err error, model string) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return &Error{
			Provider:   "anthropic",
			Model:      model,
			Status:     apiErr.StatusCode,
			Message:    apiErr.Error(),
			RetryAfter: retryAfterHeader(apiErr.Response),
			Cause:      err,
		}
	}
	return &Error{Provider: "anthropic", Model: model, Cause: err}
}

// convertAnthropicMessages maps persisted content blocks to SDK params.
// Thinking without a signature is dropped here; the API rejects unverified
// thinking on replay.
func convertAnthropicMessages(messages []Message) ([]anthropic.MessageParam, error) {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, msg := range messages {
		var content []anthropic.ContentBlockParamUnion
		for _, block := range msg.Content {
			switch block.Type {
			case events.BlockText:
				content = append(content, anthropic.NewTextBlock(block.Text))
			case events.BlockThinking:
				if block.Signature == "" {
					continue
				}
				content = append(content, anthropic.NewThinkingBlock(block.Signature, block.Text))
			case events.BlockToolUse:
				var input map[string]any
				if err := json.Unmarshal(block.Input, &input); err != nil {
					return nil, fmt.Errorf("provider: tool input for %s: %w", block.ID, err)
				}
				content = append(content, anthropic.NewToolUseBlock(block.ID, input, block.Name))
			case events.BlockToolResult:
				content = append(content, anthropic.NewToolResultBlock(block.ToolCallID, block.Content, block.IsError))
			}
		}
		if len(content) == 0 {
			continue
		}
		if msg.Role == "assistant" {
			out = append(out, anthropic.NewAssistantMessage(content...))
		} else {
			out = append(out, anthropic.NewUserMessage(content...))
		}
	}
	return out, nil
}
