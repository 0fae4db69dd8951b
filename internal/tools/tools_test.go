package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

type echoInput struct {
	Text   string `json:"text" jsonschema:"required"`
	Repeat int    `json:"repeat,omitempty"`
}

type echoTool struct{}

func (echoTool) Name() string            { return "echo" }
func (echoTool) Description() string     { return "Repeats the given text." }
func (echoTool) Schema() json.RawMessage { return SchemaFor[echoInput]() }

func (echoTool) Execute(_ context.Context, input json.RawMessage) (*Result, error) {
	var in echoInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, err
	}
	n := in.Repeat
	if n < 1 {
		n = 1
	}
	return &Result{Content: strings.Repeat(in.Text, n)}, nil
}

type failTool struct{}

func (failTool) Name() string            { return "fail" }
func (failTool) Description() string     { return "Always fails." }
func (failTool) Schema() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (failTool) Execute(context.Context, json.RawMessage) (*Result, error) {
	return nil, errors.New("backend unavailable")
}

func TestRegistryRoundTrip(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(echoTool{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register(echoTool{}); err == nil {
		t.Error("duplicate registration accepted")
	}
	if _, ok := r.Get("echo"); !ok {
		t.Error("registered tool not found")
	}

	r.Register(failTool{})
	defs := r.AsProviderTools()
	if len(defs) != 2 || defs[0].Name != "echo" || defs[1].Name != "fail" {
		t.Errorf("definitions = %+v", defs)
	}
	if len(defs[0].InputSchema) == 0 {
		t.Error("definition missing input schema")
	}
}

func TestExecuteValidated(t *testing.T) {
	ctx := context.Background()

	res := ExecuteValidated(ctx, echoTool{}, json.RawMessage(`{"text":"ab","repeat":2}`))
	if res.IsError || res.Content != "abab" {
		t.Errorf("result = %+v", res)
	}

	// Missing required field fails validation and is surfaced to the model.
	res = ExecuteValidated(ctx, echoTool{}, json.RawMessage(`{"repeat":2}`))
	if !res.IsError || !strings.Contains(res.Content, "invalid arguments") {
		t.Errorf("validation result = %+v", res)
	}

	// Execution errors become error results, not Go errors.
	res = ExecuteValidated(ctx, failTool{}, json.RawMessage(`{}`))
	if !res.IsError || res.Content != "backend unavailable" {
		t.Errorf("failure result = %+v", res)
	}
}

func TestValidateInputRejectsWrongType(t *testing.T) {
	schema := SchemaFor[echoInput]()
	if err := ValidateInput(schema, json.RawMessage(`{"text":42}`)); err == nil {
		t.Error("wrong field type passed validation")
	}
	if err := ValidateInput(schema, json.RawMessage(`{"text":"ok"}`)); err != nil {
		t.Errorf("valid input rejected: %v", err)
	}
}
