package main

import (
	"testing"
)

func TestRootCommandWiring(t *testing.T) {
	root := buildRootCmd()
	want := map[string]bool{
		"run":      false,
		"sessions": false,
		"search":   false,
		"auth":     false,
	}
	for _, c := range root.Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("subcommand %q not attached", name)
		}
	}
}

func TestDefaultConfigPathPrefersEnv(t *testing.T) {
	t.Setenv("CHRONICLE_CONFIG", "/tmp/chronicle-test.yaml")
	if got := defaultConfigPath(); got != "/tmp/chronicle-test.yaml" {
		t.Errorf("path = %q", got)
	}
}

func TestValidProvider(t *testing.T) {
	if !validProvider("anthropic") || !validProvider("openai") {
		t.Error("known providers rejected")
	}
	if validProvider("mistral") {
		t.Error("unknown provider accepted")
	}
}
