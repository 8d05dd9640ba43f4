package config

import (
	"testing"

	"gopkg.in/yaml.v2"

	"mercutio-route/pkg/types"
)

func TestApplyDefaultsFillsServerAndDispatch(t *testing.T) {
	cfg := &types.Config{}
	applyDefaults(cfg)

	if cfg.Server.Port != 8401 {
		t.Errorf("expected default server port 8401, got %d", cfg.Server.Port)
	}
	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("expected default server host 0.0.0.0, got %s", cfg.Server.Host)
	}
	if cfg.Dispatch.Workers != 4 {
		t.Errorf("expected default worker count 4, got %d", cfg.Dispatch.Workers)
	}
	if cfg.Dispatch.QueueSize != 1000 {
		t.Errorf("expected default queue size 1000, got %d", cfg.Dispatch.QueueSize)
	}
}

func TestApplyDefaultsDoesNotOverrideExplicitValues(t *testing.T) {
	cfg := &types.Config{
		Server:   types.ServerConfig{Port: 9000, Host: "127.0.0.1"},
		Dispatch: types.DispatchConfig{Workers: 16, QueueSize: 500},
	}
	applyDefaults(cfg)

	if cfg.Server.Port != 9000 {
		t.Errorf("expected explicit server port to survive, got %d", cfg.Server.Port)
	}
	if cfg.Dispatch.Workers != 16 {
		t.Errorf("expected explicit worker count to survive, got %d", cfg.Dispatch.Workers)
	}
}

func TestNormalizeRulesToleratesStringDisabled(t *testing.T) {
	raw := map[string]rawRule{
		"r1": {Disabled: true, Expression: "true", Action: "route", Target: "pacs-a"},
		"r2": {Disabled: false, Expression: "true", Action: "discard"},
	}

	rules := normalizeRules(raw)
	if !rules["r1"].Disabled {
		t.Error("expected r1 to be disabled")
	}
	if rules["r2"].Disabled {
		t.Error("expected r2 to be enabled")
	}
	if rules["r1"].Name != "r1" {
		t.Errorf("expected rule name to be set from its map key, got %q", rules["r1"].Name)
	}
}

func TestFlexBoolUnmarshalsStringLiterals(t *testing.T) {
	var r rawRule
	yamlDoc := `
disabled: "True"
rule: "true"
action: discard
`
	if err := yaml.Unmarshal([]byte(yamlDoc), &r); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bool(r.Disabled) {
		t.Error("expected \"True\" string to parse as disabled=true")
	}
}

func TestFlexBoolUnmarshalsNativeBool(t *testing.T) {
	var r rawRule
	yamlDoc := `
disabled: false
rule: "true"
action: route
target: pacs-a
`
	if err := yaml.Unmarshal([]byte(yamlDoc), &r); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if bool(r.Disabled) {
		t.Error("expected native bool false to parse as disabled=false")
	}
}
