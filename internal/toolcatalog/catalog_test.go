package toolcatalog

import (
	"testing"
)

type testCtx struct{ session, call string }

func (c testCtx) SessionID() string { return c.session }
func (c testCtx) CallID() string    { return c.call }

func TestBuildTierOneCatalogDriven(t *testing.T) {
	b := NewBuilder(nil)
	b.RegisterNative("search", func(ctx Context, args map[string]any) (map[string]any, error) {
		return map[string]any{"ok": true}, nil
	})

	cat, err := b.Build([]RawToolDescriptor{
		{Name: "search", Description: "Search the web", InputSchema: map[string]any{"type": "object"}},
	}, Capabilities{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if cat.Len() != 1 {
		t.Fatalf("Len = %d, want 1", cat.Len())
	}
	handler, ok := cat.Lookup("search")
	if !ok {
		t.Fatal("search not found")
	}
	result, err := handler(testCtx{}, nil)
	if err != nil || result["ok"] != true {
		t.Fatalf("handler result = %v, err = %v", result, err)
	}
}

func TestBuildTierOneBridgesUnknownTools(t *testing.T) {
	var bridgedName string
	bridge := func(ctx Context, toolName string, args map[string]any) (map[string]any, error) {
		bridgedName = toolName
		return map[string]any{"bridged": true}, nil
	}
	b := NewBuilder(bridge)

	cat, err := b.Build([]RawToolDescriptor{
		{Name: "custom_tool", Description: "Unknown to broker", InputSchema: map[string]any{"type": "object"}},
	}, Capabilities{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	handler, ok := cat.Lookup("custom_tool")
	if !ok {
		t.Fatal("custom_tool not found")
	}
	if _, err := handler(testCtx{}, nil); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if bridgedName != "custom_tool" {
		t.Fatalf("bridgedName = %q", bridgedName)
	}
}

func TestBuildTierOneDropsUnknownWithoutBridge(t *testing.T) {
	b := NewBuilder(nil)
	cat, err := b.Build([]RawToolDescriptor{
		{Name: "custom_tool", Description: "No bridge available", InputSchema: map[string]any{"type": "object"}},
	}, Capabilities{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if cat.Len() != 0 {
		t.Fatalf("Len = %d, want 0 (dropped)", cat.Len())
	}
}

func TestBuildTierTwoCapabilityDriven(t *testing.T) {
	b := NewBuilder(nil)
	b.RegisterNative("run_command", func(ctx Context, args map[string]any) (map[string]any, error) {
		return map[string]any{}, nil
	})

	cat, err := b.Build(nil, Capabilities{Terminal: true})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if _, ok := cat.Lookup("run_command"); !ok {
		t.Fatal("expected run_command from tier 2")
	}
}

func TestBuildTierThreeDefault(t *testing.T) {
	b := NewBuilder(nil)
	b.RegisterNative("run_command", func(ctx Context, args map[string]any) (map[string]any, error) {
		return map[string]any{}, nil
	})

	cat, err := b.Build(nil, Capabilities{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if cat.Len() != 1 {
		t.Fatalf("Len = %d, want 1 (tier 3 default)", cat.Len())
	}
}

func TestMustSchemaRunCommand(t *testing.T) {
	schema := mustSchema[runCommandArgs]()
	if schema["type"] != "object" {
		t.Fatalf("type = %v", schema["type"])
	}
	props, ok := schema["properties"].(map[string]any)
	if !ok {
		t.Fatalf("properties missing or wrong type: %v", schema["properties"])
	}
	if _, ok := props["command"]; !ok {
		t.Fatalf("expected command property, got %v", props)
	}
}
