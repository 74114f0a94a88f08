package upgrade

import (
	"reflect"
	"testing"
)

func TestResolveString(t *testing.T) {
	t.Parallel()
	c := NewResourceCache()
	c.Put("channel", "lobby", "100")
	c.Put("role", "regular", "r1")
	c.Put("config", "notify.fallback", "55")

	tests := []struct {
		in   string
		want string
	}{
		{"{channel:lobby}", "100"},
		{"send to {channel:lobby} and ping {role:regular}", "send to 100 and ping r1"},
		{"{config:notify.fallback}", "55"},
		{"{channel:unknown}", "{channel:unknown}"},
		{"{user:someone}", "{user:someone}"},
		{"no placeholders", "no placeholders"},
	}
	for _, tt := range tests {
		if got := c.ResolveString(tt.in); got != tt.want {
			t.Errorf("ResolveString(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestResolveParamsNested(t *testing.T) {
	t.Parallel()
	c := NewResourceCache()
	c.Put("channel", "lobby", "100")

	in := map[string]any{
		"channel_id": "{channel:lobby}",
		"count":      3,
		"nested": map[string]any{
			"target": "{channel:lobby}",
		},
		"list": []any{"{channel:lobby}", 7},
	}

	got := c.ResolveParams(in)
	want := map[string]any{
		"channel_id": "100",
		"count":      3,
		"nested":     map[string]any{"target": "100"},
		"list":       []any{"100", 7},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ResolveParams = %v, want %v", got, want)
	}

	// the input must stay untouched
	if in["channel_id"] != "{channel:lobby}" {
		t.Fatal("ResolveParams must not mutate its input")
	}
}

func TestResolveParamsNil(t *testing.T) {
	t.Parallel()
	c := NewResourceCache()
	if got := c.ResolveParams(nil); got != nil {
		t.Fatalf("ResolveParams(nil) = %v, want nil", got)
	}
}
