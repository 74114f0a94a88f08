package upgrade

import (
	"strings"
	"testing"
)

func TestParseDocument(t *testing.T) {
	t.Parallel()
	doc, err := ParseDocument("test.yaml", []byte(`
version: "2.1"
description: adds a lobby channel
target: bot
upgrade_sequence:
  - id: lobby
    name: Create lobby
    execute_order: 10
    requires_restart: true
    rollback_supported: true
    sub_steps:
      - handler: ensure_resource
        action: ensure
        params:
          type: channel
          name: lobby
  - id: schema
    execute_order: 20
    sub_steps:
      - handler: schema_version
        action: set
        params:
          to: "2.1"
`))
	if err != nil {
		t.Fatalf("ParseDocument: %v", err)
	}
	if doc.Version != "2.1" || doc.Target != "bot" {
		t.Fatalf("header = %q/%q", doc.Version, doc.Target)
	}
	if len(doc.UpgradeSequence) != 2 {
		t.Fatalf("steps = %d, want 2", len(doc.UpgradeSequence))
	}
	s := doc.UpgradeSequence[0]
	if s.ID != "lobby" || !s.RequiresRestart || !s.RollbackSupported || s.ExecuteOrder != 10 {
		t.Fatalf("step = %+v", s)
	}
	if s.SubSteps[0].Params["name"] != "lobby" {
		t.Fatalf("params = %v", s.SubSteps[0].Params)
	}
}

func TestParseDocumentJSON(t *testing.T) {
	t.Parallel()
	doc, err := ParseDocument("test.json", []byte(`{
		"version": "1",
		"upgrade_sequence": [
			{"id": "s1", "execute_order": 1,
			 "sub_steps": [{"handler": "config", "action": "set"}]}
		]
	}`))
	if err != nil {
		t.Fatalf("ParseDocument: %v", err)
	}
	if doc.UpgradeSequence[0].SubSteps[0].Handler != "config" {
		t.Fatalf("doc = %+v", doc)
	}
}

func TestParseDocumentRejections(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "unknown field",
			body: "version: \"1\"\nsurprise: true\nupgrade_sequence:\n  - id: a\n    sub_steps: [{handler: h, action: x}]\n",
			want: "unknown field",
		},
		{
			name: "missing version",
			body: "upgrade_sequence:\n  - id: a\n    sub_steps: [{handler: h, action: x}]\n",
			want: "version is required",
		},
		{
			name: "empty sequence",
			body: "version: \"1\"\nupgrade_sequence: []\n",
			want: "upgrade_sequence is empty",
		},
		{
			name: "missing step id",
			body: "version: \"1\"\nupgrade_sequence:\n  - sub_steps: [{handler: h, action: x}]\n",
			want: "id is required",
		},
		{
			name: "duplicate step ids",
			body: "version: \"1\"\nupgrade_sequence:\n  - id: a\n    sub_steps: [{handler: h, action: x}]\n  - id: a\n    sub_steps: [{handler: h, action: y}]\n",
			want: "duplicate id",
		},
		{
			name: "empty sub steps",
			body: "version: \"1\"\nupgrade_sequence:\n  - id: a\n    sub_steps: []\n",
			want: "sub_steps is empty",
		},
		{
			name: "missing handler",
			body: "version: \"1\"\nupgrade_sequence:\n  - id: a\n    sub_steps: [{action: x}]\n",
			want: "handler is required",
		},
		{
			name: "not yaml at all",
			body: "{{{{",
			want: "",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := ParseDocument("bad.yaml", []byte(tt.body))
			if err == nil {
				t.Fatal("expected a parse error")
			}
			if tt.want != "" && !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want substring %q", err, tt.want)
			}
		})
	}
}
