package task

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestSpecBuild_Defaults(t *testing.T) {
	now := time.Now()
	got, err := Spec{Description: "  find papers  "}.Build("task_1", 7, now)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if got.Description != "find papers" {
		t.Errorf("Description = %q, want %q", got.Description, "find papers")
	}
	if got.Type != TypeResearch {
		t.Errorf("Type = %q, want %q", got.Type, TypeResearch)
	}
	if got.Priority != DefaultPriority {
		t.Errorf("Priority = %d, want %d", got.Priority, DefaultPriority)
	}
	if got.Status != StatusPending {
		t.Errorf("Status = %q, want %q", got.Status, StatusPending)
	}
	if got.Seq != 7 || !got.CreatedAt.Equal(now) {
		t.Errorf("Seq/CreatedAt = %d/%v, want 7/%v", got.Seq, got.CreatedAt, now)
	}
	if len(got.Requirements) != 2 || got.Requirements[0] != CapabilityResearch || got.Requirements[1] != CapabilityAnalysis {
		t.Errorf("Requirements = %v, want [research analysis]", got.Requirements)
	}
}

func TestSpecBuild_PriorityPresence(t *testing.T) {
	var omitted, zero Spec
	if err := json.Unmarshal([]byte(`{"description":"x"}`), &omitted); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal([]byte(`{"description":"x","priority":0}`), &zero); err != nil {
		t.Fatal(err)
	}

	got, err := omitted.Build("a", 1, time.Now())
	if err != nil {
		t.Fatalf("omitted priority: %v", err)
	}
	if got.Priority != DefaultPriority {
		t.Errorf("Priority = %d, want %d", got.Priority, DefaultPriority)
	}
	if _, err := zero.Build("b", 2, time.Now()); !errors.Is(err, ErrValidation) {
		t.Fatalf("explicit zero priority: err = %v, want ErrValidation", err)
	}
}

func TestSpecBuild_Rejects(t *testing.T) {
	tests := []struct {
		name  string
		spec  Spec
		field string
	}{
		{"empty description", Spec{Description: "   "}, "description"},
		{"unknown type", Spec{Description: "x", Type: "painting"}, "task_type"},
		{"priority too high", Spec{Description: "x", Priority: Prio(11)}, "priority"},
		{"priority negative", Spec{Description: "x", Priority: Prio(-1)}, "priority"},
		{"explicit zero priority", Spec{Description: "x", Priority: Prio(0)}, "priority"},
		{"dependencies not a list", Spec{Description: "x", Context: map[string]any{"dependencies": "task_a"}}, "context.dependencies"},
		{"dependency not a string", Spec{Description: "x", Context: map[string]any{"dependencies": []any{"a", 3}}}, "context.dependencies"},
		{"empty dependency", Spec{Description: "x", Context: map[string]any{"dependencies": []string{""}}}, "context.dependencies"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.spec.Build("id", 1, time.Now())
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("err = %v, want ErrValidation", err)
			}
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("err = %T, want *ValidationError", err)
			}
			if ve.Field != tt.field {
				t.Errorf("Field = %q, want %q", ve.Field, tt.field)
			}
		})
	}
}

func TestSpecBuild_CopiesContext(t *testing.T) {
	ctx := map[string]any{"topic": "go", "dependencies": []any{"a", "b", "a"}}
	got, err := Spec{Description: "x", Context: ctx}.Build("id", 1, time.Now())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	ctx["topic"] = "rust"
	if got.Context["topic"] != "go" {
		t.Errorf("Context[topic] = %v, want go", got.Context["topic"])
	}
	if len(got.Dependencies) != 2 || got.Dependencies[0] != "a" || got.Dependencies[1] != "b" {
		t.Errorf("Dependencies = %v, want [a b]", got.Dependencies)
	}
}

func TestTypeRequirements(t *testing.T) {
	tests := []struct {
		typ  Type
		want []Capability
	}{
		{TypeResearch, []Capability{CapabilityResearch, CapabilityAnalysis}},
		{TypeCode, []Capability{CapabilityCode}},
		{TypeAnalysis, []Capability{CapabilityAnalysis}},
		{TypeCommunication, []Capability{CapabilityCommunication}},
	}
	for _, tt := range tests {
		got, err := tt.typ.Requirements()
		if err != nil {
			t.Fatalf("Requirements(%q): %v", tt.typ, err)
		}
		if !NewCapabilitySet(got...).Covers(tt.want) || len(got) != len(tt.want) {
			t.Errorf("Requirements(%q) = %v, want %v", tt.typ, got, tt.want)
		}
	}
	if _, err := Type("unknown").Requirements(); err == nil {
		t.Error("expected error for unknown type")
	}
}

func TestParseCapability(t *testing.T) {
	c, err := ParseCapability(" Code ")
	if err != nil || c != CapabilityCode {
		t.Errorf("ParseCapability = %q, %v; want code", c, err)
	}
	if _, err := ParseCapability("juggling"); err == nil {
		t.Error("expected error for unknown capability")
	}
}
