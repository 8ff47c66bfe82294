package flowdef

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultFlowRegistered(t *testing.T) {
	r, err := NewRegistry()
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	def, ok := r.Get(DefaultFlowID)
	if !ok {
		t.Fatalf("Default flow %q not registered", DefaultFlowID)
	}
	if def.Start == "" || len(def.Steps) == 0 {
		t.Errorf("Default flow looks incomplete: start=%q steps=%d", def.Start, len(def.Steps))
	}
	if err := def.Validate(); err != nil {
		t.Errorf("Default flow failed validation: %v", err)
	}
}

func TestParseRejectsInvalidFlow(t *testing.T) {
	// Transition target does not exist.
	bad := []byte(`{"id":"x","start":"a","steps":[{"id":"a","transitions":[{"condition":{"op":"always"},"next":"zzz"}]}]}`)
	if _, err := Parse(bad); err == nil {
		t.Error("Expected validation error for unknown transition target")
	}

	// Unknown fields are rejected to catch typos in flow files.
	typo := []byte(`{"id":"x","start":"a","stepz":[{"id":"a"}]}`)
	if _, err := Parse(typo); err == nil {
		t.Error("Expected decode error for unknown field")
	}
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	flowJSON := `{"id":"support_triage","start":"greet","steps":[{"id":"greet","actions":[{"type":"send_message","body":"Hello"}]}]}`
	if err := os.WriteFile(filepath.Join(dir, "support.json"), []byte(flowJSON), 0644); err != nil {
		t.Fatalf("Failed to write flow file: %v", err)
	}
	// Non-JSON files are ignored.
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("notes"), 0644); err != nil {
		t.Fatalf("Failed to write readme: %v", err)
	}

	r, err := NewRegistry()
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	if err := r.LoadDir(dir); err != nil {
		t.Fatalf("LoadDir failed: %v", err)
	}
	if _, ok := r.Get("support_triage"); !ok {
		t.Error("Expected support_triage flow to be registered")
	}
	if len(r.List()) != 2 {
		t.Errorf("Expected 2 flows, got %d", len(r.List()))
	}
}

func TestLoadDirMissingDirectory(t *testing.T) {
	r, err := NewRegistry()
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	if err := r.LoadDir(filepath.Join(t.TempDir(), "does-not-exist")); err != nil {
		t.Errorf("Expected missing directory to be skipped, got %v", err)
	}
}

func TestLoadDirRejectsBrokenFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "broken.json"), []byte(`{"id":`), 0644); err != nil {
		t.Fatalf("Failed to write flow file: %v", err)
	}
	r, err := NewRegistry()
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	if err := r.LoadDir(dir); err == nil {
		t.Error("Expected error for broken flow file")
	}
}
