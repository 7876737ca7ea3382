package config

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleYAML = `
service_id: 10
instance_id: 1
asil_level: ASIL-B
shm_size_calculation_mode: simulate
events:
  - name: speed
    element_id: 1
    max_subscribers: 8
    allowlist:
      qm: [1001]
      asil_b: [2001, 2002]
methods:
  - name: setTarget
    element_id: 2
`

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "lola.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeTemp(t, sampleYAML)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.MaxUidPidEntries != 50 {
		t.Errorf("expected default max_uid_pid_entries 50, got %d", cfg.MaxUidPidEntries)
	}
	if len(cfg.Events) != 1 || cfg.Events[0].SampleSize != 256 {
		t.Fatalf("expected default sample size 256, got %+v", cfg.Events)
	}
	if len(cfg.Methods) != 1 || cfg.Methods[0].QueueDepth != 8 {
		t.Fatalf("expected default queue depth 8, got %+v", cfg.Methods)
	}
}

func TestLoadRejectsMissingServiceID(t *testing.T) {
	path := writeTemp(t, "asil_level: QM\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing service_id")
	}
}

func TestLoadRejectsDuplicateElementIDs(t *testing.T) {
	path := writeTemp(t, `
service_id: 1
asil_level: QM
events:
  - name: a
    element_id: 1
methods:
  - name: b
    element_id: 1
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for duplicate element_id across events/methods")
	}
}

func TestQualityAllowlist(t *testing.T) {
	open := QualityAllowlist{}
	if !open.IsAllowed(12345, false) || !open.IsAllowed(12345, true) {
		t.Fatal("empty allowlist should permit everyone")
	}

	restricted := QualityAllowlist{QM: []uint32{1}, ASILB: []uint32{2}}
	if !restricted.IsAllowed(1, false) {
		t.Error("expected uid 1 allowed at QM")
	}
	if restricted.IsAllowed(1, true) {
		t.Error("expected uid 1 rejected at ASIL-B")
	}
	if !restricted.IsAllowed(2, true) {
		t.Error("expected uid 2 allowed at ASIL-B")
	}
}
