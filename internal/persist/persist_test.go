package persist

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	yamlv3 "gopkg.in/yaml.v3"
)

func TestAtomicWrite_JSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prd.json")

	data := map[string]any{"project_name": "demo", "count": 42}
	if err := AtomicWrite(path, data); err != nil {
		t.Fatalf("AtomicWrite failed: %v", err)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	var result map[string]any
	if err := json.Unmarshal(content, &result); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if result["project_name"] != "demo" {
		t.Errorf("project_name: got %v, want %q", result["project_name"], "demo")
	}
}

func TestAtomicWrite_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "knowledge.yaml")
	if err := AtomicWrite(path, map[string]string{"key": "value"}); err != nil {
		t.Fatalf("AtomicWrite failed: %v", err)
	}
	content, _ := os.ReadFile(path)
	var result map[string]string
	if err := yamlv3.Unmarshal(content, &result); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if result["key"] != "value" {
		t.Errorf("key: got %q", result["key"])
	}
}

func TestAtomicWrite_CreatesBackup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prd.json")

	if err := AtomicWrite(path, map[string]string{"version": "1"}); err != nil {
		t.Fatalf("first write failed: %v", err)
	}
	if err := AtomicWrite(path, map[string]string{"version": "2"}); err != nil {
		t.Fatalf("second write failed: %v", err)
	}

	var bak, cur map[string]string
	raw, err := os.ReadFile(path + ".bak")
	if err != nil {
		t.Fatalf("ReadFile .bak failed: %v", err)
	}
	if err := json.Unmarshal(raw, &bak); err != nil {
		t.Fatalf("Unmarshal .bak failed: %v", err)
	}
	if bak["version"] != "1" {
		t.Errorf("backup version: got %q, want %q", bak["version"], "1")
	}
	if err := ReadDocument(path, &cur); err != nil {
		t.Fatalf("ReadDocument failed: %v", err)
	}
	if cur["version"] != "2" {
		t.Errorf("current version: got %q, want %q", cur["version"], "2")
	}
}

func TestAtomicWriteRaw_InvalidContentLeavesNothing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "prd.json")

	if err := AtomicWriteRaw(path, []byte(`{"broken": [`)); err == nil {
		t.Fatal("expected error for invalid json")
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected empty dir, found %d entries", len(entries))
	}
}

func TestAtomicWrite_UnknownExtension(t *testing.T) {
	if err := AtomicWrite(filepath.Join(t.TempDir(), "x.txt"), 1); err == nil {
		t.Fatal("expected error for unknown extension")
	}
}

func TestReadDocument_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prd.json")
	os.WriteFile(path, []byte("{not json"), 0644)

	var v map[string]any
	err := ReadDocument(path, &v)
	var ce *CorruptError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CorruptError, got %v", err)
	}
	if ce.Path != path {
		t.Errorf("path: got %q", ce.Path)
	}
}

func TestReadDocument_Missing(t *testing.T) {
	var v map[string]any
	err := ReadDocument(filepath.Join(t.TempDir(), "prd.json"), &v)
	if !os.IsNotExist(err) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}

func TestCheckHeader(t *testing.T) {
	tests := []struct {
		name     string
		version  int
		fileType string
		want     string
		wantErr  string
	}{
		{"valid prd", 1, FileTypePRD, FileTypePRD, ""},
		{"valid knowledge", 1, FileTypeKnowledge, FileTypeKnowledge, ""},
		{"zero version", 0, FileTypePRD, FileTypePRD, "invalid schema_version"},
		{"future version", 9, FileTypePRD, FileTypePRD, "unsupported schema_version"},
		{"missing type", 1, "", FileTypePRD, "missing file_type"},
		{"mismatch", 1, FileTypeKnowledge, FileTypePRD, "file_type mismatch"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckHeader(tt.version, tt.fileType, tt.want)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestQuarantine(t *testing.T) {
	dir := t.TempDir()
	filePath := filepath.Join(dir, "prd.json")
	os.WriteFile(filePath, []byte("{corrupt"), 0644)

	dst, err := Quarantine(dir, filePath)
	if err != nil {
		t.Fatalf("Quarantine failed: %v", err)
	}
	if _, err := os.Stat(filePath); !os.IsNotExist(err) {
		t.Error("original file should be removed after quarantine")
	}
	base := filepath.Base(dst)
	if !strings.HasPrefix(base, "prd.json.") || !strings.HasSuffix(base, ".corrupt") {
		t.Errorf("unexpected quarantine filename: %s", base)
	}
	if filepath.Dir(dst) != filepath.Join(dir, "quarantine") {
		t.Errorf("quarantine dir: got %s", filepath.Dir(dst))
	}
}

func TestRecoverCorruptedFile_RestoresBackup(t *testing.T) {
	dir := t.TempDir()
	filePath := filepath.Join(dir, "prd.json")
	os.WriteFile(filePath+".bak", []byte(`{"project_name":"ok"}`), 0644)
	os.WriteFile(filePath, []byte("{corrupt"), 0644)

	q, err := RecoverCorruptedFile(dir, filePath)
	if err != nil {
		t.Fatalf("RecoverCorruptedFile failed: %v", err)
	}
	if q == "" {
		t.Error("expected quarantine path")
	}
	var v map[string]string
	if err := ReadDocument(filePath, &v); err != nil {
		t.Fatalf("restored file unreadable: %v", err)
	}
	if v["project_name"] != "ok" {
		t.Errorf("restored content: %v", v)
	}
}

func TestRecoverCorruptedFile_CorruptBackup(t *testing.T) {
	dir := t.TempDir()
	filePath := filepath.Join(dir, "prd.json")
	os.WriteFile(filePath+".bak", []byte("{also corrupt"), 0644)
	os.WriteFile(filePath, []byte("{corrupt"), 0644)

	q, err := RecoverCorruptedFile(dir, filePath)
	if err == nil {
		t.Fatal("expected error when backup is corrupt")
	}
	if q == "" {
		t.Error("file must still be quarantined")
	}
}
