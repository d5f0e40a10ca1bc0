package fileutil

import (
	"os"
	"path/filepath"
	"testing"
)

type sample struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestReadWriteJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sample.json")

	want := sample{Name: "alpha", Count: 3}
	if err := WriteJSON(path, want, 0644); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}

	var got sample
	if err := ReadJSON(path, &got); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if got != want {
		t.Errorf("ReadJSON() = %+v, want %+v", got, want)
	}
}

func TestReadJSON_MissingFile(t *testing.T) {
	var got sample
	err := ReadJSON(filepath.Join(t.TempDir(), "missing.json"), &got)
	if !os.IsNotExist(err) {
		t.Errorf("ReadJSON(missing) error = %v, want os.IsNotExist", err)
	}
}

func TestReadJSON_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	var got sample
	if err := ReadJSON(path, &got); err == nil {
		t.Error("ReadJSON(invalid) error = nil, want parse error")
	}
}

func TestWriteJSONAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "atomic.json")

	if err := WriteJSONAtomic(path, sample{Name: "beta", Count: 1}, 0644); err != nil {
		t.Fatalf("WriteJSONAtomic() error = %v", err)
	}

	// Overwrite with new content; no temp file must remain.
	if err := WriteJSONAtomic(path, sample{Name: "gamma", Count: 2}, 0644); err != nil {
		t.Fatalf("WriteJSONAtomic() error = %v", err)
	}

	var got sample
	if err := ReadJSON(path, &got); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if got.Name != "gamma" || got.Count != 2 {
		t.Errorf("ReadJSON() = %+v, want gamma/2", got)
	}

	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("temp file still present after atomic write")
	}
}

func TestWriteAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lines.jsonl")

	if err := WriteAtomic(path, []byte("{\"a\":1}\n{\"a\":2}\n"), 0644); err != nil {
		t.Fatalf("WriteAtomic() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(data) != "{\"a\":1}\n{\"a\":2}\n" {
		t.Errorf("WriteAtomic() content = %q", string(data))
	}
}
