package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sudocode-ai/sudocode/internal/entity"
)

func writeJSONL(t *testing.T, path string, entities []entity.Entity) {
	t.Helper()
	file, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer file.Close()
	if err := entity.WriteJSONL(file, entities); err != nil {
		t.Fatal(err)
	}
}

func TestMergeCommand(t *testing.T) {
	dir := t.TempDir()
	basePath := filepath.Join(dir, "base.jsonl")
	oursPath := filepath.Join(dir, "ours.jsonl")
	theirsPath := filepath.Join(dir, "theirs.jsonl")
	outPath := filepath.Join(dir, "out.jsonl")

	base := entity.Entity{
		UUID: "u1", ID: "i-1", Kind: entity.KindIssue, Title: "original",
		Status: "open", CreatedAt: "2026-01-01T00:00:00Z", UpdatedAt: "2026-01-01T00:00:00Z",
	}
	ours := base.Clone()
	ours.Title = "ours"
	ours.UpdatedAt = "2026-01-03T00:00:00Z"
	theirs := base.Clone()
	theirs.Tags = []string{"kept"}
	theirs.UpdatedAt = "2026-01-02T00:00:00Z"

	writeJSONL(t, basePath, []entity.Entity{base})
	writeJSONL(t, oursPath, []entity.Entity{ours})
	writeJSONL(t, theirsPath, []entity.Entity{theirs})

	merge([]string{"--base", basePath, "--ours", oursPath, "--theirs", theirsPath, "--output", outPath})

	file, err := os.Open(outPath)
	if err != nil {
		t.Fatal(err)
	}
	defer file.Close()
	merged, err := entity.ReadJSONL(file, entity.KindIssue)
	if err != nil {
		t.Fatal(err)
	}
	if len(merged) != 1 {
		t.Fatalf("expected 1 entity, got %d", len(merged))
	}
	if merged[0].Title != "ours" {
		t.Fatalf("later edit must win, got %q", merged[0].Title)
	}
	if len(merged[0].Tags) != 1 || merged[0].Tags[0] != "kept" {
		t.Fatalf("metadata union lost: %v", merged[0].Tags)
	}
}
