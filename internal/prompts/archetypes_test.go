package prompts

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultArchetypes(t *testing.T) {
	cat, err := LoadArchetypes("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	a, ok := cat.Find("hero's journey")
	if !ok {
		t.Fatalf("default archetype not found in %v", cat.Names())
	}
	chapters := 0
	for _, act := range a.Acts {
		chapters += len(act.Chapters)
	}
	if len(a.Acts) != 3 || chapters != 11 {
		t.Errorf("got %d acts / %d chapters, want 3 / 11", len(a.Acts), chapters)
	}
}

func TestLoadArchetypesFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archetypes.yaml")
	data := `archetypes:
  - name: Heist
    acts:
      - act_number: 1
        name: Plan
        goal: assemble the crew
        chapters:
          - chapter_number: 1
            goal: meet the mark
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cat, err := LoadArchetypes(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	a, ok := cat.Find("HEIST")
	if !ok || a.Acts[0].Chapters[0].Goal != "meet the mark" {
		t.Fatalf("unexpected catalog: %+v", cat)
	}

	empty := filepath.Join(t.TempDir(), "empty.yaml")
	if err := os.WriteFile(empty, []byte("archetypes: []\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadArchetypes(empty); err == nil {
		t.Errorf("expected error for empty catalog")
	}
}
