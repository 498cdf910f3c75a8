package prompts

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v2"

	"storyos/server/internal/models"
)

// ArchetypeCatalog holds the archetypes available for storyline creation
type ArchetypeCatalog struct {
	Archetypes []models.Archetype `yaml:"archetypes"`
}

// Find looks an archetype up by case-insensitive name
func (c *ArchetypeCatalog) Find(name string) (models.Archetype, bool) {
	for _, a := range c.Archetypes {
		if strings.EqualFold(a.Name, name) {
			return a, true
		}
	}
	return models.Archetype{}, false
}

// Names lists archetype names in catalog order
func (c *ArchetypeCatalog) Names() []string {
	names := make([]string, 0, len(c.Archetypes))
	for _, a := range c.Archetypes {
		names = append(names, a.Name)
	}
	return names
}

// LoadArchetypes reads a YAML archetype catalog. An empty path returns the
// built-in catalog.
func LoadArchetypes(path string) (*ArchetypeCatalog, error) {
	if path == "" {
		return DefaultArchetypes(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read archetypes: %w", err)
	}
	var cat ArchetypeCatalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("failed to parse archetypes: %w", err)
	}
	if len(cat.Archetypes) == 0 {
		return nil, fmt.Errorf("archetype catalog %s is empty", path)
	}
	for _, a := range cat.Archetypes {
		if len(a.Acts) == 0 {
			return nil, fmt.Errorf("archetype %q has no acts", a.Name)
		}
	}
	return &cat, nil
}

// DefaultArchetypes returns the built-in three-act catalog
func DefaultArchetypes() *ArchetypeCatalog {
	return &ArchetypeCatalog{Archetypes: []models.Archetype{
		{
			Name:     "Hero's Journey",
			Examples: []string{"Star Wars: A New Hope", "The Matrix", "Moana"},
			Acts: []models.ArchetypeAct{
				{ActNumber: 1, Name: "Setup", Goal: "Show the hero's ordinary world, trigger the call to adventure, and force a commitment to change.",
					Chapters: []models.ArchetypeChapter{
						{ChapterNumber: 1, Goal: "Establish protagonist, their want/need, flaw, and everyday life."},
						{ChapterNumber: 2, Goal: "Inciting incident disrupts normal; stakes and opposition are revealed."},
						{ChapterNumber: 3, Goal: "Hero commits; crosses the threshold into a new world or path."},
					}},
				{ActNumber: 2, Name: "Confrontation", Goal: "Test the hero through allies, enemies and escalating trials until everything is lost.",
					Chapters: []models.ArchetypeChapter{
						{ChapterNumber: 4, Goal: "Hero learns the rules of the new world; meets allies and enemies."},
						{ChapterNumber: 5, Goal: "First real victory shows the hero can grow."},
						{ChapterNumber: 6, Goal: "Midpoint reversal raises the stakes and reveals the true conflict."},
						{ChapterNumber: 7, Goal: "Opposition closes in; the hero's flaw causes a costly mistake."},
						{ChapterNumber: 8, Goal: "All is lost; the hero faces the ordeal and confronts their flaw."},
					}},
				{ActNumber: 3, Name: "Resolution", Goal: "Transform the hero, win the final confrontation, and return changed.",
					Chapters: []models.ArchetypeChapter{
						{ChapterNumber: 9, Goal: "Hero gains new resolve and a plan; allies regroup."},
						{ChapterNumber: 10, Goal: "Climactic confrontation where the hero's growth decides the outcome."},
						{ChapterNumber: 11, Goal: "Return with the reward; show the changed hero and the new normal."},
					}},
			},
		},
	}}
}
