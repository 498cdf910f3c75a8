package prompts

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
)

// Template names registered by InitializeDefaultTemplates
const (
	TmplInitialStorySystem = "initial_story_system"
	TmplInitialStoryUser   = "initial_story_user"
	TmplSummarySystem      = "summary_system"
	TmplSummaryUser        = "summary_user"
	TmplVisualizationUser  = "visualization_user"
	TmplStorylineSystem    = "storyline_system"
	TmplStorylineUser      = "storyline_user"
)

var varRegex = regexp.MustCompile(`\{\{(\w+)\}\}`)

// TemplateEngine holds the named prompt templates the Assembler renders.
// Defaults are registered at startup and may be overridden from disk.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// Template is one prompt body with {{placeholder}} slots
type Template struct {
	Name        string   `json:"name"`
	Content     string   `json:"content"`
	Variables   []string `json:"variables"`
	Description string   `json:"description"`
}

func NewTemplateEngine() *TemplateEngine {
	return &TemplateEngine{templates: make(map[string]*Template)}
}

// RegisterTemplate adds tmpl, overriding an earlier template of the same name
func (e *TemplateEngine) RegisterTemplate(tmpl *Template) error {
	if tmpl == nil || tmpl.Name == "" {
		return fmt.Errorf("prompt template has no name")
	}
	if len(tmpl.Variables) == 0 {
		tmpl.Variables = ParseTemplateVariables(tmpl.Content)
	}

	e.mu.Lock()
	e.templates[tmpl.Name] = tmpl
	e.mu.Unlock()
	return nil
}

func (e *TemplateEngine) GetTemplate(name string) (*Template, error) {
	e.mu.RLock()
	tmpl, ok := e.templates[name]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown prompt template %q", name)
	}
	return tmpl, nil
}

// Render substitutes {{variable}} placeholders in a single pass. Substituted
// values are never rescanned, so player text containing braces is inert.
// Unknown placeholders are kept as-is.
func (e *TemplateEngine) Render(templateName string, vars map[string]string) (string, error) {
	tmpl, err := e.GetTemplate(templateName)
	if err != nil {
		return "", err
	}
	return varRegex.ReplaceAllStringFunc(tmpl.Content, func(placeholder string) string {
		if v, ok := vars[placeholder[2:len(placeholder)-2]]; ok {
			return v
		}
		return placeholder
	}), nil
}

// MustRender is Render for templates registered by InitializeDefaultTemplates
func (e *TemplateEngine) MustRender(templateName string, vars map[string]string) string {
	out, err := e.Render(templateName, vars)
	if err != nil {
		panic(err)
	}
	return out
}

// ParseTemplateVariables returns the distinct placeholder names in content, sorted
func ParseTemplateVariables(content string) []string {
	seen := make(map[string]struct{})
	var names []string
	for _, m := range varRegex.FindAllStringSubmatch(content, -1) {
		if _, dup := seen[m[1]]; dup {
			continue
		}
		seen[m[1]] = struct{}{}
		names = append(names, m[1])
	}
	sort.Strings(names)
	return names
}

// ExportTemplate renders a registered template as the JSON accepted by ImportDir
func (e *TemplateEngine) ExportTemplate(name string) (string, error) {
	tmpl, err := e.GetTemplate(name)
	if err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(tmpl, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode prompt template %q: %w", name, err)
	}
	return string(data), nil
}

// importTemplate registers a template from its JSON form. The variable list
// is always recomputed from the content.
func (e *TemplateEngine) importTemplate(data []byte) error {
	var tmpl Template
	if err := json.Unmarshal(data, &tmpl); err != nil {
		return fmt.Errorf("decode prompt template: %w", err)
	}
	tmpl.Variables = ParseTemplateVariables(tmpl.Content)
	return e.RegisterTemplate(&tmpl)
}

// ImportDir overrides templates from every *.json file in dir, in name
// order. A missing directory is not an error.
func (e *TemplateEngine) ImportDir(dir string) (int, error) {
	if dir == "" {
		return 0, nil
	}
	paths, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return 0, fmt.Errorf("list prompt templates in %s: %w", dir, err)
	}
	sort.Strings(paths)

	for i, path := range paths {
		data, err := os.ReadFile(path)
		if err == nil {
			err = e.importTemplate(data)
		}
		if err != nil {
			return i, fmt.Errorf("prompt template %s: %w", path, err)
		}
	}
	return len(paths), nil
}

// InitializeDefaultTemplates registers the built-in StoryOS templates
func (e *TemplateEngine) InitializeDefaultTemplates() error {
	templates := []*Template{
		{
			Name:        TmplInitialStorySystem,
			Description: "Narrator persona for the opening message",
			Content:     "You are StoryOS, an expert storyteller and dungeon master. Create engaging, immersive openings for text-based RPGs.",
		},
		{
			Name:        TmplInitialStoryUser,
			Description: "Scenario details for the opening message",
			Content: `
Based on the following scenario, generate an engaging opening message that sets the scene
and begins the interactive story. This should establish the setting, introduce the player's
situation, and end with a clear prompt for the player to take action. It should be a brief paragraph, yet engaging and interesting.

Scenario Details:
- Name: {{name}}
- Setting: {{setting}}
- Player Role: {{role}}
- Player Name: {{player_name}}
- Initial Location: {{initial_location}}
- Description: {{description}}

Generate an immersive opening that brings the player into this world and ends with
"What do you do?" to prompt their first action.
`,
		},
		{
			Name:        TmplSummarySystem,
			Description: "Extraction context and output contract",
			Content: "You are StoryOS, an expert storyteller and dungeon master. " +
				"You convert the provided world + scene context into strictly validated JSON that summarizes the event " +
				"and updates character details with concise, factual, non-redundant information.\n\n" +
				"# Current act and chapter\n" +
				"Act: {{current_act}}, Chapter: {{current_chapter}}\n\n" +
				"# Storyline to advance\n" +
				"{{storyline}}\n\n" +
				"# World State\n" +
				"{{world_state}}\n\n" +
				"# Last Scene\n" +
				"{{last_scene}}\n\n" +
				"# Character Summaries So Far\n" +
				"{{character_summaries}}\n" +
				"## Output Contract (IMPORTANT)\n" +
				"- Respond with **JSON only**. No markdown, no commentary.\n" +
				"- Follow the exact schema provided in the user prompt.\n" +
				"- Do **not** copy large spans of the scene. Extract concise facts.\n" +
				"- Ground every asserted fact in the given scene; if uncertain, omit or mark confidence.\n" +
				"- Prefer small, atomic updates over long prose. Avoid repetition of previously known facts unless they changed.\n",
		},
		{
			Name:        TmplSummaryUser,
			Description: "Extraction instructions, schema and turn input",
			Content:     summaryUserTemplate,
		},
		{
			Name:        TmplVisualizationUser,
			Description: "Session context for the three visualization prompts",
			Content: "The following game session details should inform the three visualization prompts. " +
				"Incorporate them while preserving the consistent aesthetic described by the system instructions. " +
				"Give me visualizations of the current scene that I can use to generate images.\n\n" +
				"World State:\n{{world_state}}\n\n" +
				"Last Scene:\n{{last_scene}}\n\n" +
				"Last Scene Detailed Response:\n{{narration}}\n\n" +
				"Current Location:\n{{current_location}}\n",
		},
		{
			Name:        TmplStorylineSystem,
			Description: "Story architect persona",
			Content: "You are the StoryOS story architect. You expand a story archetype and a user description into a " +
				"complete, emotionally powerful storyline outline. Every act has a title and goal; every chapter has a " +
				"number, title, goal and summary. Respond with JSON only.",
		},
		{
			Name:        TmplStorylineUser,
			Description: "Archetype skeleton and user description",
			Content: "User Input:" +
				"### Story Archetype: {{archetype}}\n" +
				"### Archetype Details: \n" +
				"{{acts}}\n" +
				"### User Description:\n{{description}}\n\n" +
				"### Instructions:\n" +
				"* Expand this into a complete {{act_count}}-act, {{chapter_count}}-chapter outline following the {{archetype}} archetype.\n" +
				"* Make it emotionally powerful and thrilling\n" +
				"* Return your response in JSON format as defined\n",
		},
	}

	for _, tmpl := range templates {
		if err := e.RegisterTemplate(tmpl); err != nil {
			return fmt.Errorf("failed to register template %s: %w", tmpl.Name, err)
		}
	}

	return nil
}
