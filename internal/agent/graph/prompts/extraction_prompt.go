package prompts

import (
	_ "embed"
	"sort"

	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"
)

//go:embed template/extraction_prompt.txt
var extractionSystemPrompt string

// Template variables consumed by ExtractionTemplate.
const (
	VarFields    = "Fields"
	VarKnown     = "Known"
	VarUtterance = "Utterance"
)

// ExtractionTemplate is the chat template at the head of the extraction chain.
func ExtractionTemplate() prompt.ChatTemplate {
	return prompt.FromMessages(
		schema.GoTemplate,
		schema.SystemMessage(extractionSystemPrompt),
		schema.UserMessage("Caller utterance: {{.Utterance}}"),
	)
}

// ExtractionVariables builds the template input. Known variables are listed
// in key order so the rendered prompt is stable.
func ExtractionVariables(utterance string, fields []string, known map[string]string) map[string]any {
	lines := make([]string, 0, len(known))
	for k, v := range known {
		lines = append(lines, k+": "+v)
	}
	sort.Strings(lines)
	return map[string]any{
		VarFields:    fields,
		VarKnown:     lines,
		VarUtterance: utterance,
	}
}
