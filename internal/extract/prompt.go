package extract

import (
	"fmt"
	"strings"
)

const defaultTask = "You are a document analyst. Using only the document passages below, fill in a JSON object with exactly these fields:"

const extractionInstructions = `%s

%s
Rules:
- Base every value on the text below; do not invent facts
- Omit an optional field or set it to null when the text does not support it
- Dates must be written as YYYY-MM-DD
- Enum fields must use one of the listed values verbatim
- Passages numbered [n] carry their document and chunk position; page text follows "--- Page N ---" markers

Respond with ONLY the JSON object, no other text.`

// BuildPrompt creates the first-attempt prompt for schema from the
// retrieved context.
func BuildPrompt(schema Schema, contextText string) string {
	var sb strings.Builder
	task := schema.Task
	if task == "" {
		task = defaultTask
	}
	fmt.Fprintf(&sb, extractionInstructions, task, describeFields(schema))
	sb.WriteString("\n\n---\n")
	if strings.TrimSpace(contextText) == "" {
		sb.WriteString("(no passages were retrieved)")
	} else {
		sb.WriteString(contextText)
	}
	return sb.String()
}

// BuildRepairPrompt asks the model to fix its previous response, listing
// every violation.
func BuildRepairPrompt(schema Schema, contextText, previous string, violations []Violation) string {
	var sb strings.Builder
	sb.WriteString(BuildPrompt(schema, contextText))
	sb.WriteString("\n---\n\nYour previous response did not match the required format:\n\n")
	sb.WriteString(previous)
	sb.WriteString("\n\nProblems:\n")
	for _, v := range violations {
		sb.WriteString("- ")
		sb.WriteString(v.String())
		sb.WriteString("\n")
	}
	sb.WriteString("\nReturn a corrected JSON object that fixes every problem above. Respond with ONLY the JSON object.")
	return sb.String()
}

func describeFields(schema Schema) string {
	var sb strings.Builder
	for _, f := range schema.Fields {
		req := "optional"
		if f.Required {
			req = "required"
		}
		fmt.Fprintf(&sb, "- %q: %s, %s", f.Name, f.describe(), req)
		if f.Description != "" {
			sb.WriteString(". ")
			sb.WriteString(f.Description)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
