package inference

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/surrealdb/annosync/pkg/models"
)

// Document types AnalyzeType can report.
const (
	TypeContract     = "CONTRACT"
	TypeInvoice      = "INVOICE"
	TypeReport       = "REPORT"
	TypeEmail        = "EMAIL"
	TypeLetter       = "LETTER"
	TypeForm         = "FORM"
	TypePresentation = "PRESENTATION"
	TypeOther        = "OTHER"

	// UnknownType is returned when the type could not be determined.
	UnknownType = "UNKNOWN"
)

var documentTypes = []string{
	TypeContract, TypeInvoice, TypeReport, TypeEmail,
	TypeLetter, TypeForm, TypePresentation, TypeOther,
}

const analyzeTypePrompt = `You are an expert in document classification. Analyse this document%s and determine its main type.

METADATA:
%s

CONTENT:
%s

Answer with JSON only, in the form {"document_type": "<TYPE>"}, where <TYPE> is one of: %s.`

const schemaPrompt = `You are an expert in document annotation. Analyse this document and create a complete and precise JSON annotation schema.

DOCUMENT TYPE: %s

METADATA:
%s

CONTENT TO ANALYSE:
%s

INSTRUCTIONS:
1. Analyse all of the content provided.
2. Identify the key information for the document type.
3. Create relevant, usable annotation fields.
4. For "choice" and "multiple_choice" fields, ALWAYS include a "choices" list.

AVAILABLE TYPES: text, number, date (YYYY-MM-DD), boolean, choice, multiple_choice, entity, classification.

REQUIRED JSON FORMAT:
{
  "name": "descriptive_schema_name",
  "description": "Complete description of the schema",
  "fields": [
    {
      "name": "field_name_snake_case",
      "label": "Human readable label",
      "type": "one of the available types",
      "description": "Detailed description",
      "required": true,
      "choices": ["option1", "option2"]
    }
  ]
}

Produce 6 to 12 fields depending on the richness of the content, at least 3 of them required.

JSON SCHEMA:`

const annotationsPrompt = `You are an expert annotator. Fill in the annotation fields below from the document.

FIELDS:
%s

CONTENT:
%s

Answer with a single JSON object mapping each field name to its value. Use only the listed choices for choice fields, a list for multiple_choice fields, numbers for number fields, true or false for boolean fields and YYYY-MM-DD for dates. Omit fields you cannot determine.

JSON:`

func buildAnalyzeTypePrompt(metadata map[string]any, content string, sampled bool) string {
	note := ""
	if sampled {
		note = " (representative sample of a large document)"
	}
	return fmt.Sprintf(analyzeTypePrompt, note, formatMetadata(metadata), content, strings.Join(documentTypes, ", "))
}

func buildSchemaPrompt(metadata map[string]any, content string) string {
	docType, _ := metadata["document_type"].(string)
	if docType == "" {
		docType = TypeOther
	}
	return fmt.Sprintf(schemaPrompt, docType, formatMetadata(metadata), content)
}

func buildAnnotationsPrompt(schema models.SchemaBody, content string) string {
	var b strings.Builder
	for _, fd := range schema.Fields {
		fmt.Fprintf(&b, "- %s (%s", fd.Name, fd.Type)
		if fd.Required {
			b.WriteString(", required")
		}
		b.WriteString(")")
		if fd.Description != "" {
			b.WriteString(": " + fd.Description)
		}
		if len(fd.Choices) > 0 {
			b.WriteString(" choices: " + strings.Join(fd.Choices, " | "))
		}
		b.WriteString("\n")
	}
	return fmt.Sprintf(annotationsPrompt, b.String(), content)
}

// formatMetadata renders metadata as sorted "key: value" lines.
func formatMetadata(metadata map[string]any) string {
	if len(metadata) == 0 {
		return "(none)"
	}
	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		v, err := json.Marshal(metadata[k])
		if err != nil {
			v = []byte(fmt.Sprint(metadata[k]))
		}
		fmt.Fprintf(&b, "%s: %s\n", k, v)
	}
	return b.String()
}
