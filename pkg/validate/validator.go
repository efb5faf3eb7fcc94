// Package validate normalises annotation schemas and annotation values.
//
// Every function here is idempotent: feeding its output back in yields
// the same output and no further corrections.
package validate

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/surrealdb/annosync/pkg/models"
	"github.com/surrealdb/annosync/pkg/store"
)

const defaultSchemaName = "annotation_schema"

// Correction records one change the validator made to its input.
type Correction struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (c Correction) String() string {
	if c.Field == "" {
		return c.Message
	}
	return c.Field + ": " + c.Message
}

// Validator checks and normalises schemas and values.
type Validator struct {
	logger zerolog.Logger
}

// New returns a validator that logs every correction it makes.
func New(logger zerolog.Logger) *Validator {
	return &Validator{logger: logger.With().Str("component", "validator").Logger()}
}

// ValidateSchema returns a normalised copy of body and the corrections
// applied. Unknown field types, unnamed fields and duplicate names are
// rejected with a *store.ValidationError.
func (v *Validator) ValidateSchema(body models.SchemaBody) (models.SchemaBody, []Correction, error) {
	var corrections []Correction
	out := models.SchemaBody{
		Name:        strings.TrimSpace(body.Name),
		Description: strings.TrimSpace(body.Description),
		Fields:      make(models.FieldDefinitions, 0, len(body.Fields)),
	}
	if out.Name == "" {
		out.Name = defaultSchemaName
		corrections = append(corrections, Correction{Message: "missing schema name, set to " + defaultSchemaName})
	}

	var bad []string
	seen := make(map[string]bool, len(body.Fields))
	for i, in := range body.Fields {
		fd := in
		fd.Name = strings.TrimSpace(fd.Name)
		if fd.Name == "" {
			bad = append(bad, fmt.Sprintf("fields[%d]", i))
			continue
		}
		if seen[fd.Name] {
			bad = append(bad, fd.Name)
			continue
		}
		seen[fd.Name] = true

		fd.Type = models.FieldType(strings.ToLower(strings.TrimSpace(string(fd.Type))))
		if !knownType(fd.Type) {
			bad = append(bad, fd.Name)
			continue
		}

		if strings.TrimSpace(fd.Label) == "" {
			fd.Label = fd.Name
			corrections = append(corrections, Correction{Field: fd.Name, Message: "missing label, set to field name"})
		}
		if fd.Order <= 0 {
			fd.Order = i
		}
		if fd.Type == models.FieldMultipleChoice {
			fd.Multiple = true
		}

		if fd.Type.HasChoices() {
			fd.Choices = cleanChoices(fd.Choices)
			if len(fd.Choices) == 0 {
				fd.Choices = SmartChoices(fd.Name)
				corrections = append(corrections, Correction{
					Field:   fd.Name,
					Message: "no choices for " + string(fd.Type) + ", generated defaults",
				})
			}
		} else if len(fd.Choices) > 0 {
			fd.Choices = nil
			corrections = append(corrections, Correction{Field: fd.Name, Message: "choices removed from " + string(fd.Type) + " field"})
		}
		out.Fields = append(out.Fields, fd)
	}

	if len(bad) > 0 {
		return models.SchemaBody{}, nil, &store.ValidationError{Fields: bad, Message: "invalid schema fields"}
	}
	v.logCorrections("schema", out.Name, corrections)
	return out, corrections, nil
}

// ValidateAnnotation normalises values against fields. Unknown fields and
// values that cannot be coerced without loss are dropped; required fields
// that end up missing are reported in a *store.ValidationError.
func (v *Validator) ValidateAnnotation(values models.JSONMap, fields models.FieldDefinitions) (models.JSONMap, []Correction, error) {
	out, corrections := v.normalise(values, fields)
	var missing []string
	for _, fd := range fields {
		if fd.Required && isEmpty(out[fd.Name]) {
			missing = append(missing, fd.Name)
		}
	}
	if len(missing) > 0 {
		return nil, corrections, &store.ValidationError{Fields: missing, Message: "required fields missing"}
	}
	v.logCorrections("annotation", "", corrections)
	return out, corrections, nil
}

// ValidateDraft is ValidateAnnotation without the required-field check,
// for values that will be completed later.
func (v *Validator) ValidateDraft(values models.JSONMap, fields models.FieldDefinitions) (models.JSONMap, []Correction) {
	out, corrections := v.normalise(values, fields)
	v.logCorrections("draft", "", corrections)
	return out, corrections
}

// ValidateValue checks a single value for fd. Unlike ValidateAnnotation
// it rejects a value it cannot coerce instead of dropping it. A nil value
// clears the field unless the field is required.
func (v *Validator) ValidateValue(fd models.FieldDefinition, value any) (any, error) {
	if value == nil {
		if fd.Required {
			return nil, &store.ValidationError{Fields: []string{fd.Name}, Message: "value required"}
		}
		return nil, nil
	}
	out, err := coerce(fd, value)
	if err != nil {
		return nil, &store.ValidationError{Fields: []string{fd.Name}, Message: err.Error()}
	}
	return out, nil
}

func (v *Validator) normalise(values models.JSONMap, fields models.FieldDefinitions) (models.JSONMap, []Correction) {
	var corrections []Correction
	out := make(models.JSONMap, len(values))
	for name, raw := range values {
		fd, ok := fields.Lookup(name)
		if !ok {
			corrections = append(corrections, Correction{Field: name, Message: "unknown field dropped"})
			continue
		}
		if raw == nil {
			continue
		}
		val, err := coerce(fd, raw)
		if err != nil {
			corrections = append(corrections, Correction{Field: name, Message: "dropped: " + err.Error()})
			continue
		}
		out[name] = val
	}
	sortCorrections(corrections)
	return out, corrections
}

func (v *Validator) logCorrections(kind, name string, corrections []Correction) {
	for _, c := range corrections {
		ev := v.logger.Warn().Str("kind", kind).Str("field", c.Field)
		if name != "" {
			ev = ev.Str("schema", name)
		}
		ev.Msg(c.Message)
	}
}

func coerce(fd models.FieldDefinition, value any) (any, error) {
	if fd.Multiple || fd.Type == models.FieldMultipleChoice {
		return coerceList(fd, value)
	}
	return coerceScalar(fd, value)
}

func coerceList(fd models.FieldDefinition, value any) (any, error) {
	var items []any
	switch v := value.(type) {
	case []any:
		items = v
	case []string:
		items = make([]any, len(v))
		for i, s := range v {
			items[i] = s
		}
	default:
		items = []any{v}
	}
	out := make([]any, 0, len(items))
	seen := map[string]bool{}
	for _, item := range items {
		val, err := coerceScalar(fd, item)
		if err != nil {
			return nil, err
		}
		key := fmt.Sprint(val)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, val)
	}
	return out, nil
}

func coerceScalar(fd models.FieldDefinition, value any) (any, error) {
	switch fd.Type {
	case models.FieldText, models.FieldEntity, models.FieldClassification:
		return toText(value)
	case models.FieldNumber:
		return toNumber(value)
	case models.FieldBoolean:
		return toBool(value)
	case models.FieldDate:
		return toDate(value)
	case models.FieldChoice, models.FieldMultipleChoice:
		s, err := toText(value)
		if err != nil {
			return nil, err
		}
		return matchChoice(fd.Choices, s)
	default:
		return nil, fmt.Errorf("unsupported field type %q", fd.Type)
	}
}

func toText(value any) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(v), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case json.Number:
		return v.String(), nil
	case bool:
		return strconv.FormatBool(v), nil
	default:
		return "", fmt.Errorf("expected text, got %T", value)
	}
}

func toNumber(value any) (float64, error) {
	switch v := value.(type) {
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, fmt.Errorf("number %v is not finite", v)
		}
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case json.Number:
		return v.Float64()
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, fmt.Errorf("%q is not a number", v)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("expected number, got %T", value)
	}
}

func toBool(value any) (bool, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return false, fmt.Errorf("%q is not a boolean", v)
		}
		return b, nil
	default:
		return false, fmt.Errorf("expected boolean, got %T", value)
	}
}

func toDate(value any) (string, error) {
	s, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("expected date string, got %T", value)
	}
	s = strings.TrimSpace(s)
	if _, err := time.Parse(time.DateOnly, s); err == nil {
		return s, nil
	}
	if _, err := time.Parse(time.RFC3339, s); err == nil {
		return s, nil
	}
	return "", fmt.Errorf("%q is not a YYYY-MM-DD date", s)
}

func matchChoice(choices []string, s string) (string, error) {
	s = strings.TrimSpace(s)
	if len(choices) == 0 {
		return s, nil
	}
	for _, c := range choices {
		if strings.EqualFold(c, s) {
			return c, nil
		}
	}
	return "", fmt.Errorf("%q is not one of the field choices", s)
}

func isEmpty(value any) bool {
	switch v := value.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(v) == ""
	case []any:
		return len(v) == 0
	default:
		return false
	}
}

func knownType(t models.FieldType) bool {
	for _, known := range models.AllFieldTypes {
		if t == known {
			return true
		}
	}
	return false
}

func cleanChoices(choices []string) []string {
	var out []string
	seen := map[string]bool{}
	for _, c := range choices {
		c = strings.TrimSpace(c)
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}

// sortCorrections orders corrections by field so map iteration does not
// leak into the output.
func sortCorrections(cs []Correction) {
	sort.SliceStable(cs, func(i, j int) bool { return cs[i].Field < cs[j].Field })
}
