package validate

import "strings"

type choiceRule struct {
	keywords []string
	choices  []string
}

// choiceRules is matched in order; the first keyword contained in the
// lowercased field name wins.
var choiceRules = []choiceRule{
	{[]string{"etablissement", "establishment", "facility"}, []string{"University hospital", "General hospital", "Private clinic", "Specialised centre", "Other"}},
	{[]string{"hopital", "hospital"}, []string{"University hospital centre", "Regional hospital centre", "Local hospital", "Clinic", "Other"}},
	{[]string{"statut", "status"}, []string{"Active", "Inactive", "In progress", "Completed", "Suspended"}},
	{[]string{"priorite", "priority"}, []string{"Very high", "High", "Medium", "Low"}},
	{[]string{"type"}, []string{"Type A", "Type B", "Type C", "Type D", "Other"}},
	{[]string{"niveau", "level"}, []string{"Level 1", "Level 2", "Level 3", "Level 4"}},
	{[]string{"categorie", "category"}, []string{"Urgent", "Important", "Normal", "Informational"}},
	{[]string{"service", "department"}, []string{"Medical", "Administrative", "Technical", "Quality", "Other"}},
	{[]string{"validation"}, []string{"Validated", "In progress", "Rejected", "To review"}},
	{[]string{"conformite", "compliance"}, []string{"Compliant", "Non-compliant", "Partially compliant", "To verify"}},
	{[]string{"risque", "risk"}, []string{"Low", "Moderate", "High", "Critical"}},
	{[]string{"secteur", "sector"}, []string{"Public", "Private", "Mixed", "Other"}},
}

var defaultChoices = []string{"Option 1", "Option 2", "Option 3", "Other"}

// SmartChoices returns a default choice list for a choice field that
// arrived without one, picked from keywords in the field name.
func SmartChoices(fieldName string) []string {
	name := strings.ToLower(fieldName)
	for _, rule := range choiceRules {
		for _, kw := range rule.keywords {
			if strings.Contains(name, kw) {
				return append([]string(nil), rule.choices...)
			}
		}
	}
	return append([]string(nil), defaultChoices...)
}
