package onboarding

import (
	"fmt"
	"strings"

	"example.com/backstage/services/onboarding/internal/docintel"
	"example.com/backstage/services/onboarding/internal/models"
)

// Defaults applied to optional generated fields
const (
	DefaultPriority          = models.PriorityMedium
	DefaultRuleDescription   = "Generated from device documentation"
	DefaultCategory          = "General"
	DefaultEstimatedDuration = "1 hour"
	DefaultRequiredTools     = "Standard maintenance tools"
	DefaultSafetyNotes       = "Follow standard safety procedures"
	DefaultSafetyType        = "warning"
	DefaultSafetyCategory    = "general"
	DefaultSeverity          = "MEDIUM"
)

var safetyTypes = map[string]bool{
	"warning":   true,
	"procedure": true,
	"caution":   true,
	"note":      true,
}

// Report describes what normalization did to a batch
type Report struct {
	Kept    int
	Dropped int
	// Issues holds one human readable line per dropped record or replaced value
	Issues []string
}

// fieldRule describes how one field of a generated record is normalized.
// An empty value is taken from alias first, then either drops the record
// (required) or is replaced by fallback. canon rewrites non-empty values and
// reports whether the input was acceptable as is.
type fieldRule[T any] struct {
	name     string
	field    func(*T) *docintel.Text
	alias    func(*T) *docintel.Text
	required bool
	fallback string
	canon    func(string) (string, bool)
}

// normalizeRecords applies rules to every record. Records missing a required
// field are dropped, as are later records whose key repeats an earlier one.
func normalizeRecords[T any](records []T, rules []fieldRule[T], key func(*T) string) ([]T, Report) {
	kept := make([]T, 0, len(records))
	seen := make(map[string]bool, len(records))
	var report Report

	for i := range records {
		rec := records[i]
		var missing []string

		for _, rule := range rules {
			field := rule.field(&rec)
			value := field.String()

			if value == "" && rule.alias != nil {
				value = rule.alias(&rec).String()
			}

			switch {
			case value == "" && rule.required:
				missing = append(missing, rule.name)
			case value == "":
				value = rule.fallback
			case rule.canon != nil:
				canonical, ok := rule.canon(value)
				if !ok {
					report.Issues = append(report.Issues, fmt.Sprintf("record %d: %s %q replaced by %q", i, rule.name, value, canonical))
				}
				value = canonical
			}

			*field = docintel.Text(value)
		}

		if len(missing) > 0 {
			report.Dropped++
			report.Issues = append(report.Issues, fmt.Sprintf("record %d dropped: missing %s", i, strings.Join(missing, ", ")))
			continue
		}

		if key != nil {
			k := strings.ToLower(key(&rec))
			if seen[k] {
				report.Dropped++
				report.Issues = append(report.Issues, fmt.Sprintf("record %d dropped: duplicate of %q", i, key(&rec)))
				continue
			}
			seen[k] = true
		}

		kept = append(kept, rec)
	}

	report.Kept = len(kept)
	return kept, report
}

func canonPriority(v string) (string, bool) {
	p := models.Priority(strings.ToUpper(v))
	if p.IsValid() {
		return string(p), true
	}
	return string(DefaultPriority), false
}

func canonSeverity(v string) (string, bool) {
	return canonPriority(v)
}

func canonSafetyType(v string) (string, bool) {
	t := strings.ToLower(v)
	if safetyTypes[t] {
		return t, true
	}
	return DefaultSafetyType, false
}

func canonFrequency(v string) (string, bool) {
	f := ParseFrequency(v)
	return f.Label, !f.Defaulted
}

var ruleFields = []fieldRule[docintel.GeneratedRule]{
	{
		name:     "name",
		field:    func(r *docintel.GeneratedRule) *docintel.Text { return &r.Name },
		alias:    func(r *docintel.GeneratedRule) *docintel.Text { return &r.RuleName },
		required: true,
	},
	{name: "metric", field: func(r *docintel.GeneratedRule) *docintel.Text { return &r.Metric }, required: true},
	{name: "threshold", field: func(r *docintel.GeneratedRule) *docintel.Text { return &r.Threshold }, required: true},
	{
		name:     "description",
		field:    func(r *docintel.GeneratedRule) *docintel.Text { return &r.Description },
		alias:    func(r *docintel.GeneratedRule) *docintel.Text { return &r.Condition },
		fallback: DefaultRuleDescription,
	},
	{
		name:  "consequence",
		field: func(r *docintel.GeneratedRule) *docintel.Text { return &r.Consequence },
		alias: func(r *docintel.GeneratedRule) *docintel.Text { return &r.Action },
	},
	{
		name:     "priority",
		field:    func(r *docintel.GeneratedRule) *docintel.Text { return &r.Priority },
		fallback: string(DefaultPriority),
		canon:    canonPriority,
	},
}

var maintenanceFields = []fieldRule[docintel.GeneratedMaintenanceTask]{
	{
		name:     "task_name",
		field:    func(t *docintel.GeneratedMaintenanceTask) *docintel.Text { return &t.TaskName },
		alias:    func(t *docintel.GeneratedMaintenanceTask) *docintel.Text { return &t.Task },
		required: true,
	},
	{name: "description", field: func(t *docintel.GeneratedMaintenanceTask) *docintel.Text { return &t.Description }, required: true},
	{
		name:     "frequency",
		field:    func(t *docintel.GeneratedMaintenanceTask) *docintel.Text { return &t.Frequency },
		required: true,
		canon:    canonFrequency,
	},
	{
		name:     "priority",
		field:    func(t *docintel.GeneratedMaintenanceTask) *docintel.Text { return &t.Priority },
		fallback: string(DefaultPriority),
		canon:    canonPriority,
	},
	{name: "category", field: func(t *docintel.GeneratedMaintenanceTask) *docintel.Text { return &t.Category }, fallback: DefaultCategory},
	{name: "estimated_duration", field: func(t *docintel.GeneratedMaintenanceTask) *docintel.Text { return &t.EstimatedDuration }, fallback: DefaultEstimatedDuration},
	{name: "required_tools", field: func(t *docintel.GeneratedMaintenanceTask) *docintel.Text { return &t.RequiredTools }, fallback: DefaultRequiredTools},
	{name: "safety_notes", field: func(t *docintel.GeneratedMaintenanceTask) *docintel.Text { return &t.SafetyNotes }, fallback: DefaultSafetyNotes},
}

var safetyFields = []fieldRule[docintel.GeneratedSafetyItem]{
	{name: "title", field: func(s *docintel.GeneratedSafetyItem) *docintel.Text { return &s.Title }, required: true},
	{name: "description", field: func(s *docintel.GeneratedSafetyItem) *docintel.Text { return &s.Description }, required: true},
	{
		name:     "type",
		field:    func(s *docintel.GeneratedSafetyItem) *docintel.Text { return &s.Type },
		fallback: DefaultSafetyType,
		canon:    canonSafetyType,
	},
	{name: "category", field: func(s *docintel.GeneratedSafetyItem) *docintel.Text { return &s.Category }, fallback: DefaultSafetyCategory},
	{
		name:     "severity",
		field:    func(s *docintel.GeneratedSafetyItem) *docintel.Text { return &s.Severity },
		fallback: DefaultSeverity,
		canon:    canonSeverity,
	},
	{
		name:  "mitigation",
		field: func(s *docintel.GeneratedSafetyItem) *docintel.Text { return &s.Mitigation },
		alias: func(s *docintel.GeneratedSafetyItem) *docintel.Text { return &s.RecommendedAction },
	},
}

// NormalizeRules validates generated rules and fills optional fields
func NormalizeRules(rules []docintel.GeneratedRule) ([]docintel.GeneratedRule, Report) {
	return normalizeRecords(rules, ruleFields, func(r *docintel.GeneratedRule) string {
		return r.Name.String() + "|" + r.Metric.String()
	})
}

// NormalizeMaintenance validates generated tasks, canonicalizes their
// frequency and fills optional fields
func NormalizeMaintenance(tasks []docintel.GeneratedMaintenanceTask) ([]docintel.GeneratedMaintenanceTask, Report) {
	return normalizeRecords(tasks, maintenanceFields, func(t *docintel.GeneratedMaintenanceTask) string {
		return t.TaskName.String()
	})
}

// NormalizeSafety validates generated safety items and fills optional fields
func NormalizeSafety(items []docintel.GeneratedSafetyItem) ([]docintel.GeneratedSafetyItem, Report) {
	return normalizeRecords(items, safetyFields, func(s *docintel.GeneratedSafetyItem) string {
		return s.Title.String()
	})
}
