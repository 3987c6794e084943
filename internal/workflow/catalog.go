package workflow

import "strings"

const Other = "Other"

var ProblemCategories = []string{
	"Document",
	"Design",
	"Manufacturing",
	"Supplier",
	"Equipment",
	"Customer",
	"Process",
	"Improvement",
	"Software",
	"Service",
	Other,
}

var DispositionActions = []string{
	"Rework",
	"Repair",
	"Reject - Return to Supplier",
	"Reject - Scrap",
	"Use-As-Is",
	Other,
}

var CorrectionActions = []string{
	"Disposition Work Only",
	"ECN/ECO/ECR",
	"Deviation/Waiver",
	"SCAR or Supplier Support",
	"RCCA/CAPA",
	"Process/Procedural Update",
	Other,
}

// canonical returns the catalog spelling of v, matched case-insensitively.
func canonical(catalog []string, v string) (string, bool) {
	v = strings.TrimSpace(v)
	for _, c := range catalog {
		if strings.EqualFold(c, v) {
			return c, true
		}
	}
	return "", false
}

// CleanList trims entries, drops empties and duplicates, and keeps order.
// The result is never nil.
func CleanList(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// ParseApprovers splits a comma separated approver list.
func ParseApprovers(text string) []string {
	var names []string
	for _, part := range strings.Split(text, ",") {
		if name := strings.TrimSpace(part); name != "" {
			names = append(names, name)
		}
	}
	if names == nil {
		return []string{}
	}
	return names
}
