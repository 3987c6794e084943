// Package workflow holds the pure NCR business rules: section validation,
// the approval table and the status transition guards. Nothing here touches
// storage.
package workflow

import (
	"strings"
	"time"

	"ncrtrack/internal/domain"
)

// DateLayout is the storage and wire format for closure dates.
const DateLayout = "2006-01-02"

// ClosureDateFloor is the earliest accepted closure date.
var ClosureDateFloor = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

// Policy carries the configurable rule switches.
type Policy struct {
	// StrictContainment rejects an uncontained NCR without a justification.
	StrictContainment bool
}

// DefaultPolicy is the policy used when no configuration is loaded.
func DefaultPolicy() Policy {
	return Policy{StrictContainment: true}
}

// NormalizeForm validates every section in order and returns the cleaned form.
// The first failing section stops validation.
func NormalizeForm(f domain.Form, p Policy) (domain.Form, error) {
	var err error
	if f.Details, err = ValidateDetails(f.Details, p); err != nil {
		return f, err
	}
	f.Classification = ValidateClassification(f.Classification)
	if f.Investigation, err = ValidateInvestigation(f.Investigation); err != nil {
		return f, err
	}
	if f.Correction, err = ValidateCorrection(f.Correction); err != nil {
		return f, err
	}
	if f.Closure, err = ValidateClosure(f.Closure); err != nil {
		return f, err
	}
	f.Tags = CleanList(f.Tags)
	return f, nil
}

// ValidateDetails checks Section 1.
func ValidateDetails(d domain.Details, p Policy) (domain.Details, error) {
	d.Title = strings.TrimSpace(d.Title)
	if d.Title == "" {
		return d, invalid("title", "title is required")
	}
	if d.QuantityAffected != nil && *d.QuantityAffected < 0 {
		d.QuantityAffected = nil
	}
	if d.IsContained {
		d.ContainmentJustification = ""
		return d, nil
	}
	d.HowContained = ""
	if p.StrictContainment && strings.TrimSpace(d.ContainmentJustification) == "" {
		return d, invalid("containment_justification", "justification is required when the nonconformance is not contained")
	}
	return d, nil
}

// ValidateClassification checks Section 2. It never fails: out of range
// levels are dropped and dependent fields are cleared.
func ValidateClassification(c domain.Classification) domain.Classification {
	if c.NCLevel != nil && !ValidLevel(*c.NCLevel) {
		c.NCLevel = nil
	}
	if !c.CAPARequired {
		c.CAPANumber = ""
	}
	if !c.ExternalNotificationRequired {
		c.ExternalNotificationMethod = ""
	}
	return c
}

// ValidateInvestigation checks Section 3.
func ValidateInvestigation(in domain.Investigation) (domain.Investigation, error) {
	if in.ProblemCategory != "" {
		in.ProblemCategory, _ = canonical(ProblemCategories, in.ProblemCategory)
	}
	if in.ProblemCategory == Other {
		in.OtherCategory = strings.TrimSpace(in.OtherCategory)
		if in.OtherCategory == "" {
			return in, invalid("other_category", "a category description is required when category is Other")
		}
	} else {
		in.OtherCategory = ""
	}
	if in.DispositionAction != "" {
		in.DispositionAction, _ = canonical(DispositionActions, in.DispositionAction)
	}
	approvals := make([]string, 0, len(in.RequiredApprovals))
	for _, name := range in.RequiredApprovals {
		if name = strings.TrimSpace(name); name != "" {
			approvals = append(approvals, name)
		}
	}
	in.RequiredApprovals = approvals
	return in, nil
}

// ValidateCorrection checks Section 4. Unknown tags are dropped.
func ValidateCorrection(c domain.Correction) (domain.Correction, error) {
	actions := make([]string, 0, len(c.CorrectionActions))
	// Catalog entries are canonicalized; free text is kept as entered.
	for _, tag := range CleanList(c.CorrectionActions) {
		v, ok := canonical(CorrectionActions, tag)
		if !ok {
			v = tag
		}
		if !contains(actions, v) {
			actions = append(actions, v)
		}
	}
	c.CorrectionActions = actions
	if contains(actions, Other) {
		c.OtherCorrection = strings.TrimSpace(c.OtherCorrection)
		if c.OtherCorrection == "" {
			return c, invalid("other_correction", "a description is required when Other is selected")
		}
	} else {
		c.OtherCorrection = ""
	}
	return c, nil
}

// ValidateClosure checks Section 5. A closure date only survives when the
// audit gate is set.
func ValidateClosure(c domain.Closure) (domain.Closure, error) {
	c.ClosureDate = strings.TrimSpace(c.ClosureDate)
	if !c.QEAuditComplete {
		c.ClosureDate = ""
		return c, nil
	}
	if c.ClosureDate == "" {
		return c, nil
	}
	d, err := ParseClosureDate(c.ClosureDate)
	if err != nil {
		return c, err
	}
	c.ClosureDate = d.Format(DateLayout)
	return c, nil
}

// ParseClosureDate parses a YYYY-MM-DD date and enforces the floor.
func ParseClosureDate(s string) (time.Time, error) {
	d, err := time.Parse(DateLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, invalid("closure_date", "closure date must be formatted YYYY-MM-DD")
	}
	if d.Before(ClosureDateFloor) {
		return time.Time{}, invalid("closure_date", "closure date must be on or after %s", ClosureDateFloor.Format(DateLayout))
	}
	return d, nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
