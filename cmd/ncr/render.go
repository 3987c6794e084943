package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"

	"ncrtrack/internal/domain"
	"ncrtrack/internal/workflow"
)

func statusBadge(s domain.Status) string {
	var c *color.Color
	switch s {
	case domain.StatusNew:
		c = color.New(color.FgHiBlue)
	case domain.StatusInProgress:
		c = color.New(color.FgYellow)
	case domain.StatusPendingApproval:
		c = color.New(color.FgHiMagenta)
	case domain.StatusClosed:
		c = color.New(color.FgHiGreen)
	default:
		return string(s)
	}
	return c.Sprint(string(s))
}

func levelBadge(level *int) string {
	if level == nil {
		return color.New(color.Faint).Sprint("L-")
	}
	text := fmt.Sprintf("L%d", *level)
	switch *level {
	case 1:
		return color.New(color.FgRed, color.Bold).Sprint(text)
	case 2:
		return color.New(color.FgHiRed).Sprint(text)
	case 3:
		return color.New(color.FgYellow).Sprint(text)
	case 4:
		return color.New(color.FgGreen).Sprint(text)
	}
	return text
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	return tw
}

func renderNCRs(items []domain.NCR) {
	tw := newTable()
	tw.AppendHeader(table.Row{"Number", "Title", "Status", "Level", "Part", "Assignee", "Tags", "Created"})
	for _, n := range items {
		tw.AppendRow(table.Row{
			n.Number,
			n.Details.Title,
			statusBadge(n.Status),
			levelBadge(n.Classification.NCLevel),
			n.Details.PartNumber,
			strOrEmpty(n.AssignedTo),
			strings.Join(n.Tags, ", "),
			n.CreatedAt,
		})
	}
	tw.Render()
}

func renderNCR(n domain.NCR) {
	tw := newTable()
	tw.SetTitle(fmt.Sprintf("%s  %s", n.Number, n.Details.Title))
	rows := []table.Row{
		{"Status", statusBadge(n.Status)},
		{"Level", levelBadge(n.Classification.NCLevel)},
		{"Approvals", workflow.RequiredApprovals(n.Classification.NCLevel)},
		{"Site", n.Details.Site},
		{"Part", strings.TrimSpace(n.Details.PartNumber + " " + n.Details.PartNumberRev)},
		{"Problem is", n.Details.ProblemIs},
		{"Should be", n.Details.ProblemShouldBe},
		{"Contained", containment(n.Details)},
		{"CAPA", capa(n.Classification)},
		{"Disposition", n.Investigation.DispositionAction},
		{"Corrections", strings.Join(n.Correction.CorrectionActions, ", ")},
		{"QE audit", n.Closure.QEAuditComplete},
		{"Closure date", n.Closure.ClosureDate},
		{"Tags", strings.Join(n.Tags, ", ")},
		{"Created", n.CreatedAt + " by " + n.CreatedBy},
		{"Assignee", strOrEmpty(n.AssignedTo)},
		{"Closed at", strOrEmpty(n.ClosedAt)},
	}
	for _, r := range rows {
		tw.AppendRow(r)
	}
	tw.Render()
}

func containment(d domain.Details) string {
	if d.IsContained {
		return "yes: " + d.HowContained
	}
	if d.ContainmentJustification != "" {
		return "no: " + d.ContainmentJustification
	}
	return "no"
}

func capa(c domain.Classification) string {
	if !c.CAPARequired {
		return "not required"
	}
	if c.CAPANumber == "" {
		return "required"
	}
	return "required (" + c.CAPANumber + ")"
}

func renderComments(items []domain.Comment) {
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "User", "When", "Comment"})
	for _, c := range items {
		tw.AppendRow(table.Row{c.ID, c.UserID, c.CreatedAt, c.Content})
	}
	tw.Render()
}

func renderHistory(items []domain.StatusHistoryEntry) {
	tw := newTable()
	tw.AppendHeader(table.Row{"When", "From", "To", "By", "Reason"})
	for _, h := range items {
		from := "-"
		if h.OldStatus != "" {
			from = statusBadge(h.OldStatus)
		}
		tw.AppendRow(table.Row{h.CreatedAt, from, statusBadge(h.NewStatus), h.ChangedBy, h.Reason})
	}
	tw.Render()
}

func renderUsers(items []domain.User) {
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Username", "Role", "Full name", "Email", "Department"})
	for _, u := range items {
		tw.AppendRow(table.Row{u.ID, u.Username, u.Role, u.FullName, u.Email, u.Department})
	}
	tw.Render()
}

func renderLevels(items []workflow.Level) {
	tw := newTable()
	tw.AppendHeader(table.Row{"Level", "Name", "Approvals", "CAPA", "Guidance"})
	for _, l := range items {
		lv := l.Level
		tw.AppendRow(table.Row{levelBadge(&lv), l.Name, l.Approvals, l.CAPAAdvised, l.Guidance})
	}
	tw.Render()
}

func renderEvents(items []domain.Event) {
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Actor", "Payload"})
	for _, e := range items {
		tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.EntityKind + ":" + e.EntityID, e.ActorID, e.Payload})
	}
	tw.Render()
}

func strOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
