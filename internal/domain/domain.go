package domain

// Status is the lifecycle state of an NCR.
type Status string

const (
	StatusNew             Status = "NEW"
	StatusInProgress      Status = "IN_PROGRESS"
	StatusPendingApproval Status = "PENDING_APPROVAL"
	StatusClosed          Status = "CLOSED"
)

// Statuses lists every declared status in lifecycle order.
var Statuses = []Status{StatusNew, StatusInProgress, StatusPendingApproval, StatusClosed}

// Valid reports whether s is a declared status.
func (s Status) Valid() bool {
	for _, v := range Statuses {
		if v == s {
			return true
		}
	}
	return false
}

func (s Status) String() string { return string(s) }

// Role is the coarse user role used for permission lookups.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleNCROwner Role = "ncr_owner"
	RoleQE       Role = "qe"
	RoleMRBTeam  Role = "mrb_team"
)

var Roles = []Role{RoleAdmin, RoleNCROwner, RoleQE, RoleMRBTeam}

func (r Role) Valid() bool {
	for _, v := range Roles {
		if v == r {
			return true
		}
	}
	return false
}

// Actor is the identity a single request or command acts as.
type Actor struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Role     Role   `json:"role"`
}

type User struct {
	ID           string `json:"id"`
	Username     string `json:"username"`
	Email        string `json:"email,omitempty"`
	FullName     string `json:"full_name,omitempty"`
	Role         Role   `json:"role" enum:"admin,ncr_owner,qe,mrb_team"`
	Department   string `json:"department,omitempty"`
	PasswordHash string `json:"-"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

// Actor returns the acting identity for u.
func (u User) Actor() Actor {
	return Actor{UserID: u.ID, Username: u.Username, Role: u.Role}
}

// Details holds Section 1 of the NCR form.
type Details struct {
	Title                    string `json:"title" yaml:"title"`
	Priority                 string `json:"priority,omitempty" yaml:"priority"`
	Site                     string `json:"site,omitempty" yaml:"site"`
	PartNumber               string `json:"part_number,omitempty" yaml:"part_number"`
	PartNumberRev            string `json:"part_number_rev,omitempty" yaml:"part_number_rev"`
	QuantityAffected         *int   `json:"quantity_affected,omitempty" yaml:"quantity_affected"`
	UnitsAffected            string `json:"units_affected,omitempty" yaml:"units_affected"`
	ProjectAffected          string `json:"project_affected,omitempty" yaml:"project_affected"`
	SerialNumber             string `json:"serial_number,omitempty" yaml:"serial_number"`
	OtherID                  string `json:"other_id,omitempty" yaml:"other_id"`
	PONumber                 string `json:"po_number,omitempty" yaml:"po_number"`
	Supplier                 string `json:"supplier,omitempty" yaml:"supplier"`
	BuildGroupOperation      string `json:"build_group_operation,omitempty" yaml:"build_group_operation"`
	ProblemIs                string `json:"problem_is,omitempty" yaml:"problem_is"`
	ProblemShouldBe          string `json:"problem_should_be,omitempty" yaml:"problem_should_be"`
	IsContained              bool   `json:"is_contained" yaml:"is_contained" required:"false"`
	HowContained             string `json:"how_contained,omitempty" yaml:"how_contained"`
	ContainmentJustification string `json:"containment_justification,omitempty" yaml:"containment_justification"`
}

// Classification holds Section 2: severity level and CAPA.
type Classification struct {
	NCLevel                      *int   `json:"nc_level,omitempty" yaml:"nc_level"`
	CAPARequired                 bool   `json:"capa_required" yaml:"capa_required" required:"false"`
	CAPANumber                   string `json:"capa_number,omitempty" yaml:"capa_number"`
	QEAssigned                   string `json:"qe_assigned,omitempty" yaml:"qe_assigned"`
	NCOwnerAssigned              string `json:"nc_owner_assigned,omitempty" yaml:"nc_owner_assigned"`
	ExternalNotificationRequired bool   `json:"external_notification_required" yaml:"external_notification_required" required:"false"`
	ExternalNotificationMethod   string `json:"external_notification_method,omitempty" yaml:"external_notification_method"`
}

// Investigation holds Section 3.
type Investigation struct {
	ProblemCategory          string   `json:"problem_category,omitempty" yaml:"problem_category"`
	OtherCategory            string   `json:"other_category,omitempty" yaml:"other_category"`
	InvestigationResults     string   `json:"investigation_results,omitempty" yaml:"investigation_results"`
	DispositionAction        string   `json:"disposition_action,omitempty" yaml:"disposition_action"`
	DispositionInstructions  string   `json:"disposition_instructions,omitempty" yaml:"disposition_instructions"`
	DispositionJustification string   `json:"disposition_justification,omitempty" yaml:"disposition_justification"`
	RequiredApprovals        []string `json:"required_approvals" yaml:"required_approvals" required:"false"`
}

// Correction holds Section 4.
type Correction struct {
	CorrectionActions    []string `json:"correction_actions" yaml:"correction_actions" required:"false"`
	OtherCorrection      string   `json:"other_correction,omitempty" yaml:"other_correction"`
	EvidenceOfCompletion string   `json:"evidence_of_completion,omitempty" yaml:"evidence_of_completion"`
}

// Closure holds Section 5.
type Closure struct {
	QEAuditComplete bool   `json:"qe_audit_complete" yaml:"qe_audit_complete" required:"false"`
	ClosureDate     string `json:"closure_date,omitempty" yaml:"closure_date"`
}

// Form is the full set of section data a user submits.
type Form struct {
	Details        Details        `json:"details" yaml:"details"`
	Classification Classification `json:"classification" yaml:"classification" required:"false"`
	Investigation  Investigation  `json:"investigation" yaml:"investigation" required:"false"`
	Correction     Correction     `json:"correction" yaml:"correction" required:"false"`
	Closure        Closure        `json:"closure" yaml:"closure" required:"false"`
	Tags           []string       `json:"tags" yaml:"tags" required:"false"`
}

type NCR struct {
	ID     string `json:"id"`
	Number string `json:"number" example:"NCR-0001"`
	Seq    int64  `json:"-"`
	Status Status `json:"status" enum:"NEW,IN_PROGRESS,PENDING_APPROVAL,CLOSED"`

	Details        Details        `json:"details"`
	Classification Classification `json:"classification"`
	Investigation  Investigation  `json:"investigation"`
	Correction     Correction     `json:"correction"`
	Closure        Closure        `json:"closure"`
	Tags           []string       `json:"tags"`

	CreatedBy  string  `json:"created_by"`
	AssignedTo *string `json:"assigned_to,omitempty"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
	UpdatedAt  string  `json:"updated_at" format:"date-time"`
	ClosedAt   *string `json:"closed_at,omitempty" format:"date-time"`
}

// Form returns the section data of n.
func (n NCR) Form() Form {
	return Form{
		Details:        n.Details,
		Classification: n.Classification,
		Investigation:  n.Investigation,
		Correction:     n.Correction,
		Closure:        n.Closure,
		Tags:           n.Tags,
	}
}

// SetForm overwrites the section data of n with f.
func (n *NCR) SetForm(f Form) {
	n.Details = f.Details
	n.Classification = f.Classification
	n.Investigation = f.Investigation
	n.Correction = f.Correction
	n.Closure = f.Closure
	n.Tags = f.Tags
}

type Comment struct {
	ID        int64  `json:"id"`
	NCRID     string `json:"ncr_id"`
	UserID    string `json:"user_id"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type StatusHistoryEntry struct {
	ID        int64  `json:"id"`
	NCRID     string `json:"ncr_id"`
	OldStatus Status `json:"old_status,omitempty"`
	NewStatus Status `json:"new_status"`
	ChangedBy string `json:"changed_by"`
	Reason    string `json:"reason,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload"`
}
