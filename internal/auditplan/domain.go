package auditplan

import (
	"slices"
	"time"
)

// Identifiers are opaque and only ever compared for exact equality.
type (
	PlanID          string
	UserID          string
	DepartmentID    string
	TemplateID      string
	ChecklistItemID string
	RequestID       string
)

// Scope describes the organisational coverage of a plan.
type Scope string

const (
	ScopeDepartmental       Scope = "DEPARTMENT"
	ScopeEntireOrganization Scope = "ENTIRE_ORGANIZATION"
)

// Valid reports whether s is a known scope.
func (s Scope) Valid() bool {
	return s == ScopeDepartmental || s == ScopeEntireOrganization
}

// RejectedBy attributes a rejection to the reviewing tier.
type RejectedBy string

const (
	RejectedByLeadAuditor RejectedBy = "LeadAuditor"
	RejectedByDirector    RejectedBy = "Director"
)

// Rejection is present only on Declined and Rejected plans.
type Rejection struct {
	Comment string
	By      RejectedBy
	At      time.Time
}

// PlanRecord is the canonical audit plan.
type PlanRecord struct {
	ID          PlanID
	Title       string
	Objective   string
	Scope       Scope
	Status      Status
	CreatedBy   UserID
	StartDate   time.Time
	EndDate     time.Time
	Rejection   *Rejection
	TemplateIDs []TemplateID
	RevisedFrom PlanID
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Clone returns a deep copy so transitions never alias the caller's record.
func (p PlanRecord) Clone() PlanRecord {
	out := p
	if p.Rejection != nil {
		r := *p.Rejection
		out.Rejection = &r
	}
	out.TemplateIDs = slices.Clone(p.TemplateIDs)
	return out
}

// TeamRole is the role a user holds inside a single plan's team.
type TeamRole string

const (
	TeamRoleAuditor      TeamRole = "AUDITOR"
	TeamRoleLeadAuditor  TeamRole = "LEAD_AUDITOR"
	TeamRoleAuditeeOwner TeamRole = "AUDITEE_OWNER"
)

// Valid reports whether r is a known team role.
func (r TeamRole) Valid() bool {
	switch r {
	case TeamRoleAuditor, TeamRoleLeadAuditor, TeamRoleAuditeeOwner:
		return true
	default:
		return false
	}
}

// TeamMember is one roster row for a plan.
type TeamMember struct {
	AuditID    PlanID
	UserID     UserID
	RoleInTeam TeamRole
	IsLead     bool
}

// ScopeDepartment associates a department with a plan.
type ScopeDepartment struct {
	AuditID        PlanID
	DeptID         DepartmentID
	DeptName       string
	SensitiveFlag  bool
	SensitiveAreas []string
}

// RevisionStatus tracks an extension/revision request.
type RevisionStatus string

const (
	RevisionPending  RevisionStatus = "PENDING"
	RevisionApproved RevisionStatus = "APPROVED"
	RevisionRejected RevisionStatus = "REJECTED"
)

// RevisionRequest asks the Director to extend evidence deadlines on a running audit.
type RevisionRequest struct {
	ID              RequestID
	AuditID         PlanID
	RequestedBy     UserID
	RequestedAt     time.Time
	Status          RevisionStatus
	Comment         string
	ResponseComment string
	RespondedAt     *time.Time
	RespondedBy     UserID
}

// ChecklistItemMark flags a checklist item as under extension consideration.
type ChecklistItemMark struct {
	ItemID   ChecklistItemID
	AuditID  PlanID
	IsMarked bool
}

// Role is the organisational role an actor acts under for a request.
type Role string

const (
	RoleAuditor      Role = "AUDITOR"
	RoleLeadAuditor  Role = "LEAD_AUDITOR"
	RoleDirector     Role = "DIRECTOR"
	RoleAuditeeOwner Role = "AUDITEE_OWNER"
	// RoleSystem is reserved for background automation and never resolved from a session.
	RoleSystem Role = "SYSTEM"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleAuditor, RoleLeadAuditor, RoleDirector, RoleAuditeeOwner, RoleSystem:
		return true
	default:
		return false
	}
}

// Actor is the authenticated caller, resolved once at the edge and passed into every call.
type Actor struct {
	ID          UserID
	Role        Role
	Departments []DepartmentID
}

// SystemActor returns the identity used by scheduled jobs.
func SystemActor() Actor {
	return Actor{ID: "system", Role: RoleSystem}
}

// InDepartment reports whether the actor belongs to dept.
func (a Actor) InDepartment(dept DepartmentID) bool {
	return slices.Contains(a.Departments, dept)
}

func (a Actor) valid() bool {
	return a.ID != "" && a.Role.Valid()
}
