package auditplan

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// ImportedPlan is a normalised plan from a legacy export.
type ImportedPlan struct {
	Plan        PlanRecord
	Team        []TeamMember
	Departments []ScopeDepartment
}

// legacyStatuses maps squashed legacy spellings (lower case, separators removed)
// to canonical statuses.
var legacyStatuses = map[string]Status{
	"draft":                   StatusDraft,
	"pendingreview":           StatusPendingReview,
	"pendinglead":             StatusPendingReview,
	"submitted":               StatusPendingReview,
	"pendingdirectorapproval": StatusPendingDirectorApproval,
	"pendingdirector":         StatusPendingDirectorApproval,
	"forwarded":               StatusPendingDirectorApproval,
	"approved":                StatusApproved,
	"inprogress":              StatusInProgress,
	"ongoing":                 StatusInProgress,
	"declined":                StatusDeclined,
	"declinedbylead":          StatusDeclined,
	"rejected":                StatusRejected,
	"rejectedbydirector":      StatusRejected,
	"archived":                StatusArchived,
	"closed":                  StatusArchived,
}

var legacyScopes = map[string]Scope{
	"department":         ScopeDepartmental,
	"departmental":       ScopeDepartmental,
	"entireorganization": ScopeEntireOrganization,
	"organization":       ScopeEntireOrganization,
	"organisation":       ScopeEntireOrganization,
}

var legacyTeamRoles = map[string]TeamRole{
	"auditor":      TeamRoleAuditor,
	"leadauditor":  TeamRoleLeadAuditor,
	"lead":         TeamRoleLeadAuditor,
	"auditeeowner": TeamRoleAuditeeOwner,
	"auditee":      TeamRoleAuditeeOwner,
}

func squash(raw string) string {
	r := strings.NewReplacer(" ", "", "_", "", "-", "")
	return r.Replace(strings.ToLower(strings.TrimSpace(raw)))
}

// DecodeLegacyPlans normalises an exported plan payload: a bare array or an
// object wrapping it under "data" or "plans", with aliased field names and
// legacy status spellings. Records that cannot be normalised are reported in
// the joined error; the remaining records are still returned.
func DecodeLegacyPlans(r io.Reader) ([]ImportedPlan, error) {
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("auditplan: read legacy export: %w", err)
	}
	records, err := unwrapLegacy(body)
	if err != nil {
		return nil, err
	}
	out := make([]ImportedPlan, 0, len(records))
	var errs []error
	for i, rec := range records {
		plan, err := normaliseLegacy(rec)
		if err != nil {
			errs = append(errs, fmt.Errorf("record %d: %w", i, err))
			continue
		}
		out = append(out, plan)
	}
	return out, errors.Join(errs...)
}

type legacyRecord map[string]json.RawMessage

func unwrapLegacy(body []byte) ([]legacyRecord, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, validationf("empty legacy export")
	}
	if body[0] == '[' {
		var records []legacyRecord
		if err := json.Unmarshal(body, &records); err != nil {
			return nil, validationf("decode legacy export: %v", err)
		}
		return records, nil
	}
	var wrapper legacyRecord
	if err := json.Unmarshal(body, &wrapper); err != nil {
		return nil, validationf("decode legacy export: %v", err)
	}
	for _, key := range []string{"data", "plans"} {
		if raw, ok := wrapper[key]; ok {
			return unwrapLegacy(raw)
		}
	}
	return nil, validationf("legacy export has no plan list")
}

func (rec legacyRecord) str(keys ...string) string {
	for _, k := range keys {
		raw, ok := rec[k]
		if !ok || string(raw) == "null" {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return strings.TrimSpace(s)
		}
		var n json.Number
		if err := json.Unmarshal(raw, &n); err == nil {
			return n.String()
		}
	}
	return ""
}

func (rec legacyRecord) boolean(keys ...string) bool {
	for _, k := range keys {
		var b bool
		if raw, ok := rec[k]; ok && json.Unmarshal(raw, &b) == nil {
			return b
		}
	}
	return false
}

func (rec legacyRecord) stringList(keys ...string) []string {
	for _, k := range keys {
		var vals []string
		if raw, ok := rec[k]; ok && json.Unmarshal(raw, &vals) == nil {
			return vals
		}
	}
	return nil
}

func (rec legacyRecord) list(keys ...string) []legacyRecord {
	for _, k := range keys {
		var rows []legacyRecord
		if raw, ok := rec[k]; ok && json.Unmarshal(raw, &rows) == nil {
			return rows
		}
	}
	return nil
}

func (rec legacyRecord) nested(keys ...string) legacyRecord {
	for _, k := range keys {
		var inner legacyRecord
		if raw, ok := rec[k]; ok && json.Unmarshal(raw, &inner) == nil && inner != nil {
			return inner
		}
	}
	return nil
}

func parseLegacyTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, nil
		}
	}
	return time.Time{}, validationf("unparseable time %q", raw)
}

func normaliseLegacy(rec legacyRecord) (ImportedPlan, error) {
	id := PlanID(rec.str("id", "audit_id", "auditId"))
	if id == "" {
		return ImportedPlan{}, validationf("missing plan id")
	}
	rawStatus := rec.str("status", "plan_status", "planStatus")
	status, ok := legacyStatuses[squash(rawStatus)]
	if !ok {
		return ImportedPlan{}, validationf("plan %s: unknown status %q", id, rawStatus)
	}
	scope := ScopeDepartmental
	if raw := rec.str("scope", "audit_scope", "auditScope"); raw != "" {
		if scope, ok = legacyScopes[squash(raw)]; !ok {
			return ImportedPlan{}, validationf("plan %s: unknown scope %q", id, raw)
		}
	}
	start, err := parseLegacyTime(rec.str("start_date", "startDate"))
	if err != nil {
		return ImportedPlan{}, fmt.Errorf("plan %s: %w", id, err)
	}
	end, err := parseLegacyTime(rec.str("end_date", "endDate"))
	if err != nil {
		return ImportedPlan{}, fmt.Errorf("plan %s: %w", id, err)
	}
	created, err := parseLegacyTime(rec.str("created_at", "createdAt"))
	if err != nil {
		return ImportedPlan{}, fmt.Errorf("plan %s: %w", id, err)
	}
	plan := PlanRecord{
		ID:          id,
		Title:       rec.str("title", "audit_title", "auditTitle"),
		Objective:   rec.str("objective", "objectives"),
		Scope:       scope,
		Status:      status,
		CreatedBy:   UserID(rec.str("created_by", "createdBy")),
		StartDate:   start,
		EndDate:     end,
		RevisedFrom: PlanID(rec.str("revised_from", "revisedFrom")),
		CreatedAt:   created,
		UpdatedAt:   created,
	}
	for _, t := range rec.stringList("template_ids", "templateIds", "templates") {
		plan.TemplateIDs = append(plan.TemplateIDs, TemplateID(t))
	}
	if plan.CreatedBy == "" {
		return ImportedPlan{}, validationf("plan %s: missing creator", id)
	}
	plan.Rejection, err = legacyRejection(rec, status)
	if err != nil {
		return ImportedPlan{}, fmt.Errorf("plan %s: %w", id, err)
	}

	team := make([]TeamMember, 0)
	for _, row := range rec.list("team", "team_members", "teamMembers") {
		raw := row.str("role_in_team", "roleInTeam", "role")
		role, ok := legacyTeamRoles[squash(raw)]
		if !ok {
			return ImportedPlan{}, validationf("plan %s: unknown team role %q", id, raw)
		}
		team = append(team, TeamMember{
			AuditID:    id,
			UserID:     UserID(row.str("user_id", "userId")),
			RoleInTeam: role,
			IsLead:     row.boolean("is_lead", "isLead"),
		})
	}
	if err := ValidateTeam(id, team); err != nil {
		return ImportedPlan{}, err
	}
	depts := make([]ScopeDepartment, 0)
	for _, row := range rec.list("departments", "scope_departments", "scopeDepartments") {
		depts = append(depts, ScopeDepartment{
			AuditID:        id,
			DeptID:         DepartmentID(row.str("dept_id", "deptId", "department_id")),
			DeptName:       row.str("dept_name", "deptName", "name"),
			SensitiveFlag:  row.boolean("sensitive_flag", "sensitiveFlag", "sensitive"),
			SensitiveAreas: row.stringList("sensitive_areas", "sensitiveAreas"),
		})
	}
	if err := ValidateScope(id, scope, depts); err != nil {
		return ImportedPlan{}, err
	}
	return ImportedPlan{Plan: plan, Team: team, Departments: depts}, nil
}

// legacyRejection keeps the rejection/status invariant: attribution follows the
// status, never the exported "by" field.
func legacyRejection(rec legacyRecord, status Status) (*Rejection, error) {
	var by RejectedBy
	switch status {
	case StatusDeclined:
		by = RejectedByLeadAuditor
	case StatusRejected:
		by = RejectedByDirector
	default:
		return nil, nil
	}
	src := rec
	if inner := rec.nested("rejection"); inner != nil {
		src = inner
	}
	comment := src.str("comment", "rejection_comment", "rejectionComment", "reason")
	at, err := parseLegacyTime(src.str("at", "rejected_at", "rejectedAt"))
	if err != nil {
		return nil, err
	}
	return &Rejection{Comment: comment, By: by, At: at}, nil
}
