package auditplan

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-audit/internal/platform/db"
)

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ Store = (*Repository)(nil)

type queryer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const planColumns = `id, title, objective, scope, status, created_by, start_date, end_date,
rejection_comment, rejection_by, rejection_at, template_ids, COALESCE(revised_from, ''), created_at, updated_at`

const revisionColumns = `id, audit_id, requested_by, requested_at, status, comment,
COALESCE(response_comment, ''), responded_at, COALESCE(responded_by, '')`

// FetchPlans returns every plan, newest first.
func (r *Repository) FetchPlans(ctx context.Context) ([]PlanRecord, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+planColumns+` FROM audit_plans ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("auditplan: query plans: %w", err)
	}
	defer rows.Close()
	plans := make([]PlanRecord, 0)
	for rows.Next() {
		plan, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, plan)
	}
	return plans, rows.Err()
}

// FetchPlan returns a single plan.
func (r *Repository) FetchPlan(ctx context.Context, id PlanID) (PlanRecord, error) {
	plan, err := scanPlan(r.pool.QueryRow(ctx, `SELECT `+planColumns+` FROM audit_plans WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return PlanRecord{}, fmt.Errorf("%w: plan %s", ErrNotFound, id)
	}
	return plan, err
}

// FetchTeam returns the plan's roster.
func (r *Repository) FetchTeam(ctx context.Context, auditID PlanID) ([]TeamMember, error) {
	rows, err := r.pool.Query(ctx, `SELECT audit_id, user_id, role_in_team, is_lead
FROM audit_plan_team WHERE audit_id=$1 ORDER BY is_lead DESC, user_id`, auditID)
	if err != nil {
		return nil, fmt.Errorf("auditplan: query team: %w", err)
	}
	defer rows.Close()
	members := make([]TeamMember, 0)
	for rows.Next() {
		var m TeamMember
		var role string
		if err := rows.Scan(&m.AuditID, &m.UserID, &role, &m.IsLead); err != nil {
			return nil, err
		}
		m.RoleInTeam = TeamRole(role)
		members = append(members, m)
	}
	return members, rows.Err()
}

// FetchScopeDepartments returns the plan's departments in entry order.
func (r *Repository) FetchScopeDepartments(ctx context.Context, auditID PlanID) ([]ScopeDepartment, error) {
	rows, err := r.pool.Query(ctx, `SELECT audit_id, dept_id, dept_name, sensitive_flag, sensitive_areas
FROM audit_plan_departments WHERE audit_id=$1 ORDER BY position, dept_id`, auditID)
	if err != nil {
		return nil, fmt.Errorf("auditplan: query departments: %w", err)
	}
	defer rows.Close()
	depts := make([]ScopeDepartment, 0)
	for rows.Next() {
		var d ScopeDepartment
		if err := rows.Scan(&d.AuditID, &d.DeptID, &d.DeptName, &d.SensitiveFlag, &d.SensitiveAreas); err != nil {
			return nil, err
		}
		depts = append(depts, d)
	}
	return depts, rows.Err()
}

// FetchChecklistMarks returns the plan's checklist marks.
func (r *Repository) FetchChecklistMarks(ctx context.Context, auditID PlanID) ([]ChecklistItemMark, error) {
	rows, err := r.pool.Query(ctx, `SELECT item_id, audit_id, is_marked
FROM audit_checklist_marks WHERE audit_id=$1 ORDER BY item_id`, auditID)
	if err != nil {
		return nil, fmt.Errorf("auditplan: query checklist marks: %w", err)
	}
	defer rows.Close()
	marks := make([]ChecklistItemMark, 0)
	for rows.Next() {
		var m ChecklistItemMark
		if err := rows.Scan(&m.ItemID, &m.AuditID, &m.IsMarked); err != nil {
			return nil, err
		}
		marks = append(marks, m)
	}
	return marks, rows.Err()
}

// SetChecklistMark flags or clears one checklist item.
func (r *Repository) SetChecklistMark(ctx context.Context, auditID PlanID, itemID ChecklistItemID, marked bool) error {
	tag, err := r.pool.Exec(ctx, `UPDATE audit_checklist_marks SET is_marked=$3, updated_at=NOW()
WHERE audit_id=$1 AND item_id=$2`, auditID, itemID, marked)
	if err != nil {
		return fmt.Errorf("auditplan: set checklist mark: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: checklist item %s on plan %s", ErrNotFound, itemID, auditID)
	}
	return nil
}

// FetchRevisionRequests lists requests matching filter, oldest first.
func (r *Repository) FetchRevisionRequests(ctx context.Context, filter RevisionFilter) ([]RevisionRequest, error) {
	var (
		conds []string
		args  []any
	)
	if filter.ID != "" {
		args = append(args, filter.ID)
		conds = append(conds, fmt.Sprintf("id=$%d", len(args)))
	}
	if filter.AuditID != "" {
		args = append(args, filter.AuditID)
		conds = append(conds, fmt.Sprintf("audit_id=$%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		conds = append(conds, fmt.Sprintf("status=$%d", len(args)))
	}
	query := `SELECT ` + revisionColumns + ` FROM audit_revision_requests`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY requested_at, id"
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("auditplan: query revision requests: %w", err)
	}
	defer rows.Close()
	reqs := make([]RevisionRequest, 0)
	for rows.Next() {
		req, err := scanRevision(rows)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, req)
	}
	return reqs, rows.Err()
}

// CommitTransition writes the new status guarded by the expected one. Entering
// InProgress also materialises one unmarked checklist row per item of the
// plan's templates, in the same transaction.
func (r *Repository) CommitTransition(ctx context.Context, id PlanID, expected Status, newStatus Status, rejection *Rejection) (PlanRecord, error) {
	var comment, by *string
	var at *time.Time
	if rejection != nil {
		c, b, t := rejection.Comment, string(rejection.By), rejection.At
		comment, by, at = &c, &b, &t
	}
	var plan PlanRecord
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		var err error
		plan, err = scanPlan(tx.QueryRow(ctx, `UPDATE audit_plans
SET status=$3, rejection_comment=$4, rejection_by=$5, rejection_at=$6, updated_at=NOW()
WHERE id=$1 AND status=$2
RETURNING `+planColumns, id, string(expected), string(newStatus), comment, by, at))
		if errors.Is(err, pgx.ErrNoRows) {
			return missOrConflict(ctx, tx, `SELECT EXISTS (SELECT 1 FROM audit_plans WHERE id=$1)`, string(id),
				fmt.Sprintf("plan %s no longer %s", id, expected))
		}
		if err != nil {
			return fmt.Errorf("auditplan: commit transition: %w", err)
		}
		if newStatus != StatusInProgress {
			return nil
		}
		if _, err := tx.Exec(ctx, `INSERT INTO audit_checklist_marks (audit_id, item_id)
SELECT $1, item_id FROM audit_checklist_template_items WHERE template_id = ANY($2)
ON CONFLICT (audit_id, item_id) DO NOTHING`, string(id), templateStrings(plan.TemplateIDs)); err != nil {
			return fmt.Errorf("auditplan: open checklist: %w", err)
		}
		return nil
	})
	if err != nil {
		return PlanRecord{}, err
	}
	return plan, nil
}

// CommitRevisionResolution stores the answer and unmarks the plan's checklist
// items in one transaction.
func (r *Repository) CommitRevisionResolution(ctx context.Context, resolved RevisionRequest) (RevisionRequest, []ChecklistItemID, error) {
	var (
		saved    RevisionRequest
		unmarked []ChecklistItemID
	)
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		var err error
		saved, err = scanRevision(tx.QueryRow(ctx, `UPDATE audit_revision_requests
SET status=$2, response_comment=$3, responded_at=$4, responded_by=$5
WHERE id=$1 AND status='PENDING'
RETURNING `+revisionColumns, resolved.ID, string(resolved.Status), resolved.ResponseComment, resolved.RespondedAt, resolved.RespondedBy))
		if errors.Is(err, pgx.ErrNoRows) {
			return missOrConflict(ctx, tx, `SELECT EXISTS (SELECT 1 FROM audit_revision_requests WHERE id=$1)`, string(resolved.ID),
				fmt.Sprintf("revision request %s already resolved", resolved.ID))
		}
		if err != nil {
			return fmt.Errorf("auditplan: resolve revision request: %w", err)
		}
		rows, err := tx.Query(ctx, `UPDATE audit_checklist_marks SET is_marked=FALSE, updated_at=NOW()
WHERE audit_id=$1 AND is_marked RETURNING item_id`, saved.AuditID)
		if err != nil {
			return fmt.Errorf("auditplan: unmark checklist: %w", err)
		}
		unmarked, err = pgx.CollectRows(rows, pgx.RowTo[ChecklistItemID])
		if err != nil {
			return fmt.Errorf("auditplan: unmark checklist: %w", err)
		}
		return nil
	})
	if err != nil {
		return RevisionRequest{}, nil, err
	}
	return saved, unmarked, nil
}

// CreatePlan inserts the plan with its team and departments.
func (r *Repository) CreatePlan(ctx context.Context, plan PlanRecord, team []TeamMember, depts []ScopeDepartment) (PlanRecord, error) {
	var created PlanRecord
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		var err error
		created, err = scanPlan(tx.QueryRow(ctx, `INSERT INTO audit_plans
(id, title, objective, scope, status, created_by, start_date, end_date, template_ids, revised_from, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, ''), $11, $11)
RETURNING `+planColumns,
			plan.ID, plan.Title, plan.Objective, string(plan.Scope), string(plan.Status), plan.CreatedBy,
			nullableDate(plan.StartDate), nullableDate(plan.EndDate), templateStrings(plan.TemplateIDs), string(plan.RevisedFrom), plan.CreatedAt))
		if err != nil {
			return translateWriteError(err, fmt.Sprintf("plan %s", plan.ID))
		}
		if err := insertTeam(ctx, tx, team); err != nil {
			return err
		}
		return insertDepartments(ctx, tx, depts)
	})
	if err != nil {
		return PlanRecord{}, err
	}
	return created, nil
}

// ReplaceTeam swaps the plan's roster while its status still equals expected.
func (r *Repository) ReplaceTeam(ctx context.Context, id PlanID, expected Status, members []TeamMember) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if err := lockPlanStatus(ctx, tx, id, expected); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM audit_plan_team WHERE audit_id=$1`, id); err != nil {
			return fmt.Errorf("auditplan: clear team: %w", err)
		}
		return insertTeam(ctx, tx, members)
	})
}

// ReplaceScope swaps the plan's departments while its status still equals expected.
func (r *Repository) ReplaceScope(ctx context.Context, id PlanID, expected Status, depts []ScopeDepartment) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if err := lockPlanStatus(ctx, tx, id, expected); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM audit_plan_departments WHERE audit_id=$1`, id); err != nil {
			return fmt.Errorf("auditplan: clear departments: %w", err)
		}
		return insertDepartments(ctx, tx, depts)
	})
}

// CreateRevisionRequest inserts a pending request. The partial unique index on
// pending requests turns a racing duplicate into ErrDuplicatePending.
func (r *Repository) CreateRevisionRequest(ctx context.Context, req RevisionRequest) (RevisionRequest, error) {
	saved, err := scanRevision(r.pool.QueryRow(ctx, `INSERT INTO audit_revision_requests
(id, audit_id, requested_by, requested_at, status, comment)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING `+revisionColumns, req.ID, req.AuditID, req.RequestedBy, req.RequestedAt, string(req.Status), req.Comment))
	if err != nil {
		if db.ErrorCode(err) == db.CodeUniqueViolation && db.ConstraintName(err) == "audit_revision_requests_one_pending" {
			return RevisionRequest{}, fmt.Errorf("%w: plan %s", ErrDuplicatePending, req.AuditID)
		}
		return RevisionRequest{}, translateWriteError(err, fmt.Sprintf("revision request %s", req.ID))
	}
	return saved, nil
}

// UpsertPlan inserts or overwrites an imported plan together with its team and
// departments.
func (r *Repository) UpsertPlan(ctx context.Context, in ImportedPlan) error {
	plan := in.Plan
	var comment, by *string
	var at *time.Time
	if plan.Rejection != nil {
		c, b := plan.Rejection.Comment, string(plan.Rejection.By)
		comment, by = &c, &b
		if !plan.Rejection.At.IsZero() {
			t := plan.Rejection.At
			at = &t
		}
	}
	created := plan.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `INSERT INTO audit_plans
(id, title, objective, scope, status, created_by, start_date, end_date, rejection_comment, rejection_by, rejection_at,
 template_ids, revised_from, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NULLIF($13, ''), $14, NOW())
ON CONFLICT (id) DO UPDATE SET
 title=EXCLUDED.title, objective=EXCLUDED.objective, scope=EXCLUDED.scope, status=EXCLUDED.status,
 created_by=EXCLUDED.created_by, start_date=EXCLUDED.start_date, end_date=EXCLUDED.end_date,
 rejection_comment=EXCLUDED.rejection_comment, rejection_by=EXCLUDED.rejection_by, rejection_at=EXCLUDED.rejection_at,
 template_ids=EXCLUDED.template_ids, revised_from=EXCLUDED.revised_from, updated_at=NOW()`,
			plan.ID, plan.Title, plan.Objective, string(plan.Scope), string(plan.Status), plan.CreatedBy,
			nullableDate(plan.StartDate), nullableDate(plan.EndDate), comment, by, at,
			templateStrings(plan.TemplateIDs), string(plan.RevisedFrom), created)
		if err != nil {
			return translateWriteError(err, fmt.Sprintf("plan %s", plan.ID))
		}
		if _, err := tx.Exec(ctx, `DELETE FROM audit_plan_team WHERE audit_id=$1`, plan.ID); err != nil {
			return fmt.Errorf("auditplan: clear team: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM audit_plan_departments WHERE audit_id=$1`, plan.ID); err != nil {
			return fmt.Errorf("auditplan: clear departments: %w", err)
		}
		if err := insertTeam(ctx, tx, in.Team); err != nil {
			return err
		}
		return insertDepartments(ctx, tx, in.Departments)
	})
}

func missOrConflict(ctx context.Context, q queryer, existsSQL, id, conflict string) error {
	var exists bool
	if err := q.QueryRow(ctx, existsSQL, id).Scan(&exists); err != nil {
		return fmt.Errorf("auditplan: check existence: %w", err)
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return fmt.Errorf("%w: %s", ErrConcurrentModification, conflict)
}

func lockPlanStatus(ctx context.Context, tx pgx.Tx, id PlanID, expected Status) error {
	var current string
	err := tx.QueryRow(ctx, `SELECT status FROM audit_plans WHERE id=$1 FOR UPDATE`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: plan %s", ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("auditplan: lock plan: %w", err)
	}
	if Status(current) != expected {
		return fmt.Errorf("%w: plan %s is %s, expected %s", ErrConcurrentModification, id, current, expected)
	}
	return nil
}

func insertTeam(ctx context.Context, tx pgx.Tx, members []TeamMember) error {
	if len(members) == 0 {
		return nil
	}
	rows := make([][]any, 0, len(members))
	for _, m := range members {
		rows = append(rows, []any{string(m.AuditID), string(m.UserID), string(m.RoleInTeam), m.IsLead})
	}
	_, err := tx.CopyFrom(ctx, pgx.Identifier{"audit_plan_team"}, []string{"audit_id", "user_id", "role_in_team", "is_lead"}, pgx.CopyFromRows(rows))
	if err != nil {
		return translateWriteError(err, "team")
	}
	return nil
}

func insertDepartments(ctx context.Context, tx pgx.Tx, depts []ScopeDepartment) error {
	for i, d := range depts {
		areas := d.SensitiveAreas
		if areas == nil {
			areas = []string{}
		}
		_, err := tx.Exec(ctx, `INSERT INTO audit_plan_departments
(audit_id, dept_id, dept_name, sensitive_flag, sensitive_areas, position) VALUES ($1, $2, $3, $4, $5, $6)`,
			d.AuditID, d.DeptID, d.DeptName, d.SensitiveFlag, areas, i)
		if err != nil {
			return translateWriteError(err, fmt.Sprintf("department %s", d.DeptID))
		}
	}
	return nil
}

func translateWriteError(err error, subject string) error {
	switch db.ErrorCode(err) {
	case db.CodeUniqueViolation:
		return fmt.Errorf("%w: %s already exists", ErrValidation, subject)
	case db.CodeForeignKeyViolation:
		return fmt.Errorf("%w: %s references a missing record", ErrNotFound, subject)
	case db.CodeCheckViolation:
		return fmt.Errorf("%w: %s violates %s", ErrValidation, subject, db.ConstraintName(err))
	default:
		return fmt.Errorf("auditplan: write %s: %w", subject, err)
	}
}

func scanPlan(row pgx.Row) (PlanRecord, error) {
	var (
		p                 PlanRecord
		scope, status     string
		start, end        *time.Time
		rejComment, rejBy *string
		rejAt             *time.Time
		templates         []string
	)
	if err := row.Scan(&p.ID, &p.Title, &p.Objective, &scope, &status, &p.CreatedBy, &start, &end,
		&rejComment, &rejBy, &rejAt, &templates, &p.RevisedFrom, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return PlanRecord{}, err
	}
	parsed, err := ParseStatus(status)
	if err != nil {
		return PlanRecord{}, fmt.Errorf("auditplan: plan %s: %w", p.ID, err)
	}
	p.Status = parsed
	p.Scope = Scope(scope)
	if start != nil {
		p.StartDate = *start
	}
	if end != nil {
		p.EndDate = *end
	}
	if rejBy != nil {
		p.Rejection = &Rejection{By: RejectedBy(*rejBy)}
		if rejComment != nil {
			p.Rejection.Comment = *rejComment
		}
		if rejAt != nil {
			p.Rejection.At = *rejAt
		}
	}
	for _, t := range templates {
		p.TemplateIDs = append(p.TemplateIDs, TemplateID(t))
	}
	return p, nil
}

func scanRevision(row pgx.Row) (RevisionRequest, error) {
	var req RevisionRequest
	var status string
	if err := row.Scan(&req.ID, &req.AuditID, &req.RequestedBy, &req.RequestedAt, &status, &req.Comment,
		&req.ResponseComment, &req.RespondedAt, &req.RespondedBy); err != nil {
		return RevisionRequest{}, err
	}
	req.Status = RevisionStatus(status)
	return req, nil
}

func nullableDate(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func templateStrings(ids []TemplateID) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, string(id))
	}
	return out
}
