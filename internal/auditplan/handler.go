package auditplan

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/odyssey-audit/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-audit/internal/shared"
)

const dateLayout = "2006-01-02"

var problems = httpx.ErrorMapper{
	{Err: ErrInvalidTransition, Status: http.StatusConflict, Type: "/problems/invalid-transition", Title: "Invalid Transition"},
	{Err: ErrForbiddenActor, Status: http.StatusForbidden, Type: "/problems/forbidden-actor", Title: "Not Permitted"},
	{Err: ErrValidation, Status: http.StatusUnprocessableEntity, Type: "/problems/validation", Title: "Validation Failed"},
	{Err: ErrDuplicatePending, Status: http.StatusConflict, Type: "/problems/duplicate-pending", Title: "Revision Request Pending"},
	{Err: ErrConcurrentModification, Status: http.StatusConflict, Type: "/problems/concurrent-modification", Title: "Plan Changed"},
	{Err: ErrNotFound, Status: http.StatusNotFound, Type: "/problems/not-found", Title: "Not Found"},
	{Err: shared.ErrIdempotencyConflict, Status: http.StatusConflict, Type: "/problems/duplicate-request", Title: "Duplicate Request"},
}

// Handler exposes the plan lifecycle over JSON.
type Handler struct {
	service  *Service
	logger   *slog.Logger
	validate *validator.Validate
	writes   func(http.Handler) http.Handler
}

// NewHandler constructs the HTTP handler. writesPerMinute bounds mutating
// requests per actor; zero disables the limit.
func NewHandler(service *Service, logger *slog.Logger, writesPerMinute int) *Handler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	writes := func(next http.Handler) http.Handler { return next }
	if writesPerMinute > 0 {
		writes = httprate.Limit(writesPerMinute, time.Minute, httprate.WithKeyFuncs(actorKey))
	}
	return &Handler{service: service, logger: logger, validate: validator.New(), writes: writes}
}

// MountRoutes registers plan routes. The caller installs actor resolution.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.listPlans)
	r.Get("/{id}", h.planDetail)
	r.Get("/{id}/actions", h.allowedActions)
	r.Get("/{id}/history", h.history)
	r.Get("/{id}/revision-requests", h.listRevisionRequests)

	r.Group(func(r chi.Router) {
		r.Use(h.writes)
		r.Post("/", h.createPlan)
		r.Post("/{id}/actions/{action}", h.applyAction)
		r.Put("/{id}/team", h.replaceTeam)
		r.Put("/{id}/scope", h.replaceScope)
		r.Post("/{id}/recreate", h.recreatePlan)
		r.Post("/{id}/revision-requests", h.createRevisionRequest)
		r.Post("/revision-requests/{requestID}/resolve", h.resolveRevisionRequest)
		r.Put("/{id}/checklist/{itemID}", h.setChecklistMark)
	})
}

func actorKey(r *http.Request) (string, error) {
	if actor, ok := ActorFromContext(r.Context()); ok {
		return "actor:" + string(actor.ID), nil
	}
	return httprate.KeyByIP(r)
}

type planResponse struct {
	ID          string             `json:"id"`
	Title       string             `json:"title"`
	Objective   string             `json:"objective"`
	Scope       Scope              `json:"scope"`
	Status      Status             `json:"status"`
	CreatedBy   string             `json:"created_by"`
	StartDate   string             `json:"start_date,omitempty"`
	EndDate     string             `json:"end_date,omitempty"`
	Rejection   *rejectionResponse `json:"rejection,omitempty"`
	TemplateIDs []TemplateID       `json:"template_ids"`
	RevisedFrom string             `json:"revised_from,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

type rejectionResponse struct {
	Comment string     `json:"comment"`
	By      RejectedBy `json:"by"`
	At      time.Time  `json:"at"`
}

type teamMemberJSON struct {
	UserID     string   `json:"user_id" validate:"required"`
	RoleInTeam TeamRole `json:"role_in_team" validate:"required,oneof=AUDITOR LEAD_AUDITOR AUDITEE_OWNER"`
	IsLead     bool     `json:"is_lead"`
}

type departmentJSON struct {
	DeptID         string   `json:"dept_id" validate:"required"`
	DeptName       string   `json:"dept_name" validate:"max=200"`
	SensitiveFlag  bool     `json:"sensitive_flag"`
	SensitiveAreas []string `json:"sensitive_areas"`
}

type checklistMarkJSON struct {
	ItemID   ChecklistItemID `json:"item_id"`
	IsMarked bool            `json:"is_marked"`
}

type revisionResponse struct {
	ID              RequestID      `json:"id"`
	AuditID         PlanID         `json:"audit_id"`
	RequestedBy     UserID         `json:"requested_by"`
	RequestedAt     time.Time      `json:"requested_at"`
	Status          RevisionStatus `json:"status"`
	Comment         string         `json:"comment"`
	ResponseComment string         `json:"response_comment,omitempty"`
	RespondedAt     *time.Time     `json:"responded_at,omitempty"`
	RespondedBy     UserID         `json:"responded_by,omitempty"`
}

type detailResponse struct {
	Plan             planResponse        `json:"plan"`
	Team             []teamMemberJSON    `json:"team"`
	Departments      []departmentJSON    `json:"departments"`
	ChecklistMarks   []checklistMarkJSON `json:"checklist_marks"`
	RevisionRequests []revisionResponse  `json:"revision_requests"`
	AllowedActions   []Action            `json:"allowed_actions"`
}

func toPlanResponse(p PlanRecord) planResponse {
	out := planResponse{
		ID:          string(p.ID),
		Title:       p.Title,
		Objective:   p.Objective,
		Scope:       p.Scope,
		Status:      p.Status,
		CreatedBy:   string(p.CreatedBy),
		TemplateIDs: p.TemplateIDs,
		RevisedFrom: string(p.RevisedFrom),
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
	if out.TemplateIDs == nil {
		out.TemplateIDs = []TemplateID{}
	}
	if !p.StartDate.IsZero() {
		out.StartDate = p.StartDate.Format(dateLayout)
	}
	if !p.EndDate.IsZero() {
		out.EndDate = p.EndDate.Format(dateLayout)
	}
	if p.Rejection != nil {
		out.Rejection = &rejectionResponse{Comment: p.Rejection.Comment, By: p.Rejection.By, At: p.Rejection.At}
	}
	return out
}

func toRevisionResponse(r RevisionRequest) revisionResponse {
	return revisionResponse(r)
}

func toTeamJSON(members []TeamMember) []teamMemberJSON {
	out := make([]teamMemberJSON, 0, len(members))
	for _, m := range members {
		out = append(out, teamMemberJSON{UserID: string(m.UserID), RoleInTeam: m.RoleInTeam, IsLead: m.IsLead})
	}
	return out
}

func toDepartmentJSON(depts []ScopeDepartment) []departmentJSON {
	out := make([]departmentJSON, 0, len(depts))
	for _, d := range depts {
		areas := d.SensitiveAreas
		if areas == nil {
			areas = []string{}
		}
		out = append(out, departmentJSON{DeptID: string(d.DeptID), DeptName: d.DeptName, SensitiveFlag: d.SensitiveFlag, SensitiveAreas: areas})
	}
	return out
}

func (h *Handler) actor(w http.ResponseWriter, r *http.Request) (Actor, bool) {
	actor, ok := ActorFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
	}
	return actor, ok
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := problems.Respond(w, err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("audit plan request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	}
}

// decode reads and validates the body; failures surface as ErrValidation.
func (h *Handler) decode(r *http.Request, dst any) error {
	if err := httpx.DecodeJSON(r, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrValidation, strings.Join(fields, "; "))
		}
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

func (h *Handler) listPlans(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	plans, err := h.service.VisiblePlansFor(r.Context(), actor)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if raw := r.URL.Query().Get("status"); raw != "" {
		status, err := ParseStatus(raw)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		filtered := plans[:0]
		for _, p := range plans {
			if p.Status == status {
				filtered = append(filtered, p)
			}
		}
		plans = filtered
	}
	page := shared.PaginationFromRequest(r, len(plans))
	start, end := page.Bounds()
	data := make([]planResponse, 0, end-start)
	for _, p := range plans[start:end] {
		data = append(data, toPlanResponse(p))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"data": data, "pagination": page})
}

type createPlanRequest struct {
	Title       string           `json:"title" validate:"required,max=200"`
	Objective   string           `json:"objective" validate:"max=4000"`
	Scope       Scope            `json:"scope" validate:"required,oneof=DEPARTMENT ENTIRE_ORGANIZATION"`
	StartDate   string           `json:"start_date" validate:"required,datetime=2006-01-02"`
	EndDate     string           `json:"end_date" validate:"required,datetime=2006-01-02"`
	TemplateIDs []TemplateID     `json:"template_ids"`
	Team        []teamMemberJSON `json:"team" validate:"dive"`
	Departments []departmentJSON `json:"departments" validate:"dive"`
}

func (h *Handler) createPlan(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req createPlanRequest
	if err := h.decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	start, _ := time.Parse(dateLayout, req.StartDate)
	end, _ := time.Parse(dateLayout, req.EndDate)
	plan, err := h.service.CreatePlan(r.Context(), actor, CreatePlanInput{
		Title:       req.Title,
		Objective:   req.Objective,
		Scope:       req.Scope,
		StartDate:   start,
		EndDate:     end,
		TemplateIDs: req.TemplateIDs,
		Team:        teamInputs(req.Team),
		Departments: departmentInputs(req.Departments),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.Header().Set("Location", "/audit-plans/"+string(plan.ID))
	httpx.JSON(w, http.StatusCreated, toPlanResponse(plan))
}

func (h *Handler) planDetail(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	detail, err := h.service.PlanDetail(r.Context(), actor, PlanID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	marks := make([]checklistMarkJSON, 0, len(detail.ChecklistMarks))
	for _, m := range detail.ChecklistMarks {
		marks = append(marks, checklistMarkJSON{ItemID: m.ItemID, IsMarked: m.IsMarked})
	}
	reqs := make([]revisionResponse, 0, len(detail.RevisionRequests))
	for _, req := range detail.RevisionRequests {
		reqs = append(reqs, toRevisionResponse(req))
	}
	httpx.JSON(w, http.StatusOK, detailResponse{
		Plan:             toPlanResponse(detail.Plan),
		Team:             toTeamJSON(detail.Team),
		Departments:      toDepartmentJSON(detail.Departments),
		ChecklistMarks:   marks,
		RevisionRequests: reqs,
		AllowedActions:   detail.AllowedActions,
	})
}

func (h *Handler) allowedActions(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	actions, err := h.service.AllowedActionsFor(r.Context(), actor, PlanID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"actions": actions})
}

type applyActionRequest struct {
	Comment        string `json:"comment" validate:"max=2000"`
	ExpectedStatus string `json:"expected_status"`
}

func (h *Handler) applyAction(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	action, err := ParseAction(chi.URLParam(r, "action"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req applyActionRequest
	if r.ContentLength != 0 {
		if err := h.decode(r, &req); err != nil {
			h.fail(w, r, err)
			return
		}
	}
	var expected Status
	if req.ExpectedStatus != "" {
		if expected, err = ParseStatus(req.ExpectedStatus); err != nil {
			h.fail(w, r, err)
			return
		}
	}
	plan, err := h.service.ApplyAction(r.Context(), actor, ActionRequest{
		PlanID:         PlanID(chi.URLParam(r, "id")),
		Action:         action,
		Comment:        req.Comment,
		ExpectedStatus: expected,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toPlanResponse(plan))
}

type replaceTeamRequest struct {
	Members []teamMemberJSON `json:"members" validate:"dive"`
}

func (h *Handler) replaceTeam(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req replaceTeamRequest
	if err := h.decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	team, err := h.service.ReplaceTeam(r.Context(), actor, PlanID(chi.URLParam(r, "id")), teamInputs(req.Members))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"members": toTeamJSON(team)})
}

type replaceScopeRequest struct {
	Departments []departmentJSON `json:"departments" validate:"dive"`
}

func (h *Handler) replaceScope(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req replaceScopeRequest
	if err := h.decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	depts, err := h.service.ReplaceScope(r.Context(), actor, PlanID(chi.URLParam(r, "id")), departmentInputs(req.Departments))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"departments": toDepartmentJSON(depts)})
}

func (h *Handler) recreatePlan(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	plan, err := h.service.RecreatePlan(r.Context(), actor, PlanID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.Header().Set("Location", "/audit-plans/"+string(plan.ID))
	httpx.JSON(w, http.StatusCreated, toPlanResponse(plan))
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	logs, err := h.service.History(r.Context(), actor, PlanID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"history": logs})
}

func (h *Handler) listRevisionRequests(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	reqs, err := h.service.RevisionRequests(r.Context(), actor, PlanID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]revisionResponse, 0, len(reqs))
	for _, req := range reqs {
		out = append(out, toRevisionResponse(req))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"revision_requests": out})
}

type createRevisionRequest struct {
	Comment string `json:"comment" validate:"required,max=2000"`
}

func (h *Handler) createRevisionRequest(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req createRevisionRequest
	if err := h.decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	saved, err := h.service.CreateRevisionRequest(r.Context(), actor, PlanID(chi.URLParam(r, "id")), req.Comment)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toRevisionResponse(saved))
}

type resolveRevisionRequest struct {
	Decision string `json:"decision" validate:"required,oneof=APPROVE REJECT"`
	Comment  string `json:"comment" validate:"max=2000"`
}

func (h *Handler) resolveRevisionRequest(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req resolveRevisionRequest
	if err := h.decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	decision, err := ParseDecision(req.Decision)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.service.ResolveRevisionRequest(r.Context(), actor, RequestID(chi.URLParam(r, "requestID")), decision, req.Comment)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"request":           toRevisionResponse(res.Request),
		"unmarked_item_ids": res.UnmarkedItemIDs,
	})
}

type checklistMarkRequest struct {
	Marked *bool `json:"marked" validate:"required"`
}

func (h *Handler) setChecklistMark(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req checklistMarkRequest
	if err := h.decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	itemID := ChecklistItemID(chi.URLParam(r, "itemID"))
	if err := h.service.SetChecklistMark(r.Context(), actor, PlanID(chi.URLParam(r, "id")), itemID, *req.Marked); err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, checklistMarkJSON{ItemID: itemID, IsMarked: *req.Marked})
}

func teamInputs(rows []teamMemberJSON) []TeamMemberInput {
	out := make([]TeamMemberInput, 0, len(rows))
	for _, m := range rows {
		out = append(out, TeamMemberInput{UserID: UserID(m.UserID), RoleInTeam: m.RoleInTeam, IsLead: m.IsLead})
	}
	return out
}

func departmentInputs(rows []departmentJSON) []DepartmentInput {
	out := make([]DepartmentInput, 0, len(rows))
	for _, d := range rows {
		out = append(out, DepartmentInput{DeptID: DepartmentID(d.DeptID), DeptName: d.DeptName, SensitiveFlag: d.SensitiveFlag, SensitiveAreas: d.SensitiveAreas})
	}
	return out
}
