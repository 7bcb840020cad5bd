package auditplan

import (
	"context"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-audit/internal/shared"
)

type memoryStore struct {
	mu        sync.Mutex
	plans     map[PlanID]PlanRecord
	order     []PlanID
	team      map[PlanID][]TeamMember
	depts     map[PlanID][]ScopeDepartment
	marks     map[PlanID][]ChecklistItemMark
	revisions []RevisionRequest
	templates map[TemplateID][]ChecklistItemID

	fetchPlanCalls int
	commitErr      error
	unmarkErr      error
	beforeCommit   func()
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		plans:     make(map[PlanID]PlanRecord),
		team:      make(map[PlanID][]TeamMember),
		depts:     make(map[PlanID][]ScopeDepartment),
		marks:     make(map[PlanID][]ChecklistItemMark),
		templates: make(map[TemplateID][]ChecklistItemID),
	}
}

func (m *memoryStore) setTemplates(id PlanID, templates ...TemplateID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.plans[id]
	p.TemplateIDs = templates
	m.plans[id] = p
}

func (m *memoryStore) put(plan PlanRecord, team []TeamMember, depts []ScopeDepartment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.plans[plan.ID]; !ok {
		m.order = append(m.order, plan.ID)
	}
	m.plans[plan.ID] = plan
	m.team[plan.ID] = slices.Clone(team)
	m.depts[plan.ID] = slices.Clone(depts)
}

func (m *memoryStore) setStatus(id PlanID, status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.plans[id]
	p.Status = status
	m.plans[id] = p
}

func (m *memoryStore) setMarks(id PlanID, marks ...ChecklistItemMark) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marks[id] = marks
}

func (m *memoryStore) addRevision(req RevisionRequest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revisions = append(m.revisions, req)
}

func (m *memoryStore) plan(id PlanID) PlanRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.plans[id].Clone()
}

func (m *memoryStore) markedCount(id PlanID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, mark := range m.marks[id] {
		if mark.IsMarked {
			n++
		}
	}
	return n
}

func (m *memoryStore) FetchPlans(ctx context.Context) ([]PlanRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PlanRecord, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.plans[id].Clone())
	}
	return out, nil
}

func (m *memoryStore) FetchPlan(ctx context.Context, id PlanID) (PlanRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetchPlanCalls++
	p, ok := m.plans[id]
	if !ok {
		return PlanRecord{}, ErrNotFound
	}
	return p.Clone(), nil
}

func (m *memoryStore) FetchTeam(ctx context.Context, auditID PlanID) ([]TeamMember, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.team[auditID]), nil
}

func (m *memoryStore) FetchScopeDepartments(ctx context.Context, auditID PlanID) ([]ScopeDepartment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.depts[auditID]), nil
}

func (m *memoryStore) FetchChecklistMarks(ctx context.Context, auditID PlanID) ([]ChecklistItemMark, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.marks[auditID]), nil
}

func (m *memoryStore) SetChecklistMark(ctx context.Context, auditID PlanID, itemID ChecklistItemID, marked bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, mark := range m.marks[auditID] {
		if mark.ItemID == itemID {
			m.marks[auditID][i].IsMarked = marked
			return nil
		}
	}
	return ErrNotFound
}

func (m *memoryStore) FetchRevisionRequests(ctx context.Context, filter RevisionFilter) ([]RevisionRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []RevisionRequest
	for _, r := range m.revisions {
		if filter.ID != "" && r.ID != filter.ID {
			continue
		}
		if filter.AuditID != "" && r.AuditID != filter.AuditID {
			continue
		}
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (m *memoryStore) CommitTransition(ctx context.Context, id PlanID, expected Status, newStatus Status, rejection *Rejection) (PlanRecord, error) {
	if hook := m.beforeCommit; hook != nil {
		m.beforeCommit = nil
		hook()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.commitErr != nil {
		return PlanRecord{}, m.commitErr
	}
	p, ok := m.plans[id]
	if !ok {
		return PlanRecord{}, ErrNotFound
	}
	if p.Status != expected {
		return PlanRecord{}, ErrConcurrentModification
	}
	p.Status = newStatus
	p.Rejection = rejection
	m.plans[id] = p
	if newStatus == StatusInProgress {
		for _, tmpl := range p.TemplateIDs {
			for _, item := range m.templates[tmpl] {
				if !slices.ContainsFunc(m.marks[id], func(mark ChecklistItemMark) bool { return mark.ItemID == item }) {
					m.marks[id] = append(m.marks[id], ChecklistItemMark{ItemID: item, AuditID: id})
				}
			}
		}
	}
	return p.Clone(), nil
}

func (m *memoryStore) CommitRevisionResolution(ctx context.Context, resolved RevisionRequest) (RevisionRequest, []ChecklistItemID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := slices.IndexFunc(m.revisions, func(r RevisionRequest) bool { return r.ID == resolved.ID })
	if idx < 0 {
		return RevisionRequest{}, nil, ErrNotFound
	}
	if m.revisions[idx].Status != RevisionPending {
		return RevisionRequest{}, nil, ErrConcurrentModification
	}
	previous := m.revisions[idx]
	m.revisions[idx] = resolved
	if m.unmarkErr != nil {
		m.revisions[idx] = previous
		return RevisionRequest{}, nil, m.unmarkErr
	}
	var unmarked []ChecklistItemID
	for i, mark := range m.marks[resolved.AuditID] {
		if mark.IsMarked {
			m.marks[resolved.AuditID][i].IsMarked = false
			unmarked = append(unmarked, mark.ItemID)
		}
	}
	return resolved, unmarked, nil
}

func (m *memoryStore) CreatePlan(ctx context.Context, plan PlanRecord, team []TeamMember, depts []ScopeDepartment) (PlanRecord, error) {
	m.put(plan, team, depts)
	return plan.Clone(), nil
}

func (m *memoryStore) ReplaceTeam(ctx context.Context, id PlanID, expected Status, members []TeamMember) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.plans[id].Status != expected {
		return ErrConcurrentModification
	}
	m.team[id] = slices.Clone(members)
	return nil
}

func (m *memoryStore) ReplaceScope(ctx context.Context, id PlanID, expected Status, depts []ScopeDepartment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.plans[id].Status != expected {
		return ErrConcurrentModification
	}
	m.depts[id] = slices.Clone(depts)
	return nil
}

func (m *memoryStore) CreateRevisionRequest(ctx context.Context, req RevisionRequest) (RevisionRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := PendingRevision(m.revisions, req.AuditID); ok {
		return RevisionRequest{}, ErrDuplicatePending
	}
	m.revisions = append(m.revisions, req)
	return req, nil
}

// gatedStore parks the first FetchPlans call after it has read, until open is called.
type gatedStore struct {
	*memoryStore
	first   sync.Once
	once    sync.Once
	read    chan struct{}
	release chan struct{}
}

func newGatedStore(m *memoryStore) *gatedStore {
	return &gatedStore{memoryStore: m, read: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedStore) FetchPlans(ctx context.Context) ([]PlanRecord, error) {
	plans, err := g.memoryStore.FetchPlans(ctx)
	g.first.Do(func() {
		close(g.read)
		<-g.release
	})
	return plans, err
}

func (g *gatedStore) open() {
	g.once.Do(func() { close(g.release) })
}

type memoryApprovals struct {
	mu   sync.Mutex
	logs []shared.ApprovalLog
}

func (a *memoryApprovals) Record(ctx context.Context, log shared.ApprovalLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logs = append(a.logs, log)
	return nil
}

func (a *memoryApprovals) List(ctx context.Context, module string, ref uuid.UUID) ([]shared.ApprovalLog, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := []shared.ApprovalLog{}
	for _, l := range a.logs {
		if l.Module == module && l.RefID == ref {
			out = append(out, l)
		}
	}
	return out, nil
}

type memoryAudit struct {
	mu   sync.Mutex
	logs []shared.AuditLog
}

func (a *memoryAudit) Record(ctx context.Context, log shared.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logs = append(a.logs, log)
	return nil
}

func (a *memoryAudit) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.logs))
	for _, l := range a.logs {
		out = append(out, l.Action)
	}
	return out
}

type memoryIdempotency struct {
	mu   sync.Mutex
	keys map[string]string
}

func (m *memoryIdempotency) CheckAndInsert(ctx context.Context, key, module string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.keys == nil {
		m.keys = make(map[string]string)
	}
	if _, ok := m.keys[key]; ok {
		return shared.ErrIdempotencyConflict
	}
	m.keys[key] = module
	return nil
}

func (m *memoryIdempotency) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, key)
	return nil
}

type countingObserver struct {
	mu       sync.Mutex
	outcomes map[string]int
}

func (o *countingObserver) ObserveTransition(action, outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.outcomes == nil {
		o.outcomes = make(map[string]int)
	}
	o.outcomes[action+"/"+outcome]++
}

var fixedNow = time.Date(2024, 5, 14, 9, 30, 0, 0, time.UTC)

type fixture struct {
	store     *memoryStore
	approvals *memoryApprovals
	audit     *memoryAudit
	idem      *memoryIdempotency
	broker    *Broker
	service   *Service
}

func newFixture() *fixture {
	f := &fixture{
		store:     newMemoryStore(),
		approvals: &memoryApprovals{},
		audit:     &memoryAudit{},
		idem:      &memoryIdempotency{},
		broker:    NewBroker(32),
	}
	f.service = NewService(f.store, f.approvals, f.audit, f.idem, f.broker, nil)
	f.service.WithNow(func() time.Time { return fixedNow })
	seq := 0
	f.service.WithIDGenerator(func() string {
		seq++
		return "gen-" + strconv.Itoa(seq)
	})
	return f
}

var (
	auditorU1  = Actor{ID: "U1", Role: RoleAuditor}
	auditorU2  = Actor{ID: "U2", Role: RoleAuditor}
	memberU3   = Actor{ID: "U3", Role: RoleAuditor}
	leadL1     = Actor{ID: "L1", Role: RoleLeadAuditor}
	leadL2     = Actor{ID: "L2", Role: RoleLeadAuditor}
	directorD1 = Actor{ID: "Dr1", Role: RoleDirector}
	ownerD7    = Actor{ID: "O1", Role: RoleAuditeeOwner, Departments: []DepartmentID{"D7"}}
	ownerD9    = Actor{ID: "O2", Role: RoleAuditeeOwner, Departments: []DepartmentID{"D9"}}
)

// seedPlan stores plan P-style fixtures: created by U1, led by L1, U3 on the team, scoped to D7.
func (f *fixture) seedPlan(id PlanID, status Status) PlanRecord {
	plan := PlanRecord{
		ID:        id,
		Title:     "Audit " + string(id),
		Scope:     ScopeDepartmental,
		Status:    status,
		CreatedBy: auditorU1.ID,
		StartDate: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
		EndDate:   time.Date(2024, 5, 31, 0, 0, 0, 0, time.UTC),
		CreatedAt: fixedNow.Add(-48 * time.Hour),
	}
	switch status {
	case StatusDeclined:
		plan.Rejection = &Rejection{Comment: "incomplete scope", By: RejectedByLeadAuditor, At: fixedNow.Add(-time.Hour)}
	case StatusRejected:
		plan.Rejection = &Rejection{Comment: "budget exceeded", By: RejectedByDirector, At: fixedNow.Add(-time.Hour)}
	}
	f.store.put(plan,
		[]TeamMember{
			{AuditID: id, UserID: leadL1.ID, RoleInTeam: TeamRoleLeadAuditor, IsLead: true},
			{AuditID: id, UserID: memberU3.ID, RoleInTeam: TeamRoleAuditor},
		},
		[]ScopeDepartment{{AuditID: id, DeptID: "D7", DeptName: "Finance"}},
	)
	return plan
}
