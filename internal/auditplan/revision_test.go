package auditplan

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestOpenRevisionRequest(t *testing.T) {
	at := time.Date(2024, 5, 20, 10, 0, 0, 0, time.UTC)
	req, err := OpenRevisionRequest(nil, "R1", "P2", "U1", "  need two more weeks ", at)
	require.NoError(t, err)
	require.Equal(t, RevisionPending, req.Status)
	require.Equal(t, "need two more weeks", req.Comment)
	require.Equal(t, at, req.RequestedAt)
	require.Nil(t, req.RespondedAt)

	_, err = OpenRevisionRequest([]RevisionRequest{req}, "R2", "P2", "U1", "again", at)
	require.ErrorIs(t, err, ErrDuplicatePending)

	_, err = OpenRevisionRequest([]RevisionRequest{req}, "R3", "P3", "U1", "other plan", at)
	require.NoError(t, err)

	_, err = OpenRevisionRequest(nil, "R4", "P2", "U1", " ", at)
	require.ErrorIs(t, err, ErrValidation)
}

func TestResolveRevisionIsWriteOnce(t *testing.T) {
	at := time.Date(2024, 5, 21, 10, 0, 0, 0, time.UTC)
	pending := RevisionRequest{ID: "R1", AuditID: "P2", Status: RevisionPending, Comment: "extend"}

	approved, err := ResolveRevision(pending, DecisionApprove, "Dr1", "granted", at)
	require.NoError(t, err)
	require.Equal(t, RevisionApproved, approved.Status)
	require.Equal(t, UserID("Dr1"), approved.RespondedBy)
	require.Equal(t, "granted", approved.ResponseComment)
	require.Equal(t, at, *approved.RespondedAt)
	require.Equal(t, RevisionPending, pending.Status)

	_, err = ResolveRevision(approved, DecisionReject, "Dr1", "", at)
	require.ErrorIs(t, err, ErrInvalidTransition)

	rejected, err := ResolveRevision(pending, DecisionReject, "Dr1", "", at)
	require.NoError(t, err)
	require.Equal(t, RevisionRejected, rejected.Status)

	_, err = ResolveRevision(pending, Decision("Maybe"), "Dr1", "", at)
	require.ErrorIs(t, err, ErrValidation)
}

func TestLatestResolved(t *testing.T) {
	t1 := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	t2 := t1.Add(48 * time.Hour)
	reqs := []RevisionRequest{
		{ID: "R1", AuditID: "P2", Status: RevisionApproved, RespondedAt: &t2},
		{ID: "R2", AuditID: "P2", Status: RevisionRejected, RespondedAt: &t1},
		{ID: "R3", AuditID: "P2", Status: RevisionPending},
		{ID: "R4", AuditID: "P9", Status: RevisionRejected, RespondedAt: &t2},
	}
	latest, ok := LatestResolved(reqs, "P2")
	require.True(t, ok)
	require.Equal(t, RequestID("R1"), latest.ID)

	pending, ok := PendingRevision(reqs, "P2")
	require.True(t, ok)
	require.Equal(t, RequestID("R3"), pending.ID)

	_, ok = LatestResolved(reqs, "P5")
	require.False(t, ok)
}

func TestParseDecision(t *testing.T) {
	d, err := ParseDecision("APPROVE")
	require.NoError(t, err)
	require.Equal(t, DecisionApprove, d)
	_, err = ParseDecision("approve")
	require.ErrorIs(t, err, ErrValidation)
}
