package memrepo

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-ai/parley/pkg/models"
)

func TestAuditRepo_TurnOrderMatchesCreationOrder(t *testing.T) {
	r := NewAuditRepo(NewStore())
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	// Serialized turns: turn numbers and timestamps advance together.
	// Save out of order to exercise the listing sort.
	for _, n := range []int{3, 1, 4, 2} {
		require.NoError(t, r.SaveTurnRecord(ctx, testTenant, &models.TurnRecord{
			SessionID:  "s1",
			TurnNumber: n,
			CreatedAt:  base.Add(time.Duration(n) * time.Minute),
		}))
	}

	records, err := r.ListTurnRecords(ctx, testTenant, "s1", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, records, 4)

	// TurnNumber order and CreatedAt order are the same total order.
	assert.True(t, sort.SliceIsSorted(records, func(i, j int) bool {
		return records[i].TurnNumber < records[j].TurnNumber
	}))
	assert.True(t, sort.SliceIsSorted(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	}))
	for i, rec := range records {
		assert.Equal(t, i+1, rec.TurnNumber)
	}
}

func TestAuditRepo_ListedRecordsAreIsolatedCopies(t *testing.T) {
	r := NewAuditRepo(NewStore())
	ctx := context.Background()

	require.NoError(t, r.SaveTurnRecord(ctx, testTenant, &models.TurnRecord{
		SessionID:    "s1",
		TurnNumber:   1,
		Response:     "All set.",
		MatchedRules: []string{"discount-cap"},
	}))
	require.NoError(t, r.SaveAuditEvent(ctx, testTenant, &models.AuditEvent{
		SessionID: "s1",
		Kind:      "turn.completed",
		Payload:   map[string]any{"enforcement_passed": true},
	}))

	records, err := r.ListTurnRecords(ctx, testTenant, "s1", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	records[0].Response = "tampered"
	records[0].MatchedRules[0] = "tampered"

	events, err := r.ListAuditEvents(ctx, testTenant, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	events[0].Kind = "tampered"
	events[0].Payload["enforcement_passed"] = false

	// Stored state is unaffected by mutations of listed copies.
	records, err = r.ListTurnRecords(ctx, testTenant, "s1", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "All set.", records[0].Response)
	assert.Equal(t, []string{"discount-cap"}, records[0].MatchedRules)

	events, err = r.ListAuditEvents(ctx, testTenant, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "turn.completed", events[0].Kind)
	assert.Equal(t, true, events[0].Payload["enforcement_passed"])
}
