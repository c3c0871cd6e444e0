package consolidate

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	v1 "github.com/braidlab/braid/internal/api/v1"
	"github.com/braidlab/braid/internal/core/storage"
	"github.com/braidlab/braid/internal/core/storage/memory"
	"github.com/braidlab/braid/internal/policy"
)

func analysisBead(id, threadID string, confidence float64, findings ...map[string]interface{}) *v1.Bead {
	raw := make([]interface{}, len(findings))
	for i, f := range findings {
		raw[i] = f
	}
	return &v1.Bead{
		ID:             id,
		ParentID:       v1.RootParent,
		ThreadID:       threadID,
		Timestamp:      time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		Source:         "patterns",
		Kind:           v1.KindAnalysisResult,
		IdempotencyKey: "result:" + id,
		Confidence:     confidence,
		Payload:        map[string]interface{}{"findings": raw},
	}
}

func finding(title, file, severity string, confirmed bool) map[string]interface{} {
	return map[string]interface{}{
		"title":     title,
		"file":      file,
		"severity":  severity,
		"confirmed": confirmed,
	}
}

func TestConsolidate_VerdictRule(t *testing.T) {
	tests := []struct {
		name     string
		findings []map[string]interface{}
		want     Verdict
	}{
		{
			name:     "critical blocks",
			findings: []map[string]interface{}{finding("RCE", "a.go", "CRITICAL", false)},
			want:     VerdictBlock,
		},
		{
			name:     "confirmed high blocks",
			findings: []map[string]interface{}{finding("SQLi", "a.go", "HIGH", true)},
			want:     VerdictBlock,
		},
		{
			name:     "unconfirmed high warns",
			findings: []map[string]interface{}{finding("SQLi", "a.go", "HIGH", false)},
			want:     VerdictWarn,
		},
		{
			name:     "medium warns",
			findings: []map[string]interface{}{finding("Weak hash", "a.go", "MEDIUM", false)},
			want:     VerdictWarn,
		},
		{
			name:     "low passes",
			findings: []map[string]interface{}{finding("Style", "a.go", "LOW", true)},
			want:     VerdictPass,
		},
		{
			name: "worst finding wins across the set",
			findings: []map[string]interface{}{
				finding("Style", "a.go", "LOW", false),
				finding("RCE", "b.go", "CRITICAL", false),
				finding("Weak hash", "c.go", "MEDIUM", false),
			},
			want: VerdictBlock,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := memory.New()
			ctx := context.Background()
			require.NoError(t, store.Append(ctx, analysisBead("B-a1", "run-1", 0.9, tt.findings...)))

			res, err := New(store, nil).Consolidate(ctx, "run-1")
			require.NoError(t, err)
			require.Equal(t, tt.want, res.Verdict)
			require.False(t, res.NoFindings)
			require.NotEmpty(t, res.BeadID)
		})
	}
}

func TestConsolidate_NoFindingsPasses(t *testing.T) {
	t.Run("no analysis beads at all", func(t *testing.T) {
		store := memory.New()
		ctx := context.Background()

		res, err := New(store, nil).Consolidate(ctx, "run-empty")
		require.NoError(t, err)
		require.Equal(t, VerdictPass, res.Verdict)
		require.True(t, res.NoFindings)
		require.True(t, res.RiskScore.IsZero())

		// The PASS is still recorded as a verdict bead.
		bead, err := store.GetByID(ctx, res.BeadID)
		require.NoError(t, err)
		require.Equal(t, v1.KindVerdict, bead.Kind)
		require.Equal(t, "PASS", bead.Payload["verdict"])
		require.Equal(t, true, bead.Payload["no_findings"])
	})

	t.Run("analysis beads with empty finding lists", func(t *testing.T) {
		store := memory.New()
		ctx := context.Background()
		require.NoError(t, store.Append(ctx, analysisBead("B-a1", "run-1", 0.9)))

		res, err := New(store, nil).Consolidate(ctx, "run-1")
		require.NoError(t, err)
		require.Equal(t, VerdictPass, res.Verdict)
		require.True(t, res.NoFindings)
	})
}

func TestConsolidate_MergesByFingerprint(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	// Two workers report the same finding at different severities.
	f1 := finding("SQL Injection", "db.go", "MEDIUM", false)
	f1["assumptions"] = []interface{}{"user input reaches query"}
	f2 := finding("SQL Injection", "db.go", "HIGH", true)
	f2["assumptions"] = []interface{}{"no sanitizer on path"}

	require.NoError(t, store.Append(ctx, analysisBead("B-a1", "run-1", 0.9, f1)))
	require.NoError(t, store.Append(ctx, analysisBead("B-a2", "run-1", 0.7, f2)))

	res, err := New(store, nil).Consolidate(ctx, "run-1")
	require.NoError(t, err)

	require.Len(t, res.Findings, 1, "same fingerprint must merge to one finding")
	merged := res.Findings[0]
	require.Equal(t, v1.SevHigh, merged.Severity, "highest severity wins")
	require.True(t, merged.Confirmed, "confirmed is sticky across instances")
	require.ElementsMatch(t,
		[]string{"user input reaches query", "no sanitizer on path"},
		merged.Assumptions)

	// Confirmed HIGH blocks.
	require.Equal(t, VerdictBlock, res.Verdict)

	// Verdict bead confidence is the minimum across contributing beads.
	bead, err := store.GetByID(ctx, res.BeadID)
	require.NoError(t, err)
	require.Equal(t, 0.7, bead.Confidence)
}

func TestConsolidate_MergeCommutes(t *testing.T) {
	// A confirmed MEDIUM and an unconfirmed HIGH of the same fingerprint
	// must produce the same verdict no matter which bead lands first.
	ctx := context.Background()

	for _, order := range []struct {
		name  string
		first string
		last  string
	}{
		{name: "confirmed medium first", first: "MEDIUM", last: "HIGH"},
		{name: "unconfirmed high first", first: "HIGH", last: "MEDIUM"},
	} {
		t.Run(order.name, func(t *testing.T) {
			store := memory.New()
			mk := func(sev string) map[string]interface{} {
				return finding("SQL Injection", "db.go", sev, sev == "MEDIUM")
			}
			require.NoError(t, store.Append(ctx, analysisBead("B-a1", "run-1", 0.9, mk(order.first))))
			require.NoError(t, store.Append(ctx, analysisBead("B-a2", "run-1", 0.9, mk(order.last))))

			res, err := New(store, nil).Consolidate(ctx, "run-1")
			require.NoError(t, err)

			require.Len(t, res.Findings, 1)
			require.Equal(t, v1.SevHigh, res.Findings[0].Severity)
			require.True(t, res.Findings[0].Confirmed)
			require.Equal(t, VerdictBlock, res.Verdict)
		})
	}
}

func TestConsolidate_DistinctFindingsStaySeparate(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, analysisBead("B-a1", "run-1", 0.9,
		finding("SQL Injection", "db.go", "HIGH", false),
		finding("SQL Injection", "api.go", "HIGH", false))))

	res, err := New(store, nil).Consolidate(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, res.Findings, 2, "different files are different findings")
	require.Equal(t, 2, res.BySeverity[v1.SevHigh])
}

func TestConsolidate_RiskScore(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, analysisBead("B-a1", "run-1", 0.9,
		finding("A", "a.go", "CRITICAL", false), // 10
		finding("B", "b.go", "HIGH", true),      // 5 * 1.5
		finding("C", "c.go", "LOW", false))))    // 0.5

	res, err := New(store, nil).Consolidate(ctx, "run-1")
	require.NoError(t, err)
	require.True(t, res.RiskScore.Equal(decimal.RequireFromString("18")),
		"risk score = %s", res.RiskScore)
}

func TestConsolidate_PolicyEscalation(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, analysisBead("B-a1", "run-1", 0.9,
		finding("Hardcoded secret", "cfg.go", "MEDIUM", false))))

	rules := []policy.Rule{{
		Name:        "block-secrets",
		Category:    "",
		MinSeverity: v1.SevMedium,
		Verdict:     "BLOCK",
	}}

	res, err := New(store, rules).Consolidate(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, VerdictBlock, res.Verdict, "policy escalates MEDIUM to BLOCK")
}

func TestConsolidate_PolicyNeverDowngrades(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, analysisBead("B-a1", "run-1", 0.9,
		finding("RCE", "a.go", "CRITICAL", false))))

	rules := []policy.Rule{{
		Name:        "warn-everything",
		MinSeverity: v1.SevInfo,
		Verdict:     "WARN",
	}}

	res, err := New(store, rules).Consolidate(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, VerdictBlock, res.Verdict)
}

func TestConsolidate_IdempotentVerdict(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, analysisBead("B-a1", "run-1", 0.9,
		finding("SQLi", "a.go", "HIGH", false))))

	c := New(store, nil)
	first, err := c.Consolidate(ctx, "run-1")
	require.NoError(t, err)
	require.False(t, first.AlreadyRecorded)

	second, err := c.Consolidate(ctx, "run-1")
	require.NoError(t, err)
	require.True(t, second.AlreadyRecorded)
	require.Equal(t, first.BeadID, second.BeadID, "reconsolidation reuses the recorded verdict bead")

	verdicts, err := store.Query(ctx, storage.Filter{ThreadID: "run-1", Kind: v1.KindVerdict})
	require.NoError(t, err)
	require.Len(t, verdicts, 1, "exactly one verdict bead per run")
}

func TestWorse(t *testing.T) {
	require.Equal(t, VerdictBlock, Worse(VerdictPass, VerdictBlock))
	require.Equal(t, VerdictBlock, Worse(VerdictBlock, VerdictWarn))
	require.Equal(t, VerdictWarn, Worse(VerdictWarn, VerdictPass))
	require.Equal(t, VerdictPass, Worse(VerdictPass, VerdictPass))
}

func TestConsolidate_VerdictChainsToPlan(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	plan := &v1.Bead{
		ID:             "B-plan",
		ParentID:       v1.RootParent,
		ThreadID:       "run-1",
		Timestamp:      time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		Source:         "pipeline",
		Kind:           v1.KindPlan,
		IdempotencyKey: "plan:run-1",
		Confidence:     1.0,
	}
	require.NoError(t, store.Append(ctx, plan))

	res, err := New(store, nil).Consolidate(ctx, "run-1")
	require.NoError(t, err)

	bead, err := store.GetByID(ctx, res.BeadID)
	require.NoError(t, err)
	require.Equal(t, "B-plan", bead.ParentID)
}
