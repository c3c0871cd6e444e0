package consolidate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	v1 "github.com/braidlab/braid/internal/api/v1"
	"github.com/braidlab/braid/internal/core/storage"
	"github.com/braidlab/braid/internal/policy"
	"github.com/shopspring/decimal"
)

// Verdict is the single terminal decision for a run.
// BLOCK > WARN > PASS is a total order; ties break toward the more severe
// outcome and verdicts are never averaged.
type Verdict string

const (
	VerdictBlock Verdict = "BLOCK"
	VerdictWarn  Verdict = "WARN"
	VerdictPass  Verdict = "PASS"
)

var verdictRank = map[Verdict]int{
	VerdictPass:  0,
	VerdictWarn:  1,
	VerdictBlock: 2,
}

// Worse returns the more severe of two verdicts.
func Worse(a, b Verdict) Verdict {
	if verdictRank[b] > verdictRank[a] {
		return b
	}
	return a
}

// Severity weights for the risk score. Decimal keeps sums exact across
// however many findings a run produces.
var severityWeights = map[v1.Severity]decimal.Decimal{
	v1.SevCritical: decimal.NewFromInt(10),
	v1.SevHigh:     decimal.NewFromInt(5),
	v1.SevMedium:   decimal.NewFromInt(2),
	v1.SevLow:      decimal.RequireFromString("0.5"),
	v1.SevInfo:     decimal.RequireFromString("0.1"),
}

var confirmedMultiplier = decimal.RequireFromString("1.5")

// Result is the consolidated outcome for one run.
type Result struct {
	ThreadID string
	Verdict  Verdict

	// NoFindings distinguishes "nothing was reported" from a PASS that
	// reviewed findings and cleared them.
	NoFindings bool

	Findings   []v1.Finding
	BySeverity map[v1.Severity]int
	RiskScore  decimal.Decimal

	// BeadID is the verdict bead. AlreadyRecorded is set when a prior
	// consolidation of the same run had appended it.
	BeadID          string
	AlreadyRecorded bool
}

// Consolidator merges all analysis-result beads of one run into exactly one
// verdict bead. Policy rules may escalate the default severity thresholds.
type Consolidator struct {
	store storage.LedgerStore
	rules []policy.Rule
}

// New creates a consolidator over store with optional escalation rules.
func New(store storage.LedgerStore, rules []policy.Rule) *Consolidator {
	return &Consolidator{store: store, rules: rules}
}

// Consolidate reads the run's analysis-result beads, merges findings by
// fingerprint, applies the decision rule and appends the verdict bead.
// Zero analysis results is not a failure: the verdict is PASS with an
// explicit no-findings marker.
func (c *Consolidator) Consolidate(ctx context.Context, threadID string) (*Result, error) {
	beads, err := c.store.Query(ctx, storage.Filter{
		ThreadID: threadID,
		Kind:     v1.KindAnalysisResult,
	})
	if err != nil {
		return nil, fmt.Errorf("query analysis results for %s: %w", threadID, err)
	}

	findings, assumptions, unknowns, confidence, err := mergeBeads(beads)
	if err != nil {
		return nil, err
	}

	res := &Result{
		ThreadID:   threadID,
		Verdict:    VerdictPass,
		NoFindings: len(beads) == 0 || len(findings) == 0,
		Findings:   findings,
		BySeverity: countBySeverity(findings),
		RiskScore:  riskScore(findings),
	}
	for _, f := range findings {
		res.Verdict = Worse(res.Verdict, c.verdictFor(f))
	}

	bead, err := c.appendVerdict(ctx, res, assumptions, unknowns, confidence)
	if err != nil {
		return nil, err
	}
	res.BeadID = bead.ID

	slog.Info("[Consolidator] Verdict recorded",
		"thread_id", threadID,
		"verdict", res.Verdict,
		"findings", len(res.Findings),
		"no_findings", res.NoFindings,
		"risk_score", res.RiskScore.String(),
		"already_recorded", res.AlreadyRecorded)
	return res, nil
}

// verdictFor applies the default decision rule, then any matching policy
// escalation. CRITICAL or confirmed HIGH blocks; MEDIUM or unconfirmed HIGH
// warns; the rest passes.
func (c *Consolidator) verdictFor(f v1.Finding) Verdict {
	v := VerdictPass
	switch {
	case f.Severity == v1.SevCritical:
		v = VerdictBlock
	case f.Severity == v1.SevHigh && f.Confirmed:
		v = VerdictBlock
	case f.Severity == v1.SevHigh || f.Severity == v1.SevMedium:
		v = VerdictWarn
	}
	for _, rule := range c.rules {
		if rule.Matches(f) {
			v = Worse(v, Verdict(rule.Verdict))
		}
	}
	return v
}

// mergeBeads extracts findings from every analysis-result payload and merges
// instances sharing a fingerprint: the highest-severity instance wins, their
// assumption and unknown lists union. Bead-level assumptions, unknowns and
// confidence feed the verdict bead.
func mergeBeads(beads []*v1.Bead) ([]v1.Finding, []string, []string, float64, error) {
	merged := make(map[string]*v1.Finding)
	var order []string
	var beadAssumptions, beadUnknowns []string
	confidence := 1.0

	for _, b := range beads {
		findings, err := v1.FindingsFromPayload(b.Payload)
		if err != nil {
			return nil, nil, nil, 0, fmt.Errorf("bead %s: %w", b.ID, err)
		}
		beadAssumptions = append(beadAssumptions, b.Assumptions...)
		beadUnknowns = append(beadUnknowns, b.Unknowns...)
		if b.Confidence < confidence {
			confidence = b.Confidence
		}

		for _, f := range findings {
			existing, ok := merged[f.Fingerprint]
			if !ok {
				cp := f
				merged[f.Fingerprint] = &cp
				order = append(order, f.Fingerprint)
				continue
			}
			wasConfirmed := existing.Confirmed
			if f.Severity.Rank() > existing.Severity.Rank() {
				keepA := existing.Assumptions
				keepU := existing.Unknowns
				*existing = f
				existing.Assumptions = keepA
				existing.Unknowns = keepU
			}
			// Confirmation is sticky regardless of which instance wins on
			// severity, so the merge commutes across bead append order.
			existing.Confirmed = wasConfirmed || f.Confirmed
			existing.Assumptions = unionStrings(existing.Assumptions, f.Assumptions)
			existing.Unknowns = unionStrings(existing.Unknowns, f.Unknowns)
		}
	}

	out := make([]v1.Finding, 0, len(order))
	for _, fp := range order {
		f := *merged[fp]
		f.Assumptions = unionStrings(f.Assumptions, nil)
		f.Unknowns = unionStrings(f.Unknowns, nil)
		out = append(out, f)
	}
	return out, unionStrings(beadAssumptions, nil), unionStrings(beadUnknowns, nil), confidence, nil
}

func (c *Consolidator) appendVerdict(ctx context.Context, res *Result, assumptions, unknowns []string, confidence float64) (*v1.Bead, error) {
	bead := v1.NewBead(v1.KindVerdict, c.planBeadID(ctx, res.ThreadID))
	bead.ThreadID = res.ThreadID
	bead.Source = "consolidator"
	bead.IdempotencyKey = "verdict:" + res.ThreadID
	bead.Confidence = confidence
	bead.Assumptions = assumptions
	bead.Unknowns = unknowns
	bead.Payload = map[string]interface{}{
		"verdict":        string(res.Verdict),
		"no_findings":    res.NoFindings,
		"total_findings": len(res.Findings),
		"by_severity":    severityCountsPayload(res.BySeverity),
		"risk_score":     res.RiskScore.String(),
	}

	err := c.store.AppendIdempotent(ctx, bead)
	if errors.Is(err, storage.ErrDuplicateKey) {
		res.AlreadyRecorded = true
		prior, qerr := c.store.Query(ctx, storage.Filter{ThreadID: res.ThreadID, Kind: v1.KindVerdict, Limit: 1})
		if qerr == nil && len(prior) == 1 {
			return prior[0], nil
		}
		return bead, nil
	}
	if err != nil {
		return nil, fmt.Errorf("append verdict bead: %w", err)
	}
	return bead, nil
}

// planBeadID chains the verdict to the run's planning bead when one exists.
func (c *Consolidator) planBeadID(ctx context.Context, threadID string) string {
	plans, err := c.store.Query(ctx, storage.Filter{ThreadID: threadID, Kind: v1.KindPlan, Limit: 1})
	if err != nil || len(plans) == 0 {
		return v1.RootParent
	}
	return plans[0].ID
}

func countBySeverity(findings []v1.Finding) map[v1.Severity]int {
	out := make(map[v1.Severity]int)
	for _, f := range findings {
		out[f.Severity]++
	}
	return out
}

func severityCountsPayload(counts map[v1.Severity]int) map[string]interface{} {
	out := make(map[string]interface{}, len(counts))
	for sev, n := range counts {
		out[string(sev)] = n
	}
	return out
}

// riskScore sums severity weights, with confirmed findings scaled up.
func riskScore(findings []v1.Finding) decimal.Decimal {
	score := decimal.Zero
	for _, f := range findings {
		w := severityWeights[f.Severity]
		if f.Confirmed {
			w = w.Mul(confirmedMultiplier)
		}
		score = score.Add(w)
	}
	return score
}

// unionStrings deduplicates and sorts so merged lists are deterministic.
func unionStrings(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, s := range append(append([]string{}, a...), b...) {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
