package baseline

import (
	v1 "github.com/braidlab/braid/internal/api/v1"
)

// MatchRule names the stage that paired a current finding with a baseline
// finding.
type MatchRule string

const (
	// MatchFingerprint is exact fingerprint equality, the primary identity.
	MatchFingerprint MatchRule = "fingerprint"
	// MatchFindingID handles fingerprint-logic changes between runs.
	MatchFindingID MatchRule = "finding_id"
	// MatchFuzzy is the (normalized file, normalized title) fallback. It is
	// heuristic and may over-match on files with many same-titled findings;
	// consumers should weight fuzzy matches accordingly.
	MatchFuzzy MatchRule = "fuzzy"
)

// Match is one current/baseline pair classified unchanged.
type Match struct {
	Current  v1.Finding `json:"current"`
	Baseline v1.Finding `json:"baseline"`
	Rule     MatchRule  `json:"rule"`
	Fuzzy    bool       `json:"fuzzy"`
}

// Reconciliation classifies a run's findings against a prior baseline.
type Reconciliation struct {
	New       []v1.Finding `json:"new"`
	Fixed     []v1.Finding `json:"fixed"`
	Unchanged []Match      `json:"unchanged"`
}

// NewIDs returns the finding ids classified new, in current order.
func (r Reconciliation) NewIDs() []string { return ids(r.New) }

// FixedIDs returns the finding ids classified fixed, in baseline order.
func (r Reconciliation) FixedIDs() []string { return ids(r.Fixed) }

// UnchangedIDs returns the current-side ids of matched pairs.
func (r Reconciliation) UnchangedIDs() []string {
	out := make([]string, 0, len(r.Unchanged))
	for _, m := range r.Unchanged {
		out = append(out, m.Current.FindingID)
	}
	return out
}

func ids(findings []v1.Finding) []string {
	out := make([]string, 0, len(findings))
	for _, f := range findings {
		out = append(out, f.FindingID)
	}
	return out
}

// Reconcile classifies each current finding against the baseline set using
// three matching stages applied in order, first match wins: exact
// fingerprint, exact finding_id, then the fuzzy (file, title) fallback.
// Each baseline finding matches at most once, greedily in baseline order.
// A current finding with no match is new; a baseline finding with no match
// is fixed; a matched pair is unchanged.
//
// Reconcile is a pure function of its two inputs: no shared state, no side
// effects, safe to call concurrently.
func Reconcile(current, baseline []v1.Finding) Reconciliation {
	rec := Reconciliation{}
	usedBaseline := make([]bool, len(baseline))

	byFingerprint := make(map[string][]int)
	byFindingID := make(map[string][]int)
	byFileTitle := make(map[[2]string][]int)
	for i, b := range baseline {
		if b.Fingerprint != "" {
			byFingerprint[b.Fingerprint] = append(byFingerprint[b.Fingerprint], i)
		}
		if b.FindingID != "" {
			byFindingID[b.FindingID] = append(byFindingID[b.FindingID], i)
		}
		key := fileTitleKey(b)
		byFileTitle[key] = append(byFileTitle[key], i)
	}

	claim := func(candidates []int) (int, bool) {
		for _, i := range candidates {
			if !usedBaseline[i] {
				usedBaseline[i] = true
				return i, true
			}
		}
		return 0, false
	}

	for _, cur := range current {
		// Empty fingerprints and ids are never indexed, so they cannot match.
		if i, ok := claim(byFingerprint[cur.Fingerprint]); ok {
			rec.Unchanged = append(rec.Unchanged, Match{
				Current: cur, Baseline: baseline[i], Rule: MatchFingerprint,
			})
			continue
		}
		if i, ok := claim(byFindingID[cur.FindingID]); ok {
			rec.Unchanged = append(rec.Unchanged, Match{
				Current: cur, Baseline: baseline[i], Rule: MatchFindingID,
			})
			continue
		}
		if i, ok := claim(byFileTitle[fileTitleKey(cur)]); ok {
			rec.Unchanged = append(rec.Unchanged, Match{
				Current: cur, Baseline: baseline[i], Rule: MatchFuzzy, Fuzzy: true,
			})
			continue
		}
		rec.New = append(rec.New, cur)
	}

	for i, b := range baseline {
		if !usedBaseline[i] {
			rec.Fixed = append(rec.Fixed, b)
		}
	}
	return rec
}

func fileTitleKey(f v1.Finding) [2]string {
	return [2]string{v1.NormalizePath(f.File), v1.NormalizeTitle(f.Title)}
}
