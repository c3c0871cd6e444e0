package v1

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
)

// Severity is the normalized finding severity.
type Severity string

const (
	SevCritical Severity = "CRITICAL"
	SevHigh     Severity = "HIGH"
	SevMedium   Severity = "MEDIUM"
	SevLow      Severity = "LOW"
	SevInfo     Severity = "INFO"
)

// severityRank orders severities for comparisons. Higher is worse.
var severityRank = map[Severity]int{
	SevInfo:     0,
	SevLow:      1,
	SevMedium:   2,
	SevHigh:     3,
	SevCritical: 4,
}

// ParseSeverity normalizes an arbitrary severity string. Unknown values map
// to INFO rather than failing: workers are external and their taxonomies
// drift.
func ParseSeverity(s string) Severity {
	switch Severity(strings.ToUpper(strings.TrimSpace(s))) {
	case SevCritical:
		return SevCritical
	case SevHigh:
		return SevHigh
	case SevMedium:
		return SevMedium
	case SevLow:
		return SevLow
	default:
		return SevInfo
	}
}

// Rank returns the ordering weight of s. Unknown severities rank lowest.
func (s Severity) Rank() int {
	return severityRank[s]
}

// AtLeast reports whether s is as severe as other or more.
func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank()
}

// Finding is a cross-run entity extracted from analysis-result payloads for
// consolidation and baseline reconciliation. Findings are derived views,
// recomputed per run; the ledger never persists them separately.
type Finding struct {
	FindingID   string   `json:"finding_id"`
	Title       string   `json:"title"`
	File        string   `json:"file"`
	Line        int      `json:"line,omitempty"`
	Category    string   `json:"category,omitempty"`
	Severity    Severity `json:"severity"`
	Confirmed   bool     `json:"confirmed,omitempty"`
	Fingerprint string   `json:"fingerprint"`
	Assumptions []string `json:"assumptions,omitempty"`
	Unknowns    []string `json:"unknowns,omitempty"`
}

// ComputeFingerprint derives the primary cross-run identity of a finding:
// a hash over the normalized file path, the category, and a title-derived
// signature. Line numbers are deliberately excluded so the identity survives
// code movement between runs.
func ComputeFingerprint(file, category, title string) string {
	h := sha256.New()
	h.Write([]byte(NormalizePath(file)))
	h.Write([]byte{0})
	h.Write([]byte(strings.ToLower(strings.TrimSpace(category))))
	h.Write([]byte{0})
	h.Write([]byte(NormalizeTitle(title)))
	return hex.EncodeToString(h.Sum(nil))
}

// EnsureFingerprint fills Fingerprint if the producing worker left it empty.
func (f *Finding) EnsureFingerprint() {
	if f.Fingerprint == "" {
		f.Fingerprint = ComputeFingerprint(f.File, f.Category, f.Title)
	}
}

// NormalizePath canonicalizes a file path for identity purposes: forward
// slashes, no leading "./", cleaned.
func NormalizePath(p string) string {
	p = strings.TrimSpace(strings.ReplaceAll(p, "\\", "/"))
	p = filepath.ToSlash(filepath.Clean(p))
	return strings.TrimPrefix(p, "./")
}

// NormalizeTitle lowercases and collapses whitespace so cosmetic rewording
// does not change a finding's identity.
func NormalizeTitle(t string) string {
	return strings.Join(strings.Fields(strings.ToLower(t)), " ")
}

// FindingsFromPayload extracts the findings list from an analysis-result
// payload. Payloads cross the worker boundary as dynamic JSON, so the list is
// round-tripped through encoding/json into the typed shape. Missing list
// means zero findings, not an error.
func FindingsFromPayload(payload map[string]interface{}) ([]Finding, error) {
	if payload == nil {
		return nil, nil
	}
	raw, ok := payload["findings"]
	if !ok || raw == nil {
		return nil, nil
	}
	buf, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("marshal findings: %w", err)
	}
	var findings []Finding
	if err := json.Unmarshal(buf, &findings); err != nil {
		return nil, fmt.Errorf("unmarshal findings: %w", err)
	}
	for i := range findings {
		findings[i].Severity = ParseSeverity(string(findings[i].Severity))
		findings[i].EnsureFingerprint()
	}
	return findings, nil
}
