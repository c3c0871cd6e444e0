package baseline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	v1 "github.com/braidlab/braid/internal/api/v1"
)

// latestName is the convenience pointer to the most recent bundle in a
// baseline directory.
const latestName = "latest.json"

// BundleMetadata identifies the run a bundle captures.
type BundleMetadata struct {
	RunID      string    `json:"run_id"`
	Target     string    `json:"target"`
	FinishedAt time.Time `json:"finished_at"`
}

// BundleSummary is the run's consolidated outcome.
type BundleSummary struct {
	Verdict       string         `json:"verdict"`
	TotalFindings int            `json:"total_findings"`
	BySeverity    map[string]int `json:"by_severity"`
	RiskScore     string         `json:"risk_score,omitempty"`
	NoFindings    bool           `json:"no_findings,omitempty"`
}

// Bundle is the persisted finding set of one finished run: the shape a later
// run's reconciliation consumes as its baseline.
type Bundle struct {
	Metadata BundleMetadata `json:"metadata"`
	Summary  BundleSummary  `json:"summary"`
	Findings []v1.Finding   `json:"findings"`
}

// Validate checks the minimum bundle shape.
func (b *Bundle) Validate() error {
	if b.Metadata.RunID == "" {
		return fmt.Errorf("bundle metadata.run_id is required")
	}
	if b.Summary.Verdict == "" {
		return fmt.Errorf("bundle summary.verdict is required")
	}
	return nil
}

// WriteBundle persists the bundle under dir as <run_id>.json and refreshes
// the latest.json pointer. Writes go through a temp file and rename so a
// crashed writer never leaves a torn bundle behind.
func WriteBundle(dir string, b *Bundle) error {
	if err := b.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create baseline dir: %w", err)
	}

	buf, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal bundle: %w", err)
	}

	path := filepath.Join(dir, b.Metadata.RunID+".json")
	for _, target := range []string{path, filepath.Join(dir, latestName)} {
		tmp := target + ".tmp"
		if err := os.WriteFile(tmp, buf, 0o644); err != nil {
			return fmt.Errorf("write bundle: %w", err)
		}
		if err := os.Rename(tmp, target); err != nil {
			return fmt.Errorf("publish bundle: %w", err)
		}
	}
	return nil
}

// LoadBundle reads one bundle file. Unknown extra fields are tolerated for
// forward compatibility.
func LoadBundle(path string) (*Bundle, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read bundle: %w", err)
	}
	var b Bundle
	if err := json.Unmarshal(buf, &b); err != nil {
		return nil, fmt.Errorf("parse bundle %s: %w", path, err)
	}
	if err := b.Validate(); err != nil {
		return nil, fmt.Errorf("invalid bundle %s: %w", path, err)
	}
	for i := range b.Findings {
		b.Findings[i].Severity = v1.ParseSeverity(string(b.Findings[i].Severity))
	}
	return &b, nil
}

// LoadLatest reads the most recent bundle in dir, or (nil, nil) when no
// baseline exists yet; a first run has nothing to reconcile against.
func LoadLatest(dir string) (*Bundle, error) {
	path := filepath.Join(dir, latestName)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}
	return LoadBundle(path)
}
