package worker

import (
	"bufio"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	v1 "github.com/braidlab/braid/internal/api/v1"
)

// maxScanFileBytes skips files too large to be source.
const maxScanFileBytes = 1 << 20

// credentialPattern pairs a compiled matcher with the finding it produces.
type credentialPattern struct {
	name     string
	title    string
	severity v1.Severity
	re       *regexp.Regexp
}

var credentialPatterns = []credentialPattern{
	{
		name:     "aws-access-key",
		title:    "AWS access key ID in source",
		severity: v1.SevCritical,
		re:       regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),
	},
	{
		name:     "private-key-block",
		title:    "Private key material in source",
		severity: v1.SevCritical,
		re:       regexp.MustCompile(`-----BEGIN (?:RSA |EC |OPENSSH )?PRIVATE KEY-----`),
	},
	{
		name:     "hardcoded-password",
		title:    "Hardcoded password assignment",
		severity: v1.SevHigh,
		re:       regexp.MustCompile(`(?i)\bpassword\s*[:=]\s*["'][^"']{4,}["']`),
	},
	{
		name:     "bearer-token",
		title:    "Bearer token literal in source",
		severity: v1.SevHigh,
		re:       regexp.MustCompile(`(?i)\bauthorization["']?\s*[:=]\s*["']bearer\s+[A-Za-z0-9._\-]{16,}`),
	},
}

// PatternScanner is the builtin analysis worker: a regexp credential scan
// over a file or directory target. It gives the binary a real worker and the
// tests a deterministic one; provider-backed workers register alongside it.
type PatternScanner struct{}

// NewPatternScanner creates the builtin scanner.
func NewPatternScanner() *PatternScanner { return &PatternScanner{} }

func (s *PatternScanner) Name() string { return "patterns" }

// Analyze walks target and matches every line against the credential
// patterns. The walk checks ctx between files, which is its cooperative
// cancellation checkpoint.
func (s *PatternScanner) Analyze(ctx context.Context, target string) (*Report, error) {
	info, err := os.Stat(target)
	if err != nil {
		return nil, fmt.Errorf("stat target: %w", err)
	}

	var findings []v1.Finding
	scanOne := func(path string) error {
		fs, err := s.scanFile(path, target)
		if err != nil {
			return err
		}
		findings = append(findings, fs...)
		return nil
	}

	if !info.IsDir() {
		if err := scanOne(target); err != nil {
			return nil, err
		}
	} else {
		err = filepath.WalkDir(target, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if d.IsDir() {
				if d.Name() == ".git" || d.Name() == "node_modules" {
					return filepath.SkipDir
				}
				return nil
			}
			if info, err := d.Info(); err != nil || info.Size() > maxScanFileBytes {
				return nil
			}
			return scanOne(path)
		})
		if err != nil {
			return nil, fmt.Errorf("walk target: %w", err)
		}
	}

	return &Report{
		Findings:    findings,
		Confidence:  0.9,
		Assumptions: []string{"pattern match implies a live credential, not test fixture data"},
		Unknowns:    []string{"whether matched credentials are still valid"},
	}, nil
}

func (s *PatternScanner) scanFile(path, root string) ([]v1.Finding, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	rel := path
	if r, err := filepath.Rel(root, path); err == nil && !strings.HasPrefix(r, "..") {
		rel = r
	}

	var findings []v1.Finding
	line := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxScanFileBytes)
	for sc.Scan() {
		line++
		text := sc.Text()
		for _, p := range credentialPatterns {
			if !p.re.MatchString(text) {
				continue
			}
			file := v1.NormalizePath(rel)
			findings = append(findings, v1.Finding{
				FindingID:   fmt.Sprintf("patterns:%s:%s:%d", p.name, file, line),
				Title:       p.title,
				File:        file,
				Line:        line,
				Category:    "secrets",
				Severity:    p.severity,
				Fingerprint: v1.ComputeFingerprint(file, "secrets", p.title),
			})
		}
	}
	if err := sc.Err(); err != nil {
		// Binary or otherwise unscannable content is not a finding and not
		// a task failure.
		return findings, nil
	}
	return findings, nil
}
