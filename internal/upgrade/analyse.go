package upgrade

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/okvist/vigil/internal/components"
)

const (
	maxDiffFiles    = 20
	maxDiffFileSize = 64 << 10
	changelogLines  = 40
	evaluateTimeout = time.Minute
)

// Analysis is what the operator sees before confirming an upgrade:
// local drift against the manifest recorded at install, a unified diff
// of the drifted files against the incoming release, and the head of
// the release changelog.
type Analysis struct {
	Changes    components.Changes
	Diff       string
	Changelog  string
	Evaluation string // optional evaluator output, empty when unavailable
}

func (u *Upgrader) analyse(ctx context.Context, entry *components.Entry, extracted string, desc *components.Descriptor) (*Analysis, error) {
	recorded, err := components.LoadManifest(filepath.Join(entry.SkillDir, components.ManifestName))
	if err != nil {
		return nil, err
	}
	current, err := components.BuildManifest(entry.SkillDir, desc.IgnorePaths())
	if err != nil {
		return nil, err
	}

	a := &Analysis{Changes: recorded.Diff(current)}
	a.Diff = u.diffModified(a.Changes.Modified, entry.SkillDir, extracted)
	a.Changelog = changelogHead(extracted)
	if len(u.cfg.EvaluatorCommand) > 0 && a.Diff != "" {
		a.Evaluation = u.evaluate(ctx, a.Diff)
	}
	return a, nil
}

// diffModified diffs locally edited files against what the incoming
// release will overwrite them with. Binary or oversized files are
// silently left out.
func (u *Upgrader) diffModified(modified []string, skillDir, extracted string) string {
	if len(modified) > maxDiffFiles {
		modified = modified[:maxDiffFiles]
	}
	var sb strings.Builder
	for _, rel := range modified {
		local, err := readDiffable(filepath.Join(skillDir, filepath.FromSlash(rel)))
		if err != nil {
			continue
		}
		incoming, err := readDiffable(filepath.Join(extracted, filepath.FromSlash(rel)))
		if err != nil {
			continue
		}
		text, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
			A:        difflib.SplitLines(local),
			B:        difflib.SplitLines(incoming),
			FromFile: "local/" + rel,
			ToFile:   "incoming/" + rel,
			Context:  3,
		})
		if err != nil {
			continue
		}
		sb.WriteString(text)
	}
	return sb.String()
}

func readDiffable(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	if len(data) > maxDiffFileSize || bytes.IndexByte(data, 0) >= 0 {
		return "", errors.New("not diffable")
	}
	return string(data), nil
}

func changelogHead(dir string) string {
	data, err := os.ReadFile(filepath.Join(dir, "CHANGELOG.md"))
	if err != nil {
		return ""
	}
	lines := strings.SplitAfter(string(data), "\n")
	if len(lines) > changelogLines {
		lines = lines[:changelogLines]
	}
	return strings.Join(lines, "")
}

// evaluate pipes the diff through the configured evaluator. The
// evaluator is advisory; any failure just drops the annotation.
func (u *Upgrader) evaluate(ctx context.Context, diff string) string {
	ctx, cancel := context.WithTimeout(ctx, evaluateTimeout)
	defer cancel()
	argv := u.cfg.EvaluatorCommand
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdin = strings.NewReader(diff)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = io.Discard
	if err := cmd.Run(); err != nil {
		u.log.Warn("upgrade: evaluator unavailable", "error", err)
		return ""
	}
	return strings.TrimSpace(buf.String())
}
