// Package diff captures a run's net changes inside its container, parses the
// unified output into per-file records, and stores them under the control
// plane's size limits.
package diff

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/IITvamp/cmux/internal/logging"
	"github.com/IITvamp/cmux/internal/worker"
)

const (
	workspaceDir = "/root/workspace"

	fetchBudget = 10 * time.Second
	diffBudget  = 20 * time.Second

	// aggressiveLineCap bounds the pseudo-diff emitted per file when the real
	// diff comes back empty.
	aggressiveLineCap = 1000
)

// AggressiveMarker labels fallback output so consumers never mistake it for
// a real patch.
const AggressiveMarker = "### cmux aggressive capture (not a unified diff) ###"

// Execer runs commands inside the run container. *worker.Client satisfies it.
type Execer interface {
	Exec(ctx context.Context, req worker.ExecRequest, timeout time.Duration) (worker.ExecResult, error)
}

// stepResult is one pipeline step's outcome. Failures carry the stage name
// and never abort the pipeline; the zero value means "nothing useful".
type stepResult struct {
	ok    bool
	value string
	stage string
}

// Capturer drives the in-container capture protocol.
type Capturer struct {
	exec Execer
	log  zerolog.Logger
}

// NewCapturer creates a capturer over a worker connection.
func NewCapturer(exec Execer) *Capturer {
	return &Capturer{exec: exec, log: logging.WithComponent("diff-capture")}
}

func (c *Capturer) git(ctx context.Context, timeout time.Duration, args ...string) stepResult {
	stage := "git " + strings.Join(args, " ")
	result, err := c.exec.Exec(ctx, worker.ExecRequest{
		Command: "git",
		Args:    args,
		Cwd:     workspaceDir,
	}, timeout)
	if err != nil {
		c.log.Debug().Err(err).Str("stage", stage).Msg("capture step failed")
		return stepResult{stage: stage}
	}
	if result.ExitCode != 0 {
		c.log.Debug().Str("stage", stage).Int("exit", result.ExitCode).Str("stderr", truncate(result.Stderr, 400)).Msg("capture step nonzero")
		return stepResult{stage: stage, value: result.Stdout}
	}
	return stepResult{ok: true, value: result.Stdout, stage: stage}
}

func (c *Capturer) sh(ctx context.Context, timeout time.Duration, script string) stepResult {
	result, err := c.exec.Exec(ctx, worker.ExecRequest{
		Command: "sh",
		Args:    []string{"-c", script},
		Cwd:     workspaceDir,
	}, timeout)
	if err != nil || result.ExitCode != 0 {
		return stepResult{stage: script}
	}
	return stepResult{ok: true, value: result.Stdout, stage: script}
}

// Capture produces the run's canonical diff string against its base. Errors
// at individual steps are logged and skipped; an empty string comes back only
// when every strategy fails.
func (c *Capturer) Capture(ctx context.Context) string {
	// Step 1: refresh remote refs. Non-fatal.
	c.git(ctx, fetchBudget, "fetch", "origin", "--prune")

	// Step 2: snapshot diagnostics, log only.
	c.logDiagnostics(ctx)

	// Step 3: clear prior staging, then stage with exclusions.
	c.git(ctx, worker.GitTimeout, "reset")
	stageArgs := append([]string{"add", "-A"}, stagePathspecs()...)
	c.git(ctx, worker.GitTimeout, stageArgs...)

	// Step 4: the canonical output. Stat first for the log, then the patch.
	if stat := c.git(ctx, worker.GitTimeout, "diff", "--cached", "--stat"); stat.ok {
		c.log.Debug().Str("stat", truncate(stat.value, 1000)).Msg("staged diff stat")
	}
	patch := c.git(ctx, diffBudget, "diff", "--cached")

	// Step 5: post-filter sections matching the exclusion set.
	filtered := FilterPatch(patch.value)

	// Step 6: fall back to aggressive capture when nothing real survived.
	if !strings.Contains(filtered, "diff --git") {
		c.log.Warn().Msg("no usable staged diff; switching to aggressive capture")
		return c.aggressiveCapture(ctx)
	}

	// Step 7: the index stays staged for downstream evaluation.
	return filtered
}

func (c *Capturer) logDiagnostics(ctx context.Context) {
	diag := []stepResult{
		c.sh(ctx, worker.ProbeTimeout, "pwd"),
		c.git(ctx, worker.ProbeTimeout, "rev-parse", "--show-toplevel"),
		c.git(ctx, worker.GitTimeout, "status", "--verbose"),
		c.git(ctx, worker.GitTimeout, "status", "--porcelain"),
		c.sh(ctx, worker.ProbeTimeout, "ls -la"),
	}
	for _, d := range diag {
		if d.ok {
			c.log.Debug().Str("stage", d.stage).Str("out", truncate(d.value, 500)).Msg("capture diagnostic")
		}
	}
}

// FilterPatch drops diff sections whose `diff --git a/<path>` header matches
// the exclusion patterns.
func FilterPatch(patch string) string {
	if patch == "" {
		return ""
	}
	var out strings.Builder
	sections := splitSections(patch)
	for _, section := range sections {
		path := sectionPath(section)
		if path != "" && isExcludedPath(path) {
			continue
		}
		out.WriteString(section)
	}
	return out.String()
}

// splitSections splits a unified diff on "diff --git " headers, keeping any
// preamble as its own section.
func splitSections(patch string) []string {
	var sections []string
	lines := strings.SplitAfter(patch, "\n")
	var cur strings.Builder
	for _, line := range lines {
		if strings.HasPrefix(line, "diff --git ") && cur.Len() > 0 {
			sections = append(sections, cur.String())
			cur.Reset()
		}
		cur.WriteString(line)
	}
	if cur.Len() > 0 {
		sections = append(sections, cur.String())
	}
	return sections
}

// sectionPath extracts the new-side path from a section's "diff --git" line.
func sectionPath(section string) string {
	line := section
	if idx := strings.Index(section, "\n"); idx != -1 {
		line = section[:idx]
	}
	if !strings.HasPrefix(line, "diff --git ") {
		return ""
	}
	_, newPath := headerPaths(line)
	return newPath
}

// aggressiveCapture emits a labeled pseudo-diff: the changed paths from
// porcelain with up to 1000 lines of each file, or a bare file listing when
// even that fails.
func (c *Capturer) aggressiveCapture(ctx context.Context) string {
	var out strings.Builder
	out.WriteString(AggressiveMarker + "\n")

	porcelain := c.git(ctx, worker.GitTimeout, "status", "--porcelain")
	paths := porcelainPaths(porcelain.value)

	if len(paths) > 0 {
		for _, path := range paths {
			if isExcludedPath(path) {
				continue
			}
			content := c.sh(ctx, worker.GitTimeout, fmt.Sprintf("head -n %d -- %s", aggressiveLineCap, shellQuote(path)))
			fmt.Fprintf(&out, "--- changed: %s ---\n", path)
			if content.ok {
				out.WriteString(content.value)
				if !strings.HasSuffix(content.value, "\n") {
					out.WriteString("\n")
				}
			}
		}
		return out.String()
	}

	listing := c.sh(ctx, worker.GitTimeout, "find . -maxdepth 3 -type f -not -path './.git/*' | head -200")
	if listing.ok && listing.value != "" {
		out.WriteString("--- file listing ---\n")
		out.WriteString(listing.value)
		return out.String()
	}

	// Every strategy failed.
	return ""
}

// porcelainPaths extracts the changed paths from `git status --porcelain`.
func porcelainPaths(out string) []string {
	var paths []string
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 {
			continue
		}
		path := strings.TrimSpace(line[3:])
		// Renames come through as "old -> new"; keep the new side.
		if idx := strings.Index(path, " -> "); idx != -1 {
			path = path[idx+4:]
		}
		path = strings.Trim(path, `"`)
		if path != "" {
			paths = append(paths, path)
		}
	}
	return paths
}

// shellQuote returns a shell-escaped version of s, safe for embedding in a
// command handed to sh -c. Equivalent to Python's shlex.quote.
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	for _, c := range s {
		if (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') && (c < '0' || c > '9') &&
			c != '@' && c != '%' && c != '+' && c != '=' && c != ':' && c != ',' && c != '.' &&
			c != '/' && c != '-' && c != '_' {
			return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
		}
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
