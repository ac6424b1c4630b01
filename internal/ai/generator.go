// Package ai generates branch slugs, commit messages, and PR content from
// task context. Every generator has a deterministic fallback so the engine
// works without an API key.
package ai

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/IITvamp/cmux/internal/logging"
)

// DefaultTimeout bounds a single generation call.
const DefaultTimeout = 15 * time.Second

const defaultModel = anthropic.Model("claude-3-5-haiku-latest")

// Generator produces short texts via the Anthropic API.
type Generator struct {
	client  anthropic.Client
	model   anthropic.Model
	enabled bool
}

// NewGenerator creates a Generator. An empty apiKey disables generation;
// every method then returns its fallback immediately.
func NewGenerator(apiKey string) *Generator {
	if apiKey == "" {
		return &Generator{}
	}
	return &Generator{
		client:  anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:   defaultModel,
		enabled: true,
	}
}

// Enabled reports whether an API key is configured.
func (g *Generator) Enabled() bool { return g != nil && g.enabled }

func (g *Generator) complete(ctx context.Context, prompt string, maxTokens int64) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	resp, err := g.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     g.model,
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return strings.TrimSpace(sb.String()), nil
}

var slugInvalid = regexp.MustCompile(`[^a-z0-9-]+`)

// Slugify reduces text to a lowercase dash-separated slug of at most max
// characters, suitable as a branch name component.
func Slugify(text string, max int) string {
	slug := strings.ToLower(strings.TrimSpace(text))
	slug = strings.ReplaceAll(slug, " ", "-")
	slug = slugInvalid.ReplaceAllString(slug, "-")
	for strings.Contains(slug, "--") {
		slug = strings.ReplaceAll(slug, "--", "-")
	}
	slug = strings.Trim(slug, "-")
	if len(slug) > max {
		slug = strings.Trim(slug[:max], "-")
	}
	return slug
}

// BranchSlug generates a short branch slug from a task description. Returns
// "" when generation is disabled or produces nothing usable; the planner then
// falls back to its timestamp name.
func (g *Generator) BranchSlug(ctx context.Context, description string) string {
	if !g.Enabled() || strings.TrimSpace(description) == "" {
		return ""
	}

	prompt := fmt.Sprintf(`Generate a short git branch name for this task.

Rules:
- lowercase words separated by dashes
- at most 5 words
- no slashes, no dots, no spaces
- output ONLY the branch name, nothing else

Task:
%s`, description)

	out, err := g.complete(ctx, prompt, 64)
	if err != nil {
		log := logging.WithComponent("ai")
		log.Warn().Err(err).Msg("branch slug generation failed")
		return ""
	}
	return Slugify(out, 48)
}

// CommitMessage generates a commit message from a diff. Returns "" on any
// failure; the caller supplies its own fallback.
func (g *Generator) CommitMessage(ctx context.Context, diff string) string {
	if !g.Enabled() || strings.TrimSpace(diff) == "" {
		return ""
	}

	// Cap the context we ship; a giant diff adds nothing to a subject line.
	if len(diff) > 20000 {
		diff = diff[:20000]
	}

	prompt := fmt.Sprintf(`Generate a git commit message for this diff.

Rules:
- first line: imperative mood, under 72 characters, no trailing period
- optionally a blank line and a 1-3 sentence body
- output ONLY the commit message, nothing else

Diff:
%s`, diff)

	out, err := g.complete(ctx, prompt, 300)
	if err != nil {
		log := logging.WithComponent("ai")
		log.Warn().Err(err).Msg("commit message generation failed")
		return ""
	}
	out = stripCodeFence(out)
	if out == "" {
		return ""
	}
	// Enforce the subject-line limit even if the model ignored it.
	lines := strings.SplitN(out, "\n", 2)
	if len(lines[0]) > 72 {
		lines[0] = lines[0][:72]
	}
	return strings.Join(lines, "\n")
}

// PRTitle generates a pull-request title from a task description and commit
// context. Returns "" on failure.
func (g *Generator) PRTitle(ctx context.Context, description, commitLog string) string {
	if !g.Enabled() {
		return ""
	}

	prompt := fmt.Sprintf(`Generate a GitHub pull request title.

Rules:
- concise, imperative mood (e.g., "Add user authentication")
- under 72 characters
- no period at the end
- output ONLY the title, nothing else

Task:
%s

Commits:
%s`, description, commitLog)

	out, err := g.complete(ctx, prompt, 64)
	if err != nil {
		log := logging.WithComponent("ai")
		log.Warn().Err(err).Msg("PR title generation failed")
		return ""
	}
	out = stripCodeFence(out)
	if len(out) > 72 {
		out = out[:72]
	}
	return out
}

// stripCodeFence removes markdown code fencing the model sometimes wraps
// output in.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	open := strings.Index(s, "```")
	if open == -1 {
		return s
	}
	nl := strings.Index(s[open:], "\n")
	if nl == -1 {
		return s
	}
	nl += open
	closing := strings.LastIndex(s, "```")
	if closing <= nl {
		return s
	}
	return strings.TrimSpace(s[nl+1 : closing])
}
