package ai

import (
	"context"
	"testing"
)

func TestSlugify(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"Fix typo in README", 48, "fix-typo-in-readme"},
		{"  Add   OAuth2  support!! ", 48, "add-oauth2-support"},
		{"already-a-slug", 48, "already-a-slug"},
		{"Ünïcode & symbols #1", 48, "n-code-symbols-1"},
		{"a very long description that keeps going and going", 20, "a-very-long-descript"},
		{"", 48, ""},
	}
	for _, tt := range tests {
		if got := Slugify(tt.in, tt.max); got != tt.want {
			t.Errorf("Slugify(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
		}
	}
}

func TestDisabledGeneratorFallsBack(t *testing.T) {
	g := NewGenerator("")
	ctx := context.Background()

	if g.Enabled() {
		t.Fatal("Enabled() = true without an API key")
	}
	if got := g.BranchSlug(ctx, "fix a bug"); got != "" {
		t.Errorf("BranchSlug() = %q, want empty when disabled", got)
	}
	if got := g.CommitMessage(ctx, "diff --git a/x b/x"); got != "" {
		t.Errorf("CommitMessage() = %q, want empty when disabled", got)
	}
	if got := g.PRTitle(ctx, "desc", "log"); got != "" {
		t.Errorf("PRTitle() = %q, want empty when disabled", got)
	}
}

func TestNilGenerator(t *testing.T) {
	var g *Generator
	if g.Enabled() {
		t.Error("nil generator reports enabled")
	}
}

func TestStripCodeFence(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"plain text", "plain text"},
		{"```\nfenced\n```", "fenced"},
		{"```json\n{\"a\":1}\n```", `{"a":1}`},
		{"prefix\n```\nbody\n```", "body"},
		{"``` unterminated", "``` unterminated"},
	}
	for _, tt := range tests {
		if got := stripCodeFence(tt.in); got != tt.want {
			t.Errorf("stripCodeFence(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
