package study

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"studygen/pkg/contract"
)

func mustBuild(t *testing.T, b *Builder, c contract.Chunk, m contract.Mode) string {
	t.Helper()
	p, err := b.Build(context.Background(), c, m)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	tp, ok := p.(contract.TextPrompt)
	if !ok {
		t.Fatalf("expect TextPrompt, got %T", p)
	}
	return string(tp)
}

// TestBuildModeKeys 每个模式的提示词均声明其固定输出键。
func TestBuildModeKeys(t *testing.T) {
	b, err := New(nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	c := contract.Chunk{Text: "Photosynthesis converts light energy into chemical energy."}
	for _, m := range contract.Modes() {
		s := mustBuild(t, b, c, m)
		if !strings.HasPrefix(s, "Given the following text:\n\n"+c.Text+"\n") {
			t.Fatalf("%s: chunk text not embedded: %q", m, s[:60])
		}
		if !strings.Contains(s, `{"`+m.Key()+`":`) {
			t.Fatalf("%s: output key missing", m)
		}
		if !strings.Contains(s, "MUST be double-quoted") {
			t.Fatalf("%s: quoting rule missing", m)
		}
	}
}

// TestBuildTruncates 仅嵌入前 1500 个字符，之后的文本不出现在提示词中。
func TestBuildTruncates(t *testing.T) {
	b, _ := New(nil)
	text := strings.Repeat("甲", DefaultMaxChars) + "TAILMARK"
	s := mustBuild(t, b, contract.Chunk{Text: text}, contract.ModeSummary)
	if strings.Contains(s, "TAILMARK") {
		t.Fatalf("text beyond limit leaked into prompt")
	}
	if !strings.Contains(s, strings.Repeat("甲", DefaultMaxChars)) {
		t.Fatalf("prefix missing")
	}
}

func TestTruncate(t *testing.T) {
	cases := []struct {
		in   string
		n    int
		want string
	}{
		{"abc", 5, "abc"},
		{"abc", 3, "abc"},
		{"abcd", 3, "abc"},
		{"héllo", 2, "hé"},
		{"abc", 0, ""},
		{"", 3, ""},
	}
	for _, c := range cases {
		if got := Truncate(c.in, c.n); got != c.want {
			t.Fatalf("Truncate(%q,%d)=%q want %q", c.in, c.n, got, c.want)
		}
	}
}

// TestOverrides 内联模板优先于文件模板；文件模板生效于其余模式。
func TestOverrides(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "quiz.tmpl")
	if err := os.WriteFile(p, []byte("QUIZ[{{.Mode}}]: {{.Text}}"), 0o644); err != nil {
		t.Fatal(err)
	}
	b, err := New(&Options{
		MaxChars:      4,
		Templates:     map[string]string{"summary": "S: {{.Text}}"},
		TemplatePaths: map[string]string{"quiz": p, "summary": "/does/not/matter"},
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	c := contract.Chunk{Text: "abcdefgh"}
	if got := mustBuild(t, b, c, contract.ModeSummary); got != "S: abcd" {
		t.Fatalf("summary override: %q", got)
	}
	if got := mustBuild(t, b, c, contract.ModeQuiz); got != "QUIZ[quiz]: abcd" {
		t.Fatalf("quiz file override: %q", got)
	}
	if got := mustBuild(t, b, c, contract.ModeFlashcards); !strings.HasPrefix(got, "Given the following text:\n\nabcd\n") {
		t.Fatalf("flashcards default: %q", got)
	}
}

func TestChatPrompt(t *testing.T) {
	b, _ := New(&Options{System: "You are a tutor."})
	p, err := b.Build(context.Background(), contract.Chunk{Text: "x"}, contract.ModeQuiz)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	cp, ok := p.(contract.ChatPrompt)
	if !ok || len(cp) != 2 || cp[0].Role != "system" || cp[1].Role != "user" {
		t.Fatalf("unexpected chat prompt: %#v", p)
	}
}

func TestNewErrors(t *testing.T) {
	if _, err := New(&Options{Templates: map[string]string{"essay": "x"}}); !errors.Is(err, contract.ErrInvalidInput) {
		t.Fatalf("expect ErrInvalidInput for unknown mode, got %v", err)
	}
	if _, err := New(&Options{Templates: map[string]string{"quiz": "{{.Text"}}); err == nil {
		t.Fatalf("expect template parse error")
	}
	if _, err := New(&Options{TemplatePaths: map[string]string{"quiz": filepath.Join(t.TempDir(), "missing")}}); err == nil {
		t.Fatalf("expect read error")
	}
	if _, err := New(&Options{MaxChars: -1}); !errors.Is(err, contract.ErrInvalidInput) {
		t.Fatalf("expect ErrInvalidInput for negative max_chars")
	}
	b, _ := New(nil)
	if _, err := b.Build(context.Background(), contract.Chunk{}, contract.Mode("essay")); !errors.Is(err, contract.ErrInvalidInput) {
		t.Fatalf("expect ErrInvalidInput for unknown mode")
	}
}
