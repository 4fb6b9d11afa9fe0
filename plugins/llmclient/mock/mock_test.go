package mock

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"studygen/pkg/contract"
	"studygen/plugins/prompt/study"
)

// TestEchoMode 各模式的提示词得到对应形状的 JSON。
func TestEchoMode(t *testing.T) {
	c, err := New(nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	b, _ := study.New(nil)
	for _, m := range contract.Modes() {
		p, err := b.Build(context.Background(), contract.Chunk{Text: "cells"}, m)
		if err != nil {
			t.Fatalf("build: %v", err)
		}
		raw, err := c.Invoke(context.Background(), p)
		if err != nil {
			t.Fatalf("invoke: %v", err)
		}
		var obj map[string]any
		if err := json.Unmarshal([]byte(raw.Text), &obj); err != nil {
			t.Fatalf("%s: invalid json %q: %v", m, raw.Text, err)
		}
		if _, ok := obj[m.Key()]; !ok || len(obj) != 1 {
			t.Fatalf("%s: unexpected shape %v", m, obj)
		}
	}
}

func TestFixed(t *testing.T) {
	c, err := New(json.RawMessage(`{"response_mode":"fixed","reply":"{\"summary\": \"x\"}"}`))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	raw, _ := c.Invoke(context.Background(), contract.TextPrompt("anything"))
	if raw.Text != `{"summary": "x"}` {
		t.Fatalf("unexpected %q", raw.Text)
	}
	if _, err := New(json.RawMessage(`{"response_mode":"fixed"}`)); !errors.Is(err, contract.ErrInvalidInput) {
		t.Fatalf("fixed without reply should fail, got %v", err)
	}
}

func TestFencedAndProse(t *testing.T) {
	c, _ := New(json.RawMessage(`{"response_mode":"fenced","prefix":"F"}`))
	raw, _ := c.Invoke(context.Background(), contract.TextPrompt(`Return ONLY valid JSON: {"quiz": [ ... ] }`))
	if !strings.HasPrefix(raw.Text, "```json\n{\"quiz\"") || !strings.HasSuffix(raw.Text, "Hope this helps!") {
		t.Fatalf("unexpected fenced reply %q", raw.Text)
	}
	p, _ := New(json.RawMessage(`{"response_mode":"prose"}`))
	raw, _ = p.Invoke(context.Background(), contract.TextPrompt("x"))
	if strings.ContainsAny(raw.Text, "{}") {
		t.Fatalf("prose reply must not contain braces: %q", raw.Text)
	}
}

func TestDetectMode(t *testing.T) {
	cases := map[string]contract.Mode{
		`... {"flashcards": [ ... ] }`: contract.ModeFlashcards,
		`... {"quiz": [ ... ] }`:       contract.ModeQuiz,
		`... {"summary": "..." }`:      contract.ModeSummary,
		`no marker`:                    contract.ModeSummary,
	}
	for in, want := range cases {
		if got := DetectMode(in); got != want {
			t.Fatalf("DetectMode(%q)=%s want %s", in, got, want)
		}
	}
}

func TestUnknownMode(t *testing.T) {
	if _, err := New(json.RawMessage(`{"response_mode":"translate"}`)); !errors.Is(err, contract.ErrInvalidInput) {
		t.Fatalf("expect ErrInvalidInput, got %v", err)
	}
}
