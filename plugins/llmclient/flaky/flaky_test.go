package flaky

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"studygen/pkg/contract"
)

func TestScript(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "flaky.log")
	raw, _ := json.Marshal(Options{Script: []string{StepRateLimited, StepUpstream, StepInvalidJSON}, LogPath: logPath})
	c, err := New(raw)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	p := contract.TextPrompt(`{"summary": "..."}`)

	if _, err := c.Invoke(ctx, p); !errors.Is(err, contract.ErrRateLimited) {
		t.Fatalf("call 1: expect rate limited, got %v", err)
	}
	_, err = c.Invoke(ctx, p)
	var ue contract.UpstreamError
	if !errors.As(err, &ue) || ue.UpstreamStatus() != 500 {
		t.Fatalf("call 2: expect upstream 500, got %v", err)
	}
	if r, err := c.Invoke(ctx, p); err != nil || r.Text != "invalid" {
		t.Fatalf("call 3: expect invalid text, got %q %v", r.Text, err)
	}
	r, err := c.Invoke(ctx, p)
	if err != nil || !strings.Contains(r.Text, `"summary"`) {
		t.Fatalf("call 4: expect ok json, got %q %v", r.Text, err)
	}
	if c.Calls() != 4 {
		t.Fatalf("calls=%d", c.Calls())
	}
	b, _ := os.ReadFile(logPath)
	if got := strings.Fields(string(b)); len(got) != 4 || got[3] != StepOK {
		t.Fatalf("unexpected log %q", b)
	}
}

func TestDefaultScript(t *testing.T) {
	c, _ := New(nil)
	if _, err := c.Invoke(context.Background(), contract.TextPrompt("")); !errors.Is(err, contract.ErrRateLimited) {
		t.Fatalf("expect rate limited first")
	}
	if r, _ := c.Invoke(context.Background(), contract.TextPrompt("")); r.Text != "invalid" {
		t.Fatalf("expect invalid second")
	}
}

func TestUnknownStep(t *testing.T) {
	if _, err := New(json.RawMessage(`{"script":["boom"]}`)); !errors.Is(err, contract.ErrInvalidInput) {
		t.Fatalf("expect ErrInvalidInput, got %v", err)
	}
}
