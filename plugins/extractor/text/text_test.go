package text

import (
	"context"
	"errors"
	"strings"
	"testing"

	"studygen/pkg/contract"
)

func TestExtractNormalizes(t *testing.T) {
	in := "\ufeffChapter 1\r\nbody\rmore\xff"
	got, err := New(nil).Extract(context.Background(), "a.txt", strings.NewReader(in))
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if want := "Chapter 1\nbody\nmore\ufffd"; got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestExtractEmpty(t *testing.T) {
	got, err := New(nil).Extract(context.Background(), "empty.txt", strings.NewReader(""))
	if err != nil || got != "" {
		t.Fatalf("expect empty text without error, got %q %v", got, err)
	}
}

func TestExtractMaxBytes(t *testing.T) {
	e := New(&Options{MaxBytes: 4})
	if _, err := e.Extract(context.Background(), "big.txt", strings.NewReader("12345")); !errors.Is(err, contract.ErrBudgetExceeded) {
		t.Fatalf("expect ErrBudgetExceeded, got %v", err)
	}
	got, err := e.Extract(context.Background(), "ok.txt", strings.NewReader("1234"))
	if err != nil || got != "1234" {
		t.Fatalf("unexpected: %q %v", got, err)
	}
}
