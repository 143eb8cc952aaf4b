package keyword_test

import (
	"context"
	"testing"

	"github.com/starbud-ai/starbud/pkg/provider/intent/keyword"
)

func TestMatcher_ExactPhrase(t *testing.T) {
	t.Parallel()

	m, err := keyword.New(keyword.DefaultRules())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	got, ok, err := m.Match(context.Background(), "声音大一点")
	if err != nil {
		t.Fatalf("Match() error = %v", err)
	}
	if !ok {
		t.Fatal("Match() ok = false, want true")
	}
	if got.Intent != "volume_up" {
		t.Errorf("Intent = %q, want %q", got.Intent, "volume_up")
	}
	if got.Score != 1.0 {
		t.Errorf("Score = %f, want 1.0", got.Score)
	}
}

func TestMatcher_ContainedPhrase(t *testing.T) {
	t.Parallel()

	m, err := keyword.New(keyword.DefaultRules())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	// The phrase sits inside a longer utterance with trailing punctuation.
	got, ok, err := m.Match(context.Background(), "请你声音小一点好吗？")
	if err != nil {
		t.Fatalf("Match() error = %v", err)
	}
	if !ok {
		t.Fatal("Match() ok = false, want true")
	}
	if got.Intent != "volume_down" {
		t.Errorf("Intent = %q, want %q", got.Intent, "volume_down")
	}
}

func TestMatcher_IgnoresCaseAndSpacing(t *testing.T) {
	t.Parallel()

	m, err := keyword.New(keyword.DefaultRules())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	got, ok, err := m.Match(context.Background(), "Turn UP the volume!")
	if err != nil {
		t.Fatalf("Match() error = %v", err)
	}
	if !ok {
		t.Fatal("Match() ok = false, want true")
	}
	if got.Intent != "volume_up" {
		t.Errorf("Intent = %q, want %q", got.Intent, "volume_up")
	}
}

func TestMatcher_FuzzyFallback(t *testing.T) {
	t.Parallel()

	m, err := keyword.New([]keyword.Rule{
		{Intent: "exit", Phrases: []string{"goodbye"}},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	// Close misspelling; no containment, Jaro-Winkler carries it.
	got, ok, err := m.Match(context.Background(), "goodbie")
	if err != nil {
		t.Fatalf("Match() error = %v", err)
	}
	if !ok {
		t.Fatal("Match() ok = false, want true")
	}
	if got.Intent != "exit" {
		t.Errorf("Intent = %q, want %q", got.Intent, "exit")
	}
	if got.Score >= 1.0 || got.Score < 0.85 {
		t.Errorf("Score = %f, want in [0.85, 1.0)", got.Score)
	}
}

func TestMatcher_NoMatch(t *testing.T) {
	t.Parallel()

	m, err := keyword.New(keyword.DefaultRules())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	_, ok, err := m.Match(context.Background(), "今天天气怎么样")
	if err != nil {
		t.Fatalf("Match() error = %v", err)
	}
	if ok {
		t.Fatal("Match() ok = true, want false")
	}
}

func TestMatcher_EmptyUtterance(t *testing.T) {
	t.Parallel()

	m, err := keyword.New(keyword.DefaultRules())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	_, ok, err := m.Match(context.Background(), "  ...  ")
	if err != nil {
		t.Fatalf("Match() error = %v", err)
	}
	if ok {
		t.Fatal("Match() ok = true for punctuation-only input, want false")
	}
}

func TestMatcher_CustomThresholdRejectsLooseMatch(t *testing.T) {
	t.Parallel()

	m, err := keyword.New(
		[]keyword.Rule{{Intent: "exit", Phrases: []string{"goodbye"}}},
		keyword.WithFuzzyThreshold(0.99),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	_, ok, err := m.Match(context.Background(), "goodbie")
	if err != nil {
		t.Fatalf("Match() error = %v", err)
	}
	if ok {
		t.Fatal("Match() ok = true under a 0.99 threshold, want false")
	}
}

func TestNew_EmptyRules_ReturnsError(t *testing.T) {
	t.Parallel()

	if _, err := keyword.New(nil); err == nil {
		t.Fatal("expected error for empty rule table, got nil")
	}
	if _, err := keyword.New([]keyword.Rule{{Intent: "x", Phrases: []string{" . "}}}); err == nil {
		t.Fatal("expected error when all phrases normalise to empty, got nil")
	}
}
