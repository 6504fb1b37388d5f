package ledger

import (
	"context"
	"testing"

	"github.com/finnacle/ledger-engine/internal/store"
)

func TestQuizAnswerKey(t *testing.T) {
	tests := []struct {
		assignment, question string
		want                 string
	}{
		{"a-12", "q-3", "a-12:q-3"},
		{"a:b", "c", "a%3Ab:c"},
		{"a", "b:c", "a:b%3Ac"},
		{"a%3Ab", "c", "a%253Ab:c"},
	}
	seen := map[string]bool{}
	for _, tt := range tests {
		got := QuizAnswerKey(tt.assignment, tt.question)
		if got != tt.want {
			t.Errorf("QuizAnswerKey(%q, %q) = %q, want %q", tt.assignment, tt.question, got, tt.want)
		}
		if seen[got] {
			t.Errorf("key %q produced twice", got)
		}
		seen[got] = true
	}
}

func TestRewardQuizAnswer_ColonIDsDoNotCollide(t *testing.T) {
	e := NewEngine(store.NewMemoryStore(), Options{})
	ctx := context.Background()

	first, err := e.RewardQuizAnswer(ctx, "ivy", "a:b", "c")
	if err != nil || !first.Applied {
		t.Fatalf("first reward: %+v %v", first, err)
	}
	second, err := e.RewardQuizAnswer(ctx, "ivy", "a", "b:c")
	if err != nil || !second.Applied {
		t.Fatalf("second reward suppressed: %+v %v", second, err)
	}
	if second.WalletBalanceCents != 2*QuizRewardCents {
		t.Errorf("expected %d, got %d", 2*QuizRewardCents, second.WalletBalanceCents)
	}
}
