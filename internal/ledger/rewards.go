package ledger

import (
	"context"
	"fmt"
	"net/url"

	"github.com/finnacle/ledger-engine/internal/model"
	"github.com/finnacle/ledger-engine/internal/money"
)

// QuizRewardCents is paid once per correctly answered quiz question.
const QuizRewardCents money.Cents = 50_000

// QuizAnswerKey is the business key for a quiz answer reward. Both ids are
// query-escaped before joining, so an id containing ':' cannot collide with
// another pair.
func QuizAnswerKey(assignmentID, questionID string) string {
	return url.QueryEscape(assignmentID) + ":" + url.QueryEscape(questionID)
}

// RewardQuizAnswer credits QuizRewardCents for a correct answer. Repeated
// submissions of the same question are no-ops.
func (e *Engine) RewardQuizAnswer(ctx context.Context, userID, assignmentID, questionID string) (CreditResult, error) {
	if assignmentID == "" || questionID == "" {
		return CreditResult{}, fmt.Errorf("%w: assignment and question ids are required", ErrInvalidBusinessKey)
	}
	return e.Credit(ctx, userID, QuizRewardCents, model.ReasonReward, QuizAnswerKey(assignmentID, questionID))
}
