package llm

import (
	"context"
	"strings"
)

// MockJudge is a deterministic judge for tests and for deployments without
// an LLM key: exact case-insensitive name plus a shared email or phone is a
// confident duplicate, same name alone is an unconfident maybe.
type MockJudge struct{}

func (MockJudge) JudgeDuplicate(_ context.Context, a, b Card) (Verdict, error) {
	sameName := strings.EqualFold(strings.TrimSpace(a.Name), strings.TrimSpace(b.Name))
	sameEmail := a.Email != "" && strings.EqualFold(a.Email, b.Email)
	samePhone := a.Phone != "" && a.Phone == b.Phone

	switch {
	case sameName && (sameEmail || samePhone):
		return Verdict{Duplicate: true, Confidence: 95, Reason: "name and contact point match"}, nil
	case sameEmail:
		return Verdict{Duplicate: true, Confidence: 92, Reason: "email match"}, nil
	case sameName:
		return Verdict{Duplicate: true, Confidence: 60, Reason: "name match only"}, nil
	default:
		return Verdict{Duplicate: false, Confidence: 85, Reason: "no strong field overlap"}, nil
	}
}
