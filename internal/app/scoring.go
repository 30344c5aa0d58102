package app

import (
	"sort"
	"strings"

	"classroom-quiz-master/internal/domain"
)

const (
	defaultTimeLimitMs = int64(30_000)
	defaultBasePoints  = 100
)

// normalizeSelection lowercases, dedupes and sorts a selected-choice list so
// comparison against the answer key is order-independent and case-insensitive.
func normalizeSelection(selected []string) []string {
	seen := make(map[string]struct{}, len(selected))
	out := make([]string, 0, len(selected))
	for _, choice := range selected {
		c := strings.ToLower(strings.TrimSpace(choice))
		if c == "" {
			continue
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// scoreAttempt evaluates one submission against the question's answer key.
// A submission is correct when its selected set exactly equals the key set.
// Points scale with remaining time; late (post-reveal or past the limit)
// submissions score zero even when correct.
func scoreAttempt(q domain.Question, selected []string, timeMs int64, revealed bool) (bool, int) {
	key := q.AnswerKey()
	got := normalizeSelection(selected)

	correct := len(key) > 0 && len(got) == len(key)
	if correct {
		for i := range key {
			if got[i] != key[i] {
				correct = false
				break
			}
		}
	}
	if !correct {
		return false, 0
	}

	limit := q.TimeLimitMs
	if limit <= 0 {
		limit = defaultTimeLimitMs
	}
	// Elapsed time is client-reported; a negative value must not score above
	// the base points.
	if timeMs < 0 {
		timeMs = 0
	}
	if revealed || timeMs >= limit {
		return true, 0
	}

	base := q.Points
	if base <= 0 {
		base = defaultBasePoints
	}
	points := int(int64(base) * (limit - timeMs) / limit)

	// Any correct answer inside the limit earns at least a sliver.
	minPoints := base / 10
	if minPoints < 1 {
		minPoints = 1
	}
	if points < minPoints {
		points = minPoints
	}
	return true, points
}
