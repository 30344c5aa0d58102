package domain

import (
	"fmt"
	"regexp"
	"strings"
)

// MaxNicknameLength caps nicknames as stored and broadcast.
const MaxNicknameLength = 24

// nicknameRegex allows Unicode letters, digits, spaces, apostrophes,
// hyphens, underscores and dots.
var nicknameRegex = regexp.MustCompile(`^[\p{L}\p{N}\s'\-_.]+$`)

// deniedWords is a minimal in-room denylist; matching is substring,
// case-insensitive, after whitespace stripping.
var deniedWords = []string{
	"ass", "bastard", "bitch", "crap", "damn", "dick", "fuck", "piss", "shit",
}

// SanitizeNickname trims, length-limits and validates a display name.
// Returns the sanitized nickname or ErrInvalidNickname.
func SanitizeNickname(raw string) (string, error) {
	name := strings.TrimSpace(raw)
	if name == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidNickname)
	}

	runes := []rune(name)
	if len(runes) > MaxNicknameLength {
		name = strings.TrimSpace(string(runes[:MaxNicknameLength]))
	}

	if !nicknameRegex.MatchString(name) {
		return "", fmt.Errorf("%w: disallowed characters", ErrInvalidNickname)
	}

	flattened := strings.ToLower(strings.Join(strings.Fields(name), ""))
	for _, word := range deniedWords {
		if strings.Contains(flattened, word) {
			return "", fmt.Errorf("%w: blocked word", ErrInvalidNickname)
		}
	}
	return name, nil
}
