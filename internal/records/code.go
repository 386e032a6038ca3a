package records

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/anchal00/nextup/internal/kv"
)

// codeAlphabet leaves out I, O, 0 and 1 so codes survive being read aloud.
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

func randomCode(size int) string {
	r := make([]byte, size)
	for i := 0; i < size; i += 1 {
		r[i] = codeAlphabet[rand.IntN(len(codeAlphabet))]
	}
	return string(r)
}

// NormalizeCode uppercases a human-entered code and checks its shape.
func NormalizeCode(code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) < 4 || len(code) > 5 {
		return "", invalid("code", "must be 4 or 5 characters")
	}
	for _, c := range code {
		if !strings.ContainsRune(codeAlphabet, c) {
			return "", invalid("code", "unexpected character %q", c)
		}
	}
	return code, nil
}

// allocateCode draws random codes until one is free. When every attempt
// collides the last draw is returned anyway, unless strict mode is on.
func (s *Store) allocateCode(ctx context.Context, kind Kind) (string, error) {
	var code string
	for attempt := 0; attempt < s.codeAttempts; attempt++ {
		code = s.randomCode(kind.codeLength())
		_, err := s.kv.Get(ctx, kv.CodeKey(code))
		if errors.Is(err, kv.ErrKeyNotFound) {
			return code, nil
		}
		if err != nil {
			return "", unavailable("allocate code", err)
		}
	}
	if s.strictCodes {
		return "", fmt.Errorf("%w: no free %s code after %d attempts", ErrCodeCollision, kind, s.codeAttempts)
	}
	s.collisions.Inc()
	s.logger.With("code", code).Warn(fmt.Sprintf("Join code still taken after %d attempts, reusing it", s.codeAttempts))
	return code, nil
}
