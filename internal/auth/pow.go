package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// Difficulty bounds: leading zero bits required of the solution hash.
	MinPowDifficulty     = 16
	MaxPowDifficulty     = 24
	DefaultPowDifficulty = 18

	challengeTTL = 60 * time.Second
)

var (
	ErrChallengeInvalid = errors.New("invalid challenge")
	ErrChallengeExpired = errors.New("challenge expired")
	ErrChallengeReplay  = errors.New("challenge already solved")
	ErrNonceRejected    = errors.New("nonce does not meet difficulty")
)

// PowGate issues and verifies proof-of-work challenges. Solved challenges
// are remembered in-process until they would have expired anyway, so a
// solution cannot be replayed against the same instance.
type PowGate struct {
	key        []byte
	difficulty int

	mu   sync.Mutex
	used map[string]time.Time

	now func() time.Time
}

// ClampDifficulty forces d into the supported range.
func ClampDifficulty(d int) int {
	if d < MinPowDifficulty {
		return MinPowDifficulty
	}
	if d > MaxPowDifficulty {
		return MaxPowDifficulty
	}
	return d
}

func NewPowGate(difficulty int) (*PowGate, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate pow key: %w", err)
	}
	return &PowGate{
		key:        key,
		difficulty: ClampDifficulty(difficulty),
		used:       make(map[string]time.Time),
		now:        time.Now,
	}, nil
}

func (g *PowGate) Difficulty() int { return g.difficulty }

// Challenge mints "<unix ts>:<uuid>:<base64url mac>".
func (g *PowGate) Challenge() string {
	ts := strconv.FormatInt(g.now().Unix(), 10)
	nonce := uuid.NewString()
	return ts + ":" + nonce + ":" + g.sign(ts, nonce)
}

// Verify checks that challenge came from this gate, is fresh, unused, and
// that sha256(challenge + nonce) has at least difficulty leading zero
// bits. A successful verify consumes the challenge.
func (g *PowGate) Verify(challenge, nonce string) error {
	parts := strings.SplitN(challenge, ":", 3)
	if len(parts) != 3 {
		return ErrChallengeInvalid
	}
	ts, id, mac := parts[0], parts[1], parts[2]
	if !hmac.Equal([]byte(mac), []byte(g.sign(ts, id))) {
		return ErrChallengeInvalid
	}
	issued, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return ErrChallengeInvalid
	}
	now := g.now()
	if now.Sub(time.Unix(issued, 0)) > challengeTTL {
		return ErrChallengeExpired
	}

	sum := sha256.Sum256([]byte(challenge + nonce))
	if leadingZeroBits(sum[:]) < g.difficulty {
		return ErrNonceRejected
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	for c, exp := range g.used {
		if now.After(exp) {
			delete(g.used, c)
		}
	}
	if _, ok := g.used[challenge]; ok {
		return ErrChallengeReplay
	}
	g.used[challenge] = now.Add(challengeTTL)
	return nil
}

func (g *PowGate) sign(ts, nonce string) string {
	mac := hmac.New(sha256.New, g.key)
	mac.Write([]byte(ts + ":" + nonce))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func leadingZeroBits(b []byte) int {
	bits := 0
	for _, c := range b {
		if c == 0 {
			bits += 8
			continue
		}
		for mask := byte(0x80); mask > 0; mask >>= 1 {
			if c&mask != 0 {
				return bits
			}
			bits++
		}
	}
	return bits
}
