// Package transform rewrites plain reminder text into the whimsical version
// that actually goes out over SMS.
package transform

import (
	"math/rand"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"
)

var prefixes = []string{
	"Hey superstar! Remember to",
	"Psst... Future you will thank you for remembering to",
	"Knock knock! Who's there? It's your reminder to",
	"BEEP BOOP. HUMAN MUST",
	"Your friendly neighborhood AI says:",
	"Drop everything and",
	"This is your conscience speaking. Please",
	"Breaking news: You need to",
	"Alert! Alert! Time to",
	"*taps microphone* Attention please:",
}

var suffixes = []string{
	". Don't mess this up!",
	". You've got this!",
	". No pressure, but... tick tock!",
	". Your future self is already thanking you.",
	". Failure is not an option (just kidding, it totally is).",
	". This message will self-destruct in 5...4...3... Just kidding!",
	". Achievement unlocked: Responsible Adult!",
	". Gold star for you if you do this!",
	". The universe is counting on you.",
	". Your pet would be so proud.",
}

// Transformer wraps a message with a random prefix and suffix. The original
// body always survives as a contiguous substring (first letter case aside)
// so the delivered text stays auditable.
type Transformer struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// New returns a transformer seeded from the wall clock.
func New() *Transformer {
	return NewSeeded(time.Now().UnixNano())
}

// NewSeeded returns a transformer with a fixed seed, for deterministic tests.
func NewSeeded(seed int64) *Transformer {
	return &Transformer{rng: rand.New(rand.NewSource(seed))}
}

// Transform produces the delivery text for body. Callers must pass a
// non-empty body; an empty one is returned unchanged wrapped anyway so the
// result is never empty.
func (t *Transformer) Transform(body string) string {
	t.mu.Lock()
	prefix := prefixes[t.rng.Intn(len(prefixes))]
	suffix := suffixes[t.rng.Intn(len(suffixes))]
	t.mu.Unlock()

	return prefix + " " + lowerFirst(body) + suffix
}

// lowerFirst lowercases the first rune so the body reads naturally after a
// prefix like "Remember to".
func lowerFirst(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	lower := unicode.ToLower(r)
	if lower == r {
		return s
	}
	return string(lower) + s[size:]
}
