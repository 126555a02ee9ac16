package protocol

import (
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"
)

// Style selects the naming strategy for auto-spawned workers.
type Style string

const (
	// StyleDefault names workers agent1, agent2, ... deterministically.
	StyleDefault Style = "default"

	// StyleCallsign draws adjective_noun nicknames from a themed pool.
	StyleCallsign Style = "callsign"
)

// SanitizeName maps a proposed member name onto the [A-Za-z0-9_-] alphabet.
// Every other rune becomes '-'. Names are primary keys in the team config
// and become mailbox file names, so this also closes path traversal.
func SanitizeName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return b.String()
}

var adjectives = []string{
	"cyber", "neon", "quantum", "binary", "hex", "pixel", "static",
	"ghost", "shadow", "phantom", "stealth", "silent", "cryptic", "spectral",
	"swift", "rapid", "flash", "bolt", "drift", "flux", "pulse",
	"rogue", "feral", "lone", "grim", "slick", "sharp", "keen", "bold",
	"glitch", "warped", "volatile", "erratic", "entropy",
	"iron", "cobalt", "crystal", "ember", "frost", "storm", "solar", "lunar",
}

var nouns = []string{
	"wolf", "fox", "hawk", "raven", "owl", "viper", "lynx", "raptor",
	"byte", "node", "daemon", "proxy", "socket", "cipher", "packet",
	"kernel", "shell", "cache", "mutex", "buffer", "vector", "shard",
	"blade", "lance", "arrow", "probe", "drone", "beacon", "relay",
	"spark", "nova", "pulsar", "comet", "echo", "signal", "nexus", "oracle",
}

var rng = rand.New(rand.NewSource(time.Now().UnixNano()))

// NameGenerator produces unique member names for one leader session.
// All methods are safe for concurrent use.
type NameGenerator struct {
	mu    sync.Mutex
	style Style
	used  map[string]bool
	next  int // counter for StyleDefault
}

// NewNameGenerator creates a generator for the given style. Unknown styles
// fall back to StyleDefault.
func NewNameGenerator(style Style) *NameGenerator {
	if style != StyleCallsign {
		style = StyleDefault
	}
	return &NameGenerator{style: style, used: make(map[string]bool), next: 1}
}

// Generate returns a fresh unique name.
func (g *NameGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.style == StyleDefault {
		for {
			name := fmt.Sprintf("agent%d", g.next)
			g.next++
			if !g.used[name] {
				g.used[name] = true
				return name
			}
		}
	}

	for attempts := 0; attempts < 1000; attempts++ {
		name := adjectives[rng.Intn(len(adjectives))] + "_" + nouns[rng.Intn(len(nouns))]
		if !g.used[name] {
			g.used[name] = true
			return name
		}
	}
	// Pool exhausted — suffix for guaranteed uniqueness.
	name := fmt.Sprintf("%s_%s_%d", adjectives[rng.Intn(len(adjectives))], nouns[rng.Intn(len(nouns))], time.Now().UnixNano()%10000)
	g.used[name] = true
	return name
}

// Reserve marks an externally chosen name as taken so Generate won't collide
// with explicitly named members.
func (g *NameGenerator) Reserve(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.used[name] = true
}

// Release frees a name for reuse after the member is gone.
func (g *NameGenerator) Release(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.used, name)
}

// IsUsed reports whether the name is currently reserved.
func (g *NameGenerator) IsUsed(name string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.used[name]
}
