// Package username generates display names for newly connected wallets.
package username

import (
	"fmt"
	"math/rand"
	"strings"
)

var adjectives = []string{
	"Epic", "Cosmic", "Mystic", "Digital", "Crypto", "Pixel", "Based", "Rare",
	"Dank", "Mega", "Ultra", "Super", "Hyper", "Alpha", "Beta", "Delta",
	"Sigma", "Prime", "Elite", "Pro",
}

var nouns = []string{
	"Memer", "Warrior", "Legend", "Master", "Artist", "Creator", "Wizard",
	"Knight", "Lord", "King", "Queen", "Sage", "Phoenix", "Dragon", "Tiger",
	"Eagle", "Wolf", "Bear", "Lion", "Hawk",
}

// MaxLength is the longest username accepted on edit
const MaxLength = 32

// Generator produces adjective+noun+number usernames
type Generator struct {
	rnd *rand.Rand
}

// NewGenerator creates a generator; a nil source falls back to the global one
func NewGenerator(src rand.Source) *Generator {
	if src == nil {
		return &Generator{}
	}
	return &Generator{rnd: rand.New(src)}
}

func (g *Generator) intn(n int) int {
	if g == nil || g.rnd == nil {
		return rand.Intn(n)
	}
	return g.rnd.Intn(n)
}

// Generate returns a name like "CosmicWizard417"
func (g *Generator) Generate() string {
	adjective := adjectives[g.intn(len(adjectives))]
	noun := nouns[g.intn(len(nouns))]
	return fmt.Sprintf("%s%s%d", adjective, noun, g.intn(1000))
}

// Validate checks a user-chosen username
func Validate(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("username must not be empty")
	}
	if len(name) > MaxLength {
		return fmt.Errorf("username must be at most %d characters", MaxLength)
	}
	for _, r := range name {
		if !(r == '_' || r == '-' || r == '.' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			return fmt.Errorf("username contains invalid character %q", r)
		}
	}
	return nil
}
