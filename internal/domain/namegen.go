package domain

import (
	"fmt"
	"math/rand"

	"github.com/google/uuid"
)

var adjectives = []string{
	"swift", "bright", "calm", "dark", "eager",
	"fair", "grand", "happy", "keen", "lush",
	"bold", "cool", "deft", "firm", "glad",
	"warm", "wild", "wise", "crisp", "fresh",
}

var nouns = []string{
	"core", "bus", "clock", "gate", "pin",
	"rail", "chip", "die", "pad", "trace",
	"wafer", "latch", "flop", "cell", "lane",
	"port", "mux", "fuse", "probe", "rom",
}

// GenerateRunID produces a human-readable run ID in the format
// <backend>-<adjective>-<noun>-<suffix>. The suffix keeps IDs unique across
// runs that pick the same words.
func GenerateRunID(backend string) string {
	adj := adjectives[rand.Intn(len(adjectives))]
	noun := nouns[rand.Intn(len(nouns))]
	return fmt.Sprintf("%s-%s-%s-%s", backend, adj, noun, uuid.NewString()[:8])
}
