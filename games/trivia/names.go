/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package trivia

import (
	"math/rand/v2"
	"strconv"
	"strings"
	"unicode/utf8"
)

const maxNameLength = 16

var (
	adjectives = []string{"Red", "Blue", "Green", "Swift", "Bold", "Lucky", "Silent", "Tiny", "Brave"}
	nouns      = []string{"Sparrow", "Lion", "Otter", "Wolf", "Falcon", "Gator", "Bear", "Hawk", "Panda"}
)

// defaultName returns e.g. "SwiftOtter417". Collisions are allowed.
func defaultName(rng *rand.Rand) string {
	var b strings.Builder

	b.WriteString(adjectives[rng.IntN(len(adjectives))])
	b.WriteString(nouns[rng.IntN(len(nouns))])
	b.WriteString(strconv.Itoa(100 + rng.IntN(900)))

	return b.String()
}

// normalizeName trims raw and cuts it to maxNameLength runes. An empty
// result means the caller should pick a default name.
func normalizeName(raw string) string {
	name := strings.TrimSpace(raw)

	if utf8.RuneCountInString(name) > maxNameLength {
		name = strings.TrimSpace(string([]rune(name)[:maxNameLength]))
	}

	return name
}
