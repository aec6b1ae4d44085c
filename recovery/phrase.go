// SPDX-FileCopyrightText: Copyright (C) 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// phrase.go - phrase generation and strength estimation

package recovery

import (
	"io"
	"strings"

	"github.com/katzenpost/hpqc/rand"
)

const (
	// MinPhraseWords is the minimum word count for a custom phrase.
	MinPhraseWords = 6

	// MinPhraseBits is the minimum estimated entropy for a custom
	// phrase to be accepted.
	MinPhraseBits = 50

	// StrongPhraseBits is the estimate above which the UX may call a
	// phrase "strong".
	StrongPhraseBits = 70

	// GeneratedPhraseWords is the length of generated phrases.  Eight
	// words from a 256 word list is 64 bits of real entropy.
	GeneratedPhraseWords = 8
)

// PhraseStrength estimates the entropy of a phrase in bits and returns
// its word count.  The estimate assumes an attacker who knows the user
// picked dictionary words: roughly 11 bits per distinct word of four
// or more characters, less for short words, almost nothing for
// repeats.  It is a UX gate, not a proof.
func PhraseStrength(phrase string) (float64, int) {
	words := strings.Fields(strings.ToLower(phrase))
	seen := make(map[string]bool, len(words))
	bits := 0.0
	for _, w := range words {
		switch {
		case seen[w]:
			bits++
		case len(w) >= 4:
			bits += 11
		default:
			bits += 6
		}
		seen[w] = true
	}
	return bits, len(words)
}

// GeneratePhrase returns a fresh recovery phrase: GeneratedPhraseWords
// words sampled uniformly from the embedded word list.  One random
// byte indexes the 256 entry list exactly, so there is no modulo bias.
func GeneratePhrase() (string, error) {
	idx := make([]byte, GeneratedPhraseWords)
	if _, err := io.ReadFull(rand.Reader, idx); err != nil {
		return "", err
	}
	words := make([]string, GeneratedPhraseWords)
	for i, b := range idx {
		words[i] = wordList[b]
	}
	return strings.Join(words, " "), nil
}
