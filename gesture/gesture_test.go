// SPDX-FileCopyrightText: Copyright (C) 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-or-later

package gesture

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalizeDeterministic(t *testing.T) {
	require := require.New(t)

	cells := []int{0, 6, 12, 18, 24, 23}
	a, err := Canonicalize(cells, 5)
	require.NoError(err)
	b, err := Canonicalize(cells, 5)
	require.NoError(err)
	require.Equal(a, b)
}

func TestCanonicalizeGridSizeMatters(t *testing.T) {
	require := require.New(t)

	cells := []int{0, 1, 2, 3, 8, 13}
	a, err := Canonicalize(cells, 5)
	require.NoError(err)
	b, err := Canonicalize(cells, 6)
	require.NoError(err)
	require.NotEqual(a, b)
}

func TestCanonicalizeRejectsMalformed(t *testing.T) {
	assert := assert.New(t)

	_, err := Canonicalize(nil, 5)
	assert.ErrorIs(err, ErrInvalidInput)
	_, err = Canonicalize([]int{}, 5)
	assert.ErrorIs(err, ErrInvalidInput)
	_, err = Canonicalize([]int{0, 1, 2}, 1)
	assert.ErrorIs(err, ErrInvalidInput)
	_, err = Canonicalize([]int{0, 25}, 5)
	assert.ErrorIs(err, ErrInvalidInput)
	_, err = Canonicalize([]int{0, -1}, 5)
	assert.ErrorIs(err, ErrInvalidInput)
	_, err = Canonicalize([]int{0, 1, 1}, 5)
	assert.ErrorIs(err, ErrInvalidInput)
}

func TestAnalyze(t *testing.T) {
	assert := assert.New(t)

	// Top row straight line, corner to corner.
	m := Analyze([]int{0, 1, 2, 3, 4}, 5)
	assert.Equal(5, m.NodeCount)
	assert.Equal(0, m.DirectionChanges)
	assert.True(m.StartsAtCorner)
	assert.True(m.EndsAtCorner)
	assert.False(m.CrossesCenter)
	assert.False(m.TouchesAllQuadrants)

	// Main diagonal crosses the center on an odd grid, but stays in
	// two quadrants.
	m = Analyze([]int{0, 6, 12, 18, 24}, 5)
	assert.True(m.CrossesCenter)
	assert.False(m.TouchesAllQuadrants)

	// All four corners touch all four quadrants.
	m = Analyze([]int{0, 4, 24, 20, 12}, 5)
	assert.True(m.TouchesAllQuadrants)

	// Zigzag accumulates direction changes and score.
	zig := Analyze([]int{0, 6, 2, 8, 4, 9}, 5)
	line := Analyze([]int{0, 1, 2, 3, 4, 9}, 5)
	assert.Greater(zig.DirectionChanges, line.DirectionChanges)
	assert.Greater(zig.ComplexityScore, line.ComplexityScore)
}

func TestValid(t *testing.T) {
	assert := assert.New(t)

	// Too short.
	assert.False(Valid([]int{0, 1, 2}, 5))
	// Long enough but a straight line.
	assert.False(Valid([]int{0, 1, 2, 3, 4, 9}, 5))
	// Length and direction changes both present.
	assert.True(Valid([]int{0, 6, 2, 8, 4, 9}, 5))
}

func TestClassifyWeak(t *testing.T) {
	assert := assert.New(t)

	// Strictly sequential run.
	assert.True(ClassifyWeak([]int{0, 1, 2, 3, 4, 5}, 5))
	// Straight vertical line.
	assert.True(ClassifyWeak([]int{2, 7, 12, 17, 22}, 5))
	// L shape: down the left edge then across the bottom.
	assert.True(ClassifyWeak([]int{0, 5, 10, 15, 20, 21, 22}, 5))
	// Perimeter hugging.
	assert.True(ClassifyWeak([]int{0, 1, 2, 3, 4, 9, 14, 19}, 5))
	// A meandering interior path is not weak.
	assert.False(ClassifyWeak([]int{6, 12, 8, 16, 7, 18, 11}, 5))
}
