// SPDX-FileCopyrightText: Copyright (C) 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package gesture canonicalizes drawn unlock gestures into stable byte
// sequences suitable for key derivation, and scores their strength.
//
// A gesture is an ordered sequence of distinct cell indices over an
// N x N grid.  Canonicalization incorporates the grid size so the same
// path drawn on different grid sizes derives different keys.  Strength
// analysis and weak-shape classification are advisory, for UX feedback
// only; the storage layer derives a key from any sequence of indices.
package gesture

import (
	"encoding/binary"
	"errors"
)

const (
	// DefaultGridSize is the grid dimension used by the application
	// when none is configured.
	DefaultGridSize = 5

	// MinNodes is the advisory minimum path length for a new vault.
	MinNodes = 6

	// MinDirectionChanges is the advisory minimum number of direction
	// changes for a new vault.
	MinDirectionChanges = 2

	// canonical encoding version tag, bumped only with a migration.
	encodingVersion = 0x01

	maxGridSize = 16
)

// ErrInvalidInput is returned when a gesture is structurally malformed:
// empty, out of grid range, or revisiting a cell.
var ErrInvalidInput = errors.New("gesture: invalid input")

// Metrics describes the strength characteristics of a gesture.  The
// ComplexityScore is a weighted sum used only for UX strength feedback.
type Metrics struct {
	NodeCount           int
	DirectionChanges    int
	StartsAtCorner      bool
	EndsAtCorner        bool
	CrossesCenter       bool
	TouchesAllQuadrants bool
	ComplexityScore     float64
}

func validate(cells []int, gridSize int) error {
	if len(cells) == 0 || gridSize < 2 || gridSize > maxGridSize {
		return ErrInvalidInput
	}
	seen := make(map[int]bool, len(cells))
	for _, c := range cells {
		if c < 0 || c >= gridSize*gridSize {
			return ErrInvalidInput
		}
		if seen[c] {
			return ErrInvalidInput
		}
		seen[c] = true
	}
	return nil
}

// Canonicalize encodes a gesture into a deterministic byte sequence:
// a version tag, the grid size, the path length and the cell indices,
// all big endian.  Two gestures canonicalize identically iff they are
// the same path on the same grid.
func Canonicalize(cells []int, gridSize int) ([]byte, error) {
	if err := validate(cells, gridSize); err != nil {
		return nil, err
	}
	buf := make([]byte, 0, 4+2*len(cells))
	buf = append(buf, encodingVersion, byte(gridSize))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(cells)))
	for _, c := range cells {
		buf = binary.BigEndian.AppendUint16(buf, uint16(c))
	}
	return buf, nil
}

// Valid reports whether a gesture meets the advisory creation
// requirements: at least MinNodes cells and MinDirectionChanges
// direction changes.  The storage layer never enforces this.
func Valid(cells []int, gridSize int) bool {
	if validate(cells, gridSize) != nil {
		return false
	}
	if len(cells) < MinNodes {
		return false
	}
	return Analyze(cells, gridSize).DirectionChanges >= MinDirectionChanges
}

type point struct {
	row, col int
}

func toPoint(cell, gridSize int) point {
	return point{row: cell / gridSize, col: cell % gridSize}
}

func sign(v int) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}

type direction struct {
	dr, dc int
}

func directions(cells []int, gridSize int) []direction {
	dirs := make([]direction, 0, len(cells))
	for i := 1; i < len(cells); i++ {
		a := toPoint(cells[i-1], gridSize)
		b := toPoint(cells[i], gridSize)
		dirs = append(dirs, direction{
			dr: sign(b.row - a.row),
			dc: sign(b.col - a.col),
		})
	}
	return dirs
}

func countDirectionChanges(dirs []direction) int {
	changes := 0
	for i := 1; i < len(dirs); i++ {
		if dirs[i] != dirs[i-1] {
			changes++
		}
	}
	return changes
}

func isCorner(p point, gridSize int) bool {
	edge := gridSize - 1
	return (p.row == 0 || p.row == edge) && (p.col == 0 || p.col == edge)
}

// quadrant buckets a cell into one of four grid quadrants.  On odd
// grids the center row and column belong to the lower/right halves.
func quadrant(p point, gridSize int) int {
	q := 0
	if p.row*2 >= gridSize {
		q |= 2
	}
	if p.col*2 >= gridSize {
		q |= 1
	}
	return q
}

// Analyze computes strength metrics for a gesture.  Malformed input
// yields zero metrics rather than an error; analysis is advisory.
func Analyze(cells []int, gridSize int) Metrics {
	if validate(cells, gridSize) != nil {
		return Metrics{}
	}

	m := Metrics{NodeCount: len(cells)}
	dirs := directions(cells, gridSize)
	m.DirectionChanges = countDirectionChanges(dirs)
	m.StartsAtCorner = isCorner(toPoint(cells[0], gridSize), gridSize)
	m.EndsAtCorner = isCorner(toPoint(cells[len(cells)-1], gridSize), gridSize)

	quadrants := make(map[int]bool)
	for _, c := range cells {
		p := toPoint(c, gridSize)
		quadrants[quadrant(p, gridSize)] = true
		if gridSize%2 == 1 && c == (gridSize*gridSize)/2 {
			m.CrossesCenter = true
		}
	}
	m.TouchesAllQuadrants = len(quadrants) == 4

	score := float64(m.NodeCount) + 1.5*float64(m.DirectionChanges)
	if m.TouchesAllQuadrants {
		score += 2
	}
	if m.CrossesCenter {
		score++
	}
	// Corner anchored gestures are the first thing shoulder surfers
	// guess, so they cost a little.
	if m.StartsAtCorner {
		score -= 0.5
	}
	if m.EndsAtCorner {
		score -= 0.5
	}
	if score < 0 {
		score = 0
	}
	m.ComplexityScore = score
	return m
}

// ClassifyWeak heuristically flags well known weak shapes: strictly
// sequential index runs, straight lines, L and Z shapes, and paths
// that never leave the grid perimeter.  Advisory only; a weak gesture
// still derives a key.
func ClassifyWeak(cells []int, gridSize int) bool {
	if validate(cells, gridSize) != nil {
		return true
	}
	if len(cells) < MinNodes {
		return true
	}
	if isSequentialRun(cells) {
		return true
	}

	dirs := directions(cells, gridSize)
	changes := countDirectionChanges(dirs)
	switch changes {
	case 0:
		// Straight line.
		return true
	case 1:
		if axisAligned(dirs) {
			// L shape.
			return true
		}
	case 2:
		if dirs[0] == dirs[len(dirs)-1] {
			// Z shape: out, across, back out the same way.
			return true
		}
	}

	return huggedPerimeter(cells, gridSize)
}

func isSequentialRun(cells []int) bool {
	ascending, descending := true, true
	for i := 1; i < len(cells); i++ {
		if cells[i] != cells[i-1]+1 {
			ascending = false
		}
		if cells[i] != cells[i-1]-1 {
			descending = false
		}
	}
	return ascending || descending
}

func axisAligned(dirs []direction) bool {
	for _, d := range dirs {
		if d.dr != 0 && d.dc != 0 {
			return false
		}
	}
	return true
}

func huggedPerimeter(cells []int, gridSize int) bool {
	edge := gridSize - 1
	for _, c := range cells {
		p := toPoint(c, gridSize)
		if p.row != 0 && p.row != edge && p.col != 0 && p.col != edge {
			return false
		}
	}
	return true
}
