package controller

import (
	"fmt"
	"strconv"
	"strings"
)

// AxisWord is one axis letter with its target value.
type AxisWord struct {
	Axis  byte
	Value float64
}

// Move is an ordered list of axis words, e.g. X1 Y-1.
type Move []AxisWord

// ParseMove reads words like "X1", "y-0.5" into a Move. Only X, Y, Z, A,
// B and C are accepted.
func ParseMove(words []string) (Move, error) {
	var m Move
	for _, w := range words {
		w = strings.TrimSpace(w)
		if len(w) < 2 {
			return nil, fmt.Errorf("controller: bad axis word %q", w)
		}
		axis := w[0] &^ 0x20 // upper-case
		if !strings.ContainsRune("XYZABC", rune(axis)) {
			return nil, fmt.Errorf("controller: bad axis %q", w[:1])
		}
		v, err := strconv.ParseFloat(w[1:], 64)
		if err != nil {
			return nil, fmt.Errorf("controller: bad axis value %q: %w", w, err)
		}
		m = append(m, AxisWord{Axis: axis, Value: v})
	}
	if len(m) == 0 {
		return nil, ErrEmptyMove
	}
	return m, nil
}

// String renders the move as compact G-code words (X1Y-0.5).
func (m Move) String() string {
	var b strings.Builder
	for _, w := range m {
		b.WriteByte(w.Axis)
		b.WriteString(formatNumber(w.Value))
	}
	return b.String()
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
