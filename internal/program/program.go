// Package program turns G-code text into the immutable Lines the sender
// streams. It only locates comments and block markers; motion semantics
// are left to the controller.
package program

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// Directive marks host-side instructions embedded in a program.
type Directive int

const (
	None Directive = iota
	// Wait stops transmission until the controller drained and is idle (%wait).
	Wait
	// Message is published to observers, nothing is sent (%msg text, (MSG,text)).
	Message
)

// Line is one unit of program text. Size includes the line terminator.
type Line struct {
	Index     int // 0-based position in the source file
	Text      string
	Size      int
	Directive Directive
}

// NewLine builds a transmittable line from already cleaned text.
func NewLine(index int, text string) Line {
	return Line{Index: index, Text: text, Size: len(text) + 1}
}

// Clean strips ';' and '(...)' comments and surrounding whitespace.
// A "(MSG,...)" comment is returned as msg.
func Clean(raw string) (text, msg string) {
	var b strings.Builder
	depth := 0
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		switch {
		case depth == 0 && c == ';':
			i = len(raw)
		case c == '(':
			if depth == 0 {
				end := strings.IndexByte(raw[i:], ')')
				inner := raw[i+1:]
				if end >= 0 {
					inner = raw[i+1 : i+end]
				}
				if m, ok := cutFold(inner, "MSG,"); ok {
					msg = strings.TrimSpace(m)
				}
			}
			depth++
		case c == ')' && depth > 0:
			depth--
		case depth == 0:
			b.WriteByte(c)
		}
	}
	return strings.TrimSpace(b.String()), msg
}

func cutFold(s, prefix string) (string, bool) {
	s = strings.TrimSpace(s)
	if len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix) {
		return s[len(prefix):], true
	}
	return "", false
}

// Parse reads a whole program. Blank lines, pure comments and '%' block
// delimiters are dropped; %wait and %msg become directives.
func Parse(r io.Reader) ([]Line, error) {
	var out []Line
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	for idx := 0; sc.Scan(); idx++ {
		raw := strings.TrimSpace(sc.Text())
		if strings.HasPrefix(raw, "%") {
			if l, ok := parseDirective(idx, raw); ok {
				out = append(out, l)
			}
			continue
		}
		text, msg := Clean(raw)
		if msg != "" {
			out = append(out, Line{Index: idx, Text: msg, Directive: Message})
		}
		if text == "" {
			continue
		}
		out = append(out, NewLine(idx, text))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("program: read: %w", err)
	}
	return out, nil
}

func parseDirective(idx int, raw string) (Line, bool) {
	word, rest, _ := strings.Cut(strings.TrimPrefix(raw, "%"), " ")
	switch strings.ToLower(word) {
	case "wait":
		return Line{Index: idx, Directive: Wait}, true
	case "msg":
		return Line{Index: idx, Text: strings.TrimSpace(rest), Directive: Message}, true
	}
	// a bare '%' is the tape start/end marker
	return Line{}, false
}

// Load parses the program stored at path.
func Load(path string) ([]Line, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("program: open %s: %w", path, err)
	}
	defer f.Close()
	return Parse(f)
}

// Lines builds a program from literal lines, mainly for MDI batches and tests.
func Lines(texts ...string) []Line {
	out := make([]Line, 0, len(texts))
	for i, t := range texts {
		out = append(out, NewLine(i, t))
	}
	return out
}

// Transmittable counts the lines that will actually be sent.
func Transmittable(prog []Line) int {
	n := 0
	for _, l := range prog {
		if l.Directive == None {
			n++
		}
	}
	return n
}
