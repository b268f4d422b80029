package report

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shaunagostinho/cncstream/internal/machine"
)

var ErrNotParameter = errors.New("report: not a parameter report")

// ParamKind classifies a square-bracket report.
type ParamKind int

const (
	ParamUnknown ParamKind = iota
	ParamProbe             // [PRB:x,y,z:1]
	ParamOffset            // [G54:x,y,z], [G28:...], [G92:...]
	ParamTLO               // [TLO:z]
	ParamModal             // [GC:G0 G54 ...] or GRBL 0.9 [G0 G54 ...]
	ParamMessage           // [MSG:...]
	ParamVersion           // [VER:...]
	ParamOptions           // [OPT:...]
	ParamHelp              // [HLP:...]
	ParamEcho              // [echo:...]
)

// Parameter is one decoded bracketed report.
type Parameter struct {
	Kind    ParamKind
	Name    string // G54, PRB, TLO, GC, MSG ...
	Vec     machine.Vec3
	Value   float64
	Success bool // probe contact made
	Words   []string
	Text    string
}

// ParseParameter decodes a [..] report. Unknown tags decode as ParamUnknown
// with Name and Text set so callers can log them.
func ParseParameter(line string) (Parameter, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "[") {
		return Parameter{}, ErrNotParameter
	}
	body := strings.TrimPrefix(line, "[")
	if i := strings.LastIndexByte(body, ']'); i >= 0 {
		body = body[:i]
	}

	name, rest, hasColon := strings.Cut(body, ":")
	if !hasColon {
		// GRBL 0.9 echoes the parser state without a tag.
		if strings.HasPrefix(body, "G") {
			return Parameter{Kind: ParamModal, Name: "GC", Words: strings.Fields(body), Text: body}, nil
		}
		return Parameter{Kind: ParamUnknown, Text: body}, nil
	}

	p := Parameter{Name: name, Text: rest}
	switch name {
	case "PRB":
		coords, flag, _ := strings.Cut(rest, ":")
		v, err := parseVec(strings.Split(coords, ","))
		if err != nil {
			return Parameter{}, fmt.Errorf("report: PRB %q: %w", rest, err)
		}
		p.Kind = ParamProbe
		p.Vec = v
		p.Success = flag == "" || strings.TrimSpace(flag) == "1"
	case "G54", "G55", "G56", "G57", "G58", "G59", "G28", "G30", "G92":
		v, err := parseVec(strings.Split(rest, ","))
		if err != nil {
			return Parameter{}, fmt.Errorf("report: %s %q: %w", name, rest, err)
		}
		p.Kind = ParamOffset
		p.Vec = v
	case "TLO":
		v, err := parseFloat(rest)
		if err != nil {
			return Parameter{}, fmt.Errorf("report: TLO %q: %w", rest, err)
		}
		p.Kind = ParamTLO
		p.Value = v
	case "GC":
		p.Kind = ParamModal
		p.Words = strings.Fields(rest)
	case "MSG":
		p.Kind = ParamMessage
	case "VER":
		p.Kind = ParamVersion
	case "OPT":
		p.Kind = ParamOptions
	case "HLP":
		p.Kind = ParamHelp
	case "echo":
		p.Kind = ParamEcho
	default:
		p.Kind = ParamUnknown
	}
	return p, nil
}

// Setting is one "$n=value" line of a settings dump.
type Setting struct {
	Name    string
	Value   string
	Comment string
}

// ParseSetting decodes "$100=250.000 (x, step/mm)" style echoes.
func ParseSetting(line string) (Setting, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "$") {
		return Setting{}, fmt.Errorf("report: not a setting: %q", line)
	}
	name, value, ok := strings.Cut(line, "=")
	if !ok {
		return Setting{}, fmt.Errorf("report: setting without value: %q", line)
	}
	s := Setting{Name: strings.TrimSpace(name)}
	if i := strings.IndexByte(value, '('); i >= 0 {
		s.Comment = strings.TrimSuffix(strings.TrimSpace(value[i+1:]), ")")
		value = value[:i]
	}
	s.Value = strings.TrimSpace(value)
	return s, nil
}
