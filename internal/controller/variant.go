package controller

import (
	"fmt"
	"strings"
)

// Variant identifies a controller firmware family.
type Variant int

const (
	GRBL0 Variant = iota
	GRBL1
	Smoothie
	JSON
)

func (v Variant) String() string {
	switch v {
	case GRBL0:
		return "GRBL0"
	case GRBL1:
		return "GRBL1"
	case Smoothie:
		return "SMOOTHIE"
	case JSON:
		return "G2CORE"
	}
	return fmt.Sprintf("Variant(%d)", int(v))
}

// ParseFirmware maps a configured firmware id to a variant. Explicit is
// false for the bare "GRBL" id, which lets the startup banner pick between
// 0.9 and 1.1.
func ParseFirmware(id string) (v Variant, explicit bool, err error) {
	switch strings.ToUpper(strings.TrimSpace(id)) {
	case "", "GRBL":
		return GRBL1, false, nil
	case "GRBL0", "GRBL0.9":
		return GRBL0, true, nil
	case "GRBL1", "GRBL1.1":
		return GRBL1, true, nil
	case "SMOOTHIE", "SMOOTHIEWARE":
		return Smoothie, true, nil
	case "G2CORE", "TINYG", "JSON":
		return JSON, true, nil
	}
	return GRBL1, false, fmt.Errorf("%w: %q", ErrUnknownFirmware, id)
}

// New returns the protocol implementation for v.
func New(v Variant) Protocol {
	switch v {
	case GRBL0:
		return newGRBL0()
	case Smoothie:
		return newSmoothie()
	case JSON:
		return newJSON()
	default:
		return newGRBL1()
	}
}

// detectBanner recognises a firmware startup line and the variant it
// announces.
func detectBanner(text string) (v Variant, version string, ok bool) {
	switch {
	case strings.HasPrefix(text, "Grbl "):
		if f := strings.Fields(text); len(f) > 1 {
			version = f[1]
		}
		if strings.HasPrefix(version, "0.") {
			return GRBL0, version, true
		}
		return GRBL1, version, true
	case strings.HasPrefix(text, "CarbideMotion"):
		f := strings.Fields(text)
		if len(f) > 1 {
			version = f[1]
		}
		return GRBL1, version, true
	case strings.HasPrefix(text, "Smoothie"):
		return Smoothie, strings.TrimSpace(strings.TrimPrefix(text, "Smoothie")), true
	}
	return 0, "", false
}
