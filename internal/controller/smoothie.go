package controller

import (
	"strings"
	"time"

	"github.com/shaunagostinho/cncstream/internal/machine"
	"github.com/shaunagostinho/cncstream/internal/report"
)

// smoothieBootDelay is how long Smoothieboards take to come back after the
// "reset" command.
const smoothieBootDelay = 6 * time.Second

// smoothie speaks Smoothieware's GRBL-compatible dialect. Status layout
// depends on the firmware build; dispatch picks the separator per line.
type smoothie struct{ base }

func newSmoothie() *smoothie {
	return &smoothie{base{
		variant:  Smoothie,
		name:     "Smoothieware",
		format:   report.FormatPipe,
		bufSize:  128,
		suppress: false,
	}}
}

func (s *smoothie) ViewBuild() []Command    { return lines("version") }
func (s *smoothie) ViewSettings() []Command { return lines("M503") }

// HardResetPre asks the board to reboot itself before the port is cycled.
func (s *smoothie) HardResetPre() []Command  { return lines("reset") }
func (s *smoothie) HardResetPost() []Command { return []Command{wait(smoothieBootDelay)} }

func (s *smoothie) ApplyOverrides(ov *machine.Overrides) []Command {
	return applySoftwareOverrides(ov)
}

func (s *smoothie) RewriteLine(text string, ov machine.Overrides) string {
	if strings.HasPrefix(text, "$") {
		return text
	}
	return scaleWords(text, ov)
}
