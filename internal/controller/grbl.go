package controller

import (
	"strings"
	"time"

	"github.com/shaunagostinho/cncstream/internal/machine"
	"github.com/shaunagostinho/cncstream/internal/report"
)

// grbl0 speaks GRBL 0.9: comma status with work position, no realtime
// overrides.
type grbl0 struct{ base }

func newGRBL0() *grbl0 {
	return &grbl0{base{
		variant:  GRBL0,
		name:     "GRBL 0.9",
		format:   report.FormatComma,
		bufSize:  128,
		suppress: true,
	}}
}

func (g *grbl0) ApplyOverrides(ov *machine.Overrides) []Command {
	return applySoftwareOverrides(ov)
}

func (g *grbl0) RewriteLine(text string, ov machine.Overrides) string {
	if strings.HasPrefix(text, "$") {
		return text
	}
	return scaleWords(text, ov)
}

// grbl1 speaks GRBL 1.1: pipe status with WCO, realtime override bytes and
// the $J jog command.
type grbl1 struct{ base }

func newGRBL1() *grbl1 {
	return &grbl1{base{
		variant:  GRBL1,
		name:     "GRBL 1.1",
		format:   report.FormatPipe,
		bufSize:  128,
		suppress: true,
	}}
}

func (g *grbl1) Jog(m Move, feed float64) []Command {
	if len(m) == 0 {
		return nil
	}
	cmd := "$J=G91G21" + m.String()
	if feed > 0 {
		cmd += "F" + formatNumber(feed)
	}
	return lines(cmd)
}

// Purge also unlocks: a reset during motion leaves GRBL 1.1 in alarm.
func (g *grbl1) Purge(st *machine.State) []Command {
	plan := []Command{rt(FeedHoldByte), wait(time.Second), rt(ResetByte), flush(), line("$X")}
	return append(plan, restoreModal(st)...)
}

func (g *grbl1) ApplyOverrides(ov *machine.Overrides) []Command {
	return planRealtimeOverrides(ov)
}
