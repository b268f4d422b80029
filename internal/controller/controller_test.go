package controller

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/shaunagostinho/cncstream/internal/flow"
	"github.com/shaunagostinho/cncstream/internal/machine"
)

func newSession(p Protocol) *Session {
	st := machine.NewState(3, p.SuppressBareAlarm())
	st.Machine.Connect()
	return &Session{
		State: st,
		Queue: &flow.PendingQueue{},
		Now:   func() time.Time { return time.Unix(0, 0) },
	}
}

func TestParseFirmware(t *testing.T) {
	tests := []struct {
		id       string
		v        Variant
		explicit bool
	}{
		{"GRBL", GRBL1, false},
		{"", GRBL1, false},
		{"grbl0", GRBL0, true},
		{"GRBL1", GRBL1, true},
		{"Smoothie", Smoothie, true},
		{"TINYG", JSON, true},
		{"g2core", JSON, true},
	}
	for _, tc := range tests {
		v, explicit, err := ParseFirmware(tc.id)
		if err != nil {
			t.Fatalf("%q: %v", tc.id, err)
		}
		if v != tc.v || explicit != tc.explicit {
			t.Errorf("%q: got %v explicit=%v", tc.id, v, explicit)
		}
	}
	if _, _, err := ParseFirmware("marlin"); !errors.Is(err, ErrUnknownFirmware) {
		t.Fatalf("expected ErrUnknownFirmware, got %v", err)
	}
}

func TestDispatchAckPopsOldest(t *testing.T) {
	p := New(GRBL1)
	s := newSession(p)
	s.Queue.Push(6, "G0 X1")
	s.Queue.Push(6, "G0 X2")

	r := p.Dispatch("ok", s)
	if r.Kind != Ack || !r.Resolved || r.Entry.Text != "G0 X1" {
		t.Fatalf("unexpected result %+v", r)
	}
	if s.Queue.Len() != 1 || s.Queue.Outstanding() != 6 {
		t.Fatalf("queue not popped once: len=%d", s.Queue.Len())
	}
}

func TestDispatchErrorResolvesLine(t *testing.T) {
	p := New(GRBL1)
	s := newSession(p)
	s.Queue.Push(7, "G1 X10")

	r := p.Dispatch("error:22", s)
	var ce *ControllerError
	if r.Kind != ErrorReport || !errors.As(r.Err, &ce) {
		t.Fatalf("expected controller error, got %+v", r)
	}
	if ce.Code != 22 || ce.Line != "G1 X10" {
		t.Fatalf("unexpected error %+v", ce)
	}
	if !s.State.Machine.Unresolved() || s.Queue.Len() != 0 {
		t.Fatalf("error did not set flag or pop queue")
	}
}

// An ALARM: line pops one entry, records the coded alarm and freezes the
// stream; a following bare Alarm status keeps the code.
func TestDispatchAlarmPrecedence(t *testing.T) {
	p := New(GRBL1)
	s := newSession(p)
	s.Queue.Push(10, "G0 X100")
	s.Queue.Push(10, "G0 X200")

	r := p.Dispatch("ALARM:1", s)
	if r.Kind != AlarmReport || s.Queue.Len() != 1 {
		t.Fatalf("unexpected alarm result %+v len=%d", r, s.Queue.Len())
	}
	if s.State.Machine.State() != machine.Alarm || s.State.Machine.AlarmCode() != 1 || !s.State.Machine.Frozen() {
		t.Fatalf("alarm not recorded: %v code %d", s.State.Machine.State(), s.State.Machine.AlarmCode())
	}

	p.Dispatch("<Alarm|MPos:0.000,0.000,0.000|FS:0,0>", s)
	if s.State.Machine.AlarmCode() != 1 {
		t.Fatalf("bare alarm overwrote coded alarm")
	}
}

func TestDispatchBannerResetsAndDetects(t *testing.T) {
	p := New(GRBL1)
	s := newSession(p)
	s.Queue.Push(5, "G0X1")
	p.Dispatch("ALARM:3", s)

	r := p.Dispatch("Grbl 0.9j ['$' for help]", s)
	if r.Kind != ResetReport || r.Detected != GRBL0 || r.Version != "0.9j" {
		t.Fatalf("unexpected banner result %+v", r)
	}
	if s.State.Machine.State() != machine.Connected || s.State.Machine.Unresolved() {
		t.Fatalf("banner did not clear state: %v", s.State.Machine.State())
	}
	if s.Queue.Len() != 0 {
		t.Fatalf("banner did not clear queue")
	}

	if r := p.Dispatch("Smoothie command shell", s); r.Detected != Smoothie {
		t.Fatalf("expected Smoothie detection, got %v", r.Detected)
	}
}

func TestDispatchPolledStatus(t *testing.T) {
	p := New(GRBL1)
	s := newSession(p)

	r := p.Dispatch("<Idle|MPos:1.000,2.000,3.000|FS:0,0|WCO:1.000,1.000,1.000>", s)
	if r.Kind != StatusReport || r.Polled {
		t.Fatalf("unsolicited status marked polled: %+v", r)
	}
	s.StatusExpected = true
	r = p.Dispatch("<Idle|MPos:1.000,2.000,3.000|FS:0,0>", s)
	if !r.Polled || s.StatusExpected {
		t.Fatalf("poll answer not consumed: %+v", r)
	}
	if s.State.Pos.W != (machine.Vec3{X: 0, Y: 1, Z: 2}) {
		t.Fatalf("unexpected W %+v", s.State.Pos.W)
	}
}

func TestDispatchProbeOnlyWhileProbing(t *testing.T) {
	p := New(GRBL1)
	s := newSession(p)
	s.State.Pos.WCO = machine.Vec3{X: 1, Y: 1, Z: 1}

	if r := p.Dispatch("[PRB:5.000,5.000,5.000:1]", s); r.Probe {
		t.Fatalf("probe recorded outside probe cycle")
	}
	s.State.Probing = true
	if r := p.Dispatch("[PRB:5.000,5.000,5.000:1]", s); !r.Probe {
		t.Fatalf("probe not recorded")
	}
	if got := s.State.Probes(); len(got) != 1 || got[0].Vec3 != (machine.Vec3{X: 4, Y: 4, Z: 4}) {
		t.Fatalf("unexpected probes %+v", got)
	}
	if !s.State.ConsumeProbeUpdate() || s.State.ConsumeProbeUpdate() {
		t.Fatalf("probe update must be consumed exactly once")
	}
}

func TestDispatchParametersAndSettings(t *testing.T) {
	p := New(GRBL1)
	s := newSession(p)
	p.Dispatch("[GC:G0 G54 G17 G21 G90 G94 M5 M9 T0 F0 S0]", s)
	p.Dispatch("[TLO:1.500]", s)
	p.Dispatch("[G54:10.000,0.000,-2.000]", s)
	p.Dispatch("[VER:1.1h.20190830:my build]", s)
	p.Dispatch("$110=500.000", s)

	if len(s.State.Modal) != 11 || s.State.TLO != 1.5 {
		t.Fatalf("modal/TLO not stored: %v %v", s.State.Modal, s.State.TLO)
	}
	if s.State.Offsets["G54"] != (machine.Vec3{X: 10, Z: -2}) {
		t.Fatalf("offset not stored: %+v", s.State.Offsets)
	}
	if s.State.Version != "1.1h.20190830" || s.State.Build != "my build" {
		t.Fatalf("version not stored: %q %q", s.State.Version, s.State.Build)
	}
	if s.State.Settings["$110"] != "500.000" {
		t.Fatalf("setting not stored")
	}
	if r := p.Dispatch("garbage!", s); r.Kind != Unrecognized || r.Err == nil {
		t.Fatalf("expected unrecognized, got %+v", r)
	}
}

func TestDispatchCommaStatusGRBL0(t *testing.T) {
	p := New(GRBL0)
	s := newSession(p)
	p.Dispatch("<Run,MPos:5.000,5.000,0.000,WPos:4.000,4.000,0.000>", s)
	if s.State.Machine.State() != machine.Run || s.State.Pos.WCO != (machine.Vec3{X: 1, Y: 1}) {
		t.Fatalf("unexpected state %v wco %+v", s.State.Machine.State(), s.State.Pos.WCO)
	}
	r := p.Dispatch("error: Bad number format", s)
	var ce *ControllerError
	if !errors.As(r.Err, &ce) || ce.Description != "Bad number format" {
		t.Fatalf("unexpected GRBL0 error %+v", r.Err)
	}
}

func TestPlanStepsScenarioD(t *testing.T) {
	got := PlanSteps(machine.FeedOverride, 100, 137)
	want := []byte{FeedPlus10, FeedPlus10, FeedPlus10, FeedPlus10, FeedMinus1, FeedMinus1, FeedMinus1}
	if !bytes.Equal(got, want) {
		t.Fatalf("plan = % X, want % X", got, want)
	}
}

func TestPlanStepsMinimal(t *testing.T) {
	tests := []struct {
		kind            machine.OverrideKind
		current, target int
		n               int
	}{
		{machine.FeedOverride, 100, 100, 0},
		{machine.FeedOverride, 100, 120, 2},
		{machine.FeedOverride, 100, 93, 4},  // -10, +1 x3
		{machine.FeedOverride, 187, 100, 1}, // reset
		{machine.FeedOverride, 100, 250, 10},
		{machine.FeedOverride, 191, 198, 3}, // +10 stops at 200, -1 x2
		{machine.FeedOverride, 191, 199, 2},
		{machine.FeedOverride, 19, 11, 2}, // -10 stops at 10, +1
		{machine.SpindleOverride, 195, 200, 1},
		{machine.FeedOverride, 100, 137, 7},
		{machine.SpindleOverride, 50, 55, 5},
	}
	for _, tc := range tests {
		got := PlanSteps(tc.kind, tc.current, tc.target)
		if len(got) != tc.n {
			t.Errorf("%d -> %d: got %d steps (% X), want %d", tc.current, tc.target, len(got), got, tc.n)
		}
		if replay(tc.kind, tc.current, got) != ClampOverride(tc.target) {
			t.Errorf("%d -> %d: plan % X lands on %d", tc.current, tc.target, got, replay(tc.kind, tc.current, got))
		}
	}
}

// replay executes override bytes the way the controller does, clamping
// after every step.
func replay(kind machine.OverrideKind, v int, plan []byte) int {
	sb := feedBytes
	if kind == machine.SpindleOverride {
		sb = spindleBytes
	}
	for _, b := range plan {
		switch b {
		case sb.reset:
			v = 100
		case sb.plus10:
			v += 10
		case sb.minus10:
			v -= 10
		case sb.plus1:
			v++
		case sb.minus1:
			v--
		}
		v = ClampOverride(v)
	}
	return v
}

func TestApplyOverridesPendingUntilEcho(t *testing.T) {
	p := New(GRBL1)
	s := newSession(p)
	s.State.Overrides.Feed.Target = 137

	plan := p.ApplyOverrides(&s.State.Overrides)
	if len(plan) != 1 || len(plan[0].Bytes) != 7 || !s.State.Overrides.Feed.Pending {
		t.Fatalf("unexpected plan %s", Describe(plan))
	}
	if again := p.ApplyOverrides(&s.State.Overrides); len(again) != 0 {
		t.Fatalf("pending request re-planned: %s", Describe(again))
	}

	// The controller only applied part of it; the echo triggers a re-plan.
	p.Dispatch("<Run|MPos:0,0,0|FS:100,0|Ov:130,100,100>", s)
	plan = p.ApplyOverrides(&s.State.Overrides)
	if len(plan) != 1 || !bytes.Equal(plan[0].Bytes, []byte{FeedPlus10, FeedMinus1, FeedMinus1, FeedMinus1}) {
		t.Fatalf("unexpected re-plan %s", Describe(plan))
	}
	p.Dispatch("<Run|MPos:0,0,0|FS:100,0|Ov:137,100,100>", s)
	if !s.State.Overrides.Converged() {
		t.Fatalf("overrides did not converge: %+v", s.State.Overrides)
	}
}

func TestRapidOverrideSnaps(t *testing.T) {
	ov := machine.DefaultOverrides()
	ov.Rapid.Target = 40
	plan := planRealtimeOverrides(&ov)
	if len(plan) != 1 || !bytes.Equal(plan[0].Bytes, []byte{Rapid50}) || ov.Rapid.Target != 50 {
		t.Fatalf("unexpected rapid plan %s target %d", Describe(plan), ov.Rapid.Target)
	}
}

func TestSoftwareOverridesRewriteLines(t *testing.T) {
	p := New(Smoothie)
	ov := machine.DefaultOverrides()
	ov.Feed.Target = 150
	ov.Spindle.Target = 50
	if plan := p.ApplyOverrides(&ov); len(plan) != 0 {
		t.Fatalf("software overrides must not emit commands")
	}
	if !ov.Converged() {
		t.Fatalf("software overrides not confirmed locally")
	}
	got := p.RewriteLine("G1 X10 F1000 S8000", ov)
	if got != "G1 X10 F1500 S4000" {
		t.Fatalf("rewrite = %q", got)
	}
	if got := p.RewriteLine("$110=500", ov); got != "$110=500" {
		t.Fatalf("settings line rewritten: %q", got)
	}
	if got := New(GRBL1).RewriteLine("G1 F1000", ov); got != "G1 F1000" {
		t.Fatalf("realtime variant rewrote line: %q", got)
	}
}

func TestVariantCommands(t *testing.T) {
	move, err := ParseMove([]string{"X1", "y-0.5"})
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if got := Lines(New(GRBL1).Jog(move, 500)); len(got) != 1 || got[0] != "$J=G91G21X1Y-0.5F500" {
		t.Fatalf("GRBL1 jog = %v", got)
	}
	if got := Lines(New(GRBL0).Jog(move, 500)); len(got) != 2 || got[0] != "G91G0X1Y-0.5" || got[1] != "G90" {
		t.Fatalf("GRBL0 jog = %v", got)
	}
	if got := Lines(New(JSON).Unlock()); got[0] != `{"clear":null}` {
		t.Fatalf("JSON unlock = %v", got)
	}
	pre := New(Smoothie).HardResetPre()
	post := New(Smoothie).HardResetPost()
	if Lines(pre)[0] != "reset" || post[0].Kind != Delay || post[0].Wait != 6*time.Second {
		t.Fatalf("smoothie hard reset = %s / %s", Describe(pre), Describe(post))
	}
	if _, err := ParseMove(nil); !errors.Is(err, ErrEmptyMove) {
		t.Fatalf("expected ErrEmptyMove, got %v", err)
	}
}

func TestPurgeRestoresModalState(t *testing.T) {
	st := machine.NewState(3, true)
	st.Modal = []string{"G1", "G55", "G17", "G20", "G91", "G94", "M3", "M8", "T1", "F100", "S1000"}
	st.TLO = 2.5

	plan := New(GRBL1).Purge(st)
	kinds := []CommandKind{Realtime, Delay, Realtime, Flush, QueuedLine, QueuedLine, QueuedLine}
	if len(plan) != len(kinds) {
		t.Fatalf("unexpected purge plan %s", Describe(plan))
	}
	for i, k := range kinds {
		if plan[i].Kind != k {
			t.Fatalf("step %d: got %v want %v (%s)", i, plan[i].Kind, k, Describe(plan))
		}
	}
	want := []string{"$X", "G1 G55 G17 G20 G91 G94", "G43.1Z2.5"}
	for i, l := range Lines(plan) {
		if l != want[i] {
			t.Fatalf("line %d = %q, want %q", i, l, want[i])
		}
	}
	if plan[2].Bytes[0] != ResetByte {
		t.Fatalf("purge did not reset")
	}
}

func TestJSONDispatch(t *testing.T) {
	p := New(JSON)
	s := newSession(p)
	s.Queue.Push(9, `{"ej":1}`)
	s.Queue.Push(7, "G0 X1")

	if r := p.Dispatch(`{"r":{"ej":1},"f":[1,0,9]}`, s); r.Kind != Ack || r.Entry.Text != `{"ej":1}` {
		t.Fatalf("unexpected ack %+v", r)
	}
	r := p.Dispatch(`{"r":{},"f":[1,101,7]}`, s)
	var ce *ControllerError
	if r.Kind != ErrorReport || !errors.As(r.Err, &ce) || ce.Code != 101 || ce.Line != "G0 X1" {
		t.Fatalf("unexpected error result %+v", r)
	}

	s.StatusExpected = true
	r = p.Dispatch(`{"sr":{"posx":1.5,"mpox":2.5,"stat":5,"mfo":1.2}}`, s)
	if r.Kind != StatusReport || !r.Polled || s.State.Machine.State() != machine.Run {
		t.Fatalf("unexpected status %+v state %v", r, s.State.Machine.State())
	}
	if s.State.Overrides.Feed.Current != 120 || s.State.Pos.WCO.X != 1 {
		t.Fatalf("status not applied: %+v %+v", s.State.Overrides.Feed, s.State.Pos)
	}

	r = p.Dispatch(`{"er":{"fb":100.0,"st":204,"msg":"Limit switch hit"}}`, s)
	if r.Kind != AlarmReport || s.State.Machine.AlarmCode() != 204 {
		t.Fatalf("unexpected exception result %+v", r)
	}

	r = p.Dispatch(`{"r":{"fv":0.97,"fb":100.0,"msg":"SYSTEM READY"},"f":[1,0,0]}`, s)
	if r.Kind != ResetReport || s.State.Machine.State() != machine.Connected {
		t.Fatalf("banner did not reset: %+v", r)
	}
}

func TestJSONOverrides(t *testing.T) {
	p := New(JSON)
	ov := machine.DefaultOverrides()
	ov.Feed.Target = 137
	ov.Rapid.Target = 150
	plan := Lines(p.ApplyOverrides(&ov))
	if len(plan) != 1 || plan[0] != `{"mfo":1.37}` {
		t.Fatalf("unexpected JSON override plan %v", plan)
	}
	if ov.Rapid.Target != 100 {
		t.Fatalf("rapid target not clamped: %d", ov.Rapid.Target)
	}
}
