package controller

import (
	"strings"
	"time"

	"github.com/shaunagostinho/cncstream/internal/flow"
	"github.com/shaunagostinho/cncstream/internal/machine"
	"github.com/shaunagostinho/cncstream/internal/report"
)

// Session is the mutable context a reply is applied to. The sender holds
// its lock while Dispatch runs.
type Session struct {
	State *machine.State
	Queue *flow.PendingQueue
	// StatusExpected is set right before a status poll is written; the next
	// status report consumes it.
	StatusExpected bool
	// Now stamps probe results; nil means time.Now.
	Now func() time.Time
}

func (s *Session) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// ResultKind is the class of a dispatched line.
type ResultKind int

const (
	Unrecognized ResultKind = iota
	Ignored
	StatusReport
	ParameterReport
	Ack
	ErrorReport
	AlarmReport
	SettingReport
	ResetReport
	MessageReport
	Echo
)

func (k ResultKind) String() string {
	switch k {
	case Unrecognized:
		return "unrecognized"
	case Ignored:
		return "ignored"
	case StatusReport:
		return "status"
	case ParameterReport:
		return "parameter"
	case Ack:
		return "ack"
	case ErrorReport:
		return "error"
	case AlarmReport:
		return "alarm"
	case SettingReport:
		return "setting"
	case ResetReport:
		return "reset"
	case MessageReport:
		return "message"
	case Echo:
		return "echo"
	}
	return "unknown"
}

// Result tells the sender what a line did.
type Result struct {
	Kind ResultKind

	// Polled is set for the status report that answered our poll.
	Polled bool
	// Transition is the run-state step the line caused, if any.
	Transition machine.Transition

	// Entry is the pending line this reply resolved.
	Entry    flow.Entry
	Resolved bool

	// Err is a *ControllerError, *ControllerAlarm or *ProtocolError.
	Err error

	// Detected and Version are set for a firmware banner.
	Detected Variant
	Version  string

	Message  string
	Position bool
	Probe    bool
}

func unrecognized(text string, err error) Result {
	return Result{Kind: Unrecognized, Err: &ProtocolError{Line: text, Err: err}}
}

// dispatchText handles the line-oriented GRBL family protocol. Matching is
// ordered; the first tag that fits wins.
func dispatchText(format report.Format, text string, s *Session) Result {
	text = strings.TrimSpace(text)
	switch {
	case text == "":
		return Result{Kind: Ignored}
	case strings.HasPrefix(text, "<"):
		return dispatchStatus(format, text, s)
	case strings.HasPrefix(text, "["):
		return dispatchParameter(text, s)
	case hasPrefixFold(text, "error"):
		return dispatchError(text, s)
	case hasPrefixFold(text, "ALARM"):
		return dispatchAlarm(text, s)
	case text == "ok" || strings.HasPrefix(text, "ok "):
		return resolve(Result{Kind: Ack}, s)
	case strings.HasPrefix(text, "$"):
		st, err := report.ParseSetting(text)
		if err != nil {
			return Result{Kind: Ignored}
		}
		s.State.Settings[st.Name] = st.Value
		return Result{Kind: SettingReport}
	}
	if v, version, ok := detectBanner(text); ok {
		return reset(s, v, version)
	}
	if strings.HasPrefix(text, ">") {
		return Result{Kind: Echo, Message: text}
	}
	return unrecognized(text, nil)
}

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}

// resolve pops the oldest pending line into r. A reply with nothing
// pending is still reported, without an entry.
func resolve(r Result, s *Session) Result {
	if e, err := s.Queue.Pop(); err == nil {
		r.Entry, r.Resolved = e, true
	}
	return r
}

func reset(s *Session, v Variant, version string) Result {
	s.Queue.Clear()
	s.StatusExpected = false
	tr := s.State.Reset()
	if version != "" {
		s.State.Version = version
	}
	return Result{Kind: ResetReport, Transition: tr, Detected: v, Version: version}
}

func dispatchStatus(format report.Format, text string, s *Session) Result {
	if format != report.FormatJSON {
		// Smoothieware switched between comma and pipe layouts across
		// releases, so the separator decides.
		format = report.FormatComma
		if strings.Contains(text, "|") {
			format = report.FormatPipe
		}
	}
	st, err := report.ParseStatus(text, format)
	if err != nil {
		return unrecognized(text, err)
	}
	r := applyStatus(st, s)
	r.Polled = s.StatusExpected
	s.StatusExpected = false
	return r
}

// applyStatus merges a decoded status into the session state.
func applyStatus(st report.Status, s *Session) Result {
	state := s.State
	r := Result{Kind: StatusReport}
	if report.Reconcile(&state.Pos, st, state.Digits) {
		state.MarkPositionUpdated()
		r.Position = true
	}
	if st.KnownRun {
		r.Transition = state.Machine.OnStatus(st.State)
	}
	if st.HasFeed {
		state.Feed = machine.Round(st.Feed, state.Digits)
	}
	if st.HasSpindle {
		state.Spindle = machine.Round(st.Spindle, state.Digits)
	}
	if st.HasBuffer {
		state.PlannerFree, state.RxFree = st.PlannerFree, st.RxFree
	}
	if st.HasLine {
		state.LineNumber = st.Line
	}
	if st.HasPins {
		state.Pins = st.Pins
	}
	if st.HasAcc {
		state.Accessories = st.Accessories
	}
	for i, k := range []machine.OverrideKind{machine.FeedOverride, machine.RapidOverride, machine.SpindleOverride} {
		if st.HasOv[i] {
			state.Overrides.Confirm(k, st.Ov[i])
		}
	}
	return r
}

func dispatchParameter(text string, s *Session) Result {
	p, err := report.ParseParameter(text)
	if err != nil {
		return unrecognized(text, err)
	}
	state := s.State
	r := Result{Kind: ParameterReport, Message: p.Text}
	switch p.Kind {
	case report.ParamProbe:
		if p.Success && state.AddProbe(p.Vec, s.now()) {
			r.Probe = true
		}
	case report.ParamOffset:
		state.Offsets[p.Name] = p.Vec.Round(state.Digits)
	case report.ParamTLO:
		state.TLO = machine.Round(p.Value, state.Digits)
	case report.ParamModal:
		state.Modal = p.Words
	case report.ParamVersion:
		version, build, _ := strings.Cut(p.Text, ":")
		state.Version = version
		if build != "" {
			state.Build = build
		}
	case report.ParamOptions:
		state.Settings["OPT"] = p.Text
	case report.ParamMessage:
		r.Kind = MessageReport
	case report.ParamUnknown, report.ParamHelp, report.ParamEcho:
	}
	return r
}

func dispatchError(text string, s *Session) Result {
	code, desc, ok := report.ParseCode(text)
	if ok {
		desc = report.Describe(report.GRBLErrors, code)
	}
	r := resolve(Result{Kind: ErrorReport}, s)
	s.State.Machine.OnError(code)
	r.Err = &ControllerError{Code: code, Line: r.Entry.Text, Description: desc}
	return r
}

// dispatchAlarm pops one pending entry like error: does; the controller
// discards the line it was executing when the alarm fired.
func dispatchAlarm(text string, s *Session) Result {
	code, desc, ok := report.ParseCode(text)
	if ok {
		desc = report.Describe(report.GRBLAlarms, code)
	}
	r := resolve(Result{Kind: AlarmReport}, s)
	r.Transition = s.State.Machine.OnAlarm(code)
	r.Err = &ControllerAlarm{Code: code, Description: desc}
	return r
}
