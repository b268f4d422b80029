package controller

import (
	"fmt"
	"strings"
	"time"

	"github.com/shaunagostinho/cncstream/internal/machine"
	"github.com/shaunagostinho/cncstream/internal/report"
)

// jsonVariant speaks the g2core/TinyG JSON protocol.
type jsonVariant struct{ base }

func newJSON() *jsonVariant {
	return &jsonVariant{base{
		variant:  JSON,
		name:     "g2core",
		format:   report.FormatJSON,
		bufSize:  254,
		suppress: true,
	}}
}

// InitController switches the board to JSON mode, verbose footers and
// filtered status reports every 250 ms.
func (j *jsonVariant) InitController() []Command {
	return lines(`{"ej":1}`, `{"jv":4}`, `{"sv":1}`, `{"si":250}`)
}

func (j *jsonVariant) ViewState() []Command      { return lines(`{"sr":null}`) }
func (j *jsonVariant) ViewParameters() []Command { return lines(`{"tof":null}`, `{"prb":null}`) }
func (j *jsonVariant) ViewBuild() []Command      { return lines(`{"sys":null}`) }
func (j *jsonVariant) ViewSettings() []Command   { return lines(`{"sys":null}`) }
func (j *jsonVariant) Home() []Command           { return lines("G28.2 X0 Y0 Z0") }
func (j *jsonVariant) Unlock() []Command         { return lines(`{"clear":null}`) }
func (j *jsonVariant) HardResetPost() []Command  { return []Command{wait(2 * time.Second)} }

// Purge uses the queue flush ('%') instead of a full reset.
func (j *jsonVariant) Purge(st *machine.State) []Command {
	plan := []Command{rt(FeedHoldByte), wait(time.Second), rt('%'), flush()}
	return append(plan, restoreModal(st)...)
}

func (j *jsonVariant) ApplyOverrides(ov *machine.Overrides) []Command {
	var plan []Command
	for _, ch := range []struct {
		kind machine.OverrideKind
		key  string
		hi   int
	}{
		{machine.FeedOverride, "mfo", MaxOverride},
		{machine.RapidOverride, "mto", 100},
		{machine.SpindleOverride, "sso", MaxOverride},
	} {
		o := ov.Get(ch.kind)
		o.Target = min(max(o.Target, MinOverride), ch.hi)
		if o.Pending || o.Converged() {
			continue
		}
		plan = append(plan, line(fmt.Sprintf(`{"%s":%s}`, ch.key, formatNumber(float64(o.Target)/100))))
		o.Pending = true
	}
	return plan
}

func (j *jsonVariant) Dispatch(text string, s *Session) Result {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "{") {
		return dispatchText(report.FormatPipe, text, s)
	}
	rep, err := report.ParseJSON(text)
	if err != nil {
		return unrecognized(text, err)
	}

	var r Result
	switch rep.Kind {
	case report.JSONResponse:
		if rep.Banner {
			r = reset(s, JSON, rep.Version)
			break
		}
		r = resolve(Result{Kind: Ack}, s)
		if !jsonSuccess(rep.Code) {
			r.Kind = ErrorReport
			s.State.Machine.OnError(rep.Code)
			r.Err = &ControllerError{Code: rep.Code, Line: r.Entry.Text, Description: report.Describe(report.JSONCodes, rep.Code)}
		}
	case report.JSONStatus:
		r = Result{Kind: StatusReport}
	case report.JSONException:
		// Exceptions are asynchronous; the offending line still gets its
		// own response footer, so nothing is popped here.
		r = Result{Kind: AlarmReport}
		r.Transition = s.State.Machine.OnAlarm(rep.Code)
		desc := rep.Message
		if desc == "" {
			desc = report.Describe(report.JSONCodes, rep.Code)
		}
		r.Err = &ControllerAlarm{Code: rep.Code, Description: desc}
	case report.JSONProbe:
		r = Result{Kind: ParameterReport}
	default:
		return unrecognized(text, nil)
	}

	if rep.HasStatus {
		st := applyStatus(rep.Status, s)
		r.Position = st.Position
		if st.Transition.Changed() {
			r.Transition = st.Transition
		}
		if r.Kind == StatusReport {
			r.Polled = s.StatusExpected
			s.StatusExpected = false
		}
	}
	if rep.HasProbe && rep.ProbeOK && s.State.AddProbe(rep.Probe, s.now()) {
		r.Probe = true
	}
	if rep.HasTLO {
		s.State.TLO = machine.Round(rep.TLO, s.State.Digits)
	}
	return r
}

// jsonSuccess reports whether a footer status accepts the line: OK, NOOP
// and COMPLETE all do.
func jsonSuccess(code int) bool {
	return code == 0 || code == 3 || code == 4
}
