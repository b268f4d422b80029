package report

import (
	"testing"

	"github.com/shaunagostinho/cncstream/internal/machine"
)

func TestParseParameter(t *testing.T) {
	tests := []struct {
		line string
		kind ParamKind
		name string
	}{
		{"[PRB:1.000,2.000,-3.500:1]", ParamProbe, "PRB"},
		{"[G54:10.000,0.000,0.000]", ParamOffset, "G54"},
		{"[G92:0.000,0.000,0.000]", ParamOffset, "G92"},
		{"[TLO:1.250]", ParamTLO, "TLO"},
		{"[GC:G0 G54 G17 G21 G90 G94 M5 M9 T0 F0 S0]", ParamModal, "GC"},
		{"[G0 G54 G17 G21 G90 G94 M0 M5 M9 T0 F0. S0.]", ParamModal, "GC"},
		{"[MSG:'$H'|'$X' to unlock]", ParamMessage, "MSG"},
		{"[VER:1.1h.20190830:]", ParamVersion, "VER"},
		{"[OPT:V,15,128]", ParamOptions, "OPT"},
		{"[HLP:$$ $# $G $I $N $x=val $Nx=line $J=line $SLP $C $X $H ~ ! ? ctrl-x]", ParamHelp, "HLP"},
		{"[FOO:bar]", ParamUnknown, "FOO"},
	}
	for _, tc := range tests {
		p, err := ParseParameter(tc.line)
		if err != nil {
			t.Fatalf("%s: %v", tc.line, err)
		}
		if p.Kind != tc.kind || p.Name != tc.name {
			t.Errorf("%s: got kind=%v name=%q", tc.line, p.Kind, p.Name)
		}
	}
}

func TestParseProbeDetails(t *testing.T) {
	p, err := ParseParameter("[PRB:1.000,2.000,-3.500,0.000:0]")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if p.Success {
		t.Fatalf("expected failed probe flag")
	}
	if p.Vec != (machine.Vec3{X: 1, Y: 2, Z: -3.5}) {
		t.Fatalf("unexpected vec %+v", p.Vec)
	}
}

func TestParseModalWords(t *testing.T) {
	p, _ := ParseParameter("[GC:G1 G55 G17 G21 G90 G94 M3 M8 T2 F500 S1000]")
	if len(p.Words) != 11 || p.Words[1] != "G55" {
		t.Fatalf("unexpected words %v", p.Words)
	}
}

func TestParseSetting(t *testing.T) {
	s, err := ParseSetting("$100=250.000 (x, step/mm)")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if s.Name != "$100" || s.Value != "250.000" || s.Comment != "x, step/mm" {
		t.Fatalf("unexpected setting %+v", s)
	}
	if _, err := ParseSetting("$$"); err == nil {
		t.Fatalf("expected error for bare command echo")
	}
}

func TestParseJSONResponseAndBanner(t *testing.T) {
	rep, err := ParseJSON(`{"r":{"gc":"g0x1"},"f":[1,0,5]}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if rep.Kind != JSONResponse || rep.Code != 0 || rep.Banner {
		t.Fatalf("unexpected response %+v", rep)
	}

	rep, err = ParseJSON(`{"r":{"fv":0.97,"fb":440.20,"hp":1,"hv":8,"id":"3X3566-YMB","msg":"SYSTEM READY"},"f":[1,0,0]}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !rep.Banner || rep.Version != "440.20" {
		t.Fatalf("expected banner, got %+v", rep)
	}

	rep, _ = ParseJSON(`{"r":{},"f":[1,101,4]}`)
	if rep.Code != 101 {
		t.Fatalf("expected error code 101, got %d", rep.Code)
	}
}

func TestParseJSONStatusAndException(t *testing.T) {
	rep, err := ParseJSON(`{"sr":{"stat":5,"mfo":1.25,"feed":800,"line":7}}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if rep.Status.State != machine.Run || rep.Status.Ov[0] != 125 || !rep.Status.HasOv[0] || rep.Status.Line != 7 {
		t.Fatalf("unexpected status %+v", rep.Status)
	}

	rep, _ = ParseJSON(`{"er":{"fb":440.20,"st":204,"msg":"Limit switch hit"}}`)
	if rep.Kind != JSONException || rep.Code != 204 {
		t.Fatalf("unexpected exception %+v", rep)
	}

	rep, _ = ParseJSON(`{"prb":{"e":1,"x":1.5,"y":2.5,"z":-1.0}}`)
	if rep.Kind != JSONProbe || !rep.ProbeOK || rep.Probe.Z != -1 {
		t.Fatalf("unexpected probe %+v", rep)
	}
}

func TestDescribeUnknownCodeDegrades(t *testing.T) {
	if got := Describe(GRBLErrors, 999); got != "999" {
		t.Fatalf("expected raw code, got %q", got)
	}
	if got := Describe(GRBLAlarms, 1); got == "1" {
		t.Fatalf("expected description for alarm 1")
	}
	code, _, ok := ParseCode("error:22")
	if !ok || code != 22 {
		t.Fatalf("unexpected code %d ok=%v", code, ok)
	}
	if _, text, ok := ParseCode("error: Bad number format"); ok || text != "Bad number format" {
		t.Fatalf("unexpected text %q ok=%v", text, ok)
	}
}
