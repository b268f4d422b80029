package machine

// OverrideKind selects one of the three override channels.
type OverrideKind int

const (
	FeedOverride OverrideKind = iota
	RapidOverride
	SpindleOverride
)

func (k OverrideKind) String() string {
	switch k {
	case FeedOverride:
		return "feed"
	case RapidOverride:
		return "rapid"
	case SpindleOverride:
		return "spindle"
	}
	return "unknown"
}

// Override is a request/confirm pair: Target is what the caller asked for,
// Current is what the controller last echoed. Pending is set while a
// correction has been emitted but not yet confirmed by a status report.
type Override struct {
	Target  int  `json:"target"`
	Current int  `json:"current"`
	Pending bool `json:"pending"`
}

// Converged reports whether the controller confirmed the requested value.
func (o Override) Converged() bool { return o.Target == o.Current }

// Overrides holds the feed, rapid and spindle channels in percent.
type Overrides struct {
	Feed    Override `json:"feed"`
	Rapid   Override `json:"rapid"`
	Spindle Override `json:"spindle"`
}

// DefaultOverrides returns all channels at 100 %.
func DefaultOverrides() Overrides {
	o := Override{Target: 100, Current: 100}
	return Overrides{Feed: o, Rapid: o, Spindle: o}
}

// Get returns a pointer to the channel selected by k.
func (o *Overrides) Get(k OverrideKind) *Override {
	switch k {
	case RapidOverride:
		return &o.Rapid
	case SpindleOverride:
		return &o.Spindle
	default:
		return &o.Feed
	}
}

// Confirm records a value echoed by the controller and clears Pending.
func (o *Overrides) Confirm(k OverrideKind, current int) {
	ch := o.Get(k)
	ch.Current = current
	ch.Pending = false
}

// Converged reports whether all three channels match their targets.
func (o Overrides) Converged() bool {
	return o.Feed.Converged() && o.Rapid.Converged() && o.Spindle.Converged()
}
