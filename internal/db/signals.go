package db

// Signal is the concrete time-series tag a dictionary entry maps to on one machine.
type Signal struct {
	Tag        string
	Value      int64
	Cumulative bool
}

// EventSignal resolves an event entry for the machine: a per-machine override
// wins, otherwise the entry's default tag and trigger value are used. The
// second result is false when neither names a tag.
func (m *Machine) EventSignal(e *EventEntry) (Signal, bool) {
	if e == nil {
		return Signal{}, false
	}
	for _, s := range m.Signals {
		if s.EventID != nil && *s.EventID == e.ID && s.Tag != "" {
			return Signal{Tag: s.Tag, Value: s.Value}, true
		}
	}
	if e.DefaultTag == "" {
		return Signal{}, false
	}
	return Signal{Tag: e.DefaultTag, Value: e.DefaultValue}, true
}

// CountSignal resolves a count entry for the machine the same way EventSignal does.
func (m *Machine) CountSignal(c *CountEntry) (Signal, bool) {
	if c == nil {
		return Signal{}, false
	}
	for _, s := range m.Signals {
		if s.CountID != nil && *s.CountID == c.ID && s.Tag != "" {
			return Signal{Tag: s.Tag, Cumulative: s.IsCumulative}, true
		}
	}
	if c.DefaultTag == "" {
		return Signal{}, false
	}
	return Signal{Tag: c.DefaultTag, Cumulative: c.IsCumulative}, true
}
