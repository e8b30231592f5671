package domain

// Snapshot is an immutable view of every flag, taken once per logical operation.
type Snapshot struct {
	states map[Name]State
}

// NewSnapshot copies states and fills undeclared or invalid entries with defaults.
func NewSnapshot(states map[Name]State) Snapshot {
	out := make(map[Name]State, len(definitions))
	for _, def := range definitions {
		state, ok := states[def.Name]
		if !ok || !def.HasState(state) {
			state = def.Default
		}
		out[def.Name] = state
	}
	return Snapshot{states: out}
}

// DefaultSnapshot is the state of a fresh installation.
func DefaultSnapshot() Snapshot {
	return NewSnapshot(nil)
}

func (s Snapshot) State(name Name) State {
	if state, ok := s.states[name]; ok {
		return state
	}
	if def, ok := Lookup(name); ok {
		return def.Default
	}
	return ""
}

// With returns a copy with name set to state. Used by tests and previews.
func (s Snapshot) With(name Name, state State) Snapshot {
	next := make(map[Name]State, len(s.states)+1)
	for k, v := range s.states {
		next[k] = v
	}
	next[name] = state
	return NewSnapshot(next)
}

func (s Snapshot) States() map[Name]State {
	out := make(map[Name]State, len(s.states))
	for k, v := range s.states {
		out[k] = v
	}
	return out
}

func (s Snapshot) WriteMode() State { return s.State(FlagDualWrite) }

func (s Snapshot) GuardMode() State { return s.State(FlagRuntimeGuards) }

// LedgerWrites reports whether allocation steps also append ledger lines.
func (s Snapshot) LedgerWrites() bool { return s.WriteMode() != StateOff }

// LedgerAuthoritative reports whether balances are read from the ledger.
func (s Snapshot) LedgerAuthoritative() bool { return s.WriteMode() == StateEnforce }
