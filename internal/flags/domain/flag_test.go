package domain

import "testing"

func TestTransitionsRejectSkips(t *testing.T) {
	def, ok := Lookup(FlagDualWrite)
	if !ok {
		t.Fatalf("dual write flag must be declared")
	}

	cases := []struct {
		from, to State
		allowed  bool
	}{
		{StateOff, StateShadow, true},
		{StateShadow, StateEnforce, true},
		{StateEnforce, StateShadow, true},
		{StateShadow, StateOff, true},
		{StateOff, StateEnforce, false},
		{StateEnforce, StateOff, false},
	}
	for _, tc := range cases {
		if got := def.CanTransition(tc.from, tc.to); got != tc.allowed {
			t.Fatalf("%s -> %s: expected %v, got %v", tc.from, tc.to, tc.allowed, got)
		}
	}
}

func TestEveryDefaultIsDeclared(t *testing.T) {
	for _, def := range Definitions() {
		if !def.HasState(def.Default) {
			t.Fatalf("%s default %s not in state set", def.Name, def.Default)
		}
		for from, targets := range def.Transitions {
			if !def.HasState(from) {
				t.Fatalf("%s transition from undeclared state %s", def.Name, from)
			}
			for _, to := range targets {
				if !def.HasState(to) {
					t.Fatalf("%s transition to undeclared state %s", def.Name, to)
				}
			}
		}
	}
}

func TestParseName(t *testing.T) {
	if _, err := ParseName(" allocation_backfill "); err != nil {
		t.Fatalf("expected known flag, got %v", err)
	}
	if _, err := ParseName("allocation_everything"); err != ErrUnknownFlag {
		t.Fatalf("expected ErrUnknownFlag, got %v", err)
	}
}

func TestSnapshotFillsDefaultsAndIsolates(t *testing.T) {
	states := map[Name]State{FlagDualWrite: StateShadow, FlagBackfill: "bogus"}
	snap := NewSnapshot(states)

	if snap.WriteMode() != StateShadow {
		t.Fatalf("expected shadow, got %s", snap.WriteMode())
	}
	if snap.State(FlagBackfill) != StateReadOnly {
		t.Fatalf("invalid state should fall back to default, got %s", snap.State(FlagBackfill))
	}
	if snap.GuardMode() != StateOff {
		t.Fatalf("missing flag should use default, got %s", snap.GuardMode())
	}

	states[FlagDualWrite] = StateEnforce
	if snap.WriteMode() != StateShadow {
		t.Fatalf("snapshot must not observe later map writes")
	}

	next := snap.With(FlagDualWrite, StateEnforce)
	if !next.LedgerAuthoritative() || snap.LedgerAuthoritative() {
		t.Fatalf("With must return an independent copy")
	}
	if !snap.LedgerWrites() || DefaultSnapshot().LedgerWrites() {
		t.Fatalf("ledger writes should follow write mode")
	}
}
