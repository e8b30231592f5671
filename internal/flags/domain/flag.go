package domain

import (
	"errors"
	"strings"
)

// Name identifies a rollout flag.
type Name string

// State is one element of a flag's declared state set.
type State string

const (
	FlagDualWrite       Name = "allocation_dual_write"
	FlagRuntimeGuards   Name = "allocation_runtime_guards"
	FlagReadSwitch      Name = "allocation_read_switch"
	FlagBackfill        Name = "allocation_backfill"
	FlagUsageVisibility Name = "allocation_usage_visibility"
)

const (
	StateOff      State = "off"
	StateShadow   State = "shadow"
	StateEnforce  State = "enforce"
	StateWarn     State = "warn"
	StateCanary   State = "canary"
	StateFull     State = "full"
	StateReadOnly State = "read_only"
	StateActive   State = "active"
	StateOn       State = "on"
)

// Definition declares the states of a flag and the moves allowed between them.
type Definition struct {
	Name        Name
	Description string
	States      []State
	Default     State
	Transitions map[State][]State
}

var definitions = []Definition{
	{
		Name:        FlagDualWrite,
		Description: "Ledger write mode: legacy only, shadow ledger writes, or ledger authoritative.",
		States:      []State{StateOff, StateShadow, StateEnforce},
		Default:     StateOff,
		Transitions: map[State][]State{
			StateOff:     {StateShadow},
			StateShadow:  {StateEnforce, StateOff},
			StateEnforce: {StateShadow},
		},
	},
	{
		Name:        FlagRuntimeGuards,
		Description: "Over-allocation guards: disabled, log only, or abort.",
		States:      []State{StateOff, StateWarn, StateEnforce},
		Default:     StateOff,
		Transitions: map[State][]State{
			StateOff:     {StateWarn},
			StateWarn:    {StateEnforce, StateOff},
			StateEnforce: {StateWarn},
		},
	},
	{
		Name:        FlagReadSwitch,
		Description: "Debt reads: legacy aggregate, canary slice from the balance cache, or balance cache for all.",
		States:      []State{StateOff, StateCanary, StateFull},
		Default:     StateOff,
		Transitions: map[State][]State{
			StateOff:    {StateCanary},
			StateCanary: {StateFull, StateOff},
			StateFull:   {StateCanary},
		},
	},
	{
		Name:        FlagBackfill,
		Description: "Backfill runner: dry-run inspection only, or active writes.",
		States:      []State{StateReadOnly, StateActive},
		Default:     StateReadOnly,
		Transitions: map[State][]State{
			StateReadOnly: {StateActive},
			StateActive:   {StateReadOnly},
		},
	},
	{
		Name:        FlagUsageVisibility,
		Description: "Exposes the allocation line listing endpoint.",
		States:      []State{StateOff, StateOn},
		Default:     StateOff,
		Transitions: map[State][]State{
			StateOff: {StateOn},
			StateOn:  {StateOff},
		},
	},
}

// Definitions returns every declared flag in declaration order.
func Definitions() []Definition {
	out := make([]Definition, len(definitions))
	copy(out, definitions)
	return out
}

func Lookup(name Name) (Definition, bool) {
	for _, def := range definitions {
		if def.Name == name {
			return def, true
		}
	}
	return Definition{}, false
}

func ParseName(value string) (Name, error) {
	name := Name(strings.TrimSpace(value))
	if _, ok := Lookup(name); !ok {
		return "", ErrUnknownFlag
	}
	return name, nil
}

func (d Definition) HasState(state State) bool {
	for _, s := range d.States {
		if s == state {
			return true
		}
	}
	return false
}

// CanTransition reports whether to is directly reachable from from.
func (d Definition) CanTransition(from, to State) bool {
	for _, next := range d.Transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (d Definition) Next(from State) []State {
	next := d.Transitions[from]
	out := make([]State, len(next))
	copy(out, next)
	return out
}

var (
	ErrUnknownFlag       = errors.New("unknown_flag")
	ErrUnknownState      = errors.New("unknown_state")
	ErrInvalidTransition = errors.New("invalid_transition")
	ErrInvalidActor      = errors.New("invalid_actor")
	ErrNotLoaded         = errors.New("flags_not_loaded")
)
