// Package route classifies route strings into handler invocations and target mutations.
package route

import (
	"strings"

	"github.com/pkg/errors"
)

// ErrInvalidRoute is returned for routes that are neither a usable invocation nor a usable mutation.
var ErrInvalidRoute = errors.New("route: invalid route")

const (
	_sigilReplace = '='
	_sigilAppend  = '+'
	_sigilSwap    = '@'
	_sigilID      = '#'

	_separator = "."
)

// Kind tells how a route is served
type Kind uint8

const (
	// KindInvocation routes name a registered handler.
	KindInvocation Kind = iota
	// KindMutation routes name an external target to modify.
	KindMutation
)

// String implements fmt.Stringer
func (k Kind) String() string {
	if k == KindMutation {
		return "Mutation"
	}
	return "Invocation"
}

// Mode is what a mutation does to its target
type Mode uint8

const (
	// Replace sets the content of the target.
	Replace Mode = iota
	// Append adds to the content of the target.
	Append
	// Swap replaces the target as a whole.
	Swap
)

// String implements fmt.Stringer
func (m Mode) String() string {
	switch m {
	case Append:
		return "Append"
	case Swap:
		return "Swap"
	default:
		return "Replace"
	}
}

func (m Mode) sigil() byte {
	switch m {
	case Append:
		return _sigilAppend
	case Swap:
		return _sigilSwap
	default:
		return _sigilReplace
	}
}

// Addressing is how a mutation locates its target
type Addressing uint8

const (
	// Query addresses targets through a structural query such as ".cls" or "div > p".
	Query Addressing = iota
	// Identifier addresses exactly one target by its id.
	Identifier
)

// String implements fmt.Stringer
func (a Addressing) String() string {
	if a == Identifier {
		return "Identifier"
	}
	return "Query"
}

// Mutation is a parsed mutation route.
type Mutation struct {
	Mode       Mode
	Addressing Addressing
	// Target is the identifier or query, never empty
	Target string
}

// String renders the canonical route form, e.g. "=#result" or "+.log"
func (m Mutation) String() string {
	var sb strings.Builder
	sb.Grow(len(m.Target) + 2)
	sb.WriteByte(m.Mode.sigil())
	if m.Addressing == Identifier {
		sb.WriteByte(_sigilID)
	}
	sb.WriteString(m.Target)
	return sb.String()
}

// Route is a classified route string.
type Route struct {
	Raw  string
	Kind Kind

	// Path is set for invocations, the route split on "."
	Path []string
	// Mutation is set for mutations
	Mutation Mutation
}

// Classify inspects the leading sigils of route.
//
//	"main.index"   invocation of ["main" "index"]
//	"=#result"     replace content of the target with id "result"
//	"+.log"        append to the content of targets matching ".log"
//	"@#panel"      swap the whole target with id "panel"
//	"#result"      same as "=#result"
func Classify(route string) (Route, error) {
	if route == "" {
		return Route{}, errors.WithMessage(ErrInvalidRoute, "empty route")
	}

	r := Route{Raw: route}
	var (
		m    Mutation
		rest string
	)
	switch route[0] {
	case _sigilReplace, _sigilAppend, _sigilSwap:
		m.Mode = modeOf(route[0])
		rest = route[1:]
		if rest != "" && rest[0] == _sigilID {
			m.Addressing = Identifier
			rest = rest[1:]
		}
	case _sigilID:
		m.Mode = Replace
		m.Addressing = Identifier
		rest = route[1:]
	default:
		r.Kind = KindInvocation
		r.Path = strings.Split(route, _separator)
		return r, nil
	}

	if rest == "" {
		return Route{}, errors.WithMessagef(ErrInvalidRoute, "route %q has no target", route)
	}
	m.Target = rest
	r.Kind = KindMutation
	r.Mutation = m
	return r, nil
}

func modeOf(sigil byte) Mode {
	switch sigil {
	case _sigilAppend:
		return Append
	case _sigilSwap:
		return Swap
	default:
		return Replace
	}
}

// IsMutation reports whether route starts with a mutation sigil, without validating the rest.
func IsMutation(route string) bool {
	if route == "" {
		return false
	}
	switch route[0] {
	case _sigilReplace, _sigilAppend, _sigilSwap, _sigilID:
		return true
	default:
		return false
	}
}
