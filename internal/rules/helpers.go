// internal/rules/helpers.go
package rules

import (
	"math"
	"sort"
	"strings"
	"time"
)

/*
 * Helper function registry for rule expressions.
 *
 * Expressions may only call functions registered here. The registry is built
 * once, never mutated afterwards, and shared by reference across concurrent
 * evaluations. Lookups ignore case so "equals(...)" and "Equals(...)" resolve
 * to the same helper.
 *
 * The clock is injected so date helpers (Today, Now, DaysFromToday) are
 * deterministic in tests.
 *
 * Helpers receive already-evaluated arguments and must not panic on absent
 * (nil) input; the evaluator still recovers panics as a last resort.
 */

// RegistryVersion identifies the helper set compiled expressions rely on.
const RegistryVersion = "1.2.0"

// Function is one registered helper.
type Function struct {
	Name    string
	MinArgs int
	MaxArgs int
	Fn      func(args []any) any
}

// Registry is an immutable, versioned table of helper functions.
type Registry struct {
	version string
	now     func() time.Time
	funcs   map[string]Function
}

// RegistryOption configures NewRegistry.
type RegistryOption func(*Registry)

// WithClock replaces time.Now for the date helpers.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		r.now = now
	}
}

// NewRegistry builds the standard helper registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		version: RegistryVersion,
		now:     time.Now,
		funcs:   make(map[string]Function),
	}
	for _, opt := range opts {
		opt(r)
	}

	for op, name := range operatorHelpers {
		if op == OpComplete {
			continue
		}
		r.register(operatorFunction(name, op))
	}

	r.register(Function{Name: "HasValue", MinArgs: 1, MaxArgs: 1, Fn: func(a []any) any {
		return !isEmptyValue(a[0])
	}})
	r.register(Function{Name: "Compare", MinArgs: 2, MaxArgs: 2, Fn: func(a []any) any {
		if a[0] == nil || a[1] == nil {
			return nil
		}
		c, ok := compareOrdered(a[0], a[1])
		if !ok {
			return nil
		}
		return float64(c)
	}})
	r.register(Function{Name: "Length", MinArgs: 1, MaxArgs: 1, Fn: helperLength})
	r.register(Function{Name: "ToLower", MinArgs: 1, MaxArgs: 1, Fn: func(a []any) any {
		if a[0] == nil {
			return nil
		}
		return strings.ToLower(toText(a[0]))
	}})
	r.register(Function{Name: "ToUpper", MinArgs: 1, MaxArgs: 1, Fn: func(a []any) any {
		if a[0] == nil {
			return nil
		}
		return strings.ToUpper(toText(a[0]))
	}})
	r.register(Function{Name: "Trim", MinArgs: 1, MaxArgs: 1, Fn: func(a []any) any {
		if a[0] == nil {
			return nil
		}
		return strings.TrimSpace(toText(a[0]))
	}})
	r.register(Function{Name: "Abs", MinArgs: 1, MaxArgs: 1, Fn: func(a []any) any {
		f, ok := toFloat64(a[0])
		if !ok {
			return nil
		}
		return math.Abs(f)
	}})
	r.register(Function{Name: "Round", MinArgs: 1, MaxArgs: 2, Fn: helperRound})
	r.register(Function{Name: "Today", MinArgs: 0, MaxArgs: 0, Fn: func([]any) any {
		return truncateDay(r.now())
	}})
	r.register(Function{Name: "Now", MinArgs: 0, MaxArgs: 0, Fn: func([]any) any {
		return r.now()
	}})
	r.register(Function{Name: "DaysBetween", MinArgs: 2, MaxArgs: 2, Fn: func(a []any) any {
		from, ok1 := toTime(a[0])
		to, ok2 := toTime(a[1])
		if !ok1 || !ok2 {
			return nil
		}
		return daysBetween(from, to)
	}})
	r.register(Function{Name: "DaysFromToday", MinArgs: 1, MaxArgs: 1, Fn: func(a []any) any {
		t, ok := toTime(a[0])
		if !ok {
			return nil
		}
		return daysBetween(r.now(), t)
	}})
	r.register(Function{Name: "IsWorkday", MinArgs: 1, MaxArgs: 1, Fn: func(a []any) any {
		t, ok := toTime(a[0])
		if !ok {
			return false
		}
		wd := t.Weekday()
		return wd != time.Saturday && wd != time.Sunday
	}})

	return r
}

func (r *Registry) register(fn Function) {
	r.funcs[strings.ToLower(fn.Name)] = fn
}

// Version returns the registry version.
func (r *Registry) Version() string {
	return r.version
}

// Lookup finds a helper by name, ignoring case.
func (r *Registry) Lookup(name string) (Function, bool) {
	fn, ok := r.funcs[strings.ToLower(name)]
	return fn, ok
}

// Names returns the registered helper names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.funcs))
	for _, fn := range r.funcs {
		names = append(names, fn.Name)
	}
	sort.Strings(names)
	return names
}

// operatorFunction adapts Compare to a registry helper.
func operatorFunction(name string, op Operator) Function {
	if op.Unary() {
		return Function{Name: name, MinArgs: 1, MaxArgs: 1, Fn: func(a []any) any {
			return Compare(op, a[0], nil)
		}}
	}
	return Function{Name: name, MinArgs: 2, MaxArgs: 2, Fn: func(a []any) any {
		return Compare(op, a[0], a[1])
	}}
}

func helperLength(a []any) any {
	switch v := a[0].(type) {
	case nil:
		return float64(0)
	case string:
		return float64(len([]rune(v)))
	case []any:
		return float64(len(v))
	case []string:
		return float64(len(v))
	case map[string]any:
		return float64(len(v))
	case map[string]string:
		return float64(len(v))
	default:
		return float64(len([]rune(toText(v))))
	}
}

func helperRound(a []any) any {
	f, ok := toFloat64(a[0])
	if !ok {
		return nil
	}
	digits := 0.0
	if len(a) == 2 {
		d, ok := toFloat64(a[1])
		if !ok || d < 0 || d > 10 {
			return nil
		}
		digits = math.Trunc(d)
	}
	scale := math.Pow(10, digits)
	return math.Round(f*scale) / scale
}

// dateLayouts are accepted by toTime in order.
var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"01/02/2006",
}

// toTime interprets time values and date strings.
func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return *t, true
	case string:
		s := strings.TrimSpace(t)
		for _, layout := range dateLayouts {
			if parsed, err := time.Parse(layout, s); err == nil {
				return parsed, true
			}
		}
	}
	return time.Time{}, false
}

// asTimes converts both sides to times when at least one is already a time.
func asTimes(a, b any) (time.Time, time.Time, bool) {
	_, aIsTime := a.(time.Time)
	_, bIsTime := b.(time.Time)
	if !aIsTime && !bIsTime {
		return time.Time{}, time.Time{}, false
	}
	ta, ok1 := toTime(a)
	tb, ok2 := toTime(b)
	return ta, tb, ok1 && ok2
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// daysBetween counts calendar days from a to b (negative when b is earlier).
func daysBetween(a, b time.Time) float64 {
	da := truncateDay(a.UTC())
	db := truncateDay(b.UTC())
	return math.Round(db.Sub(da).Hours() / 24)
}
