package logx

import (
	"time"

	"github.com/rs/zerolog"
)

// Field mutates a zerolog event. Fields apply in order; later fields win on
// duplicate keys.
type Field func(e *zerolog.Event)

func String(k, v string) Field    { return func(e *zerolog.Event) { e.Str(k, v) } }
func Int(k string, v int) Field   { return func(e *zerolog.Event) { e.Int(k, v) } }
func Bool(k string, v bool) Field { return func(e *zerolog.Event) { e.Bool(k, v) } }
func Duration(k string, v time.Duration) Field {
	return func(e *zerolog.Event) { e.Dur(k, v) }
}
func Time(k string, v time.Time) Field { return func(e *zerolog.Event) { e.Time(k, v) } }
func Any(k string, v any) Field        { return func(e *zerolog.Event) { e.Interface(k, v) } }
func Strs(k string, v []string) Field  { return func(e *zerolog.Event) { e.Strs(k, v) } }

func Err(err error) Field {
	return func(e *zerolog.Event) {
		if err != nil {
			e.Err(err)
		}
	}
}

// Component tags every record of a derived logger with the owning
// subsystem ("queue", "scheduler", ...).
func Component(name string) Field { return String(componentKey, name) }

// Terminal marks a record as a failure nobody will retry: a job out of
// attempts, a failed execution, a schedule disabled by the scheduler. The
// operator sink keeps terminal records regardless of its min level.
func Terminal() Field { return Bool(terminalKey, true) }

const (
	componentKey = "comp"
	terminalKey  = "terminal"
)

var terminalMarker = []byte(`"` + terminalKey + `":true`)
