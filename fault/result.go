package fault

import "fmt"

// Advisory is a non-fatal condition worth reporting.
type Advisory struct {
	Kind Kind
	Op   string
	Msg  string
	Step int
	Time float64
}

func (a Advisory) String() string {
	return fmt.Sprintf("%s (step %d, t=%g): %s: %s", a.Op, a.Step, a.Time, a.Kind, a.Msg)
}

// Result carries either a fatal error or a list of advisories so the two
// cannot be mistaken for one another.
type Result struct {
	fatal      error
	advisories []Advisory
}

// OK is an empty result.
func OK() Result { return Result{} }

// Fatal wraps err as a terminating result. Errors whose kind is advisory are
// demoted to an advisory instead.
func Fatal(err error) Result {
	if err == nil {
		return Result{}
	}
	if k, ok := KindOf(err); ok && !k.Fatal() {
		return Advise(Advisory{Kind: k, Msg: err.Error()})
	}
	return Result{fatal: err}
}

// Advise returns a result holding a single advisory.
func Advise(a Advisory) Result { return Result{advisories: []Advisory{a}} }

// Err returns the fatal error, if any.
func (r Result) Err() error { return r.fatal }

// Failed reports whether the result is fatal.
func (r Result) Failed() bool { return r.fatal != nil }

// Advisories returns the collected advisories.
func (r Result) Advisories() []Advisory { return r.advisories }

// Merge folds o into r. The first fatal error wins.
func (r *Result) Merge(o Result) {
	if r.fatal == nil {
		r.fatal = o.fatal
	}
	r.advisories = append(r.advisories, o.advisories...)
}
