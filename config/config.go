// Package config reads a coupled-run configuration from TOML or YAML.
package config

import (
	"strconv"
	"strings"

	"github.com/maseology/coupler/fault"
)

// Config is a coupled run.
type Config struct {
	Dir string `toml:"-" yaml:"-"` // directory of the configuration file

	Run       Run        `toml:"run" yaml:"run"`
	Models    []Model    `toml:"model" yaml:"models"`
	Exchanges []Exchange `toml:"exchange" yaml:"exchanges"`
	Balances  []Balance  `toml:"balance" yaml:"balances"`
}

// Run holds loop and output settings.
type Run struct {
	MaxIterations  int      `toml:"max_iterations" yaml:"max_iterations"`
	SubstepEpsilon float64  `toml:"substep_epsilon" yaml:"substep_epsilon"`
	Converge       []string `toml:"converge" yaml:"converge"` // models whose convergence ends the inner loop; leader if empty
	OutputDir      string   `toml:"output_dir" yaml:"output_dir"`
	CheckDir       string   `toml:"check_dir" yaml:"check_dir"` // mapping check output, none if empty
	PreserveLast   bool     `toml:"preserve_last" yaml:"preserve_last"`
	Diagnostics    bool     `toml:"diagnostics" yaml:"diagnostics"` // record every exchange to CSV
	Snapshots      []string `toml:"snapshots" yaml:"snapshots"`     // arrays dumped after the run
	Progress       bool     `toml:"progress" yaml:"progress"`
}

// Model is one foreign model.
type Model struct {
	Name     string `toml:"name" yaml:"name"`
	Library  string `toml:"library" yaml:"library"`
	WorkDir  string `toml:"workdir" yaml:"workdir"`
	Config   string `toml:"config" yaml:"config"`
	Role     string `toml:"role" yaml:"role"` // leader, iterative or substep
	TimeUnit string `toml:"time_unit" yaml:"time_unit"`
	X        string `toml:"x" yaml:"x"` // coordinate arrays for (x, y) keyed tables
	Y        string `toml:"y" yaml:"y"`
}

// Layout names the columns of a correspondence table.
type Layout struct {
	Source    string `toml:"source" yaml:"source"`
	Target    string `toml:"target" yaml:"target"`
	Weight    string `toml:"weight" yaml:"weight"`
	X         string `toml:"x" yaml:"x"`
	Y         string `toml:"y" yaml:"y"`
	Keyed     string `toml:"keyed" yaml:"keyed"` // "source" or "target"
	ZeroBased bool   `toml:"zero_based" yaml:"zero_based"`
}

// Mapped is the part shared by exchanges and balance contributions.
type Mapped struct {
	Label    string   `toml:"label" yaml:"label"`
	Source   string   `toml:"source" yaml:"source"`
	Table    string   `toml:"table" yaml:"table"`
	Layout   Layout   `toml:"layout" yaml:"layout"`
	Locator  string   `toml:"locator" yaml:"locator"` // "grid:<file.gdef>" or "model:<name>"
	Operator string   `toml:"operator" yaml:"operator"`
	ConvA    []string `toml:"conv_a" yaml:"conv_a"`
	ConvB    []string `toml:"conv_b" yaml:"conv_b"`
	Optional bool     `toml:"optional" yaml:"optional"`
	Requires []string `toml:"requires" yaml:"requires"`
}

// Exchange moves Source into Target.
type Exchange struct {
	Mapped     `yaml:",inline"`
	Target     string `toml:"target" yaml:"target"`
	Phase      string `toml:"phase" yaml:"phase"`
	Accumulate bool   `toml:"accumulate" yaml:"accumulate"`
}

// Contribution is one labelled demand of a Balance, mapped into the
// receiving model's element space. The correction realised minus demand is
// mapped back into Correction.
type Contribution struct {
	Mapped     `yaml:",inline"`
	Correction string `toml:"correction" yaml:"correction"`
}

// Balance is a shared exchange apportioned by a ledger.
type Balance struct {
	Name          string         `toml:"name" yaml:"name"`
	Demand        string         `toml:"demand" yaml:"demand"`     // receiving array for the summed demand
	Realised      string         `toml:"realised" yaml:"realised"` // realised total after sub-stepping
	Policy        string         `toml:"policy" yaml:"policy"`
	Priority      []string       `toml:"priority" yaml:"priority"`
	Precision     *int           `toml:"precision" yaml:"precision"`
	Contributions []Contribution `toml:"contribution" yaml:"contributions"`
}

// Endpoint addresses a model array as "model:NAME".
type Endpoint struct {
	Model, Var string
}

func (e Endpoint) String() string { return e.Model + ":" + e.Var }

// ParseEndpoint reads "model:NAME". The array name may itself contain
// slashes and colons.
func ParseEndpoint(s string) (Endpoint, error) {
	m, v, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || m == "" || v == "" {
		return Endpoint{}, fault.New(fault.Configuration, "config.ParseEndpoint", "%q is not model:array", s)
	}
	return Endpoint{m, v}, nil
}

// TermKind distinguishes conversion terms.
type TermKind int

const (
	ScalarTerm TermKind = iota
	StepTerm
	FieldTerm
)

// Term is a parsed conversion factor: a number, "dt", "model:ARRAY" or
// "model:ARRAY@model:INDEX" (gathered through one-based indices).
type Term struct {
	Kind  TermKind
	Value float64
	Field Endpoint
	Index *Endpoint
	Text  string
}

// ParseTerm reads one conversion factor.
func ParseTerm(s string) (Term, error) {
	s = strings.TrimSpace(s)
	t := Term{Text: s}
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		t.Value = v
		return t, nil
	}
	if strings.EqualFold(s, "dt") {
		t.Kind = StepTerm
		return t, nil
	}
	t.Kind = FieldTerm
	f, ix, gathered := strings.Cut(s, "@")
	var err error
	if t.Field, err = ParseEndpoint(f); err != nil {
		return t, err
	}
	if gathered {
		e, err := ParseEndpoint(ix)
		if err != nil {
			return t, err
		}
		t.Index = &e
	}
	return t, nil
}
