package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/maseology/coupler/balance"
	"github.com/maseology/coupler/exchange"
	"github.com/maseology/coupler/fault"
	"github.com/maseology/coupler/mapping"
	"gopkg.in/yaml.v3"
)

const (
	DefaultMaxIterations  = 25
	DefaultSubstepEpsilon = 1e-5
	DefaultOutputDir      = "output"
	DefaultTimeUnit       = "day"
	DefaultRole           = "iterative"
)

// Load reads a .toml, .yaml or .yml file, applies defaults, resolves paths
// against the file's directory and validates the result.
func Load(fp string) (*Config, error) {
	abs, err := filepath.Abs(fp)
	if err != nil {
		return nil, fault.Wrap(fault.Configuration, "config.Load", err)
	}
	c := &Config{Dir: filepath.Dir(abs)}
	var defined func(keys ...string) bool
	switch strings.ToLower(filepath.Ext(fp)) {
	case ".toml":
		meta, err := toml.DecodeFile(abs, c)
		if err != nil {
			return nil, fault.Wrap(fault.Configuration, "config.Load", fmt.Errorf("load %s: %w", fp, err))
		}
		if und := meta.Undecoded(); len(und) > 0 {
			return nil, fault.New(fault.Configuration, "config.Load", "%s: unknown keys %v", fp, und)
		}
		defined = meta.IsDefined
	case ".yaml", ".yml":
		b, err := os.ReadFile(abs)
		if err != nil {
			return nil, fault.Wrap(fault.Configuration, "config.Load", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(b))
		dec.KnownFields(true)
		if err := dec.Decode(c); err != nil {
			return nil, fault.Wrap(fault.Configuration, "config.Load", fmt.Errorf("load %s: %w", fp, err))
		}
		var raw map[string]any
		if err := yaml.Unmarshal(b, &raw); err != nil {
			return nil, fault.Wrap(fault.Configuration, "config.Load", err)
		}
		defined = func(keys ...string) bool { return isDefined(raw, keys) }
	default:
		return nil, fault.New(fault.Configuration, "config.Load", "%s: unsupported configuration format %q", fp, filepath.Ext(fp))
	}
	c.defaults(defined)
	c.resolve()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func isDefined(m map[string]any, keys []string) bool {
	for i, k := range keys {
		v, ok := m[k]
		if !ok {
			return false
		}
		if i == len(keys)-1 {
			return true
		}
		if m, ok = v.(map[string]any); !ok {
			return false
		}
	}
	return false
}

func (c *Config) defaults(defined func(keys ...string) bool) {
	if !defined("run", "max_iterations") {
		c.Run.MaxIterations = DefaultMaxIterations
	}
	if !defined("run", "substep_epsilon") {
		c.Run.SubstepEpsilon = DefaultSubstepEpsilon
	}
	if !defined("run", "output_dir") {
		c.Run.OutputDir = DefaultOutputDir
	}
	for i := range c.Models {
		m := &c.Models[i]
		if strings.TrimSpace(m.TimeUnit) == "" {
			m.TimeUnit = DefaultTimeUnit
		}
		if strings.TrimSpace(m.Role) == "" {
			m.Role = DefaultRole
		}
	}
}

func (c *Config) path(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Dir, p)
}

func (c *Config) resolve() {
	c.Run.OutputDir = c.path(c.Run.OutputDir)
	c.Run.CheckDir = c.path(c.Run.CheckDir)
	for i := range c.Models {
		m := &c.Models[i]
		if m.WorkDir == "" {
			m.WorkDir = c.Dir
		} else {
			m.WorkDir = c.path(m.WorkDir)
		}
		if strings.ContainsAny(m.Library, `/\`) {
			m.Library = c.path(m.Library)
		}
	}
	fix := func(m *Mapped) {
		m.Table = c.path(m.Table)
		if g, ok := strings.CutPrefix(m.Locator, "grid:"); ok {
			m.Locator = "grid:" + c.path(g)
		}
	}
	for i := range c.Exchanges {
		fix(&c.Exchanges[i].Mapped)
	}
	for i := range c.Balances {
		for j := range c.Balances[i].Contributions {
			fix(&c.Balances[i].Contributions[j].Mapped)
		}
	}
}

// Validate checks names, endpoints and enumerations. All problems are
// reported together as one Configuration error.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if c.Run.MaxIterations < 1 {
		bad("run.max_iterations must be positive, got %d", c.Run.MaxIterations)
	}
	if c.Run.SubstepEpsilon <= 0. {
		bad("run.substep_epsilon must be positive, got %g", c.Run.SubstepEpsilon)
	}

	if len(c.Models) == 0 {
		bad("no models")
	}
	models := make(map[string]bool, len(c.Models))
	for i, m := range c.Models {
		switch {
		case m.Name == "" || strings.Contains(m.Name, ":"):
			bad("model %d: invalid name %q", i, m.Name)
		case models[m.Name]:
			bad("model %q declared twice", m.Name)
		}
		models[m.Name] = true
		if m.Library == "" {
			bad("model %q: no library", m.Name)
		}
		if (m.X == "") != (m.Y == "") {
			bad("model %q: x and y coordinate arrays come together", m.Name)
		}
	}
	endpoint := func(what, s string) {
		e, err := ParseEndpoint(s)
		if err != nil {
			bad("%s: %v", what, err)
			return
		}
		if !models[e.Model] {
			bad("%s: unknown model %q", what, e.Model)
		}
	}
	for _, n := range c.Run.Converge {
		if !models[n] {
			bad("run.converge: unknown model %q", n)
		}
	}
	for _, s := range c.Run.Snapshots {
		endpoint("run.snapshots", s)
	}

	labels := make(map[string]bool)
	mapped := func(what string, m Mapped) {
		if m.Label == "" {
			bad("%s: no label", what)
		} else if labels[m.Label] {
			bad("%s: label %q used twice", what, m.Label)
		}
		labels[m.Label] = true
		endpoint(what+" source", m.Source)
		if m.Table == "" {
			bad("%s: no table", what)
		}
		if _, err := mapping.ParseOperator(m.Operator); err != nil {
			bad("%s: %v", what, err)
		}
		for _, ts := range append(append([]string(nil), m.ConvA...), m.ConvB...) {
			t, err := ParseTerm(ts)
			if err != nil {
				bad("%s conversion: %v", what, err)
				continue
			}
			if t.Kind == FieldTerm {
				endpoint(what+" conversion", t.Field.String())
				if t.Index != nil {
					endpoint(what+" conversion index", t.Index.String())
				}
			}
		}
		switch m.Layout.Keyed {
		case "", "source", "target":
		default:
			bad("%s: layout.keyed must be source or target, got %q", what, m.Layout.Keyed)
		}
		if m.Locator != "" {
			kind, arg, _ := strings.Cut(m.Locator, ":")
			switch {
			case kind == "grid" && arg != "":
			case kind == "model" && models[arg]:
			default:
				bad("%s: invalid locator %q", what, m.Locator)
			}
		}
	}
	for i, x := range c.Exchanges {
		what := fmt.Sprintf("exchange %d (%s)", i, x.Label)
		mapped(what, x.Mapped)
		endpoint(what+" target", x.Target)
		if _, err := exchange.ParsePhase(x.Phase); err != nil {
			bad("%s: %v", what, err)
		}
	}
	names := make(map[string]bool)
	for i, b := range c.Balances {
		what := fmt.Sprintf("balance %d (%s)", i, b.Name)
		if b.Name == "" || names[b.Name] {
			bad("%s: missing or repeated name", what)
		}
		names[b.Name] = true
		endpoint(what+" demand", b.Demand)
		endpoint(what+" realised", b.Realised)
		d, _ := ParseEndpoint(b.Demand)
		r, _ := ParseEndpoint(b.Realised)
		if d.Model != r.Model {
			bad("%s: demand and realised belong to different models", what)
		}
		if _, err := balance.ParsePolicy(b.Policy); err != nil {
			bad("%s: %v", what, err)
		}
		if b.Precision != nil && (*b.Precision < 0 || *b.Precision > 15) {
			bad("%s: precision %d outside [0,15]", what, *b.Precision)
		}
		if len(b.Contributions) == 0 {
			bad("%s: no contributions", what)
		}
		own := make(map[string]bool)
		for j, ct := range b.Contributions {
			mapped(fmt.Sprintf("%s contribution %d", what, j), ct.Mapped)
			own[ct.Label] = true
			if ct.Correction != "" {
				endpoint(what+" correction", ct.Correction)
			}
		}
		for _, p := range b.Priority {
			if !own[p] {
				bad("%s: priority label %q is not a contribution", what, p)
			}
		}
	}
	req := func(what string, m Mapped) {
		for _, r := range m.Requires {
			if !labels[r] {
				bad("%s: requires unknown exchange %q", what, r)
			}
		}
	}
	for _, x := range c.Exchanges {
		req("exchange "+x.Label, x.Mapped)
	}
	for _, b := range c.Balances {
		for _, ct := range b.Contributions {
			req("balance "+b.Name+" contribution "+ct.Label, ct.Mapped)
		}
	}

	if len(errs) > 0 {
		return fault.Wrap(fault.Configuration, "config.Validate", errors.Join(errs...))
	}
	return nil
}

// Model returns the named model.
func (c *Config) Model(name string) (Model, bool) {
	for _, m := range c.Models {
		if m.Name == name {
			return m, true
		}
	}
	return Model{}, false
}
