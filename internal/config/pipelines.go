package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"regexp"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Pipelines is the declarative list of sources loaded on every run.
type Pipelines struct {
	Destination string        `yaml:"destination"`
	BatchSize   int           `yaml:"batch_size"`
	Workers     int           `yaml:"workers"`
	BackupDir   string        `yaml:"backup_dir"`
	Retry       RetrySettings `yaml:"retry"`
	Sources     []Source      `yaml:"sources"`
}

type RetrySettings struct {
	Workers      int           `yaml:"workers"`
	BaseTimeout  time.Duration `yaml:"base_timeout"`
	RetryTimeout time.Duration `yaml:"retry_timeout"`
	RateLimitRPS float64       `yaml:"rate_limit_rps"`
}

// Source describes one remote collection and the table it lands in.
type Source struct {
	Name     string            `yaml:"name"`
	BaseURL  string            `yaml:"base_url"`
	Path     string            `yaml:"path"`
	TokenEnv string            `yaml:"token_env"`
	Headers  map[string]string `yaml:"headers"`
	Query    map[string]string `yaml:"query"`
	PageSize int               `yaml:"page_size"`
	Timeout  time.Duration     `yaml:"timeout"`

	// DependsOn lists sources that must load first. Fanout "from"
	// references must name one of them.
	DependsOn []string `yaml:"depends_on"`
	// Fanout turns the source into one fetch unit per parameter
	// combination instead of a paginated listing. Path may hold {param}
	// placeholders filled from each unit.
	Fanout []Fanout `yaml:"fanout"`
	// RecordsPath locates the records in a response, e.g. _embedded.items.
	// Paginated sources default to data.data with the total at data.total;
	// a paginated source with a records_path and no total_path pages until
	// a short or empty page.
	RecordsPath string `yaml:"records_path"`
	TotalPath   string `yaml:"total_path"`

	Table      string `yaml:"table"`
	Postfix    string `yaml:"postfix"`
	PrimaryKey string `yaml:"primary_key"`
	Truncate   bool   `yaml:"truncate"`
}

// Fanout is one axis of a unit cross product: literal values or the
// values of a column in an upstream extract ("source.column") for a
// single param, or Params mapping several params to columns of one
// upstream extract, which yields one choice per distinct upstream row.
type Fanout struct {
	Param  string            `yaml:"param"`
	From   string            `yaml:"from"`
	Values []string          `yaml:"values"`
	Params map[string]string `yaml:"params"`
}

// Ref splits From into source and column.
func (f Fanout) Ref() (source, column string) {
	return splitRef(f.From)
}

// Names lists the params the axis sets, sorted.
func (f Fanout) Names() []string {
	if len(f.Params) == 0 {
		return []string{f.Param}
	}
	names := make([]string, 0, len(f.Params))
	for name := range f.Params {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Upstream is the source a from or params axis reads.
func (f Fanout) Upstream() string {
	if f.From != "" {
		src, _ := f.Ref()
		return src
	}
	if len(f.Params) == 0 {
		return ""
	}
	src, _ := splitRef(f.Params[f.Names()[0]])
	return src
}

func splitRef(ref string) (source, column string) {
	source, column, _ = strings.Cut(ref, ".")
	return source, column
}

var placeholder = regexp.MustCompile(`\{([^{}/]+)\}`)

// PathParams lists the {param} placeholders in Path.
func (s Source) PathParams() []string {
	var out []string
	for _, m := range placeholder.FindAllStringSubmatch(s.Path, -1) {
		out = append(out, m[1])
	}
	return out
}

// TableBase is the table base name, defaulting to the source name.
func (s Source) TableBase() string {
	if s.Table != "" {
		return s.Table
	}
	return s.Name
}

// LoadPipelines reads and validates the pipelines file. Unknown keys are
// rejected so typos surface before anything runs.
func LoadPipelines(path string) (*Pipelines, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pipelines file '%s': %w", path, err)
	}
	p, err := ParsePipelines(data)
	if err != nil {
		return nil, fmt.Errorf("pipelines file '%s': %w", path, err)
	}
	return p, nil
}

func ParsePipelines(data []byte) (*Pipelines, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var p Pipelines
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if p.Destination == "" {
		p.Destination = DestinationPostgres
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *Pipelines) Validate() error {
	if len(p.Sources) == 0 {
		return errors.New("no sources defined")
	}
	if p.BatchSize < 0 || p.Workers < 0 {
		return errors.New("batch_size and workers must not be negative")
	}

	names := map[string]bool{}
	for _, s := range p.Sources {
		if s.Name == "" {
			return errors.New("source without a name")
		}
		if names[s.Name] {
			return fmt.Errorf("duplicate source %q", s.Name)
		}
		names[s.Name] = true
	}

	for _, s := range p.Sources {
		if s.BaseURL == "" {
			return fmt.Errorf("source %q: base_url is required", s.Name)
		}
		if s.PrimaryKey == "" {
			return fmt.Errorf("source %q: primary_key is required", s.Name)
		}
		for _, d := range s.DependsOn {
			if !names[d] {
				return fmt.Errorf("source %q depends on unknown source %q", s.Name, d)
			}
		}
		if err := validateSource(s); err != nil {
			return fmt.Errorf("source %q: %w", s.Name, err)
		}
	}
	return nil
}

func validateSource(s Source) error {
	params := map[string]bool{}
	for _, f := range s.Fanout {
		if err := validateFanout(s, f); err != nil {
			return err
		}
		for _, name := range f.Names() {
			if params[name] {
				return fmt.Errorf("fanout param %q set by more than one axis", name)
			}
			params[name] = true
		}
	}
	if len(s.Fanout) > 0 && s.TotalPath != "" {
		return errors.New("total_path applies to paginated sources only")
	}
	for _, name := range s.PathParams() {
		if !params[name] {
			return fmt.Errorf("path placeholder {%s} is not a fanout param", name)
		}
	}
	return nil
}

func validateFanout(s Source, f Fanout) error {
	set := 0
	for _, ok := range []bool{f.From != "", len(f.Values) > 0, len(f.Params) > 0} {
		if ok {
			set++
		}
	}
	if len(f.Params) > 0 {
		if f.Param != "" {
			return fmt.Errorf("fanout %q: param and params are exclusive", f.Param)
		}
		if set != 1 {
			return errors.New("fanout params: from and values are not allowed")
		}
		upstream := f.Upstream()
		for _, name := range f.Names() {
			src, col := splitRef(f.Params[name])
			if src == "" || col == "" {
				return fmt.Errorf("fanout %q: want source.column, got %q", name, f.Params[name])
			}
			if src != upstream {
				return fmt.Errorf("fanout params: %q and %q read different sources", upstream, src)
			}
		}
		return requireDependency(s, upstream)
	}

	if f.Param == "" {
		return errors.New("fanout entry without param")
	}
	if set != 1 {
		return fmt.Errorf("fanout %q: set exactly one of from or values", f.Param)
	}
	if f.From != "" {
		src, col := f.Ref()
		if src == "" || col == "" {
			return fmt.Errorf("fanout %q: from must look like source.column, got %q", f.Param, f.From)
		}
		return requireDependency(s, src)
	}
	return nil
}

func requireDependency(s Source, upstream string) error {
	if !slices.Contains(s.DependsOn, upstream) {
		return fmt.Errorf("fanout: %q must be listed in depends_on", upstream)
	}
	return nil
}

// Select keeps only the named sources, in file order.
func (p *Pipelines) Select(only []string) ([]Source, error) {
	if len(only) == 0 {
		return p.Sources, nil
	}
	var out []Source
	for _, name := range only {
		if !slices.ContainsFunc(p.Sources, func(s Source) bool { return s.Name == name }) {
			return nil, fmt.Errorf("unknown source %q", name)
		}
	}
	for _, s := range p.Sources {
		if slices.Contains(only, s.Name) {
			out = append(out, s)
		}
	}
	return out, nil
}
