package etl

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/BartekS5/tabsync/internal/backup"
	"github.com/BartekS5/tabsync/internal/config"
	"github.com/BartekS5/tabsync/internal/fetch"
	"github.com/BartekS5/tabsync/pkg/models"
	"github.com/BartekS5/tabsync/pkg/utils"
	"github.com/google/uuid"
)

// Runner executes a list of declarative sources: fetch, transform,
// optionally back up, then load. Sources run one after another in
// dependency order.
type Runner struct {
	Loader      *Loader
	Transformer *Transformer
	// Backup, when set, saves every extract before it is loaded.
	Backup *backup.Writer
	Retry  fetch.RetryOptions
	// HTTPClient is shared by every source client.
	HTTPClient *http.Client
	// Getenv resolves token_env; defaults to os.Getenv.
	Getenv func(string) string
	// DryRun fetches and transforms but never touches the destination.
	DryRun bool
	Logger *slog.Logger
}

type SourceReport struct {
	Name    string
	Records int
	// Units and SkippedUnits are set for fanout sources.
	Units        int
	SkippedUnits int
	Load         *LoadReport
	BackupPath   string
	// Skipped means an upstream source failed and this one never ran.
	Skipped  bool
	Err      error
	Duration time.Duration
}

// OK reports whether the source ran and loaded every batch.
func (s SourceReport) OK() bool {
	return !s.Skipped && s.Err == nil && (s.Load == nil || s.Load.OK())
}

type RunReport struct {
	RunID    string
	Sources  []SourceReport
	Duration time.Duration
}

func (r *RunReport) OK() bool {
	for _, s := range r.Sources {
		if !s.OK() {
			return false
		}
	}
	return true
}

// Failed lists the sources that did not fully succeed.
func (r *RunReport) Failed() []string {
	var out []string
	for _, s := range r.Sources {
		if !s.OK() {
			out = append(out, s.Name)
		}
	}
	return out
}

// RunTotals sums the per-source counts of a run.
type RunTotals struct {
	Records       int
	Inserted      int
	Updated       int
	FailedBatches int
	SkippedUnits  int
	// SkippedSources never ran because an upstream source failed.
	SkippedSources int
}

func (r *RunReport) Totals() RunTotals {
	var t RunTotals
	for _, s := range r.Sources {
		t.Records += s.Records
		t.SkippedUnits += s.SkippedUnits
		if s.Skipped {
			t.SkippedSources++
		}
		if s.Load != nil {
			t.Inserted += s.Load.Inserted
			t.Updated += s.Load.Updated
			t.FailedBatches += s.Load.FailedBatches
		}
	}
	return t
}

func (r *RunReport) LogValue() slog.Value {
	t := r.Totals()
	return slog.GroupValue(
		slog.String("run_id", r.RunID),
		slog.Int("sources", len(r.Sources)),
		slog.Int("records", t.Records),
		slog.Int("inserted", t.Inserted),
		slog.Int("updated", t.Updated),
		slog.Int("failed_batches", t.FailedBatches),
		slog.Int("skipped_units", t.SkippedUnits),
		slog.Int("skipped_sources", t.SkippedSources),
		slog.Any("failed", r.Failed()),
		slog.Duration("duration", r.Duration),
	)
}

// Order sorts sources so every source follows the ones it depends on,
// keeping file order otherwise. Dependencies outside the list are
// ignored; a cycle is an error.
func Order(sources []config.Source) ([]config.Source, error) {
	index := map[string]int{}
	for i, s := range sources {
		index[s.Name] = i
	}
	indegree := make([]int, len(sources))
	dependents := make([][]int, len(sources))
	for i, s := range sources {
		for _, d := range s.DependsOn {
			j, ok := index[d]
			if !ok {
				continue
			}
			indegree[i]++
			dependents[j] = append(dependents[j], i)
		}
	}

	var out []config.Source
	done := make([]bool, len(sources))
	for len(out) < len(sources) {
		next := -1
		for i := range sources {
			if !done[i] && indegree[i] == 0 {
				next = i
				break
			}
		}
		if next < 0 {
			var stuck []string
			for i, s := range sources {
				if !done[i] {
					stuck = append(stuck, s.Name)
				}
			}
			return nil, fmt.Errorf("dependency cycle among sources %v", stuck)
		}
		done[next] = true
		out = append(out, sources[next])
		for _, d := range dependents[next] {
			indegree[d]--
		}
	}
	return out, nil
}

// Run executes sources and reports on each. The returned error is
// reserved for problems with the source list itself; source failures
// are recorded in the report and skip only their dependents.
func (r *Runner) Run(ctx context.Context, sources []config.Source) (*RunReport, error) {
	if r.Loader == nil && !r.DryRun {
		return nil, fmt.Errorf("runner has no loader")
	}
	ordered, err := Order(sources)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	rep := &RunReport{RunID: uuid.NewString()}
	log := r.logger().With("run_id", rep.RunID)
	log.Info("run started", "sources", len(ordered), "dry_run", r.DryRun)

	extracts := map[string]*models.Extract{}
	failed := map[string]bool{}
	for _, src := range ordered {
		srcLog := log.With("source", src.Name)
		var blocked string
		for _, d := range src.DependsOn {
			if failed[d] {
				blocked = d
				break
			}
		}
		if blocked != "" {
			failed[src.Name] = true
			srcLog.Warn("source skipped, upstream failed", "upstream", blocked)
			rep.Sources = append(rep.Sources, SourceReport{Name: src.Name, Skipped: true})
			continue
		}

		srep := r.runSource(ctx, srcLog, src, extracts)
		if srep.Err != nil {
			failed[src.Name] = true
			srcLog.Error("source failed", "error", srep.Err)
		}
		rep.Sources = append(rep.Sources, srep)
	}

	rep.Duration = time.Since(start)
	if rep.OK() {
		log.Info("run finished", "report", rep)
	} else {
		log.Warn("run finished with failures", "report", rep)
	}
	return rep, nil
}

func (r *Runner) runSource(ctx context.Context, log *slog.Logger, src config.Source, extracts map[string]*models.Extract) (srep SourceReport) {
	start := time.Now()
	srep.Name = src.Name
	defer func() { srep.Duration = time.Since(start) }()

	records, err := r.fetchSource(ctx, log, src, extracts, &srep)
	if err != nil {
		srep.Err = err
		return srep
	}
	srep.Records = len(records)

	ext := r.transformer().ToExtract(src.Name, records, src.PrimaryKey)
	extracts[src.Name] = ext
	if len(records) == 0 {
		log.Warn("source returned no records, nothing to load")
		return srep
	}

	if r.Backup != nil {
		path, err := r.Backup.Save(ext)
		if err != nil {
			log.Error("backup failed", "error", err)
		}
		srep.BackupPath = path
	}

	if r.DryRun {
		log.Info("dry run: skipping load",
			"table", models.TableName(src.TableBase(), src.Postfix), "rows", ext.Len(), "columns", len(ext.Columns))
		return srep
	}

	loader := *r.Loader
	loader.Truncate = src.Truncate
	loader.Logger = log
	srep.Load, srep.Err = loader.Load(ctx, ext, src.TableBase(), src.Postfix, ext.PrimaryKey)
	return srep
}

func (r *Runner) fetchSource(ctx context.Context, log *slog.Logger, src config.Source, extracts map[string]*models.Extract, srep *SourceReport) ([]map[string]any, error) {
	token := ""
	if src.TokenEnv != "" {
		token = r.getenv(src.TokenEnv)
		if token == "" {
			return nil, fmt.Errorf("token variable %s is empty", src.TokenEnv)
		}
	}
	client, err := fetch.NewClient(fetch.ClientOptions{
		BaseURL:    src.BaseURL,
		Token:      token,
		Header:     src.Headers,
		HTTPClient: r.HTTPClient,
	})
	if err != nil {
		return nil, err
	}
	query := url.Values{}
	for k, v := range src.Query {
		query.Set(k, v)
	}

	if len(src.Fanout) == 0 {
		p := &fetch.Paginator{
			Client:      client,
			Path:        src.Path,
			Query:       query,
			PageSize:    src.PageSize,
			RecordsPath: src.RecordsPath,
			TotalPath:   src.TotalPath,
			Timeout:     src.Timeout,
			Logger:      log,
		}
		coll, err := p.FetchAll(ctx)
		if err != nil {
			return nil, err
		}
		if len(coll.Extras) > 0 {
			log.Info("collection aggregates", "extras", coll.Extras)
		}
		return coll.Records, nil
	}

	units, err := fanoutUnits(src, extracts)
	if err != nil {
		return nil, err
	}
	srep.Units = len(units)
	log.Info("fetching units", "units", len(units))

	fn := func(ctx context.Context, unit fetch.Params) ([]map[string]any, error) {
		path, rest := unit.Expand(src.Path)
		var body any
		if err := client.GetJSON(ctx, path, rest.Values(query), &body); err != nil {
			return nil, err
		}
		if err := fetch.EnvelopeError(body, 0); err != nil {
			return nil, err
		}
		recs, err := fetch.RecordsAt(body, src.RecordsPath)
		if err != nil {
			return nil, err
		}
		tagRecords(recs, unit)
		return recs, nil
	}

	drained := fetch.Drain(ctx, log, units, fn, r.Retry)
	srep.SkippedUnits = drained.Skipped
	return drained.Records, nil
}

// tagRecords adds the unit's params to each record unless the record
// already has a field landing in the same column.
func tagRecords(recs []map[string]any, unit fetch.Params) {
	for _, rec := range recs {
		have := make(map[string]bool, len(rec))
		for k := range rec {
			have[utils.ToSnakeCase(k)] = true
		}
		for k, v := range unit {
			if !have[utils.ToSnakeCase(k)] {
				rec[k] = v
			}
		}
	}
}

// fanoutUnits expands the source's fanout axes into fetch units. Values
// taken from an upstream extract are de-duplicated and rows with a null
// in any referenced column dropped.
func fanoutUnits(src config.Source, extracts map[string]*models.Extract) ([]fetch.Params, error) {
	axes := make([]fetch.Axis, 0, len(src.Fanout))
	for _, f := range src.Fanout {
		if len(f.Values) > 0 {
			axes = append(axes, fetch.ParamList{Name: f.Param, Values: f.Values}.Axis())
			continue
		}
		refs := f.Params
		if len(refs) == 0 {
			refs = map[string]string{f.Param: f.From}
		}
		axis, err := upstreamAxis(f.Upstream(), refs, extracts)
		if err != nil {
			return nil, fmt.Errorf("fanout %v: %w", f.Names(), err)
		}
		axes = append(axes, axis)
	}
	return fetch.Product(axes...), nil
}

// upstreamAxis builds one choice per distinct row of the upstream extract
// over the referenced columns. refs maps param name to "source.column".
func upstreamAxis(upstream string, refs map[string]string, extracts map[string]*models.Extract) (fetch.Axis, error) {
	ext, ok := extracts[upstream]
	if !ok {
		return nil, fmt.Errorf("extract %q is not available in this run", upstream)
	}
	if ext.Len() == 0 {
		return nil, nil
	}
	columns := make(map[string][]models.Value, len(refs))
	for name, ref := range refs {
		_, column, _ := strings.Cut(ref, ".")
		values, err := ext.Column(utils.ToSnakeCase(column))
		if err != nil {
			return nil, err
		}
		columns[name] = values
	}

	seen := map[string]bool{}
	var axis fetch.Axis
rows:
	for i := 0; i < ext.Len(); i++ {
		choice := make(fetch.Params, len(columns))
		for name, values := range columns {
			if values[i].Null {
				continue rows
			}
			choice[name] = values[i].String()
		}
		if key := choice.String(); !seen[key] {
			seen[key] = true
			axis = append(axis, choice)
		}
	}
	return axis, nil
}

func (r *Runner) transformer() *Transformer {
	if r.Transformer == nil {
		return NewTransformer()
	}
	return r.Transformer
}

func (r *Runner) getenv(key string) string {
	if r.Getenv == nil {
		return os.Getenv(key)
	}
	return r.Getenv(key)
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}

