package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Record is one decoded JSON object from a listing.
type Record = map[string]any

const (
	DefaultPageSize = 20
	DefaultTimeout  = 30 * time.Second
)

// Collection is the full result of a paginated listing.
type Collection struct {
	Records []Record
	// Total is the count reported on the first page, or -1 when the
	// listing reports none.
	Total int
	Pages int
	// Extras holds the scalar fields found next to the records on the
	// first page, other than the total, e.g. aggregate balances.
	Extras map[string]any
}

// Default body layout: {"code": 0, "message": "...", "data": {"data": [...], "total": N}}.
const (
	DefaultRecordsPath = "data.data"
	DefaultTotalPath   = "data.total"
)

// Paginator walks a listing endpoint page by page. With no paths set it
// expects the default layout. A custom RecordsPath without a TotalPath
// describes a listing with no total, which ends on a short or empty page.
type Paginator struct {
	Client      *Client
	Path        string
	Query       url.Values
	PageSize    int
	PageParam   string
	LimitParam  string
	FirstPage   int
	RecordsPath string
	TotalPath   string
	// Timeout bounds each page request.
	Timeout time.Duration
	// Limiter paces page requests when set.
	Limiter *rate.Limiter
	Logger  *slog.Logger
}

// FetchAll requests pages until the records retrieved reach the total from
// page one, or a page comes back shorter than the page size. Any HTTP or
// application error aborts the whole fetch.
func (p *Paginator) FetchAll(ctx context.Context) (*Collection, error) {
	if p.Client == nil {
		return nil, fmt.Errorf("paginator %s: nil client", p.Path)
	}
	size := p.PageSize
	if size <= 0 {
		size = DefaultPageSize
	}
	page := p.FirstPage
	if page <= 0 {
		page = 1
	}
	recordsPath, totalPath := p.paths()
	log := p.logger().With("path", p.Path)

	coll := &Collection{Total: -1, Extras: map[string]any{}}
	for first := true; ; first = false {
		body, err := p.fetchPage(ctx, page, size)
		if err != nil {
			return nil, err
		}
		var records []Record
		if _, ok := Lookup(body, recordsPath); ok {
			if records, err = RecordsAt(body, recordsPath); err != nil {
				return nil, fmt.Errorf("page %d of %s: %w", page, p.Path, err)
			}
		}

		if first {
			if totalPath != "" {
				total, err := intAt(body, totalPath)
				if err != nil {
					return nil, fmt.Errorf("page %d of %s: %w", page, p.Path, err)
				}
				coll.Total = total
			}
			coll.Extras = extras(body, recordsPath, totalPath)
		}
		coll.Records = append(coll.Records, records...)
		coll.Pages++
		log.Debug("fetched page", "page", page, "records", len(records), "so_far", len(coll.Records), "total", coll.Total)

		if coll.Total >= 0 && len(coll.Records) >= coll.Total {
			break
		}
		if len(records) < size {
			if coll.Total >= 0 {
				log.Warn("short page before reported total", "page", page, "records", len(coll.Records), "total", coll.Total)
			}
			break
		}
		page++
	}

	log.Info("fetched collection", "records", len(coll.Records), "total", coll.Total, "pages", coll.Pages)
	return coll, nil
}

func (p *Paginator) paths() (records, total string) {
	records, total = p.RecordsPath, p.TotalPath
	if records == "" {
		records = DefaultRecordsPath
		if total == "" {
			total = DefaultTotalPath
		}
	}
	return records, total
}

func (p *Paginator) fetchPage(ctx context.Context, page, size int) (any, error) {
	if p.Limiter != nil {
		if err := p.Limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	q := url.Values{}
	for k, vs := range p.Query {
		q[k] = append([]string(nil), vs...)
	}
	q.Set(orDefault(p.PageParam, "page"), strconv.Itoa(page))
	q.Set(orDefault(p.LimitParam, "limit"), strconv.Itoa(size))

	var body any
	if err := p.Client.GetJSON(reqCtx, p.Path, q, &body); err != nil {
		return nil, fmt.Errorf("page %d of %s: %w", page, p.Path, err)
	}
	if err := EnvelopeError(body, page); err != nil {
		return nil, err
	}
	return body, nil
}

func (p *Paginator) logger() *slog.Logger {
	if p.Logger == nil {
		return slog.Default()
	}
	return p.Logger
}

func intAt(body any, path string) (int, error) {
	v, _ := Lookup(body, path)
	switch v := v.(type) {
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, fmt.Errorf("%s: %w", path, err)
		}
		return int(n), nil
	case float64:
		return int(v), nil
	case nil:
		return 0, fmt.Errorf("missing %s", path)
	default:
		return 0, fmt.Errorf("%s is %T, want number", path, v)
	}
}

// extras collects the scalar siblings of the records array. The root
// object is skipped since it holds the status fields.
func extras(body any, recordsPath, totalPath string) map[string]any {
	out := map[string]any{}
	parent, key, ok := cutLast(recordsPath)
	if !ok {
		return out
	}
	obj, _ := Lookup(body, parent)
	m, ok := obj.(map[string]any)
	if !ok {
		return out
	}
	for k, v := range m {
		if k == key || parent+"."+k == totalPath || !isScalar(v) {
			continue
		}
		out[k] = v
	}
	return out
}

func cutLast(path string) (parent, key string, ok bool) {
	i := strings.LastIndex(path, ".")
	if i < 0 {
		return "", path, false
	}
	return path[:i], path[i+1:], true
}

func isScalar(v any) bool {
	switch v.(type) {
	case map[string]any, []any:
		return false
	}
	return true
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
