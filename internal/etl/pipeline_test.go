package etl

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BartekS5/tabsync/internal/backup"
	"github.com/BartekS5/tabsync/internal/config"
	"github.com/BartekS5/tabsync/internal/fetch"
	"github.com/BartekS5/tabsync/pkg/logger"
	"github.com/BartekS5/tabsync/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// schoolAPI serves three classes over a paginated listing and per-class,
// per-quarter attendance. Attendance for class 2 in q2 fails once.
type schoolAPI struct {
	mu       sync.Mutex
	attempts map[string]int
	// brokenClasses answers the class listing with an application error.
	brokenClasses bool
}

func (s *schoolAPI) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/classes", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		if s.brokenClasses {
			_, _ = w.Write([]byte(`{"code":1003,"message":"branch not found"}`))
			return
		}
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		all := []map[string]any{
			{"id": 1, "className": "1A", "teacher": map[string]any{"firstName": "Ann"}},
			{"id": 2, "className": "2B", "teacher": map[string]any{"firstName": "Bo"}},
			{"id": 3, "className": "3C", "teacher": map[string]any{"firstName": "Cy"}},
		}
		var items []map[string]any
		for i := (page - 1) * 2; i < page*2 && i < len(all); i++ {
			items = append(items, all[i])
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"code": 0, "data": map[string]any{"data": items, "total": len(all)},
		})
	})
	mux.HandleFunc("/api/attendance", func(w http.ResponseWriter, r *http.Request) {
		class := r.URL.Query().Get("classId")
		quarter := r.URL.Query().Get("quarterId")
		key := class + "/" + quarter

		s.mu.Lock()
		s.attempts[key]++
		n := s.attempts[key]
		s.mu.Unlock()

		if key == "2/q2" && n == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		cid, _ := strconv.Atoi(class)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"code": 0,
			"data": map[string]any{"data": []map[string]any{
				{"id": fmt.Sprintf("%s-%s-a", class, quarter), "present": cid},
				{"id": fmt.Sprintf("%s-%s-b", class, quarter), "present": cid + 1},
			}},
		})
	})
	return mux
}

func schoolSources(baseURL string) []config.Source {
	return []config.Source{
		{
			Name:        "attendance",
			BaseURL:     baseURL,
			Path:        "attendance",
			DependsOn:   []string{"classes"},
			Fanout:      []config.Fanout{{Param: "classId", From: "classes.id"}, {Param: "quarterId", Values: []string{"q1", "q2"}}},
			RecordsPath: "data.data",
			Postfix:     "_2526",
			PrimaryKey:  "id",
		},
		{
			Name:       "classes",
			BaseURL:    baseURL,
			Path:       "classes",
			TokenEnv:   "SCHOOL_TOKEN",
			PageSize:   2,
			Postfix:    "_2526",
			PrimaryKey: "id",
		},
	}
}

func newTestRunner(dest Destination) *Runner {
	return &Runner{
		Loader:      newTestLoader(dest),
		Transformer: &Transformer{Now: func() time.Time { return fixedNow }},
		Retry:       fetch.RetryOptions{Workers: 2, BaseTimeout: time.Second, RetryTimeout: time.Second},
		Getenv:      func(k string) string { return map[string]string{"SCHOOL_TOKEN": "tok"}[k] },
		Logger:      logger.Discard(),
	}
}

func TestRunner_LoadsSourcesInDependencyOrder(t *testing.T) {
	api := &schoolAPI{attempts: map[string]int{}}
	srv := httptest.NewServer(api.handler(t))
	defer srv.Close()

	dest := newMemoryDestination()
	rep, err := newTestRunner(dest).Run(context.Background(), schoolSources(srv.URL+"/api"))
	require.NoError(t, err)
	require.True(t, rep.OK(), "failed: %v", rep.Failed())
	require.NotEmpty(t, rep.RunID)
	require.Len(t, rep.Sources, 2)

	classes, att := rep.Sources[0], rep.Sources[1]
	require.Equal(t, "classes", classes.Name)
	require.Equal(t, 3, classes.Records)
	require.Equal(t, 3, classes.Load.Inserted)
	require.Equal(t, 3, dest.rowCount("classes_2526"))

	require.Equal(t, "attendance", att.Name)
	require.Equal(t, 6, att.Units)
	require.Zero(t, att.SkippedUnits)
	require.Equal(t, 12, att.Records)
	require.Equal(t, 12, dest.rowCount("attendance_2526"))
	require.Equal(t, 2, api.attempts["2/q2"])

	desc := dest.schemas["classes_2526"]
	require.Equal(t, "id", desc.PrimaryKey)
	col, ok := desc.Column("teacher__first_name")
	require.True(t, ok)
	require.Equal(t, "text", col.Kind.String())

	row := dest.row("attendance_2526", "3-q1-a")
	require.NotNil(t, row)
}

func TestRunner_RerunUpdatesInPlace(t *testing.T) {
	api := &schoolAPI{attempts: map[string]int{}}
	srv := httptest.NewServer(api.handler(t))
	defer srv.Close()

	dest := newMemoryDestination()
	r := newTestRunner(dest)
	_, err := r.Run(context.Background(), schoolSources(srv.URL+"/api"))
	require.NoError(t, err)
	before := dest.hash("attendance_2526")

	rep, err := r.Run(context.Background(), schoolSources(srv.URL+"/api"))
	require.NoError(t, err)
	require.Equal(t, 3, rep.Sources[0].Load.Updated)
	require.Equal(t, 12, rep.Sources[1].Load.Updated)
	require.Equal(t, before, dest.hash("attendance_2526"))
}

func TestRunner_FailedSourceSkipsDependents(t *testing.T) {
	api := &schoolAPI{attempts: map[string]int{}, brokenClasses: true}
	srv := httptest.NewServer(api.handler(t))
	defer srv.Close()

	dest := newMemoryDestination()
	sources := append(schoolSources(srv.URL+"/api"), config.Source{
		Name: "standalone", BaseURL: srv.URL + "/api", Path: "classes", TokenEnv: "SCHOOL_TOKEN", PrimaryKey: "id",
	})
	rep, err := newTestRunner(dest).Run(context.Background(), sources)
	require.NoError(t, err)
	require.False(t, rep.OK())
	require.ElementsMatch(t, []string{"classes", "attendance", "standalone"}, rep.Failed())

	require.Error(t, rep.Sources[0].Err)
	require.True(t, rep.Sources[1].Skipped)
	require.Empty(t, api.attempts)
}

func TestRunner_MissingTokenFailsSource(t *testing.T) {
	r := newTestRunner(newMemoryDestination())
	r.Getenv = func(string) string { return "" }

	rep, err := r.Run(context.Background(), schoolSources("http://127.0.0.1:1/api")[1:])
	require.NoError(t, err)
	require.ErrorContains(t, rep.Sources[0].Err, "SCHOOL_TOKEN")
}

func TestRunner_DryRunWritesBackupOnly(t *testing.T) {
	api := &schoolAPI{attempts: map[string]int{}}
	srv := httptest.NewServer(api.handler(t))
	defer srv.Close()

	dest := newMemoryDestination()
	dir := t.TempDir()
	r := newTestRunner(dest)
	r.DryRun = true
	r.Backup = backup.NewWriter(dir, logger.Discard())

	rep, err := r.Run(context.Background(), schoolSources(srv.URL+"/api"))
	require.NoError(t, err)
	require.True(t, rep.OK())
	require.Zero(t, dest.provisions)
	require.Equal(t, 12, rep.Sources[1].Records)

	for _, s := range rep.Sources {
		require.FileExists(t, s.BackupPath)
		require.Equal(t, dir, filepath.Dir(s.BackupPath))
	}
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestOrder(t *testing.T) {
	sources := []config.Source{
		{Name: "c", DependsOn: []string{"b"}},
		{Name: "a"},
		{Name: "b", DependsOn: []string{"a", "elsewhere"}},
	}
	ordered, err := Order(sources)
	require.NoError(t, err)
	names := make([]string, len(ordered))
	for i, s := range ordered {
		names[i] = s.Name
	}
	require.Equal(t, []string{"a", "b", "c"}, names)

	_, err = Order([]config.Source{
		{Name: "x", DependsOn: []string{"y"}},
		{Name: "y", DependsOn: []string{"x"}},
	})
	require.ErrorContains(t, err, "dependency cycle")
}

// journalAPI lists journals, each tying a class to one subject, and
// serves marks per journal under journal/{classId}/marks.
func journalAPI(t *testing.T, calls *atomic.Int32) http.Handler {
	pairs := map[string]string{"1": "101", "2": "202"}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/journals", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":0,"data":{"total":3,"data":[
			{"id":10,"classId":1,"subjectId":101},
			{"id":20,"classId":2,"subjectId":202},
			{"id":30,"classId":2,"subjectId":null}]}}`))
	})
	mux.HandleFunc("/api/journal/", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		class := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/api/journal/"), "/marks")
		subject := r.URL.Query().Get("subjectId")
		assert.Equal(t, pairs[class], subject, "class %s asked with subject %s", class, subject)
		assert.Empty(t, r.URL.Query().Get("classId"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"code": 0,
			"data": []map[string]any{{"id": class + "-" + subject, "mark": 5}},
		})
	})
	return mux
}

func TestRunner_GroupedFanoutFollowsUpstreamRows(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(journalAPI(t, &calls))
	defer srv.Close()

	sources := []config.Source{
		{Name: "journals", BaseURL: srv.URL + "/api", Path: "journals", PrimaryKey: "id"},
		{
			Name:      "marks",
			BaseURL:   srv.URL + "/api",
			Path:      "journal/{classId}/marks",
			DependsOn: []string{"journals"},
			Fanout: []config.Fanout{{Params: map[string]string{
				"classId":   "journals.class_id",
				"subjectId": "journals.subject_id",
			}}},
			RecordsPath: "data",
			PrimaryKey:  "id",
		},
	}
	dest := newMemoryDestination()
	rep, err := newTestRunner(dest).Run(context.Background(), sources)
	require.NoError(t, err)
	require.True(t, rep.OK(), "failed: %v", rep.Failed())

	marks := rep.Sources[1]
	require.Equal(t, 2, marks.Units)
	require.Zero(t, marks.SkippedUnits)
	require.Equal(t, int32(2), calls.Load())
	require.Equal(t, 2, dest.rowCount("marks"))

	desc := dest.schemas["marks"]
	idx := -1
	for i, c := range desc.Columns {
		if c.Name == "class_id" {
			idx = i
		}
	}
	require.GreaterOrEqual(t, idx, 0)
	require.Equal(t, "2", fmt.Sprint(dest.row("marks", "2-202")[idx]))
}

func TestFanoutUnits_GroupedAxisIsRowCorrelated(t *testing.T) {
	tr := &Transformer{Now: func() time.Time { return fixedNow }}
	journals := tr.ToExtract("journals", []map[string]any{
		{"id": 1, "class_id": 10, "journal_id": 1},
		{"id": 2, "class_id": 20, "journal_id": 2},
		{"id": 3, "class_id": 20, "journal_id": 2},
	}, "id")
	src := config.Source{
		Name: "attendance",
		Fanout: []config.Fanout{
			{Params: map[string]string{"classId": "journals.class_id", "subjectId": "journals.journal_id"}},
			{Param: "quarterId", Values: []string{"q1", "q2"}},
		},
	}
	units, err := fanoutUnits(src, map[string]*models.Extract{"journals": journals})
	require.NoError(t, err)
	require.Len(t, units, 4)
	require.Equal(t, fetch.Params{"classId": "10", "subjectId": "1", "quarterId": "q1"}, units[0])
	require.Equal(t, fetch.Params{"classId": "20", "subjectId": "2", "quarterId": "q2"}, units[3])

	_, err = fanoutUnits(config.Source{Fanout: []config.Fanout{{Param: "x", From: "missing.id"}}}, nil)
	require.ErrorContains(t, err, "not available")
}

func TestRunner_PaginatedRecordsPathWithoutTotal(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page := r.URL.Query().Get("page")
		requests.Add(1)
		switch page {
		case "1":
			_, _ = w.Write([]byte(`{"_page":1,"_embedded":{"items":[{"id":1,"name":"a"},{"id":2,"name":"b"}]}}`))
		case "2":
			_, _ = w.Write([]byte(`{"_page":2,"_embedded":{"items":[{"id":3,"name":"c"}]}}`))
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	defer srv.Close()

	dest := newMemoryDestination()
	rep, err := newTestRunner(dest).Run(context.Background(), []config.Source{{
		Name: "leads", BaseURL: srv.URL, Path: "leads", PageSize: 2,
		RecordsPath: "_embedded.items", PrimaryKey: "id",
	}})
	require.NoError(t, err)
	require.True(t, rep.OK(), "failed: %v", rep.Failed())
	require.Equal(t, 3, rep.Sources[0].Records)
	require.Equal(t, 3, dest.rowCount("leads"))
	require.Equal(t, int32(2), requests.Load())
}

func TestTagRecords_KeepsRecordFields(t *testing.T) {
	recs := []map[string]any{{"id": 1, "class_id": 9}, {"id": 2}}
	tagRecords(recs, fetch.Params{"classId": "7", "quarterId": "q1"})
	require.Equal(t, map[string]any{"id": 1, "class_id": 9, "quarterId": "q1"}, recs[0])
	require.Equal(t, map[string]any{"id": 2, "classId": "7", "quarterId": "q1"}, recs[1])
}

func TestRunReport_LogValueSumsCounts(t *testing.T) {
	rep := &RunReport{RunID: "r1", Sources: []SourceReport{
		{Name: "a", Records: 5, Load: &LoadReport{Inserted: 3, Updated: 2}},
		{Name: "b", Records: 4, SkippedUnits: 1, Load: &LoadReport{Inserted: 1, Updated: 1, FailedBatches: 1}},
		{Name: "c", Skipped: true},
	}}
	require.Equal(t, RunTotals{
		Records: 9, Inserted: 4, Updated: 3, FailedBatches: 1, SkippedUnits: 1, SkippedSources: 1,
	}, rep.Totals())

	attrs := map[string]slog.Value{}
	for _, a := range rep.LogValue().Group() {
		attrs[a.Key] = a.Value
	}
	require.Equal(t, int64(4), attrs["inserted"].Int64())
	require.Equal(t, int64(3), attrs["updated"].Int64())
	require.Equal(t, int64(1), attrs["failed_batches"].Int64())
	require.Equal(t, int64(1), attrs["skipped_units"].Int64())
	require.Equal(t, int64(1), attrs["skipped_sources"].Int64())
	require.Equal(t, []string{"b", "c"}, attrs["failed"].Any())
}
