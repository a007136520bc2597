package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/supplytree/internal/model"
	"github.com/sells-group/supplytree/internal/store"
)

type fakeResolver struct {
	err   error
	calls int
}

func (f *fakeResolver) ResolveDesign(_ context.Context, d *model.Design, facilities []model.Facility) (*model.SupplyTreeSolution, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &model.SupplyTreeSolution{
		DesignID: d.ID,
		AllTrees: []model.SupplyTree{{
			ID: "t1", FacilityID: facilities[0].ID, DesignID: d.ID, ComponentID: d.ID,
			ComponentKey: "3DP", ConfidenceScore: 1, MatchType: model.MatchTypeDirect,
		}},
		RootTrees:          []string{"t1"},
		Score:              1,
		ComponentMapping:   map[string][]string{"3DP": {"t1"}},
		DependencyGraph:    map[string][]string{"t1": {}},
		ProductionSequence: []string{"t1"},
		CreatedAt:          time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}, nil
}

type testServer struct {
	handler  http.Handler
	store    store.SolutionStore
	resolver *fakeResolver
	now      time.Time
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{resolver: &fakeResolver{}, now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	st, err := store.NewFileStore(filepath.Join(t.TempDir(), "solutions"), store.WithNow(func() time.Time { return ts.now }))
	require.NoError(t, err)
	ts.store = st
	ts.handler = NewRouter(ts.resolver, st, Options{DefaultTTLDays: 30})
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func resolveBody(save bool) map[string]any {
	return map[string]any{
		"design": map[string]any{
			"id":           "bracket",
			"requirements": []map[string]any{{"process": "3DP"}},
		},
		"facilities": []map[string]any{
			{"id": "print-farm", "equipment": []map[string]any{{"process": "3DP"}}},
		},
		"save": save,
		"tags": []string{"api"},
	}
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[map[string]string](t, rec)["status"])
}

type reportingResolver struct {
	fakeResolver
	states map[string]string
}

func (r *reportingResolver) CircuitStates() map[string]string { return r.states }

func TestHealth_ReportsOpenCircuits(t *testing.T) {
	r := &reportingResolver{states: map[string]string{"bom.example.com": "open"}}
	h := NewRouter(r, nil, Options{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Status   string            `json:"status"`
		Circuits map[string]string `json:"circuits"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, map[string]string{"bom.example.com": "open"}, body.Circuits)

	r.states = nil
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.NotContains(t, rec.Body.String(), "circuits")
}

func TestResolve_WithoutSave(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/resolve", resolveBody(false))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decode[resolveResponse](t, rec)
	assert.Empty(t, resp.ID)
	require.NotNil(t, resp.Solution)
	assert.Equal(t, "bracket", resp.Solution.DesignID)
	assert.Equal(t, "print-farm", resp.Solution.AllTrees[0].FacilityID)

	list, err := ts.store.List(context.Background(), store.ListFilter{IncludeStale: true})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestResolve_SaveThenGet(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/resolve", resolveBody(true))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	id := decode[resolveResponse](t, rec).ID
	require.NotEmpty(t, id)

	rec = ts.do(t, http.MethodGet, "/solutions/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[struct {
		Solution model.SupplyTreeSolution `json:"solution"`
		Metadata model.SolutionMetadata   `json:"metadata"`
	}](t, rec)
	assert.Equal(t, "bracket", got.Solution.DesignID)
	assert.Equal(t, 30, got.Metadata.TTLDays)
	assert.Equal(t, []string{"api"}, got.Metadata.Tags)
}

func TestResolve_BadInput(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/resolve", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/resolve", map[string]any{"facilities": []any{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 0, ts.resolver.calls)
}

func TestResolve_ResolverError(t *testing.T) {
	ts := newTestServer(t)
	ts.resolver.err = eris.New("boom")

	rec := ts.do(t, http.MethodPost, "/resolve", resolveBody(true))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, decode[map[string]string](t, rec)["error"], "boom")
}

func TestGet_NotFoundAndStale(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/solutions/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	sol, err := ts.resolver.ResolveDesign(context.Background(), &model.Design{ID: "bracket"}, []model.Facility{{ID: "f"}})
	require.NoError(t, err)
	id, err := ts.store.Save(context.Background(), sol, store.SaveOptions{TTLDays: 1})
	require.NoError(t, err)
	ts.now = ts.now.Add(48 * time.Hour)

	rec = ts.do(t, http.MethodGet, "/solutions/"+id+"?fresh=true", nil)
	assert.Equal(t, http.StatusGone, rec.Code)

	rec = ts.do(t, http.MethodGet, "/solutions/"+id, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestListExtendDeleteCleanup(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	sol, err := ts.resolver.ResolveDesign(ctx, &model.Design{ID: "bracket"}, []model.Facility{{ID: "f"}})
	require.NoError(t, err)

	_, err = ts.store.Save(ctx, sol, store.SaveOptions{ID: "keep", TTLDays: 7, Tags: []string{"prod"}})
	require.NoError(t, err)
	_, err = ts.store.Save(ctx, sol, store.SaveOptions{ID: "drop", TTLDays: 0})
	require.NoError(t, err)
	ts.now = ts.now.Add(time.Minute)

	type listResp struct {
		Solutions []model.SolutionMetadata `json:"solutions"`
		Count     int                      `json:"count"`
	}

	rec := ts.do(t, http.MethodGet, "/solutions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[listResp](t, rec).Count)

	rec = ts.do(t, http.MethodGet, "/solutions?include_stale=true&tag=prod", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[listResp](t, rec)
	require.Len(t, list.Solutions, 1)
	assert.Equal(t, "keep", list.Solutions[0].ID)

	rec = ts.do(t, http.MethodGet, "/solutions?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/solutions/keep/extend", map[string]int{"days": 30})
	require.Equal(t, http.StatusOK, rec.Code)
	_, meta, err := ts.store.LoadWithMetadata(ctx, "keep", true)
	require.NoError(t, err)
	assert.Equal(t, 37, meta.TTLDays)

	rec = ts.do(t, http.MethodPost, "/solutions/missing/extend", map[string]int{"days": 30})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = ts.do(t, http.MethodPost, "/solutions/keep/extend", map[string]int{"days": 0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/cleanup", map[string]any{"dry_run": true})
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[store.CleanupResult](t, rec)
	assert.True(t, res.DryRun)
	assert.Equal(t, []string{"drop"}, res.DeletedIDs)

	rec = ts.do(t, http.MethodPost, "/cleanup", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"drop"}, decode[store.CleanupResult](t, rec).DeletedIDs)

	rec = ts.do(t, http.MethodDelete, "/solutions/keep", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = ts.do(t, http.MethodDelete, "/solutions/keep", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestValidateEndpoint(t *testing.T) {
	ts := newTestServer(t)
	sol := model.SupplyTreeSolution{
		AllTrees:           []model.SupplyTree{{ID: "a"}, {ID: "b"}},
		DependencyGraph:    map[string][]string{"a": {"b"}, "b": {"a"}},
		ProductionSequence: []string{},
	}

	rec := ts.do(t, http.MethodPost, "/validate", sol)
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[model.ValidationResult](t, rec)
	assert.False(t, res.IsValid)
	assert.NotEmpty(t, res.CircularDependencies)
}

func TestNoStoreConfigured(t *testing.T) {
	h := NewRouter(&fakeResolver{}, nil, Options{})

	req := httptest.NewRequest(http.MethodGet, "/solutions", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	body, err := json.Marshal(resolveBody(true))
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodPost, "/resolve", bytes.NewReader(body))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t)
	req := httptest.NewRequest(http.MethodOptions, "/solutions", nil)
	req.Header.Set("Origin", "https://example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
