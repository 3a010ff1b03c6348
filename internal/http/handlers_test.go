package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"parcelgate/internal/cadastre"
	"parcelgate/internal/config"
	"parcelgate/internal/mrs"
)

type fakeService struct {
	resp    *mrs.Response
	err     error
	parcels map[string]*cadastre.Parcel
	got     []mrs.Request
}

func (s *fakeService) Handle(ctx context.Context, req mrs.Request) (*mrs.Response, error) {
	s.got = append(s.got, req)
	return s.resp, s.err
}

func (s *fakeService) Object(ctx context.Context, id string) (*cadastre.Parcel, error) {
	if p, ok := s.parcels[id]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("%w: object %s", mrs.ErrNotFound, id)
}

func newTestHandlers(svc *fakeService) *Handlers {
	cfg := &config.Config{PublicBaseURL: "https://parcels.example.com"}
	b := geojson.NewFeature(orb.Polygon{{{141, -37}, {153, -37}, {153, -28}, {141, -37}}})
	return New(cfg, zap.NewNop(), svc, b)
}

func post(h http.HandlerFunc, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/mrs", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorPayload {
	t.Helper()
	var p errorPayload
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	return p
}

func TestHandleMRS_Search(t *testing.T) {
	svc := &fakeService{resp: &mrs.Response{Response: mrs.Outcome{
		Matches: 1,
		Matching: []mrs.ResultEntry{{
			Lat: -33.8, Lon: 151.2, Range: 30, ServicePoint: "https://parcels.example.com/object/101",
		}},
	}}}
	h := newTestHandlers(svc)

	rec := post(h.HandleMRS, `{"search":{"lat":-33.8,"lon":151.2,"ele":0,"range":50}}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"response":{"matches":1,"matching":[{"lat":-33.8,"lon":151.2,"ele":0,"range":30,"FOAD":false,"Service_Point":"https://parcels.example.com/object/101"}]}}`, rec.Body.String())

	require.Len(t, svc.got, 1)
	assert.Equal(t, 50.0, svc.got[0].Search.Range)
}

func TestHandleMRS_Errors(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		err    error
		status int
	}{
		{"invalid", `{"search":{"lat":100,"lon":0,"ele":0,"range":0}}`, nil, http.StatusBadRequest},
		{"denied", `{"delete":{"lat":0,"lon":0,"ele":0,"range":0,"FOAD":false,"Service_Point":"https://x.example"}}`, mrs.ErrPolicyDenied, http.StatusForbidden},
		{"upstream", `{"search":{"lat":0,"lon":0,"ele":0,"range":0}}`, fmt.Errorf("%w: find objects: timeout", mrs.ErrUpstream), http.StatusBadGateway},
		{"invariant", `{"search":{"lat":0,"lon":0,"ele":0,"range":0}}`, mrs.ErrInvariant, http.StatusInternalServerError},
		{"too large", `{"search":{"lat":0,"lon":0,"ele":0,"range":0,"pad":"` + strings.Repeat("x", 2048) + `"}}`, nil, http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &fakeService{err: tt.err}
			rec := post(newTestHandlers(svc).HandleMRS, tt.body)

			assert.Equal(t, tt.status, rec.Code)
			p := decodeError(t, rec)
			assert.Equal(t, tt.status, p.StatusCode)
			assert.Equal(t, http.StatusText(tt.status), p.Error)
			assert.NotEmpty(t, p.Message)
			assert.NotContains(t, p.Message, "timeout")
		})
	}
}

func TestHandleMRS_ValidationNeverReachesService(t *testing.T) {
	svc := &fakeService{}
	rec := post(newTestHandlers(svc).HandleMRS, `{"search":{"lat":0}}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeError(t, rec).Message, "search.lon")
	assert.Empty(t, svc.got)
}

func TestHandleMRS_MethodNotAllowed(t *testing.T) {
	h := newTestHandlers(&fakeService{})
	rec := httptest.NewRecorder()
	h.HandleMRS(rec, httptest.NewRequest(http.MethodGet, "/mrs", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleObject(t *testing.T) {
	svc := &fakeService{parcels: map[string]*cadastre.Parcel{
		"101": {ID: "101", LotID: "1//DP1", Geometry: orb.Polygon{{{151.2, -33.8}, {151.3, -33.8}, {151.3, -33.7}, {151.2, -33.8}}}},
	}}
	h := newTestHandlers(svc)

	rec := httptest.NewRecorder()
	h.HandleObject(rec, httptest.NewRequest(http.MethodGet, "/object/101", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/geo+json", rec.Header().Get("Content-Type"))

	f, err := geojson.UnmarshalFeature(rec.Body.Bytes())
	require.NoError(t, err)
	assert.Equal(t, "101", f.ID)
	assert.Equal(t, "1//DP1", f.Properties["lotid"])
	assert.Equal(t, svc.parcels["101"].Geometry, f.Geometry)

	for _, path := range []string{"/object/102", "/object/"} {
		rec = httptest.NewRecorder()
		h.HandleObject(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
		assert.Equal(t, http.StatusNotFound, decodeError(t, rec).StatusCode)
	}
}

func TestHandleBoundary(t *testing.T) {
	h := newTestHandlers(&fakeService{})

	rec := httptest.NewRecorder()
	h.HandleBoundary(rec, httptest.NewRequest(http.MethodGet, "/boundary.json", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	f, err := geojson.UnmarshalFeature(rec.Body.Bytes())
	require.NoError(t, err)
	assert.IsType(t, orb.Polygon{}, f.Geometry)
}

func TestMiddleware(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	cfg := &config.Config{}
	h := New(cfg, zap.New(core), &fakeService{}, nil)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.HandleHealthz)
	handler := h.CORSMiddleware(h.RequestLoggingMiddleware(mux))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Real-Ip", "10.0.0.7")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))

	entries := logs.FilterMessage("request").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "10.0.0.7", fields["ip"])
	assert.EqualValues(t, http.StatusOK, fields["status"])
	assert.Equal(t, rec.Header().Get("X-Request-Id"), fields["request_id"])

	req = httptest.NewRequest(http.MethodOptions, "/mrs", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestHandleStatic(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte(`<a href="__PUBLIC_BASE_URL__/mrs">mrs</a>`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.js"), []byte(`console.log(1)`), 0644))

	h := newTestHandlers(&fakeService{})
	h.staticDir = dir

	rec := httptest.NewRecorder()
	h.HandleStatic(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `<a href="https://parcels.example.com/mrs">mrs</a>`, rec.Body.String())

	rec = httptest.NewRecorder()
	h.HandleStatic(rec, httptest.NewRequest(http.MethodGet, "/app.js", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "console.log(1)", rec.Body.String())
}
