package http

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aretw0/lattice/pkg/adapters/memory"
	"github.com/aretw0/lattice/pkg/domain"
	"github.com/aretw0/lattice/pkg/record"
	"github.com/aretw0/lattice/pkg/replica"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*Server, *replica.Manager[*record.Record]) {
	t.Helper()
	doc := memory.NewDocument()
	m, err := replica.New(doc, replica.Config[*record.Record]{
		Name: "records",
		Create: func(_ context.Context, _ string, state domain.Map, _ domain.Value) (*record.Record, error) {
			return record.New(record.WithFields(state)), nil
		},
		SendInterval: time.Hour,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return &Server{Doc: doc, Records: m, Version: "test"}, m
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestGetHealth(t *testing.T) {
	s, _ := newTestServer(t)
	rr := do(t, NewHandler(s), http.MethodGet, "/healthz", "")

	assert.Equal(t, http.StatusOK, rr.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp["status"])
}

func TestGetInfo(t *testing.T) {
	s, m := newTestServer(t)
	rr := do(t, NewHandler(s), http.MethodGet, "/info", "")

	assert.Equal(t, http.StatusOK, rr.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "lattice", resp["app"])
	assert.Equal(t, "test", resp["version"])
	assert.Equal(t, "records", resp["namespace"])
	assert.Equal(t, m.Origin(), resp["origin"])
}

func TestRecordLifecycle(t *testing.T) {
	s, m := newTestServer(t)
	h := NewHandler(s)

	rr := do(t, h, http.MethodPut, "/records/w1", `{"data":{"kind":"widget"},"state":{"color":"blue"}}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	rr = do(t, h, http.MethodPatch, "/records/w1", `{"set":{"color":"green","size":2}}`)
	require.Equal(t, http.StatusOK, rr.Code)
	var view RecordView
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &view))
	assert.Equal(t, domain.Map{"color": "green", "size": 2.0}, view.Fields)
	assert.Equal(t, []string{"w1"}, m.Pending())

	rr = do(t, h, http.MethodPost, "/records/flush", "")
	require.Equal(t, http.StatusNoContent, rr.Code)

	rr = do(t, h, http.MethodGet, "/namespaces/records", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var snapshot map[string]EntityView
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &snapshot))
	assert.Equal(t, map[string]any{"kind": "widget"}, snapshot["w1"].Data)
	assert.Equal(t, domain.Map{"color": "green", "size": 2.0}, snapshot["w1"].State)

	rr = do(t, h, http.MethodGet, "/records/", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var list []RecordView
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "w1", list[0].ID)

	rr = do(t, h, http.MethodDelete, "/records/w1", "")
	assert.Equal(t, http.StatusNoContent, rr.Code)

	rr = do(t, h, http.MethodGet, "/records/w1", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestPutRecord_ReplacesExisting(t *testing.T) {
	s, m := newTestServer(t)
	h := NewHandler(s)

	require.Equal(t, http.StatusCreated, do(t, h, http.MethodPut, "/records/w1", `{"state":{"a":1,"b":2}}`).Code)
	rr := do(t, h, http.MethodPut, "/records/w1", `{"state":{"a":1,"c":3}}`)
	require.Equal(t, http.StatusOK, rr.Code)

	rec, ok := m.GetInstanceNow("w1")
	require.True(t, ok)
	assert.Equal(t, domain.Map{"a": 1.0, "c": 3.0}, rec.Fields())
}

func TestPutRecord_Rejects(t *testing.T) {
	s, _ := newTestServer(t)
	h := NewHandler(s)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPut, "/records/w1", `{`).Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodPatch, "/records/missing", `{}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/records/w1?wait=soon", "").Code)
}

func TestGetRecord_Wait(t *testing.T) {
	s, m := newTestServer(t)
	h := NewHandler(s)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = m.Add(context.Background(), "late", record.New(record.WithFields(domain.Map{"x": "y"})), nil)
	}()

	rr := do(t, h, http.MethodGet, "/records/late?wait=1s", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var view RecordView
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &view))
	assert.Equal(t, domain.Map{"x": "y"}, view.Fields)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusConflict, statusFor(domain.ErrDuplicateID))
	assert.Equal(t, http.StatusBadRequest, statusFor(domain.ErrCreationDataRequired))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(domain.ErrClosed))
}

func TestCORSPreflight(t *testing.T) {
	s, _ := newTestServer(t)
	rr := do(t, NewHandler(s), http.MethodOptions, "/records/w1", "")

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestSubscribeEvents(t *testing.T) {
	s, m := newTestServer(t)
	srv := httptest.NewServer(NewHandler(s))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "event: ping\n", line)

	require.NoError(t, m.Add(context.Background(), "w1", record.New(), nil))

	for {
		line, err = reader.ReadString('\n')
		require.NoError(t, err)
		if line == "event: batch\n" {
			break
		}
	}
	line, err = reader.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, line, `"w1"`)
	assert.Contains(t, line, m.Origin())
}
