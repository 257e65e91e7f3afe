package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/sitegrid/pkg/httpx"
	"github.com/nicktill/sitegrid/pkg/logging"
	"github.com/nicktill/sitegrid/pkg/sitemodel"
	"github.com/nicktill/sitegrid/pkg/subgridtree"
)

func newTestRouter() (*mux.Router, *sitemodel.Registry) {
	ing, models := newTestIngestor()
	r := mux.NewRouter()
	NewHandler(ing, models, logging.Discard()).Register(r.PathPrefix("/v1").Subrouter())
	return r, models
}

func TestHandleSubmitAndRemove(t *testing.T) {
	router, models := newTestRouter()
	project := uuid.New()
	data := blockFile(t, "HW-1")
	url := "/v1/projects/" + project.String() + "/tagfiles?name=block.tag"

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, url, bytes.NewReader(data)))
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	var report Report
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &report))
	assert.Equal(t, "block.tag", report.File)
	assert.Equal(t, 4, report.Passes)

	m, ok := models.Get(project)
	require.True(t, ok)
	require.Equal(t, 1, m.ExistenceMap().Count())

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodDelete, url, bytes.NewReader(data)))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Zero(t, m.ExistenceMap().Count())
}

func TestHandleSubmitErrors(t *testing.T) {
	router, _ := newTestRouter()
	project := uuid.New().String()

	tests := []struct {
		name   string
		method string
		path   string
		body   []byte
		want   int
	}{
		{"bad project", http.MethodPost, "/v1/projects/not-a-uuid/tagfiles", blockFile(t, "HW-1"), http.StatusBadRequest},
		{"garbage", http.MethodPost, "/v1/projects/" + project + "/tagfiles", []byte("garbage"), http.StatusUnprocessableEntity},
		{"unknown project", http.MethodDelete, "/v1/projects/" + project + "/tagfiles", blockFile(t, "HW-9"), http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, httptest.NewRequest(tt.method, tt.path, bytes.NewReader(tt.body)))
			require.Equal(t, tt.want, rr.Code, rr.Body.String())

			var resp httpx.ErrorResponse
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
			assert.NotEmpty(t, resp.Message)
		})
	}
}

func TestHandleStatsAndMachines(t *testing.T) {
	router, _ := newTestRouter()
	project := uuid.New()

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/projects/"+project.String()+"/stats", nil))
	require.Equal(t, http.StatusNotFound, rr.Code)

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost,
		"/v1/projects/"+project.String()+"/tagfiles", bytes.NewReader(blockFile(t, "HW-1"))))
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/projects/"+project.String()+"/stats", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	var stats sitemodel.Stats
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &stats))
	assert.Equal(t, project, stats.Project)
	assert.Equal(t, 4, stats.Passes)
	assert.Equal(t, 1, stats.Machines)

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/projects/"+project.String()+"/machines", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	var machines struct {
		Machines []sitemodel.Machine `json:"machines"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &machines))
	require.Len(t, machines.Machines, 1)
	assert.Equal(t, "HW-1", machines.Machines[0].HardwareID)

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/projects", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), project.String())
}

func TestChangeHubStreamsChanges(t *testing.T) {
	hub := NewChangeHub(logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	project := uuid.New()
	srv := httptest.NewServer(hub)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "?project=" + project.String()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	// another project's change is filtered out
	hub.Publish(sitemodel.Change{Project: uuid.New(), Kind: sitemodel.ChangePassesAdded, Passes: 7})
	hub.Publish(sitemodel.Change{
		Project: project,
		Kind:    sitemodel.ChangePassesAdded,
		Origins: []subgridtree.Origin{{X: 32, Y: 64}},
		Passes:  2,
	})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var ev ChangeEvent
	require.NoError(t, json.Unmarshal(msg, &ev))
	assert.Equal(t, string(sitemodel.ChangePassesAdded), ev.Type)
	assert.Equal(t, project, ev.Change.Project)
	assert.Equal(t, 2, ev.Change.Passes)
	assert.Equal(t, []subgridtree.Origin{{X: 32, Y: 64}}, ev.Change.Origins)
}

func TestChangeHubRejectsBadProject(t *testing.T) {
	hub := NewChangeHub(logging.Discard())
	rr := httptest.NewRecorder()
	hub.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/events?project=nope", nil))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

type fullStorage struct{}

func (fullStorage) GetUsage() (int64, error) { return 2048, nil }
func (fullStorage) GetLimit() int64          { return 1024 }

func TestHandleSubmitStorageFull(t *testing.T) {
	ing, models := newTestIngestor()
	h := NewHandler(ing, models, logging.Discard())
	h.SetStorageChecker(fullStorage{})
	r := mux.NewRouter()
	h.Register(r)

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodPost,
		"/projects/"+uuid.New().String()+"/tagfiles", bytes.NewReader(blockFile(t, "HW-1"))))
	assert.Equal(t, http.StatusInsufficientStorage, rr.Code)
	assert.Empty(t, models.Projects())
}

func TestHandleSurveyed(t *testing.T) {
	router, models := newTestRouter()
	project := uuid.New()
	url := "/v1/projects/" + project.String() + "/surveyed"

	// 20 m square from the grid origin spans cells 0..58 on each axis: 2x2 leaves
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, url,
		strings.NewReader(`{"min_x":0,"min_y":0,"max_x":20,"max_y":20}`)))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp struct {
		Leaves   int `json:"leaves"`
		Surveyed int `json:"surveyed_bits"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, 4, resp.Leaves)
	assert.Equal(t, 4, resp.Surveyed)

	m, ok := models.Get(project)
	require.True(t, ok)
	surveyed := m.SurveyedExistenceMap()
	assert.True(t, surveyed.Test(subgridtree.LeafOrigin(subgridtree.IndexOriginOffset, subgridtree.IndexOriginOffset)))
	assert.Zero(t, m.ExistenceMap().Count())

	for _, body := range []string{`not json`, `{"min_x":5,"min_y":0,"max_x":5,"max_y":1}`} {
		rr = httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, url, strings.NewReader(body)))
		assert.Equal(t, http.StatusBadRequest, rr.Code, body)
	}
}
