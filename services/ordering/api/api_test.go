// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianOrder/services/ordering/engine"
	"github.com/AleutianAI/AleutianOrder/services/ordering/model"
	"github.com/AleutianAI/AleutianOrder/services/ordering/notify"
	"github.com/AleutianAI/AleutianOrder/services/ordering/schema"
	"github.com/AleutianAI/AleutianOrder/services/ordering/store"
	badgerstore "github.com/AleutianAI/AleutianOrder/services/ordering/storage/badger"
)

const testChannel = "ordering_notifications"

func init() {
	gin.SetMode(gin.TestMode)
}

// =============================================================================
// Test Helpers
// =============================================================================

type fixture struct {
	srv    *Server
	broker *notify.Broker
	reg    *prometheus.Registry
}

func setup(t *testing.T, opts Options) *fixture {
	t.Helper()

	db, err := badgerstore.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	tables, err := schema.NewRegistry(
		schema.Table{
			Name:          "shops",
			Columns:       []string{"name", "plaza", "sort_key"},
			GroupColumns:  []string{"plaza"},
			NotifyChannel: testChannel,
		},
		schema.Table{
			Name:          "quiet",
			DisableNotify: true,
		},
	)
	require.NoError(t, err)

	broker := notify.NewBroker(nil)
	t.Cleanup(broker.Close)

	st := store.New(db,
		store.WithPublisher(broker),
		store.WithRetryBackoff(time.Millisecond),
	)
	eng := engine.New(st, tables)

	reg := prometheus.NewRegistry()
	opts.Registerer = reg
	opts.MetricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	return &fixture{srv: NewServer(eng, broker, opts), broker: broker, reg: reg}
}

func (f *fixture) do(t *testing.T, method, path string, body any, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

type recordsBody struct {
	Records []model.Record `json:"records"`
}

func plazaQuery(id string) string {
	return "?group=" + url.QueryEscape(fmt.Sprintf(`{"plaza":%q}`, id))
}

// seed inserts shops <plaza>-0..n-1 into the plaza.
func (f *fixture) seed(t *testing.T, plaza string, n int) []string {
	t.Helper()
	drafts := make([]model.Draft, n)
	pks := make([]string, n)
	for i := range drafts {
		pks[i] = fmt.Sprintf("%s-%d", plaza, i)
		drafts[i] = model.Draft{PK: pks[i], Group: model.Group{"plaza": plaza}, Fields: map[string]any{"name": pks[i]}}
	}
	w := f.do(t, http.MethodPost, "/v1/tables/shops/records", InsertRequest{Records: drafts})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return pks
}

func (f *fixture) layout(t *testing.T, plaza string) []string {
	t.Helper()
	w := f.do(t, http.MethodGet, "/v1/tables/shops/records"+plazaQuery(plaza), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var out []string
	for _, r := range decode[recordsBody](t, w).Records {
		out = append(out, fmt.Sprintf("%s:%d", r.PK, r.Key))
	}
	return out
}

func drainSub(sub *notify.Subscription) []notify.Notification {
	var out []notify.Notification
	for {
		select {
		case n := <-sub.C():
			out = append(out, n)
		default:
			return out
		}
	}
}

// =============================================================================
// Tests
// =============================================================================

func TestHealthAndTables(t *testing.T) {
	f := setup(t, Options{})

	w := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodGet, "/v1/tables", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"name":"shops"`)

	w = f.do(t, http.MethodGet, "/v1/tables/shops", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"group_columns":["plaza"]`)

	w = f.do(t, http.MethodGet, "/v1/tables/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestInsertAndList(t *testing.T) {
	f := setup(t, Options{})
	f.seed(t, "p1", 3)
	f.seed(t, "p2", 1)

	assert.Equal(t, []string{"p1-0:2", "p1-1:4", "p1-2:6"}, f.layout(t, "p1"))
	assert.Equal(t, []string{"p2-0:2"}, f.layout(t, "p2"))

	w := f.do(t, http.MethodGet, "/v1/tables/shops/records/p1-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(4), decode[model.Record](t, w).Key)

	w = f.do(t, http.MethodGet, "/v1/tables/shops/groups", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":3`)
}

func TestInsert_Errors(t *testing.T) {
	f := setup(t, Options{})
	f.seed(t, "p1", 1)

	tests := []struct {
		name string
		body any
		want int
	}{
		{"empty", InsertRequest{}, http.StatusBadRequest},
		{"missing group", InsertRequest{Records: []model.Draft{{PK: "x"}}}, http.StatusBadRequest},
		{"unknown column", InsertRequest{Records: []model.Draft{{PK: "x", Group: model.Group{"plaza": "p1"}, Fields: map[string]any{"colour": "red"}}}}, http.StatusBadRequest},
		{"duplicate", InsertRequest{Records: []model.Draft{{PK: "p1-0", Group: model.Group{"plaza": "p1"}}}}, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, http.MethodPost, "/v1/tables/shops/records", tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}

	w := f.do(t, http.MethodGet, "/v1/tables/shops/records?group=notjson", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMove(t *testing.T) {
	f := setup(t, Options{})
	f.seed(t, "p1", 4)

	w := f.do(t, http.MethodPost, "/v1/tables/shops/records/p1-3/move", MoveRequest{Position: PositionBefore, RelativeTo: "p1-0"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, []string{"p1-3:2", "p1-0:4", "p1-1:6", "p1-2:8"}, f.layout(t, "p1"))

	w = f.do(t, http.MethodPost, "/v1/tables/shops/records/p1-3/move", MoveRequest{Position: PositionEnd})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(8), decode[model.Record](t, w).Key)

	w = f.do(t, http.MethodPost, "/v1/tables/shops/records/p1-2/move", MoveRequest{Position: PositionAfter, RelativeTo: "p1-0"})
	require.Equal(t, http.StatusOK, w.Code)
	w = f.do(t, http.MethodPost, "/v1/tables/shops/records/p1-1/move", MoveRequest{Position: PositionStart})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"p1-1:2", "p1-0:4", "p1-2:6", "p1-3:8"}, f.layout(t, "p1"))

	key := int64(8)
	w = f.do(t, http.MethodPost, "/v1/tables/shops/records/p1-3/move", MoveRequest{Position: PositionBetween, Before: "p1-1", After: "p1-0", ObservedKey: &key})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, []string{"p1-1:2", "p1-3:4", "p1-0:6", "p1-2:8"}, f.layout(t, "p1"))
}

func TestMove_Errors(t *testing.T) {
	f := setup(t, Options{})
	f.seed(t, "p1", 3)
	stale := int64(2)

	tests := []struct {
		name   string
		pk     string
		body   MoveRequest
		want   int
		reason string
	}{
		{"bad position", "p1-0", MoveRequest{Position: "sideways"}, http.StatusBadRequest, ""},
		{"before without relative", "p1-0", MoveRequest{Position: PositionBefore}, http.StatusBadRequest, ""},
		{"between without key", "p1-0", MoveRequest{Position: PositionBetween, Before: "p1-1"}, http.StatusBadRequest, ""},
		{"relative to self", "p1-0", MoveRequest{Position: PositionAfter, RelativeTo: "p1-0"}, http.StatusBadRequest, ""},
		{"missing record", "zz", MoveRequest{Position: PositionStart}, http.StatusNotFound, ""},
		{"stale key", "p1-2", MoveRequest{Position: PositionBetween, Before: "p1-0", After: "p1-1", ObservedKey: &stale}, http.StatusConflict, string(engine.ReasonOrderChanged)},
		{"not adjacent", "p1-0", MoveRequest{Position: PositionBetween, Before: "p1-2", After: "p1-1", ObservedKey: &stale}, http.StatusConflict, string(engine.ReasonNotAdjacent)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, http.MethodPost, "/v1/tables/shops/records/"+tt.pk+"/move", tt.body)
			require.Equal(t, tt.want, w.Code, w.Body.String())
			if tt.reason != "" {
				assert.Equal(t, tt.reason, decode[ErrorResponse](t, w).Reason)
			}
		})
	}
	assert.Equal(t, []string{"p1-0:2", "p1-1:4", "p1-2:6"}, f.layout(t, "p1"))
}

func TestMoveSet(t *testing.T) {
	f := setup(t, Options{})
	f.seed(t, "p1", 5)

	w := f.do(t, http.MethodPost, "/v1/tables/shops/move", SetMoveRequest{PKs: []string{"p1-3", "p1-4"}, After: "p1-0"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Len(t, decode[recordsBody](t, w).Records, 2)
	assert.Equal(t, []string{"p1-3:2", "p1-4:4", "p1-0:6", "p1-1:8", "p1-2:10"}, f.layout(t, "p1"))

	w = f.do(t, http.MethodPost, "/v1/tables/shops/move", SetMoveRequest{PKs: []string{"p1-0"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSaveUpdateDelete(t *testing.T) {
	f := setup(t, Options{})
	f.seed(t, "p1", 3)
	f.seed(t, "p2", 1)

	// Fields only: the stored key is kept.
	w := f.do(t, http.MethodPatch, "/v1/tables/shops/records/p1-0", SaveRequest{Fields: map[string]any{"name": "renamed"}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	saved := decode[model.Record](t, w)
	assert.Equal(t, int64(2), saved.Key)
	assert.Equal(t, "renamed", saved.Fields["name"])

	key := int64(100)
	w = f.do(t, http.MethodPatch, "/v1/tables/shops/records/p1-0", SaveRequest{OrderKey: &key})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"p1-1:2", "p1-2:4", "p1-0:6"}, f.layout(t, "p1"))

	w = f.do(t, http.MethodPatch, "/v1/tables/shops/records/p1-1", SaveRequest{Group: model.Group{"plaza": "p2"}})
	require.Equal(t, http.StatusOK, w.Code)
	// The kept key ties with p2-0 and the PK breaks the tie.
	assert.Equal(t, []string{"p1-1:2", "p2-0:4"}, f.layout(t, "p2"))

	w = f.do(t, http.MethodPut, "/v1/tables/shops/records", UpdateRequest{Records: []RecordBody{
		{PK: "p1-2", OrderKey: 9, Group: model.Group{"plaza": "p1"}},
		{PK: "p1-0", OrderKey: 1, Group: model.Group{"plaza": "p1"}},
	}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, []string{"p1-0:2", "p1-2:4"}, f.layout(t, "p1"))

	w = f.do(t, http.MethodDelete, "/v1/tables/shops/records/p1-0", nil)
	require.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, []string{"p1-2:2"}, f.layout(t, "p1"))

	w = f.do(t, http.MethodDelete, "/v1/tables/shops/records/p1-0", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestBulk_OneNotificationPerGroup(t *testing.T) {
	f := setup(t, Options{})
	f.seed(t, "p1", 3)
	f.seed(t, "p2", 2)
	sub, err := f.broker.Subscribe(testChannel, 16)
	require.NoError(t, err)
	defer sub.Close()

	k := func(v int64) *int64 { return &v }
	w := f.do(t, http.MethodPost, "/v1/tables/shops/bulk", BulkRequest{Records: []BulkKeyBody{
		{PK: "p1-0", OrderKey: k(30)},
		{PK: "p1-1", OrderKey: k(20)},
		{PK: "p1-2", OrderKey: k(10)},
	}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, []string{"p1-2:2", "p1-1:4", "p1-0:6"}, f.layout(t, "p1"))

	sent := drainSub(sub)
	require.Len(t, sent, 1)
	assert.Equal(t, model.OpUpdate, sent[0].Operation)

	w = f.do(t, http.MethodPost, "/v1/tables/shops/bulk", BulkRequest{Operation: "TRUNCATE", Records: []BulkKeyBody{{PK: "p1-0", OrderKey: k(1)}}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/v1/tables/shops/bulk", BulkRequest{Records: []BulkKeyBody{{PK: "p1-0"}}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestOriginator(t *testing.T) {
	f := setup(t, Options{})
	f.seed(t, "p1", 2)
	sub, err := f.broker.Subscribe(testChannel, 16)
	require.NoError(t, err)
	defer sub.Close()

	w := f.do(t, http.MethodPost, "/v1/tables/shops/records/p1-1/move", MoveRequest{Position: PositionStart}, HeaderOriginator, "client-7")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "client-7", w.Header().Get(HeaderOriginator))

	sent := drainSub(sub)
	require.Len(t, sent, 1)
	assert.Equal(t, "client-7", sent[0].OriginatorID)
	assert.Equal(t, map[string]any{"plaza": "p1"}, sent[0].OrderWithRespectTo)

	w = f.do(t, http.MethodPost, "/v1/tables/shops/records/p1-1/move", MoveRequest{Position: PositionEnd})
	require.Equal(t, http.StatusOK, w.Code)
	generated := w.Header().Get(HeaderOriginator)
	_, err = uuid.Parse(generated)
	assert.NoError(t, err)

	sent = drainSub(sub)
	require.Len(t, sent, 1)
	assert.Equal(t, generated, sent[0].OriginatorID)
}

func TestRenumberAndCheck(t *testing.T) {
	f := setup(t, Options{})
	f.seed(t, "p1", 2)

	w := f.do(t, http.MethodPost, "/v1/tables/shops/renumber", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"rewritten":0}`, w.Body.String())

	w = f.do(t, http.MethodPost, "/v1/tables/shops/renumber", RenumberRequest{Group: model.Group{"plaza": "p1"}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = f.do(t, http.MethodGet, "/v1/tables/shops/check", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"violations":[]}`, w.Body.String())
}

func TestRateLimit(t *testing.T) {
	f := setup(t, Options{MoveRate: 0.001, MoveBurst: 1})
	f.seed(t, "p1", 2)

	w := f.do(t, http.MethodPost, "/v1/tables/shops/records/p1-1/move", MoveRequest{Position: PositionStart})
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodPost, "/v1/tables/shops/records/p1-1/move", MoveRequest{Position: PositionEnd})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))

	// Reads are not limited.
	assert.Equal(t, []string{"p1-1:2", "p1-0:4"}, f.layout(t, "p1"))
}

func TestRateLimit_UnknownTable(t *testing.T) {
	f := setup(t, Options{MoveRate: 0.001, MoveBurst: 1})

	for _, table := range []string{"ghost-1", "ghost-2", "ghost-3"} {
		w := f.do(t, http.MethodPost, "/v1/tables/"+table+"/records/x/move", MoveRequest{Position: PositionStart})
		assert.Equal(t, http.StatusNotFound, w.Code)
		w = f.do(t, http.MethodPost, "/v1/tables/"+table+"/move", SetMoveRequest{PKs: []string{"x"}, Before: "y"})
		assert.Equal(t, http.StatusNotFound, w.Code)
	}
	assert.Empty(t, f.srv.limiters.limiters)

	w := f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "ghost")
}

func TestMetricsEndpoint(t *testing.T) {
	f := setup(t, Options{})
	f.do(t, http.MethodGet, "/health", nil)

	w := f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `aleutian_orderd_http_requests_total{method="GET",route="/health",status="200"} 1`)
}

func TestStream(t *testing.T) {
	f := setup(t, Options{StreamBuffer: 8})
	f.seed(t, "p1", 3)

	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/tables/shops/notifications"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		return f.broker.Subscribers(testChannel) == 1
	}, 2*time.Second, 10*time.Millisecond)

	w := f.do(t, http.MethodPost, "/v1/tables/shops/records/p1-2/move", MoveRequest{Position: PositionStart}, HeaderOriginator, "ws-test")
	require.Equal(t, http.StatusOK, w.Code)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)

	var n notify.Notification
	require.NoError(t, json.Unmarshal(payload, &n))
	assert.Equal(t, notify.TypeOrdering, n.NotificationType)
	assert.Equal(t, "shops", n.Table)
	assert.Equal(t, "ws-test", n.OriginatorID)
	assert.True(t, strings.HasPrefix(string(payload), `{"timestamp":`))

	require.NoError(t, conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second)))
	require.Eventually(t, func() bool {
		return f.broker.Subscribers(testChannel) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStream_DisabledTable(t *testing.T) {
	f := setup(t, Options{})
	w := f.do(t, http.MethodGet, "/v1/tables/quiet/notifications", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
