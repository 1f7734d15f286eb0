package handlers

import (
	"context"
	"encoding/json"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
	"gorm.io/gorm"

	"mesinsight/internal/db"
	"mesinsight/internal/db/dbtest"
	"mesinsight/internal/errs"
	"mesinsight/internal/oee"
	"mesinsight/internal/reconcile"
	"mesinsight/internal/tickets"
	"mesinsight/internal/timeseries"
)

const testKey = "mes_test"

type fakeSnapshots struct {
	refreshed bool
	err       error
}

func (f *fakeSnapshots) Snapshot(_ context.Context, machine string) (*oee.Snapshot, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &oee.Snapshot{Machine: machine, Status: oee.StatusOK, OEE: 61.5}, nil
}

func (f *fakeSnapshots) Refresh(ctx context.Context, machine string) (*oee.Snapshot, error) {
	f.refreshed = true
	return f.Snapshot(ctx, machine)
}

type fakeTelemetry struct {
	written map[timeseries.Stream][]timeseries.Sample
}

func (f *fakeTelemetry) Upsert(_ context.Context, s timeseries.Stream, samples []timeseries.Sample) (int64, error) {
	f.written[s] = append(f.written[s], samples...)
	return int64(len(samples)) - 1, nil
}

func (f *fakeTelemetry) HourlyStats(_ context.Context, machine string, _ time.Time) ([]timeseries.HourlyStat, error) {
	return []timeseries.HourlyStat{{Machine: machine, Tag: "state", Samples: 4}}, nil
}

type fakeImporter struct {
	from, to time.Time
	force    bool
}

func (f *fakeImporter) Run(_ context.Context, from, to time.Time, force bool) (reconcile.RunResult, error) {
	f.from, f.to, f.force = from, to, force
	return reconcile.RunResult{Groups: 3, Written: 2}, nil
}

type fakeRebuilder struct{}

func (fakeRebuilder) Rebuild(context.Context, time.Time) (int, error) { return 7, nil }

type fakeTickets struct {
	synced []int64
}

func (f *fakeTickets) Run(context.Context) (tickets.SyncResult, error) {
	return tickets.SyncResult{}, nil
}

func (f *fakeTickets) SyncOne(_ context.Context, id int64) (tickets.Outcome, error) {
	if id == 404 {
		return tickets.Outcome{}, errs.ErrNotFound
	}
	f.synced = append(f.synced, id)
	return tickets.Outcome{TaskID: 3, Action: tickets.ActionCreated}, nil
}

type testServer struct {
	client *fasthttp.Client
	db     *gorm.DB
}

func newServer(t *testing.T, d Deps) *testServer {
	t.Helper()

	gdb := dbtest.Open(t)
	require.NoError(t, gdb.Create(db.NewAPIKey("test", testKey)).Error)
	d.DB = gdb
	d.Log = zerolog.Nop()
	if d.Snapshots == nil {
		d.Snapshots = &fakeSnapshots{}
	}
	if d.Downtime == nil {
		d.Downtime = fakeRebuilder{}
	}

	ln := fasthttputil.NewInmemoryListener()
	go func() { _ = fasthttp.Serve(ln, NewRouter(d)) }()
	t.Cleanup(func() { _ = ln.Close() })

	return &testServer{
		client: &fasthttp.Client{Dial: func(string) (net.Conn, error) { return ln.Dial() }},
		db:     gdb,
	}
}

func (s *testServer) do(t *testing.T, method, path, key string, body string) (int, []byte) {
	t.Helper()

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI("http://mes.test" + path)
	req.Header.SetMethod(method)
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	if body != "" {
		req.Header.SetContentType("application/json")
		req.SetBodyString(body)
	}
	require.NoError(t, s.client.DoTimeout(req, resp, 5*time.Second))
	return resp.StatusCode(), append([]byte(nil), resp.Body()...)
}

func decode(t *testing.T, body []byte) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(body, &m))
	return m
}

func TestHealthz(t *testing.T) {
	s := newServer(t, Deps{})
	code, body := s.do(t, "GET", "/healthz", "", "")
	assert.Equal(t, fasthttp.StatusOK, code)
	assert.Equal(t, "ok", string(body))
}

func TestOEESnapshot(t *testing.T) {
	snaps := &fakeSnapshots{}
	s := newServer(t, Deps{Snapshots: snaps})

	code, _ := s.do(t, "GET", "/v1/oee/IMA3", "", "")
	assert.Equal(t, fasthttp.StatusUnauthorized, code)

	code, _ = s.do(t, "GET", "/v1/oee/IMA3", "nope", "")
	assert.Equal(t, fasthttp.StatusUnauthorized, code)

	code, body := s.do(t, "GET", "/v1/oee/IMA3", testKey, "")
	require.Equal(t, fasthttp.StatusOK, code)
	assert.Equal(t, "IMA3", decode(t, body)["machine"])
	assert.False(t, snaps.refreshed)

	code, _ = s.do(t, "GET", "/v1/oee/IMA3?refresh=true", testKey, "")
	assert.Equal(t, fasthttp.StatusOK, code)
	assert.True(t, snaps.refreshed)
}

func TestOEESnapshotErrors(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{errs.ErrUnknownMachine, fasthttp.StatusNotFound},
		{errs.ErrPoolExhausted, fasthttp.StatusServiceUnavailable},
		{errs.ErrExternalSource, fasthttp.StatusBadGateway},
		{context.DeadlineExceeded, fasthttp.StatusInternalServerError},
	}
	for _, tc := range cases {
		s := newServer(t, Deps{Snapshots: &fakeSnapshots{err: tc.err}})
		code, body := s.do(t, "GET", "/v1/oee/IMA3", testKey, "")
		assert.Equal(t, tc.code, code, tc.err.Error())
		assert.Contains(t, decode(t, body)["error"], tc.err.Error())
	}
}

func TestIngest(t *testing.T) {
	tel := &fakeTelemetry{written: map[timeseries.Stream][]timeseries.Sample{}}
	s := newServer(t, Deps{Telemetry: tel})

	body := `{
		"events": [
			{"time": "2026-03-02T08:00:00Z", "machine": "IMA3", "tag": "state", "value": 1},
			{"machine": "IMA3", "tag": "state", "value": 0},
			{"machine": "", "tag": "state", "value": 0}
		],
		"counts": [{"time": "2026-03-02T08:00:00Z", "machine": "IMA3", "tag": "good", "value": 120}]
	}`
	code, resp := s.do(t, "POST", "/v1/telemetry", testKey, body)
	require.Equal(t, fasthttp.StatusAccepted, code)
	assert.Equal(t, 3.0, decode(t, resp)["count"])

	require.Len(t, tel.written[timeseries.StreamEvent], 2)
	assert.False(t, tel.written[timeseries.StreamEvent][1].Time.IsZero(), "missing time defaults to now")
	assert.Len(t, tel.written[timeseries.StreamCount], 1)
	assert.Empty(t, tel.written[timeseries.StreamProcess])

	code, _ = s.do(t, "POST", "/v1/telemetry", testKey, `{"events": []}`)
	assert.Equal(t, fasthttp.StatusBadRequest, code)

	code, _ = s.do(t, "POST", "/v1/telemetry", testKey, `not json`)
	assert.Equal(t, fasthttp.StatusBadRequest, code)

	code, resp = s.do(t, "GET", "/v1/telemetry/hourly?machine=IMA3&hours=6", testKey, "")
	require.Equal(t, fasthttp.StatusOK, code)
	assert.Len(t, decode(t, resp)["stats"], 1)
}

func TestImportLegacy(t *testing.T) {
	s := newServer(t, Deps{})
	code, _ := s.do(t, "POST", "/v1/import/legacy", testKey, "")
	assert.Equal(t, fasthttp.StatusServiceUnavailable, code)

	im := &fakeImporter{}
	loc := time.FixedZone("CET", 3600)
	s = newServer(t, Deps{Importer: im, Location: loc})

	code, body := s.do(t, "POST", "/v1/import/legacy", testKey, `{"from":"2026-03-01","to":"2026-03-02","force":true}`)
	require.Equal(t, fasthttp.StatusOK, code)
	assert.Equal(t, 2.0, decode(t, body)["written"])
	assert.True(t, im.force)
	assert.True(t, im.from.Equal(time.Date(2026, 3, 1, 0, 0, 0, 0, loc)))
	assert.True(t, im.to.Equal(time.Date(2026, 3, 2, 0, 0, 0, 0, loc)))

	code, _ = s.do(t, "POST", "/v1/import/legacy", testKey, `{"from":"2026-03-02","to":"2026-03-01"}`)
	assert.Equal(t, fasthttp.StatusBadRequest, code)
}

func TestSyncDictionary(t *testing.T) {
	s := newServer(t, Deps{})

	body := `{"items":[
		{"name":"Jam","code":"A100","parent_name":"Mechanical","default_tag":"stop_reason","default_value":100},
		{"name":"Belt slip","code":"A101","parent_name":"Mechanical"}
	]}`
	code, resp := s.do(t, "POST", "/v1/dictionaries/events/sync", testKey, body)
	require.Equal(t, fasthttp.StatusOK, code)
	assert.Equal(t, 3.0, decode(t, resp)["created"])

	var jam db.EventEntry
	require.NoError(t, s.db.Where("code = ?", "A100").First(&jam).Error)
	assert.Equal(t, "Mechanical / Jam", jam.CompletePath)
	assert.Equal(t, int64(100), jam.DefaultValue)

	code, _ = s.do(t, "POST", "/v1/dictionaries/widgets/sync", testKey, body)
	assert.Equal(t, fasthttp.StatusNotFound, code)
}

func TestSetDictionaryParent(t *testing.T) {
	s := newServer(t, Deps{})

	body := `{"items":[
		{"name":"Jam","code":"A100","parent_name":"Mechanical"},
		{"name":"Electrical","code":"E1"}
	]}`
	code, _ := s.do(t, "POST", "/v1/dictionaries/events/sync", testKey, body)
	require.Equal(t, fasthttp.StatusOK, code)

	var jam, elec db.EventEntry
	require.NoError(t, s.db.Where("code = ?", "A100").First(&jam).Error)
	require.NoError(t, s.db.Where("code = ?", "E1").First(&elec).Error)

	path := "/v1/dictionaries/events/" + itoa(jam.ID) + "/parent"
	code, _ = s.do(t, "POST", path, testKey, `{"parent_id":`+itoa(elec.ID)+`}`)
	require.Equal(t, fasthttp.StatusOK, code)
	var moved db.EventEntry
	require.NoError(t, s.db.First(&moved, jam.ID).Error)
	assert.Equal(t, "Electrical / Jam", moved.CompletePath)

	code, _ = s.do(t, "POST", "/v1/dictionaries/events/"+itoa(elec.ID)+"/parent", testKey, `{"parent_id":`+itoa(jam.ID)+`}`)
	assert.Equal(t, fasthttp.StatusUnprocessableEntity, code)

	code, _ = s.do(t, "POST", path, testKey, `{"parent_id":null}`)
	require.Equal(t, fasthttp.StatusOK, code)
	var detached db.EventEntry
	require.NoError(t, s.db.First(&detached, jam.ID).Error)
	assert.Nil(t, detached.ParentID)
	assert.Equal(t, "Jam", detached.CompletePath)

	code, _ = s.do(t, "POST", "/v1/dictionaries/events/9999/parent", testKey, `{"parent_id":null}`)
	assert.Equal(t, fasthttp.StatusNotFound, code)

	code, _ = s.do(t, "POST", "/v1/dictionaries/events/abc/parent", testKey, `{"parent_id":null}`)
	assert.Equal(t, fasthttp.StatusBadRequest, code)
}

func TestSyncTicket(t *testing.T) {
	s := newServer(t, Deps{})
	code, _ := s.do(t, "POST", "/v1/tickets/501/sync", testKey, "")
	assert.Equal(t, fasthttp.StatusServiceUnavailable, code)

	tk := &fakeTickets{}
	s = newServer(t, Deps{Tickets: tk})

	code, body := s.do(t, "POST", "/v1/tickets/501/sync", testKey, "")
	require.Equal(t, fasthttp.StatusOK, code)
	assert.Equal(t, tickets.ActionCreated, decode(t, body)["action"])
	assert.Equal(t, []int64{501}, tk.synced)

	code, _ = s.do(t, "POST", "/v1/tickets/404/sync", testKey, "")
	assert.Equal(t, fasthttp.StatusNotFound, code)

	code, _ = s.do(t, "POST", "/v1/tickets/x/sync", testKey, "")
	assert.Equal(t, fasthttp.StatusBadRequest, code)

	code, _ = s.do(t, "POST", "/v1/tickets/sync", testKey, "")
	assert.Equal(t, fasthttp.StatusOK, code)
}

func TestRebuildDowntimeAndTicketsUnconfigured(t *testing.T) {
	s := newServer(t, Deps{})

	code, body := s.do(t, "POST", "/v1/downtime/rebuild", testKey, "")
	require.Equal(t, fasthttp.StatusOK, code)
	assert.Equal(t, 7.0, decode(t, body)["intervals"])

	code, _ = s.do(t, "POST", "/v1/tickets/sync", testKey, "")
	assert.Equal(t, fasthttp.StatusServiceUnavailable, code)
}

func TestAPIKeys(t *testing.T) {
	s := newServer(t, Deps{})

	code, body := s.do(t, "POST", "/v1/apikeys", testKey, `{"name":"line-2-gateway"}`)
	require.Equal(t, fasthttp.StatusCreated, code)
	created := decode(t, body)
	newKey := created["key"].(string)
	assert.Contains(t, newKey, "mes_")

	code, _ = s.do(t, "GET", "/v1/oee/IMA3", newKey, "")
	assert.Equal(t, fasthttp.StatusOK, code)

	var self db.APIKey
	require.NoError(t, s.db.Where("key_hash = ?", db.HashAPIKey(testKey)).First(&self).Error)
	code, _ = s.do(t, "POST", "/v1/apikeys/"+itoa(self.ID)+"/active", testKey, `{"active":false}`)
	assert.Equal(t, fasthttp.StatusForbidden, code)

	id := uint(created["id"].(float64))
	code, _ = s.do(t, "POST", "/v1/apikeys/"+itoa(id)+"/active", testKey, `{"active":false}`)
	require.Equal(t, fasthttp.StatusOK, code)

	code, _ = s.do(t, "GET", "/v1/oee/IMA3", newKey, "")
	assert.Equal(t, fasthttp.StatusUnauthorized, code)
}

func TestMetricsFilter(t *testing.T) {
	reg := prometheus.NewRegistry()
	g := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "test_oee", Help: "test"}, []string{"machine"})
	reg.MustRegister(g)
	g.WithLabelValues("IMA3").Set(1)
	g.WithLabelValues("IMA4").Set(2)

	s := newServer(t, Deps{Gatherer: reg})

	code, body := s.do(t, "GET", "/metrics?machine=IMA3", "", "")
	require.Equal(t, fasthttp.StatusOK, code)
	assert.Contains(t, string(body), `test_oee{machine="IMA3"} 1`)
	assert.NotContains(t, string(body), "IMA4")
}

func itoa(id uint) string {
	return strconv.FormatUint(uint64(id), 10)
}
