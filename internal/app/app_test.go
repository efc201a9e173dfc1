package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/matryer/is"

	"trapwatch/go-mqtt-server/internal/config"
	"trapwatch/go-mqtt-server/internal/mqttbroker"
)

const trippedEnvelope = `{"address":"c4:7c:8d:6a:3b:01","rssi":-67,"manufacturer_data":{"0x0bbb":"0100ab1200ff0180"}}`

func newTestApp(t *testing.T) *App {
	t.Helper()
	is := is.New(t)

	cfg := config.Default()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "trapwatch.db")
	cfg.QueueSize = 0
	cfg.MDNSEnabled = false

	a := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	is.NoErr(a.openStore(context.Background()))
	t.Cleanup(a.closeStore)
	return a
}

func publish(a *App, topic, payload string) {
	a.handleMQTTPublish(context.Background(), mqttbroker.PublishMessage{
		ClientID: "gw-test",
		Topic:    topic,
		Payload:  []byte(payload),
	})
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func post(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, strings.NewReader(body)))
	return rec
}

func TestAdvertisementFlowsToAllConsumers(t *testing.T) {
	is := is.New(t)
	a := newTestApp(t)
	h := a.routes()

	publish(a, "ble/gw-kitchen/advertisements", trippedEnvelope)

	rec := get(t, h, "/api/traps")
	is.Equal(rec.Code, http.StatusOK)

	var list struct {
		Traps []trapResponse `json:"traps"`
	}
	is.NoErr(json.Unmarshal(rec.Body.Bytes(), &list))
	is.Equal(len(list.Traps), 1)
	is.Equal(list.Traps[0].TrapID, "AB1200FF")
	is.Equal(list.Traps[0].Address, "C4:7C:8D:6A:3B:01")
	is.True(list.Traps[0].Tripped)
	is.True(list.Traps[0].Available)
	is.Equal(*list.Traps[0].BatteryVoltage, 1.81)
	is.Equal(list.Traps[0].RSSI, -67)

	rec = get(t, h, "/api/traps/ab1200ff")
	is.Equal(rec.Code, http.StatusOK)

	rec = get(t, h, "/api/observations?trap_id=AB1200FF")
	is.Equal(rec.Code, http.StatusOK)
	var obs struct {
		Observations []struct {
			TrapID string `json:"trap_id"`
			IsNew  bool   `json:"is_new"`
		} `json:"observations"`
	}
	is.NoErr(json.Unmarshal(rec.Body.Bytes(), &obs))
	is.Equal(len(obs.Observations), 1)
	is.True(obs.Observations[0].IsNew)

	retained, ok := a.broker.Retained("traps/AB1200FF/state")
	is.True(ok)
	var state trapState
	is.NoErr(json.Unmarshal(retained, &state))
	is.True(state.IsNew)
	is.True(state.Tripped)
	is.Equal(*state.BatteryVoltage, 1.81)

	// second sighting is an update
	publish(a, "ble/gw-hall/advertisements", trippedEnvelope)
	retained, _ = a.broker.Retained("traps/AB1200FF/state")
	is.NoErr(json.Unmarshal(retained, &state))
	is.True(!state.IsNew)
	is.Equal(state.Updates, uint64(2))
}

func TestUnknownTrapIsNotFound(t *testing.T) {
	is := is.New(t)
	a := newTestApp(t)

	rec := get(t, a.routes(), "/api/traps/DEADBEEF")
	is.Equal(rec.Code, http.StatusNotFound)
}

func TestRejectsAreRecorded(t *testing.T) {
	is := is.New(t)
	a := newTestApp(t)
	h := a.routes()

	publish(a, "ble/gw-kitchen/advertisements", `{"address":`)
	publish(a, "ble/gw-kitchen/advertisements", `{"address":"AA:BB","manufacturer_data":{"0x0bbb":"01"}}`)
	publish(a, "ble/gw-kitchen/advertisements", `{"address":"AA:BB","manufacturer_data":{"0x004c":"0215"}}`) // other vendor, ignored
	publish(a, "traps/AB1200FF/state", `not an advertisement`)                                             // other topic, ignored

	rec := get(t, h, "/api/rejects")
	is.Equal(rec.Code, http.StatusOK)

	var body struct {
		Rejects []struct {
			ScannerID string `json:"scanner_id"`
			Address   string `json:"address"`
			Payload   string `json:"payload"`
		} `json:"rejects"`
	}
	is.NoErr(json.Unmarshal(rec.Body.Bytes(), &body))
	is.Equal(len(body.Rejects), 2)
	is.Equal(body.Rejects[0].Address, "AA:BB") // newest first
	is.Equal(body.Rejects[0].Payload, "01")
	is.Equal(body.Rejects[1].ScannerID, "gw-kitchen")

	is.Equal(a.registry.Len(), 0)
}

func TestBrokenForeignEntryKeepsTrapReading(t *testing.T) {
	is := is.New(t)
	a := newTestApp(t)

	publish(a, "ble/gw-kitchen/advertisements", `{"address":"c4:7c:8d:6a:3b:01","rssi":-67,"manufacturer_data":{"0x004c":"zz","0x0bbb":"0100ab1200ff0180"}}`)
	publish(a, "ble/gw-kitchen/advertisements", `{"address":"AA:BB","manufacturer_data":{"0x0bbb":"0100zz"}}`)

	_, ok := a.registry.Get("AB1200FF")
	is.True(ok)
	is.Equal(a.registry.Len(), 1)

	rejects, err := a.db().RecentIngestionErrors(context.Background(), 10)
	is.NoErr(err)
	is.Equal(len(rejects), 1) // only the unreadable trap entry
	is.Equal(rejects[0].Address, "AA:BB")
	is.Equal(rejects[0].Payload, "0100zz")
}

func TestRejectsAreWrittenByApplier(t *testing.T) {
	is := is.New(t)

	cfg := config.Default()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "trapwatch.db")
	cfg.QueueSize = 8
	cfg.MDNSEnabled = false
	a := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	is.NoErr(a.openStore(context.Background()))
	t.Cleanup(a.closeStore)

	publish(a, "ble/gw-kitchen/advertisements", `{"address":`)
	publish(a, "ble/gw-kitchen/advertisements", `{"address":"AA:BB","manufacturer_data":{"0x0bbb":"01"}}`)

	rejects, err := a.db().RecentIngestionErrors(context.Background(), 10)
	is.NoErr(err)
	is.Equal(len(rejects), 0) // the transport path never writes

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	is.NoErr(a.adapter.Run(ctx))

	rejects, err = a.db().RecentIngestionErrors(context.Background(), 10)
	is.NoErr(err)
	is.Equal(len(rejects), 2)
}

func TestReadyzBeforeStoreOpens(t *testing.T) {
	is := is.New(t)

	cfg := config.Default()
	a := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	h := a.routes()

	is.Equal(get(t, h, "/healthz").Code, http.StatusOK)
	is.Equal(get(t, h, "/readyz").Code, http.StatusServiceUnavailable)
	is.Equal(get(t, h, "/api/observations").Code, http.StatusServiceUnavailable)
}

func TestConfigRoundTrip(t *testing.T) {
	is := is.New(t)
	a := newTestApp(t)
	h := a.routes()

	rec := post(t, h, "/api/config", `{"stale_after":"5m","unknown":"x"}`)
	is.Equal(rec.Code, http.StatusOK)

	rec = post(t, h, "/api/config", `{"stale_after":"soon"}`)
	is.Equal(rec.Code, http.StatusBadRequest)

	rec = post(t, h, "/api/config", `{"unknown":"x"}`)
	is.Equal(rec.Code, http.StatusBadRequest)

	rec = get(t, h, "/api/config")
	is.Equal(rec.Code, http.StatusOK)

	var body struct {
		Active    map[string]any    `json:"active"`
		Persisted map[string]string `json:"persisted"`
	}
	is.NoErr(json.Unmarshal(rec.Body.Bytes(), &body))
	is.Equal(body.Persisted["stale_after"], "5m")
	is.Equal(body.Active["stale_after"], "10m0s")
	is.Equal(body.Active["vendor_id"], float64(0x0BBB))
}

func TestSavedConfigAppliesOnRestart(t *testing.T) {
	is := is.New(t)
	a := newTestApp(t)

	rec := post(t, a.routes(), "/api/config", `{"stale_after":"1m","log_level":"debug"}`)
	is.Equal(rec.Code, http.StatusOK)
	a.closeStore()

	cfg, err := LoadPersisted(context.Background(), a.cfg)
	is.NoErr(err)
	is.Equal(cfg.StaleAfter, time.Minute)
	is.Equal(cfg.LogLevel, "debug")

	restarted := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	is.Equal(restarted.registry.StaleAfter(), time.Minute)

	t.Setenv("TRAPWATCH_STALE_AFTER", "3m")
	cfg, err = LoadPersisted(context.Background(), a.cfg)
	is.NoErr(err)
	is.Equal(cfg.StaleAfter, 3*time.Minute) // env wins
}

func TestWipeRequiresConfirmation(t *testing.T) {
	is := is.New(t)
	a := newTestApp(t)
	h := a.routes()

	publish(a, "ble/gw-kitchen/advertisements", trippedEnvelope)

	is.Equal(post(t, h, "/api/admin/wipe", `{"confirm":"no"}`).Code, http.StatusBadRequest)
	is.Equal(post(t, h, "/api/admin/wipe", `{"confirm":"wipe"}`).Code, http.StatusNoContent)

	rec := get(t, h, "/api/observations")
	is.True(strings.Contains(rec.Body.String(), `"observations":[]`))

	// the live registry is not part of the journal
	is.Equal(a.registry.Len(), 1)
}

func TestMetricsEndpoint(t *testing.T) {
	is := is.New(t)
	a := newTestApp(t)

	publish(a, "ble/gw-kitchen/advertisements", trippedEnvelope)

	rec := get(t, a.metricsRoutes(), "/metrics")
	is.Equal(rec.Code, http.StatusOK)
	is.True(strings.Contains(rec.Body.String(), `trapwatch_trap_tripped{trap_id="AB1200FF"} 1`))
	is.True(strings.Contains(rec.Body.String(), `trapwatch_advertisements_total{outcome="accepted"} 1`))
}

func TestMDNSSanitizers(t *testing.T) {
	is := is.New(t)

	is.Equal(sanitizeMDNSInstance("trapwatch (barn.local)"), "trapwatch (barn local)")
	is.Equal(sanitizeMDNSInstance("  "), "trapwatch")
	is.Equal(sanitizeMDNSHost("Barn Host_1"), "barn-host-1")
	is.Equal(len(sanitizeMDNSHost(strings.Repeat("x", 100))), 63)
}
