// Package monitor serves the HTTP consumer surface of the sensor daemon:
// JSON endpoints over the controller, a live SSE tail, and charts of the
// buffered series.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"tailscale.com/tsweb"

	"github.com/banshee-data/ftsensor/internal/db"
	"github.com/banshee-data/ftsensor/internal/httputil"
	"github.com/banshee-data/ftsensor/internal/monitoring"
	"github.com/banshee-data/ftsensor/internal/sensor"
	"github.com/banshee-data/ftsensor/internal/series"
	"github.com/banshee-data/ftsensor/internal/stream"
	"github.com/banshee-data/ftsensor/internal/version"
)

// Sensor is the controller API the web server drives.
type Sensor interface {
	CurrentRawLoad() sensor.Load
	CurrentUnbiasedLoad() sensor.Load
	Bias() sensor.Bias
	SetCalibrationBias(force, torque sensor.Vector3)
	ScaleFactors() sensor.ScaleFactors
	SetScaleFactors(countsPerForce, countsPerTorque uint32) error
	IsConnected() bool
	LastError() error
	Restart(ctx context.Context) error
	Stats() *stream.PacketStats
	Addr() (string, int)
}

// WebServerConfig contains configuration options for the web server
type WebServerConfig struct {
	Address     string
	Sensor      Sensor
	Series      *series.Buffer
	Broadcaster *Broadcaster
	// DB and Recorder are optional.
	DB       *db.DB
	Recorder *db.Recorder
}

// WebServer handles the HTTP interface for the sensor.
type WebServer struct {
	address     string
	sensor      Sensor
	series      *series.Buffer
	broadcaster *Broadcaster
	db          *db.DB
	recorder    *db.Recorder
	startedAt   time.Time
	server      *http.Server
	mux         *http.ServeMux
}

// NewWebServer creates a new web server with the provided configuration
func NewWebServer(config WebServerConfig) *WebServer {
	ws := &WebServer{
		address:     config.Address,
		sensor:      config.Sensor,
		series:      config.Series,
		broadcaster: config.Broadcaster,
		db:          config.DB,
		recorder:    config.Recorder,
		startedAt:   time.Now(),
	}
	if ws.series == nil {
		ws.series = series.NewBuffer(1000)
	}
	if ws.broadcaster == nil {
		ws.broadcaster = NewBroadcaster(64)
	}
	ws.mux = ws.setupRoutes()
	ws.server = &http.Server{
		Addr:              ws.address,
		Handler:           ws.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return ws
}

// Handler returns the server's routes.
func (ws *WebServer) Handler() http.Handler {
	return ws.mux
}

// Start serves HTTP until ctx is done, then shuts down gracefully.
func (ws *WebServer) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		monitoring.Logf("Starting HTTP server on %s", ws.address)
		if err := ws.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("failed to start server: %w", err)
	case <-ctx.Done():
	}
	monitoring.Logf("shutting down HTTP server...")

	// SSE clients hold connections open; close their channels first.
	ws.broadcaster.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ws.server.Shutdown(shutdownCtx); err != nil {
		monitoring.Logf("HTTP server shutdown error: %v", err)
		if err := ws.server.Close(); err != nil {
			monitoring.Logf("HTTP server force close error: %v", err)
		}
	}
	monitoring.Logf("HTTP server routine stopped")
	return nil
}

func (ws *WebServer) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", ws.handleHealth)
	mux.HandleFunc("/api/status", ws.handleStatus)
	mux.HandleFunc("/api/load", ws.handleLoad)
	mux.HandleFunc("/api/bias", ws.handleBias)
	mux.HandleFunc("/api/tare", ws.handleTare)
	mux.HandleFunc("/api/scale", ws.handleScale)
	mux.HandleFunc("/api/restart", ws.handleRestart)
	mux.HandleFunc("/api/series", ws.handleSeries)
	mux.HandleFunc("/api/sessions", ws.handleSessions)
	mux.HandleFunc("/api/readings", ws.handleReadings)
	mux.HandleFunc("/events", ws.handleEvents)
	mux.HandleFunc("/charts/load", ws.handleLoadChart)
	mux.HandleFunc("/plots/load.png", ws.handleLoadPlot)

	ws.attachAdminRoutes(mux)
	return mux
}

// attachAdminRoutes adds live sensor state to the tsweb debug page.
func (ws *WebServer) attachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	host, port := ws.sensor.Addr()
	debug.KV("Device", fmt.Sprintf("%s:%d", host, port))
	debug.KV("Version", version.String())
	debug.KVFunc("Connected", func() any { return ws.sensor.IsConnected() })
	debug.KVFunc("Last error", func() any { return errString(ws.sensor.LastError()) })
	debug.KVFunc("Readings", func() any { return stream.FormatWithCommas(ws.sensor.Stats().Totals().Readings) })
	debug.KVFunc("Malformed", func() any { return ws.sensor.Stats().Totals().Malformed })
	debug.KVFunc("SSE subscribers", func() any { return ws.broadcaster.Subscribers() })
	debug.HandleSilentFunc("tail", ws.handleEvents)
	debug.HandleFunc("tare", "zero the bias from the buffered readings (POST)", ws.handleTare)

	if ws.db != nil {
		if err := ws.db.AttachAdminRoutes(mux); err != nil {
			monitoring.Logf("Failed to attach database admin routes: %v", err)
		}
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, map[string]any{
		"status":    "ok",
		"connected": ws.sensor.IsConnected(),
		"uptime":    time.Since(ws.startedAt).Round(time.Second).String(),
	})
}

// StatusResponse is returned by /api/status.
type StatusResponse struct {
	Connected     bool                 `json:"connected"`
	Device        string               `json:"device"`
	LastError     string               `json:"last_error,omitempty"`
	ScaleFactors  sensor.ScaleFactors  `json:"scale_factors"`
	Bias          sensor.Bias          `json:"bias"`
	Stats         stream.StatsSnapshot `json:"stats"`
	SeriesLength  int                  `json:"series_length"`
	Recording     bool                 `json:"recording"`
	RecordSession string               `json:"record_session,omitempty"`
	RecordWritten int64                `json:"record_written,omitempty"`
	RecordDropped int64                `json:"record_dropped,omitempty"`
	Version       string               `json:"version"`
	GitSHA        string               `json:"git_sha"`
}

func (ws *WebServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	host, port := ws.sensor.Addr()
	resp := StatusResponse{
		Connected:    ws.sensor.IsConnected(),
		Device:       fmt.Sprintf("%s:%d", host, port),
		LastError:    errString(ws.sensor.LastError()),
		ScaleFactors: ws.sensor.ScaleFactors(),
		Bias:         ws.sensor.Bias(),
		Stats:        ws.sensor.Stats().Totals(),
		SeriesLength: ws.series.Len(),
		Version:      version.Version,
		GitSHA:       version.GitSHA,
	}
	if ws.recorder != nil {
		resp.Recording = true
		resp.RecordSession = ws.recorder.SessionID()
		resp.RecordWritten = ws.recorder.Written()
		resp.RecordDropped = ws.recorder.Dropped()
	}
	httputil.WriteJSONOK(w, resp)
}

// LoadResponse is returned by /api/load.
type LoadResponse struct {
	Connected bool        `json:"connected"`
	Raw       sensor.Load `json:"raw"`
	Unbiased  sensor.Load `json:"unbiased"`
}

func (ws *WebServer) handleLoad(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, LoadResponse{
		Connected: ws.sensor.IsConnected(),
		Raw:       ws.sensor.CurrentRawLoad(),
		Unbiased:  ws.sensor.CurrentUnbiasedLoad(),
	})
}

func (ws *WebServer) handleBias(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		httputil.WriteJSONOK(w, ws.sensor.Bias())
	case http.MethodPost, http.MethodPut:
		var b sensor.Bias
		if err := httputil.DecodeJSON(w, r, &b); err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		ws.sensor.SetCalibrationBias(b.Force, b.Torque)
		httputil.WriteJSONOK(w, ws.sensor.Bias())
	default:
		httputil.MethodNotAllowed(w)
	}
}

// Tare sets the sensor bias to the mean raw load of the last n buffered
// readings (all when n <= 0) and returns the statistics used.
func Tare(s Sensor, buf *series.Buffer, n int) (series.Stats, error) {
	stats := buf.Stats(n)
	if stats.Count == 0 {
		return stats, fmt.Errorf("no buffered readings to tare from")
	}
	b := stats.Bias()
	s.SetCalibrationBias(b.Force, b.Torque)
	return stats, nil
}

func (ws *WebServer) handleTare(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	n, err := intParam(r, "n", 0)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	stats, err := Tare(ws.sensor, ws.series, n)
	if err != nil {
		httputil.Conflict(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, map[string]any{
		"bias":  ws.sensor.Bias(),
		"stats": stats,
	})
}

func (ws *WebServer) handleScale(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		httputil.WriteJSONOK(w, ws.sensor.ScaleFactors())
	case http.MethodPost, http.MethodPut:
		var sf sensor.ScaleFactors
		if err := httputil.DecodeJSON(w, r, &sf); err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		if err := ws.sensor.SetScaleFactors(sf.CountsPerForce, sf.CountsPerTorque); err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		httputil.WriteJSONOK(w, ws.sensor.ScaleFactors())
	default:
		httputil.MethodNotAllowed(w)
	}
}

func (ws *WebServer) handleRestart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	if err := ws.sensor.Restart(r.Context()); err != nil {
		httputil.WriteJSONError(w, http.StatusBadGateway, err.Error())
		return
	}
	httputil.WriteJSONOK(w, map[string]bool{"connected": ws.sensor.IsConnected()})
}

func (ws *WebServer) handleSeries(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	n, err := intParam(r, "n", 100)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	readings := ws.series.Last(n)
	httputil.WriteJSONOK(w, map[string]any{
		"count":    len(readings),
		"readings": readings,
		"stats":    series.Compute(readings),
	})
}

func (ws *WebServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	if ws.db == nil {
		httputil.NotFound(w, "recording disabled")
		return
	}
	sessions, err := ws.db.Sessions()
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, sessions)
}

func (ws *WebServer) handleReadings(w http.ResponseWriter, r *http.Request) {
	if ws.db == nil {
		httputil.NotFound(w, "recording disabled")
		return
	}
	limit, err := intParam(r, "limit", 100)
	if err != nil || limit > 10000 {
		httputil.BadRequest(w, "limit must be an integer up to 10000")
		return
	}
	readings, err := ws.db.RecentReadings(limit)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, readings)
}

// handleEvents streams readings as Server-Sent Events.
func (ws *WebServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.InternalServerError(w, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

	id, c := ws.broadcaster.Subscribe()
	defer ws.broadcaster.Unsubscribe(id)

	w.Write([]byte(": ping\n\n"))
	flusher.Flush()

	for {
		select {
		case reading, ok := <-c:
			if !ok {
				return
			}
			payload, err := json.Marshal(reading)
			if err != nil {
				return
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func intParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s: %q", name, v)
	}
	return n, nil
}
