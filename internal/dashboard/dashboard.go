// Package dashboard serves the chainaudit admin API and web UI.
//
// Everything is mounted on one chi router by `chainaudit start`:
//
//	GET  /dashboard             Single-page HTML dashboard
//	GET  /dashboard/ws          Live feed of appended entries
//	GET  /api/entries           Recent entries (limit, actor, action, since)
//	GET  /api/entries/{id}      One entry
//	POST /api/events            Record an audit event
//	GET  /api/verify            Integrity check (from, to)
//	GET  /api/verify/summary    Compact chain summary
//	GET  /api/closures          Daily closures
//	POST /api/closures          Close a day {"date": "YYYY-MM-DD"}
//	GET  /api/closures/verify   Closure signatures and anchors
//	GET  /metrics               Prometheus metrics
//	GET  /health                Liveness
//
// The API is a thin adapter: every handler calls straight into the ledger,
// recorder or closure service and maps their sentinel errors to statuses.
package dashboard

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chainaudit/chainaudit/internal/closure"
	"github.com/chainaudit/chainaudit/internal/ledger"
	"github.com/chainaudit/chainaudit/internal/metrics"
	"github.com/chainaudit/chainaudit/internal/recorder"
)

// Options holds the dependencies injected into the dashboard.
type Options struct {
	Ledger   *ledger.Ledger
	Recorder *recorder.Recorder
	Closures *closure.Service
	Metrics  *metrics.Metrics

	// Gatherer backs /metrics. Defaults to prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer

	// SummaryLimit is how many broken entries /api/verify/summary shows.
	SummaryLimit int

	// UI serves /dashboard and /dashboard/ws when true.
	UI bool
}

// Dashboard serves the web UI and REST API.
// Implements http.Handler for the dashboard UI page.
type Dashboard struct {
	ledger       *ledger.Ledger
	recorder     *recorder.Recorder
	closures     *closure.Service
	metrics      *metrics.Metrics
	gatherer     prometheus.Gatherer
	summaryLimit int
	ui           bool
	wsHub        *wsHub
}

// New creates a new Dashboard with the given dependencies.
func New(opts Options) *Dashboard {
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	d := &Dashboard{
		ledger:       opts.Ledger,
		recorder:     opts.Recorder,
		closures:     opts.Closures,
		metrics:      opts.Metrics,
		gatherer:     gatherer,
		summaryLimit: opts.SummaryLimit,
		ui:           opts.UI,
		wsHub:        newWSHub(),
	}

	go d.wsHub.run()

	return d
}

// Router returns the complete HTTP handler: API, UI, metrics and health.
func (d *Dashboard) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", d.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(d.gatherer, promhttp.HandlerOpts{}))
	r.Mount("/api", d.APIHandler())

	if d.ui {
		r.Get("/dashboard", d.ServeHTTP)
		r.Get("/dashboard/", d.ServeHTTP)
		r.Handle("/dashboard/ws", d.WebSocketHandler())
	}
	return r
}

// ServeHTTP serves the embedded HTML dashboard.
func (d *Dashboard) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(dashboardHTML))
}

// WebSocketHandler returns an http.Handler for the /dashboard/ws endpoint.
// Clients connect here to receive entries as they are appended.
func (d *Dashboard) WebSocketHandler() http.Handler {
	return http.HandlerFunc(d.handleWebSocket)
}

// APIHandler returns the router for the REST endpoints, relative to /api.
func (d *Dashboard) APIHandler() http.Handler {
	r := chi.NewRouter()

	r.Route("/entries", func(r chi.Router) {
		r.Get("/", d.handleListEntries)
		r.Get("/{id}", d.handleGetEntry)
	})
	r.Post("/events", d.handleRecordEvent)

	r.Route("/verify", func(r chi.Router) {
		r.Get("/", d.handleVerify)
		r.Get("/summary", d.handleVerifySummary)
	})

	r.Route("/closures", func(r chi.Router) {
		r.Get("/", d.handleListClosures)
		r.Post("/", d.handleCloseDay)
		r.Get("/verify", d.handleVerifyClosures)
	})

	return r
}

// BroadcastEvent sends an appended entry to all connected WebSocket
// clients. Wired as the ledger's OnAppend hook. Non-blocking.
func (d *Dashboard) BroadcastEvent(e ledger.Entry) {
	data, err := json.Marshal(e)
	if err != nil {
		slog.Error("failed to marshal broadcast entry", "error", err)
		return
	}
	d.wsHub.broadcast(data)
}

// --- REST API Handlers ---

// GET /health
func (d *Dashboard) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleListEntries returns recent entries, newest first.
// GET /api/entries?limit=50&actor=12&action=ECHEC_*&since=2025-01-01T00:00:00Z
func (d *Dashboard) handleListEntries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	params := ledger.QueryParams{
		Action: q.Get("action"),
		Limit:  50,
	}
	if l := q.Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			params.Limit = parsed
		}
	}
	if a := q.Get("actor"); a != "" {
		id, err := strconv.ParseInt(a, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "actor must be an integer")
			return
		}
		params.ActorID = &id
	}
	if s := q.Get("since"); s != "" {
		since, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
			return
		}
		params.Since = since
	}

	entries, err := d.ledger.Query(r.Context(), params)
	if err != nil {
		slog.Error("ledger query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "ledger query failed")
		return
	}
	if entries == nil {
		entries = []ledger.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// GET /api/entries/{id}
func (d *Dashboard) handleGetEntry(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "id must be an integer")
		return
	}
	e, err := d.ledger.Get(r.Context(), id)
	if errors.Is(err, ledger.ErrNotFound) {
		writeError(w, http.StatusNotFound, "entry not found")
		return
	}
	if err != nil {
		slog.Error("reading entry failed", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "reading entry failed")
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// handleRecordEvent records an event through the recorder policy.
// POST /api/events  {"actor_id": 1, "action": "LOGIN", "target": "...", "details": {...}}
//
// 201 when written. 202 with recorded=false when the policy let the failure
// pass. 400 for an event the ledger rejects. 503 when the policy requires
// the record and it could not be written.
func (d *Dashboard) handleRecordEvent(w http.ResponseWriter, r *http.Request) {
	var ev ledger.Event
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.UseNumber() // detail numbers are hashed as sent
	if err := dec.Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if ev.Action == "" {
		writeError(w, http.StatusBadRequest, "action field required")
		return
	}

	recorded, err := d.recorder.Record(r.Context(), ev)
	switch {
	case err == nil && recorded:
		writeJSON(w, http.StatusCreated, map[string]bool{"recorded": true})
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]bool{"recorded": false})
	case errors.Is(err, ledger.ErrEncoding), errors.Is(err, ledger.ErrInvalidEvent):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusServiceUnavailable, err.Error())
	}
}

// handleVerify runs a full integrity check over an id window.
// GET /api/verify?from=1&to=500
//
// Always 200 when the check ran: an invalid chain is a report, not an error.
func (d *Dashboard) handleVerify(w http.ResponseWriter, r *http.Request) {
	rng, ok := parseRange(w, r)
	if !ok {
		return
	}
	report, err := d.verify(r, rng)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "verification failed")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// GET /api/verify/summary?from=&to=&max_broken=
func (d *Dashboard) handleVerifySummary(w http.ResponseWriter, r *http.Request) {
	rng, ok := parseRange(w, r)
	if !ok {
		return
	}
	limit := d.summaryLimit
	if m := r.URL.Query().Get("max_broken"); m != "" {
		if parsed, err := strconv.Atoi(m); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	report, err := d.verify(r, rng)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "verification failed")
		return
	}
	writeJSON(w, http.StatusOK, ledger.Summarize(report, limit))
}

func (d *Dashboard) verify(r *http.Request, rng ledger.Range) (*ledger.Report, error) {
	report, err := d.ledger.Verify(r.Context(), rng)
	if err != nil {
		slog.Error("verification failed", "error", err)
		d.metrics.ObserveVerify(metrics.ResultError, 0)
		return nil, err
	}
	result := metrics.ResultValid
	if !report.Valid {
		result = metrics.ResultInvalid
		slog.Warn("ledger integrity check failed", "run_id", report.RunID, "failed", report.EntriesFailed)
	}
	d.metrics.ObserveVerify(result, report.EntriesFailed)
	return report, nil
}

// GET /api/closures
func (d *Dashboard) handleListClosures(w http.ResponseWriter, r *http.Request) {
	closures, err := d.closures.List(r.Context())
	if err != nil {
		slog.Error("listing closures failed", "error", err)
		writeError(w, http.StatusInternalServerError, "listing closures failed")
		return
	}
	if closures == nil {
		closures = []closure.Closure{}
	}
	writeJSON(w, http.StatusOK, closures)
}

// handleCloseDay closes a UTC day. An empty body closes yesterday.
// POST /api/closures  {"date": "2025-03-14"}
func (d *Dashboard) handleCloseDay(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Date string `json:"date"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	var date *time.Time
	if req.Date != "" {
		t, err := time.Parse(closure.DateLayout, req.Date)
		if err != nil {
			writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
			return
		}
		date = &t
	}

	c, err := d.closures.CloseDay(r.Context(), date)
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, c)
	case errors.Is(err, closure.ErrAlreadyClosed):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, closure.ErrNoEntries):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ledger.ErrConcurrencyTimeout):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		slog.Error("closing day failed", "error", err)
		writeError(w, http.StatusInternalServerError, "closing day failed")
	}
}

// GET /api/closures/verify
func (d *Dashboard) handleVerifyClosures(w http.ResponseWriter, r *http.Request) {
	v, err := d.closures.VerifyClosures(r.Context())
	if err != nil {
		slog.Error("verifying closures failed", "error", err)
		writeError(w, http.StatusInternalServerError, "verifying closures failed")
		return
	}
	anchors, err := d.closures.CheckAnchors(r.Context())
	if err != nil {
		slog.Error("checking closure anchors failed", "error", err)
		writeError(w, http.StatusInternalServerError, "checking closure anchors failed")
		return
	}
	anchored := true
	for _, a := range anchors {
		if !a.OK {
			anchored = false
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"valid":              v.Valid && anchored,
		"checked":            v.Checked,
		"broken_closure_ids": v.BrokenClosureIDs,
		"anchors":            anchors,
	})
}

// --- Helpers ---

// parseRange reads from/to query parameters. It writes a 400 and returns
// false when either is malformed.
func parseRange(w http.ResponseWriter, r *http.Request) (ledger.Range, bool) {
	var rng ledger.Range
	params := []struct {
		name string
		dst  *int64
	}{{"from", &rng.From}, {"to", &rng.To}}
	for _, p := range params {
		v := r.URL.Query().Get(p.name)
		if v == "" {
			continue
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, p.name+" must be a non-negative integer")
			return rng, false
		}
		*p.dst = n
	}
	return rng, true
}

// writeJSON sends a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// dashboardHTML is the embedded single-page dashboard. It shows the chain
// verdict, recent entries and closures, refreshes periodically and prepends
// live entries from the WebSocket feed.
const dashboardHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>chainaudit</title>
<style>
  * { margin: 0; padding: 0; box-sizing: border-box; }
  body { font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, sans-serif;
         background: #0f1117; color: #e1e4e8; padding: 24px; }
  h1 { font-size: 24px; margin-bottom: 8px; }
  .subtitle { color: #8b949e; margin-bottom: 24px; }
  .grid { display: grid; grid-template-columns: 1fr 1fr; gap: 16px; margin-bottom: 24px; }
  .card { background: #161b22; border: 1px solid #30363d; border-radius: 8px; padding: 16px; }
  .card h2 { font-size: 14px; color: #8b949e; text-transform: uppercase; margin-bottom: 12px; }
  table { width: 100%; border-collapse: collapse; font-size: 13px; }
  th { text-align: left; color: #8b949e; padding: 6px 8px; border-bottom: 1px solid #30363d; }
  td { padding: 6px 8px; border-bottom: 1px solid #21262d; }
  .ok { color: #3fb950; }
  .broken { color: #f85149; font-weight: bold; }
  .gap { color: #8b949e; font-style: italic; }
  .hash { font-family: monospace; font-size: 11px; color: #8b949e; }
  #verdict { font-size: 18px; margin-bottom: 8px; }
  #live-feed { max-height: 300px; overflow-y: auto; font-family: monospace; font-size: 12px; }
  .feed-entry { padding: 4px 0; border-bottom: 1px solid #21262d; }
  .btn { background: #21262d; border: 1px solid #30363d; color: #e1e4e8;
         padding: 4px 12px; border-radius: 4px; cursor: pointer; font-size: 12px; }
  .btn:hover { background: #30363d; }
</style>
</head>
<body>
<h1>chainaudit</h1>
<p class="subtitle">Tamper-evident audit ledger</p>

<div class="grid">
  <div class="card">
    <h2>Chain</h2>
    <div id="verdict">Checking...</div>
    <table>
      <thead><tr><th>#</th><th>Action</th><th>Hash</th><th>Status</th></tr></thead>
      <tbody id="chain-tbody"></tbody>
    </table>
    <p style="margin-top:8px"><button class="btn" onclick="refresh()">Verify now</button></p>
  </div>
  <div class="card">
    <h2>Daily closures</h2>
    <table>
      <thead><tr><th>Date</th><th>Last entry</th><th>Root hash</th></tr></thead>
      <tbody id="closures-tbody"><tr><td colspan="3">Loading...</td></tr></tbody>
    </table>
  </div>
</div>

<div class="card">
  <h2>Live entries</h2>
  <div id="live-feed"><div class="feed-entry">Connecting...</div></div>
</div>

<script>
function esc(s) {
  if (s == null) return '';
  return String(s).replace(/&/g,'&amp;').replace(/</g,'&lt;').replace(/>/g,'&gt;').replace(/"/g,'&quot;').replace(/'/g,'&#39;');
}
function short(h) { return h ? esc(h.substring(0, 12)) + '…' : ''; }

async function refresh() {
  try {
    const [sumRes, closRes, entRes] = await Promise.all([
      fetch('/api/verify/summary'), fetch('/api/closures'), fetch('/api/entries?limit=20')
    ]);
    renderSummary(await sumRes.json());
    renderClosures(await closRes.json());
    renderFeed(await entRes.json());
  } catch(e) { console.error('refresh failed:', e); }
}

function renderSummary(s) {
  const v = document.getElementById('verdict');
  v.className = s.valid ? 'ok' : 'broken';
  v.textContent = (s.valid ? 'VALID' : 'BROKEN') + ' (' + s.entries_checked + ' entries)';
  const tbody = document.getElementById('chain-tbody');
  tbody.innerHTML = (s.nodes || []).map(n => {
    if (n.kind === 'genesis') return '<tr><td>-</td><td>GENESIS</td><td class="hash">' + esc(s.genesis) + '</td><td></td></tr>';
    if (n.kind === 'gap') return '<tr><td colspan="4" class="gap">' + n.gap.count + ' entries (#' + n.gap.from_id + ' to #' + n.gap.to_id + ')' +
      (n.gap.broken ? ', ' + n.gap.broken + ' broken' : '') + '</td></tr>';
    const e = n.entry;
    const st = n.kind === 'broken' ? '<span class="broken">' + esc((e.failures||[]).join(', ')) + '</span>' : '<span class="ok">ok</span>';
    return '<tr><td>' + e.id + '</td><td>' + esc(e.action) + '</td><td class="hash">' + short(e.stored_hash) + '</td><td>' + st + '</td></tr>';
  }).join('');
}

function renderClosures(closures) {
  const tbody = document.getElementById('closures-tbody');
  if (!closures || closures.length === 0) { tbody.innerHTML = '<tr><td colspan="3">No closures yet</td></tr>'; return; }
  tbody.innerHTML = closures.map(c =>
    '<tr><td>' + esc(c.date) + '</td><td>#' + c.last_entry_id + '</td><td class="hash">' + short(c.root_hash) + '</td></tr>'
  ).join('');
}

function feedLine(e) {
  return '[' + esc(e.timestamp) + '] #' + e.id + ' ' + esc(e.action) +
    (e.actor_id != null ? ' actor=' + esc(e.actor_id) : '') + (e.target ? ' target=' + esc(e.target) : '');
}

function renderFeed(entries) {
  const feed = document.getElementById('live-feed');
  if (!entries || entries.length === 0) { feed.innerHTML = '<div class="feed-entry">No entries yet</div>'; return; }
  feed.innerHTML = entries.map(e => '<div class="feed-entry">' + feedLine(e) + '</div>').join('');
}

function connectWS() {
  const proto = location.protocol === 'https:' ? 'wss:' : 'ws:';
  const ws = new WebSocket(proto + '//' + location.host + '/dashboard/ws');
  ws.onmessage = function(e) {
    try {
      const entry = JSON.parse(e.data);
      const feed = document.getElementById('live-feed');
      const div = document.createElement('div');
      div.className = 'feed-entry';
      div.innerHTML = feedLine(entry);
      feed.insertBefore(div, feed.firstChild);
      while (feed.children.length > 100) feed.removeChild(feed.lastChild);
    } catch(err) { console.error('ws parse error:', err); }
  };
  ws.onclose = function() { setTimeout(connectWS, 3000); };
  ws.onerror = function() { ws.close(); };
}

refresh();
setInterval(refresh, 15000);
connectWS();
</script>
</body>
</html>`
