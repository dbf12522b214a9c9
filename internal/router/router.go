// Package router implements the request router: it classifies each inbound
// WebDriver HTTP request, admits or looks up an upstream, forwards the
// request with hop-by-hop hygiene and session-id translation, and coerces
// its own failures into W3C error envelopes.
package router

import (
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/stevepryde/xenon/internal/config"
	"github.com/stevepryde/xenon/internal/fleet"
	"github.com/stevepryde/xenon/internal/metrics"
	"github.com/stevepryde/xenon/internal/node"
	"github.com/stevepryde/xenon/internal/security"
	"github.com/stevepryde/xenon/internal/session"
	"github.com/stevepryde/xenon/internal/types"
	"github.com/stevepryde/xenon/internal/wire"
)

// hubPrefix is accepted (and stripped) in front of every route for
// Selenium hub compatibility.
const hubPrefix = "/wd/hub"

// Router dispatches WebDriver traffic across local fleets and remote nodes.
type Router struct {
	settings *config.Settings
	fleets   *fleet.Fleets
	nodes    *node.Registry
	dir      *session.Directory

	client       *http.Client
	maxBodyBytes int64
}

// New creates a Router. The upstream HTTP client carries no global timeout;
// per-call deadlines come from the settings so new-session and in-session
// forwards can differ.
func New(settings *config.Settings, fleets *fleet.Fleets, nodes *node.Registry, dir *session.Directory) *Router {
	return &Router{
		settings:     settings,
		fleets:       fleets,
		nodes:        nodes,
		dir:          dir,
		client:       &http.Client{},
		maxBodyBytes: 32 << 20, // WebDriver screenshots can run to a few MB
	}
}

// ServeHTTP classifies and dispatches one request (implements http.Handler).
func (ro *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := stripHubPrefix(r.URL.Path)

	switch {
	case r.Method == http.MethodPost && path == "/session":
		ro.handleNewSession(w, r)

	case r.Method == http.MethodGet && path == "/status":
		ro.handleStatus(w)

	case r.Method == http.MethodGet && path == "/node/config":
		ro.handleNodeConfig(w)

	case strings.HasPrefix(path, "/session/"):
		id, rest := splitSessionPath(path)
		if id == "" {
			writeWebDriverError(w, types.NewBadRequest("malformed session path"))
			return
		}
		ro.handleSession(w, r, id, rest)

	default:
		writeWebDriverError(w, types.NewUnknownCommand(r.Method, r.URL.Path))
	}
}

// stripHubPrefix removes a leading /wd/hub segment; the remainder is
// classified and forwarded verbatim.
func stripHubPrefix(path string) string {
	if path == hubPrefix {
		return "/"
	}
	if strings.HasPrefix(path, hubPrefix+"/") {
		return path[len(hubPrefix):]
	}
	return path
}

// splitSessionPath splits "/session/{id}[/rest...]" into the id and the
// remainder (including its leading slash, empty for the bare session URL).
func splitSessionPath(path string) (id, rest string) {
	trimmed := strings.TrimPrefix(path, "/session/")
	if trimmed == path || trimmed == "" {
		return "", ""
	}
	if idx := strings.IndexByte(trimmed, '/'); idx >= 0 {
		return trimmed[:idx], trimmed[idx:]
	}
	return trimmed, ""
}

// handleStatus answers GET /status locally: ready when any fleet can admit
// a session or any peer is reachable.
func (ro *Router) handleStatus(w http.ResponseWriter) {
	ready := ro.fleets.HasCapacity() || ro.nodes.AnyReachable()
	message := "ok"
	if !ready {
		message = "no capacity"
	}
	writeJSON(w, http.StatusOK, wire.StatusBody{
		Value: wire.StatusValue{
			Ready:   ready,
			Message: message,
		},
	})
}

// handleNodeConfig answers GET /node/config with the local browser catalog.
// This is the whole inter-node protocol.
func (ro *Router) handleNodeConfig(w http.ResponseWriter) {
	catalog := ro.fleets.Catalog()
	if catalog == nil {
		catalog = []wire.CatalogEntry{}
	}
	writeJSON(w, http.StatusOK, catalog)
}

// handleSession serves every /session/{id}... request: directory lookup,
// path and body session-id translation, forwarding, and lease teardown when
// the session ends.
func (ro *Router) handleSession(w http.ResponseWriter, r *http.Request, id, rest string) {
	if msg := security.ValidateSessionID(id); msg != "" {
		writeWebDriverError(w, types.NewInvalidSessionID(id))
		return
	}

	sess, err := ro.dir.Get(id)
	if err != nil {
		writeWebDriverError(w, types.NewInvalidSessionID(id))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, ro.maxBodyBytes))
	if err != nil {
		writeWebDriverError(w, types.NewBadRequest("reading request body"))
		return
	}

	isDelete := r.Method == http.MethodDelete && rest == ""
	upstreamURL := sess.UpstreamURL + "/session/" + sess.UpstreamID + rest

	resp, err := ro.forward(r.Context(), r.Method, upstreamURL, r.Header, body, ro.settings.SessionTimeout)
	if err != nil {
		if r.Context().Err() != nil {
			// Client disconnected; the session stays alive for a retry.
			return
		}
		writeWebDriverError(w, coerceError(err))
		return
	}

	sessionOver := (isDelete && resp.is2xx()) ||
		(!resp.is2xx() && wire.IsSessionGone(resp.body))
	if sessionOver {
		ro.endSession(sess)
	}

	out := resp.body
	if wire.LooksLikeJSON(out) {
		out = wire.RewriteSessionID(out, sess.ID)
	}
	writeUpstream(w, resp, out)
}

// endSession removes a session from the directory and releases whatever it
// holds. Safe to call for sessions already evicted by process death.
func (ro *Router) endSession(sess *session.Session) {
	if _, err := ro.dir.Remove(sess.ID); err != nil {
		return
	}
	if sess.End != nil {
		sess.End()
	}
	metrics.SessionsActive.Set(float64(ro.dir.Len()))
	log.Info().
		Str("session_id", sess.ID).
		Bool("local", sess.IsLocal()).
		Msg("Session ended")
}
