package router

import (
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/stevepryde/xenon/internal/fleet"
	"github.com/stevepryde/xenon/internal/metrics"
	"github.com/stevepryde/xenon/internal/node"
	"github.com/stevepryde/xenon/internal/session"
	"github.com/stevepryde/xenon/internal/types"
	"github.com/stevepryde/xenon/internal/wire"
)

// handleNewSession runs the admission flow: parse the W3C capability
// combinations, try local fleets first, then nodes whose catalog matches,
// and translate the winning upstream's session id to a freshly minted
// external one.
func (ro *Router) handleNewSession(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, ro.maxBodyBytes))
	if err != nil {
		writeWebDriverError(w, types.NewBadRequest("reading request body"))
		return
	}

	combos, err := wire.ParseNewSession(body)
	if err != nil {
		writeWebDriverError(w, types.NewBadRequest(err.Error()))
		return
	}

	var (
		sawCapacity    bool
		lastUpstream   *upstreamResponse
		lastForwardErr error
	)

	for _, caps := range combos {
		// Local first: our own drivers are cheaper than a network hop.
		lease, err := ro.fleets.Acquire(r.Context(), caps)
		switch {
		case err == nil:
			resp, done := ro.createLocalSession(w, r, lease, body)
			if done {
				return
			}
			if resp != nil {
				lastUpstream = resp
			}
			sawCapacity = true // a spawned-then-failed driver is a capacity-shaped failure
		case errors.Is(err, types.ErrFleetFull), errors.Is(err, types.ErrFleetClosed):
			sawCapacity = true
		case errors.Is(err, types.ErrDriverStartup):
			writeWebDriverError(w, coerceError(err))
			return
		case errors.Is(err, types.ErrNoMatch):
			// Fall through to the nodes.
		default:
			writeWebDriverError(w, coerceError(err))
			return
		}

		for _, n := range ro.nodes.Candidates(caps) {
			resp, err := ro.createRemoteSession(w, r, n, body)
			if err != nil {
				lastForwardErr = err
				continue
			}
			if resp == nil {
				// Session created and response written.
				return
			}
			lastUpstream = resp
		}
	}

	// Nothing accepted. Prefer a real upstream refusal (passed through
	// byte-exact), then capacity, then a node forwarding error, then global
	// no-match.
	switch {
	case lastUpstream != nil:
		writeUpstream(w, lastUpstream, lastUpstream.body)
	case sawCapacity:
		writeWebDriverError(w, coerceError(types.ErrFleetFull))
	case lastForwardErr != nil:
		writeWebDriverError(w, coerceError(lastForwardErr))
	default:
		writeWebDriverError(w, coerceError(types.ErrNoMatch))
	}
}

// createLocalSession forwards the New Session body to a freshly leased
// local driver. Returns done=true when a response has been written or the
// client has gone away (nothing is written then). On
// failure the lease is released (possibly terminating a process spawned
// just for this request) and admission continues; a driver's own error
// response is returned so the caller can pass the refusal through if no
// other candidate works out.
func (ro *Router) createLocalSession(w http.ResponseWriter, r *http.Request, lease *fleet.Lease, body []byte) (*upstreamResponse, bool) {
	proc := lease.Process()

	resp, err := ro.forward(r.Context(), http.MethodPost, proc.BaseURL()+"/session", r.Header, body, ro.settings.NewSessionTimeout)
	if err != nil {
		lease.Release()
		if r.Context().Err() != nil {
			return nil, true
		}
		log.Warn().
			Err(err).
			Str("process_id", proc.ID()).
			Msg("Local new session forward failed")
		return nil, false
	}
	if !resp.is2xx() {
		lease.Release()
		return resp, false
	}

	upstreamID, ok := wire.ExtractSessionID(resp.body)
	if !ok {
		lease.Release()
		log.Error().
			Str("process_id", proc.ID()).
			Msg("Driver accepted session but response carried no session id")
		return nil, false
	}

	externalID := uuid.NewString()
	sess := session.NewLocal(externalID, upstreamID, proc.ID())
	sess.UpstreamURL = proc.BaseURL()
	sess.End = lease.Release
	ro.dir.Insert(sess)
	metrics.SessionsActive.Set(float64(ro.dir.Len()))
	metrics.SessionsCreated.WithLabelValues("local").Inc()

	log.Info().
		Str("session_id", externalID).
		Str("process_id", proc.ID()).
		Msg("Session created on local driver")

	writeUpstream(w, resp, wire.RewriteSessionID(resp.body, externalID))
	return nil, true
}

// createRemoteSession forwards the New Session body to a peer node through
// its circuit breaker. Returns (nil, nil) when the session was created and
// the response written; a non-nil response is the node's own refusal.
func (ro *Router) createRemoteSession(w http.ResponseWriter, r *http.Request, n *node.Node, body []byte) (*upstreamResponse, error) {
	result, err := n.Execute(func() (any, error) {
		return ro.forward(r.Context(), http.MethodPost, n.URL+"/session", r.Header, body, ro.settings.NewSessionTimeout)
	})
	if err != nil {
		if r.Context().Err() == nil {
			log.Warn().
				Err(err).
				Str("node", n.Name).
				Msg("Remote new session forward failed")
		}
		return nil, err
	}
	resp := result.(*upstreamResponse)
	if !resp.is2xx() {
		return resp, nil
	}

	upstreamID, ok := wire.ExtractSessionID(resp.body)
	if !ok {
		return nil, types.NewUpstreamUnreachable("node accepted session but returned no session id", nil)
	}

	externalID := uuid.NewString()
	sess := session.NewRemote(externalID, upstreamID, n.Name)
	sess.UpstreamURL = n.URL
	ro.dir.Insert(sess)
	metrics.SessionsActive.Set(float64(ro.dir.Len()))
	metrics.SessionsCreated.WithLabelValues("remote").Inc()

	log.Info().
		Str("session_id", externalID).
		Str("node", n.Name).
		Str("upstream_id", upstreamID).
		Msg("Session created on remote node")

	writeUpstream(w, resp, wire.RewriteSessionID(resp.body, externalID))
	return nil, nil
}
