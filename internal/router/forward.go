package router

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stevepryde/xenon/internal/types"
)

// hopByHopHeaders must not be forwarded in either direction; they are
// meaningful only for a single transport hop. Forgetting Transfer-Encoding
// here breaks chunked upstream responses in interesting ways.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

// upstreamResponse is one fully buffered upstream reply. WebDriver bodies
// are small JSON documents; buffering keeps rewriting trivial and costs
// nothing that matters.
type upstreamResponse struct {
	status int
	header http.Header
	body   []byte
}

// is2xx reports whether the upstream accepted the request.
func (u *upstreamResponse) is2xx() bool {
	return u.status >= 200 && u.status < 300
}

// copyProxyHeaders copies src into dst minus hop-by-hop headers, including
// any header named by a Connection token.
func copyProxyHeaders(dst, src http.Header) {
	connTokens := map[string]bool{}
	for _, v := range src.Values("Connection") {
		for _, token := range strings.Split(v, ",") {
			token = strings.TrimSpace(token)
			if token != "" {
				connTokens[http.CanonicalHeaderKey(token)] = true
			}
		}
	}

	for key, values := range src {
		if connTokens[key] {
			continue
		}
		skip := false
		for _, h := range hopByHopHeaders {
			if http.CanonicalHeaderKey(h) == key {
				skip = true
				break
			}
		}
		if skip {
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

// forward issues one buffered HTTP call to an upstream and classifies the
// failure modes the error taxonomy cares about: deadline exceeded vs
// unreachable.
func (ro *Router) forward(ctx context.Context, method, url string, header http.Header, body []byte, timeout time.Duration) (*upstreamResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, types.NewUpstreamUnreachable(fmt.Sprintf("building upstream request: %v", err), err)
	}
	if header != nil {
		copyProxyHeaders(req.Header, header)
	}
	if len(body) > 0 && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", contentTypeJSON)
	}

	resp, err := ro.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, types.NewTimeout("upstream did not answer within "+timeout.String(), err)
		}
		if errors.Is(err, context.Canceled) {
			// Client went away mid-forward; nothing sensible to send.
			return nil, err
		}
		log.Warn().
			Err(err).
			Str("url", url).
			Msg("Upstream request failed")
		return nil, types.NewUpstreamUnreachable("could not reach upstream webdriver", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, ro.maxBodyBytes))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, types.NewTimeout("upstream response stalled past "+timeout.String(), err)
		}
		return nil, types.NewUpstreamUnreachable("reading upstream response", err)
	}

	out := &upstreamResponse{
		status: resp.StatusCode,
		header: make(http.Header, len(resp.Header)),
		body:   respBody,
	}
	copyProxyHeaders(out.header, resp.Header)
	return out, nil
}

// writeUpstream relays an upstream response to the client. If body differs
// from the upstream's original (a session id rewrite), Content-Length is
// recomputed by the http package.
func writeUpstream(w http.ResponseWriter, resp *upstreamResponse, body []byte) {
	for key, values := range resp.header {
		if key == "Content-Length" {
			continue
		}
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", contentTypeJSON)
	}
	w.WriteHeader(resp.status)
	if _, err := w.Write(body); err != nil {
		log.Debug().Err(err).Msg("Failed to relay upstream response")
	}
}
