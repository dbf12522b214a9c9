// Package wire provides the W3C WebDriver wire-protocol types the proxy
// needs to speak: error envelopes, the status body, node catalogs, and the
// small amount of JSON surgery required to rewrite session ids in bodies
// that pass through the router.
package wire

import (
	"bytes"
	"encoding/json"
)

// ErrorValue is the inner object of a W3C error envelope.
type ErrorValue struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	Stacktrace string `json:"stacktrace"`
}

// ErrorBody is the W3C error envelope: {"value":{"error":...,"message":...}}.
type ErrorBody struct {
	Value ErrorValue `json:"value"`
}

// StatusValue is the inner object of a GET /status response.
type StatusValue struct {
	Ready   bool   `json:"ready"`
	Message string `json:"message"`
}

// StatusBody is the W3C status envelope.
type StatusBody struct {
	Value StatusValue `json:"value"`
}

// CatalogEntry describes one browser kind a node offers. This is the unit of
// the inter-node protocol: GET /node/config returns a JSON array of these.
type CatalogEntry struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
	OS      string `json:"os,omitempty"`
}

// ExtractSessionID pulls the session id out of a WebDriver response body.
// The W3C shape is {"value":{"sessionId":...}}; the legacy JSON wire protocol
// put it at the top level. Both are accepted so older drivers still work.
func ExtractSessionID(body []byte) (string, bool) {
	var doc struct {
		SessionID string `json:"sessionId"`
		Value     struct {
			SessionID string `json:"sessionId"`
		} `json:"value"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return "", false
	}
	if doc.Value.SessionID != "" {
		return doc.Value.SessionID, true
	}
	if doc.SessionID != "" {
		return doc.SessionID, true
	}
	return "", false
}

// RewriteSessionID replaces the top-level and value-level sessionId fields in
// a response body with the given id; deeper nested sessionId fields are left
// alone. The body is decoded generically, patched, and re-encoded; if it
// is not a JSON object (or carries no session id) it is returned unchanged.
// The rewrite is idempotent.
func RewriteSessionID(body []byte, id string) []byte {
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return body
	}

	changed := false
	if _, ok := doc["sessionId"]; ok {
		doc["sessionId"] = id
		changed = true
	}
	if value, ok := doc["value"].(map[string]any); ok {
		if _, ok := value["sessionId"]; ok {
			value["sessionId"] = id
			changed = true
		}
	}
	if !changed {
		return body
	}

	out, err := json.Marshal(doc)
	if err != nil {
		return body
	}
	return out
}

// IsSessionGone reports whether an upstream response body is a W3C error
// telling us the session no longer exists. The router uses this to evict
// stale directory entries.
func IsSessionGone(body []byte) bool {
	var doc struct {
		Value struct {
			Error string `json:"error"`
		} `json:"value"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return false
	}
	switch doc.Value.Error {
	case "invalid session id", "session not found":
		return true
	}
	return false
}

// LooksLikeJSON reports whether a body plausibly holds a JSON document.
// Used to skip rewriting on empty or non-JSON upstream responses.
func LooksLikeJSON(body []byte) bool {
	trimmed := bytes.TrimLeft(body, " \t\r\n")
	return len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[')
}
