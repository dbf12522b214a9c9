package router

import (
	"net/http"
	"strings"
	"testing"
)

// TestHubForwardsToNode covers the hub/node flow: the hub has no local
// browsers, learns the peer's catalog by polling, forwards session creation
// to it, and translates ids on every subsequent request.
func TestHubForwardsToNode(t *testing.T) {
	peer := newFakeDriver() // also serves /node/config
	defer peer.srv.Close()

	ro, dir, _ := newHubRouter(t, peer.srv.URL)

	// Create through the hub.
	rec, doc := doJSON(t, ro, http.MethodPost, "/session", newSessionBody)
	if rec.Code != http.StatusOK {
		t.Fatalf("NewSession via hub returned %d: %s", rec.Code, rec.Body.String())
	}
	extID := sessionIDOf(doc)
	if extID == "" || strings.HasPrefix(extID, "drv-") {
		t.Fatalf("Expected minted external id, got %q", extID)
	}

	sess, err := dir.Get(extID)
	if err != nil {
		t.Fatalf("Directory lookup failed: %v", err)
	}
	if sess.IsLocal() || sess.NodeName != "n1" || sess.UpstreamID != "drv-1" {
		t.Errorf("Unexpected session record: %+v", sess)
	}

	// In-session requests arrive at the node under the node's own id.
	rec, doc = doJSON(t, ro, http.MethodGet, "/session/"+extID+"/url", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("In-session via hub returned %d: %s", rec.Code, rec.Body.String())
	}
	if got := peer.path(); got != "/session/drv-1/url" {
		t.Errorf("Node saw path %q, want /session/drv-1/url", got)
	}
	if got := sessionIDOf(doc); got != extID {
		t.Errorf("Response session id = %q, want external %q", got, extID)
	}

	// Delete tears down both sides.
	rec, _ = doJSON(t, ro, http.MethodDelete, "/session/"+extID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Delete via hub returned %d", rec.Code)
	}
	if dir.Len() != 0 {
		t.Error("Directory entry survived delete")
	}
	if peer.sessionCount() != 0 {
		t.Error("Node still holds the session")
	}
}

func TestHubStatusReadyViaNode(t *testing.T) {
	peer := newFakeDriver()
	defer peer.srv.Close()

	ro, _, _ := newHubRouter(t, peer.srv.URL)

	// No local fleets, but a reachable node makes the hub ready.
	_, doc := doJSON(t, ro, http.MethodGet, "/status", "")
	value := doc["value"].(map[string]any)
	if ready, _ := value["ready"].(bool); !ready {
		t.Error("Expected ready=true with a reachable node")
	}
}

func TestHubNoMatchWhenNodeLacksBrowser(t *testing.T) {
	peer := newFakeDriver()
	defer peer.srv.Close()

	ro, _, _ := newHubRouter(t, peer.srv.URL)

	rec, doc := doJSON(t, ro, http.MethodPost, "/session",
		`{"capabilities":{"alwaysMatch":{"browserName":"safari"}}}`)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("Expected 500, got %d", rec.Code)
	}
	if errorCode(doc) != "session not created" {
		t.Errorf("Expected 'session not created', got %q", errorCode(doc))
	}
}

func TestHubNodeRefusalPassesThrough(t *testing.T) {
	peer := newFakeDriver()
	defer peer.srv.Close()
	peer.rejectCreate = true

	ro, dir, _ := newHubRouter(t, peer.srv.URL)

	rec, doc := doJSON(t, ro, http.MethodPost, "/session", newSessionBody)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("Expected 500, got %d", rec.Code)
	}
	value := doc["value"].(map[string]any)
	if msg, _ := value["message"].(string); msg != "driver says no" {
		t.Errorf("Expected node refusal passthrough, got %q", msg)
	}
	if dir.Len() != 0 {
		t.Error("Failed create left a directory entry")
	}
}
