package router

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stevepryde/xenon/internal/config"
	"github.com/stevepryde/xenon/internal/fleet"
	"github.com/stevepryde/xenon/internal/node"
	"github.com/stevepryde/xenon/internal/portpool"
	"github.com/stevepryde/xenon/internal/session"
	"github.com/stevepryde/xenon/internal/wire"
)

// fakeDriver simulates a webdriver endpoint: it issues session ids, echoes
// them in command responses, and records what the proxy actually sent.
type fakeDriver struct {
	mu         sync.Mutex
	nextID     int
	sessions   map[string]bool
	lastPath   string
	lastHeader http.Header
	srv        *httptest.Server

	rejectCreate bool // answer POST /session with a W3C refusal
}

func newFakeDriver() *fakeDriver {
	d := &fakeDriver{sessions: make(map[string]bool)}
	d.srv = httptest.NewServer(http.HandlerFunc(d.handle))
	return d
}

func (d *fakeDriver) handle(w http.ResponseWriter, r *http.Request) {
	d.mu.Lock()
	d.lastPath = r.URL.Path
	d.lastHeader = r.Header.Clone()
	d.mu.Unlock()

	w.Header().Set("Content-Type", "application/json; charset=utf-8")

	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/node/config":
		_ = json.NewEncoder(w).Encode([]wire.CatalogEntry{{Name: "chrome"}})

	case r.Method == http.MethodPost && r.URL.Path == "/session":
		d.mu.Lock()
		if d.rejectCreate {
			d.mu.Unlock()
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"value":{"error":"session not created","message":"driver says no","stacktrace":""}}`))
			return
		}
		d.nextID++
		id := fmt.Sprintf("drv-%d", d.nextID)
		d.sessions[id] = true
		d.mu.Unlock()
		_, _ = fmt.Fprintf(w, `{"value":{"sessionId":%q,"capabilities":{"browserName":"chrome"}}}`, id)

	case strings.HasPrefix(r.URL.Path, "/session/"):
		id, rest := splitSessionPath(r.URL.Path)
		d.mu.Lock()
		known := d.sessions[id]
		d.mu.Unlock()
		if !known {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"value":{"error":"invalid session id","message":"unknown session","stacktrace":""}}`))
			return
		}
		if r.Method == http.MethodDelete && rest == "" {
			d.mu.Lock()
			delete(d.sessions, id)
			d.mu.Unlock()
			_, _ = w.Write([]byte(`{"value":null}`))
			return
		}
		_, _ = fmt.Fprintf(w, `{"value":{"sessionId":%q,"url":"about:blank"}}`, id)

	default:
		http.NotFound(w, r)
	}
}

func (d *fakeDriver) path() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastPath
}

func (d *fakeDriver) header() http.Header {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastHeader
}

func (d *fakeDriver) sessionCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

func testSettings() *config.Settings {
	s := config.DefaultSettings()
	s.NewSessionTimeout = 5 * time.Second
	s.SessionTimeout = 5 * time.Second
	return s
}

// newLocalRouter wires a router whose single chrome fleet attaches to the
// fake driver instead of exec'ing binaries.
func newLocalRouter(t *testing.T, driver *fakeDriver, perDriver, maxSessions int, portSpec string) (*Router, *session.Directory, *portpool.Pool) {
	t.Helper()
	cfg := &config.Config{
		Browsers: []config.BrowserConfig{{
			Name:              "chrome",
			DriverPath:        "/usr/local/bin/chromedriver",
			SessionsPerDriver: perDriver,
			MaxSessions:       maxSessions,
		}},
		Ports: []string{portSpec},
	}
	ranges, err := portpool.ParseRanges(cfg.Ports)
	if err != nil {
		t.Fatalf("ParseRanges failed: %v", err)
	}
	ports := portpool.New(ranges)
	dir := session.NewDirectory()

	fleets := fleet.NewFleets(cfg, ports, fleet.Options{
		StartupTimeout: time.Second,
		StopTimeout:    100 * time.Millisecond,
		Spawn:          attachedSpawner(driver),
	}, func(procID string) { dir.RemoveByProcess(procID) })

	registry := node.NewRegistry(nil)
	return New(testSettings(), fleets, registry, dir), dir, ports
}

// attachedSpawner returns a SpawnFunc that attaches fleet processes to the
// fake driver's HTTP listener.
func attachedSpawner(driver *fakeDriver) fleet.SpawnFunc {
	return func(_ context.Context, id string, bc *config.BrowserConfig, port int, _ time.Duration, _ func(*fleet.Process)) (*fleet.Process, error) {
		return fleet.NewAttachedProcess(id, bc, port, driver.srv.URL), nil
	}
}

// newHubRouter wires a router with no local browsers and one polled peer.
func newHubRouter(t *testing.T, peerURL string) (*Router, *session.Directory, *node.Registry) {
	t.Helper()
	cfg := &config.Config{
		Nodes: []config.NodeConfig{{Name: "n1", URL: peerURL}},
	}
	ports := portpool.New(nil)
	dir := session.NewDirectory()
	fleets := fleet.NewFleets(&config.Config{}, ports, fleet.Options{}, nil)
	registry := node.NewRegistry(cfg.Nodes)

	poller := node.NewPoller(time.Hour)
	poller.Start(registry)
	t.Cleanup(poller.Close)

	n1, err := registry.Get("n1")
	if err != nil {
		t.Fatalf("Get(n1) failed: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && !n1.Reachable() {
		time.Sleep(10 * time.Millisecond)
	}
	if !n1.Reachable() {
		t.Fatal("Peer never became reachable")
	}

	return New(testSettings(), fleets, registry, dir), dir, registry
}

func doJSON(t *testing.T, handler http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	var doc map[string]any
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
			t.Fatalf("%s %s: response is not JSON: %v\n%s", method, path, err, rec.Body.String())
		}
	}
	return rec, doc
}

func errorCode(doc map[string]any) string {
	value, _ := doc["value"].(map[string]any)
	code, _ := value["error"].(string)
	return code
}

func sessionIDOf(doc map[string]any) string {
	value, _ := doc["value"].(map[string]any)
	id, _ := value["sessionId"].(string)
	return id
}
