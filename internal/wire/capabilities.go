package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Capabilities is one resolved capability combination from a New Session
// request: the merge of alwaysMatch with one firstMatch entry. Only the
// fields the proxy routes on are materialized; everything else is forwarded
// verbatim in the original body.
type Capabilities struct {
	BrowserName    string
	BrowserVersion string
	PlatformName   string
}

// newSessionBody mirrors the subset of a POST /session body the proxy needs.
// The legacy desiredCapabilities field is still honored because Selenium 3
// clients send it.
type newSessionBody struct {
	Capabilities *struct {
		AlwaysMatch map[string]json.RawMessage   `json:"alwaysMatch"`
		FirstMatch  []map[string]json.RawMessage `json:"firstMatch"`
	} `json:"capabilities"`
	DesiredCapabilities map[string]json.RawMessage `json:"desiredCapabilities"`
}

// ParseNewSession extracts the candidate capability combinations from a New
// Session request body, in document order per the W3C capability processing
// rules: each firstMatch entry is merged over alwaysMatch; with no firstMatch
// the alwaysMatch object alone forms the single combination.
func ParseNewSession(body []byte) ([]Capabilities, error) {
	var req newSessionBody
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("malformed new session body: %w", err)
	}

	if req.Capabilities == nil {
		if req.DesiredCapabilities != nil {
			caps, err := resolveCaps(req.DesiredCapabilities)
			if err != nil {
				return nil, err
			}
			return []Capabilities{caps}, nil
		}
		return nil, errors.New("new session body has no capabilities object")
	}

	always := req.Capabilities.AlwaysMatch
	first := req.Capabilities.FirstMatch
	if len(first) == 0 {
		first = []map[string]json.RawMessage{nil}
	}

	combos := make([]Capabilities, 0, len(first))
	for _, fm := range first {
		merged := make(map[string]json.RawMessage, len(always)+len(fm))
		for k, v := range always {
			merged[k] = v
		}
		for k, v := range fm {
			// W3C forbids a firstMatch key shadowing alwaysMatch; real
			// clients do it anyway, and the later value winning matches
			// what the drivers themselves accept.
			merged[k] = v
		}
		caps, err := resolveCaps(merged)
		if err != nil {
			return nil, err
		}
		combos = append(combos, caps)
	}
	return combos, nil
}

// resolveCaps pulls the routing-relevant string fields out of one merged
// capability object.
func resolveCaps(raw map[string]json.RawMessage) (Capabilities, error) {
	var caps Capabilities
	var err error
	if caps.BrowserName, err = stringField(raw, "browserName"); err != nil {
		return caps, err
	}
	if caps.BrowserVersion, err = stringField(raw, "browserVersion"); err != nil {
		return caps, err
	}
	if caps.PlatformName, err = stringField(raw, "platformName"); err != nil {
		return caps, err
	}
	return caps, nil
}

func stringField(raw map[string]json.RawMessage, key string) (string, error) {
	v, ok := raw[key]
	if !ok {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return "", fmt.Errorf("capability %q is not a string", key)
	}
	return s, nil
}
