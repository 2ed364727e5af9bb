package ddns

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/cloudflare/cloudflare-go"
	"github.com/stretchr/testify/require"
)

// fakeCloudflare serves just enough of the v4 API for the resolver and
// reconciler: zone listing, record listing, record reads, and record updates.
type fakeCloudflare struct {
	mu      sync.Mutex
	zones   []fakeZone
	records map[string][]*fakeRecord
	calls   map[string]int
	updates []string
}

type fakeZone struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type fakeRecord struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Name    string `json:"name"`
	Content string `json:"content"`
	TTL     int    `json:"ttl"`
	Proxied bool   `json:"proxied"`
}

func newFakeCloudflare() *fakeCloudflare {
	return &fakeCloudflare{
		records: map[string][]*fakeRecord{},
		calls:   map[string]int{},
	}
}

func (f *fakeCloudflare) addZone(id, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.zones = append(f.zones, fakeZone{ID: id, Name: name})
}

func (f *fakeCloudflare) addRecord(zoneID, id, name, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[zoneID] = append(f.records[zoneID], &fakeRecord{
		ID: id, Type: "A", Name: name, Content: content, TTL: 1,
	})
}

func (f *fakeCloudflare) count(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}

func (f *fakeCloudflare) updatedContents() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.updates...)
}

func (f *fakeCloudflare) content(zoneID, recordID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.records[zoneID] {
		if r.ID == recordID {
			return r.Content
		}
	}
	return ""
}

func (f *fakeCloudflare) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	switch {
	case r.Method == http.MethodGet && len(parts) == 1 && parts[0] == "zones":
		f.calls["list zones"]++
		writeEnvelope(w, f.zones)

	case r.Method == http.MethodGet && len(parts) == 3 && parts[0] == "zones" && parts[2] == "dns_records":
		f.calls["list records"]++
		q := r.URL.Query()
		var result []*fakeRecord
		for _, rec := range f.records[parts[1]] {
			if name := q.Get("name"); name != "" && rec.Name != name {
				continue
			}
			if typ := q.Get("type"); typ != "" && rec.Type != typ {
				continue
			}
			result = append(result, rec)
		}
		writeEnvelope(w, result)

	case len(parts) == 4 && parts[0] == "zones" && parts[2] == "dns_records":
		var found *fakeRecord
		for _, rec := range f.records[parts[1]] {
			if rec.ID == parts[3] {
				found = rec
			}
		}
		if found == nil {
			w.WriteHeader(http.StatusNotFound)
			writeFailure(w, "Record does not exist.")
			return
		}
		switch r.Method {
		case http.MethodGet:
			f.calls["get record"]++
			writeEnvelope(w, found)
		// cloudflare-go's UpdateDNSRecord issues PATCH against this
		// endpoint; the live API accepts PUT with the same body too.
		case http.MethodPut, http.MethodPatch:
			f.calls["update record"]++
			var body struct {
				Type    string `json:"type"`
				Name    string `json:"name"`
				Content string `json:"content"`
				TTL     int    `json:"ttl"`
				Proxied *bool  `json:"proxied"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				writeFailure(w, "malformed request body")
				return
			}
			found.Content = body.Content
			found.Name = body.Name
			found.TTL = body.TTL
			f.updates = append(f.updates, body.Content)
			writeEnvelope(w, found)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
			writeFailure(w, "method not allowed")
		}

	default:
		w.WriteHeader(http.StatusNotFound)
		writeFailure(w, "not found")
	}
}

func writeEnvelope(w http.ResponseWriter, result interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success":  true,
		"errors":   []interface{}{},
		"messages": []interface{}{},
		"result":   result,
		"result_info": map[string]int{
			"page": 1, "per_page": 100, "total_pages": 1,
		},
	})
}

func writeFailure(w http.ResponseWriter, message string) {
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success":  false,
		"errors":   []map[string]interface{}{{"code": 10000, "message": message}},
		"messages": []interface{}{},
		"result":   nil,
	})
}

// newTestClient wires a Client to a fake API over a real HTTP server.
func newTestClient(t *testing.T, f *fakeCloudflare, records []Record, options ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)

	base := []Option{
		UsingCloudflare("test-token"),
		WithCloudflareOptions(cloudflare.BaseURL(srv.URL)),
		UsingDetector(StaticIP("203.0.113.9")),
	}
	c, err := New(records, append(base, options...)...)
	require.NoError(t, err)
	return c
}
