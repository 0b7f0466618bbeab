package debughttp

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

type fakeRegistry struct {
	networks []NetworkSummary
	peers    map[string][]PeerSummary
}

func (f *fakeRegistry) Networks() []NetworkSummary { return f.networks }
func (f *fakeRegistry) PeersOf(id string) ([]PeerSummary, bool) {
	p, ok := f.peers[id]
	return p, ok
}

func TestNetworksEndpointReturnsJSON(t *testing.T) {
	reg := &fakeRegistry{networks: []NetworkSummary{{NetworkID: "aa", Kind: "Group", Status: "Online", PeerCount: 2}}}
	srv := New(reg)

	req := httptest.NewRequest(http.MethodGet, "/networks", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d", rec.Code)
	}
	var got []NetworkSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].NetworkID != "aa" {
		t.Fatalf("got %+v", got)
	}
}

func TestPeersEndpointRejectsNonHexID(t *testing.T) {
	srv := New(&fakeRegistry{peers: map[string][]PeerSummary{}})

	req := httptest.NewRequest(http.MethodGet, "/networks/not-hex!/peers", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("got status %d", rec.Code)
	}
}

func TestPeersEndpointReturnsNotFoundForUnknownNetwork(t *testing.T) {
	srv := New(&fakeRegistry{peers: map[string][]PeerSummary{}})

	req := httptest.NewRequest(http.MethodGet, "/networks/aabb/peers", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("got status %d", rec.Code)
	}
}

func TestPeersEndpointReturnsPeerList(t *testing.T) {
	reg := &fakeRegistry{peers: map[string][]PeerSummary{
		"aabb": {{UserID: "01", IsOnline: true, ConnectivityStatus: "FullMeshNetwork", SessionCount: 1}},
	}}
	srv := New(reg)

	req := httptest.NewRequest(http.MethodGet, "/networks/aabb/peers", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d", rec.Code)
	}
	var got []PeerSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].UserID != "01" {
		t.Fatalf("got %+v", got)
	}
}
