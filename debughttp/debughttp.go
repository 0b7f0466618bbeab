// Package debughttp exposes read-only status endpoints over the fabric's
// networks and peers, in the same gorilla/mux plus gorilla/handlers CORS
// style the teacher's api.go used for its /peers and /info endpoints.
package debughttp

import (
	"encoding/hex"
	"encoding/json"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/extrahash/meshnet/internal/logx"
)

var log = logx.Get("meshnet/debughttp")

// NetworkSummary is one network's status, as exposed by GET /networks.
type NetworkSummary struct {
	NetworkID string `json:"networkId"`
	Kind      string `json:"kind"`
	Status    string `json:"status"`
	PeerCount int    `json:"peerCount"`
}

// PeerSummary is one peer's status, as exposed by GET /networks/{id}/peers.
type PeerSummary struct {
	UserID             string `json:"userId"`
	IsSelfPeer         bool   `json:"isSelfPeer"`
	IsOnline           bool   `json:"isOnline"`
	ConnectivityStatus string `json:"connectivityStatus"`
	SessionCount       int    `json:"sessionCount"`
}

// Registry is the read-only surface debughttp queries; Network's owner
// (a host application's node-level manager) implements it once for every
// live network it holds.
type Registry interface {
	Networks() []NetworkSummary
	PeersOf(networkIDHex string) ([]PeerSummary, bool)
}

// Server mounts the debug endpoints on a gorilla/mux router, CORS-wrapped
// the way the teacher's api.run wraps its router with handlers.CORS.
type Server struct {
	registry Registry
	router   *mux.Router
}

// New constructs a debughttp server backed by registry.
func New(registry Registry) *Server {
	s := &Server{registry: registry, router: mux.NewRouter()}
	s.router.Handle("/networks", s.networksHandler()).Methods("GET")
	s.router.Handle("/networks/{id}/peers", s.peersHandler()).Methods("GET")
	return s
}

// Handler returns the CORS-wrapped http.Handler suitable for
// http.ListenAndServe.
func (s *Server) Handler() http.Handler {
	return handlers.CORS(
		handlers.AllowedHeaders([]string{"Content-Type"}),
		handlers.AllowedMethods([]string{"GET"}),
		handlers.AllowedOrigins([]string{"*"}),
	)(s.router)
}

func (s *Server) networksHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Debugf("%s %s", r.Method, r.URL)
		writeJSON(w, s.registry.Networks())
	})
}

func (s *Server) peersHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Debugf("%s %s", r.Method, r.URL)
		id := mux.Vars(r)["id"]
		if _, err := hex.DecodeString(id); err != nil {
			http.Error(w, "network id must be hex", http.StatusBadRequest)
			return
		}
		peers, ok := s.registry.PeersOf(id)
		if !ok {
			http.Error(w, "unknown network", http.StatusNotFound)
			return
		}
		writeJSON(w, peers)
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warningf("failed to encode debughttp response: %v", err)
	}
}
