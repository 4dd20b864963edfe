// Package rpc serves a minimal read-only status endpoint over HTTP — the
// node's current epoch, its own proposing height, and committee size — for
// operators and integration tests to poll. It carries no control surface;
// there is nothing here a caller can use to influence consensus.
package rpc

import (
	"encoding/json"
	"net"
	"net/http"

	"github.com/julienschmidt/httprouter"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"
)

// StatusSource is the read-only subset of engine.Controller the status
// endpoint needs. Declared here, rather than imported from engine, so this
// package has no dependency on the controller's internals.
type StatusSource interface {
	Epoch() uint64
	SelfHeight() uint64
	CommitteeSize() int
	DeliveredCount(epoch uint64) int
	HighWaterRank() uint64
}

// Status is the JSON body served at GET /status.
type Status struct {
	Epoch          uint64 `json:"epoch"`
	SelfHeight     uint64 `json:"self_height"`
	CommitteeSize  int    `json:"committee_size"`
	DeliveredCount int    `json:"delivered_count"` // heights of Epoch delivered so far
	HighWaterRank  uint64 `json:"high_water_rank"` // commit buffer's next-expected drain rank
}

// Server wraps an HTTP listener exposing StatusSource as JSON.
type Server struct {
	handler http.Handler
	log     *logrus.Entry
}

// NewServer builds a status server reading from src. allowedOrigins controls
// the CORS policy, matching the node's --rpccorsdomain convention.
func NewServer(src StatusSource, allowedOrigins []string) *Server {
	router := httprouter.New()
	router.GET("/status", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		epoch := src.Epoch()
		status := Status{
			Epoch:          epoch,
			SelfHeight:     src.SelfHeight(),
			CommitteeSize:  src.CommitteeSize(),
			DeliveredCount: src.DeliveredCount(epoch),
			HighWaterRank:  src.HighWaterRank(),
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(status); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})

	handler := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet},
	}).Handler(router)

	return &Server{handler: handler, log: logrus.WithField("module", "rpc")}
}

// Serve accepts connections on l and blocks serving the status endpoint
// until l is closed.
func (s *Server) Serve(l net.Listener) error {
	s.log.WithField("addr", l.Addr()).Info("serving status endpoint")
	return http.Serve(l, s.handler)
}
