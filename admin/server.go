// Package admin serves the read-only HTTP/JSON surface of a participant:
// health, discovered mesh, topics, metrics, and server info. Response
// field names are part of the contract; changes require versioning the
// /info api_version.
package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/hdds-platform/hdds/dds"
)

// Version is the server implementation version reported by /info.
const Version = "0.9.0"

// APIVersion guards the JSON contract.
const APIVersion = "v1"

// Server is the read-only admin HTTP server for one participant.
type Server struct {
	log  *zap.SugaredLogger
	p    *dds.Participant
	srv  *http.Server
	reg  *prometheus.Registry
}

// NewServer builds the server for one participant. Call Run to serve.
func NewServer(p *dds.Participant, listen string, log *zap.SugaredLogger) (*Server, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	reg := prometheus.NewRegistry()
	if err := p.Metrics().Register(reg); err != nil {
		return nil, err
	}

	s := &Server{log: log, p: p, reg: reg}
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/mesh", s.handleMesh).Methods(http.MethodGet)
	r.HandleFunc("/topics", s.handleTopics).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/info", s.handleInfo).Methods(http.MethodGet)

	s.srv = &http.Server{
		Addr:         listen,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	return s, nil
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Infow("admin server listening", "addr", s.srv.Addr)
		errCh <- s.srv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

type healthResponse struct {
	Status  string  `json:"status"`
	UptimeS float64 `json:"uptime_s"`
	Version string  `json:"version"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, healthResponse{
		Status:  "ok",
		UptimeS: s.p.Uptime().Seconds(),
		Version: Version,
	})
}

type meshParticipant struct {
	GUID    string `json:"guid"`
	IsLocal bool   `json:"is_local"`
	State   string `json:"state"`
	LeaseS  float64 `json:"lease_s"`
}

type meshResponse struct {
	Epoch        uint64            `json:"epoch"`
	Participants []meshParticipant `json:"participants"`
}

func (s *Server) handleMesh(w http.ResponseWriter, _ *http.Request) {
	peers, epoch := s.p.Discovery().Peers().Snapshot()
	resp := meshResponse{
		Epoch: epoch,
		Participants: []meshParticipant{{
			GUID:    s.p.GUIDPrefix().String(),
			IsLocal: true,
			State:   "matched",
		}},
	}
	for _, peer := range peers {
		resp.Participants = append(resp.Participants, meshParticipant{
			GUID:   peer.Info.GUIDPrefix.String(),
			State:  peer.State.String(),
			LeaseS: peer.Info.LeaseDuration.Seconds(),
		})
	}
	writeJSON(w, resp)
}

type topicEntry struct {
	Name    string `json:"name"`
	Writers int    `json:"writers"`
	Readers int    `json:"readers"`
}

type topicsResponse struct {
	Topics []topicEntry `json:"topics"`
}

func (s *Server) handleTopics(w http.ResponseWriter, _ *http.Request) {
	resp := topicsResponse{Topics: []topicEntry{}}
	for name, counts := range s.p.Discovery().Registry().Topics() {
		resp.Topics = append(resp.Topics, topicEntry{
			Name:    name,
			Writers: counts[0],
			Readers: counts[1],
		})
	}
	writeJSON(w, resp)
}

type infoResponse struct {
	Name       string   `json:"name"`
	Version    string   `json:"version"`
	APIVersion string   `json:"api_version"`
	Endpoints  []string `json:"endpoints"`
}

func (s *Server) handleInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, infoResponse{
		Name:       "hdds",
		Version:    Version,
		APIVersion: APIVersion,
		Endpoints:  []string{"/health", "/mesh", "/topics", "/metrics", "/info"},
	})
}
