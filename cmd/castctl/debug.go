package main

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/risa-org/castchannel/registry"
	"github.com/risa-org/castchannel/sequence"
	"github.com/risa-org/castchannel/socket"
)

// channelView is the JSON shape of one channel.
type channelView struct {
	ID          int        `json:"id"`
	Endpoint    string     `json:"endpoint"`
	ReadyState  string     `json:"ready_state"`
	ErrorState  string     `json:"error_state"`
	AudioOnly   bool       `json:"audio_only"`
	KeepAlive   bool       `json:"keep_alive"`
	ConnectedAt *time.Time `json:"connected_at,omitempty"`
}

// viewOf must run on the socket's runner.
func viewOf(s *socket.Socket) channelView {
	v := channelView{
		ID:         s.ID(),
		Endpoint:   s.Endpoint(),
		ReadyState: s.ReadyState().String(),
		ErrorState: s.ErrorState().String(),
		AudioOnly:  s.AudioOnly(),
		KeepAlive:  s.KeepAliveEnabled(),
	}
	if at := s.ConnectedAt(); !at.IsZero() {
		v.ConnectedAt = &at
	}
	return v
}

// newDebugRouter serves metrics and registry snapshots. Socket state is
// read on loop, where it lives.
func newDebugRouter(reg *registry.Registry, loop *sequence.Loop, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Get("/channels", func(w http.ResponseWriter, _ *http.Request) {
		views := make([]channelView, 0, reg.Count())
		if !loop.Do(func() {
			for _, id := range reg.IDs() {
				if s, ok := reg.Get(id); ok {
					views = append(views, viewOf(s))
				}
			}
		}) {
			http.Error(w, "channel sequence stopped", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, views)
	})

	r.Get("/channels/{id}", func(w http.ResponseWriter, req *http.Request) {
		id, err := strconv.Atoi(chi.URLParam(req, "id"))
		if err != nil {
			http.Error(w, "bad channel id", http.StatusBadRequest)
			return
		}
		s, ok := reg.Get(id)
		if !ok {
			http.Error(w, "no such channel", http.StatusNotFound)
			return
		}
		var v channelView
		if !loop.Do(func() { v = viewOf(s) }) {
			http.Error(w, "channel sequence stopped", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, v)
	})
	return r
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
