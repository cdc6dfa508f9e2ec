package main

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/ntsal/ntsal/internal/rpc"
	"github.com/ntsal/ntsal/internal/templates"
)

// statusServer serves a human-readable snapshot of the daemon next to the
// machine-readable control socket.
type statusServer struct {
	source rpc.StatusSource
	log    *zap.Logger
}

func (s *statusServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	data := rpc.Status{
		State:    s.source.State().String(),
		Estimate: s.source.Estimate(),
		Peers:    s.source.Peers(),
	}
	if err := templates.Executor.ExecuteTemplate(w, "status.tmpl.html", data); err != nil {
		s.log.Error("status page", zap.Error(err))
	}
}

func serveStatusPage(addr string, source rpc.StatusSource, log *zap.Logger) {
	server := &http.Server{Addr: addr, Handler: &statusServer{source: source, log: log}}
	log.Info("status page listening", zap.String("addr", addr))
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("status page server", zap.Error(err))
	}
}
