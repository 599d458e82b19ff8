package main

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"chain-registry-go/internal/limiter"
	"chain-registry-go/internal/web"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server 包装管理端 HTTP 服务
type Server struct {
	reg     chainRegistry
	wsHub   *web.Hub
	limiter *limiter.RateLimiter
	srv     *http.Server
}

func NewServer(reg chainRegistry, wsHub *web.Hub, addr string, rl *limiter.RateLimiter) *Server {
	s := &Server{reg: reg, wsHub: wsHub, limiter: rl}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

// Handler 返回带中间件的路由
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/chains", func(w http.ResponseWriter, r *http.Request) {
		handleGetChains(w, r, s.reg)
	})
	mux.HandleFunc("GET /api/chains/{id}", func(w http.ResponseWriter, r *http.Request) {
		handleGetChain(w, r, s.reg)
	})
	mux.HandleFunc("GET /api/chains/{id}/runtime", func(w http.ResponseWriter, r *http.Request) {
		handleGetRuntime(w, r, s.reg)
	})
	mux.HandleFunc("GET /api/chains/{id}/runtime-version", func(w http.ResponseWriter, r *http.Request) {
		handleGetRuntimeVersion(w, r, s.reg)
	})

	// 节点管理
	mux.HandleFunc("GET /api/chains/{id}/nodes", func(w http.ResponseWriter, r *http.Request) {
		handleListNodes(w, r, s.reg)
	})
	mux.HandleFunc("POST /api/chains/{id}/nodes", func(w http.ResponseWriter, r *http.Request) {
		handleAddNode(w, r, s.reg)
	})
	mux.HandleFunc("PUT /api/chains/{id}/nodes", func(w http.ResponseWriter, r *http.Request) {
		handleUpdateNode(w, r, s.reg)
	})
	mux.HandleFunc("DELETE /api/chains/{id}/nodes", func(w http.ResponseWriter, r *http.Request) {
		handleDeleteNode(w, r, s.reg)
	})
	mux.HandleFunc("POST /api/chains/{id}/nodes/select", func(w http.ResponseWriter, r *http.Request) {
		handleSelectNode(w, r, s.reg)
	})

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		handleHealth(w, s.reg)
	})
	if s.wsHub != nil {
		mux.HandleFunc("/ws", s.wsHub.HandleWS)
	}

	// Prometheus 指标
	mux.Handle("GET /metrics", promhttp.Handler())

	return RequestLogMiddleware(MutationLimitMiddleware(s.limiter, mux))
}

func (s *Server) Start() error {
	slog.Info("admin_server_listening", slog.String("addr", s.srv.Addr))
	return s.srv.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
