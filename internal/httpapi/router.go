// Package httpapi 是 serve 模式下的本地 HTTP 接口：触发运行、查询结果、事件流与指标。
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/John-Robertt/songsync/internal/domain"
)

const defaultRequestTimeout = 30 * time.Second

// Runner 是流水线协调器。
type Runner interface {
	Start(ctx context.Context) (string, <-chan domain.RunSummary, error)
	Running() bool
	Last() (domain.RunSummary, bool)
}

// RunHistory 读取已持久化的运行。
type RunHistory interface {
	List(ctx context.Context, limit int) ([]domain.RunSummary, error)
	Last(ctx context.Context) (domain.RunSummary, error)
}

// RecordReader 读取已知的购买记录。
type RecordReader interface {
	List(ctx context.Context, status domain.Status, limit int) ([]domain.PurchaseRecord, error)
	Get(ctx context.Context, id string) (domain.PurchaseRecord, error)
	History(ctx context.Context, id string) ([]domain.StatusChange, error)
}

// EventSource 是事件总线的订阅端。
type EventSource interface {
	Subscribe(buffer int) (<-chan domain.Event, func())
}

// Deps 是 Server 的协作方；除 Runner 外均可为 nil（对应路由不注册）。
type Deps struct {
	Runner  Runner
	Runs    RunHistory
	Records RecordReader
	Events  EventSource
	Metrics http.Handler
	// OnRunDone 在后台运行结束时被调用（可为 nil）。
	OnRunDone func(domain.RunSummary)
}

type Server struct {
	logger zerolog.Logger
	deps   Deps
	// runCtx 是后台运行的父 context：服务关闭时取消正在进行的运行。
	runCtx context.Context
	// heartbeat 是 SSE 心跳间隔。
	heartbeat time.Duration
}

func NewServer(ctx context.Context, logger zerolog.Logger, deps Deps) *Server {
	return &Server{
		logger:    logger.With().Str("component", "httpapi").Logger(),
		deps:      deps,
		runCtx:    ctx,
		heartbeat: 15 * time.Second,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(hlog.NewHandler(s.logger))
	r.Use(hlog.RequestIDHandler("request_id", "Request-Id"))
	r.Use(hlog.RemoteAddrHandler("remote_ip"))
	r.Use(hlog.AccessHandler(accessLogFn))

	r.Route("/api/v1", func(r chi.Router) {
		// SSE 是长连接，不能套请求超时。
		if s.deps.Events != nil {
			r.Get("/events", s.handleEvents)
		}
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(defaultRequestTimeout))
			r.Get("/health", s.handleHealth)
			r.Route("/runs", func(r chi.Router) {
				r.Post("/", s.handleStartRun)
				r.Get("/", s.handleListRuns)
				r.Get("/last", s.handleLastRun)
			})
			if s.deps.Records != nil {
				r.Route("/records", func(r chi.Router) {
					r.Get("/", s.handleListRecords)
					r.Get("/{id}", s.handleGetRecord)
				})
			}
		})
	})
	if s.deps.Metrics != nil {
		r.Handle("/metrics", s.deps.Metrics)
	}
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"running": s.deps.Runner != nil && s.deps.Runner.Running(),
	})
}

func accessLogFn(r *http.Request, status, size int, duration time.Duration) {
	logger := hlog.FromRequest(r)
	logger.Info().
		Int("status", status).
		Int("size", size).
		Dur("duration", duration).
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Msg("http")
}
