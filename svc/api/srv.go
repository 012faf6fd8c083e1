package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/hlog"

	"whisperwall/cfg"
	"whisperwall/svc/db"
	"whisperwall/svc/lim"
	"whisperwall/svc/svc"
	"whisperwall/svc/util"
)

type Server struct {
	router     *chi.Mux
	wall       *svc.Wall
	lim        *lim.Limiter
	cfg        *cfg.Cfg
	db         *db.SQLite
	rdb        *db.Redis
	httpServer *http.Server
}

func NewServer(c *cfg.Cfg, wall *svc.Wall, l *lim.Limiter, sqlDB *db.SQLite, rdb *db.Redis) *Server {
	r := chi.NewRouter()
	mw := NewMw(l, c)
	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		s := &Server{db: sqlDB, rdb: rdb, cfg: c}
		r.Get("/health", s.Health)
		r.Get("/ready", s.Ready)
	})
	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Handle("/metrics", mw.BasicAuthMetrics(promhttp.Handler()))
	})
	r.Mount("/debug", middleware.Profiler())

	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Use(mw.RequestID)
		r.Use(hlog.NewHandler(util.GetLogger()))
		r.Use(hlog.AccessHandler(func(req *http.Request, status, size int, dur time.Duration) {
			hlog.FromRequest(req).Info().
				Str("method", req.Method).
				Str("url", req.URL.String()).
				Int("status", status).
				Int("size", size).
				Dur("duration", dur).
				Str("request_id", util.GetRequestID(req.Context())).
				Msg("http request")
		}))
		if len(c.TrustedProxies) > 0 {
			r.Use(middleware.RealIP)
		}
		r.Use(mw.ContextTimeout)
		r.Use(mw.SecurityHeaders)
		r.Use(mw.CORS)
		r.Use(mw.JSONContentType)
		r.Use(mw.AnomalyDetection)
		hdl := &Hdl{wall: wall, cfg: c}

		// Public reads need no wallet identity.
		r.With(mw.RateLimitRead).Get("/whispers/public", hdl.PublicFeed)
		r.With(mw.RateLimitRead).Get("/whispers/{id}", hdl.GetWhisper)
		r.With(mw.RateLimitRead).Get("/whispers/{id}/tally", hdl.GetTally)
		r.With(mw.RateLimitRead).Get("/counts", hdl.GetCounts)

		r.Group(func(r chi.Router) {
			r.Use(mw.WalletAuth)
			r.With(mw.RateLimitPost).Post("/whispers", hdl.PostWhisper)
			r.With(mw.RateLimitPost).Delete("/whispers/{id}", hdl.DeleteWhisper)
			r.With(mw.RateLimitRead).Get("/whispers/mine", hdl.MyWhispers)
			r.With(mw.RateLimitRead).Get("/inbox", hdl.Inbox)
			r.With(mw.RateLimitVote).Post("/whispers/{id}/vote", hdl.CastVote)
			r.With(mw.RateLimitRead).Get("/whispers/{id}/vote", hdl.GetVote)
			r.With(mw.RateLimitPost).Post("/whispers/{id}/access/request", hdl.RequestAccess)
			r.With(mw.RateLimitPost).Post("/whispers/{id}/access/grant", hdl.GrantAccess)
			r.With(mw.RateLimitPost).Post("/whispers/{id}/access/revoke", hdl.RevokeAccess)
			r.With(mw.RateLimitRead).Get("/whispers/{id}/access", hdl.CheckAccess)
			r.With(mw.RateLimitDecrypt).Post("/whispers/{id}/decrypt", hdl.DecryptWhisper)
			r.With(mw.RateLimitDecrypt).Post("/whispers/{id}/tally/decrypt", hdl.DecryptTally)
		})
	})
	s := &Server{
		router: r,
		wall:   wall,
		lim:    l,
		cfg:    c,
		db:     sqlDB,
		rdb:    rdb,
		httpServer: &http.Server{
			Addr:           ":" + c.Port,
			Handler:        r,
			ReadTimeout:    15 * time.Second,
			WriteTimeout:   15 * time.Second,
			IdleTimeout:    60 * time.Second,
			MaxHeaderBytes: 256 * 1024,
		},
	}
	return s
}
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
func (s *Server) SetTimeouts(read, write, idle time.Duration) {
	s.httpServer.ReadTimeout = read
	s.httpServer.WriteTimeout = write
	s.httpServer.IdleTimeout = idle
}
func (s *Server) Start() error {
	util.Info().Str("port", s.cfg.Port).Msg("starting server")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		util.Error().Err(err).Str("port", s.cfg.Port).Msg("server failed to start")
		return err
	}
	return nil
}
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
