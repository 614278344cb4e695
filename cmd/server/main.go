// Command server exposes backtest runs over HTTP: submit a job, poll
// its status, fetch its trades. Jobs run asynchronously against bars
// stored in ClickHouse.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"confluxtrader/services/config"
	"confluxtrader/services/engine"
	"confluxtrader/services/marketdata"
	"confluxtrader/services/metrics"
)

type jobStatus string

const (
	statusQueued  jobStatus = "queued"
	statusRunning jobStatus = "running"
	statusDone    jobStatus = "done"
	statusFailed  jobStatus = "failed"
)

type job struct {
	ID          string           `json:"id"`
	Symbol      string           `json:"symbol"`
	Status      jobStatus        `json:"status"`
	SubmittedAt time.Time        `json:"submitted_at"`
	Error       string           `json:"error,omitempty"`
	Summary     *metrics.Summary `json:"summary,omitempty"`

	trades []engine.Trade
}

type backtestRequest struct {
	Symbol string `json:"symbol" binding:"required"`
	From   string `json:"from" binding:"required"`
	To     string `json:"to" binding:"required"`
}

type server struct {
	cfg    config.Config
	logger *zap.Logger

	mu   sync.RWMutex
	jobs map[string]*job

	// sem bounds concurrent backtest runs.
	sem chan struct{}
}

func newServer(cfg config.Config, logger *zap.Logger) *server {
	return &server{
		cfg:    cfg,
		logger: logger,
		jobs:   make(map[string]*job),
		sem:    make(chan struct{}, 4),
	}
}

func (s *server) routes(r *gin.Engine) {
	api := r.Group("/api/v1")
	{
		api.POST("/backtests", s.handleSubmit)
		api.GET("/backtests/:id", s.handleStatus)
		api.GET("/backtests/:id/trades", s.handleTrades)
		api.GET("/health", s.handleHealth)
	}
}

func (s *server) handleSubmit(c *gin.Context) {
	var req backtestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	fromMs, err := parseUTC(req.From)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("from: %v", err)})
		return
	}
	toMs, err := parseUTC(req.To)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("to: %v", err)})
		return
	}
	if toMs <= fromMs {
		c.JSON(http.StatusBadRequest, gin.H{"error": "to must be after from"})
		return
	}

	j := &job{
		ID:          uuid.New().String(),
		Symbol:      req.Symbol,
		Status:      statusQueued,
		SubmittedAt: time.Now().UTC(),
	}
	s.mu.Lock()
	s.jobs[j.ID] = j
	s.mu.Unlock()

	go s.run(j, fromMs, toMs)

	s.logger.Info("backtest queued",
		zap.String("job_id", j.ID),
		zap.String("symbol", j.Symbol),
		zap.Int64("from_ms", fromMs),
		zap.Int64("to_ms", toMs))
	c.JSON(http.StatusAccepted, j)
}

func (s *server) run(j *job, fromMs, toMs int64) {
	s.sem <- struct{}{}
	defer func() { <-s.sem }()

	s.setStatus(j, statusRunning, nil, nil, "")
	started := time.Now()

	cfg := s.cfg
	cfg.Symbol = j.Symbol

	ctx := context.Background()
	store, err := marketdata.NewStore(cfg.ClickHouse)
	if err != nil {
		s.fail(j, fmt.Errorf("store: %w", err))
		return
	}
	defer store.Close()

	bars, err := store.Bars(ctx, j.Symbol, fromMs, toMs)
	if err != nil {
		s.fail(j, fmt.Errorf("load bars: %w", err))
		return
	}

	bt, err := engine.NewBacktest(cfg, s.logger)
	if err != nil {
		s.fail(j, err)
		return
	}
	res, err := bt.Run(ctx, j.Symbol, bars)
	if err != nil {
		s.fail(j, err)
		return
	}

	sum := metrics.Compute(res)
	s.setStatus(j, statusDone, &sum, res.Trades, "")
	s.logger.Info("backtest done",
		zap.String("job_id", j.ID),
		zap.Duration("elapsed", time.Since(started)),
		zap.Int("trades", sum.Trades),
		zap.String("net_pnl", sum.NetPnL.StringFixed(2)))
}

func (s *server) fail(j *job, err error) {
	s.logger.Error("backtest failed", zap.String("job_id", j.ID), zap.Error(err))
	s.setStatus(j, statusFailed, nil, nil, err.Error())
}

func (s *server) setStatus(j *job, st jobStatus, sum *metrics.Summary, trades []engine.Trade, errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j.Status = st
	j.Summary = sum
	j.trades = trades
	j.Error = errMsg
}

func (s *server) handleStatus(c *gin.Context) {
	s.mu.RLock()
	j, ok := s.jobs[c.Param("id")]
	s.mu.RUnlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown job"})
		return
	}
	c.JSON(http.StatusOK, j)
}

func (s *server) handleTrades(c *gin.Context) {
	s.mu.RLock()
	j, ok := s.jobs[c.Param("id")]
	s.mu.RUnlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown job"})
		return
	}
	if j.Status != statusDone {
		c.JSON(http.StatusConflict, gin.H{"error": "job not finished", "status": j.Status})
		return
	}
	c.JSON(http.StatusOK, gin.H{"job_id": j.ID, "trades": j.trades})
}

func (s *server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "timestamp": time.Now().Unix()})
}

func parseUTC(v string) (int64, error) {
	t, err := time.ParseInLocation("2006-01-02 15:04:05", v, time.UTC)
	if err != nil {
		return 0, err
	}
	return t.UnixMilli(), nil
}

func main() {
	cfgPath := flag.String("config", "", "Path to YAML config (defaults apply when empty)")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	srv := newServer(cfg, logger)
	srv.routes(r)

	logger.Info("server listening", zap.String("addr", cfg.Server.Listen))
	if err := r.Run(cfg.Server.Listen); err != nil {
		logger.Fatal("serve", zap.Error(err))
	}
}
