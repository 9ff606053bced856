// Package api exposes the evaluation core over HTTP.
package api

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/stellarlinkco/gm-eval/internal/config"
	"github.com/stellarlinkco/gm-eval/internal/evaluation"
	"github.com/stellarlinkco/gm-eval/internal/evaluator"
	"github.com/stellarlinkco/gm-eval/internal/ledger"
	"github.com/stellarlinkco/gm-eval/internal/llm"
	"github.com/stellarlinkco/gm-eval/internal/registry"
	"github.com/stellarlinkco/gm-eval/internal/replay"
	"github.com/stellarlinkco/gm-eval/internal/store"
	"github.com/stellarlinkco/gm-eval/internal/transport"
)

type Server struct {
	router     *gin.Engine
	config     *config.Config
	store      store.Store
	ledger     *ledger.Ledger
	registry   *registry.Registry
	engine     *replay.Engine
	aggregator *evaluation.Aggregator
}

// NewServer wires the evaluation core behind HTTP routes. provider backs
// both replay execution and the LLM-judge evaluators.
func NewServer(cfg *config.Config, st store.Store, provider llm.Provider, evals *evaluator.Registry) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("api: nil config")
	}
	if st == nil {
		return nil, errors.New("api: nil store")
	}
	if evals == nil {
		evals = evaluator.NewRegistry()
	}

	r := gin.New()
	s := &Server{
		router:     r,
		config:     cfg,
		store:      st,
		ledger:     ledger.New(st, transport.NewJSONTransport()),
		registry:   registry.New(st),
		engine:     replay.NewEngine(st, replay.NewLLMExecutor(provider), cfg.Replay),
		aggregator: evaluation.New(st, evals, cfg.Replay.ContextWindow, provider),
	}
	s.registerMiddleware()
	if err := s.registerRoutes(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Server) Run(addr string) error {
	if s == nil || s.router == nil {
		return errors.New("api: nil server")
	}
	addr = strings.TrimSpace(addr)
	if addr == "" {
		addr = ":8080"
	}
	return s.router.Run(addr)
}
