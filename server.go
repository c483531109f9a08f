package main

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/facebookgo/httpdown"
	"github.com/rs/zerolog"
)

type server struct {
	cfg    *Config
	log    zerolog.Logger
	hub    *hub
	ticker *mTicker

	hd     httpdown.HTTP
	http   httpdown.Server
	addr   *net.TCPAddr
	cancel context.CancelFunc
}

func newServer(cfg *Config, log zerolog.Logger) *server {
	return &server{
		cfg: cfg,
		log: log,
		hub: newHub(log),
		hd: httpdown.HTTP{
			StopTimeout: cfg.StopTimeout,
			KillTimeout: cfg.KillTimeout,
		},
	}
}

// start binds the listener and begins serving. The bound address is known
// once start returns.
func (s *server) start() error {
	l, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.ticker = newMTicker(pingPeriod)
	go s.hub.run(ctx)

	handler := newHandler(s.cfg, s.hub, s.ticker, s.log)
	s.http = s.hd.Serve(&http.Server{Handler: handler}, l)
	s.addr = l.Addr().(*net.TCPAddr)
	return nil
}

// secretURL is the ingestion URL handed to the worker.
func (s *server) secretURL() string {
	return fmt.Sprintf("http://localhost:%d%s", s.addr.Port, s.cfg.SecretPath)
}

// stop closes every observer connection, then the listener and any
// remaining HTTP connections.
func (s *server) stop() error {
	open := s.hub.count(tokensTopic)
	s.cancel()
	<-s.hub.done
	s.ticker.stop()
	err := s.http.Stop()
	s.log.Info().
		Int("observers", open).
		Int64("published", m.count("tokens.published")).
		Msg("server stopped")
	return err
}

// supervise starts the worker and blocks until it exits or ctx is done,
// then stops the server. A worker that exits non-zero on its own is reported
// as an error. On cancellation the worker is terminated first, so the two
// never outlive each other.
func (s *server) supervise(ctx context.Context, sup *supervisor) error {
	env := workerEnv{
		ContextSize: s.cfg.ContextSize,
		Log:         s.cfg.Log,
		MockModel:   s.cfg.MockModel,
		SecretURL:   s.secretURL(),
	}
	if err := sup.start(env); err != nil {
		s.stop()
		return err
	}

	var result error
	select {
	case <-ctx.Done():
		s.log.Info().Msg("shutting down")
		if exit, ok := sup.terminate(s.cfg.KillTimeout); ok {
			s.log.Debug().Int("status", exit.Code).Msg("worker terminated")
		}
	case exit := <-sup.exited():
		result = exit.err()
	}
	if err := s.stop(); err != nil && result == nil {
		result = err
	}
	return result
}

func run(ctx context.Context, cfg *Config, sup *supervisor, log zerolog.Logger) error {
	s := newServer(cfg, log)
	if err := s.start(); err != nil {
		return err
	}
	log.Info().Str("secret_url", cfg.SecretPath).Msg("secret url")
	log.Info().Msgf("server listening on ws://%s", s.addr)

	mctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go startMetrics(mctx, cfg.MetricsTick)
	defer finalMetrics()

	return s.supervise(ctx, sup)
}
