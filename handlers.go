package main

import (
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	upgradeFailedBody = "Websocket upgrade failed"
	notFoundBody      = "404 not found"
)

// newHandler routes the page, the observer websocket and the secret
// ingestion path. Everything else, including a wrong method on a known
// path, is a plain 404 so an unknown POST path reveals nothing.
func newHandler(cfg *Config, h *hub, ticker *mTicker, log zerolog.Logger) http.Handler {
	r := mux.NewRouter()
	r.SkipClean(true)

	r.Methods(http.MethodGet).Path("/").Handler(pageHandler{path: cfg.Page, contextSize: cfg.ContextSize, log: log})
	r.Methods(http.MethodGet).Path("/ws").Handler(newWsHandler(h, cfg.Origin, ticker))
	r.Methods(http.MethodPost).MatcherFunc(secretPath(cfg.SecretPath)).Handler(postHandler{h: h})

	r.NotFoundHandler = http.HandlerFunc(notFound)
	r.MethodNotAllowedHandler = http.HandlerFunc(notFound)
	return r
}

// secretPath matches requests whose escaped path equals secret exactly.
func secretPath(secret string) mux.MatcherFunc {
	return func(r *http.Request, _ *mux.RouteMatch) bool {
		return r.URL.EscapedPath() == secret
	}
}

type wsHandler struct {
	h        *hub
	upgrader *websocket.Upgrader
	ticker   *mTicker
}

func newWsHandler(h *hub, origin string, ticker *mTicker) wsHandler {
	upgrader := &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		Error: func(w http.ResponseWriter, r *http.Request, status int, reason error) {
			h.log.Debug().Err(reason).Int("status", status).Msg("websocket upgrade failed")
			sendText(w, http.StatusBadRequest, upgradeFailedBody)
		},
		CheckOrigin: func(r *http.Request) bool {
			return origin == "" || r.Header.Get("Origin") == origin
		},
	}
	return wsHandler{h: h, upgrader: upgrader, ticker: ticker}
}

func (wsh wsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := wsh.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := newConnection(ws, wsh.h, tokensTopic, wsh.ticker)
	c.run()
}

type pageHandler struct {
	path        string
	contextSize int
	log         zerolog.Logger
}

func (ph pageHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	page, err := renderPage(ph.path, ph.contextSize)
	if err != nil {
		ph.log.Error().Err(err).Str("page", ph.path).Msg("read page template")
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html")
	w.Write(page)
}

type postHandler struct {
	h *hub
}

func (ph postHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		sendText(w, http.StatusBadRequest, "Unable to read POST body.")
		return
	}
	ph.h.publish(tokensTopic, body)
	w.WriteHeader(http.StatusOK)
}

func notFound(w http.ResponseWriter, r *http.Request) {
	sendText(w, http.StatusNotFound, notFoundBody)
}

func sendText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	io.WriteString(w, body)
}
