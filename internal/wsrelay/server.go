// Package wsrelay is the transport adapter the core spec treats as an
// external collaborator: it performs the HTTP upgrade, extracts the
// room id from the URL, and wires a session.Handler to a real
// *websocket.Conn. None of this is part of the routing core; it is the
// minimum glue needed to run it.
package wsrelay

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/adwski/relay/internal/model"
	"github.com/adwski/relay/internal/peerid"
	"github.com/adwski/relay/internal/router"
	"github.com/adwski/relay/internal/session"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline = 10 * time.Second

	defaultWebsocketReadBufferSize  = 4096
	defaultWebsocketWriteBufferSize = 4096
	defaultWebSocketMaxMessageSize  = 1 << 20 // 1 MiB
	defaultWebSocketHandshakeTimeout = 3 * time.Second
	defaultWebSocketCloseWriteDeadline = 2 * time.Second
	defaultWebSocketWriteDeadline   = 5 * time.Second

	// defaultPongWait - defaultPingInterval is how long we give a client
	// to respond to a ping before we consider the connection dead.
	defaultPingInterval = 20 * time.Second
	defaultPongWait     = 30 * time.Second
)

var ErrUnexpected = errors.New("wsrelay: unexpected server error")

// Router is the capability this server needs from the room registry.
type Router interface {
	AddPeer(roomID, peerID string, sink model.PeerSink)
	RemovePeer(roomID, peerID string)
	RelayPeerMessage(roomID, from string, dest model.Destination, content model.RawContent)
	Stats() router.Stats
}

// Config configures a Server.
type Config struct {
	Logger     *zerolog.Logger
	Router     Router
	ListenAddr string
}

// Server is the HTTP + WebSocket upgrade front door for the relay.
type Server struct {
	router Router
	ws     *websocket.Upgrader
	logger zerolog.Logger
	*http.Server
}

// NewServer builds a Server ready to Run.
func NewServer(cfg Config) *Server {
	srv := &Server{
		logger: cfg.Logger.With().Str("component", "wsrelay").Logger(),
		router: cfg.Router,
		ws: &websocket.Upgrader{
			HandshakeTimeout: defaultWebSocketHandshakeTimeout,
			ReadBufferSize:   defaultWebsocketReadBufferSize,
			WriteBufferSize:  defaultWebsocketWriteBufferSize,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/rooms/{roomID}", srv.joinRoom)
	mux.HandleFunc("GET /healthz", srv.healthz)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}
	return srv
}

// Run starts the HTTP listener and blocks until ctx is canceled or the
// listener fails. It reports unexpected failures on errc and always
// signals wg.Done on return.
func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	errSrv := make(chan error, 1)
	go func() {
		errSrv <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-errSrv:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}

func (srv *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	stats := srv.router.Stats()
	srv.logger.Trace().Int("rooms", stats.Rooms).Int("peers", stats.Peers).Msg("health check")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (srv *Server) joinRoom(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("roomID")
	if roomID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	conn, err := srv.ws.Upgrade(w, r, nil)
	if err != nil {
		srv.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	id, err := peerid.New()
	if err != nil {
		srv.logger.Error().Err(err).Msg("failed to generate peer id")
		closeConn(conn, &srv.logger)
		return
	}

	h := session.New(srv.router, roomID, &srv.logger)
	sink := h.Attach(id)

	logger := srv.logger.With().Str("room", roomID).Str("peer", h.PeerID()).Logger()
	logger.Debug().Msg("peer attached")

	go srv.pump(conn, h, sink, &logger)
}

// pump runs the reader and writer halves of one connection and tears
// the session down exactly once, after both halves have returned. The
// first half to finish closes done: the writer sees it at once, the
// reader only between reads (so a blocked read ends on its own error or
// read deadline). This mirrors the reader/writer goroutine split of a
// WebSocket handler.
func (srv *Server) pump(conn *websocket.Conn, h *session.Handler, sink *session.Sink, logger *zerolog.Logger) {
	wg := &sync.WaitGroup{}
	wg.Add(2)

	done := make(chan struct{})
	closeOnce := sync.OnceFunc(func() { close(done) })

	go func() {
		defer wg.Done()
		readLoop(conn, h, done, logger)
		closeOnce()
	}()
	go func() {
		defer wg.Done()
		writeLoop(conn, sink, done, logger)
		closeOnce()
	}()

	wg.Wait()
	closeConn(conn, logger)
	h.Detach()
	logger.Debug().Msg("peer detached")
}

func readLoop(conn *websocket.Conn, h *session.Handler, done <-chan struct{}, logger *zerolog.Logger) {
	conn.SetReadLimit(defaultWebSocketMaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(defaultPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(defaultPongWait))
	})

	for {
		select {
		case <-done:
			return
		default:
		}

		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Error().Err(err).Msg("unexpected error during receive")
			} else {
				logger.Debug().Err(err).Msg("connection closed")
			}
			return
		}

		var kind model.ContentKind
		if msgType == websocket.BinaryMessage {
			kind = model.KindBinary
		} else {
			kind = model.KindText
		}
		h.HandleFrame(kind, data)
	}
}

func writeLoop(conn *websocket.Conn, sink *session.Sink, done <-chan struct{}, logger *zerolog.Logger) {
	ticker := time.NewTicker(defaultPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline)); err != nil {
				logger.Error().Err(err).Msg("failed to set write deadline")
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				logger.Error().Err(err).Msg("failed to send ping")
				return
			}
		case msg, ok := <-sink.Recv():
			if !ok {
				return
			}
			kind, data := session.EncodeOutbound(msg)
			frameType := websocket.TextMessage
			if kind == model.KindBinary {
				frameType = websocket.BinaryMessage
			}
			if err := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline)); err != nil {
				logger.Error().Err(err).Msg("failed to set write deadline")
				return
			}
			if err := conn.WriteMessage(frameType, data); err != nil {
				logger.Error().Err(err).Msg("failed to write outgoing frame")
				return
			}
		}
	}
}

func closeConn(conn *websocket.Conn, logger *zerolog.Logger) {
	wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketCloseWriteDeadline))
	if wsErr == nil {
		wsErr = conn.WriteMessage(websocket.CloseMessage, []byte{})
	}
	if wsErr != nil {
		logger.Debug().Err(wsErr).Msg("failed to send close frame")
	}
	if err := conn.Close(); err != nil {
		logger.Debug().Err(err).Msg("failed to close connection")
	}
}
