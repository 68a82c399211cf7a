package api

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"memorychat/internal/auth"
	"memorychat/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 64 << 10
)

var errConnClosed = errors.New("connection closed")

// originChecker allows non-browser clients, same-host pages and the
// configured origins. A "*" entry allows any origin.
func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(strings.TrimRight(a, "/"), origin) {
				return true
			}
		}
		u, err := url.Parse(origin)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return false
		}
		return strings.EqualFold(u.Host, r.Host)
	}
}

// wsConn serialises writes to one socket. gorilla connections allow a single
// concurrent writer.
type wsConn struct {
	conn   *websocket.Conn
	mu     sync.Mutex
	closed bool
}

func (w *wsConn) Emit(frame protocol.Frame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return errConnClosed
	}
	_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteJSON(frame)
}

func (w *wsConn) ping() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return errConnClosed
	}
	return w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (w *wsConn) close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	w.conn.Close()
}

// serveWS authenticates the handshake, upgrades it and feeds inbound
// messages to the chat controller until the client goes away.
func (h *Handler) serveWS(c *gin.Context) {
	userID, err := h.auth.Authenticate(c.Request.Context(), h.auth.TokenFromRequest(c.Request))
	if err != nil {
		if errors.Is(err, auth.ErrUnauthenticated) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": auth.ErrUnauthenticated.Error()})
			return
		}
		log.WithError(err).Error("authenticate websocket")
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "authentication unavailable"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// the upgrader already answered the request
		log.WithError(err).Debug("websocket upgrade failed")
		return
	}
	out := &wsConn{conn: conn}
	sess, err := h.sessions.Open(userID)
	if err != nil {
		out.close()
		return
	}
	logger := log.WithFields(log.Fields{"session_id": sess.ID, "user_id": userID})
	logger.Info("session opened")

	stop := make(chan struct{})
	defer func() {
		close(stop)
		h.sessions.Close(sess.ID)
		out.close()
		logger.Info("session closed")
	}()
	go keepAlive(out, sess.Context().Done(), stop)

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.WithError(err).Debug("websocket read failed")
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		msg, err := protocol.ParseClient(data)
		if err != nil {
			logger.WithError(err).Debug("dropping malformed frame")
			_ = out.Emit(protocol.Error(0, protocol.CodeInvalidMessage))
			continue
		}
		if err := h.chat.Submit(sess, msg, out); err != nil {
			logger.WithError(err).WithField("chat_id", int64(msg.Chat)).Debug("message rejected")
		}
	}
}

// keepAlive pings the client and drops the socket once the session is closed
// server side, e.g. by the idle janitor or shutdown.
func keepAlive(out *wsConn, ended, stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ended:
			out.close()
			return
		case <-ticker.C:
			if err := out.ping(); err != nil {
				return
			}
		}
	}
}
