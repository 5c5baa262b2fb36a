package handler

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"autotrader/internal/pricefeed"
)

const (
	streamBuffer       = 64
	streamWriteTimeout = 5 * time.Second
)

// StreamHub is a price subscriber that relays every event it receives to the
// connected websocket clients. Slow clients drop events instead of blocking
// the registry fan-out.
type StreamHub struct {
	Logger *zap.Logger

	mu      sync.Mutex
	clients map[*streamClient]struct{}
}

type streamClient struct {
	send        chan []byte
	instruments map[string]struct{}
}

func (sc *streamClient) wants(instrument string) bool {
	if len(sc.instruments) == 0 {
		return true
	}
	_, ok := sc.instruments[instrument]
	return ok
}

func NewStreamHub(logger *zap.Logger) *StreamHub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamHub{Logger: logger, clients: map[*streamClient]struct{}{}}
}

func (h *StreamHub) Name() string { return "stream" }

func (h *StreamHub) OnPriceUpdate(_ context.Context, event pricefeed.PriceEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for sc := range h.clients {
		if !sc.wants(event.Instrument) {
			continue
		}
		select {
		case sc.send <- payload:
		default:
			h.Logger.Warn("stream client lagging, event dropped",
				zap.String("instrument", event.Instrument),
				zap.String("resolution", event.Resolution.String()),
			)
		}
	}
	return nil
}

func (h *StreamHub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *StreamHub) Register(r *gin.Engine) {
	r.GET("/api/v1/stream/prices", h.serve)
}

// @Summary Price event stream (websocket)
// @Tags market
// @Param instrument query string false "comma separated instruments; empty streams all"
// @Router /api/v1/stream/prices [get]
func (h *StreamHub) serve(c *gin.Context) {
	conn, err := websocket.Accept(upgradeWriter(c.Writer), c.Request, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		h.Logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "")

	sc := &streamClient{send: make(chan []byte, streamBuffer), instruments: map[string]struct{}{}}
	for _, inst := range strings.Split(c.Query("instrument"), ",") {
		if inst = strings.TrimSpace(inst); inst != "" {
			sc.instruments[inst] = struct{}{}
		}
	}
	h.add(sc)
	defer h.remove(sc)

	// The stream is write-only; CloseRead handles control frames and ends ctx
	// when the client goes away.
	ctx := conn.CloseRead(c.Request.Context())
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case payload := <-sc.send:
			wctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
			err := conn.Write(wctx, websocket.MessageText, payload)
			cancel()
			if err != nil {
				h.Logger.Debug("stream write failed", zap.Error(err))
				return
			}
		}
	}
}

// hijackWriter sends the 101 status to the server's own writer, bypassing
// gin's wrapper, which refuses to hijack once a status has been flushed
// through it. Hijack still goes through gin so gin treats the response as
// written and does not touch the connection afterwards.
type hijackWriter struct {
	http.ResponseWriter
	hijacker http.Hijacker
}

func (w hijackWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return w.hijacker.Hijack()
}

func upgradeWriter(w gin.ResponseWriter) http.ResponseWriter {
	u, ok := w.(interface{ Unwrap() http.ResponseWriter })
	if !ok {
		return w
	}
	return hijackWriter{ResponseWriter: u.Unwrap(), hijacker: w}
}

func (h *StreamHub) add(sc *streamClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[sc] = struct{}{}
}

func (h *StreamHub) remove(sc *streamClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, sc)
}

var _ pricefeed.Subscriber = (*StreamHub)(nil)
