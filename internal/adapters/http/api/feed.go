package api

import (
	"context"
	"math"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/okian/aegis/internal/adapters/repository"
	"github.com/okian/aegis/internal/domain/model"
	"github.com/okian/aegis/pkg/logger"
)

const (
	feedWriteWait  = 10 * time.Second
	feedPongWait   = 60 * time.Second
	feedPingPeriod = feedPongWait * 9 / 10
)

// FeedDependencies opens change subscriptions.
type FeedDependencies interface {
	Subscribe(ctx context.Context, docType model.DocType, since int64) (*repository.Subscription, error)
}

// FeedHandler streams store changes over a websocket.
type FeedHandler struct {
	deps     FeedDependencies
	upgrader websocket.Upgrader
	logger   logger.Logger
}

// NewFeedHandler creates a new feed handler.
func NewFeedHandler(deps FeedDependencies) *FeedHandler {
	return &FeedHandler{
		deps: deps,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger.Get().Named("feed"),
	}
}

// HandleFeed handles GET /feed?type=&since= requests. Each change is sent as
// one JSON text message in commit order.
func (h *FeedHandler) HandleFeed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	docType, err := docTypeParam(r, "")
	if err != nil {
		writeFailure(w, err)
		return
	}
	since, err := intParam(r, "since", 0, 0, math.MaxInt64)
	if err != nil {
		writeFailure(w, err)
		return
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()
	sub, err := h.deps.Subscribe(ctx, docType, since)
	if err != nil {
		writeFailure(w, err)
		return
	}
	defer sub.Close()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		return
	}
	defer conn.Close()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(feedPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(feedPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(feedPingPeriod)
	defer ping.Stop()

	for {
		select {
		case c, ok := <-sub.Changes():
			_ = conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "feed closed"))
				return
			}
			if err := conn.WriteJSON(c); err != nil {
				h.logger.Debug(ctx, "feed write failed", logger.Error(err))
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(feedWriteWait)); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}
