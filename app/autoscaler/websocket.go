package autoscaler

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/arpitnath/rag-queue-autoscale/pkg/autoscale"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	wsPingInterval = 30 * time.Second
	wsReadTimeout  = 60 * time.Second
	wsWriteTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ServerMessage is a frame sent to websocket clients.
type ServerMessage struct {
	Type    string      `json:"type"` // "hello", "event"
	Payload interface{} `json:"payload"`
}

// HandleEvents streams scale events over a websocket. The optional
// "workload" query parameter restricts the feed to one workload; "*" or
// empty means all of them.
//
// The server sends {"type":"hello","payload":[...statuses]} once, then
// {"type":"event","payload":{...}} per event. Client frames are read only to
// detect closure.
func (a *App) HandleEvents(w http.ResponseWriter, r *http.Request) {
	workload := r.URL.Query().Get("workload")
	if workload != "" && workload != "*" {
		if _, ok := a.Supervisor.Get(workload); !ok {
			writeError(w, http.StatusNotFound, errWorkloadNotFound)
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.Logger.Error("Failed to upgrade WebSocket connection", zap.Error(err))
		return
	}
	defer func(conn *websocket.Conn) {
		if err := conn.Close(); err != nil {
			a.Logger.Debug("Failed to close WebSocket connection", zap.Error(err))
		}
	}(conn)

	a.Logger.Info("WebSocket client connected", zap.String("remote_addr", r.RemoteAddr), zap.String("workload", workload))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub := a.Broadcaster.Subscribe(workload)
	defer a.Broadcaster.Unsubscribe(sub)

	hello := a.Supervisor.List()
	if workload != "" && workload != "*" {
		filtered := hello[:0]
		for _, st := range hello {
			if st.Workload == workload {
				filtered = append(filtered, st)
			}
		}
		hello = filtered
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		a.writeEvents(ctx, conn, hello, sub.C())
	}()

	a.readUntilClosed(ctx, conn, cancel)
	wg.Wait()
	a.Logger.Info("WebSocket client disconnected", zap.String("remote_addr", r.RemoteAddr))
}

// writeEvents is the only writer of conn: it sends the hello frame, then
// events and pings until ctx ends or the subscription closes.
func (a *App) writeEvents(ctx context.Context, conn *websocket.Conn, hello []autoscale.Status, events <-chan autoscale.Event) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	write := func(msg ServerMessage) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(msg); err != nil {
			a.Logger.Debug("Failed to write WebSocket message", zap.Error(err))
			return false
		}
		return true
	}

	if !write(ServerMessage{Type: "hello", Payload: hello}) {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(wsWriteTimeout))
				return
			}
			if !write(ServerMessage{Type: "event", Payload: ev}) {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(wsWriteTimeout)); err != nil {
				a.Logger.Debug("Failed to send ping", zap.Error(err))
				return
			}
		}
	}
}

// readUntilClosed consumes client frames so pongs and close frames are
// processed, and cancels ctx once the connection is gone.
func (a *App) readUntilClosed(ctx context.Context, conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()

	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	})

	// unblock the read below when the writer gives up
	go func() {
		<-ctx.Done()
		_ = conn.SetReadDeadline(time.Now())
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				a.Logger.Debug("WebSocket read error", zap.Error(err))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	}
}
