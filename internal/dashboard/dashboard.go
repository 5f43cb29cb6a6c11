// Package dashboard serves the live view in a browser. It implements
// viewer.Renderer: every Update replaces the series it holds and is pushed to
// all connected pages over a websocket.
package dashboard

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"sleepywoodpecker/daqstream/internal/viewer"
)

//go:embed static
var staticFiles embed.FS

const (
	clientQueueSize = 16
	writeWait       = 5 * time.Second
	shutdownWait    = 2 * time.Second
)

type client struct {
	id   uuid.UUID
	conn *websocket.Conn
	send chan []byte
}

type Dashboard struct {
	websocket.Upgrader

	logger *zap.Logger

	mutex      sync.RWMutex
	series     []viewer.Series
	frameCount uint64
	updatedAt  time.Time
	clients    map[uuid.UUID]*client
}

func NewDashboard(logger *zap.Logger) *Dashboard {
	return &Dashboard{
		logger:  logger,
		clients: make(map[uuid.UUID]*client),
	}
}

// Update replaces the current series and pushes them to every page. Slow
// pages miss frames rather than holding up the viewer.
func (d *Dashboard) Update(ctx context.Context, series []viewer.Series) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	d.mutex.Lock()
	d.series = series
	d.frameCount++
	d.updatedAt = time.Now()
	msg := newSeriesMsg(series, d.frameCount, d.updatedAt)
	d.mutex.Unlock()

	buf, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	d.broadcast(buf)
	return nil
}

// Series returns the series of the most recent update.
func (d *Dashboard) Series() ([]viewer.Series, uint64) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.series, d.frameCount
}

func (d *Dashboard) ClientCount() int {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return len(d.clients)
}

func (d *Dashboard) Router() *mux.Router {
	static, _ := fs.Sub(staticFiles, "static")

	router := mux.NewRouter()
	router.HandleFunc("/ws", d.serveWS)
	router.HandleFunc("/series", d.serveSeries).Methods(http.MethodGet)
	router.HandleFunc("/plot.svg", d.servePlot).Methods(http.MethodGet)
	router.PathPrefix("/").Handler(http.FileServer(http.FS(static)))
	return router
}

// Serve listens on addr until ctx is done.
func (d *Dashboard) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: d.Router()}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownWait)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		d.closeClients()
	}()

	d.logger.Info("[dashboard] http server started", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	d.logger.Info("[dashboard] http server stopped", zap.String("addr", addr))
	return nil
}

func (d *Dashboard) serveSeries(w http.ResponseWriter, r *http.Request) {
	series, frameCount := d.Series()

	d.mutex.RLock()
	msg := newSeriesMsg(series, frameCount, d.updatedAt)
	d.mutex.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(msg); err != nil {
		d.logger.Warn("[dashboard] encoding series", zap.Error(err))
	}
}

func (d *Dashboard) servePlot(w http.ResponseWriter, r *http.Request) {
	series, _ := d.Series()

	svg, err := RenderSVG(series)
	if err != nil {
		d.logger.Warn("[dashboard] rendering plot", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/svg+xml")
	w.Write(svg)
}

func (d *Dashboard) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := d.Upgrade(w, r, nil)
	if err != nil {
		d.logger.Warn("[dashboard] websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{
		id:   uuid.New(),
		conn: conn,
		send: make(chan []byte, clientQueueSize),
	}

	hello, _ := json.Marshal(&Msg{
		Type:     MsgTypeHello,
		Metadata: map[string]string{"client id": c.id.String()},
	})
	c.send <- hello

	d.mutex.Lock()
	d.clients[c.id] = c
	if d.frameCount > 0 {
		if buf, err := json.Marshal(newSeriesMsg(d.series, d.frameCount, d.updatedAt)); err == nil {
			c.send <- buf
		}
	}
	d.mutex.Unlock()

	d.logger.Info("[dashboard] client connected", zap.String("clientID", c.id.String()))

	go d.writePump(c)
	d.readPump(c)
}

// readPump only watches for the page going away.
func (d *Dashboard) readPump(c *client) {
	defer d.removeClient(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (d *Dashboard) writePump(c *client) {
	defer c.conn.Close()
	for buf := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, buf); err != nil {
			d.logger.Debug("[dashboard] write to client failed", zap.String("clientID", c.id.String()), zap.Error(err))
			return
		}
	}
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
}

func (d *Dashboard) broadcast(buf []byte) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	for _, c := range d.clients {
		select {
		case c.send <- buf:
		default:
			d.logger.Debug("[dashboard] client queue full, dropping frame", zap.String("clientID", c.id.String()))
		}
	}
}

func (d *Dashboard) removeClient(c *client) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if _, ok := d.clients[c.id]; !ok {
		return
	}
	delete(d.clients, c.id)
	close(c.send)
	d.logger.Info("[dashboard] client disconnected", zap.String("clientID", c.id.String()))
}

func (d *Dashboard) closeClients() {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	for id, c := range d.clients {
		delete(d.clients, id)
		close(c.send)
	}
}
