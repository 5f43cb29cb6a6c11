package dashboard

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"sleepywoodpecker/daqstream/internal/viewer"
)

func testSeries() []viewer.Series {
	return []viewer.Series{
		{Name: "AIN0", X: []float64{0.1, 0.2, 0.3}, Y: []float64{1, 2, 1.5}},
		{Name: "FIO0", X: []float64{0.1, 0.2, 0.3}, Y: []float64{0, 1, 1}},
	}
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMsg(t *testing.T, conn *websocket.Conn) Msg {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg Msg
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatal(err)
	}
	return msg
}

func waitForClients(t *testing.T, d *Dashboard, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for d.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d clients, have %d", n, d.ClientCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDashboard_WebSocket(t *testing.T) {
	d := NewDashboard(zap.NewNop())
	srv := httptest.NewServer(d.Router())
	defer srv.Close()

	conn := dial(t, srv)
	hello := readMsg(t, conn)
	if hello.Type != MsgTypeHello || hello.Metadata["client id"] == "" {
		t.Fatalf("unexpected hello %+v", hello)
	}
	waitForClients(t, d, 1)

	if err := d.Update(context.Background(), testSeries()); err != nil {
		t.Fatal(err)
	}

	msg := readMsg(t, conn)
	if msg.Type != MsgTypeSeries || len(msg.Series) != 2 {
		t.Fatalf("unexpected update %+v", msg)
	}
	if msg.Series[1].Name != "FIO0" || msg.Series[1].Y[1] != 1 || msg.Metadata["rows"] != "3" {
		t.Errorf("unexpected series %+v", msg)
	}

	// a full replacement drops series that are no longer present
	d.Update(context.Background(), testSeries()[:1])
	if msg := readMsg(t, conn); len(msg.Series) != 1 || msg.Metadata["frame"] != "2" {
		t.Errorf("expected replacement with one series, got %+v", msg)
	}
}

func TestDashboard_LateClientGetsCurrentSeries(t *testing.T) {
	d := NewDashboard(zap.NewNop())
	srv := httptest.NewServer(d.Router())
	defer srv.Close()

	d.Update(context.Background(), testSeries())

	conn := dial(t, srv)
	readMsg(t, conn)
	if msg := readMsg(t, conn); msg.Type != MsgTypeSeries || len(msg.Series) != 2 {
		t.Errorf("late client did not get the current series: %+v", msg)
	}
}

func TestDashboard_ClientDisconnect(t *testing.T) {
	d := NewDashboard(zap.NewNop())
	srv := httptest.NewServer(d.Router())
	defer srv.Close()

	conn := dial(t, srv)
	waitForClients(t, d, 1)
	conn.Close()
	waitForClients(t, d, 0)

	// updates with nobody listening still succeed
	if err := d.Update(context.Background(), testSeries()); err != nil {
		t.Error(err)
	}
}

func TestDashboard_HTTP(t *testing.T) {
	d := NewDashboard(zap.NewNop())
	srv := httptest.NewServer(d.Router())
	defer srv.Close()
	d.Update(context.Background(), testSeries())

	t.Run("series", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/series")
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()

		var msg Msg
		if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
			t.Fatal(err)
		}
		if len(msg.Series) != 2 {
			t.Errorf("expected 2 series, got %d", len(msg.Series))
		}
	})

	t.Run("plot", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/plot.svg")
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()

		body, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != http.StatusOK || !bytes.Contains(body, []byte("<svg")) {
			t.Errorf("expected an svg, got %d %q", resp.StatusCode, body[:min(len(body), 80)])
		}
		if ct := resp.Header.Get("Content-Type"); ct != "image/svg+xml" {
			t.Errorf("unexpected content type %q", ct)
		}
	})

	t.Run("index", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/")
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()

		body, _ := io.ReadAll(resp.Body)
		if !bytes.Contains(body, []byte("/ws")) {
			t.Error("index page does not open the websocket")
		}
	})
}

func TestDashboard_UpdateAfterCancel(t *testing.T) {
	d := NewDashboard(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := d.Update(ctx, testSeries()); err == nil {
		t.Error("expected an error for a cancelled context")
	}
}

func TestRenderSVG_Empty(t *testing.T) {
	svg, err := RenderSVG(nil)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(svg, []byte("<svg")) {
		t.Error("expected an svg document")
	}
}
