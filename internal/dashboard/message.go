package dashboard

import (
	"strconv"
	"time"

	"sleepywoodpecker/daqstream/internal/viewer"
)

const (
	MsgTypeHello  = "hello"
	MsgTypeSeries = "series update"
)

// Msg is what the page receives over the websocket.
type Msg struct {
	Type     string            `json:"type"`
	Metadata map[string]string `json:"metadata"`
	Series   []viewer.Series   `json:"series,omitempty"`
}

func newSeriesMsg(series []viewer.Series, frameCount uint64, updatedAt time.Time) *Msg {
	rows := 0
	if len(series) > 0 {
		rows = len(series[0].X)
	}

	return &Msg{
		Type: MsgTypeSeries,
		Metadata: map[string]string{
			"frame":      strconv.FormatUint(frameCount, 10),
			"rows":       strconv.Itoa(rows),
			"updated at": updatedAt.Format(time.RFC3339Nano),
		},
		Series: series,
	}
}
