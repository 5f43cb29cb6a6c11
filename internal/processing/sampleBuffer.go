package processing

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// The buffer is owned by a single goroutine. The sampler pushes rows to it over a channel
// and readers ask it for snapshots, so nothing else ever touches the row slice.
// A row only becomes visible once the owner has received it, which rules out torn rows.

var (
	ErrBufferClosed  = errors.New("sample buffer is closed")
	ErrWriterClaimed = errors.New("sample buffer already has a writer")
)

type RowWidthError struct {
	Expected int
	Got      int
}

func (e *RowWidthError) Error() string {
	return fmt.Sprintf("[buffer] row has %d values, expected %d", e.Got, e.Expected)
}

// RowRangeError reports a requested row window that the buffer cannot serve.
type RowRangeError struct {
	From, To int
	Len      int
}

func (e *RowRangeError) Error() string {
	if e.Len < 0 {
		return fmt.Sprintf("[buffer] invalid row range [%d, %d)", e.From, e.To)
	}
	return fmt.Sprintf("[buffer] rows [%d, %d) outside the %d committed rows", e.From, e.To, e.Len)
}

// rowRequest selects rows [from, to) of the buffer. A negative to means the
// end of the buffer. With tail set, the newest last rows are selected instead.
type rowRequest struct {
	from, to int
	tail     bool
	last     int
	reply    chan rowReply
}

type rowReply struct {
	rows []Row
	err  error
}

func (r rowRequest) slice(rows []Row) rowReply {
	n := len(rows)
	from, to := r.from, r.to
	switch {
	case r.tail:
		from, to = n-r.last, n
	case to < 0:
		to = n
	}
	if from < 0 || from > to || to > n {
		return rowReply{err: &RowRangeError{From: from, To: to, Len: n}}
	}
	// rows are only ever appended past len, so the capped window stays stable
	return rowReply{rows: rows[from:to:to]}
}

type SampleBuffer struct {
	channels   []string
	appendCh   chan []Row
	snapshotCh chan rowRequest
	quit       chan struct{}
	done       chan struct{}
	closeOnce  sync.Once
	claimed    atomic.Bool
}

// RowWriter is the only handle that can append to a SampleBuffer.
type RowWriter struct {
	buffer *SampleBuffer
}

func NewSampleBuffer(channels []string) *SampleBuffer {
	owned := make([]string, len(channels))
	copy(owned, channels)

	b := &SampleBuffer{
		channels:   owned,
		appendCh:   make(chan []Row),
		snapshotCh: make(chan rowRequest),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go b.own()

	return b
}

func (b *SampleBuffer) own() {
	defer close(b.done)

	var rows []Row
	for {
		select {
		case batch := <-b.appendCh:
			rows = append(rows, batch...)
		case req := <-b.snapshotCh:
			req.reply <- req.slice(rows)
		case <-b.quit:
			return
		}
	}
}

// Claim hands out the writer exactly once.
func (b *SampleBuffer) Claim() (*RowWriter, error) {
	if !b.claimed.CompareAndSwap(false, true) {
		return nil, ErrWriterClaimed
	}
	return &RowWriter{buffer: b}, nil
}

func (b *SampleBuffer) Channels() []string {
	out := make([]string, len(b.channels))
	copy(out, b.channels)
	return out
}

// Snapshot returns every row committed before the call, in arrival order.
func (b *SampleBuffer) Snapshot() (Table, error) {
	return b.rows(rowRequest{from: 0, to: -1})
}

// SnapshotRange returns rows from up to, but not including, to.
func (b *SampleBuffer) SnapshotRange(from, to int) (Table, error) {
	if from < 0 || from >= to {
		return Table{}, &RowRangeError{From: from, To: to, Len: -1}
	}
	return b.rows(rowRequest{from: from, to: to})
}

// Last returns the newest n rows. Asking for more rows than the buffer holds
// is an error.
func (b *SampleBuffer) Last(n int) (Table, error) {
	if n < 0 {
		return Table{}, &RowRangeError{From: 0, To: n, Len: -1}
	}
	return b.rows(rowRequest{tail: true, last: n})
}

func (b *SampleBuffer) rows(req rowRequest) (Table, error) {
	req.reply = make(chan rowReply, 1)

	select {
	case b.snapshotCh <- req:
	case <-b.done:
		return Table{}, ErrBufferClosed
	}

	reply := <-req.reply
	if reply.err != nil {
		return Table{}, reply.err
	}
	return Table{Channels: b.Channels(), Rows: reply.rows}, nil
}

func (b *SampleBuffer) Len() (int, error) {
	table, err := b.Snapshot()
	if err != nil {
		return 0, err
	}
	return table.Len(), nil
}

// Close stops the owner goroutine. Snapshots and appends fail afterwards.
func (b *SampleBuffer) Close() error {
	b.closeOnce.Do(func() {
		close(b.quit)
	})
	<-b.done
	return nil
}

// Append commits rows in order. When it returns nil every row is visible to
// later snapshots.
func (w *RowWriter) Append(rows ...Row) error {
	if len(rows) == 0 {
		return nil
	}

	width := len(w.buffer.channels)
	batch := make([]Row, len(rows))
	for i, row := range rows {
		if len(row.Values) != width {
			return &RowWidthError{Expected: width, Got: len(row.Values)}
		}
		batch[i] = NewRow(row.Values, row.DeviceTime, row.SystemTime)
	}

	select {
	case w.buffer.appendCh <- batch:
		return nil
	case <-w.buffer.done:
		return ErrBufferClosed
	}
}

func (w *RowWriter) Channels() []string {
	return w.buffer.Channels()
}
