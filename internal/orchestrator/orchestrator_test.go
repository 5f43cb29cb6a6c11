package orchestrator

import (
	"context"
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"sleepywoodpecker/daqstream/internal/config"
	"sleepywoodpecker/daqstream/internal/device"
	"sleepywoodpecker/daqstream/internal/processing"
)

type mockSampler struct {
	collect func(ctx context.Context, writer *processing.RowWriter, opts device.CollectOptions) error
	calls   atomic.Int32
	closed  atomic.Bool
}

func (m *mockSampler) Collect(ctx context.Context, writer *processing.RowWriter, opts device.CollectOptions) error {
	m.calls.Add(1)
	return m.collect(ctx, writer, opts)
}

func (m *mockSampler) Close() error {
	m.closed.Store(true)
	return nil
}

func testConfig(t *testing.T, duration time.Duration) *config.Config {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.Device.Connection = config.ConnectionSimulated
	cfg.Run.Channels = []string{"AIN0", "AIN1"}
	cfg.Run.VoltageRanges = []float64{10, 10}
	cfg.Run.Duration = duration
	cfg.Run.Frequency = 10
	cfg.Run.JoinGrace = time.Second
	cfg.Backup.Path = filepath.Join(dir, "STREAMING_CSV.csv")
	cfg.Backup.FinalPath = filepath.Join(dir, "STREAMING_CSV_final.csv")
	return cfg
}

func appendRows(writer *processing.RowWriter, n int) error {
	for i := 0; i < n; i++ {
		v := float64(i)
		if err := writer.Append(processing.Row{Values: []float64{v, -v}, DeviceTime: v, SystemTime: v}); err != nil {
			return err
		}
	}
	return nil
}

func TestState_String(t *testing.T) {
	want := []string{"INIT", "CONFIGURED", "RUNNING", "JOINING", "FINALIZING", "CLOSED", "FAILED"}
	for i, name := range want {
		if got := State(i).String(); got != name {
			t.Errorf("State(%d) = %q, want %q", i, got, name)
		}
	}
}

func TestOrchestrator_FiveSecondRun(t *testing.T) {
	if testing.Short() {
		t.Skip("runs for five seconds")
	}

	cfg := testConfig(t, 5*time.Second)
	o := New(cfg, device.NewSimulatedSampler(0, zap.NewNop()), zaptest.NewLogger(t))

	summary, err := o.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if summary.State != StateClosed || o.State() != StateClosed {
		t.Errorf("expected CLOSED, got %v", summary.State)
	}
	if summary.Backup.Writes < 4 {
		t.Errorf("expected at least 4 backup writes, got %+v", summary.Backup)
	}
	if math.Abs(float64(summary.Rows-50)) > 3 {
		t.Errorf("expected about 50 rows, got %d", summary.Rows)
	}

	final, err := processing.ReadSnapshotFile(cfg.Backup.FinalPath)
	if err != nil {
		t.Fatal(err)
	}
	backup, err := processing.ReadSnapshotFile(cfg.Backup.Path)
	if err != nil {
		t.Fatal(err)
	}
	if final.Len() != summary.Rows || final.Len() < backup.Len() {
		t.Errorf("final file has %d rows, last backup %d, summary %d", final.Len(), backup.Len(), summary.Rows)
	}
	if final.Len() > 0 && backup.Len() > 0 && final.Rows[backup.Len()-1].DeviceTime != backup.Rows[backup.Len()-1].DeviceTime {
		t.Error("last backup is not a prefix of the final file")
	}
	if summary.RunID != o.RunID() {
		t.Error("summary carries a different run id")
	}
}

func TestOrchestrator_ShortRunWithThreshold(t *testing.T) {
	cfg := testConfig(t, 600*time.Millisecond)
	cfg.Backup.Interval = 100 * time.Millisecond
	cfg.Backup.Discretize.Enabled = true

	sampler := &mockSampler{collect: func(ctx context.Context, writer *processing.RowWriter, opts device.CollectOptions) error {
		if err := writer.Append(processing.Row{Values: []float64{0.5, 4}, DeviceTime: 0.1}); err != nil {
			return err
		}
		<-ctx.Done()
		return nil
	}}
	o := New(cfg, sampler, zaptest.NewLogger(t))

	summary, err := o.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if summary.Backup.Writes < 3 {
		t.Errorf("expected several backup writes, got %+v", summary.Backup)
	}
	if !sampler.closed.Load() {
		t.Error("sampler was not closed")
	}

	final, _ := processing.ReadSnapshotFile(cfg.Backup.FinalPath)
	if final.Len() != 1 || final.Rows[0].Values[0] != 0 || final.Rows[0].Values[1] != 1 {
		t.Errorf("expected a discretized final row, got %+v", final.Rows)
	}
}

func TestOrchestrator_MismatchedRangesFailFast(t *testing.T) {
	cfg := testConfig(t, time.Second)
	cfg.Run.VoltageRanges = []float64{10}

	sampler := &mockSampler{collect: func(context.Context, *processing.RowWriter, device.CollectOptions) error {
		return nil
	}}
	o := New(cfg, sampler, zaptest.NewLogger(t))

	start := time.Now()
	summary, err := o.Run(context.Background())
	if !errors.Is(err, config.ErrRangeMismatch) {
		t.Fatalf("expected ErrRangeMismatch, got %v", err)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Error("configuration failure was not immediate")
	}
	if summary.State != StateFailed {
		t.Errorf("expected FAILED, got %v", summary.State)
	}
	if sampler.calls.Load() != 0 {
		t.Error("sampler ran despite a bad configuration")
	}
	for _, path := range []string{cfg.Backup.Path, cfg.Backup.FinalPath} {
		if _, err := os.Stat(path); !os.IsNotExist(err) {
			t.Errorf("%s was created", path)
		}
	}
}

func TestOrchestrator_SamplerFailure(t *testing.T) {
	errDevice := errors.New("device unplugged")

	cfg := testConfig(t, 10*time.Second)
	sampler := &mockSampler{collect: func(ctx context.Context, writer *processing.RowWriter, opts device.CollectOptions) error {
		if err := appendRows(writer, 7); err != nil {
			return err
		}
		return errDevice
	}}
	o := New(cfg, sampler, zaptest.NewLogger(t))

	start := time.Now()
	summary, err := o.Run(context.Background())
	if !errors.Is(err, errDevice) {
		t.Fatalf("expected the device error, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("sampler failure did not short-circuit the run, took %v", elapsed)
	}
	if summary.State != StateClosed {
		t.Errorf("expected CLOSED after finalizing, got %v", summary.State)
	}

	final, err := processing.ReadSnapshotFile(cfg.Backup.FinalPath)
	if err != nil {
		t.Fatal(err)
	}
	if final.Len() != 7 {
		t.Errorf("expected the 7 acquired rows in the final file, got %d", final.Len())
	}
}

// unpluggedPort behaves like a board that vanished right after the port opened.
type unpluggedPort struct {
	serial.Port
}

func (unpluggedPort) Read([]byte) (int, error)            { return 0, io.EOF }
func (unpluggedPort) SetReadTimeout(time.Duration) error { return nil }
func (unpluggedPort) ResetInputBuffer() error            { return nil }
func (unpluggedPort) Close() error                       { return nil }

func TestOrchestrator_DeviceDisconnect(t *testing.T) {
	cfg := testConfig(t, 5*time.Second)
	sampler := device.NewSerialSampler("fake", 460800, "", zaptest.NewLogger(t))
	sampler.OpenPort = func(string, int) (serial.Port, error) { return unpluggedPort{}, nil }
	o := New(cfg, sampler, zaptest.NewLogger(t))

	start := time.Now()
	summary, err := o.Run(context.Background())
	if !errors.Is(err, device.ErrDeviceDisconnected) {
		t.Fatalf("expected ErrDeviceDisconnected, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("disconnect did not end the run early, took %v", elapsed)
	}
	if summary.State != StateClosed {
		t.Errorf("expected CLOSED, got %v", summary.State)
	}
	if _, err := os.Stat(cfg.Backup.FinalPath); err != nil {
		t.Errorf("final file missing: %v", err)
	}
}

func TestOrchestrator_SamplerPanic(t *testing.T) {
	cfg := testConfig(t, 5*time.Second)
	sampler := &mockSampler{collect: func(context.Context, *processing.RowWriter, device.CollectOptions) error {
		panic("driver bug")
	}}
	o := New(cfg, sampler, zaptest.NewLogger(t))

	if _, err := o.Run(context.Background()); err == nil {
		t.Fatal("expected the panic to surface as an error")
	}
	if o.State() != StateClosed {
		t.Errorf("expected CLOSED, got %v", o.State())
	}
}

func TestOrchestrator_JoinTimeout(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	cfg := testConfig(t, 200*time.Millisecond)
	cfg.Run.JoinGrace = 100 * time.Millisecond
	sampler := &mockSampler{collect: func(ctx context.Context, writer *processing.RowWriter, opts device.CollectOptions) error {
		appendRows(writer, 3)
		// ignores cancellation
		<-release
		return nil
	}}
	o := New(cfg, sampler, zap.NewNop())

	start := time.Now()
	summary, err := o.Run(context.Background())
	if !errors.Is(err, ErrJoinTimeout) {
		t.Fatalf("expected ErrJoinTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("join deadline not enforced, took %v", elapsed)
	}
	if summary.Rows != 3 {
		t.Errorf("expected the 3 rows acquired before the hang, got %d", summary.Rows)
	}
	if _, err := os.Stat(cfg.Backup.FinalPath); err != nil {
		t.Errorf("final file missing: %v", err)
	}
}

func TestOrchestrator_EmptyRunWritesHeader(t *testing.T) {
	cfg := testConfig(t, 100*time.Millisecond)
	sampler := &mockSampler{collect: func(ctx context.Context, _ *processing.RowWriter, _ device.CollectOptions) error {
		<-ctx.Done()
		return nil
	}}
	o := New(cfg, sampler, zaptest.NewLogger(t))

	summary, err := o.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if summary.Rows != 0 {
		t.Errorf("expected no rows, got %d", summary.Rows)
	}

	contents, err := os.ReadFile(cfg.Backup.FinalPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(contents) != "AIN0,AIN1,TIME,SYSTEM_TIME\n" {
		t.Errorf("unexpected final file %q", contents)
	}
	if _, err := os.Stat(cfg.Backup.Path); !os.IsNotExist(err) {
		t.Error("backup file written although no data arrived")
	}
}

func TestOrchestrator_Cancellation(t *testing.T) {
	cfg := testConfig(t, time.Hour)
	sampler := &mockSampler{collect: func(ctx context.Context, writer *processing.RowWriter, _ device.CollectOptions) error {
		appendRows(writer, 2)
		<-ctx.Done()
		return nil
	}}
	o := New(cfg, sampler, zaptest.NewLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	summary, err := o.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if summary.Rows != 2 || summary.State != StateClosed {
		t.Errorf("unexpected summary %+v", summary)
	}
}

func TestOrchestrator_Transitions(t *testing.T) {
	cfg := testConfig(t, time.Second)
	sampler := &mockSampler{collect: func(context.Context, *processing.RowWriter, device.CollectOptions) error { return nil }}
	o := New(cfg, sampler, zaptest.NewLogger(t))

	var transitionErr *TransitionError
	if err := o.Start(context.Background()); !errors.As(err, &transitionErr) {
		t.Errorf("expected TransitionError starting before configure, got %v", err)
	}
	if err := o.Join(); !errors.As(err, &transitionErr) {
		t.Errorf("expected TransitionError joining before start, got %v", err)
	}

	if err := o.Configure(); err != nil {
		t.Fatal(err)
	}
	if err := o.Configure(); !errors.As(err, &transitionErr) {
		t.Errorf("expected TransitionError configuring twice, got %v", err)
	}

	if err := o.Close(); err != nil {
		t.Fatal(err)
	}
	if o.State() != StateClosed || !sampler.closed.Load() {
		t.Errorf("expected a closed run, got %v", o.State())
	}
	if err := o.Start(context.Background()); !errors.As(err, &transitionErr) {
		t.Errorf("expected TransitionError starting a closed run, got %v", err)
	}
}
