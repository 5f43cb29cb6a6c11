// Package orchestrator supervises one acquisition run: it configures the
// buffer, runs the sampler and the backup writer side by side, waits for both
// under a deadline and writes the final snapshot.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"sleepywoodpecker/daqstream/internal/config"
	"sleepywoodpecker/daqstream/internal/device"
	"sleepywoodpecker/daqstream/internal/processing"
)

var ErrJoinTimeout = errors.New("[orchestrator] workers did not finish before the join deadline")

type Summary struct {
	RunID     uuid.UUID
	State     State
	Rows      int
	FinalPath string
	Backup    processing.BackupStats
	StartedAt time.Time
	Elapsed   time.Duration
}

type Orchestrator struct {
	cfg     *config.Config
	sampler device.Sampler
	logger  *zap.Logger
	runID   uuid.UUID

	// OnRow, if set before Start, runs after every committed row.
	OnRow func(processing.Row)

	stateMutex sync.Mutex
	state      State

	buffer *processing.SampleBuffer
	writer *processing.RowWriter
	backup *processing.BackupWriter

	cancel    context.CancelFunc
	startedAt time.Time

	samplerDone chan struct{}
	samplerErr  error
	backupDone  chan struct{}
	backupErr   error

	finalRows int
}

func New(cfg *config.Config, sampler device.Sampler, logger *zap.Logger) *Orchestrator {
	runID := uuid.New()
	return &Orchestrator{
		cfg:     cfg,
		sampler: sampler,
		logger:  logger.With(zap.String("runID", runID.String())),
		runID:   runID,
		state:   StateInit,
	}
}

func (o *Orchestrator) RunID() uuid.UUID {
	return o.runID
}

func (o *Orchestrator) State() State {
	o.stateMutex.Lock()
	defer o.stateMutex.Unlock()
	return o.state
}

// Buffer is nil until Configure succeeds.
func (o *Orchestrator) Buffer() *processing.SampleBuffer {
	return o.buffer
}

func (o *Orchestrator) moveTo(next State) error {
	o.stateMutex.Lock()
	defer o.stateMutex.Unlock()

	if !o.state.canMoveTo(next) {
		return &TransitionError{From: o.state, To: next}
	}
	o.logger.Debug("[orchestrator] state change", zap.Stringer("from", o.state), zap.Stringer("to", next))
	o.state = next
	return nil
}

// Configure validates the configuration and sets up the buffer. A rejected
// configuration leaves the run FAILED with no worker started.
func (o *Orchestrator) Configure() error {
	if err := o.expect(StateInit); err != nil {
		return err
	}

	if err := o.cfg.Validate(); err != nil {
		o.moveTo(StateFailed)
		o.logger.Error("[orchestrator] invalid configuration", zap.Error(err))
		return fmt.Errorf("[orchestrator] configure: %w", err)
	}

	o.buffer = processing.NewSampleBuffer(o.cfg.Run.Channels)
	writer, err := o.buffer.Claim()
	if err != nil {
		o.buffer.Close()
		o.moveTo(StateFailed)
		return fmt.Errorf("[orchestrator] configure: %w", err)
	}
	o.writer = writer
	o.backup = processing.NewBackupWriter(o.cfg.Backup.Interval, o.cfg.Threshold(), o.logger)

	o.logger.Info("[orchestrator] configured",
		zap.Strings("channels", o.cfg.Run.Channels),
		zap.Float64s("voltageRanges", o.cfg.Run.VoltageRanges),
		zap.Duration("duration", o.cfg.Run.Duration),
		zap.Float64("frequency", o.cfg.Run.Frequency),
		zap.Duration("backupInterval", o.backup.Interval()),
	)

	return o.moveTo(StateConfigured)
}

// Start launches the sampler and the backup writer.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.moveTo(StateRunning); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.startedAt = time.Now()
	o.samplerDone = make(chan struct{})
	o.backupDone = make(chan struct{})

	opts := device.OptionsFromConfig(o.cfg)
	opts.OnRow = o.OnRow

	samplerCtx, samplerCancel := context.WithTimeout(runCtx, o.cfg.Run.Duration)

	go func() {
		defer close(o.samplerDone)
		defer samplerCancel()
		o.samplerErr = safeRun(func() error {
			return o.sampler.Collect(samplerCtx, o.writer, opts)
		}, o.logger)
		if o.samplerErr != nil {
			o.logger.Error("[orchestrator] sampler failed, stopping run", zap.Error(o.samplerErr))
			cancel()
		}
	}()

	go func() {
		defer close(o.backupDone)
		o.backupErr = safeRun(func() error {
			return o.backup.Run(runCtx, o.buffer, o.cfg.Backup.Path, o.cfg.Run.Duration)
		}, o.logger)
	}()

	o.logger.Info("[orchestrator] run started")
	return nil
}

// Join waits for the sampler and then the backup writer, both bounded by the
// run duration plus the join grace.
func (o *Orchestrator) Join() error {
	if err := o.moveTo(StateJoining); err != nil {
		return err
	}

	deadline := o.startedAt.Add(o.cfg.Run.Duration + o.cfg.Run.JoinGrace)
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	if !waitFor(o.samplerDone, timer) {
		o.cancel()
		o.logger.Error("[orchestrator] sampler did not stop in time", zap.Time("deadline", deadline))
		return fmt.Errorf("%w: sampler still running", ErrJoinTimeout)
	}

	if !waitFor(o.backupDone, timer) {
		o.cancel()
		o.logger.Error("[orchestrator] backup writer did not stop in time", zap.Time("deadline", deadline))
		return multierr.Append(o.samplerErr, fmt.Errorf("%w: backup writer still running", ErrJoinTimeout))
	}

	o.cancel()
	return multierr.Append(o.samplerErr, o.backupErr)
}

// Finalize writes everything the buffer holds to the final path, then closes
// the device and the buffer. It runs whatever happened during the run.
func (o *Orchestrator) Finalize() error {
	if err := o.moveTo(StateFinalizing); err != nil {
		return err
	}

	var errs error

	table, err := o.buffer.Snapshot()
	if err != nil {
		errs = multierr.Append(errs, fmt.Errorf("[orchestrator] final snapshot: %w", err))
	} else {
		if threshold := o.cfg.Threshold(); threshold != nil {
			table = threshold.Apply(table)
		}
		if err := processing.WriteSnapshotFile(o.cfg.Backup.FinalPath, table); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("[orchestrator] writing final snapshot: %w", err))
		} else {
			o.finalRows = table.Len()
			o.logger.Info("[orchestrator] wrote final snapshot",
				zap.String("path", o.cfg.Backup.FinalPath),
				zap.Int("rows", o.finalRows),
			)
		}
	}

	errs = multierr.Append(errs, o.sampler.Close())
	errs = multierr.Append(errs, o.buffer.Close())

	if err := o.moveTo(StateClosed); err != nil {
		errs = multierr.Append(errs, err)
	}
	return errs
}

// Close releases a run that was configured but never started.
func (o *Orchestrator) Close() error {
	if o.State() != StateConfigured {
		return nil
	}
	if err := o.moveTo(StateClosed); err != nil {
		return err
	}
	return multierr.Combine(o.sampler.Close(), o.buffer.Close())
}

// Run drives the whole lifecycle, configuring first unless the caller already
// did. Rows acquired before a failure still end up in the final file.
func (o *Orchestrator) Run(ctx context.Context) (Summary, error) {
	if o.State() == StateInit {
		if err := o.Configure(); err != nil {
			return o.summary(), err
		}
	}

	if err := o.Start(ctx); err != nil {
		return o.summary(), multierr.Append(err, o.Close())
	}

	joinErr := o.Join()
	finalizeErr := o.Finalize()
	err := multierr.Append(joinErr, finalizeErr)

	summary := o.summary()
	o.logger.Info("[orchestrator] run finished",
		zap.Stringer("state", summary.State),
		zap.Int("rows", summary.Rows),
		zap.Int("backupWrites", summary.Backup.Writes),
		zap.Int("backupSkips", summary.Backup.Skips),
		zap.Int("backupFailures", summary.Backup.Failures),
		zap.Duration("elapsed", summary.Elapsed),
		zap.Error(err),
	)

	return summary, err
}

func (o *Orchestrator) summary() Summary {
	s := Summary{
		RunID:     o.runID,
		State:     o.State(),
		Rows:      o.finalRows,
		FinalPath: o.cfg.Backup.FinalPath,
		StartedAt: o.startedAt,
	}
	if o.backup != nil {
		s.Backup = o.backup.Stats()
	}
	if !o.startedAt.IsZero() {
		s.Elapsed = time.Since(o.startedAt)
	}
	return s
}

func (o *Orchestrator) expect(state State) error {
	if current := o.State(); current != state {
		return &TransitionError{From: current, To: StateConfigured}
	}
	return nil
}

// waitFor reports whether done closed before timer fired. A worker that has
// already finished always wins.
func waitFor(done <-chan struct{}, timer *time.Timer) bool {
	select {
	case <-done:
		return true
	default:
	}

	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

func safeRun(fn func() error, logger *zap.Logger) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
			logger.Error("[orchestrator] recovered from panic", zap.Any("panic", rec))
		}
	}()
	return fn()
}
