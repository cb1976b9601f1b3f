// Package tiered provides a UsageStore that keeps a primary store as the
// source of truth and mirrors every credit deduction to a replica store on a
// background worker, e.g. Postgres as primary and Firestore as a regional or
// analytics copy.
package tiered

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mihaimyh/quotagate/pkg/quotagate"
)

var (
	// ErrQueueFull is reported to the AsyncErrorHandler when a mirror job is dropped
	ErrQueueFull = errors.New("tiered: mirror queue full")

	// ErrClosed is reported when a deduction arrives after Close
	ErrClosed = errors.New("tiered: store closed")
)

// Config configures the mirrored store
type Config struct {
	// Primary is the source of truth (e.g., Postgres)
	Primary quotagate.UsageStore

	// Replica receives every deduction asynchronously (e.g., Firestore)
	Replica quotagate.UsageStore

	// ReadFromReplicaOnError serves FindMonthlyUsage from the replica when the
	// primary fails. The replica may lag behind.
	ReadFromReplicaOnError bool

	// SyncBufferSize is the size of the buffered channel for mirror jobs.
	// Default: 1000
	SyncBufferSize int

	// SyncTimeout bounds a single mirror write. Default: 5 seconds
	SyncTimeout time.Duration

	// AsyncErrorHandler is called when a mirror write fails or is dropped.
	// Essential for monitoring replica drift.
	AsyncErrorHandler func(error)
}

// Store implements quotagate.UsageStore over a primary and a replica
type Store struct {
	primary quotagate.UsageStore
	replica quotagate.UsageStore
	conf    Config

	// Channel for async mirroring
	syncQueue chan func(context.Context) error
	shutdown  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
	dropped   atomic.Int64
}

// New creates a mirrored store and starts its worker
func New(config Config) (*Store, error) {
	if config.Primary == nil || config.Replica == nil {
		return nil, errors.New("tiered storage: both primary and replica stores are required")
	}

	if config.SyncBufferSize <= 0 {
		config.SyncBufferSize = 1000
	}
	if config.SyncTimeout <= 0 {
		config.SyncTimeout = 5 * time.Second
	}

	s := &Store{
		primary:   config.Primary,
		replica:   config.Replica,
		conf:      config,
		syncQueue: make(chan func(context.Context) error, config.SyncBufferSize),
		shutdown:  make(chan struct{}),
	}
	s.startWorker()

	return s, nil
}

// Close drains queued mirror jobs and stops the worker
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		close(s.shutdown)
		s.wg.Wait()
	})
	return nil
}

// Dropped returns how many mirror jobs were discarded because the queue was full
func (s *Store) Dropped() int64 {
	return s.dropped.Load()
}

// startWorker runs the background mirror loop.
// Jobs run sequentially so the replica sees deductions in primary order.
func (s *Store) startWorker() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case job := <-s.syncQueue:
				s.run(job)
			case <-s.shutdown:
				// Drain queue on shutdown
				for {
					select {
					case job := <-s.syncQueue:
						s.run(job)
					default:
						return
					}
				}
			}
		}
	}()
}

func (s *Store) run(job func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.conf.SyncTimeout)
	defer cancel()
	if err := job(ctx); err != nil {
		s.reportError(fmt.Errorf("tiered sync failed: %w", err))
	}
}

func (s *Store) enqueue(job func(context.Context) error) {
	select {
	case <-s.shutdown:
		s.dropped.Add(1)
		s.reportError(ErrClosed)
		return
	default:
	}
	select {
	case s.syncQueue <- job:
	default:
		s.dropped.Add(1)
		s.reportError(ErrQueueFull)
	}
}

func (s *Store) reportError(err error) {
	if s.conf.AsyncErrorHandler != nil {
		s.conf.AsyncErrorHandler(err)
	}
}

// FindMonthlyUsage implements quotagate.UsageStore, reading the primary and
// optionally falling back to the replica.
func (s *Store) FindMonthlyUsage(ctx context.Context, userID, month string) (*quotagate.MonthlyUsage, error) {
	usage, err := s.primary.FindMonthlyUsage(ctx, userID, month)
	if err == nil || !s.conf.ReadFromReplicaOnError || ctx.Err() != nil {
		return usage, err
	}

	replicaUsage, replicaErr := s.replica.FindMonthlyUsage(ctx, userID, month)
	if replicaErr != nil {
		return nil, errors.Join(err, replicaErr)
	}
	return replicaUsage, nil
}

// CreateMonthlyUsage implements quotagate.UsageStore (write-through to both)
func (s *Store) CreateMonthlyUsage(ctx context.Context, usage *quotagate.MonthlyUsage) error {
	if err := s.primary.CreateMonthlyUsage(ctx, usage); err != nil {
		return err
	}
	row := *usage
	s.enqueue(func(ctx context.Context) error {
		return s.replica.CreateMonthlyUsage(ctx, &row)
	})
	return nil
}

// IncrementMonthlyUsage implements quotagate.UsageStore. The primary result
// is returned; the same deduction is replayed on the replica asynchronously.
func (s *Store) IncrementMonthlyUsage(ctx context.Context, req *quotagate.IncrementRequest) (*quotagate.MonthlyUsage, error) {
	usage, err := s.primary.IncrementMonthlyUsage(ctx, req)
	if err != nil {
		return nil, err
	}

	mirrored := *req
	s.enqueue(func(ctx context.Context) error {
		_, err := s.replica.IncrementMonthlyUsage(ctx, &mirrored)
		return err
	})
	return usage, nil
}

var _ quotagate.UsageStore = (*Store)(nil)
