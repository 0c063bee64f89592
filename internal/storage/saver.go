package storage

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/opencampus/registrar/internal/account"
	"github.com/opencampus/registrar/pkg/logger"
)

const (
	defaultQueueSize = 256
	persistTimeout   = 10 * time.Second
)

type saveTask struct {
	id  uint64
	rec *account.Record // nil means delete
}

// Saver applies record writes on a single background goroutine so state
// transitions never block on storage. Persistence is best effort: failures
// are logged, never surfaced to the transition that queued them, and a
// crash can lose writes still sitting in the queue.
type Saver struct {
	store  RecordStore
	tasks  chan saveTask
	quit   chan struct{}
	done   chan struct{}
	closed atomic.Bool
	log    *zap.Logger

	// errs collects persistence failures for the final Close report.
	// Written only by the worker goroutine before done is closed.
	errs error
}

// NewSaver starts the background worker over the given store.
func NewSaver(store RecordStore, queueSize int) *Saver {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	s := &Saver{
		store: store,
		tasks: make(chan saveTask, queueSize),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
		log:   logger.WithModule("storage.saver"),
	}
	go s.run()
	return s
}

// Save queues a record write. Never blocks; when the queue is full the write
// is dropped and logged.
func (s *Saver) Save(rec account.Record) {
	s.enqueue(saveTask{id: rec.ID, rec: &rec})
}

// Delete queues a record removal.
func (s *Saver) Delete(id uint64) {
	s.enqueue(saveTask{id: id})
}

func (s *Saver) enqueue(task saveTask) {
	if s.closed.Load() {
		s.log.Warn("dropping write after close", zap.Uint64("account_id", task.id))
		return
	}
	select {
	case s.tasks <- task:
	default:
		s.log.Warn("dropping write, queue full", zap.Uint64("account_id", task.id))
	}
}

func (s *Saver) run() {
	defer close(s.done)
	for {
		select {
		case task := <-s.tasks:
			s.errs = multierr.Append(s.errs, s.apply(task))
		case <-s.quit:
			for {
				select {
				case task := <-s.tasks:
					s.errs = multierr.Append(s.errs, s.apply(task))
				default:
					return
				}
			}
		}
	}
}

func (s *Saver) apply(task saveTask) error {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	var err error
	if task.rec != nil {
		err = s.store.Save(ctx, *task.rec)
	} else {
		err = s.store.Delete(ctx, task.id)
	}
	if err != nil {
		s.log.Warn("persist failed", zap.Uint64("account_id", task.id), zap.Error(err))
	}
	return err
}

// Close drains the queue, stops the worker and reports every persistence
// failure seen since the saver started. Safe to call more than once.
func (s *Saver) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		close(s.quit)
	}
	<-s.done
	return s.errs
}
