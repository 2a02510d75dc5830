package worker

import (
	"context"
	"errors"
	"sync"

	"github.com/nimasrn/chat-relay/pkg/logger"
)

var ErrStopped = errors.New("worker manager stopped")

type WorkerHandler = func(workerIndex int, job interface{})

type WorkerManager struct {
	bufferSize     int
	jobChannel     chan interface{}
	numberOfWorker int
	do             WorkerHandler
	waiter         *sync.WaitGroup

	mu      sync.RWMutex
	stopped bool
}

// NewWorkerManager
// is a job manager based on go routines. Define the number of internal
// workers, and start publishing jobs using WorkerManager Enqueue() API. It will distribute the job
// among its internal pool. Stop() closes the intake; workers drain what is
// already buffered and then exit.
func NewWorkerManager(bufferSize, numberOfWorkers int) *WorkerManager {
	if numberOfWorkers < 1 {
		numberOfWorkers = 1
	}
	return &WorkerManager{
		bufferSize:     bufferSize,
		numberOfWorker: numberOfWorkers,
		jobChannel:     make(chan interface{}, bufferSize),
		waiter:         &sync.WaitGroup{},
	}
}

func (w *WorkerManager) GetUnreadCount() int64 {
	return int64(len(w.jobChannel))
}

func (w *WorkerManager) SetWorker(worker WorkerHandler) {
	w.do = worker
}

// Enqueue
// Publishes a job onto the channel. It blocks while the buffer is full and
// gives up when ctx is done or the manager is stopped.
func (w *WorkerManager) Enqueue(ctx context.Context, val interface{}) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.stopped {
		return ErrStopped
	}
	select {
	case w.jobChannel <- val:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start
// starts off the workers as many as defined
// by w.numberOfWorker
func (w *WorkerManager) Start() {
	w.waiter.Add(w.numberOfWorker)
	for i := 0; i < w.numberOfWorker; i++ {
		go func(index int) {
			defer w.waiter.Done()
			for job := range w.jobChannel {
				w.run(index, job)
			}
		}(i)
	}
}

func (w *WorkerManager) run(index int, job interface{}) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("[worker] job panicked", "worker", index, "error", r)
		}
	}()
	w.do(index, job)
}

// Stop
// closes the intake. Jobs already buffered are still processed.
func (w *WorkerManager) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.stopped = true
	close(w.jobChannel)
	logger.Info("[worker] intake closed", "pending", len(w.jobChannel))
}

// Wait blocks until every worker has exited or ctx is done.
func (w *WorkerManager) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		w.waiter.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
