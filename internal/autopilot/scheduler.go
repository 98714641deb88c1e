// Package autopilot schedules queued jobs onto connected headless
// workers. Dispatch is strictly FIFO: tasks queue in arrival order and go
// to whichever worker frees up first; a worker that disconnects mid-task
// puts its task back at the head of the queue.
package autopilot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Sender delivers a JSON message to a worker's live connection. The
// WebSocket layer implements it.
type Sender interface {
	SendJSON(v any) error
}

// Instance is one connected worker. It carries at most one task at a time.
type Instance struct {
	tokenID string
	name    string
	conn    Sender

	taskID int
	busy   bool
}

func (i *Instance) String() string {
	return fmt.Sprintf("Autopilot %s (Token ID: %s)", i.name, i.tokenID)
}

// Busy reports whether the instance is working a task.
func (i *Instance) Busy() bool { return i.busy }

// TaskID returns the current task, valid only while busy.
func (i *Instance) TaskID() int { return i.taskID }

func (i *Instance) setTask(id int) error {
	if i.busy {
		return fmt.Errorf("%s is busy", i)
	}
	i.taskID = id
	i.busy = true
	return nil
}

func (i *Instance) clearTask() (int, error) {
	if !i.busy {
		return 0, fmt.Errorf("%s is not busy", i)
	}
	last := i.taskID
	i.taskID = 0
	i.busy = false
	return last, nil
}

// ErrDuplicateTask is returned when a task ID is already queued.
var ErrDuplicateTask = errors.New("Task is already queued")

// Scheduler owns the FIFO task queue and the set of connected workers.
// One mutex guards both; the condition variable hands workers to the
// dispatch loop as they free up.
type Scheduler struct {
	logger *slog.Logger

	mu        sync.Mutex
	cond      *sync.Cond
	queue     []int
	instances map[string]*Instance // token ID -> instance

	dispatched prometheus.Counter // optional
}

// NewScheduler creates an empty scheduler.
func NewScheduler(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		logger:    logger,
		instances: make(map[string]*Instance),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// WithDispatchCounter attaches a Prometheus counter incremented per
// successfully dispatched task.
func (s *Scheduler) WithDispatchCounter(c prometheus.Counter) *Scheduler {
	s.dispatched = c
	return s
}

// QueueTask appends a task to the queue and wakes the dispatch loop.
func (s *Scheduler) QueueTask(id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, queued := range s.queue {
		if queued == id {
			return ErrDuplicateTask
		}
	}
	s.queue = append(s.queue, id)
	s.cond.Broadcast()
	s.logger.Info("task queued", slog.Int("task_id", id))
	return nil
}

// NextTask pops the queue head.
func (s *Scheduler) NextTask() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return 0, false
	}
	id := s.queue[0]
	s.queue = s.queue[1:]
	return id, true
}

// FreeInstance returns any idle worker, or nil.
func (s *Scheduler) FreeInstance() *Instance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.freeLocked()
}

func (s *Scheduler) freeLocked() *Instance {
	for _, inst := range s.instances {
		if !inst.busy {
			return inst
		}
	}
	return nil
}

// WaitForInstance blocks until an idle worker exists or ctx is cancelled.
func (s *Scheduler) WaitForInstance(ctx context.Context) (*Instance, error) {
	stop := context.AfterFunc(ctx, s.cond.Broadcast)
	defer stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if inst := s.freeLocked(); inst != nil {
			return inst, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.cond.Wait()
	}
}

// Connect registers a worker connection and wakes the dispatch loop.
func (s *Scheduler) Connect(tokenID, name string, conn Sender) *Instance {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst := &Instance{tokenID: tokenID, name: name, conn: conn}
	s.instances[tokenID] = inst
	s.cond.Broadcast()
	s.logger.Info("autopilot connected", slog.String("name", name), slog.String("token_id", tokenID))
	return inst
}

// Disconnect drops a worker. An in-flight task goes back to the head of
// the queue so it dispatches before anything that arrived later.
func (s *Scheduler) Disconnect(tokenID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[tokenID]
	if !ok {
		return
	}
	delete(s.instances, tokenID)

	if inst.busy {
		id, _ := inst.clearTask()
		s.queue = append([]int{id}, s.queue...)
		s.cond.Broadcast()
		s.logger.Warn("autopilot disconnected mid-task",
			slog.String("name", inst.name), slog.Int("task_id", id))
		return
	}
	s.logger.Info("autopilot disconnected", slog.String("name", inst.name))
}

// TaskDone acknowledges completion of the worker's current task and frees
// it for the next dispatch.
func (s *Scheduler) TaskDone(tokenID string, taskID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[tokenID]
	if !ok {
		return fmt.Errorf("no autopilot registered for token %s", tokenID)
	}
	if !inst.busy || inst.taskID != taskID {
		return fmt.Errorf("%s is not working task %d", inst, taskID)
	}
	if _, err := inst.clearTask(); err != nil {
		return err
	}
	s.cond.Broadcast()
	s.logger.Info("task done", slog.String("name", inst.name), slog.Int("task_id", taskID))
	return nil
}

// QueueLen returns the number of tasks waiting for dispatch.
func (s *Scheduler) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Run is the dispatch loop: pair the queue head with a free worker, mark
// the worker busy, and push the job over its connection. The send happens
// outside the lock; a failed send re-queues the task at the head.
func (s *Scheduler) Run(ctx context.Context) {
	stop := context.AfterFunc(ctx, s.cond.Broadcast)
	defer stop()

	for {
		s.mu.Lock()
		var inst *Instance
		for ctx.Err() == nil {
			if inst = s.freeLocked(); inst != nil && len(s.queue) > 0 {
				break
			}
			inst = nil
			s.cond.Wait()
		}
		if ctx.Err() != nil {
			s.mu.Unlock()
			return
		}
		id := s.queue[0]
		s.queue = s.queue[1:]
		_ = inst.setTask(id)
		conn := inst.conn
		s.mu.Unlock()

		if err := conn.SendJSON(map[string]any{"type": "task", "task_id": id}); err != nil {
			s.logger.Error("task dispatch failed",
				slog.String("name", inst.name), slog.Int("task_id", id),
				slog.String("error", err.Error()))
			// The worker's connection is unusable. Drop it so the task
			// does not re-pair with the same instance; the read loop's
			// Disconnect is a no-op afterwards.
			s.mu.Lock()
			if s.instances[inst.tokenID] == inst {
				delete(s.instances, inst.tokenID)
			}
			if inst.busy && inst.taskID == id {
				_, _ = inst.clearTask()
				s.queue = append([]int{id}, s.queue...)
			}
			s.mu.Unlock()
			continue
		}
		if s.dispatched != nil {
			s.dispatched.Inc()
		}
		s.logger.Info("task dispatched",
			slog.String("name", inst.name), slog.Int("task_id", id))
	}
}
