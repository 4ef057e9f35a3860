// Package queue carries task ids from the webhook routers to the task worker.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var ErrClosed = errors.New("queue closed")

type Queue interface {
	Push(ctx context.Context, taskID string) error
	// Consume calls handler for every task id until ctx is done or the queue
	// is closed. It blocks; run it in a goroutine. A task whose handler
	// returns an error is put back on the queue.
	Consume(ctx context.Context, handler func(taskID string) error) error
	Len() int
	Close() error
}

// Memory is an in-process queue backed by a buffered channel.
type Memory struct {
	tasks     chan string
	done      chan struct{}
	closeOnce sync.Once
}

func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Memory{
		tasks: make(chan string, capacity),
		done:  make(chan struct{}),
	}
}

func (m *Memory) Push(ctx context.Context, taskID string) error {
	select {
	case <-m.done:
		return ErrClosed
	default:
	}

	select {
	case m.tasks <- taskID:
		return nil
	case <-m.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Memory) Consume(ctx context.Context, handler func(taskID string) error) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-m.done:
			return nil
		case taskID := <-m.tasks:
			if err := handler(taskID); err != nil {
				if err := m.requeue(taskID); err != nil {
					return err
				}
			}
		}
	}
}

// requeue puts a task back at the tail. It never blocks: a consumer that
// just took a task has left room unless producers filled it since.
func (m *Memory) requeue(taskID string) error {
	select {
	case m.tasks <- taskID:
		return nil
	default:
		return fmt.Errorf("queue full, could not requeue task %s", taskID)
	}
}

func (m *Memory) Len() int {
	return len(m.tasks)
}

func (m *Memory) Close() error {
	m.closeOnce.Do(func() { close(m.done) })
	return nil
}
