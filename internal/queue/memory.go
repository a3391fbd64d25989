package queue

import (
	"context"
	"errors"

	"github.com/RealZimboGuy/stepflow/pkg/stepflow/models"
)

var ErrQueueFull = errors.New("step queue is full")

// MemoryQueue is a buffered channel shared by the workers of a single process.
// Messages are lost on restart; the repair service enqueues their jobs again.
type MemoryQueue struct {
	messages chan models.StepJobMessage
}

func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 100
	}
	return &MemoryQueue{messages: make(chan models.StepJobMessage, size)}
}

// Enqueue never blocks, a full buffer is reported as ErrQueueFull.
func (q *MemoryQueue) Enqueue(ctx context.Context, msg models.StepJobMessage) error {
	select {
	case q.messages <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrQueueFull
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (*models.StepJobMessage, error) {
	select {
	case msg := <-q.messages:
		return &msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *MemoryQueue) Len() int {
	return len(q.messages)
}
