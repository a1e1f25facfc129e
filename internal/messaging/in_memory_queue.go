package messaging

import (
	"context"
	"encoding/json"
	"sync"
)

type inMemoryTask struct {
	queue   string
	payload []byte
	settle  func()
	once    sync.Once
}

func (t *inMemoryTask) Type() string {
	return t.queue
}

func (t *inMemoryTask) Payload() []byte {
	return t.payload
}

func (t *inMemoryTask) Ack() error {
	t.once.Do(t.settle)
	return nil
}

func (t *inMemoryTask) Nack() error {
	t.once.Do(t.settle)
	return nil
}

func (t *inMemoryTask) Reject() error {
	t.once.Do(t.settle)
	return nil
}

// InMemoryQueue is a broker stand-in for local mode and tests. It is both
// a Publisher and a Receiver; all category queues feed one task stream.
// There is no redelivery.
type InMemoryQueue struct {
	tasks chan Task

	lock   sync.Mutex
	depths map[string]int
	closed bool
}

var _ Publisher = (*InMemoryQueue)(nil)
var _ Receiver = (*InMemoryQueue)(nil)
var _ QueueInspector = (*InMemoryQueue)(nil)

func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{
		tasks:  make(chan Task, 100),
		depths: make(map[string]int),
	}
}

func (q *InMemoryQueue) PublishDetectionTask(ctx context.Context, payload DetectionTaskPayload) error {
	queue, err := QueueForCategory(payload.Category)
	if err != nil {
		return err
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	q.lock.Lock()
	q.depths[queue]++
	q.lock.Unlock()

	q.tasks <- &inMemoryTask{
		queue:   queue,
		payload: data,
		settle: func() {
			q.lock.Lock()
			defer q.lock.Unlock()
			q.depths[queue]--
		},
	}

	return nil
}

// PublishRaw enqueues an arbitrary payload on the named queue, bypassing
// the payload encoding. Lets tests exercise malformed message handling.
func (q *InMemoryQueue) PublishRaw(queue string, payload []byte) {
	q.lock.Lock()
	q.depths[queue]++
	q.lock.Unlock()

	q.tasks <- &inMemoryTask{
		queue:   queue,
		payload: payload,
		settle: func() {
			q.lock.Lock()
			defer q.lock.Unlock()
			q.depths[queue]--
		},
	}
}

func (q *InMemoryQueue) QueueStats(ctx context.Context, queue string) (QueueStats, error) {
	q.lock.Lock()
	defer q.lock.Unlock()
	return QueueStats{Depth: q.depths[queue], Consumers: 1}, nil
}

func (q *InMemoryQueue) Tasks() <-chan Task {
	return q.tasks
}

func (q *InMemoryQueue) Close() {
	q.lock.Lock()
	defer q.lock.Unlock()
	if !q.closed {
		q.closed = true
		close(q.tasks)
	}
}
