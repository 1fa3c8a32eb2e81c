package queue_test

import (
	"os"
	"testing"

	"github.com/ax-host/ax/internal/ax/queue"
	"github.com/ax-host/ax/internal/ax/store"
)

func newTestQueue(t *testing.T) *queue.Queue {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "ax-queue-*.db")
	if err != nil {
		t.Fatalf("create temp db: %v", err)
	}
	f.Close()
	s, err := store.New(f.Name(), nil)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return queue.New(s.DB())
}

func TestEnqueueDequeueByID_ExactlyOnce(t *testing.T) {
	q := newTestQueue(t)
	id, err := q.Enqueue("sess1", "http", "user1", "hello")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	msg, err := q.DequeueByID(id)
	if err != nil {
		t.Fatalf("DequeueByID: %v", err)
	}
	if msg.ID != id || msg.Status != queue.Processing {
		t.Fatalf("unexpected message: %+v", msg)
	}

	if _, err := q.DequeueByID(id); err != queue.ErrNotFound {
		t.Fatalf("second DequeueByID(%s) = %v, want ErrNotFound", id, err)
	}
}

func TestComplete_IsTerminal(t *testing.T) {
	q := newTestQueue(t)
	id, _ := q.Enqueue("sess1", "http", "user1", "hello")
	if _, err := q.DequeueByID(id); err != nil {
		t.Fatalf("DequeueByID: %v", err)
	}
	if err := q.Complete(id); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if err := q.Fail(id); err != nil {
		t.Fatalf("Fail after Complete should still update the row: %v", err)
	}
}

func TestDequeue_NeverReturnsNonPending(t *testing.T) {
	q := newTestQueue(t)
	id, _ := q.Enqueue("sess1", "http", "user1", "hello")
	if _, err := q.DequeueByID(id); err != nil {
		t.Fatalf("DequeueByID: %v", err)
	}

	msg, err := q.Dequeue()
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if msg != nil {
		t.Fatalf("Dequeue returned a processing message: %+v", msg)
	}
}

func TestDequeue_FIFOOrder(t *testing.T) {
	q := newTestQueue(t)
	first, _ := q.Enqueue("sess1", "http", "user1", "first")
	q.Enqueue("sess1", "http", "user1", "second")

	msg, err := q.Dequeue()
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if msg.ID != first {
		t.Fatalf("Dequeue returned %q, want first-enqueued %q", msg.ID, first)
	}
}
