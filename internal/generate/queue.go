package generate

import (
	"errors"
	"sync"

	"github.com/freeeve/chessgraph/traingen/internal/archive"
)

// ErrQueueEmpty means a worker found no file to take. Files are always
// requeued after processing, so this is a configuration error, not a wait.
var ErrQueueEmpty = errors.New("work queue empty while work remains")

// WorkQueue is a rotating FIFO of archive files shared by all workers.
type WorkQueue struct {
	mu    sync.Mutex
	files []archive.File
}

// NewWorkQueue creates a queue holding files in order.
func NewWorkQueue(files []archive.File) *WorkQueue {
	q := &WorkQueue{files: make([]archive.File, 0, len(files))}
	q.files = append(q.files, files...)
	return q
}

// Dequeue removes the file at the head. It never blocks.
func (q *WorkQueue) Dequeue() (archive.File, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.files) == 0 {
		return archive.File{}, ErrQueueEmpty
	}
	f := q.files[0]
	q.files = q.files[1:]
	return f, nil
}

// Enqueue appends f at the tail.
func (q *WorkQueue) Enqueue(f archive.File) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.files = append(q.files, f)
}

// Len returns the number of queued files.
func (q *WorkQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.files)
}
