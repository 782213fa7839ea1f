package e2ee

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskQueueRunsInSubmissionOrder(t *testing.T) {
	queue := NewTaskQueue(discardLogger())
	defer queue.Close()

	var mu sync.Mutex
	var ran []string
	done := make(chan struct{})

	record := func(name string) func(context.Context) {
		return func(context.Context) {
			mu.Lock()
			ran = append(ran, name)
			mu.Unlock()
		}
	}

	// Hold the worker so all three land in the queue before anything runs.
	started := make(chan struct{})
	release := make(chan struct{})
	queue.Submit("gate", func(context.Context) {
		close(started)
		<-release
	})
	<-started

	queue.Submit("a", record("a"))
	queue.Submit("b", record("b"))
	queue.Submit("c", record("c"))
	queue.Submit("flush", func(context.Context) { close(done) })
	close(release)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("queue never drained")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b", "c"}, ran)
}

func TestTaskQueueReplacesPendingKey(t *testing.T) {
	queue := NewTaskQueue(discardLogger())
	defer queue.Close()

	started := make(chan struct{})
	release := make(chan struct{})
	queue.Submit("gate", func(context.Context) {
		close(started)
		<-release
	})
	<-started

	var mu sync.Mutex
	var ran []string
	done := make(chan struct{})
	queue.Submit("x", func(context.Context) {
		mu.Lock()
		ran = append(ran, "stale")
		mu.Unlock()
	})
	queue.Submit("x", func(context.Context) {
		mu.Lock()
		ran = append(ran, "latest")
		mu.Unlock()
	})
	queue.Submit("flush", func(context.Context) { close(done) })
	close(release)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("queue never drained")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"latest"}, ran, "a resubmitted key must run only its latest task")
}

func TestTaskQueueCloseStopsWorker(t *testing.T) {
	queue := NewTaskQueue(discardLogger())

	done := make(chan struct{})
	queue.Submit("one", func(context.Context) { close(done) })
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("task never ran")
	}

	queue.Close()
}
