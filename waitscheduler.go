// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

package vma

import (
	"fmt"
	"sync"
	"time"

	"github.com/gogpu/vma/driver"
)

// waitBatchTimeout bounds each vkWaitForFences call the scheduler issues,
// per spec.md §4.5: a short timeout keeps the background goroutine
// responsive to newly queued waiters instead of blocking indefinitely on
// one batch.
const waitBatchTimeout = 5 * time.Millisecond

// waitRequest is one caller's pending wait, queued to the scheduler's
// background goroutine.
type waitRequest struct {
	fence driver.Fence
	done  chan error
}

// WaitScheduler batches many callers' WaitForFence calls onto a single
// background goroutine and a single vkWaitForFences call per batch, per
// spec.md §4.5. This amortizes the fixed cost of a wait call across
// concurrent waiters instead of dedicating one OS thread per caller.
type WaitScheduler struct {
	dev driver.Device

	mu      sync.Mutex
	pending []*waitRequest
	closed  bool
	fatal   error

	wake chan struct{}
	done chan struct{}
}

// NewWaitScheduler starts the background batching goroutine against dev.
func NewWaitScheduler(dev driver.Device) *WaitScheduler {
	s := &WaitScheduler{
		dev:  dev,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go s.run()
	return s
}

// Wait blocks until fence signals, the scheduler hits a fatal driver
// error, or the scheduler is closed, per spec.md §4.5's caller contract.
func (s *WaitScheduler) Wait(fence driver.Fence) error {
	// Fast path: the fence may already be signalled, in which case there's
	// no reason to hand it to the background batcher at all.
	switch status := s.dev.GetFenceStatus(fence); status {
	case driver.Success:
		return nil
	case driver.NotReady:
		// fall through to the queued path below.
	default:
		return fmt.Errorf("%w: vkGetFenceStatus returned %d", ErrDriverError, status)
	}

	s.mu.Lock()
	if s.closed {
		err := s.fatal
		s.mu.Unlock()
		if err == nil {
			err = ErrSchedulerClosed
		} else if err != ErrSchedulerClosed {
			err = fmt.Errorf("%w: %w", ErrSchedulerClosed, err)
		}
		return err
	}

	req := &waitRequest{fence: fence, done: make(chan error, 1)}
	s.pending = append(s.pending, req)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}

	return <-req.done
}

// Close marks the scheduler closed, so later Wait calls fail with
// ErrSchedulerClosed, and blocks until the background goroutine exits.
// Requests already pending are not failed: the goroutine observes the
// close flag, keeps waiting on their fences until none remain, then exits.
func (s *WaitScheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.fatal == nil {
		s.fatal = ErrSchedulerClosed
	}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	<-s.done
}

// run is the scheduler's single background goroutine: it drains whatever
// requests are pending, issues one batched vkWaitForFences(waitAll=false)
// call bounded by waitBatchTimeout, and on success re-queries each
// request's individual fence status to decide which to resolve, per
// spec.md §4.5's batching algorithm.
func (s *WaitScheduler) run() {
	defer close(s.done)

	for {
		batch, closed := s.drain()
		if len(batch) == 0 {
			if closed {
				return
			}
			<-s.wake
			continue
		}

		fences := make([]driver.Fence, len(batch))
		for i, r := range batch {
			fences[i] = r.fence
		}

		result := s.dev.WaitForFences(fences, false, uint64(waitBatchTimeout.Nanoseconds()))

		switch result {
		case driver.Success:
			s.resolveReady(batch)
		case driver.Timeout, driver.NotReady:
			s.requeue(batch)
		default:
			err := fmt.Errorf("%w: vkWaitForFences returned %d", ErrDriverError, result)
			s.failAll(batch, err)
			s.setFatal(err)
			return
		}

		if closed && s.remaining() == 0 {
			return
		}
	}
}

// drain removes and returns every currently queued request, reporting
// whether the scheduler has been closed.
func (s *WaitScheduler) drain() ([]*waitRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch := s.pending
	s.pending = nil
	return batch, s.closed
}

// requeue puts a batch that timed out back at the front of the queue so
// it is retried on the next iteration ahead of newer arrivals.
func (s *WaitScheduler) requeue(batch []*waitRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(batch, s.pending...)
}

// resolveReady re-checks each request's individual fence status after a
// successful batched wait (a success only guarantees at least one fence
// in the batch signaled, not all of them) and resolves the ones that have,
// requeuing the rest.
func (s *WaitScheduler) resolveReady(batch []*waitRequest) {
	var notReady []*waitRequest
	for _, r := range batch {
		status := s.dev.GetFenceStatus(r.fence)
		switch status {
		case driver.Success:
			r.done <- nil
		case driver.NotReady:
			notReady = append(notReady, r)
		default:
			r.done <- fmt.Errorf("%w: vkGetFenceStatus returned %d", ErrDriverError, status)
		}
	}
	if len(notReady) > 0 {
		s.requeue(notReady)
	}
}

func (s *WaitScheduler) failAll(batch []*waitRequest, err error) {
	for _, r := range batch {
		r.done <- err
	}
}

func (s *WaitScheduler) setFatal(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.fatal = err
	for _, r := range s.pending {
		r.done <- err
	}
	s.pending = nil
}

func (s *WaitScheduler) remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
