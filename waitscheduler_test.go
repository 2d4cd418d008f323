// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

package vma

import (
	"errors"
	"testing"
	"time"

	"github.com/gogpu/vma/driver"
)

func TestWaitSchedulerResolvesSignaledFence(t *testing.T) {
	dev := newFakeDevice(simpleMemoryProperties())
	s := NewWaitScheduler(dev)
	defer s.Close()

	dev.signal(driver.Fence(1))

	if err := s.Wait(driver.Fence(1)); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestWaitSchedulerTimesOutUntilSignaled(t *testing.T) {
	dev := newFakeDevice(simpleMemoryProperties())
	s := NewWaitScheduler(dev)
	defer s.Close()

	done := make(chan error, 1)
	go func() { done <- s.Wait(driver.Fence(42)) }()

	// Give the scheduler a couple of batch timeouts to observe the
	// not-yet-signaled fence and requeue it.
	time.Sleep(3 * waitBatchTimeout)
	dev.signal(driver.Fence(42))

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Wait: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait did not resolve after the fence was signaled")
	}
}

func TestWaitSchedulerBatchesConcurrentWaiters(t *testing.T) {
	dev := newFakeDevice(simpleMemoryProperties())
	s := NewWaitScheduler(dev)
	defer s.Close()

	dev.signal(driver.Fence(1))
	dev.signal(driver.Fence(2))

	results := make(chan error, 2)
	go func() { results <- s.Wait(driver.Fence(1)) }()
	go func() { results <- s.Wait(driver.Fence(2)) }()

	for i := 0; i < 2; i++ {
		select {
		case err := <-results:
			if err != nil {
				t.Fatalf("Wait: %v", err)
			}
		case <-time.After(time.Second):
			t.Fatal("waiter did not resolve")
		}
	}
}

func TestWaitSchedulerCloseRejectsNewWaits(t *testing.T) {
	dev := newFakeDevice(simpleMemoryProperties())
	s := NewWaitScheduler(dev)
	s.Close()

	if err := s.Wait(driver.Fence(1)); !errors.Is(err, ErrSchedulerClosed) {
		t.Errorf("Wait after Close: err = %v, want ErrSchedulerClosed", err)
	}
}

func TestWaitSchedulerClosePendingRequestsStillResolve(t *testing.T) {
	dev := newFakeDevice(simpleMemoryProperties())
	s := NewWaitScheduler(dev)

	done := make(chan error, 1)
	go func() { done <- s.Wait(driver.Fence(7)) }()

	// Let the waiter enqueue and the scheduler observe it as not yet
	// signaled (at least one batch timeout) before closing. Close only
	// gates *future* Wait calls; this already-pending one must still be
	// allowed to resolve naturally once the fence signals.
	time.Sleep(2 * waitBatchTimeout)

	closeDone := make(chan struct{})
	go func() {
		s.Close()
		close(closeDone)
	}()

	// Close blocks on s.done until every pending request drains, so it
	// must not return before the fence signals.
	select {
	case <-closeDone:
		t.Fatal("Close returned before the pending wait resolved")
	case <-time.After(20 * time.Millisecond):
	}

	dev.signal(driver.Fence(7))

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Wait: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("pending Wait should still resolve after Close is called")
	}

	<-closeDone
}
