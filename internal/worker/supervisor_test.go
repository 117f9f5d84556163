//go:build unix

package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/michaelbrown/coderun/internal/sandbox"
)

const workerEnv = "CODERUN_TEST_WORKER"

// TestMain lets the test binary double as a worker process.
func TestMain(m *testing.M) {
	if os.Getenv(workerEnv) == "1" {
		policy := sandbox.DefaultPolicy()
		policy.KillGrace = 50 * time.Millisecond
		sb := sandbox.NewProcessSandbox(policy, nil)
		if err := Serve(context.Background(), os.Stdin, os.Stdout, sb, nil); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func testSupervisor(t *testing.T, size int) *Supervisor {
	t.Helper()
	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("os.Executable: %v", err)
	}
	s, err := New(Options{
		Size:           size,
		Command:        []string{exe},
		Env:            []string{workerEnv + "=1"},
		KillGrace:      50 * time.Millisecond,
		RestartBackoff: 10 * time.Millisecond,
		StartTimeout:   10 * time.Second,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sh(script string) sandbox.Spec {
	return sandbox.Spec{
		Argv:           []string{"sh", "-c", script},
		Timeout:        5 * time.Second,
		MaxOutputBytes: 4096,
	}
}

func acquire(t *testing.T, s *Supervisor) *Worker {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	w, err := s.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	return w
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSupervisorRunsJobs(t *testing.T) {
	s := testSupervisor(t, 2)

	if st := s.Stats(); st.Live != 2 || st.Idle != 2 {
		t.Fatalf("stats after start = %+v", st)
	}

	w := acquire(t, s)
	res := w.Run(context.Background(), "job-1", sh("echo hello"))
	s.Release(w)

	if res.Status != sandbox.Exited(0) || res.Stdout != "hello\n" {
		t.Errorf("result = %+v", res)
	}
	if st := s.Stats(); st.Served != 1 || st.Idle != 2 {
		t.Errorf("stats after job = %+v", st)
	}
}

func TestSupervisorReplacesCrashedWorker(t *testing.T) {
	s := testSupervisor(t, 1)

	w := acquire(t, s)
	results := make(chan sandbox.Result, 1)
	go func() { results <- w.Run(context.Background(), "doomed", sh("sleep 2")) }()

	time.Sleep(100 * time.Millisecond)
	if err := syscall.Kill(w.PID(), syscall.SIGKILL); err != nil {
		t.Fatalf("kill worker: %v", err)
	}

	res := <-results
	if res.Status.Kind != sandbox.StatusSpawnError || res.Message != ErrWorkerLost.Error() {
		t.Fatalf("result = %+v, want worker loss", res)
	}
	s.Release(w)

	next := acquire(t, s)
	defer s.Release(next)
	if next.ID == w.ID || !next.Alive() {
		t.Fatalf("got worker %d (alive=%v), want a live replacement", next.ID, next.Alive())
	}
	if res := next.Run(context.Background(), "after", sh("echo ok")); res.Stdout != "ok\n" {
		t.Errorf("replacement result = %+v", res)
	}
	if st := s.Stats(); st.Restarts != 1 || st.Live != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestSupervisorDropsUnresponsiveWorker(t *testing.T) {
	s := testSupervisor(t, 1)

	w := acquire(t, s)
	if err := syscall.Kill(w.PID(), syscall.SIGSTOP); err != nil {
		t.Fatalf("stop worker: %v", err)
	}

	spec := sh("echo never")
	spec.Timeout = 100 * time.Millisecond
	res := w.Run(context.Background(), "stuck", spec)
	if res.Status.Kind != sandbox.StatusSpawnError || res.Message != ErrWorkerLost.Error() {
		t.Fatalf("result = %+v, want worker loss", res)
	}
	if w.Alive() {
		t.Fatal("worker killed for not replying still reports alive")
	}
	s.Release(w)

	for i := range 3 {
		next := acquire(t, s)
		if next == w || !next.Alive() {
			t.Fatalf("acquire %d got worker %d (alive=%v), want a live replacement", i, next.ID, next.Alive())
		}
		res := next.Run(context.Background(), fmt.Sprintf("after-%d", i), sh("echo ok"))
		s.Release(next)
		if res.Status != sandbox.Exited(0) || res.Stdout != "ok\n" {
			t.Fatalf("replacement result = %+v", res)
		}
	}
	if st := s.Stats(); st.Restarts != 1 || st.Live != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestSupervisorIdleWorkerCrash(t *testing.T) {
	s := testSupervisor(t, 1)

	w := acquire(t, s)
	pid := w.PID()
	s.Release(w)

	syscall.Kill(pid, syscall.SIGKILL)
	waitFor(t, "restart", func() bool { return s.Stats().Restarts == 1 && s.Stats().Idle == 1 })

	next := acquire(t, s)
	defer s.Release(next)
	if next.PID() == pid {
		t.Error("dead worker was handed out")
	}
}

func TestSupervisorAcquireTimeout(t *testing.T) {
	s := testSupervisor(t, 1)

	w := acquire(t, s)
	defer s.Release(w)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := s.Acquire(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Acquire err = %v, want deadline exceeded", err)
	}
	if st := s.Stats(); st.Waiting != 0 {
		t.Errorf("abandoned waiter still queued: %+v", st)
	}
}

func TestSupervisorFIFO(t *testing.T) {
	s := testSupervisor(t, 1)

	held := acquire(t, s)
	order := make(chan int, 3)
	var wg sync.WaitGroup
	for i := range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w, err := s.Acquire(context.Background())
			if err != nil {
				t.Errorf("waiter %d: %v", i, err)
				return
			}
			order <- i
			s.Release(w)
		}()
		waitFor(t, "waiter to queue", func() bool { return s.Stats().Waiting == i+1 })
	}

	s.Release(held)
	wg.Wait()
	close(order)

	want := 0
	for got := range order {
		if got != want {
			t.Fatalf("waiter %d served out of order (expected %d)", got, want)
		}
		want++
	}
}

func TestSupervisorBoundsConcurrency(t *testing.T) {
	const size = 2
	s := testSupervisor(t, size)

	var active, peak atomic.Int32
	var wg sync.WaitGroup
	for i := range 6 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w, err := s.Acquire(context.Background())
			if err != nil {
				t.Errorf("job %d: %v", i, err)
				return
			}
			n := active.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			w.Run(context.Background(), fmt.Sprintf("job-%d", i), sh("sleep 0.1"))
			active.Add(-1)
			s.Release(w)
		}()
	}
	wg.Wait()

	if p := peak.Load(); p > size {
		t.Errorf("peak concurrency = %d, want <= %d", p, size)
	}
	if st := s.Stats(); st.Served != 6 {
		t.Errorf("served = %d, want 6", st.Served)
	}
}

func TestWorkerRunCancelled(t *testing.T) {
	s := testSupervisor(t, 1)

	w := acquire(t, s)
	defer s.Release(w)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	res := w.Run(ctx, "cancel-me", sh("sleep 5"))
	if res.Status.Kind != sandbox.StatusSignal || res.Message != "cancelled" {
		t.Fatalf("result = %+v, want cancelled", res)
	}
	if !w.Alive() {
		t.Fatal("cancellation should not kill the worker")
	}
	if res := w.Run(context.Background(), "next", sh("echo still here")); res.Stdout != "still here\n" {
		t.Errorf("follow-up result = %+v", res)
	}
}

func TestSupervisorClose(t *testing.T) {
	s := testSupervisor(t, 1)

	held := acquire(t, s)
	errs := make(chan error, 1)
	go func() {
		_, err := s.Acquire(context.Background())
		errs <- err
	}()
	waitFor(t, "waiter to queue", func() bool { return s.Stats().Waiting == 1 })

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := <-errs; !errors.Is(err, ErrClosed) {
		t.Errorf("pending Acquire err = %v, want ErrClosed", err)
	}
	if _, err := s.Acquire(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Acquire after Close err = %v, want ErrClosed", err)
	}
	if held.Alive() {
		t.Error("workers should be stopped by Close")
	}
	if st := s.Stats(); st.Restarts != 0 {
		t.Errorf("Close must not trigger restarts: %+v", st)
	}
}
