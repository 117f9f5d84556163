package worker

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/michaelbrown/coderun/internal/sandbox"
)

// blockingSandbox echoes the first argv element, or blocks until cancelled
// when asked to "block".
type blockingSandbox struct{}

func (blockingSandbox) Run(ctx context.Context, spec sandbox.Spec) sandbox.Result {
	if len(spec.Argv) > 0 && spec.Argv[0] == "block" {
		<-ctx.Done()
		return sandbox.Result{Status: sandbox.Signaled(9), Message: "cancelled"}
	}
	return sandbox.Result{Stdout: spec.Argv[0], Status: sandbox.Exited(0)}
}

type serveHarness struct {
	in   *io.PipeWriter
	enc  *json.Encoder
	dec  *json.Decoder
	done chan error
}

func startServe(t *testing.T) *serveHarness {
	t.Helper()
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	h := &serveHarness{
		in:   inW,
		enc:  json.NewEncoder(inW),
		dec:  json.NewDecoder(outR),
		done: make(chan error, 1),
	}
	go func() {
		h.done <- Serve(context.Background(), inR, outW, blockingSandbox{}, nil)
		outW.Close()
	}()
	t.Cleanup(func() { inW.Close() })

	if f := h.read(t); f.Kind != FrameReady {
		t.Fatalf("first frame = %+v, want ready", f)
	}
	return h
}

func (h *serveHarness) send(t *testing.T, f Frame) {
	t.Helper()
	if err := h.enc.Encode(f); err != nil {
		t.Fatalf("send: %v", err)
	}
}

func (h *serveHarness) read(t *testing.T) Frame {
	t.Helper()
	var f Frame
	if err := h.dec.Decode(&f); err != nil {
		t.Fatalf("read: %v", err)
	}
	return f
}

func TestServeRunsJobs(t *testing.T) {
	h := startServe(t)

	for _, id := range []string{"a", "b"} {
		h.send(t, Frame{Kind: FrameRun, JobID: id, Spec: &sandbox.Spec{Argv: []string{"out-" + id}}})
		f := h.read(t)
		if f.Kind != FrameResult || f.JobID != id || f.Result == nil || f.Result.Stdout != "out-"+id {
			t.Fatalf("result frame = %+v", f)
		}
	}
}

func TestServeCancel(t *testing.T) {
	h := startServe(t)

	h.send(t, Frame{Kind: FrameRun, JobID: "slow", Spec: &sandbox.Spec{Argv: []string{"block"}}})
	h.send(t, Frame{Kind: FrameCancel, JobID: "other"})
	h.send(t, Frame{Kind: FrameCancel, JobID: "slow"})

	f := h.read(t)
	if f.JobID != "slow" || f.Result.Message != "cancelled" {
		t.Fatalf("result frame = %+v", f)
	}
}

func TestServeRejectsMissingSpec(t *testing.T) {
	h := startServe(t)

	h.send(t, Frame{Kind: FrameRun, JobID: "empty"})
	f := h.read(t)
	if f.Result == nil || f.Result.Status.Kind != sandbox.StatusSpawnError {
		t.Fatalf("result frame = %+v", f)
	}
}

func TestServeEOFKillsRunningJob(t *testing.T) {
	h := startServe(t)

	h.send(t, Frame{Kind: FrameRun, JobID: "slow", Spec: &sandbox.Spec{Argv: []string{"block"}}})
	time.Sleep(50 * time.Millisecond)
	h.in.Close()

	select {
	case err := <-h.done:
		if err != nil {
			t.Errorf("Serve returned %v, want nil on EOF", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after stdin closed")
	}
}
