package execution

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"

	"github.com/homegpucloud/backend/internal/storage"
)

// ---------------------------------------------------------------------------
// In-memory mocks for ControlPlane and storage.Store.
// These let us test the real monitor loop against the simulated runtime.
// ---------------------------------------------------------------------------

type mockControl struct {
	mu sync.Mutex

	state     JobState
	heartbeat func(minutes int) (bool, error)

	preparing   int
	running     int
	containerID string
	completed   []int
	failed      []string
	failedExit  []*int
	killed      []int
	heartbeats  []int
}

func newMockControl() *mockControl {
	return &mockControl{state: JobState{Status: "PENDING"}}
}

func (m *mockControl) setState(s JobState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s
}

func (m *mockControl) JobState(_ context.Context, _ uuid.UUID) (*JobState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.state
	return &s, nil
}

func (m *mockControl) MarkPreparing(_ context.Context, _ uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.preparing++
	return nil
}

func (m *mockControl) MarkRunning(_ context.Context, _ uuid.UUID, containerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running++
	m.containerID = containerID
	return nil
}

func (m *mockControl) MarkCompleted(_ context.Context, _ uuid.UUID, runtimeSeconds int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completed = append(m.completed, runtimeSeconds)
	return nil
}

func (m *mockControl) MarkFailed(_ context.Context, _ uuid.UUID, reason string, runtimeSeconds int, exitCode *int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed = append(m.failed, reason)
	m.failedExit = append(m.failedExit, exitCode)
	return nil
}

func (m *mockControl) MarkKilledNoCredits(_ context.Context, _ uuid.UUID, runtimeSeconds int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.killed = append(m.killed, runtimeSeconds)
	return nil
}

func (m *mockControl) Heartbeat(_ context.Context, _ uuid.UUID, minutes int) (bool, error) {
	m.mu.Lock()
	fn := m.heartbeat
	m.heartbeats = append(m.heartbeats, minutes)
	m.mu.Unlock()
	if fn != nil {
		return fn(minutes)
	}
	return true, nil
}

// ---

type mockFiles struct {
	mu   sync.Mutex
	logs map[uuid.UUID]string
}

func newMockFiles() *mockFiles {
	return &mockFiles{logs: make(map[uuid.UUID]string)}
}

func (m *mockFiles) MaterializeInput(_ context.Context, _ uuid.UUID, _ string, _ []byte, _ string, _ []byte) error {
	return nil
}

func (m *mockFiles) ReadLogs(_ context.Context, jobID uuid.UUID) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.logs[jobID], nil
}

func (m *mockFiles) WriteLogs(_ context.Context, jobID uuid.UUID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs[jobID] = text
	return nil
}

func (m *mockFiles) ListOutputs(_ context.Context, _ uuid.UUID) ([]storage.OutputFile, error) {
	return nil, nil
}

func (m *mockFiles) Remove(_ context.Context, _ uuid.UUID) error { return nil }
func (m *mockFiles) InputDir(jobID uuid.UUID) string             { return "/tmp/" + jobID.String() + "/input" }
func (m *mockFiles) OutputDir(jobID uuid.UUID) string            { return "/tmp/" + jobID.String() + "/output" }
func (m *mockFiles) LogsFile(jobID uuid.UUID) string {
	return "/tmp/" + jobID.String() + "/logs/container.log"
}

var _ storage.Store = (*mockFiles)(nil)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

func testWorker(runtime Runtime, control ControlPlane, files *mockFiles) *RunJobWorker {
	return NewRunJobWorker(runtime, control, files, WorkerConfig{
		PollInterval:    time.Millisecond,
		BillingInterval: 5 * time.Millisecond,
		StopGrace:       time.Millisecond,
	}, nil)
}

func riverJob(args RunJobArgs) *river.Job[RunJobArgs] {
	return &river.Job[RunJobArgs]{
		JobRow: &rivertype.JobRow{Attempt: 1, MaxAttempts: 3},
		Args:   args,
	}
}

func baseArgs() RunJobArgs {
	return RunJobArgs{
		JobID:          uuid.New(),
		UserID:         uuid.New(),
		ScriptName:     "train.py",
		Image:          "pytorch/pytorch:latest",
		MemoryLimit:    "2g",
		CPUCount:       2,
		TimeoutSeconds: 60,
	}
}

// ---------------------------------------------------------------------------
// 1. TestWork_CompletedJob
// ---------------------------------------------------------------------------

func TestWork_CompletedJob(t *testing.T) {
	sim := NewSimRuntime()
	sim.Script = func(spec LaunchSpec) SimResult {
		return SimResult{Duration: 5 * time.Millisecond, ExitCode: 0, Logs: "epoch 1 done\n"}
	}
	control := newMockControl()
	files := newMockFiles()
	w := testWorker(sim, control, files)

	args := baseArgs()
	if err := w.Work(context.Background(), riverJob(args)); err != nil {
		t.Fatalf("Work: %v", err)
	}

	if control.preparing != 1 || control.running != 1 {
		t.Errorf("lifecycle reports: preparing=%d running=%d, want 1/1", control.preparing, control.running)
	}
	if len(control.completed) != 1 {
		t.Fatalf("completed reports: got %d, want 1", len(control.completed))
	}
	if len(control.failed) != 0 || len(control.killed) != 0 {
		t.Errorf("unexpected failure reports: failed=%v killed=%v", control.failed, control.killed)
	}

	// Logs must be persisted before the terminal report lands.
	if got := files.logs[args.JobID]; got != "epoch 1 done\n" {
		t.Errorf("persisted logs: got %q", got)
	}

	// Cleanup runs exactly once.
	id := ContainerID(LaunchSpec{JobID: args.JobID})
	if n := sim.Cleanups(id); n != 1 {
		t.Errorf("cleanup calls: got %d, want 1", n)
	}
}

// ---------------------------------------------------------------------------
// 2. TestWork_UserCodeFailure
// ---------------------------------------------------------------------------

func TestWork_UserCodeFailure(t *testing.T) {
	sim := NewSimRuntime()
	sim.Script = func(spec LaunchSpec) SimResult {
		return SimResult{Duration: 2 * time.Millisecond, ExitCode: 2, Logs: "Traceback\n"}
	}
	control := newMockControl()
	w := testWorker(sim, control, newMockFiles())

	if err := w.Work(context.Background(), riverJob(baseArgs())); err != nil {
		t.Fatalf("Work: %v", err)
	}

	if len(control.failed) != 1 {
		t.Fatalf("failed reports: got %d, want 1", len(control.failed))
	}
	if control.failed[0] != "exit code: 2" {
		t.Errorf("failure reason: got %q, want %q", control.failed[0], "exit code: 2")
	}
	if control.failedExit[0] == nil || *control.failedExit[0] != 2 {
		t.Errorf("exit code not propagated: %v", control.failedExit[0])
	}
}

// ---------------------------------------------------------------------------
// 3. TestWork_OOMKilled
// ---------------------------------------------------------------------------

func TestWork_OOMKilled(t *testing.T) {
	sim := NewSimRuntime()
	sim.Script = func(spec LaunchSpec) SimResult {
		return SimResult{Duration: 2 * time.Millisecond, ExitCode: 137, OOMKilled: true}
	}
	control := newMockControl()
	w := testWorker(sim, control, newMockFiles())

	if err := w.Work(context.Background(), riverJob(baseArgs())); err != nil {
		t.Fatalf("Work: %v", err)
	}
	if len(control.failed) != 1 || !strings.Contains(control.failed[0], "out of memory") {
		t.Errorf("OOM should fail with an OOM reason, got %v", control.failed)
	}
}

// ---------------------------------------------------------------------------
// 4. TestWork_KillSwitch
// ---------------------------------------------------------------------------

func TestWork_KillSwitch(t *testing.T) {
	sim := NewSimRuntime()
	sim.Script = func(spec LaunchSpec) SimResult {
		return SimResult{Duration: time.Minute, ExitCode: 0} // would run forever
	}
	control := newMockControl()
	control.heartbeat = func(minutes int) (bool, error) { return false, nil }
	w := testWorker(sim, control, newMockFiles())

	args := baseArgs()
	if err := w.Work(context.Background(), riverJob(args)); err != nil {
		t.Fatalf("Work: %v", err)
	}

	if len(control.killed) != 1 {
		t.Fatalf("killed reports: got %d, want 1", len(control.killed))
	}
	if len(control.completed) != 0 || len(control.failed) != 0 {
		t.Errorf("kill switch must be the only terminal report: completed=%v failed=%v", control.completed, control.failed)
	}

	// Container is stopped once and cleaned up exactly once.
	id := ContainerID(LaunchSpec{JobID: args.JobID})
	if n := sim.Stops(id); n != 1 {
		t.Errorf("stop calls: got %d, want 1", n)
	}
	if n := sim.Cleanups(id); n != 1 {
		t.Errorf("cleanup calls: got %d, want 1", n)
	}
}

// ---------------------------------------------------------------------------
// 5. TestWork_HeartbeatFailureIsFailOpen
// ---------------------------------------------------------------------------

func TestWork_HeartbeatFailureIsFailOpen(t *testing.T) {
	sim := NewSimRuntime()
	sim.Script = func(spec LaunchSpec) SimResult {
		return SimResult{Duration: 30 * time.Millisecond, ExitCode: 0}
	}
	control := newMockControl()
	control.heartbeat = func(minutes int) (bool, error) {
		return false, context.DeadlineExceeded // transport failure, not a decision
	}
	w := testWorker(sim, control, newMockFiles())

	if err := w.Work(context.Background(), riverJob(baseArgs())); err != nil {
		t.Fatalf("Work: %v", err)
	}

	// The job must run to completion despite every heartbeat erroring.
	if len(control.completed) != 1 {
		t.Fatalf("completed reports: got %d, want 1", len(control.completed))
	}
	if len(control.killed) != 0 {
		t.Errorf("transport failures must not trigger the kill switch: %v", control.killed)
	}
	if len(control.heartbeats) == 0 {
		t.Error("expected at least one heartbeat attempt")
	}
}

// ---------------------------------------------------------------------------
// 6. TestWork_WallClockTimeout
// ---------------------------------------------------------------------------

func TestWork_WallClockTimeout(t *testing.T) {
	sim := NewSimRuntime()
	sim.Script = func(spec LaunchSpec) SimResult {
		return SimResult{Duration: time.Minute, ExitCode: 0}
	}
	control := newMockControl()
	w := testWorker(sim, control, newMockFiles())

	args := baseArgs()
	args.TimeoutSeconds = 0 // deadline passes immediately
	if err := w.Work(context.Background(), riverJob(args)); err != nil {
		t.Fatalf("Work: %v", err)
	}

	if len(control.failed) != 1 || !strings.Contains(control.failed[0], "timeout") {
		t.Fatalf("expected timeout failure, got %v", control.failed)
	}
	id := ContainerID(LaunchSpec{JobID: args.JobID})
	if n := sim.Stops(id); n != 1 {
		t.Errorf("stop calls: got %d, want 1", n)
	}
}

// ---------------------------------------------------------------------------
// 7. TestWork_Cancellation
// ---------------------------------------------------------------------------

func TestWork_Cancellation(t *testing.T) {
	sim := NewSimRuntime()
	sim.Script = func(spec LaunchSpec) SimResult {
		return SimResult{Duration: time.Minute, ExitCode: 0}
	}
	control := newMockControl()
	w := testWorker(sim, control, newMockFiles())

	args := baseArgs()
	// Cancel as soon as the job reports RUNNING.
	go func() {
		for {
			control.mu.Lock()
			started := control.running > 0
			control.mu.Unlock()
			if started {
				control.setState(JobState{Status: "CANCELLED", Cancelled: true, Terminal: true})
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	if err := w.Work(context.Background(), riverJob(args)); err != nil {
		t.Fatalf("Work: %v", err)
	}

	// The control plane already holds the terminal CANCELLED state; the
	// worker only stops and cleans up.
	if len(control.completed) != 0 || len(control.failed) != 0 || len(control.killed) != 0 {
		t.Errorf("cancellation must not produce terminal reports: %+v", control)
	}
	id := ContainerID(LaunchSpec{JobID: args.JobID})
	if n := sim.Stops(id); n != 1 {
		t.Errorf("stop calls: got %d, want 1", n)
	}
	if n := sim.Cleanups(id); n != 1 {
		t.Errorf("cleanup calls: got %d, want 1", n)
	}
}

// ---------------------------------------------------------------------------
// 8. TestWork_DuplicateDelivery
// ---------------------------------------------------------------------------

func TestWork_DuplicateDelivery(t *testing.T) {
	sim := NewSimRuntime()
	control := newMockControl()
	control.setState(JobState{Status: "COMPLETED", Terminal: true})
	w := testWorker(sim, control, newMockFiles())

	if err := w.Work(context.Background(), riverJob(baseArgs())); err != nil {
		t.Fatalf("Work: %v", err)
	}
	if control.preparing != 0 {
		t.Error("a finished job must not be re-run")
	}
}

// ---------------------------------------------------------------------------
// 9. TestWork_DuplicateDeliveryOfInFlightJob
// ---------------------------------------------------------------------------

func TestWork_DuplicateDeliveryOfInFlightJob(t *testing.T) {
	// Test 1: a first delivery of a job another worker already holds must
	// not touch its container.
	sim := NewSimRuntime()
	control := newMockControl()
	control.setState(JobState{Status: "RUNNING"})
	w := testWorker(sim, control, newMockFiles())

	args := baseArgs()
	if err := w.Work(context.Background(), riverJob(args)); err != nil {
		t.Fatalf("Work: %v", err)
	}
	if control.preparing != 0 {
		t.Error("an in-flight job must not be re-reported PREPARING")
	}
	id := ContainerID(LaunchSpec{JobID: args.JobID})
	if n := sim.Cleanups(id); n != 0 {
		t.Errorf("an in-flight job must not launch a second container, got %d cleanups", n)
	}

	// Test 2: a retry of our own delivery proceeds and relaunches.
	sim.Script = func(spec LaunchSpec) SimResult {
		return SimResult{Duration: 2 * time.Millisecond, ExitCode: 0}
	}
	retry := riverJob(args)
	retry.Attempt = 2
	if err := w.Work(context.Background(), retry); err != nil {
		t.Fatalf("Work retry: %v", err)
	}
	if control.preparing != 1 || len(control.completed) != 1 {
		t.Errorf("retry must run the job: preparing=%d completed=%v", control.preparing, control.completed)
	}

	// Test 3: enqueue dedupes by args so the recovery sweep cannot create
	// a second outstanding delivery.
	if opts := (RunJobArgs{}).InsertOpts(); !opts.UniqueOpts.ByArgs {
		t.Error("work items must be unique by args")
	}
}
