package execution

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// SimResult scripts the outcome of a simulated container.
type SimResult struct {
	Duration  time.Duration
	ExitCode  int
	OOMKilled bool
	Logs      string
}

// SimRuntime is the in-memory Runtime used for tests and deployments
// without a container engine. Outcomes come from the Script hook; the
// default is a quick successful run.
type SimRuntime struct {
	Script func(spec LaunchSpec) SimResult

	mu         sync.Mutex
	containers map[string]*simContainer

	// Counters for tests.
	StopCalls    map[string]int
	CleanupCalls map[string]int
}

type simContainer struct {
	startedAt time.Time
	result    SimResult
	stopped   bool
}

func NewSimRuntime() *SimRuntime {
	return &SimRuntime{
		containers:   make(map[string]*simContainer),
		StopCalls:    make(map[string]int),
		CleanupCalls: make(map[string]int),
	}
}

var _ Runtime = (*SimRuntime)(nil)

func (s *SimRuntime) Launch(ctx context.Context, spec LaunchSpec) (string, error) {
	result := SimResult{Duration: 10 * time.Millisecond, Logs: "simulated run\n"}
	if s.Script != nil {
		result = s.Script(spec)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := containerName(spec.JobID)
	s.containers[id] = &simContainer{startedAt: time.Now(), result: result}
	return id, nil
}

func (s *SimRuntime) Status(ctx context.Context, containerID string) (*ContainerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.containers[containerID]
	if !ok {
		return &ContainerState{Running: false, ExitCode: -1}, nil
	}
	if c.stopped || time.Since(c.startedAt) >= c.result.Duration {
		exit := c.result.ExitCode
		if c.stopped {
			exit = 137 // SIGKILL, as Docker reports for stopped units
		}
		return &ContainerState{Running: false, ExitCode: exit, OOMKilled: c.result.OOMKilled}, nil
	}
	return &ContainerState{Running: true}, nil
}

func (s *SimRuntime) Stop(ctx context.Context, containerID string, grace time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.StopCalls[containerID]++
	if c, ok := s.containers[containerID]; ok {
		c.stopped = true
	}
	return nil
}

func (s *SimRuntime) Cleanup(ctx context.Context, containerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CleanupCalls[containerID]++
	delete(s.containers, containerID)
	return nil
}

func (s *SimRuntime) Logs(ctx context.Context, containerID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.containers[containerID]
	if !ok {
		return "", nil
	}
	return c.result.Logs, nil
}

func (s *SimRuntime) ReconcileOrphans(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.containers {
		delete(s.containers, id)
	}
	return nil
}

// Stops returns how many times Stop was called for the container.
func (s *SimRuntime) Stops(containerID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.StopCalls[containerID]
}

// Cleanups returns how many times Cleanup was called for the container.
func (s *SimRuntime) Cleanups(containerID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CleanupCalls[containerID]
}

// ContainerID exposes the naming convention so tests can address units.
func ContainerID(spec LaunchSpec) string {
	return containerName(spec.JobID)
}

func (s *SimRuntime) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("SimRuntime(%d containers)", len(s.containers))
}
