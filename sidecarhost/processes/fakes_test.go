package processes

import (
	"context"
	"errors"
	"sync"
	"time"
)

// fakeProcess is an in-memory Process whose termination is driven by the test.
type fakeProcess struct {
	pid    int
	events chan ProcessEvent
	done   chan struct{}
	once   sync.Once

	mu          sync.Mutex
	intentional bool
	killedAt    time.Time
	killCount   int
}

func newFakeProcess(pid int) *fakeProcess {
	return &fakeProcess{
		pid:    pid,
		events: make(chan ProcessEvent, 16),
		done:   make(chan struct{}),
	}
}

func (p *fakeProcess) Pid() int { return p.pid }

func (p *fakeProcess) Done() <-chan struct{} { return p.done }

func (p *fakeProcess) Intentional() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.intentional
}

func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	p.intentional = true
	p.killCount++
	if p.killedAt.IsZero() {
		p.killedAt = time.Now()
	}
	p.mu.Unlock()
	p.terminate(ExitStatus{Code: -1, Signal: "signal: killed"})
	return nil
}

func (p *fakeProcess) Stop(grace time.Duration) error {
	return p.Kill()
}

func (p *fakeProcess) output(kind EventKind, line string) {
	p.events <- ProcessEvent{Kind: kind, Line: line}
}

// crash ends the process without the supervisor asking for it.
func (p *fakeProcess) crash(code int) {
	p.terminate(ExitStatus{Code: code})
}

func (p *fakeProcess) terminate(exit ExitStatus) {
	p.once.Do(func() {
		p.events <- ProcessEvent{Kind: EventTerminated, Exit: &exit}
		close(p.events)
		close(p.done)
	})
}

func (p *fakeProcess) killTime() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killedAt
}

func (p *fakeProcess) kills() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killCount
}

type launchRecord struct {
	port    uint16
	process *fakeProcess
	at      time.Time
}

// fakeLauncher hands out fakeProcesses and records every launch.
type fakeLauncher struct {
	mu       sync.Mutex
	err      error
	nextPID  int
	delay    time.Duration // how long each spawn takes
	launches []launchRecord
}

func (l *fakeLauncher) Launch(ctx context.Context, port uint16) (Process, <-chan ProcessEvent, error) {
	l.mu.Lock()
	delay := l.delay
	l.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, nil, l.err
	}
	l.nextPID++
	proc := newFakeProcess(1000 + l.nextPID)
	l.launches = append(l.launches, launchRecord{port: port, process: proc, at: time.Now()})
	return proc, proc.events, nil
}

func (l *fakeLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.launches)
}

func (l *fakeLauncher) launch(i int) launchRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launches[i]
}

// live returns the launched processes that were neither killed nor terminated.
func (l *fakeLauncher) live() []launchRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []launchRecord
	for _, rec := range l.launches {
		select {
		case <-rec.process.Done():
			continue
		default:
		}
		if rec.process.kills() == 0 {
			out = append(out, rec)
		}
	}
	return out
}

// sequencePorts returns the configured ports in order, repeating the last one.
type sequencePorts struct {
	mu    sync.Mutex
	ports []uint16
	next  int
}

func (s *sequencePorts) AllocatePort() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	port := s.ports[len(s.ports)-1]
	if s.next < len(s.ports) {
		port = s.ports[s.next]
	}
	s.next++
	return port
}

type checkCall struct {
	port uint16
	at   time.Time
}

// scriptedChecker answers health checks through fn and records every call.
type scriptedChecker struct {
	mu    sync.Mutex
	calls []checkCall
	fn    func(call int, port uint16) (string, error)
}

func (c *scriptedChecker) Check(ctx context.Context, port uint16) (string, error) {
	c.mu.Lock()
	call := len(c.calls)
	c.calls = append(c.calls, checkCall{port: port, at: time.Now()})
	c.mu.Unlock()
	return c.fn(call, port)
}

func (c *scriptedChecker) callsFor(port uint16) []checkCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []checkCall
	for _, call := range c.calls {
		if call.port == port {
			out = append(out, call)
		}
	}
	return out
}

func (c *scriptedChecker) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

var errUnhealthy = errors.New("connection refused")

func alwaysHealthy(int, uint16) (string, error) { return `{"status":"ok"}`, nil }

func neverHealthy(int, uint16) (string, error) { return "", errUnhealthy }

func healthyOn(port uint16) func(int, uint16) (string, error) {
	return func(_ int, p uint16) (string, error) {
		if p == port {
			return `{"status":"ok"}`, nil
		}
		return "", errUnhealthy
	}
}

type journalRecord struct {
	event    LifecycleEvent
	launchID string
	port     uint16
	message  string
}

// memoryJournal is a LifecycleRecorder that keeps events in memory.
type memoryJournal struct {
	mu      sync.Mutex
	records []journalRecord
}

func (j *memoryJournal) RecordLifecycle(event LifecycleEvent, launchID string, port uint16, pid int, message string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.records = append(j.records, journalRecord{event: event, launchID: launchID, port: port, message: message})
	return nil
}

func (j *memoryJournal) events() []LifecycleEvent {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]LifecycleEvent, 0, len(j.records))
	for _, r := range j.records {
		out = append(out, r.event)
	}
	return out
}
