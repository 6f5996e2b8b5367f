//go:build unix

// Package cluster fans the request pipeline out across OS processes or
// threads sharing one listening port.
//
// Process mode gives isolation: every worker is a child process with its
// own reuseport listener, and the primary respawns crashed children.
// Thread mode shares the listener inside one process: the primary
// accepts and migrates connections to worker replicas, which is cheaper
// but has no isolation boundary, so a worker crash takes the whole
// process group down. That is an accepted property of handle migration,
// not something this package papers over.
package cluster

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// Mode selects the fan-out strategy.
type Mode string

const (
	ModeSingle  Mode = "single"
	ModeProcess Mode = "process"
	ModeThread  Mode = "thread"
)

// DeliberateExit is the worker exit code meaning "do not restart me".
// Exit code 0 is treated the same way.
const DeliberateExit = 3

const workerEnv = "RELAY_WORKER"

const maxRespawnBackoff = 5 * time.Second

// Worker is one pipeline replica in thread mode. Each replica owns its
// stage list and caches; nothing is implicitly shared between replicas.
type Worker interface {
	// AttachConn adopts one migrated accepted connection.
	AttachConn(fd int) error
	Serve() error
	Close() error
}

// Hooks supplies the application pieces the manager replicates. The
// manager itself stays transport-agnostic.
type Hooks struct {
	// RunSingle binds the port in-process and serves. Single mode only.
	RunSingle func() error

	// RunWorkerProcess binds the shared port (reuseport) and serves.
	// Called inside a child process in process mode.
	RunWorkerProcess func(id int, ctl *WorkerControl) error

	// BindPrimary binds the shared listening socket in the primary and
	// returns its descriptor. Thread mode only.
	BindPrimary func() (int, error)

	// NewWorker constructs one pipeline replica without binding a port.
	// Thread mode only.
	NewWorker func(id int) (Worker, error)
}

// Config configures a Manager.
type Config struct {
	Mode    Mode
	Workers int
}

// Manager supervises the worker fan-out.
type Manager struct {
	cfg Config

	mu       sync.Mutex
	children map[int]*childProc
	closed   atomic.Bool
}

type childProc struct {
	cmd      *exec.Cmd
	toWorker *os.File
}

// NewManager creates a manager. Workers <= 0 is clamped to 1.
func NewManager(cfg Config) *Manager {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Manager{cfg: cfg, children: make(map[int]*childProc)}
}

// WorkerID reports whether the current process is a spawned worker and
// which slot it fills.
func WorkerID() (int, bool) {
	v := os.Getenv(workerEnv)
	if v == "" {
		return 0, false
	}
	id, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return id, true
}

// Start runs the configured fan-out and blocks for the server lifetime.
func (m *Manager) Start(h Hooks) error {
	if id, ok := WorkerID(); ok {
		return h.RunWorkerProcess(id, OpenWorkerControl())
	}

	switch m.cfg.Mode {
	case ModeSingle, "":
		return h.RunSingle()
	case ModeProcess:
		return m.startProcesses()
	case ModeThread:
		return m.startThreads(h)
	default:
		return fmt.Errorf("cluster: unknown mode %q", m.cfg.Mode)
	}
}

// Broadcast sends a control message to every live worker process.
func (m *Manager) Broadcast(msg Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, child := range m.children {
		if err := WriteMessage(child.toWorker, msg); err != nil {
			log.Printf("cluster: broadcast to worker %d failed: %v", id, err)
		}
	}
}

// Close stops supervision and tears down worker processes.
func (m *Manager) Close() {
	if !m.closed.CompareAndSwap(false, true) {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, child := range m.children {
		child.toWorker.Close()
		if child.cmd.Process != nil {
			child.cmd.Process.Signal(unix.SIGTERM)
		}
	}
}

// startProcesses spawns and supervises one child per worker slot.
// Children bind the same port through SO_REUSEPORT; the kernel does the
// load spreading.
func (m *Manager) startProcesses() error {
	var wg sync.WaitGroup
	for id := 0; id < m.cfg.Workers; id++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			m.supervise(id)
		}(id)
	}
	wg.Wait()
	return nil
}

// supervise keeps worker id alive. A clean or deliberate exit ends
// supervision; anything else respawns with capped exponential backoff.
func (m *Manager) supervise(id int) {
	backoff := 100 * time.Millisecond
	for {
		if m.closed.Load() {
			return
		}
		start := time.Now()
		code, err := m.runChild(id)
		if err != nil {
			log.Printf("cluster: worker %d spawn failed: %v", id, err)
		} else if code == 0 || code == DeliberateExit {
			log.Printf("cluster: worker %d exited deliberately (code %d)", id, code)
			return
		} else {
			log.Printf("cluster: worker %d crashed (code %d), respawning", id, code)
		}
		if m.closed.Load() {
			return
		}
		if time.Since(start) > 30*time.Second {
			backoff = 100 * time.Millisecond
		}
		time.Sleep(backoff)
		backoff *= 2
		if backoff > maxRespawnBackoff {
			backoff = maxRespawnBackoff
		}
	}
}

// runChild spawns one worker process and drains its control channel
// until it exits.
func (m *Manager) runChild(id int) (int, error) {
	toWorkerR, toWorkerW, err := os.Pipe()
	if err != nil {
		return 0, err
	}
	fromWorkerR, fromWorkerW, err := os.Pipe()
	if err != nil {
		toWorkerR.Close()
		toWorkerW.Close()
		return 0, err
	}

	exe, err := os.Executable()
	if err != nil {
		exe = os.Args[0]
	}
	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Env = append(os.Environ(), fmt.Sprintf("%s=%d", workerEnv, id))
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{toWorkerR, fromWorkerW}

	if err := cmd.Start(); err != nil {
		toWorkerR.Close()
		toWorkerW.Close()
		fromWorkerR.Close()
		fromWorkerW.Close()
		return 0, err
	}
	// Child ends live in the child now.
	toWorkerR.Close()
	fromWorkerW.Close()

	m.mu.Lock()
	m.children[id] = &childProc{cmd: cmd, toWorker: toWorkerW}
	m.mu.Unlock()

	go func() {
		in := bufio.NewReader(fromWorkerR)
		for {
			msg, err := ReadMessage(in)
			if err != nil {
				return
			}
			log.Printf("cluster: worker %d: %s %v", id, msg.Kind, msg.Fields)
		}
	}()

	err = cmd.Wait()

	m.mu.Lock()
	delete(m.children, id)
	m.mu.Unlock()
	toWorkerW.Close()
	fromWorkerR.Close()

	if err == nil {
		return 0, nil
	}
	if ee, ok := err.(*exec.ExitError); ok {
		return ee.ExitCode(), nil
	}
	return 0, err
}

// startThreads binds in the primary, spawns worker replicas, and
// migrates accepted connections to them round-robin. Workers never bind;
// the listening descriptor stays owned by the primary.
func (m *Manager) startThreads(h Hooks) error {
	lfd, err := h.BindPrimary()
	if err != nil {
		return err
	}
	defer unix.Close(lfd)

	workers := make([]Worker, m.cfg.Workers)
	for id := range workers {
		w, err := h.NewWorker(id)
		if err != nil {
			return fmt.Errorf("cluster: worker %d construction failed: %w", id, err)
		}
		workers[id] = w
		go func(id int, w Worker) {
			if err := w.Serve(); err != nil {
				// No isolation boundary in thread mode; treat a worker
				// crash as fatal and let the external supervisor restart
				// the whole process.
				log.Fatalf("cluster: thread worker %d failed: %v", id, err)
			}
		}(id, w)
	}
	log.Printf("cluster: %d thread workers attached to shared listener", len(workers))

	next := 0
	for {
		if m.closed.Load() {
			for _, w := range workers {
				w.Close()
			}
			return nil
		}
		pfds := []unix.PollFd{{Fd: int32(lfd), Events: unix.POLLIN}}
		if _, err := unix.Poll(pfds, 500); err != nil && err != unix.EINTR {
			return err
		}
		for {
			nfd, _, err := unix.Accept(lfd)
			if err != nil {
				if err == unix.EAGAIN || err == unix.EINTR {
					break
				}
				return err
			}
			if err := workers[next].AttachConn(nfd); err != nil {
				log.Printf("cluster: migrate to worker %d failed: %v", next, err)
			}
			next = (next + 1) % len(workers)
		}
	}
}
