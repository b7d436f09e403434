// Package gearmantest provides an in-memory job server speaking enough of the
// binary protocol to exercise clients and workers in tests.
package gearmantest

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/core-tools/hsu-gearman-worker/pkg/gearman"
)

// Job is a queued or completed job as seen by the server.
type Job struct {
	Handle   string
	Function string
	UniqueID string
	Payload  []byte
	Priority gearman.Priority
	// Result holds WORK_COMPLETE data once a worker finished the job.
	Result []byte
	Failed bool

	client *session
}

type session struct {
	nc        net.Conn
	writeLock sync.Mutex
	abilities map[string]bool
	sleeping  bool
	clientID  string
}

func (s *session) send(p *gearman.Packet) {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()
	_ = s.nc.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, _ = s.nc.Write(p.Bytes())
}

type Server struct {
	listener net.Listener

	mutex     sync.Mutex
	cond      *sync.Cond
	sessions  map[*session]bool
	queues    map[string][]*Job
	running   map[string]*Job
	completed []*Job
	nextID    int
	submits   int
	drop      bool
	closed    bool

	wg sync.WaitGroup
}

// NewServer starts a server on a random loopback port.
func NewServer() (*Server, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &Server{
		listener: listener,
		sessions: make(map[*session]bool),
		queues:   make(map[string][]*Job),
		running:  make(map[string]*Job),
	}
	s.cond = sync.NewCond(&s.mutex)

	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

func (s *Server) Endpoint() gearman.Endpoint {
	host, port, _ := net.SplitHostPort(s.Addr())
	p, _ := strconv.Atoi(port)
	return gearman.Endpoint{Host: host, Port: p}
}

// Close stops accepting and drops every connection.
func (s *Server) Close() {
	s.mutex.Lock()
	if s.closed {
		s.mutex.Unlock()
		return
	}
	s.closed = true
	for sess := range s.sessions {
		_ = sess.nc.Close()
	}
	s.cond.Broadcast()
	s.mutex.Unlock()

	_ = s.listener.Close()
	s.wg.Wait()
}

// SetDropSubmits makes the server count and then hang up on every submit.
func (s *Server) SetDropSubmits(drop bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.drop = drop
}

// SubmitCount is the number of submit packets received, dropped or not.
func (s *Server) SubmitCount() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.submits
}

// Enqueue adds a background job as if a client had submitted it.
func (s *Server) Enqueue(function, uniqueID string, payload []byte) string {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.enqueueLocked(&Job{Function: function, UniqueID: uniqueID, Payload: payload})
}

// Queued returns a snapshot of jobs waiting in a queue.
func (s *Server) Queued(function string) []Job {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	jobs := make([]Job, 0, len(s.queues[function]))
	for _, job := range s.queues[function] {
		jobs = append(jobs, *job)
	}
	return jobs
}

// WaitQueued blocks until the queue holds at least n jobs or timeout elapses.
func (s *Server) WaitQueued(function string, n int, timeout time.Duration) []Job {
	s.waitFor(timeout, func() bool { return len(s.queues[function]) >= n })
	return s.Queued(function)
}

// Completed returns jobs finished by workers, in completion order.
func (s *Server) Completed() []Job {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	jobs := make([]Job, 0, len(s.completed))
	for _, job := range s.completed {
		jobs = append(jobs, *job)
	}
	return jobs
}

// WaitCompleted blocks until at least n jobs completed or timeout elapses.
func (s *Server) WaitCompleted(n int, timeout time.Duration) []Job {
	s.waitFor(timeout, func() bool { return len(s.completed) >= n })
	return s.Completed()
}

// Workers counts connections that announced function.
func (s *Server) Workers(function string) int {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	n := 0
	for sess := range s.sessions {
		if sess.abilities[function] {
			n++
		}
	}
	return n
}

// WaitWorkers blocks until n connections announced function.
func (s *Server) WaitWorkers(function string, n int, timeout time.Duration) int {
	deadline := time.Now().Add(timeout)
	for {
		count := s.Workers(function)
		if count >= n || time.Now().After(deadline) {
			return count
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (s *Server) waitFor(timeout time.Duration, done func() bool) {
	timer := time.AfterFunc(timeout, func() {
		s.mutex.Lock()
		s.cond.Broadcast()
		s.mutex.Unlock()
	})
	defer timer.Stop()

	deadline := time.Now().Add(timeout)

	s.mutex.Lock()
	defer s.mutex.Unlock()
	for !done() && !s.closed && time.Now().Before(deadline) {
		s.cond.Wait()
	}
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		nc, err := s.listener.Accept()
		if err != nil {
			return
		}
		sess := &session{nc: nc, abilities: make(map[string]bool)}

		s.mutex.Lock()
		if s.closed {
			s.mutex.Unlock()
			_ = nc.Close()
			return
		}
		s.sessions[sess] = true
		s.mutex.Unlock()

		s.wg.Add(1)
		go s.serve(sess)
	}
}

func (s *Server) serve(sess *session) {
	defer s.wg.Done()
	defer func() {
		s.mutex.Lock()
		delete(s.sessions, sess)
		s.mutex.Unlock()
		_ = sess.nc.Close()
	}()

	reader := bufio.NewReader(sess.nc)
	for {
		p, err := gearman.ReadPacket(reader)
		if err != nil {
			return
		}
		if !s.handle(sess, p) {
			return
		}
	}
}

func (s *Server) handle(sess *session, p *gearman.Packet) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	switch p.Type {
	case gearman.PacketSetClientID:
		sess.clientID = string(p.Arg(0))

	case gearman.PacketResetAbilities:
		sess.abilities = make(map[string]bool)

	case gearman.PacketCanDo, gearman.PacketCanDoTimeout:
		sess.abilities[string(p.Arg(0))] = true

	case gearman.PacketCantDo:
		delete(sess.abilities, string(p.Arg(0)))

	case gearman.PacketEchoReq:
		sess.send(gearman.NewResponse(gearman.PacketEchoRes, p.Arg(0)))

	case gearman.PacketSubmitJob, gearman.PacketSubmitJobBG,
		gearman.PacketSubmitJobHigh, gearman.PacketSubmitJobHighBG,
		gearman.PacketSubmitJobLow, gearman.PacketSubmitJobLowBG:
		s.submits++
		s.cond.Broadcast()
		if s.drop {
			return false
		}
		job := &Job{
			Function: string(p.Arg(0)),
			UniqueID: string(p.Arg(1)),
			Payload:  append([]byte(nil), p.Arg(2)...),
			Priority: priorityOf(p.Type),
		}
		if isForeground(p.Type) {
			job.client = sess
		}
		handle := s.enqueueLocked(job)
		sess.send(gearman.NewResponse(gearman.PacketJobCreated, []byte(handle)))

	case gearman.PacketGrabJob, gearman.PacketGrabJobUniq:
		sess.sleeping = false
		job := s.takeLocked(sess)
		switch {
		case job == nil:
			sess.send(gearman.NewResponse(gearman.PacketNoJob))
		case p.Type == gearman.PacketGrabJobUniq:
			sess.send(gearman.NewResponse(gearman.PacketJobAssignUniq,
				[]byte(job.Handle), []byte(job.Function), []byte(job.UniqueID), job.Payload))
		default:
			sess.send(gearman.NewResponse(gearman.PacketJobAssign,
				[]byte(job.Handle), []byte(job.Function), job.Payload))
		}

	case gearman.PacketPreSleep:
		sess.sleeping = true
		for function := range sess.abilities {
			if len(s.queues[function]) > 0 {
				sess.sleeping = false
				sess.send(gearman.NewResponse(gearman.PacketNoop))
				break
			}
		}

	case gearman.PacketWorkComplete, gearman.PacketWorkFail, gearman.PacketWorkException:
		handle := string(p.Arg(0))
		job, ok := s.running[handle]
		if !ok {
			sess.send(gearman.NewResponse(gearman.PacketError, []byte("NOT_FOUND"), []byte("unknown handle "+handle)))
			return true
		}
		delete(s.running, handle)
		if p.Type == gearman.PacketWorkComplete {
			job.Result = append([]byte(nil), p.Arg(1)...)
		} else {
			job.Failed = true
		}
		s.completed = append(s.completed, job)
		s.cond.Broadcast()
		if job.client != nil {
			args := [][]byte{[]byte(handle)}
			if p.Type != gearman.PacketWorkFail {
				args = append(args, p.Arg(1))
			}
			job.client.send(gearman.NewResponse(p.Type, args...))
		}

	case gearman.PacketWorkData, gearman.PacketWorkWarning, gearman.PacketWorkStatus:
		if job, ok := s.running[string(p.Arg(0))]; ok && job.client != nil {
			job.client.send(gearman.NewResponse(p.Type, p.Args...))
		}

	default:
		sess.send(gearman.NewResponse(gearman.PacketError,
			[]byte("UNKNOWN_COMMAND"), []byte(fmt.Sprintf("unsupported packet %s", p.Type))))
	}
	return true
}

func (s *Server) enqueueLocked(job *Job) string {
	s.nextID++
	job.Handle = fmt.Sprintf("H:gearmantest:%d", s.nextID)

	queue := s.queues[job.Function]
	switch job.Priority {
	case gearman.PriorityHigh:
		pos := 0
		for pos < len(queue) && queue[pos].Priority == gearman.PriorityHigh {
			pos++
		}
		queue = append(queue[:pos], append([]*Job{job}, queue[pos:]...)...)
	default:
		queue = append(queue, job)
	}
	s.queues[job.Function] = queue
	s.cond.Broadcast()

	for sess := range s.sessions {
		if sess.sleeping && sess.abilities[job.Function] {
			sess.sleeping = false
			sess.send(gearman.NewResponse(gearman.PacketNoop))
		}
	}
	return job.Handle
}

func (s *Server) takeLocked(sess *session) *Job {
	for function, queue := range s.queues {
		if !sess.abilities[function] || len(queue) == 0 {
			continue
		}
		job := queue[0]
		s.queues[function] = queue[1:]
		s.running[job.Handle] = job
		return job
	}
	return nil
}

func priorityOf(t gearman.PacketType) gearman.Priority {
	switch t {
	case gearman.PacketSubmitJobHigh, gearman.PacketSubmitJobHighBG:
		return gearman.PriorityHigh
	case gearman.PacketSubmitJobLow, gearman.PacketSubmitJobLowBG:
		return gearman.PriorityLow
	default:
		return gearman.PriorityNormal
	}
}

func isForeground(t gearman.PacketType) bool {
	switch t {
	case gearman.PacketSubmitJob, gearman.PacketSubmitJobHigh, gearman.PacketSubmitJobLow:
		return true
	}
	return false
}
