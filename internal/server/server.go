// Package server exposes the engine's control API on a unix socket. Framing
// follows one JSON request line per connection answered by one JSON response.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/IITvamp/cmux/internal/logging"
	"github.com/IITvamp/cmux/internal/orchestrator"
)

// Request is the JSON message sent by a client.
type Request struct {
	Action string          `json:"action"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is the JSON reply.
type Response struct {
	OK    bool            `json:"ok"`
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// StartTaskParams starts a task with one run per agent.
type StartTaskParams struct {
	RepoURL     string   `json:"repo_url"`
	Branch      string   `json:"branch,omitempty"`
	Description string   `json:"description,omitempty"`
	Agents      []string `json:"agents,omitempty"`
}

// RunParams addresses one run.
type RunParams struct {
	RunID           string `json:"run_id"`
	PreserveVolumes bool   `json:"preserve_volumes,omitempty"`
	OpenPR          bool   `json:"open_pr,omitempty"`
}

// Server is the control-socket server.
type Server struct {
	socketPath string
	orch       *orchestrator.Orchestrator
	log        zerolog.Logger

	listener net.Listener
	wg       sync.WaitGroup
	cancel   context.CancelFunc
}

// New creates a server.
func New(socketPath string, orch *orchestrator.Orchestrator) *Server {
	return &Server{
		socketPath: socketPath,
		orch:       orch,
		log:        logging.WithComponent("server"),
	}
}

// Run listens and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	// Clean up a stale socket from a crashed process.
	os.Remove(s.socketPath)

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.listener = listener

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := listener.Accept()
			if err != nil {
				select {
				case <-ctx.Done():
					return
				default:
					s.log.Warn().Err(err).Msg("accept failed")
					time.Sleep(100 * time.Millisecond)
					continue
				}
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.handleConnection(ctx, conn)
			}()
		}
	}()

	<-ctx.Done()
	listener.Close()
	s.wg.Wait()
	os.Remove(s.socketPath)
	return ctx.Err()
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	// Bound the read so a stalled client cannot leak the goroutine.
	conn.SetReadDeadline(time.Now().Add(30 * time.Second))

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	if !scanner.Scan() {
		return
	}
	conn.SetReadDeadline(time.Time{})

	var req Request
	if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
		writeResponse(conn, Response{Error: "invalid request"})
		return
	}

	writeResponse(conn, s.dispatch(ctx, req))
}

func writeResponse(conn net.Conn, resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	data = append(data, '\n')
	conn.Write(data)
}

func (s *Server) dispatch(ctx context.Context, req Request) Response {
	switch req.Action {
	case "ping":
		return Response{OK: true}
	case "start-task":
		return s.handleStartTask(ctx, req.Params)
	case "stop-run":
		return s.handleStopRun(ctx, req.Params)
	case "resume-run":
		return s.handleResumeRun(ctx, req.Params)
	case "complete-run":
		return s.handleCompleteRun(ctx, req.Params)
	case "crown-run":
		return s.handleCrownRun(ctx, req.Params)
	case "ps":
		return s.handleList()
	case "shutdown":
		if s.cancel != nil {
			s.cancel()
		}
		return Response{OK: true}
	default:
		return Response{Error: fmt.Sprintf("unknown action: %s", req.Action)}
	}
}

// fail renders an error for the client; stage-tagged errors already read as
// "Failed at '<stage>': …".
func fail(err error) Response {
	return Response{Error: err.Error()}
}

func ok(v any) Response {
	data, err := json.Marshal(v)
	if err != nil {
		return Response{Error: fmt.Sprintf("marshal response: %v", err)}
	}
	return Response{OK: true, Data: data}
}

func (s *Server) handleStartTask(ctx context.Context, params json.RawMessage) Response {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	var p StartTaskParams
	if err := json.Unmarshal(params, &p); err != nil {
		return Response{Error: fmt.Sprintf("invalid start-task params: %v", err)}
	}
	if p.RepoURL == "" {
		return Response{Error: "repo_url is required"}
	}

	result, err := s.orch.StartTask(ctx, orchestrator.TaskSpec{
		RepoURL:     p.RepoURL,
		Branch:      p.Branch,
		Description: p.Description,
		Agents:      p.Agents,
	})
	if err != nil {
		return fail(err)
	}
	return ok(result)
}

func (s *Server) runParams(params json.RawMessage) (RunParams, error) {
	var p RunParams
	if err := json.Unmarshal(params, &p); err != nil {
		return p, fmt.Errorf("invalid params: %w", err)
	}
	if p.RunID == "" {
		return p, fmt.Errorf("run_id is required")
	}
	return p, nil
}

func (s *Server) handleStopRun(ctx context.Context, params json.RawMessage) Response {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	p, err := s.runParams(params)
	if err != nil {
		return Response{Error: err.Error()}
	}
	if err := s.orch.StopRun(ctx, p.RunID, p.PreserveVolumes); err != nil {
		return fail(err)
	}
	return Response{OK: true}
}

func (s *Server) handleResumeRun(ctx context.Context, params json.RawMessage) Response {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	p, err := s.runParams(params)
	if err != nil {
		return Response{Error: err.Error()}
	}
	info, err := s.orch.ResumeRun(ctx, p.RunID)
	if err != nil {
		return fail(err)
	}
	return ok(info)
}

func (s *Server) handleCompleteRun(ctx context.Context, params json.RawMessage) Response {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	p, err := s.runParams(params)
	if err != nil {
		return Response{Error: err.Error()}
	}
	if err := s.orch.CompleteRun(ctx, p.RunID, p.OpenPR); err != nil {
		return fail(err)
	}
	return Response{OK: true}
}

func (s *Server) handleCrownRun(ctx context.Context, params json.RawMessage) Response {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	p, err := s.runParams(params)
	if err != nil {
		return Response{Error: err.Error()}
	}
	if err := s.orch.CrownRun(ctx, p.RunID); err != nil {
		return fail(err)
	}
	return Response{OK: true}
}

// ContainerRow is one entry in the ps listing.
type ContainerRow struct {
	ContainerName string    `json:"container_name"`
	TaskRunID     string    `json:"task_run_id"`
	Status        string    `json:"status"`
	IDEPort       int       `json:"ide_port,omitempty"`
	WorkerPort    int       `json:"worker_port,omitempty"`
	LastActivity  time.Time `json:"last_activity,omitempty"`
}

func (s *Server) handleList() Response {
	var rows []ContainerRow
	for _, m := range s.orch.Registry().List() {
		rows = append(rows, ContainerRow{
			ContainerName: m.ContainerName,
			TaskRunID:     m.TaskRunID,
			Status:        string(m.Status),
			IDEPort:       m.Ports.IDE,
			WorkerPort:    m.Ports.Worker,
			LastActivity:  m.LastActivityAt,
		})
	}
	return ok(rows)
}

// Call connects to a server socket, sends one request, and returns the
// response. Used by the CLI client side.
func Call(socketPath string, req Request) (Response, error) {
	conn, err := net.DialTimeout("unix", socketPath, 5*time.Second)
	if err != nil {
		return Response{}, fmt.Errorf("connect to %s: %w", socketPath, err)
	}
	defer conn.Close()

	data, err := json.Marshal(req)
	if err != nil {
		return Response{}, err
	}
	data = append(data, '\n')
	if _, err := conn.Write(data); err != nil {
		return Response{}, err
	}

	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return Response{}, fmt.Errorf("read response: %w", err)
	}
	return resp, nil
}
