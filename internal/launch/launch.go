// Package launch starts instrument agents as local child processes.
package launch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/guseggert/remoteinstrument/agent"
	"github.com/guseggert/remoteinstrument/internal/files"
	"github.com/guseggert/remoteinstrument/internal/net"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
)

// BinaryName is the agent binary looked up when no path is configured.
const BinaryName = "instrument-agent"

type Launcher struct {
	log              *zap.SugaredLogger
	binPath          string
	heartbeatTimeout time.Duration
	waitTimeout      time.Duration
}

type Option func(l *Launcher)

// WithBinary sets the agent binary. By default it is searched for upwards from the working directory.
func WithBinary(path string) Option {
	return func(l *Launcher) {
		l.binPath = path
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(la *Launcher) {
		la.log = l.Named("launcher").Sugar()
	}
}

// WithHeartbeatTimeout sets how long a started agent lives without heartbeats.
func WithHeartbeatTimeout(d time.Duration) Option {
	return func(l *Launcher) {
		l.heartbeatTimeout = d
	}
}

// WithWaitTimeout bounds the wait for a started agent to answer.
func WithWaitTimeout(d time.Duration) Option {
	return func(l *Launcher) {
		l.waitTimeout = d
	}
}

func New(opts ...Option) (*Launcher, error) {
	l := &Launcher{
		log:              zap.NewNop().Sugar(),
		heartbeatTimeout: 1 * time.Minute,
		waitTimeout:      30 * time.Second,
	}
	for _, o := range opts {
		o(l)
	}
	if l.binPath == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("getting wd: %w", err)
		}
		bin, err := files.FindUp(BinaryName, wd)
		if err != nil {
			return nil, fmt.Errorf("finding %s bin: %w", BinaryName, err)
		}
		if bin == "" {
			return nil, fmt.Errorf("unable to find %s bin", BinaryName)
		}
		l.binPath = bin
	}
	return l, nil
}

// Server is an agent process started by a Launcher.
type Server struct {
	Name  string
	Addr  string
	Certs *agent.Certs

	log      *zap.SugaredLogger
	cmd      *exec.Cmd
	exited   chan struct{}
	exitErr  error
	stopOnce sync.Once
}

// Launch starts an agent on a free loopback port with fresh certs, and waits until it answers heartbeats.
// The process outlives ctx; call Stop to end it.
func (l *Launcher) Launch(ctx context.Context, name string) (*Server, error) {
	addr, err := net.EphemeralLoopbackAddr()
	if err != nil {
		return nil, fmt.Errorf("acquiring ephemeral port: %w", err)
	}
	certs, err := agent.GenerateCerts(name)
	if err != nil {
		return nil, fmt.Errorf("generating certs: %w", err)
	}

	args := append(certs.AgentFlags(),
		"--listen-addr", addr,
		"--on-heartbeat-failure", "exit",
		"--heartbeat-timeout", l.heartbeatTimeout.String(),
	)
	cmd := exec.Command(l.binPath, args...)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr

	log := l.log.With("Server", name, "Addr", addr)
	log.Debugw("starting agent", "Bin", l.binPath)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", l.binPath, err)
	}

	s := &Server{
		Name:   name,
		Addr:   addr,
		Certs:  certs,
		log:    log,
		cmd:    cmd,
		exited: make(chan struct{}),
	}
	go func() {
		s.exitErr = cmd.Wait()
		close(s.exited)
	}()

	if err := l.waitForServer(ctx, s); err != nil {
		if stopErr := s.Stop(); stopErr != nil {
			log.Debugf("error stopping agent that did not come up: %s", stopErr)
		}
		return nil, fmt.Errorf("waiting for agent %q: %w", name, err)
	}
	log.Infow("agent is up", "PID", cmd.Process.Pid)
	return s, nil
}

func (l *Launcher) waitForServer(ctx context.Context, s *Server) error {
	client, err := agent.NewClient(l.log, s.Certs, s.Addr, agent.WithCustomizeRetryableClient(func(r *retryablehttp.Client) {
		r.RetryMax = 0
	}))
	if err != nil {
		return fmt.Errorf("building agent client: %w", err)
	}

	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(50*time.Millisecond),
		backoff.WithMaxInterval(1*time.Second),
		backoff.WithMaxElapsedTime(l.waitTimeout),
	)
	return backoff.RetryNotify(
		func() error {
			select {
			case <-s.exited:
				return backoff.Permanent(fmt.Errorf("agent exited: %v", s.exitErr))
			default:
			}
			return client.SendHeartbeat(ctx)
		},
		backoff.WithContext(b, ctx),
		func(err error, d time.Duration) {
			s.log.Debugw("agent not up yet", "Error", err, "Retry", d)
		},
	)
}

// Alive reports whether the agent process still exists.
func (s *Server) Alive(ctx context.Context) bool {
	select {
	case <-s.exited:
		return false
	default:
	}
	exists, err := process.PidExistsWithContext(ctx, int32(s.cmd.Process.Pid))
	if err != nil {
		s.log.Debugf("checking agent process: %s", err)
		return false
	}
	return exists
}

// Stop kills the agent process and waits for it to exit.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		select {
		case <-s.exited:
			return
		default:
		}
		if killErr := s.cmd.Process.Kill(); killErr != nil && !errors.Is(killErr, os.ErrProcessDone) {
			err = fmt.Errorf("killing agent: %w", killErr)
			return
		}
		<-s.exited
		s.log.Debug("agent stopped")
	})
	return err
}
