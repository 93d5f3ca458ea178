package agent

import (
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/guseggert/remoteinstrument/agent/rpc"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
)

// Backend hosts the instruments served by an agent.
type Backend = rpc.Backend

// InstrumentAgent is an HTTP server that hosts instruments for remote proxies.
// The agent requires mTLS for both traffic encryption and authz.
type InstrumentAgent struct {
	logger *zap.SugaredLogger

	caCertPEM []byte
	certPEM   []byte
	keyPEM    []byte

	heartbeatFailureHandler func()
	heartbeatTimeout        time.Duration
	listenAddr              string

	backend       Backend
	sessionServer *rpc.Server

	serverMut  sync.Mutex
	httpServer *http.Server
	listener   net.Listener
	ready      chan struct{}
	closed     chan struct{}
	closeOnce  sync.Once

	heartbeatMut  sync.Mutex
	lastHeartbeat time.Time
}

type Option func(a *InstrumentAgent)

func WithHeartbeatTimeout(d time.Duration) Option {
	return func(a *InstrumentAgent) {
		a.heartbeatTimeout = d
	}
}

func WithHeartbeatFailureHandler(f func()) Option {
	return func(a *InstrumentAgent) {
		a.heartbeatFailureHandler = f
	}
}

func WithListenAddr(s string) Option {
	return func(a *InstrumentAgent) {
		a.listenAddr = s
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(a *InstrumentAgent) {
		a.logger = l.Named("instrument_agent").Sugar()
	}
}

func HeartbeatFailureExit() {
	fmt.Println("heartbeat failed, exiting")
	os.Exit(1)
}

// NewInstrumentAgent constructs an agent serving the instruments of backend.
func NewInstrumentAgent(backend Backend, caCertPEM, certPEM, keyPEM []byte, opts ...Option) (*InstrumentAgent, error) {
	if backend == nil {
		return nil, errors.New("agent needs a backend")
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	a := &InstrumentAgent{
		logger:           logger.Named("instrument_agent").Sugar(),
		backend:          backend,
		caCertPEM:        caCertPEM,
		certPEM:          certPEM,
		keyPEM:           keyPEM,
		heartbeatTimeout: 1 * time.Minute,
		listenAddr:       "127.0.0.1:8080",
		ready:            make(chan struct{}),
		closed:           make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	a.sessionServer = &rpc.Server{Log: a.logger.Named("session_server"), Backend: backend}
	return a, nil
}

// startHeartbeatCheck starts a goroutine that runs the failure handler when no heartbeat arrived within the timeout.
func (a *InstrumentAgent) startHeartbeatCheck() {
	a.heartbeatMut.Lock()
	a.lastHeartbeat = time.Now()
	a.heartbeatMut.Unlock()

	go func() {
		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-a.closed:
				return
			case <-ticker.C:
			}

			a.heartbeatMut.Lock()
			lastHeartbeat := a.lastHeartbeat
			a.heartbeatMut.Unlock()

			if lastHeartbeat.Add(a.heartbeatTimeout).Before(time.Now()) && a.heartbeatFailureHandler != nil {
				a.logger.Warnw("heartbeat timed out", "LastHeartbeat", lastHeartbeat)
				a.heartbeatFailureHandler()
			}
		}
	}()
}

func (a *InstrumentAgent) router() http.Handler {
	router := httprouter.New()
	router.GET("/heartbeat", a.heartbeat)
	router.GET("/session", a.session)
	router.POST("/restart", a.restart)
	return router
}

func (a *InstrumentAgent) runHTTPServer() error {
	tcpListener, err := net.Listen("tcp", a.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}

	tlsConfig, err := ServerTLSConfig(a.caCertPEM, a.certPEM, a.keyPEM)
	if err != nil {
		tcpListener.Close()
		return fmt.Errorf("building server TLS config: %w", err)
	}

	tlsListener := tls.NewListener(tcpListener, tlsConfig)
	server := &http.Server{Handler: a.router()}

	a.serverMut.Lock()
	select {
	case <-a.closed:
		a.serverMut.Unlock()
		tlsListener.Close()
		return nil
	default:
	}
	a.httpServer = server
	a.listener = tcpListener
	close(a.ready)
	a.serverMut.Unlock()

	a.logger.Infow("serving instruments", "Addr", tcpListener.Addr().String())
	err = server.Serve(tlsListener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Run runs the agent and returns once the agent has stopped.
func (a *InstrumentAgent) Run() error {
	a.startHeartbeatCheck()
	return a.runHTTPServer()
}

// Ready is closed once the agent is listening.
func (a *InstrumentAgent) Ready() <-chan struct{} {
	return a.ready
}

// Addr returns the address the agent listens on, or nil if it is not listening yet.
func (a *InstrumentAgent) Addr() net.Addr {
	a.serverMut.Lock()
	defer a.serverMut.Unlock()
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

func (a *InstrumentAgent) heartbeat(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	a.heartbeatMut.Lock()
	lastHeartbeat := a.lastHeartbeat
	a.lastHeartbeat = time.Now()
	a.heartbeatMut.Unlock()
	response := struct {
		LastHeartbeat string
	}{
		LastHeartbeat: lastHeartbeat.UTC().Format(time.RFC3339),
	}
	b, err := json.Marshal(response)
	if err != nil {
		a.logger.Debugf("error marshaling heartbeat response: %s", err)
	}
	w.Header().Add("Content-Type", "application/json")
	w.Write(b)
}

func (a *InstrumentAgent) session(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	a.sessionServer.ServeHTTP(w, r)
}

// restart drops every hosted instrument.
func (a *InstrumentAgent) restart(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	err := a.backend.Restart(r.Context())
	if err != nil {
		a.logger.Debugf("restart error: %s", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	a.logger.Info("restarted backend")
	w.WriteHeader(http.StatusOK)
}

// Stop stops the agent. It is safe to call before Run.
func (a *InstrumentAgent) Stop() error {
	a.serverMut.Lock()
	defer a.serverMut.Unlock()
	a.closeOnce.Do(func() { close(a.closed) })
	if a.httpServer == nil {
		return nil
	}
	return a.httpServer.Close()
}
