package lsp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// SessionState is the lifecycle phase of a session.
type SessionState int32

const (
	// StateUnstarted means no process has been launched.
	StateUnstarted SessionState = iota
	// StateInitializing means the process is up and the handshake is in
	// flight. Language requests are rejected until it completes.
	StateInitializing
	// StateReady means the handshake completed and requests are accepted.
	StateReady
	// StateDegraded means the process or stream was lost unexpectedly.
	// A degraded session holds document state and can be restarted.
	StateDegraded
	// StateShuttingDown means an orderly shutdown is in progress.
	StateShuttingDown
	// StateTerminated is the final state.
	StateTerminated
)

// String returns the state name.
func (s SessionState) String() string {
	switch s {
	case StateUnstarted:
		return "unstarted"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateDegraded:
		return "degraded"
	case StateShuttingDown:
		return "shutting-down"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// maxBadEnvelopes is how many consecutive undecodable envelopes the session
// tolerates before declaring the process unusable.
const maxBadEnvelopes = 3

// SessionConfig carries everything a session needs to run one analysis
// process.
type SessionConfig struct {
	// Launch describes the analysis process to spawn.
	Launch LaunchSpec

	// RootPath is the workspace root reported during the handshake.
	RootPath string

	// ClientName and ClientVersion identify the editor to the process.
	ClientName    string
	ClientVersion string

	// InitializeTimeout bounds the handshake request.
	InitializeTimeout time.Duration

	// RequestTimeout bounds every language request.
	RequestTimeout time.Duration

	// ShutdownTimeout bounds the shutdown request during orderly teardown.
	ShutdownTimeout time.Duration

	// KillDeadline is how long a terminating process gets before it is
	// killed.
	KillDeadline time.Duration

	// SweepInterval is how often outstanding requests are checked against
	// their deadlines.
	SweepInterval time.Duration

	// IncludeTextOnSave controls whether didSave carries the document text.
	IncludeTextOnSave bool
}

// withDefaults fills zero fields with working values.
func (c SessionConfig) withDefaults() SessionConfig {
	if c.InitializeTimeout <= 0 {
		c.InitializeTimeout = 15 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 8 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
	if c.KillDeadline <= 0 {
		c.KillDeadline = 3 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 50 * time.Millisecond
	}
	if c.ClientName == "" {
		c.ClientName = "papyruspal"
	}
	return c
}

// Session runs one analysis process: it owns the process handle, the
// transport, the request registry, and the capability snapshot. All mutable
// protocol state is confined to the scheduler loop; the state word is an
// atomic so callers can be gated without crossing into the loop.
type Session struct {
	cfg    SessionConfig
	loop   *Loop
	docs   *DocumentStore
	logger zerolog.Logger
	spawn  spawnFunc

	state atomic.Int32

	// Loop-confined fields. Only closures running on the loop touch them.
	proc         processHandle
	transport    *Transport
	registry     *Registry
	caps         ServerCapabilities
	badEnvelopes int
	gen          int

	sweepDone  chan struct{}
	sweepStart sync.Once

	onState       func(old, new SessionState)
	onDiagnostics func(PublishDiagnosticsParams)
}

// SessionOption configures a session.
type SessionOption func(*Session)

// WithStateCallback registers a callback invoked on every state
// transition. It runs on the scheduler loop; keep it fast.
func WithStateCallback(fn func(old, new SessionState)) SessionOption {
	return func(s *Session) { s.onState = fn }
}

// WithDiagnosticsCallback registers a callback for published diagnostics.
// It runs on the scheduler loop; keep it fast.
func WithDiagnosticsCallback(fn func(PublishDiagnosticsParams)) SessionOption {
	return func(s *Session) { s.onDiagnostics = fn }
}

// withSpawn overrides process creation. Tests use it to run against an
// in-memory fake process.
func withSpawn(fn spawnFunc) SessionOption {
	return func(s *Session) { s.spawn = fn }
}

// NewSession creates a session in the Unstarted state. The loop must
// already be running.
func NewSession(cfg SessionConfig, docs *DocumentStore, loop *Loop, logger zerolog.Logger, opts ...SessionOption) *Session {
	s := &Session{
		cfg:       cfg.withDefaults(),
		loop:      loop,
		docs:      docs,
		logger:    logger.With().Str("component", "session").Logger(),
		spawn:     defaultSpawn,
		registry:  NewRegistry(logger),
		sweepDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// setState transitions the state word and fires the callback. Terminated
// is absorbing, and an orderly shutdown is never demoted by a late loss
// report, so a transition that raced an overlapping teardown is dropped.
func (s *Session) setState(next SessionState) {
	for {
		old := SessionState(s.state.Load())
		if old == next {
			return
		}
		if old == StateTerminated {
			return
		}
		if old == StateShuttingDown && next != StateTerminated {
			return
		}
		if !s.state.CompareAndSwap(int32(old), int32(next)) {
			continue
		}
		s.logger.Info().Stringer("from", old).Stringer("to", next).Msg("session state changed")
		if s.onState != nil {
			s.onState(old, next)
		}
		return
	}
}

// Capabilities returns the capability snapshot declared by the analysis
// process. Zero until the session has been Ready at least once.
func (s *Session) Capabilities() ServerCapabilities {
	var caps ServerCapabilities
	s.loop.Call(func() { caps = s.caps })
	return caps
}

// Start launches the analysis process and performs the handshake, blocking
// until the session is Ready or the handshake fails. A failed handshake
// kills the process and leaves the session Terminated. Starting twice is
// an error.
func (s *Session) Start(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateUnstarted), int32(StateInitializing)) {
		return ErrAlreadyStarted
	}
	if s.onState != nil {
		s.onState(StateUnstarted, StateInitializing)
	}
	return s.bringUp(ctx, StateTerminated)
}

// Restart relaunches the analysis process after an unexpected loss. Only a
// degraded session can be restarted; tracked documents are replayed to the
// new process before the session becomes Ready again.
func (s *Session) Restart(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateDegraded), int32(StateInitializing)) {
		return fmt.Errorf("restart from %s: %w", s.State(), ErrSessionNotReady)
	}
	if s.onState != nil {
		s.onState(StateDegraded, StateInitializing)
	}
	s.loop.Call(func() { s.teardownTransport() })
	return s.bringUp(ctx, StateDegraded)
}

// bringUp spawns the process, runs the handshake, replays documents, and
// moves the session to Ready. On failure the process is killed and the
// session lands in failState: Terminated when the first start fails,
// Degraded when a restart fails so the restart budget governs retries.
func (s *Session) bringUp(ctx context.Context, failState SessionState) error {
	if err := s.launch(ctx); err != nil {
		s.failStartup(failState)
		return err
	}

	fut := newFuture()
	s.loop.Call(func() {
		s.sendRequestLocked(MethodInitialize, s.initializeParams(), s.cfg.InitializeTimeout, fut)
	})

	var out Outcome
	select {
	case out = <-fut.Done():
	case <-ctx.Done():
		s.CancelFuture(fut)
		s.failStartup(failState)
		return ctx.Err()
	}
	if out.Err != nil {
		s.failStartup(failState)
		return fmt.Errorf("initialize: %w", out.Err)
	}

	var res InitializeResult
	if err := json.Unmarshal(out.Result, &res); err != nil {
		s.failStartup(failState)
		return &ProtocolError{Reason: "malformed initialize result", Err: err}
	}

	s.loop.Call(func() {
		s.caps = res.Capabilities
		if s.docs.Policy() == SyncIncremental && s.caps.SyncKind() != SyncKindIncremental {
			s.logger.Warn().Msg("process does not support incremental sync, falling back to full")
			s.docs.SetPolicy(SyncFull)
		}
		s.sendNotificationLocked(MethodInitialized, InitializedParams{})
		for _, open := range s.docs.Snapshot() {
			s.sendNotificationLocked(MethodDidOpen, open)
		}
		s.setState(StateReady)
	})

	if res.ServerInfo != nil {
		s.logger.Info().Str("server", res.ServerInfo.Name).Str("version", res.ServerInfo.Version).Msg("handshake complete")
	}
	return nil
}

// failStartup tears down whatever a failed bringUp left behind and moves
// the session to failState.
func (s *Session) failStartup(failState SessionState) {
	s.loop.Call(func() {
		if s.proc != nil {
			s.proc.Kill()
			s.proc = nil
		}
		s.teardownTransport()
		s.registry.FailAll(ErrProcessLost)
		s.setState(failState)
	})
	if failState == StateTerminated {
		s.stopSweeper()
	}
}

// launch spawns the process and wires transport, readers, and watchers for
// a fresh generation.
func (s *Session) launch(ctx context.Context) error {
	proc, err := s.spawn(ctx, s.cfg.Launch)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProcessLost, err)
	}

	// The writer doubles as the transport's closer: Close severs the
	// process's stdin, so a stuck write can never park the teardown.
	w := proc.Writer()
	tr := NewTransport(proc.Reader(), w, w, s.logger)
	tr.Start()

	var gen int
	s.loop.Call(func() {
		s.gen++
		gen = s.gen
		s.proc = proc
		s.transport = tr
		s.badEnvelopes = 0
	})

	go s.readLoop(gen, tr)
	go s.watchWrites(gen, tr)
	go s.watchExit(gen, proc)
	if st := proc.Stderr(); st != nil {
		go s.drainStderr(st)
	}
	s.startSweeper()

	s.logger.Info().Int("pid", proc.Pid()).Str("command", s.cfg.Launch.Command).Msg("analysis process started")
	return nil
}

// initializeParams builds the handshake payload.
func (s *Session) initializeParams() InitializeParams {
	p := InitializeParams{
		ProcessID: os.Getpid(),
		ClientInfo: &ClientInfo{
			Name:    s.cfg.ClientName,
			Version: s.cfg.ClientVersion,
		},
		Capabilities: DefaultClientCapabilities(),
	}
	if s.cfg.RootPath != "" {
		root := FileURI(s.cfg.RootPath)
		p.RootURI = root
		p.WorkspaceFolders = []WorkspaceFolder{{URI: root, Name: s.cfg.RootPath}}
	}
	return p
}

// Request issues a language request. The Ready gate is synchronous: a
// session that is not Ready rejects the request immediately without
// queueing anything.
func (s *Session) Request(method string, params any) (*Future, error) {
	if st := s.State(); st != StateReady {
		return nil, fmt.Errorf("%s in state %s: %w", method, st, ErrSessionNotReady)
	}
	fut := newFuture()
	if !s.loop.Post(func() {
		s.sendRequestLocked(method, params, s.cfg.RequestTimeout, fut)
	}) {
		return nil, ErrSessionTerminated
	}
	return fut, nil
}

// Notify sends a protocol notification. Notifications and requests share
// one queue, so a notification posted before a request is written before
// it.
func (s *Session) Notify(method string, params any) error {
	if st := s.State(); st != StateReady {
		return fmt.Errorf("%s in state %s: %w", method, st, ErrSessionNotReady)
	}
	if !s.loop.Post(func() {
		s.sendNotificationLocked(method, params)
	}) {
		return ErrSessionTerminated
	}
	return nil
}

// CancelFuture abandons an outstanding request: the future resolves with
// ErrRequestCancelled and a best-effort cancel notification is sent. A
// future that already resolved is left untouched.
func (s *Session) CancelFuture(fut *Future) {
	s.loop.Post(func() {
		id := fut.id.Load()
		if id == 0 {
			return
		}
		if s.registry.Reject(id, ErrRequestCancelled) {
			s.sendNotificationLocked(MethodCancelRequest, CancelParams{ID: id})
		}
	})
}

// Shutdown performs the orderly teardown: outstanding requests are
// cancelled, the shutdown request and exit notification are sent, and the
// process gets KillDeadline to leave before being killed. Idempotent.
func (s *Session) Shutdown(ctx context.Context) error {
	for {
		st := s.State()
		switch st {
		case StateTerminated, StateShuttingDown:
			return nil
		case StateUnstarted:
			if s.state.CompareAndSwap(int32(StateUnstarted), int32(StateTerminated)) {
				if s.onState != nil {
					s.onState(StateUnstarted, StateTerminated)
				}
				s.stopSweeper()
				return nil
			}
		default:
			if s.state.CompareAndSwap(int32(st), int32(StateShuttingDown)) {
				if s.onState != nil {
					s.onState(st, StateShuttingDown)
				}
				return s.finishShutdown(ctx, st)
			}
		}
	}
}

// finishShutdown runs the protocol teardown from ShuttingDown.
func (s *Session) finishShutdown(ctx context.Context, from SessionState) error {
	defer s.stopSweeper()

	var proc processHandle
	fut := newFuture()
	s.loop.Call(func() {
		s.registry.FailAll(ErrRequestCancelled)
		proc = s.proc
		if from == StateDegraded || s.transport == nil {
			// Process already gone; nothing to say goodbye to.
			fut.complete(Outcome{})
			return
		}
		s.sendRequestLocked(MethodShutdown, nil, s.cfg.ShutdownTimeout, fut)
	})

	select {
	case out := <-fut.Done():
		if out.Err != nil {
			s.logger.Debug().Err(out.Err).Msg("shutdown request failed, exiting anyway")
		}
	case <-ctx.Done():
	}

	s.loop.Call(func() {
		if s.transport != nil {
			s.sendNotificationLocked(MethodExit, nil)
		}
		s.teardownTransport()
		s.registry.FailAll(ErrRequestCancelled)
	})

	if proc != nil {
		if err := proc.Terminate(s.cfg.KillDeadline); err != nil {
			s.logger.Debug().Err(err).Msg("analysis process exit status")
		}
	}

	s.loop.Call(func() {
		s.proc = nil
		s.setState(StateTerminated)
	})
	return nil
}

// sendRequestLocked registers fut and writes the request. Runs on the
// loop. A write failure resolves the future immediately.
func (s *Session) sendRequestLocked(method string, params any, timeout time.Duration, fut *Future) {
	pr := s.registry.Register(method, fut, timeout, time.Now())
	payload, err := EncodeRequest(pr.ID, method, params)
	if err != nil {
		s.registry.Reject(pr.ID, err)
		return
	}
	if s.transport == nil {
		s.registry.Reject(pr.ID, ErrProcessLost)
		return
	}
	if err := s.transport.Send(payload); err != nil {
		s.registry.Reject(pr.ID, err)
	}
}

// sendNotificationLocked writes a notification. Runs on the loop. Failures
// are logged; notifications have no completion to resolve.
func (s *Session) sendNotificationLocked(method string, params any) {
	payload, err := EncodeNotification(method, params)
	if err != nil {
		s.logger.Error().Err(err).Str("method", method).Msg("encode notification failed")
		return
	}
	if s.transport == nil {
		return
	}
	if err := s.transport.Send(payload); err != nil {
		s.logger.Warn().Err(err).Str("method", method).Msg("send notification failed")
	}
}

// readLoop pulls frames off the transport and posts them to the loop for
// dispatch. One readLoop runs per process generation; a fatal stream error
// ends it.
func (s *Session) readLoop(gen int, tr *Transport) {
	for {
		body, err := tr.Receive()
		if err != nil {
			var terr *TransportError
			if isTransportFatal(err, &terr) {
				s.loop.Post(func() { s.handleLoss(gen, err) })
				return
			}
			// Recoverable framing fault: the frame is lost, the stream
			// continues.
			continue
		}

		env, derr := DecodeEnvelope(body)
		s.loop.Post(func() {
			if s.gen != gen {
				return
			}
			if derr != nil {
				s.noteBadEnvelope(derr)
				return
			}
			s.badEnvelopes = 0
			s.dispatch(env)
		})
	}
}

// isTransportFatal reports whether err is a stream-fatal transport error.
func isTransportFatal(err error, out **TransportError) bool {
	if terr, ok := err.(*TransportError); ok {
		*out = terr
		return terr.Fatal
	}
	return false
}

// watchWrites degrades the session when the write side fails.
func (s *Session) watchWrites(gen int, tr *Transport) {
	err, ok := <-tr.Failed()
	if !ok {
		return
	}
	s.loop.Post(func() { s.handleLoss(gen, err) })
}

// watchExit degrades the session when the process exits on its own.
func (s *Session) watchExit(gen int, proc processHandle) {
	err, ok := <-proc.Done()
	if !ok {
		return
	}
	s.loop.Post(func() {
		s.handleLoss(gen, fmt.Errorf("%w: process exited: %v", ErrProcessLost, err))
	})
}

// drainStderr logs the process's stderr line by line.
func (s *Session) drainStderr(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 16*1024), 256*1024)
	for sc.Scan() {
		s.logger.Debug().Str("stream", "stderr").Msg(sc.Text())
	}
}

// handleLoss reacts to an unexpected process or stream loss. Runs on the
// loop. Stale generations and orderly teardowns are ignored.
func (s *Session) handleLoss(gen int, cause error) {
	if s.gen != gen {
		return
	}
	switch s.State() {
	case StateShuttingDown, StateTerminated, StateDegraded:
		return
	}

	s.logger.Warn().Err(cause).Msg("analysis process lost")
	// Kill first: a dead process cannot hold the transport's write side
	// open, so the teardown below never waits on a wedged pipe.
	if s.proc != nil {
		s.proc.Kill()
		s.proc = nil
	}
	s.teardownTransport()
	n := s.registry.FailAll(ErrProcessLost)
	if n > 0 {
		s.logger.Debug().Int("failed", n).Msg("outstanding requests failed")
	}
	s.setState(StateDegraded)
}

// noteBadEnvelope counts consecutive undecodable envelopes; past the limit
// the process is treated as lost.
func (s *Session) noteBadEnvelope(err error) {
	s.badEnvelopes++
	s.logger.Warn().Err(err).Int("consecutive", s.badEnvelopes).Msg("undecodable envelope")
	if s.badEnvelopes >= maxBadEnvelopes {
		s.handleLoss(s.gen, fmt.Errorf("%w: %d consecutive undecodable envelopes", ErrProcessLost, s.badEnvelopes))
	}
}

// dispatch routes one decoded envelope. Runs on the loop.
func (s *Session) dispatch(env *Envelope) {
	switch env.Kind {
	case EnvelopeResponse:
		if env.Err != nil {
			s.registry.Reject(env.ID, env.Err)
			return
		}
		s.registry.Resolve(env.ID, env.Result)

	case EnvelopeNotification:
		s.dispatchNotification(env)

	case EnvelopeRequest:
		// The bridge serves no server-initiated requests; refuse politely
		// so the process is not left waiting.
		s.logger.Debug().Str("method", env.Method).Msg("rejecting server-initiated request")
		payload, err := EncodeErrorResponse(env.ID, &RPCError{
			Code:    CodeMethodNotFound,
			Message: fmt.Sprintf("method not supported: %s", env.Method),
		})
		if err == nil && s.transport != nil {
			if serr := s.transport.Send(payload); serr != nil {
				s.logger.Debug().Err(serr).Msg("send error response failed")
			}
		}
	}
}

// dispatchNotification routes a server notification. Unknown methods are
// logged and dropped for forward compatibility.
func (s *Session) dispatchNotification(env *Envelope) {
	switch env.Method {
	case MethodPublishDiagnostics:
		var params PublishDiagnosticsParams
		if err := json.Unmarshal(env.Params, &params); err != nil {
			s.noteBadEnvelope(&ProtocolError{Reason: "malformed publishDiagnostics params", Err: err})
			return
		}
		if s.onDiagnostics != nil {
			s.onDiagnostics(params)
		}

	case MethodLogMessage, MethodShowMessage:
		var params LogMessageParams
		if err := json.Unmarshal(env.Params, &params); err == nil {
			s.logger.Debug().Int("type", params.Type).Str("from", "server").Msg(params.Message)
		}

	default:
		s.logger.Debug().Str("method", env.Method).Msg("ignoring notification")
	}
}

// startSweeper runs the deadline sweeper once per session.
func (s *Session) startSweeper() {
	s.sweepStart.Do(func() {
		done := s.sweepDone
		go s.sweep(done)
	})
}

// sweep expires overdue requests until done closes.
func (s *Session) sweep(done chan struct{}) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.loop.Post(func() {
				for _, id := range s.registry.Expire(time.Now()) {
					s.sendNotificationLocked(MethodCancelRequest, CancelParams{ID: id})
				}
			})
		}
	}
}

// stopSweeper halts the deadline sweeper. Idempotent.
func (s *Session) stopSweeper() {
	select {
	case <-s.sweepDone:
	default:
		close(s.sweepDone)
	}
}

// teardownTransport closes the current transport, if any. Runs on the
// loop.
func (s *Session) teardownTransport() {
	if s.transport != nil {
		_ = s.transport.Close()
		s.transport = nil
	}
}
