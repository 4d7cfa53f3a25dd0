package lsp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// ClientConfig assembles everything a Client needs.
type ClientConfig struct {
	// Session configures the analysis process and its timeouts.
	Session SessionConfig

	// Sync selects the document synchronization policy.
	Sync SyncPolicy

	// Restart bounds automatic restarts after a process loss.
	Restart RestartPolicy
}

// Client is the editor-facing entry point: one analysis process, its
// tracked documents, and its language operations behind a synchronous API.
// All methods are safe for concurrent use.
//
// Document notifications and language requests funnel through one queue,
// so an edit issued before a completion request is always seen by the
// analysis process first.
type Client struct {
	cfg    ClientConfig
	loop   *Loop
	docs   *DocumentStore
	sess   *Session
	sup    *Supervisor
	logger zerolog.Logger

	// docMu orders document mutations against their notifications. The
	// store has its own lock, but version assignment and queueing must be
	// one step or two racing edits could notify out of version order.
	docMu sync.Mutex

	diagMu  sync.RWMutex
	diags   map[string][]Diagnostic
	diagFns []func(uri string, diags []Diagnostic)

	stateMu  sync.RWMutex
	stateFns []func(old, new SessionState)
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger sets the client's logger. Default is a disabled logger.
func WithLogger(logger zerolog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a client. Start must be called before any document or
// language operation.
func NewClient(cfg ClientConfig, opts ...ClientOption) *Client {
	c := &Client{
		cfg:    cfg,
		logger: zerolog.Nop(),
		diags:  make(map[string][]Diagnostic),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.loop = NewLoop()
	c.docs = NewDocumentStore(cfg.Sync, c.logger)
	c.sess = NewSession(cfg.Session, c.docs, c.loop, c.logger,
		WithStateCallback(c.handleState),
		WithDiagnosticsCallback(c.handleDiagnostics),
	)
	c.sup = NewSupervisor(cfg.Restart, c.sess, c.logger, nil)
	return c
}

// Start launches the analysis process and blocks until the session is
// Ready or the handshake fails.
func (c *Client) Start(ctx context.Context) error {
	c.loop.Start()
	c.sup.Start()
	if err := c.sess.Start(ctx); err != nil {
		return err
	}
	return nil
}

// Shutdown tears everything down in order: supervision first so the dying
// process is not restarted, then the protocol goodbye, then the loop.
func (c *Client) Shutdown(ctx context.Context) error {
	c.sup.Stop()
	err := c.sess.Shutdown(ctx)
	c.loop.Stop()
	return err
}

// Restart explicitly relaunches a degraded session.
func (c *Client) Restart(ctx context.Context) error {
	return c.sess.Restart(ctx)
}

// State returns the session lifecycle state.
func (c *Client) State() SessionState {
	return c.sess.State()
}

// Capabilities returns the analysis process's declared capabilities.
func (c *Client) Capabilities() ServerCapabilities {
	return c.sess.Capabilities()
}

// OnStateChange registers a callback for session state transitions.
// Callbacks run on internal goroutines; keep them fast.
func (c *Client) OnStateChange(fn func(old, new SessionState)) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.stateFns = append(c.stateFns, fn)
}

// OnDiagnostics registers a callback for diagnostics updates. Callbacks
// run on internal goroutines; keep them fast.
func (c *Client) OnDiagnostics(fn func(uri string, diags []Diagnostic)) {
	c.diagMu.Lock()
	defer c.diagMu.Unlock()
	c.diagFns = append(c.diagFns, fn)
}

// Diagnostics returns the latest published diagnostics for uri. The
// returned slice is the caller's to keep; mutating it does not touch the
// cache.
func (c *Client) Diagnostics(uri string) []Diagnostic {
	c.diagMu.RLock()
	defer c.diagMu.RUnlock()
	diags := c.diags[uri]
	if diags == nil {
		return nil
	}
	out := make([]Diagnostic, len(diags))
	copy(out, diags)
	return out
}

// OpenFile reads path from disk and opens it, inferring the language from
// the file extension. Returns the document URI.
func (c *Client) OpenFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("open file: %w", err)
	}
	uri := FileURI(path)
	if err := c.OpenDocument(uri, LanguageIDForPath(path), string(data)); err != nil {
		return "", err
	}
	return uri, nil
}

// OpenDocument begins tracking a document and announces it to the
// analysis process.
func (c *Client) OpenDocument(uri, languageID, text string) error {
	c.docMu.Lock()
	defer c.docMu.Unlock()

	params, err := c.docs.Open(uri, languageID, text)
	if err != nil {
		return err
	}
	c.notifyDoc(MethodDidOpen, params)
	return nil
}

// ChangeDocument replaces the document's full text. Under the incremental
// policy prefer EditDocument; ChangeDocument always sends the whole text.
func (c *Client) ChangeDocument(uri, text string) error {
	c.docMu.Lock()
	defer c.docMu.Unlock()

	params, err := c.docs.ChangeFull(uri, text)
	if err != nil {
		return err
	}
	c.notifyDoc(MethodDidChange, params)
	return nil
}

// EditDocument applies range-based edits. Under the full policy the edits
// are applied locally and the resulting whole text is sent instead.
func (c *Client) EditDocument(uri string, edits []Edit) error {
	c.docMu.Lock()
	defer c.docMu.Unlock()

	params, err := c.docs.ChangeIncremental(uri, edits)
	if err != nil {
		return err
	}
	if c.docs.Policy() == SyncFull {
		doc, _ := c.docs.Get(uri)
		params.ContentChanges = []TextDocumentContentChangeEvent{{Text: doc.Text}}
	}
	c.notifyDoc(MethodDidChange, params)
	return nil
}

// SaveDocument announces that a document was written to disk.
func (c *Client) SaveDocument(uri string) error {
	c.docMu.Lock()
	defer c.docMu.Unlock()

	params, err := c.docs.Save(uri, c.cfg.Session.IncludeTextOnSave)
	if err != nil {
		return err
	}
	c.notifyDoc(MethodDidSave, params)
	return nil
}

// CloseDocument stops tracking a document and clears its diagnostics.
func (c *Client) CloseDocument(uri string) error {
	c.docMu.Lock()
	defer c.docMu.Unlock()

	params, err := c.docs.Close(uri)
	if err != nil {
		return err
	}
	c.notifyDoc(MethodDidClose, params)

	c.diagMu.Lock()
	delete(c.diags, uri)
	c.diagMu.Unlock()
	return nil
}

// Document returns the tracked state of an open document.
func (c *Client) Document(uri string) (Document, bool) {
	return c.docs.Get(uri)
}

// notifyDoc sends a document notification. A session that is not Ready
// drops it silently: the store already holds the authoritative state, and
// a restart replays it.
func (c *Client) notifyDoc(method string, params any) {
	if err := c.sess.Notify(method, params); err != nil {
		c.logger.Debug().Err(err).Str("method", method).Msg("document notification skipped")
	}
}

// Completion asks for completion candidates at pos.
func (c *Client) Completion(ctx context.Context, uri string, pos Position, trigger *CompletionContext) (*CompletionList, error) {
	if c.Capabilities().CompletionProvider == nil {
		return nil, fmt.Errorf("completion: %w", ErrNotSupported)
	}
	raw, err := c.call(ctx, MethodCompletion, CompletionParams{
		TextDocumentPositionParams: TextDocumentPositionParams{
			TextDocument: TextDocumentIdentifier{URI: uri},
			Position:     pos,
		},
		Context: trigger,
	})
	if err != nil {
		return nil, err
	}
	return ParseCompletionResult(raw)
}

// Hover asks for hover documentation at pos. A nil result means the
// process had nothing to show.
func (c *Client) Hover(ctx context.Context, uri string, pos Position) (*Hover, error) {
	if !HasCapability(c.Capabilities().HoverProvider) {
		return nil, fmt.Errorf("hover: %w", ErrNotSupported)
	}
	raw, err := c.call(ctx, MethodHover, HoverParams{
		TextDocumentPositionParams: TextDocumentPositionParams{
			TextDocument: TextDocumentIdentifier{URI: uri},
			Position:     pos,
		},
	})
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var h Hover
	if err := json.Unmarshal(raw, &h); err != nil {
		return nil, &ProtocolError{Reason: "malformed hover result", Err: err}
	}
	return &h, nil
}

// Definition asks where the symbol at pos is defined.
func (c *Client) Definition(ctx context.Context, uri string, pos Position) ([]Location, error) {
	if !HasCapability(c.Capabilities().DefinitionProvider) {
		return nil, fmt.Errorf("definition: %w", ErrNotSupported)
	}
	raw, err := c.call(ctx, MethodDefinition, TextDocumentPositionParams{
		TextDocument: TextDocumentIdentifier{URI: uri},
		Position:     pos,
	})
	if err != nil {
		return nil, err
	}
	return ParseLocationResult(raw)
}

// call issues a request and waits for its outcome. Context cancellation
// abandons the request: the analysis process gets a cancel notification
// and a late reply is dropped.
func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	fut, err := c.sess.Request(method, params)
	if err != nil {
		return nil, err
	}
	select {
	case out := <-fut.Done():
		if out.Err != nil {
			return nil, fmt.Errorf("%s: %w", method, out.Err)
		}
		return out.Result, nil
	case <-ctx.Done():
		c.sess.CancelFuture(fut)
		return nil, fmt.Errorf("%s: %w", method, ErrRequestCancelled)
	}
}

// handleState fans a session state change out to listeners and nudges the
// supervisor on degradation.
func (c *Client) handleState(old, new SessionState) {
	if new == StateDegraded {
		c.sup.NotifyDegraded()
	}
	c.stateMu.RLock()
	fns := c.stateFns
	c.stateMu.RUnlock()
	for _, fn := range fns {
		fn(old, new)
	}
}

// handleDiagnostics caches published diagnostics and fans them out.
func (c *Client) handleDiagnostics(params PublishDiagnosticsParams) {
	c.diagMu.Lock()
	c.diags[params.URI] = params.Diagnostics
	fns := c.diagFns
	c.diagMu.Unlock()
	for _, fn := range fns {
		fn(params.URI, params.Diagnostics)
	}
}
