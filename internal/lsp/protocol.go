package lsp

import (
	"encoding/json"
	"fmt"
)

// Protocol method names used by the bridge.
const (
	MethodInitialize         = "initialize"
	MethodInitialized        = "initialized"
	MethodShutdown           = "shutdown"
	MethodExit               = "exit"
	MethodCancelRequest      = "$/cancelRequest"
	MethodDidOpen            = "textDocument/didOpen"
	MethodDidChange          = "textDocument/didChange"
	MethodDidClose           = "textDocument/didClose"
	MethodDidSave            = "textDocument/didSave"
	MethodCompletion         = "textDocument/completion"
	MethodHover              = "textDocument/hover"
	MethodDefinition         = "textDocument/definition"
	MethodPublishDiagnostics = "textDocument/publishDiagnostics"
	MethodLogMessage         = "window/logMessage"
	MethodShowMessage        = "window/showMessage"
)

// Position is a zero-based line/character location. Character offsets count
// UTF-16 code units, per the protocol's default encoding.
type Position struct {
	Line      int `json:"line"`
	Character int `json:"character"`
}

// Range is a half-open [start, end) span within a document.
type Range struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

// Location is a range within a document identified by URI.
type Location struct {
	URI   string `json:"uri"`
	Range Range  `json:"range"`
}

// locationLink is the richer definition result shape some servers return.
type locationLink struct {
	TargetURI   string `json:"targetUri"`
	TargetRange Range  `json:"targetSelectionRange"`
}

// TextDocumentIdentifier names a document by URI.
type TextDocumentIdentifier struct {
	URI string `json:"uri"`
}

// VersionedTextDocumentIdentifier names a document and a sync version.
type VersionedTextDocumentIdentifier struct {
	TextDocumentIdentifier
	Version int `json:"version"`
}

// TextDocumentItem carries a document's full identity and content.
type TextDocumentItem struct {
	URI        string `json:"uri"`
	LanguageID string `json:"languageId"`
	Version    int    `json:"version"`
	Text       string `json:"text"`
}

// TextDocumentPositionParams addresses a position within a document.
type TextDocumentPositionParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
	Position     Position               `json:"position"`
}

// TextDocumentContentChangeEvent describes one content change. A nil Range
// means the full document was replaced by Text.
type TextDocumentContentChangeEvent struct {
	Range *Range `json:"range,omitempty"`
	Text  string `json:"text"`
}

// DidOpenTextDocumentParams is the payload of textDocument/didOpen.
type DidOpenTextDocumentParams struct {
	TextDocument TextDocumentItem `json:"textDocument"`
}

// DidChangeTextDocumentParams is the payload of textDocument/didChange.
type DidChangeTextDocumentParams struct {
	TextDocument   VersionedTextDocumentIdentifier  `json:"textDocument"`
	ContentChanges []TextDocumentContentChangeEvent `json:"contentChanges"`
}

// DidCloseTextDocumentParams is the payload of textDocument/didClose.
type DidCloseTextDocumentParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
}

// DidSaveTextDocumentParams is the payload of textDocument/didSave.
type DidSaveTextDocumentParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
	Text         string                 `json:"text,omitempty"`
}

// WorkspaceFolder names one root of the workspace.
type WorkspaceFolder struct {
	URI  string `json:"uri"`
	Name string `json:"name"`
}

// ClientInfo identifies the client during initialize.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// InitializeParams is the payload of the initialize request.
type InitializeParams struct {
	ProcessID             int                `json:"processId,omitempty"`
	ClientInfo            *ClientInfo        `json:"clientInfo,omitempty"`
	RootURI               string             `json:"rootUri,omitempty"`
	InitializationOptions any                `json:"initializationOptions,omitempty"`
	Capabilities          ClientCapabilities `json:"capabilities"`
	WorkspaceFolders      []WorkspaceFolder  `json:"workspaceFolders,omitempty"`
}

// ClientCapabilities declares what this client understands. Only the
// features the bridge actually consumes are declared.
type ClientCapabilities struct {
	TextDocument TextDocumentClientCapabilities `json:"textDocument"`
	Workspace    WorkspaceClientCapabilities    `json:"workspace"`
}

// TextDocumentClientCapabilities covers per-document features.
type TextDocumentClientCapabilities struct {
	Synchronization SyncClientCapabilities       `json:"synchronization"`
	Completion      CompletionClientCapabilities `json:"completion"`
	Hover           HoverClientCapabilities      `json:"hover"`
}

// SyncClientCapabilities covers document synchronization.
type SyncClientCapabilities struct {
	DynamicRegistration bool `json:"dynamicRegistration"`
	WillSave            bool `json:"willSave"`
	WillSaveWaitUntil   bool `json:"willSaveWaitUntil"`
	DidSave             bool `json:"didSave"`
}

// CompletionClientCapabilities covers completion support.
type CompletionClientCapabilities struct {
	DynamicRegistration bool                       `json:"dynamicRegistration"`
	ContextSupport      bool                       `json:"contextSupport"`
	CompletionItem      CompletionItemCapabilities `json:"completionItem"`
}

// CompletionItemCapabilities covers per-item completion support.
type CompletionItemCapabilities struct {
	SnippetSupport      bool     `json:"snippetSupport"`
	DocumentationFormat []string `json:"documentationFormat,omitempty"`
}

// HoverClientCapabilities covers hover support.
type HoverClientCapabilities struct {
	DynamicRegistration bool     `json:"dynamicRegistration"`
	ContentFormat       []string `json:"contentFormat,omitempty"`
}

// WorkspaceClientCapabilities covers workspace-level features.
type WorkspaceClientCapabilities struct {
	WorkspaceFolders bool `json:"workspaceFolders"`
}

// DefaultClientCapabilities returns the capabilities the bridge declares:
// plain-text-or-markdown documentation, no snippets, full save support.
func DefaultClientCapabilities() ClientCapabilities {
	return ClientCapabilities{
		TextDocument: TextDocumentClientCapabilities{
			Synchronization: SyncClientCapabilities{
				DidSave: true,
			},
			Completion: CompletionClientCapabilities{
				ContextSupport: true,
				CompletionItem: CompletionItemCapabilities{
					SnippetSupport:      false,
					DocumentationFormat: []string{"plaintext", "markdown"},
				},
			},
			Hover: HoverClientCapabilities{
				ContentFormat: []string{"plaintext", "markdown"},
			},
		},
		Workspace: WorkspaceClientCapabilities{
			WorkspaceFolders: true,
		},
	}
}

// InitializedParams is the (empty) payload of the initialized notification.
type InitializedParams struct{}

// InitializeResult is the reply to initialize.
type InitializeResult struct {
	Capabilities ServerCapabilities `json:"capabilities"`
	ServerInfo   *ServerInfo        `json:"serverInfo,omitempty"`
}

// ServerInfo identifies the analysis process.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// ServerCapabilities is the immutable snapshot of what the analysis process
// declared during the handshake. Read-only after the session enters Ready.
// Provider fields use `any` because the protocol allows bool or options
// objects interchangeably; use HasCapability to test them.
type ServerCapabilities struct {
	TextDocumentSync   any                `json:"textDocumentSync,omitempty"`
	CompletionProvider *CompletionOptions `json:"completionProvider,omitempty"`
	HoverProvider      any                `json:"hoverProvider,omitempty"`
	DefinitionProvider any                `json:"definitionProvider,omitempty"`
}

// CompletionOptions declares completion support details.
type CompletionOptions struct {
	TriggerCharacters []string `json:"triggerCharacters,omitempty"`
	ResolveProvider   bool     `json:"resolveProvider,omitempty"`
}

// TextDocumentSyncKind is the change-notification granularity a server asks
// for.
type TextDocumentSyncKind int

const (
	// SyncKindNone means the server wants no change notifications.
	SyncKindNone TextDocumentSyncKind = 0
	// SyncKindFull means whole-document contents on every change.
	SyncKindFull TextDocumentSyncKind = 1
	// SyncKindIncremental means range-based edits.
	SyncKindIncremental TextDocumentSyncKind = 2
)

// SyncKind extracts the change-sync kind from the capability snapshot.
// Servers declare it either as a bare number or as an options object.
func (c ServerCapabilities) SyncKind() TextDocumentSyncKind {
	switch v := c.TextDocumentSync.(type) {
	case float64:
		return TextDocumentSyncKind(int(v))
	case map[string]any:
		if change, ok := v["change"].(float64); ok {
			return TextDocumentSyncKind(int(change))
		}
	}
	return SyncKindNone
}

// HasCapability interprets a provider field that may be bool or an options
// object: anything non-nil and non-false counts as supported.
func HasCapability(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	default:
		return true
	}
}

// CompletionTriggerKind explains why completion was requested.
type CompletionTriggerKind int

const (
	// CompletionTriggerInvoked means the user asked explicitly.
	CompletionTriggerInvoked CompletionTriggerKind = 1
	// CompletionTriggerCharacter means a trigger character was typed.
	CompletionTriggerCharacter CompletionTriggerKind = 2
)

// CompletionContext carries the trigger that caused a completion request.
type CompletionContext struct {
	TriggerKind      CompletionTriggerKind `json:"triggerKind"`
	TriggerCharacter string                `json:"triggerCharacter,omitempty"`
}

// CompletionParams is the payload of textDocument/completion.
type CompletionParams struct {
	TextDocumentPositionParams
	Context *CompletionContext `json:"context,omitempty"`
}

// CompletionList is the normalized completion reply.
type CompletionList struct {
	IsIncomplete bool             `json:"isIncomplete"`
	Items        []CompletionItem `json:"items"`
}

// CompletionItem is one completion candidate.
type CompletionItem struct {
	Label         string          `json:"label"`
	Kind          int             `json:"kind,omitempty"`
	Detail        string          `json:"detail,omitempty"`
	Documentation json.RawMessage `json:"documentation,omitempty"`
	SortText      string          `json:"sortText,omitempty"`
	FilterText    string          `json:"filterText,omitempty"`
	InsertText    string          `json:"insertText,omitempty"`
	TextEdit      *TextEdit       `json:"textEdit,omitempty"`
}

// DocumentationText normalizes the documentation field, which servers send
// as a bare string or as MarkupContent.
func (i CompletionItem) DocumentationText() string {
	return markupOrString(i.Documentation)
}

// TextEdit replaces a range with new text.
type TextEdit struct {
	Range   Range  `json:"range"`
	NewText string `json:"newText"`
}

// MarkupContent is typed rich text.
type MarkupContent struct {
	Kind  string `json:"kind"`
	Value string `json:"value"`
}

// HoverParams is the payload of textDocument/hover.
type HoverParams struct {
	TextDocumentPositionParams
}

// Hover is the reply to textDocument/hover. Contents stays raw because the
// protocol permits several shapes; use ContentsText.
type Hover struct {
	Contents json.RawMessage `json:"contents"`
	Range    *Range          `json:"range,omitempty"`
}

// ContentsText normalizes hover contents: MarkupContent, a bare string, or
// an array of marked strings (first element wins).
func (h *Hover) ContentsText() string {
	if h == nil || len(h.Contents) == 0 {
		return ""
	}

	var arr []json.RawMessage
	if err := json.Unmarshal(h.Contents, &arr); err == nil {
		if len(arr) == 0 {
			return ""
		}
		return markupOrString(arr[0])
	}
	return markupOrString(h.Contents)
}

// markupOrString extracts text from raw JSON that is either a string, a
// MarkupContent object, or a {language, value} marked string.
func markupOrString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var m MarkupContent
	if err := json.Unmarshal(raw, &m); err == nil && m.Value != "" {
		return m.Value
	}
	return ""
}

// Diagnostic is one analysis finding for a document.
type Diagnostic struct {
	Range    Range              `json:"range"`
	Severity DiagnosticSeverity `json:"severity,omitempty"`
	Code     any                `json:"code,omitempty"`
	Source   string             `json:"source,omitempty"`
	Message  string             `json:"message"`
}

// DiagnosticSeverity grades a diagnostic.
type DiagnosticSeverity int

const (
	SeverityError   DiagnosticSeverity = 1
	SeverityWarning DiagnosticSeverity = 2
	SeverityInfo    DiagnosticSeverity = 3
	SeverityHint    DiagnosticSeverity = 4
)

// String returns a human-readable severity name.
func (s DiagnosticSeverity) String() string {
	switch s {
	case SeverityError:
		return "error"
	case SeverityWarning:
		return "warning"
	case SeverityInfo:
		return "info"
	case SeverityHint:
		return "hint"
	default:
		return "unknown"
	}
}

// PublishDiagnosticsParams is the payload of
// textDocument/publishDiagnostics.
type PublishDiagnosticsParams struct {
	URI         string       `json:"uri"`
	Version     int          `json:"version,omitempty"`
	Diagnostics []Diagnostic `json:"diagnostics"`
}

// CancelParams is the payload of $/cancelRequest.
type CancelParams struct {
	ID int64 `json:"id"`
}

// LogMessageParams is the payload of window/logMessage.
type LogMessageParams struct {
	Type    int    `json:"type"`
	Message string `json:"message"`
}

// ParseCompletionResult normalizes a completion reply, which servers send
// as a CompletionList, a bare item array, or null.
func ParseCompletionResult(raw json.RawMessage) (*CompletionList, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return &CompletionList{}, nil
	}

	switch raw[0] {
	case '{':
		var list CompletionList
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, fmt.Errorf("completion list: %w", err)
		}
		if list.Items == nil {
			list.Items = []CompletionItem{}
		}
		return &list, nil
	case '[':
		var items []CompletionItem
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, fmt.Errorf("completion items: %w", err)
		}
		return &CompletionList{Items: items}, nil
	default:
		return nil, fmt.Errorf("unrecognized completion result shape")
	}
}

// ParseLocationResult normalizes a definition reply, which servers send as
// a Location, a Location array, a LocationLink array, or null.
func ParseLocationResult(raw json.RawMessage) ([]Location, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var one Location
	if err := json.Unmarshal(raw, &one); err == nil && one.URI != "" {
		return []Location{one}, nil
	}

	var many []Location
	if err := json.Unmarshal(raw, &many); err == nil && (len(many) == 0 || many[0].URI != "") {
		return many, nil
	}

	var links []locationLink
	if err := json.Unmarshal(raw, &links); err == nil {
		locs := make([]Location, 0, len(links))
		for _, l := range links {
			locs = append(locs, Location{URI: l.TargetURI, Range: l.TargetRange})
		}
		return locs, nil
	}

	return nil, fmt.Errorf("unrecognized definition result shape")
}
