package lsp

import (
	"fmt"
	"sync"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/rs/zerolog"
)

// SyncPolicy selects how document changes are reported to the analysis
// process.
type SyncPolicy int

const (
	// SyncFull sends the whole document text on every change. The safe
	// default: correct against any server.
	SyncFull SyncPolicy = iota
	// SyncIncremental sends range-based edits. Requires a server that
	// declared incremental sync.
	SyncIncremental
)

// String returns the policy name.
func (p SyncPolicy) String() string {
	if p == SyncIncremental {
		return "incremental"
	}
	return "full"
}

// Edit is one range-based change to a tracked document. Positions are
// zero-based line/character with UTF-16 character counts, matching the
// wire protocol.
type Edit struct {
	Range   Range
	NewText string
}

// Document is the tracked state of one open file.
type Document struct {
	URI        string
	LanguageID string
	Version    int
	Text       string
}

// DocumentStore tracks open documents and stamps every change with a
// version that increases monotonically per document. It produces the
// notification payloads the session forwards; it never touches the
// transport itself.
type DocumentStore struct {
	mu     sync.Mutex
	policy SyncPolicy
	docs   map[string]*Document
	logger zerolog.Logger
}

// NewDocumentStore creates an empty store with the given sync policy.
func NewDocumentStore(policy SyncPolicy, logger zerolog.Logger) *DocumentStore {
	return &DocumentStore{
		policy: policy,
		docs:   make(map[string]*Document),
		logger: logger.With().Str("component", "documents").Logger(),
	}
}

// Policy returns the configured sync policy.
func (s *DocumentStore) Policy() SyncPolicy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.policy
}

// SetPolicy switches the sync policy. The session downgrades incremental
// to full when the analysis process did not declare incremental support.
func (s *DocumentStore) SetPolicy(p SyncPolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policy = p
}

// Open begins tracking a document at version 1 and returns the didOpen
// payload. Opening an already-open URI is a caller bug.
func (s *DocumentStore) Open(uri, languageID, text string) (*DidOpenTextDocumentParams, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.docs[uri]; ok {
		return nil, fmt.Errorf("open %s: already open: %w", uri, ErrInvalidDocumentState)
	}

	doc := &Document{URI: uri, LanguageID: languageID, Version: 1, Text: text}
	s.docs[uri] = doc
	s.logger.Debug().Str("uri", uri).Str("language", languageID).Msg("document opened")

	return &DidOpenTextDocumentParams{
		TextDocument: TextDocumentItem{
			URI:        uri,
			LanguageID: languageID,
			Version:    doc.Version,
			Text:       text,
		},
	}, nil
}

// ChangeFull replaces the document's entire text, bumps its version, and
// returns the didChange payload with a single whole-document change event.
func (s *DocumentStore) ChangeFull(uri, text string) (*DidChangeTextDocumentParams, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[uri]
	if !ok {
		return nil, fmt.Errorf("change %s: not open: %w", uri, ErrInvalidDocumentState)
	}

	doc.Version++
	doc.Text = text

	return &DidChangeTextDocumentParams{
		TextDocument: VersionedTextDocumentIdentifier{
			TextDocumentIdentifier: TextDocumentIdentifier{URI: uri},
			Version:                doc.Version,
		},
		ContentChanges: []TextDocumentContentChangeEvent{{Text: text}},
	}, nil
}

// ChangeIncremental applies range-based edits in order, bumps the version
// once, and returns the didChange payload carrying the same edits. An edit
// whose range does not address valid positions in the current text fails
// the whole call and leaves the document untouched.
func (s *DocumentStore) ChangeIncremental(uri string, edits []Edit) (*DidChangeTextDocumentParams, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[uri]
	if !ok {
		return nil, fmt.Errorf("change %s: not open: %w", uri, ErrInvalidDocumentState)
	}
	if len(edits) == 0 {
		return nil, fmt.Errorf("change %s: no edits: %w", uri, ErrInvalidDocumentState)
	}

	text := doc.Text
	changes := make([]TextDocumentContentChangeEvent, 0, len(edits))
	for _, e := range edits {
		next, err := applyEdit(text, e)
		if err != nil {
			return nil, fmt.Errorf("change %s: %w", uri, err)
		}
		text = next
		r := e.Range
		changes = append(changes, TextDocumentContentChangeEvent{Range: &r, Text: e.NewText})
	}

	doc.Version++
	doc.Text = text

	return &DidChangeTextDocumentParams{
		TextDocument: VersionedTextDocumentIdentifier{
			TextDocumentIdentifier: TextDocumentIdentifier{URI: uri},
			Version:                doc.Version,
		},
		ContentChanges: changes,
	}, nil
}

// Save records a save and returns the didSave payload. includeText controls
// whether the payload carries the full document text.
func (s *DocumentStore) Save(uri string, includeText bool) (*DidSaveTextDocumentParams, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[uri]
	if !ok {
		return nil, fmt.Errorf("save %s: not open: %w", uri, ErrInvalidDocumentState)
	}

	params := &DidSaveTextDocumentParams{
		TextDocument: TextDocumentIdentifier{URI: uri},
	}
	if includeText {
		params.Text = doc.Text
	}
	return params, nil
}

// Close stops tracking a document and returns the didClose payload.
func (s *DocumentStore) Close(uri string) (*DidCloseTextDocumentParams, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.docs[uri]; !ok {
		return nil, fmt.Errorf("close %s: not open: %w", uri, ErrInvalidDocumentState)
	}
	delete(s.docs, uri)
	s.logger.Debug().Str("uri", uri).Msg("document closed")

	return &DidCloseTextDocumentParams{
		TextDocument: TextDocumentIdentifier{URI: uri},
	}, nil
}

// Get returns a copy of the tracked document, if open.
func (s *DocumentStore) Get(uri string) (Document, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[uri]
	if !ok {
		return Document{}, false
	}
	return *doc, true
}

// IsOpen reports whether uri is tracked.
func (s *DocumentStore) IsOpen(uri string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.docs[uri]
	return ok
}

// Snapshot returns didOpen payloads for every tracked document at its
// current version and text. Used to resynchronize a restarted analysis
// process so it sees the same state the editor does.
func (s *DocumentStore) Snapshot() []*DidOpenTextDocumentParams {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*DidOpenTextDocumentParams, 0, len(s.docs))
	for _, doc := range s.docs {
		out = append(out, &DidOpenTextDocumentParams{
			TextDocument: TextDocumentItem{
				URI:        doc.URI,
				LanguageID: doc.LanguageID,
				Version:    doc.Version,
				Text:       doc.Text,
			},
		})
	}
	return out
}

// Len returns the number of open documents.
func (s *DocumentStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.docs)
}

// applyEdit splices e.NewText over e.Range in text.
func applyEdit(text string, e Edit) (string, error) {
	start, err := offsetFor(text, e.Range.Start)
	if err != nil {
		return "", err
	}
	end, err := offsetFor(text, e.Range.End)
	if err != nil {
		return "", err
	}
	if start > end {
		return "", fmt.Errorf("edit range start after end: %w", ErrInvalidDocumentState)
	}
	return text[:start] + e.NewText + text[end:], nil
}

// offsetFor converts a line/UTF-16-character position into a byte offset.
func offsetFor(text string, pos Position) (int, error) {
	if pos.Line < 0 || pos.Character < 0 {
		return 0, fmt.Errorf("negative position %d:%d: %w", pos.Line, pos.Character, ErrInvalidDocumentState)
	}

	// Walk to the start of the target line.
	offset := 0
	for line := 0; line < pos.Line; line++ {
		idx := indexNewline(text[offset:])
		if idx < 0 {
			return 0, fmt.Errorf("line %d out of range: %w", pos.Line, ErrInvalidDocumentState)
		}
		offset += idx + 1
	}

	// Walk UTF-16 code units within the line.
	units := 0
	for i := offset; i < len(text); {
		if units >= pos.Character {
			return i, nil
		}
		r, size := utf8.DecodeRuneInString(text[i:])
		if r == '\n' {
			break
		}
		units += utf16.RuneLen(r)
		i += size
	}
	if units == pos.Character {
		// Position at end of line or end of text.
		end := offset
		for end < len(text) && text[end] != '\n' {
			_, size := utf8.DecodeRuneInString(text[end:])
			end += size
		}
		return end, nil
	}
	return 0, fmt.Errorf("character %d out of range on line %d: %w", pos.Character, pos.Line, ErrInvalidDocumentState)
}

// indexNewline finds the first '\n' in s, or -1.
func indexNewline(s string) int {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return i
		}
	}
	return -1
}
