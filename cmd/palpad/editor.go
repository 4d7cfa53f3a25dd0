package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rs/zerolog"

	"github.com/papyruspal/papyruspal/internal/lsp"
)

// editor is a small terminal editor around one document, wired to the
// language bridge. Single-goroutine: the tcell event loop is the only
// place buffer state is touched; bridge callbacks just post interrupt
// events to wake it.
type editor struct {
	screen tcell.Screen
	client *lsp.Client
	logger zerolog.Logger

	path  string
	uri   string
	lines []string
	curX  int // rune index within line
	curY  int
	topY  int // first visible line
	dirty bool

	completions []lsp.CompletionItem
	completeSel int
	showPopup   bool

	statusMsg   string
	statusUntil time.Time

	// quit is set from the signal handler's goroutine while runLoop reads
	// it, so it has to be atomic.
	quit atomic.Bool
}

func newEditor(client *lsp.Client, logger zerolog.Logger) (*editor, error) {
	screen, err := tcell.NewScreen()
	if err != nil {
		return nil, err
	}
	if err := screen.Init(); err != nil {
		return nil, err
	}

	ed := &editor{
		screen: screen,
		client: client,
		logger: logger.With().Str("component", "editor").Logger(),
		lines:  []string{""},
	}

	// Diagnostics and state changes arrive on bridge goroutines; wake the
	// event loop so the next draw reflects them.
	client.OnDiagnostics(func(string, []lsp.Diagnostic) {
		_ = screen.PostEvent(tcell.NewEventInterrupt(nil))
	})
	client.OnStateChange(func(_, _ lsp.SessionState) {
		_ = screen.PostEvent(tcell.NewEventInterrupt(nil))
	})
	return ed, nil
}

func (e *editor) close() {
	e.screen.Fini()
}

func (e *editor) requestQuit() {
	e.quit.Store(true)
	_ = e.screen.PostEvent(tcell.NewEventInterrupt(nil))
}

// openFile loads path into the buffer and announces it to the bridge.
func (e *editor) openFile(path string) error {
	uri, err := e.client.OpenFile(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	e.path = path
	e.uri = uri
	e.lines = strings.Split(string(data), "\n")
	if len(e.lines) == 0 {
		e.lines = []string{""}
	}
	return nil
}

func (e *editor) runLoop() error {
	for !e.quit.Load() {
		e.draw()
		ev := e.screen.PollEvent()
		switch ev := ev.(type) {
		case *tcell.EventKey:
			e.handleKey(ev)
		case *tcell.EventResize:
			e.screen.Sync()
		case *tcell.EventInterrupt:
			// Redraw on the next loop turn.
		}
	}
	return nil
}

func (e *editor) handleKey(ev *tcell.EventKey) {
	if e.showPopup {
		if e.handlePopupKey(ev) {
			return
		}
	}

	switch ev.Key() {
	case tcell.KeyCtrlQ:
		e.quit.Store(true)
	case tcell.KeyCtrlS:
		e.saveFile()
	case tcell.KeyCtrlR:
		e.restartServer()
	case tcell.KeyCtrlK:
		e.showHover()
	case tcell.KeyCtrlG:
		e.jumpToDefinition()
	case tcell.KeyCtrlSpace:
		e.requestCompletion()
	case tcell.KeyUp:
		e.moveCursor(0, -1)
	case tcell.KeyDown:
		e.moveCursor(0, 1)
	case tcell.KeyLeft:
		e.moveCursor(-1, 0)
	case tcell.KeyRight:
		e.moveCursor(1, 0)
	case tcell.KeyHome:
		e.curX = 0
	case tcell.KeyEnd:
		e.curX = len([]rune(e.lines[e.curY]))
	case tcell.KeyEnter:
		e.insertNewline()
	case tcell.KeyBackspace, tcell.KeyBackspace2:
		e.deleteBack()
	case tcell.KeyTab:
		e.insertRunes([]rune("    "))
	case tcell.KeyRune:
		e.insertRunes([]rune{ev.Rune()})
	}
}

func (e *editor) handlePopupKey(ev *tcell.EventKey) bool {
	switch ev.Key() {
	case tcell.KeyEscape:
		e.showPopup = false
		return true
	case tcell.KeyUp:
		if e.completeSel > 0 {
			e.completeSel--
		}
		return true
	case tcell.KeyDown:
		if e.completeSel < len(e.completions)-1 {
			e.completeSel++
		}
		return true
	case tcell.KeyEnter, tcell.KeyTab:
		e.acceptCompletion()
		return true
	}
	e.showPopup = false
	return false
}

func (e *editor) moveCursor(dx, dy int) {
	e.curY = clamp(e.curY+dy, 0, len(e.lines)-1)
	e.curX = clamp(e.curX+dx, 0, len([]rune(e.lines[e.curY])))
}

func (e *editor) insertRunes(rs []rune) {
	line := []rune(e.lines[e.curY])
	line = append(line[:e.curX], append(rs, line[e.curX:]...)...)
	e.lines[e.curY] = string(line)
	e.curX += len(rs)
	e.bufferChanged()
}

func (e *editor) insertNewline() {
	line := []rune(e.lines[e.curY])
	before, after := string(line[:e.curX]), string(line[e.curX:])
	e.lines[e.curY] = before
	rest := append([]string{after}, e.lines[e.curY+1:]...)
	e.lines = append(e.lines[:e.curY+1], rest...)
	e.curY++
	e.curX = 0
	e.bufferChanged()
}

func (e *editor) deleteBack() {
	if e.curX > 0 {
		line := []rune(e.lines[e.curY])
		e.lines[e.curY] = string(append(line[:e.curX-1], line[e.curX:]...))
		e.curX--
		e.bufferChanged()
		return
	}
	if e.curY > 0 {
		prev := []rune(e.lines[e.curY-1])
		e.curX = len(prev)
		e.lines[e.curY-1] += e.lines[e.curY]
		e.lines = append(e.lines[:e.curY], e.lines[e.curY+1:]...)
		e.curY--
		e.bufferChanged()
	}
}

// bufferChanged pushes the new full text to the bridge.
func (e *editor) bufferChanged() {
	e.dirty = true
	e.showPopup = false
	if e.uri == "" {
		return
	}
	if err := e.client.ChangeDocument(e.uri, strings.Join(e.lines, "\n")); err != nil {
		e.logger.Warn().Err(err).Msg("change notification failed")
	}
}

func (e *editor) saveFile() {
	if e.path == "" {
		e.setStatus("no file to save")
		return
	}
	if err := os.WriteFile(e.path, []byte(strings.Join(e.lines, "\n")), 0o644); err != nil {
		e.setStatus("save failed: " + err.Error())
		return
	}
	e.dirty = false
	if err := e.client.SaveDocument(e.uri); err != nil {
		e.logger.Warn().Err(err).Msg("save notification failed")
	}
	e.setStatus("saved " + e.path)
}

func (e *editor) restartServer() {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := e.client.Restart(ctx); err != nil {
		e.setStatus("restart: " + err.Error())
		return
	}
	e.setStatus("language server restarted")
}

func (e *editor) position() lsp.Position {
	// Rune index approximates the UTF-16 column; exact for the BMP text
	// Papyrus sources are written in.
	return lsp.Position{Line: e.curY, Character: e.curX}
}

func (e *editor) requestCompletion() {
	if e.uri == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	list, err := e.client.Completion(ctx, e.uri, e.position(), &lsp.CompletionContext{
		TriggerKind: lsp.CompletionTriggerInvoked,
	})
	if err != nil {
		e.setStatus("completion: " + err.Error())
		return
	}
	if len(list.Items) == 0 {
		e.setStatus("no completions")
		return
	}
	e.completions = list.Items
	e.completeSel = 0
	e.showPopup = true
}

func (e *editor) acceptCompletion() {
	e.showPopup = false
	if e.completeSel >= len(e.completions) {
		return
	}
	item := e.completions[e.completeSel]
	text := item.InsertText
	if text == "" {
		text = item.Label
	}
	// Replace the identifier fragment before the cursor.
	line := []rune(e.lines[e.curY])
	start := e.curX
	for start > 0 && isIdentRune(line[start-1]) {
		start--
	}
	e.lines[e.curY] = string(line[:start]) + text + string(line[e.curX:])
	e.curX = start + len([]rune(text))
	e.bufferChanged()
}

func (e *editor) showHover() {
	if e.uri == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	h, err := e.client.Hover(ctx, e.uri, e.position())
	if err != nil {
		e.setStatus("hover: " + err.Error())
		return
	}
	if h == nil {
		e.setStatus("no documentation")
		return
	}
	text := strings.ReplaceAll(h.ContentsText(), "\n", " ")
	if rs := []rune(text); len(rs) > 200 {
		text = string(rs[:200])
	}
	e.setStatus(text)
}

func (e *editor) jumpToDefinition() {
	if e.uri == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	locs, err := e.client.Definition(ctx, e.uri, e.position())
	if err != nil {
		e.setStatus("definition: " + err.Error())
		return
	}
	if len(locs) == 0 {
		e.setStatus("definition not found")
		return
	}
	loc := locs[0]
	if loc.URI != e.uri {
		e.setStatus("definition in " + lsp.URIPath(loc.URI))
		return
	}
	e.curY = clamp(loc.Range.Start.Line, 0, len(e.lines)-1)
	e.curX = clamp(loc.Range.Start.Character, 0, len([]rune(e.lines[e.curY])))
}

func (e *editor) setStatus(msg string) {
	e.statusMsg = msg
	e.statusUntil = time.Now().Add(4 * time.Second)
}

func (e *editor) draw() {
	e.screen.Clear()
	w, h := e.screen.Size()
	textHeight := h - 1

	// Keep the cursor in view.
	if e.curY < e.topY {
		e.topY = e.curY
	}
	if e.curY >= e.topY+textHeight {
		e.topY = e.curY - textHeight + 1
	}

	diagLines := map[int]lsp.DiagnosticSeverity{}
	for _, d := range e.client.Diagnostics(e.uri) {
		if sev, ok := diagLines[d.Range.Start.Line]; !ok || d.Severity < sev {
			diagLines[d.Range.Start.Line] = d.Severity
		}
	}

	for row := 0; row < textHeight; row++ {
		lineNo := e.topY + row
		if lineNo >= len(e.lines) {
			break
		}
		style := tcell.StyleDefault
		if sev, ok := diagLines[lineNo]; ok {
			if sev == lsp.SeverityError {
				style = style.Foreground(tcell.ColorRed)
			} else {
				style = style.Foreground(tcell.ColorYellow)
			}
		}
		drawText(e.screen, 0, row, w, style, e.lines[lineNo])
	}

	e.drawStatus(w, h-1)
	if e.showPopup {
		e.drawPopup(w, textHeight)
	}

	e.screen.ShowCursor(e.curX, e.curY-e.topY)
	e.screen.Show()
}

func (e *editor) drawStatus(w, row int) {
	name := e.path
	if name == "" {
		name = "[no file]"
	}
	mod := ""
	if e.dirty {
		mod = " [+]"
	}

	var right string
	if time.Now().Before(e.statusUntil) {
		right = e.statusMsg
	} else {
		errs, warns := 0, 0
		for _, d := range e.client.Diagnostics(e.uri) {
			if d.Severity == lsp.SeverityError {
				errs++
			} else {
				warns++
			}
		}
		right = fmt.Sprintf("lsp:%s  E:%d W:%d  %d:%d", e.client.State(), errs, warns, e.curY+1, e.curX+1)
	}

	style := tcell.StyleDefault.Reverse(true)
	line := " " + name + mod
	pad := w - len([]rune(line)) - len([]rune(right)) - 1
	if pad < 1 {
		pad = 1
	}
	drawText(e.screen, 0, row, w, style, line+strings.Repeat(" ", pad)+right+" ")
}

func (e *editor) drawPopup(w, textHeight int) {
	const maxItems = 8
	x := clamp(e.curX, 0, w-30)
	y := e.curY - e.topY + 1
	if y+maxItems > textHeight {
		y = e.curY - e.topY - maxItems
		if y < 0 {
			y = 0
		}
	}

	n := len(e.completions)
	if n > maxItems {
		n = maxItems
	}
	first := 0
	if e.completeSel >= maxItems {
		first = e.completeSel - maxItems + 1
	}

	for i := 0; i < n; i++ {
		item := e.completions[first+i]
		style := tcell.StyleDefault.Reverse(true)
		if first+i == e.completeSel {
			style = tcell.StyleDefault.Bold(true)
		}
		label := item.Label
		if item.Detail != "" {
			label += "  " + item.Detail
		}
		if rs := []rune(label); len(rs) > 30 {
			label = string(rs[:30])
		}
		pad := 30 - len([]rune(label))
		if pad < 0 {
			pad = 0
		}
		drawText(e.screen, x, y+i, 30, style, label+strings.Repeat(" ", pad))
	}
}

func drawText(s tcell.Screen, x, y, maxW int, style tcell.Style, text string) {
	col := x
	for _, r := range text {
		if col >= x+maxW {
			return
		}
		s.SetContent(col, y, r, nil, style)
		col++
	}
}

func isIdentRune(r rune) bool {
	return r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
