package lsp

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Transport owns the framed byte stream to the analysis process. It frames
// outgoing payloads, decodes incoming frames, and nothing else: protocol
// semantics live in the codec and the session.
//
// Framing follows the LSP base protocol: textual headers terminated by a
// blank line, with Content-Length giving the exact byte count of the body.
// A malformed header fails that frame without tearing down the stream, but
// maxFrameStrikes consecutive malformed frames are stream-fatal.
type Transport struct {
	reader *bufio.Reader
	writer io.Writer
	closer io.Closer
	logger zerolog.Logger

	writeCh chan []byte
	failCh  chan error

	strikes  int
	writeErr atomic.Value // error, sticky after the first write failure
	closed   atomic.Bool
	done     chan struct{}
	wg       sync.WaitGroup
}

// maxFrameStrikes is how many consecutive malformed frames the read side
// tolerates before declaring the stream fatal.
const maxFrameStrikes = 3

// writeQueueDepth bounds the outbound frame queue. Send never blocks the
// caller; a full queue surfaces as a TransportError instead.
const writeQueueDepth = 256

// closeDrainTimeout is how long Close waits for the write loop to flush
// queued frames before severing the stream under it. A process that
// stopped draining its stdin must not park Close forever.
const closeDrainTimeout = 200 * time.Millisecond

// NewTransport creates a transport over the given streams. closer may be
// nil when stream lifetime is owned elsewhere (e.g. by the process handle).
func NewTransport(r io.Reader, w io.Writer, c io.Closer, logger zerolog.Logger) *Transport {
	return &Transport{
		reader:  bufio.NewReaderSize(r, 64*1024),
		writer:  w,
		closer:  c,
		logger:  logger.With().Str("component", "transport").Logger(),
		writeCh: make(chan []byte, writeQueueDepth),
		failCh:  make(chan error, 1),
		done:    make(chan struct{}),
	}
}

// Start launches the write loop. Receive may be called without Start, but
// Send requires it.
func (t *Transport) Start() {
	t.wg.Add(1)
	go t.writeLoop()
}

// Send queues one payload for transmission as a single frame. Frames are
// written in Send order. Send never blocks: if the analysis process has
// stopped draining its input, the queue fills and Send fails.
func (t *Transport) Send(payload []byte) error {
	if t.closed.Load() {
		return &TransportError{Op: "send", Fatal: true, Err: ErrSessionTerminated}
	}
	if err := t.stickyWriteErr(); err != nil {
		return err
	}
	select {
	case t.writeCh <- payload:
		return nil
	case <-t.done:
		return &TransportError{Op: "send", Fatal: true, Err: ErrSessionTerminated}
	default:
		return &TransportError{Op: "send", Err: ErrWriteQueueFull}
	}
}

// writeLoop drains the queue and writes frames in order. On close it
// flushes frames that were queued before the close, so a final goodbye
// notification is not lost.
func (t *Transport) writeLoop() {
	defer t.wg.Done()
	for {
		select {
		case <-t.done:
			for {
				select {
				case payload := <-t.writeCh:
					if err := t.writeFrame(payload); err != nil {
						t.failWrite(err)
						return
					}
				default:
					return
				}
			}
		case payload := <-t.writeCh:
			if err := t.writeFrame(payload); err != nil {
				t.failWrite(err)
				return
			}
		}
	}
}

// writeFrame writes one header block and body.
func (t *Transport) writeFrame(payload []byte) error {
	header := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(payload))
	if _, err := io.WriteString(t.writer, header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if _, err := t.writer.Write(payload); err != nil {
		return fmt.Errorf("write body: %w", err)
	}
	return nil
}

// failWrite records the first write failure and reports it on the failure
// channel. Later Sends return the same error.
func (t *Transport) failWrite(err error) {
	werr := &TransportError{Op: "write", Fatal: true, Err: err}
	t.writeErr.CompareAndSwap(nil, error(werr))
	select {
	case t.failCh <- werr:
	default:
	}
	t.logger.Error().Err(err).Msg("write loop terminated")
}

func (t *Transport) stickyWriteErr() error {
	if v := t.writeErr.Load(); v != nil {
		return v.(error)
	}
	return nil
}

// Failed reports fatal write-side failures. The channel receives at most
// one error for the lifetime of the transport.
func (t *Transport) Failed() <-chan error {
	return t.failCh
}

// Receive blocks until one complete frame arrives and returns its body.
// Frames are returned in arrival order. A recoverable framing fault returns
// a non-fatal TransportError for that frame; after maxFrameStrikes
// consecutive faults, or on stream EOF, the error is fatal.
func (t *Transport) Receive() ([]byte, error) {
	if t.closed.Load() {
		return nil, &TransportError{Op: "receive", Fatal: true, Err: ErrSessionTerminated}
	}

	body, err := t.readFrame()
	if err == nil {
		t.strikes = 0
		return body, nil
	}

	if isStreamEnd(err) {
		return nil, &TransportError{Op: "receive", Fatal: true, Err: err}
	}

	t.strikes++
	t.logger.Warn().Err(err).Int("strikes", t.strikes).Msg("malformed frame")
	if t.strikes >= maxFrameStrikes {
		return nil, &TransportError{Op: "receive", Fatal: true, Err: fmt.Errorf("%d consecutive malformed frames: %w", t.strikes, err)}
	}
	return nil, &TransportError{Op: "receive", Err: err}
}

// readFrame reads one header block and its body.
func (t *Transport) readFrame() ([]byte, error) {
	contentLength := -1
	for {
		line, err := t.reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break // end of headers
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("malformed header line %q", line)
		}
		if strings.EqualFold(strings.TrimSpace(name), "content-length") {
			n, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil || n < 0 {
				return nil, fmt.Errorf("bad content-length %q", strings.TrimSpace(value))
			}
			contentLength = n
		}
		// Content-Type and any other headers are ignored.
	}

	if contentLength < 0 {
		return nil, errors.New("missing content-length header")
	}

	body := make([]byte, contentLength)
	if _, err := io.ReadFull(t.reader, body); err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

// isStreamEnd reports whether err means the stream is gone for good.
func isStreamEnd(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe)
}

// Close releases the underlying stream. Queued frames get a short grace
// period to flush; if the write loop is stuck on a pipe nobody is reading,
// the closer severs the stream so Close cannot hang. Close is idempotent.
func (t *Transport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	close(t.done)

	drained := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(drained)
		// The write loop is gone; nothing else sends on failCh.
		close(t.failCh)
	}()

	select {
	case <-drained:
	case <-time.After(closeDrainTimeout):
	}

	var err error
	if t.closer != nil {
		err = t.closer.Close()
		// The severed stream fails any in-flight write.
		<-drained
	}
	return err
}

// IsClosed reports whether the transport has been closed.
func (t *Transport) IsClosed() bool {
	return t.closed.Load()
}
