package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"

	"github.com/vnmchuo/scribeflow/internal/provider"
)

// RelayState tracks where a relayed stream is in its lifecycle.
type RelayState int

const (
	RelayStreaming RelayState = iota
	RelayDone
	RelayErrored
	RelayCanceled
)

func (s RelayState) String() string {
	switch s {
	case RelayStreaming:
		return "streaming"
	case RelayDone:
		return "done"
	case RelayErrored:
		return "errored"
	case RelayCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

type contentFrame struct {
	Content  string `json:"content"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

type doneFrame struct {
	Done bool `json:"done"`
}

type errorFrame struct {
	Error string `json:"error"`
}

// SetStreamHeaders marks a response as an unbuffered server-sent event stream.
func SetStreamHeaders(h http.Header) {
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

// Relay turns a chunk stream into server-sent event frames. Every content
// frame carries the provider and model; the stream ends with exactly one
// done or error frame unless the client goes away first.
type Relay struct {
	w        http.ResponseWriter
	flusher  http.Flusher
	provider string
	model    string

	state     RelayState
	fragments int
	err       error
}

func NewRelay(w http.ResponseWriter, id provider.ID, model string) *Relay {
	flusher, _ := w.(http.Flusher)
	return &Relay{
		w:        w,
		flusher:  flusher,
		provider: id.String(),
		model:    model,
	}
}

// State returns the relay's current state.
func (r *Relay) State() RelayState { return r.state }

// Fragments returns how many content frames were written.
func (r *Relay) Fragments() int { return r.fragments }

// Err returns the error that ended the stream, if any.
func (r *Relay) Err() error { return r.err }

// Run writes headers and then one frame per chunk until the stream reaches a
// terminal state, which it returns. A cancelled ctx or a failed write ends the
// relay in RelayCanceled without a terminal frame.
func (r *Relay) Run(ctx context.Context, chunks <-chan *provider.Chunk) RelayState {
	SetStreamHeaders(r.w.Header())
	r.w.WriteHeader(http.StatusOK)
	r.flush()

	for r.state == RelayStreaming {
		select {
		case <-ctx.Done():
			r.state = RelayCanceled
			r.err = ctx.Err()
		case chunk, ok := <-chunks:
			switch {
			case !ok:
				if ctx.Err() != nil {
					r.state = RelayCanceled
					r.err = ctx.Err()
					break
				}
				r.finish(RelayDone, doneFrame{Done: true})
			case chunk.Err != nil:
				r.err = chunk.Err
				r.finish(RelayErrored, errorFrame{Error: chunk.Err.Error()})
			case chunk.Done:
				r.finish(RelayDone, doneFrame{Done: true})
			case chunk.Delta != "":
				if err := r.write(contentFrame{Content: chunk.Delta, Provider: r.provider, Model: r.model}); err != nil {
					r.state = RelayCanceled
					r.err = err
					break
				}
				r.fragments++
			}
		}
	}
	return r.state
}

func (r *Relay) finish(state RelayState, frame any) {
	if err := r.write(frame); err != nil {
		r.state = RelayCanceled
		if r.err == nil {
			r.err = err
		}
		return
	}
	r.state = state
}

func (r *Relay) write(frame any) error {
	var buf bytes.Buffer
	buf.WriteString("data: ")
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(frame); err != nil {
		return err
	}
	// Encode terminates with a newline; one more closes the event.
	buf.WriteByte('\n')

	if _, err := r.w.Write(buf.Bytes()); err != nil {
		return err
	}
	r.flush()
	return nil
}

func (r *Relay) flush() {
	if r.flusher != nil {
		r.flusher.Flush()
	}
}
