package http

import (
	"encoding/json"
	"fmt"
	"iter"
	"net/http"

	"TalquiChat/internal/domain"
)

// responder writes a completion result to the client. The returned error
// is for logging only: the responder has already answered the client.
type responder func(w http.ResponseWriter, r *http.Request) error

// compact picks the wire shape from the result variant alone.
func compact(res domain.CompletionResult) responder {
	switch res.Kind {
	case domain.ResultBlocking:
		return blockingResponder(res.Answer)
	case domain.ResultStreaming:
		return streamingResponder(res.Chunks)
	default:
		return func(w http.ResponseWriter, _ *http.Request) error {
			writeErr(w, http.StatusInternalServerError, "internal", "internal error")
			return fmt.Errorf("unknown completion result kind %d", res.Kind)
		}
	}
}

func blockingResponder(answer domain.Answer) responder {
	return func(w http.ResponseWriter, _ *http.Request) error {
		body, err := json.Marshal(answer)
		if err != nil {
			writeErr(w, http.StatusInternalServerError, "internal", "internal error")
			return fmt.Errorf("encode answer: %w", err)
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, err = w.Write(body)
		return err
	}
}

// streamingResponder relays chunks as server-sent events. Each chunk is
// flushed before the next one is pulled, so a slow client slows the producer.
// Returning from the loop abandons the sequence.
func streamingResponder(chunks iter.Seq2[domain.Chunk, error]) responder {
	return func(w http.ResponseWriter, r *http.Request) error {
		rc := http.NewResponseController(w)

		h := w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)
		if err := rc.Flush(); err != nil {
			return fmt.Errorf("flush headers: %w", err)
		}

		ctx := r.Context()
		for chunk, err := range chunks {
			if err != nil {
				return fmt.Errorf("produce chunk: %w", err)
			}
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("client gone: %w", err)
			}

			data, err := json.Marshal(chunk)
			if err != nil {
				return fmt.Errorf("encode chunk: %w", err)
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return fmt.Errorf("write chunk: %w", err)
			}
			if err := rc.Flush(); err != nil {
				return fmt.Errorf("flush chunk: %w", err)
			}
		}

		return nil
	}
}
