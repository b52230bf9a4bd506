package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/xkilldash9x/regscrape/internal/apperr"
	"github.com/xkilldash9x/regscrape/internal/export"
	"github.com/xkilldash9x/regscrape/internal/scraper"
)

const eventBuffer = 64

// SSE event names.
const (
	eventStatus   = "status"
	eventLog      = "log"
	eventComplete = "complete"
	eventError    = "error"
)

type completeEvent struct {
	RecordCount int    `json:"record_count"`
	CSV         string `json:"csv"`
	RunID       string `json:"run_id"`
}

type runResult struct {
	run *scraper.Run
	err error
}

// sseWriter frames server-sent events and flushes each one.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s *sseWriter) send(event string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// HandleScrapeStream runs a scrape and streams its progress as server-sent
// events, ending with a complete or error event.
func (h *Handlers) HandleScrapeStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.respondWithError(w, http.StatusInternalServerError, "Streaming is not supported by this connection.")
		return
	}
	req, ok := h.decodeScrape(w, r, false)
	if !ok {
		return
	}
	if !h.acquire(w, r) {
		return
	}
	defer h.sem.Release(1)

	ctx := r.Context()
	events := make(chan scraper.Event, eventBuffer)
	req.Sink = func(e scraper.Event) {
		select {
		case events <- e:
		case <-ctx.Done():
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	out := &sseWriter{w: w, flusher: flusher}

	done := make(chan runResult, 1)
	go func() {
		run, err := h.scrapes.Run(ctx, req)
		done <- runResult{run: run, err: err}
	}()

	for {
		select {
		case e := <-events:
			h.forward(out, e)
		case res := <-done:
			// Sink calls happen inside Run, so anything left is already buffered.
		drain:
			for {
				select {
				case e := <-events:
					h.forward(out, e)
				default:
					break drain
				}
			}
			h.finish(out, res)
			return
		case <-ctx.Done():
			<-done
			h.log.Info("Client disconnected from scrape stream.")
			return
		}
	}
}

func (h *Handlers) forward(out *sseWriter, e scraper.Event) {
	name := eventLog
	if e.Kind == scraper.EventStatus {
		name = eventStatus
	}
	if err := out.send(name, e); err != nil {
		h.log.Debug("Failed to write stream event.", zap.Error(err))
	}
}

func (h *Handlers) finish(out *sseWriter, res runResult) {
	var err error
	if res.err != nil {
		err = out.send(eventError, errorBody(res.err))
	} else {
		var body string
		body, err = export.Encode(res.run.Records)
		if err != nil {
			err = out.send(eventError, errorBody(apperr.Internal("encode csv", err)))
		} else {
			err = out.send(eventComplete, completeEvent{
				RecordCount: len(res.run.Records),
				CSV:         body,
				RunID:       res.run.ID.String(),
			})
		}
	}
	if err != nil {
		h.log.Warn("Failed to write final stream event.", zap.Error(err))
	}
}
