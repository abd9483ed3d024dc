package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"

	"github.com/joshlong-attic/leveling-up-kafka/internal/worker"
)

// SendHandler accepts payloads over HTTP and hands them to the outbound
// sender. Delivery is fire-and-forget: accepted means queued.
type SendHandler struct {
	sender       worker.Sender
	defaultTopic string

	// Max body size (default 1MB)
	maxBodySize int64
}

// SendConfig holds configuration for the send handler
type SendConfig struct {
	Sender       worker.Sender
	DefaultTopic string
	MaxBodySize  int64
}

// NewSendHandler creates a new send handler
func NewSendHandler(cfg SendConfig) *SendHandler {
	maxBodySize := cfg.MaxBodySize
	if maxBodySize == 0 {
		maxBodySize = 1 << 20
	}

	return &SendHandler{
		sender:       cfg.Sender,
		defaultTopic: cfg.DefaultTopic,
		maxBodySize:  maxBodySize,
	}
}

// SendRequest is the JSON body: one record or a batch
type SendRequest struct {
	Record  *RecordInput  `json:"record,omitempty"`
	Records []RecordInput `json:"records,omitempty"`
}

// RecordInput is one outbound record. Topic falls back to the default.
type RecordInput struct {
	Topic   string `json:"topic,omitempty"`
	Payload string `json:"payload"`
}

// SendResponse is the response returned to clients
type SendResponse struct {
	Success  bool        `json:"success"`
	Accepted int         `json:"accepted"`
	Rejected int         `json:"rejected"`
	Errors   []SendError `json:"errors,omitempty"`
}

// SendError describes why a record at Index was not queued
type SendError struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

// ServeHTTP handles the send request
func (h *SendHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if h.sender == nil {
		writeError(w, http.StatusServiceUnavailable, "publishing is disabled")
		return
	}

	// Text bodies are sent as a single record on the default topic
	mediaType := ""
	if ct := r.Header.Get("Content-Type"); ct != "" {
		mt, _, err := mime.ParseMediaType(ct)
		if err != nil {
			writeError(w, http.StatusUnsupportedMediaType, "malformed content-type")
			return
		}
		mediaType = mt
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	var records []RecordInput
	switch mediaType {
	case "application/json", "":
		records, err = parseBody(body)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	case "text/plain":
		records = []RecordInput{{Payload: string(body)}}
	default:
		writeError(w, http.StatusUnsupportedMediaType, "content-type must be application/json or text/plain")
		return
	}

	if len(records) == 0 {
		writeError(w, http.StatusBadRequest, "no records provided")
		return
	}

	response := h.send(records)

	w.Header().Set("Content-Type", "application/json")
	switch {
	case response.Accepted == 0 && response.Rejected > 0:
		w.WriteHeader(http.StatusServiceUnavailable)
	default:
		w.WriteHeader(http.StatusAccepted)
	}
	_ = json.NewEncoder(w).Encode(response)
}

// parseBody accepts {"record": ...}, {"records": [...]} or a bare array
func parseBody(body []byte) ([]RecordInput, error) {
	var req SendRequest
	if err := json.Unmarshal(body, &req); err == nil {
		if len(req.Records) > 0 {
			return req.Records, nil
		}
		if req.Record != nil {
			return []RecordInput{*req.Record}, nil
		}
	}

	var records []RecordInput
	if err := json.Unmarshal(body, &records); err == nil {
		return records, nil
	}

	return nil, fmt.Errorf("invalid JSON format: expected record object or array of records")
}

func (h *SendHandler) send(records []RecordInput) SendResponse {
	response := SendResponse{Errors: make([]SendError, 0)}

	for i, rec := range records {
		topic := rec.Topic
		if topic == "" {
			topic = h.defaultTopic
		}
		if topic == "" {
			response.Errors = append(response.Errors, SendError{Index: i, Error: "no topic"})
			response.Rejected++
			continue
		}

		if err := h.sender.Send(topic, []byte(rec.Payload)); err != nil {
			msg := err.Error()
			if errors.Is(err, worker.ErrQueueFull) {
				msg = "send queue full, try again later"
			}
			response.Errors = append(response.Errors, SendError{Index: i, Error: msg})
			response.Rejected++
			continue
		}
		response.Accepted++
	}

	response.Success = response.Rejected == 0
	return response
}

// writeError writes an error response
func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success": false,
		"error":   message,
	})
}
