package server

import (
	"encoding/json"
	"io"
	"net/http"
	"unicode/utf8"

	"github.com/kaptinlin/jsonschema"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"chatlog/internal/record"
	"chatlog/internal/storage"
)

const maxEventBody = 64 << 10

const errInvalidPayload = "invalid payload"

// payloadSchema accepts a turn record or a legacy single-sided event.
const payloadSchema = `{
  "anyOf": [
    {
      "type": "object",
      "required": ["type"],
      "properties": {
        "type": {"const": "turn"},
        "id": {"type": "string"},
        "user_text": {"type": "string"},
        "user_ts": {"type": "string"},
        "assistant_text": {"type": "string"},
        "assistant_ts": {"type": "string"},
        "user_agent": {"type": "string"},
        "meta": {"type": "object", "additionalProperties": {"type": "string"}}
      }
    },
    {
      "type": "object",
      "required": ["text"],
      "properties": {
        "type": {"not": {"const": "turn"}},
        "role": {"type": "string"},
        "text": {"type": "string"},
        "sessionId": {"type": ["string", "null"]},
        "threadId": {"type": ["string", "null"]},
        "meta": {"type": ["object", "null"]}
      }
    }
  ]
}`

type validator struct {
	schema *jsonschema.Schema
}

func newValidator() (*validator, error) {
	compiler := jsonschema.NewCompiler()
	schema, err := compiler.Compile([]byte(payloadSchema))
	if err != nil {
		return nil, errors.Wrap(err, "compile ingestion schema")
	}
	return &validator{schema: schema}, nil
}

func (v *validator) validate(data []byte) error {
	result := v.schema.ValidateJSON(data)
	if result.IsValid() {
		return nil
	}
	return errors.Errorf("schema validation failed: %v", result.Errors)
}

type ingestResponse struct {
	OK  bool   `json:"ok"`
	Key string `json:"key"`
}

type legacyPayload struct {
	Role      string         `json:"role"`
	Text      string         `json:"text"`
	SessionID string         `json:"sessionId"`
	ThreadID  string         `json:"threadId"`
	Meta      map[string]any `json:"meta"`
}

func (s *Server) handleLogEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	logger := log.With().Str("component", "ingest").Logger()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxEventBody))
	if err != nil {
		logger.Debug().Err(err).Msg("read body")
		writeError(w, http.StatusBadRequest, errInvalidPayload)
		return
	}
	if !json.Valid(body) {
		writeError(w, http.StatusBadRequest, errInvalidPayload)
		return
	}
	if err := s.validator.validate(body); err != nil {
		logger.Debug().Err(err).Msg("rejected payload")
		writeError(w, http.StatusBadRequest, errInvalidPayload)
		return
	}

	var shape struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(body, &shape); err != nil {
		writeError(w, http.StatusBadRequest, errInvalidPayload)
		return
	}

	var obj storage.Object
	if shape.Type == record.TypeTurn {
		var t record.Turn
		if err := json.Unmarshal(body, &t); err != nil {
			logger.Debug().Err(err).Msg("decode turn")
			writeError(w, http.StatusBadRequest, errInvalidPayload)
			return
		}
		t.UserAgent = r.UserAgent()
		obj, err = s.writer.WriteTurn(r.Context(), t)
	} else {
		var p legacyPayload
		if err := json.Unmarshal(body, &p); err != nil {
			logger.Debug().Err(err).Msg("decode legacy event")
			writeError(w, http.StatusBadRequest, errInvalidPayload)
			return
		}
		obj, err = s.writer.WriteEvent(r.Context(), record.Event{
			Role:      p.Role,
			Text:      p.Text,
			Len:       utf8.RuneCountInString(p.Text),
			SessionID: p.SessionID,
			ThreadID:  p.ThreadID,
			Meta:      p.Meta,
			UserAgent: r.UserAgent(),
			TS:        record.Timestamp(s.now()),
		})
	}
	if err != nil {
		logger.Error().Err(err).Msg("store event")
		writeError(w, http.StatusInternalServerError, "storage error")
		return
	}
	writeJSON(w, http.StatusOK, ingestResponse{OK: true, Key: obj.Key})
}
