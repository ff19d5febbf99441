package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/malbeclabs/fooddw/warehouse/pkg/dimension"
	"github.com/malbeclabs/fooddw/warehouse/pkg/entity"
	"github.com/malbeclabs/fooddw/warehouse/pkg/quarantine"
	"github.com/malbeclabs/fooddw/warehouse/pkg/run"
)

type SubmitRequest struct {
	EntityType string           `json:"entity_type"`
	IngestedAt *time.Time       `json:"ingested_at,omitempty"`
	Rows       []map[string]any `json:"rows"`
}

type BatchResponse struct {
	Batch  run.Batch     `json:"batch"`
	Result run.RunResult `json:"result"`
}

type QuarantineResponse struct {
	BatchID  string                    `json:"batch_id"`
	ByReason map[quarantine.Reason]int `json:"by_reason"`
	Records  []quarantine.Record       `json:"records"`
}

type DimensionResponse struct {
	EntityType entity.Type         `json:"entity_type"`
	NaturalKey string              `json:"natural_key"`
	Versions   []dimension.Version `json:"versions"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func (s *Server) submitRows(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batchID")

	var req SubmitRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	typ, err := entity.ParseType(req.EntityType)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sub := run.Submission{BatchID: batchID, EntityType: typ, Rows: req.Rows}
	if req.IngestedAt != nil {
		sub.IngestedAt = *req.IngestedAt
	}
	b, err := s.cfg.Coordinator.Submit(r.Context(), sub)
	if err != nil {
		s.writeRunError(w, "submit rows", err)
		return
	}
	writeJSON(w, http.StatusAccepted, b)
}

func (s *Server) runBatch(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batchID")

	res, err := s.cfg.Coordinator.RunIncremental(r.Context(), batchID)
	if err != nil && res.Error == nil {
		s.writeRunError(w, "run batch", err)
		return
	}
	status := http.StatusOK
	if res.Error != nil {
		// The run ended FAILED; the structured result carries the cause.
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, res)
}

func (s *Server) getBatch(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batchID")

	b, err := s.cfg.Coordinator.Batch(r.Context(), batchID)
	if err != nil {
		s.writeRunError(w, "get batch", err)
		return
	}
	res, err := s.cfg.Coordinator.Result(r.Context(), batchID)
	if err != nil {
		s.writeRunError(w, "get batch", err)
		return
	}
	writeJSON(w, http.StatusOK, BatchResponse{Batch: b, Result: res})
}

func (s *Server) cancelBatch(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batchID")

	if err := s.cfg.Coordinator.Cancel(r.Context(), batchID); err != nil {
		s.writeRunError(w, "cancel batch", err)
		return
	}
	b, err := s.cfg.Coordinator.Batch(r.Context(), batchID)
	if err != nil {
		s.writeRunError(w, "cancel batch", err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) getQuarantine(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batchID")

	records, err := s.cfg.Coordinator.Quarantined(r.Context(), batchID)
	if err != nil {
		s.writeRunError(w, "list quarantine", err)
		return
	}
	if records == nil {
		records = []quarantine.Record{}
	}
	writeJSON(w, http.StatusOK, QuarantineResponse{
		BatchID:  batchID,
		ByReason: quarantine.CountByReason(records),
		Records:  records,
	})
}

// getDimension returns a natural key's version history, or the single version effective at the
// as_of query parameter (RFC 3339).
func (s *Server) getDimension(w http.ResponseWriter, r *http.Request) {
	typ, err := entity.ParseType(chi.URLParam(r, "entity"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if typ.Kind() != entity.KindDimension {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("%s is not a dimension", typ))
		return
	}
	naturalKey := chi.URLParam(r, "naturalKey")
	resp := DimensionResponse{EntityType: typ, NaturalKey: naturalKey, Versions: []dimension.Version{}}

	if asOf := r.URL.Query().Get("as_of"); asOf != "" {
		at, err := time.Parse(time.RFC3339Nano, asOf)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid as_of: %v", err))
			return
		}
		v, err := s.cfg.Dimensions.AsOf(r.Context(), typ, naturalKey, at)
		if err != nil {
			s.writeRunError(w, "resolve dimension", err)
			return
		}
		if v != nil {
			resp.Versions = append(resp.Versions, *v)
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	versions, err := s.cfg.Dimensions.History(r.Context(), typ, naturalKey)
	if err != nil {
		s.writeRunError(w, "read dimension history", err)
		return
	}
	if len(versions) == 0 {
		writeError(w, http.StatusNotFound, fmt.Sprintf("%s %q has no history", typ, naturalKey))
		return
	}
	resp.Versions = versions
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeRunError(w http.ResponseWriter, operation string, err error) {
	switch {
	case errors.Is(err, run.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, run.ErrInvalidName), errors.Is(err, run.ErrEmptyBatch), errors.Is(err, entity.ErrUnknownEntity):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, run.ErrExists), errors.Is(err, run.ErrSealed), errors.Is(err, run.ErrBlocked),
		errors.Is(err, run.ErrOutOfOrder), errors.Is(err, run.ErrCommitted), errors.Is(err, run.ErrCancelled):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, entity.ErrInvariantViolation):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, run.ErrTimeout):
		writeError(w, http.StatusServiceUnavailable, operation+" timed out")
	default:
		// Store errors can carry connection strings; log them instead of returning them.
		s.log.Error("server: "+operation, "error", err)
		writeError(w, http.StatusInternalServerError, operation+" failed")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
