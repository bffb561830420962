// Package api serves the signed-URL HTTP endpoints: frame listing, single
// and batch URL minting, and device playback.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/quantbagel/nier/internal/config"
	"github.com/quantbagel/nier/internal/storage/metadata"
)

// Batch URL requests are capped at this many frame ids.
const maxBatchURLs = 100

// Playback responses are hard-capped at this many frames.
const maxPlaybackFrames = 500

const defaultListLimit = 50

// FrameStore is the metadata surface the API reads from.
type FrameStore interface {
	GetFrame(ctx context.Context, frameID uuid.UUID) (*metadata.FrameRecord, error)
	QueryFrames(ctx context.Context, q *metadata.FrameQuery) ([]*metadata.FrameRecord, error)
	GetFrameCount(ctx context.Context, deviceID string, startTime, endTime *time.Time) (int64, error)
	Ping(ctx context.Context) error
}

// Server is the signed-URL API server.
type Server struct {
	store     FrameStore
	presigner Presigner
	expiry    time.Duration
	cfg       config.APIConfig
	log       *logrus.Entry
}

// NewServer creates the API server.
func NewServer(store FrameStore, presigner Presigner, expiry time.Duration, cfg config.APIConfig) *Server {
	return &Server{
		store:     store,
		presigner: presigner,
		expiry:    expiry,
		cfg:       cfg,
		log:       logrus.WithField("component", "api"),
	}
}

// Handler returns the routed HTTP handler with CORS applied.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/frames", s.handleListFrames).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/frames/batch-urls", s.handleBatchURLs).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/frames/{frame_id}", s.handleGetFrame).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/frames/{frame_id}/url", s.handleGetURL).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/playback/{device_id}", s.handlePlayback).Methods(http.MethodGet)

	if !s.cfg.CORSEnabled {
		return r
	}
	origins := s.cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return handlers.CORS(
		handlers.AllowedOrigins(origins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
	)(r)
}

// ListenAndServe runs the server until the context is canceled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("address", srv.Addr).Info("starting signed-URL API server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("API server error: %w", err)
		}
		return nil
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Warn("failed to encode API response")
	}
}

func writeError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, ErrorResponse{Error: message, Code: code})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "storage-service",
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status":   "not_ready",
			"database": "disconnected",
			"error":    err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "ready",
		"database": "connected",
	})
}

// parseTimeParam parses an optional RFC 3339 query parameter.
func parseTimeParam(r *http.Request, name string) (*time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, fmt.Errorf("%s must be RFC 3339", name)
	}
	return &t, nil
}

func (s *Server) handleListFrames(w http.ResponseWriter, r *http.Request) {
	qp := r.URL.Query()

	limit := defaultListLimit
	if raw := qp.Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	offset := 0
	if raw := qp.Get("offset"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			offset = n
		}
	}
	includeURLs := qp.Get("include_urls") == "true"

	startTime, err := parseTimeParam(r, "start_time")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "INVALID_PARAMETER")
		return
	}
	endTime, err := parseTimeParam(r, "end_time")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "INVALID_PARAMETER")
		return
	}

	query := &metadata.FrameQuery{
		DeviceID:      qp.Get("device_id"),
		StartTime:     startTime,
		EndTime:       endTime,
		TriggerType:   qp.Get("trigger_type"),
		DetectionType: qp.Get("detection_type"),
		// Fetch one extra row to compute has_more.
		Limit:     limit + 1,
		Offset:    offset,
		Ascending: false,
	}
	if raw := qp.Get("min_confidence"); raw != "" {
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			query.MinConfidence = &f
		}
	}

	frames, err := s.store.QueryFrames(r.Context(), query)
	if err != nil {
		s.log.WithError(err).Error("failed to query frames")
		writeError(w, http.StatusInternalServerError, "Failed to query frames", "QUERY_ERROR")
		return
	}

	hasMore := len(frames) > limit
	if hasMore {
		frames = frames[:limit]
	}

	out := make([]FrameWithURL, 0, len(frames))
	for _, f := range frames {
		item := FrameWithURL{FrameResponse: frameResponse(f)}
		if includeURLs {
			url, expiresAt, err := s.mintURL(r.Context(), f.S3Key)
			if err != nil {
				s.log.WithError(err).WithField("s3_key", f.S3Key).Error("failed to generate presigned URL")
			} else {
				item.URL = &url
				item.URLExpiresAt = &expiresAt
			}
		}
		out = append(out, item)
	}

	totalCount, err := s.store.GetFrameCount(r.Context(), query.DeviceID, startTime, endTime)
	if err != nil {
		totalCount = 0
	}

	writeJSON(w, http.StatusOK, FrameListResponse{
		Frames:     out,
		TotalCount: totalCount,
		HasMore:    hasMore,
	})
}

// frameFromPath loads the frame identified by the frame_id path variable,
// writing the problem response itself when that fails.
func (s *Server) frameFromPath(w http.ResponseWriter, r *http.Request) *metadata.FrameRecord {
	frameID, err := uuid.Parse(mux.Vars(r)["frame_id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid frame id", "INVALID_PARAMETER")
		return nil
	}

	frame, err := s.store.GetFrame(r.Context(), frameID)
	if err != nil {
		s.log.WithError(err).Error("failed to get frame")
		writeError(w, http.StatusInternalServerError, "Failed to get frame", "QUERY_ERROR")
		return nil
	}
	if frame == nil {
		writeError(w, http.StatusNotFound, "Frame not found", "NOT_FOUND")
		return nil
	}
	return frame
}

func (s *Server) handleGetFrame(w http.ResponseWriter, r *http.Request) {
	frame := s.frameFromPath(w, r)
	if frame == nil {
		return
	}
	writeJSON(w, http.StatusOK, frameResponse(frame))
}

func (s *Server) handleGetURL(w http.ResponseWriter, r *http.Request) {
	frame := s.frameFromPath(w, r)
	if frame == nil {
		return
	}

	url, expiresAt, err := s.mintURL(r.Context(), frame.S3Key)
	if err != nil {
		s.log.WithError(err).Error("failed to generate presigned URL")
		writeError(w, http.StatusInternalServerError, "Failed to generate presigned URL", "PRESIGN_ERROR")
		return
	}

	writeJSON(w, http.StatusOK, PresignedURLResponse{
		URL:       url,
		ExpiresAt: expiresAt,
		Frame:     frameResponse(frame),
	})
}

func (s *Server) handleBatchURLs(w http.ResponseWriter, r *http.Request) {
	var req BatchURLRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", "INVALID_BODY")
		return
	}
	if len(req.FrameIDs) > maxBatchURLs {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("Maximum %d frames per batch", maxBatchURLs), "BATCH_TOO_LARGE")
		return
	}

	results := make([]BatchURLResult, 0, len(req.FrameIDs))
	for _, frameID := range req.FrameIDs {
		result := BatchURLResult{FrameID: frameID}

		frame, err := s.store.GetFrame(r.Context(), frameID)
		switch {
		case err != nil:
			msg := err.Error()
			result.Error = &msg
		case frame == nil:
			msg := "Frame not found"
			result.Error = &msg
		default:
			url, expiresAt, err := s.mintURL(r.Context(), frame.S3Key)
			if err != nil {
				msg := err.Error()
				result.Error = &msg
			} else {
				result.URL = &url
				result.ExpiresAt = &expiresAt
			}
		}
		results = append(results, result)
	}

	writeJSON(w, http.StatusOK, BatchURLResponse{URLs: results})
}

func (s *Server) handlePlayback(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["device_id"]

	startTime, err := parseTimeParam(r, "start_time")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "INVALID_PARAMETER")
		return
	}
	endTime, err := parseTimeParam(r, "end_time")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "INVALID_PARAMETER")
		return
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxPlaybackFrames {
		limit = maxPlaybackFrames
	}

	frames, err := s.store.QueryFrames(r.Context(), &metadata.FrameQuery{
		DeviceID:  deviceID,
		StartTime: startTime,
		EndTime:   endTime,
		Limit:     limit,
		// Chronological order for playback.
		Ascending: true,
	})
	if err != nil {
		s.log.WithError(err).Error("failed to query frames for playback")
		writeError(w, http.StatusInternalServerError, "Failed to query frames", "QUERY_ERROR")
		return
	}

	playback := make([]PlaybackFrame, 0, len(frames))
	for _, f := range frames {
		url, expiresAt, err := s.mintURL(r.Context(), f.S3Key)
		if err != nil {
			s.log.WithError(err).Error("failed to generate presigned URL")
			writeError(w, http.StatusInternalServerError, "Failed to generate presigned URL", "PRESIGN_ERROR")
			return
		}
		playback = append(playback, PlaybackFrame{
			FrameID:        f.ID,
			Timestamp:      f.Timestamp,
			FrameNumber:    f.FrameNumber,
			URL:            url,
			ExpiresAt:      expiresAt,
			DetectionCount: f.DetectionCount,
		})
	}

	writeJSON(w, http.StatusOK, PlaybackResponse{DeviceID: deviceID, Frames: playback})
}

// mintURL presigns one key and computes its expiry instant.
func (s *Server) mintURL(ctx context.Context, key string) (string, time.Time, error) {
	url, err := s.presigner.PresignGet(ctx, key, s.expiry)
	if err != nil {
		return "", time.Time{}, err
	}
	return url, time.Now().Add(s.expiry), nil
}
