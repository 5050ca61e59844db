package collector

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/stone-age-io/sysreport/internal/snapshot"
	"github.com/stone-age-io/sysreport/internal/storage"
	"go.uber.org/zap"
)

type collectResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type rootResponse struct {
	Message string `json:"message"`
}

var errBodyTooLarge = errors.New("request body too large")

// handleCollect authenticates, validates and stores one snapshot
func (s *Server) handleCollect(w http.ResponseWriter, r *http.Request) {
	if msg := checkBearer(r.Header.Get("Authorization"), s.token); msg != "" {
		s.metrics.collect(resultUnauthorized)
		s.logger.Warn("Rejected unauthenticated submission",
			zap.String("client", clientAddress(r)),
			zap.String("reason", msg))
		writeError(w, http.StatusUnauthorized, msg)
		return
	}

	data, err := s.readBody(w, r)
	if err != nil {
		s.metrics.collect(resultInvalid)
		switch {
		case errors.Is(err, errBodyTooLarge):
			writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		case errors.Is(err, errUnsupportedEncoding):
			writeError(w, http.StatusUnsupportedMediaType, err.Error())
		default:
			writeError(w, http.StatusUnprocessableEntity, err.Error())
		}
		return
	}

	snap, err := snapshot.Parse(data)
	if err != nil {
		s.metrics.collect(resultInvalid)
		s.logger.Info("Rejected invalid snapshot",
			zap.String("client", clientAddress(r)),
			zap.Error(err))
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	address := clientAddress(r)
	record, err := s.store.Append(address, snap)
	if err != nil {
		s.metrics.collect(resultError)
		s.logger.Error("Failed to store snapshot",
			zap.String("client", address),
			zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to store data")
		return
	}
	s.metrics.collect(resultStored)

	if s.publisher != nil {
		s.publisher.PublishRecord(address, record)
	}

	s.logger.Info("Stored snapshot",
		zap.String("client", address),
		zap.String("os_name", snap.OSName),
		zap.String("server_timestamp", record.ServerTimestamp))

	writeJSON(w, http.StatusOK, collectResponse{
		Status:  "success",
		Message: "Data received from " + address,
	})
}

var errUnsupportedEncoding = errors.New("unsupported content encoding")

// readBody reads the request body, inflating gzip when declared. Both the
// wire size and the decoded size are bounded by maxBodyBytes.
func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body := http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	defer body.Close()

	var reader io.Reader = body
	switch enc := strings.ToLower(strings.TrimSpace(r.Header.Get("Content-Encoding"))); enc {
	case "", "identity":
	case "gzip":
		zr, err := gzip.NewReader(body)
		if err != nil {
			return nil, wrapBodyError(err, "invalid gzip body")
		}
		defer zr.Close()
		reader = zr
	default:
		return nil, fmt.Errorf("%w: %s", errUnsupportedEncoding, enc)
	}

	data, err := io.ReadAll(io.LimitReader(reader, s.maxBodyBytes+1))
	if err != nil {
		return nil, wrapBodyError(err, "failed to read body")
	}
	if int64(len(data)) > s.maxBodyBytes {
		return nil, errBodyTooLarge
	}
	return data, nil
}

func wrapBodyError(err error, msg string) error {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return errBodyTooLarge
	}
	return fmt.Errorf("%s: %v", msg, err)
}

// handleQuery replays every stored record for one address
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	address := r.PathValue("address")

	result, err := s.store.Query(address)
	if errors.Is(err, storage.ErrNotFound) {
		s.metrics.query(resultNotFound, 0, 0)
		writeError(w, http.StatusNotFound, "No data found for address: "+address)
		return
	}
	if err != nil {
		s.logger.Error("Failed to query records",
			zap.String("address", address),
			zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to read data")
		return
	}

	s.metrics.query(resultOK, result.SkippedLines, result.SkippedFiles)
	s.logger.Debug("Query served",
		zap.String("address", address),
		zap.Int("records", len(result.Records)),
		zap.Int("files", result.Files),
		zap.Int("skipped_lines", result.SkippedLines),
		zap.Int("skipped_files", result.SkippedFiles))

	writeJSON(w, http.StatusOK, result.Records)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, rootResponse{Message: "Collector API is online."})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	var buf strings.Builder
	contentType, err := s.metrics.WriteText(&buf)
	if err != nil {
		s.logger.Error("Failed to encode metrics", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to encode metrics")
		return
	}
	w.Header().Set("Content-Type", contentType)
	_, _ = io.WriteString(w, buf.String())
}
