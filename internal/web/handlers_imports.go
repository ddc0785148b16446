package web

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/JonMunkholm/sheetimport/internal/core"
	"github.com/JonMunkholm/sheetimport/internal/logging"
)

// multipartMemory is how much of an upload is buffered in memory before
// spilling to disk.
const multipartMemory = 32 << 20

// MappingSummary describes a registered configuration.
type MappingSummary struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	TargetTable string   `json:"target_table"`
	Columns     []string `json:"columns"`
	Required    []string `json:"required"`
}

// handleListMappings returns the registered configurations.
func (s *Server) handleListMappings(w http.ResponseWriter, r *http.Request) {
	configs := s.service.Mappings()
	out := make([]MappingSummary, 0, len(configs))
	for _, c := range configs {
		sum := MappingSummary{
			ID:          c.ID,
			Name:        c.Label(),
			TargetTable: c.TargetTable,
			Columns:     make([]string, 0, len(c.Fields)),
			Required:    []string{},
		}
		for _, f := range c.Fields {
			sum.Columns = append(sum.Columns, f.SourceColumn)
			if f.Required {
				sum.Required = append(sum.Required, f.SourceColumn)
			}
		}
		out = append(out, sum)
	}
	writeJSON(w, http.StatusOK, out)
}

// handleStartImport spools the uploaded sheet to a temp file and starts a run.
// The temp file is removed by the service when the run ends.
func (s *Server) handleStartImport(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxFileSize)

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		respondError(w, r, fmt.Errorf("file too large or invalid form: %w", err), http.StatusBadRequest)
		return
	}
	defer r.MultipartForm.RemoveAll()

	mappingID := strings.TrimSpace(r.FormValue("mapping"))
	if mappingID == "" {
		respondError(w, r, errors.New("no mapping provided"), http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		respondError(w, r, errors.New("no file provided"), http.StatusBadRequest)
		return
	}
	defer file.Close()

	path, err := spool(file, header.Filename)
	if err != nil {
		respondError(w, r, err, http.StatusInternalServerError)
		return
	}

	dryRun, _ := strconv.ParseBool(r.FormValue("dry_run"))
	runID, err := s.service.StartImport(r.Context(), mappingID, path, core.StartOptions{
		FileName:   filepath.Base(header.Filename),
		RemoveFile: true,
		DryRun:     dryRun,
	})
	if err != nil {
		os.Remove(path)
		respondError(w, r, err, statusFor(err))
		return
	}

	logging.WithFields(r.Context(), "run_id", runID, "mapping", mappingID).
		Info("import started", "file", header.Filename, "size", header.Size, "dry_run", dryRun)
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
}

// spool copies an upload to a temp file keeping its extension, which selects
// the sheet format.
func spool(src io.Reader, name string) (string, error) {
	ext := strings.ToLower(filepath.Ext(name))
	tmp, err := os.CreateTemp("", "sheetimport-*"+ext)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("save upload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("save upload: %w", err)
	}
	return tmp.Name(), nil
}

// handleImportProgress streams run progress via Server-Sent Events.
// Supports resumption via the lastEventId query parameter, which carries
// the processed row count of the last event the client saw.
func (s *Server) handleImportProgress(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	lastEventIDStr := r.URL.Query().Get("lastEventId")
	if lastEventIDStr == "" {
		lastEventIDStr = r.Header.Get("Last-Event-ID")
	}
	lastEventID := -1
	if lastEventIDStr != "" {
		if n, err := strconv.Atoi(lastEventIDStr); err == nil {
			lastEventID = n
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, r, errors.New("streaming not supported"), http.StatusInternalServerError)
		return
	}

	progressCh, unsubscribe, err := s.service.SubscribeProgress(runID)
	if err != nil {
		respondError(w, r, err, statusFor(err))
		return
	}
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case progress, ok := <-progressCh:
			if !ok {
				// Channel closed: the run has ended.
				fmt.Fprintf(w, "event: complete\ndata: {}\n\n")
				flusher.Flush()
				return
			}

			// Skip events the client already received, but never the final one.
			if progress.Processed <= lastEventID && !progress.Done() {
				continue
			}
			lastEventID = progress.Processed

			data, _ := json.Marshal(progress)
			fmt.Fprintf(w, "id: %d\nevent: progress\ndata: %s\n\n", progress.Processed, data)
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

// ResultResponse is the body of the result endpoint.
type ResultResponse struct {
	Result *core.ImportRunResult `json:"result"`
	Error  *ErrorResponse        `json:"error,omitempty"`
}

// handleImportResult waits for the run to end and returns its result. A run
// that failed still answers 200 with the mapped error alongside the result.
func (s *Server) handleImportResult(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	result, err := s.service.Result(r.Context(), runID)
	if result == nil {
		if err == nil {
			err = core.ErrRunNotFound
		}
		respondError(w, r, err, statusFor(err))
		return
	}

	resp := ResultResponse{Result: result}
	if err != nil {
		e := newErrorResponse(err)
		resp.Error = &e
		logging.WithFields(r.Context(), "run_id", runID).Warn("import ended with error", "error", err, "code", e.Code)
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleExportErrors writes the rejected rows of a finished run as CSV.
func (s *Server) handleExportErrors(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	result, err := s.service.Result(r.Context(), runID)
	if result == nil {
		if err == nil {
			err = core.ErrRunNotFound
		}
		respondError(w, r, err, statusFor(err))
		return
	}

	base := strings.TrimSuffix(result.FileName, filepath.Ext(result.FileName))
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s_errors.csv"`, base))

	csvWriter := csv.NewWriter(w)
	csvWriter.Write([]string{"row", "errors"})
	for _, e := range result.Errors {
		csvWriter.Write([]string{strconv.Itoa(e.RowIndex), strings.Join(e.Messages, "; ")})
	}
	csvWriter.Flush()
	if err := csvWriter.Error(); err != nil {
		logging.FromContext(r.Context()).Error("write error export", "run_id", runID, "error", err)
	}
}

// handleCancelImport requests cancellation of a running import.
func (s *Server) handleCancelImport(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	if err := s.service.CancelRun(runID); err != nil {
		respondError(w, r, err, statusFor(err))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

// handleHealth reports database reachability and run slot usage.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.service.Limiter().Status()
	body := map[string]any{
		"status":      "ok",
		"active_runs": status.Active,
		"max_runs":    status.MaxConcurrent,
	}

	if s.opts.Ping != nil {
		if err := s.opts.Ping(r.Context()); err != nil {
			logging.FromContext(r.Context()).Warn("health check failed", "error", err)
			body["status"] = "unavailable"
			writeJSON(w, http.StatusServiceUnavailable, body)
			return
		}
	}
	writeJSON(w, http.StatusOK, body)
}
