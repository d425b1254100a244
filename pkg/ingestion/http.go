package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/synaptica-ai/trialquality/pkg/common/logger"
	"github.com/synaptica-ai/trialquality/pkg/common/models"
	"github.com/synaptica-ai/trialquality/pkg/records"
)

// UploadService runs an extract through ingestion and the downstream
// recomputation stages.
type UploadService interface {
	ProcessUpload(ctx context.Context, r io.Reader, filename, fileType, studyRef string) (*models.IngestSummary, error)
	Upload(ctx context.Context, id uuid.UUID) (*records.Upload, error)
}

type HTTPHandler struct {
	service UploadService
	maxBody int64
}

func NewHTTPHandler(service UploadService, maxBody int64) *HTTPHandler {
	return &HTTPHandler{service: service, maxBody: maxBody}
}

func (h *HTTPHandler) Register(router *mux.Router) {
	router.HandleFunc("/studies/{study}/uploads", h.handleUpload).Methods(http.MethodPost)
	router.HandleFunc("/uploads/{id}", h.handleStatus).Methods(http.MethodGet)
}

// handleUpload accepts either a multipart form with a "file" part or a raw
// body named by the filename query parameter. The file type comes from the
// "type" query or form value.
func (h *HTTPHandler) handleUpload(w http.ResponseWriter, r *http.Request) {
	if h.maxBody > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	}
	study := mux.Vars(r)["study"]

	body, filename, err := uploadBody(r)
	if err != nil {
		logger.Log.WithError(err).Warn("invalid upload payload")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer body.Close()

	fileType := r.FormValue("type")
	if _, err := ParseFileType(fileType); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	summary, err := h.service.ProcessUpload(r.Context(), body, filename, fileType, study)
	if err != nil {
		if errors.Is(err, records.ErrNotFound) {
			http.Error(w, "study not found", http.StatusNotFound)
			return
		}
		logger.Log.WithError(err).Error("failed to process upload")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	status := http.StatusOK
	if !summary.Success {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, summary)
}

func (h *HTTPHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "invalid upload id", http.StatusBadRequest)
		return
	}

	upload, err := h.service.Upload(r.Context(), id)
	if err != nil {
		if errors.Is(err, records.ErrNotFound) {
			http.Error(w, "upload not found", http.StatusNotFound)
			return
		}
		logger.Log.WithError(err).Error("failed to fetch upload status")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, upload)
}

func uploadBody(r *http.Request) (io.ReadCloser, string, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if strings.HasPrefix(mediaType, "multipart/") {
		file, header, err := r.FormFile("file")
		if err != nil {
			return nil, "", err
		}
		return file, header.Filename, nil
	}

	filename := r.URL.Query().Get("filename")
	if filename == "" {
		return nil, "", errors.New("filename query parameter required")
	}
	return r.Body, filename, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
