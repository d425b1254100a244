package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/synaptica-ai/trialquality/pkg/common/logger"
	"github.com/synaptica-ai/trialquality/pkg/common/models"
)

// UploadHandler turns extract.uploaded events into ProcessFile calls. The
// event's path must point into the shared upload directory.
type UploadHandler struct {
	coord *Coordinator
	root  string
}

func NewUploadHandler(coord *Coordinator, root string) *UploadHandler {
	return &UploadHandler{coord: coord, root: root}
}

// Handle ignores other event types. File-level rejections are recorded on the
// upload and acknowledged; only infrastructure errors are returned so the
// consumer retries the message.
func (h *UploadHandler) Handle(ctx context.Context, event models.Event) error {
	if event.Type != models.EventExtractUploaded {
		return nil
	}

	raw, err := json.Marshal(event.Data)
	if err != nil {
		return err
	}
	var payload models.ExtractUploaded
	if err := json.Unmarshal(raw, &payload); err != nil {
		logger.Log.WithError(err).WithField("event_id", event.ID).Warn("Dropping malformed upload event")
		return nil
	}

	path, err := h.resolve(payload.Path)
	if err != nil {
		logger.Log.WithError(err).WithField("event_id", event.ID).Warn("Dropping upload event")
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening extract %s: %w", path, err)
	}
	defer f.Close()

	filename := payload.Filename
	if filename == "" {
		filename = filepath.Base(path)
	}
	_, err = h.coord.ProcessFile(ctx, f, filename, payload.FileType, payload.StudyID)
	return err
}

func (h *UploadHandler) resolve(path string) (string, error) {
	if h.root == "" {
		return filepath.Clean(path), nil
	}
	root, err := filepath.Abs(h.root)
	if err != nil {
		return "", err
	}
	full := path
	if !filepath.IsAbs(full) {
		full = filepath.Join(root, full)
	}
	full = filepath.Clean(full)
	rel, err := filepath.Rel(root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes upload root", path)
	}
	return full, nil
}
