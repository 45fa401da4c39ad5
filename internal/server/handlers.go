package server

import (
	"errors"
	"fmt"
	"image"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/mem"

	paddyinspector "github.com/menta2k/paddy-inspector"
	"github.com/menta2k/paddy-inspector/internal/utils"
	"github.com/menta2k/paddy-inspector/pkg/history"
	"github.com/menta2k/paddy-inspector/pkg/types"
)

// PredictResponse is the success body of POST /predict
type PredictResponse struct {
	Disease        string  `json:"disease"`
	Confidence     float64 `json:"confidence"`
	Severity       string  `json:"severity"`
	AnnotatedImage string  `json:"annotated_image,omitempty"`
	AnalysisID     string  `json:"analysis_id,omitempty"`
	DuplicateOf    string  `json:"duplicate_of,omitempty"`
	Message        string  `json:"message"`
}

func (s *Server) health(c *gin.Context) {
	body := gin.H{
		"status":          "ok",
		"version":         paddyinspector.Version,
		"backend":         s.inspector.Backend(),
		"model_available": s.inspector.Available() == nil,
		"policy":          s.inspector.Policy().Policy,
		"threshold":       s.inspector.Policy().ConfidenceThreshold,
		"uptime_seconds":  int(time.Since(s.started).Seconds()),
		"goroutines":      runtime.NumGoroutine(),
	}
	if err := s.inspector.Available(); err != nil {
		body["status"] = "degraded"
		body["model_error"] = err.Error()
	}
	if set := s.inspector.Labels(); set != nil {
		body["classes"] = set.Names()
	}

	if vm, err := mem.VirtualMemoryWithContext(c.Request.Context()); err == nil {
		body["memory"] = gin.H{
			"total":        utils.FormatFileSize(int64(vm.Total)),
			"available":    utils.FormatFileSize(int64(vm.Available)),
			"used_percent": vm.UsedPercent,
		}
	}

	c.JSON(http.StatusOK, body)
}

func (s *Server) predict(c *gin.Context) {
	path, img, err := s.receiveImage(c)
	if err != nil {
		status := http.StatusBadRequest
		var tooLarge *uploadTooLargeError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	if err := s.sem.Acquire(ctx, 1); err != nil {
		removeUpload(path)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "request cancelled while waiting for the model"})
		return
	}
	result := s.inspector.PredictImage(ctx, img, path)
	s.sem.Release(1)

	if !result.OK() {
		status := statusFor(result.Kind())
		if status == http.StatusBadRequest {
			// Rejected uploads are not kept.
			removeUpload(path)
		}
		c.JSON(status, result.Payload())
		return
	}

	d := result.Diagnosis
	resp := PredictResponse{
		Disease:        d.Label,
		Confidence:     d.Confidence,
		Severity:       string(d.Severity),
		AnnotatedImage: uploadURL(d.AnnotatedImage),
		Message:        "Analysis completed",
	}

	if d.Confidence >= s.inspector.Policy().ConfidenceThreshold {
		rec := history.NewRecord(path, img, *d)
		if dup, err := s.store.FindSimilar(ctx, rec.PerceptualHash, s.config.Similarity); err == nil && dup != nil {
			rec.DuplicateOf = dup.ID
			resp.DuplicateOf = dup.ID
		}
		if err := s.store.Save(ctx, rec); err != nil {
			slog.Error("server: history save failed", "error", err)
		} else {
			resp.AnalysisID = rec.ID
		}
	} else {
		resp.Message = "Analysis completed (Low Confidence - Not Saved)"
	}

	c.JSON(http.StatusOK, resp)
}

type uploadTooLargeError struct {
	size, limit int64
}

func (e *uploadTooLargeError) Error() string {
	return fmt.Sprintf("image of %s exceeds the upload limit of %s", utils.FormatFileSize(e.size), utils.FormatFileSize(e.limit))
}

// receiveImage stores the multipart "image" upload, or downloads "image_url",
// under a uuid name in the upload directory and decodes it
func (s *Server) receiveImage(c *gin.Context) (string, image.Image, error) {
	processor := s.inspector.Processor()

	if fh, err := c.FormFile("image"); err == nil {
		if fh.Size > s.config.MaxUploadBytes {
			return "", nil, &uploadTooLargeError{size: fh.Size, limit: s.config.MaxUploadBytes}
		}
		dst := filepath.Join(s.config.UploadDir, utils.UploadFilename(fh.Filename))
		if err := c.SaveUploadedFile(fh, dst); err != nil {
			return "", nil, errors.New("failed to store upload")
		}
		img, err := processor.LoadImage(dst)
		if err != nil {
			removeUpload(dst)
			return "", nil, err
		}
		return dst, img, nil
	}

	if imageURL := c.PostForm("image_url"); imageURL != "" {
		img, err := processor.LoadImageFromURL(imageURL)
		if err != nil {
			return "", nil, err
		}
		dst := filepath.Join(s.config.UploadDir, utils.UploadFilename("download.png"))
		if err := processor.SaveImage(img, dst); err != nil {
			return "", nil, errors.New("failed to store downloaded image")
		}
		return dst, img, nil
	}

	return "", nil, errors.New("No image uploaded. Use 'image' as the form field name or provide 'image_url'")
}

// uploadURL maps a file in the upload directory to its static route
func uploadURL(path string) string {
	if path == "" {
		return ""
	}
	return "/uploads/" + filepath.Base(path)
}

func statusFor(kind types.ErrorKind) int {
	switch kind {
	case types.KindInvalidImage, types.KindDecode:
		return http.StatusBadRequest
	case types.KindModelUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func removeUpload(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		slog.Warn("server: failed to delete upload", "path", path, "error", err)
	}
}

type historyQuery struct {
	Limit *int `form:"limit" binding:"omitempty,min=0"`
}

func (s *Server) listHistory(c *gin.Context) {
	var q historyQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
		return
	}
	limit := 50
	if q.Limit != nil {
		limit = *q.Limit
	}

	records, err := s.store.List(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if records == nil {
		records = []history.Record{}
	}
	c.JSON(http.StatusOK, records)
}

func (s *Server) getHistory(c *gin.Context) {
	rec, err := s.store.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, history.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, rec)
}
