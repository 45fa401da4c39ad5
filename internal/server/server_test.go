package server

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	paddyinspector "github.com/menta2k/paddy-inspector"
	"github.com/menta2k/paddy-inspector/internal/utils"
	"github.com/menta2k/paddy-inspector/pkg/history"
	"github.com/menta2k/paddy-inspector/pkg/labels"
	"github.com/menta2k/paddy-inspector/pkg/predictor"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fixedBackend struct {
	set        *labels.LabelSet
	index      int
	confidence float64
}

func (b *fixedBackend) Classify(ctx context.Context, img image.Image) (int, float64, error) {
	return b.index, b.confidence, nil
}

func (b *fixedBackend) Labels() *labels.LabelSet { return b.set }
func (b *fixedBackend) Close() error             { return nil }

type fixture struct {
	server    *Server
	store     *history.MemoryStore
	uploadDir string
}

func newFixture(t *testing.T, opts paddyinspector.Options, confidence float64) *fixture {
	t.Helper()
	set, err := labels.New([]string{"bacterial_leaf_blight", "brown_spot", "healthy"})
	require.NoError(t, err)

	inspector, err := paddyinspector.NewWithBackend(opts, &fixedBackend{set: set, index: 1, confidence: confidence})
	require.NoError(t, err)
	t.Cleanup(func() { inspector.Close() })

	return newFixtureWith(t, inspector)
}

func newFixtureWith(t *testing.T, inspector Inspector) *fixture {
	t.Helper()
	store := history.NewMemoryStore()
	dir := filepath.Join(t.TempDir(), "uploads")

	srv, err := New(inspector, store, Config{UploadDir: dir, MaxConcurrent: 2, AllowedOrigins: []string{"*"}})
	require.NoError(t, err)
	return &fixture{server: srv, store: store, uploadDir: dir}
}

func encodePNG(t *testing.T, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 40, 30))
	for y := 0; y < 30; y++ {
		for x := 0; x < 40; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func uploadRequest(t *testing.T, filename string, data []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("image", filename)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/predict", &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func (f *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func uploadedFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

var leafGreen = color.RGBA{43, 200, 43, 255}

func TestHealth(t *testing.T) {
	f := newFixture(t, paddyinspector.DefaultOptions(), 0.9)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, true, body["model_available"])
	assert.Equal(t, "onnx", body["backend"])
	assert.Equal(t, "heuristic-gate", body["policy"])
	assert.Equal(t, 0.4, body["threshold"])
	assert.Equal(t, paddyinspector.Version, body["version"])
	assert.Len(t, body["classes"], 3)
}

func TestHealthDegradedWithoutModel(t *testing.T) {
	opts := paddyinspector.DefaultOptions()
	opts.ONNX.ModelPath = filepath.Join(t.TempDir(), "missing.onnx")
	opts.ONNX.LabelsPath = filepath.Join(t.TempDir(), "missing.json")
	inspector, err := paddyinspector.New(opts)
	require.NoError(t, err)
	defer inspector.Close()

	f := newFixtureWith(t, inspector)
	rec := f.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, false, body["model_available"])
	assert.NotContains(t, body, "classes")

	rec = f.do(uploadRequest(t, "leaf.png", encodePNG(t, leafGreen)))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, predictor.MsgModelUnavailable, decodeBody(t, rec)["error"])
}

func TestPredictSavesHistory(t *testing.T) {
	f := newFixture(t, paddyinspector.DefaultOptions(), 0.83)

	rec := f.do(uploadRequest(t, "field.png", encodePNG(t, leafGreen)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp PredictResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "brown_spot", resp.Disease)
	assert.Equal(t, 0.83, resp.Confidence)
	assert.Equal(t, "HIGH", resp.Severity)
	assert.NotEmpty(t, resp.AnalysisID)
	assert.Empty(t, resp.DuplicateOf)
	assert.Len(t, uploadedFiles(t, f.uploadDir), 1)

	saved, err := f.store.Get(context.Background(), resp.AnalysisID)
	require.NoError(t, err)
	assert.Equal(t, "brown_spot", saved.Disease)
	assert.Equal(t, 40, saved.Width)
	assert.Len(t, saved.PerceptualHash, 16)

	// The same picture again is linked to the first analysis.
	rec = f.do(uploadRequest(t, "field-again.png", encodePNG(t, leafGreen)))
	require.Equal(t, http.StatusOK, rec.Code)
	var second PredictResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &second))
	assert.Equal(t, resp.AnalysisID, second.DuplicateOf)
	assert.NotEqual(t, resp.AnalysisID, second.AnalysisID)
}

func TestPredictRejectsNonCrop(t *testing.T) {
	f := newFixture(t, paddyinspector.DefaultOptions(), 0.9)

	rec := f.do(uploadRequest(t, "wall.png", encodePNG(t, color.RGBA{128, 128, 128, 255})))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "INVALID_IMAGE", body["error"])
	assert.NotContains(t, body, "confidence")
	assert.Empty(t, uploadedFiles(t, f.uploadDir), "rejected uploads are deleted")

	records, err := f.store.List(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestPredictLowConfidence(t *testing.T) {
	f := newFixture(t, paddyinspector.DefaultOptions(), 0.2)

	rec := f.do(uploadRequest(t, "leaf.png", encodePNG(t, leafGreen)))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "INVALID_IMAGE", body["error"])
	assert.Equal(t, predictor.MsgNotACrop, body["message"])
	assert.Equal(t, "brown_spot", body["detected"])
	assert.Equal(t, 0.2, body["confidence"])
}

func TestPredictDisabledPolicyDoesNotSaveLowConfidence(t *testing.T) {
	opts := paddyinspector.DefaultOptions()
	opts.Predictor.Policy = predictor.PolicyDisabled
	f := newFixture(t, opts, 0.2)

	rec := f.do(uploadRequest(t, "leaf.png", encodePNG(t, leafGreen)))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp PredictResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "LOW", resp.Severity)
	assert.Empty(t, resp.AnalysisID)
	assert.Contains(t, resp.Message, "Not Saved")
}

func TestPredictBadRequests(t *testing.T) {
	f := newFixture(t, paddyinspector.DefaultOptions(), 0.9)

	rec := f.do(httptest.NewRequest(http.MethodPost, "/predict", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeBody(t, rec)["error"], "No image uploaded")

	rec = f.do(uploadRequest(t, "broken.jpg", []byte("not an image")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, uploadedFiles(t, f.uploadDir))
}

func TestHistoryRoutes(t *testing.T) {
	f := newFixture(t, paddyinspector.DefaultOptions(), 0.6)

	for i := 0; i < 3; i++ {
		rec := f.do(uploadRequest(t, "leaf.png", encodePNG(t, leafGreen)))
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := f.do(httptest.NewRequest(http.MethodGet, "/history?limit=2", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var records []history.Record
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &records))
	require.Len(t, records, 2)
	assert.Equal(t, "MEDIUM", records[0].Severity)

	rec = f.do(httptest.NewRequest(http.MethodGet, "/history/"+records[0].ID, nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(httptest.NewRequest(http.MethodGet, "/history/does-not-exist", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(httptest.NewRequest(http.MethodGet, "/history?limit=many", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHistoryEmptyList(t *testing.T) {
	f := newFixture(t, paddyinspector.DefaultOptions(), 0.9)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/history", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t, paddyinspector.DefaultOptions(), 0.9)

	req := httptest.NewRequest(http.MethodOptions, "/predict", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := f.do(req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(nil, history.NewMemoryStore(), Config{})
	assert.Error(t, err)
}

func TestUploadURL(t *testing.T) {
	assert.Equal(t, "", uploadURL(""))
	assert.Equal(t, "/uploads/upload_x_analyzed.png", uploadURL(filepath.Join("var", "uploads", "upload_x_analyzed.png")))
}

func TestPredictUploadTooLarge(t *testing.T) {
	set, err := labels.New([]string{"brown_spot", "healthy"})
	require.NoError(t, err)
	inspector, err := paddyinspector.NewWithBackend(paddyinspector.DefaultOptions(), &fixedBackend{set: set, confidence: 0.9})
	require.NoError(t, err)
	defer inspector.Close()

	dir := filepath.Join(t.TempDir(), "uploads")
	srv, err := New(inspector, history.NewMemoryStore(), Config{UploadDir: dir, MaxUploadBytes: 16})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, uploadRequest(t, "leaf.png", encodePNG(t, leafGreen)))

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Contains(t, decodeBody(t, rec)["error"], "exceeds the upload limit of 16 B")
	assert.Empty(t, uploadedFiles(t, dir))
}

func TestUploadTooLargeMessage(t *testing.T) {
	err := &uploadTooLargeError{size: 3 << 20, limit: 1 << 20}
	assert.Equal(t, "image of "+utils.FormatFileSize(3<<20)+" exceeds the upload limit of "+utils.FormatFileSize(1<<20), err.Error())
}
