package history

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"math/bits"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/bep/imagemeta"
	"github.com/corona10/goimagehash"
	"github.com/google/uuid"

	"github.com/menta2k/paddy-inspector/pkg/processing"
	"github.com/menta2k/paddy-inspector/pkg/types"
)

// ErrNotFound is returned by Get for unknown ids
var ErrNotFound = errors.New("analysis record not found")

// DefaultSimilarity is the maximum dHash Hamming distance for two uploads to
// count as the same scene
const DefaultSimilarity = 10

// Record is one saved diagnosis
type Record struct {
	ID             string     `json:"id" gorm:"primaryKey;size:36"`
	CreatedAt      time.Time  `json:"created_at" gorm:"index"`
	SourceFile     string     `json:"source_file"`
	Disease        string     `json:"disease" gorm:"index"`
	Confidence     float64    `json:"confidence"`
	Severity       string     `json:"severity"`
	AnnotatedImage string     `json:"annotated_image,omitempty"`
	Width          int        `json:"width"`
	Height         int        `json:"height"`
	PerceptualHash string     `json:"perceptual_hash,omitempty" gorm:"size:16;index"`
	DuplicateOf    string     `json:"duplicate_of,omitempty" gorm:"size:36"`
	CameraMake     string     `json:"camera_make,omitempty"`
	CameraModel    string     `json:"camera_model,omitempty"`
	CapturedAt     *time.Time `json:"captured_at,omitempty"`
}

// TableName keeps the table name stable across renames of the Go type
func (Record) TableName() string {
	return "analysis_records"
}

// Store persists diagnoses. Implementations are safe for concurrent use.
type Store interface {
	Save(ctx context.Context, rec *Record) error
	List(ctx context.Context, limit int) ([]Record, error)
	Get(ctx context.Context, id string) (*Record, error)
	// FindSimilar returns the closest record whose hash is within maxDistance,
	// or nil when there is none.
	FindSimilar(ctx context.Context, hash string, maxDistance int) (*Record, error)
	Close() error
}

// NewRecord builds a record for a diagnosis of img, read from sourcePath.
// Hashing and EXIF extraction degrade gracefully: failures leave the fields empty.
func NewRecord(sourcePath string, img image.Image, d types.Diagnosis) *Record {
	rec := &Record{
		ID:             uuid.NewString(),
		CreatedAt:      time.Now().UTC(),
		SourceFile:     filepath.Base(sourcePath),
		Disease:        d.Label,
		Confidence:     d.Confidence,
		Severity:       string(d.Severity),
		AnnotatedImage: d.AnnotatedImage,
	}

	if img != nil {
		info := processing.GetImageInfo(img)
		rec.Width, rec.Height = info.Width, info.Height
		rec.PerceptualHash = Hash(img)
	}

	if sourcePath != "" {
		if data, err := os.ReadFile(sourcePath); err == nil {
			applyCameraMetadata(rec, data, sourcePath)
		}
	}
	return rec
}

// Hash returns the difference hash of img as 16 hex digits, or "" if it
// cannot be computed
func Hash(img image.Image) string {
	hash, err := goimagehash.DifferenceHash(img)
	if err != nil {
		slog.Debug("history: hashing failed", "error", err)
		return ""
	}
	return fmt.Sprintf("%016x", hash.GetHash())
}

// Distance returns the Hamming distance between two hex hashes, or -1 when
// either is malformed
func Distance(a, b string) int {
	x, err := strconv.ParseUint(a, 16, 64)
	if err != nil {
		return -1
	}
	y, err := strconv.ParseUint(b, 16, 64)
	if err != nil {
		return -1
	}
	return bits.OnesCount64(x ^ y)
}

var wantedEXIF = map[string]bool{
	"Make":             true,
	"Model":            true,
	"DateTimeOriginal": true,
}

func imageFormat(path string) (imagemeta.ImageFormat, bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return imagemeta.JPEG, true
	case ".png":
		return imagemeta.PNG, true
	case ".webp":
		return imagemeta.WebP, true
	case ".tif", ".tiff":
		return imagemeta.TIFF, true
	default:
		return 0, false
	}
}

// applyCameraMetadata copies drone/camera EXIF fields onto the record
func applyCameraMetadata(rec *Record, data []byte, path string) {
	format, ok := imageFormat(path)
	if !ok || len(data) == 0 {
		return
	}

	_, err := imagemeta.Decode(imagemeta.Options{
		R:           bytes.NewReader(data),
		ImageFormat: format,
		Sources:     imagemeta.EXIF,
		ShouldHandleTag: func(ti imagemeta.TagInfo) bool {
			return wantedEXIF[ti.Tag]
		},
		HandleTag: func(ti imagemeta.TagInfo) error {
			s := tagValueString(ti.Value)
			if s == "" {
				return nil
			}
			switch ti.Tag {
			case "Make":
				rec.CameraMake = s
			case "Model":
				rec.CameraModel = s
			case "DateTimeOriginal":
				if t, err := time.Parse("2006:01:02 15:04:05", s); err == nil {
					rec.CapturedAt = &t
				}
			}
			return nil
		},
	})
	if err != nil {
		slog.Debug("history: no EXIF metadata", "path", path, "error", err)
	}
}

func tagValueString(v any) string {
	switch tv := v.(type) {
	case string:
		return strings.TrimSpace(strings.TrimRight(tv, "\x00"))
	case []byte:
		return strings.TrimSpace(strings.TrimRight(string(tv), "\x00"))
	case nil:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(tv))
	}
}
