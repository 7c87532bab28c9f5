package detect

import (
	"context"
	"fmt"
	"log"

	"github.com/ramin-karimi/facegraph/config"
)

// Box locates a region within an image, in pixels.
type Box struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Face is one detected face in canonical form.
type Face struct {
	Box        Box                  `json:"box"`
	Confidence float64              `json:"confidence"`
	Landmarks  map[string][]float64 `json:"landmarks,omitempty"`
	Age        float64              `json:"age,omitempty"`
	Gender     string               `json:"gender,omitempty"`
	// Embedding is set when the provider computes face embeddings inline.
	Embedding []float32 `json:"embedding,omitempty"`
}

// Detection is the canonical result shape every provider adapter produces.
// Provider-specific payload parsing never leaks past the adapter boundary.
type Detection struct {
	Faces          []Face   `json:"faces"`
	OCRText        string   `json:"ocr_text,omitempty"`
	Objects        []string `json:"objects,omitempty"`
	Mentions       []string `json:"mentions,omitempty"`
	Hashtags       []string `json:"hashtags,omitempty"`
	ProfileHandles []string `json:"profile_handles,omitempty"`
}

// VideoInsights is the canonical video-analysis result.
type VideoInsights struct {
	DurationSeconds float64 `json:"duration_seconds"`
	Transcript      string  `json:"transcript,omitempty"`
	FramesSampled   int     `json:"frames_sampled"`
}

// Embedding is one face embedding plus the model version that produced it.
type Embedding struct {
	Vector  []float32 `json:"vector"`
	Version string    `json:"version"`
}

// Detector analyzes one media payload.
type Detector interface {
	Detect(ctx context.Context, media []byte) (Detection, error)
}

// Embedder computes a face embedding for one detected face.
type Embedder interface {
	Embed(ctx context.Context, media []byte, face Face) (Embedding, error)
}

// VideoAnalyzer extracts context from video media.
type VideoAnalyzer interface {
	AnalyzeVideo(ctx context.Context, media []byte) (VideoInsights, error)
}

// Providers bundles the collaborators selected by configuration.
type Providers struct {
	Detector Detector
	Embedder Embedder
	Video    VideoAnalyzer
}

// New selects the provider set from configuration. The hash embedder can be
// forced alongside any provider for offline operation.
func New(cfg config.DetectConfig, logger *log.Logger) (Providers, error) {
	var p Providers
	switch cfg.Provider {
	case "cloud":
		client := NewCloudClient(cfg.CloudBaseURL, cfg.CloudAPIKey, cfg.RequestTimeout)
		p = Providers{Detector: client, Embedder: client, Video: client}
	case "local":
		client := NewLocalClient(cfg.LocalBaseURL, cfg.RequestTimeout)
		p = Providers{Detector: client, Embedder: client, Video: client}
	case "fallback":
		p = Providers{Detector: NullDetector{}, Embedder: NewHashEmbedder(0), Video: NullVideo{}}
	default:
		return Providers{}, fmt.Errorf("unknown detect provider %q", cfg.Provider)
	}
	if cfg.FallbackEmbedder && cfg.Provider != "fallback" {
		logger.Printf("detect: using deterministic fallback embedder over provider %s", cfg.Provider)
		p.Embedder = NewHashEmbedder(0)
	}
	return p, nil
}

// NullDetector finds nothing; it keeps the pipeline runnable with no
// detection backend configured.
type NullDetector struct{}

func (NullDetector) Detect(context.Context, []byte) (Detection, error) {
	return Detection{}, nil
}

// NullVideo reports an empty analysis.
type NullVideo struct{}

func (NullVideo) AnalyzeVideo(context.Context, []byte) (VideoInsights, error) {
	return VideoInsights{}, nil
}
