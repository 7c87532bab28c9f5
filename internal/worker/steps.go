package worker

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ramin-karimi/facegraph/internal/detect"
	"github.com/ramin-karimi/facegraph/internal/identity"
	"github.com/ramin-karimi/facegraph/internal/pipeline"
	"github.com/ramin-karimi/facegraph/internal/queue/streams"
	"github.com/ramin-karimi/facegraph/internal/store"
)

// StepStore is the slice of the store the step executor writes through.
type StepStore interface {
	GetContentItem(ctx context.Context, id string) (store.ContentItem, bool, error)
	InsertDetectedFace(ctx context.Context, rec store.FaceRecord) error
	SetContentIdentitySummary(ctx context.Context, contentID, summary string) error
}

// FaceMatcher clusters one face embedding into a per-scope identity.
type FaceMatcher interface {
	MatchOrCreate(ctx context.Context, scopeID string, embedding []float32, observedAt time.Time, signature string) (identity.Match, error)
}

// ParticipantResolver runs identity resolution after the face step.
type ParticipantResolver interface {
	ResolveForSource(ctx context.Context, contentID string, signals identity.Signals) identity.Resolution
}

// Executor runs one analysis step against a content item and produces the
// typed result recorded on the run document.
type Executor struct {
	store     StepStore
	fetcher   MediaFetcher
	providers detect.Providers
	matcher   FaceMatcher
	resolver  ParticipantResolver
	logger    *log.Logger
}

func NewExecutor(st StepStore, fetcher MediaFetcher, providers detect.Providers, matcher FaceMatcher, resolver ParticipantResolver, logger *log.Logger) *Executor {
	return &Executor{
		store:     st,
		fetcher:   fetcher,
		providers: providers,
		matcher:   matcher,
		resolver:  resolver,
		logger:    logger,
	}
}

// Execute runs the step named by the job. The returned error marks the step
// failed; semantic partial results (no faces found, empty OCR) are successes.
func (e *Executor) Execute(ctx context.Context, job streams.StepJob) (json.RawMessage, error) {
	item, ok, err := e.store.GetContentItem(ctx, job.ContentID)
	if err != nil {
		return nil, fmt.Errorf("load content item: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("content item %s not found", job.ContentID)
	}

	switch job.Step {
	case pipeline.StepVisual:
		return e.visual(ctx, item)
	case pipeline.StepFaces:
		return e.faces(ctx, item)
	case pipeline.StepOCR:
		return e.ocr(ctx, item)
	case pipeline.StepVideo:
		return e.video(ctx, item)
	case pipeline.StepMetadata:
		return e.metadata(item, job.VisualOnly)
	default:
		return nil, fmt.Errorf("unknown step %q", job.Step)
	}
}

func (e *Executor) visual(ctx context.Context, item store.ContentItem) (json.RawMessage, error) {
	media, err := e.fetcher.Fetch(ctx, item.MediaURL)
	if err != nil {
		return nil, err
	}
	detection, err := e.providers.Detector.Detect(ctx, media)
	if err != nil {
		return nil, fmt.Errorf("detect: %w", err)
	}
	result := pipeline.VisualResult{Objects: detection.Objects}
	if len(detection.Objects) > 0 {
		result.Scene = detection.Objects[0]
		result.Description = strings.Join(detection.Objects, ", ")
	}
	return pipeline.EncodeResult(result)
}

// faces detects and embeds faces, links each to a per-scope identity and then
// runs the resolver over everything known about the content item. Resolver
// failures never fail the step; they surface as a skipped resolution.
func (e *Executor) faces(ctx context.Context, item store.ContentItem) (json.RawMessage, error) {
	media, err := e.fetcher.Fetch(ctx, item.MediaURL)
	if err != nil {
		return nil, err
	}
	detection, err := e.providers.Detector.Detect(ctx, media)
	if err != nil {
		return nil, fmt.Errorf("detect: %w", err)
	}

	now := time.Now().UTC()
	result := pipeline.FaceResult{FaceCount: len(detection.Faces)}
	for _, face := range detection.Faces {
		embedding := face.Embedding
		if len(embedding) == 0 {
			emb, err := e.providers.Embedder.Embed(ctx, media, face)
			if err != nil {
				e.logger.Printf("embed face in content %s: %v", item.ID, err)
				result.Unknown++
				continue
			}
			embedding = emb.Vector
		}

		match, err := e.matcher.MatchOrCreate(ctx, item.ScopeID, embedding, now, faceSignature(item.ID, face.Box))
		if err != nil {
			e.logger.Printf("match face in content %s: %v", item.ID, err)
			result.Unknown++
			continue
		}
		rec := store.FaceRecord{
			ID:         uuid.NewString(),
			ContentID:  item.ID,
			ScopeID:    item.ScopeID,
			IdentityID: match.IdentityID,
			Bounds: store.BoundingBox{
				X: face.Box.X, Y: face.Box.Y,
				Width: face.Box.Width, Height: face.Box.Height,
			},
			Embedding:  embedding,
			Confidence: face.Confidence,
			Role:       match.Role,
		}
		if err := e.store.InsertDetectedFace(ctx, rec); err != nil {
			return nil, fmt.Errorf("persist face: %w", err)
		}
		result.IdentityIDs = append(result.IdentityIDs, match.IdentityID)
	}

	resolution := e.resolver.ResolveForSource(ctx, item.ID, contentSignals(item, detection))
	result.ResolverRan = !resolution.Skipped
	if !resolution.Skipped {
		result.Unknown += resolution.UnknownFaces
		if resolution.Narrative != "" {
			if err := e.store.SetContentIdentitySummary(ctx, item.ID, resolution.Narrative); err != nil {
				e.logger.Printf("store identity summary for content %s: %v", item.ID, err)
			}
		}
	}
	return pipeline.EncodeResult(result)
}

func (e *Executor) ocr(ctx context.Context, item store.ContentItem) (json.RawMessage, error) {
	media, err := e.fetcher.Fetch(ctx, item.MediaURL)
	if err != nil {
		return nil, err
	}
	detection, err := e.providers.Detector.Detect(ctx, media)
	if err != nil {
		return nil, fmt.Errorf("detect: %w", err)
	}
	return pipeline.EncodeResult(pipeline.OCRResult{
		Text:     detection.OCRText,
		Mentions: detection.Mentions,
		Hashtags: detection.Hashtags,
	})
}

func (e *Executor) video(ctx context.Context, item store.ContentItem) (json.RawMessage, error) {
	media, err := e.fetcher.Fetch(ctx, item.MediaURL)
	if err != nil {
		return nil, err
	}
	insights, err := e.providers.Video.AnalyzeVideo(ctx, media)
	if err != nil {
		return nil, fmt.Errorf("analyze video: %w", err)
	}
	return pipeline.EncodeResult(pipeline.VideoResult{
		DurationSeconds: insights.DurationSeconds,
		Transcript:      insights.Transcript,
		FramesSampled:   insights.FramesSampled,
	})
}

// metadata tags the item from its caption; no media round-trip.
func (e *Executor) metadata(item store.ContentItem, visualOnly bool) (json.RawMessage, error) {
	_, hashtags, _ := detect.TextSignals(item.Caption)
	return pipeline.EncodeResult(pipeline.MetadataResult{
		Tags:       hashtags,
		VisualOnly: visualOnly,
	})
}

// contentSignals collects every handle source the resolver consumes: caption
// mentions, OCR text and the permalink.
func contentSignals(item store.ContentItem, detection detect.Detection) identity.Signals {
	mentions, _, captionHandles := detect.TextSignals(item.Caption)
	signals := identity.Signals{
		Mentions: append(mentions, detection.Mentions...),
		OCRText:  detection.OCRText,
	}
	signals.ProfileHandles = append(signals.ProfileHandles, detection.ProfileHandles...)
	signals.ProfileHandles = append(signals.ProfileHandles, captionHandles...)
	if handle := identity.HandleFromPermalink(item.Permalink); handle != "" {
		signals.ProfileHandles = append(signals.ProfileHandles, handle)
	}
	return signals
}

// faceSignature keys one observation so re-processing the same content item
// does not inflate appearance counts.
func faceSignature(contentID string, box detect.Box) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%.1f|%.1f|%.1f|%.1f",
		contentID, box.X, box.Y, box.Width, box.Height)))
	return fmt.Sprintf("%x", sum[:12])
}
