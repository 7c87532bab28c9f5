package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/ramin-karimi/facegraph/config"
	"github.com/ramin-karimi/facegraph/internal/pipeline"
	"github.com/ramin-karimi/facegraph/internal/queue/streams"
	"github.com/ramin-karimi/facegraph/internal/store"
)

// ContentSource lists recent content for a profile. Implementations wrap
// whatever feed is available; the scanner only relies on stable item IDs.
type ContentSource interface {
	FetchRecent(ctx context.Context, scope store.ProfileScope, limit int) ([]store.ContentItem, error)
}

// ScanStore is the slice of the store the scanner needs.
type ScanStore interface {
	GetProfileScope(ctx context.Context, id string) (store.ProfileScope, bool, error)
	InsertContentItem(ctx context.Context, rec store.ContentItem) error
	GetRun(ctx context.Context, contentID string) (*pipeline.Run, bool, error)
	InsertIngestEvent(ctx context.Context, scopeID, kind string, payload json.RawMessage) (int64, error)
	MarkIngestEventProcessed(ctx context.Context, id int64) error
	MarkProfileScanned(ctx context.Context, id string, at time.Time) error
}

// RunStarter opens a fresh analysis run.
type RunStarter interface {
	Start(ctx context.Context, scopeID, contentID string, required, optional []string) (string, error)
}

// FinalizeQueue schedules the first finalizer pass for a new run.
type FinalizeQueue interface {
	EnqueueFinalize(ctx context.Context, job streams.FinalizeJob, delay time.Duration) (string, error)
}

// Scanner ingests a profile scope: it fetches recent content, records ingest
// events, opens runs for items that have none and hands each run to the
// finalizer for its first dispatch pass.
type Scanner struct {
	store    ScanStore
	source   ContentSource
	state    RunStarter
	queue    FinalizeQueue
	pipeline config.PipelineConfig
	pageSize int
	logger   *log.Logger
}

func NewScanner(st ScanStore, source ContentSource, state RunStarter, queue FinalizeQueue, pipelineCfg config.PipelineConfig, ingestCfg config.IngestConfig, logger *log.Logger) *Scanner {
	pageSize := ingestCfg.PageSize
	if pageSize <= 0 {
		pageSize = 25
	}
	return &Scanner{
		store:    st,
		source:   source,
		state:    state,
		queue:    queue,
		pipeline: pipelineCfg,
		pageSize: pageSize,
		logger:   logger,
	}
}

// Scan performs one ingestion pass over the scope. Items that already have a
// run are left alone; a superseding re-analysis goes through State.Start
// explicitly, never through a routine scan.
func (s *Scanner) Scan(ctx context.Context, scopeID string) error {
	scope, ok, err := s.store.GetProfileScope(ctx, scopeID)
	if err != nil {
		return fmt.Errorf("load profile scope: %w", err)
	}
	if !ok {
		s.logger.Printf("scan skipped: unknown scope %s", scopeID)
		return nil
	}
	if s.source == nil {
		s.logger.Printf("scan skipped for scope %s: no content source configured", scopeID)
		return nil
	}

	items, err := s.source.FetchRecent(ctx, scope, s.pageSize)
	if err != nil {
		return fmt.Errorf("fetch recent content for scope %s: %w", scopeID, err)
	}

	started := 0
	for _, item := range items {
		item.ScopeID = scopeID
		if item.ID == "" {
			continue
		}
		if _, exists, err := s.store.GetRun(ctx, item.ID); err != nil {
			return fmt.Errorf("check run for content %s: %w", item.ID, err)
		} else if exists {
			continue
		}
		if err := s.ingest(ctx, item); err != nil {
			return err
		}
		started++
	}

	if err := s.store.MarkProfileScanned(ctx, scopeID, time.Now().UTC()); err != nil {
		return fmt.Errorf("mark profile scanned: %w", err)
	}
	s.logger.Printf("scan of scope %s: %d items fetched, %d runs started", scopeID, len(items), started)
	return nil
}

func (s *Scanner) ingest(ctx context.Context, item store.ContentItem) error {
	payload, err := json.Marshal(map[string]string{"content_id": item.ID})
	if err != nil {
		return fmt.Errorf("marshal ingest payload: %w", err)
	}
	eventID, err := s.store.InsertIngestEvent(ctx, item.ScopeID, item.Kind, payload)
	if err != nil {
		return err
	}
	if err := s.store.InsertContentItem(ctx, item); err != nil {
		return fmt.Errorf("persist content item %s: %w", item.ID, err)
	}

	runID, err := s.state.Start(ctx, item.ScopeID, item.ID, s.pipeline.RequiredSteps, s.optionalSteps(item))
	if err != nil {
		return fmt.Errorf("start run for content %s: %w", item.ID, err)
	}
	if _, err := s.queue.EnqueueFinalize(ctx, streams.FinalizeJob{
		ScopeID:   item.ScopeID,
		ContentID: item.ID,
		RunID:     runID,
	}, 0); err != nil {
		return fmt.Errorf("enqueue first finalize for content %s: %w", item.ID, err)
	}
	if err := s.store.MarkIngestEventProcessed(ctx, eventID); err != nil {
		s.logger.Printf("warn: mark ingest event %d processed: %v", eventID, err)
	}
	return nil
}

// optionalSteps drops the video step for still content; images have no
// audio track to transcribe.
func (s *Scanner) optionalSteps(item store.ContentItem) []string {
	if item.Kind == store.ContentKindStory {
		return s.pipeline.OptionalSteps
	}
	var out []string
	for _, step := range s.pipeline.OptionalSteps {
		if step == pipeline.StepVideo {
			continue
		}
		out = append(out, step)
	}
	return out
}
