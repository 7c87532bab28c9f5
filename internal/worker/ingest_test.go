package worker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ramin-karimi/facegraph/config"
	"github.com/ramin-karimi/facegraph/internal/pipeline"
	"github.com/ramin-karimi/facegraph/internal/queue/streams"
	"github.com/ramin-karimi/facegraph/internal/store"
)

type fakeScanStore struct {
	scopes    map[string]store.ProfileScope
	runs      map[string]*pipeline.Run
	inserted  []store.ContentItem
	events    []string
	processed []int64
	scannedAt map[string]time.Time
}

func newFakeScanStore() *fakeScanStore {
	return &fakeScanStore{
		scopes:    map[string]store.ProfileScope{},
		runs:      map[string]*pipeline.Run{},
		scannedAt: map[string]time.Time{},
	}
}

func (f *fakeScanStore) GetProfileScope(_ context.Context, id string) (store.ProfileScope, bool, error) {
	scope, ok := f.scopes[id]
	return scope, ok, nil
}

func (f *fakeScanStore) InsertContentItem(_ context.Context, rec store.ContentItem) error {
	f.inserted = append(f.inserted, rec)
	return nil
}

func (f *fakeScanStore) GetRun(_ context.Context, contentID string) (*pipeline.Run, bool, error) {
	run, ok := f.runs[contentID]
	return run, ok, nil
}

func (f *fakeScanStore) InsertIngestEvent(_ context.Context, scopeID, kind string, _ json.RawMessage) (int64, error) {
	f.events = append(f.events, scopeID+"/"+kind)
	return int64(len(f.events)), nil
}

func (f *fakeScanStore) MarkIngestEventProcessed(_ context.Context, id int64) error {
	f.processed = append(f.processed, id)
	return nil
}

func (f *fakeScanStore) MarkProfileScanned(_ context.Context, id string, at time.Time) error {
	f.scannedAt[id] = at
	return nil
}

type fakeSource struct {
	items []store.ContentItem
	err   error
}

func (f fakeSource) FetchRecent(context.Context, store.ProfileScope, int) ([]store.ContentItem, error) {
	return f.items, f.err
}

type startCall struct {
	ContentID string
	Required  []string
	Optional  []string
}

type fakeStarter struct{ calls []startCall }

func (f *fakeStarter) Start(_ context.Context, _, contentID string, required, optional []string) (string, error) {
	f.calls = append(f.calls, startCall{contentID, required, optional})
	return "run-" + contentID, nil
}

func testPipelineSteps() config.PipelineConfig {
	return config.PipelineConfig{
		RequiredSteps: []string{pipeline.StepVisual, pipeline.StepFaces, pipeline.StepMetadata},
		OptionalSteps: []string{pipeline.StepOCR, pipeline.StepVideo},
	}
}

func TestScanStartsRunsForNewContent(t *testing.T) {
	st := newFakeScanStore()
	st.scopes["scope-1"] = store.ProfileScope{ID: "scope-1", Username: "ramin.k"}
	st.runs["content-old"] = &pipeline.Run{RunID: "run-old", Status: pipeline.RunCompleted}
	source := fakeSource{items: []store.ContentItem{
		{ID: "content-old", Kind: store.ContentKindPost},
		{ID: "content-new", Kind: store.ContentKindPost},
	}}
	starter := &fakeStarter{}
	queue := &fakeQueue{}
	scanner := NewScanner(st, source, starter, queue, testPipelineSteps(), config.IngestConfig{PageSize: 10}, testLogger())

	if err := scanner.Scan(context.Background(), "scope-1"); err != nil {
		t.Fatalf("scan: %v", err)
	}

	if len(starter.calls) != 1 || starter.calls[0].ContentID != "content-new" {
		t.Fatalf("expected one run start for content-new, got %+v", starter.calls)
	}
	if len(st.inserted) != 1 {
		t.Errorf("expected only new content inserted, got %d", len(st.inserted))
	}
	if len(queue.finalizes) != 1 || queue.finalizes[0].RunID != "run-content-new" {
		t.Errorf("expected first finalize for new run, got %+v", queue.finalizes)
	}
	if len(st.processed) != 1 {
		t.Errorf("ingest event not closed: %v", st.processed)
	}
	if _, ok := st.scannedAt["scope-1"]; !ok {
		t.Error("scope scan timestamp not updated")
	}
}

func TestScanDropsVideoStepForStills(t *testing.T) {
	st := newFakeScanStore()
	st.scopes["scope-1"] = store.ProfileScope{ID: "scope-1", Username: "ramin.k"}
	source := fakeSource{items: []store.ContentItem{
		{ID: "content-post", Kind: store.ContentKindPost},
		{ID: "content-story", Kind: store.ContentKindStory},
	}}
	starter := &fakeStarter{}
	scanner := NewScanner(st, source, starter, &fakeQueue{}, testPipelineSteps(), config.IngestConfig{}, testLogger())

	if err := scanner.Scan(context.Background(), "scope-1"); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(starter.calls) != 2 {
		t.Fatalf("expected two runs, got %d", len(starter.calls))
	}
	for _, call := range starter.calls {
		hasVideo := false
		for _, step := range call.Optional {
			if step == pipeline.StepVideo {
				hasVideo = true
			}
		}
		switch call.ContentID {
		case "content-post":
			if hasVideo {
				t.Error("post run should not carry the video step")
			}
		case "content-story":
			if !hasVideo {
				t.Error("story run should carry the video step")
			}
		}
	}
}

func TestScanWithoutSourceIsNoop(t *testing.T) {
	st := newFakeScanStore()
	st.scopes["scope-1"] = store.ProfileScope{ID: "scope-1", Username: "ramin.k"}
	starter := &fakeStarter{}
	scanner := NewScanner(st, nil, starter, &fakeQueue{}, testPipelineSteps(), config.IngestConfig{}, testLogger())

	if err := scanner.Scan(context.Background(), "scope-1"); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(starter.calls) != 0 {
		t.Errorf("no source configured, expected no runs")
	}
}

func TestScanUnknownScopeIsNoop(t *testing.T) {
	scanner := NewScanner(newFakeScanStore(), fakeSource{}, &fakeStarter{}, &fakeQueue{}, testPipelineSteps(), config.IngestConfig{}, testLogger())
	if err := scanner.Scan(context.Background(), "nope"); err != nil {
		t.Fatalf("scan: %v", err)
	}
}

type fakeEvaluator struct{ evaluated []string }

func (f *fakeEvaluator) Evaluate(_ context.Context, _, contentID string) error {
	f.evaluated = append(f.evaluated, contentID)
	return nil
}

type fakeScanner struct{ scanned []string }

func (f *fakeScanner) Scan(_ context.Context, scopeID string) error {
	f.scanned = append(f.scanned, scopeID)
	return nil
}

func controlMessage(t *testing.T, eventType string, payload interface{}) streams.Message {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return streams.Message{
		ID: "1-0",
		Envelope: streams.Envelope{
			EventID:        "evt-1",
			EventType:      eventType,
			PayloadVersion: streams.PayloadV1,
			Data:           data,
		},
	}
}

func TestControlLoopRoutesEvents(t *testing.T) {
	evaluator := &fakeEvaluator{}
	scanner := &fakeScanner{}
	loop := NewControlLoop(testLogger(), nil, evaluator, scanner)

	finalize := controlMessage(t, streams.EventFinalizeRun, streams.FinalizeJob{ScopeID: "scope-1", ContentID: "content-1", RunID: "run-1"})
	if err := loop.handle(context.Background(), finalize); err != nil {
		t.Fatalf("handle finalize: %v", err)
	}
	scan := controlMessage(t, streams.EventScanProfile, streams.ScanJob{ScopeID: "scope-2"})
	if err := loop.handle(context.Background(), scan); err != nil {
		t.Fatalf("handle scan: %v", err)
	}
	unknown := controlMessage(t, "something.else", map[string]string{"x": "y"})
	if err := loop.handle(context.Background(), unknown); err != nil {
		t.Fatalf("handle unknown: %v", err)
	}

	if len(evaluator.evaluated) != 1 || evaluator.evaluated[0] != "content-1" {
		t.Errorf("finalize routing broken: %v", evaluator.evaluated)
	}
	if len(scanner.scanned) != 1 || scanner.scanned[0] != "scope-2" {
		t.Errorf("scan routing broken: %v", scanner.scanned)
	}
}
