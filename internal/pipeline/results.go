package pipeline

import (
	"encoding/json"
	"fmt"
)

// Per-step result payloads. Step workers publish these as the step's result
// and downstream consumers decode them at the storage boundary instead of
// probing loosely-typed maps.

// VisualResult is produced by the visual description step.
type VisualResult struct {
	Description string   `json:"description"`
	Objects     []string `json:"objects,omitempty"`
	Scene       string   `json:"scene,omitempty"`
}

// FaceResult is produced by the face detection/recognition step.
type FaceResult struct {
	FaceCount   int      `json:"face_count"`
	IdentityIDs []string `json:"identity_ids,omitempty"`
	Unknown     int      `json:"unknown"`
	ResolverRan bool     `json:"resolver_ran"`
}

// OCRResult is produced by the OCR step.
type OCRResult struct {
	Text     string   `json:"text,omitempty"`
	Mentions []string `json:"mentions,omitempty"`
	Hashtags []string `json:"hashtags,omitempty"`
}

// VideoResult is produced by the video context step.
type VideoResult struct {
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
	Transcript      string  `json:"transcript,omitempty"`
	FramesSampled   int     `json:"frames_sampled,omitempty"`
	// Fallback marks a failed optional step that the finalizer downgraded to
	// succeeded so downstream consumers proceed on visual-only evidence.
	Fallback string `json:"fallback,omitempty"`
}

// MetadataResult is produced by the metadata tagging step.
type MetadataResult struct {
	Tags       []string `json:"tags,omitempty"`
	VisualOnly bool     `json:"visual_only,omitempty"`
}

// FallbackVisualOnly is the marker recorded when an optional step's failure is
// absorbed and downstream steps continue on visual evidence alone.
const FallbackVisualOnly = "visual_only"

// EncodeResult serializes a typed step result for storage in a StepRecord.
func EncodeResult(v interface{}) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode step result: %w", err)
	}
	return data, nil
}

// DecodeResult parses a StepRecord result into the provided typed payload.
func DecodeResult(raw json.RawMessage, into interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return fmt.Errorf("decode step result: %w", err)
	}
	return nil
}
