package detect

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// CloudClient adapts a hosted vision API. The provider speaks a batched
// annotate protocol with base64 image content and corner-polygon bounding
// boxes; everything is normalized to the canonical Detection here.
type CloudClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewCloudClient(baseURL, apiKey string, timeout time.Duration) *CloudClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &CloudClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *CloudClient) post(ctx context.Context, path string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("call %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("call %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

type cloudVertex struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type cloudFaceAnnotation struct {
	BoundingPoly struct {
		Vertices []cloudVertex `json:"vertices"`
	} `json:"boundingPoly"`
	DetectionConfidence float64 `json:"detectionConfidence"`
	Landmarks           []struct {
		Type     string `json:"type"`
		Position struct {
			X float64 `json:"x"`
			Y float64 `json:"y"`
		} `json:"position"`
	} `json:"landmarks"`
}

type cloudAnnotateResponse struct {
	Responses []struct {
		FaceAnnotations  []cloudFaceAnnotation `json:"faceAnnotations"`
		TextAnnotations  []struct {
			Description string `json:"description"`
		} `json:"textAnnotations"`
		LabelAnnotations []struct {
			Description string `json:"description"`
		} `json:"labelAnnotations"`
	} `json:"responses"`
}

func (c *CloudClient) Detect(ctx context.Context, media []byte) (Detection, error) {
	request := map[string]interface{}{
		"requests": []map[string]interface{}{{
			"image": map[string]string{"content": base64.StdEncoding.EncodeToString(media)},
			"features": []map[string]interface{}{
				{"type": "FACE_DETECTION"},
				{"type": "TEXT_DETECTION"},
				{"type": "LABEL_DETECTION"},
			},
		}},
	}
	var payload cloudAnnotateResponse
	if err := c.post(ctx, "/v1/images:annotate", request, &payload); err != nil {
		return Detection{}, err
	}
	if len(payload.Responses) == 0 {
		return Detection{}, fmt.Errorf("empty annotate response")
	}
	ann := payload.Responses[0]

	det := Detection{}
	for _, fa := range ann.FaceAnnotations {
		face := Face{Confidence: fa.DetectionConfidence, Box: boxFromVertices(fa.BoundingPoly.Vertices)}
		if len(fa.Landmarks) > 0 {
			face.Landmarks = map[string][]float64{}
			for _, lm := range fa.Landmarks {
				face.Landmarks[strings.ToLower(lm.Type)] = []float64{lm.Position.X, lm.Position.Y}
			}
		}
		det.Faces = append(det.Faces, face)
	}
	// The first text annotation is the provider's full-text aggregate.
	if len(ann.TextAnnotations) > 0 {
		det.OCRText = ann.TextAnnotations[0].Description
	}
	for _, label := range ann.LabelAnnotations {
		if label.Description != "" {
			det.Objects = append(det.Objects, label.Description)
		}
	}
	det.Mentions, det.Hashtags, det.ProfileHandles = textSignals(det.OCRText)
	return det, nil
}

func boxFromVertices(vertices []cloudVertex) Box {
	if len(vertices) == 0 {
		return Box{}
	}
	minX, minY := vertices[0].X, vertices[0].Y
	maxX, maxY := minX, minY
	for _, v := range vertices[1:] {
		if v.X < minX {
			minX = v.X
		}
		if v.X > maxX {
			maxX = v.X
		}
		if v.Y < minY {
			minY = v.Y
		}
		if v.Y > maxY {
			maxY = v.Y
		}
	}
	return Box{X: minX, Y: minY, Width: maxX - minX, Height: maxY - minY}
}

type cloudEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
	Version   string    `json:"version"`
}

func (c *CloudClient) Embed(ctx context.Context, media []byte, face Face) (Embedding, error) {
	request := map[string]interface{}{
		"image": map[string]string{"content": base64.StdEncoding.EncodeToString(media)},
		"box": map[string]float64{
			"x": face.Box.X, "y": face.Box.Y,
			"width": face.Box.Width, "height": face.Box.Height,
		},
	}
	var payload cloudEmbedResponse
	if err := c.post(ctx, "/v1/faces:embed", request, &payload); err != nil {
		return Embedding{}, err
	}
	if len(payload.Embedding) == 0 {
		return Embedding{}, fmt.Errorf("no face embedding returned")
	}
	version := payload.Version
	if version == "" {
		version = "cloud"
	}
	return Embedding{Vector: payload.Embedding, Version: version}, nil
}

type cloudVideoResponse struct {
	DurationSeconds float64 `json:"duration_seconds"`
	Transcript      string  `json:"transcript"`
	FramesSampled   int     `json:"frames_sampled"`
}

func (c *CloudClient) AnalyzeVideo(ctx context.Context, media []byte) (VideoInsights, error) {
	request := map[string]interface{}{
		"video": map[string]string{"content": base64.StdEncoding.EncodeToString(media)},
	}
	var payload cloudVideoResponse
	if err := c.post(ctx, "/v1/videos:annotate", request, &payload); err != nil {
		return VideoInsights{}, err
	}
	return VideoInsights{
		DurationSeconds: payload.DurationSeconds,
		Transcript:      payload.Transcript,
		FramesSampled:   payload.FramesSampled,
	}, nil
}
