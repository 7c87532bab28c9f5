package detect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// LocalClient adapts the self-hosted AI microservice. Media is uploaded as a
// multipart file; bounding boxes arrive as [x1,y1,x2,y2] corner pairs and are
// converted to the canonical origin+size form here.
type LocalClient struct {
	baseURL string
	http    *http.Client
}

func NewLocalClient(baseURL string, timeout time.Duration) *LocalClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &LocalClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *LocalClient) upload(ctx context.Context, path string, query url.Values, media []byte, out interface{}) error {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", "media")
	if err != nil {
		return fmt.Errorf("build upload: %w", err)
	}
	if _, err := part.Write(media); err != nil {
		return fmt.Errorf("build upload: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("build upload: %w", err)
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

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

type localFace struct {
	BBox       []float64       `json:"bbox"`
	Confidence float64         `json:"confidence"`
	Landmarks  json.RawMessage `json:"landmarks"`
	Age        *float64        `json:"age"`
	Gender     *string         `json:"gender"`
	Embedding  []float32       `json:"embedding"`
}

type localText struct {
	Text string `json:"text"`
}

type localLabel struct {
	Description string `json:"description"`
}

type localImageResponse struct {
	Success bool `json:"success"`
	Results struct {
		Labels []localLabel `json:"labels"`
		Text   []localText  `json:"text"`
		Faces  []localFace  `json:"faces"`
	} `json:"results"`
}

func (c *LocalClient) Detect(ctx context.Context, media []byte) (Detection, error) {
	var payload localImageResponse
	query := url.Values{"features": []string{"labels,text,faces"}}
	if err := c.upload(ctx, "/analyze/image", query, media, &payload); err != nil {
		return Detection{}, err
	}
	if !payload.Success {
		return Detection{}, fmt.Errorf("image analysis reported failure")
	}

	det := Detection{}
	for _, face := range payload.Results.Faces {
		det.Faces = append(det.Faces, canonicalFace(face))
	}
	var lines []string
	for _, t := range payload.Results.Text {
		if t.Text != "" {
			lines = append(lines, t.Text)
		}
	}
	det.OCRText = strings.Join(lines, "\n")
	for _, label := range payload.Results.Labels {
		if label.Description != "" {
			det.Objects = append(det.Objects, label.Description)
		}
	}
	det.Mentions, det.Hashtags, det.ProfileHandles = textSignals(det.OCRText)
	return det, nil
}

func canonicalFace(f localFace) Face {
	face := Face{Confidence: f.Confidence, Embedding: f.Embedding}
	if len(f.BBox) == 4 {
		face.Box = Box{
			X:      f.BBox[0],
			Y:      f.BBox[1],
			Width:  f.BBox[2] - f.BBox[0],
			Height: f.BBox[3] - f.BBox[1],
		}
	}
	if f.Age != nil {
		face.Age = *f.Age
	}
	if f.Gender != nil {
		face.Gender = *f.Gender
	}
	// Landmarks are a name->point map with RetinaFace, an empty list with
	// the OpenCV fallback. Only the map form carries information.
	var landmarks map[string][]float64
	if len(f.Landmarks) > 0 && json.Unmarshal(f.Landmarks, &landmarks) == nil {
		face.Landmarks = landmarks
	}
	return face
}

type localEmbeddingResponse struct {
	Success   bool      `json:"success"`
	Embedding []float32 `json:"embedding"`
}

func (c *LocalClient) Embed(ctx context.Context, media []byte, _ Face) (Embedding, error) {
	var payload localEmbeddingResponse
	if err := c.upload(ctx, "/face/embedding", nil, media, &payload); err != nil {
		return Embedding{}, err
	}
	if !payload.Success || len(payload.Embedding) == 0 {
		return Embedding{}, fmt.Errorf("no face embedding returned")
	}
	return Embedding{Vector: payload.Embedding, Version: "local-insightface"}, nil
}

type localVideoResponse struct {
	Success bool `json:"success"`
	Results struct {
		Text     []localText `json:"text"`
		Metadata struct {
			Duration       float64 `json:"duration"`
			FramesAnalyzed int     `json:"frames_analyzed"`
		} `json:"metadata"`
	} `json:"results"`
}

func (c *LocalClient) AnalyzeVideo(ctx context.Context, media []byte) (VideoInsights, error) {
	var payload localVideoResponse
	query := url.Values{"features": []string{"labels,faces,scenes"}}
	if err := c.upload(ctx, "/analyze/video", query, media, &payload); err != nil {
		return VideoInsights{}, err
	}
	if !payload.Success {
		return VideoInsights{}, fmt.Errorf("video analysis reported failure")
	}
	var lines []string
	for _, t := range payload.Results.Text {
		if t.Text != "" {
			lines = append(lines, t.Text)
		}
	}
	return VideoInsights{
		DurationSeconds: payload.Results.Metadata.Duration,
		Transcript:      strings.Join(lines, "\n"),
		FramesSampled:   payload.Results.Metadata.FramesAnalyzed,
	}, nil
}
