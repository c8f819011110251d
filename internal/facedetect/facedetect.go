// Package facedetect implements the FaceDetector collaborator as an HTTP
// client against an external face-detection service, the same multipart
// POST shape the teacher's fingerprint.EmbeddingClient uses against its
// embedding server.
package facedetect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/lumenvale/shuttercore/internal/domain"
	"github.com/lumenvale/shuttercore/internal/ports"
)

const defaultDetectorURL = "http://localhost:8100"

// Client is the concrete, HTTP-backed FaceDetector.
type Client struct {
	baseURL string
	http    *http.Client
}

var _ ports.FaceDetector = (*Client)(nil)

func New(baseURL string) *Client {
	if baseURL == "" {
		baseURL = defaultDetectorURL
	}
	return &Client{baseURL: baseURL, http: &http.Client{}}
}

type detectResponse struct {
	Faces []struct {
		X int `json:"x"`
		Y int `json:"y"`
		W int `json:"w"`
		H int `json:"h"`
	} `json:"faces"`
}

// Detect posts image to the detector's /detect endpoint and returns the
// bounding boxes in the order the service reported them.
func (c *Client) Detect(ctx context.Context, image []byte) ([]domain.BBox, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", "image.bin")
	if err != nil {
		return nil, fmt.Errorf("facedetect: creating form file: %w", err)
	}
	if _, err := part.Write(image); err != nil {
		return nil, fmt.Errorf("facedetect: writing image data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("facedetect: closing multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/detect", &buf)
	if err != nil {
		return nil, fmt.Errorf("facedetect: creating request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("facedetect: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("facedetect: reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("facedetect: detector returned status %d: %s", resp.StatusCode, body)
	}

	var parsed detectResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("facedetect: decoding response: %w", err)
	}

	bboxes := make([]domain.BBox, len(parsed.Faces))
	for i, f := range parsed.Faces {
		bboxes[i] = domain.BBox{X: f.X, Y: f.Y, W: f.W, H: f.H}
	}
	return bboxes, nil
}
