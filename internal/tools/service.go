package tools

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/feichai0017/zone-engine/internal/models"
	"github.com/feichai0017/zone-engine/pkg/logger"
)

type ServiceConfig struct {
	Tool     string
	Endpoint string
	Timeout  time.Duration
}

// ServiceAdapter forwards a zone to an extraction sidecar over HTTP. It
// covers the tools that run as hosted services rather than in-process:
// camelot, tabula, unstructured, layoutlm, paddle.
type ServiceAdapter struct {
	tool       string
	endpoint   string
	httpClient *http.Client
	logger     logger.Logger
}

func NewServiceAdapter(cfg ServiceConfig, log logger.Logger) *ServiceAdapter {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &ServiceAdapter{
		tool:     cfg.Tool,
		endpoint: cfg.Endpoint,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: log,
	}
}

func (a *ServiceAdapter) Tool() string { return a.tool }

type extractRequest struct {
	Tool        string             `json:"tool"`
	ZoneID      string             `json:"zoneId"`
	DocumentID  string             `json:"documentId"`
	PageNumber  int                `json:"pageNumber"`
	ContentType string             `json:"contentType"`
	BoundingBox models.BoundingBox `json:"boundingBox"`
	MimeType    string             `json:"mimeType,omitempty"`
	Artifact    string             `json:"artifact,omitempty"`
}

type extractResponse struct {
	Content    string  `json:"content"`
	Confidence float64 `json:"confidence"`
	Error      string  `json:"error,omitempty"`
}

func (a *ServiceAdapter) Extract(ctx context.Context, zone *models.Zone, artifact []byte, mimeType string) (string, float64, error) {
	reqBody := extractRequest{
		Tool:        a.tool,
		ZoneID:      zone.ID,
		DocumentID:  zone.DocumentID,
		PageNumber:  zone.PageNumber,
		ContentType: string(zone.ContentType),
		BoundingBox: zone.Box,
		MimeType:    mimeType,
	}
	if len(artifact) > 0 {
		reqBody.Artifact = base64.StdEncoding.EncodeToString(artifact)
	}

	reqData, err := json.Marshal(reqBody)
	if err != nil {
		return "", 0, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", a.endpoint+"/api/extract", bytes.NewReader(reqData))
	if err != nil {
		return "", 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", 0, fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, string(body))
	}

	var result extractResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", 0, fmt.Errorf("failed to decode response: %w", err)
	}

	if result.Error != "" {
		return "", 0, fmt.Errorf("%s error: %s", a.tool, result.Error)
	}

	return result.Content, result.Confidence, nil
}

func (a *ServiceAdapter) Close() error {
	a.httpClient.CloseIdleConnections()
	return nil
}
