package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/feichai0017/zone-engine/config"
	"github.com/feichai0017/zone-engine/pkg/logger"
	"github.com/feichai0017/zone-engine/pkg/store"
)

// NewStoreFetcher resolves page artifacts out of the artifact store.
// Keys follow the upload convention documents/<documentId>/pages/<n>.
func NewStoreFetcher(artifacts store.ArtifactStore) FetchFunc {
	return func(ctx context.Context, documentID string, pageNumber int) ([]byte, string, error) {
		key := fmt.Sprintf("documents/%s/pages/%d", documentID, pageNumber)
		rc, err := artifacts.Get(ctx, key)
		if err != nil {
			return nil, "", fmt.Errorf("fetch page artifact %s: %w", key, err)
		}
		defer rc.Close()

		data, err := io.ReadAll(rc)
		if err != nil {
			return nil, "", fmt.Errorf("read page artifact %s: %w", key, err)
		}
		return data, http.DetectContentType(data), nil
	}
}

// BuildAdapters assembles the configured tool backends: local OCR and
// PDF text extraction, AWS Textract when credentials are present, and
// the HTTP sidecar for everything else.
func BuildAdapters(ctx context.Context, log logger.Logger) []Adapter {
	adapters := []Adapter{
		NewTesseractAdapter(DefaultTesseractConfig(), log),
		NewPDFTextAdapter(log),
	}

	txCfg := config.GetTextractConfig()
	if txCfg.AccessKey != "" {
		ta, err := NewTextractAdapter(ctx, TextractConfig{
			Region:        txCfg.Region,
			AccessKey:     txCfg.AccessKey,
			SecretKey:     txCfg.SecretKey,
			MinConfidence: float32(txCfg.MinConfidence),
		}, log)
		if err != nil {
			log.Warn("Textract adapter disabled", logger.Error(err))
		} else {
			adapters = append(adapters, ta)
		}
	}

	extCfg := config.GetExtractorConfig()
	for _, tool := range extCfg.Tools {
		adapters = append(adapters, NewServiceAdapter(ServiceConfig{
			Tool:     tool,
			Endpoint: extCfg.Endpoint,
			Timeout:  extCfg.Timeout,
		}, log))
	}
	return adapters
}
