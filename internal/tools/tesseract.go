package tools

import (
	"bytes"
	"context"
	"fmt"
	"image/jpeg"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/otiai10/gosseract/v2"

	"github.com/feichai0017/zone-engine/internal/models"
	"github.com/feichai0017/zone-engine/pkg/logger"
)

type TesseractConfig struct {
	Languages []string
	// PageSegMode follows tesseract's PSM numbering.
	PageSegMode gosseract.PageSegMode
	// MinConfidence filters word boxes on tesseract's 0-100 scale before
	// the reported confidence is averaged.
	MinConfidence float64
}

func DefaultTesseractConfig() TesseractConfig {
	return TesseractConfig{
		Languages:     []string{"eng"},
		PageSegMode:   gosseract.PSM_AUTO,
		MinConfidence: 60.0,
	}
}

// TesseractAdapter runs local OCR over the zone crop. Clients are not
// safe for concurrent use, so each run creates its own.
type TesseractAdapter struct {
	cfg      TesseractConfig
	pipeline []Preprocessor
	logger   logger.Logger
}

func NewTesseractAdapter(cfg TesseractConfig, log logger.Logger) *TesseractAdapter {
	if len(cfg.Languages) == 0 {
		cfg.Languages = []string{"eng"}
	}
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = 60.0
	}
	return &TesseractAdapter{
		cfg:      cfg,
		pipeline: DefaultOCRPipeline(),
		logger:   log,
	}
}

func (a *TesseractAdapter) Tool() string { return "tesseract" }

func (a *TesseractAdapter) Extract(ctx context.Context, zone *models.Zone, artifact []byte, mimeType string) (string, float64, error) {
	img, err := imaging.Decode(bytes.NewReader(artifact))
	if err != nil {
		return "", 0, fmt.Errorf("decode page image: %w", err)
	}

	cropped := CropZone(img, zone.Box)
	processed, err := ApplyPipeline(cropped, a.pipeline)
	if err != nil {
		return "", 0, err
	}

	client := gosseract.NewClient()
	defer client.Close()

	if err := client.SetLanguage(strings.Join(a.cfg.Languages, "+")); err != nil {
		return "", 0, fmt.Errorf("set language: %w", err)
	}
	if err := client.SetPageSegMode(a.cfg.PageSegMode); err != nil {
		return "", 0, fmt.Errorf("set page seg mode: %w", err)
	}
	if err := client.SetVariable("load_system_dawg", "1"); err != nil {
		return "", 0, fmt.Errorf("set variable: %w", err)
	}
	if err := client.SetVariable("language_model_penalty_non_dict_word", "0.8"); err != nil {
		return "", 0, fmt.Errorf("set variable: %w", err)
	}
	if zone.ContentType == models.ContentTypeTable {
		if err := client.SetVariable("textord_force_make_prop_words", "1"); err != nil {
			return "", 0, fmt.Errorf("set variable: %w", err)
		}
	}

	buf := new(bytes.Buffer)
	if err := jpeg.Encode(buf, processed, &jpeg.Options{Quality: 100}); err != nil {
		return "", 0, fmt.Errorf("encode zone image: %w", err)
	}
	if err := client.SetImageFromBytes(buf.Bytes()); err != nil {
		return "", 0, fmt.Errorf("set image: %w", err)
	}

	text, err := client.Text()
	if err != nil {
		return "", 0, fmt.Errorf("ocr failed: %w", err)
	}

	boxes, err := client.GetBoundingBoxesVerbose()
	if err != nil {
		return "", 0, fmt.Errorf("get word boxes: %w", err)
	}

	var sum float64
	var valid int
	for _, box := range boxes {
		if box.Confidence >= a.cfg.MinConfidence {
			sum += box.Confidence
			valid++
		}
	}
	confidence := 0.0
	if valid > 0 {
		confidence = sum / float64(valid) / 100.0
	}

	a.logger.Debug("Tesseract run",
		logger.String("zoneId", zone.ID),
		logger.Int("wordBoxes", len(boxes)),
		logger.Int("validBoxes", valid),
		logger.Float64("confidence", confidence),
	)

	return strings.TrimSpace(text), confidence, nil
}

func (a *TesseractAdapter) Close() error {
	// clients are per-run, nothing held open
	return nil
}
