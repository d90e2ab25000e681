package tools

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/textract"
	"github.com/aws/aws-sdk-go-v2/service/textract/types"
	"github.com/disintegration/imaging"

	"github.com/feichai0017/zone-engine/internal/models"
	"github.com/feichai0017/zone-engine/pkg/logger"
)

type TextractConfig struct {
	Region        string
	AccessKey     string
	SecretKey     string
	MinConfidence float32
	FeatureTypes  []types.FeatureType
}

// TextractAdapter extracts zone content through AWS Textract's
// AnalyzeDocument API.
type TextractAdapter struct {
	client *textract.Client
	cfg    TextractConfig
	logger logger.Logger
}

func NewTextractAdapter(ctx context.Context, cfg TextractConfig, log logger.Logger) (*TextractAdapter, error) {
	creds := credentials.NewStaticCredentialsProvider(
		cfg.AccessKey,
		cfg.SecretKey,
		"",
	)

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(creds),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to load AWS config: %w", err)
	}

	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = 80.0
	}
	if len(cfg.FeatureTypes) == 0 {
		cfg.FeatureTypes = []types.FeatureType{
			types.FeatureTypeTables,
			types.FeatureTypeForms,
		}
	}

	return &TextractAdapter{
		client: textract.NewFromConfig(awsCfg),
		cfg:    cfg,
		logger: log,
	}, nil
}

func (a *TextractAdapter) Tool() string { return "textract" }

func (a *TextractAdapter) Extract(ctx context.Context, zone *models.Zone, artifact []byte, mimeType string) (string, float64, error) {
	data, err := a.prepareArtifact(zone, artifact, mimeType)
	if err != nil {
		return "", 0, err
	}

	input := &textract.AnalyzeDocumentInput{
		Document: &types.Document{
			Bytes: data,
		},
		FeatureTypes: a.cfg.FeatureTypes,
	}

	result, err := a.client.AnalyzeDocument(ctx, input)
	if err != nil {
		return "", 0, fmt.Errorf("analyze document: %w", err)
	}

	if zone.ContentType == models.ContentTypeTable {
		if content, confidence, ok := a.renderTable(result.Blocks); ok {
			return content, confidence, nil
		}
		// no table structure detected, fall through to plain lines
	}

	content, confidence := a.renderLines(result.Blocks)
	return content, confidence, nil
}

// prepareArtifact crops image pages to the zone box. PDF bytes go to the
// API as-is since they cannot be cropped here.
func (a *TextractAdapter) prepareArtifact(zone *models.Zone, artifact []byte, mimeType string) ([]byte, error) {
	if strings.HasPrefix(mimeType, "image/") {
		img, err := imaging.Decode(bytes.NewReader(artifact))
		if err != nil {
			return nil, fmt.Errorf("decode page image: %w", err)
		}
		cropped := CropZone(img, zone.Box)
		buf := new(bytes.Buffer)
		if err := imaging.Encode(buf, cropped, imaging.PNG); err != nil {
			return nil, fmt.Errorf("encode zone image: %w", err)
		}
		return buf.Bytes(), nil
	}
	return artifact, nil
}

func (a *TextractAdapter) renderLines(blocks []types.Block) (string, float64) {
	var texts []string
	var sum float64
	for _, block := range blocks {
		if block.BlockType == types.BlockTypeLine &&
			block.Confidence != nil &&
			*block.Confidence >= a.cfg.MinConfidence &&
			block.Text != nil {
			texts = append(texts, *block.Text)
			sum += float64(*block.Confidence)
		}
	}
	if len(texts) == 0 {
		return "", 0
	}
	return strings.Join(texts, "\n"), sum / float64(len(texts)) / 100.0
}

// renderTable flattens the first detected table into tab-separated rows.
// Cell text lives on child WORD blocks, not on the cell itself.
func (a *TextractAdapter) renderTable(blocks []types.Block) (string, float64, bool) {
	byID := make(map[string]types.Block, len(blocks))
	for _, block := range blocks {
		if block.Id != nil {
			byID[*block.Id] = block
		}
	}

	type cellKey struct{ row, col int32 }
	cells := make(map[cellKey]string)
	var maxRow, maxCol int32
	var sum float64
	var count int

	for _, block := range blocks {
		if block.BlockType != types.BlockTypeCell || block.RowIndex == nil || block.ColumnIndex == nil {
			continue
		}
		cells[cellKey{*block.RowIndex, *block.ColumnIndex}] = a.childText(block, byID)
		if *block.RowIndex > maxRow {
			maxRow = *block.RowIndex
		}
		if *block.ColumnIndex > maxCol {
			maxCol = *block.ColumnIndex
		}
		if block.Confidence != nil {
			sum += float64(*block.Confidence)
			count++
		}
	}
	if count == 0 {
		return "", 0, false
	}

	rows := make([]string, 0, maxRow)
	for r := int32(1); r <= maxRow; r++ {
		cols := make([]string, 0, maxCol)
		for c := int32(1); c <= maxCol; c++ {
			cols = append(cols, cells[cellKey{r, c}])
		}
		rows = append(rows, strings.Join(cols, "\t"))
	}
	return strings.Join(rows, "\n"), sum / float64(count) / 100.0, true
}

// childText resolves a block's text from its CHILD word blocks.
func (a *TextractAdapter) childText(block types.Block, byID map[string]types.Block) string {
	var words []string
	for _, rel := range block.Relationships {
		if rel.Type != types.RelationshipTypeChild {
			continue
		}
		for _, id := range rel.Ids {
			child, ok := byID[id]
			if ok && child.Text != nil {
				words = append(words, *child.Text)
			}
		}
	}
	return strings.Join(words, " ")
}

func (a *TextractAdapter) Close() error {
	// textract client doesn't need special cleanup
	return nil
}
