package tools

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/ledongthuc/pdf"

	"github.com/feichai0017/zone-engine/internal/models"
	"github.com/feichai0017/zone-engine/pkg/logger"
)

// PDFTextAdapter reads the native text layer of a PDF page and clips it
// to the zone's bounding box. It registers as pdfplumber since it covers
// the same capability class: positioned text runs grouped into rows,
// with gap-based word and cell separation.
type PDFTextAdapter struct {
	logger logger.Logger
}

func NewPDFTextAdapter(log logger.Logger) *PDFTextAdapter {
	return &PDFTextAdapter{logger: log}
}

func (a *PDFTextAdapter) Tool() string { return "pdfplumber" }

func (a *PDFTextAdapter) Extract(ctx context.Context, zone *models.Zone, artifact []byte, mimeType string) (string, float64, error) {
	reader := bytes.NewReader(artifact)
	pdfReader, err := pdf.NewReader(reader, reader.Size())
	if err != nil {
		return "", 0, fmt.Errorf("open pdf: %w", err)
	}

	numPages := pdfReader.NumPage()
	if zone.PageNumber < 1 || zone.PageNumber > numPages {
		return "", 0, fmt.Errorf("page %d out of range, document has %d pages", zone.PageNumber, numPages)
	}

	page := pdfReader.Page(zone.PageNumber)
	if page.V.IsNull() {
		return "", 0, fmt.Errorf("page %d has no content", zone.PageNumber)
	}

	rows, err := page.GetTextByRow()
	if err != nil {
		return "", 0, fmt.Errorf("read text rows from page %d: %w", zone.PageNumber, err)
	}

	pageW, pageH := mediaBoxSize(page)
	left, right, top, bottom := zoneRect(zone.Box, pageW, pageH)

	// top of page first
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Position > rows[j].Position })

	isTable := zone.ContentType == models.ContentTypeTable
	var lines []string
	for _, row := range rows {
		y := float64(row.Position)
		if y < bottom || y > top {
			continue
		}
		texts := make([]pdf.Text, 0, len(row.Content))
		for _, t := range row.Content {
			if t.X >= left && t.X <= right {
				texts = append(texts, t)
			}
		}
		if len(texts) == 0 {
			continue
		}
		sort.SliceStable(texts, func(i, j int) bool { return texts[i].X < texts[j].X })
		lines = append(lines, renderRow(texts, isTable))
	}

	content := strings.TrimSpace(strings.Join(lines, "\n"))
	a.logger.Debug("PDF text run",
		logger.String("zoneId", zone.ID),
		logger.Int("rows", len(lines)),
		logger.Int("page", zone.PageNumber),
	)
	return content, textLayerConfidence(content), nil
}

func (a *PDFTextAdapter) Close() error {
	return nil
}

// mediaBoxSize returns the page dimensions in PDF points, or zeros when
// the MediaBox is missing.
func mediaBoxSize(page pdf.Page) (float64, float64) {
	box := page.V.Key("MediaBox")
	if box.IsNull() || box.Len() < 4 {
		return 0, 0
	}
	w := box.Index(2).Float64() - box.Index(0).Float64()
	h := box.Index(3).Float64() - box.Index(1).Float64()
	return w, h
}

// zoneRect converts a top-left-origin bounding box into PDF coordinates,
// which grow upward from the bottom-left. A degenerate box or unknown
// page height selects the whole page.
func zoneRect(box models.BoundingBox, pageW, pageH float64) (left, right, top, bottom float64) {
	if box.Width <= 0 || box.Height <= 0 || pageH <= 0 {
		return -1e18, 1e18, 1e18, -1e18
	}
	sx, sy := 1.0, 1.0
	if box.PageWidth > 0 && box.PageHeight > 0 {
		sx = pageW / box.PageWidth
		sy = pageH / box.PageHeight
	}
	left = box.X * sx
	right = (box.X + box.Width) * sx
	top = pageH - box.Y*sy
	bottom = pageH - (box.Y+box.Height)*sy
	return left, right, top, bottom
}

// renderRow joins text runs on one row. Gaps wider than the font size
// become cell separators in table zones; smaller gaps become spaces.
func renderRow(texts []pdf.Text, table bool) string {
	var b strings.Builder
	for i, t := range texts {
		if i > 0 {
			prev := texts[i-1]
			gap := t.X - (prev.X + prev.W)
			switch {
			case table && gap > prev.FontSize:
				b.WriteString("\t")
			case gap > prev.FontSize*0.3:
				b.WriteString(" ")
			}
		}
		b.WriteString(t.S)
	}
	return strings.TrimSpace(b.String())
}

// textLayerConfidence scores a native text layer, which carries no model
// confidence. Unprintable runes from broken encodings drag it down.
func textLayerConfidence(content string) float64 {
	if content == "" {
		return 0
	}
	total, printable := 0, 0
	for _, r := range content {
		total++
		if unicode.IsPrint(r) || unicode.IsSpace(r) {
			printable++
		}
	}
	return float64(printable) / float64(total)
}
