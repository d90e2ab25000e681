package tools

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"

	"github.com/disintegration/imaging"

	"github.com/feichai0017/zone-engine/internal/models"
)

// Preprocessor transforms a zone image before OCR.
type Preprocessor interface {
	Process(img image.Image) (image.Image, error)
}

// CropZone cuts the zone's bounding box out of its page image. Boxes may
// be expressed against a reported page size; they are rescaled to the
// actual pixel dimensions before cropping. A degenerate box falls back to
// the full page.
func CropZone(img image.Image, box models.BoundingBox) image.Image {
	bounds := img.Bounds()
	sx, sy := 1.0, 1.0
	if box.PageWidth > 0 && box.PageHeight > 0 {
		sx = float64(bounds.Dx()) / box.PageWidth
		sy = float64(bounds.Dy()) / box.PageHeight
	}
	rect := image.Rect(
		bounds.Min.X+int(box.X*sx),
		bounds.Min.Y+int(box.Y*sy),
		bounds.Min.X+int((box.X+box.Width)*sx),
		bounds.Min.Y+int((box.Y+box.Height)*sy),
	)
	rect = rect.Intersect(bounds)
	if rect.Empty() {
		return img
	}
	return imaging.Crop(img, rect)
}

// ApplyPipeline runs each preprocessor in order.
func ApplyPipeline(img image.Image, pipeline []Preprocessor) (image.Image, error) {
	current := img
	for _, p := range pipeline {
		processed, err := p.Process(current)
		if err != nil {
			return nil, fmt.Errorf("preprocess: %w", err)
		}
		current = processed
	}
	return current, nil
}

// DefaultOCRPipeline is the standard cleanup chain applied to scanned
// zones before OCR.
func DefaultOCRPipeline() []Preprocessor {
	return []Preprocessor{
		NewGrayscaleProcessor(),
		NewDenoiseProcessor(0.8),
		NewContrastProcessor(20),
		NewSharpenProcessor(1.5),
	}
}

// 灰度处理器
type GrayscaleProcessor struct{}

func NewGrayscaleProcessor() *GrayscaleProcessor {
	return &GrayscaleProcessor{}
}

func (p *GrayscaleProcessor) Process(img image.Image) (image.Image, error) {
	return imaging.Grayscale(img), nil
}

// 降噪处理器
type DenoiseProcessor struct {
	strength float64
}

func NewDenoiseProcessor(strength float64) *DenoiseProcessor {
	return &DenoiseProcessor{strength: strength}
}

func (p *DenoiseProcessor) Process(img image.Image) (image.Image, error) {
	return imaging.Blur(img, p.strength), nil
}

// 对比度处理器
type ContrastProcessor struct {
	percentage float64
}

func NewContrastProcessor(percentage float64) *ContrastProcessor {
	return &ContrastProcessor{percentage: percentage}
}

func (p *ContrastProcessor) Process(img image.Image) (image.Image, error) {
	return imaging.AdjustContrast(img, p.percentage), nil
}

// 锐化处理器
type SharpenProcessor struct {
	strength float64
}

func NewSharpenProcessor(strength float64) *SharpenProcessor {
	return &SharpenProcessor{strength: strength}
}

func (p *SharpenProcessor) Process(img image.Image) (image.Image, error) {
	return imaging.Sharpen(img, p.strength), nil
}

// AdaptiveThresholdProcessor binarizes against a local mean, for zones
// with uneven lighting. Not part of the default pipeline.
type AdaptiveThresholdProcessor struct {
	blockSize int
	constant  float64
}

func NewAdaptiveThresholdProcessor(blockSize int, constant float64) *AdaptiveThresholdProcessor {
	return &AdaptiveThresholdProcessor{
		blockSize: blockSize,
		constant:  constant,
	}
}

func (p *AdaptiveThresholdProcessor) Process(img image.Image) (image.Image, error) {
	if img == nil {
		return nil, fmt.Errorf("input image is nil")
	}

	grayImg := imaging.Grayscale(img)
	bounds := grayImg.Bounds()

	result := image.NewGray(bounds)
	draw.Draw(result, bounds, &image.Uniform{color.White}, image.Point{}, draw.Src)

	halfBlock := p.blockSize / 2

	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			var sum int
			var count int

			// 计算局部区域平均值
			for dy := -halfBlock; dy <= halfBlock; dy++ {
				for dx := -halfBlock; dx <= halfBlock; dx++ {
					nx, ny := x+dx, y+dy
					if nx >= bounds.Min.X && nx < bounds.Max.X && ny >= bounds.Min.Y && ny < bounds.Max.Y {
						grayValue := color.GrayModel.Convert(grayImg.At(nx, ny)).(color.Gray).Y
						sum += int(grayValue)
						count++
					}
				}
			}

			if count > 0 {
				mean := float64(sum) / float64(count)
				pixel := color.GrayModel.Convert(grayImg.At(x, y)).(color.Gray).Y
				if float64(pixel) < mean-p.constant {
					result.Set(x, y, color.Black)
				}
			}
		}
	}

	return result, nil
}
