package service

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/TIANLI0/TumorLens/model"
	"golang.org/x/image/draw"
)

const (
	maskMultiplier          = 0.7
	thresholdMaskMultiplier = 0.9
	placeholderSize         = 256
)

var placeholderColor = color.NRGBA{R: 0x1f, G: 0x29, B: 0x37, A: 255}

// Surface 单个绘制面板的内容，尺寸等于扫描的原始分辨率
type Surface struct {
	Width       int
	Height      int
	Image       *image.NRGBA
	MaskOpacity float64
	Placeholder bool
}

// Surfaces 四个同步面板；显示扫描的面板共享同一份像素
type Surfaces struct {
	Original     *Surface
	Prediction   *Surface
	CompareLeft  *Surface
	CompareRight *Surface
}

// MaskMultiplier 阈值开启时掩码基础不透明度更高
func MaskMultiplier(threshold bool) float64 {
	if threshold {
		return thresholdMaskMultiplier
	}
	return maskMultiplier
}

// AppliedMaskOpacity 预测面板实际使用的掩码不透明度
func AppliedMaskOpacity(view model.ViewState) float64 {
	switch view.Mode {
	case model.ModeScanOnly:
		return 0
	case model.ModeMaskOnly:
		return MaskMultiplier(view.ThresholdEnabled)
	case model.ModeOverlay:
		return clamp(view.Opacity, 0, 100) / 100 * MaskMultiplier(view.ThresholdEnabled)
	}
	panic(fmt.Sprintf("unhandled view mode %v", view.Mode))
}

// Compose 根据视图状态生成四个面板；没有掩码时只显示扫描
func Compose(scan, mask *model.PixelBuffer, view model.ViewState) *Surfaces {
	if scan == nil {
		p := placeholderSurface()
		return &Surfaces{Original: p, Prediction: p, CompareLeft: p, CompareRight: p}
	}

	base := &Surface{Width: scan.Width, Height: scan.Height, Image: scan.Image()}
	out := &Surfaces{Original: base, CompareLeft: base, Prediction: base, CompareRight: base}
	if mask == nil {
		return out
	}

	opacity := AppliedMaskOpacity(view)
	var pred *Surface
	switch view.Mode {
	case model.ModeScanOnly:
		return out
	case model.ModeMaskOnly:
		pred = &Surface{
			Width:       scan.Width,
			Height:      scan.Height,
			Image:       renderMask(colorizeMask(mask, scan.Width, scan.Height, view.ColorMap), opacity),
			MaskOpacity: opacity,
		}
	case model.ModeOverlay:
		pred = &Surface{
			Width:       scan.Width,
			Height:      scan.Height,
			Image:       lightenOver(base.Image, colorizeMask(mask, scan.Width, scan.Height, view.ColorMap), opacity),
			MaskOpacity: opacity,
		}
	default:
		panic(fmt.Sprintf("unhandled view mode %v", view.Mode))
	}
	out.Prediction, out.CompareRight = pred, pred
	return out
}

func placeholderSurface() *Surface {
	img := image.NewNRGBA(image.Rect(0, 0, placeholderSize, placeholderSize))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: placeholderColor}, image.Point{}, draw.Src)
	return &Surface{Width: placeholderSize, Height: placeholderSize, Image: img, Placeholder: true}
}

// colorizeMask 将掩码按扫描尺寸最近邻重采样后着色，值为0的像素保持透明
func colorizeMask(mask *model.PixelBuffer, width, height int, cm model.ColorMap) *image.NRGBA {
	src := mask.Image()
	if mask.Width != width || mask.Height != height {
		scaled := image.NewNRGBA(image.Rect(0, 0, width, height))
		draw.NearestNeighbor.Scale(scaled, scaled.Bounds(), src, src.Bounds(), draw.Src, nil)
		src = scaled
	}

	var lut [256]color.NRGBA
	for i := 1; i < 256; i++ {
		lut[i] = rampColor(cm, float64(i)/255)
	}

	for i := 0; i < len(src.Pix); i += 4 {
		p := src.Pix[i : i+4 : i+4]
		lum := (299*int(p[0]) + 587*int(p[1]) + 114*int(p[2]) + 500) / 1000
		if lum == 0 || p[3] == 0 {
			p[0], p[1], p[2], p[3] = 0, 0, 0, 0
			continue
		}
		c := lut[lum]
		p[0], p[1], p[2] = c.R, c.G, c.B
	}
	return src
}

func scaleAlpha(a uint8, opacity float64) uint8 {
	return uint8(math.Round(float64(a) * opacity))
}

// renderMask 仅掩码：透明背景上按不透明度绘制
func renderMask(mask *image.NRGBA, opacity float64) *image.NRGBA {
	for i := 3; i < len(mask.Pix); i += 4 {
		mask.Pix[i] = scaleAlpha(mask.Pix[i], opacity)
	}
	return mask
}

// lightenOver 以 lighten 混合把掩码叠加到扫描上
func lightenOver(base, mask *image.NRGBA, opacity float64) *image.NRGBA {
	out := image.NewNRGBA(base.Bounds())
	copy(out.Pix, base.Pix)
	for i := 0; i < len(out.Pix); i += 4 {
		a := float64(mask.Pix[i+3]) / 255 * opacity
		if a == 0 {
			continue
		}
		for c := 0; c < 3; c++ {
			b := float64(out.Pix[i+c])
			blended := math.Max(b, float64(mask.Pix[i+c]))
			out.Pix[i+c] = uint8(math.Round(b + (blended-b)*a))
		}
		ba := float64(out.Pix[i+3])
		out.Pix[i+3] = uint8(math.Round(ba + (255-ba)*a))
	}
	return out
}

// RenderComparison 按百分比拼接左右面板，分割线左侧取 left
func RenderComparison(left, right *Surface, position float64) *image.NRGBA {
	out := image.NewNRGBA(left.Image.Bounds())
	copy(out.Pix, left.Image.Pix)
	if !right.Image.Bounds().Eq(left.Image.Bounds()) {
		return out
	}
	split := int(math.Round(float64(left.Width) * clamp(position, 0, 100) / 100))
	for y := 0; y < left.Height; y++ {
		row := y * out.Stride
		copy(out.Pix[row+split*4:row+left.Width*4], right.Image.Pix[row+split*4:row+left.Width*4])
	}
	return out
}
