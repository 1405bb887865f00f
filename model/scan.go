package model

import (
	"fmt"
	"image"
)

// ScanAsset 当前加载的扫描图像
type ScanAsset struct {
	ID         string       `json:"id"`
	Generation uint64       `json:"generation"`
	Name       string       `json:"name"`
	RawBytes   []byte       `json:"-"`
	MimeType   string       `json:"mime_type"`
	// DataURL 持久化时使用的自包含编码
	DataURL string       `json:"-"`
	Decoded *PixelBuffer `json:"-"`
}

// MaskAsset 分割模型返回的掩码
type MaskAsset struct {
	ScanID     string       `json:"scan_id"`
	Generation uint64       `json:"generation"`
	Payload    []byte       `json:"-"`
	MimeType   string       `json:"mime_type"`
	Decoded    *PixelBuffer `json:"-"`
}

// PixelBuffer 归一化后的8位像素数据
type PixelBuffer struct {
	Width    int
	Height   int
	Channels int
	Samples  []uint8
}

// NewPixelBuffer 创建并校验像素缓冲区
func NewPixelBuffer(width, height, channels int, samples []uint8) (*PixelBuffer, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid dimensions %dx%d", width, height)
	}
	if channels != 1 && channels != 4 {
		return nil, fmt.Errorf("unsupported channel count %d", channels)
	}
	if len(samples) != width*height*channels {
		return nil, fmt.Errorf("sample count %d does not match %dx%dx%d", len(samples), width, height, channels)
	}
	return &PixelBuffer{Width: width, Height: height, Channels: channels, Samples: samples}, nil
}

// NewFromNRGBA 从 NRGBA 图像拷贝出4通道缓冲区
func NewFromNRGBA(img *image.NRGBA) *PixelBuffer {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	samples := make([]uint8, w*h*4)
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+w*4]
		copy(samples[y*w*4:], row)
	}
	return &PixelBuffer{Width: w, Height: h, Channels: 4, Samples: samples}
}

// Image 转换为 straight-alpha 的 NRGBA 图像
func (p *PixelBuffer) Image() *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, p.Width, p.Height))
	if p.Channels == 4 {
		copy(img.Pix, p.Samples)
		return img
	}
	for i, v := range p.Samples {
		img.Pix[i*4] = v
		img.Pix[i*4+1] = v
		img.Pix[i*4+2] = v
		img.Pix[i*4+3] = 255
	}
	return img
}
