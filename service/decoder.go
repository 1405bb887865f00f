package service

import (
	"bytes"
	"fmt"
	"image"
	"mime"
	"net/http"
	"path/filepath"
	"strings"

	_ "image/jpeg"
	_ "image/png"

	"github.com/TIANLI0/TumorLens/config"
	"github.com/TIANLI0/TumorLens/model"
	"golang.org/x/image/draw"
)

// Normalization 科学栅格样本到8位的映射方式
type Normalization int

const (
	// NormalizeClamp 超出 [0,255] 的样本直接截断
	NormalizeClamp Normalization = iota
	// NormalizeRescale 按样本最小/最大值线性拉伸到 [0,255]
	NormalizeRescale
)

func ParseNormalization(s string) (Normalization, error) {
	switch s {
	case "", "clamp":
		return NormalizeClamp, nil
	case "rescale":
		return NormalizeRescale, nil
	}
	return 0, fmt.Errorf("unknown normalization %q", s)
}

var extensionMIME = map[string]string{
	".tif":  "image/tiff",
	".tiff": "image/tiff",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".dcm":  "application/dicom",
}

// Decoder 将原始字节解码为统一的像素缓冲区
type Decoder struct {
	normalize Normalization
}

func NewDecoder(cfg *config.DecoderConfig) (*Decoder, error) {
	n, err := ParseNormalization(cfg.Normalize)
	if err != nil {
		return nil, err
	}
	return &Decoder{normalize: n}, nil
}

// Decode 按声明的 MIME 类型解码；raw 不会被修改，每次调用返回独立的缓冲区
func (d *Decoder) Decode(raw []byte, mimeType string) (buf *model.PixelBuffer, err error) {
	// 第三方解码器遇到畸形输入可能 panic，统一转成 DecodeError
	defer func() {
		if r := recover(); r != nil {
			buf, err = nil, decodeErr(fmt.Errorf("%v", r), "decoder panic")
		}
	}()
	if len(raw) == 0 {
		return nil, decodeErr(nil, "empty payload")
	}
	if isTIFFMIME(mimeType) || isTIFF(raw) {
		return decodeTIFF(raw, d.normalize)
	}
	if mimeType == "application/dicom" || isDICOM(raw) {
		return decodeDICOM(raw)
	}
	return decodeRaster(raw)
}

// decodeRaster PNG/JPEG 走标准解码，按原始分辨率读回 RGBA
func decodeRaster(raw []byte) (*model.PixelBuffer, error) {
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, decodeErr(err, "malformed raster")
	}
	b := img.Bounds()
	if b.Empty() {
		return nil, decodeErr(nil, "image has no pixels")
	}

	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return model.NewFromNRGBA(dst), nil
}

func isTIFFMIME(mimeType string) bool {
	mt, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return false
	}
	switch mt {
	case "image/tiff", "image/tif", "image/x-tiff":
		return true
	}
	return false
}

// ResolveMIME 依次采用声明类型、扩展名、魔数嗅探
func ResolveMIME(name, declared string, raw []byte) string {
	if mt, _, err := mime.ParseMediaType(declared); err == nil && strings.HasPrefix(mt, "image/") {
		return mt
	}
	if mt, ok := extensionMIME[strings.ToLower(filepath.Ext(name))]; ok {
		return mt
	}
	if isTIFF(raw) {
		return "image/tiff"
	}
	if isDICOM(raw) {
		return "application/dicom"
	}
	if mt := http.DetectContentType(raw); strings.HasPrefix(mt, "image/") {
		return mt
	}
	return "application/octet-stream"
}

// AllowedExtension 检查文件扩展名是否在允许列表中
func AllowedExtension(name string, allowed []string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, a := range allowed {
		if strings.EqualFold(ext, a) {
			return true
		}
	}
	return false
}
