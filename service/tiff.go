package service

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"math"

	"github.com/TIANLI0/TumorLens/model"
	"github.com/TIANLI0/TumorLens/utils"
	"go.uber.org/zap"
	"golang.org/x/image/tiff"
	"golang.org/x/image/tiff/lzw"
)

const (
	tagImageWidth      = 256
	tagImageLength     = 257
	tagBitsPerSample   = 258
	tagCompression     = 259
	tagStripOffsets    = 273
	tagSamplesPerPixel = 277
	tagRowsPerStrip    = 278
	tagStripByteCounts = 279
	tagPlanarConfig    = 284
	tagPredictor       = 317
	tagTileWidth       = 322
	tagSampleFormat    = 339
)

const (
	compressionNone     = 1
	compressionLZW      = 5
	compressionDeflate  = 8
	compressionPackBits = 32773
	compressionDeflate2 = 32946
)

const (
	sampleFormatUint  = 1
	sampleFormatInt   = 2
	sampleFormatFloat = 3
)

// 单张扫描允许的最大像素数与解压后字节数
const (
	maxTIFFPixels = 1 << 26
	maxTIFFBytes  = 1 << 30
)

// errTIFFUnsupported 显式解析不支持的布局，交给 x/image/tiff 兜底
var errTIFFUnsupported = errors.New("tiff layout not supported by band reader")

// 各字段类型的字节宽度，下标为 TIFF 类型编号
var tiffTypeSize = [...]uint32{0, 1, 1, 2, 4, 8, 1, 1, 2, 4, 8, 4, 8}

func isTIFF(raw []byte) bool {
	if len(raw) < 4 {
		return false
	}
	return bytes.Equal(raw[:4], []byte("II*\x00")) || bytes.Equal(raw[:4], []byte("MM\x00*"))
}

// tiffBand 第一个图像目录中解析出的单波段描述
type tiffBand struct {
	order           binary.ByteOrder
	width           int
	height          int
	bitsPerSample   int
	sampleFormat    int
	samplesPerPixel int
	planar          int
	compression     int
	predictor       int
	rowsPerStrip    int
	stripOffsets    []uint32
	stripByteCounts []uint32
}

// decodeTIFF 读取第一个波段，归一化为8位并复制到 RGB，alpha 置 255
func decodeTIFF(raw []byte, norm Normalization) (*model.PixelBuffer, error) {
	band, err := parseTIFF(raw)
	if err == nil {
		var values []float64
		values, err = band.readSamples(raw)
		if err == nil {
			utils.Logger.Debug("decoded tiff band", zap.Stringer("layout", band))
			return grayFromSamples(band.width, band.height, values, norm), nil
		}
	}
	if !errors.Is(err, errTIFFUnsupported) {
		return nil, err
	}

	img, ferr := tiff.Decode(bytes.NewReader(raw))
	if ferr != nil {
		return nil, decodeErr(ferr, "tiff")
	}
	return grayFromImage(img)
}

func parseTIFF(raw []byte) (*tiffBand, error) {
	if !isTIFF(raw) || len(raw) < 8 {
		return nil, decodeErr(nil, "not a tiff header")
	}
	t := &tiffBand{
		order:           binary.ByteOrder(binary.LittleEndian),
		bitsPerSample:   1,
		sampleFormat:    sampleFormatUint,
		samplesPerPixel: 1,
		planar:          1,
		compression:     compressionNone,
		predictor:       1,
	}
	if raw[0] == 'M' {
		t.order = binary.BigEndian
	}

	ifd := t.order.Uint32(raw[4:8])
	if uint64(ifd)+2 > uint64(len(raw)) {
		return nil, decodeErr(nil, "image directory offset %d out of range", ifd)
	}
	n := uint64(t.order.Uint16(raw[ifd:]))
	if uint64(ifd)+2+n*12 > uint64(len(raw)) {
		return nil, decodeErr(nil, "image directory truncated")
	}

	for i := uint64(0); i < n; i++ {
		entry := raw[uint64(ifd)+2+i*12:]
		tag := t.order.Uint16(entry[0:2])
		values, err := t.entryValues(raw, entry)
		if err != nil {
			return nil, err
		}
		if len(values) == 0 {
			continue
		}
		switch tag {
		case tagImageWidth:
			t.width = int(values[0])
		case tagImageLength:
			t.height = int(values[0])
		case tagBitsPerSample:
			t.bitsPerSample = int(values[0])
			for _, v := range values[1:] {
				if int(v) != t.bitsPerSample {
					return nil, errTIFFUnsupported
				}
			}
		case tagCompression:
			t.compression = int(values[0])
		case tagStripOffsets:
			t.stripOffsets = values
		case tagSamplesPerPixel:
			t.samplesPerPixel = int(values[0])
		case tagRowsPerStrip:
			t.rowsPerStrip = int(values[0])
		case tagStripByteCounts:
			t.stripByteCounts = values
		case tagPlanarConfig:
			t.planar = int(values[0])
		case tagPredictor:
			t.predictor = int(values[0])
		case tagSampleFormat:
			t.sampleFormat = int(values[0])
		case tagTileWidth:
			return nil, errTIFFUnsupported
		}
	}

	if t.width <= 0 || t.height <= 0 {
		return nil, decodeErr(nil, "dimensions undetermined")
	}
	if t.samplesPerPixel <= 0 {
		return nil, decodeErr(nil, "invalid samples per pixel %d", t.samplesPerPixel)
	}
	if len(t.stripOffsets) == 0 {
		return nil, errTIFFUnsupported
	}
	if len(t.stripByteCounts) != len(t.stripOffsets) {
		return nil, decodeErr(nil, "strip offsets and byte counts disagree")
	}
	if t.rowsPerStrip <= 0 || t.rowsPerStrip > t.height {
		t.rowsPerStrip = t.height
	}
	return t, nil
}

// entryValues 读取 BYTE/SHORT/LONG 类型字段，其余类型返回 nil
func (t *tiffBand) entryValues(raw, entry []byte) ([]uint32, error) {
	typ := t.order.Uint16(entry[2:4])
	count := t.order.Uint32(entry[4:8])
	if int(typ) >= len(tiffTypeSize) || typ == 0 {
		return nil, nil
	}
	size := uint64(tiffTypeSize[typ]) * uint64(count)

	var data []byte
	if size <= 4 {
		data = entry[8:12]
	} else {
		off := uint64(t.order.Uint32(entry[8:12]))
		if off+size > uint64(len(raw)) {
			return nil, decodeErr(nil, "tag data at offset %d out of range", off)
		}
		data = raw[off : off+size]
	}

	values := make([]uint32, count)
	switch typ {
	case 1, 6, 7:
		for i := range values {
			values[i] = uint32(data[i])
		}
	case 3, 8:
		for i := range values {
			values[i] = uint32(t.order.Uint16(data[i*2:]))
		}
	case 4, 9:
		for i := range values {
			values[i] = t.order.Uint32(data[i*4:])
		}
	default:
		return nil, nil
	}
	return values, nil
}

// readSamples 解压条带并取出第一个波段的样本
func (t *tiffBand) readSamples(raw []byte) ([]float64, error) {
	switch t.bitsPerSample {
	case 8, 16, 32, 64:
	default:
		return nil, errTIFFUnsupported
	}
	bps := t.bitsPerSample / 8
	switch t.sampleFormat {
	case sampleFormatUint, sampleFormatInt:
	case sampleFormatFloat:
		if bps != 4 && bps != 8 {
			return nil, errTIFFUnsupported
		}
	default:
		return nil, errTIFFUnsupported
	}
	if t.predictor != 1 && !(t.predictor == 2 && t.sampleFormat != sampleFormatFloat) {
		return nil, errTIFFUnsupported
	}

	// 平面存储时第一个波段占用前 stripsPerPlane 个条带
	stride := bps * t.samplesPerPixel
	strips := t.stripOffsets
	counts := t.stripByteCounts
	if t.planar == 2 {
		stride = bps
		perPlane := (t.height + t.rowsPerStrip - 1) / t.rowsPerStrip
		if perPlane > len(strips) {
			return nil, decodeErr(nil, "planar image has %d strips, need %d", len(strips), perPlane)
		}
		strips, counts = strips[:perPlane], counts[:perPlane]
	}
	pixels := uint64(t.width) * uint64(t.height)
	if pixels > maxTIFFPixels {
		return nil, decodeErr(nil, "image %dx%d exceeds %d pixels", t.width, t.height, maxTIFFPixels)
	}
	if pixels*uint64(stride) > maxTIFFBytes {
		return nil, decodeErr(nil, "image data exceeds %d bytes", maxTIFFBytes)
	}
	rowBytes := t.width * stride
	need := t.height * rowBytes

	var buf bytes.Buffer
	for i, off := range strips {
		end := uint64(off) + uint64(counts[i])
		if end > uint64(len(raw)) {
			return nil, decodeErr(nil, "strip %d out of range", i)
		}
		chunk, err := t.decompress(raw[off:end], int64(need))
		if err != nil {
			return nil, err
		}
		if t.predictor == 2 {
			undoHorizontalDifferencing(chunk, rowBytes, stride, bps, t.order)
		}
		buf.Write(chunk)
		if buf.Len() >= need {
			break
		}
	}

	data := buf.Bytes()
	if len(data) < need {
		return nil, decodeErr(nil, "pixel data truncated: have %d bytes, need %d", len(data), need)
	}

	values := make([]float64, t.width*t.height)
	for i := range values {
		values[i] = t.sample(data[i*stride:])
	}
	return values, nil
}

// decompress 解压单个条带，输出最多 limit 字节
func (t *tiffBand) decompress(chunk []byte, limit int64) ([]byte, error) {
	switch t.compression {
	case compressionNone:
		out := make([]byte, len(chunk))
		copy(out, chunk)
		return out, nil
	case compressionLZW:
		r := lzw.NewReader(bytes.NewReader(chunk), lzw.MSB, 8)
		defer r.Close()
		out, err := io.ReadAll(io.LimitReader(r, limit))
		if err != nil {
			return nil, decodeErr(err, "lzw strip")
		}
		return out, nil
	case compressionDeflate, compressionDeflate2:
		r, err := zlib.NewReader(bytes.NewReader(chunk))
		if err != nil {
			return nil, decodeErr(err, "deflate strip")
		}
		defer r.Close()
		out, err := io.ReadAll(io.LimitReader(r, limit))
		if err != nil {
			return nil, decodeErr(err, "deflate strip")
		}
		return out, nil
	case compressionPackBits:
		return unpackBits(chunk, int(limit))
	}
	return nil, errTIFFUnsupported
}

func (t *tiffBand) sample(b []byte) float64 {
	bps := t.bitsPerSample / 8
	switch t.sampleFormat {
	case sampleFormatFloat:
		if bps == 4 {
			return float64(math.Float32frombits(t.order.Uint32(b)))
		}
		return math.Float64frombits(t.order.Uint64(b))
	case sampleFormatInt:
		switch bps {
		case 1:
			return float64(int8(b[0]))
		case 2:
			return float64(int16(t.order.Uint16(b)))
		case 4:
			return float64(int32(t.order.Uint32(b)))
		default:
			return float64(int64(t.order.Uint64(b)))
		}
	default:
		switch bps {
		case 1:
			return float64(b[0])
		case 2:
			return float64(t.order.Uint16(b))
		case 4:
			return float64(t.order.Uint32(b))
		default:
			return float64(t.order.Uint64(b))
		}
	}
}

// undoHorizontalDifferencing 还原 Predictor=2 的逐行差分
func undoHorizontalDifferencing(data []byte, rowBytes, stride, bps int, order binary.ByteOrder) {
	for row := 0; row+rowBytes <= len(data); row += rowBytes {
		line := data[row : row+rowBytes]
		for i := stride; i+bps <= len(line); i += bps {
			prev := line[i-stride:]
			switch bps {
			case 1:
				line[i] += prev[0]
			case 2:
				order.PutUint16(line[i:], order.Uint16(line[i:])+order.Uint16(prev))
			case 4:
				order.PutUint32(line[i:], order.Uint32(line[i:])+order.Uint32(prev))
			case 8:
				order.PutUint64(line[i:], order.Uint64(line[i:])+order.Uint64(prev))
			}
		}
	}
}

func unpackBits(src []byte, limit int) ([]byte, error) {
	var out []byte
	for i := 0; i < len(src) && len(out) < limit; {
		n := int(int8(src[i]))
		i++
		switch {
		case n >= 0:
			if i+n+1 > len(src) {
				return nil, decodeErr(nil, "packbits literal overruns input")
			}
			out = append(out, src[i:i+n+1]...)
			i += n + 1
		case n != -128:
			if i >= len(src) {
				return nil, decodeErr(nil, "packbits run overruns input")
			}
			out = append(out, bytes.Repeat(src[i:i+1], 1-n)...)
			i++
		default:
			// -128 为空操作
		}
	}
	return out, nil
}

// clampSample 与浏览器 Uint8ClampedArray 一致：NaN 与负数为0，超过255截断，其余就近取偶
func clampSample(v float64) uint8 {
	if math.IsNaN(v) || v <= 0 {
		return 0
	}
	if v >= 255 {
		return 255
	}
	return uint8(math.RoundToEven(v))
}

func grayFromSamples(width, height int, values []float64, norm Normalization) *model.PixelBuffer {
	scale := func(v float64) uint8 { return clampSample(v) }
	if norm == NormalizeRescale {
		lo, hi := math.Inf(1), math.Inf(-1)
		for _, v := range values {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				continue
			}
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
		}
		span := hi - lo
		scale = func(v float64) uint8 {
			if !(span > 0) {
				return 0
			}
			return clampSample((v - lo) / span * 255)
		}
	}

	samples := make([]uint8, width*height*4)
	for i, v := range values {
		g := scale(v)
		samples[i*4] = g
		samples[i*4+1] = g
		samples[i*4+2] = g
		samples[i*4+3] = 255
	}
	return &model.PixelBuffer{Width: width, Height: height, Channels: 4, Samples: samples}
}

// grayFromImage 兜底路径：取解码结果的第一个通道
func grayFromImage(img image.Image) (*model.PixelBuffer, error) {
	b := img.Bounds()
	if b.Empty() {
		return nil, decodeErr(nil, "dimensions undetermined")
	}
	w, h := b.Dx(), b.Dy()
	samples := make([]uint8, w*h*4)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.NRGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			i := (y*w + x) * 4
			samples[i] = c.R
			samples[i+1] = c.R
			samples[i+2] = c.R
			samples[i+3] = 255
		}
	}
	return &model.PixelBuffer{Width: w, Height: h, Channels: 4, Samples: samples}, nil
}

func (t *tiffBand) String() string {
	return fmt.Sprintf("tiff %dx%d bps=%d fmt=%d spp=%d comp=%d", t.width, t.height, t.bitsPerSample, t.sampleFormat, t.samplesPerPixel, t.compression)
}
