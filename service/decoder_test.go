package service

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math"
	"testing"

	"github.com/TIANLI0/TumorLens/config"
	"golang.org/x/image/tiff"
)

type tiffField struct {
	tag   uint16
	typ   uint16
	value []uint32
}

// buildTIFF 生成单条带的最小 TIFF 文件
func buildTIFF(order binary.ByteOrder, width, height int, fields []tiffField, pixels []byte) []byte {
	var buf bytes.Buffer
	if order == binary.ByteOrder(binary.BigEndian) {
		buf.WriteString("MM\x00*")
	} else {
		buf.WriteString("II*\x00")
	}
	pixelOffset := uint32(8)
	ifdOffset := pixelOffset + uint32(len(pixels))
	if ifdOffset%2 == 1 {
		ifdOffset++
	}
	_ = binary.Write(&buf, order, ifdOffset)
	buf.Write(pixels)
	for uint32(buf.Len()) < ifdOffset {
		buf.WriteByte(0)
	}

	all := append([]tiffField{
		{tagImageWidth, 4, []uint32{uint32(width)}},
		{tagImageLength, 4, []uint32{uint32(height)}},
		{tagStripOffsets, 4, []uint32{pixelOffset}},
		{tagRowsPerStrip, 4, []uint32{uint32(height)}},
		{tagStripByteCounts, 4, []uint32{uint32(len(pixels))}},
	}, fields...)

	_ = binary.Write(&buf, order, uint16(len(all)))
	for _, f := range all {
		_ = binary.Write(&buf, order, f.tag)
		_ = binary.Write(&buf, order, f.typ)
		_ = binary.Write(&buf, order, uint32(len(f.value)))
		var inline [4]byte
		switch f.typ {
		case 3:
			for i, v := range f.value {
				order.PutUint16(inline[i*2:], uint16(v))
			}
		default:
			order.PutUint32(inline[:], f.value[0])
		}
		buf.Write(inline[:])
	}
	_ = binary.Write(&buf, order, uint32(0))
	return buf.Bytes()
}

func floatPixels(order binary.ByteOrder, values []float32) []byte {
	out := make([]byte, len(values)*4)
	for i, v := range values {
		order.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

func newTestDecoder(t *testing.T, normalize string) *Decoder {
	t.Helper()
	d, err := NewDecoder(&config.DecoderConfig{Normalize: normalize})
	if err != nil {
		t.Fatalf("NewDecoder failed: %v", err)
	}
	return d
}

func TestDecodeFloatTIFFClamps(t *testing.T) {
	order := binary.LittleEndian
	values := []float32{-5, 0, 12.5, 13.5, 254.6, 300, float32(math.NaN()), 1000}
	raw := buildTIFF(order, 4, 2, []tiffField{
		{tagBitsPerSample, 3, []uint32{32}},
		{tagSampleFormat, 3, []uint32{sampleFormatFloat}},
	}, floatPixels(order, values))
	orig := append([]byte(nil), raw...)

	buf, err := newTestDecoder(t, "clamp").Decode(raw, "image/tiff")
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !bytes.Equal(raw, orig) {
		t.Error("decoder mutated raw bytes")
	}
	if buf.Width != 4 || buf.Height != 2 || buf.Channels != 4 {
		t.Fatalf("unexpected buffer shape %dx%dx%d", buf.Width, buf.Height, buf.Channels)
	}

	want := []uint8{0, 0, 12, 14, 255, 255, 0, 255}
	for i, w := range want {
		px := buf.Samples[i*4 : i*4+4]
		if px[0] != w || px[1] != w || px[2] != w || px[3] != 255 {
			t.Errorf("pixel %d: got %v, want gray %d", i, px, w)
		}
	}
}

func TestDecodeTIFFRoundTripKeepsDimensions(t *testing.T) {
	const w, h = 7, 5
	order := binary.BigEndian
	pixels := make([]byte, w*h*2)
	for i := 0; i < w*h; i++ {
		order.PutUint16(pixels[i*2:], uint16(i*9))
	}
	raw := buildTIFF(order, w, h, []tiffField{
		{tagBitsPerSample, 3, []uint32{16}},
	}, pixels)

	buf, err := newTestDecoder(t, "clamp").Decode(raw, "")
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	// 将归一化结果重新编码再解码，尺寸与 alpha 保持不变
	var encoded bytes.Buffer
	if err := png.Encode(&encoded, buf.Image()); err != nil {
		t.Fatalf("png encode failed: %v", err)
	}
	again, err := newTestDecoder(t, "clamp").Decode(encoded.Bytes(), "image/png")
	if err != nil {
		t.Fatalf("re-decode failed: %v", err)
	}
	if again.Width != w || again.Height != h || again.Channels != 4 {
		t.Fatalf("unexpected shape after round trip %dx%dx%d", again.Width, again.Height, again.Channels)
	}
	for i := 3; i < len(again.Samples); i += 4 {
		if again.Samples[i] != 255 {
			t.Fatalf("alpha at %d is %d, want 255", i, again.Samples[i])
		}
	}
	if !bytes.Equal(again.Samples, buf.Samples) {
		t.Error("round trip changed samples")
	}
	if buf.Samples[4*30] != 255 || buf.Samples[4*10] != 90 {
		t.Errorf("unexpected clamped values %d %d", buf.Samples[4*30], buf.Samples[4*10])
	}
}

func TestDecodeTIFFRescale(t *testing.T) {
	order := binary.LittleEndian
	raw := buildTIFF(order, 3, 1, []tiffField{
		{tagBitsPerSample, 3, []uint32{32}},
		{tagSampleFormat, 3, []uint32{sampleFormatFloat}},
	}, floatPixels(order, []float32{100, 1100, 2100}))

	buf, err := newTestDecoder(t, "rescale").Decode(raw, "image/tiff")
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	got := []uint8{buf.Samples[0], buf.Samples[4], buf.Samples[8]}
	want := []uint8{0, 128, 255}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestDecodeTIFFDeflateAndPredictor(t *testing.T) {
	order := binary.LittleEndian
	// 每行 10,20,30 差分后为 10,10,10
	diffed := []byte{10, 10, 10, 5, 1, 1}
	var z bytes.Buffer
	zw := zlib.NewWriter(&z)
	_, _ = zw.Write(diffed)
	_ = zw.Close()

	raw := buildTIFF(order, 3, 2, []tiffField{
		{tagBitsPerSample, 3, []uint32{8}},
		{tagCompression, 3, []uint32{compressionDeflate}},
		{tagPredictor, 3, []uint32{2}},
	}, z.Bytes())

	buf, err := newTestDecoder(t, "clamp").Decode(raw, "image/tiff")
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	want := []uint8{10, 20, 30, 5, 6, 7}
	for i, w := range want {
		if buf.Samples[i*4] != w {
			t.Errorf("pixel %d: got %d, want %d", i, buf.Samples[i*4], w)
		}
	}
}

func TestDecodeTIFFPackBitsSignedInt(t *testing.T) {
	order := binary.LittleEndian
	// 3 个重复的 0xF6(-10)，随后字面量 0x05 0x7F
	packed := []byte{0xFE, 0xF6, 0x01, 0x05, 0x7F}
	raw := buildTIFF(order, 5, 1, []tiffField{
		{tagBitsPerSample, 3, []uint32{8}},
		{tagSampleFormat, 3, []uint32{sampleFormatInt}},
		{tagCompression, 3, []uint32{compressionPackBits}},
	}, packed)

	buf, err := newTestDecoder(t, "clamp").Decode(raw, "image/tiff")
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	want := []uint8{0, 0, 0, 5, 127}
	for i, w := range want {
		if buf.Samples[i*4] != w {
			t.Errorf("pixel %d: got %d, want %d", i, buf.Samples[i*4], w)
		}
	}
}

func TestDecodeRGBTIFFTakesFirstBand(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 2, 2))
	img.SetNRGBA(0, 0, color.NRGBA{R: 200, G: 10, B: 20, A: 255})
	img.SetNRGBA(1, 1, color.NRGBA{R: 40, G: 250, B: 250, A: 255})
	var raw bytes.Buffer
	if err := tiff.Encode(&raw, img, nil); err != nil {
		t.Fatalf("tiff encode failed: %v", err)
	}

	buf, err := newTestDecoder(t, "clamp").Decode(raw.Bytes(), "image/tiff")
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if buf.Samples[0] != 200 || buf.Samples[1] != 200 || buf.Samples[2] != 200 {
		t.Errorf("pixel 0: got %v, want gray 200", buf.Samples[0:4])
	}
	if buf.Samples[12] != 40 || buf.Samples[15] != 255 {
		t.Errorf("pixel 3: got %v, want gray 40", buf.Samples[12:16])
	}
}

func TestDecodePNG(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 3, 2))
	img.SetNRGBA(2, 1, color.NRGBA{R: 1, G: 2, B: 3, A: 128})
	var raw bytes.Buffer
	if err := png.Encode(&raw, img); err != nil {
		t.Fatalf("png encode failed: %v", err)
	}

	buf, err := newTestDecoder(t, "clamp").Decode(raw.Bytes(), "image/png")
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if buf.Width != 3 || buf.Height != 2 || buf.Channels != 4 {
		t.Fatalf("unexpected shape %dx%dx%d", buf.Width, buf.Height, buf.Channels)
	}
	px := buf.Samples[(1*3+2)*4:]
	if px[0] != 1 || px[1] != 2 || px[2] != 3 || px[3] != 128 {
		t.Errorf("unexpected pixel %v", px[:4])
	}
}

func TestDecodeIndependentBuffers(t *testing.T) {
	order := binary.LittleEndian
	raw := buildTIFF(order, 1, 1, []tiffField{{tagBitsPerSample, 3, []uint32{8}}}, []byte{42})
	d := newTestDecoder(t, "clamp")
	a, err := d.Decode(raw, "image/tiff")
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	b, err := d.Decode(raw, "image/tiff")
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	a.Samples[0] = 0
	if b.Samples[0] != 42 {
		t.Error("decode results share storage")
	}
}

func TestDecodeTIFFRejectsOddSampleWidths(t *testing.T) {
	order := binary.ByteOrder(binary.LittleEndian)
	tests := []struct {
		name   string
		bps    uint32
		pixels []byte
	}{
		{"zero bits", 0, nil},
		{"24 bit", 24, make([]byte, 12)},
		{"40 bit", 40, make([]byte, 20)},
		{"56 bit", 56, make([]byte, 28)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pixels := tt.pixels
			if len(pixels) == 0 {
				pixels = []byte{0}
			}
			raw := buildTIFF(order, 2, 2, []tiffField{{tagBitsPerSample, 3, []uint32{tt.bps}}}, pixels)
			if _, err := newTestDecoder(t, "clamp").Decode(raw, "image/tiff"); !errors.Is(err, ErrDecode) {
				t.Fatalf("expected ErrDecode, got %v", err)
			}
		})
	}
}

func TestDecodeTIFFRejectsHugeDimensions(t *testing.T) {
	order := binary.ByteOrder(binary.LittleEndian)
	raw := buildTIFF(order, 100000, 100000, []tiffField{{tagBitsPerSample, 3, []uint32{8}}}, []byte{1, 2})
	_, err := newTestDecoder(t, "clamp").Decode(raw, "image/tiff")
	var de *DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("expected DecodeError, got %v", err)
	}
}

func TestDecodeErrors(t *testing.T) {
	order := binary.LittleEndian
	noWidth := buildTIFF(order, 0, 2, []tiffField{{tagBitsPerSample, 3, []uint32{8}}}, []byte{1, 2})
	truncated := buildTIFF(order, 4, 4, []tiffField{{tagBitsPerSample, 3, []uint32{8}}}, []byte{1, 2})

	tests := []struct {
		name string
		raw  []byte
		mime string
	}{
		{"empty", nil, "image/png"},
		{"garbage png", []byte("not an image"), "image/png"},
		{"bad tiff header", []byte("II*\x00\xff\xff\xff\xff"), "image/tiff"},
		{"missing width", noWidth, "image/tiff"},
		{"truncated strip", truncated, "image/tiff"},
	}
	d := newTestDecoder(t, "clamp")
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.Decode(tt.raw, tt.mime)
			if !errors.Is(err, ErrDecode) {
				t.Fatalf("expected ErrDecode, got %v", err)
			}
			var de *DecodeError
			if !errors.As(err, &de) {
				t.Fatalf("expected *DecodeError, got %T", err)
			}
		})
	}
}

func TestResolveMIME(t *testing.T) {
	tiffHeader := []byte("II*\x00\x08\x00\x00\x00")
	tests := []struct {
		name, declared string
		raw            []byte
		want           string
	}{
		{"a.png", "image/png", nil, "image/png"},
		{"scan.TIF", "application/octet-stream", nil, "image/tiff"},
		{"blob", "", tiffHeader, "image/tiff"},
		{"blob", "", []byte("\x89PNG\r\n\x1a\n0000"), "image/png"},
		{"blob", "", []byte("hello"), "application/octet-stream"},
	}
	for _, tt := range tests {
		if got := ResolveMIME(tt.name, tt.declared, tt.raw); got != tt.want {
			t.Errorf("ResolveMIME(%q, %q) = %q, want %q", tt.name, tt.declared, got, tt.want)
		}
	}
}

func TestAllowedExtension(t *testing.T) {
	allowed := config.Default().Upload.AllowedExtensions
	for _, name := range []string{"a.tif", "b.TIFF", "c.jpg", "d.jpeg", "e.png"} {
		if !AllowedExtension(name, allowed) {
			t.Errorf("%s should be allowed", name)
		}
	}
	for _, name := range []string{"f.nii", "g.nii.gz", "h.gif", "noext"} {
		if AllowedExtension(name, allowed) {
			t.Errorf("%s should be rejected", name)
		}
	}
}
