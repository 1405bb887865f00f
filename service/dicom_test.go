package service

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

type dicomElement struct {
	group, elem uint16
	vr          string
	value       []byte
}

func dicomString(s string) []byte {
	b := []byte(s)
	if len(b)%2 == 1 {
		b = append(b, 0)
	}
	return b
}

func dicomUS(v uint16) []byte {
	return binary.LittleEndian.AppendUint16(nil, v)
}

func writeDicomElements(buf *bytes.Buffer, elems []dicomElement) {
	le := binary.LittleEndian
	for _, e := range elems {
		_ = binary.Write(buf, le, e.group)
		_ = binary.Write(buf, le, e.elem)
		buf.WriteString(e.vr)
		switch e.vr {
		case "OB", "OW":
			_ = binary.Write(buf, le, uint16(0))
			_ = binary.Write(buf, le, uint32(len(e.value)))
		default:
			_ = binary.Write(buf, le, uint16(len(e.value)))
		}
		buf.Write(e.value)
	}
}

// buildDICOM 生成显式VR小端的单帧16位灰度 DICOM
func buildDICOM(rows, cols uint16, pixels []uint16) []byte {
	var meta bytes.Buffer
	writeDicomElements(&meta, []dicomElement{
		{0x0002, 0x0001, "OB", []byte{0, 1}},
		{0x0002, 0x0002, "UI", dicomString("1.2.840.10008.5.1.4.1.1.4")},
		{0x0002, 0x0003, "UI", dicomString("1.2.3.4")},
		{0x0002, 0x0010, "UI", dicomString("1.2.840.10008.1.2.1")},
	})

	pix := make([]byte, 0, len(pixels)*2)
	for _, p := range pixels {
		pix = binary.LittleEndian.AppendUint16(pix, p)
	}

	var out bytes.Buffer
	out.Write(make([]byte, dicomPreamble))
	out.WriteString("DICM")
	writeDicomElements(&out, []dicomElement{
		{0x0002, 0x0000, "UL", binary.LittleEndian.AppendUint32(nil, uint32(meta.Len()))},
	})
	out.Write(meta.Bytes())
	writeDicomElements(&out, []dicomElement{
		{0x0028, 0x0002, "US", dicomUS(1)},
		{0x0028, 0x0004, "CS", dicomString("MONOCHROME2")},
		{0x0028, 0x0010, "US", dicomUS(rows)},
		{0x0028, 0x0011, "US", dicomUS(cols)},
		{0x0028, 0x0100, "US", dicomUS(16)},
		{0x0028, 0x0101, "US", dicomUS(16)},
		{0x0028, 0x0102, "US", dicomUS(15)},
		{0x0028, 0x0103, "US", dicomUS(0)},
		{0x7FE0, 0x0010, "OW", pix},
	})
	return out.Bytes()
}

func TestDecodeDICOMWindowsSamples(t *testing.T) {
	raw := buildDICOM(2, 2, []uint16{0, 1000, 2000, 4000})
	if !isDICOM(raw) {
		t.Fatal("magic not detected")
	}
	if got := ResolveMIME("scan.bin", "", raw); got != "application/dicom" {
		t.Errorf("ResolveMIME = %q", got)
	}

	buf, err := newTestDecoder(t, "clamp").Decode(raw, "application/dicom")
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if buf.Width != 2 || buf.Height != 2 || buf.Channels != 4 {
		t.Fatalf("unexpected buffer %dx%dx%d", buf.Width, buf.Height, buf.Channels)
	}
	want := []uint8{0, 64, 128, 255}
	for i, w := range want {
		if got := buf.Samples[i*4]; got != w {
			t.Errorf("pixel %d = %d, want %d", i, got, w)
		}
		if a := buf.Samples[i*4+3]; a != 255 {
			t.Errorf("pixel %d alpha = %d", i, a)
		}
	}
}

func TestDecodeDICOMMalformed(t *testing.T) {
	raw := append(make([]byte, dicomPreamble), []byte("DICMgarbage")...)
	if _, err := newTestDecoder(t, "clamp").Decode(raw, "application/dicom"); !errors.Is(err, ErrDecode) {
		t.Fatalf("expected ErrDecode, got %v", err)
	}
}
