package service

import (
	"bytes"
	"encoding/binary"
	"os"

	"github.com/TIANLI0/TumorLens/model"
	"github.com/TIANLI0/TumorLens/utils"
	"github.com/cocosip/go-dicom/pkg/dicom/element"
	"github.com/cocosip/go-dicom/pkg/dicom/parser"
	"github.com/cocosip/go-dicom/pkg/dicom/tag"
	"github.com/cocosip/go-dicom/pkg/dicom/transfer"
	"github.com/cocosip/go-dicom/pkg/imaging/codec"
	"go.uber.org/zap"
)

const dicomPreamble = 128

func isDICOM(raw []byte) bool {
	return len(raw) >= dicomPreamble+4 && bytes.Equal(raw[dicomPreamble:dicomPreamble+4], []byte("DICM"))
}

// decodeDICOM 读取单帧灰度 DICOM，按最小/最大值窗宽映射到8位
func decodeDICOM(raw []byte) (*model.PixelBuffer, error) {
	// 解析器只接受文件路径
	f, err := os.CreateTemp("", "scan-*.dcm")
	if err != nil {
		return nil, decodeErr(err, "dicom temp file")
	}
	defer os.Remove(f.Name())
	if _, err := f.Write(raw); err != nil {
		f.Close()
		return nil, decodeErr(err, "dicom temp file")
	}
	if err := f.Close(); err != nil {
		return nil, decodeErr(err, "dicom temp file")
	}

	res, err := parser.ParseFile(f.Name(), parser.WithReadOption(parser.ReadAll))
	if err != nil {
		return nil, decodeErr(err, "malformed dicom")
	}
	ds := res.Dataset
	if res.TransferSyntax != nil && res.TransferSyntax.IsEncapsulated() {
		tr := codec.NewTranscoder(res.TransferSyntax, transfer.ExplicitVRLittleEndian)
		if ds, err = tr.Transcode(ds); err != nil {
			return nil, decodeErr(err, "unsupported dicom transfer syntax")
		}
	}

	rows := int(ds.TryGetUInt16(tag.Rows, 0))
	cols := int(ds.TryGetUInt16(tag.Columns, 0))
	if rows == 0 || cols == 0 {
		return nil, decodeErr(nil, "dicom has no pixels")
	}
	signed := ds.TryGetUInt16(tag.PixelRepresentation, 0) != 0

	pd, ok := ds.Get(tag.PixelData)
	if !ok {
		return nil, decodeErr(nil, "dicom has no pixel data")
	}
	var data []byte
	wide := false
	switch v := pd.(type) {
	case *element.OtherByte:
		data = v.GetData()
		wide = ds.TryGetUInt16(tag.BitsStored, 8) > 8
	case *element.OtherWord:
		data = v.GetData()
		wide = true
	default:
		return nil, decodeErr(nil, "unexpected dicom pixel data %T", pd)
	}

	n := rows * cols
	values := make([]float64, n)
	if wide {
		if len(data) < n*2 {
			return nil, decodeErr(nil, "dicom pixel data truncated")
		}
		for i := range values {
			u := binary.LittleEndian.Uint16(data[i*2:])
			if signed {
				values[i] = float64(int16(u))
			} else {
				values[i] = float64(u)
			}
		}
	} else {
		if len(data) < n {
			return nil, decodeErr(nil, "dicom pixel data truncated")
		}
		for i := range values {
			if signed {
				values[i] = float64(int8(data[i]))
			} else {
				values[i] = float64(data[i])
			}
		}
	}

	utils.Logger.Debug("decoded dicom",
		zap.Int("rows", rows),
		zap.Int("cols", cols),
		zap.Bool("signed", signed),
		zap.Bool("wide", wide))
	return grayFromSamples(cols, rows, values, NormalizeRescale), nil
}
