package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"

	"github.com/TIANLI0/TumorLens/config"
	"github.com/TIANLI0/TumorLens/model"
	"github.com/TIANLI0/TumorLens/utils"
	"go.uber.org/zap"
)

const (
	predictPath     = "/predict/image"
	fileFieldName   = "file"
	defaultMaskMIME = "image/png"
)

// Segmenter 外部分割模型
type Segmenter interface {
	Segment(ctx context.Context, scan *model.ScanAsset) (*model.MaskAsset, error)
}

// InferenceClient 通过 HTTP 调用已训练的分割模型
type InferenceClient struct {
	endpoint string
	client   *http.Client
}

func NewInferenceClient(cfg *config.InferenceConfig) *InferenceClient {
	return &InferenceClient{
		endpoint: strings.TrimRight(cfg.BaseURL, "/") + predictPath,
		client:   &http.Client{Timeout: cfg.Timeout},
	}
}

// scanPayload 优先使用原始字节，否则从 data URL 中拆出类型与内容
func scanPayload(scan *model.ScanAsset) (string, []byte, error) {
	if len(scan.RawBytes) > 0 {
		return scan.MimeType, scan.RawBytes, nil
	}
	if scan.DataURL != "" {
		return utils.ParseDataURL(scan.DataURL)
	}
	return "", nil, errors.New("scan has no payload")
}

// Segment 以 multipart 字段 file 上传扫描，响应体即掩码图像
func (c *InferenceClient) Segment(ctx context.Context, scan *model.ScanAsset) (*model.MaskAsset, error) {
	mimeType, payload, err := scanPayload(scan)
	if err != nil {
		return nil, fmt.Errorf("prepare inference payload: %w", err)
	}

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", mime.FormatMediaType("form-data", map[string]string{
		"name":     fileFieldName,
		"filename": scan.Name,
	}))
	header.Set("Content-Type", mimeType)
	part, err := w.CreatePart(header)
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(payload); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, &body)
	if err != nil {
		return nil, &NetworkError{Err: err}
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &NetworkError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &NetworkError{StatusCode: resp.StatusCode}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ResponseError{Err: err}
	}
	if len(data) == 0 {
		return nil, &ResponseError{Err: errors.New("empty body")}
	}

	maskMIME := defaultMaskMIME
	if mt, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type")); err == nil && strings.HasPrefix(mt, "image/") {
		maskMIME = mt
	}

	utils.Logger.Debug("inference response received",
		zap.String("scan", scan.Name),
		zap.String("content_type", maskMIME),
		zap.Int("size", len(data)))

	return &model.MaskAsset{
		ScanID:     scan.ID,
		Generation: scan.Generation,
		Payload:    data,
		MimeType:   maskMIME,
	}, nil
}
