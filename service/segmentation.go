package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/TIANLI0/TumorLens/config"
	"github.com/TIANLI0/TumorLens/model"
	"github.com/TIANLI0/TumorLens/utils"
	"go.uber.org/zap"
)

// SegmentResult 异步推理任务的结果
type SegmentResult struct {
	Mask *model.MaskAsset
	Err  error
}

// SegmentationService 调用推理并把结果写回发起请求的扫描
type SegmentationService struct {
	segmenter    Segmenter
	decoder      *Decoder
	semaphore    chan struct{}
	queueTimeout time.Duration
	timeout      time.Duration
}

func NewSegmentationService(cfg *config.InferenceConfig, segmenter Segmenter, decoder *Decoder) *SegmentationService {
	return &SegmentationService{
		segmenter:    segmenter,
		decoder:      decoder,
		semaphore:    make(chan struct{}, cfg.MaxConcurrent),
		queueTimeout: cfg.QueueTimeout,
		timeout:      cfg.Timeout,
	}
}

// Run 对工作区当前扫描执行一次推理；扫描中途被替换时返回 ErrStaleResult，原掩码保持不变。
// 其余失败记录到工作区并推送 inference_failed 事件
func (s *SegmentationService) Run(ctx context.Context, ws *Workspace) (*model.MaskAsset, error) {
	scan := ws.CurrentScan()
	if scan == nil {
		return nil, ErrNoScan
	}

	mask, err := s.run(ctx, ws, scan)
	if err != nil && !errors.Is(err, ErrStaleResult) {
		if ferr := ws.FailInference(scan.Generation, err); ferr != nil {
			utils.Logger.Info("dropping inference failure for replaced scan",
				zap.String("session", ws.ID()),
				zap.String("scan", scan.Name),
				zap.Error(err))
		}
	}
	return mask, err
}

func (s *SegmentationService) run(ctx context.Context, ws *Workspace, scan *model.ScanAsset) (*model.MaskAsset, error) {
	// 并发控制
	queueCtx, cancel := context.WithTimeout(ctx, s.queueTimeout)
	defer cancel()
	select {
	case s.semaphore <- struct{}{}:
		defer func() { <-s.semaphore }()
	case <-queueCtx.Done():
		return nil, ErrQueueFull
	}

	startTime := time.Now()
	mask, err := s.segmenter.Segment(ctx, scan)
	if err != nil {
		utils.Logger.Error("inference failed",
			zap.String("session", ws.ID()),
			zap.String("scan", scan.Name),
			zap.Error(err))
		return nil, err
	}

	decoded, err := s.decoder.Decode(mask.Payload, mask.MimeType)
	if err != nil {
		err = &ResponseError{Err: err}
		utils.Logger.Error("inference returned undisplayable mask",
			zap.String("session", ws.ID()), zap.Error(err))
		return nil, err
	}
	mask.Decoded = decoded
	mask.ScanID = scan.ID
	mask.Generation = scan.Generation

	if err := ws.ApplyMask(ctx, scan.Generation, mask); err != nil {
		if errors.Is(err, ErrStaleResult) {
			utils.Logger.Info("discarding mask for replaced scan",
				zap.String("session", ws.ID()),
				zap.String("scan", scan.Name),
				zap.Uint64("generation", scan.Generation))
		}
		return nil, err
	}

	utils.Logger.Info("segmentation completed",
		zap.String("session", ws.ID()),
		zap.String("scan", scan.Name),
		zap.Int("width", decoded.Width),
		zap.Int("height", decoded.Height),
		zap.Duration("cost", time.Since(startTime)))
	return mask, nil
}

// Start 后台执行 Run，结果写入返回的通道
func (s *SegmentationService) Start(ws *Workspace) <-chan SegmentResult {
	out := make(chan SegmentResult, 1)
	go func() {
		defer close(out)
		ctx, cancel := context.WithTimeout(context.Background(), s.queueTimeout+s.timeout)
		defer cancel()
		mask, err := s.Run(ctx, ws)
		out <- SegmentResult{Mask: mask, Err: err}
	}()
	return out
}

// ScanService 上传/样本进入管线：解码、入库、触发推理
type ScanService struct {
	decoder      *Decoder
	segmentation *SegmentationService
}

func NewScanService(decoder *Decoder, segmentation *SegmentationService) *ScanService {
	return &ScanService{decoder: decoder, segmentation: segmentation}
}

// Load 替换工作区扫描并解码；解码失败时扫描保留但面板为占位图
func (s *ScanService) Load(ctx context.Context, ws *Workspace, name string, raw []byte, declaredMIME string) (*model.ScanAsset, error) {
	mimeType := ResolveMIME(name, declaredMIME, raw)
	scan, err := ws.BeginScan(ctx, name, raw, mimeType)
	if err != nil {
		return nil, fmt.Errorf("persist scan: %w", err)
	}

	decoded, err := s.decoder.Decode(raw, mimeType)
	if err != nil {
		utils.Logger.Warn("failed to decode scan",
			zap.String("session", ws.ID()),
			zap.String("name", name),
			zap.String("mime", mimeType),
			zap.Error(err))
		return scan, err
	}
	if err := ws.ApplyDecoded(scan.Generation, decoded); err != nil {
		return nil, err
	}
	scan.Decoded = decoded
	return scan, nil
}

// Segment 为工作区当前扫描启动推理
func (s *ScanService) Segment(ws *Workspace) <-chan SegmentResult {
	return s.segmentation.Start(ws)
}

// SegmentNow 同步推理
func (s *ScanService) SegmentNow(ctx context.Context, ws *Workspace) (*model.MaskAsset, error) {
	return s.segmentation.Run(ctx, ws)
}
