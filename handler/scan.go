package handler

import (
	"bytes"
	"errors"
	"fmt"
	"image/png"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/TIANLI0/TumorLens/config"
	"github.com/TIANLI0/TumorLens/middleware"
	"github.com/TIANLI0/TumorLens/model"
	"github.com/TIANLI0/TumorLens/service"
	"github.com/TIANLI0/TumorLens/utils"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type ScanHandler struct {
	cfg        *config.Config
	workspaces *service.WorkspaceManager
	scans      *service.ScanService
}

func NewScanHandler(cfg *config.Config, workspaces *service.WorkspaceManager, scans *service.ScanService) *ScanHandler {
	return &ScanHandler{
		cfg:        cfg,
		workspaces: workspaces,
		scans:      scans,
	}
}

func (h *ScanHandler) workspace(c *gin.Context) *service.Workspace {
	return h.workspaces.Get(c.Request.Context(), middleware.SessionID(c))
}

// Upload 处理扫描上传
func (h *ScanHandler) Upload(c *gin.Context) {
	file, err := c.FormFile("file")
	if err != nil {
		utils.Logger.Error("failed to get uploaded file", zap.Error(err))
		badRequest(c, "请上传扫描文件", err)
		return
	}

	// 验证文件大小
	if file.Size > h.cfg.Upload.MaxSize {
		badRequest(c, fmt.Sprintf("文件大小超过限制 (%d MB)", h.cfg.Upload.MaxSize/(1024*1024)), nil)
		return
	}

	// 验证文件类型
	if !service.AllowedExtension(file.Filename, h.cfg.Upload.AllowedExtensions) {
		badRequest(c, "不支持的文件类型，仅支持 TIFF/JPEG/PNG", nil)
		return
	}

	f, err := file.Open()
	if err != nil {
		respondError(c, err)
		return
	}
	defer f.Close()
	raw, err := io.ReadAll(io.LimitReader(f, h.cfg.Upload.MaxSize))
	if err != nil {
		respondError(c, err)
		return
	}

	utils.Logger.Info("file uploaded",
		zap.String("filename", file.Filename),
		zap.String("md5", utils.BytesMD5(raw)),
		zap.Int64("size", file.Size))

	h.load(c, file.Filename, raw, file.Header.Get("Content-Type"))
}

// ListSamples 样本数据集列表
func (h *ScanHandler) ListSamples(c *gin.Context) {
	c.JSON(http.StatusOK, model.SampleListResponse{
		Success: true,
		Data:    h.cfg.Samples.Files,
	})
}

// LoadSample 按上传流程加载样本
func (h *ScanHandler) LoadSample(c *gin.Context) {
	name := c.Param("name")
	if !h.isSample(name) {
		c.JSON(http.StatusNotFound, model.ErrorResponse{
			Success: false,
			Message: "样本不存在",
		})
		return
	}

	raw, err := os.ReadFile(filepath.Join(h.cfg.Samples.Dir, name))
	if err != nil {
		utils.Logger.Error("failed to read sample", zap.String("sample", name), zap.Error(err))
		respondError(c, err)
		return
	}
	h.load(c, name, raw, "")
}

func (h *ScanHandler) isSample(name string) bool {
	for _, s := range h.cfg.Samples.Files {
		if s == name {
			return true
		}
	}
	return false
}

// load 解码入库后启动推理；wait=true 时等待掩码返回
func (h *ScanHandler) load(c *gin.Context, name string, raw []byte, declaredMIME string) {
	ws := h.workspace(c)
	scan, err := h.scans.Load(c.Request.Context(), ws, name, raw, declaredMIME)
	if err != nil {
		respondError(c, err)
		return
	}

	results := h.scans.Segment(ws)
	info := scanInfo(scan)
	if c.Query("wait") != "true" {
		c.JSON(http.StatusAccepted, model.ScanResponse{
			Success: true,
			Message: "扫描已加载，正在分割",
			Data:    info,
		})
		return
	}

	res := <-results
	if res.Err != nil {
		respondError(c, res.Err)
		return
	}
	c.JSON(http.StatusOK, model.ScanResponse{
		Success: true,
		Message: "处理成功",
		Data:    info,
		HasMask: true,
	})
}

// Segment 对当前扫描重新推理
func (h *ScanHandler) Segment(c *gin.Context) {
	ws := h.workspace(c)
	if _, err := h.scans.SegmentNow(c.Request.Context(), ws); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, model.ScanResponse{
		Success: true,
		Message: "处理成功",
		Data:    scanInfo(ws.CurrentScan()),
		HasMask: true,
	})
}

// Reset 开始新扫描：清除会话中的扫描与掩码
func (h *ScanHandler) Reset(c *gin.Context) {
	if err := h.workspace(c).Reset(c.Request.Context()); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, model.ScanResponse{Success: true, Message: "已清除"})
}

// Session 查询会话中的扫描、掩码与视图
func (h *ScanHandler) Session(c *gin.Context) {
	snap := h.workspace(c).Snapshot()
	c.JSON(http.StatusOK, model.SessionResponse{
		Success: true,
		Data: &model.SessionInfo{
			Scan:           scanInfo(snap.Scan),
			HasMask:        snap.Mask != nil,
			View:           snap.View,
			InferenceError: snap.Failure,
		},
	})
}

// DownloadMask 导出当前掩码为 <原文件名>_segmentation.png
func (h *ScanHandler) DownloadMask(c *gin.Context) {
	snap := h.workspace(c).Snapshot()
	if snap.Scan == nil || snap.Mask == nil {
		c.JSON(http.StatusNotFound, model.ErrorResponse{
			Success: false,
			Message: "尚无分割结果",
		})
		return
	}

	data := snap.Mask.Payload
	if snap.Mask.MimeType != "image/png" {
		if snap.Mask.Decoded == nil {
			respondError(c, &service.ResponseError{Err: errors.New("mask not decoded")})
			return
		}
		var buf bytes.Buffer
		if err := png.Encode(&buf, snap.Mask.Decoded.Image()); err != nil {
			respondError(c, err)
			return
		}
		data = buf.Bytes()
	}

	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", utils.SegmentationFilename(snap.Scan.Name)))
	c.Data(http.StatusOK, "image/png", data)
}

func scanInfo(scan *model.ScanAsset) *model.ScanInfo {
	if scan == nil {
		return nil
	}
	info := &model.ScanInfo{
		ID:         scan.ID,
		Name:       scan.Name,
		MimeType:   scan.MimeType,
		Generation: scan.Generation,
	}
	if scan.Decoded != nil {
		info.Width = scan.Decoded.Width
		info.Height = scan.Decoded.Height
	}
	return info
}
