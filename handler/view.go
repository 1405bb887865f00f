package handler

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"io"
	"net/http"

	"github.com/TIANLI0/TumorLens/middleware"
	"github.com/TIANLI0/TumorLens/model"
	"github.com/TIANLI0/TumorLens/service"
	"github.com/gin-gonic/gin"
)

type ViewHandler struct {
	workspaces *service.WorkspaceManager
}

func NewViewHandler(workspaces *service.WorkspaceManager) *ViewHandler {
	return &ViewHandler{workspaces: workspaces}
}

func (h *ViewHandler) workspace(c *gin.Context) *service.Workspace {
	return h.workspaces.Get(c.Request.Context(), middleware.SessionID(c))
}

type viewUpdateRequest struct {
	Mode             *model.Mode     `json:"mode"`
	Opacity          *float64        `json:"opacity"`
	ThresholdEnabled *bool           `json:"threshold_enabled"`
	ColorMap         *model.ColorMap `json:"color_map"`
}

type gestureRequest struct {
	Kind      string            `json:"kind" binding:"required,oneof=pan slider"`
	Phase     string            `json:"phase" binding:"required,oneof=begin move end"`
	X         float64           `json:"x"`
	Y         float64           `json:"y"`
	Container service.Container `json:"container"`
}

// UpdateView 修改显示模式、不透明度、阈值与色图
func (h *ViewHandler) UpdateView(c *gin.Context) {
	var req viewUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "视图参数无效", err)
		return
	}
	if req.Opacity != nil && (*req.Opacity < 0 || *req.Opacity > 100) {
		badRequest(c, "不透明度须在 0-100 之间", nil)
		return
	}
	if req.ColorMap != nil && !req.ColorMap.Valid() {
		badRequest(c, fmt.Sprintf("不支持的色图 %q", *req.ColorMap), nil)
		return
	}

	view, err := h.workspace(c).UpdateView(func(v *model.ViewState, _ *service.Interaction) error {
		if req.Mode != nil {
			v.Mode = *req.Mode
		}
		if req.Opacity != nil {
			v.Opacity = *req.Opacity
		}
		if req.ThresholdEnabled != nil {
			v.ThresholdEnabled = *req.ThresholdEnabled
		}
		if req.ColorMap != nil {
			v.ColorMap = *req.ColorMap
		}
		return nil
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, model.ViewResponse{Success: true, Data: view})
}

// ResetView 恢复默认视图
func (h *ViewHandler) ResetView(c *gin.Context) {
	view, _ := h.workspace(c).UpdateView(func(_ *model.ViewState, ic *service.Interaction) error {
		ic.ResetAll()
		return nil
	})
	c.JSON(http.StatusOK, model.ViewResponse{Success: true, Data: view})
}

// Zoom 放大、缩小或复位
func (h *ViewHandler) Zoom(c *gin.Context) {
	var apply func(ic *service.Interaction)
	switch c.Param("action") {
	case "in":
		apply = (*service.Interaction).ZoomIn
	case "out":
		apply = (*service.Interaction).ZoomOut
	case "reset":
		apply = (*service.Interaction).ResetZoomAndPan
	default:
		badRequest(c, "未知的缩放操作", nil)
		return
	}

	view, _ := h.workspace(c).UpdateView(func(_ *model.ViewState, ic *service.Interaction) error {
		apply(ic)
		return nil
	})
	c.JSON(http.StatusOK, model.ViewResponse{Success: true, Data: view})
}

// Gesture 平移与比较滑块的 begin/move/end 事件
func (h *ViewHandler) Gesture(c *gin.Context) {
	var req gestureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "手势参数无效", err)
		return
	}
	pointer := model.Point{X: req.X, Y: req.Y}

	view, err := h.workspace(c).Gesture(func(s *service.GestureScope) error {
		if req.Phase == "end" {
			return s.PointerUp()
		}
		var err error
		switch req.Kind {
		case "pan":
			if req.Phase == "begin" {
				_, err = s.BeginPan(pointer)
			} else {
				err = s.UpdatePan(pointer, req.Container.Width)
			}
		case "slider":
			if req.Phase == "begin" {
				_, err = s.BeginSlider(pointer, req.Container)
			} else {
				err = s.UpdateSlider(req.X, req.Container)
			}
		}
		return err
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, model.ViewResponse{Success: true, Data: view})
}

// Events 可视化视图的 SSE 通道；连接期间挂载手势作用域
func (h *ViewHandler) Events(c *gin.Context) {
	ws := h.workspace(c)
	events := make(chan service.Event, 16)
	closeView := ws.OpenView(func(ev service.Event) {
		select {
		case events <- ev:
		default:
		}
	})
	defer closeView()

	c.SSEvent("view", ws.Snapshot().View)
	c.Stream(func(w io.Writer) bool {
		select {
		case ev := <-events:
			c.SSEvent(string(ev.Kind), ev)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

// Surface 以 PNG 返回指定面板
func (h *ViewHandler) Surface(c *gin.Context) {
	ws := h.workspace(c)
	surfaces := ws.Surfaces()

	var img image.Image
	placeholder := false
	switch c.Param("pane") {
	case "original":
		img, placeholder = surfaces.Original.Image, surfaces.Original.Placeholder
	case "prediction":
		img, placeholder = surfaces.Prediction.Image, surfaces.Prediction.Placeholder
	case "compare-left":
		img, placeholder = surfaces.CompareLeft.Image, surfaces.CompareLeft.Placeholder
	case "compare-right":
		img, placeholder = surfaces.CompareRight.Image, surfaces.CompareRight.Placeholder
	case "compare":
		view := ws.Snapshot().View
		img = service.RenderComparison(surfaces.CompareLeft, surfaces.CompareRight, view.ComparePosition)
		placeholder = surfaces.CompareLeft.Placeholder
	default:
		badRequest(c, "未知的面板", nil)
		return
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		respondError(c, err)
		return
	}
	if placeholder {
		c.Header("X-Placeholder", "true")
	}
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, "image/png", buf.Bytes())
}
