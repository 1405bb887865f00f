package handler

import (
	"errors"
	"net/http"

	"github.com/TIANLI0/TumorLens/model"
	"github.com/TIANLI0/TumorLens/service"
	"github.com/TIANLI0/TumorLens/utils"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// respondError 将服务层错误映射为HTTP状态与提示
func respondError(c *gin.Context, err error) {
	status, message := http.StatusInternalServerError, "服务器内部错误"

	var ne *service.NetworkError
	switch {
	// 推理响应错误可能包裹 DecodeError，须先于 ErrDecode 匹配
	case errors.As(err, &ne):
		status, message = http.StatusBadGateway, "分割服务请求失败"
	case errors.Is(err, service.ErrResponse):
		status, message = http.StatusBadGateway, "分割服务返回的结果无法显示"
	case errors.Is(err, service.ErrDecode):
		status, message = http.StatusUnprocessableEntity, "图像解码失败"
	case errors.Is(err, service.ErrQueueFull):
		status, message = http.StatusServiceUnavailable, "处理队列已满，请稍后重试"
	case errors.Is(err, service.ErrStaleResult):
		status, message = http.StatusConflict, "扫描已被替换，结果已丢弃"
	case errors.Is(err, service.ErrNoScan):
		status, message = http.StatusNotFound, "请先上传或选择扫描图像"
	case errors.Is(err, service.ErrScopeClosed):
		status, message = http.StatusConflict, "可视化视图未打开"
	case errors.Is(err, service.ErrGestureActive):
		status, message = http.StatusConflict, "已有手势正在进行"
	}

	if status >= http.StatusInternalServerError {
		utils.Logger.Error("request failed", zap.Int("status", status), zap.Error(err))
	}
	_ = c.Error(err)
	c.JSON(status, model.ErrorResponse{
		Success: false,
		Message: message,
		Error:   err.Error(),
	})
}

func badRequest(c *gin.Context, message string, err error) {
	resp := model.ErrorResponse{Success: false, Message: message}
	if err != nil {
		resp.Error = err.Error()
	}
	c.JSON(http.StatusBadRequest, resp)
}
