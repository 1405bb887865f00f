package handler

import (
	"github.com/TIANLI0/TumorLens/config"
	"github.com/TIANLI0/TumorLens/middleware"
	"github.com/gin-gonic/gin"
)

// NewRouter 注册中间件与 API 路由
func NewRouter(cfg *config.Config, scans *ScanHandler, views *ViewHandler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.CORS())
	r.Use(middleware.Session(cfg.Session.CookieName))
	r.Use(middleware.Logger())
	r.MaxMultipartMemory = cfg.Upload.MaxSize

	// API路由
	api := r.Group("/api/v1")
	{
		api.GET("/samples", scans.ListSamples)
		api.POST("/samples/:name", scans.LoadSample)
		api.POST("/scans", scans.Upload)
		api.DELETE("/scans", scans.Reset)
		api.POST("/segment", scans.Segment)
		api.GET("/session", scans.Session)
		api.GET("/mask/download", scans.DownloadMask)

		api.GET("/surfaces/:pane", views.Surface)
		api.PUT("/view", views.UpdateView)
		api.POST("/view/reset", views.ResetView)
		api.POST("/view/zoom/:action", views.Zoom)
		api.POST("/view/gesture", views.Gesture)
		api.GET("/view/events", views.Events)
	}
	return r
}
