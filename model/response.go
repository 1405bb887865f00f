package model

// ScanInfo 扫描摘要
type ScanInfo struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	MimeType   string `json:"mime_type"`
	Width      int    `json:"width,omitempty"`
	Height     int    `json:"height,omitempty"`
	Generation uint64 `json:"generation"`
}

// 推理失败类别
const (
	FailureNetwork   = "network"
	FailureResponse  = "response"
	FailureQueueFull = "queue_full"
	FailureStorage   = "storage"
	FailureInternal  = "internal"
)

// InferenceFailure 当前扫描最近一次推理失败，新扫描或成功推理后清除
type InferenceFailure struct {
	Kind       string `json:"kind"`
	StatusCode int    `json:"status_code,omitempty"`
	Message    string `json:"message"`
	Generation uint64 `json:"generation"`
}

// SessionInfo 会话状态
type SessionInfo struct {
	Scan           *ScanInfo         `json:"scan,omitempty"`
	HasMask        bool              `json:"has_mask"`
	View           ViewState         `json:"view"`
	InferenceError *InferenceFailure `json:"inference_error,omitempty"`
}

// ScanResponse 上传/样本加载响应
type ScanResponse struct {
	Success bool      `json:"success"`
	Message string    `json:"message"`
	Data    *ScanInfo `json:"data,omitempty"`
	HasMask bool      `json:"has_mask"`
}

// SessionResponse 会话查询响应
type SessionResponse struct {
	Success bool         `json:"success"`
	Data    *SessionInfo `json:"data"`
}

// ViewResponse 视图更新响应
type ViewResponse struct {
	Success bool      `json:"success"`
	Data    ViewState `json:"data"`
}

// SampleListResponse 样本列表
type SampleListResponse struct {
	Success bool     `json:"success"`
	Data    []string `json:"data"`
}

// ErrorResponse 错误响应
type ErrorResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}
