package service

import (
	"errors"
	"fmt"

	"github.com/TIANLI0/TumorLens/model"
)

var (
	ErrDecode             = errors.New("decode error")
	ErrNetwork            = errors.New("network error")
	ErrResponse           = errors.New("response error")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrStaleResult        = errors.New("result belongs to a replaced scan")
	ErrNoScan             = errors.New("no scan loaded")
	ErrScopeClosed        = errors.New("gesture scope closed")
	ErrGestureActive      = errors.New("another gesture is active")
	ErrQueueFull          = errors.New("inference queue is full")
)

// DecodeError 图像字节损坏、格式不支持或尺寸无法确定
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode: %s: %v", e.Reason, e.Err)
	}
	return "decode: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

func decodeErr(err error, format string, args ...any) error {
	return &DecodeError{Reason: fmt.Sprintf(format, args...), Err: err}
}

// NetworkError 推理接口连接失败或返回非2xx状态
type NetworkError struct {
	// StatusCode 为0表示传输层失败
	StatusCode int
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("inference endpoint returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("inference request failed: %v", e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

func (e *NetworkError) Is(target error) bool { return target == ErrNetwork }

// ResponseError 推理响应不可读或无法转换为可显示的图像
type ResponseError struct {
	Err error
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("inference response unusable: %v", e.Err)
}

func (e *ResponseError) Unwrap() error { return e.Err }

func (e *ResponseError) Is(target error) bool { return target == ErrResponse }

// failureOf 将推理链路上的错误归类，供会话状态与事件推送使用
func failureOf(err error, generation uint64) *model.InferenceFailure {
	f := &model.InferenceFailure{
		Kind:       model.FailureInternal,
		Message:    err.Error(),
		Generation: generation,
	}
	var ne *NetworkError
	switch {
	case errors.As(err, &ne):
		f.Kind, f.StatusCode = model.FailureNetwork, ne.StatusCode
	case errors.Is(err, ErrResponse):
		f.Kind = model.FailureResponse
	case errors.Is(err, ErrQueueFull):
		f.Kind = model.FailureQueueFull
	case errors.Is(err, ErrStorageUnavailable):
		f.Kind = model.FailureStorage
	}
	return f
}
