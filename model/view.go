package model

import (
	"encoding/json"
	"fmt"
)

// Mode 预测面板的显示模式
type Mode int

const (
	ModeScanOnly Mode = iota
	ModeMaskOnly
	ModeOverlay
)

func (m Mode) String() string {
	switch m {
	case ModeScanOnly:
		return "mri"
	case ModeMaskOnly:
		return "mask"
	case ModeOverlay:
		return "overlay"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// ParseMode 解析显示模式
func ParseMode(s string) (Mode, error) {
	switch s {
	case "mri", "scan":
		return ModeScanOnly, nil
	case "mask":
		return ModeMaskOnly, nil
	case "overlay":
		return ModeOverlay, nil
	}
	return 0, fmt.Errorf("unknown view mode %q", s)
}

func (m Mode) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

func (m *Mode) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseMode(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// ColorMap 掩码着色方案
type ColorMap string

const (
	ColorMapGrayscale ColorMap = "grayscale"
	ColorMapViridis   ColorMap = "viridis"
	ColorMapHeatmap   ColorMap = "heatmap"
	ColorMapPlasma    ColorMap = "plasma"
)

// Valid 是否为支持的着色方案
func (c ColorMap) Valid() bool {
	switch c {
	case ColorMapGrayscale, ColorMapViridis, ColorMapHeatmap, ColorMapPlasma:
		return true
	}
	return false
}

// Point 平移偏移量
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// ViewState 可视化视图状态
type ViewState struct {
	Mode             Mode     `json:"mode"`
	Opacity          float64  `json:"opacity"`
	ThresholdEnabled bool     `json:"threshold_enabled"`
	ColorMap         ColorMap `json:"color_map"`
	ComparePosition  float64  `json:"compare_position"`
	ZoomLevel        float64  `json:"zoom_level"`
	Pan              Point    `json:"pan"`
}

const (
	DefaultOpacity         = 70
	DefaultComparePosition = 50
	MinZoom                = 1
	MaxZoom                = 8
)

// DefaultViewState 初始视图状态
func DefaultViewState() ViewState {
	return ViewState{
		Mode:            ModeOverlay,
		Opacity:         DefaultOpacity,
		ColorMap:        ColorMapViridis,
		ComparePosition: DefaultComparePosition,
		ZoomLevel:       MinZoom,
	}
}
