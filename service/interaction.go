package service

import (
	"math"

	"github.com/TIANLI0/TumorLens/model"
)

const zoomStep = 1.5

// Container 比较面板在页面中的位置与尺寸
type Container struct {
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

func (c Container) contains(p model.Point) bool {
	return p.X >= c.Left && p.X <= c.Left+c.Width && p.Y >= c.Top && p.Y <= c.Top+c.Height
}

type gesture int

const (
	gestureNone gesture = iota
	gesturePan
	gestureSlider
)

// Interaction 管理缩放、平移与比较滑块，调用方负责串行化
type Interaction struct {
	view   *model.ViewState
	active gesture
	owner  *GestureScope
	anchor model.Point
}

func NewInteraction(view *model.ViewState) *Interaction {
	return &Interaction{view: view}
}

func (ic *Interaction) ZoomIn() {
	ic.view.ZoomLevel = math.Min(ic.view.ZoomLevel*zoomStep, model.MaxZoom)
}

// ZoomOut 回到1倍时平移归零
func (ic *Interaction) ZoomOut() {
	ic.view.ZoomLevel = math.Max(ic.view.ZoomLevel/zoomStep, model.MinZoom)
	if ic.view.ZoomLevel == model.MinZoom {
		ic.view.Pan = model.Point{}
	}
}

func (ic *Interaction) ResetZoomAndPan() {
	ic.view.ZoomLevel = model.MinZoom
	ic.view.Pan = model.Point{}
}

// ResetAll 恢复默认视图，进行中的手势一并取消
func (ic *Interaction) ResetAll() {
	ic.view.Opacity = model.DefaultOpacity
	ic.view.Mode = model.ModeOverlay
	ic.view.ColorMap = model.ColorMapViridis
	ic.view.ThresholdEnabled = false
	ic.view.ComparePosition = model.DefaultComparePosition
	ic.ResetZoomAndPan()
	ic.active, ic.owner = gestureNone, nil
}

func (ic *Interaction) Panning() bool { return ic.active == gesturePan }

func (ic *Interaction) DraggingSlider() bool { return ic.active == gestureSlider }

// Attach 打开一个手势作用域，生命周期与可视化视图一致
func (ic *Interaction) Attach() *GestureScope {
	return &GestureScope{ic: ic}
}

// PanLimit 单轴最大平移量
func PanLimit(containerWidth, zoom float64) float64 {
	if zoom <= 1 || containerWidth <= 0 {
		return 0
	}
	return containerWidth * (zoom - 1) / (2 * zoom)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// GestureScope 指针事件入口；关闭后忽略后续事件
type GestureScope struct {
	ic     *Interaction
	closed bool
}

func (s *GestureScope) check() error {
	if s.closed {
		return ErrScopeClosed
	}
	return nil
}

func (s *GestureScope) idle() error {
	if s.ic.active != gestureNone {
		return ErrGestureActive
	}
	return nil
}

func (s *GestureScope) owns(g gesture) bool {
	return s.ic.active == g && s.ic.owner == s
}

// BeginPan 仅在放大时生效，返回是否开始平移
func (s *GestureScope) BeginPan(pointer model.Point) (bool, error) {
	if err := s.check(); err != nil {
		return false, err
	}
	if err := s.idle(); err != nil {
		return false, err
	}
	view := s.ic.view
	if view.ZoomLevel <= 1 {
		return false, nil
	}
	s.ic.active, s.ic.owner = gesturePan, s
	s.ic.anchor = model.Point{X: pointer.X - view.Pan.X, Y: pointer.Y - view.Pan.Y}
	return true, nil
}

// UpdatePan 两个轴都按容器宽度限制
func (s *GestureScope) UpdatePan(pointer model.Point, containerWidth float64) error {
	if err := s.check(); err != nil {
		return err
	}
	if !s.owns(gesturePan) {
		return nil
	}
	view := s.ic.view
	limit := PanLimit(containerWidth, view.ZoomLevel)
	view.Pan = model.Point{
		X: clamp(pointer.X-s.ic.anchor.X, -limit, limit),
		Y: clamp(pointer.Y-s.ic.anchor.Y, -limit, limit),
	}
	return nil
}

// BeginSlider 指针须落在比较面板内，返回是否开始拖动
func (s *GestureScope) BeginSlider(pointer model.Point, c Container) (bool, error) {
	if err := s.check(); err != nil {
		return false, err
	}
	if err := s.idle(); err != nil {
		return false, err
	}
	if c.Width <= 0 || !c.contains(pointer) {
		return false, nil
	}
	s.ic.active, s.ic.owner = gestureSlider, s
	return true, nil
}

func (s *GestureScope) UpdateSlider(pointerX float64, c Container) error {
	if err := s.check(); err != nil {
		return err
	}
	if !s.owns(gestureSlider) || c.Width <= 0 {
		return nil
	}
	s.ic.view.ComparePosition = clamp(100*(pointerX-c.Left)/c.Width, 0, 100)
	return nil
}

// PointerUp 全局抬起：结束本作用域持有的任一手势，保留最后的平移值
func (s *GestureScope) PointerUp() error {
	if err := s.check(); err != nil {
		return err
	}
	if s.ic.owner == s {
		s.ic.active, s.ic.owner = gestureNone, nil
	}
	return nil
}

func (s *GestureScope) Close() {
	if s.closed {
		return
	}
	if s.ic.owner == s {
		s.ic.active, s.ic.owner = gestureNone, nil
	}
	s.closed = true
}
