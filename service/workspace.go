package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/TIANLI0/TumorLens/model"
	"github.com/TIANLI0/TumorLens/utils"
	"go.uber.org/zap"
)

// EventKind 工作区变更类型
type EventKind string

const (
	EventScanLoaded      EventKind = "scan_loaded"
	EventScanDecoded     EventKind = "scan_decoded"
	EventMaskUpdated     EventKind = "mask_updated"
	EventViewChanged     EventKind = "view_changed"
	EventInferenceFailed EventKind = "inference_failed"
)

// Event 推送给订阅者的变更通知
type Event struct {
	Kind       EventKind               `json:"kind"`
	Generation uint64                  `json:"generation"`
	View       model.ViewState         `json:"view"`
	Failure    *model.InferenceFailure `json:"failure,omitempty"`
}

// Snapshot 工作区某一时刻的只读视图
type Snapshot struct {
	Scan    *model.ScanAsset
	Mask    *model.MaskAsset
	View    model.ViewState
	Failure *model.InferenceFailure
}

// renderKey 影响面板像素的视图字段
type renderKey struct {
	mode      model.Mode
	opacity   float64
	threshold bool
	colorMap  model.ColorMap
}

func keyOf(v model.ViewState) renderKey {
	return renderKey{mode: v.Mode, opacity: v.Opacity, threshold: v.ThresholdEnabled, colorMap: v.ColorMap}
}

// Workspace 单个会话的扫描、掩码与视图状态
type Workspace struct {
	mu          sync.Mutex
	id          string
	store       SessionStore
	generation  uint64
	scan        *model.ScanAsset
	mask        *model.MaskAsset
	failure     *model.InferenceFailure
	view        model.ViewState
	interaction *Interaction
	scopes      []*GestureScope
	subscribers map[int]func(Event)
	nextSub     int
	surfaces    *Surfaces
	surfacesKey renderKey
	lastUsed    time.Time
	restoreOnce sync.Once
}

func newWorkspace(id string, store SessionStore) *Workspace {
	ws := &Workspace{
		id:          id,
		store:       store,
		view:        model.DefaultViewState(),
		subscribers: make(map[int]func(Event)),
		lastUsed:    time.Now(),
	}
	ws.interaction = NewInteraction(&ws.view)
	return ws
}

func (ws *Workspace) ID() string { return ws.id }

// Subscribe 注册变更回调，返回的函数用于注销
func (ws *Workspace) Subscribe(fn func(Event)) (unsubscribe func()) {
	ws.mu.Lock()
	id := ws.nextSub
	ws.nextSub++
	ws.subscribers[id] = fn
	ws.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			ws.mu.Lock()
			delete(ws.subscribers, id)
			ws.mu.Unlock()
		})
	}
}

// emit 调用方持有锁，返回需在解锁后执行的通知
func (ws *Workspace) emit(kind EventKind) func() {
	ev := Event{Kind: kind, Generation: ws.generation, View: ws.view}
	if kind == EventInferenceFailed && ws.failure != nil {
		failure := *ws.failure
		ev.Failure = &failure
	}
	fns := make([]func(Event), 0, len(ws.subscribers))
	for _, fn := range ws.subscribers {
		fns = append(fns, fn)
	}
	return func() {
		for _, fn := range fns {
			fn(ev)
		}
	}
}

func (ws *Workspace) touch() { ws.lastUsed = time.Now() }

// BeginScan 替换当前扫描并清除旧掩码，返回新扫描的代号
func (ws *Workspace) BeginScan(ctx context.Context, name string, raw []byte, mimeType string) (*model.ScanAsset, error) {
	ws.mu.Lock()
	entry := ScanEntry{Name: name, URL: utils.EncodeDataURL(mimeType, raw)}
	if err := ws.store.SaveScan(ctx, ws.id, entry); err != nil {
		ws.mu.Unlock()
		return nil, err
	}

	ws.generation++
	ws.scan = &model.ScanAsset{
		ID:         utils.BytesMD5(raw),
		Generation: ws.generation,
		Name:       name,
		RawBytes:   raw,
		MimeType:   mimeType,
		DataURL:    entry.URL,
	}
	ws.mask, ws.failure = nil, nil
	ws.surfaces = nil
	ws.touch()
	scan := *ws.scan
	notify := ws.emit(EventScanLoaded)
	ws.mu.Unlock()

	notify()
	return &scan, nil
}

// ApplyDecoded 解码结果仅在扫描未被替换时生效
func (ws *Workspace) ApplyDecoded(generation uint64, buf *model.PixelBuffer) error {
	ws.mu.Lock()
	if ws.scan == nil || ws.generation != generation {
		ws.mu.Unlock()
		return ErrStaleResult
	}
	ws.scan.Decoded = buf
	ws.surfaces = nil
	notify := ws.emit(EventScanDecoded)
	ws.mu.Unlock()

	notify()
	return nil
}

// ApplyMask 推理结果仅在扫描未被替换时生效，失败时保留原掩码
func (ws *Workspace) ApplyMask(ctx context.Context, generation uint64, mask *model.MaskAsset) error {
	ws.mu.Lock()
	if ws.scan == nil || ws.generation != generation {
		ws.mu.Unlock()
		return ErrStaleResult
	}
	if err := ws.store.SaveMask(ctx, ws.id, utils.EncodeDataURL(mask.MimeType, mask.Payload)); err != nil {
		ws.mu.Unlock()
		return err
	}
	ws.mask, ws.failure = mask, nil
	ws.surfaces = nil
	ws.touch()
	notify := ws.emit(EventMaskUpdated)
	ws.mu.Unlock()

	notify()
	return nil
}

// FailInference 记录当前扫描的推理失败并通知订阅者；扫描已被替换时返回 ErrStaleResult
func (ws *Workspace) FailInference(generation uint64, err error) error {
	ws.mu.Lock()
	if ws.scan == nil || ws.generation != generation {
		ws.mu.Unlock()
		return ErrStaleResult
	}
	ws.failure = failureOf(err, generation)
	ws.touch()
	notify := ws.emit(EventInferenceFailed)
	ws.mu.Unlock()

	notify()
	return nil
}

// Reset 显式开始新扫描：清空持久化条目与内存状态
func (ws *Workspace) Reset(ctx context.Context) error {
	ws.mu.Lock()
	if err := ws.store.Clear(ctx, ws.id); err != nil {
		ws.mu.Unlock()
		return err
	}
	ws.generation++
	ws.scan, ws.mask, ws.surfaces, ws.failure = nil, nil, nil, nil
	notify := ws.emit(EventScanLoaded)
	ws.mu.Unlock()

	notify()
	return nil
}

// CurrentScan 返回当前扫描的副本
func (ws *Workspace) CurrentScan() *model.ScanAsset {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.scan == nil {
		return nil
	}
	scan := *ws.scan
	return &scan
}

func (ws *Workspace) Snapshot() Snapshot {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.touch()
	snap := Snapshot{View: ws.view}
	if ws.scan != nil {
		scan := *ws.scan
		snap.Scan = &scan
	}
	if ws.mask != nil {
		mask := *ws.mask
		snap.Mask = &mask
	}
	if ws.failure != nil {
		failure := *ws.failure
		snap.Failure = &failure
	}
	return snap
}

// Surfaces 按需合成面板，扫描、掩码或影响像素的视图字段变化前复用缓存
func (ws *Workspace) Surfaces() *Surfaces {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.touch()
	key := keyOf(ws.view)
	if ws.surfaces != nil && ws.surfacesKey == key {
		return ws.surfaces
	}

	var scan, mask *model.PixelBuffer
	if ws.scan != nil {
		scan = ws.scan.Decoded
	}
	if ws.mask != nil {
		mask = ws.mask.Decoded
	}
	ws.surfaces = Compose(scan, mask, ws.view)
	ws.surfacesKey = key
	return ws.surfaces
}

// UpdateView 在锁内修改视图状态
func (ws *Workspace) UpdateView(fn func(view *model.ViewState, ic *Interaction) error) (model.ViewState, error) {
	ws.mu.Lock()
	if err := fn(&ws.view, ws.interaction); err != nil {
		view := ws.view
		ws.mu.Unlock()
		return view, err
	}
	ws.touch()
	view := ws.view
	notify := ws.emit(EventViewChanged)
	ws.mu.Unlock()

	notify()
	return view, nil
}

// OpenView 打开可视化视图：订阅变更并挂载手势作用域，close 时一并释放
func (ws *Workspace) OpenView(fn func(Event)) (closeView func()) {
	unsubscribe := ws.Subscribe(fn)

	ws.mu.Lock()
	scope := ws.interaction.Attach()
	ws.scopes = append(ws.scopes, scope)
	ws.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			unsubscribe()
			ws.mu.Lock()
			scope.Close()
			for i, s := range ws.scopes {
				if s == scope {
					ws.scopes = append(ws.scopes[:i], ws.scopes[i+1:]...)
					break
				}
			}
			ws.mu.Unlock()
		})
	}
}

// Gesture 将指针事件交给最近打开的视图作用域
func (ws *Workspace) Gesture(fn func(scope *GestureScope) error) (model.ViewState, error) {
	return ws.UpdateView(func(_ *model.ViewState, _ *Interaction) error {
		if len(ws.scopes) == 0 {
			return ErrScopeClosed
		}
		return fn(ws.scopes[len(ws.scopes)-1])
	})
}

// close 会话过期：关闭所有手势作用域、清空订阅
func (ws *Workspace) close() {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	for _, s := range ws.scopes {
		s.Close()
	}
	ws.scopes = nil
	ws.subscribers = make(map[int]func(Event))
}

// WorkspaceManager 按会话ID管理工作区，必要时从持久化存储恢复
type WorkspaceManager struct {
	mu      sync.Mutex
	store   SessionStore
	decoder *Decoder
	idle    time.Duration
	items   map[string]*Workspace
}

func NewWorkspaceManager(store SessionStore, decoder *Decoder, idle time.Duration) *WorkspaceManager {
	return &WorkspaceManager{
		store:   store,
		decoder: decoder,
		idle:    idle,
		items:   make(map[string]*Workspace),
	}
}

// Get 获取会话工作区，首次访问时恢复持久化的扫描与掩码，恢复完成前阻塞
func (m *WorkspaceManager) Get(ctx context.Context, sessionID string) *Workspace {
	m.mu.Lock()
	ws, ok := m.items[sessionID]
	if !ok {
		ws = newWorkspace(sessionID, m.store)
		m.items[sessionID] = ws
	}
	m.mu.Unlock()

	// 并发的首次访问都等待同一次恢复完成
	ws.restoreOnce.Do(func() { m.restore(ctx, ws) })
	return ws
}

func (m *WorkspaceManager) restore(ctx context.Context, ws *Workspace) {
	entry, err := m.store.LoadScan(ctx, ws.id)
	if err != nil {
		if !errors.Is(err, ErrStorageUnavailable) {
			utils.Logger.Warn("failed to load persisted scan",
				zap.String("session", ws.id), zap.Error(err))
		}
		return
	}

	mimeType, raw, err := utils.ParseDataURL(entry.URL)
	if err != nil {
		utils.Logger.Warn("persisted scan is not a data url",
			zap.String("session", ws.id), zap.Error(err))
		return
	}
	decoded, err := m.decoder.Decode(raw, mimeType)
	if err != nil {
		utils.Logger.Warn("failed to decode persisted scan",
			zap.String("session", ws.id), zap.Error(err))
	}

	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.generation != 0 {
		// 恢复期间已加载了新扫描
		return
	}
	ws.generation = 1
	ws.scan = &model.ScanAsset{
		ID:         utils.BytesMD5(raw),
		Generation: ws.generation,
		Name:       entry.Name,
		RawBytes:   raw,
		MimeType:   mimeType,
		DataURL:    entry.URL,
		Decoded:    decoded,
	}

	maskURL, err := m.store.LoadMask(ctx, ws.id)
	if err != nil {
		return
	}
	maskMIME, payload, err := utils.ParseDataURL(maskURL)
	if err != nil {
		utils.Logger.Warn("persisted mask is not a data url",
			zap.String("session", ws.id), zap.Error(err))
		return
	}
	maskBuf, err := m.decoder.Decode(payload, maskMIME)
	if err != nil {
		utils.Logger.Warn("failed to decode persisted mask",
			zap.String("session", ws.id), zap.Error(err))
		return
	}
	ws.mask = &model.MaskAsset{
		ScanID:     ws.scan.ID,
		Generation: ws.generation,
		Payload:    payload,
		MimeType:   maskMIME,
		Decoded:    maskBuf,
	}
	utils.Logger.Debug("workspace restored",
		zap.String("session", ws.id), zap.String("scan", entry.Name))
}

// Sweep 回收空闲超时的工作区，持久化条目保留到 TTL 过期
func (m *WorkspaceManager) Sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, ws := range m.items {
		ws.mu.Lock()
		idle := now.Sub(ws.lastUsed) > m.idle && len(ws.scopes) == 0
		ws.mu.Unlock()
		if idle {
			ws.close()
			delete(m.items, id)
			n++
		}
	}
	return n
}

// Run 周期性回收，直到 ctx 结束
func (m *WorkspaceManager) Run(ctx context.Context) {
	if m.idle <= 0 {
		return
	}
	ticker := time.NewTicker(m.idle / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := m.Sweep(now); n > 0 {
				utils.Logger.Debug("evicted idle workspaces", zap.Int("count", n))
			}
		}
	}
}
