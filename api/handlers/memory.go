package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/UCLA-Trustworthy-AI-Lab/Avatar-EDU/memory"
	"github.com/UCLA-Trustworthy-AI-Lab/Avatar-EDU/types"
)

// =============================================================================
// 🧠 学习记忆 Handler
// =============================================================================

// RoleAdmin 可访问任意学生数据的角色
const RoleAdmin = "admin"

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// MemoryService 记忆服务
type MemoryService interface {
	RecordInsightJSON(ctx context.Context, studentID, module string, payload json.RawMessage, sessionID string) (*memory.Insight, error)
	ListInsights(ctx context.Context, studentID string, m memory.Module, limit int) ([]*memory.Insight, error)
	GetBoard(ctx context.Context, studentID string) (*memory.MemoryBoard, error)
	GetModuleMemory(ctx context.Context, studentID string, m memory.Module) (*memory.ModuleMemory, error)
	Compress(ctx context.Context, studentID string, m memory.Module) (*memory.CompressionResult, error)
	BuildMemoryContext(ctx context.Context, studentID string) string
	AdaptiveFocus(ctx context.Context, studentID string) *memory.QuestionFocus
	Subscribe(studentID string) (<-chan memory.Event, func())
}

// MemoryHandler 洞察写入、记忆看板与压缩事件
type MemoryHandler struct {
	service   MemoryService
	logger    *zap.Logger
	wsOrigins []string
}

// NewMemoryHandler 创建记忆处理器。wsOrigins 为 WebSocket 允许的跨域来源, 为空时只接受同源。
func NewMemoryHandler(service MemoryService, logger *zap.Logger, wsOrigins ...string) *MemoryHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryHandler{
		service:   service,
		logger:    logger.With(zap.String("component", "memory_handler")),
		wsOrigins: wsOrigins,
	}
}

// RecordInsightRequest 写入洞察请求
type RecordInsightRequest struct {
	Module    string          `json:"module"`
	SessionID string          `json:"session_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

// MemoryContextResponse 记忆上下文
type MemoryContextResponse struct {
	StudentID string `json:"student_id"`
	Context   string `json:"context"`
	HasMemory bool   `json:"has_memory"`
}

// authorizeStudent 认证开启时 token 中的 user_id 必须与路径上的学生一致, admin 除外。
// 未认证的请求（认证关闭）直接放行。
func authorizeStudent(r *http.Request, studentID string) error {
	userID, ok := types.UserID(r.Context())
	if !ok || userID == studentID || types.HasRole(r.Context(), RoleAdmin) {
		return nil
	}
	return types.NewError(types.ErrForbidden, "token subject does not match student").
		WithHTTPStatus(http.StatusForbidden)
}

// student 取出路径上的学生 ID 并鉴权, 失败时已写出响应
func (h *MemoryHandler) student(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		WriteErrorMessage(w, r, http.StatusBadRequest, types.ErrInvalidRequest, "student id is required", h.logger)
		return "", false
	}
	if err := authorizeStudent(r, id); err != nil {
		WriteErr(w, r, err, h.logger)
		return "", false
	}
	return id, true
}

func (h *MemoryHandler) module(w http.ResponseWriter, r *http.Request, raw string) (memory.Module, bool) {
	m, err := memory.ParseModule(raw)
	if err != nil {
		WriteErr(w, r, err, h.logger)
		return "", false
	}
	return m, true
}

// HandleRecordInsight POST /api/v1/students/{id}/insights
// @Summary 写入学习洞察
// @Tags 记忆
// @Accept json
// @Produce json
// @Param id path string true "学生 ID"
// @Param request body RecordInsightRequest true "洞察"
// @Success 201 {object} Response
// @Failure 400 {object} Response
// @Router /api/v1/students/{id}/insights [post]
func (h *MemoryHandler) HandleRecordInsight(w http.ResponseWriter, r *http.Request) {
	studentID, ok := h.student(w, r)
	if !ok {
		return
	}
	var req RecordInsightRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	in, err := h.service.RecordInsightJSON(r.Context(), studentID, req.Module, req.Payload, req.SessionID)
	if err != nil {
		WriteErr(w, r, err, h.logger)
		return
	}
	WriteStatus(w, r, http.StatusCreated, in)
}

// HandleListInsights GET /api/v1/students/{id}/insights?module=&limit=
func (h *MemoryHandler) HandleListInsights(w http.ResponseWriter, r *http.Request) {
	studentID, ok := h.student(w, r)
	if !ok {
		return
	}
	m, ok := h.module(w, r, r.URL.Query().Get("module"))
	if !ok {
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			WriteErrorMessage(w, r, http.StatusBadRequest, types.ErrInvalidRequest, "limit must be a positive integer", h.logger)
			return
		}
		limit = n
	}
	insights, err := h.service.ListInsights(r.Context(), studentID, m, limit)
	if err != nil {
		WriteErr(w, r, err, h.logger)
		return
	}
	if insights == nil {
		insights = []*memory.Insight{}
	}
	WriteSuccess(w, r, insights)
}

// HandleGetBoard GET /api/v1/students/{id}/memory
// @Summary 完整记忆看板
// @Tags 记忆
// @Produce json
// @Param id path string true "学生 ID"
// @Success 200 {object} Response
// @Router /api/v1/students/{id}/memory [get]
func (h *MemoryHandler) HandleGetBoard(w http.ResponseWriter, r *http.Request) {
	studentID, ok := h.student(w, r)
	if !ok {
		return
	}
	board, err := h.service.GetBoard(r.Context(), studentID)
	if err != nil {
		WriteErr(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, board)
}

// HandleGetModuleMemory GET /api/v1/students/{id}/memory/{module}
func (h *MemoryHandler) HandleGetModuleMemory(w http.ResponseWriter, r *http.Request) {
	studentID, ok := h.student(w, r)
	if !ok {
		return
	}
	m, ok := h.module(w, r, r.PathValue("module"))
	if !ok {
		return
	}
	out, err := h.service.GetModuleMemory(r.Context(), studentID, m)
	if err != nil {
		WriteErr(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, out)
}

// HandleCompress POST /api/v1/students/{id}/memory/{module}/compress
// 降级结果也返回 200, 由 degraded 字段表示。
func (h *MemoryHandler) HandleCompress(w http.ResponseWriter, r *http.Request) {
	studentID, ok := h.student(w, r)
	if !ok {
		return
	}
	m, ok := h.module(w, r, r.PathValue("module"))
	if !ok {
		return
	}
	res, err := h.service.Compress(r.Context(), studentID, m)
	if err != nil {
		WriteErr(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, res)
}

// HandleMemoryContext GET /api/v1/students/{id}/memory/context
func (h *MemoryHandler) HandleMemoryContext(w http.ResponseWriter, r *http.Request) {
	studentID, ok := h.student(w, r)
	if !ok {
		return
	}
	text := h.service.BuildMemoryContext(r.Context(), studentID)
	WriteSuccess(w, r, MemoryContextResponse{
		StudentID: studentID,
		Context:   text,
		HasMemory: text != "",
	})
}

// HandleAdaptiveFocus GET /api/v1/students/{id}/memory/focus
func (h *MemoryHandler) HandleAdaptiveFocus(w http.ResponseWriter, r *http.Request) {
	studentID, ok := h.student(w, r)
	if !ok {
		return
	}
	WriteSuccess(w, r, h.service.AdaptiveFocus(r.Context(), studentID))
}

// HandleEvents GET /api/v1/students/{id}/memory/events
// 升级为 WebSocket, 推送该学生的压缩完成/降级事件。客户端发来的消息一律忽略。
func (h *MemoryHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	studentID, ok := h.student(w, r)
	if !ok {
		return
	}

	// 长连接不受服务器 WriteTimeout 限制
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.wsOrigins})
	if err != nil {
		// Accept 已写出错误响应
		h.logger.Warn("websocket accept failed", zap.String("student_id", studentID), zap.Error(err))
		return
	}
	defer conn.CloseNow()

	events, cancel := h.service.Subscribe(studentID)
	defer cancel()

	ctx := conn.CloseRead(r.Context())
	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	h.logger.Debug("event stream opened", zap.String("student_id", studentID))
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			wctx, done := context.WithTimeout(ctx, wsWriteTimeout)
			err := wsjson.Write(wctx, conn, ev)
			done()
			if err != nil {
				h.logger.Debug("event stream write failed", zap.String("student_id", studentID), zap.Error(err))
				return
			}
		case <-ping.C:
			pctx, done := context.WithTimeout(ctx, wsWriteTimeout)
			err := conn.Ping(pctx)
			done()
			if err != nil {
				return
			}
		}
	}
}

// Register 注册记忆相关路由
func (h *MemoryHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/students/{id}/insights", h.HandleRecordInsight)
	mux.HandleFunc("GET /api/v1/students/{id}/insights", h.HandleListInsights)
	mux.HandleFunc("GET /api/v1/students/{id}/memory", h.HandleGetBoard)
	mux.HandleFunc("GET /api/v1/students/{id}/memory/context", h.HandleMemoryContext)
	mux.HandleFunc("GET /api/v1/students/{id}/memory/focus", h.HandleAdaptiveFocus)
	mux.HandleFunc("GET /api/v1/students/{id}/memory/events", h.HandleEvents)
	mux.HandleFunc("GET /api/v1/students/{id}/memory/{module}", h.HandleGetModuleMemory)
	mux.HandleFunc("POST /api/v1/students/{id}/memory/{module}/compress", h.HandleCompress)
}
