package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/UCLA-Trustworthy-AI-Lab/Avatar-EDU/llm"
	"github.com/UCLA-Trustworthy-AI-Lab/Avatar-EDU/memory"
)

// =============================================================================
// 🗣️ 练习会话 Handler
// =============================================================================

// SessionService 练习会话服务
type SessionService interface {
	StartSession(studentID string, m memory.Module, topic string) (*memory.Session, error)
	GetSession(sessionID string) (*memory.Session, error)
	AddTurn(sessionID string, role llm.Role, text string) (*memory.Session, error)
	EndSession(ctx context.Context, sessionID string, payload json.RawMessage) (*memory.Session, *memory.Insight, error)
}

// SessionHandler 会话处理器
type SessionHandler struct {
	service SessionService
	logger  *zap.Logger
}

// NewSessionHandler 创建会话处理器
func NewSessionHandler(service SessionService, logger *zap.Logger) *SessionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionHandler{
		service: service,
		logger:  logger.With(zap.String("component", "session_handler")),
	}
}

// StartSessionRequest 开始会话请求
type StartSessionRequest struct {
	StudentID string `json:"student_id"`
	Module    string `json:"module"`
	Topic     string `json:"topic,omitempty"`
}

// AddTurnRequest 追加一轮对话
type AddTurnRequest struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// EndSessionRequest 结束会话, payload 可选
type EndSessionRequest struct {
	Payload json.RawMessage `json:"payload,omitempty"`
}

// EndSessionResponse 结束会话响应
type EndSessionResponse struct {
	Session *memory.Session `json:"session"`
	Insight *memory.Insight `json:"insight,omitempty"`
}

// session 读取会话并校验归属, 失败时已写出响应
func (h *SessionHandler) session(w http.ResponseWriter, r *http.Request) (*memory.Session, bool) {
	sess, err := h.service.GetSession(r.PathValue("id"))
	if err != nil {
		WriteErr(w, r, err, h.logger)
		return nil, false
	}
	if err := authorizeStudent(r, sess.StudentID); err != nil {
		WriteErr(w, r, err, h.logger)
		return nil, false
	}
	return sess, true
}

// HandleStart POST /api/v1/sessions
// @Summary 开始练习会话
// @Tags 会话
// @Accept json
// @Produce json
// @Param request body StartSessionRequest true "会话"
// @Success 201 {object} Response
// @Router /api/v1/sessions [post]
func (h *SessionHandler) HandleStart(w http.ResponseWriter, r *http.Request) {
	var req StartSessionRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	m, err := memory.ParseModule(req.Module)
	if err != nil {
		WriteErr(w, r, err, h.logger)
		return
	}
	if err := authorizeStudent(r, req.StudentID); err != nil {
		WriteErr(w, r, err, h.logger)
		return
	}
	sess, err := h.service.StartSession(req.StudentID, m, req.Topic)
	if err != nil {
		WriteErr(w, r, err, h.logger)
		return
	}
	WriteStatus(w, r, http.StatusCreated, sess)
}

// HandleGet GET /api/v1/sessions/{id}
func (h *SessionHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	WriteSuccess(w, r, sess)
}

// HandleAddTurn POST /api/v1/sessions/{id}/turns
func (h *SessionHandler) HandleAddTurn(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	var req AddTurnRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	updated, err := h.service.AddTurn(sess.ID, llm.Role(req.Role), req.Text)
	if err != nil {
		WriteErr(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, updated)
}

// HandleEnd POST /api/v1/sessions/{id}/end
// 带 payload 时同时写入一条洞察; payload 非法时会话保留, 可修正后重试。
func (h *SessionHandler) HandleEnd(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	var req EndSessionRequest
	if r.ContentLength != 0 {
		if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
			return
		}
	}
	ended, in, err := h.service.EndSession(r.Context(), sess.ID, req.Payload)
	if err != nil {
		WriteErr(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, EndSessionResponse{Session: ended, Insight: in})
}

// Register 注册会话路由
func (h *SessionHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/sessions", h.HandleStart)
	mux.HandleFunc("GET /api/v1/sessions/{id}", h.HandleGet)
	mux.HandleFunc("POST /api/v1/sessions/{id}/turns", h.HandleAddTurn)
	mux.HandleFunc("POST /api/v1/sessions/{id}/end", h.HandleEnd)
}
