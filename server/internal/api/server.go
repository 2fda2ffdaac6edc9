package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"edu-vision/server/internal/config"
	"edu-vision/server/internal/content"
	"edu-vision/server/internal/credential"
	"edu-vision/server/internal/domain"
	"edu-vision/server/internal/gamification"
	"edu-vision/server/internal/gateway"
	"edu-vision/server/internal/llm"
	"edu-vision/server/internal/logger"
	"edu-vision/server/internal/model"
	"edu-vision/server/internal/orchestrator"
	"edu-vision/server/internal/session"
)

type Server struct {
	config       *config.Config
	orchestrator *orchestrator.Orchestrator
	keys         *credential.KeyRing
	hub          *gateway.Hub
	log          *logger.Logger

	// WebSocket upgrader
	upgrader websocket.Upgrader
}

// NewServer keys 与 hub 可为空：没有 key ring 时凭据接口返回 404，没有 hub 时 stream 不可用。
func NewServer(cfg *config.Config, orch *orchestrator.Orchestrator, keys *credential.KeyRing, hub *gateway.Hub, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Nop()
	}
	s := &Server{
		config:       cfg,
		orchestrator: orch,
		keys:         keys,
		hub:          hub,
		log:          log,
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}
	return s
}

func (s *Server) Routes() http.Handler {
	// Gin 统一承载中间件与路由，便于扩展日志/鉴权/限流等能力。
	engine := gin.New()
	engine.Use(gin.Recovery(), s.requestLogger(), s.corsMiddleware())

	engine.GET("/healthz", s.handleHealthz)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := engine.Group("/api")
	api.GET("/catalog", s.handleCatalog)
	api.GET("/credentials", s.handleCredentials)
	api.POST("/credentials", s.handleSetCredentials)
	api.POST("/credentials/select", s.handleSelectCredentials)

	sessions := api.Group("/sessions")
	sessions.POST("", s.handleCreateSession)
	sessions.GET("/:id", s.handleGetSession)
	sessions.DELETE("/:id", s.handleDeleteSession)
	sessions.PUT("/:id/settings", s.handleUpdateSettings)
	sessions.POST("/:id/messages", s.handleSubmit)
	sessions.GET("/:id/messages/:mid/blocks", s.handleBlocks)
	sessions.POST("/:id/messages/:mid/speech", s.handleSpeech)
	sessions.POST("/:id/reset", s.handleReset)
	sessions.GET("/:id/events", s.handleEvents)
	sessions.GET("/:id/stream", s.handleSessionStream)
	return engine
}

// corsMiddleware 允许配置里的前端来源；未配置时全部放行。
func (s *Server) corsMiddleware() gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Content-Type", "X-Requested-With"},
		MaxAge:       12 * time.Hour,
	}
	if origins := s.config.Server.AllowedOrigins; len(origins) > 0 {
		cfg.AllowOrigins = origins
	} else {
		cfg.AllowAllOrigins = true
	}
	return cors.New(cfg)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origins := s.config.Server.AllowedOrigins
	origin := r.Header.Get("Origin")
	if len(origins) == 0 || origin == "" {
		return true
	}
	for _, o := range origins {
		if o == origin {
			return true
		}
	}
	return false
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.FullPath() == "/healthz" || c.FullPath() == "/metrics" {
			return
		}
		s.log.Debug("[API] request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"elapsed", time.Since(start),
		)
	}
}

// handleHealthz 返回服务健康状态。
func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleCatalog 返回年级、角色、语言菜单。
func (s *Server) handleCatalog(c *gin.Context) {
	c.JSON(http.StatusOK, s.orchestrator.Catalog())
}

type credentialsResponse struct {
	HasKey     bool   `json:"has_key"`
	Key        string `json:"key,omitempty"` // 打码后的 key
	Selections int    `json:"selections"`
}

func (s *Server) credentialsStatus(c *gin.Context) credentialsResponse {
	key := s.keys.APIKey()
	return credentialsResponse{
		HasKey:     s.keys.HasSelectedKey(c.Request.Context()),
		Key:        credential.Mask(key),
		Selections: s.keys.Selections(),
	}
}

func (s *Server) handleCredentials(c *gin.Context) {
	if s.keys == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "credentials not managed"})
		return
	}
	c.JSON(http.StatusOK, s.credentialsStatus(c))
}

type setCredentialsRequest struct {
	APIKey string `json:"api_key"`
}

// handleSetCredentials 直接设置一把新 key。
func (s *Server) handleSetCredentials(c *gin.Context) {
	if s.keys == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "credentials not managed"})
		return
	}
	var req setCredentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if err := s.keys.Set(req.APIKey); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.log.Info("[API] api key updated", "key", credential.Mask(req.APIKey))
	c.JSON(http.StatusOK, s.credentialsStatus(c))
}

// handleSelectCredentials 从 key 文件或环境变量重新读取 key。
func (s *Server) handleSelectCredentials(c *gin.Context) {
	if s.keys == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "credentials not managed"})
		return
	}
	if err := s.keys.SelectKey(c.Request.Context()); err != nil {
		if errors.Is(err, credential.ErrNoKey) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		s.log.Error("[API] select key failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "select key failed"})
		return
	}
	c.JSON(http.StatusOK, s.credentialsStatus(c))
}

type sessionResponse struct {
	*model.SessionState
	Stats gamification.Stats `json:"stats"`
}

func newSessionResponse(state *model.SessionState) sessionResponse {
	return sessionResponse{SessionState: state, Stats: orchestrator.Stats(state)}
}

// handleCreateSession 创建会话；请求体可省略，设置缺省项用默认值补齐。
func (s *Server) handleCreateSession(c *gin.Context) {
	var settings model.UserSettings
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&settings); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
			return
		}
	}
	state, err := s.orchestrator.CreateSession(c.Request.Context(), settings)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, newSessionResponse(state))
}

func (s *Server) handleGetSession(c *gin.Context) {
	state, err := s.orchestrator.Session(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newSessionResponse(state))
}

func (s *Server) handleDeleteSession(c *gin.Context) {
	if err := s.orchestrator.DeleteSession(c.Request.Context(), c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleUpdateSettings(c *gin.Context) {
	var settings model.UserSettings
	if err := c.ShouldBindJSON(&settings); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	state, err := s.orchestrator.UpdateSettings(c.Request.Context(), c.Param("id"), settings)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newSessionResponse(state))
}

type submitRequest struct {
	Text        string   `json:"text"`
	Images      []string `json:"images"` // data url 或裸 base64
	Mode        string   `json:"mode"`
	ImageSize   string   `json:"image_size"`
	AspectRatio string   `json:"aspect_ratio"`
}

func (r submitRequest) turn() (orchestrator.Turn, error) {
	mode, err := model.ParseMode(r.Mode)
	if err != nil {
		return orchestrator.Turn{}, err
	}
	size, err := model.ParseImageSize(r.ImageSize)
	if err != nil {
		return orchestrator.Turn{}, err
	}
	aspect, err := model.ParseAspectRatio(r.AspectRatio)
	if err != nil {
		return orchestrator.Turn{}, err
	}
	turn := orchestrator.Turn{Text: r.Text, Mode: mode, ImageSize: size, AspectRatio: aspect}
	for _, raw := range r.Images {
		img, err := model.ParseDataURL(raw)
		if err != nil {
			return orchestrator.Turn{}, err
		}
		turn.Images = append(turn.Images, img)
	}
	return turn, nil
}

// handleSubmit 提交一轮。后端失败不是 HTTP 错误：返回 200，reply.is_error 为 true。
func (s *Server) handleSubmit(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	turn, err := req.turn()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	result, err := s.orchestrator.Submit(c.Request.Context(), c.Param("id"), turn)
	if err != nil {
		s.writeError(c, err)
		return
	}
	result.Blocks = content.Compact(result.Blocks)
	c.JSON(http.StatusOK, result)
}

// handleBlocks ?compact=1 去掉纯空白文本块，?html=1 为文本块附带渲染好的 HTML。
func (s *Server) handleBlocks(c *gin.Context) {
	blocks, err := s.orchestrator.Blocks(c.Request.Context(), c.Param("id"), c.Param("mid"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	if queryFlag(c, "compact") {
		blocks = content.Compact(blocks)
	}
	if queryFlag(c, "html") {
		if blocks, err = content.RenderHTML(blocks); err != nil {
			s.writeError(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"blocks": blocks})
}

// handleSpeech 返回音频原始字节；合成失败只影响本次请求。
func (s *Server) handleSpeech(c *gin.Context) {
	audio, err := s.orchestrator.Speak(c.Request.Context(), c.Param("id"), c.Param("mid"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	mime := audio.MIMEType
	if mime == "" {
		mime = "application/octet-stream"
	}
	c.Data(http.StatusOK, mime, audio.Data)
}

func (s *Server) handleReset(c *gin.Context) {
	state, err := s.orchestrator.Reset(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newSessionResponse(state))
}

// handleEvents 返回 seq 大于 ?after 的时间线事件。
func (s *Server) handleEvents(c *gin.Context) {
	after, err := queryInt(c, "after")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid after"})
		return
	}
	events, err := s.orchestrator.Events(c.Request.Context(), c.Param("id"), after)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if events == nil {
		events = []model.Event{}
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// handleSessionStream 升级为 WebSocket，先补发 ?after 之后的事件再推送实时事件。
func (s *Server) handleSessionStream(c *gin.Context) {
	if s.hub == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "stream not available"})
		return
	}
	sessionID := c.Param("id")
	after, err := queryInt(c, "after")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid after"})
		return
	}
	if _, err := s.orchestrator.Session(c.Request.Context(), sessionID); err != nil {
		s.writeError(c, err)
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("[API] websocket upgrade failed", "session_id", sessionID, "error", err)
		return
	}

	gw := gateway.NewGateway(sessionID, conn, s.orchestrator, s.hub, gateway.Config{
		WriteTimeout: s.config.Server.WriteTimeout,
		Queue:        gateway.QueueConfig{Timeout: s.turnTimeout()},
	}, s.log)
	if err := gw.Serve(c.Request.Context(), after); err != nil && !errors.Is(err, gateway.ErrSlowConsumer) {
		s.log.Debug("[API] stream ended", "session_id", sessionID, "error", err)
	}
}

// turnTimeout 单轮上限：视频轮询总时长加一次请求超时。
func (s *Server) turnTimeout() time.Duration {
	video := s.config.Video.PollInterval * time.Duration(s.config.Video.MaxPolls)
	return video + 2*s.config.Gemini.Timeout
}

// writeError 哨兵错误到状态码的映射。
func (s *Server) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrNotFound), errors.Is(err, orchestrator.ErrMessageNotFound):
		status = http.StatusNotFound
	case errors.Is(err, orchestrator.ErrBusy):
		status = http.StatusConflict
	case errors.Is(err, orchestrator.ErrEmptyInput),
		errors.Is(err, orchestrator.ErrNothingToSpeak),
		errors.Is(err, domain.ErrInvalidSettings):
		status = http.StatusBadRequest
	case errors.As(err, new(*llm.APIError)), errors.Is(err, llm.ErrNoAudio):
		// 上游生成服务失败（目前只有语音合成会走到这里）
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		s.log.Error("[API] request failed", "path", c.FullPath(), "error", err)
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func queryFlag(c *gin.Context, name string) bool {
	v, err := strconv.ParseBool(c.Query(name))
	return err == nil && v
}

func queryInt(c *gin.Context, name string) (int64, error) {
	raw := c.Query(name)
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}
