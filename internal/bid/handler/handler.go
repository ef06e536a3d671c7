package handler

import (
	"errors"

	"github.com/bitfantasy/bidportal/internal/bid/repository"
	"github.com/bitfantasy/bidportal/internal/bid/service"
	"github.com/bitfantasy/bidportal/internal/bid/sse"
	"github.com/bitfantasy/bidportal/internal/middleware"
	"github.com/gin-gonic/gin"
)

// WritePermission 询价单写操作权限
const WritePermission = "bid:write"

// Handlers 询价处理器集合
type Handlers struct {
	BidRequest *BidRequestHandler
	Portal     *PortalHandler
	SSE        *SSEHandler
}

// NewHandlers 创建询价处理器集合
func NewHandlers(bidSvc *service.BidRequestService, portalSvc *service.PortalService, hub *sse.Hub) *Handlers {
	return &Handlers{
		BidRequest: NewBidRequestHandler(bidSvc),
		Portal:     NewPortalHandler(portalSvc),
		SSE:        NewSSEHandler(hub),
	}
}

// RegisterRoutes 注册内部接口（需JWT）与供应商门户接口（无JWT）
func (h *Handlers) RegisterRoutes(api *gin.RouterGroup, portal *gin.RouterGroup) {
	write := middleware.RequirePermission(WritePermission)
	// 重新生成凭证仅限管理员
	admin := middleware.RequireRole(middleware.AdminRole)

	bids := api.Group("/projects/:projectId/bid-requests")
	{
		bids.GET("", h.BidRequest.List)
		bids.GET("/filters", h.BidRequest.Filters)
		bids.POST("", write, h.BidRequest.Create)
		bids.GET("/:id", h.BidRequest.Get)
		bids.PUT("/:id", write, h.BidRequest.Update)
		bids.DELETE("/:id", write, h.BidRequest.Delete)
		bids.POST("/:id/send", write, h.BidRequest.Send)
		bids.GET("/:id/export", h.BidRequest.Export)
		bids.GET("/:id/activity", h.BidRequest.Activity)
		bids.GET("/:id/attachments", h.BidRequest.Attachments)
		bids.GET("/:id/attachments/:attachmentId", h.BidRequest.AttachmentURL)
		bids.POST("/:id/recipients", write, h.BidRequest.AddRecipient)
		bids.DELETE("/:id/recipients/:recipientId", write, h.BidRequest.RemoveRecipient)
		bids.POST("/:id/recipients/:recipientId/reissue", write, admin, h.BidRequest.Reissue)
		bids.POST("/:id/recipients/:recipientId/resend", write, h.BidRequest.Resend)
	}
	api.GET("/sse/events", h.SSE.Stream)

	portal.GET("/:token", h.Portal.Info)
	portal.POST("/:token/verify", h.Portal.Verify)
	portal.POST("/:token/submit", h.Portal.Submit)
	portal.POST("/:token/decline", h.Portal.Decline)
	portal.POST("/:token/attachments", h.Portal.UploadAttachment)
}

// === 响应辅助函数（与nimo保持一致） ===

type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func Success(c *gin.Context, data interface{}) {
	c.JSON(200, Response{
		Code:    0,
		Message: "success",
		Data:    data,
	})
}

func Created(c *gin.Context, data interface{}) {
	c.JSON(201, Response{
		Code:    0,
		Message: "success",
		Data:    data,
	})
}

func Error(c *gin.Context, code int, message string) {
	statusCode := code / 100
	if statusCode < 100 || statusCode > 599 {
		statusCode = 500
	}
	c.JSON(statusCode, Response{
		Code:    code,
		Message: message,
	})
}

func BadRequest(c *gin.Context, message string) {
	Error(c, 40000, message)
}

func NotFound(c *gin.Context, message string) {
	Error(c, 40400, message)
}

func Conflict(c *gin.Context, message string) {
	Error(c, 40900, message)
}

func InternalError(c *gin.Context, message string) {
	Error(c, 50000, message)
}

func GetUserID(c *gin.Context) string {
	userID, _ := c.Get("user_id")
	if id, ok := userID.(string); ok {
		return id
	}
	return ""
}

func GetCompanyID(c *gin.Context) string {
	return c.GetString("company_id")
}

// scope 当前公司与路径中的项目
func scope(c *gin.Context) repository.Scope {
	return repository.Scope{CompanyID: GetCompanyID(c), ProjectID: c.Param("projectId")}
}

// errorCode 业务错误到响应码的映射
func errorCode(err error) (int, string) {
	var appErr *service.AppError
	if !errors.As(err, &appErr) {
		return 50000, "internal server error"
	}
	switch appErr.Kind {
	case service.KindNotFound:
		return 40400, appErr.Error()
	case service.KindValidation:
		return 40000, appErr.Error()
	case service.KindConflict:
		return 40900, appErr.Error()
	case service.KindRateLimited:
		return 42900, appErr.Error()
	case service.KindPortalAccess:
		return 40100, appErr.Error()
	}
	return 50000, "internal server error"
}

// respondError 内部接口错误响应
func respondError(c *gin.Context, err error) {
	code, msg := errorCode(err)
	if code == 50000 {
		c.Error(err)
	}
	Error(c, code, msg)
}

// respondPortalError 门户错误响应：令牌、PIN相关失败一律为同一条信息
func respondPortalError(c *gin.Context, err error) {
	code, msg := errorCode(err)
	switch code {
	case 40400, 40100:
		code, msg = 40100, service.ErrPortalAccess.Message
	case 42900:
		msg = service.ErrRateLimited.Message
	case 50000:
		c.Error(err)
	}
	Error(c, code, msg)
}

// bindJSON 解析请求体，失败时返回400
func bindJSON(c *gin.Context, v interface{}) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		BadRequest(c, "invalid request body: "+err.Error())
		return false
	}
	return true
}

