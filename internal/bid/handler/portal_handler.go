package handler

import (
	"net/http"

	"github.com/bitfantasy/bidportal/internal/bid/service"
	"github.com/gin-gonic/gin"
)

// multipart 表单除文件外的余量
const multipartOverhead = 1 << 20

// PortalHandler 供应商门户处理器（无JWT，凭令牌+PIN访问）
type PortalHandler struct {
	svc *service.PortalService
}

func NewPortalHandler(svc *service.PortalService) *PortalHandler {
	return &PortalHandler{svc: svc}
}

type pinReq struct {
	PIN string `json:"pin"`
}

// Info GET /bid-portal/:token
func (h *PortalHandler) Info(c *gin.Context) {
	info, err := h.svc.Info(c.Request.Context(), c.Param("token"))
	if err != nil {
		respondPortalError(c, err)
		return
	}
	Success(c, info)
}

// Verify POST /bid-portal/:token/verify
func (h *PortalHandler) Verify(c *gin.Context) {
	var req pinReq
	if !bindJSON(c, &req) {
		return
	}
	pkg, err := h.svc.Verify(c.Request.Context(), c.Param("token"), req.PIN, c.ClientIP())
	if err != nil {
		respondPortalError(c, err)
		return
	}
	Success(c, pkg)
}

// Submit POST /bid-portal/:token/submit
func (h *PortalHandler) Submit(c *gin.Context) {
	var req service.SubmitReq
	if !bindJSON(c, &req) {
		return
	}
	resp, err := h.svc.Submit(c.Request.Context(), c.Param("token"), c.ClientIP(), &req)
	if err != nil {
		respondPortalError(c, err)
		return
	}
	Success(c, resp)
}

// Decline POST /bid-portal/:token/decline
func (h *PortalHandler) Decline(c *gin.Context) {
	var req service.DeclineReq
	if !bindJSON(c, &req) {
		return
	}
	info, err := h.svc.Decline(c.Request.Context(), c.Param("token"), c.ClientIP(), &req)
	if err != nil {
		respondPortalError(c, err)
		return
	}
	Success(c, info)
}

// UploadAttachment POST /bid-portal/:token/attachments (multipart: pin, file)
func (h *PortalHandler) UploadAttachment(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.svc.MaxUploadBytes()+multipartOverhead)

	fileHeader, err := c.FormFile("file")
	if err != nil {
		BadRequest(c, "file is required")
		return
	}
	file, err := fileHeader.Open()
	if err != nil {
		BadRequest(c, "cannot read file")
		return
	}
	defer file.Close()

	att, err := h.svc.UploadAttachment(c.Request.Context(), c.Param("token"), c.PostForm("pin"), c.ClientIP(),
		fileHeader.Filename, fileHeader.Header.Get("Content-Type"), fileHeader.Size, file)
	if err != nil {
		respondPortalError(c, err)
		return
	}
	Created(c, att)
}
