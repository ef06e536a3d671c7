package handler

import (
	"github.com/bitfantasy/bidportal/internal/bid/service"
	"github.com/gin-gonic/gin"
)

// BidRequestHandler 询价单处理器
type BidRequestHandler struct {
	svc *service.BidRequestService
}

func NewBidRequestHandler(svc *service.BidRequestService) *BidRequestHandler {
	return &BidRequestHandler{svc: svc}
}

// List GET /projects/:projectId/bid-requests
func (h *BidRequestHandler) List(c *gin.Context) {
	items, err := h.svc.List(c.Request.Context(), scope(c))
	if err != nil {
		respondError(c, err)
		return
	}
	Success(c, gin.H{"items": items})
}

// Filters GET /projects/:projectId/bid-requests/filters
func (h *BidRequestHandler) Filters(c *gin.Context) {
	opts, err := h.svc.Filters(c.Request.Context(), scope(c))
	if err != nil {
		respondError(c, err)
		return
	}
	Success(c, opts)
}

// Create POST /projects/:projectId/bid-requests
func (h *BidRequestHandler) Create(c *gin.Context) {
	var req service.CreateBidRequestReq
	if !bindJSON(c, &req) {
		return
	}
	bid, err := h.svc.Create(c.Request.Context(), scope(c), GetUserID(c), &req)
	if err != nil {
		respondError(c, err)
		return
	}
	Created(c, bid)
}

// Get GET /projects/:projectId/bid-requests/:id
func (h *BidRequestHandler) Get(c *gin.Context) {
	bid, err := h.svc.Get(c.Request.Context(), scope(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	Success(c, bid)
}

// Update PUT /projects/:projectId/bid-requests/:id
func (h *BidRequestHandler) Update(c *gin.Context) {
	var req service.UpdateBidRequestReq
	if !bindJSON(c, &req) {
		return
	}
	bid, err := h.svc.Update(c.Request.Context(), scope(c), GetUserID(c), c.Param("id"), &req)
	if err != nil {
		respondError(c, err)
		return
	}
	Success(c, bid)
}

// Delete DELETE /projects/:projectId/bid-requests/:id
func (h *BidRequestHandler) Delete(c *gin.Context) {
	if err := h.svc.Delete(c.Request.Context(), scope(c), GetUserID(c), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	Success(c, nil)
}

// Send POST /projects/:projectId/bid-requests/:id/send
func (h *BidRequestHandler) Send(c *gin.Context) {
	result, err := h.svc.Send(c.Request.Context(), scope(c), GetUserID(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	Success(c, result)
}

// Export GET /projects/:projectId/bid-requests/:id/export
func (h *BidRequestHandler) Export(c *gin.Context) {
	f, filename, err := h.svc.Export(c.Request.Context(), scope(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	defer f.Close()

	c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	c.Header("Content-Disposition", "attachment; filename=\""+filename+"\"")
	c.Header("Content-Transfer-Encoding", "binary")

	if err := f.Write(c.Writer); err != nil {
		c.Error(err)
	}
}

// Activity GET /projects/:projectId/bid-requests/:id/activity
func (h *BidRequestHandler) Activity(c *gin.Context) {
	logs, err := h.svc.Activity(c.Request.Context(), scope(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	Success(c, gin.H{"items": logs})
}

// Attachments GET /projects/:projectId/bid-requests/:id/attachments
func (h *BidRequestHandler) Attachments(c *gin.Context) {
	items, err := h.svc.Attachments(c.Request.Context(), scope(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	Success(c, gin.H{"items": items})
}

// AttachmentURL GET /projects/:projectId/bid-requests/:id/attachments/:attachmentId
func (h *BidRequestHandler) AttachmentURL(c *gin.Context) {
	url, err := h.svc.AttachmentURL(c.Request.Context(), scope(c), c.Param("id"), c.Param("attachmentId"))
	if err != nil {
		respondError(c, err)
		return
	}
	Success(c, gin.H{"url": url})
}

// AddRecipient POST /projects/:projectId/bid-requests/:id/recipients
func (h *BidRequestHandler) AddRecipient(c *gin.Context) {
	var req service.AddRecipientReq
	if !bindJSON(c, &req) {
		return
	}
	rcp, err := h.svc.AddRecipient(c.Request.Context(), scope(c), GetUserID(c), c.Param("id"), &req)
	if err != nil {
		respondError(c, err)
		return
	}
	Created(c, rcp)
}

// RemoveRecipient DELETE /projects/:projectId/bid-requests/:id/recipients/:recipientId
func (h *BidRequestHandler) RemoveRecipient(c *gin.Context) {
	err := h.svc.RemoveRecipient(c.Request.Context(), scope(c), GetUserID(c), c.Param("id"), c.Param("recipientId"))
	if err != nil {
		respondError(c, err)
		return
	}
	Success(c, nil)
}

// Reissue POST /projects/:projectId/bid-requests/:id/recipients/:recipientId/reissue
func (h *BidRequestHandler) Reissue(c *gin.Context) {
	out, err := h.svc.Reissue(c.Request.Context(), scope(c), GetUserID(c), c.Param("id"), c.Param("recipientId"))
	if err != nil {
		respondError(c, err)
		return
	}
	Success(c, out)
}

// Resend POST /projects/:projectId/bid-requests/:id/recipients/:recipientId/resend
func (h *BidRequestHandler) Resend(c *gin.Context) {
	out, err := h.svc.Resend(c.Request.Context(), scope(c), GetUserID(c), c.Param("id"), c.Param("recipientId"))
	if err != nil {
		respondError(c, err)
		return
	}
	Success(c, out)
}
