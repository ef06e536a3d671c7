package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bitfantasy/bidportal/internal/bid/credential"
	"github.com/bitfantasy/bidportal/internal/bid/entity"
	"github.com/bitfantasy/bidportal/internal/bid/extract"
	"github.com/bitfantasy/bidportal/internal/bid/ratelimit"
	"github.com/bitfantasy/bidportal/internal/bid/repository"
	"github.com/bitfantasy/bidportal/internal/bid/sse"
	"github.com/bitfantasy/bidportal/internal/bid/vault"
	"github.com/bitfantasy/bidportal/internal/shared/notify"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// 附件下载链接有效期
const attachmentURLExpiry = 15 * time.Minute

// BidRequestService 询价单生命周期管理
type BidRequestService struct {
	repos      *repository.Repositories
	issuer     *credential.Issuer
	limiter    *ratelimit.PINLimiter
	vault      *vault.Vault
	dispatcher notify.Dispatcher
	logger     *zap.Logger

	portalBaseURL string
	idemSecret    []byte
	linkTTL       time.Duration

	files   FileStore
	alerter Alerter
	hub     *sse.Hub
	now     func() time.Time
}

// BidRequestServiceConfig 询价服务配置
type BidRequestServiceConfig struct {
	PortalBaseURL string
	// IdempotencySecret 用于派生投递幂等键
	IdempotencySecret []byte
	LinkTTL           time.Duration
}

func NewBidRequestService(
	repos *repository.Repositories,
	issuer *credential.Issuer,
	limiter *ratelimit.PINLimiter,
	pinVault *vault.Vault,
	dispatcher notify.Dispatcher,
	cfg BidRequestServiceConfig,
	logger *zap.Logger,
) *BidRequestService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BidRequestService{
		repos:         repos,
		issuer:        issuer,
		limiter:       limiter,
		vault:         pinVault,
		dispatcher:    dispatcher,
		logger:        logger,
		portalBaseURL: strings.TrimRight(cfg.PortalBaseURL, "/"),
		idemSecret:    cfg.IdempotencySecret,
		linkTTL:       cfg.LinkTTL,
		files:         NewMemoryFileStore(),
		alerter:       nopAlerter{},
		now:           time.Now,
	}
}

// SetFileStore 注入附件存储
func (s *BidRequestService) SetFileStore(fs FileStore) {
	s.files = fs
}

// SetAlerter 注入告警
func (s *BidRequestService) SetAlerter(a Alerter) {
	s.alerter = a
}

// SetHub 注入SSE推送
func (s *BidRequestService) SetHub(h *sse.Hub) {
	s.hub = h
}

// SetClock 测试时固定时间
func (s *BidRequestService) SetClock(now func() time.Time) {
	s.now = now
}

// PortalURL 供应商门户链接
func (s *BidRequestService) PortalURL(token string) string {
	return s.portalBaseURL + "/" + token
}

// === 查询 ===

// List 项目下询价单列表
func (s *BidRequestService) List(ctx context.Context, scope repository.Scope) ([]entity.BidRequest, error) {
	if _, err := s.findProject(ctx, scope); err != nil {
		return nil, err
	}
	return s.repos.BidRequest.List(ctx, scope)
}

// Filters 最新估算版本的可选筛选项，无估算时返回空列表
func (s *BidRequestService) Filters(ctx context.Context, scope repository.Scope) (*extract.Options, error) {
	if _, err := s.findProject(ctx, scope); err != nil {
		return nil, err
	}
	version, err := s.repos.Directory.LatestEstimateVersion(ctx, scope.ProjectID)
	if errors.Is(err, repository.ErrNotFound) {
		opts := extract.FilterOptions(nil)
		return &opts, nil
	}
	if err != nil {
		return nil, err
	}
	lines, err := s.repos.Directory.EstimateLines(ctx, version.ID)
	if err != nil {
		return nil, err
	}
	opts := extract.FilterOptions(lines)
	return &opts, nil
}

// Get 询价单详情
func (s *BidRequestService) Get(ctx context.Context, scope repository.Scope, id string) (*entity.BidRequest, error) {
	req, err := s.repos.BidRequest.FindByID(ctx, scope, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, NotFoundf("bid request not found")
	}
	return req, err
}

// Activity 询价单操作日志
func (s *BidRequestService) Activity(ctx context.Context, scope repository.Scope, id string) ([]entity.ActivityLog, error) {
	if _, err := s.findHeader(ctx, scope, id); err != nil {
		return nil, err
	}
	return s.repos.ActivityLog.FindByEntity(ctx, scope.CompanyID, entity.EntityTypeBidRequest, id)
}

// === 创建 ===

// CreateBidRequestReq 创建询价单请求
type CreateBidRequestReq struct {
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Notes       string     `json:"notes"`
	DueDate     *time.Time `json:"due_date"`
	Filter      struct {
		Categories []string `json:"categories"`
		CostTypes  []string `json:"cost_types"`
	} `json:"filter"`
	SupplierIDs []string `json:"supplier_ids"`
}

// Create 基于最新估算版本创建询价单，行项、接收方一次性落库
func (s *BidRequestService) Create(ctx context.Context, scope repository.Scope, userID string, req *CreateBidRequestReq) (*entity.BidRequest, error) {
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return nil, FieldError("title", "title is required")
	}
	filter, err := extract.NewFilter(req.Filter.Categories, req.Filter.CostTypes)
	if err != nil {
		return nil, FieldError("filter", "%v", err)
	}
	supplierIDs := dedupe(req.SupplierIDs)
	if len(supplierIDs) == 0 {
		return nil, FieldError("supplier_ids", "at least one supplier is required")
	}

	if _, err := s.findProject(ctx, scope); err != nil {
		return nil, err
	}

	version, err := s.repos.Directory.LatestEstimateVersion(ctx, scope.ProjectID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNoEstimate
	}
	if err != nil {
		return nil, err
	}
	lines, err := s.repos.Directory.EstimateLines(ctx, version.ID)
	if err != nil {
		return nil, err
	}
	items := extract.Items(lines, filter)
	if len(items) == 0 {
		return nil, ErrNoItems
	}

	suppliers, err := s.repos.Directory.FindActiveSuppliers(ctx, scope.CompanyID, supplierIDs)
	if err != nil {
		return nil, err
	}
	if len(suppliers) == 0 {
		return nil, FieldError("supplier_ids", "no active suppliers found")
	}
	if len(suppliers) < len(supplierIDs) {
		s.logger.Info("Skipped unknown or inactive suppliers",
			zap.Int("requested", len(supplierIDs)),
			zap.Int("active", len(suppliers)),
		)
	}

	bid := &entity.BidRequest{
		ID:                uuid.New().String()[:32],
		CompanyID:         scope.CompanyID,
		ProjectID:         scope.ProjectID,
		EstimateVersionID: version.ID,
		RequestedBy:       userID,
		Title:             title,
		Description:       req.Description,
		Notes:             req.Notes,
		DueDate:           req.DueDate,
		Status:            entity.BidRequestStatusDraft,
		FilterConfig:      filter.Config(),
	}
	for i := range items {
		items[i].ID = uuid.New().String()[:32]
		items[i].BidRequestID = bid.ID
	}

	pins := make(map[string]string, len(suppliers))
	recipients := make([]entity.BidRecipient, 0, len(suppliers))
	for _, sup := range suppliers {
		creds, err := s.issuer.Issue()
		if err != nil {
			return nil, fmt.Errorf("issue credentials: %w", err)
		}
		rcp := entity.BidRecipient{
			ID:              uuid.New().String()[:32],
			BidRequestID:    bid.ID,
			SupplierID:      sup.ID,
			AccessToken:     creds.Token,
			AccessPinDigest: creds.PINDigest,
			Status:          entity.RecipientStatusPending,
		}
		pins[rcp.ID] = creds.PIN
		recipients = append(recipients, rcp)
	}

	if err := s.repos.BidRequest.CreateWithChildren(ctx, bid, items, recipients); err != nil {
		return nil, err
	}

	// 提交成功后才写入PIN暂存
	for id, pin := range pins {
		s.stashPIN(ctx, id, pin)
	}

	s.repos.ActivityLog.LogActivity(ctx, scope.CompanyID, entity.EntityTypeBidRequest, bid.ID,
		"create", "", entity.BidRequestStatusDraft,
		fmt.Sprintf("创建询价单「%s」，%d个行项，%d家供应商", title, len(items), len(recipients)),
		userID, entity.OperatorTypeUser)

	s.logger.Info("Bid request created",
		zap.String("bid_request_id", bid.ID),
		zap.String("project_id", scope.ProjectID),
		zap.Int("items", len(items)),
		zap.Int("recipients", len(recipients)),
	)

	return s.Get(ctx, scope, bid.ID)
}

// === 更新 / 删除 ===

// UpdateBidRequestReq 部分更新，未提供的字段保持不变
type UpdateBidRequestReq struct {
	Title       *string    `json:"title"`
	Description *string    `json:"description"`
	Notes       *string    `json:"notes"`
	DueDate     *time.Time `json:"due_date"`
	// ClearDueDate 清除截止日期
	ClearDueDate bool `json:"clear_due_date"`
}

// Update 更新询价单基本信息
func (s *BidRequestService) Update(ctx context.Context, scope repository.Scope, userID, id string, req *UpdateBidRequestReq) (*entity.BidRequest, error) {
	current, err := s.Get(ctx, scope, id)
	if err != nil {
		return nil, err
	}
	if closed(current) {
		return nil, Conflictf("all recipients have answered, bid request is closed")
	}

	fields := map[string]interface{}{}
	if req.Title != nil {
		title := strings.TrimSpace(*req.Title)
		if title == "" {
			return nil, FieldError("title", "title cannot be empty")
		}
		fields["title"] = title
	}
	if req.Description != nil {
		fields["description"] = *req.Description
	}
	if req.Notes != nil {
		fields["notes"] = *req.Notes
	}
	switch {
	case req.ClearDueDate && req.DueDate != nil:
		return nil, FieldError("due_date", "cannot set and clear due_date together")
	case req.ClearDueDate:
		fields["due_date"] = nil
	case req.DueDate != nil:
		fields["due_date"] = *req.DueDate
	}
	if len(fields) == 0 {
		return current, nil
	}
	fields["updated_at"] = s.now()

	if err := s.repos.BidRequest.Update(ctx, scope, id, fields); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, NotFoundf("bid request not found")
		}
		return nil, err
	}

	s.repos.ActivityLog.LogActivity(ctx, scope.CompanyID, entity.EntityTypeBidRequest, id,
		"update", current.Status, current.Status, "更新询价单信息", userID, entity.OperatorTypeUser)

	return s.Get(ctx, scope, id)
}

// closed 已发送且全部接收方已答复
func closed(req *entity.BidRequest) bool {
	if req.Status != entity.BidRequestStatusSent || len(req.Recipients) == 0 {
		return false
	}
	for i := range req.Recipients {
		if !req.Recipients[i].IsTerminal() {
			return false
		}
	}
	return true
}

// Delete 删除草稿询价单
func (s *BidRequestService) Delete(ctx context.Context, scope repository.Scope, userID, id string) error {
	req, err := s.Get(ctx, scope, id)
	if err != nil {
		return err
	}

	err = s.repos.BidRequest.Delete(ctx, scope, id)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return NotFoundf("bid request not found")
	case errors.Is(err, repository.ErrNotDraft):
		return Validationf("only draft bid requests can be deleted")
	case err != nil:
		return err
	}

	for i := range req.Recipients {
		s.dropPIN(ctx, req.Recipients[i].ID)
	}

	s.repos.ActivityLog.LogActivity(ctx, scope.CompanyID, entity.EntityTypeBidRequest, id,
		"delete", req.Status, "", fmt.Sprintf("删除询价单「%s」", req.Title), userID, entity.OperatorTypeUser)
	return nil
}

// === 发送 ===

// SentRecipient 发送结果中的接收方信息（不含PIN）
type SentRecipient struct {
	RecipientID  string `json:"recipient_id"`
	SupplierID   string `json:"supplier_id"`
	SupplierName string `json:"supplier_name"`
	ContactEmail string `json:"contact_email"`
	AccessToken  string `json:"access_token"`
	PortalURL    string `json:"portal_url"`
	NotifyStatus string `json:"notify_status"`
	NotifyError  string `json:"notify_error,omitempty"`
}

// SendResult 发送结果
type SendResult struct {
	SentCount  int             `json:"sent_count"`
	Recipients []SentRecipient `json:"recipients"`
}

// Send 发送询价单：仅处理 PENDING 接收方，可安全重试
// 投递失败记录在接收方上，不影响发送结果
func (s *BidRequestService) Send(ctx context.Context, scope repository.Scope, userID, id string) (*SendResult, error) {
	now := s.now()
	var expiresAt *time.Time
	if s.linkTTL > 0 {
		t := now.Add(s.linkTTL)
		expiresAt = &t
	}

	req, sent, err := s.repos.BidRequest.Send(ctx, scope, id, now, expiresAt)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, NotFoundf("bid request not found")
	}
	if err != nil {
		return nil, err
	}

	result := &SendResult{SentCount: len(sent), Recipients: []SentRecipient{}}
	if len(sent) == 0 {
		return result, nil
	}

	company, project := s.directoryNames(ctx, scope)
	for i := range sent {
		rcp := &sent[i]
		status, errMsg := s.deliver(ctx, req, rcp, company, project, "")
		result.Recipients = append(result.Recipients, sentRecipient(rcp, s.PortalURL(rcp.AccessToken), status, errMsg))
	}

	s.repos.ActivityLog.LogActivity(ctx, scope.CompanyID, entity.EntityTypeBidRequest, id,
		"send", entity.BidRequestStatusDraft, entity.BidRequestStatusSent,
		fmt.Sprintf("发送询价单给%d家供应商", len(sent)), userID, entity.OperatorTypeUser)

	if s.hub != nil {
		s.hub.PublishBidEvent(scope.CompanyID, sse.EventBidSent, sse.BidEvent{
			ProjectID:    scope.ProjectID,
			BidRequestID: id,
			Status:       req.Status,
		})
	}

	s.logger.Info("Bid request sent",
		zap.String("bid_request_id", id),
		zap.Int("sent", len(sent)),
	)
	return result, nil
}

func sentRecipient(rcp *entity.BidRecipient, portalURL, status, errMsg string) SentRecipient {
	out := SentRecipient{
		RecipientID:  rcp.ID,
		SupplierID:   rcp.SupplierID,
		AccessToken:  rcp.AccessToken,
		PortalURL:    portalURL,
		NotifyStatus: status,
		NotifyError:  errMsg,
	}
	if rcp.Supplier != nil {
		out.SupplierName = rcp.Supplier.Name
		out.ContactEmail = rcp.Supplier.ContactEmail()
	}
	return out
}

// deliver 投递邀请并记录结果；pin 为空时从暂存读取，暂存缺失则重新生成PIN
func (s *BidRequestService) deliver(ctx context.Context, req *entity.BidRequest, rcp *entity.BidRecipient, companyName, projectName, pin string) (string, string) {
	log := s.logger.With(
		zap.String("bid_request_id", req.ID),
		zap.String("recipient_id", rcp.ID),
		zap.String("token_prefix", credential.TokenPrefix(rcp.AccessToken)),
	)

	if pin == "" {
		stored, err := s.vault.Get(ctx, rcp.ID)
		switch {
		case err == nil:
			pin = stored
		case errors.Is(err, vault.ErrMissing):
			log.Info("PIN not in vault, rotating before delivery")
		default:
			log.Warn("Failed to read PIN vault, rotating before delivery", zap.Error(err))
		}
	}
	if pin == "" {
		rotated, err := s.rotatePIN(ctx, rcp)
		if err != nil {
			log.Error("Failed to rotate PIN", zap.Error(err))
			return s.recordDelivery(ctx, req, rcp, err)
		}
		pin = rotated
	}

	msg := notify.Message{
		IdempotencyKey: notify.IdempotencyKey(s.idemSecret, rcp.AccessToken, pin),
		CompanyName:    companyName,
		ProjectName:    projectName,
		Title:          req.Title,
		DueDate:        req.DueDate,
		PortalURL:      s.PortalURL(rcp.AccessToken),
		PIN:            pin,
	}
	if rcp.Supplier != nil {
		msg.SupplierName = rcp.Supplier.Name
		msg.RecipientEmail = rcp.Supplier.ContactEmail()
	}

	err := s.dispatcher.Send(ctx, msg)
	if err != nil {
		log.Warn("Bid invitation delivery failed", zap.Error(err))
	} else {
		// 投递成功后明文PIN不再保留，之后的重发必须重新生成
		s.dropPIN(ctx, rcp.ID)
	}
	return s.recordDelivery(ctx, req, rcp, err)
}

func (s *BidRequestService) recordDelivery(ctx context.Context, req *entity.BidRequest, rcp *entity.BidRecipient, deliveryErr error) (string, string) {
	status, errMsg := entity.NotifyStatusDelivered, ""
	if deliveryErr != nil {
		status, errMsg = entity.NotifyStatusFailed, deliveryErr.Error()
	}
	if err := s.repos.Recipient.SetNotifyResult(ctx, rcp.ID, status, errMsg, s.now()); err != nil {
		s.logger.Error("Failed to record delivery result", zap.String("recipient_id", rcp.ID), zap.Error(err))
	}
	if deliveryErr != nil {
		s.alerter.DeliveryFailed(ctx, s.alertInfo(req, rcp), errMsg)
	}
	return status, errMsg
}

// rotatePIN 生成新PIN（令牌不变），旧PIN立即失效
func (s *BidRequestService) rotatePIN(ctx context.Context, rcp *entity.BidRecipient) (string, error) {
	pin, err := s.issuer.NewPIN()
	if err != nil {
		return "", err
	}
	digest, err := s.issuer.Digest(pin)
	if err != nil {
		return "", err
	}
	if err := s.repos.Recipient.RotateCredentials(ctx, rcp.ID, rcp.AccessToken, digest, s.now()); err != nil {
		return "", err
	}
	rcp.AccessPinDigest = digest
	rcp.PinLockedUntil = nil
	if err := s.limiter.Reset(ctx, credential.TokenHash(rcp.AccessToken)); err != nil {
		s.logger.Warn("Failed to reset PIN limiter", zap.String("recipient_id", rcp.ID), zap.Error(err))
	}
	s.stashPIN(ctx, rcp.ID, pin)
	return pin, nil
}

// === 接收方 ===

// AddRecipientReq 新增接收方请求
type AddRecipientReq struct {
	SupplierID string `json:"supplier_id"`
}

// AddRecipient 为询价单追加供应商，新接收方为 PENDING，需再次发送
func (s *BidRequestService) AddRecipient(ctx context.Context, scope repository.Scope, userID, requestID string, req *AddRecipientReq) (*entity.BidRecipient, error) {
	supplierID := strings.TrimSpace(req.SupplierID)
	if supplierID == "" {
		return nil, FieldError("supplier_id", "supplier_id is required")
	}
	if _, err := s.findHeader(ctx, scope, requestID); err != nil {
		return nil, err
	}

	suppliers, err := s.repos.Directory.FindActiveSuppliers(ctx, scope.CompanyID, []string{supplierID})
	if err != nil {
		return nil, err
	}
	if len(suppliers) == 0 {
		return nil, NotFoundf("supplier not found or inactive")
	}

	creds, err := s.issuer.Issue()
	if err != nil {
		return nil, fmt.Errorf("issue credentials: %w", err)
	}
	rcp := &entity.BidRecipient{
		ID:              uuid.New().String()[:32],
		BidRequestID:    requestID,
		SupplierID:      supplierID,
		AccessToken:     creds.Token,
		AccessPinDigest: creds.PINDigest,
		Status:          entity.RecipientStatusPending,
	}

	err = s.repos.Recipient.Add(ctx, scope, rcp)
	switch {
	case errors.Is(err, repository.ErrDuplicate):
		return nil, Conflictf("supplier is already a recipient of this bid request")
	case errors.Is(err, repository.ErrNotFound):
		return nil, NotFoundf("bid request not found")
	case err != nil:
		return nil, err
	}
	s.stashPIN(ctx, rcp.ID, creds.PIN)
	rcp.Supplier = &suppliers[0]

	s.repos.ActivityLog.LogActivity(ctx, scope.CompanyID, entity.EntityTypeBidRequest, requestID,
		"add_recipient", "", entity.RecipientStatusPending,
		fmt.Sprintf("添加供应商「%s」", suppliers[0].Name), userID, entity.OperatorTypeUser)

	return rcp, nil
}

// RemoveRecipient 移除尚未报价的接收方
func (s *BidRequestService) RemoveRecipient(ctx context.Context, scope repository.Scope, userID, requestID, recipientID string) error {
	rcp, err := s.findRecipient(ctx, scope, requestID, recipientID)
	if err != nil {
		return err
	}

	err = s.repos.Recipient.Remove(ctx, scope, requestID, recipientID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return NotFoundf("recipient not found")
	case errors.Is(err, repository.ErrConflict):
		return Conflictf("recipient has already responded and cannot be removed")
	case err != nil:
		return err
	}

	s.dropPIN(ctx, recipientID)
	if err := s.limiter.Reset(ctx, credential.TokenHash(rcp.AccessToken)); err != nil {
		s.logger.Warn("Failed to reset PIN limiter", zap.String("recipient_id", recipientID), zap.Error(err))
	}

	name := rcp.SupplierID
	if rcp.Supplier != nil {
		name = rcp.Supplier.Name
	}
	s.repos.ActivityLog.LogActivity(ctx, scope.CompanyID, entity.EntityTypeBidRequest, requestID,
		"remove_recipient", rcp.Status, "", fmt.Sprintf("移除供应商「%s」", name), userID, entity.OperatorTypeUser)
	return nil
}

// Reissue 重新生成PIN并投递，旧PIN失效、锁定解除
// 已拒绝的接收方不可重发；未发送的接收方只生成不投递
func (s *BidRequestService) Reissue(ctx context.Context, scope repository.Scope, userID, requestID, recipientID string) (*SentRecipient, error) {
	req, rcp, err := s.recipientWithRequest(ctx, scope, requestID, recipientID)
	if err != nil {
		return nil, err
	}
	if rcp.Status == entity.RecipientStatusDeclined {
		return nil, Conflictf("recipient has declined")
	}

	pin, err := s.rotatePIN(ctx, rcp)
	if err != nil {
		return nil, err
	}

	s.repos.ActivityLog.LogActivity(ctx, scope.CompanyID, entity.EntityTypeBidRecipient, rcp.ID,
		"reissue", rcp.Status, rcp.Status, "重新生成访问PIN", userID, entity.OperatorTypeUser)

	if rcp.Status == entity.RecipientStatusPending {
		out := sentRecipient(rcp, s.PortalURL(rcp.AccessToken), "", "")
		return &out, nil
	}

	company, project := s.directoryNames(ctx, scope)
	status, errMsg := s.deliver(ctx, req, rcp, company, project, pin)
	out := sentRecipient(rcp, s.PortalURL(rcp.AccessToken), status, errMsg)
	return &out, nil
}

// Resend 重新投递：上次投递失败时使用暂存PIN，已投递成功则重新生成PIN
func (s *BidRequestService) Resend(ctx context.Context, scope repository.Scope, userID, requestID, recipientID string) (*SentRecipient, error) {
	req, rcp, err := s.recipientWithRequest(ctx, scope, requestID, recipientID)
	if err != nil {
		return nil, err
	}
	if rcp.Status != entity.RecipientStatusSent && rcp.Status != entity.RecipientStatusResponded {
		return nil, Conflictf("recipient has not been sent or has declined")
	}

	company, project := s.directoryNames(ctx, scope)
	status, errMsg := s.deliver(ctx, req, rcp, company, project, "")

	s.repos.ActivityLog.LogActivity(ctx, scope.CompanyID, entity.EntityTypeBidRecipient, rcp.ID,
		"resend", rcp.Status, rcp.Status, "重新投递询价邀请", userID, entity.OperatorTypeUser)

	out := sentRecipient(rcp, s.PortalURL(rcp.AccessToken), status, errMsg)
	return &out, nil
}

// === 附件 ===

// Attachments 询价单全部附件
func (s *BidRequestService) Attachments(ctx context.Context, scope repository.Scope, requestID string) ([]entity.BidAttachment, error) {
	if _, err := s.findHeader(ctx, scope, requestID); err != nil {
		return nil, err
	}
	return s.repos.Attachment.ListByRequest(ctx, requestID)
}

// AttachmentURL 附件限时下载链接
func (s *BidRequestService) AttachmentURL(ctx context.Context, scope repository.Scope, requestID, attachmentID string) (string, error) {
	if _, err := s.findHeader(ctx, scope, requestID); err != nil {
		return "", err
	}
	att, err := s.repos.Attachment.FindByID(ctx, requestID, attachmentID)
	if errors.Is(err, repository.ErrNotFound) {
		return "", NotFoundf("attachment not found")
	}
	if err != nil {
		return "", err
	}
	return s.files.PresignedURL(ctx, att.ObjectKey, att.FileName, attachmentURLExpiry)
}

// === 内部方法 ===

func (s *BidRequestService) findProject(ctx context.Context, scope repository.Scope) (*entity.Project, error) {
	project, err := s.repos.Directory.FindProject(ctx, scope.CompanyID, scope.ProjectID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, NotFoundf("project not found")
	}
	return project, err
}

func (s *BidRequestService) findHeader(ctx context.Context, scope repository.Scope, id string) (*entity.BidRequest, error) {
	req, err := s.repos.BidRequest.FindHeader(ctx, scope, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, NotFoundf("bid request not found")
	}
	return req, err
}

func (s *BidRequestService) findRecipient(ctx context.Context, scope repository.Scope, requestID, recipientID string) (*entity.BidRecipient, error) {
	rcp, err := s.repos.Recipient.FindByID(ctx, scope, requestID, recipientID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, NotFoundf("recipient not found")
	}
	return rcp, err
}

func (s *BidRequestService) recipientWithRequest(ctx context.Context, scope repository.Scope, requestID, recipientID string) (*entity.BidRequest, *entity.BidRecipient, error) {
	req, err := s.findHeader(ctx, scope, requestID)
	if err != nil {
		return nil, nil, err
	}
	rcp, err := s.findRecipient(ctx, scope, requestID, recipientID)
	if err != nil {
		return nil, nil, err
	}
	return req, rcp, nil
}

// directoryNames 通知中使用的公司、项目名称，查询失败时留空
func (s *BidRequestService) directoryNames(ctx context.Context, scope repository.Scope) (string, string) {
	var companyName, projectName string
	if company, err := s.repos.Directory.FindCompany(ctx, scope.CompanyID); err == nil {
		companyName = company.Name
	}
	if project, err := s.repos.Directory.FindProject(ctx, scope.CompanyID, scope.ProjectID); err == nil {
		projectName = project.Name
	}
	return companyName, projectName
}

func (s *BidRequestService) alertInfo(req *entity.BidRequest, rcp *entity.BidRecipient) AlertInfo {
	info := AlertInfo{
		CompanyID:    req.CompanyID,
		ProjectID:    req.ProjectID,
		BidRequestID: req.ID,
		RequestTitle: req.Title,
	}
	if rcp.Supplier != nil {
		info.SupplierName = rcp.Supplier.Name
	}
	return info
}

func (s *BidRequestService) stashPIN(ctx context.Context, recipientID, pin string) {
	if err := s.vault.Put(ctx, recipientID, pin); err != nil {
		s.logger.Warn("Failed to store PIN in vault", zap.String("recipient_id", recipientID), zap.Error(err))
	}
}

func (s *BidRequestService) dropPIN(ctx context.Context, recipientID string) {
	if err := s.vault.Drop(ctx, recipientID); err != nil {
		s.logger.Warn("Failed to drop PIN from vault", zap.String("recipient_id", recipientID), zap.Error(err))
	}
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
