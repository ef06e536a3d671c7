package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"path"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bitfantasy/bidportal/internal/bid/credential"
	"github.com/bitfantasy/bidportal/internal/bid/entity"
	"github.com/bitfantasy/bidportal/internal/bid/ratelimit"
	"github.com/bitfantasy/bidportal/internal/bid/repository"
	"github.com/bitfantasy/bidportal/internal/bid/sse"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PortalService 供应商报价门户
// 对外只通过访问令牌定位接收方，所有失败统一返回 ErrPortalAccess
type PortalService struct {
	repos   *repository.Repositories
	issuer  *credential.Issuer
	limiter *ratelimit.PINLimiter
	logger  *zap.Logger

	files          FileStore
	alerter        Alerter
	hub            *sse.Hub
	maxUploadBytes int64
	now            func() time.Time

	// 令牌不存在时用于比对的摘要，使耗时与真实校验一致
	dummyDigest string
}

func NewPortalService(repos *repository.Repositories, issuer *credential.Issuer, limiter *ratelimit.PINLimiter, logger *zap.Logger) *PortalService {
	if logger == nil {
		logger = zap.NewNop()
	}
	dummy, err := issuer.Digest("000000")
	if err != nil {
		logger.Warn("Failed to build dummy PIN digest", zap.Error(err))
	}
	return &PortalService{
		repos:          repos,
		issuer:         issuer,
		limiter:        limiter,
		logger:         logger,
		files:          NewMemoryFileStore(),
		alerter:        nopAlerter{},
		maxUploadBytes: 20 << 20,
		now:            time.Now,
		dummyDigest:    dummy,
	}
}

// SetFileStore 注入附件存储
func (s *PortalService) SetFileStore(fs FileStore) {
	s.files = fs
}

// SetAlerter 注入告警
func (s *PortalService) SetAlerter(a Alerter) {
	s.alerter = a
}

// SetHub 注入SSE推送
func (s *PortalService) SetHub(h *sse.Hub) {
	s.hub = h
}

// SetMaxUploadBytes 附件大小上限
func (s *PortalService) SetMaxUploadBytes(n int64) {
	if n > 0 {
		s.maxUploadBytes = n
	}
}

// MaxUploadBytes 附件大小上限
func (s *PortalService) MaxUploadBytes() int64 {
	return s.maxUploadBytes
}

// SetClock 测试时固定时间
func (s *PortalService) SetClock(now func() time.Time) {
	s.now = now
}

// === 门户数据结构（不含任何内部接收方ID） ===

// PortalInfo 无需PIN即可查看的摘要
type PortalInfo struct {
	SupplierName    string     `json:"supplier_name"`
	CompanyName     string     `json:"company_name"`
	ProjectName     string     `json:"project_name"`
	Title           string     `json:"title"`
	Description     string     `json:"description"`
	DueDate         *time.Time `json:"due_date"`
	Status          string     `json:"status"`
	RecipientStatus string     `json:"recipient_status"`
	HasResponded    bool       `json:"has_responded"`
	HasDeclined     bool       `json:"has_declined"`
}

// PortalItem 报价行项
type PortalItem struct {
	ID          string  `json:"id"`
	SortOrder   int     `json:"sort_order"`
	CatSel      string  `json:"cat_sel,omitempty"`
	Description string  `json:"description"`
	Quantity    float64 `json:"quantity"`
	Unit        string  `json:"unit"`
	CostType    string  `json:"cost_type"`
}

// PortalResponseItem 报价明细
type PortalResponseItem struct {
	ItemID       string  `json:"item_id"`
	UnitPrice    float64 `json:"unit_price"`
	LeadTimeDays *int    `json:"lead_time_days,omitempty"`
	Availability string  `json:"availability"`
	Notes        string  `json:"notes,omitempty"`
}

// PortalResponse 当前接收方的报价
type PortalResponse struct {
	TotalAmount    float64              `json:"total_amount"`
	Notes          string               `json:"notes"`
	SubmitterName  string               `json:"submitter_name"`
	SubmitterEmail string               `json:"submitter_email"`
	SubmitterPhone string               `json:"submitter_phone"`
	Revision       int                  `json:"revision"`
	SubmittedAt    time.Time            `json:"submitted_at"`
	Items          []PortalResponseItem `json:"items"`
}

// PortalAttachment 已上传附件
type PortalAttachment struct {
	ID          string    `json:"id"`
	FileName    string    `json:"file_name"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	CreatedAt   time.Time `json:"created_at"`
}

// PortalPackage PIN校验通过后返回的完整询价包
type PortalPackage struct {
	PortalInfo
	Items       []PortalItem       `json:"items"`
	Response    *PortalResponse    `json:"response"`
	Attachments []PortalAttachment `json:"attachments"`
}

// === 操作 ===

// Info 令牌摘要信息
func (s *PortalService) Info(ctx context.Context, token string) (*PortalInfo, error) {
	rcp, err := s.resolve(ctx, token)
	if err != nil {
		return nil, err
	}
	info := s.info(ctx, rcp)
	return &info, nil
}

// Verify 校验PIN并返回询价包，首次成功时记录查看时间
func (s *PortalService) Verify(ctx context.Context, token, pin, ip string) (*PortalPackage, error) {
	rcp, err := s.authenticate(ctx, token, pin, ip)
	if err != nil {
		return nil, err
	}

	firstView, err := s.repos.Recipient.MarkViewed(ctx, rcp.ID, s.now())
	if err != nil {
		s.logger.Warn("Failed to mark recipient viewed", zap.String("recipient_id", rcp.ID), zap.Error(err))
	}
	if firstView && s.hub != nil {
		s.hub.PublishBidEvent(rcp.BidRequest.CompanyID, sse.EventBidViewed, s.bidEvent(rcp, 0))
	}

	return s.bidPackage(ctx, rcp)
}

// SubmitItem 单个行项报价
type SubmitItem struct {
	ItemID       string   `json:"item_id"`
	UnitPrice    *float64 `json:"unit_price"`
	LeadTimeDays *int     `json:"lead_time_days"`
	Availability string   `json:"availability"`
	Notes        string   `json:"notes"`
}

// SubmitReq 提交报价请求
type SubmitReq struct {
	PIN            string       `json:"pin"`
	Items          []SubmitItem `json:"items"`
	Notes          string       `json:"notes"`
	SubmitterName  string       `json:"submitter_name"`
	SubmitterEmail string       `json:"submitter_email" binding:"omitempty,email"`
	SubmitterPhone string       `json:"submitter_phone"`
	TotalAmount    *float64     `json:"total_amount"`
}

// Submit 提交或覆盖报价，每次提交都重新校验PIN
func (s *PortalService) Submit(ctx context.Context, token, ip string, req *SubmitReq) (*PortalResponse, error) {
	rcp, err := s.authenticate(ctx, token, req.PIN, ip)
	if err != nil {
		return nil, err
	}
	if err := s.acceptingResponses(rcp.BidRequest); err != nil {
		return nil, err
	}
	if rcp.Status == entity.RecipientStatusDeclined {
		return nil, Conflictf("bid has already been declined")
	}

	items, err := s.repos.BidRequest.ListItems(ctx, rcp.BidRequestID)
	if err != nil {
		return nil, err
	}
	respItems, total, err := priceItems(items, req.Items)
	if err != nil {
		return nil, err
	}
	if req.TotalAmount != nil {
		if *req.TotalAmount < 0 {
			return nil, FieldError("total_amount", "total_amount must not be negative")
		}
		total = *req.TotalAmount
	}

	resp := &entity.BidResponse{
		BidRequestID:   rcp.BidRequestID,
		RecipientID:    rcp.ID,
		SupplierID:     rcp.SupplierID,
		TotalAmount:    total,
		Notes:          req.Notes,
		SubmitterName:  strings.TrimSpace(req.SubmitterName),
		SubmitterEmail: strings.TrimSpace(req.SubmitterEmail),
		SubmitterPhone: strings.TrimSpace(req.SubmitterPhone),
	}
	stored, err := s.repos.Response.Upsert(ctx, resp, respItems, s.now())
	if errors.Is(err, repository.ErrConflict) {
		return nil, Conflictf("bid has already been declined")
	}
	if err != nil {
		return nil, err
	}

	s.repos.ActivityLog.LogActivity(ctx, rcp.BidRequest.CompanyID, entity.EntityTypeBidRecipient, rcp.ID,
		"respond", rcp.Status, entity.RecipientStatusResponded,
		fmt.Sprintf("供应商提交报价，第%d版，合计%.2f", stored.Revision, stored.TotalAmount),
		rcp.SupplierID, entity.OperatorTypeSupplier)

	s.logger.Info("Bid response submitted",
		zap.String("bid_request_id", rcp.BidRequestID),
		zap.String("token_prefix", credential.TokenPrefix(token)),
		zap.Int("revision", stored.Revision),
	)

	if s.hub != nil {
		s.hub.PublishBidEvent(rcp.BidRequest.CompanyID, sse.EventBidResponse, s.bidEvent(rcp, stored.Revision))
	}
	s.alerter.BidResponded(ctx, s.alertInfo(ctx, rcp), stored.TotalAmount, stored.Revision)

	return toPortalResponse(stored), nil
}

// DeclineReq 拒绝报价请求
type DeclineReq struct {
	PIN    string `json:"pin"`
	Reason string `json:"reason" binding:"max=500"`
}

// Decline 拒绝报价；已拒绝时幂等返回，已报价时冲突
func (s *PortalService) Decline(ctx context.Context, token, ip string, req *DeclineReq) (*PortalInfo, error) {
	rcp, err := s.authenticate(ctx, token, req.PIN, ip)
	if err != nil {
		return nil, err
	}

	reason := strings.TrimSpace(req.Reason)
	changed, err := s.repos.Recipient.Decline(ctx, rcp.ID, reason, s.now())
	if errors.Is(err, repository.ErrConflict) {
		return nil, Conflictf("bid has already been responded to")
	}
	if err != nil {
		return nil, err
	}

	from := rcp.Status
	rcp.Status = entity.RecipientStatusDeclined
	if changed {
		s.repos.ActivityLog.LogActivity(ctx, rcp.BidRequest.CompanyID, entity.EntityTypeBidRecipient, rcp.ID,
			"decline", from, entity.RecipientStatusDeclined, reason,
			rcp.SupplierID, entity.OperatorTypeSupplier)

		if s.hub != nil {
			s.hub.PublishBidEvent(rcp.BidRequest.CompanyID, sse.EventBidDecline, s.bidEvent(rcp, 0))
		}
		s.alerter.BidDeclined(ctx, s.alertInfo(ctx, rcp), reason)
	}

	info := s.info(ctx, rcp)
	return &info, nil
}

// UploadAttachment 上传报价附件
func (s *PortalService) UploadAttachment(ctx context.Context, token, pin, ip, fileName, contentType string, size int64, r io.Reader) (*PortalAttachment, error) {
	rcp, err := s.authenticate(ctx, token, pin, ip)
	if err != nil {
		return nil, err
	}
	if rcp.Status == entity.RecipientStatusDeclined {
		return nil, Conflictf("bid has already been declined")
	}
	if err := s.acceptingResponses(rcp.BidRequest); err != nil {
		return nil, err
	}
	if size <= 0 {
		return nil, FieldError("file", "file is empty")
	}
	if size > s.maxUploadBytes {
		return nil, FieldError("file", "file exceeds %d bytes", s.maxUploadBytes)
	}

	name := cleanFileName(fileName)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	att := &entity.BidAttachment{
		ID:           uuid.New().String()[:32],
		BidRequestID: rcp.BidRequestID,
		RecipientID:  rcp.ID,
		FileName:     name,
		ContentType:  contentType,
		Size:         size,
	}
	att.ObjectKey = fmt.Sprintf("bid-requests/%s/%s/%s-%s", rcp.BidRequestID, rcp.ID, att.ID, name)

	if err := s.files.Put(ctx, att.ObjectKey, r, size, contentType); err != nil {
		return nil, err
	}
	if err := s.repos.Attachment.Create(ctx, att); err != nil {
		return nil, err
	}

	s.repos.ActivityLog.LogActivity(ctx, rcp.BidRequest.CompanyID, entity.EntityTypeBidRecipient, rcp.ID,
		"upload_attachment", rcp.Status, rcp.Status, name, rcp.SupplierID, entity.OperatorTypeSupplier)

	out := toPortalAttachment(att)
	return &out, nil
}

// === 令牌与PIN校验 ===

// resolve 按令牌定位接收方；未发送、已过期、不存在一律视为无效链接
func (s *PortalService) resolve(ctx context.Context, token string) (*entity.BidRecipient, error) {
	if token == "" {
		return nil, ErrPortalAccess
	}
	rcp, err := s.repos.Recipient.FindByToken(ctx, token)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrPortalAccess
	}
	if err != nil {
		return nil, err
	}
	if rcp.BidRequest == nil || rcp.Status == entity.RecipientStatusPending {
		return nil, ErrPortalAccess
	}
	if rcp.ExpiresAt != nil && !s.now().Before(*rcp.ExpiresAt) {
		return nil, ErrPortalAccess
	}
	return rcp, nil
}

// authenticate 限流检查在摘要比对之前，锁定期间即使PIN正确也拒绝
func (s *PortalService) authenticate(ctx context.Context, token, pin, ip string) (*entity.BidRecipient, error) {
	tokenHash := credential.TokenHash(token)
	log := s.logger.With(zap.String("token_prefix", credential.TokenPrefix(token)), zap.String("ip", ip))

	if err := s.limiter.Check(ctx, tokenHash, ip); err != nil {
		if errors.Is(err, ratelimit.ErrLocked) {
			return nil, ErrRateLimited
		}
		return nil, err
	}

	rcp, err := s.resolve(ctx, token)
	if err != nil {
		if errors.Is(err, ErrPortalAccess) {
			s.issuer.Verify(pin, s.dummyDigest)
			s.recordFailure(ctx, log, tokenHash, ip, nil)
		}
		return nil, err
	}

	if rcp.PinLockedUntil != nil && s.now().Before(*rcp.PinLockedUntil) {
		return nil, ErrRateLimited
	}

	// 格式错误也完整计算一次摘要，响应耗时与PIN错误一致
	matched := s.issuer.Verify(pin, rcp.AccessPinDigest)
	wellFormed := credential.ValidPINFormat(pin)
	if !matched || !wellFormed {
		s.recordFailure(ctx, log, tokenHash, ip, rcp)
		return nil, ErrPortalAccess
	}

	if err := s.limiter.Succeed(ctx, tokenHash); err != nil {
		log.Warn("Failed to clear PIN failures", zap.Error(err))
	}
	if rcp.PinLockedUntil != nil {
		if err := s.repos.Recipient.SetPinLockedUntil(ctx, rcp.ID, nil); err != nil {
			log.Warn("Failed to clear PIN lock", zap.Error(err))
		}
		rcp.PinLockedUntil = nil
	}
	return rcp, nil
}

// recordFailure 记录一次失败；达到上限时持久化锁定并告警
func (s *PortalService) recordFailure(ctx context.Context, log *zap.Logger, tokenHash, ip string, rcp *entity.BidRecipient) {
	locked, until, err := s.limiter.Fail(ctx, tokenHash, ip)
	if err != nil {
		log.Error("Failed to record PIN failure", zap.Error(err))
		return
	}
	if !locked || rcp == nil {
		return
	}

	log.Warn("Portal PIN locked", zap.String("recipient_id", rcp.ID), zap.Time("until", until))
	if err := s.repos.Recipient.SetPinLockedUntil(ctx, rcp.ID, &until); err != nil {
		log.Error("Failed to persist PIN lock", zap.Error(err))
	}
	s.repos.ActivityLog.LogActivity(ctx, rcp.BidRequest.CompanyID, entity.EntityTypeBidRecipient, rcp.ID,
		"pin_locked", rcp.Status, rcp.Status,
		fmt.Sprintf("PIN连续错误%d次，锁定至%s", s.limiter.Limit(), until.Format(time.RFC3339)),
		"", "system")
	if s.hub != nil {
		s.hub.PublishBidEvent(rcp.BidRequest.CompanyID, sse.EventBidPINLocked, s.bidEvent(rcp, 0))
	}
	s.alerter.PINLocked(ctx, s.alertInfo(ctx, rcp), until)
}

// acceptingResponses 询价单已发送且未过截止日（截止日当天结束前）
func (s *PortalService) acceptingResponses(req *entity.BidRequest) error {
	if req.Status != entity.BidRequestStatusSent {
		return Validationf("bid request is no longer accepting responses")
	}
	if req.DueDate != nil {
		d := req.DueDate.UTC()
		cutoff := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
		if !s.now().Before(cutoff) {
			return Validationf("bid request is no longer accepting responses")
		}
	}
	return nil
}

// priceItems 校验报价完整性：每个行项必须且只能报价一次，价格不能为负
func priceItems(items []entity.BidRequestItem, submitted []SubmitItem) ([]entity.BidResponseItem, float64, error) {
	if len(submitted) == 0 {
		return nil, 0, FieldError("items", "prices are required")
	}

	byID := make(map[string]*entity.BidRequestItem, len(items))
	for i := range items {
		byID[items[i].ID] = &items[i]
	}

	priced := make(map[string]entity.BidResponseItem, len(submitted))
	var total float64
	for _, in := range submitted {
		item, ok := byID[in.ItemID]
		if !ok {
			return nil, 0, FieldError("items", "item %s does not belong to this bid request", in.ItemID)
		}
		if _, dup := priced[in.ItemID]; dup {
			return nil, 0, FieldError("items", "item %s is priced more than once", in.ItemID)
		}
		if in.UnitPrice == nil {
			return nil, 0, FieldError("items", "unit_price is required for item %s", in.ItemID)
		}
		if *in.UnitPrice < 0 || math.IsNaN(*in.UnitPrice) || math.IsInf(*in.UnitPrice, 0) {
			return nil, 0, FieldError("items", "unit_price for item %s must be a non-negative number", in.ItemID)
		}
		if in.LeadTimeDays != nil && *in.LeadTimeDays < 0 {
			return nil, 0, FieldError("items", "lead_time_days for item %s must not be negative", in.ItemID)
		}
		availability := strings.ToUpper(strings.TrimSpace(in.Availability))
		if availability == "" {
			availability = entity.AvailabilityInStock
		}
		if !entity.ValidAvailability(availability) {
			return nil, 0, FieldError("items", "unknown availability %q", in.Availability)
		}

		priced[in.ItemID] = entity.BidResponseItem{
			BidRequestItemID: in.ItemID,
			UnitPrice:        *in.UnitPrice,
			LeadTimeDays:     in.LeadTimeDays,
			Availability:     availability,
			Notes:            in.Notes,
		}
		total += *in.UnitPrice * item.Quantity
	}

	if len(priced) != len(items) {
		return nil, 0, FieldError("items", "all %d items must be priced, got %d", len(items), len(priced))
	}

	out := make([]entity.BidResponseItem, 0, len(items))
	for i := range items {
		out = append(out, priced[items[i].ID])
	}
	return out, math.Round(total*100) / 100, nil
}

// === 组装 ===

func (s *PortalService) info(ctx context.Context, rcp *entity.BidRecipient) PortalInfo {
	req := rcp.BidRequest
	info := PortalInfo{
		Title:           req.Title,
		Description:     req.Description,
		DueDate:         req.DueDate,
		Status:          req.Status,
		RecipientStatus: rcp.Status,
		HasResponded:    rcp.Status == entity.RecipientStatusResponded,
		HasDeclined:     rcp.Status == entity.RecipientStatusDeclined,
	}
	if rcp.Supplier != nil {
		info.SupplierName = rcp.Supplier.Name
	}
	if company, err := s.repos.Directory.FindCompany(ctx, req.CompanyID); err == nil {
		info.CompanyName = company.Name
	}
	if project, err := s.repos.Directory.FindProject(ctx, req.CompanyID, req.ProjectID); err == nil {
		info.ProjectName = project.Name
	}
	return info
}

func (s *PortalService) bidPackage(ctx context.Context, rcp *entity.BidRecipient) (*PortalPackage, error) {
	items, err := s.repos.BidRequest.ListItems(ctx, rcp.BidRequestID)
	if err != nil {
		return nil, err
	}
	pkg := &PortalPackage{
		PortalInfo:  s.info(ctx, rcp),
		Items:       make([]PortalItem, 0, len(items)),
		Attachments: []PortalAttachment{},
	}
	for _, it := range items {
		pkg.Items = append(pkg.Items, PortalItem{
			ID:          it.ID,
			SortOrder:   it.SortOrder,
			CatSel:      it.CatSel,
			Description: it.Description,
			Quantity:    it.Quantity,
			Unit:        it.Unit,
			CostType:    it.CostType,
		})
	}

	resp, err := s.repos.Response.FindByRecipient(ctx, rcp.ID)
	switch {
	case err == nil:
		pkg.Response = toPortalResponse(resp)
	case !errors.Is(err, repository.ErrNotFound):
		return nil, err
	}

	atts, err := s.repos.Attachment.ListByRecipient(ctx, rcp.ID)
	if err != nil {
		return nil, err
	}
	for i := range atts {
		pkg.Attachments = append(pkg.Attachments, toPortalAttachment(&atts[i]))
	}
	return pkg, nil
}

func toPortalResponse(resp *entity.BidResponse) *PortalResponse {
	out := &PortalResponse{
		TotalAmount:    resp.TotalAmount,
		Notes:          resp.Notes,
		SubmitterName:  resp.SubmitterName,
		SubmitterEmail: resp.SubmitterEmail,
		SubmitterPhone: resp.SubmitterPhone,
		Revision:       resp.Revision,
		SubmittedAt:    resp.SubmittedAt,
		Items:          make([]PortalResponseItem, 0, len(resp.Items)),
	}
	for _, it := range resp.Items {
		out.Items = append(out.Items, PortalResponseItem{
			ItemID:       it.BidRequestItemID,
			UnitPrice:    it.UnitPrice,
			LeadTimeDays: it.LeadTimeDays,
			Availability: it.Availability,
			Notes:        it.Notes,
		})
	}
	return out
}

func toPortalAttachment(att *entity.BidAttachment) PortalAttachment {
	return PortalAttachment{
		ID:          att.ID,
		FileName:    att.FileName,
		ContentType: att.ContentType,
		Size:        att.Size,
		CreatedAt:   att.CreatedAt,
	}
}

func (s *PortalService) bidEvent(rcp *entity.BidRecipient, revision int) sse.BidEvent {
	ev := sse.BidEvent{
		ProjectID:    rcp.BidRequest.ProjectID,
		BidRequestID: rcp.BidRequestID,
		RecipientID:  rcp.ID,
		Status:       rcp.Status,
		Revision:     revision,
	}
	if revision > 0 {
		ev.Status = entity.RecipientStatusResponded
	}
	if rcp.Supplier != nil {
		ev.SupplierName = rcp.Supplier.Name
	}
	return ev
}

func (s *PortalService) alertInfo(ctx context.Context, rcp *entity.BidRecipient) AlertInfo {
	req := rcp.BidRequest
	info := AlertInfo{
		CompanyID:    req.CompanyID,
		ProjectID:    req.ProjectID,
		BidRequestID: req.ID,
		RequestTitle: req.Title,
	}
	if rcp.Supplier != nil {
		info.SupplierName = rcp.Supplier.Name
	}
	if project, err := s.repos.Directory.FindProject(ctx, req.CompanyID, req.ProjectID); err == nil {
		info.ProjectName = project.Name
	}
	return info
}

// 附件名最大字节数
const maxFileNameBytes = 200

// cleanFileName 去掉路径部分，空名称使用默认值
func cleanFileName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = strings.TrimSpace(path.Base(name))
	if name == "" || name == "." || name == "/" {
		name = "attachment"
	}
	if len(name) > maxFileNameBytes {
		name = name[len(name)-maxFileNameBytes:]
		// 不从多字节字符中间截断
		for len(name) > 0 && !utf8.RuneStart(name[0]) {
			name = name[1:]
		}
		if name == "" {
			name = "attachment"
		}
	}
	return name
}
