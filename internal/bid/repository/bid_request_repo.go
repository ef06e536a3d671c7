package repository

import (
	"context"
	"time"

	"github.com/bitfantasy/bidportal/internal/bid/entity"
	"gorm.io/gorm"
)

// BidRequestRepository 询价单仓库
type BidRequestRepository struct {
	db *gorm.DB
}

func NewBidRequestRepository(db *gorm.DB) *BidRequestRepository {
	return &BidRequestRepository{db: db}
}

// List 查询项目下的询价单（含行项数、接收方状态统计）
func (r *BidRequestRepository) List(ctx context.Context, scope Scope) ([]entity.BidRequest, error) {
	var items []entity.BidRequest
	err := scoped(r.db.WithContext(ctx), scope).
		Order("created_at DESC").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return items, nil
	}

	ids := make([]string, len(items))
	for i := range items {
		ids[i] = items[i].ID
	}

	var itemCounts []struct {
		BidRequestID string
		Count        int
	}
	if err := r.db.WithContext(ctx).Model(&entity.BidRequestItem{}).
		Select("bid_request_id, COUNT(*) AS count").
		Where("bid_request_id IN ?", ids).
		Group("bid_request_id").
		Scan(&itemCounts).Error; err != nil {
		return nil, err
	}

	var recipientCounts []struct {
		BidRequestID string
		Status       string
		Count        int
	}
	if err := r.db.WithContext(ctx).Model(&entity.BidRecipient{}).
		Select("bid_request_id, status, COUNT(*) AS count").
		Where("bid_request_id IN ?", ids).
		Group("bid_request_id, status").
		Scan(&recipientCounts).Error; err != nil {
		return nil, err
	}

	index := make(map[string]*entity.BidRequest, len(items))
	for i := range items {
		items[i].RecipientCounts = map[string]int{}
		index[items[i].ID] = &items[i]
	}
	for _, c := range itemCounts {
		index[c.BidRequestID].ItemCount = c.Count
	}
	for _, c := range recipientCounts {
		req := index[c.BidRequestID]
		req.RecipientCounts[c.Status] = c.Count
		req.RecipientCount += c.Count
	}
	return items, nil
}

// FindByID 根据ID查找询价单（含行项、接收方、报价）
func (r *BidRequestRepository) FindByID(ctx context.Context, scope Scope, id string) (*entity.BidRequest, error) {
	var req entity.BidRequest
	err := scoped(r.db.WithContext(ctx), scope).
		Preload("Items", func(db *gorm.DB) *gorm.DB { return db.Order("sort_order ASC") }).
		Preload("Recipients", func(db *gorm.DB) *gorm.DB { return db.Order("created_at ASC") }).
		Preload("Recipients.Supplier").
		Preload("Recipients.Response").
		Preload("Recipients.Response.Items").
		Where("id = ?", id).
		First(&req).Error
	if err != nil {
		return nil, translate(err)
	}
	req.ItemCount = len(req.Items)
	req.RecipientCount = len(req.Recipients)
	return &req, nil
}

// FindHeader 只查询询价单本身
func (r *BidRequestRepository) FindHeader(ctx context.Context, scope Scope, id string) (*entity.BidRequest, error) {
	var req entity.BidRequest
	err := scoped(r.db.WithContext(ctx), scope).Where("id = ?", id).First(&req).Error
	if err != nil {
		return nil, translate(err)
	}
	return &req, nil
}

// CreateWithChildren 原子创建询价单、行项与接收方
func (r *BidRequestRepository) CreateWithChildren(ctx context.Context, req *entity.BidRequest, items []entity.BidRequestItem, recipients []entity.BidRecipient) error {
	return translate(r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit("Items", "Recipients").Create(req).Error; err != nil {
			return err
		}
		if len(items) > 0 {
			if err := tx.Create(&items).Error; err != nil {
				return err
			}
		}
		if len(recipients) > 0 {
			if err := tx.Omit("BidRequest", "Supplier", "Response").Create(&recipients).Error; err != nil {
				return err
			}
		}
		return nil
	}))
}

// Update 部分更新询价单字段
func (r *BidRequestRepository) Update(ctx context.Context, scope Scope, id string, fields map[string]interface{}) error {
	if len(fields) == 0 {
		return nil
	}
	result := scoped(r.db.WithContext(ctx).Model(&entity.BidRequest{}), scope).
		Where("id = ?", id).
		Updates(fields)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete 删除草稿询价单：先删行项、接收方，再删询价单
func (r *BidRequestRepository) Delete(ctx context.Context, scope Scope, id string) error {
	return translate(r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var req entity.BidRequest
		if err := scoped(tx.Clauses(forUpdate), scope).Where("id = ?", id).First(&req).Error; err != nil {
			return err
		}
		if req.Status != entity.BidRequestStatusDraft {
			return ErrNotDraft
		}
		if err := tx.Where("bid_request_id = ?", id).Delete(&entity.BidRequestItem{}).Error; err != nil {
			return err
		}
		if err := tx.Where("bid_request_id = ?", id).Delete(&entity.BidRecipient{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", id).Delete(&entity.BidRequest{}).Error
	}))
}

// Send 将待发送接收方标记为已发送，询价单置为 SENT
// 没有待发送接收方时不做任何修改，返回空列表；expiresAt 非空时同时设置链接有效期
func (r *BidRequestRepository) Send(ctx context.Context, scope Scope, id string, now time.Time, expiresAt *time.Time) (*entity.BidRequest, []entity.BidRecipient, error) {
	var req entity.BidRequest
	var sent []entity.BidRecipient

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := scoped(tx.Clauses(forUpdate), scope).Where("id = ?", id).First(&req).Error; err != nil {
			return err
		}

		if err := tx.Preload("Supplier").
			Where("bid_request_id = ? AND status = ?", id, entity.RecipientStatusPending).
			Order("created_at ASC").
			Find(&sent).Error; err != nil {
			return err
		}
		if len(sent) == 0 {
			return nil
		}

		ids := make([]string, len(sent))
		for i := range sent {
			ids[i] = sent[i].ID
		}
		fields := map[string]interface{}{
			"status":     entity.RecipientStatusSent,
			"sent_at":    now,
			"updated_at": now,
		}
		if expiresAt != nil {
			fields["expires_at"] = *expiresAt
		}
		if err := tx.Model(&entity.BidRecipient{}).
			Where("id IN ? AND status = ?", ids, entity.RecipientStatusPending).
			Updates(fields).Error; err != nil {
			return err
		}
		for i := range sent {
			sent[i].Status = entity.RecipientStatusSent
			sent[i].SentAt = &now
			if expiresAt != nil {
				sent[i].ExpiresAt = expiresAt
			}
		}

		if req.Status == entity.BidRequestStatusDraft {
			if err := tx.Model(&entity.BidRequest{}).Where("id = ?", id).
				Updates(map[string]interface{}{
					"status":     entity.BidRequestStatusSent,
					"sent_at":    now,
					"updated_at": now,
				}).Error; err != nil {
				return err
			}
			req.Status = entity.BidRequestStatusSent
			req.SentAt = &now
		}
		return nil
	})
	if err != nil {
		return nil, nil, translate(err)
	}
	return &req, sent, nil
}

// ListItems 查询询价单行项
func (r *BidRequestRepository) ListItems(ctx context.Context, requestID string) ([]entity.BidRequestItem, error) {
	var items []entity.BidRequestItem
	err := r.db.WithContext(ctx).
		Where("bid_request_id = ?", requestID).
		Order("sort_order ASC").
		Find(&items).Error
	return items, err
}
