package repository

import (
	"context"
	"time"

	"github.com/bitfantasy/bidportal/internal/bid/entity"
	"gorm.io/gorm"
)

// RecipientRepository 询价接收方仓库
type RecipientRepository struct {
	db *gorm.DB
}

func NewRecipientRepository(db *gorm.DB) *RecipientRepository {
	return &RecipientRepository{db: db}
}

// FindByID 查找询价单下的接收方（按租户过滤）
func (r *RecipientRepository) FindByID(ctx context.Context, scope Scope, requestID, recipientID string) (*entity.BidRecipient, error) {
	var rcp entity.BidRecipient
	err := r.db.WithContext(ctx).
		Joins("JOIN bid_requests ON bid_requests.id = bid_recipients.bid_request_id").
		Where("bid_requests.company_id = ? AND bid_requests.project_id = ?", scope.CompanyID, scope.ProjectID).
		Where("bid_recipients.id = ? AND bid_recipients.bid_request_id = ?", recipientID, requestID).
		Preload("Supplier").
		Preload("Response").
		First(&rcp).Error
	if err != nil {
		return nil, translate(err)
	}
	return &rcp, nil
}

// FindByToken 门户唯一入口：按访问令牌查找接收方
func (r *RecipientRepository) FindByToken(ctx context.Context, token string) (*entity.BidRecipient, error) {
	var rcp entity.BidRecipient
	err := r.db.WithContext(ctx).
		Preload("BidRequest").
		Preload("Supplier").
		Where("access_token = ?", token).
		First(&rcp).Error
	if err != nil {
		return nil, translate(err)
	}
	return &rcp, nil
}

// Add 为询价单新增接收方，同一供应商不可重复
func (r *RecipientRepository) Add(ctx context.Context, scope Scope, rcp *entity.BidRecipient) error {
	return translate(r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var req entity.BidRequest
		if err := scoped(tx.Clauses(forUpdate), scope).Where("id = ?", rcp.BidRequestID).First(&req).Error; err != nil {
			return err
		}

		var count int64
		if err := tx.Model(&entity.BidRecipient{}).
			Where("bid_request_id = ? AND supplier_id = ?", rcp.BidRequestID, rcp.SupplierID).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrDuplicate
		}

		return tx.Omit("BidRequest", "Supplier", "Response").Create(rcp).Error
	}))
}

// Remove 删除未报价的接收方
// 条件写在 DELETE 语句上，与并发的报价提交互斥
func (r *RecipientRepository) Remove(ctx context.Context, scope Scope, requestID, recipientID string) error {
	return translate(r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rcp entity.BidRecipient
		if err := tx.Clauses(forUpdate).
			Joins("JOIN bid_requests ON bid_requests.id = bid_recipients.bid_request_id").
			Where("bid_requests.company_id = ? AND bid_requests.project_id = ?", scope.CompanyID, scope.ProjectID).
			Where("bid_recipients.id = ? AND bid_recipients.bid_request_id = ?", recipientID, requestID).
			First(&rcp).Error; err != nil {
			return err
		}

		result := tx.
			Where("id = ? AND status <> ?", recipientID, entity.RecipientStatusResponded).
			Where("NOT EXISTS (SELECT 1 FROM bid_responses WHERE bid_responses.recipient_id = bid_recipients.id)").
			Delete(&entity.BidRecipient{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrConflict
		}

		return tx.Where("recipient_id = ?", recipientID).Delete(&entity.BidAttachment{}).Error
	}))
}

// RotateCredentials 重新生成凭证：替换令牌和PIN摘要，解除锁定
func (r *RecipientRepository) RotateCredentials(ctx context.Context, recipientID, token, pinDigest string, now time.Time) error {
	result := r.db.WithContext(ctx).Model(&entity.BidRecipient{}).
		Where("id = ?", recipientID).
		Updates(map[string]interface{}{
			"access_token":      token,
			"access_pin_digest": pinDigest,
			"pin_locked_until":  nil,
			"updated_at":        now,
		})
	if result.Error != nil {
		return translate(result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkViewed 首次访问门户时记录时间
func (r *RecipientRepository) MarkViewed(ctx context.Context, recipientID string, now time.Time) (bool, error) {
	result := r.db.WithContext(ctx).Model(&entity.BidRecipient{}).
		Where("id = ? AND viewed_at IS NULL", recipientID).
		Update("viewed_at", now)
	return result.RowsAffected > 0, result.Error
}

// SetNotifyResult 记录通知投递结果
func (r *RecipientRepository) SetNotifyResult(ctx context.Context, recipientID, status, errMsg string, now time.Time) error {
	if len(errMsg) > 500 {
		errMsg = errMsg[:500]
	}
	return r.db.WithContext(ctx).Model(&entity.BidRecipient{}).
		Where("id = ?", recipientID).
		Updates(map[string]interface{}{
			"notify_status": status,
			"notify_error":  errMsg,
			"notified_at":   now,
		}).Error
}

// SetPinLockedUntil 持久化PIN锁定时间
func (r *RecipientRepository) SetPinLockedUntil(ctx context.Context, recipientID string, until *time.Time) error {
	return r.db.WithContext(ctx).Model(&entity.BidRecipient{}).
		Where("id = ?", recipientID).
		Update("pin_locked_until", until).Error
}

// Decline 拒绝报价，仅 SENT 可流转到 DECLINED
// 已经是 DECLINED 时返回 changed=false，不报错
func (r *RecipientRepository) Decline(ctx context.Context, recipientID, reason string, now time.Time) (changed bool, err error) {
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rcp entity.BidRecipient
		if err := tx.Clauses(forUpdate).Where("id = ?", recipientID).First(&rcp).Error; err != nil {
			return err
		}
		if rcp.Status == entity.RecipientStatusDeclined {
			return nil
		}
		if !entity.CanTransitionRecipient(rcp.Status, entity.RecipientStatusDeclined) {
			return ErrConflict
		}
		changed = true
		return tx.Model(&entity.BidRecipient{}).Where("id = ?", recipientID).
			Updates(map[string]interface{}{
				"status":         entity.RecipientStatusDeclined,
				"declined_at":    now,
				"decline_reason": reason,
				"updated_at":     now,
			}).Error
	})
	return changed, translate(err)
}
