package repository

import (
	"context"
	"time"

	"github.com/bitfantasy/bidportal/internal/bid/entity"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ResponseRepository 供应商报价仓库
type ResponseRepository struct {
	db *gorm.DB
}

func NewResponseRepository(db *gorm.DB) *ResponseRepository {
	return &ResponseRepository{db: db}
}

// Upsert 提交或覆盖报价
// 锁定接收方行使同一接收方的并发提交串行执行；每个接收方只保留一条报价，
// 重复提交替换明细并递增版本号，接收方置为 RESPONDED
func (r *ResponseRepository) Upsert(ctx context.Context, resp *entity.BidResponse, items []entity.BidResponseItem, now time.Time) (*entity.BidResponse, error) {
	var stored entity.BidResponse

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rcp entity.BidRecipient
		if err := tx.Clauses(forUpdate).Where("id = ?", resp.RecipientID).First(&rcp).Error; err != nil {
			return err
		}
		if !entity.CanTransitionRecipient(rcp.Status, entity.RecipientStatusResponded) {
			return ErrConflict
		}

		if resp.ID == "" {
			resp.ID = uuid.New().String()[:32]
		}
		resp.Status = entity.ResponseStatusSubmitted
		resp.Revision = 1
		resp.SubmittedAt = now

		if err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "recipient_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"total_amount":    resp.TotalAmount,
				"notes":           resp.Notes,
				"submitter_name":  resp.SubmitterName,
				"submitter_email": resp.SubmitterEmail,
				"submitter_phone": resp.SubmitterPhone,
				"status":          resp.Status,
				"submitted_at":    now,
				"updated_at":      now,
				"revision":        gorm.Expr("bid_responses.revision + 1"),
			}),
		}).Omit("Items").Create(resp).Error; err != nil {
			return err
		}

		if err := tx.Where("recipient_id = ?", resp.RecipientID).First(&stored).Error; err != nil {
			return err
		}

		if err := tx.Where("response_id = ?", stored.ID).Delete(&entity.BidResponseItem{}).Error; err != nil {
			return err
		}
		for i := range items {
			items[i].ID = uuid.New().String()[:32]
			items[i].ResponseID = stored.ID
		}
		if len(items) > 0 {
			if err := tx.Create(&items).Error; err != nil {
				return err
			}
		}
		stored.Items = items

		return tx.Model(&entity.BidRecipient{}).Where("id = ?", rcp.ID).
			Updates(map[string]interface{}{
				"status":       entity.RecipientStatusResponded,
				"responded_at": now,
				"updated_at":   now,
			}).Error
	})
	if err != nil {
		return nil, translate(err)
	}
	return &stored, nil
}

// FindByRecipient 查询接收方当前报价（含明细）
func (r *ResponseRepository) FindByRecipient(ctx context.Context, recipientID string) (*entity.BidResponse, error) {
	var resp entity.BidResponse
	err := r.db.WithContext(ctx).
		Preload("Items").
		Where("recipient_id = ?", recipientID).
		First(&resp).Error
	if err != nil {
		return nil, translate(err)
	}
	return &resp, nil
}

// ListByRequest 查询询价单全部报价（比价导出用）
func (r *ResponseRepository) ListByRequest(ctx context.Context, requestID string) ([]entity.BidResponse, error) {
	var items []entity.BidResponse
	err := r.db.WithContext(ctx).
		Preload("Items").
		Where("bid_request_id = ?", requestID).
		Order("submitted_at ASC").
		Find(&items).Error
	return items, err
}
