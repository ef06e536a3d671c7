package repository

import (
	"context"

	"github.com/bitfantasy/bidportal/internal/bid/entity"
	"gorm.io/gorm"
)

// AttachmentRepository 报价附件仓库
type AttachmentRepository struct {
	db *gorm.DB
}

func NewAttachmentRepository(db *gorm.DB) *AttachmentRepository {
	return &AttachmentRepository{db: db}
}

// Create 创建附件记录
func (r *AttachmentRepository) Create(ctx context.Context, att *entity.BidAttachment) error {
	return r.db.WithContext(ctx).Create(att).Error
}

// ListByRecipient 查询接收方上传的附件
func (r *AttachmentRepository) ListByRecipient(ctx context.Context, recipientID string) ([]entity.BidAttachment, error) {
	var items []entity.BidAttachment
	err := r.db.WithContext(ctx).
		Where("recipient_id = ?", recipientID).
		Order("created_at ASC").
		Find(&items).Error
	return items, err
}

// ListByRequest 查询询价单全部附件
func (r *AttachmentRepository) ListByRequest(ctx context.Context, requestID string) ([]entity.BidAttachment, error) {
	var items []entity.BidAttachment
	err := r.db.WithContext(ctx).
		Where("bid_request_id = ?", requestID).
		Order("created_at ASC").
		Find(&items).Error
	return items, err
}

// FindByID 查找询价单下的附件
func (r *AttachmentRepository) FindByID(ctx context.Context, requestID, attachmentID string) (*entity.BidAttachment, error) {
	var att entity.BidAttachment
	err := r.db.WithContext(ctx).
		Where("id = ? AND bid_request_id = ?", attachmentID, requestID).
		First(&att).Error
	if err != nil {
		return nil, translate(err)
	}
	return &att, nil
}

// CountByRecipient 统计接收方附件数量
func (r *AttachmentRepository) CountByRecipient(ctx context.Context, recipientID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&entity.BidAttachment{}).
		Where("recipient_id = ?", recipientID).
		Count(&count).Error
	return count, err
}
