package repository

import (
	"context"

	"github.com/bitfantasy/bidportal/internal/bid/entity"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ActivityLogRepository 操作日志仓库
type ActivityLogRepository struct {
	db *gorm.DB
}

func NewActivityLogRepository(db *gorm.DB) *ActivityLogRepository {
	return &ActivityLogRepository{db: db}
}

// Create 创建操作日志
func (r *ActivityLogRepository) Create(ctx context.Context, log *entity.ActivityLog) error {
	if log.ID == "" {
		log.ID = uuid.New().String()[:32]
	}
	return r.db.WithContext(ctx).Create(log).Error
}

// FindByEntity 查询某实体的操作日志
func (r *ActivityLogRepository) FindByEntity(ctx context.Context, companyID, entityType, entityID string) ([]entity.ActivityLog, error) {
	var items []entity.ActivityLog
	err := r.db.WithContext(ctx).
		Where("company_id = ? AND entity_type = ? AND entity_id = ?", companyID, entityType, entityID).
		Order("created_at ASC").
		Find(&items).Error
	return items, err
}

// LogActivity 便捷记录操作日志，失败不影响主流程
func (r *ActivityLogRepository) LogActivity(ctx context.Context, companyID, entityType, entityID, action, fromStatus, toStatus, content, operatorID, operatorType string) {
	log := &entity.ActivityLog{
		ID:           uuid.New().String()[:32],
		CompanyID:    companyID,
		EntityType:   entityType,
		EntityID:     entityID,
		Action:       action,
		FromStatus:   fromStatus,
		ToStatus:     toStatus,
		Content:      content,
		OperatorID:   operatorID,
		OperatorType: operatorType,
	}
	r.db.WithContext(ctx).Create(log)
}
