package entity

import "time"

// ActivityLog 询价操作日志
type ActivityLog struct {
	ID         string `json:"id" gorm:"primaryKey;size:32"`
	CompanyID  string `json:"company_id" gorm:"size:32;not null;index"`
	EntityType string `json:"entity_type" gorm:"size:50;not null;index:idx_bid_activity_entity"` // bid_request/bid_recipient
	EntityID   string `json:"entity_id" gorm:"size:32;not null;index:idx_bid_activity_entity"`

	Action     string `json:"action" gorm:"size:50;not null"` // create/send/add_recipient/remove_recipient/reissue/respond/decline
	FromStatus string `json:"from_status" gorm:"size:20"`
	ToStatus   string `json:"to_status" gorm:"size:20"`
	Content    string `json:"content" gorm:"type:text"`

	OperatorID   string    `json:"operator_id" gorm:"size:32"`
	OperatorType string    `json:"operator_type" gorm:"size:20"` // user/supplier/system
	CreatedAt    time.Time `json:"created_at"`
}

func (ActivityLog) TableName() string {
	return "bid_activity_logs"
}

// 操作日志常量
const (
	EntityTypeBidRequest   = "bid_request"
	EntityTypeBidRecipient = "bid_recipient"

	OperatorTypeUser     = "user"
	OperatorTypeSupplier = "supplier"
)
