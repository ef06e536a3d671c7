package entity

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// FilterConfig 建单时使用的行项筛选条件（快照保存）
type FilterConfig struct {
	Categories []string `json:"categories"`
	CostTypes  []string `json:"cost_types"`
}

func (f FilterConfig) Value() (driver.Value, error) {
	return json.Marshal(f)
}

func (f *FilterConfig) Scan(value interface{}) error {
	if value == nil {
		*f = FilterConfig{}
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return fmt.Errorf("failed to scan FilterConfig: %v", value)
	}
	return json.Unmarshal(bytes, f)
}

// BidRequest 询价单
type BidRequest struct {
	ID                string       `json:"id" gorm:"primaryKey;size:32"`
	CompanyID         string       `json:"company_id" gorm:"size:32;not null;index"`
	ProjectID         string       `json:"project_id" gorm:"size:32;not null;index"`
	EstimateVersionID string       `json:"estimate_version_id" gorm:"size:32"`
	RequestedBy       string       `json:"requested_by" gorm:"size:32;not null"`
	Title             string       `json:"title" gorm:"size:200;not null"`
	Description       string       `json:"description" gorm:"type:text"`
	Notes             string       `json:"notes" gorm:"type:text"`
	DueDate           *time.Time   `json:"due_date"`
	Status            string       `json:"status" gorm:"size:20;not null;default:DRAFT"`
	FilterConfig      FilterConfig `json:"filter_config" gorm:"type:jsonb"`
	SentAt            *time.Time   `json:"sent_at"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`

	Items      []BidRequestItem `json:"items,omitempty" gorm:"foreignKey:BidRequestID"`
	Recipients []BidRecipient   `json:"recipients,omitempty" gorm:"foreignKey:BidRequestID"`

	// 列表统计（非持久化）
	ItemCount       int            `json:"item_count" gorm:"-"`
	RecipientCount  int            `json:"recipient_count" gorm:"-"`
	RecipientCounts map[string]int `json:"recipient_counts,omitempty" gorm:"-"`
}

func (BidRequest) TableName() string {
	return "bid_requests"
}

// 询价单状态
const (
	BidRequestStatusDraft = "DRAFT"
	BidRequestStatusSent  = "SENT"
)

// BidRequestItem 询价行项（建单时的估算快照，发送后不可变）
type BidRequestItem struct {
	ID           string    `json:"id" gorm:"primaryKey;size:32"`
	BidRequestID string    `json:"bid_request_id" gorm:"size:32;not null;index"`
	SortOrder    int       `json:"sort_order" gorm:"not null;default:0"`
	SourceType   string    `json:"source_type" gorm:"size:20;not null"`
	SourceID     *string   `json:"source_id,omitempty" gorm:"size:32"`
	CatSel       string    `json:"cat_sel,omitempty" gorm:"size:100"`
	Description  string    `json:"description" gorm:"type:text;not null"`
	Quantity     float64   `json:"quantity" gorm:"type:numeric(15,4);not null;default:1"`
	Unit         string    `json:"unit" gorm:"size:16;not null;default:EA"`
	CostType     string    `json:"cost_type" gorm:"size:20;not null"`
	CreatedAt    time.Time `json:"created_at"`
}

func (BidRequestItem) TableName() string {
	return "bid_request_items"
}

// 行项来源
const (
	SourceTypeEstimateLine = "PETL"
)

// 成本类型
const (
	CostTypeMaterial  = "MATERIAL"
	CostTypeLabor     = "LABOR"
	CostTypeEquipment = "EQUIPMENT"
)

// CostTypes 成本类型（按行内输出顺序）
var CostTypes = []string{CostTypeMaterial, CostTypeLabor, CostTypeEquipment}

// BidRecipient 询价接收方（每个供应商一条，持有门户访问凭证）
type BidRecipient struct {
	ID              string     `json:"id" gorm:"primaryKey;size:32"`
	BidRequestID    string     `json:"bid_request_id" gorm:"size:32;not null;uniqueIndex:idx_bid_recipient_supplier"`
	SupplierID      string     `json:"supplier_id" gorm:"size:32;not null;uniqueIndex:idx_bid_recipient_supplier"`
	AccessToken     string     `json:"-" gorm:"size:64;not null;uniqueIndex"`
	AccessPinDigest string     `json:"-" gorm:"size:128;not null"`
	Status          string     `json:"status" gorm:"size:20;not null;default:PENDING"`
	ExpiresAt       *time.Time `json:"expires_at"`
	SentAt          *time.Time `json:"sent_at"`
	ViewedAt        *time.Time `json:"viewed_at"`
	RespondedAt     *time.Time `json:"responded_at"`
	DeclinedAt      *time.Time `json:"declined_at"`
	DeclineReason   string     `json:"decline_reason,omitempty" gorm:"size:500"`

	// PIN锁定状态（Redis计数之外的持久化镜像）
	PinLockedUntil *time.Time `json:"-"`

	// 通知投递结果
	NotifyStatus string     `json:"notify_status,omitempty" gorm:"size:20"`
	NotifyError  string     `json:"notify_error,omitempty" gorm:"size:500"`
	NotifiedAt   *time.Time `json:"notified_at"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	BidRequest *BidRequest  `json:"-" gorm:"foreignKey:BidRequestID"`
	Supplier   *Supplier    `json:"supplier,omitempty" gorm:"foreignKey:SupplierID"`
	Response   *BidResponse `json:"response,omitempty" gorm:"foreignKey:RecipientID"`
}

func (BidRecipient) TableName() string {
	return "bid_recipients"
}

// 接收方状态
const (
	RecipientStatusPending   = "PENDING"
	RecipientStatusSent      = "SENT"
	RecipientStatusResponded = "RESPONDED"
	RecipientStatusDeclined  = "DECLINED"
)

// 通知投递状态
const (
	NotifyStatusDelivered = "delivered"
	NotifyStatusFailed    = "failed"
)

// ValidRecipientTransitions 合法的接收方状态流转
// RESPONDED → RESPONDED 为重复提交报价
var ValidRecipientTransitions = map[string][]string{
	RecipientStatusPending:   {RecipientStatusSent},
	RecipientStatusSent:      {RecipientStatusResponded, RecipientStatusDeclined},
	RecipientStatusResponded: {RecipientStatusResponded},
}

// CanTransitionRecipient 判断接收方状态流转是否合法
func CanTransitionRecipient(from, to string) bool {
	for _, s := range ValidRecipientTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal 是否已有最终答复
func (r *BidRecipient) IsTerminal() bool {
	return r.Status == RecipientStatusResponded || r.Status == RecipientStatusDeclined
}

// BidResponse 供应商报价（每个接收方最多一条，重复提交覆盖）
type BidResponse struct {
	ID             string    `json:"id" gorm:"primaryKey;size:32"`
	BidRequestID   string    `json:"bid_request_id" gorm:"size:32;not null;index"`
	RecipientID    string    `json:"recipient_id" gorm:"size:32;not null;uniqueIndex"`
	SupplierID     string    `json:"supplier_id" gorm:"size:32;not null"`
	TotalAmount    float64   `json:"total_amount" gorm:"type:numeric(15,2)"`
	Notes          string    `json:"notes" gorm:"type:text"`
	SubmitterName  string    `json:"submitter_name" gorm:"size:200"`
	SubmitterEmail string    `json:"submitter_email" gorm:"size:200"`
	SubmitterPhone string    `json:"submitter_phone" gorm:"size:50"`
	Status         string    `json:"status" gorm:"size:20;not null;default:SUBMITTED"`
	Revision       int       `json:"revision" gorm:"not null;default:1"`
	SubmittedAt    time.Time `json:"submitted_at"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`

	Items []BidResponseItem `json:"items,omitempty" gorm:"foreignKey:ResponseID"`
}

func (BidResponse) TableName() string {
	return "bid_responses"
}

const ResponseStatusSubmitted = "SUBMITTED"

// BidResponseItem 报价明细
type BidResponseItem struct {
	ID               string    `json:"id" gorm:"primaryKey;size:32"`
	ResponseID       string    `json:"response_id" gorm:"size:32;not null;uniqueIndex:idx_bid_response_item"`
	BidRequestItemID string    `json:"bid_request_item_id" gorm:"size:32;not null;uniqueIndex:idx_bid_response_item"`
	UnitPrice        float64   `json:"unit_price" gorm:"type:numeric(15,4);not null"`
	LeadTimeDays     *int      `json:"lead_time_days,omitempty"`
	Availability     string    `json:"availability" gorm:"size:20;default:IN_STOCK"`
	Notes            string    `json:"notes,omitempty" gorm:"type:text"`
	CreatedAt        time.Time `json:"created_at"`
}

func (BidResponseItem) TableName() string {
	return "bid_response_items"
}

// 供货状态
const (
	AvailabilityInStock      = "IN_STOCK"
	AvailabilityBackorder    = "BACKORDER"
	AvailabilitySpecialOrder = "SPECIAL_ORDER"
	AvailabilityUnavailable  = "UNAVAILABLE"
)

// ValidAvailability 判断供货状态取值
func ValidAvailability(v string) bool {
	switch v {
	case AvailabilityInStock, AvailabilityBackorder, AvailabilitySpecialOrder, AvailabilityUnavailable:
		return true
	}
	return false
}

// BidAttachment 供应商通过门户上传的报价附件
type BidAttachment struct {
	ID           string    `json:"id" gorm:"primaryKey;size:32"`
	BidRequestID string    `json:"bid_request_id" gorm:"size:32;not null;index"`
	RecipientID  string    `json:"recipient_id" gorm:"size:32;not null;index"`
	FileName     string    `json:"file_name" gorm:"size:256;not null"`
	ObjectKey    string    `json:"-" gorm:"size:512;not null"`
	ContentType  string    `json:"content_type" gorm:"size:100"`
	Size         int64     `json:"size"`
	CreatedAt    time.Time `json:"created_at"`
}

func (BidAttachment) TableName() string {
	return "bid_attachments"
}
