package entity

import "time"

// 以下为询价模块依赖的外部数据（公司、项目、估算、供应商），本模块只读

// Company 租户公司
type Company struct {
	ID        string    `json:"id" gorm:"primaryKey;size:32"`
	Name      string    `json:"name" gorm:"size:200;not null"`
	CreatedAt time.Time `json:"created_at"`
}

func (Company) TableName() string {
	return "companies"
}

// Project 工程项目
type Project struct {
	ID           string    `json:"id" gorm:"primaryKey;size:32"`
	CompanyID    string    `json:"company_id" gorm:"size:32;not null;index"`
	Name         string    `json:"name" gorm:"size:200"`
	AddressLine1 string    `json:"address_line1" gorm:"size:200"`
	City         string    `json:"city" gorm:"size:100"`
	State        string    `json:"state" gorm:"size:50"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (Project) TableName() string {
	return "projects"
}

// EstimateVersion 项目估算版本（按 SequenceNo 递增，最新版本为询价来源）
type EstimateVersion struct {
	ID         string    `json:"id" gorm:"primaryKey;size:32"`
	ProjectID  string    `json:"project_id" gorm:"size:32;not null;index"`
	SequenceNo int       `json:"sequence_no" gorm:"not null"`
	CreatedAt  time.Time `json:"created_at"`
}

func (EstimateVersion) TableName() string {
	return "estimate_versions"
}

// EstimateLine 估算行（PETL 行）
type EstimateLine struct {
	ID                string   `json:"id" gorm:"primaryKey;size:32"`
	EstimateVersionID string   `json:"estimate_version_id" gorm:"size:32;not null;index"`
	LineNo            int      `json:"line_no" gorm:"not null"`
	CategoryCode      string   `json:"category_code" gorm:"size:32"`
	SelectionCode     string   `json:"selection_code" gorm:"size:64"`
	Description       string   `json:"description" gorm:"type:text"`
	Qty               *float64 `json:"qty" gorm:"type:numeric(15,4)"`
	Unit              string   `json:"unit" gorm:"size:16"`
	ItemAmount        *float64 `json:"item_amount" gorm:"type:numeric(15,2)"`
	MaterialAmount    *float64 `json:"material_amount" gorm:"type:numeric(15,2)"`
	EquipmentAmount   *float64 `json:"equipment_amount" gorm:"type:numeric(15,2)"`
}

func (EstimateLine) TableName() string {
	return "estimate_lines"
}

// Supplier 供应商
type Supplier struct {
	ID                  string    `json:"id" gorm:"primaryKey;size:32"`
	CompanyID           string    `json:"company_id" gorm:"size:32;not null;index"`
	Code                string    `json:"code" gorm:"size:32"`
	Name                string    `json:"name" gorm:"size:200;not null"`
	Email               string    `json:"email" gorm:"size:200"`
	DefaultContactEmail string    `json:"default_contact_email" gorm:"size:200"`
	Phone               string    `json:"phone" gorm:"size:50"`
	IsActive            bool      `json:"is_active" gorm:"not null;default:true"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

func (Supplier) TableName() string {
	return "suppliers"
}

// ContactEmail 询价通知使用的邮箱，优先默认联系人
func (s *Supplier) ContactEmail() string {
	if s.DefaultContactEmail != "" {
		return s.DefaultContactEmail
	}
	return s.Email
}
