package repository

import (
	"errors"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate 唯一约束冲突（供应商重复、token重复）
	ErrDuplicate = errors.New("duplicate record")
	// ErrConflict 当前状态不允许该操作
	ErrConflict = errors.New("state conflict")
	// ErrNotDraft 询价单已发送，不可删除
	ErrNotDraft = errors.New("bid request is not draft")
)

// Scope 租户范围，所有内部查询都必须同时按公司和项目过滤
type Scope struct {
	CompanyID string
	ProjectID string
}

// Repositories 询价仓库集合
type Repositories struct {
	BidRequest  *BidRequestRepository
	Recipient   *RecipientRepository
	Response    *ResponseRepository
	Attachment  *AttachmentRepository
	Directory   *DirectoryRepository
	ActivityLog *ActivityLogRepository
}

// NewRepositories 创建询价仓库集合
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		BidRequest:  NewBidRequestRepository(db),
		Recipient:   NewRecipientRepository(db),
		Response:    NewResponseRepository(db),
		Attachment:  NewAttachmentRepository(db),
		Directory:   NewDirectoryRepository(db),
		ActivityLog: NewActivityLogRepository(db),
	}
}

// forUpdate 行锁
var forUpdate = clause.Locking{Strength: "UPDATE"}

// translate 统一转换 gorm 错误
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

// isUniqueViolation 需要 gorm.Config{TranslateError: true}；未开启时按 SQLSTATE 兜底
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(err.Error(), "SQLSTATE 23505")
}

// scoped 询价单租户过滤条件
func scoped(db *gorm.DB, scope Scope) *gorm.DB {
	return db.Where("bid_requests.company_id = ? AND bid_requests.project_id = ?", scope.CompanyID, scope.ProjectID)
}
