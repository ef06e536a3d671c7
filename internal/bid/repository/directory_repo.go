package repository

import (
	"context"

	"github.com/bitfantasy/bidportal/internal/bid/entity"
	"gorm.io/gorm"
)

// DirectoryRepository 公司、项目、估算、供应商的只读查询
type DirectoryRepository struct {
	db *gorm.DB
}

func NewDirectoryRepository(db *gorm.DB) *DirectoryRepository {
	return &DirectoryRepository{db: db}
}

// FindCompany 查找公司
func (r *DirectoryRepository) FindCompany(ctx context.Context, id string) (*entity.Company, error) {
	var company entity.Company
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&company).Error; err != nil {
		return nil, translate(err)
	}
	return &company, nil
}

// FindProject 查找公司下的项目
func (r *DirectoryRepository) FindProject(ctx context.Context, companyID, projectID string) (*entity.Project, error) {
	var project entity.Project
	err := r.db.WithContext(ctx).
		Where("id = ? AND company_id = ?", projectID, companyID).
		First(&project).Error
	if err != nil {
		return nil, translate(err)
	}
	return &project, nil
}

// LatestEstimateVersion 项目最新估算版本（SequenceNo 最大）
func (r *DirectoryRepository) LatestEstimateVersion(ctx context.Context, projectID string) (*entity.EstimateVersion, error) {
	var version entity.EstimateVersion
	err := r.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("sequence_no DESC").
		First(&version).Error
	if err != nil {
		return nil, translate(err)
	}
	return &version, nil
}

// EstimateLines 估算版本的全部行（按行号）
func (r *DirectoryRepository) EstimateLines(ctx context.Context, versionID string) ([]entity.EstimateLine, error) {
	var lines []entity.EstimateLine
	err := r.db.WithContext(ctx).
		Where("estimate_version_id = ?", versionID).
		Order("line_no ASC").
		Find(&lines).Error
	return lines, err
}

// FindActiveSuppliers 查找公司下启用的供应商，忽略不存在或停用的ID
func (r *DirectoryRepository) FindActiveSuppliers(ctx context.Context, companyID string, ids []string) ([]entity.Supplier, error) {
	var suppliers []entity.Supplier
	if len(ids) == 0 {
		return suppliers, nil
	}
	err := r.db.WithContext(ctx).
		Where("company_id = ? AND id IN ? AND is_active = ?", companyID, ids, true).
		Order("name ASC").
		Find(&suppliers).Error
	return suppliers, err
}
