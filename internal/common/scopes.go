package common

import "gorm.io/gorm"

// NotDeleted 过滤已软删除的记录（默认查询行为）
// 使用方法：db.Scopes(common.NotDeleted()).Find(&rules)
func NotDeleted() func(db *gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("deleted_at IS NULL")
	}
}

// Paginate 应用分页条件
func Paginate(req PaginationRequest) func(db *gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Offset(req.GetOffset()).Limit(req.GetPageSize())
	}
}

// CreatedBetween 按创建时间范围过滤
func CreatedBetween(r *DateRange) func(db *gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		if r == nil {
			return db
		}
		if r.Start != nil {
			db = db.Where("created_at >= ?", *r.Start)
		}
		if r.End != nil {
			db = db.Where("created_at <= ?", *r.End)
		}
		return db
	}
}
