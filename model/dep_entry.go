package model

import "gorm.io/plugin/soft_delete"

type DepEntry struct {
	ID int64 `json:"-" gorm:"primarykey"`
	// header path as listed in the dependency record
	FilePath string `json:"file_path"`
	// blake3 of the header content
	FileHash string `json:"file_hash"`
	// owning CacheEntry
	PID int64 `json:"-" gorm:"index:idx_pid"`
	/* 0 false 1 true */
	Deleted soft_delete.DeletedAt `json:"-" gorm:"softDelete:flag;default:0"`
}

func (DepEntry) TableName() string {
	return "dep_entry"
}
