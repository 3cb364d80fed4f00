package model

import "gorm.io/plugin/soft_delete"

// CacheEntry describes one compiled object stored by the cache server.
// The object and its dependency record are kept as files named after Key.
type CacheEntry struct {
	ID int64 `json:"id" gorm:"primarykey"`
	// blake3 over output, command hash, input hash and deps
	Key string `json:"key" gorm:"index:idx_key"`
	// object path relative to the build directory
	Output string `json:"output" gorm:"index:idx_lookup"`
	// rapidhash of the compile command, hex
	CommandHash string `json:"command_hash" gorm:"index:idx_lookup"`
	// blake3 of the source file
	InputHash string `json:"input_hash" gorm:"index:idx_lookup"`
	Instance  string `json:"instance" gorm:"index:idx_lookup"`

	OutputHash    string `json:"output_hash"`
	DepRecordHash string `json:"dep_record_hash"`
	StartMs       int64  `json:"start_ms"`
	EndMs         int64  `json:"end_ms"`

	// headers the object was compiled against
	Deps []*DepEntry `json:"deps" gorm:"foreignKey:PID"`

	CreatedAt  int64 `json:"created_at"`
	LastAccess int64 `json:"last_access" gorm:"index:idx_last_access"`
	// seconds after LastAccess the entry may be swept
	ExpiredDuration int64 `json:"expired_duration"`
	/* 0 false 1 true */
	Deleted soft_delete.DeletedAt `json:"-" gorm:"softDelete:flag;default:0"`
}

func (CacheEntry) TableName() string {
	return "cache_entry"
}
