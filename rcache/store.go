package rcache

import (
	"cmp"
	"encoding/hex"
	"fmt"
	"slices"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/zeebo/blake3"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"native-build-go/model"
)

// Store keeps cache entries and their header hashes in sqlite.
type Store struct {
	db *gorm.DB
}

func OpenStore(dbPath string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	if err := s.db.AutoMigrate(&model.CacheEntry{}); err != nil {
		return err
	}
	return s.db.AutoMigrate(&model.DepEntry{})
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// HashEntry computes the key of entry. Deps are sorted in place first so
// the key does not depend on upload order.
func HashEntry(entry *model.CacheEntry) string {
	slices.SortFunc(entry.Deps, func(a, b *model.DepEntry) int {
		return cmp.Compare(a.FilePath, b.FilePath)
	})
	h := blake3.New()
	fmt.Fprintf(h, "n:%s,%s,%s,%s\n", entry.Output, entry.CommandHash, entry.InputHash, entry.Instance)
	for _, dep := range entry.Deps {
		fmt.Fprintf(h, "d:%s,%s\n", dep.FilePath, dep.FileHash)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// SaveEntry inserts entry and its deps in one transaction. Rows left
// behind by an earlier sweep of the same key are purged.
func (s *Store) SaveEntry(entry *model.CacheEntry) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var stale []int64
		if err := tx.Unscoped().Model(&model.CacheEntry{}).
			Where("`key` = ? AND `deleted` = 1", entry.Key).
			Pluck("id", &stale).Error; err != nil {
			return err
		}
		if len(stale) > 0 {
			if err := tx.Unscoped().Where("`pid` IN ?", stale).Delete(&model.DepEntry{}).Error; err != nil {
				return err
			}
			if err := tx.Unscoped().Delete(&model.CacheEntry{}, stale).Error; err != nil {
				return err
			}
		}

		deps := entry.Deps
		entry.Deps = nil
		defer func() { entry.Deps = deps }()
		if err := tx.Create(entry).Error; err != nil {
			return err
		}
		if len(deps) == 0 {
			return nil
		}
		for _, dep := range deps {
			dep.ID = 0
			dep.PID = entry.ID
		}
		return tx.Create(&deps).Error
	})
}

func (s *Store) CheckEntryExist(key string) (bool, error) {
	var cnt int64
	if err := s.db.Model(&model.CacheEntry{}).
		Where("`key` = ?", key).
		Count(&cnt).Error; err != nil {
		return false, err
	}
	return cnt > 0, nil
}

// UpdateFileAccess postpones the expiry of key.
func (s *Store) UpdateFileAccess(key string, now time.Time) error {
	return s.db.Model(&model.CacheEntry{}).
		Where("`key` = ?", key).
		Update("last_access", now.Unix()).Error
}

// FindPotentialCacheRecords returns the newest entries matching the
// lookup, with their deps. The caller picks one whose deps match.
func (s *Store) FindPotentialCacheRecords(instance, output, commandHash, inputHash string, limit int) ([]*model.CacheEntry, error) {
	var items []*model.CacheEntry
	if err := s.db.Model(&model.CacheEntry{}).
		Preload("Deps").
		Where("`instance` = ? AND `output` = ? AND `command_hash` = ? AND `input_hash` = ?",
			instance, output, commandHash, inputHash).
		Order("created_at desc").
		Limit(limit).
		Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) FindExpiredWithLimit(now time.Time, limit int) ([]*model.CacheEntry, error) {
	var expired []*model.CacheEntry
	if err := s.db.Model(&model.CacheEntry{}).
		Where("`last_access` + `expired_duration` < ?", now.Unix()).
		Order("id").
		Limit(limit).
		Find(&expired).Error; err != nil {
		return nil, err
	}
	return expired, nil
}

// MarkDeleted soft deletes the entries and their deps.
func (s *Store) MarkDeleted(ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("`pid` IN ?", ids).Delete(&model.DepEntry{}).Error; err != nil {
			return err
		}
		return tx.Delete(&model.CacheEntry{}, ids).Error
	})
}
