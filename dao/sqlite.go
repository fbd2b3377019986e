package dao

import (
	"os"
	"path/filepath"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

var (
	db     *gorm.DB
	Record = &daoRecord{}
	Alarm  = &daoAlarm{}
)

// Open 打开数据库并迁移表结构. path为":memory:"时使用内存库.
func Open(path string) error {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return err
		}
	}

	db_, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{
			SingularTable: true,
			TablePrefix:   "gbd_",
		},
	})

	if err != nil {
		return err
	}

	db = db_

	if path != ":memory:" {
		if tx := db.Exec("PRAGMA journal_mode=WAL;"); tx.Error != nil {
			return tx.Error
		}
	}

	if err = db.AutoMigrate(&RecordModel{}); err != nil {
		return err
	} else if err = db.AutoMigrate(&AlarmModel{}); err != nil {
		return err
	}

	return nil
}

type GBModel struct {
	ID        uint `json:"id" gorm:"primaryKey"`
	CreatedAt int64
	UpdatedAt int64
}
