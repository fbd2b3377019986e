package dao

import (
	"gorm.io/gorm"
)

// RecordModel 一段录像文件
type RecordModel struct {
	GBModel
	DeviceID  string `json:"device_id" gorm:"index"`
	ChannelID string `json:"channel_id" gorm:"index"`
	Name      string `json:"name"`
	StartTime string `json:"start_time" gorm:"index"`
	EndTime   string `json:"end_time"`
	Type      string `json:"type"` // time/manual/alarm
	FilePath  string `json:"file_path"`
	FileSize  uint64 `json:"file_size"`
}

func (r *RecordModel) TableName() string {
	return "gbd_record"
}

type daoRecord struct {
}

func (d *daoRecord) Save(record *RecordModel) error {
	return db.Save(record).Error
}

// Query 按通道+时间范围+类型过滤, 开始时间升序
func (d *daoRecord) Query(channelID, startTime, endTime, recordType string) ([]*RecordModel, error) {
	tx := db.Model(&RecordModel{})

	if channelID != "" {
		tx = tx.Where("channel_id = ?", channelID)
	}

	if startTime != "" {
		tx = tx.Where("end_time >= ?", startTime)
	}

	if endTime != "" {
		tx = tx.Where("start_time <= ?", endTime)
	}

	if recordType != "" && recordType != "all" {
		tx = tx.Where("type = ?", recordType)
	}

	var records []*RecordModel
	if err := tx.Order("start_time asc").Find(&records).Error; err != nil {
		return nil, err
	}

	return records, nil
}

func (d *daoRecord) Delete(channelID, startTime string) error {
	return db.Where("channel_id = ? and start_time = ?", channelID, startTime).Delete(&RecordModel{}).Error
}

func (d *daoRecord) Count() (int64, error) {
	var count int64
	err := db.Model(&RecordModel{}).Count(&count).Error
	return count, err
}

func (d *daoRecord) Transaction(cb func(tx *gorm.DB) error) error {
	return db.Transaction(cb)
}
