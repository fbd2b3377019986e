package dao

// AlarmModel 历史告警落库, 按通道精确查询, 开始时间倒序
type AlarmModel struct {
	GBModel
	AlarmID     string `json:"alarm_id" gorm:"uniqueIndex"`
	DeviceID    string `json:"device_id" gorm:"index"`
	ChannelID   string `json:"channel_id" gorm:"index"`
	AlarmType   int    `json:"alarm_type"`
	AlarmLevel  int    `json:"alarm_level"`
	Method      string `json:"method"`
	StartTime   string `json:"start_time"`
	EndTime     string `json:"end_time"`
	Description string `json:"description"`
	Priority    int    `json:"priority"`
}

func (a *AlarmModel) TableName() string {
	return "gbd_alarm"
}

type daoAlarm struct {
}

func (d *daoAlarm) Save(alarm *AlarmModel) error {
	return db.Save(alarm).Error
}

func (d *daoAlarm) Update(alarm *AlarmModel) error {
	return db.Model(&AlarmModel{}).Where("alarm_id = ?", alarm.AlarmID).Updates(alarm).Error
}

func (d *daoAlarm) Query(channelID string, limit int) ([]*AlarmModel, error) {
	tx := db.Model(&AlarmModel{})

	if channelID != "" {
		tx = tx.Where("channel_id = ?", channelID)
	}

	if limit > 0 {
		tx = tx.Limit(limit)
	}

	var alarms []*AlarmModel
	if err := tx.Order("start_time desc").Find(&alarms).Error; err != nil {
		return nil, err
	}

	return alarms, nil
}
