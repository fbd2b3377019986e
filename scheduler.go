package main

import (
	"time"

	"gb-device/common"
	"gb-device/log"
	"gb-device/stack"

	"github.com/go-co-op/gocron/v2"
)

// 周期任务: 心跳/告警重报/会话清理/系统统计.
// 任务在调度器自己的协程里跑, 管理器内部有锁.
func startScheduler(engine *stack.Engine, alarms *stack.AlarmManager, stats *statsCollector) (gocron.Scheduler, error) {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(time.Duration(common.Config.KeepaliveInterval)*time.Second),
		gocron.NewTask(func() {
			if err := engine.SendKeepalive(); err != nil && err != stack.ErrNotRegistered {
				log.Sugar.Errorf("发送心跳失败 err: %s", err.Error())
			}
		}),
	)
	if err != nil {
		return nil, err
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(time.Duration(common.Config.AlarmReportInterval)*time.Second),
		gocron.NewTask(alarms.ReportActive),
	)
	if err != nil {
		return nil, err
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(time.Duration(common.Config.SessionTimeout)*time.Second/10),
		gocron.NewTask(func() {
			engine.Sessions().Sweep()
		}),
	)
	if err != nil {
		return nil, err
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(time.Second),
		gocron.NewTask(stats.Sample),
	)
	if err != nil {
		return nil, err
	}

	scheduler.Start()
	return scheduler, nil
}
