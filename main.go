package main

import (
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"gb-device/api"
	"gb-device/common"
	"gb-device/dao"
	"gb-device/log"
	"gb-device/media"
	"gb-device/stack"

	"github.com/lkmio/avformat/utils"
	"go.uber.org/zap/zapcore"
)

var (
	LocalIP string
	Engine  *stack.Engine
)

func init() {
	logConfig := common.LogConfig{
		Level:     int(zapcore.DebugLevel),
		Name:      "./logs/device.log",
		MaxSize:   10,
		MaxBackup: 100,
		MaxAge:    7,
		Compress:  false,
	}

	log.InitLogger(zapcore.Level(logConfig.Level), logConfig.Name, logConfig.MaxSize, logConfig.MaxBackup, logConfig.MaxAge, logConfig.Compress)
}

func main() {
	config, err := common.ParseConfig("./config.ini")
	if err != nil {
		log.Sugar.Errorf("加载配置失败 err: %s", err.Error())
		os.Exit(-1)
	}

	common.Config = config

	// 命令行覆盖: [localIp] [serverIp]
	if len(os.Args) > 1 {
		config.ListenIP = os.Args[1]
	}
	if len(os.Args) > 2 {
		config.ServerIP = os.Args[2]
	}

	if err = dao.Open(config.RecordDBPath); err != nil {
		log.Sugar.Errorf("打开数据库失败 err: %s path: %s", err.Error(), config.RecordDBPath)
		os.Exit(-1)
	}

	transport, err := stack.NewUDPTransport(config.ListenIP, config.SipPort)
	if err != nil {
		log.Sugar.Errorf("监听失败 err: %s addr: %s:%d", err.Error(), config.ListenIP, config.SipPort)
		os.Exit(-1)
	}

	LocalIP = transport.LocalIP()
	log.Sugar.Infof("启动sip ua成功. addr: %s:%d device: %s", LocalIP, config.SipPort, config.DeviceID)

	shutdown := make(chan struct{}, 1)
	control := &controlSink{shutdown: shutdown}
	device := &deviceInfoProvider{engine: func() *stack.Engine { return Engine }}

	alarms := stack.NewAlarmManager(&alarmSink{engine: func() *stack.Engine { return Engine }})
	ptz := stack.NewPtzController(&loggingPtzSink{})
	stats := newStatsCollector(alarms)

	dispatcher := stack.NewDispatcher(device, &channelProvider{}, &recordProvider{},
		&iniConfigProvider{path: config.Path()}, ptz, alarms, control)
	dispatcher.SetStatusSource(stats)

	sessions := stack.NewSessionManager(config.MediaPortBase, time.Duration(config.SessionTimeout)*time.Second)

	engine, err := stack.NewEngine(stack.EngineConfig{
		DeviceID:        config.DeviceID,
		Username:        config.Username,
		Password:        config.Password,
		Realm:           config.Realm,
		ServerID:        config.ServerID,
		ServerIP:        config.ServerIP,
		ServerPort:      config.ServerPort,
		RegisterExpires: config.RegisterExpires,
	}, transport, sessions, dispatcher)
	utils.Assert(err == nil)

	Engine = engine
	engine.SetMediaSink(media.NewSink(nil))
	engine.SetEventHandler(stack.EventHandlerFunc(func(event stack.Event) {
		log.Sugar.Infof("引擎事件 event: %s callId: %s data: %s", event.Kind, event.CallID, event.Data)
	}))

	scheduler, err := startScheduler(engine, alarms, stats)
	utils.Assert(err == nil)

	httpAddr := net.JoinHostPort(LocalIP, strconv.Itoa(config.HttpPort))
	go func() {
		server := api.NewApiServer(engine, alarms, ptz, device, statsAdapter{stats})
		if err := server.Start(httpAddr); err != nil {
			log.Sugar.Errorf("http server退出 err: %s", err.Error())
		}
	}()

	if err = engine.Register(); err != nil {
		log.Sugar.Errorf("发送注册失败 err: %s", err.Error())
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	running := true
	go func() {
		select {
		case <-signals:
		case <-shutdown:
		}
		running = false
	}()

	// 事件循环. 唯一的阻塞点是带超时的recv.
	for running {
		if err := engine.Step(500 * time.Millisecond); err != nil {
			log.Sugar.Errorf("处理事件失败 err: %s", err.Error())
		}
	}

	log.Sugar.Infof("退出")
	_ = engine.Unregister()
	_ = scheduler.Shutdown()
	_ = transport.Close()
	os.Exit(0)
}
