package log

import (
	"os"

	"github.com/natefinch/lumberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	Sugar *zap.SugaredLogger
)

func init() {
	// InitLogger之前只输出到控制台
	core := zapcore.NewCore(getEncoder(), zapcore.AddSync(os.Stdout), zapcore.InfoLevel)
	Sugar = zap.New(core).Sugar()
}

func InitLogger(level zapcore.LevelEnabler, name string, maxSize, maxBackup, maxAge int, compress bool) {
	var sinks []zapcore.Core
	writeSyncer := getLogWriter(name, maxSize, maxBackup, maxAge, compress)
	encoder := getEncoder()

	fileCore := zapcore.NewCore(encoder, writeSyncer, level)

	sinks = append(sinks, fileCore)
	sinks = append(sinks, zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), level))

	core := zapcore.NewTee(sinks...)

	logger := zap.New(core, zap.AddCaller())
	Sugar = logger.Sugar()
}

func getEncoder() zapcore.Encoder {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	return zapcore.NewConsoleEncoder(encoderConfig)
}

// 配置日志保存规则
// @name      日志文件名, 可包含路径
// @maxSize   单个日志文件最大大小(M)
// @maxBackup 日志文件最多生成多少个
// @maxAge	  日志文件最多保存多少天
func getLogWriter(name string, maxSize, maxBackup, maxAge int, compress bool) zapcore.WriteSyncer {
	lumberJackLogger := &lumberjack.Logger{
		Filename:   name,
		MaxSize:    maxSize,
		MaxBackups: maxBackup,
		MaxAge:     maxAge,
		Compress:   compress,
	}
	return zapcore.AddSync(lumberJackLogger)
}
