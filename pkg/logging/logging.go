// Package logging логгеры компонентов на logrus.
//
// У каждого компонента свой *logrus.Logger со своим уровнем. Вывод идет не
// через SetOutput, а через writerHook: отдельный хук на консоль и отдельный
// на файл, у каждого свой минимальный уровень. Файл ротируется lumberjack.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Имена компонентов.
const (
	ComponentCore    = "core"
	ComponentSIP     = "sip"
	ComponentMedia   = "media"
	ComponentCallLog = "calllog"
)

// SIPMessagePrefix начало сообщений с полным дампом SIP, их можно отфильтровать.
const SIPMessagePrefix = "SIP message:"

// Config настройки логирования. Уровни задаются числами 0..6:
// 0 trace, 1 debug, 2 info, 3 warn, 4 error, 5 fatal, 6 и выше - выключено.
type Config struct {
	ConsoleMinLevel int
	FileMinLevel    int

	// Levels уровень по компонентам, отсутствующие получают 2 (info).
	Levels map[string]int

	// File путь к файлу лога, пустой - без файла.
	File       string
	MaxSizeMB  int
	MaxBackups int

	// SIPMessages писать ли полные SIP сообщения.
	SIPMessages bool

	// Console куда писать консольный вывод, nil - os.Stdout.
	Console io.Writer
}

// DefaultConfig конфигурация по умолчанию: info в консоль, без файла.
func DefaultConfig() Config {
	return Config{
		ConsoleMinLevel: 0,
		FileMinLevel:    0,
		Levels: map[string]int{
			ComponentCore:    2,
			ComponentSIP:     2,
			ComponentMedia:   3,
			ComponentCallLog: 2,
		},
		MaxSizeMB:   100,
		MaxBackups:  1,
		SIPMessages: true,
	}
}

// Loggers набор логгеров приложения.
type Loggers struct {
	Core    *logrus.Entry
	SIP     *logrus.Entry
	Media   *logrus.Entry
	CallLog *logrus.Entry

	file *lumberjack.Logger
}

// New создает логгеры по конфигурации.
func New(cfg Config) *Loggers {
	console := cfg.Console
	if console == nil {
		console = os.Stdout
	}

	l := &Loggers{}
	var file io.Writer
	if cfg.File != "" {
		l.file = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB, // megabytes
			MaxBackups: cfg.MaxBackups,
		}
		file = l.file
	}

	consoleMin := ToLogrusLevel(cfg.ConsoleMinLevel)
	fileMin := ToLogrusLevel(cfg.FileMinLevel)
	level := func(name string) logrus.Level {
		if v, ok := cfg.Levels[name]; ok {
			return ToLogrusLevel(v)
		}
		return logrus.InfoLevel
	}

	var sipFilter func(*logrus.Entry) bool
	if !cfg.SIPMessages {
		sipFilter = isSIPMessage
	}

	l.Core = newLogger(ComponentCore, level(ComponentCore), consoleMin, fileMin, console, file, nil)
	l.SIP = newLogger(ComponentSIP, level(ComponentSIP), consoleMin, fileMin, console, file, sipFilter)
	l.Media = newLogger(ComponentMedia, level(ComponentMedia), consoleMin, fileMin, console, file, nil)
	l.CallLog = newLogger(ComponentCallLog, level(ComponentCallLog), consoleMin, fileMin, console, file, nil)
	return l
}

// Close закрывает файл лога.
func (l *Loggers) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// Discard логгер, который никуда не пишет.
func Discard() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}

// writerHook пишет записи в Writer для заданных уровней.
// Записи, для которых Skip возвращает true, пропускаются.
type writerHook struct {
	Writer    io.Writer
	LogLevels []logrus.Level
	Skip      func(*logrus.Entry) bool
}

func (h *writerHook) Fire(e *logrus.Entry) error {
	if h.Skip != nil && h.Skip(e) {
		return nil
	}
	line, err := e.String()
	if err != nil {
		return err
	}
	_, err = h.Writer.Write([]byte(line))
	return err
}

func (h *writerHook) Levels() []logrus.Level {
	return h.LogLevels
}

func newLogger(name string, level, consoleMin, fileMin logrus.Level, console, file io.Writer, skip func(*logrus.Entry) bool) *logrus.Entry {
	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetOutput(io.Discard)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05.000"})
	logger.AddHook(&writerHook{Writer: console, LogLevels: availableLevels(consoleMin), Skip: skip})
	if file != nil {
		logger.AddHook(&writerHook{Writer: file, LogLevels: availableLevels(fileMin), Skip: skip})
	}
	return logger.WithField("component", name)
}

func availableLevels(min logrus.Level) []logrus.Level {
	levels := []logrus.Level{}
	for _, l := range logrus.AllLevels {
		if l <= min {
			levels = append(levels, l)
		}
	}
	return levels
}

// ToLogrusLevel переводит числовой уровень из конфигурации в logrus.
func ToLogrusLevel(v int) logrus.Level {
	switch {
	case v <= 0:
		return logrus.TraceLevel
	case v == 1:
		return logrus.DebugLevel
	case v == 2:
		return logrus.InfoLevel
	case v == 3:
		return logrus.WarnLevel
	case v == 4:
		return logrus.ErrorLevel
	case v == 5:
		return logrus.FatalLevel
	default:
		return logrus.PanicLevel // off
	}
}

// isSIPMessage распознает дампы SIP сообщений.
func isSIPMessage(e *logrus.Entry) bool {
	return strings.HasPrefix(e.Message, SIPMessagePrefix)
}
