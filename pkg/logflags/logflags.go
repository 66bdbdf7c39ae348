package logflags

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

var (
	ctrl      = false
	protocol  = false
	trapnet   = false
	cache     = false
	unwind    = false
	entities  = false
	targetLog = false
)

var logOut io.WriteCloser

var textFormatterInstance = &textFormatter{}

func makeLogger(level logrus.Level, fields Fields) Logger {
	logger := logrus.New().WithFields(logrus.Fields(fields))
	logger.Logger.Formatter = textFormatterInstance
	if logOut != nil {
		logger.Logger.Out = logOut
	}
	logger.Logger.Level = level
	return entry{logger}
}

func makeFlaggableLogger(flag bool, fields Fields) Logger {
	if flag {
		return makeLogger(logrus.DebugLevel, fields)
	}
	return makeLogger(logrus.ErrorLevel, fields)
}

// Ctrl returns true if the control goroutine should log.
func Ctrl() bool {
	return ctrl
}

// CtrlLogger returns a logger for the control goroutine.
func CtrlLogger() Logger {
	return makeFlaggableLogger(ctrl, Fields{"layer": "ctrl"})
}

// Protocol returns true if every message and event crossing the ring
// buffers should be logged.
func Protocol() bool {
	return protocol
}

// ProtocolLogger returns a logger for the cross-thread protocol.
func ProtocolLogger() Logger {
	return makeFlaggableLogger(protocol, Fields{"layer": "protocol"})
}

// Trapnet returns true if trap installation and hits should be logged.
func Trapnet() bool {
	return trapnet
}

// TrapnetLogger returns a logger for the trap net and spoof engine.
func TrapnetLogger() Logger {
	return makeFlaggableLogger(trapnet, Fields{"layer": "ctrl", "kind": "trapnet"})
}

// Cache returns true if cache fills and evictions should be logged.
func Cache() bool {
	return cache
}

// CacheLogger returns a logger for the concurrent caches and their workers.
func CacheLogger() Logger {
	return makeFlaggableLogger(cache, Fields{"layer": "cache"})
}

// Unwind returns true if the unwinder should log its recoverable errors.
func Unwind() bool {
	return unwind
}

// UnwindLogger returns a logger for the unwinder and call stack builder.
func UnwindLogger() Logger {
	return makeFlaggableLogger(unwind, Fields{"layer": "unwind"})
}

// Entities returns true if entity store mutations should be logged.
func Entities() bool {
	return entities
}

// EntitiesLogger returns a logger for the entity store.
func EntitiesLogger() Logger {
	return makeFlaggableLogger(entities, Fields{"layer": "entities"})
}

// Target returns true if the OS control layer backends should log.
func Target() bool {
	return targetLog
}

// TargetLogger returns a logger for the OS control layer backends.
func TargetLogger() Logger {
	return makeFlaggableLogger(targetLog, Fields{"layer": "target"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets the layer flags based on the contents of logstr.
// If logDest is not empty logs will be redirected to the file descriptor or
// file path specified by logDest.
func Setup(logFlag bool, logstr string, logDest string) error {
	if logDest != "" {
		n, err := strconv.Atoi(logDest)
		if err == nil {
			logOut = os.NewFile(uintptr(n), "radctl-logs")
		} else {
			fh, err := os.Create(logDest)
			if err != nil {
				return fmt.Errorf("could not create log file: %v", err)
			}
			logOut = fh
		}
	}
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(io.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "ctrl"
	}
	v := strings.Split(logstr, ",")
	for _, logcmd := range v {
		switch logcmd {
		case "ctrl":
			ctrl = true
		case "protocol":
			protocol = true
		case "trapnet":
			trapnet = true
		case "cache":
			cache = true
		case "unwind":
			unwind = true
		case "entities":
			entities = true
		case "target":
			targetLog = true
		}
	}
	return nil
}

// Close closes the logger output.
func Close() {
	if logOut != nil {
		logOut.Close()
	}
}

// textFormatter is a simplified version of logrus.TextFormatter that
// doesn't make logs unreadable when they are output to a text file or to a
// terminal that doesn't support colors.
type textFormatter struct {
}

func (f *textFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var b strings.Builder

	fmt.Fprintf(&b, "%s %s ", entry.Time.Format("2006-01-02T15:04:05Z07:00"), strings.ToLower(entry.Level.String()))

	if layer, ok := entry.Data["layer"]; ok {
		fmt.Fprintf(&b, "layer=%v ", layer)
	}
	for k, v := range entry.Data {
		if k == "layer" {
			continue
		}
		fmt.Fprintf(&b, "%s=%v ", k, v)
	}
	b.WriteString(entry.Message)
	b.WriteByte('\n')
	return []byte(b.String()), nil
}
