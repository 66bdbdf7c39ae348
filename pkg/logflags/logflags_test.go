package logflags

import (
	"bytes"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func TestLoggerWithField(t *testing.T) {
	out := &bufferWriter{}
	logOut = out
	defer func() {
		logOut = nil
	}()
	log := makeFlaggableLogger(true, Fields{"layer": "cache"}).WithField("queue", "fill")
	log.Debugf("worker %d started", 2)
	got := out.String()
	if !strings.Contains(got, " debug layer=cache queue=fill worker 2 started\n") {
		t.Fatalf("unexpected output %q", got)
	}

	out.Reset()
	makeFlaggableLogger(false, Fields{"layer": "cache"}).Debugf("hidden")
	if out.Len() != 0 {
		t.Fatalf("debug entry logged without the flag: %q", out.String())
	}
}

func TestMakeFlaggableLogger_withFlagFalse(t *testing.T) {
	actual := makeFlaggableLogger(false, Fields{"foo": "bar"})
	actualEntry, expectedType := actual.(entry)
	if !expectedType {
		t.Fatalf("expected actual to be of type <%v>; but was <%v>", reflect.TypeOf(entry{}), reflect.TypeOf(actual))
	}
	if actualEntry.Entry.Logger.Level != logrus.ErrorLevel {
		t.Fatalf("expected level to be <%v>; but was <%v>", logrus.ErrorLevel, actualEntry.Logger.Level)
	}
	if len(actualEntry.Entry.Data) != 1 || actualEntry.Data["foo"] != "bar" {
		t.Fatalf("expected data to be {'foo':'bar'}; but was <%v>", actualEntry.Data)
	}
}

func TestMakeFlaggableLogger_withFlagTrue(t *testing.T) {
	actual := makeFlaggableLogger(true, Fields{"foo": "bar"})
	actualEntry, expectedType := actual.(entry)
	if !expectedType {
		t.Fatalf("expected actual to be of type <%v>; but was <%v>", reflect.TypeOf(entry{}), reflect.TypeOf(actual))
	}
	if actualEntry.Entry.Logger.Level != logrus.DebugLevel {
		t.Fatalf("expected level to be <%v>; but was <%v>", logrus.DebugLevel, actualEntry.Logger.Level)
	}
}

func TestSetupLayers(t *testing.T) {
	defer func() {
		ctrl, protocol, trapnet, cache = false, false, false, false
	}()
	if err := Setup(false, "ctrl", ""); err != errLogstrWithoutLog {
		t.Fatalf("expected %v, got %v", errLogstrWithoutLog, err)
	}
	if err := Setup(true, "protocol,trapnet", ""); err != nil {
		t.Fatal(err)
	}
	if ctrl || !Protocol() || !Trapnet() || Cache() {
		t.Fatalf("wrong layer flags: ctrl=%v protocol=%v trapnet=%v cache=%v", ctrl, protocol, trapnet, cache)
	}
}

func TestTextFormatter(t *testing.T) {
	entry := &logrus.Entry{
		Time:    time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC),
		Level:   logrus.InfoLevel,
		Message: "hello",
		Data:    logrus.Fields{"layer": "ctrl"},
	}
	out, err := textFormatterInstance.Format(entry)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(out), "2020-01-02T03:04:05Z info layer=ctrl hello") {
		t.Fatalf("unexpected output %q", out)
	}
}

type bufferWriter struct {
	bytes.Buffer
}

func (bw *bufferWriter) Close() error {
	return nil
}
