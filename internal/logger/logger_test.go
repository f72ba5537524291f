package logger

import "testing"

func TestHandlers(t *testing.T) {
	l := New()
	l.SetFlags(0)

	debug, info, warn, ok := 0, 0, 0, 0
	l.AddHandler(LevelDebug, func(LogLevel, string) { debug++ })
	l.AddHandler(LevelInfo, func(LogLevel, string) { info++ })
	l.AddHandler(LevelWarn, func(LogLevel, string) { warn++ })
	l.AddHandler(LevelOK, func(LogLevel, string) { ok++ })

	l.Debugf("test %d", 0)
	l.Infof("test %d", 1)
	l.Warnf("test %d", 2)
	l.Okf("test %d", 3)

	if debug != 1 {
		t.Errorf("debug handler called %d times, want 1", debug)
	}
	if info != 1 {
		t.Errorf("info handler called %d times, want 1", info)
	}
	if warn != 1 {
		t.Errorf("warn handler called %d times, want 1", warn)
	}
	if ok != 1 {
		t.Errorf("ok handler called %d times, want 1", ok)
	}
}
