//go:build !no_automation

package automation

import (
	"log/slog"
	"os"
	"testing"
	"time"

	lua "github.com/yuin/gopher-lua"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newSystemState(t *testing.T, cfg SystemConfig) (*lua.LState, *[]string) {
	t.Helper()
	L := lua.NewState()
	t.Cleanup(L.Close)
	var lines []string
	e := &Engine{logger: testLogger(), systemCfg: cfg}
	registerSystemModule(L, e, func(s string) { lines = append(lines, s) })
	return L, &lines
}

func evalGlobal(t *testing.T, L *lua.LState, code string) lua.LValue {
	t.Helper()
	if err := L.DoString("_result = " + code); err != nil {
		t.Fatalf("%s: %v", code, err)
	}
	return L.GetGlobal("_result")
}

func TestSystemDatetime(t *testing.T) {
	L, _ := newSystemState(t, SystemConfig{})

	for _, comp := range []string{"hour", "minute", "second", "weekday", "day", "month", "year", "timestamp"} {
		if v := evalGlobal(t, L, `system.datetime("`+comp+`")`); v.Type() != lua.LTNumber {
			t.Errorf("datetime(%q) type = %v, want number", comp, v.Type())
		}
	}
	if v := evalGlobal(t, L, `system.datetime("date_str")`); len(v.String()) != len("2006-01-02") {
		t.Errorf("date_str = %q", v.String())
	}
	if v := evalGlobal(t, L, `system.datetime("time_str")`); len(v.String()) != len("15:04:05") {
		t.Errorf("time_str = %q", v.String())
	}
	if err := L.DoString(`system.datetime("fortnight")`); err == nil {
		t.Error("unknown component: want error")
	}
}

func TestSystemTimeBetween(t *testing.T) {
	L, _ := newSystemState(t, SystemConfig{})
	hour := time.Now().Hour()
	next := (hour + 1) % 24
	later := (hour + 3) % 24

	L.SetGlobal("_h", lua.LNumber(hour))
	L.SetGlobal("_next", lua.LNumber(next))
	L.SetGlobal("_later", lua.LNumber(later))

	// [hour, hour+1) always contains now, wrapping when hour is 23.
	if v := evalGlobal(t, L, `system.time_between(_h, _next)`); v != lua.LTrue {
		t.Errorf("time_between(%d, %d) = %v, want true", hour, next, v)
	}
	// [hour+1, hour) covers every hour except the current one.
	if v := evalGlobal(t, L, `system.time_between(_next, _h)`); v != lua.LFalse {
		t.Errorf("time_between(%d, %d) = %v, want false", next, hour, v)
	}
	if v := evalGlobal(t, L, `system.time_between(_next, _later)`); v != lua.LFalse {
		t.Errorf("time_between(%d, %d) = %v, want false", next, later, v)
	}
}

func TestSystemLogCaptured(t *testing.T) {
	L, lines := newSystemState(t, SystemConfig{})
	if err := L.DoString(`system.log("warn", "door open")`); err != nil {
		t.Fatal(err)
	}
	if len(*lines) != 1 || (*lines)[0] != "[warn] door open" {
		t.Errorf("lines = %v", *lines)
	}
}

func TestSystemExecBlocked(t *testing.T) {
	tests := []struct {
		name      string
		allowlist []string
		cmd       string
	}{
		{"empty allowlist", nil, "/bin/echo hi"},
		{"relative path", []string{"echo"}, "echo hi"},
		{"not allowlisted", []string{"/usr/bin/echo"}, "/usr/bin/ls"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			L, _ := newSystemState(t, SystemConfig{ExecAllowlist: tt.allowlist})
			if v := evalGlobal(t, L, `system.exec("`+tt.cmd+`")`); v.String() != "" {
				t.Errorf("exec = %q, want empty", v.String())
			}
		})
	}
}

func TestSystemExecAllowed(t *testing.T) {
	if _, err := os.Stat("/bin/echo"); err != nil {
		t.Skip("/bin/echo not available")
	}
	L, _ := newSystemState(t, SystemConfig{ExecAllowlist: []string{"/bin/echo"}, ExecTimeout: 5 * time.Second})
	if v := evalGlobal(t, L, `system.exec("/bin/echo hello")`); v.String() != "hello\n" {
		t.Errorf("exec = %q, want %q", v.String(), "hello\n")
	}
}
