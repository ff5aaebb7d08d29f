//go:build !windows

package pidfile

import (
	"bufio"
	"os"
	"strconv"
	"strings"
	"sync"

	gopsproc "github.com/shirou/gopsutil/v4/process"
	"github.com/tklauser/go-sysconf"
)

// procStartUnix returns the start time of pid in Unix seconds, 0 when
// unknown. Linux reads procfs directly; elsewhere, or when procfs is not
// mounted, gopsutil answers.
func procStartUnix(pid int) int64 {
	if pid <= 0 {
		return 0
	}
	if ticks := statStartTicks(pid); ticks > 0 {
		if bt := bootTime(); bt > 0 {
			return bt + ticks/clockTicks()
		}
	}
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return 0
	}
	ms, err := p.CreateTime()
	if err != nil || ms <= 0 {
		return 0
	}
	return ms / 1000
}

// statStartTicks reads field 22 (starttime, clock ticks after boot) of
// /proc/<pid>/stat. The comm field may contain spaces, so parsing starts
// after its closing parenthesis.
func statStartTicks(pid int) int64 {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return 0
	}
	line := string(b)
	i := strings.LastIndex(line, ") ")
	if i < 0 {
		return 0
	}
	fields := strings.Fields(line[i+2:])
	if len(fields) < 20 {
		return 0
	}
	v, err := strconv.ParseInt(fields[19], 10, 64)
	if err != nil {
		return 0
	}
	return v
}

var (
	bootOnce sync.Once
	bootUnix int64
)

func bootTime() int64 {
	bootOnce.Do(func() {
		f, err := os.Open("/proc/stat")
		if err != nil {
			return
		}
		defer func() { _ = f.Close() }()
		s := bufio.NewScanner(f)
		for s.Scan() {
			if v, ok := strings.CutPrefix(s.Text(), "btime "); ok {
				bootUnix, _ = strconv.ParseInt(strings.TrimSpace(v), 10, 64)
				return
			}
		}
	})
	return bootUnix
}

func clockTicks() int64 {
	clk, err := sysconf.Sysconf(sysconf.SC_CLK_TCK)
	if err != nil || clk <= 0 {
		return 100
	}
	return clk
}
