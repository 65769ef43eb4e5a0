// Package probe inspects the host environment for conditions that
// undermine integrity monitoring, such as an attached debugger or a
// rooted system image.
package probe

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// debuggerNames lists parent process names that indicate the engine is
// running under a debugger or instrumentation tool.
var debuggerNames = map[string]bool{
	"gdb":          true,
	"lldb":         true,
	"strace":       true,
	"ltrace":       true,
	"radare2":      true,
	"frida-server": true,
}

// rootArtifacts lists filesystem paths whose presence marks a rooted or
// instrumented system.
var rootArtifacts = []string{
	"/system/bin/su",
	"/system/xbin/su",
	"/sbin/su",
	"/sbin/magisk",
	"/system/app/Superuser.apk",
	"/data/local/tmp/frida-server",
}

// DebuggerAttached reports whether another process is tracing this one
// or the parent process is a known debugging tool.
func DebuggerAttached() bool {
	if pid := tracerPID(); pid != 0 {
		return true
	}
	return parentIsDebugger()
}

func tracerPID() int {
	f, err := os.Open("/proc/self/status")
	if err != nil {
		return 0
	}
	defer f.Close()
	return tracerPIDFrom(f)
}

// tracerPIDFrom extracts the TracerPid field from process status
// content. Missing or malformed fields read as 0.
func tracerPIDFrom(r io.Reader) int {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "TracerPid:") {
			fields := strings.Fields(line)
			if len(fields) >= 2 {
				if pid, err := strconv.Atoi(fields[1]); err == nil {
					return pid
				}
			}
			break
		}
	}
	return 0
}

func parentIsDebugger() bool {
	comm, err := os.ReadFile(fmt.Sprintf("/proc/%d/comm", os.Getppid()))
	if err != nil {
		return false
	}
	return debuggerNames[strings.TrimSpace(string(comm))]
}

// RootArtifacts returns the known root or instrumentation artifacts
// present on this system.
func RootArtifacts() []string {
	var found []string
	for _, p := range rootArtifacts {
		if _, err := os.Stat(p); err == nil {
			found = append(found, p)
		}
	}
	return found
}

// Rooted reports whether any root artifact is present.
func Rooted() bool {
	return len(RootArtifacts()) > 0
}
