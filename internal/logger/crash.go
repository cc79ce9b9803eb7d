package logger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	// CrashLogDir is the crash report directory under the state directory.
	CrashLogDir = "crash_logs"

	// MaxCrashLogs is the number of reports kept.
	MaxCrashLogs = 10
)

// CrashContext is the process state copied into crash reports.
type CrashContext struct {
	mu         sync.RWMutex
	command    string
	version    string
	basePath   string
	jobID      string
	step       int
	checkpoint string
}

var globalContext = &CrashContext{}

// SetBasePath sets the state directory that holds crash_logs/.
func SetBasePath(path string) {
	globalContext.mu.Lock()
	defer globalContext.mu.Unlock()
	globalContext.basePath = path
}

// SetVersion records the binary version.
func SetVersion(version string) {
	globalContext.mu.Lock()
	defer globalContext.mu.Unlock()
	globalContext.version = version
}

// SetCommand records the running command line.
func SetCommand(cmd string) {
	globalContext.mu.Lock()
	defer globalContext.mu.Unlock()
	globalContext.command = cmd
}

// SetRound records the evaluation round in progress.
func SetRound(jobID string, step int, checkpoint string) {
	globalContext.mu.Lock()
	defer globalContext.mu.Unlock()
	globalContext.jobID = jobID
	globalContext.step = step
	globalContext.checkpoint = checkpoint
}

// CrashLog is one crash report.
type CrashLog struct {
	Timestamp  time.Time `json:"timestamp"`
	Version    string    `json:"version"`
	Command    string    `json:"command"`
	JobID      string    `json:"job_id,omitempty"`
	Step       int       `json:"step,omitempty"`
	Checkpoint string    `json:"checkpoint,omitempty"`
	PanicValue string    `json:"panic_value"`
	StackTrace string    `json:"stack_trace"`
	GoVersion  string    `json:"go_version"`
	OS         string    `json:"os"`
	Arch       string    `json:"arch"`
}

// HandlePanic recovers a panic, writes a crash report and exits with status
// 2. Use as: defer logger.HandlePanic()
func HandlePanic() {
	r := recover()
	if r == nil {
		return
	}
	log := createCrashLog(r)
	path, err := writeCrashLog(log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tunewatch: panic: %v\n%s\n", r, log.StackTrace)
		fmt.Fprintf(os.Stderr, "tunewatch: could not write crash report: %v\n", err)
		os.Exit(2)
	}
	fmt.Fprintf(os.Stderr, "tunewatch: panic: %v\n", r)
	fmt.Fprintf(os.Stderr, "crash report written to %s\n", path)
	os.Exit(2)
}

func createCrashLog(panicValue any) CrashLog {
	globalContext.mu.RLock()
	defer globalContext.mu.RUnlock()

	return CrashLog{
		Timestamp:  time.Now().UTC(),
		Version:    globalContext.version,
		Command:    globalContext.command,
		JobID:      globalContext.jobID,
		Step:       globalContext.step,
		Checkpoint: globalContext.checkpoint,
		PanicValue: fmt.Sprintf("%v", panicValue),
		StackTrace: string(debug.Stack()),
		GoVersion:  runtime.Version(),
		OS:         runtime.GOOS,
		Arch:       runtime.GOARCH,
	}
}

func writeCrashLog(log CrashLog) (string, error) {
	dir := crashLogDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create crash log dir: %w", err)
	}
	if err := cleanOldCrashLogs(dir, MaxCrashLogs-1); err != nil {
		fmt.Fprintf(os.Stderr, "tunewatch: clean crash logs: %v\n", err)
	}

	data, err := json.MarshalIndent(log, "", "  ")
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, fmt.Sprintf("crash_%s.json", log.Timestamp.Format("20060102_150405.000")))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write crash log: %w", err)
	}
	return path, nil
}

func crashLogDir() string {
	globalContext.mu.RLock()
	basePath := globalContext.basePath
	globalContext.mu.RUnlock()
	if basePath == "" {
		basePath = ".tunewatch"
	}
	return filepath.Join(basePath, CrashLogDir)
}

// cleanOldCrashLogs keeps the newest keep reports.
func cleanOldCrashLogs(dir string, keep int) error {
	logs, err := listCrashLogs(dir)
	if err != nil || len(logs) <= keep {
		return err
	}
	for _, path := range logs[:len(logs)-keep] {
		if err := os.Remove(path); err != nil {
			return err
		}
	}
	return nil
}

// ListCrashLogs returns crash report paths, oldest first.
func ListCrashLogs() ([]string, error) {
	return listCrashLogs(crashLogDir())
}

func listCrashLogs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var logs []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "crash_") && strings.HasSuffix(e.Name(), ".json") {
			logs = append(logs, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(logs)
	return logs, nil
}
