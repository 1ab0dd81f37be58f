package main

import (
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/renameio/v2"

	"github.com/leeineian/cadenza/internal/config"
	"github.com/leeineian/cadenza/internal/logger"
)

var (
	lockPath = "." + config.ProjectName + ".lock"
	pidPath  = "." + config.ProjectName + ".pid"
)

// acquirePID takes the instance lock, terminating a previous instance that
// still holds it, and records our PID. The returned func undoes both.
func acquirePID() func() {
	f, err := os.OpenFile(lockPath, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		logger.Fatal("Failed to open lock file: %v", err)
	}

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		err = syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
		if err == nil {
			break
		}
		if err != syscall.EWOULDBLOCK {
			logger.Fatal("Failed to lock %s: %v", lockPath, err)
		}

		oldPid, ok := readPID()
		if !ok || oldPid == os.Getpid() {
			<-ticker.C
			continue
		}
		terminate(oldPid, ticker)
	}

	if err := renameio.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
		logger.Warn("Failed to write PID file: %v", err)
	}

	return func() {
		_ = os.Remove(pidPath)
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		_ = f.Close()
		_ = os.Remove(lockPath)
	}
}

func readPID() (int, bool) {
	b, err := os.ReadFile(pidPath)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	return pid, err == nil && pid > 0
}

// terminate sends SIGTERM, escalating to SIGKILL after five seconds.
func terminate(pid int, ticker *time.Ticker) {
	process, err := os.FindProcess(pid)
	if err != nil {
		return
	}
	logger.Info(logger.MsgAppKillingOld, pid)
	_ = process.Signal(syscall.SIGTERM)

	if waitGone(process, ticker, 5*time.Second) {
		logger.Info(logger.MsgAppOldTerminated)
		return
	}
	logger.Warn("Old process %d is stubborn. Sending SIGKILL...", pid)
	_ = process.Signal(syscall.SIGKILL)
	if !waitGone(process, ticker, 2*time.Second) {
		logger.Warn("Process %d still exists after SIGKILL", pid)
		return
	}
	logger.Info(logger.MsgAppOldTerminated)
}

func waitGone(p *os.Process, ticker *time.Ticker, limit time.Duration) bool {
	timeout := time.After(limit)
	for {
		select {
		case <-ticker.C:
			if err := p.Signal(syscall.Signal(0)); err != nil {
				return true
			}
		case <-timeout:
			return false
		}
	}
}
