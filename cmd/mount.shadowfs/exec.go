//nolint:mnd,err113,noctx
package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"syscall"
	"time"

	"al.essio.dev/pkg/shellescape"
)

// BuildCommand assembles the argv for the target filesystem binary.
func (mh *MountHelper) BuildCommand() []string {
	parts := []string{mh.Type, mh.Source, mh.Mountpoint}
	parts = append(parts, mh.BuildOptions()...)

	return parts
}

// BuildOptions turns the parsed fstab options into CLI flags, sorted for
// deterministic, diffable invocations.
func (mh *MountHelper) BuildOptions() []string {
	parts := []string{}

	if len(mh.Options) == 0 {
		return parts
	}

	keys := make([]string, 0, len(mh.Options))
	for k := range mh.Options {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		parts = append(parts, "--"+key)

		if val := mh.Options[key]; val != "" {
			parts = append(parts, val)
		}
	}

	return parts
}

// Execute launches the target filesystem binary, optionally dropping
// privileges via setuid=, and blocks until the mountpoint appears (or the
// attempt times out).
func (mh *MountHelper) Execute() error {
	mh.setupEnvironment()

	cmdArgs := mh.BuildCommand()
	cmd := exec.Command(cmdArgs[0], cmdArgs[1:]...)

	spa := &syscall.SysProcAttr{Setsid: true}
	if mh.Setuid != "" {
		uid, gid, err := resolveUser(mh.Setuid)
		if err == nil {
			spa.Credential = &syscall.Credential{Uid: uid, Gid: gid}
		} else {
			safeArgs := make([]string, len(cmdArgs))
			for i, arg := range cmdArgs {
				safeArgs[i] = shellescape.Quote(arg)
			}
			innerCmdLine := strings.Join(safeArgs, " ")
			outerCmdLine := fmt.Sprintf("su - %s -c %s", shellescape.Quote(mh.Setuid), shellescape.Quote(innerCmdLine))
			cmd = exec.Command("/bin/sh", "-c", outerCmdLine)
		}
	}
	cmd.SysProcAttr = spa

	devnull, err := os.OpenFile("/dev/null", os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("failed to open /dev/null: %w", err)
	}
	defer devnull.Close()
	cmd.Stdin, cmd.Stdout, cmd.Stderr = devnull, devnull, devnull

	if logFile, err := os.OpenFile(mountLog, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644); err == nil {
		defer logFile.Close()
		cmd.Stdout, cmd.Stderr = logFile, logFile
	}

	r, w, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("pipe error: %w", err)
	}
	defer r.Close()
	cmd.Env = append(os.Environ(), "SHADOWFS_HELPER_FD=3")
	cmd.ExtraFiles = []*os.File{w}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("process error: %w", err)
	}
	_ = cmd.Process.Release()
	w.Close()

	if err := mh.waitForMount(r); err != nil {
		return fmt.Errorf("mount error: %w", err)
	}

	return nil
}

func (mh *MountHelper) setupEnvironment() {
	if mh.Setuid == "" && os.Getenv("HOME") == "" {
		os.Setenv("HOME", "/root")
	}

	currentPath := os.Getenv("PATH")
	additionalPath := "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"
	if currentPath == "" {
		os.Setenv("PATH", additionalPath)
	} else {
		os.Setenv("PATH", currentPath+":"+additionalPath)
	}
}

func (mh *MountHelper) waitForMount(r io.Reader) error {
	signalDone := make(chan error, 1)
	go func() {
		defer close(signalDone)

		buf := make([]byte, 1)
		_, err := r.Read(buf)
		signalDone <- err
	}()

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	totalTimeout := time.After(mountTimeout)
	for {
		select {
		case signalErr := <-signalDone:
			if signalErr == nil {
				return nil
			}
			signalDone = nil

		case <-ticker.C:
			if mounted, _ := mh.checkMountTable(); mounted {
				return nil
			}

		case <-totalTimeout:
			if mounted, _ := mh.checkMountTable(); mounted {
				return nil
			}

			return errors.New("timed out: mountpoint not found")
		}
	}
}

func (mh *MountHelper) checkMountTable() (bool, error) {
	f, err := os.Open("/proc/self/mountinfo")
	if err != nil {
		return false, fmt.Errorf("cannot open /proc/self/mountinfo: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if strings.Contains(scanner.Text(), " "+mh.Mountpoint+" ") {
			return true, nil
		}
	}

	if err := scanner.Err(); err != nil {
		return false, fmt.Errorf("error reading /proc/self/mountinfo: %w", err)
	}

	return false, nil
}
