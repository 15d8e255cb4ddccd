/* usbipd-go - USB/IP device-side stub server
 *
 * Daemonization
 */

package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"
	"unicode"

	"golang.org/x/sys/unix"
)

// CloseStdInOutErr closes stdin/stdout/stderr handles
func CloseStdInOutErr() error {
	nul, err := syscall.Open(os.DevNull, syscall.O_RDONLY, 0644)
	if err != nil {
		return fmt.Errorf("open %q: %s", os.DevNull, err)
	}

	defer syscall.Close(nul)

	unix.Dup2(nul, 0)
	unix.Dup2(nul, 1)
	unix.Dup2(nul, 2)

	return nil
}

// Daemon runs usbipd-go in background
func Daemon() error {
	// Create stdout/stderr pipes
	rstdout, wstdout, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("pipe(): %s", err)
	}

	rstderr, wstderr, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("pipe(): %s", err)
	}

	devnull, err := os.Open(os.DevNull)
	if err != nil {
		return fmt.Errorf("open %q: %s", os.DevNull, err)
	}

	// Initialize process attributes
	attr := &os.ProcAttr{
		Files: []*os.File{devnull, wstdout, wstderr},
		Sys: &syscall.SysProcAttr{
			Setsid: true,
		},
	}

	// Initialize process arguments
	exepath, err := os.Executable()
	if err != nil {
		return err
	}

	args := []string{}
	for _, arg := range os.Args {
		if arg != "-bg" {
			args = append(args, arg)
		}
	}

	// Start new process
	proc, err := os.StartProcess(exepath, args, attr)
	if err != nil {
		return err
	}

	// Collect its initialization output
	wstdout.Close()
	wstderr.Close()

	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	io.Copy(stdout, rstdout)
	io.Copy(stderr, rstderr)

	if stdout.Len() != 0 {
		os.Stdout.Write(stdout.Bytes())
	}

	if stderr.Len() > 0 {
		s := strings.TrimFunc(stderr.String(), unicode.IsSpace)
		proc.Kill() // Just in case
		return errors.New(s)
	}

	proc.Release()

	return nil
}
