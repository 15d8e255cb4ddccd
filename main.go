/* usbipd-go - USB/IP device-side stub server
 *
 * The main function
 */

package main

import (
	"bytes"
	"fmt"
	"os"
	"time"
)

const usageText = `Usage:
    %s mode [options]

Modes are:
    standalone  - run forever, export every attached USB device over
                  the USB/IP protocol
    debug       - logs duplicated on console, -bg option is ignored
    check       - check configuration and exit
    status      - print usbipd-go status and exit
    top         - live terminal monitor of a running daemon

Options are
    -bg         - run in background (ignored in debug mode)
`

// RunMode represents the program run mode
type RunMode int

// Run modes:
//
//	RunStandalone - run forever, export every attached USB device
//	RunDebug      - logs duplicated on console, -bg option is ignored
//	RunCheck      - check configuration and exit
//	RunStatus     - print usbipd-go status and exit
const (
	RunStandalone RunMode = iota
	RunDebug
	RunCheck
	RunStatus
	RunTop
)

// String returns RunMode name
func (m RunMode) String() string {
	switch m {
	case RunStandalone:
		return "standalone"
	case RunDebug:
		return "debug"
	case RunCheck:
		return "check"
	case RunStatus:
		return "status"
	case RunTop:
		return "top"
	}

	return fmt.Sprintf("unknown (%d)", int(m))
}

// RunParameters represents the program run parameters
type RunParameters struct {
	Mode       RunMode // Run mode
	Background bool    // Run in background
}

// usage prints detailed usage and exits
func usage() {
	fmt.Printf(usageText, os.Args[0])
	os.Exit(0)
}

// usageError prints usage error and exits
func usageError(format string, args ...interface{}) {
	if format != "" {
		fmt.Printf(format+"\n", args...)
	}

	fmt.Printf("Try %s -h for more information\n", os.Args[0])
	os.Exit(1)
}

// parseArgv parses program parameters. In a case of usage error,
// it prints a error message and exits
func parseArgv() (params RunParameters) {
	defer func() {
		if v := recover(); v != nil {
			Log.Panic(v)
		}
	}()

	params.Mode = RunDebug

	modes := 0
	for _, arg := range os.Args[1:] {
		switch arg {
		case "-h", "-help", "--help":
			usage()
		case "standalone":
			params.Mode = RunStandalone
			modes++
		case "debug":
			params.Mode = RunDebug
			modes++
		case "check":
			params.Mode = RunCheck
			modes++
		case "status":
			params.Mode = RunStatus
			modes++
		case "top":
			params.Mode = RunTop
			modes++
		case "-bg":
			params.Background = true
		default:
			usageError("Invalid argument %s", arg)
		}
	}

	if modes > 1 {
		usageError("Conflicting run modes")
	}

	if params.Mode == RunDebug {
		params.Background = false
	}

	return
}

// printStatus prints status of the running usbipd-go daemon, if any
func printStatus() {
	text, err := StatusRetrieve()
	if err != nil {
		InitLog.Info(0, "%s", err)
		return
	}

	text = bytes.Trim(text, "\n")
	lines := bytes.Split(text, []byte("\n"))
	for len(lines) > 0 && len(lines[len(lines)-1]) == 0 {
		lines = lines[0 : len(lines)-1]
	}

	for _, line := range lines {
		InitLog.Info(0, "%s", line)
	}
}

// The main function
func main() {
	params := parseArgv()

	err := ConfLoad()
	InitLog.Check(err)

	if params.Mode != RunDebug && params.Mode != RunCheck && params.Mode != RunStatus {
		Console.ToNowhere()
	} else if Conf.ColorConsole {
		Console.ToColorConsole()
	}

	Log.SetLevels(Conf.LogMain)
	Console.SetLevels(Conf.LogConsole)
	Log.Cc(LogAll, Console)

	if params.Mode == RunCheck {
		InitLog.Info(0, "Configuration files: OK")

		err = UsbInit(true)
		if err != nil {
			InitLog.Info(0, "Can't access USB subsystem: %s", err)
		} else {
			InitLog.Info(0, "USB subsystem: OK")
		}
	}

	if params.Mode == RunStatus {
		printStatus()
		os.Exit(0)
	}

	if params.Mode == RunTop {
		if err := RunMonitor(); err != nil {
			fmt.Println(err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	if os.Geteuid() != 0 {
		InitLog.Exit(0, "This program requires root privileges")
	}

	if params.Mode == RunCheck {
		os.Exit(0)
	}

	if params.Background {
		err = Daemon()
		InitLog.Check(err)
		os.Exit(0)
	}

	os.MkdirAll(PathLockDir, 0755)
	lock, err := os.OpenFile(PathLockFile, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	InitLog.Check(err)
	defer lock.Close()

	err = FileLock(lock, true, false)
	if err == ErrLockIsBusy {
		InitLog.Exit(0, "usbipd-go already running")
	}
	InitLog.Check(err)

	Log.Info(' ', "===============================")
	Log.Info(' ', "usbipd-go started in %q mode, pid=%d", params.Mode, os.Getpid())
	defer Log.Info(' ', "usbipd-go finished")

	err = UsbInit(false)
	InitLog.Check(err)

	if params.Mode != RunDebug {
		err = CloseStdInOutErr()
		InitLog.Check(err)
	}

	mgr := NewManager(usbCtx)
	stopPnP := make(chan struct{})
	go mgr.Run(stopPnP)
	defer close(stopPnP)

	listener, err := NewListener(Conf.TCPPort)
	InitLog.Check(err)
	defer listener.Close()

	started := time.Now()
	err = CtrlsockStart(mgr, started)
	InitLog.Check(err)
	defer CtrlsockStop()

	Log.Info(' ', "listening on port %d", Conf.TCPPort)

	srv := NewServer(listener, mgr)
	err = srv.Run()
	if err != nil {
		Log.Error('!', "server: %s", err)
	}
}
