/* usbipd-go - USB/IP device-side stub server
 *
 * Program configuration
 */

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/holoplot/go-avahi"
	"gopkg.in/ini.v1"
)

// ConfFileName defines the name of the usbipd-go configuration file.
const ConfFileName = "usbipd-go.conf"

// Configuration represents a program configuration.
type Configuration struct {
	TCPPort           int      // TCP port the listener binds to
	DNSSdEnable       bool     // Enable DNS-SD advertising of _usbip._tcp
	LoopbackOnly      bool     // Bind only the loopback interface
	DNSSdInterface    int      // Interface index DNS-SD advertises on (avahi.InterfaceUnspec means all)
	IPV6Enable        bool     // Enable IPv6 listening/advertising
	AllowList         []string // vendor:product or bus.addr patterns eligible for export; empty means allow all
	LogDevice         LogLevel // Per-device LogLevel mask
	LogMain           LogLevel // Main log LogLevel mask
	LogConsole        LogLevel // Console LogLevel mask
	LogMaxFileSize    int64    // Maximum log file size
	LogMaxBackupFiles uint     // Count of files preserved during rotation
	ColorConsole      bool     // Enable ANSI colors on console
}

// Conf contains the global instance of program configuration.
var Conf = Configuration{
	TCPPort:           TCPPort,
	DNSSdEnable:       true,
	LoopbackOnly:      false,
	DNSSdInterface:    int(avahi.InterfaceUnspec),
	IPV6Enable:        true,
	LogDevice:         LogDebug,
	LogMain:           LogDebug,
	LogConsole:        LogInfo,
	LogMaxFileSize:    256 * 1024,
	LogMaxBackupFiles: 5,
	ColorConsole:      true,
}

// ConfLoad loads the program configuration from usbipd-go.conf,
// searched for in PathConfDir and next to the executable.
func ConfLoad() error {
	exepath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("conf: %s", err)
	}
	exepath = filepath.Dir(exepath)

	files := []string{
		filepath.Join(PathConfDir, ConfFileName),
		filepath.Join(exepath, ConfFileName),
	}

	for _, file := range files {
		if err := confLoadFile(file); err != nil {
			return fmt.Errorf("conf: %s: %s", file, err)
		}
	}

	if Conf.TCPPort < 1 || Conf.TCPPort > 65535 {
		return fmt.Errorf("conf: tcp-port must be in range 1...65535")
	}

	return nil
}

func confLoadFile(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	cfg, err := ini.Load(path)
	if err != nil {
		return err
	}

	if sec := cfg.Section("network"); sec != nil {
		if k := sec.Key("tcp-port"); k.String() != "" {
			n, err := k.Int()
			if err != nil {
				return fmt.Errorf("tcp-port: %s", err)
			}
			Conf.TCPPort = n
		}
		if k := sec.Key("dns-sd"); k.String() != "" {
			Conf.DNSSdEnable, err = confBinary(k.String(), "disable", "enable")
			if err != nil {
				return err
			}
		}
		if k := sec.Key("interface"); k.String() != "" {
			name := k.String()
			Conf.LoopbackOnly = name == "lo" || name == "loopback"
			Conf.DNSSdInterface, err = InetInterface(name)
			if err != nil {
				return fmt.Errorf("interface: %s", err)
			}
		}
		if k := sec.Key("ipv6"); k.String() != "" {
			Conf.IPV6Enable, err = confBinary(k.String(), "disable", "enable")
			if err != nil {
				return err
			}
		}
		if k := sec.Key("allow"); k.String() != "" {
			Conf.AllowList = splitCommaList(k.String())
		}
	}

	if sec := cfg.Section("logging"); sec != nil {
		if k := sec.Key("device-log"); k.String() != "" {
			Conf.LogDevice, err = confLogLevel(k.String())
			if err != nil {
				return err
			}
		}
		if k := sec.Key("main-log"); k.String() != "" {
			Conf.LogMain, err = confLogLevel(k.String())
			if err != nil {
				return err
			}
		}
		if k := sec.Key("console-log"); k.String() != "" {
			Conf.LogConsole, err = confLogLevel(k.String())
			if err != nil {
				return err
			}
		}
		if k := sec.Key("console-color"); k.String() != "" {
			Conf.ColorConsole, err = confBinary(k.String(), "disable", "enable")
			if err != nil {
				return err
			}
		}
		if k := sec.Key("max-file-size"); k.String() != "" {
			n, err := k.Int64()
			if err != nil {
				return fmt.Errorf("max-file-size: %s", err)
			}
			Conf.LogMaxFileSize = n
		}
		if k := sec.Key("max-backup-files"); k.String() != "" {
			n, err := k.Uint()
			if err != nil {
				return fmt.Errorf("max-backup-files: %s", err)
			}
			Conf.LogMaxBackupFiles = n
		}
	}

	return nil
}

func confBinary(v, vFalse, vTrue string) (bool, error) {
	switch v {
	case vFalse:
		return false, nil
	case vTrue:
		return true, nil
	default:
		return false, fmt.Errorf("must be %s or %s, not %q", vFalse, vTrue, v)
	}
}

func confLogLevel(v string) (LogLevel, error) {
	var mask LogLevel
	for _, s := range strings.Split(v, ",") {
		s = strings.TrimSpace(s)
		switch s {
		case "":
		case "error":
			mask |= LogError
		case "info":
			mask |= LogInfo | LogError
		case "debug":
			mask |= LogDebug | LogInfo | LogError
		case "trace-usbip":
			mask |= LogTraceUSBIP | LogDebug | LogInfo | LogError
		case "trace-usb":
			mask |= LogTraceUSB | LogDebug | LogInfo | LogError
		case "trace-ctrl":
			mask |= LogTraceCtrl | LogDebug | LogInfo | LogError
		case "all", "trace-all":
			mask |= LogAll
		default:
			return 0, fmt.Errorf("invalid log level %q", s)
		}
	}
	return mask, nil
}

func splitCommaList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
