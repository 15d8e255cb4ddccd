/* usbipd-go - USB/IP device-side stub server
 *
 * Control/status API
 *
 * usbipd-go runs a small HTTP API on a top of a unix domain control
 * socket, used to query per-device status from the running daemon
 * and to detach an exported device (POST /detach/:busid).
 */

package main

import (
	"log"
	"net"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
)

var (
	// CtrlsockAddr contains the control socket address in a form of
	// the net.UnixAddr structure.
	CtrlsockAddr = &net.UnixAddr{Name: PathCtrlSock, Net: "unix"}

	ctrlsockServer *http.Server
)

// ctrlAPIEngine builds the gin router serving the control API.
func ctrlAPIEngine(mgr *Manager, started time.Time) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	engine := gin.New()
	engine.Use(func(c *gin.Context) {
		defer func() {
			if v := recover(); v != nil {
				Log.Begin().Error('!', "ctrlapi: panic: %v", v).Commit()
				c.AbortWithStatus(http.StatusInternalServerError)
			}
		}()

		Log.Begin().Debug(' ', "ctrlapi: %s %s", c.Request.Method, c.Request.URL).Commit()
		c.Next()
	})

	engine.GET("/status", func(c *gin.Context) {
		c.Header("Cache-Control", "no-cache")
		c.Data(http.StatusOK, "text/plain; charset=utf-8", StatusFormat(mgr, started))
	})

	engine.GET("/devices", func(c *gin.Context) {
		c.JSON(http.StatusOK, mgr.Status())
	})

	engine.POST("/detach/:busid", func(c *gin.Context) {
		busID := c.Param("busid")
		if err := mgr.Detach(busID); err != nil {
			status := http.StatusInternalServerError
			if err == ErrNotExported {
				status = http.StatusNotFound
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"detached": busID})
	})

	engine.GET("/monitor", func(c *gin.Context) {
		c.Header("Cache-Control", "no-cache")
		c.JSON(http.StatusOK, MonitorSnapshot{
			Host:    CollectHostStats(),
			Devices: mgr.MonitorSnapshot(),
		})
	})

	return engine
}

// CtrlsockStart starts the control API server.
func CtrlsockStart(mgr *Manager, started time.Time) error {
	Log.Debug(' ', "ctrlapi: listening at %q", PathCtrlSock)

	os.Remove(PathCtrlSock)
	os.MkdirAll(PathProgState, 0755)

	listener, err := net.ListenUnix("unix", CtrlsockAddr)
	if err != nil {
		return err
	}

	// Make socket accessible to everybody. Error is ignored, it's not
	// a reason to abort usbipd-go.
	os.Chmod(PathCtrlSock, 0777)

	ctrlsockServer = &http.Server{
		Handler:  ctrlAPIEngine(mgr, started),
		ErrorLog: log.New(Log.LineWriter(LogError, '!'), "", 0),
	}

	go func() {
		ctrlsockServer.Serve(listener)
	}()

	return nil
}

// CtrlsockStop stops the control API server.
func CtrlsockStop() {
	Log.Debug(' ', "ctrlapi: shutdown")
	if ctrlsockServer != nil {
		ctrlsockServer.Close()
	}
}

// CtrlsockDial connects to the control socket of the running
// usbipd-go daemon.
func CtrlsockDial() (net.Conn, error) {
	conn, err := net.DialUnix("unix", nil, CtrlsockAddr)
	if err == nil {
		return conn, err
	}

	if neterr, ok := err.(*net.OpError); ok {
		if syserr, ok := neterr.Err.(*os.SyscallError); ok {
			switch syserr.Err {
			case syscall.ECONNREFUSED, syscall.ENOENT:
				err = ErrNoDaemon
			case syscall.EACCES, syscall.EPERM:
				err = ErrAccess
			}
		}
	}

	return conn, err
}
