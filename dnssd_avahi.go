//go:build linux

/* usbipd-go - USB/IP device-side stub server
 *
 * DNS-SD, Avahi-based system-dependent part
 */

package main

import (
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/holoplot/go-avahi"
)

var (
	avahiInitLock sync.Mutex
	avahiConn     *dbus.Conn
	avahiServer   *avahi.Server
)

// dnssdSysdep holds the live Avahi entry group backing one published
// service instance. The server handle is kept alongside because entry
// group disposal goes through Server.EntryGroupFree.
type dnssdSysdep struct {
	server *avahi.Server
	group  *avahi.EntryGroup
}

// avahiServerHandle lazily connects to the system D-Bus and opens the
// Avahi server proxy. A single shared connection serves every
// publisher, torn down only at process exit.
func avahiServerHandle() (*avahi.Server, error) {
	avahiInitLock.Lock()
	defer avahiInitLock.Unlock()

	if avahiServer != nil {
		return avahiServer, nil
	}

	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("avahi: %s", err)
	}

	server, err := avahi.ServerNew(conn)
	if err != nil {
		return nil, fmt.Errorf("avahi: %s", err)
	}

	avahiConn = conn
	avahiServer = server
	return server, nil
}

// newDnssdSysdep publishes a single service instance via Avahi.
func newDnssdSysdep(instance, svcType string, port int, txt DnsSdTxtRecord) (*dnssdSysdep, error) {
	server, err := avahiServerHandle()
	if err != nil {
		return nil, err
	}

	group, err := server.EntryGroupNew()
	if err != nil {
		return nil, fmt.Errorf("avahi: %s", err)
	}

	iface := int32(Conf.DNSSdInterface)

	proto := int32(avahi.ProtoUnspec)
	if !Conf.IPV6Enable {
		proto = avahi.ProtoInet
	}

	err = group.AddService(iface, proto, 0, instance, svcType, "", "",
		uint16(port), txt.export())
	if err != nil {
		server.EntryGroupFree(group)
		return nil, fmt.Errorf("avahi: %s", err)
	}

	if err := group.Commit(); err != nil {
		server.EntryGroupFree(group)
		return nil, fmt.Errorf("avahi: %s", err)
	}

	return &dnssdSysdep{server: server, group: group}, nil
}

// Close withdraws the entry group.
func (sd *dnssdSysdep) Close() {
	sd.group.Reset()
	sd.server.EntryGroupFree(sd.group)
}
