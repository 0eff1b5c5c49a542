// Package hostinfo derives a stable machine identity used to recognise a node across restarts.
package hostinfo

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"os"
	"slices"
	"strings"
)

var machineIDFiles = []string{"/etc/machine-id", "/var/lib/dbus/machine-id"}

// Fingerprint hashes the machine id, hostname and hardware addresses of the host.
// It returns an empty string when none of them can be read.
func Fingerprint() string {
	parts := []string{machineID()}
	if host, err := os.Hostname(); err == nil {
		parts = append(parts, strings.ToLower(host))
	}
	parts = append(parts, hardwareAddrs()...)
	return fingerprintOf(parts)
}

func fingerprintOf(parts []string) string {
	var kept []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	if len(kept) == 0 {
		return ""
	}
	sum := sha256.Sum256([]byte(strings.Join(kept, "|")))
	return hex.EncodeToString(sum[:16])
}

func machineID() string {
	for _, path := range machineIDFiles {
		if b, err := os.ReadFile(path); err == nil {
			return strings.TrimSpace(string(b))
		}
	}
	return ""
}

// hardwareAddrs lists the MACs of physical-looking interfaces, sorted so the order is stable
func hardwareAddrs() []string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	var macs []string
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) == 0 {
			continue
		}
		macs = append(macs, iface.HardwareAddr.String())
	}
	slices.Sort(macs)
	return slices.Compact(macs)
}

// OutboundIP returns the local address used to reach the network, empty when offline.
// No packet is sent, dialing UDP only selects a route.
func OutboundIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return ""
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return ""
}
