// Package sysinfo collects process and platform details reported by the
// health endpoint and the version command.
package sysinfo

import (
	"net"
	"os"
	"runtime"
	"time"
)

var (
	// Version is the build version, set at build time via ldflags.
	// Example: go build -ldflags="-X github.com/postalsys/freeviewer/internal/sysinfo.Version=1.0.0"
	Version = "dev"

	startTime = time.Now()
)

// Info describes the running process.
type Info struct {
	Version       string   `json:"version"`
	Hostname      string   `json:"hostname"`
	OS            string   `json:"os"`
	Arch          string   `json:"arch"`
	GoVersion     string   `json:"go_version"`
	StartTime     int64    `json:"start_time"`
	UptimeSeconds int64    `json:"uptime_seconds"`
	IPAddresses   []string `json:"ip_addresses,omitempty"`
}

// Collect gathers local system information.
func Collect() Info {
	hostname, _ := os.Hostname()

	return Info{
		Version:       Version,
		Hostname:      hostname,
		OS:            runtime.GOOS,
		Arch:          runtime.GOARCH,
		GoVersion:     runtime.Version(),
		StartTime:     startTime.Unix(),
		UptimeSeconds: int64(Uptime().Seconds()),
		IPAddresses:   LocalIPs(),
	}
}

// LocalIPs returns up to ten non-loopback IPv4 addresses.
func LocalIPs() []string {
	var ips []string

	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ips
	}

	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if ipv4 := ipNet.IP.To4(); ipv4 != nil {
			ips = append(ips, ipv4.String())
		}
	}

	if len(ips) > 10 {
		ips = ips[:10]
	}
	return ips
}

// StartTime returns when the process started.
func StartTime() time.Time {
	return startTime
}

// Uptime returns how long the process has been running.
func Uptime() time.Duration {
	return time.Since(startTime)
}
