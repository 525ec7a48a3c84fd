package delivery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrPreflight is returned when the device cannot possibly reach the server
var ErrPreflight = errors.New("preflight check failed")

// interfaceAddrs is swapped in tests
var interfaceAddrs = net.InterfaceAddrs

// LocalIPv4 returns the first non-loopback IPv4 address of the host
func LocalIPv4() (string, error) {
	addrs, err := interfaceAddrs()
	if err != nil {
		return "", fmt.Errorf("failed to list interface addresses: %w", err)
	}
	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipnet.IP.To4(); ip4 != nil {
			return ip4.String(), nil
		}
	}
	return "", errors.New("no non-loopback IPv4 address")
}

// checkReachable opens and closes a TCP connection to target
func checkReachable(ctx context.Context, target string, timeout time.Duration) error {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", target)
	if err != nil {
		return err
	}
	return conn.Close()
}
