package console

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"
)

// ErrNotFound is returned when no console answers on the local subnet.
var ErrNotFound = errors.New("no console found")

// discoverLimit caps concurrent probes during discovery.
const discoverLimit = 32

// LocalIPv4 returns the address of the interface that routes to the
// internet. No packets are sent; a UDP socket is only connected.
func LocalIPv4() (net.IP, error) {
	conn, err := net.Dial("udp4", "8.8.8.8:65530")
	if err != nil {
		return nil, fmt.Errorf("route lookup: %w", err)
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok || addr.IP.To4() == nil {
		return nil, errors.New("no local IPv4 address")
	}
	return addr.IP.To4(), nil
}

// Candidates returns .1 through .254 on local's /24, excluding local itself.
func Candidates(local net.IP) []string {
	ip4 := local.To4()
	if ip4 == nil {
		return nil
	}
	out := make([]string, 0, 253)
	for i := 1; i <= 254; i++ {
		if byte(i) == ip4[3] {
			continue
		}
		out = append(out, net.IPv4(ip4[0], ip4[1], ip4[2], byte(i)).String())
	}
	return out
}

// Discover probes every candidate concurrently and returns the first
// address that passes [Probe.Connect]. Remaining probes are cancelled once
// a console answers.
func Discover(parent context.Context, p *Probe, candidates []string) (string, error) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	var (
		once  sync.Once
		found string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(discoverLimit)

	for _, addr := range candidates {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			sess, err := p.Connect(gctx, addr)
			if err != nil {
				slog.Debug("discover: no console", "address", addr, "error", err)
				return nil
			}
			sess.Close()
			once.Do(func() {
				found = addr
				slog.Info("discover: console found", "address", addr)
				cancel()
			})
			return nil
		})
	}
	g.Wait()

	if found != "" {
		return found, nil
	}
	if err := parent.Err(); err != nil {
		return "", err
	}
	return "", ErrNotFound
}
