package shared

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/schollz/peerdiscovery"
	"go.uber.org/zap"
)

const (
	DefaultDiscoveryPort = "9999"

	controllerPayloadPrefix = "replistore-controller "
	nodePayload             = "replistore-node"
)

// Announcer advertises a controller's client port on the local network until
// stopped.
type Announcer struct {
	stop   chan struct{}
	done   chan struct{}
	logger *zap.Logger
}

// Announce starts broadcasting controllerPort on the given discovery port.
func Announce(discoveryPort, controllerPort string, logger *zap.Logger) *Announcer {
	if discoveryPort == "" {
		discoveryPort = DefaultDiscoveryPort
	}

	a := &Announcer{
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: logger,
	}

	go func() {
		defer close(a.done)
		_, err := peerdiscovery.Discover(peerdiscovery.Settings{
			Limit:     -1,
			Port:      discoveryPort,
			Payload:   []byte(controllerPayloadPrefix + controllerPort),
			Delay:     time.Second,
			TimeLimit: -1,
			StopChan:  a.stop,
		})
		if err != nil {
			logger.Warn("Controller announcement stopped", zap.Error(err))
		}
	}()

	logger.Info("Announcing controller on local network",
		zap.String("discovery_port", discoveryPort),
		zap.String("controller_port", controllerPort))
	return a
}

func (a *Announcer) Stop() {
	if a == nil {
		return
	}
	close(a.stop)
	<-a.done
}

// DiscoverController listens for a controller announcement and returns its
// address as host:port.
func DiscoverController(discoveryPort string, timeout time.Duration) (string, error) {
	if discoveryPort == "" {
		discoveryPort = DefaultDiscoveryPort
	}

	found := make(chan string, 1)
	stop := make(chan struct{})

	go func() {
		peerdiscovery.Discover(peerdiscovery.Settings{
			Limit:     -1,
			Port:      discoveryPort,
			Payload:   []byte(nodePayload),
			Delay:     250 * time.Millisecond,
			TimeLimit: timeout,
			StopChan:  stop,
			Notify: func(d peerdiscovery.Discovered) {
				if addr, ok := controllerAddress(d.Address, string(d.Payload)); ok {
					select {
					case found <- addr:
					default:
					}
				}
			},
		})
		close(found)
	}()

	addr, ok := <-found
	if !ok {
		return "", fmt.Errorf("no controller announced within %s", timeout)
	}
	close(stop)
	return addr, nil
}

func controllerAddress(host, payload string) (string, bool) {
	if !strings.HasPrefix(payload, controllerPayloadPrefix) {
		return "", false
	}
	port := strings.TrimSpace(strings.TrimPrefix(payload, controllerPayloadPrefix))
	if port == "" {
		return "", false
	}
	return net.JoinHostPort(host, port), true
}
