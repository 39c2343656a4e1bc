// Package discovery advertises the server on the local network over mDNS so
// editors on the same LAN can find it without configuration.
package discovery

import (
	"fmt"
	"os"

	"github.com/golang/glog"
	"github.com/grandcat/zeroconf"
)

const (
	ServiceName = "_collabtext._tcp"
	Domain      = "local."
)

// Instance names this node in the advertisement.
func Instance(nodeID string) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	if len(nodeID) > 8 {
		nodeID = nodeID[:8]
	}
	return fmt.Sprintf("CollabText-%s-%s", host, nodeID)
}

// Advertise registers the service on port and returns the function that
// withdraws it.
func Advertise(nodeID string, port int) (func(), error) {
	server, err := zeroconf.Register(
		Instance(nodeID),
		ServiceName,
		Domain,
		port,
		[]string{"txtv=0", "node=" + nodeID},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to register mDNS service: %w", err)
	}
	glog.Infof("[mdns]service registered: %s on port %d\n", ServiceName, port)
	return server.Shutdown, nil
}
