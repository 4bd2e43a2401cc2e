package discovery

import (
	"context"
	"fmt"
	"net"
	"slices"
	"strconv"
	"sync"

	"github.com/grandcat/zeroconf"
)

const serviceName = "_gossipstate._udp"

// MDNS announces this node on the LAN and reports peers that serve the same
// application namespace.
type MDNS struct {
	nodeID    string
	namespace string
	server    *zeroconf.Server
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewMDNS registers the node and starts browsing. onPeer receives
// host:port addresses of discovered peers.
func NewMDNS(nodeID, namespace, bindAddr string, onPeer func([]string)) (*MDNS, error) {
	_, portStr, err := net.SplitHostPort(bindAddr)
	if err != nil {
		return nil, fmt.Errorf("discovery: invalid bind addr: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("discovery: invalid port: %w", err)
	}

	server, err := zeroconf.Register(instanceName(nodeID), serviceName, "local.", port, txtRecords(nodeID, namespace), nil)
	if err != nil {
		return nil, fmt.Errorf("discovery: register: %w", err)
	}

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		server.Shutdown()
		return nil, fmt.Errorf("discovery: resolver: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	entries := make(chan *zeroconf.ServiceEntry)
	m := &MDNS{
		nodeID:    nodeID,
		namespace: namespace,
		server:    server,
		cancel:    cancel,
	}

	m.wg.Add(1)
	go m.browseLoop(entries, onPeer)

	if err := resolver.Browse(ctx, serviceName, "local.", entries); err != nil {
		cancel()
		server.Shutdown()
		m.wg.Wait()
		return nil, fmt.Errorf("discovery: browse: %w", err)
	}
	return m, nil
}

func (m *MDNS) browseLoop(entries <-chan *zeroconf.ServiceEntry, onPeer func([]string)) {
	defer m.wg.Done()
	for entry := range entries {
		if !m.accepts(entry.Text) {
			continue
		}
		onPeer(entryAddrs(entry))
	}
}

// accepts reports whether a TXT record set belongs to another node of our namespace.
func (m *MDNS) accepts(text []string) bool {
	if slices.Contains(text, "node="+m.nodeID) {
		return false
	}
	return slices.Contains(text, "ns="+m.namespace)
}

// Stop shuts down the discovery service.
func (m *MDNS) Stop() {
	if m == nil {
		return
	}
	m.cancel()
	m.wg.Wait()
	m.server.Shutdown()
}

func entryAddrs(entry *zeroconf.ServiceEntry) []string {
	out := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	for _, ip := range entry.AddrIPv4 {
		out = append(out, net.JoinHostPort(ip.String(), strconv.Itoa(entry.Port)))
	}
	for _, ip := range entry.AddrIPv6 {
		out = append(out, net.JoinHostPort(ip.String(), strconv.Itoa(entry.Port)))
	}
	return out
}

func txtRecords(nodeID, namespace string) []string {
	return []string{"node=" + nodeID, "ns=" + namespace}
}

// instanceName keeps the DNS label within 63 bytes.
func instanceName(nodeID string) string {
	if len(nodeID) > 63 {
		return nodeID[:63]
	}
	return nodeID
}
