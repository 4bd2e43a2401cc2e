// Package udp carries gossip messages as UDP datagrams between known peers.
package udp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/DobryySoul/gossipstate/internal/protocol"
	"github.com/DobryySoul/gossipstate/internal/transport"
)

// maxDatagram is the largest UDP payload over IPv4.
const maxDatagram = 65507

var (
	ErrTooLarge = errors.New("udp: message exceeds datagram size")
	ErrClosed   = errors.New("udp: transport is closed")
)

// Transport sends broadcasts to every known peer. Directed messages go to the
// endpoint the destination last sent from, or to every peer if it is unknown;
// receivers drop directed messages that are not addressed to them.
type Transport struct {
	address  string
	bindAddr string
	onError  func(error)
	fanout   *transport.Fanout

	conn *net.UDPConn
	stop chan struct{}
	wg   sync.WaitGroup

	peersMu  sync.RWMutex
	peers    []string
	peersSet map[string]struct{}
	routes   map[string]*net.UDPAddr

	closeOnce sync.Once
}

// New prepares a transport for the node identified by address.
// Call Start to bind the socket.
func New(address, bindAddr string, seeds []string, onError func(error)) *Transport {
	filtered := filterPeers(bindAddr, seeds)
	peersSet := make(map[string]struct{}, len(filtered))
	for _, peer := range filtered {
		peersSet[peer] = struct{}{}
	}
	return &Transport{
		address:  address,
		bindAddr: bindAddr,
		onError:  onError,
		fanout:   transport.NewFanout(transport.DefaultQueueSize),
		stop:     make(chan struct{}),
		peers:    filtered,
		peersSet: peersSet,
		routes:   make(map[string]*net.UDPAddr),
	}
}

func (t *Transport) Start() error {
	addr, err := net.ResolveUDPAddr("udp", t.bindAddr)
	if err != nil {
		return fmt.Errorf("udp: resolve bind addr: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("udp: listen: %w", err)
	}
	t.conn = conn

	t.wg.Add(1)
	go t.readLoop()
	return nil
}

func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		close(t.stop)
		if t.conn != nil {
			_ = t.conn.Close()
		}
		t.wg.Wait()
		t.fanout.Close()
	})
	return nil
}

func (t *Transport) Address() string {
	return t.address
}

// LocalAddr returns the bound socket address, useful when binding port 0.
func (t *Transport) LocalAddr() string {
	if t.conn == nil {
		return t.bindAddr
	}
	return t.conn.LocalAddr().String()
}

func (t *Transport) Subscribe() (<-chan protocol.Message, func()) {
	return t.fanout.Subscribe()
}

func (t *Transport) Broadcast(ctx context.Context, msg protocol.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-t.stop:
		return ErrClosed
	default:
	}
	if t.conn == nil {
		return ErrClosed
	}
	msg.Source = t.address
	data, err := protocol.Encode(msg)
	if err != nil {
		return fmt.Errorf("udp: encode message: %w", err)
	}
	if len(data) > maxDatagram {
		return fmt.Errorf("%w: %d bytes", ErrTooLarge, len(data))
	}

	if msg.Destination != "" {
		if route, ok := t.route(msg.Destination); ok {
			return t.send(data, route)
		}
	}
	var errs []error
	for _, peer := range t.Peers() {
		peerAddr, err := net.ResolveUDPAddr("udp", peer)
		if err != nil {
			errs = append(errs, fmt.Errorf("udp: resolve %s: %w", peer, err))
			continue
		}
		if err := t.send(data, peerAddr); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t *Transport) readLoop() {
	defer t.wg.Done()
	buf := make([]byte, maxDatagram)

	for {
		_ = t.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		nbytes, addr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			select {
			case <-t.stop:
				return
			default:
				continue
			}
		}

		msg, err := protocol.Decode(buf[:nbytes])
		if err != nil {
			t.reportErr(fmt.Errorf("udp: decode message from %s: %w", addr, err))
			continue
		}
		if msg.Source == "" || msg.Source == t.address {
			continue
		}
		t.learn(msg.Source, addr)
		if msg.Destination != "" && msg.Destination != t.address {
			continue
		}
		if dropped := t.fanout.Publish(msg); dropped > 0 {
			t.reportErr(fmt.Errorf("udp: inbound queue full, dropped %s from %s", msg.Kind, msg.Source))
		}
	}
}

func (t *Transport) send(data []byte, addr *net.UDPAddr) error {
	if _, err := t.conn.WriteToUDP(data, addr); err != nil {
		return fmt.Errorf("udp: send to %s: %w", addr, err)
	}
	return nil
}

func (t *Transport) learn(source string, addr *net.UDPAddr) {
	t.peersMu.Lock()
	t.routes[source] = addr
	t.peersMu.Unlock()
	t.AddPeers([]string{addr.String()})
}

func (t *Transport) route(address string) (*net.UDPAddr, bool) {
	t.peersMu.RLock()
	defer t.peersMu.RUnlock()
	addr, ok := t.routes[address]
	return addr, ok
}

// AddPeers registers additional peer addresses in host:port form.
func (t *Transport) AddPeers(peers []string) {
	filtered := filterPeers(t.LocalAddr(), peers)
	if len(filtered) == 0 {
		return
	}
	t.peersMu.Lock()
	for _, peer := range filtered {
		if _, ok := t.peersSet[peer]; ok {
			continue
		}
		t.peersSet[peer] = struct{}{}
		t.peers = append(t.peers, peer)
	}
	t.peersMu.Unlock()
}

// Peers returns a copy of the known peer addresses.
func (t *Transport) Peers() []string {
	t.peersMu.RLock()
	defer t.peersMu.RUnlock()
	return append([]string(nil), t.peers...)
}

func filterPeers(bindAddr string, peers []string) []string {
	seen := make(map[string]struct{}, len(peers))
	out := make([]string, 0, len(peers))
	for _, peer := range peers {
		if peer == "" || peer == bindAddr {
			continue
		}
		if _, ok := seen[peer]; ok {
			continue
		}
		seen[peer] = struct{}{}
		out = append(out, peer)
	}
	return out
}

func (t *Transport) reportErr(err error) {
	if t.onError == nil || err == nil {
		return
	}
	t.onError(err)
}
