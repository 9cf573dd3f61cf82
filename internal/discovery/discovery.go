// Package discovery announces this node over UDP multicast and tracks the
// other nodes heard on the group. Presence is soft-state: a device is online
// while its announcements keep arriving and ages out when they stop.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/trosyn/lansync/internal/config"
	"github.com/trosyn/lansync/internal/log"
)

// packetType is the discriminator carried in every discovery datagram.
const packetType = "discovery"

// errBackoff is how long the loops sleep after a transient socket error.
const errBackoff = 5 * time.Second

// Device is one node seen on the multicast group.
type Device struct {
	NodeID       string    `json:"node_id"`
	NodeName     string    `json:"node_name"`
	Address      string    `json:"address"`
	Port         int       `json:"port"`
	Capabilities []string  `json:"capabilities"`
	LastSeen     time.Time `json:"last_seen"`
}

// packet is the wire form of an announcement.
type packet struct {
	Type         string   `json:"type"`
	NodeID       string   `json:"node_id"`
	NodeName     string   `json:"node_name"`
	Timestamp    float64  `json:"timestamp"`
	Port         int      `json:"port"`
	Capabilities []string `json:"capabilities"`
}

// Service broadcasts this node's presence and listens for peers.
type Service struct {
	nodeID       string
	nodeName     string
	syncPort     int
	capabilities []string
	group        *net.UDPAddr
	interval     time.Duration
	timeout      time.Duration

	mu        sync.Mutex
	devices   map[string]*Device
	callbacks []func(Device)

	listenConn *net.UDPConn
	sendConn   *net.UDPConn
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	running    bool
}

// New creates a discovery service from the network config. Capabilities are
// advertised to peers so they can tell what this node will serve.
func New(cfg *config.Config, capabilities []string) (*Service, error) {
	ip := net.ParseIP(cfg.Network.MulticastGroup)
	if ip == nil || !ip.IsMulticast() {
		return nil, fmt.Errorf("invalid multicast group: %s", cfg.Network.MulticastGroup)
	}
	return &Service{
		nodeID:       cfg.Node.ID,
		nodeName:     cfg.Node.Name,
		syncPort:     cfg.Network.SyncPort,
		capabilities: capabilities,
		group:        &net.UDPAddr{IP: ip, Port: cfg.Network.DiscoveryPort},
		interval:     cfg.DiscoveryIntervalDur(),
		timeout:      cfg.DeviceTimeoutDur(),
		devices:      make(map[string]*Device),
	}, nil
}

// OnDeviceFound registers a callback invoked once per device, the first time
// it is sighted. Callbacks run on the listener goroutine; panics and errors
// inside them must not kill the loop, so they are recovered and logged.
func (s *Service) OnDeviceFound(cb func(Device)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks = append(s.callbacks, cb)
}

// Start opens the multicast sockets and launches the broadcast and listen
// loops. Calling Start on a running service is an error.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("discovery already running")
	}

	lc, err := listenMulticast(ctx, s.group)
	if err != nil {
		return fmt.Errorf("opening discovery listener: %w", err)
	}
	sc, err := net.DialUDP("udp4", nil, s.group)
	if err != nil {
		lc.Close()
		return fmt.Errorf("opening discovery sender: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	s.listenConn = lc
	s.sendConn = sc
	s.cancel = cancel
	s.running = true

	s.wg.Add(2)
	go s.broadcastLoop(ctx)
	go s.listenLoop(ctx)

	log.Info().
		Str("group", s.group.String()).
		Str("node_id", s.nodeID).
		Msg("discovery started")
	return nil
}

// Stop shuts the loops down and closes the sockets. Safe to call more than
// once and on a service that never started.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	lc, sc := s.listenConn, s.sendConn
	s.mu.Unlock()

	cancel()
	if lc != nil {
		lc.Close()
	}
	if sc != nil {
		sc.Close()
	}
	s.wg.Wait()
	log.Info().Msg("discovery stopped")
}

func (s *Service) broadcastLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Announce immediately so peers see us before the first tick.
	s.announce()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.announce()
		}
	}
}

func (s *Service) announce() {
	data, err := json.Marshal(packet{
		Type:         packetType,
		NodeID:       s.nodeID,
		NodeName:     s.nodeName,
		Timestamp:    float64(time.Now().UnixNano()) / float64(time.Second),
		Port:         s.syncPort,
		Capabilities: s.capabilities,
	})
	if err != nil {
		log.Error().Err(err).Msg("encoding discovery packet")
		return
	}
	if _, err := s.sendConn.Write(data); err != nil {
		log.Warn().Err(err).Msg("discovery broadcast failed")
		time.Sleep(errBackoff)
	}
}

func (s *Service) listenLoop(ctx context.Context) {
	defer s.wg.Done()

	buf := make([]byte, 4096)
	for {
		n, src, err := s.listenConn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			log.Warn().Err(err).Msg("discovery read failed")
			time.Sleep(errBackoff)
			continue
		}
		s.handlePacket(buf[:n], src.IP.String())
	}
}

// handlePacket parses one datagram and updates the registry. Malformed or
// foreign packets are dropped silently; our own announcements are ignored.
func (s *Service) handlePacket(data []byte, srcAddr string) {
	var p packet
	if err := json.Unmarshal(data, &p); err != nil {
		log.Debug().Err(err).Msg("dropping malformed discovery packet")
		return
	}
	if p.Type != packetType || p.NodeID == "" {
		return
	}
	if p.NodeID == s.nodeID {
		return
	}

	dev := Device{
		NodeID:       p.NodeID,
		NodeName:     p.NodeName,
		Address:      srcAddr,
		Port:         p.Port,
		Capabilities: p.Capabilities,
		LastSeen:     time.Now(),
	}

	s.mu.Lock()
	_, known := s.devices[p.NodeID]
	s.devices[p.NodeID] = &dev
	callbacks := s.callbacks
	s.mu.Unlock()

	if !known {
		log.Info().
			Str("node_id", dev.NodeID).
			Str("node_name", dev.NodeName).
			Str("address", dev.Address).
			Int("port", dev.Port).
			Msg("discovered device")
		for _, cb := range callbacks {
			s.safeCallback(cb, dev)
		}
	}
}

func (s *Service) safeCallback(cb func(Device), dev Device) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Any("panic", r).
				Str("node_id", dev.NodeID).
				Msg("device callback panicked")
		}
	}()
	cb(dev)
}

// Devices returns every device ever sighted, online or not, sorted by node ID.
func (s *Service) Devices() []Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Device, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// OnlineDevices returns the devices heard from within the configured timeout.
func (s *Service) OnlineDevices() []Device {
	return s.OnlineDevicesWithin(s.timeout)
}

// OnlineDevicesWithin returns the devices heard from within the given window,
// for callers that need a stricter or looser liveness bound than the default.
func (s *Service) OnlineDevicesWithin(window time.Duration) []Device {
	cutoff := time.Now().Add(-window)
	all := s.Devices()
	out := all[:0]
	for _, d := range all {
		if d.LastSeen.After(cutoff) {
			out = append(out, d)
		}
	}
	return out
}

// Lookup returns the last-seen record for a node ID.
func (s *Service) Lookup(nodeID string) (Device, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[nodeID]
	if !ok {
		return Device{}, false
	}
	return *d, true
}
