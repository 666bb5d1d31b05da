package ble

import (
	"context"
	"errors"
	"os"

	"github.com/user/nearlink/logger"
	"github.com/user/nearlink/peers"
	"github.com/user/nearlink/wire"
	"github.com/user/nearlink/wire/advertising"
	"github.com/user/nearlink/wire/att"
	"github.com/user/nearlink/wire/gatt"
)

// Registry metadata key holding a peer's GATT server socket
const metaSocket = "socket"

// newClient builds the central side: a dial-only wire that receives
// notifications and ATT responses
func (s *Session) newClient(gen uint64) *wire.Wire {
	w := wire.New(wire.Config{
		LocalID:   s.host.Address,
		Network:   "unix",
		Framing:   wire.L2CAP,
		EventLog:  s.host.EventLog,
		LogPrefix: s.prefix + " GATT client",
		OnBytes:   s.countBytes,
	})
	w.SetDataHandler(func(peer string, data []byte) {
		s.clientPDU(w, peer, data)
	})
	w.SetConnectCallback(func(peer string, role wire.ConnectionRole) {
		s.codec.Reset(clientKey + peer)
		s.post(gen, func() { s.linkUp(peer, role) })
	})
	w.SetDisconnectCallback(func(peer string) {
		s.codec.Reset(clientKey + peer)
		s.post(gen, func() { s.linkDown(peer) })
	})
	return w
}

func (s *Session) clientPDU(w *wire.Wire, peer string, data []byte) {
	pdu, err := att.DecodePacket(data)
	if err != nil {
		logger.Debug(s.prefix, "bad ATT PDU from server %s: %v", logger.ShortID(peer), err)
		return
	}

	switch p := pdu.(type) {
	case *att.HandleValueNotification:
		if p.Handle == gatt.HandleCharValue {
			s.ingest(clientKey+peer, p.Value)
		}
	case *att.ExchangeMTUResponse:
		mtu := int(p.ServerRxMTU)
		if mtu > s.cfg.MTU {
			mtu = s.cfg.MTU
		}
		w.SetMTU(peer, mtu)
		logger.Debug(s.prefix, "MTU with server %s is %d", logger.ShortID(peer), w.MTU(peer))
	case *att.WriteResponse:
		logger.Trace(s.prefix, "write acknowledged by %s", logger.ShortID(peer))
	case *att.ErrorResponse:
		logger.Warn(s.prefix, "server %s: %v", logger.ShortID(peer), p.Err())
	}
}

// writeValue sends frame to a server as MTU-sized write commands
func (s *Session) writeValue(w *wire.Wire, peer string, frame []byte) bool {
	for _, chunk := range att.Chunk(frame, w.MTU(peer)) {
		err := s.send(w, peer, &att.WriteCommand{Handle: gatt.HandleCharValue, Value: chunk})
		if err != nil {
			logger.Warn(s.prefix, "write to %s failed: %v", logger.ShortID(peer), err)
			return false
		}
	}
	return true
}

// scan reads every advertisement on each tick until ctx is done
func (s *Session) scan(ctx context.Context, gen uint64) {
	defer s.wg.Done()

	ticker := s.host.Device.Clock().Ticker(s.cfg.ScanInterval)
	defer ticker.Stop()
	for {
		raw, found := s.scanOnce()
		s.post(gen, func() { s.scanned(gen, raw, found) })

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// scanOnce returns the devices on air and those advertising the service
func (s *Session) scanOnce() (raw, found []peers.Peer) {
	devices, err := wire.ListDevices(s.host.Address)
	if err != nil {
		logger.Warn(s.prefix, "scan failed: %v", err)
		return nil, nil
	}
	service := gatt.ServiceUUIDBytes()
	for _, address := range devices {
		adv, err := wire.ReadAdvertisement(address)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				logger.Debug(s.prefix, "advertisement of %s: %v", logger.ShortID(address), err)
			}
			continue
		}
		raw = append(raw, peers.Peer{Address: address})

		data, err := advertising.Decode(adv.Payload)
		if err != nil || !data.HasService(service) {
			continue
		}
		found = append(found, peers.Peer{
			Address: address,
			Name:    data.LocalName,
			Meta:    map[string]string{metaSocket: adv.Socket},
		})
	}
	return raw, found
}

// scanned applies one scan on the dispatcher
func (s *Session) scanned(gen uint64, raw, found []peers.Peer) {
	for _, p := range found {
		if s.registry.ServiceFound(p) {
			logger.Debug(s.prefix, "found %s (%s)", logger.ShortID(p.Address), p.Name)
		}
	}
	filtered, changed := s.registry.UpdatePeers(raw)
	if !changed || len(filtered) == 0 {
		return
	}
	// Devices with a larger address wait for the other side to connect
	if _, ok := s.target(); !ok {
		return
	}
	s.ctl.PeersAvailable()
	s.connectBest(gen)
}

// target picks the most recently found device we initiate to: of every
// pair only the device with the smaller address connects as client, and
// the single link carries records both ways
func (s *Session) target() (peers.Peer, bool) {
	_, client := s.wires()
	for _, p := range s.registry.Snapshot() {
		if p.Address <= s.host.Address || p.Meta[metaSocket] == "" {
			continue
		}
		if client != nil && client.IsConnected(p.Address) {
			continue
		}
		return p, true
	}
	return peers.Peer{}, false
}

func (s *Session) connectBest(gen uint64) {
	best, ok := s.target()
	if !ok {
		return
	}

	s.mu.Lock()
	client := s.client
	if client == nil || s.connecting[best.Address] {
		s.mu.Unlock()
		return
	}
	s.connecting[best.Address] = true
	s.wg.Add(1)
	s.mu.Unlock()

	logger.Info(s.prefix, "connecting to %s (%s)", logger.ShortID(best.Address), best.Name)
	go func() {
		defer s.wg.Done()
		err := s.connect(client, best)

		s.mu.Lock()
		delete(s.connecting, best.Address)
		s.mu.Unlock()
		if err != nil {
			s.post(gen, func() {
				logger.Warn(s.prefix, "connect to %s failed: %v", logger.ShortID(best.Address), err)
				s.ctl.ConnectFailed()
				s.retry(gen)
			})
		}
	}()
}

// connect dials the server, asks for our MTU and enables notifications
func (s *Session) connect(client *wire.Wire, p peers.Peer) error {
	if _, err := client.Connect(p.Address, p.Meta[metaSocket]); err != nil {
		return err
	}
	if err := s.send(client, p.Address, &att.ExchangeMTURequest{ClientRxMTU: uint16(s.cfg.MTU)}); err != nil {
		return err
	}
	return s.send(client, p.Address, &att.WriteRequest{
		Handle: gatt.HandleCCCD,
		Value:  gatt.EncodeCCCDValue(gatt.CCCDNotificationsEnabled),
	})
}

func (s *Session) retry(gen uint64) {
	s.mu.Lock()
	if s.retrying || s.ctx == nil {
		s.mu.Unlock()
		return
	}
	s.retrying = true
	ctx := s.ctx
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		err := s.retrier.Wait(ctx)
		s.mu.Lock()
		s.retrying = false
		s.mu.Unlock()
		if err != nil {
			return
		}
		s.post(gen, func() {
			s.ctl.PeersAvailable()
			s.connectBest(gen)
		})
	}()
}
