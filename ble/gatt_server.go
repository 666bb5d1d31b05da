package ble

import (
	"github.com/user/nearlink/logger"
	"github.com/user/nearlink/transport"
	"github.com/user/nearlink/wire"
	"github.com/user/nearlink/wire/advertising"
	"github.com/user/nearlink/wire/att"
	"github.com/user/nearlink/wire/gatt"
)

// newServer builds the peripheral side: a unix socket wire answering ATT
// requests against the message service table
func (s *Session) newServer(gen uint64, socket string) *wire.Wire {
	w := wire.New(wire.Config{
		LocalID:       s.host.Address,
		Network:       "unix",
		ListenAddress: socket,
		Framing:       wire.L2CAP,
		EventLog:      s.host.EventLog,
		LogPrefix:     s.prefix + " GATT server",
		OnBytes:       s.countBytes,
	})
	w.SetDataHandler(func(peer string, data []byte) {
		s.serverPDU(w, peer, data)
	})
	w.SetConnectCallback(func(peer string, role wire.ConnectionRole) {
		s.codec.Reset(serverKey + peer)
		s.post(gen, func() { s.linkUp(peer, role) })
	})
	w.SetDisconnectCallback(func(peer string) {
		s.cccd.Remove(peer)
		s.codec.Reset(serverKey + peer)
		s.post(gen, func() { s.linkDown(peer) })
	})
	return w
}

// advertise publishes the service UUID and the device model
func (s *Session) advertise(socket string) error {
	payload, err := advertising.Encode(advertising.Data{
		LocalName:    s.host.Device.Model(),
		ServiceUUIDs: [][16]byte{gatt.ServiceUUIDBytes()},
		Flags:        advertising.FlagLEGeneralDiscoverableMode | advertising.FlagBREDRNotSupported,
	})
	if err != nil {
		return err
	}
	return wire.WriteAdvertisement(wire.Advertisement{
		Address: s.host.Address,
		Socket:  socket,
		Payload: payload,
	})
}

// serverPDU handles one ATT PDU from a client. It runs on the link's read
// loop, so writes to one connection are processed in order.
func (s *Session) serverPDU(w *wire.Wire, peer string, data []byte) {
	pdu, err := att.DecodePacket(data)
	if err != nil {
		logger.Debug(s.prefix, "bad ATT PDU from %s: %v", logger.ShortID(peer), err)
		if len(data) > 0 {
			s.respond(w, peer, att.NewErrorResponse(data[0], 0, att.ErrRequestNotSupported))
		}
		return
	}

	switch p := pdu.(type) {
	case *att.ExchangeMTURequest:
		mtu := int(p.ClientRxMTU)
		if mtu > s.cfg.MTU {
			mtu = s.cfg.MTU
		}
		w.SetMTU(peer, mtu)
		logger.Debug(s.prefix, "MTU with %s is %d", logger.ShortID(peer), w.MTU(peer))
		s.respond(w, peer, &att.ExchangeMTUResponse{ServerRxMTU: uint16(s.cfg.MTU)})

	case *att.WriteRequest:
		s.respond(w, peer, s.serverWrite(peer, att.OpWriteRequest, p.Handle, p.Value))

	case *att.WriteCommand:
		// No response, even for errors
		s.serverWrite(peer, att.OpWriteCommand, p.Handle, p.Value)

	case *att.ReadRequest:
		switch p.Handle {
		case gatt.HandleCCCD:
			value := gatt.CCCDNotificationsDisabled
			if s.cccd.IsSubscribed(peer, gatt.HandleCharValue) {
				value = gatt.CCCDNotificationsEnabled
			}
			s.respond(w, peer, &att.ReadResponse{Value: gatt.EncodeCCCDValue(value)})
		case gatt.HandleCharValue:
			s.respond(w, peer, &att.ReadResponse{})
		default:
			s.respond(w, peer, att.NewErrorResponse(att.OpReadRequest, p.Handle, att.ErrReadNotPermitted))
		}

	default:
		s.respond(w, peer, att.NewErrorResponse(data[0], 0, att.ErrRequestNotSupported))
	}
}

// serverWrite applies a write to the attribute table and returns the PDU
// answering it
func (s *Session) serverWrite(peer string, op uint8, handle uint16, value []byte) interface{} {
	switch handle {
	case gatt.HandleCCCD:
		enabled, err := s.cccd.Write(peer, gatt.HandleCharValue, value)
		if err != nil {
			return att.NewErrorResponse(op, handle, att.ErrInvalidAttributeValueLength)
		}
		logger.Debug(s.prefix, "notifications for %s enabled=%v", logger.ShortID(peer), enabled)
		return &att.WriteResponse{}

	case gatt.HandleCharValue:
		s.ingest(serverKey+peer, value)
		return &att.WriteResponse{}
	}

	if _, ok := gatt.Lookup(handle); ok {
		return att.NewErrorResponse(op, handle, att.ErrWriteNotPermitted)
	}
	return att.NewErrorResponse(op, handle, att.ErrInvalidHandle)
}

func (s *Session) respond(w *wire.Wire, peer string, pdu interface{}) {
	if err := s.send(w, peer, pdu); err != nil {
		logger.Debug(s.prefix, "response to %s failed: %v", logger.ShortID(peer), err)
	}
}

func (s *Session) send(w *wire.Wire, peer string, pdu interface{}) error {
	data, err := att.EncodePacket(pdu)
	if err != nil {
		return err
	}
	return w.Send(peer, data)
}

// notify sends frame to a subscribed client as MTU-sized notifications
func (s *Session) notify(w *wire.Wire, peer string, frame []byte) bool {
	for _, chunk := range att.Chunk(frame, w.MTU(peer)) {
		err := s.send(w, peer, &att.HandleValueNotification{Handle: gatt.HandleCharValue, Value: chunk})
		if err != nil {
			logger.Warn(s.prefix, "notify %s failed: %v", logger.ShortID(peer), err)
			return false
		}
	}
	return true
}

var _ transport.Session = (*Session)(nil)
