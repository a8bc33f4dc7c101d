//go:build linux

package can

import (
	"github.com/brutella/can"
)

func init() {
	RegisterInterface("socketcan", newSocketcanBus)
}

// SocketcanBus wraps brutella/can's netlink SocketCAN binding behind the
// Bus contract. It is one interchangeable driver among others; the core
// never imports brutella/can directly.
type SocketcanBus struct {
	bus      *can.Bus
	listener FrameListener
}

func newSocketcanBus(channel string, bitrate int) (Bus, error) {
	bus, err := can.NewBusForInterfaceWithName(channel)
	if err != nil {
		return nil, err
	}
	return &SocketcanBus{bus: bus}, nil
}

func (s *SocketcanBus) Connect(...any) error {
	go s.bus.ConnectAndPublish()
	return nil
}

func (s *SocketcanBus) Disconnect() error {
	return s.bus.Disconnect()
}

func (s *SocketcanBus) Subscribe(listener FrameListener) error {
	s.listener = listener
	s.bus.Subscribe(s)
	return nil
}

func (s *SocketcanBus) Send(frame Frame) error {
	raw := can.Frame{ID: frame.ID, Length: frame.DLC, Data: frame.Data}
	if frame.RTR {
		raw.ID |= RtrFlag
	}
	return s.bus.Publish(raw)
}

// Handle implements brutella/can's Handler interface.
func (s *SocketcanBus) Handle(frame can.Frame) {
	if s.listener == nil {
		return
	}
	s.listener.Handle(Frame{
		ID:   frame.ID & SffMask,
		RTR:  frame.ID&RtrFlag != 0,
		DLC:  frame.Length,
		Data: frame.Data,
	})
}

func (s *SocketcanBus) BusState() (State, error) {
	// brutella/can does not expose controller error counters; report the
	// default "clean" state. A richer driver (e.g. one built on
	// golang.org/x/sys SocketCAN raw sockets) could populate this from
	// CAN_RAW_ERR_FILTER frames.
	return State{}, nil
}
