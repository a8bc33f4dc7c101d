package can

import "sync"

func init() {
	RegisterInterface("virtual", newVirtualBus)
}

// hub fans a sent frame out to every bus subscribed to the same channel
// name, simulating a shared CAN segment without needing a kernel SocketCAN
// interface or an external broker.
type hub struct {
	mu   sync.Mutex
	subs map[*VirtualBus]struct{}
}

var hubs = struct {
	mu sync.Mutex
	m  map[string]*hub
}{m: make(map[string]*hub)}

func getHub(channel string) *hub {
	hubs.mu.Lock()
	defer hubs.mu.Unlock()
	h, ok := hubs.m[channel]
	if !ok {
		h = &hub{subs: make(map[*VirtualBus]struct{})}
		hubs.m[channel] = h
	}
	return h
}

// VirtualBus is an in-process Bus used by tests to exercise full frame
// exchanges between a node core and a simulated peer without real hardware.
type VirtualBus struct {
	channel    string
	hub        *hub
	mu         sync.Mutex
	listener   FrameListener
	receiveOwn bool
	connected  bool
}

func newVirtualBus(channel string, bitrate int) (Bus, error) {
	return &VirtualBus{channel: channel, hub: getHub(channel)}, nil
}

// SetReceiveOwn makes this bus also deliver frames it sent itself, useful in
// single-bus tests where the node under test is both sender and observer.
func (v *VirtualBus) SetReceiveOwn(receiveOwn bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.receiveOwn = receiveOwn
}

func (v *VirtualBus) Connect(...any) error {
	v.hub.mu.Lock()
	v.hub.subs[v] = struct{}{}
	v.hub.mu.Unlock()
	v.mu.Lock()
	v.connected = true
	v.mu.Unlock()
	return nil
}

func (v *VirtualBus) Disconnect() error {
	v.hub.mu.Lock()
	delete(v.hub.subs, v)
	v.hub.mu.Unlock()
	v.mu.Lock()
	v.connected = false
	v.mu.Unlock()
	return nil
}

func (v *VirtualBus) Subscribe(listener FrameListener) error {
	v.mu.Lock()
	v.listener = listener
	v.mu.Unlock()
	return nil
}

func (v *VirtualBus) Send(frame Frame) error {
	v.hub.mu.Lock()
	peers := make([]*VirtualBus, 0, len(v.hub.subs))
	for p := range v.hub.subs {
		peers = append(peers, p)
	}
	v.hub.mu.Unlock()
	for _, p := range peers {
		if p == v && !v.receiveOwn {
			continue
		}
		p.mu.Lock()
		listener := p.listener
		p.mu.Unlock()
		if listener != nil {
			listener.Handle(frame)
		}
	}
	return nil
}

func (v *VirtualBus) BusState() (State, error) {
	return State{}, nil
}
