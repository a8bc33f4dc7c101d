package canopen

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/cia301/canopen/can"
)

// Handler receives CAN frames matched against a CANModule rx slot: PDO,
// SDO, NMT, SYNC and heartbeat all implement it.
type Handler interface {
	Handle(frame can.Frame)
}

// rxSlot is one entry of the filter table: a frame matches when
// (frame.ID ^ Ident) & Mask == 0, with the RTR bit folded into the same
// word as the identifier bits.
type rxSlot struct {
	Ident   uint32
	Mask    uint32
	Handler Handler
}

// txSlot is one mailbox of the transmit ring.
type txSlot struct {
	Ident      uint32
	DLC        uint8
	Data       [8]byte
	BufferFull bool
	SyncFlag   bool

	// bootExempt marks the one mailbox (the NMT boot-up/heartbeat slot)
	// excluded from the CAN_OVERRUN report on TX overflow, so a boot-up
	// frame still queued at startup never raises an EMCY.
	bootExempt bool
}

// CANModule sits between the CANopen objects and a can.Bus, providing
// filter-table RX dispatch and a TX mailbox ring so callers never block
// on Send.
type CANModule struct {
	bus       Bus
	emergency *Emergency

	mu sync.Mutex
	rx []rxSlot
	tx []txSlot

	txPending    uint32
	lastBusState can.State
	haveBusState bool
}

// Bus is an alias kept local so the rest of the package imports can.Bus
// through one name; see can/bus.go for the contract.
type Bus = can.Bus

// NewCANModule allocates a CANModule with fixed-size rx/tx tables. All
// slots are reserved up front; nothing allocates on the hot path.
func NewCANModule(bus Bus, rxSize, txSize int) *CANModule {
	m := &CANModule{
		bus: bus,
		rx:  make([]rxSlot, rxSize),
		tx:  make([]txSlot, txSize),
	}
	for i := range m.rx {
		m.rx[i].Mask = 0xFFFFFFFF
	}
	return m
}

// Start subscribes the module to the bus and marks it ready to send/receive.
func (m *CANModule) Start() error {
	if err := m.bus.Subscribe(m); err != nil {
		return err
	}
	return nil
}

// RxBufferInit installs a handler for frames matching (ident, mask, rtr)
// at a fixed slot index.
func (m *CANModule) RxBufferInit(index int, ident uint32, mask uint32, rtr bool, handler Handler) error {
	if handler == nil || index < 0 || index >= len(m.rx) {
		log.Warn("canmodule: illegal RxBufferInit arguments")
		return ErrIllegalArgument
	}
	slot := &m.rx[index]
	slot.Handler = handler
	slot.Ident = ident & can.SffMask
	if rtr {
		slot.Ident |= can.RtrFlag
	}
	slot.Mask = (mask & can.SffMask) | can.EffFlag | can.RtrFlag
	return nil
}

// TxBufferInit reserves a mailbox at a fixed slot index and returns it
// for the caller to fill in and hand to Send.
func (m *CANModule) TxBufferInit(index int, ident uint32, rtr bool, length uint8, syncFlag bool) (*txSlot, error) {
	if index < 0 || index >= len(m.tx) {
		return nil, ErrIllegalArgument
	}
	slot := &m.tx[index]
	slot.Ident = ident & can.SffMask
	if rtr {
		slot.Ident |= can.RtrFlag
	}
	slot.DLC = length
	slot.BufferFull = false
	slot.SyncFlag = syncFlag
	return slot, nil
}

// SetEmergency wires the Emergency producer this module reports
// CAN_OVERRUN and controller-state edge changes through.
func (m *CANModule) SetEmergency(em *Emergency) {
	m.emergency = em
}

// MarkBootExempt flags slot as the one mailbox a TX overflow never
// raises an EMCY for: the still-unsent boot-up frame.
func (m *CANModule) MarkBootExempt(slot *txSlot) {
	slot.bootExempt = true
}

// Send transmits a configured mailbox's current payload. If the mailbox
// is still full from a previous unsent frame the send is rejected with
// ErrTxOverflow and an EMCY CAN_OVERRUN is raised, unless the slot is
// the boot-up frame's. If the bus is momentarily busy, the frame is
// left marked BufferFull and retried from Process; the caller is never
// blocked.
func (m *CANModule) Send(slot *txSlot, data [8]byte) error {
	m.mu.Lock()
	if slot.BufferFull {
		exempt := slot.bootExempt
		m.mu.Unlock()
		if m.emergency != nil && !exempt {
			m.emergency.Report(true, EmcyCanOverrun, uint32(slot.Ident))
		}
		return ErrTxOverflow
	}
	slot.Data = data
	frame := can.NewFrame(slot.Ident&can.SffMask, slot.DLC, slot.Data)
	frame.RTR = slot.Ident&can.RtrFlag != 0
	if err := m.bus.Send(frame); err != nil {
		slot.BufferFull = true
		m.txPending++
		m.mu.Unlock()
		return ErrTxBusy
	}
	m.mu.Unlock()
	return nil
}

// Process retries any mailboxes still marked full and refreshes the
// error state snapshot; call once per millisecond tick.
func (m *CANModule) Process() error {
	if m.txPending > 0 {
		m.mu.Lock()
		found := false
		for i := range m.tx {
			if m.tx[i].BufferFull {
				found = true
				frame := can.NewFrame(m.tx[i].Ident&can.SffMask, m.tx[i].DLC, m.tx[i].Data)
				frame.RTR = m.tx[i].Ident&can.RtrFlag != 0
				if err := m.bus.Send(frame); err == nil {
					m.tx[i].BufferFull = false
					m.txPending--
				}
			}
		}
		m.mu.Unlock()
		if !found {
			m.txPending = 0
		}
	}
	return m.VerifyErrors()
}

// ClearSyncPDOs drops any still-pending synchronous TPDO mailboxes,
// called when a SYNC window closes with frames still queued.
func (m *CANModule) ClearSyncPDOs() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.tx {
		if m.tx[i].SyncFlag && m.tx[i].BufferFull {
			m.tx[i].BufferFull = false
			if m.txPending > 0 {
				m.txPending--
			}
		}
	}
}

// VerifyErrors polls the controller state, edge-reports
// passive/RX-overrun/TX-overrun changes to Emergency, logs bus-warning
// changes without reporting them, and reports a bus-off condition as an
// API error. Bus-off recovery raises
// EMCY BUS_OFF_RECOVERED once the controller re-synchronises.
func (m *CANModule) VerifyErrors() error {
	state, err := m.bus.BusState()
	if err != nil {
		return err
	}

	if m.emergency != nil {
		if !m.haveBusState {
			m.lastBusState = state
			m.haveBusState = true
		} else {
			prev := m.lastBusState
			m.lastBusState = state
			if state.Warning != prev.Warning {
				log.Warnf("canmodule: bus warning=%v", state.Warning)
			}
			if state.Passive != prev.Passive {
				m.emergency.Report(state.Passive, EmcyCanPassive, 0)
			}
			if prev.BusOff && !state.BusOff {
				m.emergency.Report(true, EmcyBusOffRecovered, 0)
				m.emergency.Report(false, EmcyBusOffRecovered, 0)
			}
			if state.RxOverrun && !prev.RxOverrun {
				m.emergency.Report(true, EmcyCanOverrun, 0)
				m.emergency.Report(false, EmcyCanOverrun, 0)
			}
			if state.TxOverrun && !prev.TxOverrun {
				m.emergency.Report(true, EmcyCanOverrun, 0)
				m.emergency.Report(false, EmcyCanOverrun, 0)
			}
		}
	}

	if state.BusOff {
		return ErrSyscall
	}
	return nil
}

// Handle implements can.FrameListener: every frame the bus delivers is
// scanned against the filter table in slot order and dispatched to the
// first matching handler only, so the filter ordering is significant.
func (m *CANModule) Handle(frame can.Frame) {
	id := frame.ID & can.SffMask
	if frame.RTR {
		id |= can.RtrFlag
	}
	for i := range m.rx {
		slot := &m.rx[i]
		if slot.Handler == nil {
			continue
		}
		if (id^slot.Ident)&slot.Mask == 0 {
			slot.Handler.Handle(frame)
			return
		}
	}
}
