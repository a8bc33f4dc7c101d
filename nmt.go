package canopen

import (
	"encoding/binary"

	log "github.com/sirupsen/logrus"

	"github.com/cia301/canopen/can"
	"github.com/cia301/canopen/od"
)

// NMTState is the CiA-301 NMT internal device state.
type NMTState uint8

const (
	NMTInitializing   NMTState = 0
	NMTPreOperational NMTState = 127
	NMTOperational    NMTState = 5
	NMTStopped        NMTState = 4
)

// NMTCommand is an NMT service command specifier, as carried on the wire.
type NMTCommand uint8

const (
	NMTEnterOperational    NMTCommand = 1
	NMTEnterStopped        NMTCommand = 2
	NMTEnterPreOperational NMTCommand = 128
	NMTResetNode           NMTCommand = 129
	NMTResetComm           NMTCommand = 130
)

// ResetCommand is what Process tells the node wiring to do after a
// reset-node or reset-communication command.
type ResetCommand uint8

const (
	ResetNot  ResetCommand = 0
	ResetComm ResetCommand = 1
	ResetApp  ResetCommand = 2
)

// NMT is the network management state machine: boot-up frame, command
// gating by target node id, an operational-entry guard on the error
// register, and the heartbeat producer.
type NMT struct {
	canModule *CANModule
	emergency *Emergency
	nodeId    uint8

	state     NMTState
	prevState NMTState
	pending   NMTCommand

	hbTimeUs uint32
	hbTimer  uint32
	hbTx     *txSlot
	cmdTx    *txSlot

	errorRegisterVar *od.Variable

	// OnStateChange, if set, is called whenever the internal state changes.
	OnStateChange func(state NMTState)
}

// NewNMT wires an NMT object: the shared NMT command rx slot (COB-ID 0x000,
// broadcast), a tx slot on the same COB-ID for the local SendCommand
// loopback, the heartbeat tx slot built from OD 0x1017, and the error
// register variable the operational-entry guard reads.
func NewNMT(m *CANModule, em *Emergency, dict *od.ObjectDictionary, nodeId uint8, rxSlot, cmdTxSlot, hbTxSlot int) (*NMT, error) {
	n := &NMT{
		canModule: m,
		emergency: em,
		nodeId:    nodeId,
		state:     NMTInitializing,
		prevState: NMTInitializing,
	}

	if v, res := dict.FindSub(0x1017, 0); res == od.ResultOK {
		if u, err := v.Uint(); err == nil {
			n.hbTimeUs = uint32(u) * 1000
		}
		v.SetExtension(&od.Extension{Object: n, Write: n.writeHeartbeatTime})
	}
	if v, res := dict.FindSub(0x1001, 0); res == od.ResultOK {
		n.errorRegisterVar = v
	}

	if err := m.RxBufferInit(rxSlot, 0x000, 0x7FF, false, n); err != nil {
		return nil, err
	}
	cmdTx, err := m.TxBufferInit(cmdTxSlot, 0x000, false, 2, false)
	if err != nil {
		return nil, err
	}
	n.cmdTx = cmdTx
	tx, err := m.TxBufferInit(hbTxSlot, 0x700+uint32(nodeId), false, 1, false)
	if err != nil {
		return nil, err
	}
	m.MarkBootExempt(tx)
	n.hbTx = tx

	return n, nil
}

func (n *NMT) writeHeartbeatTime(v *od.Variable, data []byte) od.Result {
	n.hbTimeUs = uint32(binary.LittleEndian.Uint16(data)) * 1000
	n.hbTimer = 0
	return od.ResultOK
}

// Handle implements Handler: an NMT command frame targets this node when
// its node-id byte is 0 (broadcast) or matches.
func (n *NMT) Handle(frame can.Frame) {
	if frame.DLC != 2 {
		return
	}
	target := frame.Data[1]
	if target != 0 && target != n.nodeId {
		return
	}
	n.pending = NMTCommand(frame.Data[0])
}

// SendCommand transmits an NMT command frame (command, targetNodeId) on
// COB-ID 0x000 and, since this node is itself a bus participant, loops the
// command back into its own pending-command slot exactly as if it had
// been received. NMT command frames are not echoed by the bus.
func (n *NMT) SendCommand(cmd NMTCommand, targetNodeId uint8) error {
	var data [8]byte
	data[0] = byte(cmd)
	data[1] = targetNodeId
	if err := n.canModule.Send(n.cmdTx, data); err != nil {
		return err
	}
	if targetNodeId == 0 || targetNodeId == n.nodeId {
		n.pending = cmd
	}
	return nil
}

func (n *NMT) setState(next NMTState) {
	if next == n.state {
		return
	}
	n.prevState, n.state = n.state, next
	log.Infof("nmt: node %d -> state %d", n.nodeId, next)
	if n.OnStateChange != nil {
		n.OnStateChange(next)
	}
}

// State returns the current NMT state.
func (n *NMT) State() NMTState { return n.state }

// sendBootUp transmits the single boot-up frame (data byte 0x00 on the
// heartbeat COB-ID) required once on entering pre-operational.
func (n *NMT) sendBootUp() {
	var data [8]byte
	n.canModule.Send(n.hbTx, data)
}

func (n *NMT) sendHeartbeat() {
	var data [8]byte
	data[0] = byte(n.state)
	n.canModule.Send(n.hbTx, data)
	n.hbTimer = 0
}

// Process advances the NMT state machine and drives the heartbeat
// producer; call once per millisecond tick. The operational-entry guard
// refuses ENTER_OPERATIONAL while the error register carries a generic
// or communication error.
func (n *NMT) Process(elapsedMs uint32) ResetCommand {
	if n.state == NMTInitializing {
		n.setState(NMTPreOperational)
		n.sendBootUp()
		n.hbTimer = 0
	}

	reset := ResetNot
	if n.pending != 0 {
		cmd := n.pending
		n.pending = 0
		switch cmd {
		case NMTEnterOperational:
			if n.guardAllowsOperational() {
				n.setState(NMTOperational)
			} else {
				log.Warn("nmt: refusing ENTER_OPERATIONAL, error register set")
			}
		case NMTEnterStopped:
			n.setState(NMTStopped)
		case NMTEnterPreOperational:
			n.setState(NMTPreOperational)
		case NMTResetNode:
			reset = ResetApp
		case NMTResetComm:
			reset = ResetComm
		}
	}

	if n.hbTimeUs > 0 {
		n.hbTimer += elapsedMs * 1000
		if n.hbTimer >= n.hbTimeUs {
			n.sendHeartbeat()
		}
	}

	return reset
}

func (n *NMT) guardAllowsOperational() bool {
	if n.emergency != nil {
		return n.emergency.errorRegister&(ErrRegGeneric|ErrRegCommunication) == 0
	}
	if n.errorRegisterVar == nil {
		return true
	}
	register := n.errorRegisterVar.Bytes()
	if len(register) == 0 {
		return true
	}
	return register[0]&(ErrRegGeneric|ErrRegCommunication) == 0
}
