package canopen

import (
	log "github.com/sirupsen/logrus"

	"github.com/cia301/canopen/od"
)

// slot allocation: fixed-size rx/tx tables sized for one node's worth of
// standard objects plus headroom for PDOs.
const (
	maxRxSlots = 64
	maxTxSlots = 64
)

// Node is the per-node handle wiring the CAN module and every CANopen
// object together. There are no package globals: every object is owned
// by exactly one *Node and reached only through it, so one process can
// run any number of independent nodes.
type Node struct {
	NodeId uint8
	OD     *od.ObjectDictionary

	CANModule  *CANModule
	NMT        *NMT
	Emergency  *Emergency
	Sync       *Sync
	HBConsumer *HeartbeatConsumer
	SDOServer  *SDOServer
	TPDOs      []*TPDO
	RPDOs      []*RPDO

	nextRx int
	nextTx int
}

// NewNode builds a fully wired node from an object dictionary and node id:
// CAN module, emergency producer/ring, NMT state machine with heartbeat
// producer, heartbeat consumer table, one SDO server, SYNC, and every
// RPDO/TPDO pair the OD's 0x14xx/0x16xx and 0x18xx/0x1Axx ranges
// describe.
func NewNode(bus Bus, dict *od.ObjectDictionary, nodeId uint8) (*Node, error) {
	if nodeId < 1 || nodeId > 127 {
		return nil, ErrIllegalArgument
	}

	n := &Node{
		NodeId:    nodeId,
		OD:        dict,
		CANModule: NewCANModule(bus, maxRxSlots, maxTxSlots),
	}

	// Frame dispatch scans the rx filter table in slot order and stops at
	// the first match, so slots follow the predefined connection set:
	// NMT, SYNC, RPDOs, SDO server, heartbeat consumers. The EMCY
	// consumer's range filter (every id in 0x080..0x0FF, SYNC included)
	// takes the last slot so exact matches always win over it.
	var err error
	if n.Emergency, err = NewEmergency(n.CANModule, dict, nodeId, maxRxSlots-1, n.allocTx()); err != nil {
		return nil, err
	}
	n.CANModule.SetEmergency(n.Emergency)
	if n.NMT, err = NewNMT(n.CANModule, n.Emergency, dict, nodeId, n.allocRx(), n.allocTx(), n.allocTx()); err != nil {
		return nil, err
	}

	if dict.Find(0x1005) != nil {
		if n.Sync, err = NewSync(n.CANModule, n.Emergency, dict, n.allocRx(), n.allocTx()); err != nil {
			log.Warnf("node: x%x SYNC not configured: %v", nodeId, err)
			n.Sync = nil
		}
	}

	if err := n.initPDOs(); err != nil {
		return nil, err
	}

	if dict.Find(0x1200) != nil {
		if n.SDOServer, err = NewSDOServer(n.CANModule, dict, n.allocRx(), n.allocTx(), 0x600+uint32(nodeId), 0x580+uint32(nodeId)); err != nil {
			return nil, err
		}
	} else {
		log.Warnf("node: x%x has no SDO server parameter entry (0x1200)", nodeId)
	}

	n.HBConsumer = NewHeartbeatConsumer(n.CANModule, n.Emergency, 16)
	if err := n.initHeartbeatConsumers(dict); err != nil {
		return nil, err
	}

	if err := n.CANModule.Start(); err != nil {
		return nil, err
	}
	return n, nil
}

// initHeartbeatConsumers configures the heartbeat consumer from OD 0x1016
// (Consumer heartbeat time): each sub-entry is a u32 packing the monitored
// node-id in bits 16-23 and the timeout in milliseconds in bits 0-15
// (CiA-301 consumer heartbeat time layout).
func (n *Node) initHeartbeatConsumers(dict *od.ObjectDictionary) error {
	entry := dict.Find(0x1016)
	if entry == nil {
		return nil
	}
	for i := uint8(1); i <= uint8(len(n.HBConsumer.MonitoredNodes)); i++ {
		v, res := entry.Sub(i)
		if res != od.ResultOK {
			break
		}
		raw, err := v.Uint()
		if err != nil {
			continue
		}
		monitoredNodeId := uint8(raw >> 16)
		timeMs := uint16(raw)
		if err := n.HBConsumer.InitEntry(int(i-1), monitoredNodeId, timeMs, n.allocRx()); err != nil {
			log.Warnf("node: heartbeat consumer entry x%x not usable: %v", i, err)
		}
	}
	return nil
}

func (n *Node) allocRx() int {
	idx := n.nextRx
	n.nextRx++
	return idx
}

func (n *Node) allocTx() int {
	idx := n.nextTx
	n.nextTx++
	return idx
}

// initPDOs walks the 0x14xx/0x16xx (RPDO) and 0x18xx/0x1Axx (TPDO) index
// ranges, stopping at the first missing communication-parameter entry;
// CANopen does not allow holes in the PDO index ranges.
func (n *Node) initPDOs() error {
	for i := uint16(0); i < 512; i++ {
		commIndex := 0x1400 + i
		mapIndex := 0x1600 + i
		if n.OD.Find(commIndex) == nil || n.OD.Find(mapIndex) == nil {
			break
		}
		predefined := 0x200 + (i%4)*0x100 + uint16(n.NodeId) + i/4
		rpdo, err := NewRPDO(n.CANModule, n.OD, n.Emergency, n.Sync, commIndex, mapIndex, predefined, n.allocRx())
		if err != nil {
			log.Warnf("node: RPDO x%x not usable: %v", commIndex, err)
			break
		}
		n.RPDOs = append(n.RPDOs, rpdo)
	}

	for i := uint16(0); i < 512; i++ {
		commIndex := 0x1800 + i
		mapIndex := 0x1A00 + i
		if n.OD.Find(commIndex) == nil || n.OD.Find(mapIndex) == nil {
			break
		}
		predefined := 0x180 + (i%4)*0x100 + uint16(n.NodeId) + i/4
		tpdo, err := NewTPDO(n.CANModule, n.OD, n.Emergency, n.Sync, commIndex, mapIndex, predefined, n.allocTx(), n.allocRx())
		if err != nil {
			log.Warnf("node: TPDO x%x not usable: %v", commIndex, err)
			break
		}
		n.TPDOs = append(n.TPDOs, tpdo)
	}
	return nil
}

// Process is the millisecond tick entry point: CAN module bookkeeping, NMT
// state machine, EMCY dispatch, SDO server timeouts and heartbeat consumer
// watchdogs. While the node is in NMT state stopped, EMCY and SDO
// traffic are suppressed and any latched SDO request is silently
// dropped; the heartbeat consumer watchdog keeps running regardless,
// since it monitors other nodes, not this one's own state.
func (n *Node) Process(elapsedMs uint32) (ResetCommand, error) {
	if err := n.CANModule.Process(); err != nil {
		return ResetNot, err
	}
	reset := n.NMT.Process(elapsedMs)
	if n.NMT.State() != NMTStopped {
		n.Emergency.Process(elapsedMs * 1000)
		if n.SDOServer != nil {
			if err := n.SDOServer.Process(elapsedMs); err != nil {
				log.Warnf("node: sdo server process error: %v", err)
			}
		}
	} else if n.SDOServer != nil {
		n.SDOServer.DiscardPending()
	}
	n.HBConsumer.Process(elapsedMs)
	return reset, nil
}

// ProcessSyncRPDO is the microsecond-resolution SYNC + RPDO tick:
// SYNC.Process must run before the RPDO scatter so a synchronous RPDO
// received just before this SYNC is applied on this phase, not the
// next. The returned bool reports whether a SYNC was
// produced/consumed this cycle; pass it to ProcessTPDO.
func (n *Node) ProcessSyncRPDO(elapsedUs uint32) bool {
	preOrOperational := n.NMT.State() == NMTOperational || n.NMT.State() == NMTPreOperational
	syncOccurred := false
	if n.Sync != nil {
		switch n.Sync.Process(preOrOperational, elapsedUs) {
		case SyncRxTx:
			syncOccurred = true
		case SyncPassedWindow:
			n.CANModule.ClearSyncPDOs()
		}
	}
	operational := n.NMT.State() == NMTOperational
	for _, r := range n.RPDOs {
		r.Process(elapsedUs, operational, syncOccurred)
	}
	return syncOccurred
}

// ProcessTPDO is the microsecond-resolution TPDO transmission tick, run
// after ProcessSyncRPDO so a TPDO's SYNC-synchronous gather reflects
// values an RPDO may have just scattered this same cycle.
func (n *Node) ProcessTPDO(elapsedUs uint32, syncOccurred bool) {
	operational := n.NMT.State() == NMTOperational
	for _, t := range n.TPDOs {
		t.Process(elapsedUs, operational, syncOccurred)
	}
}

// Close tears the node down: the bus is disconnected first so no handler
// runs while the object references are released, then every subsystem is
// dropped in reverse wiring order. The node must not be used afterwards.
func (n *Node) Close() error {
	err := n.CANModule.bus.Disconnect()
	n.HBConsumer = nil
	n.SDOServer = nil
	n.TPDOs = nil
	n.RPDOs = nil
	n.Sync = nil
	n.NMT = nil
	n.Emergency = nil
	n.CANModule = nil
	return err
}
