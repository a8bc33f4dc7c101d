package canopen

import (
	"github.com/cia301/canopen/can"
)

// HBState is a monitored node's consumer-side heartbeat state.
type HBState uint8

const (
	HBUnconfigured HBState = 0
	HBUnknown      HBState = 1
	HBActive       HBState = 2
	HBTimeout      HBState = 3
)

// HBConsumerNode tracks one monitored remote node.
type HBConsumerNode struct {
	NodeId       uint8
	NMTState     NMTState
	NMTStatePrev NMTState
	HBState      HBState
	TimeUs       uint32
	timer        uint32
	rxNew        bool

	consumer *HeartbeatConsumer
}

// Handle implements Handler: a received heartbeat frame is one data byte,
// the sender's current NMT state.
func (n *HBConsumerNode) Handle(frame can.Frame) {
	if frame.DLC != 1 {
		return
	}
	n.NMTState = NMTState(frame.Data[0])
	n.rxNew = true
}

// HeartbeatConsumer implements C8's watchdog half: one timeout timer per
// monitored node, raising EMCY when a node misses its heartbeat window
// (CiA-301 heartbeat consumer service).
type HeartbeatConsumer struct {
	canModule *CANModule
	emergency *Emergency

	MonitoredNodes []*HBConsumerNode

	AllMonitoredActive      bool
	AllMonitoredOperational bool
}

// NewHeartbeatConsumer allocates a consumer able to monitor up to
// maxNodes remote nodes, each entry configured later via InitEntry.
func NewHeartbeatConsumer(m *CANModule, em *Emergency, maxNodes int) *HeartbeatConsumer {
	return &HeartbeatConsumer{
		canModule:      m,
		emergency:      em,
		MonitoredNodes: make([]*HBConsumerNode, maxNodes),
	}
}

// InitEntry configures monitored-node slot index to watch nodeId with a
// consumerTimeMs timeout (0 disables the slot), reserving an rx mailbox
// for the node's heartbeat COB-ID 0x700+nodeId.
func (c *HeartbeatConsumer) InitEntry(index int, nodeId uint8, consumerTimeMs uint16, rxSlot int) error {
	if index < 0 || index >= len(c.MonitoredNodes) {
		return ErrIllegalArgument
	}
	if consumerTimeMs != 0 && nodeId != 0 {
		for i, other := range c.MonitoredNodes {
			if i != index && other != nil && other.TimeUs != 0 && other.NodeId == nodeId {
				return ErrIllegalArgument
			}
		}
	}

	node := &HBConsumerNode{
		NodeId:       nodeId,
		NMTState:     NMTInitializing,
		NMTStatePrev: NMTInitializing,
		HBState:      HBUnknown,
		TimeUs:       uint32(consumerTimeMs) * 1000,
		consumer:     c,
	}
	if nodeId == 0 || consumerTimeMs == 0 {
		node.TimeUs = 0
		node.HBState = HBUnconfigured
		c.MonitoredNodes[index] = node
		return nil
	}

	if err := c.canModule.RxBufferInit(rxSlot, 0x700+uint32(nodeId), 0x7FF, false, node); err != nil {
		return err
	}
	c.MonitoredNodes[index] = node
	return nil
}

// Process advances each monitored node's timeout timer; call once per
// millisecond tick. A node that misses its heartbeat window transitions
// to HBTimeout and raises an EMCY heartbeat consumer error.
func (c *HeartbeatConsumer) Process(elapsedMs uint32) {
	allActive := true
	allOperational := true

	for _, node := range c.MonitoredNodes {
		if node == nil || node.TimeUs == 0 {
			continue
		}

		if node.rxNew {
			node.timer = 0
			node.rxNew = false
			wasTimeout := node.HBState == HBTimeout
			node.HBState = HBActive
			if wasTimeout && c.emergency != nil {
				c.emergency.Report(false, EmcyHeartbeat, uint32(node.NodeId))
			}
		} else {
			node.timer += elapsedMs * 1000
			if node.timer >= node.TimeUs && node.HBState != HBTimeout {
				node.HBState = HBTimeout
				if c.emergency != nil {
					c.emergency.Report(true, EmcyHeartbeat, uint32(node.NodeId))
				}
			}
		}

		if node.HBState != HBActive {
			allActive = false
		}
		if node.NMTState != NMTOperational {
			allOperational = false
		}
		node.NMTStatePrev = node.NMTState
	}

	c.AllMonitoredActive = allActive
	c.AllMonitoredOperational = allOperational
}
