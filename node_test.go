package canopen

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cia301/canopen/can"
	"github.com/cia301/canopen/internal/crc"
	"github.com/cia301/canopen/od"
)

// frameRecorder is a can.FrameListener that records every frame delivered
// to it, used to observe what a node under test transmits onto its bus
// (the virtual bus dispatches synchronously, so no polling is needed).
type frameRecorder struct {
	mu     sync.Mutex
	frames []can.Frame
}

func (r *frameRecorder) Handle(frame can.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, frame)
}

func (r *frameRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func (r *frameRecorder) last() can.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frames[len(r.frames)-1]
}

// testHarness wires a node under test to an in-memory virtual bus channel
// alongside a raw peer (frameRecorder + direct Send) that plays the part of
// another bus participant (an SDO client, a SYNC producer, a monitored
// node), driving the node end to end through its virtual CAN bus.
type testHarness struct {
	t        *testing.T
	node     *Node
	peerBus  can.Bus
	recorder *frameRecorder
}

func newTestHarness(t *testing.T, nodeId uint8, records []od.Record) *testHarness {
	t.Helper()
	channel := t.Name()

	nodeBus, err := can.NewBus("virtual", channel, 0)
	require.NoError(t, err)
	require.NoError(t, nodeBus.Connect())

	peerBus, err := can.NewBus("virtual", channel, 0)
	require.NoError(t, err)
	rec := &frameRecorder{}
	require.NoError(t, peerBus.Subscribe(rec))
	require.NoError(t, peerBus.Connect())

	dict := od.NewFromRecords(records)
	node, err := NewNode(nodeBus, dict, nodeId)
	require.NoError(t, err)

	return &testHarness{t: t, node: node, peerBus: peerBus, recorder: rec}
}

func (h *testHarness) send(id uint32, data [8]byte) {
	h.t.Helper()
	require.NoError(h.t, h.peerBus.Send(can.NewFrame(id, 8, data)))
}

func (h *testHarness) sendDLC(id uint32, dlc uint8, data [8]byte) {
	h.t.Helper()
	require.NoError(h.t, h.peerBus.Send(can.NewFrame(id, dlc, data)))
}

// baseRecords is the common object dictionary every scenario test starts
// from: the mandatory CiA-301 communication objects plus one TPDO and a
// freely mappable application object, sized generously like a vendor's EDS.
func baseRecords(nodeId uint8) []od.Record {
	return []od.Record{
		{Index: 0x1000, SubIndex: 0, Name: "Device type", Datatype: od.Unsigned32, Attribute: od.AttrSdoR, Default: []byte{0xEF, 0xBE, 0xAD, 0xDE}},
		{Index: 0x1001, SubIndex: 0, Name: "Error register", Datatype: od.Unsigned8, Attribute: od.AttrSdoR, Default: []byte{0}},
		{Index: 0x1003, SubIndex: 0, Name: "Pre-defined error field", Datatype: od.Unsigned8, Attribute: od.AttrSdoRW, Default: []byte{0}},
		{Index: 0x1003, SubIndex: 1, Name: "Standard error field", Datatype: od.Unsigned32, Attribute: od.AttrSdoR, Default: []byte{0, 0, 0, 0}},
		{Index: 0x1003, SubIndex: 2, Name: "Standard error field", Datatype: od.Unsigned32, Attribute: od.AttrSdoR, Default: []byte{0, 0, 0, 0}},

		{Index: 0x1005, SubIndex: 0, Name: "COB-ID SYNC", Datatype: od.Unsigned32, Attribute: od.AttrSdoRW, Default: leU32(0x80)},
		{Index: 0x1006, SubIndex: 0, Name: "Communication cycle period", Datatype: od.Unsigned32, Attribute: od.AttrSdoRW, Default: leU32(10000)},
		{Index: 0x1007, SubIndex: 0, Name: "Synchronous window length", Datatype: od.Unsigned32, Attribute: od.AttrSdoRW, Default: leU32(2000)},
		{Index: 0x1019, SubIndex: 0, Name: "Synchronous counter overflow", Datatype: od.Unsigned8, Attribute: od.AttrSdoRW, Default: []byte{0}},

		{Index: 0x1014, SubIndex: 0, Name: "COB-ID EMCY", Datatype: od.Unsigned32, Attribute: od.AttrSdoRW, Default: leU32(0x80 + uint32(nodeId))},
		{Index: 0x1015, SubIndex: 0, Name: "Inhibit time EMCY", Datatype: od.Unsigned16, Attribute: od.AttrSdoRW, Default: []byte{0, 0}},

		{Index: 0x1016, SubIndex: 0, Name: "Consumer heartbeat time", Datatype: od.Unsigned8, Attribute: od.AttrSdoR, Default: []byte{1}},
		{Index: 0x1016, SubIndex: 1, Name: "Consumer heartbeat time", Datatype: od.Unsigned32, Attribute: od.AttrSdoRW, Default: leU32(7<<16 | 500)},

		{Index: 0x1017, SubIndex: 0, Name: "Producer heartbeat time", Datatype: od.Unsigned16, Attribute: od.AttrSdoRW, Default: []byte{0x64, 0}, HasLow: true, Low: 0, HasHigh: true, High: 10000},

		{Index: 0x1200, SubIndex: 0, Name: "Max sub-index", Datatype: od.Unsigned8, Attribute: od.AttrSdoR, Default: []byte{2}},
		{Index: 0x1200, SubIndex: 1, Name: "COB-ID client->server", Datatype: od.Unsigned32, Attribute: od.AttrSdoR, Default: leU32(0x600 + uint32(nodeId))},
		{Index: 0x1200, SubIndex: 2, Name: "COB-ID server->client", Datatype: od.Unsigned32, Attribute: od.AttrSdoR, Default: leU32(0x580 + uint32(nodeId))},

		{Index: 0x1800, SubIndex: 0, Name: "Max sub-index", Datatype: od.Unsigned8, Attribute: od.AttrSdoR, Default: []byte{6}},
		{Index: 0x1800, SubIndex: 1, Name: "COB-ID TPDO1", Datatype: od.Unsigned32, Attribute: od.AttrSdoRW, Default: leU32(0x180 + uint32(nodeId))},
		{Index: 0x1800, SubIndex: 2, Name: "Transmission type", Datatype: od.Unsigned8, Attribute: od.AttrSdoRW, Default: []byte{255}},
		{Index: 0x1800, SubIndex: 3, Name: "Inhibit time", Datatype: od.Unsigned16, Attribute: od.AttrSdoRW, Default: leU16(1000)},
		{Index: 0x1800, SubIndex: 5, Name: "Event timer", Datatype: od.Unsigned16, Attribute: od.AttrSdoRW, Default: []byte{0, 0}},
		{Index: 0x1800, SubIndex: 6, Name: "SYNC start value", Datatype: od.Unsigned8, Attribute: od.AttrSdoRW, Default: []byte{0}},

		{Index: 0x1A00, SubIndex: 0, Name: "Number of mapped objects", Datatype: od.Unsigned8, Attribute: od.AttrSdoRW, Default: []byte{1}},
		{Index: 0x1A00, SubIndex: 1, Name: "Mapped object 1", Datatype: od.Unsigned32, Attribute: od.AttrSdoRW, Default: leU32(0x6000<<16 | 1<<8 | 8)},

		{Index: 0x6000, SubIndex: 0, Name: "Max sub-index", Datatype: od.Unsigned8, Attribute: od.AttrSdoR, Default: []byte{1}},
		{Index: 0x6000, SubIndex: 1, Name: "Mapped byte", Datatype: od.Unsigned8, Attribute: od.AttrSdoRW | od.AttrTPDO, Default: []byte{0}},
	}
}

func leU16(v uint16) []byte { return []byte{byte(v), byte(v >> 8)} }
func leU32(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

// --- expedited upload ---

func TestExpeditedUpload(t *testing.T) {
	h := newTestHarness(t, 5, baseRecords(5))

	// warm up: the first tick also runs the initializing->pre-operational
	// boot-up transition, which emits its own heartbeat-COB-ID frame.
	_, err := h.node.Process(1)
	require.NoError(t, err)
	require.Equal(t, 1, h.recorder.count())

	h.send(0x600+5, [8]byte{0x40, 0x00, 0x10, 0x00, 0, 0, 0, 0})
	_, err = h.node.Process(1)
	require.NoError(t, err)

	require.Equal(t, 2, h.recorder.count())
	resp := h.recorder.last()
	assert.EqualValues(t, 0x580+5, resp.ID)
	assert.Equal(t, [8]byte{0x43, 0x00, 0x10, 0x00, 0xEF, 0xBE, 0xAD, 0xDE}, resp.Data)
}

// --- expedited download, in range then out of range ---

func TestExpeditedDownloadOutOfRange(t *testing.T) {
	h := newTestHarness(t, 5, baseRecords(5))

	// warm up: absorb the boot-up frame emitted by the first tick.
	_, err := h.node.Process(1)
	require.NoError(t, err)
	require.Equal(t, 1, h.recorder.count())

	h.send(0x600+5, [8]byte{0x2B, 0x17, 0x10, 0x00, 0x10, 0x27, 0x00, 0x00}) // 10000
	_, err = h.node.Process(1)
	require.NoError(t, err)
	require.Equal(t, 2, h.recorder.count())
	assert.Equal(t, [8]byte{0x60, 0x17, 0x10, 0x00, 0, 0, 0, 0}, h.recorder.last().Data)

	v, res := h.node.OD.FindSub(0x1017, 0)
	require.Equal(t, od.ResultOK, res)
	u, _ := v.Uint()
	assert.EqualValues(t, 10000, u)

	h.send(0x600+5, [8]byte{0x2B, 0x17, 0x10, 0x00, 0x11, 0x27, 0x00, 0x00}) // 10001
	_, err = h.node.Process(1)
	require.NoError(t, err)
	require.Equal(t, 3, h.recorder.count())
	assert.Equal(t, [8]byte{0x80, 0x17, 0x10, 0x00, 0x31, 0x00, 0x09, 0x06}, h.recorder.last().Data)

	u, _ = v.Uint()
	assert.EqualValues(t, 10000, u, "value must be unchanged after an aborted download")
}

// --- TPDO event transmission gated by inhibit time ---

func TestTPDOEventInhibit(t *testing.T) {
	h := newTestHarness(t, 5, baseRecords(5))

	require.Equal(t, 1, len(h.node.TPDOs))
	tpdo := h.node.TPDOs[0]

	// t=0: write value 1, then tick: expect an immediate TX (no prior
	// value to compare against, inhibit timer starts elapsed).
	require.Equal(t, od.ResultOK, h.node.OD.Write(0x6000, 1, []byte{1}))
	tpdo.Process(1000, true, false)
	require.Equal(t, 1, h.recorder.count())
	assert.Equal(t, uint32(0x180+5), h.recorder.last().ID)
	assert.Equal(t, uint8(1), h.recorder.last().Data[0])

	// t=50ms: write value 2, tick; inhibit (100ms) has not elapsed, no TX.
	require.Equal(t, od.ResultOK, h.node.OD.Write(0x6000, 1, []byte{2}))
	for i := 0; i < 50; i++ {
		tpdo.Process(1000, true, false)
	}
	assert.Equal(t, 1, h.recorder.count(), "inhibit time must block the second transmit")

	// advance to t=100ms total: inhibit elapses, the pending COS send fires.
	for i := 0; i < 50; i++ {
		tpdo.Process(1000, true, false)
	}
	require.Equal(t, 2, h.recorder.count())
	assert.Equal(t, uint8(2), h.recorder.last().Data[0])
}

// --- SYNC consumer window ---

func TestSyncConsumerWindow(t *testing.T) {
	h := newTestHarness(t, 5, baseRecords(5))
	require.NotNil(t, h.node.Sync)

	h.sendDLC(0x80, 0, [8]byte{})
	status := h.node.Sync.Process(true, 0)
	assert.Equal(t, SyncRxTx, status, "receiving a SYNC must cross the reception boundary")

	for i := 0; i < 4; i++ {
		status = h.node.Sync.Process(true, 500)
		assert.Equal(t, SyncNone, status, "no phase change inside the sync window")
	}

	status = h.node.Sync.Process(true, 200)
	assert.Equal(t, SyncPassedWindow, status, "crossing the 2ms window must be reported")
}

// --- heartbeat consumer timeout ---

func TestHeartbeatConsumerTimeout(t *testing.T) {
	h := newTestHarness(t, 5, baseRecords(5))

	var monitored *HBConsumerNode
	for _, n := range h.node.HBConsumer.MonitoredNodes {
		if n != nil && n.NodeId == 7 {
			monitored = n
		}
	}
	require.NotNil(t, monitored, "OD 0x1016 sub1 must configure node 7 as monitored")

	h.sendDLC(0x707, 1, [8]byte{0x05})
	h.node.HBConsumer.Process(0)
	assert.Equal(t, HBActive, monitored.HBState)

	h.node.HBConsumer.Process(400)
	assert.Equal(t, HBActive, monitored.HBState, "400ms < 500ms window, no timeout yet")

	h.sendDLC(0x707, 1, [8]byte{0x05})
	h.node.HBConsumer.Process(0)
	assert.Equal(t, HBActive, monitored.HBState, "timer reset on fresh heartbeat")

	h.node.HBConsumer.Process(600)
	assert.Equal(t, HBTimeout, monitored.HBState)

	h.node.HBConsumer.Process(1)
	assert.Equal(t, HBTimeout, monitored.HBState, "no repeated timeout while still missing")
}

// --- NMT command loopback ---

func TestNMTTransitionLoopback(t *testing.T) {
	h := newTestHarness(t, 5, baseRecords(5))
	require.Equal(t, NMTInitializing, h.node.NMT.State())

	// first tick runs the initializing->pre-operational boot-up transition
	// and emits the boot-up frame.
	_, err := h.node.Process(1)
	require.NoError(t, err)
	require.Equal(t, NMTPreOperational, h.node.NMT.State())
	require.Equal(t, 1, h.recorder.count())

	require.NoError(t, h.node.NMT.SendCommand(NMTEnterOperational, 0))
	require.Equal(t, 2, h.recorder.count())
	assert.Equal(t, uint32(0x000), h.recorder.last().ID)
	assert.Equal(t, [8]byte{0x01, 0x00}, h.recorder.last().Data)

	// SendCommand only latches the pending command; the transition itself
	// is applied on the next tick; commands are only acted on in Process.
	_, err = h.node.Process(1)
	require.NoError(t, err)
	assert.Equal(t, NMTOperational, h.node.NMT.State())
}

// --- segmented download ---

func stringRecord() od.Record {
	return od.Record{Index: 0x2001, SubIndex: 0, Name: "Device name", Datatype: od.VisibleString, Attribute: od.AttrSdoRW | od.AttrStr, Default: make([]byte, 16)}
}

func TestSegmentedDownload(t *testing.T) {
	h := newTestHarness(t, 5, append(baseRecords(5), stringRecord()))

	_, err := h.node.Process(1)
	require.NoError(t, err)
	require.Equal(t, 1, h.recorder.count())

	payload := []byte("hello world!!")

	// initiate download, size indicated (13 bytes), not expedited.
	h.send(0x600+5, [8]byte{0x21, 0x01, 0x20, 0x00, 13, 0, 0, 0})
	_, err = h.node.Process(1)
	require.NoError(t, err)
	require.Equal(t, 2, h.recorder.count())
	assert.Equal(t, byte(0x60), h.recorder.last().Data[0])

	var seg [8]byte
	copy(seg[1:], payload[:7])
	h.send(0x600+5, seg)
	_, err = h.node.Process(1)
	require.NoError(t, err)
	require.Equal(t, 3, h.recorder.count())
	assert.Equal(t, byte(0x20), h.recorder.last().Data[0])

	var last [8]byte
	last[0] = 0x10 | 1<<1 | 0x01 // toggled, one unused byte, final segment
	copy(last[1:], payload[7:])
	h.send(0x600+5, last)
	_, err = h.node.Process(1)
	require.NoError(t, err)
	require.Equal(t, 4, h.recorder.count())
	assert.Equal(t, byte(0x30), h.recorder.last().Data[0])

	data, res := h.node.OD.Read(0x2001, 0)
	require.Equal(t, od.ResultOK, res)
	assert.Equal(t, payload, data[:len(payload)], "the committed value must be the concatenation of all segments")
}

func TestSegmentedDownloadToggleError(t *testing.T) {
	h := newTestHarness(t, 5, append(baseRecords(5), stringRecord()))

	_, err := h.node.Process(1)
	require.NoError(t, err)

	h.send(0x600+5, [8]byte{0x21, 0x01, 0x20, 0x00, 13, 0, 0, 0})
	_, err = h.node.Process(1)
	require.NoError(t, err)

	// first segment arrives with the toggle bit already set.
	h.send(0x600+5, [8]byte{0x10, 'x', 'x', 'x', 'x', 'x', 'x', 'x'})
	_, err = h.node.Process(1)
	require.NoError(t, err)
	resp := h.recorder.last()
	assert.Equal(t, byte(0x80), resp.Data[0], "a toggle mismatch must abort the transfer")
	assert.Equal(t, []byte{0x00, 0x00, 0x03, 0x05}, resp.Data[4:8])
}

// --- block download with CRC ---

func TestBlockDownloadCRC(t *testing.T) {
	h := newTestHarness(t, 5, append(baseRecords(5), stringRecord()))

	_, err := h.node.Process(1)
	require.NoError(t, err)
	require.Equal(t, 1, h.recorder.count())

	payload := []byte("hello world!!")
	var checksum crc.CRC16
	checksum.Block(payload)

	// block download initiate: crc supported, size indicated.
	h.send(0x600+5, [8]byte{0xC6, 0x01, 0x20, 0x00, 13, 0, 0, 0})
	_, err = h.node.Process(1)
	require.NoError(t, err)
	require.Equal(t, 2, h.recorder.count())
	assert.Equal(t, byte(0xA4), h.recorder.last().Data[0])
	assert.Equal(t, byte(127), h.recorder.last().Data[4])

	var seq1 [8]byte
	seq1[0] = 1
	copy(seq1[1:], payload[:7])
	h.send(0x600+5, seq1)
	_, err = h.node.Process(1)
	require.NoError(t, err)
	require.Equal(t, 2, h.recorder.count(), "no ack until the sub-block completes")

	var seq2 [8]byte
	seq2[0] = 0x80 | 2
	copy(seq2[1:], payload[7:])
	h.send(0x600+5, seq2)
	_, err = h.node.Process(1)
	require.NoError(t, err)
	require.Equal(t, 3, h.recorder.count())
	ack := h.recorder.last()
	assert.Equal(t, byte(0xA2), ack.Data[0])
	assert.Equal(t, byte(2), ack.Data[1], "ack must carry the last good sequence number")

	// block end: one padding byte in the final segment, CRC over the payload.
	var end [8]byte
	end[0] = 0xC1 | 1<<2
	end[1] = byte(checksum)
	end[2] = byte(checksum >> 8)
	h.send(0x600+5, end)
	_, err = h.node.Process(1)
	require.NoError(t, err)
	require.Equal(t, 4, h.recorder.count())
	assert.Equal(t, byte(0xA1), h.recorder.last().Data[0])

	data, res := h.node.OD.Read(0x2001, 0)
	require.Equal(t, od.ResultOK, res)
	assert.Equal(t, payload, data[:len(payload)])
}
