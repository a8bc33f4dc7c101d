package canopen

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cia301/canopen/can"
	"github.com/cia301/canopen/od"
)

// stubBus is a minimal can.Bus double that lets a test control whether Send
// succeeds and what BusState reports, without a real or virtual CAN segment.
type stubBus struct {
	sendErr error
	sent    []can.Frame
	state   can.State
}

func (s *stubBus) Connect(...any) error              { return nil }
func (s *stubBus) Disconnect() error                 { return nil }
func (s *stubBus) Subscribe(can.FrameListener) error { return nil }
func (s *stubBus) BusState() (can.State, error)      { return s.state, nil }
func (s *stubBus) Send(frame can.Frame) error {
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, frame)
	return nil
}

func baseEmergencyDict() *od.ObjectDictionary {
	return od.NewFromRecords([]od.Record{
		{Index: 0x1001, SubIndex: 0, Name: "Error register", Datatype: od.Unsigned8, Attribute: od.AttrSdoR, Default: []byte{0}},
		{Index: 0x1003, SubIndex: 0, Name: "Pre-defined error field", Datatype: od.Unsigned8, Attribute: od.AttrSdoRW, Default: []byte{0}},
		{Index: 0x1003, SubIndex: 1, Name: "Standard error field", Datatype: od.Unsigned32, Attribute: od.AttrSdoR, Default: []byte{0, 0, 0, 0}},
		{Index: 0x1014, SubIndex: 0, Name: "COB-ID EMCY", Datatype: od.Unsigned32, Attribute: od.AttrSdoRW, Default: []byte{0x85, 0, 0, 0}},
		{Index: 0x1015, SubIndex: 0, Name: "Inhibit time EMCY", Datatype: od.Unsigned16, Attribute: od.AttrSdoRW, Default: []byte{0, 0}},
	})
}

func errorRegister(t *testing.T, dict *od.ObjectDictionary) byte {
	t.Helper()
	data, res := dict.Read(0x1001, 0)
	require.Equal(t, od.ResultOK, res)
	return data[0]
}

// --- TX overflow ---

func TestCANModuleSendOverflowReportsEmergency(t *testing.T) {
	bus := &stubBus{sendErr: assert.AnError}
	m := NewCANModule(bus, 4, 4)

	dict := baseEmergencyDict()
	em, err := NewEmergency(m, dict, 5, 0, 0)
	require.NoError(t, err)
	m.SetEmergency(em)
	require.NoError(t, m.Start())

	tx, err := m.TxBufferInit(1, 0x200, false, 1, false)
	require.NoError(t, err)

	require.ErrorIs(t, m.Send(tx, [8]byte{1}), ErrTxBusy)
	require.True(t, tx.BufferFull)

	err = m.Send(tx, [8]byte{2})
	assert.ErrorIs(t, err, ErrTxOverflow)
	assert.NotZero(t, errorRegister(t, dict)&ErrRegCommunication, "CAN_OVERRUN must set the communication error register bit")
}

func TestCANModuleSendOverflowExemptsBootSlot(t *testing.T) {
	bus := &stubBus{sendErr: assert.AnError}
	m := NewCANModule(bus, 4, 4)

	dict := baseEmergencyDict()
	em, err := NewEmergency(m, dict, 5, 0, 0)
	require.NoError(t, err)
	m.SetEmergency(em)
	require.NoError(t, m.Start())

	tx, err := m.TxBufferInit(1, 0x705, false, 1, false)
	require.NoError(t, err)
	m.MarkBootExempt(tx)

	require.ErrorIs(t, m.Send(tx, [8]byte{0}), ErrTxBusy)
	err = m.Send(tx, [8]byte{0})
	require.ErrorIs(t, err, ErrTxOverflow)
	assert.Zero(t, errorRegister(t, dict), "the boot-up slot's overflow must not raise CAN_OVERRUN")
}

// --- VerifyErrors edge detection ---

func TestCANModuleVerifyErrorsEdgeDetectsPassive(t *testing.T) {
	bus := &stubBus{}
	m := NewCANModule(bus, 2, 2)

	dict := baseEmergencyDict()
	em, err := NewEmergency(m, dict, 5, 0, 0)
	require.NoError(t, err)
	m.SetEmergency(em)
	require.NoError(t, m.Start())

	require.NoError(t, m.VerifyErrors()) // first poll only primes lastBusState
	assert.Zero(t, errorRegister(t, dict))

	bus.state.Passive = true
	require.NoError(t, m.VerifyErrors())
	assert.NotZero(t, errorRegister(t, dict)&ErrRegCommunication, "entering error-passive must set the error register")

	bus.state.Passive = false
	require.NoError(t, m.VerifyErrors())
	assert.Zero(t, errorRegister(t, dict), "leaving error-passive must clear the error register")
}

func TestCANModuleVerifyErrorsBusOff(t *testing.T) {
	bus := &stubBus{}
	m := NewCANModule(bus, 2, 2)
	require.NoError(t, m.Start())

	require.NoError(t, m.VerifyErrors())

	bus.state.BusOff = true
	assert.ErrorIs(t, m.VerifyErrors(), ErrSyscall)

	bus.state.BusOff = false
	require.NoError(t, m.VerifyErrors())
}
