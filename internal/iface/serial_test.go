package iface

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"
)

func TestPortOptionsNormalizeDefaults(t *testing.T) {
	opts, err := PortOptions{}.Normalize()
	require.NoError(t, err)
	assert.Equal(t, PortOptions{BaudRate: 9600, DataBits: 8, StopBits: 1, Parity: "N", FlowControl: FlowControlNone}, opts)

	opts, err = PortOptions{Parity: "even", FlowControl: "rtscts"}.Normalize()
	require.NoError(t, err)
	assert.Equal(t, "E", opts.Parity)
	assert.Equal(t, FlowControlRTSCTS, opts.FlowControl)
}

func TestPortOptionsNormalizeErrors(t *testing.T) {
	for _, o := range []PortOptions{
		{DataBits: 9},
		{DataBits: 4},
		{StopBits: 3},
		{Parity: "MARK"},
		{FlowControl: "XONXOFF"},
	} {
		_, err := o.Normalize()
		assert.Error(t, err, "%+v", o)
	}
}

func TestSerialModeStopBits(t *testing.T) {
	mode, err := PortOptions{StopBits: 1}.SerialMode()
	require.NoError(t, err)
	assert.Equal(t, serial.OneStopBit, mode.StopBits)
	assert.Nil(t, mode.InitialStatusBits)

	mode, err = PortOptions{StopBits: 2, Parity: "O", BaudRate: 115200}.SerialMode()
	require.NoError(t, err)
	assert.Equal(t, serial.TwoStopBits, mode.StopBits)
	assert.Equal(t, serial.OddParity, mode.Parity)
	assert.Equal(t, 115200, mode.BaudRate)
}

func TestSerialModeRTSCTSSetsInitialLines(t *testing.T) {
	mode, err := PortOptions{FlowControl: FlowControlRTSCTS}.SerialMode()
	require.NoError(t, err)
	assert.Equal(t, &serial.ModemOutputBits{RTS: true, DTR: true}, mode.InitialStatusBits)
}

func TestPortName(t *testing.T) {
	assert.Equal(t, "", PortName("nil"))
	assert.Equal(t, "", PortName(" NIL "))
	assert.Equal(t, "", PortName(""))
	assert.Equal(t, "COM1", PortName("COM1"))
}

func TestSerialWritePortNil(t *testing.T) {
	factory := NewMockPortFactory()
	factory.Add("COM1")
	i, err := NewSerial("MYINT", SerialConfig{WritePort: "nil", ReadPort: "COM1", Options: PortOptions{BaudRate: 9600}}, factory, nil, nil)
	require.NoError(t, err)

	assert.True(t, i.ReadAllowed())
	assert.False(t, i.WriteAllowed())
	assert.False(t, i.WriteRawAllowed())

	require.NoError(t, i.Connect(context.Background()))
	assert.ErrorIs(t, i.Write([]byte{1}), ErrWriteNotAllowed)
	assert.ErrorIs(t, i.WriteRaw([]byte{1}), ErrWriteNotAllowed)
	assert.True(t, i.Connected())
}

func TestSerialReadPortNil(t *testing.T) {
	factory := NewMockPortFactory()
	factory.Add("COM1")
	i, err := NewSerial("MYINT", SerialConfig{WritePort: "COM1", ReadPort: "nil"}, factory, nil, nil)
	require.NoError(t, err)

	assert.False(t, i.ReadAllowed())
	assert.True(t, i.WriteAllowed())
	assert.True(t, i.WriteRawAllowed())
	_, err = i.Read(context.Background())
	assert.ErrorIs(t, err, ErrReadNotAllowed)
}

func TestSerialBothPortsNil(t *testing.T) {
	i, err := NewSerial("MYINT", SerialConfig{WritePort: "nil", ReadPort: "nil"}, NewMockPortFactory(), nil, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, i.Connect(context.Background()), ErrNoDirection)
}

func TestSerialSharedPortReadWrite(t *testing.T) {
	factory := NewMockPortFactory()
	port := factory.Add("/dev/ttyS0")
	i, err := NewSerial("radio", SerialConfig{WritePort: "/dev/ttyS0", ReadPort: "/dev/ttyS0", PollInterval: 25 * time.Millisecond}, factory, nil, nil)
	require.NoError(t, err)
	require.NoError(t, i.Connect(context.Background()))

	require.Len(t, factory.Calls(), 1)
	assert.Equal(t, 25*time.Millisecond, port.ReadTimeout)

	port.AddReadData([]byte{0xCA, 0xFE})
	got, err := i.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte{0xCA, 0xFE}, got)

	require.NoError(t, i.Write([]byte{0x01, 0x02}))
	assert.Equal(t, []byte{0x01, 0x02}, port.GetWrittenData())

	require.NoError(t, i.Disconnect())
	assert.True(t, port.IsClosed())
}

func TestSerialSeparatePorts(t *testing.T) {
	factory := NewMockPortFactory()
	tx := factory.Add("TX")
	rx := factory.Add("RX")
	i, err := NewSerial("split", SerialConfig{WritePort: "TX", ReadPort: "RX"}, factory, nil, nil)
	require.NoError(t, err)
	require.NoError(t, i.Connect(context.Background()))
	require.Len(t, factory.Calls(), 2)

	require.NoError(t, i.Write([]byte("w")))
	assert.Equal(t, "w", string(tx.GetWrittenData()))
	assert.Empty(t, rx.GetWrittenData())

	require.NoError(t, i.Disconnect())
	assert.True(t, tx.IsClosed())
	assert.True(t, rx.IsClosed())
}

func TestSerialOptionsApplyOnConnect(t *testing.T) {
	factory := NewMockPortFactory()
	factory.Add("COM1")
	i, err := NewSerial("MYINT", SerialConfig{WritePort: "COM1", ReadPort: "COM1"}, factory, nil, nil)
	require.NoError(t, err)

	require.NoError(t, i.SetOption("FLOW_CONTROL", []string{"RTSCTS"}))
	require.NoError(t, i.SetOption("DATA_BITS", []string{"7"}))
	require.NoError(t, i.Connect(context.Background()))

	calls := factory.Calls()
	require.Len(t, calls, 1)
	mode := calls[0].Mode
	assert.Equal(t, 7, mode.DataBits)
	require.NotNil(t, mode.InitialStatusBits)
	assert.True(t, mode.InitialStatusBits.RTS)
}

func TestSerialRejectsInvalidOptions(t *testing.T) {
	conn, err := NewSerialConnector(SerialConfig{WritePort: "COM1"}, NewMockPortFactory())
	require.NoError(t, err)

	assert.Error(t, conn.SetOption("DATA_BITS", []string{"9"}))
	assert.Error(t, conn.SetOption("DATA_BITS", []string{"seven"}))
	assert.Error(t, conn.SetOption("FLOW_CONTROL", []string{"XONXOFF"}))
	assert.Error(t, conn.SetOption("BOGUS", []string{"1"}))
	assert.Error(t, conn.SetOption("PARITY", nil))

	// Rejected values leave the options untouched.
	assert.Equal(t, 8, conn.Options().DataBits)
	assert.Equal(t, FlowControlNone, conn.Options().FlowControl)
}

func TestSerialReadFailureDisconnects(t *testing.T) {
	factory := NewMockPortFactory()
	port := factory.Add("COM1")
	i, err := NewSerial("MYINT", SerialConfig{WritePort: "COM1", ReadPort: "COM1"}, factory, nil, nil)
	require.NoError(t, err)
	require.NoError(t, i.Connect(context.Background()))

	port.FailNextRead(assert.AnError)
	_, err = i.Read(context.Background())
	assert.ErrorIs(t, err, assert.AnError)
	assert.False(t, i.Connected())
}

func TestSerialOpenFailure(t *testing.T) {
	factory := NewMockPortFactory()
	factory.Add("TX")
	i, err := NewSerial("MYINT", SerialConfig{WritePort: "TX", ReadPort: "MISSING"}, factory, nil, nil)
	require.NoError(t, err)
	assert.Error(t, i.Connect(context.Background()))
	assert.False(t, i.Connected())
	assert.True(t, factory.Ports["TX"].(*TestableSerialPort).IsClosed())
}
