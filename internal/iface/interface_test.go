package iface

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/cmdtlm/internal/fsutil"
	"github.com/banshee-data/cmdtlm/internal/monitoring"
	"github.com/banshee-data/cmdtlm/internal/rawlog"
	"github.com/banshee-data/cmdtlm/internal/timeutil"
)

type recordingObserver struct {
	mu      sync.Mutex
	states  []State
	bytes   map[rawlog.Direction]int
	packets map[rawlog.Direction]int
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{bytes: map[rawlog.Direction]int{}, packets: map[rawlog.Direction]int{}}
}

func (o *recordingObserver) StateChanged(_ string, s State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.states = append(o.states, s)
}

func (o *recordingObserver) Transferred(_ string, dir rawlog.Direction, bytes, packets int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.bytes[dir] += bytes
	o.packets[dir] += packets
}

func memRawLogs(t *testing.T) (*rawlog.Pair, *fsutil.MemoryFileSystem) {
	t.Helper()
	mfs := fsutil.NewMemoryFileSystem()
	clock := timeutil.NewMockClock(time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC))
	p, err := rawlog.NewPair("MEM", "/logs", true, 0, rawlog.WithFileSystem(mfs), rawlog.WithClock(clock))
	require.NoError(t, err)
	return p, mfs
}

func logged(t *testing.T, mfs *fsutil.MemoryFileSystem, l *rawlog.Logger) []byte {
	t.Helper()
	var out []byte
	for _, f := range l.Files() {
		data, err := mfs.ReadFile(f)
		require.NoError(t, err)
		out = append(out, data...)
	}
	return out
}

func TestNewValidation(t *testing.T) {
	_, err := New(Config{Connector: NewMemoryConnector()})
	assert.Error(t, err)
	_, err = New(Config{Name: "X"})
	assert.Error(t, err)
}

func TestReadWriteRecordsWireBytes(t *testing.T) {
	raw, mfs := memRawLogs(t)
	conn := NewMemoryConnector()
	obs := newRecordingObserver()
	i, err := New(Config{
		Name:      "mem",
		Connector: conn,
		Protocol:  &TerminatedProtocol{WriteTermination: []byte("\n"), ReadTermination: []byte("\n"), StripRead: true},
		Read:      true,
		Write:     true,
		RawLogs:   raw,
		Observers: []Observer{obs},
	})
	require.NoError(t, err)
	assert.Equal(t, "MEM", i.Name())

	ctx := context.Background()
	require.NoError(t, i.Connect(ctx))
	assert.True(t, i.Connected())

	conn.Stream().Inject([]byte("AB\nCD\n"))
	first, err := i.Read(ctx)
	require.NoError(t, err)
	second, err := i.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "AB", string(first))
	assert.Equal(t, "CD", string(second))

	require.NoError(t, i.Write([]byte("GO")))
	require.NoError(t, i.WriteRaw([]byte{0x01}))
	assert.Equal(t, [][]byte{[]byte("GO\n"), {0x01}}, conn.Stream().Written())

	assert.Equal(t, "AB\nCD\n", string(logged(t, mfs, raw.Read)))
	assert.Equal(t, "GO\n\x01", string(logged(t, mfs, raw.Write)))

	assert.Equal(t, Stats{BytesRead: 6, BytesWritten: 4, PacketsRead: 2, PacketsWritten: 2}, i.Stats())
	assert.Equal(t, 6, obs.bytes[rawlog.Read])
	assert.Equal(t, 2, obs.packets[rawlog.Write])

	require.NoError(t, i.Disconnect())
	assert.False(t, i.Connected())
	assert.True(t, conn.Stream().Closed())
	assert.Equal(t, []State{Connecting, Connected, Disconnected}, obs.states)
}

func TestConnectNeedsADirection(t *testing.T) {
	i, err := New(Config{Name: "none", Connector: NewMemoryConnector()})
	require.NoError(t, err)
	err = i.Connect(context.Background())
	assert.ErrorIs(t, err, ErrNoDirection)
	assert.False(t, i.Connected())
}

func TestPermissionErrorsKeepConnection(t *testing.T) {
	conn := NewMemoryConnector()
	i, err := New(Config{Name: "ro", Connector: conn, Read: true})
	require.NoError(t, err)
	require.NoError(t, i.Connect(context.Background()))

	assert.True(t, i.ReadAllowed())
	assert.False(t, i.WriteAllowed())
	assert.False(t, i.WriteRawAllowed())
	assert.ErrorIs(t, i.Write([]byte{1}), ErrWriteNotAllowed)
	assert.ErrorIs(t, i.WriteRaw([]byte{1}), ErrWriteNotAllowed)
	assert.True(t, i.Connected())

	wo, err := New(Config{Name: "wo", Connector: NewMemoryConnector(), Write: true})
	require.NoError(t, err)
	_, err = wo.Read(context.Background())
	assert.ErrorIs(t, err, ErrReadNotAllowed)
}

func TestNotConnected(t *testing.T) {
	i, err := New(Config{Name: "x", Connector: NewMemoryConnector(), Read: true, Write: true})
	require.NoError(t, err)
	_, err = i.Read(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, i.Write([]byte{1}), ErrNotConnected)
}

func TestOneConnectInFlight(t *testing.T) {
	conn := NewMemoryConnector()
	conn.Gate = make(chan struct{})
	i, err := New(Config{Name: "slow", Connector: conn, Read: true})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- i.Connect(context.Background()) }()

	require.Eventually(t, func() bool { return i.State() == Connecting }, time.Second, time.Millisecond)
	assert.ErrorIs(t, i.Connect(context.Background()), ErrConnectInProgress)

	close(conn.Gate)
	require.NoError(t, <-done)
	assert.True(t, i.Connected())
	assert.Equal(t, 1, conn.Connects())

	// Already connected is a no-op.
	require.NoError(t, i.Connect(context.Background()))
	assert.Equal(t, 1, conn.Connects())
}

func TestConnectFailure(t *testing.T) {
	conn := NewMemoryConnector()
	conn.ConnectError = errors.New("refused")
	i, err := New(Config{Name: "x", Connector: conn, Read: true})
	require.NoError(t, err)
	assert.Error(t, i.Connect(context.Background()))
	assert.Equal(t, Disconnected, i.State())

	require.NoError(t, i.Connect(context.Background()))
	assert.True(t, i.Connected())
}

func TestReadErrorDisconnects(t *testing.T) {
	conn := NewMemoryConnector()
	i, err := New(Config{Name: "x", Connector: conn, Read: true})
	require.NoError(t, err)
	require.NoError(t, i.Connect(context.Background()))

	boom := errors.New("line down")
	conn.Stream().Fail(boom)
	_, err = i.Read(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.False(t, i.Connected())
}

func TestStaleReadFailureKeepsNewConnection(t *testing.T) {
	conn := NewMemoryConnector()
	obs := newRecordingObserver()
	i, err := New(Config{Name: "x", Connector: conn, Read: true, Observers: []Observer{obs}})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, i.Connect(ctx))
	old := conn.Stream()

	readErr := make(chan error, 1)
	go func() {
		_, err := i.Read(ctx)
		readErr <- err
	}()
	require.Eventually(t, func() bool { return old.Reads() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, i.Disconnect())
	require.NoError(t, i.Connect(ctx))
	assert.Error(t, <-readErr)

	assert.NotSame(t, old, conn.Stream())
	assert.True(t, i.Connected())
	assert.False(t, conn.Stream().Closed())
	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, []State{Connecting, Connected, Disconnected, Connecting, Connected}, obs.states)
}

func TestDropStreamIgnoresReplacedStream(t *testing.T) {
	conn := NewMemoryConnector()
	i, err := New(Config{Name: "x", Connector: conn, Read: true, Write: true})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, i.Connect(ctx))
	old := conn.Stream()
	require.NoError(t, i.Disconnect())
	require.NoError(t, i.Connect(ctx))

	i.dropStream(old)
	assert.True(t, i.Connected())
	require.NoError(t, i.Write([]byte{7}))
	assert.Equal(t, [][]byte{{7}}, conn.Stream().Written())

	i.dropStream(conn.Stream())
	assert.False(t, i.Connected())
	assert.True(t, conn.Stream().Closed())
}

type brokenStream struct {
	*MemoryStream
}

func (s brokenStream) Write([]byte) error { return errors.New("cable cut") }

func (s brokenStream) Close() error {
	s.MemoryStream.Close()
	return errors.New("close failed")
}

type brokenConnector struct{ *MemoryConnector }

func (c brokenConnector) Connect(ctx context.Context, read, write bool) (Stream, error) {
	s, err := c.MemoryConnector.Connect(ctx, read, write)
	if err != nil {
		return nil, err
	}
	return brokenStream{s.(*MemoryStream)}, nil
}

func TestWriteFailureLogsCloseError(t *testing.T) {
	rec := &monitoring.Recorder{}
	old := monitoring.Logf
	monitoring.SetLogger(rec.Logf)
	t.Cleanup(func() { monitoring.SetLogger(old) })

	conn := brokenConnector{NewMemoryConnector()}
	i, err := New(Config{Name: "x", Connector: conn, Write: true})
	require.NoError(t, err)
	require.NoError(t, i.Connect(context.Background()))

	assert.ErrorContains(t, i.Write([]byte{1}), "cable cut")
	assert.False(t, i.Connected())
	assert.True(t, rec.Contains("X: close: close failed"))
}

func TestDisconnectWhileConnecting(t *testing.T) {
	conn := NewMemoryConnector()
	conn.Gate = make(chan struct{})
	i, err := New(Config{Name: "x", Connector: conn, Read: true})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- i.Connect(context.Background()) }()
	require.Eventually(t, func() bool { return i.State() == Connecting }, time.Second, time.Millisecond)

	require.NoError(t, i.Disconnect())
	close(conn.Gate)
	assert.ErrorIs(t, <-done, ErrNotConnected)
	assert.Equal(t, Disconnected, i.State())
	assert.True(t, conn.Stream().Closed())
}

func TestReadCancelKeepsConnection(t *testing.T) {
	conn := NewMemoryConnector()
	i, err := New(Config{Name: "x", Connector: conn, Read: true})
	require.NoError(t, err)
	require.NoError(t, i.Connect(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = i.Read(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, i.Connected())
}

func TestConcurrentReadAndWrite(t *testing.T) {
	conn := NewMemoryConnector()
	i, err := New(Config{Name: "x", Connector: conn, Read: true, Write: true})
	require.NoError(t, err)
	require.NoError(t, i.Connect(context.Background()))

	const n = 50
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for k := 0; k < n; k++ {
			assert.NoError(t, i.Write([]byte{byte(k)}))
		}
	}()
	go func() {
		defer wg.Done()
		for k := 0; k < n; k++ {
			conn.Stream().Inject([]byte{byte(k)})
			_, err := i.Read(context.Background())
			assert.NoError(t, err)
		}
	}()
	wg.Wait()
	assert.Len(t, conn.Stream().Written(), n)
	assert.Equal(t, uint64(n), i.Stats().PacketsRead)
}

func TestSetOptionForwardsToConnector(t *testing.T) {
	conn := NewMemoryConnector()
	i, err := New(Config{Name: "x", Connector: conn, Read: true})
	require.NoError(t, err)
	require.NoError(t, i.SetOption(" flow_control ", []string{"RTSCTS"}))
	assert.Equal(t, []string{"RTSCTS"}, conn.Option("FLOW_CONTROL"))
}
