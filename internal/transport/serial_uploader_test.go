package transport

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/edgeforge/flashpipe/internal/models"
	"github.com/edgeforge/flashpipe/internal/pipeline"
	"github.com/edgeforge/flashpipe/internal/utils"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tarm/serial"
)

// fakePort simulates the device side of the upload protocol.
type fakePort struct {
	written    []byte
	reads      int
	silent     bool // never answer the sync preamble
	failAfter  int  // fail writes once this many bytes have been accepted, 0 = never
	writeCalls int
	closed     bool
}

func (f *fakePort) Write(p []byte) (int, error) {
	f.writeCalls++
	if f.failAfter > 0 && len(f.written)+len(p) > f.failAfter {
		accepted := f.failAfter - len(f.written)
		if accepted < 0 {
			accepted = 0
		}
		f.written = append(f.written, p[:accepted]...)
		return accepted, errors.New("input/output error")
	}
	f.written = append(f.written, p...)
	return len(p), nil
}

func (f *fakePort) Read(p []byte) (int, error) {
	f.reads++
	if f.silent {
		return 0, nil // mimics a serial read timeout with no data
	}
	p[0] = 0xC0
	return 1, nil
}

func (f *fakePort) Close() error {
	f.closed = true
	return nil
}

func testProfile() utils.ProcessorProfile {
	return utils.ProcessorProfile{
		FQBN:          "esp32:esp32:m5stack-core2",
		BaudRate:      921600,
		ChunkSize:     4,
		SyncRetries:   3,
		SyncTimeout:   utils.Duration(50 * time.Millisecond),
		VerifySupport: true,
	}
}

func newTestUploader(port *fakePort, profile utils.ProcessorProfile) *SerialUploader {
	config := &utils.Config{Processors: map[string]utils.ProcessorProfile{"esp32": profile}}
	s := NewSerialUploader(config, zerolog.Nop())
	s.openPort = func(cfg *serial.Config) (io.ReadWriteCloser, error) {
		return port, nil
	}
	return s
}

func testArtifact(t *testing.T, content string) models.BuildArtifact {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fw_sn_0001.ino.bin")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return models.BuildArtifact{BinaryPath: path, Size: int64(len(content))}
}

func testCandidate(device string) models.PortCandidate {
	return models.PortCandidate{Device: device, VendorID: "10c4", ProductID: "ea60"}
}

// TestSerialUploader_Upload_Success tests handshake, chunked transfer,
// progress reporting and protocol-verified completion.
func TestSerialUploader_Upload_Success(t *testing.T) {
	port := &fakePort{}
	s := newTestUploader(port, testProfile())
	artifact := testArtifact(t, "0123456789") // 10 bytes, chunk size 4

	progress := make(chan int64, 16)
	result, err := s.Upload(context.Background(), artifact, testCandidate("/dev/ttyUSB0"), "esp32", progress)
	require.NoError(t, err)

	assert.Equal(t, int64(10), result.BytesTransferred)
	assert.True(t, result.Verified)
	assert.True(t, port.closed, "port must be closed on exit")

	// Cumulative bytes after every chunk.
	close(progress)
	var updates []int64
	for u := range progress {
		updates = append(updates, u)
	}
	assert.Equal(t, []int64{4, 8, 10}, updates)

	// The artifact bytes follow the sync preamble on the wire.
	assert.Contains(t, string(port.written), "0123456789")
}

// TestSerialUploader_Upload_NilProgressSink tests that a missing sink is fine.
func TestSerialUploader_Upload_NilProgressSink(t *testing.T) {
	port := &fakePort{}
	s := newTestUploader(port, testProfile())

	result, err := s.Upload(context.Background(), testArtifact(t, "abcd"), testCandidate("/dev/ttyUSB0"), "esp32", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(4), result.BytesTransferred)
}

// TestSerialUploader_Upload_BestEffortVerification tests the weaker guarantee
// when the protocol has no completion acknowledgment.
func TestSerialUploader_Upload_BestEffortVerification(t *testing.T) {
	profile := testProfile()
	profile.VerifySupport = false
	port := &fakePort{}
	s := newTestUploader(port, profile)

	result, err := s.Upload(context.Background(), testArtifact(t, "abcd"), testCandidate("/dev/ttyUSB0"), "esp32", nil)
	require.NoError(t, err)
	assert.False(t, result.Verified, "without protocol support completion is best-effort only")
}

// TestSerialUploader_Upload_HandshakeFailed tests a device that never answers
// the reset sequence.
func TestSerialUploader_Upload_HandshakeFailed(t *testing.T) {
	port := &fakePort{silent: true}
	s := newTestUploader(port, testProfile())

	_, err := s.Upload(context.Background(), testArtifact(t, "abcd"), testCandidate("/dev/ttyUSB0"), "esp32", nil)
	require.Error(t, err)
	assert.Equal(t, pipeline.KindHandshakeFailed, pipeline.KindOf(err))
	assert.True(t, port.closed)
}

// TestSerialUploader_Upload_TransferError tests a mid-transfer I/O failure.
func TestSerialUploader_Upload_TransferError(t *testing.T) {
	port := &fakePort{failAfter: len(syncPreamble) + 6}
	s := newTestUploader(port, testProfile())

	_, err := s.Upload(context.Background(), testArtifact(t, "0123456789"), testCandidate("/dev/ttyUSB0"), "esp32", nil)
	require.Error(t, err)
	assert.Equal(t, pipeline.KindTransferError, pipeline.KindOf(err))
	assert.True(t, port.closed)
}

// TestSerialUploader_Upload_PortBusy tests that a second concurrent run
// observes PortBusy instead of racing the first.
func TestSerialUploader_Upload_PortBusy(t *testing.T) {
	require.True(t, activeUploads.SetIfAbsent("/dev/ttyUSB7", "other-run"))
	defer activeUploads.Remove("/dev/ttyUSB7")

	s := newTestUploader(&fakePort{}, testProfile())

	_, err := s.Upload(context.Background(), testArtifact(t, "abcd"), testCandidate("/dev/ttyUSB7"), "esp32", nil)
	require.Error(t, err)
	assert.Equal(t, pipeline.KindPortBusy, pipeline.KindOf(err))
}

// TestSerialUploader_Upload_Cancelled tests cancellation before the transfer.
func TestSerialUploader_Upload_Cancelled(t *testing.T) {
	port := &fakePort{}
	s := newTestUploader(port, testProfile())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Upload(ctx, testArtifact(t, "abcd"), testCandidate("/dev/ttyUSB0"), "esp32", nil)
	require.Error(t, err)
	assert.Equal(t, pipeline.KindCancelled, pipeline.KindOf(err))
	assert.True(t, port.closed)
}

// TestSerialUploader_Upload_UnknownProcessor tests rejection without a profile.
func TestSerialUploader_Upload_UnknownProcessor(t *testing.T) {
	s := newTestUploader(&fakePort{}, testProfile())

	_, err := s.Upload(context.Background(), testArtifact(t, "abcd"), testCandidate("/dev/ttyUSB0"), "z80", nil)
	require.Error(t, err)
	assert.Equal(t, pipeline.KindConfigInvalid, pipeline.KindOf(err))
}

// TestAcquirePortLock_Exclusive tests the cross-process advisory lock.
func TestAcquirePortLock_Exclusive(t *testing.T) {
	lock, err := acquirePortLock("/dev/ttyLOCKTEST")
	require.NoError(t, err)

	_, err = acquirePortLock("/dev/ttyLOCKTEST")
	assert.Error(t, err, "second non-blocking acquisition must fail fast")

	lock.release()

	again, err := acquirePortLock("/dev/ttyLOCKTEST")
	require.NoError(t, err)
	again.release()
}
