package transport

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/edgeforge/flashpipe/internal/models"
	"github.com/edgeforge/flashpipe/internal/pipeline"
	"github.com/edgeforge/flashpipe/internal/utils"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/rs/zerolog"
	"github.com/tarm/serial"
	"golang.org/x/sys/unix"
)

// activeUploads tracks ports with an upload in flight in this process.
// A second run targeting the same port observes PortBusy instead of racing
// the transport.
var activeUploads = cmap.New[string]()

// syncPreamble is the SLIP-framed bootloader sync sequence: 0x07 0x07 0x12
// 0x20 followed by 32 bytes of 0x55, delimited by 0xC0.
var syncPreamble = buildSyncPreamble()

func buildSyncPreamble() []byte {
	frame := []byte{0xC0, 0x00, 0x08, 0x24, 0x00, 0x00, 0x00, 0x00, 0x00, 0x07, 0x07, 0x12, 0x20}
	for i := 0; i < 32; i++ {
		frame = append(frame, 0x55)
	}
	return append(frame, 0xC0)
}

// SerialUploader transfers a build artifact to a resolved port over the
// processor family's serial protocol. The port is held exclusively for the
// duration of one upload and released on every exit path.
type SerialUploader struct {
	processors map[string]utils.ProcessorProfile
	logger     zerolog.Logger

	// openPort is swappable so tests can run without hardware.
	openPort func(cfg *serial.Config) (io.ReadWriteCloser, error)
}

// NewSerialUploader creates a SerialUploader from the loaded configuration.
func NewSerialUploader(config *utils.Config, logger zerolog.Logger) *SerialUploader {
	return &SerialUploader{
		processors: config.Processors,
		logger:     logger,
		openPort: func(cfg *serial.Config) (io.ReadWriteCloser, error) {
			return serial.OpenPort(cfg)
		},
	}
}

// Upload acquires the port exclusively, performs the bootloader-entry
// handshake for the processor family, and streams the artifact in bounded
// chunks. Cumulative progress is sent to progress after every chunk without
// blocking; a full or nil channel is never waited on.
func (s *SerialUploader) Upload(ctx context.Context, artifact models.BuildArtifact, port models.PortCandidate,
	processor string, progress chan<- int64) (models.UploadResult, error) {

	profile, ok := s.processors[processor]
	if !ok {
		return models.UploadResult{}, pipeline.NewError(pipeline.StageUpload, pipeline.KindConfigInvalid,
			fmt.Sprintf("no processor profile for %q", processor))
	}

	// In-process claim first, then a cross-process advisory lock. Both are
	// non-blocking: contention means another flash run owns the port.
	if !activeUploads.SetIfAbsent(port.Device, artifact.BinaryPath) {
		return models.UploadResult{}, pipeline.NewError(pipeline.StageUpload, pipeline.KindPortBusy,
			fmt.Sprintf("another upload to %s is in flight", port.Device))
	}
	defer activeUploads.Remove(port.Device)

	lock, err := acquirePortLock(port.Device)
	if err != nil {
		return models.UploadResult{}, pipeline.WrapError(pipeline.StageUpload, pipeline.KindPortBusy, err)
	}
	defer lock.release()

	binary, err := os.ReadFile(artifact.BinaryPath)
	if err != nil {
		return models.UploadResult{}, pipeline.WrapError(pipeline.StageUpload, pipeline.KindTransferError, err)
	}

	conn, err := s.openPort(&serial.Config{
		Name:        port.Device,
		Baud:        profile.BaudRate,
		ReadTimeout: profile.SyncTimeout.Std(),
	})
	if err != nil {
		if isBusy(err) {
			return models.UploadResult{}, pipeline.WrapError(pipeline.StageUpload, pipeline.KindPortBusy, err)
		}
		return models.UploadResult{}, pipeline.WrapError(pipeline.StageUpload, pipeline.KindTransferError, err)
	}
	defer conn.Close()

	if err := s.handshake(ctx, conn, profile); err != nil {
		return models.UploadResult{}, err
	}

	start := time.Now()
	transferred, err := s.transfer(ctx, conn, binary, profile.ChunkSize, progress)
	if err != nil {
		s.logger.Error().Err(err).Int64("transferred", transferred).
			Msg("Transfer failed mid-flight; device may be in an inconsistent boot state, restart the flash")
		return models.UploadResult{}, err
	}

	verified, err := s.verify(conn, profile)
	if err != nil {
		return models.UploadResult{}, err
	}

	result := models.UploadResult{
		Port:             port.Device,
		BytesTransferred: transferred,
		Verified:         verified,
		Duration:         time.Since(start),
	}
	s.logger.Info().
		Str("port", port.Device).
		Int64("bytes", transferred).
		Bool("verified", verified).
		Dur("elapsed", result.Duration).
		Msg("Upload complete")
	return result, nil
}

// handshake drives the reset/bootloader-entry sync. The device must answer
// the sync preamble within the profile's window; silence after all retries
// usually means wrong port or wrong processor tag.
func (s *SerialUploader) handshake(ctx context.Context, conn io.ReadWriteCloser, profile utils.ProcessorProfile) error {
	retries := profile.SyncRetries
	if retries <= 0 {
		retries = 1
	}

	buf := make([]byte, 64)
	for attempt := 1; attempt <= retries; attempt++ {
		if ctx.Err() != nil {
			return pipeline.WrapError(pipeline.StageUpload, pipeline.KindCancelled, ctx.Err())
		}

		if _, err := conn.Write(syncPreamble); err != nil {
			return pipeline.WrapError(pipeline.StageUpload, pipeline.KindHandshakeFailed, err)
		}

		// The port read timeout bounds this; any response counts as sync.
		n, err := conn.Read(buf)
		if err == nil && n > 0 {
			s.logger.Debug().Int("attempt", attempt).Msg("Bootloader sync acknowledged")
			return nil
		}
	}

	return pipeline.NewError(pipeline.StageUpload, pipeline.KindHandshakeFailed,
		fmt.Sprintf("device did not answer sync after %d attempts", retries))
}

// transfer streams the binary in bounded chunks, reporting cumulative bytes
// after each chunk. Any mid-transfer I/O error is terminal for the run.
func (s *SerialUploader) transfer(ctx context.Context, conn io.Writer, binary []byte, chunkSize int, progress chan<- int64) (int64, error) {
	if chunkSize <= 0 {
		chunkSize = 4096
	}

	var transferred int64
	for offset := 0; offset < len(binary); offset += chunkSize {
		if ctx.Err() != nil {
			return transferred, pipeline.WrapError(pipeline.StageUpload, pipeline.KindCancelled, ctx.Err())
		}

		end := offset + chunkSize
		if end > len(binary) {
			end = len(binary)
		}

		n, err := conn.Write(binary[offset:end])
		transferred += int64(n)
		if err != nil {
			return transferred, pipeline.WrapError(pipeline.StageUpload, pipeline.KindTransferError, err)
		}

		if progress != nil {
			select {
			case progress <- transferred:
			default: // never stall the transfer on a slow sink
			}
		}
	}
	return transferred, nil
}

// verify reads the post-upload acknowledgment where the protocol supports
// one. Without protocol support, completion without I/O error is the
// guarantee, explicitly weaker, and Verified stays false.
func (s *SerialUploader) verify(conn io.Reader, profile utils.ProcessorProfile) (bool, error) {
	if !profile.VerifySupport {
		return false, nil
	}

	buf := make([]byte, 16)
	n, err := conn.Read(buf)
	if err != nil || n == 0 {
		return false, pipeline.NewError(pipeline.StageUpload, pipeline.KindTransferError,
			"device did not acknowledge completed transfer")
	}
	return true, nil
}

func isBusy(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "busy") ||
		strings.Contains(strings.ToLower(err.Error()), "resource temporarily unavailable")
}

// portLock is a cross-process advisory lock on a sidecar file derived from
// the port path.
type portLock struct {
	file *os.File
}

// acquirePortLock takes a non-blocking exclusive flock; failure means
// another process holds the port.
func acquirePortLock(device string) (*portLock, error) {
	name := "flashpipe-" + strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == ':' {
			return '-'
		}
		return r
	}, device) + ".lock"

	f, err := os.OpenFile(filepath.Join(os.TempDir(), name), os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, err
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("port %s is locked by another process: %w", device, err)
	}
	return &portLock{file: f}, nil
}

func (l *portLock) release() {
	unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	l.file.Close()
}
