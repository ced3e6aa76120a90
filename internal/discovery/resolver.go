package discovery

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/edgeforge/flashpipe/internal/models"
	"github.com/edgeforge/flashpipe/internal/pipeline"
	"github.com/edgeforge/flashpipe/internal/utils"
	"github.com/rs/zerolog"
	"github.com/tarm/serial"
)

// Enumerator lists the serial interfaces currently present on the host.
// Production uses the USB enumerator; tests plug in fakes.
type Enumerator interface {
	Enumerate() ([]models.PortCandidate, error)
}

// Resolver discovers the single serial port belonging to supported hardware.
// Discovery is re-run fresh on every attempt; candidates are never cached
// because devices may be unplugged and replugged between stages.
type Resolver struct {
	enumerator    Enumerator
	signatures    []utils.Signature
	probeLiveness bool
	logger        zerolog.Logger
}

// NewResolver creates a Resolver matching against the configured
// vendor/product signature table.
func NewResolver(enumerator Enumerator, signatures []utils.Signature, probeLiveness bool, logger zerolog.Logger) *Resolver {
	return &Resolver{
		enumerator:    enumerator,
		signatures:    signatures,
		probeLiveness: probeLiveness,
		logger:        logger,
	}
}

// Resolve polls for matching hardware until timeout. Zero matches after the
// deadline is DeviceNotFound; more than one match fails immediately with
// AmbiguousDevice, listing every candidate, because flashing the wrong
// physical device is worse than failing loudly. Cancellation is observed
// within one retry interval.
func (r *Resolver) Resolve(ctx context.Context, timeout, retryInterval time.Duration) (models.PortCandidate, error) {
	deadline := time.Now().Add(timeout)

	for {
		matches, err := r.discover()
		if err != nil {
			r.logger.Warn().Err(err).Msg("Serial enumeration failed, will retry")
		}

		switch len(matches) {
		case 0:
			// The common case is "device not yet plugged in"; keep polling.
		case 1:
			r.logger.Info().
				Str("port", matches[0].Device).
				Str("vendor_id", matches[0].VendorID).
				Str("product_id", matches[0].ProductID).
				Msg("Resolved target port")
			return matches[0], nil
		default:
			names := make([]string, 0, len(matches))
			for _, m := range matches {
				names = append(names, m.Device)
			}
			r.logger.Error().Strs("candidates", names).Msg("Multiple supported devices present")
			return models.PortCandidate{}, pipeline.WrapError(pipeline.StageResolvePort, pipeline.KindAmbiguousDevice,
				&AmbiguousDeviceError{Candidates: matches})
		}

		if time.Now().After(deadline) {
			return models.PortCandidate{}, pipeline.NewError(pipeline.StageResolvePort, pipeline.KindDeviceNotFound,
				fmt.Sprintf("no supported device appeared within %s", timeout))
		}

		select {
		case <-ctx.Done():
			return models.PortCandidate{}, pipeline.WrapError(pipeline.StageResolvePort, pipeline.KindCancelled, ctx.Err())
		case <-time.After(retryInterval):
		}
	}
}

// discover enumerates and filters by the signature allow-list.
func (r *Resolver) discover() ([]models.PortCandidate, error) {
	candidates, err := r.enumerator.Enumerate()
	if err != nil {
		return nil, err
	}

	var matches []models.PortCandidate
	for _, c := range candidates {
		if !r.matches(c) {
			continue
		}
		if r.probeLiveness {
			c.Live = probe(c.Device)
		}
		matches = append(matches, c)
	}
	return matches, nil
}

func (r *Resolver) matches(c models.PortCandidate) bool {
	for _, sig := range r.signatures {
		if strings.EqualFold(c.VendorID, sig.VendorID) && strings.EqualFold(c.ProductID, sig.ProductID) {
			return true
		}
	}
	return false
}

// probe attempts a short open/close to check the port responds at all.
// Off by default: opening a port can disturb a process about to claim it.
func probe(device string) bool {
	port, err := serial.OpenPort(&serial.Config{Name: device, Baud: 115200, ReadTimeout: 100 * time.Millisecond})
	if err != nil {
		return false
	}
	port.Close()
	return true
}

// AmbiguousDeviceError reports more than one matching candidate. It carries
// the full list so the caller can ask the user to disambiguate.
type AmbiguousDeviceError struct {
	Candidates []models.PortCandidate
}

func (e *AmbiguousDeviceError) Error() string {
	names := make([]string, 0, len(e.Candidates))
	for _, c := range e.Candidates {
		names = append(names, c.Device)
	}
	return fmt.Sprintf("%d matching devices present: %s", len(e.Candidates), strings.Join(names, ", "))
}
