package discovery

import (
	"strings"

	"github.com/edgeforge/flashpipe/internal/models"
	"go.bug.st/serial/enumerator"
)

// USBEnumerator lists USB serial interfaces with their vendor/product
// identity, as surfaced by the host OS.
type USBEnumerator struct{}

// NewUSBEnumerator creates the host USB serial enumerator.
func NewUSBEnumerator() *USBEnumerator {
	return &USBEnumerator{}
}

// Enumerate returns every USB serial port currently present. Non-USB ports
// carry no vendor/product signature and are skipped.
func (e *USBEnumerator) Enumerate() ([]models.PortCandidate, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, err
	}

	var candidates []models.PortCandidate
	for _, p := range ports {
		if !p.IsUSB {
			continue
		}
		candidates = append(candidates, models.PortCandidate{
			Device:    p.Name,
			Name:      p.Product,
			VendorID:  strings.ToLower(p.VID),
			ProductID: strings.ToLower(p.PID),
			Serial:    p.SerialNumber,
		})
	}
	return candidates, nil
}
