package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kanari-ai/kanari-server/domain/entities"
	"github.com/kanari-ai/kanari-server/domain/repositories"
)

// DeviceRepository is an in-memory device registry. Devices register on
// first successful activation; restarts forget them, which is
// acceptable because activation is repeatable.
type DeviceRepository struct {
	mu      sync.RWMutex
	devices map[string]*entities.Device
}

var _ repositories.DeviceRepository = (*DeviceRepository)(nil)

// NewDeviceRepository creates an empty registry.
func NewDeviceRepository() *DeviceRepository {
	return &DeviceRepository{
		devices: make(map[string]*entities.Device),
	}
}

// GetBySerialNumber returns the device for a serial number.
func (r *DeviceRepository) GetBySerialNumber(_ context.Context, serialNumber string) (*entities.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	device, ok := r.devices[serialNumber]
	if !ok {
		return nil, fmt.Errorf("device %s not found", serialNumber)
	}
	copied := *device
	return &copied, nil
}

// ValidateDevice returns the device if it is known; the secret check
// happens upstream via the activation signature.
func (r *DeviceRepository) ValidateDevice(serialNumber, _ string) (*entities.Device, error) {
	return r.GetBySerialNumber(context.Background(), serialNumber)
}

// Upsert registers or refreshes a device record.
func (r *DeviceRepository) Upsert(serialNumber, model, firmware string) *entities.Device {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	device, ok := r.devices[serialNumber]
	if !ok {
		device = &entities.Device{
			ID:           serialNumber,
			SerialNumber: serialNumber,
			CreatedAt:    now,
		}
		r.devices[serialNumber] = device
	}
	if model != "" {
		device.Model = model
	}
	if firmware != "" {
		device.Firmware = firmware
	}
	device.UpdatedAt = now

	copied := *device
	return &copied
}
