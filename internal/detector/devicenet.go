package detector

import (
	"context"
	"fmt"
	"math"
	"time"
)

// SetStore is the TTL-bounded set slice of the shared cache.
type SetStore interface {
	AddToSet(ctx context.Context, key, member string, ttl time.Duration) (added bool, card int64, err error)
	IsSetMember(ctx context.Context, key, member string) (bool, error)
}

// sharerTTL bounds how long a user stays associated with a device or IP.
const sharerTTL = 30 * 24 * time.Hour

// DeviceNetDetector flags fingerprints and IPs shared by too many distinct
// users. Households and campus NATs legitimately share addresses, so a
// fixed tolerance applies before anything scores.
type DeviceNetDetector struct {
	sets             SetStore
	maxIPSharers     int
	maxDeviceSharers int
}

// NewDeviceNetDetector creates a device/network sharing detector.
func NewDeviceNetDetector(sets SetStore, maxIPSharers, maxDeviceSharers int) *DeviceNetDetector {
	if maxIPSharers == 0 {
		maxIPSharers = 3
	}
	if maxDeviceSharers == 0 {
		maxDeviceSharers = 2
	}
	return &DeviceNetDetector{sets: sets, maxIPSharers: maxIPSharers, maxDeviceSharers: maxDeviceSharers}
}

func (d *DeviceNetDetector) Name() string { return "device_network" }

func (d *DeviceNetDetector) Detect(ctx context.Context, req *Request) ([]Signal, error) {
	var signals []Signal

	if req.DeviceHash != "" {
		_, card, err := d.sets.AddToSet(ctx, DeviceUsersKey(req.DeviceHash), req.UserID, sharerTTL)
		if err != nil {
			return nil, err
		}
		if excess := int(card) - d.maxDeviceSharers; excess > 0 {
			signals = append(signals, Signal{
				Name:   "shared_device",
				Score:  math.Min(1, float64(excess)/5),
				Weight: WeightDeviceNet,
				Evidence: map[string]interface{}{
					"device_hash": req.DeviceHash,
					"user_count":  card,
				},
			})
		}
	}

	if req.IPAddress != "" {
		_, card, err := d.sets.AddToSet(ctx, IPUsersKey(req.IPAddress), req.UserID, sharerTTL)
		if err != nil {
			return nil, err
		}
		if excess := int(card) - d.maxIPSharers; excess > 0 {
			signals = append(signals, Signal{
				Name:   "shared_ip",
				Score:  math.Min(1, float64(excess)/10),
				Weight: WeightDeviceNet,
				Evidence: map[string]interface{}{
					"ip_address": req.IPAddress,
					"user_count": card,
				},
			})
		}
	}

	return signals, nil
}

// DeviceUsersKey is the cache set of users seen on a device fingerprint.
func DeviceUsersKey(deviceHash string) string {
	return fmt.Sprintf("fraud:device:users:%s", deviceHash)
}

// IPUsersKey is the cache set of users seen on an IP.
func IPUsersKey(ip string) string {
	return fmt.Sprintf("fraud:ip:users:%s", ip)
}
