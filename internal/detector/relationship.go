package detector

import "context"

// RelationshipDetector looks for direct ties between a user and the
// creator they are interacting with. A user acting on their own content is
// certain fraud in this domain (self-farming engagement/earnings); sharing
// a device or IP with the creator is nearly as strong.
type RelationshipDetector struct {
	sets                  SetStore
	selfInteractionWeight float64
}

// NewRelationshipDetector creates a relationship detector. The
// self-interaction weight is configuration, not code: production tunes it.
func NewRelationshipDetector(sets SetStore, selfInteractionWeight float64) *RelationshipDetector {
	if selfInteractionWeight == 0 {
		selfInteractionWeight = 1.0
	}
	return &RelationshipDetector{sets: sets, selfInteractionWeight: selfInteractionWeight}
}

func (d *RelationshipDetector) Name() string { return "relationship" }

func (d *RelationshipDetector) Detect(ctx context.Context, req *Request) ([]Signal, error) {
	if req.CreatorID == "" {
		return nil, nil
	}

	if req.CreatorID == req.UserID {
		return []Signal{{
			Name:   "self_interaction",
			Score:  1.0,
			Weight: d.selfInteractionWeight,
			Evidence: map[string]interface{}{
				"creator_id": req.CreatorID,
			},
		}}, nil
	}

	var signals []Signal

	if req.DeviceHash != "" {
		shared, err := d.sets.IsSetMember(ctx, DeviceUsersKey(req.DeviceHash), req.CreatorID)
		if err != nil {
			return nil, err
		}
		if shared {
			signals = append(signals, Signal{
				Name:   "creator_shared_device",
				Score:  0.95,
				Weight: WeightRelationship,
				Evidence: map[string]interface{}{
					"creator_id":  req.CreatorID,
					"device_hash": req.DeviceHash,
				},
			})
		}
	}

	if req.IPAddress != "" {
		shared, err := d.sets.IsSetMember(ctx, IPUsersKey(req.IPAddress), req.CreatorID)
		if err != nil {
			return nil, err
		}
		if shared {
			signals = append(signals, Signal{
				Name:   "creator_shared_ip",
				Score:  0.85,
				Weight: WeightRelationship,
				Evidence: map[string]interface{}{
					"creator_id": req.CreatorID,
					"ip_address": req.IPAddress,
				},
			})
		}
	}

	return signals, nil
}
