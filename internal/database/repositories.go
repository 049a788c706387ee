package database

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/talefront/aegis/internal/audit"
	"github.com/talefront/aegis/internal/graph"
	"github.com/talefront/aegis/internal/policy"
	"github.com/talefront/aegis/internal/scoring"
	"github.com/talefront/aegis/internal/trust"
	"github.com/talefront/aegis/pkg/errors"
)

// Repositories bundles every store over one gorm handle. It satisfies
// trust.Repository, policy.Repository, scoring.Repository and audit.Store.
type Repositories struct {
	db *gorm.DB
}

// NewRepositories wraps a migrated database handle.
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{db: db}
}

// --- trust.Repository ---

func (r *Repositories) FindTrustScore(ctx context.Context, userID string) (*trust.Score, error) {
	var m TrustScoreModel
	err := r.db.WithContext(ctx).First(&m, "user_id = ?", userID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.NewNotFound("trust score", userID)
		}
		return nil, errors.ErrServiceDegraded.Wrap(err)
	}
	return trustFromModel(&m), nil
}

func (r *Repositories) UpsertTrustScore(ctx context.Context, score *trust.Score) error {
	m := trustToModel(score)
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"score", "tier", "updated_at"}),
	}).Create(m).Error
	if err != nil {
		return errors.ErrServiceDegraded.Wrap(err)
	}
	return nil
}

// --- policy.Repository ---

func (r *Repositories) FindPolicy(ctx context.Context, userID string) (*policy.Policy, error) {
	var m PolicyModel
	err := r.db.WithContext(ctx).First(&m, "user_id = ?", userID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.NewNotFound("policy", userID)
		}
		return nil, errors.ErrServiceDegraded.Wrap(err)
	}
	return policyFromModel(&m)
}

func (r *Repositories) SavePolicy(ctx context.Context, p *policy.Policy) error {
	m, err := policyToModel(p)
	if err != nil {
		return errors.ErrValidation.Wrap(err)
	}
	err = r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"type", "reason", "applied_at", "expires_at", "permanent", "parameters",
		}),
	}).Create(m).Error
	if err != nil {
		return errors.ErrServiceDegraded.Wrap(err)
	}
	return nil
}

func (r *Repositories) DeletePolicy(ctx context.Context, userID string) error {
	err := r.db.WithContext(ctx).Delete(&PolicyModel{}, "user_id = ?", userID).Error
	if err != nil {
		return errors.ErrServiceDegraded.Wrap(err)
	}
	return nil
}

func (r *Repositories) ViolationCount(ctx context.Context, userID string) (int, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&PolicyViolation{}).
		Where("user_id = ?", userID).Count(&count).Error
	if err != nil {
		return 0, errors.ErrServiceDegraded.Wrap(err)
	}
	return int(count), nil
}

func (r *Repositories) RecordViolation(ctx context.Context, userID string) error {
	v := &PolicyViolation{UserID: userID, OccurredAt: time.Now().UTC()}
	if err := r.db.WithContext(ctx).Create(v).Error; err != nil {
		return errors.ErrServiceDegraded.Wrap(err)
	}
	return nil
}

// --- scoring.Repository ---

func (r *Repositories) FindFraudScore(ctx context.Context, userID string) (*scoring.FraudScore, error) {
	var m FraudScoreModel
	err := r.db.WithContext(ctx).First(&m, "user_id = ?", userID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.NewNotFound("fraud score", userID)
		}
		return nil, errors.ErrServiceDegraded.Wrap(err)
	}
	return fraudFromModel(&m)
}

func (r *Repositories) SaveFraudScore(ctx context.Context, score *scoring.FraudScore) error {
	m, err := fraudToModel(score)
	if err != nil {
		return errors.ErrValidation.Wrap(err)
	}
	err = r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"components", "overall_score", "risk_level", "action", "trend",
			"history", "updated_at",
		}),
	}).Create(m).Error
	if err != nil {
		return errors.ErrServiceDegraded.Wrap(err)
	}
	return nil
}

// ListFraudScoreUserIDs returns every user with a persisted score; the
// refresh job walks this set.
func (r *Repositories) ListFraudScoreUserIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).Model(&FraudScoreModel{}).
		Order("user_id").Pluck("user_id", &ids).Error
	if err != nil {
		return nil, errors.ErrServiceDegraded.Wrap(err)
	}
	return ids, nil
}

// --- audit.Store ---

func (r *Repositories) SaveAuditEvents(ctx context.Context, events []*audit.Event) error {
	if len(events) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).Create(events).Error; err != nil {
		return errors.ErrServiceDegraded.Wrap(err)
	}
	return nil
}

// --- clusters ---

func (r *Repositories) SaveClusters(ctx context.Context, clusters []graph.UserCluster) error {
	for i := range clusters {
		m, err := clusterToModel(&clusters[i])
		if err != nil {
			return errors.ErrValidation.Wrap(err)
		}
		if err := r.db.WithContext(ctx).Create(m).Error; err != nil {
			return errors.ErrServiceDegraded.Wrap(err)
		}
	}
	return nil
}

func (r *Repositories) FindCluster(ctx context.Context, id uuid.UUID) (*graph.UserCluster, error) {
	var m ClusterModel
	err := r.db.WithContext(ctx).First(&m, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.NewNotFound("cluster", id.String())
		}
		return nil, errors.ErrServiceDegraded.Wrap(err)
	}
	return clusterFromModel(&m)
}

func (r *Repositories) ListClusters(ctx context.Context, status string, limit int) ([]*graph.UserCluster, error) {
	q := r.db.WithContext(ctx).Model(&ClusterModel{}).Order("detected_at DESC")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var models []ClusterModel
	if err := q.Find(&models).Error; err != nil {
		return nil, errors.ErrServiceDegraded.Wrap(err)
	}
	out := make([]*graph.UserCluster, 0, len(models))
	for i := range models {
		c, err := clusterFromModel(&models[i])
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// UpdateClusterStatus applies a review decision, enforcing the legal
// transitions.
func (r *Repositories) UpdateClusterStatus(ctx context.Context, id uuid.UUID, status string) (*graph.UserCluster, error) {
	c, err := r.FindCluster(ctx, id)
	if err != nil {
		return nil, err
	}
	if !graph.ValidClusterTransition(c.Status, status) {
		return nil, errors.NewValidation("status", fmt.Sprintf("illegal transition %s -> %s", c.Status, status))
	}
	err = r.db.WithContext(ctx).Model(&ClusterModel{}).
		Where("id = ?", id).Update("status", status).Error
	if err != nil {
		return nil, errors.ErrServiceDegraded.Wrap(err)
	}
	c.Status = status
	return c, nil
}

// --- collusion rings ---

func (r *Repositories) SaveRings(ctx context.Context, rings []graph.CollusionRing) error {
	for i := range rings {
		m, err := ringToModel(&rings[i])
		if err != nil {
			return errors.ErrValidation.Wrap(err)
		}
		if err := r.db.WithContext(ctx).Create(m).Error; err != nil {
			return errors.ErrServiceDegraded.Wrap(err)
		}
	}
	return nil
}

func (r *Repositories) FindRing(ctx context.Context, id uuid.UUID) (*graph.CollusionRing, error) {
	var m RingModel
	err := r.db.WithContext(ctx).First(&m, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.NewNotFound("collusion ring", id.String())
		}
		return nil, errors.ErrServiceDegraded.Wrap(err)
	}
	return ringFromModel(&m)
}

func (r *Repositories) ListRings(ctx context.Context, status string, limit int) ([]*graph.CollusionRing, error) {
	q := r.db.WithContext(ctx).Model(&RingModel{}).Order("detected_at DESC")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var models []RingModel
	if err := q.Find(&models).Error; err != nil {
		return nil, errors.ErrServiceDegraded.Wrap(err)
	}
	out := make([]*graph.CollusionRing, 0, len(models))
	for i := range models {
		ring, err := ringFromModel(&models[i])
		if err != nil {
			return nil, err
		}
		out = append(out, ring)
	}
	return out, nil
}

// UpdateRingStatus moves a ring through its investigation ladder.
func (r *Repositories) UpdateRingStatus(ctx context.Context, id uuid.UUID, status string) (*graph.CollusionRing, error) {
	ring, err := r.FindRing(ctx, id)
	if err != nil {
		return nil, err
	}
	if !graph.ValidRingTransition(ring.Status, status) {
		return nil, errors.NewValidation("status", fmt.Sprintf("illegal transition %s -> %s", ring.Status, status))
	}
	err = r.db.WithContext(ctx).Model(&RingModel{}).
		Where("id = ?", id).Update("status", status).Error
	if err != nil {
		return nil, errors.ErrServiceDegraded.Wrap(err)
	}
	ring.Status = status
	return ring, nil
}

// --- user snapshots and interaction events ---

// UpsertUserSnapshot merges one sighting: registration time keeps the
// earliest value, last-seen always advances.
func (r *Repositories) UpsertUserSnapshot(ctx context.Context, userID string, registeredAt, seenAt time.Time) error {
	merged := UserSnapshot{UserID: userID, RegisteredAt: registeredAt.UTC(), LastSeenAt: seenAt.UTC()}

	var existing UserSnapshot
	err := r.db.WithContext(ctx).First(&existing, "user_id = ?", userID).Error
	switch {
	case err == nil:
		if existing.RegisteredAt.Before(merged.RegisteredAt) {
			merged.RegisteredAt = existing.RegisteredAt
		}
		if existing.LastSeenAt.After(merged.LastSeenAt) {
			merged.LastSeenAt = existing.LastSeenAt
		}
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return errors.ErrServiceDegraded.Wrap(err)
	}

	err = r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"registered_at", "last_seen_at"}),
	}).Create(&merged).Error
	if err != nil {
		return errors.ErrServiceDegraded.Wrap(err)
	}
	return nil
}

func (r *Repositories) FindUserSnapshots(ctx context.Context, userIDs []string) (map[string]UserSnapshot, error) {
	var models []UserSnapshot
	err := r.db.WithContext(ctx).Where("user_id IN ?", userIDs).Find(&models).Error
	if err != nil {
		return nil, errors.ErrServiceDegraded.Wrap(err)
	}
	out := make(map[string]UserSnapshot, len(models))
	for _, m := range models {
		out[m.UserID] = m
	}
	return out, nil
}

// RecordInteraction appends one raw interaction event.
// RecordMessage records a single-message interaction with no spend.
func (r *Repositories) RecordMessage(ctx context.Context, userID, creatorID, ip, deviceHash string, at time.Time) error {
	return r.RecordInteraction(ctx, &InteractionEvent{
		UserID:       userID,
		CreatorID:    creatorID,
		IPAddress:    ip,
		DeviceHash:   deviceHash,
		Spend:        "0",
		MessageCount: 1,
		OccurredAt:   at.UTC(),
	})
}

func (r *Repositories) RecordInteraction(ctx context.Context, ev *InteractionEvent) error {
	if err := r.db.WithContext(ctx).Create(ev).Error; err != nil {
		return errors.ErrServiceDegraded.Wrap(err)
	}
	return nil
}

// BuildGraph reconstructs the interaction graph from events since the
// given time. Behavior vectors come from the persisted fraud score
// components.
func (r *Repositories) BuildGraph(ctx context.Context, since time.Time) (*graph.Graph, error) {
	var events []InteractionEvent
	err := r.db.WithContext(ctx).
		Where("occurred_at >= ?", since).
		Order("occurred_at").
		Find(&events).Error
	if err != nil {
		return nil, errors.ErrServiceDegraded.Wrap(err)
	}

	g := graph.NewGraph()
	userIDs := make([]string, 0, len(events))
	seen := map[string]bool{}
	for _, ev := range events {
		if !seen[ev.UserID] {
			seen[ev.UserID] = true
			userIDs = append(userIDs, ev.UserID)
		}
	}
	if len(userIDs) == 0 {
		return g, nil
	}

	snaps, err := r.FindUserSnapshots(ctx, userIDs)
	if err != nil {
		return nil, err
	}

	for _, ev := range events {
		u := &graph.User{
			ID:      ev.UserID,
			IPs:     map[string]bool{},
			Devices: map[string]bool{},
		}
		if ev.IPAddress != "" {
			u.IPs[ev.IPAddress] = true
		}
		if ev.DeviceHash != "" {
			u.Devices[ev.DeviceHash] = true
		}
		if snap, ok := snaps[ev.UserID]; ok {
			u.RegisteredAt = snap.RegisteredAt
		}
		g.AddUser(u)

		spend, err := decimal.NewFromString(ev.Spend)
		if err != nil {
			spend = decimal.Zero
		}
		g.AddInteraction(ev.UserID, ev.CreatorID, spend, ev.MessageCount, ev.OccurredAt)
	}

	for _, id := range userIDs {
		score, err := r.FindFraudScore(ctx, id)
		if err != nil {
			continue
		}
		c := score.Components
		g.Users[id].Behavior = []float64{
			c.Typing, c.Session, c.Conversation, c.Timing,
			c.Network, c.Device, c.Velocity,
		}
	}
	return g, nil
}

// --- retention ---

// PruneInteractions deletes raw events older than the cutoff and returns
// how many rows went.
func (r *Repositories) PruneInteractions(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where("occurred_at < ?", cutoff).Delete(&InteractionEvent{})
	if res.Error != nil {
		return 0, errors.ErrServiceDegraded.Wrap(res.Error)
	}
	return res.RowsAffected, nil
}

// PruneAuditEvents deletes audit rows older than the cutoff.
func (r *Repositories) PruneAuditEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&audit.Event{})
	if res.Error != nil {
		return 0, errors.ErrServiceDegraded.Wrap(res.Error)
	}
	return res.RowsAffected, nil
}

// PruneViolations deletes violation rows older than the cutoff so old
// behavior stops counting toward shadow bans.
func (r *Repositories) PruneViolations(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where("occurred_at < ?", cutoff).Delete(&PolicyViolation{})
	if res.Error != nil {
		return 0, errors.ErrServiceDegraded.Wrap(res.Error)
	}
	return res.RowsAffected, nil
}
