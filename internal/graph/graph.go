// Package graph builds the user-creator interaction graph and runs
// density-based clustering plus collusion-ring detection over it. The
// graph is rebuilt from interaction history on every analysis run; it is
// not a long-lived mutable structure.
package graph

import (
	"time"

	"github.com/shopspring/decimal"
)

// User is a graph node with the attributes pairwise distance needs.
type User struct {
	ID            string          `json:"id"`
	RegisteredAt  time.Time       `json:"registered_at"`
	IPs           map[string]bool `json:"ips"`
	Devices       map[string]bool `json:"devices"`
	ActivityHours [24]float64     `json:"activity_hours"`
	Behavior      []float64       `json:"behavior"`
}

// Edge aggregates all interactions between one user and one creator.
type Edge struct {
	UserID       string          `json:"user_id"`
	CreatorID    string          `json:"creator_id"`
	Spend        decimal.Decimal `json:"spend"`
	MessageCount int             `json:"message_count"`
	FirstAt      time.Time       `json:"first_at"`
	LastAt       time.Time       `json:"last_at"`
}

// Graph is the interaction graph for one analysis run.
type Graph struct {
	Users    map[string]*User
	Creators map[string]bool
	edges    map[string]map[string]*Edge // userID -> creatorID -> edge
}

// NewGraph creates an empty graph.
func NewGraph() *Graph {
	return &Graph{
		Users:    make(map[string]*User),
		Creators: make(map[string]bool),
		edges:    make(map[string]map[string]*Edge),
	}
}

// AddUser registers a user node. Repeat calls merge attribute sets rather
// than replacing the node.
func (g *Graph) AddUser(u *User) {
	existing, ok := g.Users[u.ID]
	if !ok {
		if u.IPs == nil {
			u.IPs = make(map[string]bool)
		}
		if u.Devices == nil {
			u.Devices = make(map[string]bool)
		}
		g.Users[u.ID] = u
		return
	}
	for ip := range u.IPs {
		existing.IPs[ip] = true
	}
	for d := range u.Devices {
		existing.Devices[d] = true
	}
}

// AddInteraction accumulates one observed interaction into the edge for
// the (user, creator) pair.
func (g *Graph) AddInteraction(userID, creatorID string, spend decimal.Decimal, messages int, at time.Time) {
	g.Creators[creatorID] = true

	// Record the user's activity hour so clustering can correlate
	// schedules even when callers never set ActivityHours directly.
	if u, ok := g.Users[userID]; ok {
		u.ActivityHours[at.UTC().Hour()]++
	}

	byCreator, ok := g.edges[userID]
	if !ok {
		byCreator = make(map[string]*Edge)
		g.edges[userID] = byCreator
	}
	e, ok := byCreator[creatorID]
	if !ok {
		byCreator[creatorID] = &Edge{
			UserID:       userID,
			CreatorID:    creatorID,
			Spend:        spend,
			MessageCount: messages,
			FirstAt:      at,
			LastAt:       at,
		}
		return
	}
	e.Spend = e.Spend.Add(spend)
	e.MessageCount += messages
	if at.Before(e.FirstAt) {
		e.FirstAt = at
	}
	if at.After(e.LastAt) {
		e.LastAt = at
	}
}

// UserEdges returns all edges for a user.
func (g *Graph) UserEdges(userID string) []*Edge {
	byCreator := g.edges[userID]
	out := make([]*Edge, 0, len(byCreator))
	for _, e := range byCreator {
		out = append(out, e)
	}
	return out
}

// CreatorEdges returns all edges pointing at a creator.
func (g *Graph) CreatorEdges(creatorID string) []*Edge {
	var out []*Edge
	for _, byCreator := range g.edges {
		if e, ok := byCreator[creatorID]; ok {
			out = append(out, e)
		}
	}
	return out
}

// UserIDs returns all user ids in deterministic-enough map order for
// callers that sort themselves.
func (g *Graph) UserIDs() []string {
	out := make([]string, 0, len(g.Users))
	for id := range g.Users {
		out = append(out, id)
	}
	return out
}
