// Package cluster defines the leader-election port the foreman schedules
// behind. Exactly one replica drives scheduling at a time.
package cluster

import "context"

// Coordinator manages leader election so only one foreman replica actively
// schedules work.
type Coordinator interface {
	// Start joins the election. The campaign runs until the context is
	// cancelled; Start itself returns once the campaign is underway.
	Start(ctx context.Context) error
	// Stop relinquishes any held leadership.
	Stop() error
	// OnLeadershipChange registers a callback for leadership status changes.
	// Register before Start or transitions may be missed.
	OnLeadershipChange(cb func(isLeader bool))
}
