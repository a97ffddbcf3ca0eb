package coordination

import "context"

// Store persists coordination records. The record is written after every
// state transition so a restart resumes from the last committed state.
type Store interface {
	Create(ctx context.Context, c *Coordination) error
	Get(ctx context.Context, escrowID string) (*Coordination, error)
	Update(ctx context.Context, c *Coordination) error
	ListByState(ctx context.Context, state State, limit int) ([]*Coordination, error)
}
