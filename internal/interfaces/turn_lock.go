package interfaces

import "context"

// TurnLocker serializes turns per session. TryLock never blocks: ok is false
// when another holder owns the session.
type TurnLocker interface {
	TryLock(ctx context.Context, sessionID string) (unlock func(), ok bool, err error)
}
