package round

import "errors"

var (
	// ErrRoundFull rejects a join once the participant cap is reached.
	ErrRoundFull = errors.New("round is full")

	// ErrRoundNotOpen rejects a join against a round past OPEN.
	ErrRoundNotOpen = errors.New("round is not open for joins")

	// ErrAlreadyJoined rejects a second join by the same player.
	ErrAlreadyJoined = errors.New("player already joined this round")

	// ErrInvalidTransition flags a lifecycle transition attempted from an
	// invalid source state. The round is never partially mutated.
	ErrInvalidTransition = errors.New("invalid round transition")

	// ErrDrawFailed flags a draw that reported an empty pool. Should be
	// unreachable behind the two-player guard; the round is force-settled
	// with no winner when it occurs.
	ErrDrawFailed = errors.New("draw failed")

	// ErrNoRound flags an operation before any round exists.
	ErrNoRound = errors.New("no current round")
)
