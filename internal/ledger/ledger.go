// Package ledger owns the append-only conversation history of a game: the
// message chain and the thread-snapshot chain. It is the only writer of
// conversation state.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/stellarlinkco/gm-eval/internal/store"
	"github.com/stellarlinkco/gm-eval/internal/transport"
)

// Ledger appends messages and snapshots and reads context windows.
type Ledger struct {
	st store.ConversationStore
	tr transport.Transport
}

// New creates a Ledger. The transport is only used when seeding new games and
// may be nil for read/append-only callers.
func New(st store.ConversationStore, tr transport.Transport) *Ledger {
	return &Ledger{st: st, tr: tr}
}

// Authorship identifies who produced a message.
type Authorship struct {
	Player               string // set together with IsPlayer
	IsPlayer             bool
	AgentID              string
	InstructionVersionID string
	IsScripted           bool
}

// CreateGameParams describes a new game.
type CreateGameParams struct {
	Ruleset              string
	ScenarioID           string
	Player               string
	AgentID              string
	InstructionVersionID string
	OpeningLine          string // scripted opening message, optional
}

// CreateGame creates the game row and, when an opening line is given, appends
// it as a scripted agent message, seeds the transport thread with it and
// persists the first snapshot.
func (l *Ledger) CreateGame(ctx context.Context, p CreateGameParams) (*store.GameRecord, error) {
	if l == nil || l.st == nil {
		return nil, errors.New("ledger: nil ledger")
	}

	game := &store.GameRecord{
		ID:                   uuid.NewString(),
		Ruleset:              p.Ruleset,
		ScenarioID:           p.ScenarioID,
		Player:               p.Player,
		AgentID:              p.AgentID,
		InstructionVersionID: p.InstructionVersionID,
	}
	if err := l.st.CreateGame(ctx, game); err != nil {
		return nil, err
	}

	opening := strings.TrimSpace(p.OpeningLine)
	if opening == "" {
		return game, nil
	}

	msg, err := l.AppendMessage(ctx, game.ID, opening, Authorship{
		AgentID:              p.AgentID,
		InstructionVersionID: p.InstructionVersionID,
		IsScripted:           true,
	})
	if err != nil {
		return nil, err
	}

	if l.tr == nil {
		return game, nil
	}

	thread, err := l.tr.NewThread(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger: open thread: %w", err)
	}
	if err := thread.NotifyAppended(ctx, []transport.AppendedMessage{{Role: "assistant", Text: opening}}); err != nil {
		return nil, fmt.Errorf("ledger: seed thread: %w", err)
	}
	blob, err := thread.SerializeThread(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger: serialize thread: %w", err)
	}
	snap, err := l.PersistSnapshot(ctx, game.ID, blob, msg.ID)
	if err != nil {
		return nil, err
	}
	game.MostRecentHistoryID = snap.ID
	return game, nil
}

// AppendMessage appends a message to the game's chain. The new row's backward
// pointer and the prior tail's forward pointer are set in one transaction.
func (l *Ledger) AppendMessage(ctx context.Context, gameID, text string, a Authorship) (*store.MessageRecord, error) {
	if l == nil || l.st == nil {
		return nil, errors.New("ledger: nil ledger")
	}
	gameID = strings.TrimSpace(gameID)
	if gameID == "" {
		return nil, errors.New("ledger: empty game id")
	}
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("ledger: empty message text")
	}

	return l.st.AppendMessage(ctx, &store.MessageRecord{
		GameID:               gameID,
		Text:                 text,
		Player:               a.Player,
		IsPlayer:             a.IsPlayer,
		AgentID:              a.AgentID,
		InstructionVersionID: a.InstructionVersionID,
		IsScripted:           a.IsScripted,
	})
}

// AttachMetadata sets post-hoc message fields. It never changes text or chain
// pointers, and re-applying the same metadata is a no-op.
func (l *Ledger) AttachMetadata(ctx context.Context, messageID int64, meta store.MessageMetadata) error {
	if l == nil || l.st == nil {
		return errors.New("ledger: nil ledger")
	}
	return l.st.UpdateMessageMetadata(ctx, messageID, meta)
}

// PersistSnapshot appends serialized thread state to the game's snapshot
// chain and moves the game's most-recent pointer atomically.
func (l *Ledger) PersistSnapshot(ctx context.Context, gameID string, serializedThread []byte, lastMessageID int64) (*store.SnapshotRecord, error) {
	if l == nil || l.st == nil {
		return nil, errors.New("ledger: nil ledger")
	}
	return l.st.InsertSnapshot(ctx, &store.SnapshotRecord{
		GameID:      gameID,
		ThreadState: serializedThread,
		MessageID:   lastMessageID,
	})
}

// ReadContext returns the window most recent messages up to and including
// messageID in chronological order. Id order and chain order coincide, so
// this is a range read, not a pointer walk.
func (l *Ledger) ReadContext(ctx context.Context, messageID int64, window int) ([]*store.MessageRecord, error) {
	if l == nil || l.st == nil {
		return nil, errors.New("ledger: nil ledger")
	}
	return l.st.ListContext(ctx, messageID, window)
}

// VerifyChain checks the two structural invariants of a game's history: the
// pointer walk must reproduce id order, and the game's most-recent-history
// pointer must be the snapshot chain's tail. A violation is a caller bug; it
// surfaces as ErrConsistency and is never repaired silently.
func (l *Ledger) VerifyChain(ctx context.Context, gameID string) error {
	if l == nil || l.st == nil {
		return errors.New("ledger: nil ledger")
	}

	msgs, err := l.st.ListGameMessages(ctx, gameID)
	if err != nil {
		return err
	}

	byID := make(map[int64]*store.MessageRecord, len(msgs))
	var head *store.MessageRecord
	for _, m := range msgs {
		byID[m.ID] = m
		if m.PrevMessageID == 0 {
			if head != nil {
				return fmt.Errorf("%w: game %q has two chain heads (%d, %d)", store.ErrConsistency, gameID, head.ID, m.ID)
			}
			head = m
		}
	}
	if len(msgs) > 0 && head == nil {
		return fmt.Errorf("%w: game %q has no chain head", store.ErrConsistency, gameID)
	}

	walked := 0
	for cur := head; cur != nil; {
		if cur.ID != msgs[walked].ID {
			return fmt.Errorf("%w: game %q chain order diverges at position %d (walk %d, id order %d)",
				store.ErrConsistency, gameID, walked, cur.ID, msgs[walked].ID)
		}
		walked++
		if cur.NextMessageID == 0 {
			cur = nil
			continue
		}
		next, ok := byID[cur.NextMessageID]
		if !ok {
			return fmt.Errorf("%w: game %q forward pointer %d dangles", store.ErrConsistency, gameID, cur.NextMessageID)
		}
		cur = next
	}
	if walked != len(msgs) {
		return fmt.Errorf("%w: game %q chain walk covers %d of %d messages", store.ErrConsistency, gameID, walked, len(msgs))
	}

	snaps, err := l.st.ListGameSnapshots(ctx, gameID)
	if err != nil {
		return err
	}
	game, err := l.st.GetGame(ctx, gameID)
	if err != nil {
		return err
	}
	if len(snaps) == 0 {
		if game.MostRecentHistoryID != 0 {
			return fmt.Errorf("%w: game %q points at snapshot %d but has none", store.ErrConsistency, gameID, game.MostRecentHistoryID)
		}
		return nil
	}

	// Walk the snapshot chain backward from the stored pointer; it must reach
	// the first snapshot and cover every row.
	bySnapID := make(map[int64]*store.SnapshotRecord, len(snaps))
	for _, sn := range snaps {
		bySnapID[sn.ID] = sn
	}
	tail := snaps[len(snaps)-1]
	if game.MostRecentHistoryID != tail.ID {
		return fmt.Errorf("%w: game %q most-recent snapshot is %d, chain tail is %d", store.ErrConsistency, gameID, game.MostRecentHistoryID, tail.ID)
	}
	seen := 0
	for cur := tail; cur != nil; {
		seen++
		if cur.PreviousHistoryID == 0 {
			cur = nil
			continue
		}
		prev, ok := bySnapID[cur.PreviousHistoryID]
		if !ok {
			return fmt.Errorf("%w: game %q snapshot pointer %d dangles", store.ErrConsistency, gameID, cur.PreviousHistoryID)
		}
		cur = prev
	}
	if seen != len(snaps) {
		return fmt.Errorf("%w: game %q snapshot walk covers %d of %d snapshots", store.ErrConsistency, gameID, seen, len(snaps))
	}
	return nil
}
