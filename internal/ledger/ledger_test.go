package ledger

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/stellarlinkco/gm-eval/internal/store"
	"github.com/stellarlinkco/gm-eval/internal/transport"
)

type testLedger struct {
	*Ledger
	st   *store.SQLiteStore
	path string
}

func newLedger(t *testing.T) testLedger {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.db")
	st, err := store.NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return testLedger{Ledger: New(st, transport.NewJSONTransport()), st: st, path: path}
}

// exec runs raw SQL against the store's database file to simulate an outside
// writer corrupting chain state.
func (tl testLedger) exec(t *testing.T, query string, args ...any) {
	t.Helper()
	db, err := sql.Open("sqlite3", tl.path)
	if err != nil {
		t.Fatalf("open raw db: %v", err)
	}
	defer func() { _ = db.Close() }()
	if _, err := db.Exec(query, args...); err != nil {
		t.Fatalf("raw exec: %v", err)
	}
}

func TestCreateGameSeedsOpeningLine(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tl := newLedger(t)

	game, err := tl.CreateGame(ctx, CreateGameParams{
		Ruleset:     "dungeon",
		Player:      "ash",
		OpeningLine: "You wake in a cold cell.",
	})
	if err != nil {
		t.Fatalf("create game: %v", err)
	}
	if game.MostRecentHistoryID == 0 {
		t.Fatal("opening line did not seed a snapshot")
	}

	msgs, err := tl.st.ListGameMessages(ctx, game.ID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("messages = %d", len(msgs))
	}
	opener := msgs[0]
	if !opener.IsScripted || opener.IsPlayer || opener.Text != "You wake in a cold cell." {
		t.Errorf("opener: %+v", opener)
	}

	// The seeded snapshot deserializes back to a one-message thread.
	snap, err := tl.st.GetSnapshot(ctx, game.MostRecentHistoryID)
	if err != nil {
		t.Fatalf("get snapshot: %v", err)
	}
	if snap.MessageID != opener.ID {
		t.Errorf("snapshot anchored at %d, want %d", snap.MessageID, opener.ID)
	}
	if _, err := transport.NewJSONTransport().DeserializeThread(ctx, snap.ThreadState); err != nil {
		t.Errorf("snapshot blob unreadable: %v", err)
	}
}

func TestCreateGameWithoutOpeningLine(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tl := newLedger(t)

	game, err := tl.CreateGame(ctx, CreateGameParams{Ruleset: "dungeon"})
	if err != nil {
		t.Fatalf("create game: %v", err)
	}
	if game.MostRecentHistoryID != 0 {
		t.Errorf("snapshot without opening line: %d", game.MostRecentHistoryID)
	}
	msgs, err := tl.st.ListGameMessages(ctx, game.ID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("messages = %d", len(msgs))
	}
}

func TestAppendMessageValidation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tl := newLedger(t)

	if _, err := tl.AppendMessage(ctx, "", "hi", Authorship{}); err == nil {
		t.Error("empty game id accepted")
	}
	game, err := tl.CreateGame(ctx, CreateGameParams{})
	if err != nil {
		t.Fatalf("create game: %v", err)
	}
	if _, err := tl.AppendMessage(ctx, game.ID, "   ", Authorship{}); err == nil {
		t.Error("blank text accepted")
	}
}

func TestVerifyChainHealthy(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tl := newLedger(t)

	game, err := tl.CreateGame(ctx, CreateGameParams{OpeningLine: "The gate creaks open."})
	if err != nil {
		t.Fatalf("create game: %v", err)
	}
	if _, err := tl.AppendMessage(ctx, game.ID, "I step through.", Authorship{Player: "ash", IsPlayer: true}); err != nil {
		t.Fatalf("append: %v", err)
	}
	msg, err := tl.AppendMessage(ctx, game.ID, "Torches flare to life.", Authorship{})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := tl.PersistSnapshot(ctx, game.ID, []byte(`{"messages":[]}`), msg.ID); err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	if err := tl.VerifyChain(ctx, game.ID); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestVerifyChainEmptyGame(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tl := newLedger(t)

	game, err := tl.CreateGame(ctx, CreateGameParams{})
	if err != nil {
		t.Fatalf("create game: %v", err)
	}
	if err := tl.VerifyChain(ctx, game.ID); err != nil {
		t.Fatalf("verify empty: %v", err)
	}
}

func TestVerifyChainDetectsCorruption(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("broken message pointer", func(t *testing.T) {
		tl := newLedger(t)
		game, err := tl.CreateGame(ctx, CreateGameParams{OpeningLine: "A fork in the road."})
		if err != nil {
			t.Fatalf("create game: %v", err)
		}
		m2, err := tl.AppendMessage(ctx, game.ID, "I go left.", Authorship{Player: "ash", IsPlayer: true})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		tl.exec(t, `UPDATE messages SET prev_message_id = NULL WHERE id = ?`, m2.ID)
		if err := tl.VerifyChain(ctx, game.ID); !errors.Is(err, store.ErrConsistency) {
			t.Errorf("verify err = %v, want ErrConsistency", err)
		}
	})

	t.Run("stale snapshot pointer", func(t *testing.T) {
		tl := newLedger(t)
		game, err := tl.CreateGame(ctx, CreateGameParams{OpeningLine: "Rain again."})
		if err != nil {
			t.Fatalf("create game: %v", err)
		}
		tl.exec(t, `UPDATE games SET most_recent_history_id = 999 WHERE id = ?`, game.ID)
		if err := tl.VerifyChain(ctx, game.ID); !errors.Is(err, store.ErrConsistency) {
			t.Errorf("verify err = %v, want ErrConsistency", err)
		}
	})
}

func TestReadContextWindow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tl := newLedger(t)

	game, err := tl.CreateGame(ctx, CreateGameParams{})
	if err != nil {
		t.Fatalf("create game: %v", err)
	}
	var last *store.MessageRecord
	for _, text := range []string{"one", "two", "three", "four"} {
		last, err = tl.AppendMessage(ctx, game.ID, text, Authorship{})
		if err != nil {
			t.Fatalf("append %q: %v", text, err)
		}
	}

	got, err := tl.ReadContext(ctx, last.ID, 2)
	if err != nil {
		t.Fatalf("read context: %v", err)
	}
	if len(got) != 2 || got[0].Text != "three" || got[1].Text != "four" {
		t.Errorf("context: %+v", got)
	}
}
