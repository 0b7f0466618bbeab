package message

import (
	"testing"

	"github.com/extrahash/meshnet/identity"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dir := t.TempDir()
	var key [32]byte
	key[0] = 42
	store, err := OpenSQLiteStore(dir, "test-store", key)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestAppendThenGetRoundTrips(t *testing.T) {
	store := openTestStore(t)
	sender := identity.UserID{1}
	recipient := identity.UserID{2}

	it := NewUnsent(0, KindText, sender, []identity.UserID{recipient}, []byte("hello there"))
	if err := store.Append(it); err != nil {
		t.Fatal(err)
	}

	got, ok, err := store.Get(0)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected entry 0 to exist")
	}
	if string(got.Payload) != "hello there" {
		t.Fatalf("got payload %q", got.Payload)
	}
	if got.Sender != sender {
		t.Fatalf("sender mismatch")
	}
	if got.IsDeliveredTo(recipient) {
		t.Fatal("freshly appended entry must not be delivered yet")
	}
}

func TestRewriteMarksDeliveredAndPersists(t *testing.T) {
	store := openTestStore(t)
	sender := identity.UserID{1}
	recipient := identity.UserID{2}

	it := NewUnsent(0, KindText, sender, []identity.UserID{recipient}, []byte("hi"))
	if err := store.Append(it); err != nil {
		t.Fatal(err)
	}

	got, _, err := store.Get(0)
	if err != nil {
		t.Fatal(err)
	}
	if !got.MarkDelivered(recipient) {
		t.Fatal("expected MarkDelivered to find the recipient")
	}
	if err := store.Rewrite(got); err != nil {
		t.Fatal(err)
	}

	reread, _, err := store.Get(0)
	if err != nil {
		t.Fatal(err)
	}
	if !reread.IsDeliveredTo(recipient) {
		t.Fatal("delivery status did not survive rewrite")
	}
	if !reread.AllDelivered() {
		t.Fatal("expected AllDelivered once the only recipient acked")
	}
}

func TestCountTracksAppends(t *testing.T) {
	store := openTestStore(t)
	sender := identity.UserID{1}

	for i := uint64(0); i < 3; i++ {
		it := NewUnsent(i, KindText, sender, nil, []byte("x"))
		if err := store.Append(it); err != nil {
			t.Fatal(err)
		}
	}
	n, err := store.Count()
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("expected count 3, got %d", n)
	}
}

func TestPayloadIsSealedAtRest(t *testing.T) {
	store := openTestStore(t)
	sender := identity.UserID{1}
	it := NewUnsent(0, KindText, sender, nil, []byte("plaintext-marker"))
	if err := store.Append(it); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 64)
	n, _ := store.dataFile.ReadAt(buf, 0)
	if string(buf[:n]) == "plaintext-marker" {
		t.Fatal("payload must not be stored in plaintext")
	}
}
