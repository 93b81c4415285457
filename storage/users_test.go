package storage

import (
	"errors"
	"testing"
)

func TestInsertAndFindUserCaseInsensitive(t *testing.T) {
	store := newTestStore(t)

	err := store.InsertUser(UserRecord{
		User:         "Alice",
		PasswordHash: "$2a$10$fakehash",
	})
	if err != nil {
		t.Fatalf("InsertUser failed: %v", err)
	}

	got, err := store.FindUser("ALICE")
	if err != nil {
		t.Fatalf("FindUser failed: %v", err)
	}
	if got.User != "Alice" || got.CaselessUser != "alice" {
		t.Fatalf("unexpected user: %+v", got)
	}
	if got.PasswordHash != "$2a$10$fakehash" {
		t.Fatalf("password hash not persisted")
	}
}

func TestFindUserNotFound(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.FindUser("nobody"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestInsertUserDuplicateCaseless(t *testing.T) {
	store := newTestStore(t)

	if err := store.InsertUser(UserRecord{User: "Bob", PasswordHash: "h"}); err != nil {
		t.Fatalf("InsertUser failed: %v", err)
	}
	if err := store.InsertUser(UserRecord{User: "BOB", PasswordHash: "h"}); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestNotificationsAppendAndList(t *testing.T) {
	store := newTestStore(t)

	if err := store.InsertUser(UserRecord{User: "carol", PasswordHash: "h"}); err != nil {
		t.Fatalf("InsertUser failed: %v", err)
	}
	for _, content := range []string{"one", "two"} {
		if err := store.AppendNotification("carol", content); err != nil {
			t.Fatalf("AppendNotification failed: %v", err)
		}
	}

	notifications, err := store.ListNotifications("carol")
	if err != nil {
		t.Fatalf("ListNotifications failed: %v", err)
	}
	if len(notifications) != 2 {
		t.Fatalf("expected 2 notifications, got %d", len(notifications))
	}
}
