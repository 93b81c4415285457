package transfer

import (
	"sync"
	"testing"

	"github.com/SanPilot/elf-backend/storage"
)

// fakeStore is an in-memory MetadataStore for transfer tests.
type fakeStore struct {
	mu            sync.Mutex
	files         map[string]storage.FileRecord
	inserts       int
	notifications []storage.Notification
}

func newFakeStore() *fakeStore {
	return &fakeStore{files: make(map[string]storage.FileRecord)}
}

func (f *fakeStore) InsertFile(file storage.FileRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, dup := f.files[file.FileID]; dup {
		return storage.ErrDuplicate
	}
	f.files[file.FileID] = file
	f.inserts++
	return nil
}

func (f *fakeStore) FindFile(fileID string) (*storage.FileRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	file, ok := f.files[fileID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &file, nil
}

func (f *fakeStore) ListFilesByOwner(owner string) ([]storage.FileRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	files := []storage.FileRecord{}
	for _, file := range f.files {
		if file.Owner == owner {
			files = append(files, file)
		}
	}
	return files, nil
}

func (f *fakeStore) DeleteFile(fileID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.files[fileID]; !ok {
		return storage.ErrNotFound
	}
	delete(f.files, fileID)
	return nil
}

func (f *fakeStore) AppendNotification(user, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifications = append(f.notifications, storage.Notification{
		User:    user,
		Content: content,
	})
	return nil
}

func (f *fakeStore) notificationsFor(user string) []storage.Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	matched := []storage.Notification{}
	for _, n := range f.notifications {
		if n.User == user {
			matched = append(matched, n)
		}
	}
	return matched
}

func (f *fakeStore) insertCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inserts
}

// fakeIdentity resolves fixed tokens to owners.
type fakeIdentity struct {
	owners map[string]string
}

func (f *fakeIdentity) VerifyToken(token string) bool {
	_, ok := f.owners[token]
	return ok
}

func (f *fakeIdentity) Owner(token string) (string, error) {
	owner, ok := f.owners[token]
	if !ok {
		return "", ErrInvalidRequest
	}
	return owner, nil
}

func newTestManager(t *testing.T, mutate func(*Options)) (*Manager, *fakeStore) {
	t.Helper()

	store := newFakeStore()
	opts := Options{
		Store:          store,
		Identity:       &fakeIdentity{owners: map[string]string{"token-alice": "alice"}},
		StorageDir:     t.TempDir(),
		MaxMessageSize: 4,
		MaxUploadSize:  1 << 20,
	}
	if mutate != nil {
		mutate(&opts)
	}

	manager, err := NewManager(opts)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	t.Cleanup(manager.Close)
	return manager, store
}
