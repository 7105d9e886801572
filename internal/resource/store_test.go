package resource

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botmesh/botmesh/internal/common/config"
	"github.com/botmesh/botmesh/internal/common/logger"
	"github.com/botmesh/botmesh/internal/db"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	pool, err := db.Open(config.DatabaseConfig{
		Type: "sqlite",
		Path: filepath.Join(t.TempDir(), "resources.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	store := NewStore(pool, log)
	require.NoError(t, store.InitSchema(context.Background()))
	return store
}

func mustCreate(t *testing.T, store *Store, owner int64, kind Kind, name string, spec any) *Resource {
	t.Helper()
	res := &Resource{OwnerID: owner, Kind: kind, Name: name}
	require.NoError(t, res.EncodeSpec(spec))
	require.NoError(t, store.Create(context.Background(), res))
	return res
}

func TestStore_GetWithFallback(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mustCreate(t, store, PublicOwner, KindShell, "chat", ShellSpec{ShellType: ShellTypeChat})
	mustCreate(t, store, 7, KindShell, "chat", ShellSpec{ShellType: ShellTypeClaudeCode})

	// Owner-scoped row wins
	res, err := store.GetWithFallback(ctx, 7, KindShell, "chat", "")
	require.NoError(t, err)
	assert.EqualValues(t, 7, res.OwnerID)

	var spec ShellSpec
	require.NoError(t, res.DecodeSpec(&spec))
	assert.Equal(t, ShellTypeClaudeCode, spec.ShellType)

	// Another user falls back to the public row
	res, err = store.GetWithFallback(ctx, 8, KindShell, "chat", "")
	require.NoError(t, err)
	assert.EqualValues(t, PublicOwner, res.OwnerID)

	// Miss in both scopes
	_, err = store.GetWithFallback(ctx, 8, KindShell, "nope", "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_UniqueAmongActive(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := mustCreate(t, store, 1, KindBot, "writer", BotSpec{ShellRef: Ref{Name: "chat"}})

	dup := &Resource{OwnerID: 1, Kind: KindBot, Name: "writer"}
	require.NoError(t, dup.EncodeSpec(BotSpec{}))
	err := store.Create(ctx, dup)
	assert.ErrorIs(t, err, ErrDuplicate)

	// Soft delete frees the name
	require.NoError(t, store.SoftDelete(ctx, first.ID))
	require.NoError(t, store.Create(ctx, dup))

	// The deleted row is still readable by ID
	deleted, err := store.GetByID(ctx, first.ID)
	require.NoError(t, err)
	assert.False(t, deleted.IsActive)

	// But not via scoped lookup
	res, err := store.Get(ctx, 1, KindBot, "writer", "")
	require.NoError(t, err)
	assert.Equal(t, dup.ID, res.ID)
}

func TestStore_UpdateJSON(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	res := mustCreate(t, store, 3, KindTask, "t-1", TaskSpec{
		Title:  "demo",
		Labels: map[string]string{LabelType: TaskTypeOnline},
		Status: TaskStatusBlock{Status: "PENDING"},
	})

	err := store.UpdateJSON(ctx, res.ID, func(doc []byte) ([]byte, error) {
		var spec TaskSpec
		if err := json.Unmarshal(doc, &spec); err != nil {
			return nil, err
		}
		spec.Status.Status = "RUNNING"
		spec.Status.Progress = 10
		return json.Marshal(spec)
	})
	require.NoError(t, err)

	got, err := store.GetByID(ctx, res.ID)
	require.NoError(t, err)
	var spec TaskSpec
	require.NoError(t, got.DecodeSpec(&spec))
	assert.Equal(t, "RUNNING", spec.Status.Status)
	assert.Equal(t, 10, spec.Status.Progress)

	// Patch errors abort without writing
	patchErr := errors.New("boom")
	err = store.UpdateJSON(ctx, res.ID, func([]byte) ([]byte, error) { return nil, patchErr })
	assert.ErrorIs(t, err, patchErr)

	err = store.UpdateJSON(ctx, 9999, func(doc []byte) ([]byte, error) { return doc, nil })
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_ListTasks(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mk := func(name, status, taskType, source string) {
		mustCreate(t, store, 1, KindTask, name, TaskSpec{
			Title: name,
			Labels: map[string]string{
				LabelType:   taskType,
				LabelSource: source,
			},
			Status: TaskStatusBlock{Status: status},
		})
	}
	mk("a", "PENDING", TaskTypeOnline, "")
	mk("b", "RUNNING", TaskTypeOnline, "")
	mk("c", "COMPLETED", TaskTypeOnline, "")
	mk("d", "PENDING", TaskTypeOffline, "")
	mk("e", "PENDING", TaskTypeOnline, SourceChatShell)

	tasks, err := store.ListTasks(ctx, TaskFilter{
		Statuses:      []string{"PENDING", "RUNNING"},
		Labels:        map[string]string{LabelType: TaskTypeOnline},
		ExcludeSource: SourceChatShell,
	})
	require.NoError(t, err)
	require.Len(t, tasks, 2)

	names := []string{tasks[0].Name, tasks[1].Name}
	assert.Equal(t, []string{"a", "b"}, names)

	// Limit applies after filtering
	tasks, err = store.ListTasks(ctx, TaskFilter{Statuses: []string{"PENDING"}, Limit: 1})
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}

func TestStore_List(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mustCreate(t, store, 1, KindModel, "gpt-large", ModelSpec{Provider: "openai"})
	mustCreate(t, store, 1, KindModel, "claude", ModelSpec{Provider: "anthropic"})
	mustCreate(t, store, PublicOwner, KindModel, "shared", ModelSpec{Provider: "openai"})

	all, err := store.List(ctx, 1, KindModel, ListFilter{IncludePublic: true})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	own, err := store.List(ctx, 1, KindModel, ListFilter{})
	require.NoError(t, err)
	assert.Len(t, own, 2)

	found, err := store.List(ctx, 1, KindModel, ListFilter{Search: "gpt"})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "gpt-large", found[0].Name)
}

func TestCipher_RoundTrip(t *testing.T) {
	cipher, err := NewCipher("000102030405060708090a0b0c0d0e0f000102030405060708090a0b0c0d0e0f")
	require.NoError(t, err)

	stored, err := cipher.EncryptString("sk-secret")
	require.NoError(t, err)
	assert.NotEqual(t, "sk-secret", stored)
	assert.Contains(t, stored, "enc:")

	// Encrypting an encrypted value is a no-op
	again, err := cipher.EncryptString(stored)
	require.NoError(t, err)
	assert.Equal(t, stored, again)

	plain, err := cipher.DecryptString(stored)
	require.NoError(t, err)
	assert.Equal(t, "sk-secret", plain)

	// Legacy plain values pass through
	plain, err = cipher.DecryptString("plain-key")
	require.NoError(t, err)
	assert.Equal(t, "plain-key", plain)
}

func TestCipher_NilCipher(t *testing.T) {
	var cipher *Cipher

	stored, err := cipher.EncryptString("sk-secret")
	require.NoError(t, err)
	assert.Equal(t, "sk-secret", stored)

	_, err = cipher.DecryptString("enc:abcdef")
	assert.ErrorIs(t, err, ErrNoSecretKey)
}

func TestNewCipher_Validation(t *testing.T) {
	c, err := NewCipher("")
	require.NoError(t, err)
	assert.Nil(t, c)

	_, err = NewCipher("not-hex")
	assert.Error(t, err)

	_, err = NewCipher("abcd")
	assert.Error(t, err)
}
