// Package queue implements the durable action queue: a file-backed
// repository (one JSON record per action, inbox for open records, outbox as
// an append-only audit trail of terminal ones) and the coordinator that
// drives records through the approval and execution pipeline.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nova-ops/nova/internal/action"
)

// ErrNotFound marks an unknown action id.
var ErrNotFound = errors.New("action not found")

// Repository stores action records as individual files.
//
// Saves go through write-to-temp-then-rename so readers never observe a
// partial record. A move writes the outbox copy first and deletes the inbox
// file last; if a crash lands between the two steps the outbox is
// authoritative and Reconcile removes the stale inbox file at startup.
type Repository struct {
	inboxDir  string
	outboxDir string
	logger    *zap.Logger
}

// NewRepository creates a repository rooted at dataDir
// (dataDir/queue/inbox and dataDir/queue/outbox).
func NewRepository(dataDir string, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{
		inboxDir:  filepath.Join(dataDir, "queue", "inbox"),
		outboxDir: filepath.Join(dataDir, "queue", "outbox"),
		logger:    logger,
	}
}

func recordName(id string) string {
	return fmt.Sprintf("action-%s.json", id)
}

// validID guards file names against traversal; ids are 8 lowercase hex chars.
func validID(id string) bool {
	if len(id) != 8 {
		return false
	}
	for _, c := range id {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// Save writes a new record into the inbox. An id that already has a record,
// open or terminal, is refused; Update is the mutation path. Any I/O error
// is a hard failure of the calling operation.
func (r *Repository) Save(act *action.Action) error {
	if !validID(act.ID) {
		return fmt.Errorf("invalid action id %q", act.ID)
	}
	for _, dir := range []string{r.inboxDir, r.outboxDir} {
		if _, err := os.Stat(filepath.Join(dir, recordName(act.ID))); err == nil {
			return fmt.Errorf("action %s already exists", act.ID)
		}
	}
	return writeRecord(r.inboxDir, act)
}

// Load reads an action by id. The outbox is checked first: after a crash
// mid-move a record may transiently exist in both places, and the outbox
// copy is the authoritative one.
func (r *Repository) Load(id string) (*action.Action, error) {
	if !validID(id) {
		return nil, fmt.Errorf("%w: invalid id %q", ErrNotFound, id)
	}
	for _, dir := range []string{r.outboxDir, r.inboxDir} {
		act, err := readRecord(filepath.Join(dir, recordName(id)))
		if err == nil {
			return act, nil
		}
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("load action %s: %w", id, err)
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// InInbox reports whether the record is still open.
func (r *Repository) InInbox(id string) bool {
	_, err := os.Stat(filepath.Join(r.inboxDir, recordName(id)))
	return err == nil
}

// ListInbox returns all open records, oldest first. Files that fail to
// parse are skipped with a warning; corruption in one record must not
// abort the listing.
func (r *Repository) ListInbox() []*action.Action {
	return r.list(r.inboxDir)
}

// ListOutbox returns all terminal records, oldest first.
func (r *Repository) ListOutbox() []*action.Action {
	return r.list(r.outboxDir)
}

func (r *Repository) list(dir string) []*action.Action {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			r.logger.Warn("queue directory scan failed", zap.String("dir", dir), zap.Error(err))
		}
		return nil
	}

	var actions []*action.Action
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, "action-") || !strings.HasSuffix(name, ".json") {
			continue
		}
		act, err := readRecord(filepath.Join(dir, name))
		if err != nil {
			r.logger.Warn("skipping unreadable action record",
				zap.String("file", name),
				zap.Error(err),
			)
			continue
		}
		actions = append(actions, act)
	}

	sort.Slice(actions, func(i, j int) bool {
		return actions[i].SubmittedAt.Before(actions[j].SubmittedAt)
	})
	return actions
}

// Update rewrites an open record in place (status and reason mutations
// during the approval flow).
func (r *Repository) Update(act *action.Action) error {
	if !r.InInbox(act.ID) {
		return fmt.Errorf("update action %s: %w in inbox", act.ID, ErrNotFound)
	}
	return writeRecord(r.inboxDir, act)
}

// MoveToOutbox writes the (possibly mutated) record into the outbox, then
// deletes the inbox file. A failed delete is logged, not fatal: the outbox
// copy already exists and wins.
func (r *Repository) MoveToOutbox(act *action.Action) error {
	if err := writeRecord(r.outboxDir, act); err != nil {
		return fmt.Errorf("move action %s to outbox: %w", act.ID, err)
	}
	if err := os.Remove(filepath.Join(r.inboxDir, recordName(act.ID))); err != nil && !os.IsNotExist(err) {
		r.logger.Warn("inbox record not removed after move; outbox is authoritative",
			zap.String("action_id", act.ID),
			zap.Error(err),
		)
	}
	return nil
}

// Reconcile removes inbox files whose id already has an outbox record,
// recovering from a crash between the two steps of a move.
func (r *Repository) Reconcile() int {
	removed := 0
	for _, act := range r.ListInbox() {
		if _, err := os.Stat(filepath.Join(r.outboxDir, recordName(act.ID))); err == nil {
			if err := os.Remove(filepath.Join(r.inboxDir, recordName(act.ID))); err == nil {
				removed++
				r.logger.Info("reconciled duplicate record; outbox wins", zap.String("action_id", act.ID))
			}
		}
	}
	return removed
}

// CleanupOutbox drops terminal records older than the retention window.
// Cleanup is an explicit operation, never triggered by normal queue use.
func (r *Repository) CleanupOutbox(retention time.Duration) (int, error) {
	if retention <= 0 {
		return 0, errors.New("retention must be > 0")
	}
	cutoff := time.Now().UTC().Add(-retention)

	removed := 0
	for _, act := range r.ListOutbox() {
		if act.SubmittedAt.Before(cutoff) {
			if err := os.Remove(filepath.Join(r.outboxDir, recordName(act.ID))); err != nil {
				return removed, fmt.Errorf("cleanup action %s: %w", act.ID, err)
			}
			removed++
		}
	}
	if removed > 0 {
		r.logger.Info("outbox cleanup", zap.Int("removed", removed), zap.Duration("retention", retention))
	}
	return removed, nil
}

func writeRecord(dir string, act *action.Action) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create queue directory: %w", err)
	}

	data, err := json.MarshalIndent(act, "", "  ")
	if err != nil {
		return fmt.Errorf("encode action %s: %w", act.ID, err)
	}

	final := filepath.Join(dir, recordName(act.ID))
	tmp, err := os.CreateTemp(dir, recordName(act.ID)+".tmp")
	if err != nil {
		return fmt.Errorf("create temp record: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write action %s: %w", act.ID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp record: %w", err)
	}
	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("publish action %s: %w", act.ID, err)
	}
	return nil
}

func readRecord(path string) (*action.Action, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var act action.Action
	if err := json.Unmarshal(data, &act); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	if act.ID == "" {
		return nil, fmt.Errorf("parse %s: empty id", filepath.Base(path))
	}
	return &act, nil
}
