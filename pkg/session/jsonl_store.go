package session

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/harun/bamboo/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

const (
	recordSession = "session"
	recordMessage = "message"
)

// jsonlRecord is one line of a session file. The first line holds the
// session header; every following line holds one message.
type jsonlRecord struct {
	Kind    string    `json:"kind"`
	Session *Snapshot `json:"session,omitempty"`
	Message *Message  `json:"message,omitempty"`
}

// JSONLStore keeps one <id>.jsonl file per session.
type JSONLStore struct {
	dir        string
	logger     zerolog.Logger
	writeLocks map[string]*sync.Mutex
	locksMu    sync.Mutex
}

// NewJSONLStore creates the directory if needed.
func NewJSONLStore(dir string, logger zerolog.Logger) (*JSONLStore, error) {
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dir = filepath.Join(home, ".bamboo", "sessions")
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create sessions directory: %w", err)
	}

	logger = logger.With().Str("component", "jsonl_store").Logger()
	logger.Info().Str("dir", dir).Msg("Session store initialized")

	return &JSONLStore{
		dir:        dir,
		logger:     logger,
		writeLocks: make(map[string]*sync.Mutex),
	}, nil
}

func (st *JSONLStore) path(id string) string {
	return filepath.Join(st.dir, id+".jsonl")
}

// getWriteLock gets or creates a write lock for a session
func (st *JSONLStore) getWriteLock(id string) *sync.Mutex {
	st.locksMu.Lock()
	defer st.locksMu.Unlock()

	if lock, exists := st.writeLocks[id]; exists {
		return lock
	}
	lock := &sync.Mutex{}
	st.writeLocks[id] = lock
	return lock
}

// Save rewrites the session file atomically through a temp file and rename.
func (st *JSONLStore) Save(ctx context.Context, snap *Snapshot) (err error) {
	if err := ValidateSessionID(snap.ID); err != nil {
		return err
	}
	ctx, span := tracing.StartSpan(ctx, "bamboo.session", "session.jsonl.save",
		attribute.String("session_id", snap.ID),
		attribute.Int("messages", len(snap.Messages)),
	)
	defer func() { tracing.EndSpan(span, err) }()

	lock := st.getWriteLock(snap.ID)
	lock.Lock()
	defer lock.Unlock()

	header := *snap
	header.Messages = nil

	tempPath := st.path(snap.ID) + ".tmp"
	file, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	w := bufio.NewWriter(file)
	enc := json.NewEncoder(w)
	writeErr := enc.Encode(jsonlRecord{Kind: recordSession, Session: &header})
	for i := 0; writeErr == nil && i < len(snap.Messages); i++ {
		writeErr = enc.Encode(jsonlRecord{Kind: recordMessage, Message: &snap.Messages[i]})
	}
	if writeErr == nil {
		writeErr = w.Flush()
	}
	if writeErr == nil {
		writeErr = file.Sync()
	}
	closeErr := file.Close()

	if writeErr != nil || closeErr != nil {
		os.Remove(tempPath)
		if writeErr == nil {
			writeErr = closeErr
		}
		return fmt.Errorf("failed to write session file: %w", writeErr)
	}

	if err := os.Rename(tempPath, st.path(snap.ID)); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to replace session file: %w", err)
	}

	logger := tracing.LoggerFromContext(ctx, st.logger)
	logger.Debug().
		Str("session_id", snap.ID).
		Int("messages", len(snap.Messages)).
		Msg("Session saved")

	return nil
}

// Load reads a session file. Unparseable message lines are skipped with a
// warning; a missing or unreadable header fails the load.
func (st *JSONLStore) Load(ctx context.Context, id string) (_ *Snapshot, err error) {
	if err := ValidateSessionID(id); err != nil {
		return nil, err
	}
	ctx, span := tracing.StartSpan(ctx, "bamboo.session", "session.jsonl.load",
		attribute.String("session_id", id),
	)
	defer func() { tracing.EndSpan(span, err) }()
	logger := tracing.LoggerFromContext(ctx, st.logger)

	file, err := os.Open(st.path(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		}
		return nil, fmt.Errorf("failed to open session file: %w", err)
	}
	defer file.Close()

	var snap *Snapshot
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var rec jsonlRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			if snap == nil {
				return nil, fmt.Errorf("%w: unreadable header: %v", ErrCorruptSnapshot, err)
			}
			logger.Warn().
				Str("session_id", id).
				Int("line", lineNum).
				Err(err).
				Msg("Failed to parse line, skipping")
			continue
		}

		switch {
		case rec.Kind == recordSession && rec.Session != nil && snap == nil:
			snap = rec.Session
			snap.Messages = nil
		case rec.Kind == recordMessage && rec.Message != nil && snap != nil:
			snap.Messages = append(snap.Messages, *rec.Message)
		default:
			logger.Warn().
				Str("session_id", id).
				Int("line", lineNum).
				Str("kind", rec.Kind).
				Msg("Invalid entry, skipping")
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}
	if snap == nil {
		return nil, fmt.Errorf("%w: empty session file", ErrCorruptSnapshot)
	}

	dropDangling(snap)

	logger.Debug().
		Str("session_id", id).
		Int("messages", len(snap.Messages)).
		Msg("Session loaded")

	return snap, nil
}

// dropDangling removes branch references to messages whose lines were
// skipped, so a partially damaged file still loads.
func dropDangling(snap *Snapshot) {
	known := make(map[string]bool, len(snap.Messages))
	for _, m := range snap.Messages {
		known[m.ID] = true
	}
	for i := range snap.Branches {
		ids := snap.Branches[i].MessageIDs[:0]
		for _, id := range snap.Branches[i].MessageIDs {
			if known[id] {
				ids = append(ids, id)
			}
		}
		snap.Branches[i].MessageIDs = ids
	}
}

// Delete removes a session file
func (st *JSONLStore) Delete(ctx context.Context, id string) error {
	if err := ValidateSessionID(id); err != nil {
		return err
	}

	lock := st.getWriteLock(id)
	lock.Lock()
	defer lock.Unlock()

	if err := os.Remove(st.path(id)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		}
		return fmt.Errorf("failed to delete session file: %w", err)
	}

	st.locksMu.Lock()
	delete(st.writeLocks, id)
	st.locksMu.Unlock()

	logger := tracing.LoggerFromContext(ctx, st.logger)
	logger.Info().Str("session_id", id).Msg("Session deleted")
	return nil
}

// List summarizes every stored session, most recently updated first.
func (st *JSONLStore) List(ctx context.Context) ([]Info, error) {
	entries, err := os.ReadDir(st.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read sessions directory: %w", err)
	}

	infos := make([]Info, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		snap, err := st.Load(ctx, strings.TrimSuffix(name, ".jsonl"))
		if err != nil {
			st.logger.Warn().Str("file", name).Err(err).Msg("Skipping unreadable session")
			continue
		}
		infos = append(infos, snap.Info())
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].UpdatedAt.After(infos[j].UpdatedAt) })
	return infos, nil
}

// Close is a no-op; files are closed after every operation.
func (st *JSONLStore) Close() error {
	return nil
}
