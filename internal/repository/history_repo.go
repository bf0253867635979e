package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"gemini-chat-backend/internal/models"
)

const (
	historyFileExt = ".json"
	tempFilePrefix = ".tmp-"
)

var ErrInvalidChatID = errors.New("invalid chat id")

// historyFile is the on-disk layout: {"history": [[query, response], ...], "timestamp": epochMillis}.
type historyFile struct {
	History   [][]string `json:"history"`
	Timestamp int64      `json:"timestamp,omitempty"`
}

// HistoryRepo stores one JSON file per chat id under dir. It is the only
// component that touches the history directory.
type HistoryRepo struct {
	dir    string
	maxAge time.Duration
	now    func() time.Time
}

func NewHistoryRepo(dir string, maxAge time.Duration) (*HistoryRepo, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create history dir: %w", err)
	}
	return &HistoryRepo{
		dir:    dir,
		maxAge: maxAge,
		now:    time.Now,
	}, nil
}

// ValidChatID reports whether id can be used as a file name inside the
// history directory. The temp-file prefix is reserved for Save.
func ValidChatID(id string) bool {
	if id == "" || id == "." || id == ".." || strings.HasPrefix(id, tempFilePrefix) {
		return false
	}
	if strings.ContainsAny(id, `/\`+"\x00") {
		return false
	}
	return filepath.Base(id) == id
}

func (r *HistoryRepo) path(chatID string) string {
	return filepath.Join(r.dir, chatID+historyFileExt)
}

// Load returns the stored record for chatID. Missing, unreadable or corrupt
// files yield an empty record. A record older than the retention window is
// deleted and treated as absent.
func (r *HistoryRepo) Load(ctx context.Context, chatID string) models.ConversationRecord {
	empty := models.ConversationRecord{ChatID: chatID}
	if !ValidChatID(chatID) {
		return empty
	}

	data, err := os.ReadFile(r.path(chatID))
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			log.Warn().Err(err).Str("chatid", chatID).Msg("history read failed, starting fresh")
		}
		return empty
	}

	rec, err := decodeHistory(chatID, data)
	if err != nil {
		log.Warn().Err(err).Str("chatid", chatID).Msg("history file corrupt, starting fresh")
		return empty
	}

	if !rec.LastWrittenAt.IsZero() && r.now().Sub(rec.LastWrittenAt) > r.maxAge {
		if err := r.Clear(ctx, chatID); err != nil {
			log.Error().Err(err).Str("chatid", chatID).Msg("failed to delete expired history")
		} else {
			log.Debug().Str("chatid", chatID).Msg("expired history deleted on load")
		}
		return empty
	}

	return rec
}

// Save replaces the record for chatID with turns stamped at the current time.
// The file is written under a temporary name and renamed into place.
func (r *HistoryRepo) Save(ctx context.Context, chatID string, turns []models.Turn) error {
	if !ValidChatID(chatID) {
		return ErrInvalidChatID
	}

	payload := historyFile{
		History:   make([][]string, 0, len(turns)),
		Timestamp: r.now().UnixMilli(),
	}
	for _, t := range turns {
		payload.History = append(payload.History, []string{t.Query, t.Response})
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode history: %w", err)
	}

	tmp, err := os.CreateTemp(r.dir, tempFilePrefix+chatID+"-*")
	if err != nil {
		return fmt.Errorf("failed to create temp history file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write history: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync history: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close history: %w", err)
	}

	if err := os.Rename(tmpName, r.path(chatID)); err != nil {
		return fmt.Errorf("failed to replace history: %w", err)
	}
	return nil
}

// Clear deletes the record for chatID. A missing record is not an error.
func (r *HistoryRepo) Clear(ctx context.Context, chatID string) error {
	if !ValidChatID(chatID) {
		return ErrInvalidChatID
	}
	if err := os.Remove(r.path(chatID)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete history: %w", err)
	}
	return nil
}

// SweepExpired deletes every record older than maxAge and returns how many
// were removed. Files without a usable timestamp are aged by modification
// time. Temp files orphaned by an interrupted Save are removed once their
// modification time is older than maxAge. Per-file failures are logged and
// skipped.
func (r *HistoryRepo) SweepExpired(ctx context.Context, maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return 0, fmt.Errorf("failed to list history dir: %w", err)
	}

	now := r.now()
	removed := 0
	for _, entry := range entries {
		if ctx.Err() != nil {
			return removed, ctx.Err()
		}

		name := entry.Name()
		if entry.IsDir() {
			continue
		}
		if strings.HasPrefix(name, tempFilePrefix) {
			r.removeStaleTemp(entry, now, maxAge)
			continue
		}
		if !strings.HasSuffix(name, historyFileExt) {
			continue
		}
		chatID := strings.TrimSuffix(name, historyFileExt)

		written, err := r.writtenAt(entry)
		if err != nil {
			log.Warn().Err(err).Str("file", name).Msg("history sweep: cannot determine age")
			continue
		}
		if now.Sub(written) <= maxAge {
			continue
		}

		if err := os.Remove(filepath.Join(r.dir, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			log.Error().Err(err).Str("chatid", chatID).Msg("history sweep: failed to delete")
			continue
		}
		removed++
	}

	return removed, nil
}

func (r *HistoryRepo) removeStaleTemp(entry fs.DirEntry, now time.Time, maxAge time.Duration) {
	info, err := entry.Info()
	if err != nil || now.Sub(info.ModTime()) <= maxAge {
		return
	}
	if err := os.Remove(filepath.Join(r.dir, entry.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warn().Err(err).Str("file", entry.Name()).Msg("history sweep: failed to delete temp file")
		return
	}
	log.Debug().Str("file", entry.Name()).Msg("history sweep: orphaned temp file deleted")
}

func (r *HistoryRepo) writtenAt(entry fs.DirEntry) (time.Time, error) {
	data, err := os.ReadFile(filepath.Join(r.dir, entry.Name()))
	if err == nil {
		var f historyFile
		if json.Unmarshal(data, &f) == nil && f.Timestamp > 0 {
			return time.UnixMilli(f.Timestamp), nil
		}
	}

	info, err := entry.Info()
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

func decodeHistory(chatID string, data []byte) (models.ConversationRecord, error) {
	var f historyFile
	if err := json.Unmarshal(data, &f); err != nil {
		return models.ConversationRecord{}, err
	}

	rec := models.ConversationRecord{
		ChatID: chatID,
		Turns:  make([]models.Turn, 0, len(f.History)),
	}
	for i, pair := range f.History {
		if len(pair) != 2 {
			return models.ConversationRecord{}, fmt.Errorf("turn %d has %d elements", i, len(pair))
		}
		rec.Turns = append(rec.Turns, models.Turn{Query: pair[0], Response: pair[1]})
	}
	if f.Timestamp > 0 {
		rec.LastWrittenAt = time.UnixMilli(f.Timestamp)
	}
	return rec, nil
}
