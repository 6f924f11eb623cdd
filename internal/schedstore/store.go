// Package schedstore persists the last-known schedule to disk in both raw
// (human-readable) and pre-parsed (gob snapshot) form, writing each
// durably via rename-into-place; on load a snapshot that disagrees with the
// raw text is discarded in favour of the raw text.
package schedstore

import (
	"bytes"
	"crypto/md5"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
	"go.uber.org/zap"

	"github.com/busoc/coreagent/internal/agenterr"
	"github.com/busoc/coreagent/internal/cronsched"
)

// snapshot is the deterministic serialization of a parsed schedule,
// persisted alongside the authoritative raw text (§9: "pickled parsed
// schedule is a storage format choice only").
type snapshot struct {
	CreationTimeMS int64
	Entries        []snapshotEntry
}

type snapshotEntry struct {
	Raw string
}

// Store owns the raw and pre-parsed files for one schedule.
type Store struct {
	rawFile  string
	snapFile string
	log      *zap.SugaredLogger
}

// New returns a Store bound to the given file paths. Parent directories are
// created lazily on first write.
func New(rawFile, snapFile string, log *zap.SugaredLogger) *Store {
	return &Store{rawFile: rawFile, snapFile: snapFile, log: log}
}

// Load reloads the persisted schedule at startup, preferring the
// pre-parsed snapshot when present; it falls back to nothing (nil, nil) if
// no schedule has ever been persisted.
func (s *Store) Load() (*cronsched.Schedule, error) {
	data, err := os.ReadFile(s.snapFile)
	if err != nil {
		if os.IsNotExist(err) {
			return s.loadRaw()
		}
		return nil, agenterr.Wrap(agenterr.IO, agenterr.GenericCode, err, "schedstore: read snapshot")
	}
	var snap snapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&snap); err != nil {
		s.log.Warnw("schedstore: snapshot corrupted, falling back to raw text", "error", err)
		return s.loadRaw()
	}
	sched := &cronsched.Schedule{CreationTimeMS: snap.CreationTimeMS}
	for _, e := range snap.Entries {
		parsed, errs := cronsched.Parse(e.Raw + "\n")
		if len(errs) != 0 || len(parsed.Entries) != 1 {
			s.log.Warnw("schedstore: snapshot entry failed to reparse, skipping", "raw", e.Raw)
			continue
		}
		sched.Entries = append(sched.Entries, parsed.Entries[0])
	}
	if raw, err := os.ReadFile(s.rawFile); err == nil && string(raw) != sched.RenderText() {
		s.log.Warnw("schedstore: snapshot disagrees with raw text, loading raw text", "file", s.rawFile)
		return s.loadRaw()
	}
	return sched, nil
}

func (s *Store) loadRaw() (*cronsched.Schedule, error) {
	data, err := os.ReadFile(s.rawFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, agenterr.Wrap(agenterr.IO, agenterr.GenericCode, err, "schedstore: read raw")
	}
	sched, errs := cronsched.Parse(string(data))
	if len(errs) != 0 {
		s.log.Warnw("schedstore: raw file had malformed rows", "count", len(errs))
	}
	return sched, nil
}

// Save writes raw first, then the pre-parsed snapshot, both via
// rename-into-place. A crash between the two writes can leave the previous
// snapshot beside the new raw text; the raw text is always rewritten first
// and is authoritative, and Load falls back to it when the two disagree.
func (s *Store) Save(sched *cronsched.Schedule) error {
	if err := os.MkdirAll(filepath.Dir(s.rawFile), 0755); err != nil {
		return agenterr.Wrap(agenterr.IO, agenterr.GenericCode, err, "schedstore: mkdir raw dir")
	}
	if err := os.MkdirAll(filepath.Dir(s.snapFile), 0755); err != nil {
		return agenterr.Wrap(agenterr.IO, agenterr.GenericCode, err, "schedstore: mkdir snapshot dir")
	}

	raw := []byte(sched.RenderText())
	if err := renameio.WriteFile(s.rawFile, raw, 0644); err != nil {
		return agenterr.Wrap(agenterr.IO, agenterr.GenericCode, err, "schedstore: write raw")
	}
	digest := md5.Sum(raw)
	s.log.Infow("schedstore: raw schedule written", "file", s.rawFile, "md5", fmt.Sprintf("%x", digest))

	snap := snapshot{CreationTimeMS: sched.CreationTimeMS}
	for _, e := range sched.Entries {
		snap.Entries = append(snap.Entries, snapshotEntry{Raw: e.Render()})
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(snap); err != nil {
		return agenterr.Wrap(agenterr.IO, agenterr.GenericCode, err, "schedstore: encode snapshot")
	}
	if err := renameio.WriteFile(s.snapFile, buf.Bytes(), 0644); err != nil {
		return agenterr.Wrap(agenterr.IO, agenterr.GenericCode, err, "schedstore: write snapshot")
	}
	return nil
}
