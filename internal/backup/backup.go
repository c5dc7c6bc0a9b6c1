// Package backup archives catalog snapshots into a blob store and restores
// them back into a persistent store.
package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"
	"uniformcore/internal/blob"
	"uniformcore/pkg/domain"

	"go.uber.org/zap"
)

// Prefix is the key prefix every backup is stored under.
const Prefix = "backups/"

const (
	formatVersion = 1
	keyLayout     = "20060102T150405.000000000Z"
	contentType   = "application/json"
)

// ErrNotFound is returned when a backup key does not exist.
var ErrNotFound = errors.New("backup not found")

// Info describes a stored backup.
type Info struct {
	Key       string         `json:"key"`
	CreatedAt time.Time      `json:"created_at"`
	Size      int64          `json:"size_bytes"`
	Counts    map[string]int `json:"counts,omitempty"`
}

type document struct {
	Version   int             `json:"version"`
	CreatedAt time.Time       `json:"created_at"`
	Snapshot  domain.Snapshot `json:"snapshot"`
}

// Option customizes an Archive.
type Option func(*Archive)

// WithLogger sets the logger used for backup events.
func WithLogger(logger *zap.Logger) Option {
	return func(a *Archive) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithClock overrides the clock used to stamp backups.
func WithClock(now func() time.Time) Option {
	return func(a *Archive) {
		if now != nil {
			a.now = now
		}
	}
}

// Archive writes and reads snapshot backups.
type Archive struct {
	store  domain.PersistentStore
	blobs  blob.Store
	logger *zap.Logger
	now    func() time.Time
}

// New returns an archive over store and blobs.
func New(store domain.PersistentStore, blobs blob.Store, opts ...Option) *Archive {
	a := &Archive{store: store, blobs: blobs, logger: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// refresher is implemented by stores whose cache can fall behind writes made
// by other processes sharing the same database.
type refresher interface {
	Refresh(ctx context.Context) error
}

// Create exports the current snapshot and stores it as a new backup.
func (a *Archive) Create(ctx context.Context) (Info, error) {
	if r, ok := a.store.(refresher); ok {
		if err := r.Refresh(ctx); err != nil {
			return Info{}, fmt.Errorf("refresh store: %w", err)
		}
	}
	created := a.now().UTC()
	snap := a.store.ExportState()
	payload, err := json.MarshalIndent(document{Version: formatVersion, CreatedAt: created, Snapshot: snap}, "", "  ")
	if err != nil {
		return Info{}, fmt.Errorf("encode backup: %w", err)
	}
	counts := countsOf(snap)
	key := Prefix + created.Format(keyLayout) + ".json"
	stored, err := a.blobs.Put(ctx, key, bytes.NewReader(payload), blob.PutOptions{
		ContentType: contentType,
		Metadata:    countsMetadata(counts),
	})
	if err != nil {
		return Info{}, fmt.Errorf("store backup %s: %w", key, err)
	}
	a.logger.Info("backup created", zap.String("key", key), zap.Int64("size", stored.Size), zap.String("driver", string(a.blobs.Driver())))
	return Info{Key: key, CreatedAt: created, Size: stored.Size, Counts: counts}, nil
}

// List returns the stored backups, newest first.
func (a *Archive) List(ctx context.Context) ([]Info, error) {
	infos, err := a.blobs.List(ctx, Prefix)
	if err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}
	out := make([]Info, 0, len(infos))
	for _, info := range infos {
		name := strings.TrimSuffix(strings.TrimPrefix(info.Key, Prefix), ".json")
		created, err := time.Parse(keyLayout, name)
		if err != nil {
			continue
		}
		out = append(out, Info{Key: info.Key, CreatedAt: created, Size: info.Size, Counts: parseCounts(info.Metadata)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Delete removes the backup at key.
func (a *Archive) Delete(ctx context.Context, key string) error {
	key = normalizeKey(key)
	existed, err := a.blobs.Delete(ctx, key)
	if err != nil {
		return fmt.Errorf("delete backup %s: %w", key, err)
	}
	if !existed {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	a.logger.Info("backup deleted", zap.String("key", key))
	return nil
}

func normalizeKey(key string) string {
	if !strings.HasPrefix(key, Prefix) {
		return Prefix + key
	}
	return key
}

// Restore replaces the store contents with the backup at key. Drifted scopes
// in the backup are compacted by the store on import.
func (a *Archive) Restore(ctx context.Context, key string) (Info, error) {
	key = normalizeKey(key)
	stored, rc, err := a.blobs.Get(ctx, key)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return Info{}, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return Info{}, fmt.Errorf("read backup %s: %w", key, err)
	}
	defer rc.Close()
	raw, err := io.ReadAll(rc)
	if err != nil {
		return Info{}, fmt.Errorf("read backup %s: %w", key, err)
	}
	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Info{}, fmt.Errorf("decode backup %s: %w", key, err)
	}
	if doc.Version != formatVersion {
		return Info{}, fmt.Errorf("backup %s: unsupported version %d", key, doc.Version)
	}
	if err := a.store.ImportState(ctx, doc.Snapshot); err != nil {
		return Info{}, fmt.Errorf("restore backup %s: %w", key, err)
	}
	counts := countsOf(doc.Snapshot)
	a.logger.Info("backup restored", zap.String("key", key), zap.Any("counts", counts))
	return Info{Key: key, CreatedAt: doc.CreatedAt, Size: stored.Size, Counts: counts}, nil
}

func countsOf(s domain.Snapshot) map[string]int {
	return map[string]int{
		domain.EntityUniformType.Collection():       len(s.UniformTypes),
		domain.EntityUniformGeneration.Collection(): len(s.UniformGenerations),
		domain.EntityMaterialGroup.Collection():     len(s.MaterialGroups),
		domain.EntityMaterial.Collection():          len(s.Materials),
	}
}

func countsMetadata(counts map[string]int) map[string]string {
	md := make(map[string]string, len(counts))
	for k, v := range counts {
		md[k] = strconv.Itoa(v)
	}
	return md
}

func parseCounts(md map[string]string) map[string]int {
	if len(md) == 0 {
		return nil
	}
	counts := make(map[string]int, len(md))
	for k, v := range md {
		if n, err := strconv.Atoi(v); err == nil {
			counts[k] = n
		}
	}
	return counts
}
