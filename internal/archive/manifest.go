package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DataFile describes one archived parquet object.
type DataFile struct {
	Path        string         `json:"path"`
	FileSize    int64          `json:"file_size_in_bytes"`
	RecordCount int64          `json:"record_count"`
	Partition   map[string]any `json:"partition"`
	Timestamp   time.Time      `json:"-"`
}

// ManifestEntry mirrors the information kept in an Iceberg manifest file.
type ManifestEntry struct {
	Status   int      `json:"status"`
	DataFile DataFile `json:"data_file"`
}

type Snapshot struct {
	SnapshotID  int64  `json:"snapshot-id"`
	TimestampMs int64  `json:"timestamp-ms"`
	Manifest    string `json:"manifest-list"`
}

// TableMetadata is the table-level file readers start from.
type TableMetadata struct {
	FormatVersion     int        `json:"format-version"`
	TableUUID         string     `json:"table-uuid"`
	Location          string     `json:"location"`
	CurrentSnapshotID int64      `json:"current-snapshot-id"`
	Snapshots         []Snapshot `json:"snapshots"`
}

// maxSnapshots bounds the history kept in metadata.json.
const maxSnapshots = 500

// Manifest keeps Iceberg-style metadata for the archived table next to the
// data: one manifest object per archived file plus a metadata.json that
// lists them.
type Manifest struct {
	prefix    string
	tableUUID string

	mu        sync.Mutex
	snapshots []Snapshot
}

func NewManifest(prefix string) *Manifest {
	return &Manifest{prefix: prefix, tableUUID: uuid.NewString()}
}

func (m *Manifest) metadataKey(name string) string {
	return filepath.ToSlash(filepath.Join(m.prefix, "metadata", name))
}

// AddFile records a newly archived file and rewrites the table metadata
// on dest.
func (m *Manifest) AddFile(ctx context.Context, dest Destination, df DataFile) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapID := df.Timestamp.UnixNano()
	manifestFile := fmt.Sprintf("manifest-%d.json", snapID)
	b, err := json.Marshal([]ManifestEntry{{Status: 1, DataFile: df}})
	if err != nil {
		return err
	}
	if _, err := dest.Put(ctx, m.metadataKey(manifestFile), b, nil); err != nil {
		return err
	}

	m.snapshots = append(m.snapshots, Snapshot{
		SnapshotID:  snapID,
		TimestampMs: df.Timestamp.UnixMilli(),
		Manifest:    manifestFile,
	})
	if len(m.snapshots) > maxSnapshots {
		m.snapshots = m.snapshots[len(m.snapshots)-maxSnapshots:]
	}

	tm := TableMetadata{
		FormatVersion:     2,
		TableUUID:         m.tableUUID,
		Location:          m.prefix,
		CurrentSnapshotID: snapID,
		Snapshots:         m.snapshots,
	}
	b, err = json.MarshalIndent(tm, "", "  ")
	if err != nil {
		return err
	}
	_, err = dest.Put(ctx, m.metadataKey("metadata.json"), b, nil)
	return err
}
