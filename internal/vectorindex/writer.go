package vectorindex

import (
	"bufio"
	"bytes"
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/kailas-cloud/therapist/internal/domain"
)

// Record is one passage with its embedding.
type Record struct {
	Passage domain.Passage
	Vector  []float32
}

// Write persists records into dir. The three files are written to a sibling
// temporary directory which then replaces dir, so readers never observe a
// partially written index and a failed write leaves the previous one in place.
func Write(dir string, meta Meta, records []Record) error {
	if meta.Format == "" {
		meta.Format = FormatF32
	}
	if !meta.Format.Known() {
		return fmt.Errorf("unknown index format %q", meta.Format)
	}
	meta.Metric = MetricCosine
	meta.Count = len(records)

	sorted := slices.Clone(records)
	slices.SortFunc(sorted, func(a, b Record) int {
		return cmp.Compare(a.Passage.VectorID, b.Passage.VectorID)
	})

	m, err := buildMatrix(sorted)
	if err != nil {
		return err
	}
	if meta.EmbeddingDim == 0 {
		meta.EmbeddingDim = m.Dim
	}
	if len(sorted) > 0 && meta.EmbeddingDim != m.Dim {
		return fmt.Errorf("%w: meta says %d, vectors have %d", domain.ErrVectorDimMismatch, meta.EmbeddingDim, m.Dim)
	}

	indexBin, err := encodeMatrix(m, meta.Format)
	if err != nil {
		return err
	}
	payload, err := encodePayload(sorted)
	if err != nil {
		return err
	}
	metaJSON, err := encodeMeta(meta)
	if err != nil {
		return err
	}

	return writeDirAtomic(dir, map[string][]byte{
		IndexFile:   indexBin,
		PayloadFile: payload,
		MetaFile:    metaJSON,
	})
}

// buildMatrix validates ids and dimensions and L2-normalizes every vector.
func buildMatrix(records []Record) (matrix, error) {
	m := matrix{IDs: make([]uint32, len(records))}
	if len(records) == 0 {
		return m, nil
	}
	m.Dim = len(records[0].Vector)
	if m.Dim == 0 {
		return matrix{}, fmt.Errorf("%w: empty vector for id %d", domain.ErrVectorDimMismatch, records[0].Passage.VectorID)
	}
	m.Vectors = make([]float32, 0, len(records)*m.Dim)

	for i, r := range records {
		if i > 0 && r.Passage.VectorID == records[i-1].Passage.VectorID {
			return matrix{}, fmt.Errorf("duplicate vector id %d", r.Passage.VectorID)
		}
		if len(r.Vector) != m.Dim {
			return matrix{}, fmt.Errorf("%w: id %d has %d, want %d",
				domain.ErrVectorDimMismatch, r.Passage.VectorID, len(r.Vector), m.Dim)
		}
		m.IDs[i] = r.Passage.VectorID
		start := len(m.Vectors)
		m.Vectors = append(m.Vectors, r.Vector...)
		normalizeL2InPlace(m.Vectors[start:])
	}
	return m, nil
}

func encodePayload(records []Record) ([]byte, error) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	for _, r := range records {
		if err := enc.Encode(r.Passage); err != nil {
			return nil, fmt.Errorf("encode payload %d: %w", r.Passage.VectorID, err)
		}
	}
	if err := w.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeDirAtomic(dir string, files map[string][]byte) (err error) {
	dir = filepath.Clean(dir)
	parent := filepath.Dir(dir)
	if err := os.MkdirAll(parent, 0o750); err != nil {
		return fmt.Errorf("create parent dir: %w", err)
	}

	if err := recoverBackup(dir); err != nil {
		return err
	}
	// any backup left after recovery sits next to a live dir and is stale
	_ = os.RemoveAll(backupPath(dir))

	tmp, err := os.MkdirTemp(parent, "."+filepath.Base(dir)+".tmp-")
	if err != nil {
		return fmt.Errorf("create temp dir: %w", err)
	}
	defer func() {
		if err != nil {
			_ = os.RemoveAll(tmp)
		}
	}()

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		if err := writeFileSync(filepath.Join(tmp, name), files[name]); err != nil {
			return err
		}
	}
	if err := syncDir(tmp); err != nil {
		return err
	}

	backup := backupPath(dir)
	moved := false
	if _, statErr := os.Stat(dir); statErr == nil {
		if err := rename(dir, backup); err != nil {
			return fmt.Errorf("move previous index aside: %w", err)
		}
		moved = true
	} else if !errors.Is(statErr, os.ErrNotExist) {
		return fmt.Errorf("stat index dir: %w", statErr)
	}

	// A crash between the two renames leaves only the backup; Open and the
	// next Write restore it.
	if err := rename(tmp, dir); err != nil {
		if moved {
			_ = rename(backup, dir)
		}
		return fmt.Errorf("swap index dir: %w", err)
	}
	if moved {
		_ = os.RemoveAll(backup)
	}
	return syncDir(parent)
}

// rename is replaced in tests to interrupt the directory swap.
var rename = os.Rename

// backupPath is where writeDirAtomic moves the previous index during a swap.
func backupPath(dir string) string {
	return filepath.Join(filepath.Dir(dir), "."+filepath.Base(dir)+".old")
}

// recoverBackup moves a backup stranded by an interrupted swap back to dir.
// It is a no-op when dir exists or there is no backup.
func recoverBackup(dir string) error {
	if _, err := os.Stat(dir); !errors.Is(err, os.ErrNotExist) {
		return nil
	}
	backup := backupPath(dir)
	if _, err := os.Stat(backup); err != nil {
		return nil
	}
	if err := rename(backup, dir); err != nil {
		return fmt.Errorf("restore previous index: %w", err)
	}
	return nil
}

func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(filepath.Clean(path), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("create %s: %w", filepath.Base(path), err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync %s: %w", filepath.Base(path), err)
	}
	return f.Close()
}

func syncDir(dir string) error {
	d, err := os.Open(filepath.Clean(dir))
	if err != nil {
		return fmt.Errorf("open dir for sync: %w", err)
	}
	defer func() { _ = d.Close() }()
	// some filesystems reject fsync on directories; the rename is still durable enough there
	_ = d.Sync()
	return nil
}
