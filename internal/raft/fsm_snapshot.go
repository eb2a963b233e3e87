package raft

import (
	"archive/tar"
	"compress/gzip"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/pebble"
	"github.com/hashicorp/raft"
)

// fsmSnapshot streams a Pebble checkpoint as a tar.gz archive. The SQLite
// view is not part of the snapshot; Restore rebuilds it from Pebble.
type fsmSnapshot struct {
	pebble *pebble.DB
	sqlite *sql.DB
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	if err := s.writeArchive(sink); err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *fsmSnapshot) writeArchive(w io.Writer) error {
	tmpDir, err := os.MkdirTemp("", "flowq-snapshot-*")
	if err != nil {
		return fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	checkpointDir := filepath.Join(tmpDir, "pebble-checkpoint")
	if err := s.pebble.Checkpoint(checkpointDir); err != nil {
		return fmt.Errorf("pebble checkpoint: %w", err)
	}

	gzw := gzip.NewWriter(w)
	tw := tar.NewWriter(gzw)
	err = filepath.Walk(checkpointDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, err := filepath.Rel(checkpointDir, path)
		if err != nil {
			return err
		}
		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = "pebble/" + filepath.ToSlash(rel)
		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return fmt.Errorf("tar pebble checkpoint: %w", err)
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return gzw.Close()
}

func (s *fsmSnapshot) Release() {}

// restoreFromSnapshot replaces the contents of pdb with the checkpoint in
// the archive.
func restoreFromSnapshot(pdb *pebble.DB, _ *sql.DB, rc io.Reader) error {
	tmpDir, err := os.MkdirTemp("", "flowq-restore-*")
	if err != nil {
		return fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	if err := untar(rc, tmpDir); err != nil {
		return err
	}

	pebbleDir := filepath.Join(tmpDir, "pebble")
	if _, err := os.Stat(pebbleDir); err != nil {
		return fmt.Errorf("snapshot has no pebble checkpoint: %w", err)
	}
	snapDB, err := pebble.Open(pebbleDir, &pebble.Options{ReadOnly: true})
	if err != nil {
		return fmt.Errorf("open snapshot pebble: %w", err)
	}
	defer snapDB.Close()

	batch := pdb.NewBatch()
	defer batch.Close()
	// Every key starts with a printable prefix, so [0x00, 0xff) covers them all.
	if err := batch.DeleteRange([]byte{0x00}, []byte{0xff}, nil); err != nil {
		return fmt.Errorf("clear pebble: %w", err)
	}

	iter, err := snapDB.NewIter(nil)
	if err != nil {
		return fmt.Errorf("create snapshot iter: %w", err)
	}
	for iter.First(); iter.Valid(); iter.Next() {
		if err := batch.Set(iter.Key(), iter.Value(), nil); err != nil {
			iter.Close()
			return err
		}
	}
	if err := iter.Close(); err != nil {
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("restore pebble: %w", err)
	}
	return nil
}

func untar(r io.Reader, dir string) error {
	gzr, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("gzip reader: %w", err)
	}
	defer gzr.Close()

	tr := tar.NewReader(gzr)
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("tar read: %w", err)
		}
		target := filepath.Join(dir, filepath.FromSlash(header.Name))
		if !strings.HasPrefix(target, filepath.Clean(dir)+string(os.PathSeparator)) {
			return fmt.Errorf("snapshot entry %q escapes restore dir", header.Name)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		f, err := os.Create(target)
		if err != nil {
			return err
		}
		if _, err := io.Copy(f, tr); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
	}
}
