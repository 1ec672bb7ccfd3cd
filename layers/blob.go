package layers

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/opencontainers/go-digest"
	"github.com/spf13/afero"
)

// whiteoutPrefix marks a deleted path in a layer archive
const whiteoutPrefix = ".wh."

// LayerConfig holds configuration for writing layer blobs
type LayerConfig struct {
	Compression CompressionType `json:"compression" yaml:"compression"`
	MaxSize     int64           `json:"maxSize,omitempty" yaml:"max_size,omitempty"`
	Timestamp   *time.Time      `json:"timestamp,omitempty" yaml:"-"`
}

// BlobWriter writes content-addressed layer blobs into a directory of an afero filesystem
type BlobWriter struct {
	config LayerConfig
	fs     afero.Fs
	dir    string
}

// NewBlobWriter creates a BlobWriter storing blobs under dir/sha256/<hex>
func NewBlobWriter(fs afero.Fs, dir string, config LayerConfig) *BlobWriter {
	if config.Compression == "" {
		config.Compression = CompressionGzip
	}

	return &BlobWriter{
		config: config,
		fs:     fs,
		dir:    dir,
	}
}

// Write streams changes, sorted by path, as a tar archive through the
// configured compressor into a temporary blob, then stores the blob under its
// digest and returns a layer describing it.
func (bw *BlobWriter) Write(changes []FileChange) (*Layer, error) {
	sorted := make([]FileChange, len(changes))
	copy(sorted, changes)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Path < sorted[j].Path
	})

	sink, err := newBlobSink(bw.fs, bw.dir, digest.Canonical, bw.config.MaxSize)
	if err != nil {
		return nil, NewLayerError("write-blob", "", err)
	}

	if err := bw.encode(sink, sorted); err != nil {
		sink.discard()
		if sink.overflow {
			err = fmt.Errorf("%w: blob exceeds limit of %d bytes", ErrInvalidSize, bw.config.MaxSize)
		}
		return nil, NewLayerError("write-blob", "", err)
	}

	dgst, blobPath, err := sink.commit("")
	if err != nil {
		return nil, NewLayerError("write-blob", dgst.String(), err)
	}

	created := time.Now()
	if bw.config.Timestamp != nil {
		created = *bw.config.Timestamp
	}

	return NewWithMetadata(Metadata{
		MediaType:       bw.config.Compression.GetMediaType(),
		Digest:          dgst.String(),
		Size:            sink.size,
		Created:         created,
		StoragePath:     blobPath,
		Compressed:      bw.config.Compression != CompressionNone,
		CompressionType: bw.config.Compression,
	}), nil
}

func (bw *BlobWriter) encode(w io.Writer, changes []FileChange) error {
	compressor, err := newCompressor(bw.config.Compression, w)
	if err != nil {
		return err
	}

	tw := tar.NewWriter(compressor)
	for _, change := range changes {
		if err := writeChange(tw, change); err != nil {
			compressor.Close()
			return fmt.Errorf("add %s: %w", change.Path, err)
		}
	}
	if err := tw.Close(); err != nil {
		compressor.Close()
		return fmt.Errorf("finish archive: %w", err)
	}
	if err := compressor.Close(); err != nil {
		return fmt.Errorf("finish %s stream: %w", bw.config.Compression, err)
	}
	return nil
}

// StoreBlob streams r into dir/<algorithm>/<hex> and keeps it only when the
// content hashes to dgst. An existing blob is kept without reading r.
func StoreBlob(fs afero.Fs, dir, dgst string, r io.Reader) (string, error) {
	expected, err := digest.Parse(dgst)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidDigestFormat, err)
	}

	existing := filepath.Join(dir, expected.Algorithm().String(), expected.Encoded())
	if ok, _ := afero.Exists(fs, existing); ok {
		return existing, nil
	}

	sink, err := newBlobSink(fs, dir, expected.Algorithm(), 0)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(sink, r); err != nil {
		sink.discard()
		return "", fmt.Errorf("write temp blob: %w", err)
	}

	_, blobPath, err := sink.commit(expected)
	return blobPath, err
}

// blobSink is a temporary blob file that hashes and counts everything written to it
type blobSink struct {
	fs       afero.Fs
	dir      string
	file     afero.File
	digester digest.Digester
	size     int64
	limit    int64
	overflow bool
}

func newBlobSink(fs afero.Fs, dir string, alg digest.Algorithm, limit int64) (*blobSink, error) {
	blobDir := filepath.Join(dir, alg.String())
	if err := fs.MkdirAll(blobDir, 0755); err != nil {
		return nil, fmt.Errorf("create blob directory: %w", err)
	}

	file, err := afero.TempFile(fs, blobDir, ".tmp-")
	if err != nil {
		return nil, fmt.Errorf("create temp blob: %w", err)
	}

	return &blobSink{
		fs:       fs,
		dir:      blobDir,
		file:     file,
		digester: alg.Digester(),
		limit:    limit,
	}, nil
}

func (s *blobSink) Write(p []byte) (int, error) {
	if s.limit > 0 && s.size+int64(len(p)) > s.limit {
		s.overflow = true
		return 0, ErrInvalidSize
	}

	n, err := s.file.Write(p)
	s.digester.Hash().Write(p[:n])
	s.size += int64(n)
	return n, err
}

func (s *blobSink) discard() {
	s.file.Close()
	s.fs.Remove(s.file.Name())
}

// commit renames the temporary file to the path of its digest. With a non-empty
// expected digest, content hashing to anything else is dropped with ErrHashMismatch.
func (s *blobSink) commit(expected digest.Digest) (digest.Digest, string, error) {
	tmpName := s.file.Name()
	if err := s.file.Close(); err != nil {
		s.fs.Remove(tmpName)
		return "", "", fmt.Errorf("close temp blob: %w", err)
	}

	got := s.digester.Digest()
	if expected != "" && got != expected {
		s.fs.Remove(tmpName)
		return "", "", fmt.Errorf("%w: content hashes to %s, expected %s", ErrHashMismatch, got, expected)
	}

	blobPath := filepath.Join(s.dir, got.Encoded())
	if ok, _ := afero.Exists(s.fs, blobPath); ok {
		s.fs.Remove(tmpName)
		return got, blobPath, nil
	}

	if err := s.fs.Rename(tmpName, blobPath); err != nil {
		s.fs.Remove(tmpName)
		return "", "", fmt.Errorf("rename blob: %w", err)
	}
	return got, blobPath, nil
}

// writeChange appends one change to tw. A deletion becomes an empty whiteout
// file next to the deleted path.
func writeChange(tw *tar.Writer, change FileChange) error {
	name := strings.TrimPrefix(change.Path, "/")

	switch change.Type {
	case ChangeTypeDelete:
		return tw.WriteHeader(&tar.Header{
			Typeflag: tar.TypeReg,
			Name:     path.Join(path.Dir(name), whiteoutPrefix+path.Base(name)),
			Mode:     0644,
			ModTime:  change.Timestamp,
		})
	case ChangeTypeAdd, ChangeTypeModify:
	default:
		return fmt.Errorf("unknown change type %q", change.Type)
	}

	hdr := &tar.Header{
		Name:    name,
		Mode:    int64(change.Mode.Perm()),
		ModTime: change.Timestamp,
		Uid:     change.UID,
		Gid:     change.GID,
	}
	switch {
	case change.Mode.IsDir():
		hdr.Typeflag = tar.TypeDir
	case change.Mode&os.ModeSymlink != 0:
		hdr.Typeflag = tar.TypeSymlink
		hdr.Linkname = change.Linkname
	case change.Mode.IsRegular():
		hdr.Typeflag = tar.TypeReg
		hdr.Size = change.Size
	default:
		return fmt.Errorf("unsupported file mode %v", change.Mode)
	}

	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	if hdr.Size == 0 || change.Content == nil {
		return nil
	}

	// a short reader surfaces as io.EOF
	if _, err := io.CopyN(tw, change.Content, hdr.Size); err != nil {
		return fmt.Errorf("copy content: %w", err)
	}
	return nil
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

// newCompressor wraps w in the encoder of compression. Closing it flushes the encoder.
func newCompressor(compression CompressionType, w io.Writer) (io.WriteCloser, error) {
	switch compression {
	case CompressionNone:
		return nopWriteCloser{w}, nil
	case CompressionGzip:
		return gzip.NewWriter(w), nil
	case CompressionZstd:
		return zstd.NewWriter(w)
	default:
		return nil, fmt.Errorf("unsupported compression type %q", compression)
	}
}
