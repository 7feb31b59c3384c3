package vectorindex

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"time"
)

const (
	IndexFile    = "index.vec"
	MetadataFile = "metadata.json"

	indexMagic      = "DAVX"
	indexVersion    = uint16(1)
	metadataVersion = 1
	tmpSuffix       = ".tmp"
)

type indexHeader struct {
	Magic     [4]byte
	Version   uint16
	Dimension uint32
	Count     uint64
}

type metadataFile struct {
	Version   int         `json:"version"`
	Dimension int         `json:"dimension"`
	Entries   []entryJSON `json:"entries"`
}

type entryJSON struct {
	Handle     Handle    `json:"handle"`
	DocumentID string    `json:"document_id"`
	Seq        int       `json:"seq"`
	Text       string    `json:"text"`
	Hash       string    `json:"hash"`
	Superseded bool      `json:"superseded"`
	InsertedAt time.Time `json:"inserted_at"`
}

func writeIndex(w io.Writer, dim int, vectors [][]float32) error {
	bw := bufio.NewWriter(w)
	hdr := indexHeader{Version: indexVersion, Dimension: uint32(dim), Count: uint64(len(vectors))}
	copy(hdr.Magic[:], indexMagic)
	if err := binary.Write(bw, binary.LittleEndian, hdr); err != nil {
		return err
	}

	buf := make([]byte, 4*dim)
	for i, v := range vectors {
		if len(v) != dim {
			return fmt.Errorf("vector %d has dimension %d, want %d", i, len(v), dim)
		}
		for j, f := range v {
			binary.LittleEndian.PutUint32(buf[4*j:], math.Float32bits(f))
		}
		if _, err := bw.Write(buf); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func readIndex(r io.Reader) (int, [][]float32, error) {
	br := bufio.NewReader(r)
	var hdr indexHeader
	if err := binary.Read(br, binary.LittleEndian, &hdr); err != nil {
		return 0, nil, fmt.Errorf("read header: %w", err)
	}
	if string(hdr.Magic[:]) != indexMagic {
		return 0, nil, fmt.Errorf("bad magic %q", hdr.Magic[:])
	}
	if hdr.Version != indexVersion {
		return 0, nil, fmt.Errorf("unsupported index version %d", hdr.Version)
	}
	if hdr.Count > 0 && hdr.Dimension == 0 {
		return 0, nil, errors.New("non-empty index with zero dimension")
	}

	dim := int(hdr.Dimension)
	vectors := make([][]float32, 0, min(hdr.Count, 1<<16))
	buf := make([]byte, 4*dim)
	for i := uint64(0); i < hdr.Count; i++ {
		if _, err := io.ReadFull(br, buf); err != nil {
			return 0, nil, fmt.Errorf("read vector %d of %d: %w", i, hdr.Count, err)
		}
		v := make([]float32, dim)
		for j := range v {
			v[j] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*j:]))
		}
		vectors = append(vectors, v)
	}
	if n, _ := br.Read(make([]byte, 1)); n != 0 {
		return 0, nil, errors.New("trailing bytes after last vector")
	}
	return dim, vectors, nil
}

// writeFileSync writes via a uniquely named temp file in the same
// directory and fsyncs it. It returns the temp path; the caller renames it
// into place.
func writeFileSync(dir, name string, write func(io.Writer) error) (string, error) {
	f, err := os.CreateTemp(dir, name+".*"+tmpSuffix)
	if err != nil {
		return "", err
	}
	tmp := f.Name()
	if err := write(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", err
	}
	return tmp, nil
}

// removeStaleTemps deletes temp files left by an interrupted Persist. Only
// the session's writer calls it.
func removeStaleTemps(dir string) {
	for _, name := range []string{IndexFile, MetadataFile} {
		matches, _ := filepath.Glob(filepath.Join(dir, name+".*"+tmpSuffix))
		for _, path := range matches {
			os.Remove(path)
		}
	}
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

func exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}
