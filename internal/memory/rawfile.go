package memory

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
)

const (
	rawExt        = ".jsonl.zst"
	tempPrefix    = ".chunk-"
	tempPattern   = tempPrefix + "*.tmp"
	maxLineLength = 64 << 20
)

var (
	zenc, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zdec, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
)

func rawName(id string) string { return id + rawExt }

func checksum(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// encodeChunk renders messages as JSON lines, oldest first.
func encodeChunk(msgs []Message) ([]byte, error) {
	var buf bytes.Buffer
	for _, m := range msgs {
		line, err := encodeMessage(m)
		if err != nil {
			return nil, fmt.Errorf("encode message %s: %w", m.ID, err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

func decodeChunk(data []byte) ([]Message, error) {
	var msgs []Message
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), maxLineLength)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var m Message
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, sc.Err()
}

// writeRawFile durably writes msgs to dir/name and returns the
// checksum of the compressed bytes. The file appears under its final
// name only once its contents are on disk.
func writeRawFile(dir, name string, msgs []Message) (string, error) {
	plain, err := encodeChunk(msgs)
	if err != nil {
		return "", err
	}
	data := zenc.EncodeAll(plain, nil)

	tmp, err := os.CreateTemp(dir, tempPattern)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("sync %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close %s: %w", name, err)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, name)); err != nil {
		return "", fmt.Errorf("rename %s: %w", name, err)
	}
	if err := syncDir(dir); err != nil {
		return "", err
	}
	return checksum(data), nil
}

// readRawFile returns the messages stored in dir/name. A missing file,
// a checksum mismatch, or undecodable content is reported as ErrCorrupt.
func readRawFile(dir, name, sum string) ([]Message, error) {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s is missing", ErrCorrupt, name)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	if got := checksum(data); got != sum {
		return nil, fmt.Errorf("%w: %s checksum %s, want %s", ErrCorrupt, name, abbrev(got), abbrev(sum))
	}
	plain, err := zdec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, name, err)
	}
	msgs, err := decodeChunk(plain)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, name, err)
	}
	return msgs, nil
}

func isTempFile(name string) bool {
	return strings.HasPrefix(name, tempPrefix) && strings.HasSuffix(name, ".tmp")
}

func abbrev(s string) string {
	if len(s) > 12 {
		return s[:12]
	}
	return s
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open dir: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil && !errors.Is(err, os.ErrInvalid) {
		return fmt.Errorf("sync dir: %w", err)
	}
	return nil
}
