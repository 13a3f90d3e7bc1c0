// Package blob persists small JSON documents with an integrity prefix, used
// for the last-run report consumed by the status command.
//
// The on-disk format is "<sha256-hex>|<json>". Writers always emit SHA-256;
// the reader also accepts the older 32-hex MD5 prefix so reports written by
// earlier builds remain readable.
package blob

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

const (
	sha256HexLen = sha256.Size * 2
	md5HexLen    = md5.Size * 2
)

// Write marshals v to JSON and writes it to path with a SHA-256 integrity
// prefix. The write goes through a temp file and rename so readers never see
// a torn blob.
func Write(path string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshalling blob: %w", err)
	}

	sum := sha256.Sum256(payload)
	data := append([]byte(hex.EncodeToString(sum[:])+"|"), payload...)

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating blob directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing blob: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replacing blob: %w", err)
	}
	return nil
}

// Read loads the blob at path into v. It returns (false, nil) when the file
// does not exist or fails validation (bad prefix, checksum mismatch, payload
// not valid UTF-8 or not JSON), and (true, nil) on success. A corrupt blob
// is treated as absent, not fatal: the caller falls back to "no report".
func Read(path string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading blob: %w", err)
	}

	payload, ok := validate(data)
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return false, nil
	}
	return true, nil
}

// validate checks the integrity prefix and returns the JSON payload.
func validate(data []byte) ([]byte, bool) {
	s := string(data)
	i := strings.IndexByte(s, '|')
	if i < 0 {
		return nil, false
	}
	prefix, payload := s[:i], data[i+1:]

	if !utf8.Valid(payload) {
		return nil, false
	}
	// Must at least look like a JSON document.
	trimmed := strings.TrimSpace(string(payload))
	if len(trimmed) == 0 || (trimmed[0] != '{' && trimmed[0] != '[') {
		return nil, false
	}

	switch len(prefix) {
	case sha256HexLen:
		sum := sha256.Sum256(payload)
		return payload, prefix == hex.EncodeToString(sum[:])
	case md5HexLen:
		sum := md5.Sum(payload)
		return payload, prefix == hex.EncodeToString(sum[:])
	default:
		return nil, false
	}
}
