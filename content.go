package staticcache

import (
	"errors"
	"io/fs"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
)

// fileNameAlphabet skips glyphs that are easy to misread (0/O, 1/l/I, o).
const fileNameAlphabet = "abcdefghijkmnpqrstuvwxyzABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const fileNameLength = 20

func randomFileName() string {
	var b strings.Builder
	for range fileNameLength {
		b.WriteByte(fileNameAlphabet[rand.IntN(len(fileNameAlphabet))])
	}
	return b.String()
}

// createRandomFile creates a fresh, exclusively owned file with a random
// name inside parent, creating parent first if needed. A name collision just
// means another roll of the dice; any other failure is returned as-is.
func createRandomFile(parent string) (*os.File, string, error) {
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return nil, "", err
	}

	for {
		path := filepath.Join(parent, randomFileName())
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return f, path, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, "", err
		}
	}
}
