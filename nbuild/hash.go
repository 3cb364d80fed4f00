package nbuild

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/zeebo/blake3"
	"golang.org/x/mod/sumdb/dirhash"
)

// HashFile returns the hex blake3 digest of the file contents.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashBytes returns the hex blake3 digest of data.
func HashBytes(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// hashBlake3 is a dirhash.Hash: the digest of a sorted "<file hash>  <name>"
// listing, like dirhash.Hash1 but with blake3.
func hashBlake3(files []string, open func(string) (io.ReadCloser, error)) (string, error) {
	h := blake3.New()
	files = append([]string(nil), files...)
	sort.Strings(files)
	for _, file := range files {
		if strings.Contains(file, "\n") {
			return "", errors.New("dirhash: filenames with newlines are not supported")
		}
		r, err := open(file)
		if err != nil {
			return "", err
		}
		hf := blake3.New()
		_, err = io.Copy(hf, r)
		r.Close()
		if err != nil {
			return "", err
		}
		fmt.Fprintf(h, "%x  %s\n", hf.Sum(nil), file)
	}
	return "b3:" + base64.StdEncoding.EncodeToString(h.Sum(nil)), nil
}

// HashTree hashes every file below dir.
func HashTree(dir, prefix string) (string, error) {
	return dirhash.HashDir(dir, prefix, hashBlake3)
}
