package fileInfo

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
)

func calculateSHA256(filePath string) (string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// CalcChecksum computes and stores the SHA-256 of the file at n.Path.
func (n *FileNode) CalcChecksum() (string, error) {
	sum, err := calculateSHA256(n.Path)
	if err != nil {
		return "", err
	}
	n.Checksum = sum
	return sum, nil
}

// VerifySHA256 reports whether the file at n.Path hashes to expectedChecksum.
func (n *FileNode) VerifySHA256(expectedChecksum string) (bool, error) {
	actual, err := calculateSHA256(n.Path)
	if err != nil {
		return false, err
	}
	return actual == expectedChecksum, nil
}
