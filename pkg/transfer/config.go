package transfer

import (
	"errors"
	"fmt"
)

// Chunk sizes are bounded by what a single data channel message can carry
// once base64 encoded inside a JSON frame.
const (
	DefaultChunkSize = 16 * 1024
	MaxChunkSize     = 48 * 1024
	MinChunkSize     = 1024

	DefaultMaxFileSize = 512 * 1024 * 1024
)

// Config holds the limits of the resource transfer protocol.
type Config struct {
	ChunkSize   int32 `yaml:"chunk_size"`
	MaxFileSize int64 `yaml:"max_file_size"`
}

func DefaultConfig() Config {
	return Config{
		ChunkSize:   DefaultChunkSize,
		MaxFileSize: DefaultMaxFileSize,
	}
}

func (c Config) Validate() error {
	if c.ChunkSize < MinChunkSize || c.ChunkSize > MaxChunkSize {
		return fmt.Errorf("chunk_size must be between %d and %d", MinChunkSize, MaxChunkSize)
	}
	if c.MaxFileSize <= 0 {
		return errors.New("max_file_size must be positive")
	}
	return nil
}
