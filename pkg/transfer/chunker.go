package transfer

import (
	"fmt"
	"io"
	"os"

	"github.com/rescp17/deckrocket/pkg/fileInfo"
)

type Chunk struct {
	SequenceNo uint32
	Offset     int64 // File offset
	Data       []byte
	IsLast     bool
}

// Chunker reads a file sequentially in fixed-size pieces.
type Chunker struct {
	file          *os.File
	currentSeq    uint32
	totalByteSize int64
	bytesRead     int64
	buffer        []byte
}

func NewChunker(node *fileInfo.FileNode, chunkSize int32) (*Chunker, error) {
	if chunkSize < MinChunkSize || chunkSize > MaxChunkSize {
		return nil, fmt.Errorf("chunk size must be between %d and %d", MinChunkSize, MaxChunkSize)
	}
	file, err := os.Open(node.Path)
	if err != nil {
		return nil, err
	}

	return &Chunker{
		file:          file,
		totalByteSize: node.Size,
		buffer:        make([]byte, chunkSize),
	}, nil
}

// Next returns the next chunk, or io.EOF once the whole file has been read.
func (c *Chunker) Next() (*Chunk, error) {
	if c.bytesRead >= c.totalByteSize {
		return nil, io.EOF
	}

	n, err := c.file.Read(c.buffer)
	if n > 0 {
		offset := c.bytesRead
		c.bytesRead += int64(n)
		c.currentSeq++

		// Copy so the caller may hold on to it while we reuse the buffer.
		data := make([]byte, n)
		copy(data, c.buffer[:n])

		return &Chunk{
			SequenceNo: c.currentSeq,
			Offset:     offset,
			Data:       data,
			IsLast:     c.bytesRead >= c.totalByteSize,
		}, nil
	}

	if err == io.EOF {
		// The file shrank after it was described.
		return nil, io.ErrUnexpectedEOF
	}
	return nil, err
}

func (c *Chunker) Close() error {
	return c.file.Close()
}
