package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/rescp17/deckrocket/pkg/fileInfo"
)

// SendFunc delivers one serialized frame to the remote peer.
type SendFunc func(frame []byte) error

// ProgressFunc is told how many bytes of the file have been sent so far.
type ProgressFunc func(sent int64)

// Sender streams whole files as frames.
type Sender struct {
	config     Config
	serializer MessageSerializer
}

func NewSender(config Config) (*Sender, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Sender{config: config, serializer: NewJSONSerializer()}, nil
}

// SendFile sends the file at path. If sending fails or ctx is cancelled after
// the transfer began, a TransferCancel frame is attempted so the remote side
// can discard what it staged.
func (s *Sender) SendFile(ctx context.Context, path string, send SendFunc, progress ProgressFunc) (*fileInfo.FileNode, error) {
	node, err := fileInfo.CreateNode(path)
	if err != nil {
		return nil, err
	}
	if node.Size > s.config.MaxFileSize {
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrFileTooLarge, node.Name, node.Size)
	}

	id := uuid.NewString()
	err = s.emit(send, &ChunkMessage{
		Type:         FileBegin,
		TransferID:   id,
		FileName:     node.Name,
		MimeType:     node.MimeType,
		TotalSize:    node.Size,
		ExpectedHash: node.Checksum,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transfer: %w", err)
	}

	if err := s.stream(ctx, id, &node, send, progress); err != nil {
		// Best effort, the channel may be gone already.
		_ = s.emit(send, &ChunkMessage{Type: TransferCancel, TransferID: id, ErrorMessage: err.Error()})
		return nil, err
	}

	if err := s.emit(send, &ChunkMessage{Type: FileComplete, TransferID: id, FileName: node.Name}); err != nil {
		return nil, fmt.Errorf("failed to complete transfer: %w", err)
	}
	return &node, nil
}

func (s *Sender) stream(ctx context.Context, id string, node *fileInfo.FileNode, send SendFunc, progress ProgressFunc) error {
	chunker, err := NewChunker(node, s.config.ChunkSize)
	if err != nil {
		return err
	}
	defer chunker.Close()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		chunk, err := chunker.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", node.Name, err)
		}
		err = s.emit(send, &ChunkMessage{
			Type:       ChunkData,
			TransferID: id,
			SequenceNo: chunk.SequenceNo,
			Offset:     chunk.Offset,
			Data:       chunk.Data,
		})
		if err != nil {
			return fmt.Errorf("failed to send chunk %d: %w", chunk.SequenceNo, err)
		}
		if progress != nil {
			progress(chunk.Offset + int64(len(chunk.Data)))
		}
	}
}

func (s *Sender) emit(send SendFunc, msg *ChunkMessage) error {
	frame, err := s.serializer.Marshal(msg)
	if err != nil {
		return err
	}
	return send(frame)
}
