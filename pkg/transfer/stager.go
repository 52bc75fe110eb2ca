package transfer

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/rescp17/deckrocket/pkg/fileInfo"
	"github.com/sirupsen/logrus"
)

var (
	ErrChecksumMismatch = errors.New("file hash mismatch - file may be corrupted during transmission")
	ErrUnknownTransfer  = errors.New("unknown transfer")
	ErrFileTooLarge     = errors.New("file too large")
	ErrCancelled        = errors.New("transfer cancelled by sender")
)

// UpdateKind says what happened to a staged transfer.
type UpdateKind int

const (
	// UpdateNone is returned for frames that only advance a transfer.
	UpdateNone UpdateKind = iota
	UpdateStarted
	UpdateFinished
)

// Update is a lifecycle change of one inbound transfer. For UpdateFinished
// either Location is set or Err is.
type Update struct {
	Kind       UpdateKind
	TransferID string
	Name       string
	Location   string
	Err        error
}

// reception tracks the state of receiving a single file
type reception struct {
	name         string
	totalSize    int64
	receivedSize int64
	expectedHash string
	file         *os.File
	path         string
	chunks       map[uint32]bool
}

// Stager writes inbound resource frames to files in a staging directory.
type Stager struct {
	dir        string
	maxSize    int64
	serializer MessageSerializer
	logger     logrus.FieldLogger

	mu     sync.Mutex
	active map[string]*reception
	// failed holds transfers already reported as finished with an error whose
	// trailing frames the sender may still deliver.
	failed map[string]struct{}
}

func NewStager(dir string, maxSize int64, logger logrus.FieldLogger) *Stager {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxFileSize
	}
	return &Stager{
		dir:        dir,
		maxSize:    maxSize,
		serializer: NewJSONSerializer(),
		logger:     logger.WithField("component", "stager"),
		active:     make(map[string]*reception),
		failed:     make(map[string]struct{}),
	}
}

// Process consumes one serialized frame and returns the lifecycle changes it
// caused, in order. A returned error means the frame itself was unusable;
// failures of a transfer are reported as an UpdateFinished carrying Err.
func (s *Stager) Process(data []byte) ([]Update, error) {
	msg, err := s.serializer.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal chunk message: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch msg.Type {
	case FileBegin:
		return s.begin(msg)
	case ChunkData:
		u, err := s.write(msg)
		if err != nil || u.Kind == UpdateNone {
			return nil, err
		}
		return []Update{u}, nil
	case FileComplete:
		if s.settled(msg.TransferID) {
			return nil, nil
		}
		if _, ok := s.active[msg.TransferID]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownTransfer, msg.TransferID)
		}
		u := s.complete(msg)
		delete(s.failed, msg.TransferID)
		return []Update{u}, nil
	case TransferCancel:
		if s.settled(msg.TransferID) {
			return nil, nil
		}
		if _, ok := s.active[msg.TransferID]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownTransfer, msg.TransferID)
		}
		reason := ErrCancelled
		if msg.ErrorMessage != "" {
			reason = fmt.Errorf("%w: %s", ErrCancelled, msg.ErrorMessage)
		}
		u := s.fail(msg.TransferID, reason)
		delete(s.failed, msg.TransferID)
		return []Update{u}, nil
	default:
		return nil, fmt.Errorf("unexpected message type %q", msg.Type)
	}
}

// Active returns the number of transfers in progress.
func (s *Stager) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// AbortAll fails every transfer in progress, e.g. when the peer disconnects.
func (s *Stager) AbortAll(reason error) []Update {
	s.mu.Lock()
	defer s.mu.Unlock()
	updates := make([]Update, 0, len(s.active))
	for id := range s.active {
		updates = append(updates, s.fail(id, reason))
	}
	return updates
}

func (s *Stager) begin(msg *ChunkMessage) ([]Update, error) {
	if _, exists := s.active[msg.TransferID]; exists {
		return nil, fmt.Errorf("transfer %s already started", msg.TransferID)
	}
	if _, exists := s.failed[msg.TransferID]; exists {
		return nil, fmt.Errorf("transfer %s already finished", msg.TransferID)
	}

	if strings.ContainsAny(msg.TransferID, `/\.`) {
		return nil, fmt.Errorf("invalid transfer id %q", msg.TransferID)
	}

	// Sanitize the filename to prevent path traversal
	name := filepath.Base(msg.FileName)
	if name == "." || name == string(filepath.Separator) || name == "" {
		return nil, fmt.Errorf("invalid file name %q", msg.FileName)
	}

	started := Update{Kind: UpdateStarted, TransferID: msg.TransferID, Name: name}
	if msg.TotalSize < 0 || msg.TotalSize > s.maxSize {
		s.logger.WithField("name", name).Warnf("Refusing resource of %d bytes, limit is %s", msg.TotalSize, humanize.Bytes(uint64(s.maxSize)))
		s.failed[msg.TransferID] = struct{}{}
		return []Update{started, {
			Kind:       UpdateFinished,
			TransferID: msg.TransferID,
			Name:       name,
			Err:        fmt.Errorf("%w: %d bytes", ErrFileTooLarge, msg.TotalSize),
		}}, nil
	}

	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create staging dir: %w", err)
	}
	path := filepath.Join(s.dir, msg.TransferID+"-"+name)
	if !strings.HasPrefix(path, filepath.Clean(s.dir)) {
		return nil, fmt.Errorf("invalid output path: %s", path)
	}

	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create staging file %s: %w", path, err)
	}

	s.active[msg.TransferID] = &reception{
		name:         name,
		totalSize:    msg.TotalSize,
		expectedHash: msg.ExpectedHash,
		file:         file,
		path:         path,
		chunks:       make(map[uint32]bool),
	}

	s.logger.WithFields(logrus.Fields{
		"name": name,
		"size": humanize.Bytes(uint64(msg.TotalSize)),
		"mime": msg.MimeType,
	}).Info("Staging resource")
	return []Update{started}, nil
}

func (s *Stager) write(msg *ChunkMessage) (Update, error) {
	r, ok := s.active[msg.TransferID]
	if !ok {
		if _, failed := s.failed[msg.TransferID]; failed {
			return Update{}, nil
		}
		return Update{}, fmt.Errorf("%w: %s", ErrUnknownTransfer, msg.TransferID)
	}

	if r.chunks[msg.SequenceNo] {
		s.logger.WithField("sequence", msg.SequenceNo).Debug("Chunk already received, skipping")
		return Update{}, nil
	}
	if msg.Offset < 0 || msg.Offset > r.totalSize-int64(len(msg.Data)) {
		return s.fail(msg.TransferID, fmt.Errorf("chunk %d at offset %d exceeds declared size %d", msg.SequenceNo, msg.Offset, r.totalSize)), nil
	}

	if _, err := r.file.WriteAt(msg.Data, msg.Offset); err != nil {
		return s.fail(msg.TransferID, fmt.Errorf("failed to write chunk %d at offset %d: %w", msg.SequenceNo, msg.Offset, err)), nil
	}
	r.chunks[msg.SequenceNo] = true
	r.receivedSize += int64(len(msg.Data))
	return Update{}, nil
}

// settled reports whether id already failed and forgets it. The sender
// ends every transfer with file_complete or transfer_cancel, so nothing else
// arrives for id afterwards.
func (s *Stager) settled(id string) bool {
	if _, ok := s.failed[id]; !ok {
		return false
	}
	delete(s.failed, id)
	return true
}

func (s *Stager) complete(msg *ChunkMessage) Update {
	r := s.active[msg.TransferID]

	if r.receivedSize != r.totalSize {
		return s.fail(msg.TransferID, fmt.Errorf("%w: got %d of %d bytes", io.ErrUnexpectedEOF, r.receivedSize, r.totalSize))
	}
	if err := r.file.Close(); err != nil {
		return s.fail(msg.TransferID, fmt.Errorf("failed to close file: %w", err))
	}

	if r.expectedHash != "" {
		node := &fileInfo.FileNode{Path: r.path}
		valid, err := node.VerifySHA256(r.expectedHash)
		if err != nil {
			return s.fail(msg.TransferID, fmt.Errorf("failed to calculate file hash: %w", err))
		}
		if !valid {
			return s.fail(msg.TransferID, ErrChecksumMismatch)
		}
	}

	delete(s.active, msg.TransferID)
	s.logger.WithField("name", r.name).Info("Resource staged")
	return Update{Kind: UpdateFinished, TransferID: msg.TransferID, Name: r.name, Location: r.path}
}

// fail drops an active transfer, removes its partial file and remembers id
// so later frames of the same transfer are not reported again.
func (s *Stager) fail(id string, reason error) Update {
	r := s.active[id]
	delete(s.active, id)
	s.failed[id] = struct{}{}
	update := Update{Kind: UpdateFinished, TransferID: id, Name: r.name, Err: reason}

	// Close may already have happened; the error is irrelevant either way.
	_ = r.file.Close()
	if err := os.Remove(r.path); err != nil && !os.IsNotExist(err) {
		s.logger.WithError(err).WithField("path", r.path).Warn("Failed to remove partial file")
	}
	return update
}
