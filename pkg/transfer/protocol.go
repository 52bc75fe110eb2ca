package transfer

// MessageType identifies a frame on the resource channel.
type MessageType string

const (
	FileBegin      MessageType = "file_begin"
	ChunkData      MessageType = "chunk_data"
	FileComplete   MessageType = "file_complete"
	TransferCancel MessageType = "transfer_cancel"
)

// ChunkMessage is one frame of a whole-file resource transfer. A transfer is
// a FileBegin, zero or more ChunkData, then FileComplete or TransferCancel,
// all carrying the same TransferID.
type ChunkMessage struct {
	Type         MessageType
	TransferID   string
	FileName     string
	MimeType     string
	SequenceNo   uint32
	Offset       int64
	Data         []byte
	TotalSize    int64
	ExpectedHash string
	ErrorMessage string
}

type MessageSerializer interface {
	Marshal(message *ChunkMessage) ([]byte, error)
	Unmarshal(data []byte) (*ChunkMessage, error)
	Name() string
}
