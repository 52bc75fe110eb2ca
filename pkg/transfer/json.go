package transfer

import (
	"encoding/json"
	"fmt"
)

type JSONSerializer struct{}

func NewJSONSerializer() *JSONSerializer {
	return &JSONSerializer{}
}

type jsonChunkMessage struct {
	Type         MessageType `json:"type"`
	TransferID   string      `json:"transfer_id"`
	FileName     string      `json:"file_name,omitempty"`
	MimeType     string      `json:"mime_type,omitempty"`
	SequenceNo   uint32      `json:"sequence_no,omitempty"`
	Offset       int64       `json:"offset,omitempty"`
	Data         []byte      `json:"data,omitempty"`
	TotalSize    int64       `json:"total_size,omitempty"`
	ExpectedHash string      `json:"expected_hash,omitempty"`
	ErrorMessage string      `json:"error_message,omitempty"`
}

func (j *JSONSerializer) Marshal(msg *ChunkMessage) ([]byte, error) {
	return json.Marshal(jsonChunkMessage(*msg))
}

func (j *JSONSerializer) Unmarshal(data []byte) (*ChunkMessage, error) {
	var jsonMsg jsonChunkMessage
	if err := json.Unmarshal(data, &jsonMsg); err != nil {
		return nil, err
	}
	if jsonMsg.TransferID == "" {
		return nil, fmt.Errorf("%s message without transfer id", jsonMsg.Type)
	}
	msg := ChunkMessage(jsonMsg)
	return &msg, nil
}

func (j *JSONSerializer) Name() string {
	return "json"
}
