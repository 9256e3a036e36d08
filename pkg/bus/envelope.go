package bus

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Envelope 跨节点传输的广播消息，Payload 为已编码好的WebSocket帧
type Envelope struct {
	ID      uuid.UUID `json:"id"`
	Node    string    `json:"node"`
	Payload []byte    `json:"payload"`
	SentAt  time.Time `json:"sent_at"`
}

func NewEnvelope(node string, payload []byte) *Envelope {
	return &Envelope{
		ID:      uuid.New(),
		Node:    node,
		Payload: payload,
		SentAt:  time.Now(),
	}
}

func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// Latency 从发送到现在经过的时间
func (e *Envelope) Latency() time.Duration {
	return time.Since(e.SentAt)
}
