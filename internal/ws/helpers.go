package ws

import (
	"encoding/json"

	"github.com/google/uuid"
)

func newConnID() string {
	return uuid.NewString()
}

func encodeFrame(event string, data any) ([]byte, error) {
	return json.Marshal(Frame{Event: event, Data: data})
}
