package realtime

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"chatpipe/internal/message"
)

//go:embed schema/frame.schema.json
var frameSchemaJSON []byte

const frameSchemaURL = "https://chatpipe.local/schema/frame.schema.json"

// Frame types.
const (
	FrameConnected = "connected"
	FrameJoin      = "join"
	FrameJoined    = "joined"
	FrameLeave     = "leave"
	FrameLeft      = "left"
	FrameMessage   = "message"
	FrameError     = "error"
)

// Frame is one websocket text message.
type Frame struct {
	Type           string           `json:"type"`
	ConversationID string           `json:"conversation_id,omitempty"`
	Code           string           `json:"code,omitempty"`
	Error          string           `json:"error,omitempty"`
	Message        *message.Message `json:"message,omitempty"`
}

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func frameSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.AssertFormat = true
		if err := compiler.AddResource(frameSchemaURL, bytes.NewReader(frameSchemaJSON)); err != nil {
			schemaErr = fmt.Errorf("add frame schema: %w", err)
			return
		}
		schema, schemaErr = compiler.Compile(frameSchemaURL)
	})
	return schema, schemaErr
}

// DecodeFrame validates data against the frame schema and decodes it.
func DecodeFrame(data []byte) (Frame, error) {
	s, err := frameSchema()
	if err != nil {
		return Frame{}, err
	}

	var instance any
	if err := json.Unmarshal(data, &instance); err != nil {
		return Frame{}, fmt.Errorf("realtime: invalid json: %w", err)
	}
	if err := s.Validate(instance); err != nil {
		return Frame{}, fmt.Errorf("realtime: invalid frame: %w", err)
	}

	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("realtime: decode frame: %w", err)
	}
	return f, nil
}
