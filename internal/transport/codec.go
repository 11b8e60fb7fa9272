package transport

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/nats-io/nats.go"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const schemaBaseURL = "https://aegisflux.local/schemas/"

// Kind names a wire payload and the schema it is validated against
type Kind string

const (
	KindEvidence             Kind = "evidence.json"
	KindVerificationRequest  Kind = "verification_request.json"
	KindVerificationResponse Kind = "verification_response.json"
)

const (
	headerContentEncoding = "Content-Encoding"
	headerSender          = "Aegis-Sender"
	encodingZstd          = "zstd"
)

// Codec turns payloads into NATS messages and back. Outgoing payloads are optionally
// zstd compressed; incoming payloads are decompressed when marked and schema validated.
type Codec struct {
	compress bool
	encoder  *zstd.Encoder
	decoder  *zstd.Decoder
	schemas  map[Kind]*jsonschema.Schema
}

// NewCodec compiles the embedded schemas and prepares the zstd encoder and decoder
func NewCodec(compress bool) (*Codec, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020

	kinds := []Kind{KindEvidence, KindVerificationRequest, KindVerificationResponse}
	for _, kind := range kinds {
		data, err := schemaFS.ReadFile("schemas/" + string(kind))
		if err != nil {
			return nil, fmt.Errorf("failed to read schema %s: %w", kind, err)
		}
		if err := compiler.AddResource(schemaBaseURL+string(kind), bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("failed to add schema resource %s: %w", kind, err)
		}
	}

	schemas := make(map[Kind]*jsonschema.Schema, len(kinds))
	for _, kind := range kinds {
		schema, err := compiler.Compile(schemaBaseURL + string(kind))
		if err != nil {
			return nil, fmt.Errorf("failed to compile schema %s: %w", kind, err)
		}
		schemas[kind] = schema
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(16<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	return &Codec{
		compress: compress,
		encoder:  encoder,
		decoder:  decoder,
		schemas:  schemas,
	}, nil
}

// Close releases the decoder's background resources
func (c *Codec) Close() {
	c.decoder.Close()
}

// Encode builds a message for subject carrying v as JSON
func (c *Codec) Encode(subject, sender string, v any) (*nats.Msg, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", subject, err)
	}

	msg := nats.NewMsg(subject)
	msg.Header.Set(headerSender, sender)
	if c.compress {
		data = c.encoder.EncodeAll(data, make([]byte, 0, len(data)))
		msg.Header.Set(headerContentEncoding, encodingZstd)
	}
	msg.Data = data
	return msg, nil
}

// Decode validates msg against the schema for kind and unmarshals it into v
func (c *Codec) Decode(kind Kind, msg *nats.Msg, v any) error {
	data := msg.Data
	if msg.Header != nil && msg.Header.Get(headerContentEncoding) == encodingZstd {
		decoded, err := c.decoder.DecodeAll(data, nil)
		if err != nil {
			return &DecodeError{Reason: "decompress", Err: err}
		}
		data = decoded
	}

	if err := c.Validate(kind, data); err != nil {
		return err
	}

	if err := json.Unmarshal(data, v); err != nil {
		return &DecodeError{Reason: "unmarshal", Err: err}
	}
	return nil
}

// Validate checks raw JSON against the schema for kind
func (c *Codec) Validate(kind Kind, data []byte) error {
	schema, ok := c.schemas[kind]
	if !ok {
		return &DecodeError{Reason: "schema", Err: fmt.Errorf("no schema for %s", kind)}
	}

	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return &DecodeError{Reason: "json", Err: err}
	}
	if err := schema.Validate(doc); err != nil {
		return &DecodeError{Reason: "schema", Err: err}
	}
	return nil
}

// DecodeError is a rejected incoming message. Reason is a short metric label.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("invalid message (%s): %v", e.Reason, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Sender returns the agent id that published msg, if it said
func Sender(msg *nats.Msg) string {
	if msg.Header == nil {
		return ""
	}
	return msg.Header.Get(headerSender)
}
