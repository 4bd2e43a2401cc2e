// Package protocol defines the anti-entropy wire messages and their codec.
package protocol

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"

	"github.com/DobryySoul/gossipstate/internal/envelope"
)

type Kind string

const (
	KindUpdate   Kind = "state-update"
	KindRequest  Kind = "state-request"
	KindOffering Kind = "state-offering"
)

var ErrMalformed = errors.New("protocol: malformed message")

// Message is one gossip frame. Namespace separates engines sharing a transport.
// An empty Destination means broadcast.
type Message struct {
	Namespace   string
	Kind        Kind
	Source      string
	Destination string

	Update   *envelope.Envelope
	Request  string
	Offering envelope.Offering
}

func NewUpdate(namespace string, env envelope.Envelope) Message {
	return Message{Namespace: namespace, Kind: KindUpdate, Update: &env}
}

func NewRequest(namespace, id, destination string) Message {
	return Message{Namespace: namespace, Kind: KindRequest, Request: id, Destination: destination}
}

func NewOffering(namespace string, offering envelope.Offering) Message {
	return Message{Namespace: namespace, Kind: KindOffering, Offering: offering}
}

// Validate checks that the kind is known and its payload is present.
func (m Message) Validate() error {
	switch m.Kind {
	case KindUpdate:
		if m.Update == nil || m.Update.ID == "" {
			return fmt.Errorf("%w: update without envelope", ErrMalformed)
		}
	case KindRequest:
		if m.Request == "" {
			return fmt.Errorf("%w: request without id", ErrMalformed)
		}
	case KindOffering:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrMalformed, m.Kind)
	}
	return nil
}

func Encode(msg Message) ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(msg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode parses a frame and rejects messages that fail Validate.
func Decode(data []byte) (Message, error) {
	dec := gob.NewDecoder(bytes.NewReader(data))
	var msg Message
	if err := dec.Decode(&msg); err != nil {
		return Message{}, err
	}
	if err := msg.Validate(); err != nil {
		return Message{}, err
	}
	return msg, nil
}
