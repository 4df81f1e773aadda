package comet

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Tx is a decoded cosmos transaction envelope: the identifying hash, the body
// memo and the messages carried in the body.
type Tx struct {
	// Hash is the uppercase hex SHA-256 of the raw transaction bytes, the
	// same value CometBFT reports for the transaction.
	Hash string

	Memo string
	Msgs []Msg
}

// HashTx computes the CometBFT transaction hash for raw tx bytes.
func HashTx(raw []byte) string {
	sum := sha256.Sum256(raw)
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// ParseTx decodes a raw cosmos transaction. The outer Tx holds the body at
// field 1; the body holds repeated Any messages at field 1 and the memo at
// field 2. Individual message payloads are kept raw for lazy decoding.
func ParseTx(raw []byte) (Tx, error) {
	tx := Tx{Hash: HashTx(raw)}

	body, ok, err := bytesField(raw, 1)
	if err != nil {
		return Tx{}, fmt.Errorf("%w: tx envelope: %v", ErrMalformedMessage, err)
	}
	if !ok {
		return Tx{}, fmt.Errorf("%w: tx has no body", ErrMalformedMessage)
	}

	err = walkFields(body, func(f field) error {
		switch f.num {
		case 1:
			msg, err := parseAny(f.bytes)
			if err != nil {
				return err
			}
			tx.Msgs = append(tx.Msgs, msg)
		case 2:
			tx.Memo = string(f.bytes)
		}

		return nil
	})
	if err != nil {
		return Tx{}, fmt.Errorf("%w: tx body: %v", ErrMalformedMessage, err)
	}

	return tx, nil
}

// parseAny decodes a google.protobuf.Any into a Msg: type_url at field 1,
// value at field 2.
func parseAny(raw []byte) (Msg, error) {
	var msg Msg

	err := walkFields(raw, func(f field) error {
		switch f.num {
		case 1:
			msg.TypeURL = string(f.bytes)
		case 2:
			msg.value = f.bytes
		}

		return nil
	})
	if err != nil {
		return Msg{}, err
	}

	if msg.TypeURL == "" {
		return Msg{}, fmt.Errorf("message with empty type url")
	}

	return msg, nil
}
