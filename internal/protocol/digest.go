package protocol

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

const hashField = "hash"

// Canonical re-encodes a JSON object with its hash field removed, keys
// sorted and no insignificant whitespace. Numbers keep their original text.
func Canonical(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, fmt.Errorf("canonical: %w", err)
	}
	delete(obj, hashField)

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(obj); err != nil {
		return nil, fmt.Errorf("canonical: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Digest returns the hex SHA-256 of the canonical form of raw.
func Digest(raw []byte) (string, error) {
	c, err := Canonical(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(c)
	return hex.EncodeToString(sum[:]), nil
}

// SealCommand encodes cmd with its digest attached.
func SealCommand(cmd Command) ([]byte, error) {
	if cmd.Data == nil {
		cmd.Data = Params{}
	}
	cmd.Hash = ""
	raw, err := json.Marshal(cmd)
	if err != nil {
		return nil, err
	}
	if cmd.Hash, err = Digest(raw); err != nil {
		return nil, err
	}
	return json.Marshal(cmd)
}

// SealResponse encodes resp with its digest attached.
func SealResponse(resp Response) ([]byte, error) {
	resp.Hash = ""
	raw, err := json.Marshal(resp)
	if err != nil {
		return nil, err
	}
	if resp.Hash, err = Digest(raw); err != nil {
		return nil, err
	}
	return json.Marshal(resp)
}

// Verify checks the hash field of an encoded envelope against its
// content. present is false when the envelope carries no hash, which
// is not an error.
func Verify(raw []byte) (present bool, err error) {
	var probe struct {
		Hash string `json:"hash"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false, fmt.Errorf("verify: %w", err)
	}
	if probe.Hash == "" {
		return false, nil
	}
	want, err := Digest(raw)
	if err != nil {
		return true, err
	}
	if want != probe.Hash {
		return true, ErrDigestMismatch
	}
	return true, nil
}
