// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ledger

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"time"

	"github.com/gowebpki/jcs"
)

// GenesisHash is the prev_hash of the first entry.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Entry is one immutable ledger record.
//
// EntryHash = SHA-256(prev_hash ‖ payload_hash ‖ timestamp ‖ sequence), where
// the hashes contribute their raw 32 bytes and timestamp (Unix nanoseconds)
// and sequence are big-endian 8-byte integers.
type Entry struct {
	Sequence    uint64          `json:"sequence"`
	Timestamp   time.Time       `json:"timestamp"`
	Subsystem   string          `json:"subsystem"`
	PayloadHash string          `json:"payload_hash"`
	PrevHash    string          `json:"prev_hash"`
	EntryHash   string          `json:"entry_hash"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// Decode unmarshals the entry payload into v.
func (e Entry) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// CanonicalPayload returns the RFC 8785 canonical JSON of payload and its
// hex SHA-256 digest.
func CanonicalPayload(payload any) ([]byte, string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, "", fmt.Errorf("marshal payload: %w", err)
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return nil, "", fmt.Errorf("canonicalize payload: %w", err)
	}
	sum := sha256.Sum256(canon)
	return canon, hex.EncodeToString(sum[:]), nil
}

// ComputeEntryHash derives the chained hash for an entry.
func ComputeEntryHash(prevHash, payloadHash string, ts time.Time, seq uint64) (string, error) {
	prev, err := hex.DecodeString(prevHash)
	if err != nil || len(prev) != sha256.Size {
		return "", fmt.Errorf("invalid prev hash %q", prevHash)
	}
	payload, err := hex.DecodeString(payloadHash)
	if err != nil || len(payload) != sha256.Size {
		return "", fmt.Errorf("invalid payload hash %q", payloadHash)
	}

	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], uint64(ts.UnixNano()))
	binary.BigEndian.PutUint64(buf[8:], seq)

	h := sha256.New()
	h.Write(prev)
	h.Write(payload)
	h.Write(buf[:])
	return hex.EncodeToString(h.Sum(nil)), nil
}

// encodeRecord frames an entry as [4-byte CRC32][JSON].
func encodeRecord(e Entry) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	// Canonical payloads may contain <, > or &; escaping would change the
	// stored bytes and break the payload hash.
	enc.SetEscapeHTML(false)
	if err := enc.Encode(e); err != nil {
		return nil, fmt.Errorf("encode entry: %w", err)
	}
	body := bytes.TrimSuffix(buf.Bytes(), []byte("\n"))

	out := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(out[:4], crc32.ChecksumIEEE(body))
	copy(out[4:], body)
	return out, nil
}

// decodeRecord validates the CRC frame and decodes the entry.
func decodeRecord(data []byte) (Entry, error) {
	if len(data) < 5 {
		return Entry{}, fmt.Errorf("%w: record too short", ErrCorruptRecord)
	}
	stored := binary.BigEndian.Uint32(data[:4])
	body := data[4:]
	if computed := crc32.ChecksumIEEE(body); stored != computed {
		return Entry{}, fmt.Errorf("%w: crc stored=%08x computed=%08x", ErrCorruptRecord, stored, computed)
	}
	var e Entry
	if err := json.Unmarshal(body, &e); err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	return e, nil
}

// checkEntry verifies one decoded entry against its expected position.
// It returns a non-empty reason when the entry does not verify.
func checkEntry(e Entry, seq uint64, prevHash string) string {
	if e.Sequence != seq {
		return fmt.Sprintf("stored sequence %d at position %d", e.Sequence, seq)
	}
	sum := sha256.Sum256(e.Payload)
	if hex.EncodeToString(sum[:]) != e.PayloadHash {
		return "payload hash mismatch"
	}
	if e.PrevHash != prevHash {
		return "prev_hash does not link to previous entry"
	}
	want, err := ComputeEntryHash(e.PrevHash, e.PayloadHash, e.Timestamp, e.Sequence)
	if err != nil {
		return err.Error()
	}
	if want != e.EntryHash {
		return "entry hash mismatch"
	}
	return ""
}
