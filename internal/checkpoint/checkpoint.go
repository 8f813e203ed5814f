// Package checkpoint implements the self-describing binary container
// a shard's state is serialized into for export/import: magic bytes,
// format version, shard id, uncompressed size, a snappy-compressed
// payload, and a trailing CRC32 over the compressed bytes.
//
// The payload itself is a gob-encoded envelope holding the checkpoint's
// monotonic sequence number, a correlation uuid, the active policy
// version and checksum at capture time, and one (entity_hash, blob)
// record per profile — blob being that profile's own
// MarshalBinary output, tagged by entity hash rather than detector
// type+length since a Profile's gob snapshot already self-describes
// its field layout by name.
package checkpoint

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"hash/crc32"

	"github.com/golang/snappy"
	"github.com/google/uuid"
)

// magic identifies a Gatekeeper checkpoint container.
var magic = [4]byte{'G', 'K', 'C', 'P'}

// FormatVersion is the current container format version. Bumped on any
// incompatible change to the header or payload envelope.
const FormatVersion uint8 = 1

// headerSize is the fixed-width header preceding the compressed
// payload: magic(4) + format_version(1) + shard_id(2) + uncompressed_size(4).
const headerSize = 4 + 1 + 2 + 4

// ProfileRecord pairs one profile's entity hash with its own
// MarshalBinary blob, so a caller of Decode can reconstruct a profile.Profile
// without needing to partially parse the blob first.
type ProfileRecord struct {
	EntityHash uint64
	Blob       []byte
}

// payload is the gob-encoded envelope compressed inside the container.
type payload struct {
	Sequence        uint64
	CheckpointUUID  string
	PolicyVersion   string
	PolicyChecksum  string
	Profiles        []ProfileRecord
}

// Container is a decoded checkpoint blob, ready for the caller to
// rehydrate profiles from.
type Container struct {
	ShardID         uint16
	Sequence        uint64
	CheckpointUUID  string
	PolicyVersion   string
	PolicyChecksum  string
	Profiles        []ProfileRecord
}

// Encode builds a checkpoint container for one shard. sequence is the
// caller's monotonically increasing checkpoint counter.
func Encode(shardID uint16, sequence uint64, policyVersion, policyChecksum string, profiles []ProfileRecord) ([]byte, error) {
	p := payload{
		Sequence:       sequence,
		CheckpointUUID: uuid.NewString(),
		PolicyVersion:  policyVersion,
		PolicyChecksum: policyChecksum,
		Profiles:       profiles,
	}

	var uncompressed bytes.Buffer
	if err := gob.NewEncoder(&uncompressed).Encode(&p); err != nil {
		return nil, fmt.Errorf("checkpoint.Encode: gob encode: %w", err)
	}

	compressed := snappy.Encode(nil, uncompressed.Bytes())

	var out bytes.Buffer
	out.Grow(headerSize + len(compressed) + 4)
	out.Write(magic[:])
	out.WriteByte(FormatVersion)
	_ = binary.Write(&out, binary.LittleEndian, shardID)
	_ = binary.Write(&out, binary.LittleEndian, uint32(uncompressed.Len()))
	out.Write(compressed)

	sum := crc32.ChecksumIEEE(compressed)
	_ = binary.Write(&out, binary.LittleEndian, sum)

	return out.Bytes(), nil
}

// Decode parses and validates a checkpoint container, verifying the
// magic bytes, format version, CRC32 trailer, and decompressed size
// before gob-decoding the payload.
func Decode(blob []byte) (*Container, error) {
	if len(blob) < headerSize+4 {
		return nil, fmt.Errorf("checkpoint.Decode: blob too short (%d bytes)", len(blob))
	}

	var gotMagic [4]byte
	copy(gotMagic[:], blob[0:4])
	if gotMagic != magic {
		return nil, fmt.Errorf("checkpoint.Decode: bad magic bytes %v", gotMagic)
	}

	version := blob[4]
	if version != FormatVersion {
		return nil, fmt.Errorf("checkpoint.Decode: unsupported format version %d", version)
	}

	shardID := binary.LittleEndian.Uint16(blob[5:7])
	uncompressedSize := binary.LittleEndian.Uint32(blob[7:11])

	compressed := blob[headerSize : len(blob)-4]
	trailer := binary.LittleEndian.Uint32(blob[len(blob)-4:])

	if crc32.ChecksumIEEE(compressed) != trailer {
		return nil, fmt.Errorf("checkpoint.Decode: CRC32 mismatch, container is corrupt")
	}

	uncompressed, err := snappy.Decode(make([]byte, 0, uncompressedSize), compressed)
	if err != nil {
		return nil, fmt.Errorf("checkpoint.Decode: snappy decompress: %w", err)
	}
	if uint32(len(uncompressed)) != uncompressedSize {
		return nil, fmt.Errorf("checkpoint.Decode: decompressed size %d != header size %d", len(uncompressed), uncompressedSize)
	}

	var p payload
	if err := gob.NewDecoder(bytes.NewReader(uncompressed)).Decode(&p); err != nil {
		return nil, fmt.Errorf("checkpoint.Decode: gob decode: %w", err)
	}

	return &Container{
		ShardID:        shardID,
		Sequence:       p.Sequence,
		CheckpointUUID: p.CheckpointUUID,
		PolicyVersion:  p.PolicyVersion,
		PolicyChecksum: p.PolicyChecksum,
		Profiles:       p.Profiles,
	}, nil
}
