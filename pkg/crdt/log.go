package crdt

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// blobMagic prefixes framed multi-update blobs produced by
// EncodeStateAsUpdate, so ApplyUpdate can tell them apart from raw
// single updates relayed between clients. The prefix is reserved:
// a raw update starting with it does not parse as a blob and is
// rejected instead of being merged as something it is not.
var blobMagic = []byte("clog1")

// digestSize is the length of one state-vector entry.
const digestSize = 8

// LogEngine is the default engine: a content-addressed update log.
//
// Every update is identified by its xxhash64 digest. Merging is set
// union over digests, which makes it idempotent and order-insensitive;
// the state vector is the sorted digest list. The update payloads are
// opaque, so the log works for any client-side document structure that
// ships self-contained updates.
type LogEngine struct{}

// NewLogEngine returns the default engine.
func NewLogEngine() *LogEngine {
	return &LogEngine{}
}

// NewDocument implements Engine.
func (e *LogEngine) NewDocument() Document {
	return &logDocument{seen: make(map[uint64]struct{})}
}

type logDocument struct {
	updates [][]byte
	seen    map[uint64]struct{}
}

// ApplyUpdate merges a raw update or a framed blob. The blob magic is
// a reserved prefix: raw updates must not start with it (see Document).
// A blob either applies in full or not at all; a parse error leaves
// the document untouched.
func (d *logDocument) ApplyUpdate(update []byte) error {
	if len(update) == 0 {
		return ErrEmptyUpdate
	}
	if len(update) >= len(blobMagic) && string(update[:len(blobMagic)]) == string(blobMagic) {
		records, err := parseBlob(update[len(blobMagic):])
		if err != nil {
			return err
		}
		for _, rec := range records {
			d.insert(rec)
		}
		return nil
	}
	d.insert(update)
	return nil
}

// parseBlob validates a framed record stream and returns its records.
func parseBlob(data []byte) ([][]byte, error) {
	var records [][]byte
	for len(data) > 0 {
		n, width := binary.Uvarint(data)
		if width <= 0 {
			return nil, fmt.Errorf("%w: bad record length", ErrInvalidUpdate)
		}
		data = data[width:]
		if uint64(len(data)) < n {
			return nil, fmt.Errorf("%w: truncated record", ErrInvalidUpdate)
		}
		if n == 0 {
			return nil, fmt.Errorf("%w: empty record", ErrInvalidUpdate)
		}
		records = append(records, data[:n])
		data = data[n:]
	}
	return records, nil
}

func (d *logDocument) insert(update []byte) {
	digest := xxhash.Sum64(update)
	if _, ok := d.seen[digest]; ok {
		return
	}
	cp := make([]byte, len(update))
	copy(cp, update)
	d.updates = append(d.updates, cp)
	d.seen[digest] = struct{}{}
}

func (d *logDocument) StateVector() []byte {
	digests := make([]uint64, 0, len(d.seen))
	for digest := range d.seen {
		digests = append(digests, digest)
	}
	sort.Slice(digests, func(i, j int) bool { return digests[i] < digests[j] })

	vector := make([]byte, 0, len(digests)*digestSize)
	for _, digest := range digests {
		vector = binary.BigEndian.AppendUint64(vector, digest)
	}
	return vector
}

func (d *logDocument) EncodeStateAsUpdate(stateVector []byte) []byte {
	peer := decodeStateVector(stateVector)

	blob := make([]byte, len(blobMagic))
	copy(blob, blobMagic)
	for _, update := range d.updates {
		if _, ok := peer[xxhash.Sum64(update)]; ok {
			continue
		}
		blob = binary.AppendUvarint(blob, uint64(len(update)))
		blob = append(blob, update...)
	}
	return blob
}

// decodeStateVector parses a peer vector into a digest set. A
// malformed vector is treated as empty, which degrades to sending the
// full state rather than failing the sync.
func decodeStateVector(vector []byte) map[uint64]struct{} {
	if len(vector)%digestSize != 0 {
		return nil
	}
	peer := make(map[uint64]struct{}, len(vector)/digestSize)
	for off := 0; off < len(vector); off += digestSize {
		peer[binary.BigEndian.Uint64(vector[off:off+digestSize])] = struct{}{}
	}
	return peer
}
