package snapshot

import (
	"bufio"
	"bytes"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

const Version = 1

var ErrVersion = errors.New("unsupported snapshot version")

// OverrideDoc is a developer catalog definition kept exactly as submitted.
// Its JSON form is a string so document stores cannot reformat it.
type OverrideDoc []byte

func (d OverrideDoc) MarshalJSON() ([]byte, error) { return json.Marshal(string(d)) }

func (d *OverrideDoc) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*d = OverrideDoc(s)
		return nil
	}
	// Older saves embedded the document as an object.
	*d = append(OverrideDoc(nil), b...)
	return nil
}

type Header struct {
	Version  int    `json:"version"`
	EstateID string `json:"estate_id"`
	Tick     uint64 `json:"tick"`
}

type SnapshotV1 struct {
	Header Header `json:"header"`

	Currency   int64 `json:"currency"`
	Population int   `json:"population"`

	Grid  GridV1             `json:"grid"`
	Stock map[string]float64 `json:"stock,omitempty"`

	// Raw developer definitions, kept byte-for-byte.
	CatalogOverrides []OverrideDoc    `json:"catalog_overrides,omitempty"`
	CatalogDigest    string            `json:"catalog_digest,omitempty"`

	Counters CountersV1        `json:"counters"`
	Pending  []PendingActionV1 `json:"pending,omitempty"`
}

type CountersV1 struct {
	NextRuntime uint64 `json:"next_runtime"`
}

// PendingActionV1 is an action applied after Header.Tick whose tick has not
// been logged yet. Replay skips these at the start of tick Header.Tick+1.
type PendingActionV1 struct {
	Actor string          `json:"actor"`
	Act   json.RawMessage `json:"act"`
}

type GridV1 struct {
	Dimension     int      `json:"dimension"`
	ExpansionTier int      `json:"expansion_tier"`
	Plots         []PlotV1 `json:"plots"`
}

type PlotV1 struct {
	State         string        `json:"state"`
	Name          string        `json:"name,omitempty"`
	FootprintUsed int           `json:"footprint_used"`
	Structures    []StructureV1 `json:"structures,omitempty"`
}

type StructureV1 struct {
	RuntimeID    string             `json:"runtime_id"`
	DefinitionID string             `json:"definition_id"`
	Name         string             `json:"name,omitempty"`
	Category     string             `json:"category,omitempty"`
	Footprint    int                `json:"footprint"`
	Cost         int64              `json:"cost"`
	Production   map[string]float64 `json:"production,omitempty"`
	Consumption  map[string]float64 `json:"consumption,omitempty"`
	Storage      map[string]float64 `json:"storage,omitempty"`
}

// WriteSnapshot writes zstd(JSON header line + gob body) to path. The file is
// written next to path and renamed into place.
func WriteSnapshot(path string, snap SnapshotV1) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if err := Encode(f, snap); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func ReadSnapshot(path string) (SnapshotV1, error) {
	f, err := os.Open(path)
	if err != nil {
		return SnapshotV1{}, err
	}
	defer f.Close()
	return Decode(f)
}

func Encode(w io.Writer, snap SnapshotV1) error {
	if snap.Header.Version == 0 {
		snap.Header.Version = Version
	}
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 256*1024)

	hb, _ := json.Marshal(snap.Header)
	if _, err := bw.Write(hb); err != nil {
		_ = enc.Close()
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		_ = enc.Close()
		return err
	}
	if err := gob.NewEncoder(bw).Encode(&snap); err != nil {
		_ = enc.Close()
		return fmt.Errorf("gob encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		_ = enc.Close()
		return err
	}
	return enc.Close()
}

func Decode(r io.Reader) (SnapshotV1, error) {
	var snap SnapshotV1
	dec, err := zstd.NewReader(r)
	if err != nil {
		return snap, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)
	line, err := br.ReadBytes('\n')
	if err != nil {
		return snap, fmt.Errorf("header: %w", err)
	}
	var h Header
	if err := json.Unmarshal(bytes.TrimSpace(line), &h); err != nil {
		return snap, fmt.Errorf("header: %w", err)
	}
	if h.Version != Version {
		return snap, fmt.Errorf("%w: %d", ErrVersion, h.Version)
	}
	if err := gob.NewDecoder(br).Decode(&snap); err != nil {
		return snap, fmt.Errorf("gob decode: %w", err)
	}
	return snap, nil
}

// ReadHeader reads only the JSON header line.
func ReadHeader(path string) (Header, error) {
	var h Header
	f, err := os.Open(path)
	if err != nil {
		return h, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return h, err
	}
	defer dec.Close()
	line, err := bufio.NewReader(dec).ReadBytes('\n')
	if err != nil {
		return h, err
	}
	err = json.Unmarshal(bytes.TrimSpace(line), &h)
	return h, err
}

// EncodeJSON is the document form used by the database save stores.
func EncodeJSON(snap SnapshotV1) ([]byte, error) {
	if snap.Header.Version == 0 {
		snap.Header.Version = Version
	}
	return json.Marshal(snap)
}

func DecodeJSON(b []byte) (SnapshotV1, error) {
	var snap SnapshotV1
	if err := json.Unmarshal(b, &snap); err != nil {
		return snap, err
	}
	if snap.Header.Version != Version {
		return snap, fmt.Errorf("%w: %d", ErrVersion, snap.Header.Version)
	}
	return snap, nil
}
