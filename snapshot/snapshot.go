// Package snapshot implements the pipeline's state persistence engine
// (spec §4.3): a version-tagged tree of per-stage parameters and state,
// serialized either as human-readable structured text (gopkg.in/yaml.v3,
// following the teacher's config-file convention) or as a compact binary
// form with raw little-endian 32-bit floats. The structured form keeps the
// whole tree; the compact form keeps the versions, stage types, parameters
// and state, but not the timestamp or stage names, and stores every float
// at 32-bit precision.
package snapshot

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/A-KGeorge/dspx-sub002/pipeline/stage"
)

// CurrentMajorVersion is bumped whenever the tree shape changes
// incompatibly; loadState rejects snapshots from an older major version
// (spec §4.3 "load rejects older major versions").
const CurrentMajorVersion = 1

// CurrentMinorVersion is bumped for additive, backward-compatible changes.
const CurrentMinorVersion = 0

// Format selects the wire representation (spec §6 saveState({format})).
type Format string

const (
	FormatStructured Format = "structured"
	FormatCompact    Format = "compact"
)

// StageSnapshot is one stage's entry in the tree (spec §4.3).
type StageSnapshot struct {
	Type       string       `yaml:"type"`
	Name       string       `yaml:"name"`
	Parameters stage.Fields `yaml:"parameters"`
	State      stage.Fields `yaml:"state"`
}

// Tree is the full pipeline snapshot (spec §4.3 "{ version, timestamp,
// stages: [...] }").
type Tree struct {
	MajorVersion int             `yaml:"majorVersion"`
	MinorVersion int             `yaml:"minorVersion"`
	Timestamp    int64           `yaml:"timestamp"`
	Stages       []StageSnapshot `yaml:"stages"`
}

// Build captures the current state of every stage into a Tree.
// timestamp is supplied by the caller (this package never calls
// time.Now() internally, keeping Build pure and replayable).
func Build(stages []stage.Stage, timestamp int64) Tree {
	out := Tree{
		MajorVersion: CurrentMajorVersion,
		MinorVersion: CurrentMinorVersion,
		Timestamp:    timestamp,
		Stages:       make([]StageSnapshot, len(stages)),
	}
	for i, s := range stages {
		out.Stages[i] = StageSnapshot{
			Type:       string(s.Kind()),
			Name:       s.Name(),
			Parameters: s.Params(),
			State:      s.EncodeState(),
		}
	}
	return out
}

// Encode serializes the tree in the requested format.
func Encode(tree Tree, format Format) ([]byte, error) {
	switch format {
	case FormatCompact, "":
		return encodeCompact(tree)
	case FormatStructured:
		return yaml.Marshal(tree)
	default:
		return nil, fmt.Errorf("snapshot: unknown format %q", format)
	}
}

// Decode parses a blob previously produced by Encode, detecting compact
// binary vs. structured text by the fixed compact magic prefix. A
// structured blob is validated against the snapshot tree's JSON schema
// before being unmarshaled.
func Decode(blob []byte) (Tree, error) {
	if bytes.HasPrefix(blob, compactMagic) {
		return decodeCompact(blob)
	}
	if err := ValidateStructured(blob); err != nil {
		return Tree{}, err
	}
	var tree Tree
	if err := yaml.Unmarshal(blob, &tree); err != nil {
		return Tree{}, fmt.Errorf("snapshot: structured decode failed: %w", err)
	}
	for i := range tree.Stages {
		tree.Stages[i].Parameters = normalizeFields(tree.Stages[i].Parameters)
		tree.Stages[i].State = normalizeFields(tree.Stages[i].State)
	}
	return tree, nil
}

// normalizeFields repairs the type erasure that yaml.v3 applies below the
// top level: a nested stage.Fields decodes as a plain map[string]any, and a
// numeric sequence decodes as []any of int/float64 rather than the
// []float64 every stage's DecodeState expects. It walks the tree and
// restores both shapes so a stage's DecodeState sees the same types
// whether the snapshot came from the compact or the structured format.
func normalizeFields(f stage.Fields) stage.Fields {
	if f == nil {
		return f
	}
	out := make(stage.Fields, len(f))
	for k, v := range f {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch val := v.(type) {
	case stage.Fields:
		return normalizeFields(val)
	case map[string]any:
		return normalizeFields(stage.Fields(val))
	case []float64:
		return val
	case []any:
		if allNumeric(val) {
			out := make([]float64, len(val))
			for i, item := range val {
				out[i], _ = toFloat64(item)
			}
			return out
		}
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeValue(item)
		}
		return out
	case int:
		return float64(val)
	case uint64:
		return float64(val)
	default:
		return v
	}
}

func allNumeric(vals []any) bool {
	if len(vals) == 0 {
		return false
	}
	for _, v := range vals {
		switch v.(type) {
		case int, uint64, float32, float64:
		default:
			return false
		}
	}
	return true
}

// LoadResult reports whether a load fell back to a fresh reset (spec §4.3
// step 6).
type LoadResult struct {
	FellBackToFreshState bool
	Warning              string
}

// Load installs a decoded Tree into pipeline, following spec §4.3's load
// protocol: version check, structural stage-list match, per-stage
// parameter match, derived-invariant recomputation (delegated to each
// stage's DecodeState), then install. fallbackOnLoadFailure converts any
// of the above into a soft reset instead of a fatal error.
func Load(stages []stage.Stage, tree Tree, fallbackOnLoadFailure bool) (LoadResult, error) {
	if err := validate(stages, tree); err != nil {
		if fallbackOnLoadFailure {
			for _, s := range stages {
				s.Reset()
			}
			return LoadResult{FellBackToFreshState: true, Warning: err.Error()}, nil
		}
		return LoadResult{}, err
	}

	// Install into per-stage clones first so a mid-list DecodeState failure
	// never leaves some stages updated and others not (spec §7
	// "Propagation... state is not partially updated").
	snapshots := make([]any, len(stages))
	for i, s := range stages {
		snapshots[i] = s.CloneState()
	}
	for i, s := range stages {
		if err := s.DecodeState(tree.Stages[i].State); err != nil {
			for j := 0; j <= i; j++ {
				stages[j].RestoreState(snapshots[j])
			}
			if fallbackOnLoadFailure {
				for _, st := range stages {
					st.Reset()
				}
				return LoadResult{FellBackToFreshState: true, Warning: err.Error()}, nil
			}
			return LoadResult{}, err
		}
	}
	return LoadResult{}, nil
}

func validate(stages []stage.Stage, tree Tree) error {
	if tree.MajorVersion < CurrentMajorVersion {
		return fmt.Errorf("snapshot: major version %d is older than the accepted version %d", tree.MajorVersion, CurrentMajorVersion)
	}
	if tree.MajorVersion > CurrentMajorVersion {
		return fmt.Errorf("snapshot: major version %d is newer than supported version %d", tree.MajorVersion, CurrentMajorVersion)
	}
	if len(tree.Stages) != len(stages) {
		return fmt.Errorf("Pipeline structure mismatch: expected %d stages, snapshot has %d", len(stages), len(tree.Stages))
	}
	for i, s := range stages {
		snap := tree.Stages[i]
		if snap.Type != string(s.Kind()) {
			return fmt.Errorf("Pipeline structure mismatch: stage %d expected type %q, got %q", i, s.Kind(), snap.Type)
		}
		if err := compareParams(s.Params(), snap.Parameters); err != nil {
			return err
		}
	}
	return nil
}

// compareParams checks that every structural parameter (spec §4.3 step 3:
// "windowSize, mode, numTaps, alpha, numChannels, numComponents") recorded
// in live matches the stored snapshot exactly.
func compareParams(live, stored stage.Fields) error {
	for key, liveVal := range live {
		storedVal, ok := stored[key]
		if !ok {
			continue
		}
		if !fieldsEqual(liveVal, storedVal) {
			return fmt.Errorf("%s mismatch: expected %v, got %v", humanizeFieldName(key), liveVal, storedVal)
		}
	}
	return nil
}

func humanizeFieldName(key string) string {
	switch key {
	case "windowSize":
		return "Window size"
	case "numTaps":
		return "Tap count"
	case "alpha":
		return "Alpha"
	case "numChannels":
		return "Channel count"
	case "numComponents":
		return "Component count"
	default:
		return key
	}
}

func fieldsEqual(a, b any) bool {
	af, aok := toFloat64(a)
	bf, bok := toFloat64(b)
	if aok && bok {
		return af == bf
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	}
	return 0, false
}

var compactMagic = []byte("DSPX")

func encodeCompact(tree Tree) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(compactMagic)
	writeU16(&buf, uint16(tree.MajorVersion))
	writeU16(&buf, uint16(tree.MinorVersion))
	writeU32(&buf, 0) // flags, reserved

	writeU32(&buf, uint32(len(tree.Stages)))
	for _, st := range tree.Stages {
		typeBytes := []byte(st.Type)
		writeU16(&buf, uint16(len(typeBytes)))
		buf.Write(typeBytes)

		paramBytes, err := encodeFields(st.Parameters)
		if err != nil {
			return nil, err
		}
		writeU32(&buf, uint32(len(paramBytes)))
		buf.Write(paramBytes)

		stateBytes, err := encodeFields(st.State)
		if err != nil {
			return nil, err
		}
		writeU32(&buf, uint32(len(stateBytes)))
		buf.Write(stateBytes)
	}
	return buf.Bytes(), nil
}

func decodeCompact(blob []byte) (Tree, error) {
	r := bytes.NewReader(blob)
	magic := make([]byte, 4)
	if _, err := r.Read(magic); err != nil || !bytes.Equal(magic, compactMagic) {
		return Tree{}, fmt.Errorf("snapshot: bad magic")
	}
	major, err := readU16(r)
	if err != nil {
		return Tree{}, err
	}
	minor, err := readU16(r)
	if err != nil {
		return Tree{}, err
	}
	if _, err := readU32(r); err != nil { // flags, unused
		return Tree{}, err
	}
	count, err := readU32(r)
	if err != nil {
		return Tree{}, err
	}
	tree := Tree{MajorVersion: int(major), MinorVersion: int(minor), Stages: make([]StageSnapshot, count)}
	for i := uint32(0); i < count; i++ {
		typeLen, err := readU16(r)
		if err != nil {
			return Tree{}, err
		}
		typeBytes := make([]byte, typeLen)
		if _, err := r.Read(typeBytes); err != nil {
			return Tree{}, err
		}
		paramLen, err := readU32(r)
		if err != nil {
			return Tree{}, err
		}
		paramBytes := make([]byte, paramLen)
		if _, err := r.Read(paramBytes); err != nil {
			return Tree{}, err
		}
		params, err := decodeFields(paramBytes)
		if err != nil {
			return Tree{}, err
		}
		stateLen, err := readU32(r)
		if err != nil {
			return Tree{}, err
		}
		stateBytes := make([]byte, stateLen)
		if _, err := r.Read(stateBytes); err != nil {
			return Tree{}, err
		}
		state, err := decodeFields(stateBytes)
		if err != nil {
			return Tree{}, err
		}
		tree.Stages[i] = StageSnapshot{Type: string(typeBytes), Parameters: params, State: state}
	}
	return tree, nil
}

// Field value tags for the compact binary encoding. Nested values
// (per-channel/per-group sub-trees, as used by stages like Convolution,
// FilterBank, or the adaptive filters) are self-delimiting, so they
// nest directly without a wrapping length prefix.
const (
	tagFloat    = 0
	tagFloatArr = 1
	tagBool     = 2
	tagString   = 3
	tagFields   = 4
	tagArray    = 5
)

func encodeFields(f stage.Fields) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeFieldsInto(&buf, f); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeFieldsInto(buf *bytes.Buffer, f stage.Fields) error {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	writeU16(buf, uint16(len(keys)))
	for _, k := range keys {
		kb := []byte(k)
		writeU16(buf, uint16(len(kb)))
		buf.Write(kb)
		if err := encodeValue(buf, f[k]); err != nil {
			return err
		}
	}
	return nil
}

func encodeValue(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case float64:
		buf.WriteByte(tagFloat)
		writeF32(buf, float32(val))
	case float32:
		buf.WriteByte(tagFloat)
		writeF32(buf, val)
	case int:
		buf.WriteByte(tagFloat)
		writeF32(buf, float32(val))
	case []float64:
		buf.WriteByte(tagFloatArr)
		writeU32(buf, uint32(len(val)))
		for _, x := range val {
			writeF32(buf, float32(x))
		}
	case bool:
		buf.WriteByte(tagBool)
		if val {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	case string:
		buf.WriteByte(tagString)
		sb := []byte(val)
		writeU16(buf, uint16(len(sb)))
		buf.Write(sb)
	case []any:
		buf.WriteByte(tagArray)
		writeU32(buf, uint32(len(val)))
		for _, item := range val {
			if err := encodeValue(buf, item); err != nil {
				return err
			}
		}
	case stage.Fields:
		buf.WriteByte(tagFields)
		if err := writeFieldsInto(buf, val); err != nil {
			return err
		}
	default:
		return fmt.Errorf("snapshot: unsupported field value type %T", v)
	}
	return nil
}

func decodeFields(b []byte) (stage.Fields, error) {
	r := bytes.NewReader(b)
	return readFieldsFrom(r)
}

func readFieldsFrom(r *bytes.Reader) (stage.Fields, error) {
	count, err := readU16(r)
	if err != nil {
		return nil, err
	}
	out := stage.Fields{}
	for i := uint16(0); i < count; i++ {
		keyLen, err := readU16(r)
		if err != nil {
			return nil, err
		}
		keyBytes := make([]byte, keyLen)
		if _, err := r.Read(keyBytes); err != nil {
			return nil, err
		}
		v, err := decodeValue(r)
		if err != nil {
			return nil, err
		}
		out[string(keyBytes)] = v
	}
	return out, nil
}

func decodeValue(r *bytes.Reader) (any, error) {
	tagByte, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	switch tagByte {
	case tagFloat:
		f, err := readF32(r)
		return float64(f), err
	case tagFloatArr:
		n, err := readU32(r)
		if err != nil {
			return nil, err
		}
		out := make([]float64, n)
		for i := range out {
			f, err := readF32(r)
			if err != nil {
				return nil, err
			}
			out[i] = float64(f)
		}
		return out, nil
	case tagBool:
		b, err := r.ReadByte()
		return b != 0, err
	case tagString:
		n, err := readU16(r)
		if err != nil {
			return nil, err
		}
		sb := make([]byte, n)
		if _, err := r.Read(sb); err != nil {
			return nil, err
		}
		return string(sb), nil
	case tagFields:
		return readFieldsFrom(r)
	case tagArray:
		n, err := readU32(r)
		if err != nil {
			return nil, err
		}
		out := make([]any, n)
		for i := range out {
			v, err := decodeValue(r)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	default:
		return nil, fmt.Errorf("snapshot: unknown field tag %d", tagByte)
	}
}

func writeU16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeF32(buf *bytes.Buffer, v float32) {
	writeU32(buf, math.Float32bits(v))
}

func readU16(r *bytes.Reader) (uint16, error) {
	var b [2]byte
	if _, err := r.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b[:]), nil
}

func readU32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := r.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func readF32(r *bytes.Reader) (float32, error) {
	u, err := readU32(r)
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(u), nil
}
