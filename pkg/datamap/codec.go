package datamap

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"

	"github.com/fxamacker/cbor/v2"

	"github.com/jacktea/selfenc/pkg/xerrors"
)

// encMode uses Core Deterministic Encoding (RFC 8949 §4.2) so that the same
// map always encodes to the same bytes. Shrinking encrypts these bytes, and
// convergence depends on them being stable.
var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("datamap: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		MaxArrayElements: math.MaxInt32,
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
	}.DecMode()
	if err != nil {
		panic("datamap: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal returns the canonical binary encoding of m.
func (m DataMap) Marshal() ([]byte, error) {
	data, err := encMode.Marshal(m)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindInternal, "datamap.Marshal", "", err)
	}
	return data, nil
}

// EncodedSize returns the length of Marshal's output.
func (m DataMap) EncodedSize() (int, error) {
	data, err := m.Marshal()
	if err != nil {
		return 0, err
	}
	return len(data), nil
}

// Unmarshal decodes and validates a map produced by Marshal.
func Unmarshal(data []byte) (DataMap, error) {
	var m DataMap
	if err := decMode.Unmarshal(data, &m); err != nil {
		return DataMap{}, xerrors.Wrap(xerrors.KindMalformed, "datamap.Unmarshal", "", err)
	}
	if err := m.Validate(); err != nil {
		return DataMap{}, err
	}
	return m, nil
}

// ParseJSON decodes and validates the JSON form of a map.
func ParseJSON(data []byte) (DataMap, error) {
	var m DataMap
	if err := json.Unmarshal(data, &m); err != nil {
		return DataMap{}, xerrors.Wrap(xerrors.KindMalformed, "datamap.ParseJSON", "", err)
	}
	if err := m.Validate(); err != nil {
		return DataMap{}, err
	}
	return m, nil
}

// ReadFile loads a JSON data map from path.
func ReadFile(path string) (DataMap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return DataMap{}, xerrors.Wrap(xerrors.KindInvalid, "datamap.ReadFile", path, err)
	}
	m, err := ParseJSON(data)
	if err != nil {
		return DataMap{}, xerrors.Wrap(xerrors.KindMalformed, "datamap.ReadFile", path, err)
	}
	return m, nil
}

// WriteFile stores m as indented JSON, replacing path atomically.
func WriteFile(path string, m DataMap) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return xerrors.Wrap(xerrors.KindInternal, "datamap.WriteFile", path, err)
	}
	data = append(data, '\n')
	tmp, err := os.CreateTemp(filepath.Dir(path), ".datamap-*")
	if err != nil {
		return xerrors.Wrap(xerrors.KindWrite, "datamap.WriteFile", path, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return xerrors.Wrap(xerrors.KindWrite, "datamap.WriteFile", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return xerrors.Wrap(xerrors.KindWrite, "datamap.WriteFile", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return xerrors.Wrap(xerrors.KindWrite, "datamap.WriteFile", path, err)
	}
	return nil
}
