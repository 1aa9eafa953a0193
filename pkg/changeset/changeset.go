// Package changeset defines the wire format for snapshot sync: a JSON array
// of 8-tuples describing row-level CRDT changes. The version and site-id
// positions are arbitrary-precision integers and survive JSON round-trips via
// a "BIGINT::<decimal>" string encoding.
package changeset

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// ErrInvalidChangeset is returned whenever a serialized changeset cannot be
// decoded into change tuples. The message text is part of the wire contract.
var ErrInvalidChangeset = errors.New("Invalid changeset format. Expected a JSON array of change tuples.")

// Change is one row-level change tuple. Positions on the wire, in order:
// table, pk, colVersion, dbVersion, siteId, cl, seq, value.
type Change struct {
	Table      string
	PK         any
	ColVersion *big.Int
	DBVersion  *big.Int
	SiteID     *big.Int
	CL         int64
	Seq        int64
	Value      any
}

const tupleLen = 8

const bigintPrefix = "BIGINT::"

// Marshal serializes changes to the JSON wire form. An empty set serializes
// to "[]".
func Marshal(changes []Change) (string, error) {
	tuples := make([][]any, 0, len(changes))
	for _, c := range changes {
		tuples = append(tuples, []any{
			c.Table,
			c.PK,
			encodeBig(c.ColVersion),
			encodeBig(c.DBVersion),
			encodeBig(c.SiteID),
			c.CL,
			c.Seq,
			c.Value,
		})
	}
	b, err := json.Marshal(tuples)
	if err != nil {
		return "", fmt.Errorf("changeset: marshal: %w", err)
	}
	return string(b), nil
}

// Unmarshal parses the JSON wire form back into change tuples. Any shape
// violation (not JSON, not an array, an element that is not an 8-tuple, a
// table that is not a string, or a version position that is neither null, a
// plain integer nor a valid BIGINT-encoded integer) reports
// ErrInvalidChangeset.
func Unmarshal(s string) ([]Change, error) {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()

	var raw []json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w (%v)", ErrInvalidChangeset, err)
	}

	changes := make([]Change, 0, len(raw))
	for _, msg := range raw {
		tdec := json.NewDecoder(bytes.NewReader(msg))
		tdec.UseNumber()
		var tuple []any
		if err := tdec.Decode(&tuple); err != nil || len(tuple) != tupleLen {
			return nil, ErrInvalidChangeset
		}

		table, ok := tuple[0].(string)
		if !ok {
			return nil, ErrInvalidChangeset
		}
		colVersion, err := decodeBig(tuple[2])
		if err != nil {
			return nil, ErrInvalidChangeset
		}
		dbVersion, err := decodeBig(tuple[3])
		if err != nil {
			return nil, ErrInvalidChangeset
		}
		siteID, err := decodeBig(tuple[4])
		if err != nil {
			return nil, ErrInvalidChangeset
		}
		cl, err := decodeInt64(tuple[5])
		if err != nil {
			return nil, ErrInvalidChangeset
		}
		seq, err := decodeInt64(tuple[6])
		if err != nil {
			return nil, ErrInvalidChangeset
		}

		changes = append(changes, Change{
			Table:      table,
			PK:         normalizeScalar(tuple[1]),
			ColVersion: colVersion,
			DBVersion:  dbVersion,
			SiteID:     siteID,
			CL:         cl,
			Seq:        seq,
			Value:      normalizeScalar(tuple[7]),
		})
	}
	return changes, nil
}

func encodeBig(v *big.Int) any {
	if v == nil {
		return nil
	}
	return bigintPrefix + v.String()
}

func decodeBig(v any) (*big.Int, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case string:
		dec, ok := strings.CutPrefix(t, bigintPrefix)
		if !ok {
			return nil, fmt.Errorf("missing %q prefix", bigintPrefix)
		}
		n, ok := new(big.Int).SetString(dec, 10)
		if !ok {
			return nil, fmt.Errorf("bad bigint %q", dec)
		}
		return n, nil
	case json.Number:
		n, ok := new(big.Int).SetString(t.String(), 10)
		if !ok {
			return nil, fmt.Errorf("non-integer %q", t.String())
		}
		return n, nil
	default:
		return nil, fmt.Errorf("unexpected bigint value %T", v)
	}
}

func decodeInt64(v any) (int64, error) {
	n, ok := v.(json.Number)
	if !ok {
		return 0, fmt.Errorf("expected number, got %T", v)
	}
	return n.Int64()
}

// normalizeScalar converts json.Number leaves back to ordinary Go numbers so
// decoded tuples compare cleanly against locally built ones.
func normalizeScalar(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, _ := t.Float64()
		return f
	case []any:
		for i := range t {
			t[i] = normalizeScalar(t[i])
		}
		return t
	case map[string]any:
		for k := range t {
			t[k] = normalizeScalar(t[k])
		}
		return t
	default:
		return v
	}
}
