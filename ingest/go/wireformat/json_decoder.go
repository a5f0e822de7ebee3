// Package wireformat provides the default Decoder implementation wired
// into the alertingest CLI. The survey broker's real wire format is
// self-describing (embedded Avro schema) and its decoding library is an
// external collaborator; this JSON decoder is the stand-in deployments
// without that library can run against, and what this repo's own tests
// and fixtures use.
package wireformat

import (
	"encoding/json"
	"fmt"

	"go.alertstream.build/ingest/go/alertschema"
)

type JSONDecoder struct{}

// Decode parses raw as either a single alert record or a JSON array of
// them: a message may contain one or more records under a shared schema.
func (JSONDecoder) Decode(raw []byte) ([]*alertschema.RawAlert, error) {
	trimmed := firstNonSpace(raw)
	if trimmed == '[' {
		var batch []*alertschema.RawAlert
		if err := json.Unmarshal(raw, &batch); err != nil {
			return nil, fmt.Errorf("decoding alert batch: %w", err)
		}
		return batch, nil
	}
	var single alertschema.RawAlert
	if err := json.Unmarshal(raw, &single); err != nil {
		return nil, fmt.Errorf("decoding alert: %w", err)
	}
	return []*alertschema.RawAlert{&single}, nil
}

func firstNonSpace(b []byte) byte {
	for _, c := range b {
		switch c {
		case ' ', '\t', '\n', '\r':
			continue
		default:
			return c
		}
	}
	return 0
}
