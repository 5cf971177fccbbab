package extract

import (
	"bytes"
	"encoding/csv"
	"errors"
	"io"
	"strings"
)

// CSV renders each record as "header: value" pairs, one record per line.
// The first row is treated as the header.
func CSV(data []byte) ([]Section, error) {
	r := csv.NewReader(bytes.NewReader(bytes.TrimPrefix(data, utf8BOM)))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return []Section{{Text: ""}}, nil
	}
	if err != nil {
		return nil, err
	}

	var (
		b    strings.Builder
		rows int
	)
	for {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		pairs := make([]string, 0, len(record))
		for i, v := range record {
			v = strings.TrimSpace(v)
			if v == "" {
				continue
			}
			key := ""
			if i < len(header) {
				key = strings.TrimSpace(header[i])
			}
			if key == "" {
				pairs = append(pairs, v)
			} else {
				pairs = append(pairs, key+": "+v)
			}
		}
		if len(pairs) == 0 {
			continue
		}
		b.WriteString(strings.Join(pairs, "; "))
		b.WriteByte('\n')
		rows++
	}

	return []Section{{
		Text:     b.String(),
		Metadata: map[string]any{"rows": rows, "columns": strings.Join(header, ",")},
	}}, nil
}
