package vectorstore

import (
	"fmt"
	"time"

	"github.com/qdrant/go-client/qdrant"
)

// toQdrantValue converts a metadata value to a payload value. Unsupported
// types are rendered with fmt.
func toQdrantValue(v any) *qdrant.Value {
	switch val := v.(type) {
	case nil:
		return &qdrant.Value{Kind: &qdrant.Value_NullValue{}}
	case string:
		return &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: val}}
	case bool:
		return &qdrant.Value{Kind: &qdrant.Value_BoolValue{BoolValue: val}}
	case int:
		return &qdrant.Value{Kind: &qdrant.Value_IntegerValue{IntegerValue: int64(val)}}
	case int32:
		return &qdrant.Value{Kind: &qdrant.Value_IntegerValue{IntegerValue: int64(val)}}
	case int64:
		return &qdrant.Value{Kind: &qdrant.Value_IntegerValue{IntegerValue: val}}
	case uint32:
		return &qdrant.Value{Kind: &qdrant.Value_IntegerValue{IntegerValue: int64(val)}}
	case float32:
		return &qdrant.Value{Kind: &qdrant.Value_DoubleValue{DoubleValue: float64(val)}}
	case float64:
		return &qdrant.Value{Kind: &qdrant.Value_DoubleValue{DoubleValue: val}}
	case time.Time:
		return &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: val.UTC().Format(time.RFC3339)}}
	case []string:
		list := make([]*qdrant.Value, len(val))
		for i, s := range val {
			list[i] = toQdrantValue(s)
		}
		return &qdrant.Value{Kind: &qdrant.Value_ListValue{ListValue: &qdrant.ListValue{Values: list}}}
	case []any:
		list := make([]*qdrant.Value, len(val))
		for i, item := range val {
			list[i] = toQdrantValue(item)
		}
		return &qdrant.Value{Kind: &qdrant.Value_ListValue{ListValue: &qdrant.ListValue{Values: list}}}
	case map[string]any:
		fields := make(map[string]*qdrant.Value, len(val))
		for k, item := range val {
			fields[k] = toQdrantValue(item)
		}
		return &qdrant.Value{Kind: &qdrant.Value_StructValue{StructValue: &qdrant.Struct{Fields: fields}}}
	default:
		return &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: fmt.Sprintf("%v", val)}}
	}
}

// fromQdrantValue converts a payload value back to a Go value.
func fromQdrantValue(v *qdrant.Value) any {
	if v == nil {
		return nil
	}
	switch val := v.Kind.(type) {
	case *qdrant.Value_StringValue:
		return val.StringValue
	case *qdrant.Value_IntegerValue:
		return val.IntegerValue
	case *qdrant.Value_DoubleValue:
		return val.DoubleValue
	case *qdrant.Value_BoolValue:
		return val.BoolValue
	case *qdrant.Value_ListValue:
		out := make([]any, len(val.ListValue.GetValues()))
		for i, item := range val.ListValue.GetValues() {
			out[i] = fromQdrantValue(item)
		}
		return out
	case *qdrant.Value_StructValue:
		out := make(map[string]any, len(val.StructValue.GetFields()))
		for k, item := range val.StructValue.GetFields() {
			out[k] = fromQdrantValue(item)
		}
		return out
	default:
		return nil
	}
}

// buildPayload merges record metadata with the store-owned keys.
func buildPayload(id string, r Record) map[string]*qdrant.Value {
	payload := make(map[string]*qdrant.Value, len(r.Metadata)+4)
	for k, v := range r.Metadata {
		if isReservedKey(k) {
			continue
		}
		payload[k] = toQdrantValue(v)
	}
	payload[keyChunkID] = toQdrantValue(id)
	payload[keyFileID] = toQdrantValue(r.FileID)
	payload[keyOrdinal] = toQdrantValue(r.Ordinal)
	payload[keyContent] = toQdrantValue(r.Content)
	return payload
}

// chunkFromPayload rebuilds a Chunk from a stored payload.
func chunkFromPayload(collectionID, pointID string, payload map[string]*qdrant.Value) Chunk {
	c := Chunk{
		ID:           pointID,
		CollectionID: collectionID,
		Metadata:     make(map[string]any, len(payload)),
	}
	for k, v := range payload {
		switch k {
		case keyChunkID:
			if id := v.GetStringValue(); id != "" {
				c.ID = id
			}
		case keyFileID:
			c.FileID = v.GetStringValue()
		case keyOrdinal:
			c.Ordinal = int(v.GetIntegerValue())
		case keyContent:
			c.Content = v.GetStringValue()
		default:
			c.Metadata[k] = fromQdrantValue(v)
		}
	}
	return c
}

// keywordFilter builds a Must filter of exact keyword matches.
func keywordFilter(match map[string]string) *qdrant.Filter {
	if len(match) == 0 {
		return nil
	}
	conditions := make([]*qdrant.Condition, 0, len(match))
	for key, value := range match {
		conditions = append(conditions, &qdrant.Condition{
			ConditionOneOf: &qdrant.Condition_Field{
				Field: &qdrant.FieldCondition{
					Key: key,
					Match: &qdrant.Match{
						MatchValue: &qdrant.Match_Keyword{Keyword: value},
					},
				},
			},
		})
	}
	return &qdrant.Filter{Must: conditions}
}
