package checker

import (
	"github.com/advancedclimatesystems/gonnx/onnx"
)

// elemSizes holds the byte width of fixed-size element types, keyed by TensorProto_DataType.
var elemSizes = map[onnx.TensorProto_DataType]int64{
	onnx.TensorProto_FLOAT:      4,
	onnx.TensorProto_UINT8:      1,
	onnx.TensorProto_INT8:       1,
	onnx.TensorProto_UINT16:     2,
	onnx.TensorProto_INT16:      2,
	onnx.TensorProto_INT32:      4,
	onnx.TensorProto_INT64:      8,
	onnx.TensorProto_BOOL:       1,
	onnx.TensorProto_FLOAT16:    2,
	onnx.TensorProto_DOUBLE:     8,
	onnx.TensorProto_UINT32:     4,
	onnx.TensorProto_UINT64:     8,
	onnx.TensorProto_COMPLEX64:  8,
	onnx.TensorProto_COMPLEX128: 16,
	onnx.TensorProto_BFLOAT16:   2,
}

func checkTensor(r *report, path string, t *onnx.TensorProto) {
	dataType := t.GetDataType()
	if dataType <= 0 || dataType > maxElemType {
		r.add(path, "tensor %s has invalid data type %d", t.GetName(), dataType)
		return
	}
	elements := int64(1)
	for axis, d := range t.GetDims() {
		if d < 0 {
			r.add(path, "tensor %s has negative size %d on axis %d", t.GetName(), d, axis)
			return
		}
		elements *= d
	}

	if t.GetDataLocation() == onnx.TensorProto_EXTERNAL {
		hasLocation := false
		for _, entry := range t.GetExternalData() {
			if entry.GetKey() == "location" && entry.GetValue() != "" {
				hasLocation = true
			}
		}
		if !hasLocation {
			r.add(path, "tensor %s is stored externally without a location", t.GetName())
		}
		return
	}

	kind := onnx.TensorProto_DataType(dataType)
	if raw := t.GetRawData(); len(raw) > 0 {
		if kind == onnx.TensorProto_STRING {
			r.add(path, "string tensor %s cannot use raw_data", t.GetName())
			return
		}
		if size, ok := elemSizes[kind]; ok && int64(len(raw)) != elements*size {
			r.add(path, "tensor %s has %d bytes of raw_data, expected %d", t.GetName(), len(raw), elements*size)
		}
		return
	}

	count, ok := typedCount(t, kind)
	if ok && count > 0 && count != elements {
		r.add(path, "tensor %s holds %d values, expected %d", t.GetName(), count, elements)
	}
}

// typedCount returns how many elements the typed data field of t carries.
func typedCount(t *onnx.TensorProto, kind onnx.TensorProto_DataType) (int64, bool) {
	switch kind {
	case onnx.TensorProto_FLOAT:
		return int64(len(t.GetFloatData())), true
	case onnx.TensorProto_INT32, onnx.TensorProto_INT16, onnx.TensorProto_INT8,
		onnx.TensorProto_UINT16, onnx.TensorProto_UINT8, onnx.TensorProto_BOOL,
		onnx.TensorProto_FLOAT16, onnx.TensorProto_BFLOAT16:
		return int64(len(t.GetInt32Data())), true
	case onnx.TensorProto_INT64:
		return int64(len(t.GetInt64Data())), true
	case onnx.TensorProto_DOUBLE:
		return int64(len(t.GetDoubleData())), true
	case onnx.TensorProto_UINT32, onnx.TensorProto_UINT64:
		return int64(len(t.GetUint64Data())), true
	case onnx.TensorProto_STRING:
		return int64(len(t.GetStringData())), true
	default:
		return 0, false
	}
}
