package logging

// Extra keys are typed at the call site and flattened here into whatever
// shape the active backend wants.

// zapFields turns an extra-key map into zap's alternating key/value slice.
func zapFields(keys map[ExtraKey]any) []any {
	fields := make([]any, 0, len(keys)*2)
	for k, v := range keys {
		fields = append(fields, string(k), v)
	}
	return fields
}

// zeroFields turns an extra-key map into the flat map zerolog's Fields
// accepts.
func zeroFields(keys map[ExtraKey]any) map[string]any {
	fields := make(map[string]any, len(keys))
	for k, v := range keys {
		fields[string(k)] = v
	}
	return fields
}
