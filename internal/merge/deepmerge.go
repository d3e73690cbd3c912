package merge

// DeepMergeMaps performs a deep merge of multiple maps.
// Keys in later maps recursively overwrite keys in earlier ones.
// Nested maps are copied, so the result never aliases its inputs.
func DeepMergeMaps(maps ...map[string]any) map[string]any {
	result := make(map[string]any)
	for _, m := range maps {
		for k, v := range m {
			src, ok := v.(map[string]any)
			if !ok {
				result[k] = v
				continue
			}
			if dest, ok := result[k].(map[string]any); ok {
				result[k] = DeepMergeMaps(dest, src)
				continue
			}
			result[k] = DeepMergeMaps(src)
		}
	}
	return result
}
